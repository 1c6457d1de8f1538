package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketsettle/internal/domain"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements domain.Store. Outside InTx each statement runs on its own
// pool connection.
type Store struct {
	pool    *pgxpool.Pool
	q       querier
	program common.Address
	inTx    bool
}

// NewStore creates a Store on pool whose ledger honours capabilities issued
// for program.
func NewStore(pool *pgxpool.Pool, program common.Address) *Store {
	return &Store{pool: pool, q: pool, program: program}
}

func (s *Store) Markets() domain.MarketStore { return &MarketStore{q: s.q, forUpdate: s.inTx} }
func (s *Store) Claims() domain.ClaimStore   { return &ClaimStore{q: s.q} }
func (s *Store) Ledger() domain.TokenLedger  { return &Ledger{q: s.q, program: s.program} }
func (s *Store) Audit() domain.AuditStore    { return &AuditStore{q: s.q} }

// InTx runs fn inside one database transaction. A nested call reuses the
// outer transaction.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx domain.Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &Store{pool: s.pool, q: tx, program: s.program, inTx: true})
	})
}

// idArg renders an unsigned id for a NUMERIC(20,0) column.
func idArg(id uint64) string {
	return strconv.FormatUint(id, 10)
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("postgres: parse id %q: %w", s, err)
	}
	return id, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ domain.Store = (*Store)(nil)
