// Package memory implements the domain store, claim ledger and token ledger
// in process memory. Transactions hold a single writer lock and roll back
// through an undo journal, so it suits tests and single-node development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/marketsettle/internal/domain"
)

type claimKey struct {
	marketID uint64
	claimant string
}

type accountKey struct {
	mint  string
	owner string
}

type account struct {
	balance   uint64
	authority string
}

type state struct {
	markets  map[uint64]domain.Market
	claims   map[claimKey]domain.ClaimRecord
	mints    map[string]domain.MintInfo
	accounts map[accountKey]account
	audit    []domain.AuditEntry
	auditSeq int64
}

// journal records how to undo each write made inside a transaction.
type journal struct {
	undo []func()
}

func (j *journal) rollback() {
	for i := len(j.undo) - 1; i >= 0; i-- {
		j.undo[i]()
	}
	j.undo = nil
}

func journalSet[K comparable, V any](j *journal, m map[K]V, k K, v V) {
	prev, existed := m[k]
	j.undo = append(j.undo, func() {
		if existed {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
	m[k] = v
}

// Store implements domain.Store. The zero value is not usable; call New.
type Store struct {
	mu      *sync.RWMutex
	st      *state
	program common.Address
	now     func() time.Time

	// tx is non-nil for a Store handed to an InTx callback. The writer lock
	// is already held by InTx in that case.
	tx *journal
}

// New creates an empty Store whose ledger honours capabilities issued for
// program.
func New(program common.Address) *Store {
	return &Store{
		mu: &sync.RWMutex{},
		st: &state{
			markets:  make(map[uint64]domain.Market),
			claims:   make(map[claimKey]domain.ClaimRecord),
			mints:    make(map[string]domain.MintInfo),
			accounts: make(map[accountKey]account),
		},
		program: program,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Markets() domain.MarketStore { return marketRepo{s} }
func (s *Store) Claims() domain.ClaimStore   { return claimRepo{s} }
func (s *Store) Ledger() domain.TokenLedger  { return ledger{s} }
func (s *Store) Audit() domain.AuditStore    { return auditRepo{s} }

// InTx runs fn with exclusive access to the store. Writes made through the
// tx Store are undone if fn returns an error. Nested calls join the outer
// transaction.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx domain.Store) error) error {
	if s.tx != nil {
		return fn(ctx, s)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j := &journal{}
	tx := &Store{mu: s.mu, st: s.st, program: s.program, now: s.now, tx: j}
	if err := fn(ctx, tx); err != nil {
		j.rollback()
		return err
	}
	return nil
}

func (s *Store) read(fn func()) {
	if s.tx != nil {
		fn()
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn()
}

// write runs fn under the writer lock. Outside a transaction a failed fn is
// rolled back on its own.
func (s *Store) write(fn func(j *journal) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	j := &journal{}
	if err := fn(j); err != nil {
		j.rollback()
		return err
	}
	return nil
}

var _ domain.Store = (*Store)(nil)
