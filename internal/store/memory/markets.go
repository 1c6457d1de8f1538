package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/alanyoungcy/marketsettle/internal/domain"
)

type marketRepo struct{ s *Store }

func (r marketRepo) Create(_ context.Context, m domain.Market) error {
	return r.s.write(func(j *journal) error {
		if _, ok := r.s.st.markets[m.ID]; ok {
			return fmt.Errorf("memory: create market %d: %w", m.ID, domain.ErrAlreadyExists)
		}
		now := r.s.now()
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		m.UpdatedAt = now
		journalSet(j, r.s.st.markets, m.ID, m)
		return nil
	})
}

func (r marketRepo) GetByID(_ context.Context, id uint64) (domain.Market, error) {
	var (
		m  domain.Market
		ok bool
	)
	r.s.read(func() { m, ok = r.s.st.markets[id] })
	if !ok {
		return domain.Market{}, fmt.Errorf("memory: get market %d: %w", id, domain.ErrNotFound)
	}
	return m, nil
}

func (r marketRepo) Update(_ context.Context, m domain.Market) error {
	return r.s.write(func(j *journal) error {
		if _, ok := r.s.st.markets[m.ID]; !ok {
			return fmt.Errorf("memory: update market %d: %w", m.ID, domain.ErrNotFound)
		}
		m.UpdatedAt = r.s.now()
		journalSet(j, r.s.st.markets, m.ID, m)
		return nil
	})
}

func (r marketRepo) List(_ context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	var out []domain.Market
	r.s.read(func() {
		for _, m := range r.s.st.markets {
			if opts.Since != nil && m.CreatedAt.Before(*opts.Since) {
				continue
			}
			if opts.Until != nil && m.CreatedAt.After(*opts.Until) {
				continue
			}
			out = append(out, m)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return paginate(out, opts), nil
}

func (r marketRepo) Count(_ context.Context) (int64, error) {
	var n int
	r.s.read(func() { n = len(r.s.st.markets) })
	return int64(n), nil
}

func (r marketRepo) ListSettledBefore(_ context.Context, before time.Time) ([]domain.Market, error) {
	var out []domain.Market
	r.s.read(func() {
		for _, m := range r.s.st.markets {
			if m.IsSettled && m.SettledAt != nil && m.SettledAt.Before(before) {
				out = append(out, m)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

type claimRepo struct{ s *Store }

func (r claimRepo) Get(_ context.Context, marketID uint64, claimant string) (domain.ClaimRecord, error) {
	var (
		c  domain.ClaimRecord
		ok bool
	)
	r.s.read(func() { c, ok = r.s.st.claims[claimKey{marketID, claimant}] })
	if !ok {
		return domain.ClaimRecord{}, fmt.Errorf("memory: get claim %d/%s: %w", marketID, claimant, domain.ErrNotFound)
	}
	return c, nil
}

func (r claimRepo) GetOrCreate(_ context.Context, marketID uint64, claimant string) (domain.ClaimRecord, error) {
	var c domain.ClaimRecord
	err := r.s.write(func(j *journal) error {
		k := claimKey{marketID, claimant}
		if existing, ok := r.s.st.claims[k]; ok {
			c = existing
			return nil
		}
		c = domain.ClaimRecord{MarketID: marketID, Claimant: claimant, CreatedAt: r.s.now()}
		journalSet(j, r.s.st.claims, k, c)
		return nil
	})
	return c, err
}

func (r claimRepo) MarkClaimed(_ context.Context, marketID uint64, claimant string, amount uint64, at time.Time) error {
	return r.s.write(func(j *journal) error {
		k := claimKey{marketID, claimant}
		c, ok := r.s.st.claims[k]
		if !ok {
			return fmt.Errorf("memory: mark claimed %d/%s: %w", marketID, claimant, domain.ErrNotFound)
		}
		if c.Claimed {
			return fmt.Errorf("memory: mark claimed %d/%s: %w", marketID, claimant, domain.ErrRewardAlreadyClaimed)
		}
		ts := at
		c.Claimed = true
		c.Amount = amount
		c.ClaimedAt = &ts
		journalSet(j, r.s.st.claims, k, c)
		return nil
	})
}

func (r claimRepo) ListByMarket(_ context.Context, marketID uint64) ([]domain.ClaimRecord, error) {
	var out []domain.ClaimRecord
	r.s.read(func() {
		for k, c := range r.s.st.claims {
			if k.marketID == marketID {
				out = append(out, c)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Claimant < out[j].Claimant })
	return out, nil
}

type auditRepo struct{ s *Store }

func (r auditRepo) Log(_ context.Context, event string, detail map[string]any) error {
	return r.s.write(func(j *journal) error {
		st := r.s.st
		prevLen, prevSeq := len(st.audit), st.auditSeq
		j.undo = append(j.undo, func() {
			st.audit = st.audit[:prevLen]
			st.auditSeq = prevSeq
		})
		st.auditSeq++
		st.audit = append(st.audit, domain.AuditEntry{
			ID:        st.auditSeq,
			Event:     event,
			MarketID:  domain.AuditMarketID(detail),
			Detail:    detail,
			CreatedAt: r.s.now(),
		})
		return nil
	})
}

// History returns the market's entries newest first, like the Postgres store.
func (r auditRepo) History(_ context.Context, marketID uint64, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	r.s.read(func() {
		for i := len(r.s.st.audit) - 1; i >= 0; i-- {
			e := r.s.st.audit[i]
			if e.MarketID == nil || *e.MarketID != marketID {
				continue
			}
			if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
				continue
			}
			if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
				continue
			}
			out = append(out, e)
		}
	})
	return paginate(out, opts), nil
}
