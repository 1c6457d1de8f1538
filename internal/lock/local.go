// Package lock provides an in-process domain.LockManager for single-node
// deployments and tests.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/marketsettle/internal/domain"
)

type holder struct {
	token   string
	expires time.Time
}

// Local implements domain.LockManager with a keyed map. Like the Redis lock,
// a holder that outlives its TTL loses the key to the next caller.
type Local struct {
	held map[string]holder // key -> current holder
	mu   sync.Mutex
	now  func() time.Time
}

// NewLocal creates an empty Local lock manager.
func NewLocal() *Local {
	return &Local{
		held: make(map[string]holder),
		now:  time.Now,
	}
}

// Acquire takes key for ttl. It returns domain.ErrLockHeld if a live holder
// already has it. The returned unlock func is safe to call more than once and
// only releases the key if this caller still holds it.
func (l *Local) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if h, ok := l.held[key]; ok && now.Before(h.expires) {
		return nil, domain.ErrLockHeld
	}

	token := uuid.New().String()
	l.held[key] = holder{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if h, ok := l.held[key]; ok && h.token == token {
				delete(l.held, key)
			}
		})
	}, nil
}

var _ domain.LockManager = (*Local)(nil)
