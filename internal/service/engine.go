package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/marketsettle/internal/derive"
	"github.com/alanyoungcy/marketsettle/internal/domain"
	"github.com/alanyoungcy/marketsettle/internal/metrics"
)

// DeadlinePolicy decides whether the settlement deadline gates lifecycle
// operations.
type DeadlinePolicy string

const (
	// DeadlineAdvisory stores the deadline and never enforces it.
	DeadlineAdvisory DeadlinePolicy = "advisory"
	// DeadlineStrict closes split, merge and settle once the deadline passes.
	DeadlineStrict DeadlinePolicy = "strict"
	// DeadlineAfter only allows settle once the deadline has passed.
	DeadlineAfter DeadlinePolicy = "after_deadline"
)

// ParseDeadlinePolicy parses a policy name. The empty string is advisory.
func ParseDeadlinePolicy(s string) (DeadlinePolicy, error) {
	switch p := DeadlinePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", DeadlineAdvisory:
		return DeadlineAdvisory, nil
	case DeadlineStrict, DeadlineAfter:
		return p, nil
	default:
		return "", fmt.Errorf("unknown deadline policy %q", s)
	}
}

// EventNotifier receives committed lifecycle events for operator alerts.
type EventNotifier interface {
	NotifyMarketEvent(ctx context.Context, ev domain.MarketEvent) error
}

// MetadataPublisher stores a market metadata document and returns its URL.
type MetadataPublisher interface {
	Publish(ctx context.Context, marketID uint64, doc json.RawMessage) (string, error)
}

// EngineConfig tunes the Engine.
type EngineConfig struct {
	DeadlinePolicy DeadlinePolicy
	// LockTTL bounds how long a crashed holder can keep a market locked.
	LockTTL time.Duration
	// AcquireTimeout is how long an operation retries a held lock before
	// failing with domain.ErrLockHeld.
	AcquireTimeout time.Duration
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.DeadlinePolicy == "" {
		c.DeadlinePolicy = DeadlineAdvisory
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 10 * time.Second
	}
	if c.AcquireTimeout < 0 {
		c.AcquireTimeout = 0
	}
	return c
}

// Engine is the market lifecycle state machine. It owns the program
// authority, so it is the only component that can move funds out of a vault
// or mint outcome tokens.
type Engine struct {
	store  domain.Store
	auth   *derive.Authority
	locks  domain.LockManager
	cfg    EngineConfig
	logger *slog.Logger
	now    func() time.Time

	// Optional collaborators; nil disables them.
	cache    domain.MarketCache
	bus      domain.SignalBus
	notifier EventNotifier
	metadata MetadataPublisher
}

// NewEngine creates an Engine with all required dependencies.
func NewEngine(
	store domain.Store,
	auth *derive.Authority,
	locks domain.LockManager,
	cfg EngineConfig,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		store:  store,
		auth:   auth,
		locks:  locks,
		cfg:    cfg.withDefaults(),
		logger: logger.With(slog.String("component", "engine")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithCache attaches a market snapshot cache used by GetMarket.
func (e *Engine) WithCache(cache domain.MarketCache) *Engine {
	e.cache = cache
	return e
}

// WithBus publishes committed events on the markets channel and stream.
func (e *Engine) WithBus(bus domain.SignalBus) *Engine {
	e.bus = bus
	return e
}

// WithNotifier forwards committed events to operator notifications.
func (e *Engine) WithNotifier(n EventNotifier) *Engine {
	e.notifier = n
	return e
}

// WithMetadata lets Create accept inline metadata documents.
func (e *Engine) WithMetadata(p MetadataPublisher) *Engine {
	e.metadata = p
	return e
}

// Addresses returns the derived addresses of a market. They are valid whether
// or not the market exists yet.
func (e *Engine) Addresses(id uint64) derive.MarketAddresses {
	return e.auth.Addresses(id)
}

// Program returns the program address capabilities are issued under.
func (e *Engine) Program() string {
	return e.auth.Program().Hex()
}

func marketLockKey(id uint64) string {
	return "market:" + strconv.FormatUint(id, 10)
}

func claimLockKey(id uint64, claimant string) string {
	return "claim:" + strconv.FormatUint(id, 10) + ":" + claimant
}

// acquire takes key, retrying while another holder has it until the acquire
// timeout elapses.
func (e *Engine) acquire(ctx context.Context, key string) (func(), error) {
	deadline := time.Now().Add(e.cfg.AcquireTimeout)
	backoff := 5 * time.Millisecond
	contended := false

	for {
		unlock, err := e.locks.Acquire(ctx, key, e.cfg.LockTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("engine: acquire %s: %w", key, err)
		}
		if !contended {
			contended = true
			metrics.LockContention.Inc()
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("engine: acquire %s: %w", key, domain.ErrLockHeld)
		}
		wait := min(backoff, remaining)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		backoff = min(backoff*2, 100*time.Millisecond)
	}
}

// lockMarket takes the market lock and, when claimant is set, the claim lock
// after it. Locks are always taken in that order.
func (e *Engine) lockMarket(ctx context.Context, id uint64, claimant string) (func(), error) {
	unlockMarket, err := e.acquire(ctx, marketLockKey(id))
	if err != nil {
		return nil, err
	}
	if claimant == "" {
		return unlockMarket, nil
	}
	unlockClaim, err := e.acquire(ctx, claimLockKey(id, claimant))
	if err != nil {
		unlockMarket()
		return nil, err
	}
	return func() {
		unlockClaim()
		unlockMarket()
	}, nil
}

func (e *Engine) capability(id uint64) (derive.Capability, error) {
	c, err := e.auth.Capability(derive.TagMarket, id)
	if err != nil {
		return derive.Capability{}, fmt.Errorf("engine: market capability %d: %w", id, err)
	}
	return c, nil
}

func (e *Engine) newEvent(typ domain.EventType, m domain.Market, caller string, amount uint64) domain.MarketEvent {
	return domain.MarketEvent{
		ID:                    uuid.NewString(),
		Type:                  typ,
		MarketID:              m.ID,
		Caller:                caller,
		Amount:                amount,
		Outcome:               m.WinningOutcome,
		TotalCollateralLocked: m.TotalCollateralLocked,
		At:                    e.now(),
	}
}

// published runs the side effects of a committed operation. None of them can
// fail the operation; failures are logged.
func (e *Engine) published(ctx context.Context, ev domain.MarketEvent) {
	if e.cache != nil {
		if err := e.cache.Invalidate(ctx, ev.MarketID); err != nil {
			e.logger.WarnContext(ctx, "engine: cache invalidate failed",
				slog.Uint64("market_id", ev.MarketID),
				slog.String("error", err.Error()),
			)
		}
	}

	if e.bus != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			e.logger.ErrorContext(ctx, "engine: marshal event failed",
				slog.String("event", string(ev.Type)),
				slog.String("error", err.Error()),
			)
		} else {
			if err := e.bus.Publish(ctx, domain.ChannelMarkets, payload); err != nil {
				e.logger.WarnContext(ctx, "engine: publish event failed",
					slog.String("event", string(ev.Type)),
					slog.Uint64("market_id", ev.MarketID),
					slog.String("error", err.Error()),
				)
			}
			if err := e.bus.StreamAppend(ctx, domain.StreamMarkets, payload); err != nil {
				e.logger.WarnContext(ctx, "engine: stream append failed",
					slog.String("event", string(ev.Type)),
					slog.Uint64("market_id", ev.MarketID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if e.notifier != nil {
		if err := e.notifier.NotifyMarketEvent(ctx, ev); err != nil {
			e.logger.WarnContext(ctx, "engine: notify failed",
				slog.String("event", string(ev.Type)),
				slog.Uint64("market_id", ev.MarketID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// expired reports whether m's deadline has passed at now.
func expired(m domain.Market, now time.Time) bool {
	return !now.Before(m.SettlementDeadline)
}

// checkTrading applies the deadline policy to split and merge.
func (e *Engine) checkTrading(m domain.Market) error {
	if e.cfg.DeadlinePolicy == DeadlineStrict && expired(m, e.now()) {
		return domain.ErrMarketExpired
	}
	return nil
}

// checkSettle applies the deadline policy to settle.
func (e *Engine) checkSettle(m domain.Market) error {
	switch e.cfg.DeadlinePolicy {
	case DeadlineStrict:
		if expired(m, e.now()) {
			return domain.ErrMarketExpired
		}
	case DeadlineAfter:
		if !expired(m, e.now()) {
			return domain.ErrSettlementTooEarly
		}
	}
	return nil
}

// checkDeadline validates a new market's deadline.
func (e *Engine) checkDeadline(deadline time.Time) error {
	if deadline.IsZero() {
		return domain.ErrInvalidDeadline
	}
	if e.cfg.DeadlinePolicy != DeadlineAdvisory && !deadline.After(e.now()) {
		return domain.ErrInvalidDeadline
	}
	return nil
}
