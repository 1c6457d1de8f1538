// Package notify fans market lifecycle events out to operator chat channels
// (Telegram, Discord). Events can be filtered by type so operators receive
// only the alerts they care about.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/marketsettle/internal/domain"
)

// Message is one rendered notification. Event is the lifecycle event type
// it was built from.
type Message struct {
	Event string
	Title string
	Body  string
}

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// Notifier dispatches notifications to every Sender. Notify only forwards
// event types in the allowed set; an empty set allows everything.
type Notifier struct {
	senders  []Sender
	events   map[string]bool
	decimals uint8
	logger   *slog.Logger
}

// NewNotifier creates a Notifier. decimals is the number of minor-unit digits
// used when rendering collateral amounts.
func NewNotifier(senders []Sender, events []string, decimals uint8, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		decimals: decimals,
		logger:   logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify sends msg if its event passes the filter.
func (n *Notifier) Notify(ctx context.Context, msg Message) error {
	if len(n.events) > 0 && !n.events[msg.Event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", msg.Event))
		return nil
	}
	return n.dispatch(ctx, msg)
}

// NotifyMarketEvent renders a lifecycle event and sends it through Notify.
func (n *Notifier) NotifyMarketEvent(ctx context.Context, ev domain.MarketEvent) error {
	title, body := FormatEvent(ev, n.decimals)
	return n.Notify(ctx, Message{Event: string(ev.Type), Title: title, Body: body})
}

// dispatch sends to every sender. One failing sender does not stop delivery
// to the rest; all failures are joined into the returned error.
func (n *Notifier) dispatch(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("event", msg.Event),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
