// Package notify forwards marketplace events to operator channels. The relay
// feeds settled trades, cancellations, and escrow movements from the signal
// bus into a Notifier, which fans each one out to the configured senders.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Sender delivers one formatted notification to a single channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	// Name identifies the channel in logs, e.g. "telegram".
	Name() string
}

// Notifier fans notifications out to every sender. An optional allow-list of
// event types filters what Notify forwards; "listing.*" style prefixes match
// a whole event family.
type Notifier struct {
	senders []Sender
	allowed []string
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list forwards everything.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make([]string, 0, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed = append(allowed, e)
		}
	}
	return &Notifier{
		senders: senders,
		allowed: allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify delivers to every sender when the event type passes the allow-list.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.wants(event) {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll bypasses the allow-list.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

func (n *Notifier) wants(event string) bool {
	if len(n.allowed) == 0 {
		return true
	}
	for _, a := range n.allowed {
		if a == event {
			return true
		}
		if prefix, ok := strings.CutSuffix(a, ".*"); ok && strings.HasPrefix(event, prefix+".") {
			return true
		}
	}
	return false
}

// dispatch tries every sender even when earlier ones fail, then reports the
// failures together.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %w", errors.Join(errs...))
	}
	return nil
}
