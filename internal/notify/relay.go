package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/opengrove/marketd/internal/domain"
	"github.com/opengrove/marketd/internal/service"
)

// Relay consumes committed-state events from the signal bus and forwards
// them to the notifier. It runs outside the request path; a slow or broken
// channel never affects settlements.
type Relay struct {
	bus      domain.SignalBus
	notifier *Notifier
	logger   *slog.Logger
}

// NewRelay creates a Relay between the given bus and notifier.
func NewRelay(bus domain.SignalBus, notifier *Notifier, logger *slog.Logger) *Relay {
	return &Relay{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "notify_relay")),
	}
}

// Run subscribes to the events channel and forwards each event until the
// context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	msgCh, err := r.bus.Subscribe(ctx, service.EventsChannel)
	if err != nil {
		return fmt.Errorf("notify: subscribe %s: %w", service.EventsChannel, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-msgCh:
			if !ok {
				return nil
			}
			var ev domain.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				r.logger.WarnContext(ctx, "skipping malformed event",
					slog.String("error", err.Error()),
				)
				continue
			}
			if err := r.notifier.Notify(ctx, ev.Type, titleOf(ev), messageOf(ev)); err != nil {
				r.logger.WarnContext(ctx, "notification failed",
					slog.String("event", ev.Type),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func titleOf(ev domain.Event) string {
	switch ev.Type {
	case domain.EventSettled:
		return "Trade settled"
	case domain.EventListingOpened:
		return "Listing opened"
	case domain.EventListingClosed:
		return "Listing closed"
	case domain.EventBidOpened:
		return "Bid opened"
	case domain.EventBidClosed:
		return "Bid closed"
	case domain.EventDeposit:
		return "Escrow deposit"
	case domain.EventWithdrawal:
		return "Escrow withdrawal"
	case domain.EventConfigUpdated:
		return "Marketplace updated"
	case domain.EventListingMigrated:
		return "Listing migrated"
	default:
		return ev.Type
	}
}

func messageOf(ev domain.Event) string {
	msg := fmt.Sprintf("marketplace %s", ev.Marketplace.Hex())
	if ev.Asset != nil {
		msg += fmt.Sprintf("\nasset %s", ev.Asset.Hex())
	}
	if ev.Record != nil {
		msg += fmt.Sprintf("\nrecord %s", ev.Record.Hex())
	}
	return msg
}
