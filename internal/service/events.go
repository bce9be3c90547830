package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/opengrove/marketd/internal/domain"
)

// EventsChannel is the signal-bus channel every committed-state event is
// published on. The websocket hub subscribes to it to fan events out to
// clients.
const EventsChannel = "marketd.events"

// publish pushes ev onto the signal bus. Events describe state that already
// committed, so publish failures are logged and swallowed rather than
// propagated.
func publish(ctx context.Context, bus domain.SignalBus, logger *slog.Logger, ev domain.Event) {
	if bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.ErrorContext(ctx, "service: marshal event",
			slog.String("type", ev.Type),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := bus.Publish(ctx, EventsChannel, payload); err != nil {
		logger.WarnContext(ctx, "service: publish event failed",
			slog.String("type", ev.Type),
			slog.String("error", err.Error()),
		)
	}
}
