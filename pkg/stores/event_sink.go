package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/telemetry"
)

// eventWriteTimeout bounds a single event insert.
const eventWriteTimeout = 5 * time.Second

// EventSink returns a subscriber that appends telemetry events to the store's event log.
// Write failures are logged and the event is dropped.
func EventSink(store Store, logger zerolog.Logger) telemetry.EventSubscriber {
	logger = logger.With().Str("component", "event-sink").Logger()

	return func(e telemetry.Event) {
		row := &Event{
			EventID:   e.ID,
			Type:      e.Type,
			Level:     EventLevel(e.Level),
			Message:   e.Message,
			Timestamp: e.Timestamp.UTC(),
		}
		if e.RunID != "" {
			runID := e.RunID
			row.RunID = &runID
		}
		if e.Resource != "" {
			resource := e.Resource
			row.Resource = &resource
		}
		if len(e.Data) > 0 {
			data, err := json.Marshal(e.Data)
			if err != nil {
				logger.Warn().Err(err).Str("type", e.Type).Msg("Failed to encode event details")
			} else {
				details := string(data)
				row.Details = &details
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), eventWriteTimeout)
		defer cancel()

		if err := store.AppendEvent(ctx, row); err != nil {
			logger.Error().Err(err).Str("type", e.Type).Msg("Failed to persist event")
		}
	}
}
