package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/pgrelay/pgrelay/internal/cdc"
	"github.com/pgrelay/pgrelay/internal/telemetry"
)

// Publisher sends one serialized message to a named queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// Handler publishes the messages derived from each drained batch. It stops
// at the first publish failure and returns it; the bridge treats that as
// fatal because the originating transaction has already committed.
type Handler struct {
	router    *Router
	publisher Publisher
}

var _ cdc.BatchHandler = (*Handler)(nil)

func NewHandler(router *Router, publisher Publisher) *Handler {
	return &Handler{
		router:    router,
		publisher: publisher,
	}
}

func (h *Handler) HandleBatch(ctx context.Context, events []*cdc.ChangeEvent) error {
	for _, out := range h.router.RouteBatch(events) {
		body, err := json.Marshal(out.Message)
		if err != nil {
			return fmt.Errorf("failed to marshal message for %s: %w", out.Queue, err)
		}

		if err := h.publisher.Publish(ctx, out.Queue, body); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", out.Queue, err)
		}

		telemetry.MessagesPublished.WithLabelValues(out.Queue).Inc()
		log.Debug().Str("queue", out.Queue).RawJSON("body", body).Msg("Published message")
	}

	return nil
}
