// Package pipeline implements the message processing pipeline: decode, guard,
// archive, retrieve context, generate, append outcome, with dead-lettering for
// messages that exhaust their retries.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/ghuser/whatsup/services/assistant/domain"
	"github.com/ghuser/whatsup/services/assistant/domain/repositories"
)

// Guard answers "did this service already commit an outcome for this inbound
// message". The lookup key is (our source name, inbound event id): the outcome
// event's causationId is always the inbound id, so a committed outcome proves
// the message was fully processed.
type Guard struct {
	store  repositories.EventStore
	source string
}

// NewGuard builds a Guard that checks outcomes written under source.
func NewGuard(store repositories.EventStore, source string) *Guard {
	return &Guard{store: store, source: source}
}

// Check returns the already-committed outcome for the inbound event, or nil
// when the message has not been processed yet.
func (g *Guard) Check(ctx context.Context, inboundEventID string) (*domain.Event, error) {
	ev, err := g.store.FindByCausation(ctx, g.source, inboundEventID)
	if err != nil {
		if errors.Is(err, domain.ErrEventNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("idempotency check: %w", err)
	}
	return ev, nil
}
