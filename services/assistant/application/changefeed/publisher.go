// Package changefeed tails the event store's commit feed and republishes
// committed events to the broker so other services can react to them.
package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/ghuser/whatsup/pkg/logger"
	"github.com/ghuser/whatsup/pkg/metrics"
	"github.com/ghuser/whatsup/services/assistant/application/pipeline"
	"github.com/ghuser/whatsup/services/assistant/domain/repositories"
)

// consumerID keys the publisher's checkpoint row.
const consumerID = "change-feed-publisher"

// Publisher polls the change feed from its last checkpoint and publishes
// every committed event to the outbound topic in commit order. The checkpoint
// is saved after each published batch, so a crash between publish and save
// replays the tail: delivery is at-least-once and downstream consumers must
// deduplicate on event id.
type Publisher struct {
	feed        repositories.ChangeFeed
	checkpoints repositories.CheckpointStore
	bus         pipeline.Publisher

	topic     string
	interval  time.Duration
	batchSize int
	log       logger.Logger
}

// NewPublisher builds a change-feed Publisher for the outbound topic.
func NewPublisher(
	feed repositories.ChangeFeed,
	checkpoints repositories.CheckpointStore,
	bus pipeline.Publisher,
	topic string,
	interval time.Duration,
	batchSize int,
	log logger.Logger,
) *Publisher {
	return &Publisher{
		feed:        feed,
		checkpoints: checkpoints,
		bus:         bus,
		topic:       topic,
		interval:    interval,
		batchSize:   batchSize,
		log:         log,
	}
}

// Run tails the feed until ctx is canceled. Always returns nil on graceful
// shutdown; transient fetch or publish errors are logged and retried on the
// next tick rather than terminating the loop.
func (p *Publisher) Run(ctx context.Context) error {
	position, err := p.checkpoints.Load(ctx, consumerID)
	if err != nil {
		return fmt.Errorf("changefeed: load checkpoint: %w", err)
	}
	p.log.Info("change feed publisher started", "position", position, "topic", p.topic)
	metrics.ChangeFeedLag.Set(float64(position))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("change feed publisher stopping", "position", position)
			return nil
		case <-ticker.C:
			next, err := p.drain(ctx, position)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.log.ErrorContext(ctx, "change feed pass failed, will retry", "error", err, "position", position)
				continue
			}
			position = next
		}
	}
}

// drain publishes batches until the feed is exhausted, returning the new
// checkpointed position.
func (p *Publisher) drain(ctx context.Context, position int64) (int64, error) {
	for {
		batch, err := p.feed.FetchAfter(ctx, position, p.batchSize)
		if err != nil {
			return position, fmt.Errorf("fetch after %d: %w", position, err)
		}
		if len(batch) == 0 {
			return position, nil
		}

		for _, stored := range batch {
			if err := p.publish(ctx, &stored); err != nil {
				// Save progress up to the last fully published event before
				// surfacing the error.
				if position > 0 {
					if saveErr := p.checkpoints.Save(ctx, consumerID, position); saveErr != nil {
						p.log.ErrorContext(ctx, "failed to save checkpoint", "error", saveErr)
					}
				}
				return position, err
			}
			position = stored.Position
			metrics.EventsPublished.WithLabelValues(stored.Event.EventType).Inc()
		}

		if err := p.checkpoints.Save(ctx, consumerID, position); err != nil {
			return position, fmt.Errorf("save checkpoint at %d: %w", position, err)
		}
		metrics.ChangeFeedLag.Set(float64(position))
	}
}

func (p *Publisher) publish(ctx context.Context, stored *repositories.StoredEvent) error {
	payload, err := json.Marshal(&stored.Event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", stored.Event.ID, err)
	}

	msg := message.NewMessage(stored.Event.ID, payload)
	msg.Metadata.Set("eventType", stored.Event.EventType)

	if err := p.bus.Publish(ctx, p.topic, msg); err != nil {
		return fmt.Errorf("publish event %s at position %d: %w", stored.Event.ID, stored.Position, err)
	}
	return nil
}
