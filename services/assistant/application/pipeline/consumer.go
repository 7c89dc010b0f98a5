package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/ghuser/whatsup/pkg/logger"
)

// Subscriber is the broker side the consumer reads from. Subscribe must
// deliver messages for a topic one at a time: the next message is handed over
// only after the previous one is acked.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error)
	ExtractTrace(ctx context.Context, msg *message.Message) context.Context
}

// Consumer runs one worker per inbound topic. Each topic is an ordered
// partition keyed by conversation, so processing within a topic is strictly
// sequential while separate topics proceed in parallel.
//
// A message is acked only after it reaches a terminal state. If even
// dead-lettering fails the worker stops and Run returns the error; restarting
// the process redelivers the unacked message.
type Consumer struct {
	bus       Subscriber
	processor *Processor
	topics    []string
	log       logger.Logger
}

// NewConsumer builds a Consumer over the given inbound topics.
func NewConsumer(bus Subscriber, processor *Processor, topics []string, log logger.Logger) *Consumer {
	return &Consumer{
		bus:       bus,
		processor: processor,
		topics:    topics,
		log:       log,
	}
}

// Run consumes until ctx is canceled or a worker hits a fatal error. The
// first fatal error is returned after all workers have stopped.
func (c *Consumer) Run(ctx context.Context) error {
	if len(c.topics) == 0 {
		return fmt.Errorf("consumer: no inbound topics configured")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(c.topics))

	for _, topic := range c.topics {
		msgs, err := c.bus.Subscribe(runCtx, topic)
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("consumer: subscribe %s: %w", topic, err)
		}

		wg.Add(1)
		go func(topic string, msgs <-chan *message.Message) {
			defer wg.Done()
			if err := c.consumeTopic(runCtx, topic, msgs); err != nil {
				errCh <- err
				cancel()
			}
		}(topic, msgs)
	}

	wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (c *Consumer) consumeTopic(ctx context.Context, topic string, msgs <-chan *message.Message) error {
	log := c.log.With("topic", topic)
	log.Info("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info("worker stopping")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				log.Info("subscription closed")
				return nil
			}

			// The in-flight message runs under a context detached from the
			// stop signal so shutdown lets it reach a terminal state. Only
			// the loop watches ctx; each pipeline step carries its own
			// timeout.
			msgCtx := c.bus.ExtractTrace(context.WithoutCancel(ctx), msg)
			err := c.processor.Process(msgCtx, msg.Payload)
			if err != nil {
				// Nack keeps the message at the head of the partition; it is
				// redelivered on the next start.
				msg.Nack()
				log.ErrorContext(msgCtx, "halting partition", "error", err)
				return fmt.Errorf("consumer: topic %s: %w", topic, err)
			}
			msg.Ack()
		}
	}
}
