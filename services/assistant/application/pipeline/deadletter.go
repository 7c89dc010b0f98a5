package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/ghuser/whatsup/pkg/logger"
	"github.com/ghuser/whatsup/pkg/metrics"
	"github.com/ghuser/whatsup/services/assistant/domain"
)

// Publisher sends messages to a broker topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, msgs ...*message.Message) error
}

// Router delivers undeliverable inbound messages to the dead-letter topic.
// The dead-letter copy is the original event with our source stamped on,
// causationId pointing at the original event id, and the failure recorded
// under metadata.errorType / metadata.error. Delivery itself is retried;
// if it exhausts its attempts the router reports domain.ErrFatal, which
// halts the partition rather than silently dropping the message.
type Router struct {
	bus         Publisher
	topic       string
	source      string
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration
	log         logger.Logger
}

// NewRouter builds a dead-letter Router publishing to topic.
func NewRouter(bus Publisher, topic, source string, maxAttempts int, baseDelay, timeout time.Duration, log logger.Logger) *Router {
	return &Router{
		bus:         bus,
		topic:       topic,
		source:      source,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		timeout:     timeout,
		log:         log,
	}
}

// Route publishes the failed message to the dead-letter topic. inbound is nil
// when the raw payload never parsed; the raw bytes are then forwarded as-is
// with the failure recorded in broker metadata instead of the envelope.
func (r *Router) Route(ctx context.Context, raw []byte, inbound *domain.Event, cause error) error {
	kind := domain.Classify(cause)
	if inbound == nil {
		kind = domain.FailureValidation
	}

	payload, err := r.buildPayload(raw, inbound, kind, cause)
	if err != nil {
		return fmt.Errorf("%w: build dead-letter payload: %v", domain.ErrFatal, err)
	}

	msg := message.NewMessage(uuid.NewString(), payload)
	if inbound == nil {
		msg.Metadata.Set("errorType", string(kind))
		msg.Metadata.Set("error", cause.Error())
	}

	operation := func() (struct{}, error) {
		pubCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		if err := r.bus.Publish(pubCtx, r.topic, msg); err != nil {
			if errors.Is(err, context.Canceled) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.baseDelay

	if _, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(r.maxAttempts)),
	); err != nil {
		return fmt.Errorf("%w: dead-letter delivery to %s failed: %v", domain.ErrFatal, r.topic, err)
	}

	metrics.DeadLetters.WithLabelValues(string(kind)).Inc()
	r.log.WarnContext(ctx, "message dead-lettered",
		"topic", r.topic,
		"error_type", string(kind),
		"cause", cause.Error(),
	)
	return nil
}

func (r *Router) buildPayload(raw []byte, inbound *domain.Event, kind domain.FailureKind, cause error) ([]byte, error) {
	if inbound == nil {
		return raw, nil
	}

	dead := *inbound
	dead.Metadata.Source = r.source
	dead.Metadata.CausationID = inbound.ID
	dead.Metadata.ErrorType = string(kind)
	dead.Metadata.Error = cause.Error()
	return json.Marshal(&dead)
}
