package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ghuser/whatsup/pkg/logger"
	"github.com/ghuser/whatsup/pkg/metrics"
	"github.com/ghuser/whatsup/services/assistant/domain"
	"github.com/ghuser/whatsup/services/assistant/domain/repositories"
)

// Indexer feeds the full-text index over archived messages. Indexing is best
// effort; a failed index write never fails the pipeline.
type Indexer interface {
	IndexMessage(msg *domain.ArchivedMessage) error
}

// Processor runs one inbound message through the pipeline to a terminal
// state. A nil return means the message reached a terminal state and must be
// acked; domain.ErrFatal means even dead-lettering failed and the partition
// must halt.
//
// Exactly one outcome event (message.generated or message.ignored) is
// committed per processed inbound message. Messages from the owner's own
// account are archived for history but never trigger generation and never
// produce an outcome event.
type Processor struct {
	store     repositories.EventStore
	archive   repositories.MessageArchive
	cache     ContextCache
	indexer   Indexer
	guard     *Guard
	retriever *Retriever
	generator *Generator
	router    *Router

	source            string
	maxAppendAttempts int
	retryBaseDelay    time.Duration
	storeTimeout      time.Duration
	log               logger.Logger
}

// ProcessorParams collects the Processor's dependencies and bounds.
type ProcessorParams struct {
	Store     repositories.EventStore
	Archive   repositories.MessageArchive
	Cache     ContextCache
	Indexer   Indexer
	Guard     *Guard
	Retriever *Retriever
	Generator *Generator
	Router    *Router

	Source            string
	MaxAppendAttempts int
	RetryBaseDelay    time.Duration
	StoreTimeout      time.Duration
	Log               logger.Logger
}

// NewProcessor builds a Processor from its parts.
func NewProcessor(p ProcessorParams) *Processor {
	return &Processor{
		store:             p.Store,
		archive:           p.Archive,
		cache:             p.Cache,
		indexer:           p.Indexer,
		guard:             p.Guard,
		retriever:         p.Retriever,
		generator:         p.Generator,
		router:            p.Router,
		source:            p.Source,
		maxAppendAttempts: p.MaxAppendAttempts,
		retryBaseDelay:    p.RetryBaseDelay,
		storeTimeout:      p.StoreTimeout,
		log:               p.Log,
	}
}

// Process takes a raw broker payload to a terminal state.
func (p *Processor) Process(ctx context.Context, raw []byte) error {
	inbound, err := domain.DecodeInbound(raw)
	if err != nil {
		// Malformed messages are never retried.
		return p.deadLetter(ctx, raw, nil, err)
	}

	log := p.log.With("event_id", inbound.ID, "chat_id", inbound.Aggregate.ID)

	// Idempotency guard. A committed outcome for this inbound id proves the
	// message was fully processed by a previous delivery.
	existing, err := p.checkGuard(ctx, inbound.ID)
	if err != nil {
		return p.deadLetter(ctx, raw, inbound, err)
	}
	if existing != nil {
		log.InfoContext(ctx, "message already processed", "outcome_event_id", existing.ID)
		metrics.MessagesProcessed.WithLabelValues("already_done").Inc()
		return nil
	}

	// Archive before anything else so the message contributes to future
	// context even if this delivery fails later. Save is idempotent on
	// event id, so redelivery cannot duplicate history.
	archived := domain.NewArchivedMessage(inbound)
	if err := p.saveArchived(ctx, archived); err != nil {
		return p.deadLetter(ctx, raw, inbound, err)
	}
	if p.indexer != nil {
		if err := p.indexer.IndexMessage(archived); err != nil {
			log.WarnContext(ctx, "failed to index message", "error", err)
		}
	}
	if p.cache != nil {
		if err := p.cache.Invalidate(ctx, inbound.Aggregate.ID); err != nil {
			log.WarnContext(ctx, "failed to invalidate context cache", "error", err)
		}
	}

	// The owner's own messages (including our replies echoed back) only feed
	// history. No generation, no outcome event.
	if inbound.Payload.IsFromSelf {
		log.DebugContext(ctx, "own message archived, skipping generation")
		metrics.MessagesProcessed.WithLabelValues("self").Inc()
		return nil
	}

	window, err := p.retrieveWindow(ctx, inbound)
	if err != nil {
		return p.deadLetter(ctx, raw, inbound, err)
	}

	result, err := p.generator.Generate(ctx, inbound, window)
	if err != nil {
		return p.deadLetter(ctx, raw, inbound, err)
	}

	var outcome *domain.Event
	switch result.Decision {
	case DecisionIgnore:
		outcome = domain.NewIgnoredEvent(inbound, p.source)
	default:
		outcome = domain.NewReplyEvent(inbound, result.Text, p.source)
	}

	committed, err := p.appendOutcome(ctx, log, inbound, outcome)
	if err != nil {
		return p.deadLetter(ctx, raw, inbound, err)
	}
	if !committed {
		metrics.MessagesProcessed.WithLabelValues("already_done").Inc()
		return nil
	}

	switch outcome.EventType {
	case domain.EventTypeMessageIgnored:
		metrics.MessagesProcessed.WithLabelValues("ignored").Inc()
	default:
		metrics.MessagesProcessed.WithLabelValues("generated").Inc()
	}
	log.InfoContext(ctx, "outcome committed",
		"outcome_event_id", outcome.ID,
		"event_type", outcome.EventType,
		"sequence_nr", outcome.Aggregate.SequenceNr,
	)
	return nil
}

// appendOutcome commits the outcome event with optimistic concurrency. On a
// conflict it re-checks the guard (the usual cause is our own previous
// delivery racing in) and otherwise recomputes the stream head and retries,
// bounded by maxAppendAttempts. Returns committed=false when another writer
// already committed the outcome for this inbound message.
func (p *Processor) appendOutcome(ctx context.Context, log logger.Logger, inbound, outcome *domain.Event) (committed bool, err error) {
	for attempt := 1; ; attempt++ {
		appendCtx, cancel := context.WithTimeout(ctx, p.storeTimeout)
		err = p.store.Append(appendCtx, outcome, outcome.Aggregate.SequenceNr)
		cancel()

		if err == nil {
			return true, nil
		}
		if errors.Is(err, domain.ErrAlreadyProcessed) || errors.Is(err, domain.ErrDuplicateEvent) {
			log.InfoContext(ctx, "outcome already committed by a concurrent delivery")
			return false, nil
		}
		if !errors.Is(err, domain.ErrConcurrencyConflict) {
			return false, fmt.Errorf("append outcome: %w", err)
		}

		metrics.AppendConflicts.Inc()
		if attempt >= p.maxAppendAttempts {
			return false, fmt.Errorf("append outcome after %d attempts: %w", attempt, err)
		}

		// Another writer advanced the stream. If it was a concurrent delivery
		// of this same message, its outcome makes ours redundant.
		existing, guardErr := p.checkGuard(ctx, inbound.ID)
		if guardErr != nil {
			return false, guardErr
		}
		if existing != nil {
			return false, nil
		}

		next, seqErr := p.nextSequenceNr(ctx, outcome.Aggregate.Type, outcome.Aggregate.ID)
		if seqErr != nil {
			return false, seqErr
		}
		outcome.Aggregate.SequenceNr = next
		log.WarnContext(ctx, "append conflict, retrying at new stream head",
			"attempt", attempt, "sequence_nr", next)

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(p.retryBaseDelay * time.Duration(attempt)):
		}
	}
}

// The store calls below retry transient failures in place with bounded
// backoff before escalating to the dead-letter topic. Each attempt runs under
// its own storeTimeout.

func (p *Processor) checkGuard(ctx context.Context, inboundID string) (*domain.Event, error) {
	return retryStore(ctx, p.retryBaseDelay, p.maxAppendAttempts, func() (*domain.Event, error) {
		guardCtx, cancel := context.WithTimeout(ctx, p.storeTimeout)
		defer cancel()
		ev, err := p.guard.Check(guardCtx, inboundID)
		if err != nil && errors.Is(err, context.Canceled) {
			return nil, backoff.Permanent(err)
		}
		return ev, err
	})
}

func (p *Processor) saveArchived(ctx context.Context, msg *domain.ArchivedMessage) error {
	_, err := retryStore(ctx, p.retryBaseDelay, p.maxAppendAttempts, func() (struct{}, error) {
		saveCtx, cancel := context.WithTimeout(ctx, p.storeTimeout)
		defer cancel()
		if err := p.archive.Save(saveCtx, msg); err != nil {
			if errors.Is(err, context.Canceled) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	if err != nil {
		return fmt.Errorf("archive message: %w", err)
	}
	return nil
}

func (p *Processor) retrieveWindow(ctx context.Context, inbound *domain.Event) (*Window, error) {
	return retryStore(ctx, p.retryBaseDelay, p.maxAppendAttempts, func() (*Window, error) {
		retrieveCtx, cancel := context.WithTimeout(ctx, p.storeTimeout)
		defer cancel()
		w, err := p.retriever.Retrieve(retrieveCtx, inbound)
		if err != nil && errors.Is(err, context.Canceled) {
			return nil, backoff.Permanent(err)
		}
		return w, err
	})
}

// retryStore is the bounded-retry combinator for blocking store reads and
// writes. maxAttempts bounds total tries; context cancellation stops early.
func retryStore[T any](ctx context.Context, baseDelay time.Duration, maxAttempts int, operation backoff.Operation[T]) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = baseDelay
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(maxAttempts)),
	)
}

func (p *Processor) nextSequenceNr(ctx context.Context, aggregateType, aggregateID string) (int64, error) {
	seqCtx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()
	next, err := p.store.NextSequenceNr(seqCtx, aggregateType, aggregateID)
	if err != nil {
		return 0, fmt.Errorf("resolve stream head: %w", err)
	}
	return next, nil
}

func (p *Processor) deadLetter(ctx context.Context, raw []byte, inbound *domain.Event, cause error) error {
	if err := p.router.Route(ctx, raw, inbound, cause); err != nil {
		return err
	}
	metrics.MessagesProcessed.WithLabelValues("dead_lettered").Inc()
	return nil
}
