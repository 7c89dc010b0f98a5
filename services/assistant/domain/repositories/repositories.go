// Package repositories declares the persistence interfaces owned by the
// assistant domain; infrastructure implements them.
package repositories

import (
	"context"

	"github.com/ghuser/whatsup/services/assistant/domain"
)

// StoredEvent pairs a committed event with its global change-feed position.
type StoredEvent struct {
	Position int64
	Event    domain.Event
}

// EventStore is the append-only, versioned-by-aggregate persistence layer.
// Committed events are immutable; the store never reorders or coalesces.
type EventStore interface {
	// Append atomically commits ev at expectedSequenceNr within its aggregate
	// stream. Returns domain.ErrConcurrencyConflict if another writer already
	// advanced the stream to or past that position, domain.ErrDuplicateEvent
	// if an event with the same id is stored, and domain.ErrAlreadyProcessed
	// if an event with the same (metadata.source, metadata.causationId) pair
	// is stored.
	Append(ctx context.Context, ev *domain.Event, expectedSequenceNr int64) error

	// ReadStream returns events for the aggregate stream in ascending
	// sequenceNr order, starting after sinceSequenceNr. An empty subType
	// matches all sub-streams.
	ReadStream(ctx context.Context, aggregateType, aggregateID, subType string, sinceSequenceNr int64) ([]domain.Event, error)

	// FindByCausation returns the outcome event committed for the given
	// (source, causationId) pair, or domain.ErrEventNotFound.
	FindByCausation(ctx context.Context, source, causationID string) (*domain.Event, error)

	// NextSequenceNr returns the next free sequence number for the stream;
	// 1 for a stream with no committed events.
	NextSequenceNr(ctx context.Context, aggregateType, aggregateID string) (int64, error)
}

// ChangeFeed exposes the store's ordered feed of committed events for
// checkpointed tailing. Delivery downstream is at-least-once.
type ChangeFeed interface {
	// FetchAfter returns up to limit events committed after position, in
	// commit order.
	FetchAfter(ctx context.Context, position int64, limit int) ([]StoredEvent, error)
}

// CheckpointStore persists change-feed positions so tailing survives restarts.
type CheckpointStore interface {
	// Load returns the last saved position for consumerID, or 0 if none.
	Load(ctx context.Context, consumerID string) (int64, error)
	Save(ctx context.Context, consumerID string, position int64) error
}

// MessageArchive stores conversation history for retrieval-augmented context.
type MessageArchive interface {
	// Save records a message idempotently; re-saving the same event id is a
	// no-op so broker redelivery cannot duplicate history.
	Save(ctx context.Context, msg *domain.ArchivedMessage) error

	// Recent returns up to limit messages for the chat ordered
	// most-recent-last. A brand-new chat yields an empty slice, not an error.
	Recent(ctx context.Context, chatID string, limit int) ([]domain.ArchivedMessage, error)
}
