// Package postgres implements the assistant's persistence interfaces on
// PostgreSQL via pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ghuser/whatsup/pkg/database"
	"github.com/ghuser/whatsup/services/assistant/domain"
	"github.com/ghuser/whatsup/services/assistant/domain/repositories"
)

// Constraint names from migrations/eventstore. Append maps unique violations
// to the domain error that names the invariant the caller tripped.
const (
	constraintEventID         = "events_pkey"
	constraintStreamSequence  = "events_stream_seq_key"
	constraintSourceCausation = "events_source_causation_key"
)

const uniqueViolation = "23505" // PostgreSQL unique_violation

// EventStore implements repositories.EventStore and repositories.ChangeFeed.
// Events are stored with their full envelope as JSONB plus indexed columns
// for stream ordering, causation lookup, and change-feed position.
type EventStore struct {
	db *database.Database
}

// NewEventStore returns an EventStore backed by the given connection pool.
func NewEventStore(db *database.Database) *EventStore {
	return &EventStore{db: db}
}

// Append commits ev at expectedSequenceNr. The insert carries a NOT EXISTS
// guard on the stream head so a writer that lost the race gets
// domain.ErrConcurrencyConflict instead of creating a gap; the unique index
// on (aggregate_type, aggregate_id, sequence_nr) closes the remaining window
// between two concurrent guards passing.
func (s *EventStore) Append(ctx context.Context, ev *domain.Event, expectedSequenceNr int64) error {
	if ev.Aggregate.SequenceNr != expectedSequenceNr {
		return fmt.Errorf("event sequenceNr %d does not match expected %d", ev.Aggregate.SequenceNr, expectedSequenceNr)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	query := `
        INSERT INTO events
            (id, event_type, source, causation_id, aggregate_type, aggregate_id, aggregate_sub_type, sequence_nr, occurred_at, data)
        SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10
        WHERE NOT EXISTS (
            SELECT 1 FROM events
            WHERE aggregate_type = $5 AND aggregate_id = $6 AND sequence_nr >= $8
        )
    `
	tag, err := s.db.Pool().Exec(ctx, query,
		ev.ID,
		ev.EventType,
		ev.Metadata.Source,
		ev.Metadata.CausationID,
		ev.Aggregate.Type,
		ev.Aggregate.ID,
		ev.Aggregate.SubType,
		ev.Aggregate.SequenceNr,
		ev.Metadata.OccurredAt,
		data,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			switch pgErr.ConstraintName {
			case constraintEventID:
				return fmt.Errorf("%w: %s", domain.ErrDuplicateEvent, ev.ID)
			case constraintSourceCausation:
				return fmt.Errorf("%w: source=%s causationId=%s", domain.ErrAlreadyProcessed, ev.Metadata.Source, ev.Metadata.CausationID)
			case constraintStreamSequence:
				return fmt.Errorf("%w: stream %s/%s sequenceNr %d taken", domain.ErrConcurrencyConflict, ev.Aggregate.Type, ev.Aggregate.ID, expectedSequenceNr)
			default:
				return fmt.Errorf("%w: %s", domain.ErrConcurrencyConflict, pgErr.Message)
			}
		}
		return fmt.Errorf("insert event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: stream %s/%s already at or past sequenceNr %d",
			domain.ErrConcurrencyConflict, ev.Aggregate.Type, ev.Aggregate.ID, expectedSequenceNr)
	}
	return nil
}

// ReadStream returns the aggregate's events in ascending sequenceNr order,
// starting after sinceSequenceNr. An empty subType matches all sub-streams.
func (s *EventStore) ReadStream(ctx context.Context, aggregateType, aggregateID, subType string, sinceSequenceNr int64) ([]domain.Event, error) {
	query := `
        SELECT data
        FROM events
        WHERE aggregate_type = $1 AND aggregate_id = $2 AND sequence_nr > $3
          AND ($4 = '' OR aggregate_sub_type = $4)
        ORDER BY sequence_nr ASC
    `
	rows, err := s.db.Pool().Query(ctx, query, aggregateType, aggregateID, sinceSequenceNr, subType)
	if err != nil {
		return nil, fmt.Errorf("query stream: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// FindByCausation returns the outcome event for (source, causationId), or
// domain.ErrEventNotFound. This is the idempotency lookup.
func (s *EventStore) FindByCausation(ctx context.Context, source, causationID string) (*domain.Event, error) {
	query := `SELECT data FROM events WHERE source = $1 AND causation_id = $2`

	var data []byte
	err := s.db.Pool().QueryRow(ctx, query, source, causationID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: source=%s causationId=%s", domain.ErrEventNotFound, source, causationID)
		}
		return nil, fmt.Errorf("query by causation: %w", err)
	}

	var ev domain.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return &ev, nil
}

// NextSequenceNr returns the next free sequence number for the stream.
func (s *EventStore) NextSequenceNr(ctx context.Context, aggregateType, aggregateID string) (int64, error) {
	query := `
        SELECT COALESCE(MAX(sequence_nr), 0) + 1
        FROM events
        WHERE aggregate_type = $1 AND aggregate_id = $2
    `
	var next int64
	if err := s.db.Pool().QueryRow(ctx, query, aggregateType, aggregateID).Scan(&next); err != nil {
		return 0, fmt.Errorf("query next sequenceNr: %w", err)
	}
	return next, nil
}

// FetchAfter returns up to limit committed events after position in commit
// order. This is the change feed the publisher tails.
func (s *EventStore) FetchAfter(ctx context.Context, position int64, limit int) ([]repositories.StoredEvent, error) {
	query := `
        SELECT global_position, data
        FROM events
        WHERE global_position > $1
        ORDER BY global_position ASC
        LIMIT $2
    `
	rows, err := s.db.Pool().Query(ctx, query, position, limit)
	if err != nil {
		return nil, fmt.Errorf("query change feed: %w", err)
	}
	defer rows.Close()

	var out []repositories.StoredEvent
	for rows.Next() {
		var (
			pos  int64
			data []byte
		)
		if err := rows.Scan(&pos, &data); err != nil {
			return nil, fmt.Errorf("scan change feed row: %w", err)
		}
		var ev domain.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event at position %d: %w", pos, err)
		}
		out = append(out, repositories.StoredEvent{Position: pos, Event: ev})
	}
	return out, rows.Err()
}

func scanEvents(rows pgx.Rows) ([]domain.Event, error) {
	var events []domain.Event
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		var ev domain.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
