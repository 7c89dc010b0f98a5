package postgres

import (
	"context"
	"fmt"

	"github.com/ghuser/whatsup/pkg/database"
	"github.com/ghuser/whatsup/services/assistant/domain"
)

// ArchiveStore implements repositories.MessageArchive. Every inbound message
// lands here regardless of whether it triggers a reply, so the context
// retriever sees the full conversation including the assistant's own turns.
type ArchiveStore struct {
	db *database.Database
}

// NewArchiveStore returns an ArchiveStore backed by the given connection pool.
func NewArchiveStore(db *database.Database) *ArchiveStore {
	return &ArchiveStore{db: db}
}

// Save archives the message. Archiving is keyed on the originating event id,
// so redelivered messages are a no-op rather than duplicate history.
func (s *ArchiveStore) Save(ctx context.Context, msg *domain.ArchivedMessage) error {
	query := `
        INSERT INTO messages
            (event_id, event_type, chat_id, sender, recipient, text, is_from_self, occurred_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (event_id) DO NOTHING
    `
	_, err := s.db.Pool().Exec(ctx, query,
		msg.EventID,
		msg.EventType,
		msg.ChatID,
		msg.From,
		msg.To,
		msg.Text,
		msg.IsFromSelf,
		msg.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Recent returns up to limit messages for the chat, most recent last. A chat
// with no history yields an empty slice, not an error.
func (s *ArchiveStore) Recent(ctx context.Context, chatID string, limit int) ([]domain.ArchivedMessage, error) {
	query := `
        SELECT event_id, event_type, chat_id, sender, recipient, text, is_from_self, occurred_at
        FROM (
            SELECT event_id, event_type, chat_id, sender, recipient, text, is_from_self, occurred_at
            FROM messages
            WHERE chat_id = $1
            ORDER BY occurred_at DESC, event_id DESC
            LIMIT $2
        ) latest
        ORDER BY occurred_at ASC, event_id ASC
    `
	rows, err := s.db.Pool().Query(ctx, query, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	msgs := []domain.ArchivedMessage{}
	for rows.Next() {
		var m domain.ArchivedMessage
		if err := rows.Scan(&m.EventID, &m.EventType, &m.ChatID, &m.From, &m.To, &m.Text, &m.IsFromSelf, &m.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
