// Package search maintains a Bluge full-text index over archived messages so
// the context retriever can pull topically related history beyond the recent
// window.
package search

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/blugelabs/bluge"

	"github.com/ghuser/whatsup/services/assistant/domain"
)

// Index wraps a Bluge writer over the message archive. One document per
// archived message, keyed by event id.
type Index struct {
	writer *bluge.Writer
}

// NewIndex opens (or creates) the index at path.
func NewIndex(path string) (*Index, error) {
	writer, err := bluge.OpenWriter(bluge.DefaultConfig(path))
	if err != nil {
		return nil, fmt.Errorf("search: open index at %s: %w", path, err)
	}
	return &Index{writer: writer}, nil
}

// IndexMessage upserts the message into the index. Keyed on event id, so
// redelivered messages overwrite themselves instead of duplicating.
func (i *Index) IndexMessage(msg *domain.ArchivedMessage) error {
	doc := bluge.NewDocument(msg.EventID)
	doc.AddField(bluge.NewKeywordField("chat_id", msg.ChatID).StoreValue())
	doc.AddField(bluge.NewTextField("text", msg.Text).StoreValue())
	doc.AddField(bluge.NewKeywordField("sender", msg.From).StoreValue())
	doc.AddField(bluge.NewKeywordField("is_from_self", strconv.FormatBool(msg.IsFromSelf)).StoreValue())
	// RFC3339 keys sort lexicographically in time order.
	doc.AddField(bluge.NewKeywordField("occurred_at", msg.OccurredAt.UTC().Format(time.RFC3339Nano)).StoreValue())

	if err := i.writer.Update(doc.ID(), doc); err != nil {
		return fmt.Errorf("search: index message %s: %w", msg.EventID, err)
	}
	return nil
}

// Search returns up to limit messages in the chat whose text matches the
// query, best match first. Only the fields stored in the index are populated.
func (i *Index) Search(ctx context.Context, chatID, query string, limit int) ([]domain.ArchivedMessage, error) {
	reader, err := i.writer.Reader()
	if err != nil {
		return nil, fmt.Errorf("search: open reader: %w", err)
	}
	defer reader.Close()

	q := bluge.NewBooleanQuery().
		AddMust(bluge.NewMatchQuery(query).SetField("text")).
		AddMust(bluge.NewTermQuery(chatID).SetField("chat_id"))

	it, err := reader.Search(ctx, bluge.NewTopNSearch(limit, q))
	if err != nil {
		return nil, fmt.Errorf("search: query %q: %w", query, err)
	}

	var matches []domain.ArchivedMessage
	for {
		next, err := it.Next()
		if err != nil {
			return nil, fmt.Errorf("search: iterate results: %w", err)
		}
		if next == nil {
			break
		}
		var m domain.ArchivedMessage
		err = next.VisitStoredFields(func(field string, value []byte) bool {
			switch field {
			case "_id":
				m.EventID = string(value)
			case "chat_id":
				m.ChatID = string(value)
			case "sender":
				m.From = string(value)
			case "text":
				m.Text = string(value)
			case "is_from_self":
				m.IsFromSelf = string(value) == "true"
			case "occurred_at":
				if ts, parseErr := time.Parse(time.RFC3339Nano, string(value)); parseErr == nil {
					m.OccurredAt = ts
				}
			}
			return true
		})
		if err != nil {
			return nil, fmt.Errorf("search: read stored fields: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// Close flushes and closes the index writer.
func (i *Index) Close() error {
	if err := i.writer.Close(); err != nil {
		return fmt.Errorf("search: close index: %w", err)
	}
	return nil
}
