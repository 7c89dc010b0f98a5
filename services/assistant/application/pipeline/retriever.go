package pipeline

import (
	"context"
	"fmt"

	"github.com/ghuser/whatsup/pkg/logger"
	"github.com/ghuser/whatsup/services/assistant/domain"
	"github.com/ghuser/whatsup/services/assistant/domain/repositories"
)

// relatedLimit bounds how many keyword-matched older messages are added on
// top of the recent window.
const relatedLimit = 5

// ContextCache caches the recent-message window per chat.
type ContextCache interface {
	Get(ctx context.Context, chatID string) ([]domain.ArchivedMessage, error)
	Set(ctx context.Context, chatID string, msgs []domain.ArchivedMessage) error
	Invalidate(ctx context.Context, chatID string) error
}

// Searcher finds archived messages related to a query by full-text match.
type Searcher interface {
	Search(ctx context.Context, chatID, query string, limit int) ([]domain.ArchivedMessage, error)
}

// Window is the conversation context handed to the generator: the bounded
// recent history (most recent last) plus older messages related to the
// current one by keyword.
type Window struct {
	History []domain.ArchivedMessage
	Related []domain.ArchivedMessage
}

// Retriever assembles the generation context for an inbound message. The
// recent window is read through the cache; search enrichment is best effort
// and never fails retrieval.
type Retriever struct {
	archive    repositories.MessageArchive
	cache      ContextCache
	searcher   Searcher
	windowSize int
	log        logger.Logger
}

// NewRetriever builds a Retriever. cache and searcher may be nil, which
// disables the respective layer.
func NewRetriever(archive repositories.MessageArchive, cache ContextCache, searcher Searcher, windowSize int, log logger.Logger) *Retriever {
	return &Retriever{
		archive:    archive,
		cache:      cache,
		searcher:   searcher,
		windowSize: windowSize,
		log:        log,
	}
}

// Retrieve returns the context window for the inbound message's conversation.
// The conversation key is aggregate.id, the same key the archive stores
// history under. A chat with no history yields an empty window, not an error.
func (r *Retriever) Retrieve(ctx context.Context, inbound *domain.Event) (*Window, error) {
	chatID := inbound.Aggregate.ID

	history, err := r.recent(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("retrieve context for chat %s: %w", chatID, err)
	}

	w := &Window{History: history}
	if r.searcher != nil && inbound.Payload.Text != "" {
		related, err := r.searcher.Search(ctx, chatID, inbound.Payload.Text, relatedLimit)
		if err != nil {
			// Search is an enrichment layer. Generation proceeds on the
			// recent window alone.
			r.log.WarnContext(ctx, "related-history search failed", "chat_id", chatID, "error", err)
		} else {
			w.Related = dedupeRelated(related, history, inbound.ID)
		}
	}
	return w, nil
}

func (r *Retriever) recent(ctx context.Context, chatID string) ([]domain.ArchivedMessage, error) {
	if r.cache != nil {
		cached, err := r.cache.Get(ctx, chatID)
		if err != nil {
			r.log.WarnContext(ctx, "context cache read failed", "chat_id", chatID, "error", err)
		} else if cached != nil {
			return cached, nil
		}
	}

	history, err := r.archive.Recent(ctx, chatID, r.windowSize)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, chatID, history); err != nil {
			r.log.WarnContext(ctx, "context cache write failed", "chat_id", chatID, "error", err)
		}
	}
	return history, nil
}

// dedupeRelated drops search hits that are already in the recent window or
// are the message being replied to.
func dedupeRelated(related, history []domain.ArchivedMessage, inboundID string) []domain.ArchivedMessage {
	seen := make(map[string]struct{}, len(history)+1)
	seen[inboundID] = struct{}{}
	for _, m := range history {
		seen[m.EventID] = struct{}{}
	}

	out := related[:0]
	for _, m := range related {
		if _, dup := seen[m.EventID]; dup {
			continue
		}
		out = append(out, m)
	}
	return out
}
