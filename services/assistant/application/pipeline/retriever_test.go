package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ghuser/whatsup/services/assistant/domain"
)

type memCache struct {
	mu      sync.Mutex
	entries map[string][]domain.ArchivedMessage
	gets    int
	sets    int
	getErr  error
}

func newMemCache() *memCache {
	return &memCache{entries: map[string][]domain.ArchivedMessage{}}
}

func (c *memCache) Get(_ context.Context, chatID string) ([]domain.ArchivedMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.getErr != nil {
		return nil, c.getErr
	}
	return c.entries[chatID], nil
}

func (c *memCache) Set(_ context.Context, chatID string, msgs []domain.ArchivedMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.entries[chatID] = msgs
	return nil
}

func (c *memCache) Invalidate(_ context.Context, chatID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, chatID)
	return nil
}

type stubSearcher struct {
	matches []domain.ArchivedMessage
	err     error
	queries []string
}

func (s *stubSearcher) Search(_ context.Context, _, query string, _ int) ([]domain.ArchivedMessage, error) {
	s.queries = append(s.queries, query)
	return s.matches, s.err
}

func archivedMsg(id, chatID, text string) domain.ArchivedMessage {
	return domain.ArchivedMessage{
		EventID:    id,
		EventType:  domain.EventTypeMessageReceived,
		ChatID:     chatID,
		From:       "49154942313@user",
		Text:       text,
		OccurredAt: time.Now().UTC(),
	}
}

func TestRetrieve_EmptyHistoryForNewChat(t *testing.T) {
	r := NewRetriever(newMemArchive(), nil, nil, 20, testLogger())

	w, err := r.Retrieve(context.Background(), inboundEvent("brand-new-chat", 1, "hi", false))
	if err != nil {
		t.Fatalf("new chat must not error: %v", err)
	}
	if len(w.History) != 0 || len(w.Related) != 0 {
		t.Errorf("expected empty window, got %+v", w)
	}
}

func TestRetrieve_BoundedWindow(t *testing.T) {
	archive := newMemArchive()
	for i := 0; i < 30; i++ {
		msg := archivedMsg(fmt.Sprintf("ev-%02d", i), "chat-1", fmt.Sprintf("message %d", i))
		if err := archive.Save(context.Background(), &msg); err != nil {
			t.Fatalf("seed archive: %v", err)
		}
	}
	r := NewRetriever(archive, nil, nil, 20, testLogger())

	w, err := r.Retrieve(context.Background(), inboundEvent("chat-1", 31, "latest", false))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.History) != 20 {
		t.Fatalf("expected window of 20, got %d", len(w.History))
	}
	if w.History[len(w.History)-1].EventID != "ev-29" {
		t.Errorf("most recent message must be last, got %q", w.History[len(w.History)-1].EventID)
	}
	if w.History[0].EventID != "ev-10" {
		t.Errorf("window must keep the newest messages, got first %q", w.History[0].EventID)
	}
}

// Retrieval must read with the key the archive writes: aggregate.id, not
// payload.chatId. With differing values, history would otherwise be invisible.
func TestRetrieve_KeyedOnAggregateID(t *testing.T) {
	archive := newMemArchive()
	msg := archivedMsg("ev-1", "conv-1", "booked the table")
	if err := archive.Save(context.Background(), &msg); err != nil {
		t.Fatalf("seed archive: %v", err)
	}
	cache := newMemCache()

	r := NewRetriever(archive, cache, nil, 20, testLogger())

	inbound := inboundEvent("conv-1", 2, "what time?", false)
	inbound.Payload.ChatID = "49154942313@chat"

	w, err := r.Retrieve(context.Background(), inbound)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.History) != 1 || w.History[0].EventID != "ev-1" {
		t.Fatalf("expected the archived message in the window, got %+v", w.History)
	}
	if _, ok := cache.entries["conv-1"]; !ok {
		t.Error("cache must be filled under the conversation key")
	}
}

func TestRetrieve_CacheHitSkipsArchive(t *testing.T) {
	archive := newMemArchive()
	cache := newMemCache()
	cache.entries["chat-1"] = []domain.ArchivedMessage{archivedMsg("ev-1", "chat-1", "cached")}

	r := NewRetriever(archive, cache, nil, 20, testLogger())
	w, err := r.Retrieve(context.Background(), inboundEvent("chat-1", 2, "hi", false))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.History) != 1 || w.History[0].Text != "cached" {
		t.Errorf("expected cached window, got %+v", w.History)
	}
	if cache.sets != 0 {
		t.Errorf("cache hit must not rewrite the entry, got %d sets", cache.sets)
	}
}

func TestRetrieve_CacheMissFillsCache(t *testing.T) {
	archive := newMemArchive()
	msg := archivedMsg("ev-1", "chat-1", "from archive")
	if err := archive.Save(context.Background(), &msg); err != nil {
		t.Fatalf("seed archive: %v", err)
	}
	cache := newMemCache()

	r := NewRetriever(archive, cache, nil, 20, testLogger())
	w, err := r.Retrieve(context.Background(), inboundEvent("chat-1", 2, "hi", false))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.History) != 1 || w.History[0].Text != "from archive" {
		t.Errorf("expected archive window, got %+v", w.History)
	}
	if cache.sets != 1 {
		t.Errorf("cache miss must fill the cache, got %d sets", cache.sets)
	}
}

func TestRetrieve_CacheErrorFallsBackToArchive(t *testing.T) {
	archive := newMemArchive()
	msg := archivedMsg("ev-1", "chat-1", "resilient")
	if err := archive.Save(context.Background(), &msg); err != nil {
		t.Fatalf("seed archive: %v", err)
	}
	cache := newMemCache()
	cache.getErr = errors.New("redis down")

	r := NewRetriever(archive, cache, nil, 20, testLogger())
	w, err := r.Retrieve(context.Background(), inboundEvent("chat-1", 2, "hi", false))
	if err != nil {
		t.Fatalf("cache failure must not fail retrieval: %v", err)
	}
	if len(w.History) != 1 {
		t.Errorf("expected archive fallback, got %+v", w.History)
	}
}

func TestRetrieve_SearchEnrichmentDeduped(t *testing.T) {
	archive := newMemArchive()
	inWindow := archivedMsg("ev-1", "chat-1", "recent one")
	if err := archive.Save(context.Background(), &inWindow); err != nil {
		t.Fatalf("seed archive: %v", err)
	}
	searcher := &stubSearcher{matches: []domain.ArchivedMessage{
		archivedMsg("ev-1", "chat-1", "recent one"), // duplicate of the window
		archivedMsg("ev-old", "chat-1", "older related"),
	}}

	r := NewRetriever(archive, nil, searcher, 20, testLogger())
	w, err := r.Retrieve(context.Background(), inboundEvent("chat-1", 2, "related?", false))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.Related) != 1 || w.Related[0].EventID != "ev-old" {
		t.Errorf("expected only the out-of-window hit, got %+v", w.Related)
	}
}

func TestRetrieve_SearchFailureIsNonFatal(t *testing.T) {
	searcher := &stubSearcher{err: errors.New("index corrupted")}
	r := NewRetriever(newMemArchive(), nil, searcher, 20, testLogger())

	w, err := r.Retrieve(context.Background(), inboundEvent("chat-1", 1, "hello", false))
	if err != nil {
		t.Fatalf("search failure must not fail retrieval: %v", err)
	}
	if len(w.Related) != 0 {
		t.Errorf("expected no related messages, got %+v", w.Related)
	}
}
