package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	"github.com/ghuser/whatsup/pkg/config"
	"github.com/ghuser/whatsup/pkg/logger"
	"github.com/ghuser/whatsup/services/assistant/domain"
	"github.com/ghuser/whatsup/services/assistant/domain/repositories"
)

const testSource = "whatsup-assistant"

func testLogger() logger.Logger {
	return logger.New(&config.Config{LogLevel: "error"})
}

// --- fakes ---

// memStore is an in-memory EventStore and ChangeFeed enforcing the same
// invariants as the Postgres implementation.
type memStore struct {
	mu     sync.Mutex
	events []domain.Event

	appendErrs []error // popped per Append call before the real logic runs
	findErrs   []error // popped per FindByCausation call
}

func (s *memStore) Append(_ context.Context, ev *domain.Event, expectedSequenceNr int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.appendErrs) > 0 {
		err := s.appendErrs[0]
		s.appendErrs = s.appendErrs[1:]
		if err != nil {
			return err
		}
	}

	for _, e := range s.events {
		if e.ID == ev.ID {
			return domain.ErrDuplicateEvent
		}
		if ev.Metadata.CausationID != "" &&
			e.Metadata.Source == ev.Metadata.Source && e.Metadata.CausationID == ev.Metadata.CausationID {
			return domain.ErrAlreadyProcessed
		}
		if e.Aggregate.Type == ev.Aggregate.Type && e.Aggregate.ID == ev.Aggregate.ID &&
			e.Aggregate.SequenceNr >= expectedSequenceNr {
			return domain.ErrConcurrencyConflict
		}
	}
	s.events = append(s.events, *ev)
	return nil
}

func (s *memStore) ReadStream(_ context.Context, aggregateType, aggregateID, subType string, sinceSequenceNr int64) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, e := range s.events {
		if e.Aggregate.Type == aggregateType && e.Aggregate.ID == aggregateID &&
			e.Aggregate.SequenceNr > sinceSequenceNr &&
			(subType == "" || e.Aggregate.SubType == subType) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) FindByCausation(_ context.Context, source, causationID string) (*domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.findErrs) > 0 {
		err := s.findErrs[0]
		s.findErrs = s.findErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	for i := range s.events {
		e := &s.events[i]
		if e.Metadata.Source == source && e.Metadata.CausationID == causationID {
			return e, nil
		}
	}
	return nil, domain.ErrEventNotFound
}

func (s *memStore) NextSequenceNr(_ context.Context, aggregateType, aggregateID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max int64
	for _, e := range s.events {
		if e.Aggregate.Type == aggregateType && e.Aggregate.ID == aggregateID && e.Aggregate.SequenceNr > max {
			max = e.Aggregate.SequenceNr
		}
	}
	return max + 1, nil
}

func (s *memStore) FetchAfter(_ context.Context, position int64, limit int) ([]repositories.StoredEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []repositories.StoredEvent
	for i, e := range s.events {
		pos := int64(i + 1)
		if pos > position {
			out = append(out, repositories.StoredEvent{Position: pos, Event: e})
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *memStore) byType(eventType string) []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, e := range s.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type memArchive struct {
	mu        sync.Mutex
	msgs      map[string]domain.ArchivedMessage
	order     []string
	saveErrs  []error // popped per Save call
	saveCalls int
}

func newMemArchive() *memArchive {
	return &memArchive{msgs: map[string]domain.ArchivedMessage{}}
}

func (a *memArchive) Save(_ context.Context, msg *domain.ArchivedMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saveCalls++
	if len(a.saveErrs) > 0 {
		err := a.saveErrs[0]
		a.saveErrs = a.saveErrs[1:]
		if err != nil {
			return err
		}
	}
	if _, dup := a.msgs[msg.EventID]; dup {
		return nil
	}
	a.msgs[msg.EventID] = *msg
	a.order = append(a.order, msg.EventID)
	return nil
}

func (a *memArchive) Recent(_ context.Context, chatID string, limit int) ([]domain.ArchivedMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.ArchivedMessage
	for _, id := range a.order {
		if m := a.msgs[id]; m.ChatID == chatID {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (a *memArchive) size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.msgs)
}

type memPublisher struct {
	mu       sync.Mutex
	byTopic  map[string][]*message.Message
	failures int // first n publishes fail
}

func newMemPublisher() *memPublisher {
	return &memPublisher{byTopic: map[string][]*message.Message{}}
}

func (p *memPublisher) Publish(_ context.Context, topic string, msgs ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return fmt.Errorf("broker unavailable")
	}
	p.byTopic[topic] = append(p.byTopic[topic], msgs...)
	return nil
}

func (p *memPublisher) published(topic string) []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.byTopic[topic]...)
}

type stubCompleter struct {
	mu      sync.Mutex
	replies []string // popped per call; "" means return an error
	calls   int
	prompts []string // user prompts seen, in call order
}

func (c *stubCompleter) Complete(_ context.Context, _, userPrompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.prompts = append(c.prompts, userPrompt)
	if len(c.replies) == 0 {
		return "", fmt.Errorf("no scripted reply")
	}
	r := c.replies[0]
	c.replies = c.replies[1:]
	if r == "" {
		return "", fmt.Errorf("model overloaded")
	}
	return r, nil
}

func (c *stubCompleter) lastPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.prompts) == 0 {
		return ""
	}
	return c.prompts[len(c.prompts)-1]
}

// --- fixture ---

type fixture struct {
	store     *memStore
	archive   *memArchive
	publisher *memPublisher
	completer *stubCompleter
	processor *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := testLogger()
	store := &memStore{}
	archive := newMemArchive()
	publisher := newMemPublisher()
	completer := &stubCompleter{replies: []string{"sure, see you at 8"}}

	guard := NewGuard(store, testSource)
	retriever := NewRetriever(archive, nil, nil, 20, log)
	generator := NewGenerator(completer, 3, time.Millisecond, time.Second, log)
	router := NewRouter(publisher, "whatsup.message.dlq", testSource, 3, time.Millisecond, time.Second, log)

	processor := NewProcessor(ProcessorParams{
		Store:             store,
		Archive:           archive,
		Guard:             guard,
		Retriever:         retriever,
		Generator:         generator,
		Router:            router,
		Source:            testSource,
		MaxAppendAttempts: 3,
		RetryBaseDelay:    time.Millisecond,
		StoreTimeout:      time.Second,
		Log:               log,
	})

	return &fixture{
		store:     store,
		archive:   archive,
		publisher: publisher,
		completer: completer,
		processor: processor,
	}
}

func inboundEvent(chatID string, seq int64, text string, fromSelf bool) *domain.Event {
	return &domain.Event{
		ID:        uuid.NewString(),
		EventType: domain.EventTypeMessageReceived,
		Metadata: domain.Metadata{
			SchemaVersion: domain.SchemaVersion,
			Source:        "whatsup-gateway",
			TraceID:       "trace-1",
			CorrelationID: "corr-1",
			OccurredAt:    time.Now().UTC(),
		},
		Aggregate: domain.Aggregate{
			Type:       domain.AggregateTypeConversation,
			ID:         chatID,
			SubType:    domain.SubTypeMessageReceived,
			SequenceNr: seq,
		},
		Payload: domain.MessagePayload{
			ChatID:     chatID,
			From:       "49154942313@user",
			To:         "4915222222@user",
			Text:       text,
			IsFromSelf: fromSelf,
		},
	}
}

func marshalEvent(t *testing.T, ev *domain.Event) []byte {
	t.Helper()
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return raw
}

func unmarshalMessage(payload []byte, v any) error {
	return json.Unmarshal(payload, v)
}
