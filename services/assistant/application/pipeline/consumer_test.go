package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	"github.com/ghuser/whatsup/services/assistant/domain"
)

type memSubscriber struct {
	msgs chan *message.Message
}

func (s *memSubscriber) Subscribe(_ context.Context, _ string) (<-chan *message.Message, error) {
	return s.msgs, nil
}

func (s *memSubscriber) ExtractTrace(ctx context.Context, _ *message.Message) context.Context {
	return ctx
}

// gateCompleter signals when a call starts and blocks it until released.
type gateCompleter struct {
	started chan struct{}
	release chan struct{}
}

func (c *gateCompleter) Complete(ctx context.Context, _, _ string) (string, error) {
	c.started <- struct{}{}
	select {
	case <-c.release:
		return "on my way", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Shutdown stops the worker from pulling new messages but must let the one in
// flight reach its terminal state and get acked.
func TestConsumer_ShutdownLetsInFlightMessageFinish(t *testing.T) {
	log := testLogger()
	store := &memStore{}
	archive := newMemArchive()
	publisher := newMemPublisher()
	completer := &gateCompleter{started: make(chan struct{}), release: make(chan struct{})}

	processor := NewProcessor(ProcessorParams{
		Store:             store,
		Archive:           archive,
		Guard:             NewGuard(store, testSource),
		Retriever:         NewRetriever(archive, nil, nil, 20, log),
		Generator:         NewGenerator(completer, 1, time.Millisecond, 5*time.Second, log),
		Router:            NewRouter(publisher, "whatsup.message.dlq", testSource, 3, time.Millisecond, time.Second, log),
		Source:            testSource,
		MaxAppendAttempts: 3,
		RetryBaseDelay:    time.Millisecond,
		StoreTimeout:      time.Second,
		Log:               log,
	})

	sub := &memSubscriber{msgs: make(chan *message.Message, 1)}
	consumer := NewConsumer(sub, processor, []string{"whatsup.message.received"}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	inbound := inboundEvent("chat-1", 1, "dinner tonight?", false)
	msg := message.NewMessage(uuid.NewString(), marshalEvent(t, inbound))
	sub.msgs <- msg

	<-completer.started
	cancel() // shutdown arrives mid-generation
	close(completer.release)

	select {
	case <-msg.Acked():
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight message was not acked after shutdown")
	}
	if err := <-done; err != nil {
		t.Fatalf("run returned error: %v", err)
	}
	if n := len(store.byType(domain.EventTypeMessageGenerated)); n != 1 {
		t.Errorf("expected the in-flight outcome committed, got %d", n)
	}
}

func TestConsumer_NoTopicsConfigured(t *testing.T) {
	consumer := NewConsumer(&memSubscriber{}, nil, nil, testLogger())
	if err := consumer.Run(context.Background()); err == nil {
		t.Fatal("expected error for empty topic list")
	}
}
