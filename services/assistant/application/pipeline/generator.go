package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ghuser/whatsup/pkg/logger"
	"github.com/ghuser/whatsup/pkg/metrics"
	"github.com/ghuser/whatsup/services/assistant/domain"
)

// noReplyMarker is the token the model emits when the message warrants no
// response. Anything else is taken as reply text.
const noReplyMarker = "NO_REPLY"

const systemPrompt = `You are a helpful personal assistant replying on behalf of the account owner in a chat application.
Reply in the language of the conversation, concisely, in the owner's voice.
If the message does not warrant a reply (acknowledgements, stickers, spam, messages clearly not addressed to the owner), respond with exactly ` + noReplyMarker + ` and nothing else.`

// Decision is the generator's verdict for an inbound message.
type Decision string

const (
	DecisionReply  Decision = "reply"
	DecisionIgnore Decision = "ignore"
)

// Result is the generation outcome: either reply text or an explicit ignore.
type Result struct {
	Decision Decision
	Text     string
}

// Completer produces a completion for a system/user prompt pair.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Generator turns an inbound message plus its context window into a reply
// decision. Calls are bounded by a per-attempt timeout and retried with
// exponential backoff up to maxAttempts; exhaustion surfaces as
// domain.ErrGenerationFailed.
type Generator struct {
	llm         Completer
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration
	log         logger.Logger
}

// NewGenerator builds a Generator around the given completion backend.
func NewGenerator(llm Completer, maxAttempts int, baseDelay, timeout time.Duration, log logger.Logger) *Generator {
	return &Generator{
		llm:         llm,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		timeout:     timeout,
		log:         log,
	}
}

// Generate produces the reply decision for the inbound message.
func (g *Generator) Generate(ctx context.Context, inbound *domain.Event, window *Window) (*Result, error) {
	userPrompt := buildPrompt(inbound, window)

	operation := func() (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		raw, err := g.llm.Complete(callCtx, systemPrompt, userPrompt)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		// An empty completion is malformed model output; retrying is the
		// right move because the next sample usually is not empty.
		if strings.TrimSpace(raw) == "" {
			return "", fmt.Errorf("empty completion")
		}
		return raw, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.baseDelay

	start := time.Now()
	raw, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(g.maxAttempts)),
	)
	metrics.GenerationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrGenerationFailed, err)
	}

	text := strings.TrimSpace(raw)
	if text == noReplyMarker || strings.HasPrefix(text, noReplyMarker) {
		return &Result{Decision: DecisionIgnore}, nil
	}
	return &Result{Decision: DecisionReply, Text: text}, nil
}

// buildPrompt renders the context window and the current message as the user
// turn. History is already ordered most recent last.
func buildPrompt(inbound *domain.Event, window *Window) string {
	var b strings.Builder

	if len(window.Related) > 0 {
		b.WriteString("Older related messages from this chat:\n")
		for _, m := range window.Related {
			writeLine(&b, m.IsFromSelf, m.From, m.Text)
		}
		b.WriteString("\n")
	}

	if len(window.History) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, m := range window.History {
			writeLine(&b, m.IsFromSelf, m.From, m.Text)
		}
		b.WriteString("\n")
	}

	b.WriteString("New message from ")
	b.WriteString(inbound.Payload.From)
	b.WriteString(":\n")
	b.WriteString(inbound.Payload.Text)
	return b.String()
}

func writeLine(b *strings.Builder, fromSelf bool, from, text string) {
	if fromSelf {
		b.WriteString("me: ")
	} else {
		b.WriteString(from)
		b.WriteString(": ")
	}
	b.WriteString(text)
	b.WriteString("\n")
}
