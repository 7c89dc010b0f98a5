// Package domain contains the core concepts of the assistant pipeline:
// the versioned event envelope shared with the broker, the message payload,
// and the error taxonomy. Events are immutable once stored.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ghuser/whatsup/pkg/validator"
)

// Event type tags. Inbound messages carry EventTypeMessageReceived; the
// pipeline appends exactly one of the outcome kinds per inbound message.
const (
	EventTypeMessageReceived  = "message.received"
	EventTypeMessageGenerated = "message.generated"
	EventTypeMessageIgnored   = "message.ignored"
)

// Aggregate stream identifiers.
const (
	AggregateTypeConversation = "Conversation"

	SubTypeMessageReceived  = "MessageReceived"
	SubTypeMessageGenerated = "MessageGenerated"
	SubTypeMessageIgnored   = "MessageIgnored"
)

// SchemaVersion is the envelope schema version written on outcome events.
const SchemaVersion = "1"

// Metadata threads an event into its request chain. TraceID spans the
// end-to-end request, CorrelationID identifies the originating external
// message, and CausationID identifies the event this one directly reacts to.
// ErrorType and Error are only set on dead-letter copies.
type Metadata struct {
	SchemaVersion string    `json:"schemaVersion" validate:"required"`
	Source        string    `json:"source" validate:"required"`
	TraceID       string    `json:"traceId"`
	CorrelationID string    `json:"correlationId"`
	CausationID   string    `json:"causationId"`
	OccurredAt    time.Time `json:"occurredAt" validate:"required"`
	ErrorType     string    `json:"errorType,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Aggregate identifies the ordered stream an event belongs to. SequenceNr is
// strictly increasing within (Type, ID); SubType labels the event's position
// in the conversation exchange.
type Aggregate struct {
	Type       string `json:"type" validate:"required"`
	ID         string `json:"id" validate:"required"`
	SubType    string `json:"subType"`
	SequenceNr int64  `json:"sequenceNr" validate:"gt=0"`
}

// MessagePayload is the chat message body carried by every event kind.
type MessagePayload struct {
	ChatID     string `json:"chatId" validate:"required"`
	From       string `json:"from"`
	To         string `json:"to"`
	Text       string `json:"text"`
	IsFromSelf bool   `json:"isFromSelf"`
}

// Event is the wire envelope for both inbound messages and outcome events.
// Once appended to the event store an Event is never mutated.
type Event struct {
	ID        string         `json:"id" validate:"required"`
	EventType string         `json:"eventType" validate:"required"`
	Metadata  Metadata       `json:"metadata"`
	Aggregate Aggregate      `json:"aggregate"`
	Payload   MessagePayload `json:"payload"`
}

// DecodeInbound parses and validates a broker payload as a message.received
// event. Unknown event types and schema mismatches are rejected with
// ErrInvalidEvent wrapped, never coerced.
func DecodeInbound(raw []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: malformed JSON: %v", ErrInvalidEvent, err)
	}
	if ev.EventType != EventTypeMessageReceived {
		return nil, fmt.Errorf("%w: unexpected event type %q", ErrInvalidEvent, ev.EventType)
	}
	if err := validateEvent(&ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return &ev, nil
}

// NewReplyEvent builds the message.generated outcome for an inbound message.
// Sender and recipient are swapped, the sequence number advances by one, and
// CausationID points back at the inbound event id.
func NewReplyEvent(inbound *Event, text, source string) *Event {
	ev := newOutcomeEvent(inbound, EventTypeMessageGenerated, SubTypeMessageGenerated, source)
	ev.Payload.Text = text
	return ev
}

// NewIgnoredEvent builds the message.ignored outcome recording that no reply
// was warranted for the inbound message.
func NewIgnoredEvent(inbound *Event, source string) *Event {
	return newOutcomeEvent(inbound, EventTypeMessageIgnored, SubTypeMessageIgnored, source)
}

func newOutcomeEvent(inbound *Event, eventType, subType, source string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		EventType: eventType,
		Metadata: Metadata{
			SchemaVersion: SchemaVersion,
			Source:        source,
			TraceID:       inbound.Metadata.TraceID,
			CorrelationID: inbound.Metadata.CorrelationID,
			CausationID:   inbound.ID,
			OccurredAt:    time.Now().UTC(),
		},
		Aggregate: Aggregate{
			Type:       inbound.Aggregate.Type,
			ID:         inbound.Aggregate.ID,
			SubType:    subType,
			SequenceNr: inbound.Aggregate.SequenceNr + 1,
		},
		Payload: MessagePayload{
			ChatID:     inbound.Payload.ChatID,
			From:       inbound.Payload.To,
			To:         inbound.Payload.From,
			IsFromSelf: true,
		},
	}
}

func validateEvent(ev *Event) error {
	if err := validator.Validate(ev); err != nil {
		fields := validator.FormatValidationErrors(err)
		if len(fields) == 0 {
			return err
		}
		parts := make([]string, 0, len(fields))
		for field, msg := range fields {
			parts = append(parts, field+": "+msg)
		}
		sort.Strings(parts)
		return errors.New(strings.Join(parts, "; "))
	}
	return nil
}
