package domain

import "time"

// ArchivedMessage is the denormalized history record kept for every inbound
// message, including the assistant's own replies echoed back with
// isFromSelf=true. The archive feeds retrieval-augmented context; it is
// separate from the event store, which holds only outcome events.
type ArchivedMessage struct {
	EventID    string    `json:"eventId"`
	EventType  string    `json:"eventType"`
	ChatID     string    `json:"chatId"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Text       string    `json:"text"`
	IsFromSelf bool      `json:"isFromSelf"`
	OccurredAt time.Time `json:"occurredAt"`
}

// NewArchivedMessage flattens an inbound event into its history record.
func NewArchivedMessage(ev *Event) *ArchivedMessage {
	return &ArchivedMessage{
		EventID:    ev.ID,
		EventType:  ev.EventType,
		ChatID:     ev.Aggregate.ID,
		From:       ev.Payload.From,
		To:         ev.Payload.To,
		Text:       ev.Payload.Text,
		IsFromSelf: ev.Payload.IsFromSelf,
		OccurredAt: ev.Metadata.OccurredAt,
	}
}
