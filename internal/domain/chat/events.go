package chat

import "time"

// MessageSentEvent feeds push notifications for the recipient.
type MessageSentEvent struct {
	ConversationID string
	MessageID      string
	SenderID       string
	SenderName     string
	RecipientID    string
	Preview        string
	At             time.Time
}

func (e MessageSentEvent) EventName() string     { return "chat.message.sent" }
func (e MessageSentEvent) AggregateID() string   { return e.ConversationID }
func (e MessageSentEvent) OccurredAt() time.Time { return e.At }

type MessageEditedEvent struct {
	ConversationID string
	MessageID      string
	EditorID       string
	At             time.Time
}

func (e MessageEditedEvent) EventName() string     { return "chat.message.edited" }
func (e MessageEditedEvent) AggregateID() string   { return e.ConversationID }
func (e MessageEditedEvent) OccurredAt() time.Time { return e.At }

type MessageDeletedEvent struct {
	ConversationID string
	MessageID      string
	DeletedBy      string
	At             time.Time
}

func (e MessageDeletedEvent) EventName() string     { return "chat.message.deleted" }
func (e MessageDeletedEvent) AggregateID() string   { return e.ConversationID }
func (e MessageDeletedEvent) OccurredAt() time.Time { return e.At }
