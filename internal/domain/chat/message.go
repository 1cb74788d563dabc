package chat

import (
	"maps"
	"slices"
)

// TombstoneText replaces the body of a soft-deleted message.
const TombstoneText = "[Message deleted]"

// ReplyTo is a snapshot of the message being answered.
type ReplyTo struct {
	MessageID  string `json:"messageId"`
	SenderName string `json:"senderName"`
	Text       string `json:"text"`
}

// Message is one chat message inside a conversation.
type Message struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversationId"`
	SenderID       string           `json:"senderId"`
	SenderName     string           `json:"senderName"`
	SenderAvatar   string           `json:"senderAvatar,omitempty"`
	Text           string           `json:"text"`
	MediaURLs      []string         `json:"mediaUrls,omitempty"`
	MediaTypes     []string         `json:"mediaTypes,omitempty"`
	Timestamp      int64            `json:"timestamp"`
	IsRead         bool             `json:"isRead"`
	ReadBy         map[string]int64 `json:"readBy"`
	EditedAt       *int64           `json:"editedAt,omitempty"`
	DeletedAt      *int64           `json:"deletedAt,omitempty"`
	ReplyTo        *ReplyTo         `json:"replyTo,omitempty"`

	// Pending marks a locally sent message not yet confirmed by a snapshot.
	Pending bool `json:"pending,omitempty"`
}

func (m Message) IsDeleted() bool {
	return m.DeletedAt != nil
}

func (m Message) IsEdited() bool {
	return m.EditedAt != nil
}

func (m Message) HasMedia() bool {
	return len(m.MediaURLs) > 0
}

// ReadByUser reports whether uid has a read receipt on the message.
func (m Message) ReadByUser(uid string) bool {
	_, ok := m.ReadBy[uid]
	return ok
}

func (m Message) Clone() Message {
	out := m
	out.MediaURLs = slices.Clone(m.MediaURLs)
	out.MediaTypes = slices.Clone(m.MediaTypes)
	out.ReadBy = maps.Clone(m.ReadBy)
	if m.EditedAt != nil {
		v := *m.EditedAt
		out.EditedAt = &v
	}
	if m.DeletedAt != nil {
		v := *m.DeletedAt
		out.DeletedAt = &v
	}
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		out.ReplyTo = &r
	}
	return out
}

// ValidateContent rejects messages with neither text nor attachments.
func ValidateContent(text string, mediaURLs, mediaTypes []string) error {
	if len(mediaTypes) > 0 && len(mediaTypes) != len(mediaURLs) {
		return ErrMediaMismatch
	}
	if trimmedEmpty(text) && len(mediaURLs) == 0 {
		return ErrEmptyMessage
	}
	return nil
}
