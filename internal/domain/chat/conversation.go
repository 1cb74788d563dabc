package chat

import (
	"slices"
	"sort"
	"strings"
)

// ParticipantDetails is the denormalized profile snapshot embedded in a conversation.
type ParticipantDetails struct {
	ID          string `json:"id"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarURL"`
}

// LastMessage summarizes the most recent message for list rendering.
type LastMessage struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
}

// Conversation is a two-party chat.
type Conversation struct {
	ID                   string                        `json:"id"`
	Participants         []string                      `json:"participants"`
	ParticipantDetails   map[string]ParticipantDetails `json:"participantDetails,omitempty"`
	LastMessage          *LastMessage                  `json:"lastMessage"`
	LastMessageTimestamp int64                         `json:"lastMessageTimestamp"`
	UnreadCount          int                           `json:"unreadCount"`
	IsArchived           bool                          `json:"isArchived"`
	DeletedBy            []string                      `json:"deletedBy,omitempty"`
	CreatedAt            int64                         `json:"createdAt"`
	UpdatedAt            int64                         `json:"updatedAt"`
}

// ConversationID derives the document id shared by both participants.
// The result does not depend on argument order.
func ConversationID(a, b string) string {
	ids := []string{strings.TrimSpace(a), strings.TrimSpace(b)}
	sort.Strings(ids)
	return ids[0] + "_" + ids[1]
}

// Participants returns the sorted pair stored on the conversation document.
func Participants(a, b string) ([]string, error) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" || a == b {
		return nil, ErrInvalidParticipants
	}
	ids := []string{a, b}
	sort.Strings(ids)
	return ids, nil
}

func (c Conversation) HasParticipant(uid string) bool {
	return slices.Contains(c.Participants, uid)
}

// OtherParticipant returns the participant that is not self.
func (c Conversation) OtherParticipant(self string) string {
	for _, p := range c.Participants {
		if p != self {
			return p
		}
	}
	return ""
}

// HiddenFor reports whether uid removed the conversation from their own view.
func (c Conversation) HiddenFor(uid string) bool {
	return slices.Contains(c.DeletedBy, uid)
}

func (c Conversation) VisibleTo(uid string) bool {
	return !c.IsArchived && !c.HiddenFor(uid)
}

// MissingDetails lists participants with no embedded profile snapshot.
func (c Conversation) MissingDetails() []string {
	var missing []string
	for _, p := range c.Participants {
		if _, ok := c.ParticipantDetails[p]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}

// Clone returns a deep copy safe to hand to consumers.
func (c Conversation) Clone() Conversation {
	out := c
	out.Participants = slices.Clone(c.Participants)
	out.DeletedBy = slices.Clone(c.DeletedBy)
	if c.ParticipantDetails != nil {
		out.ParticipantDetails = make(map[string]ParticipantDetails, len(c.ParticipantDetails))
		for k, v := range c.ParticipantDetails {
			out.ParticipantDetails[k] = v
		}
	}
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return out
}

// ConversationUserMeta holds per-user state that the other participant never sees.
type ConversationUserMeta struct {
	ConversationID    string `json:"conversationId"`
	UserID            string `json:"userId"`
	JoinedAt          int64  `json:"joinedAt"`
	IsMuted           bool   `json:"isMuted"`
	LastReadMessageID string `json:"lastReadMessageId,omitempty"`
	LastReadTimestamp int64  `json:"lastReadTimestamp"`
}

// MetaID is the document id of a ConversationUserMeta row.
func MetaID(userID, conversationID string) string {
	return userID + "_" + conversationID
}
