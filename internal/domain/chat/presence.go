package chat

import "time"

// TypingStaleAfter is the age after which readers ignore a typing indicator.
const TypingStaleAfter = 5 * time.Second

type TypingIndicator struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Username       string `json:"username"`
	Timestamp      int64  `json:"timestamp"`
}

// TypingIndicatorID is the document id of a typing indicator.
func TypingIndicatorID(conversationID, userID string) string {
	return conversationID + "_" + userID
}

// Fresh reports whether the indicator is younger than TypingStaleAfter at now.
func (t TypingIndicator) Fresh(now time.Time) bool {
	return now.UnixMilli()-t.Timestamp <= TypingStaleAfter.Milliseconds()
}

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusOffline PresenceStatus = "offline"
)

type UserPresence struct {
	UID                   string         `json:"uid"`
	IsOnline              bool           `json:"isOnline"`
	LastSeen              int64          `json:"lastSeen"`
	Status                PresenceStatus `json:"status"`
	CurrentConversationID string         `json:"currentConversationId,omitempty"`
}

// UserProfile is the subset of a user account the sync layer denormalizes.
type UserProfile struct {
	UID         string `json:"uid"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarURL"`
}

// Name prefers the display name and falls back to the handle.
func (p UserProfile) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Handle
}

func (p UserProfile) Details() ParticipantDetails {
	return ParticipantDetails{
		ID:          p.UID,
		Handle:      p.Handle,
		DisplayName: p.DisplayName,
		AvatarURL:   p.AvatarURL,
	}
}
