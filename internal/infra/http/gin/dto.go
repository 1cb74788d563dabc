package ginserver

import (
	"time"

	"chatsync/internal/app/session"
	"chatsync/internal/domain/chat"
)

type conversationItem struct {
	chat.Conversation
	Title   string `json:"title"`
	Avatar  string `json:"avatar,omitempty"`
	Preview string `json:"preview"`
	When    string `json:"when"`
}

type messageItem struct {
	chat.Message
	Display     string   `json:"display"`
	Attachments []string `json:"attachments,omitempty"`
	Time        string   `json:"time"`
	Mine        bool     `json:"mine"`
}

type stateResponse struct {
	Version              uint64                       `json:"version"`
	UserID               string                       `json:"userId"`
	Conversations        []conversationItem           `json:"conversations"`
	ConversationsLoading bool                         `json:"conversationsLoading"`
	ConversationsError   string                       `json:"conversationsError,omitempty"`
	TotalUnreadCount     int                          `json:"totalUnreadCount"`
	Selected             *conversationItem            `json:"selected,omitempty"`
	Phase                session.Phase                `json:"phase"`
	Messages             []messageItem                `json:"messages"`
	MessagesError        string                       `json:"messagesError,omitempty"`
	HasOlderMessages     bool                         `json:"hasOlderMessages"`
	Typing               []chat.TypingIndicator       `json:"typing,omitempty"`
	Presence             map[string]chat.UserPresence `json:"presence,omitempty"`
}

func toConversationItem(c chat.Conversation, viewer string, now time.Time) conversationItem {
	item := conversationItem{
		Conversation: c,
		Preview:      chat.ConversationPreview(c, viewer),
		When:         chat.FormatListTime(c.LastMessageTimestamp, now),
	}
	other := c.OtherParticipant(viewer)
	if d, ok := c.ParticipantDetails[other]; ok {
		item.Title = d.DisplayName
		if item.Title == "" {
			item.Title = d.Handle
		}
		item.Avatar = d.AvatarURL
	}
	if item.Title == "" {
		item.Title = other
	}
	return item
}

func toStateResponse(s session.State, now time.Time) stateResponse {
	out := stateResponse{
		Version:              s.Version,
		UserID:               s.UserID,
		Conversations:        make([]conversationItem, 0, len(s.Conversations)),
		ConversationsLoading: s.ConversationsLoading,
		TotalUnreadCount:     s.TotalUnreadCount,
		Phase:                s.Phase,
		Messages:             make([]messageItem, 0, len(s.Messages)),
		HasOlderMessages:     s.HasOlderMessages,
		Typing:               s.Typing,
		Presence:             s.Presence,
	}
	if s.ConversationsError != nil {
		out.ConversationsError = s.ConversationsError.Error()
	}
	if s.MessagesError != nil {
		out.MessagesError = s.MessagesError.Error()
	}
	for _, c := range s.Conversations {
		out.Conversations = append(out.Conversations, toConversationItem(c, s.UserID, now))
	}
	if s.Selected != nil {
		sel := toConversationItem(*s.Selected, s.UserID, now)
		out.Selected = &sel
	}
	for _, m := range s.Messages {
		out.Messages = append(out.Messages, toMessageItem(m, s.UserID, now.Location()))
	}
	return out
}

func toMessageItem(m chat.Message, viewer string, loc *time.Location) messageItem {
	urls, _ := chat.DisplayAttachments(m)
	return messageItem{
		Message:     m,
		Display:     chat.DisplayText(m),
		Attachments: urls,
		Time:        chat.FormatMessageTime(m.Timestamp, loc),
		Mine:        m.SenderID == viewer,
	}
}
