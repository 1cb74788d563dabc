package chat

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// LastMessagePreviewLength caps the text stored in Conversation.LastMessage, in runes.
const LastMessagePreviewLength = 100

// TruncatePreview trims whitespace and cuts text to LastMessagePreviewLength runes.
func TruncatePreview(text string) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= LastMessagePreviewLength {
		return string(runes)
	}
	return string(runes[:LastMessagePreviewLength])
}

func trimmedEmpty(s string) bool {
	return strings.TrimSpace(s) == ""
}

// DisplayText is the body a consumer should render for m.
func DisplayText(m Message) string {
	if m.IsDeleted() {
		return TombstoneText
	}
	if trimmedEmpty(m.Text) && m.HasMedia() {
		return mediaPlaceholder(m.MediaTypes)
	}
	return m.Text
}

// DisplayAttachments returns the attachments a consumer may render.
// Soft-deleted messages keep their media fields in storage but expose none.
func DisplayAttachments(m Message) (urls, types []string) {
	if m.IsDeleted() {
		return nil, nil
	}
	return m.MediaURLs, m.MediaTypes
}

// ConversationPreview is the one-line summary shown in the conversation list.
func ConversationPreview(c Conversation, viewer string) string {
	if c.LastMessage == nil {
		return ""
	}
	text := c.LastMessage.Text
	if text == "" {
		text = mediaPlaceholder(nil)
	}
	if c.LastMessage.SenderID == viewer {
		return "You: " + text
	}
	return text
}

func mediaPlaceholder(types []string) string {
	if len(types) == 0 {
		return "Attachment"
	}
	switch {
	case strings.HasPrefix(types[0], "image"):
		return "Photo"
	case strings.HasPrefix(types[0], "video"):
		return "Video"
	case strings.HasPrefix(types[0], "audio"):
		return "Voice message"
	default:
		return "Attachment"
	}
}

// FormatListTime renders a conversation list timestamp relative to now.
func FormatListTime(ts int64, now time.Time) string {
	if ts <= 0 {
		return ""
	}
	t := time.UnixMilli(ts).In(now.Location())
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d/time.Minute))
	case sameDay(t, now):
		return fmt.Sprintf("%dh", int(d/time.Hour))
	case sameDay(t, now.AddDate(0, 0, -1)):
		return "Yesterday"
	case d < 7*24*time.Hour:
		return t.Weekday().String()[:3]
	case t.Year() == now.Year():
		return t.Format("Jan 2")
	default:
		return t.Format("Jan 2, 2006")
	}
}

// FormatMessageTime renders the clock time shown next to a message.
func FormatMessageTime(ts int64, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return time.UnixMilli(ts).In(loc).Format("15:04")
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// SortByRecent orders conversations by LastMessageTimestamp, newest first.
// Ties fall back to the id so the order is deterministic.
func SortByRecent(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		if convs[i].LastMessageTimestamp != convs[j].LastMessageTimestamp {
			return convs[i].LastMessageTimestamp > convs[j].LastMessageTimestamp
		}
		return convs[i].ID < convs[j].ID
	})
}

// ProjectConversations dedups by id, drops conversations the viewer must not
// see and sorts the rest by recency. The input is not modified.
func ProjectConversations(convs []Conversation, viewer string) []Conversation {
	seen := make(map[string]struct{}, len(convs))
	out := make([]Conversation, 0, len(convs))
	for _, c := range convs {
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		if !c.VisibleTo(viewer) {
			continue
		}
		out = append(out, c)
	}
	SortByRecent(out)
	return out
}

// SortMessages orders messages by timestamp ascending, ties by id.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// TotalUnread sums the conversation-scoped unread counters.
func TotalUnread(convs []Conversation) int {
	total := 0
	for _, c := range convs {
		if c.UnreadCount > 0 {
			total += c.UnreadCount
		}
	}
	return total
}

// UnreadSince counts messages from others newer than the viewer's last-read marker.
func UnreadSince(msgs []Message, lastReadTimestamp int64, viewer string) int {
	n := 0
	for _, m := range msgs {
		if m.SenderID != viewer && m.Timestamp > lastReadTimestamp && !m.IsDeleted() {
			n++
		}
	}
	return n
}
