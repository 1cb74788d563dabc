package session

import (
	"maps"
	"time"

	"chatsync/internal/app/docstore"
	"chatsync/internal/domain/chat"
)

// Phase is the lifecycle of the selected conversation's message window.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseLoading Phase = "loading"
	PhaseLive    Phase = "live"
	PhaseFailed  Phase = "failed"
)

// State is an immutable snapshot of the session view.
type State struct {
	Version              uint64
	UserID               string
	Conversations        []chat.Conversation
	ConversationsLoading bool
	ConversationsError   error
	TotalUnreadCount     int

	Selected         *chat.Conversation
	Phase            Phase
	Messages         []chat.Message
	MessagesError    error
	HasOlderMessages bool

	Typing   []chat.TypingIndicator
	Presence map[string]chat.UserPresence
}

func (s State) clone() State {
	out := s
	if s.Conversations != nil {
		out.Conversations = make([]chat.Conversation, len(s.Conversations))
		for i, c := range s.Conversations {
			out.Conversations[i] = c.Clone()
		}
	}
	if s.Selected != nil {
		c := s.Selected.Clone()
		out.Selected = &c
	}
	if s.Messages != nil {
		out.Messages = make([]chat.Message, len(s.Messages))
		for i, m := range s.Messages {
			out.Messages[i] = m.Clone()
		}
	}
	if s.Typing != nil {
		out.Typing = append([]chat.TypingIndicator(nil), s.Typing...)
	}
	out.Presence = maps.Clone(s.Presence)
	return out
}

// listState tracks the conversation-list subscription. gen increases on
// every resubscribe so callbacks from an older subscription are ignored.
type listState struct {
	gen      uint64
	unsub    docstore.Unsubscribe
	timers   []*time.Timer
	received bool
	raw      []chat.Conversation
}

func (l *listState) begin() uint64 {
	l.gen++
	l.received = false
	l.raw = nil
	return l.gen
}

func (l *listState) stopTimers() {
	for _, t := range l.timers {
		t.Stop()
	}
	l.timers = nil
}

func (l *listState) reset() []func() {
	l.gen++
	l.stopTimers()
	l.received = false
	l.raw = nil
	var out []func()
	if l.unsub != nil {
		out = append(out, l.unsub)
		l.unsub = nil
	}
	return out
}

// selectionState tracks the listeners of the selected conversation.
type selectionState struct {
	gen        uint64
	id         string
	unsubs     []func()
	markedRead bool
	live       []chat.Message
	older      []chat.Message
	pending    map[string]chat.Message
	typing     []chat.TypingIndicator
}

func (s *selectionState) begin(id string) uint64 {
	s.gen++
	s.id = id
	s.markedRead = false
	s.live = nil
	s.older = nil
	s.pending = map[string]chat.Message{}
	s.typing = nil
	return s.gen
}

func (s *selectionState) reset() []func() {
	s.begin("")
	out := s.unsubs
	s.unsubs = nil
	return out
}

// messages merges the live window, pages loaded on demand and unconfirmed
// local sends. A snapshot copy always wins over a pending one.
func (s *selectionState) messages() []chat.Message {
	seen := make(map[string]bool, len(s.live)+len(s.older)+len(s.pending))
	out := make([]chat.Message, 0, len(s.live)+len(s.older)+len(s.pending))
	for _, group := range [][]chat.Message{s.live, s.older} {
		for _, m := range group {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			out = append(out, m)
		}
	}
	for id, m := range s.pending {
		if seen[id] {
			continue
		}
		out = append(out, m)
	}
	chat.SortMessages(out)
	return out
}

// confirm drops pending entries that arrived in a snapshot.
func (s *selectionState) confirm(msgs []chat.Message) {
	for _, m := range msgs {
		delete(s.pending, m.ID)
	}
}

func (s *selectionState) find(id string) (chat.Message, bool) {
	for _, group := range [][]chat.Message{s.live, s.older} {
		for _, m := range group {
			if m.ID == id {
				return m, true
			}
		}
	}
	return chat.Message{}, false
}

// oldest returns the earliest message held in the window or older pages.
func (s *selectionState) oldest() (chat.Message, bool) {
	var (
		first chat.Message
		found bool
	)
	for _, group := range [][]chat.Message{s.live, s.older} {
		for _, m := range group {
			if !found || precedes(m, first) {
				first = m
				found = true
			}
		}
	}
	return first, found
}

// slide replaces the live window. Once older pages are loaded, messages that
// drop off the bottom of a full window join them so the history stays
// contiguous.
func (s *selectionState) slide(msgs []chat.Message, pageSize int) {
	if len(s.older) > 0 && len(msgs) > 0 && len(msgs) >= pageSize {
		floor := msgs[0]
		for _, m := range msgs[1:] {
			if precedes(m, floor) {
				floor = m
			}
		}
		kept := make(map[string]bool, len(msgs))
		for _, m := range msgs {
			kept[m.ID] = true
		}
		for _, m := range s.live {
			if !kept[m.ID] && precedes(m, floor) {
				s.older = append(s.older, m)
			}
		}
		chat.SortMessages(s.older)
	}
	s.live = msgs
}

// precedes reports whether a comes before b in (timestamp, id) order.
func precedes(a, b chat.Message) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.ID < b.ID
}
