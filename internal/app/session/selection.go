package session

import (
	"context"
	"slices"
	"time"

	"chatsync/internal/app/conversations"
	"chatsync/internal/domain/chat"
)

// SelectConversation switches the message window to conv. nil deselects.
// Selecting the conversation that is already live only refreshes its summary.
func (e *Engine) SelectConversation(conv *chat.Conversation) error {
	if conv != nil {
		uid, err := e.currentUser()
		if err != nil {
			return err
		}
		if !conv.HasParticipant(uid) {
			return chat.ErrNotParticipant
		}
	}
	var (
		uid      string
		gen      uint64
		teardown []func()
		reuse    bool
	)
	e.update(func() bool {
		if e.identity == nil {
			return false
		}
		uid = e.identity.UserID
		if conv != nil && e.state.Selected != nil && e.state.Selected.ID == conv.ID && e.state.Phase != PhaseFailed {
			c := conv.Clone()
			e.state.Selected = &c
			reuse = true
			return true
		}
		teardown = e.sel.reset()
		e.state.MessagesError = nil
		e.state.Messages = nil
		e.state.HasOlderMessages = false
		e.state.Typing = nil
		e.state.Presence = nil
		if conv == nil {
			e.state.Selected = nil
			e.state.Phase = PhaseIdle
			return true
		}
		c := conv.Clone()
		e.state.Selected = &c
		e.state.Phase = PhaseLoading
		gen = e.sel.begin(c.ID)
		return true
	})
	for _, fn := range teardown {
		fn()
	}
	if uid == "" {
		return ErrNotStarted
	}
	if conv == nil || reuse {
		return nil
	}

	subs := []func(){e.deps.Conversations.SubscribeToConversationMessages(conv.ID,
		func(msgs []chat.Message) { e.applyMessages(gen, msgs) },
		func(err error) { e.messagesFailed(gen, conv.ID, err) },
		e.opts.PageSize,
	)}
	if e.opts.Features.Typing && e.deps.Presence != nil {
		subs = append(subs, e.deps.Presence.ListenToTypingIndicators(conv.ID, uid,
			func(ts []chat.TypingIndicator) { e.applyTyping(gen, ts) },
			func(err error) { e.logger.Warn("typing listener failed", "conversation_id", conv.ID, "error", err) },
		))
		subs = append(subs, e.pruneTyping(gen))
	}
	if other := conv.OtherParticipant(uid); e.opts.Features.Presence && e.deps.Presence != nil && other != "" {
		subs = append(subs, e.deps.Presence.ListenToUsersPresence([]string{other},
			func(p map[string]chat.UserPresence) { e.applyPresence(gen, p) },
			func(err error) { e.logger.Warn("presence listener failed", "conversation_id", conv.ID, "error", err) },
		))
	}

	e.mu.Lock()
	if e.sel.gen != gen {
		e.mu.Unlock()
		for _, fn := range subs {
			fn()
		}
		return nil
	}
	e.sel.unsubs = subs
	e.mu.Unlock()

	if e.opts.Features.Presence && e.deps.Presence != nil {
		ctx, cancel := background()
		defer cancel()
		if err := e.deps.Presence.UpdateUserPresence(ctx, uid, chat.StatusOnline, conv.ID); err != nil {
			e.logger.Warn("presence update failed", "user_id", uid, "error", err)
		}
	}
	return nil
}

func (e *Engine) applyMessages(gen uint64, msgs []chat.Message) {
	var (
		firstLive bool
		convID    string
		uid       string
	)
	e.update(func() bool {
		if gen != e.sel.gen || e.identity == nil {
			return false
		}
		e.sel.slide(msgs, e.opts.PageSize)
		e.sel.confirm(msgs)
		if e.state.Phase != PhaseLive {
			e.state.HasOlderMessages = len(msgs) >= e.opts.PageSize
		}
		e.state.Phase = PhaseLive
		e.state.MessagesError = nil
		e.state.Messages = e.sel.messages()
		if !e.sel.markedRead {
			e.sel.markedRead = true
			firstLive = true
			convID, uid = e.sel.id, e.identity.UserID
		}
		return true
	})
	if firstLive {
		go func() {
			ctx, cancel := background()
			defer cancel()
			e.markRead(ctx, convID, uid)
		}()
	}
}

func (e *Engine) messagesFailed(gen uint64, convID string, err error) {
	e.logger.Warn("message subscription failed", "conversation_id", convID, "error", err)
	e.update(func() bool {
		if gen != e.sel.gen {
			return false
		}
		e.state.Phase = PhaseFailed
		e.state.MessagesError = err
		return true
	})
}

func (e *Engine) applyTyping(gen uint64, ts []chat.TypingIndicator) {
	e.update(func() bool {
		if gen != e.sel.gen {
			return false
		}
		e.sel.typing = ts
		e.state.Typing = slices.Clone(ts)
		return true
	})
}

// pruneTyping drops indicators that went stale between snapshots. It returns
// the function that stops the ticker.
func (e *Engine) pruneTyping(gen uint64) func() {
	ticker := time.NewTicker(typingPruneInterval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				now := e.opts.Now()
				e.update(func() bool {
					if gen != e.sel.gen {
						return false
					}
					fresh := slices.DeleteFunc(slices.Clone(e.sel.typing), func(t chat.TypingIndicator) bool {
						return !t.Fresh(now)
					})
					if len(fresh) == len(e.sel.typing) {
						return false
					}
					e.sel.typing = fresh
					e.state.Typing = slices.Clone(fresh)
					return true
				})
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}

func (e *Engine) applyPresence(gen uint64, p map[string]chat.UserPresence) {
	e.update(func() bool {
		if gen != e.sel.gen {
			return false
		}
		e.state.Presence = p
		return true
	})
}

// LoadOlderMessages pages one window further back from the oldest message
// shown and reports how many messages it added.
func (e *Engine) LoadOlderMessages(ctx context.Context) (int, error) {
	e.mu.Lock()
	if e.identity == nil {
		e.mu.Unlock()
		return 0, ErrNotStarted
	}
	if e.sel.id == "" {
		e.mu.Unlock()
		return 0, chat.ErrNoConversationSelected
	}
	convID, gen := e.sel.id, e.sel.gen
	before, ok := e.sel.oldest()
	e.mu.Unlock()
	if !ok {
		return 0, nil
	}

	older, err := e.deps.Conversations.FetchOlderMessages(ctx, convID, conversations.CursorOf(before), e.opts.PageSize)
	if err != nil {
		return 0, err
	}
	e.update(func() bool {
		if gen != e.sel.gen {
			return false
		}
		e.sel.older = append(slices.Clone(older), e.sel.older...)
		e.state.Messages = e.sel.messages()
		e.state.HasOlderMessages = len(older) >= e.opts.PageSize
		return true
	})
	return len(older), nil
}

// MarkConversationAsRead rejects callers outside the conversation. The write
// itself is best-effort and its failures are only logged.
func (e *Engine) MarkConversationAsRead(ctx context.Context, conversationID string) error {
	uid, err := e.currentUser()
	if err != nil {
		return err
	}
	if _, err := e.participantConversation(ctx, conversationID, uid); err != nil {
		return err
	}
	e.markRead(ctx, conversationID, uid)
	return nil
}

func (e *Engine) markRead(ctx context.Context, conversationID, uid string) {
	if err := e.deps.Conversations.MarkConversationAsRead(ctx, conversationID, uid); err != nil {
		e.logger.Warn("mark conversation read failed", "conversation_id", conversationID, "user_id", uid, "error", err)
	}
}
