package session

import (
	"context"
	"time"

	"chatsync/internal/domain/chat"
)

func (e *Engine) subscribeList(uid string, gen uint64) {
	unsub := e.deps.Conversations.SubscribeToUserConversations(uid,
		func(convs []chat.Conversation) { e.applyConversations(gen, convs) },
		func(err error) { e.conversationsFailed(gen, uid, err) },
	)

	e.mu.Lock()
	if e.list.gen != gen {
		e.mu.Unlock()
		unsub()
		return
	}
	e.list.unsub = unsub
	e.list.timers = append(e.list.timers,
		time.AfterFunc(e.opts.ListFallbackAfter, func() { e.fallbackFetch(gen, uid, false) }),
		time.AfterFunc(e.opts.ListGiveUpAfter, func() { e.giveUp(gen) }),
	)
	e.mu.Unlock()
}

func (e *Engine) applyConversations(gen uint64, convs []chat.Conversation) {
	var missing []string
	e.update(func() bool {
		if gen != e.list.gen {
			return false
		}
		e.list.received = true
		e.list.stopTimers()
		e.list.raw = convs
		e.state.ConversationsError = nil
		e.rebuildConversationsLocked()
		missing = e.missingProfilesLocked()
		return true
	})
	for _, uid := range missing {
		go e.resolveProfile(gen, uid)
	}
}

// conversationsFailed triggers a one-off fetch so the list still fills when
// the live query cannot be established.
func (e *Engine) conversationsFailed(gen uint64, uid string, err error) {
	e.logger.Warn("conversation subscription failed", "user_id", uid, "error", err)
	e.update(func() bool {
		if gen != e.list.gen {
			return false
		}
		e.state.ConversationsError = err
		return true
	})
	go e.fallbackFetch(gen, uid, true)
}

func (e *Engine) fallbackFetch(gen uint64, uid string, force bool) {
	e.mu.Lock()
	stale := gen != e.list.gen || (e.list.received && !force)
	e.mu.Unlock()
	if stale {
		return
	}
	ctx, cancel := background()
	defer cancel()
	convs, err := e.deps.Conversations.FetchUserConversations(ctx, uid)
	if err != nil {
		e.logger.Warn("conversation fallback fetch failed", "user_id", uid, "error", err)
		return
	}
	e.logger.Info("conversation list filled by fallback fetch", "user_id", uid, "count", len(convs))
	e.applyConversations(gen, convs)
}

// giveUp stops the loading indicator with an empty list. A snapshot that
// arrives later still replaces it.
func (e *Engine) giveUp(gen uint64) {
	e.update(func() bool {
		if gen != e.list.gen || e.list.received {
			return false
		}
		e.logger.Info("no conversation data received, showing empty list", "user_id", e.state.UserID)
		e.state.Conversations = []chat.Conversation{}
		e.state.ConversationsLoading = false
		e.state.TotalUnreadCount = 0
		return true
	})
}

// Refresh refetches the conversation list once.
func (e *Engine) Refresh(ctx context.Context) error {
	if !e.opts.Features.PullToRefresh {
		return ErrFeatureDisabled
	}
	e.mu.Lock()
	if e.identity == nil {
		e.mu.Unlock()
		return ErrNotStarted
	}
	uid, gen := e.identity.UserID, e.list.gen
	e.mu.Unlock()

	convs, err := e.deps.Conversations.FetchUserConversations(ctx, uid)
	if err != nil {
		return err
	}
	e.applyConversations(gen, convs)
	return nil
}

// rebuildConversationsLocked fills missing participant details from the
// session's profile lookups. Backfilled details live only in this view.
func (e *Engine) rebuildConversationsLocked() {
	out := make([]chat.Conversation, 0, len(e.list.raw))
	for _, c := range e.list.raw {
		c = c.Clone()
		for _, uid := range c.MissingDetails() {
			p, ok := e.profileCache[uid]
			if !ok {
				continue
			}
			if c.ParticipantDetails == nil {
				c.ParticipantDetails = map[string]chat.ParticipantDetails{}
			}
			c.ParticipantDetails[uid] = p.Details()
		}
		out = append(out, c)
	}
	e.state.Conversations = out
	e.state.ConversationsLoading = false
	e.state.TotalUnreadCount = chat.TotalUnread(out)

	if e.state.Selected == nil {
		return
	}
	for _, c := range out {
		if c.ID == e.state.Selected.ID {
			fresh := c.Clone()
			e.state.Selected = &fresh
			return
		}
	}
}

func (e *Engine) missingProfilesLocked() []string {
	var out []string
	for _, c := range e.list.raw {
		for _, uid := range c.MissingDetails() {
			if _, ok := e.profileCache[uid]; ok || e.profileInflight[uid] {
				continue
			}
			e.profileInflight[uid] = true
			out = append(out, uid)
		}
	}
	return out
}

func (e *Engine) resolveProfile(gen uint64, uid string) {
	ctx, cancel := background()
	defer cancel()
	p, err := e.deps.Profiles.Profile(ctx, uid)
	if err != nil {
		e.logger.Debug("participant profile lookup failed", "participant_id", uid, "error", err)
	}
	e.update(func() bool {
		if gen != e.list.gen {
			return false
		}
		delete(e.profileInflight, uid)
		if err != nil {
			return false
		}
		e.profileCache[uid] = p
		e.rebuildConversationsLocked()
		return true
	})
}
