// Package presence keeps the ephemeral online-status and typing documents.
// Both features cost a write per keystroke or heartbeat, so the session
// engine only calls into this package when the matching feature flag is on.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"chatsync/internal/app/docstore"
	"chatsync/internal/domain/chat"
)

const (
	presenceCollection = "userPresence"
	typingCollection   = "typingIndicators"
)

type Repository struct {
	store  docstore.Store
	now    func() time.Time
	logger *slog.Logger
}

func NewRepository(store docstore.Store, now func() time.Time, logger *slog.Logger) *Repository {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{store: store, now: now, logger: logger}
}

type presenceDocument struct {
	UID                   string `bson:"uid"`
	IsOnline              bool   `bson:"isOnline"`
	LastSeen              int64  `bson:"lastSeen"`
	Status                string `bson:"status"`
	CurrentConversationID string `bson:"currentConversationId"`
}

type typingDocument struct {
	ConversationID string `bson:"conversationId"`
	UserID         string `bson:"userId"`
	Username       string `bson:"username"`
	Timestamp      int64  `bson:"timestamp"`
}

// UpdateUserPresence overwrites the user's presence; last write wins.
func (r *Repository) UpdateUserPresence(ctx context.Context, uid string, status chat.PresenceStatus, currentConversationID string) error {
	if status == "" {
		status = chat.StatusOnline
	}
	data, err := docstore.Encode(presenceDocument{
		UID:                   uid,
		IsOnline:              status != chat.StatusOffline,
		LastSeen:              r.now().UnixMilli(),
		Status:                string(status),
		CurrentConversationID: currentConversationID,
	})
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, docstore.Join(presenceCollection, uid), data, docstore.Merge()); err != nil {
		return fmt.Errorf("update presence %s: %w", uid, err)
	}
	return nil
}

// ListenToUserPresence streams one user's presence; nil means unknown.
func (r *Repository) ListenToUserPresence(uid string, onData func(*chat.UserPresence), onError func(error)) docstore.Unsubscribe {
	return r.store.SubscribeDocument(docstore.Join(presenceCollection, uid), func(doc *docstore.Document) {
		if doc == nil {
			onData(nil)
			return
		}
		p, err := decodePresence(*doc)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onData(&p)
	}, onError)
}

// ListenToUsersPresence merges per-user subscriptions into one map keyed by
// uid. Users without a presence document are absent from the map.
func (r *Repository) ListenToUsersPresence(uids []string, onData func(map[string]chat.UserPresence), onError func(error)) docstore.Unsubscribe {
	var (
		mu    sync.Mutex
		state = make(map[string]chat.UserPresence, len(uids))
	)
	unsubs := make([]docstore.Unsubscribe, 0, len(uids))
	for _, uid := range uids {
		unsubs = append(unsubs, r.ListenToUserPresence(uid, func(p *chat.UserPresence) {
			mu.Lock()
			if p == nil {
				delete(state, uid)
			} else {
				state[uid] = *p
			}
			snapshot := maps.Clone(state)
			mu.Unlock()
			onData(snapshot)
		}, onError))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// SetTypingIndicator records that uid is typing in the conversation now.
func (r *Repository) SetTypingIndicator(ctx context.Context, conversationID, uid, username string) error {
	data, err := docstore.Encode(typingDocument{
		ConversationID: conversationID,
		UserID:         uid,
		Username:       username,
		Timestamp:      r.now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	path := docstore.Join(typingCollection, chat.TypingIndicatorID(conversationID, uid))
	if err := r.store.Set(ctx, path, data); err != nil {
		return fmt.Errorf("set typing %s: %w", conversationID, err)
	}
	return nil
}

func (r *Repository) ClearTypingIndicator(ctx context.Context, conversationID, uid string) error {
	path := docstore.Join(typingCollection, chat.TypingIndicatorID(conversationID, uid))
	if err := r.store.Delete(ctx, path); err != nil {
		return fmt.Errorf("clear typing %s: %w", conversationID, err)
	}
	return nil
}

// ListenToTypingIndicators streams who else is typing in the conversation.
// Indicators older than chat.TypingStaleAfter are dropped by this reader, so
// a client that vanished without clearing its indicator disappears on its own.
func (r *Repository) ListenToTypingIndicators(conversationID, selfID string, onData func([]chat.TypingIndicator), onError func(error)) docstore.Unsubscribe {
	q := docstore.From(typingCollection).Where("conversationId", docstore.OpEqual, conversationID)
	return r.store.SubscribeQuery(q, func(docs []docstore.Document) {
		onData(FreshIndicators(r.decodeIndicators(docs), selfID, r.now()))
	}, onError)
}

// FreshIndicators drops stale indicators and the viewer's own entry.
func FreshIndicators(in []chat.TypingIndicator, selfID string, now time.Time) []chat.TypingIndicator {
	out := make([]chat.TypingIndicator, 0, len(in))
	for _, t := range in {
		if t.UserID == selfID || !t.Fresh(now) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (r *Repository) decodeIndicators(docs []docstore.Document) []chat.TypingIndicator {
	out := make([]chat.TypingIndicator, 0, len(docs))
	for _, d := range docs {
		var doc typingDocument
		if err := d.Decode(&doc); err != nil {
			r.logger.Warn("skipping undecodable typing indicator", "id", d.ID, "error", err)
			continue
		}
		out = append(out, chat.TypingIndicator{
			ConversationID: doc.ConversationID,
			UserID:         doc.UserID,
			Username:       doc.Username,
			Timestamp:      doc.Timestamp,
		})
	}
	return out
}

func decodePresence(d docstore.Document) (chat.UserPresence, error) {
	var doc presenceDocument
	if err := d.Decode(&doc); err != nil {
		return chat.UserPresence{}, err
	}
	return chat.UserPresence{
		UID:                   doc.UID,
		IsOnline:              doc.IsOnline,
		LastSeen:              doc.LastSeen,
		Status:                chat.PresenceStatus(doc.Status),
		CurrentConversationID: doc.CurrentConversationID,
	}, nil
}
