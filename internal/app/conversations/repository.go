// Package conversations reads and writes conversations, their messages and
// the per-user meta rows on top of a docstore.Store. It has no knowledge of
// sessions or presentation; every store failure is returned to the caller.
package conversations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"chatsync/internal/app/docstore"
	"chatsync/internal/domain/chat"
)

const (
	// DefaultPageSize is the live message window of an open conversation.
	DefaultPageSize = 50
	// maxBatchWrites keeps fan-out batches under common store limits.
	maxBatchWrites = 450
)

type Repository struct {
	store  docstore.Store
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

type Option func(*Repository)

// WithClock replaces the clock used for client-side timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIDGenerator replaces the message id generator.
func WithIDGenerator(gen func() string) Option {
	return func(r *Repository) {
		if gen != nil {
			r.newID = gen
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Repository) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewRepository(store docstore.Store, opts ...Option) *Repository {
	r := &Repository{
		store:  store,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreateConversation returns the conversation between self and other,
// creating it together with both meta rows when it does not exist. A stored
// conversation missing participant details is repaired in place.
func (r *Repository) GetOrCreateConversation(ctx context.Context, selfID, otherID string, self, other chat.UserProfile) (chat.Conversation, error) {
	participants, err := chat.Participants(selfID, otherID)
	if err != nil {
		return chat.Conversation{}, err
	}
	id := chat.ConversationID(selfID, otherID)
	self.UID, other.UID = selfID, otherID
	details := map[string]chat.ParticipantDetails{
		selfID:  self.Details(),
		otherID: other.Details(),
	}

	for attempt := 0; attempt < 2; attempt++ {
		doc, err := r.store.Get(ctx, conversationPath(id))
		switch {
		case err == nil:
			conv, err := decodeConversation(doc)
			if err != nil {
				return chat.Conversation{}, fmt.Errorf("decode conversation %s: %w", id, err)
			}
			return r.repairDetails(ctx, conv, details)
		case !errors.Is(err, docstore.ErrNotFound):
			return chat.Conversation{}, fmt.Errorf("load conversation %s: %w", id, err)
		}

		conv, err := r.createConversation(ctx, id, participants, details)
		if errors.Is(err, docstore.ErrAlreadyExists) {
			// The other side created it first; read it back.
			continue
		}
		return conv, err
	}
	return chat.Conversation{}, fmt.Errorf("create conversation %s: %w", id, docstore.ErrAlreadyExists)
}

func (r *Repository) createConversation(ctx context.Context, id string, participants []string, details map[string]chat.ParticipantDetails) (chat.Conversation, error) {
	now := r.now().UnixMilli()
	conv := chat.Conversation{
		ID:                   id,
		Participants:         participants,
		ParticipantDetails:   details,
		LastMessageTimestamp: now,
		DeletedBy:            []string{},
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	data, err := docstore.Encode(conversationToDocument(conv))
	if err != nil {
		return chat.Conversation{}, err
	}
	b := r.store.Batch()
	b.Create(conversationPath(id), data)
	for _, uid := range participants {
		meta, err := docstore.Encode(userMetaDocument{ConversationID: id, UserID: uid, JoinedAt: now})
		if err != nil {
			return chat.Conversation{}, err
		}
		b.Set(userMetaPath(uid, id), meta)
	}
	if err := b.Commit(ctx); err != nil {
		return chat.Conversation{}, fmt.Errorf("create conversation %s: %w", id, err)
	}
	r.logger.Debug("conversation created", "conversation_id", id)
	return conv, nil
}

// repairDetails merges the missing participant snapshots without touching
// any other field of the stored document.
func (r *Repository) repairDetails(ctx context.Context, conv chat.Conversation, details map[string]chat.ParticipantDetails) (chat.Conversation, error) {
	missing := conv.MissingDetails()
	if len(missing) == 0 {
		return conv, nil
	}
	patch := make(map[string]any, len(missing))
	if conv.ParticipantDetails == nil {
		conv.ParticipantDetails = make(map[string]chat.ParticipantDetails, len(details))
	}
	for _, uid := range missing {
		d, ok := details[uid]
		if !ok {
			continue
		}
		encoded, err := docstore.Encode(detailsDocument(d))
		if err != nil {
			return chat.Conversation{}, err
		}
		patch[uid] = encoded
		conv.ParticipantDetails[uid] = d
	}
	if len(patch) == 0 {
		return conv, nil
	}
	err := r.store.Set(ctx, conversationPath(conv.ID), map[string]any{"participantDetails": patch}, docstore.Merge())
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("repair participant details %s: %w", conv.ID, err)
	}
	r.logger.Info("participant details backfilled", "conversation_id", conv.ID, "participants", missing)
	return conv, nil
}

// GetConversation loads one conversation or returns chat.ErrConversationNotFound.
func (r *Repository) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	doc, err := r.store.Get(ctx, conversationPath(id))
	if errors.Is(err, docstore.ErrNotFound) {
		return chat.Conversation{}, chat.ErrConversationNotFound
	}
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("load conversation %s: %w", id, err)
	}
	return decodeConversation(doc)
}

// GetUserMeta loads the caller's private row for a conversation.
func (r *Repository) GetUserMeta(ctx context.Context, userID, conversationID string) (chat.ConversationUserMeta, error) {
	doc, err := r.store.Get(ctx, userMetaPath(userID, conversationID))
	if errors.Is(err, docstore.ErrNotFound) {
		return chat.ConversationUserMeta{}, chat.ErrConversationNotFound
	}
	if err != nil {
		return chat.ConversationUserMeta{}, fmt.Errorf("load user meta %s: %w", conversationID, err)
	}
	return decodeUserMeta(doc)
}

// SetMuted stores the caller's mute preference on their meta row.
func (r *Repository) SetMuted(ctx context.Context, userID, conversationID string, muted bool) error {
	err := r.store.Set(ctx, userMetaPath(userID, conversationID), map[string]any{
		"conversationId": conversationID,
		"userId":         userID,
		"isMuted":        muted,
	}, docstore.Merge())
	if err != nil {
		return fmt.Errorf("set muted %s: %w", conversationID, err)
	}
	return nil
}

// DeleteConversation hides the conversation for userID only.
func (r *Repository) DeleteConversation(ctx context.Context, conversationID, userID string) error {
	err := r.store.Update(ctx, conversationPath(conversationID), docstore.Updates{
		"deletedBy": docstore.ArrayUnion(userID),
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return chat.ErrConversationNotFound
	}
	if err != nil {
		return fmt.Errorf("hide conversation %s: %w", conversationID, err)
	}
	return nil
}

// ClearConversationMessages deletes every message and resets the summary.
// It cannot be undone.
func (r *Repository) ClearConversationMessages(ctx context.Context, conversationID string) error {
	docs, err := r.store.Query(ctx, docstore.From(messagesPath(conversationID)))
	if err != nil {
		return fmt.Errorf("list messages %s: %w", conversationID, err)
	}
	b := r.store.Batch()
	for _, d := range docs {
		if b.Len() >= maxBatchWrites {
			if err := b.Commit(ctx); err != nil {
				return fmt.Errorf("clear messages %s: %w", conversationID, err)
			}
			b = r.store.Batch()
		}
		b.Delete(messagePath(conversationID, d.ID))
	}
	b.Update(conversationPath(conversationID), docstore.Updates{
		"lastMessage": nil,
		"updatedAt":   r.now().UnixMilli(),
	})
	if err := b.Commit(ctx); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return chat.ErrConversationNotFound
		}
		return fmt.Errorf("clear messages %s: %w", conversationID, err)
	}
	r.logger.Info("conversation cleared", "conversation_id", conversationID, "messages", len(docs))
	return nil
}
