package conversations

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chatsync/internal/app/docstore"
	"chatsync/internal/domain/chat"
)

// SendParams describes a message about to be sent.
type SendParams struct {
	ConversationID string
	SenderID       string
	SenderName     string
	SenderAvatar   string
	Text           string
	MediaURLs      []string
	MediaTypes     []string
	ReplyTo        *chat.ReplyTo
}

// PrepareMessage validates p and builds the message with its id and
// client-side timestamp. Nothing is written.
func (r *Repository) PrepareMessage(p SendParams) (chat.Message, error) {
	if strings.TrimSpace(p.ConversationID) == "" || strings.TrimSpace(p.SenderID) == "" {
		return chat.Message{}, chat.ErrInvalidParticipants
	}
	if err := chat.ValidateContent(p.Text, p.MediaURLs, p.MediaTypes); err != nil {
		return chat.Message{}, err
	}
	now := r.now().UnixMilli()
	msg := chat.Message{
		ID:             r.newID(),
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		SenderName:     p.SenderName,
		SenderAvatar:   p.SenderAvatar,
		Text:           p.Text,
		MediaURLs:      append([]string(nil), p.MediaURLs...),
		MediaTypes:     append([]string(nil), p.MediaTypes...),
		Timestamp:      now,
		ReadBy:         map[string]int64{p.SenderID: now},
	}
	if p.ReplyTo != nil {
		reply := *p.ReplyTo
		reply.Text = chat.TruncatePreview(reply.Text)
		msg.ReplyTo = &reply
	}
	return msg, nil
}

// CommitMessage writes a prepared message and the conversation summary in
// one batch, so the summary never lags behind a stored message.
func (r *Repository) CommitMessage(ctx context.Context, msg chat.Message) error {
	data, err := docstore.Encode(messageToDocument(msg))
	if err != nil {
		return err
	}
	b := r.store.Batch()
	b.Create(messagePath(msg.ConversationID, msg.ID), data)
	b.Update(conversationPath(msg.ConversationID), docstore.Updates{
		"lastMessage": map[string]any{
			"id":         msg.ID,
			"text":       chat.TruncatePreview(msg.Text),
			"senderId":   msg.SenderID,
			"senderName": msg.SenderName,
		},
		"lastMessageTimestamp": msg.Timestamp,
		"updatedAt":            msg.Timestamp,
		"unreadCount":          docstore.Increment(1),
		// Sending into a conversation the sender had hidden shows it again for them.
		"deletedBy": docstore.ArrayRemove(msg.SenderID),
	})
	if err := b.Commit(ctx); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return chat.ErrConversationNotFound
		}
		return fmt.Errorf("send message %s: %w", msg.ConversationID, err)
	}
	return nil
}

// SendMessage prepares and commits a message in one call.
func (r *Repository) SendMessage(ctx context.Context, p SendParams) (chat.Message, error) {
	msg, err := r.PrepareMessage(p)
	if err != nil {
		return chat.Message{}, err
	}
	if err := r.CommitMessage(ctx, msg); err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

// EditMessage replaces the text and stamps editedAt. Callers enforce that
// only the sender edits.
func (r *Repository) EditMessage(ctx context.Context, conversationID, messageID, text string) error {
	if strings.TrimSpace(text) == "" {
		return chat.ErrEmptyMessage
	}
	return r.updateMessage(ctx, conversationID, messageID, docstore.Updates{
		"text":     text,
		"editedAt": r.now().UnixMilli(),
	})
}

// DeleteMessage soft-deletes: the document stays with the tombstone text.
// Media fields are left as they are.
func (r *Repository) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	return r.updateMessage(ctx, conversationID, messageID, docstore.Updates{
		"text":      chat.TombstoneText,
		"deletedAt": r.now().UnixMilli(),
	})
}

// MarkMessageAsRead stamps the read receipt of userID. Repeating it only
// moves the stamp forward.
func (r *Repository) MarkMessageAsRead(ctx context.Context, conversationID, messageID, userID string) error {
	return r.updateMessage(ctx, conversationID, messageID, docstore.Updates{
		"readBy." + userID: r.now().UnixMilli(),
		"isRead":           true,
	})
}

func (r *Repository) updateMessage(ctx context.Context, conversationID, messageID string, updates docstore.Updates) error {
	err := r.store.Update(ctx, messagePath(conversationID, messageID), updates)
	if errors.Is(err, docstore.ErrNotFound) {
		return chat.ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("update message %s/%s: %w", conversationID, messageID, err)
	}
	return nil
}

// MarkConversationAsRead stamps userID on every message they have not read
// yet and moves the caller's last-read marker. The shared unread counter is
// reset only when a message from the other participant was unread, so a
// sender reading their own messages leaves the recipient's count alone.
func (r *Repository) MarkConversationAsRead(ctx context.Context, conversationID, userID string) error {
	docs, err := r.store.Query(ctx, docstore.From(messagesPath(conversationID)).
		OrderBy(messageTimestampField, docstore.Asc).
		OrderBy(messageIDField, docstore.Asc))
	if err != nil {
		return fmt.Errorf("list messages %s: %w", conversationID, err)
	}
	now := r.now().UnixMilli()
	var (
		last           *chat.Message
		unreadFromPeer bool
	)
	b := r.store.Batch()
	for _, d := range docs {
		msg, err := decodeMessage(d)
		if err != nil {
			r.logger.Warn("skipping undecodable message", "conversation_id", conversationID, "message_id", d.ID, "error", err)
			continue
		}
		last = &msg
		if msg.ReadByUser(userID) {
			continue
		}
		updates := docstore.Updates{"readBy." + userID: now}
		if msg.SenderID != userID {
			updates["isRead"] = true
			unreadFromPeer = true
		}
		if b.Len() >= maxBatchWrites {
			if err := b.Commit(ctx); err != nil {
				return fmt.Errorf("mark read %s: %w", conversationID, err)
			}
			b = r.store.Batch()
		}
		b.Update(messagePath(conversationID, msg.ID), updates)
	}

	if unreadFromPeer {
		b.Update(conversationPath(conversationID), docstore.Updates{"unreadCount": 0})
	} else if _, err := r.GetConversation(ctx, conversationID); err != nil {
		return err
	}
	marker := map[string]any{
		"conversationId":    conversationID,
		"userId":            userID,
		"lastReadTimestamp": now,
	}
	if last != nil {
		marker["lastReadMessageId"] = last.ID
	}
	b.Set(userMetaPath(userID, conversationID), marker, docstore.Merge())
	if err := b.Commit(ctx); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return chat.ErrConversationNotFound
		}
		return fmt.Errorf("mark read %s: %w", conversationID, err)
	}
	return nil
}

// GetMessage loads one message or returns chat.ErrMessageNotFound.
func (r *Repository) GetMessage(ctx context.Context, conversationID, messageID string) (chat.Message, error) {
	doc, err := r.store.Get(ctx, messagePath(conversationID, messageID))
	if errors.Is(err, docstore.ErrNotFound) {
		return chat.Message{}, chat.ErrMessageNotFound
	}
	if err != nil {
		return chat.Message{}, fmt.Errorf("load message %s/%s: %w", conversationID, messageID, err)
	}
	return decodeMessage(doc)
}

// Cursor is a position in a conversation's (timestamp, id) message order.
type Cursor struct {
	Timestamp int64
	MessageID string
}

// CursorOf returns the position of m.
func CursorOf(m chat.Message) Cursor {
	return Cursor{Timestamp: m.Timestamp, MessageID: m.ID}
}

func messagesNewestFirst(conversationID string) docstore.Query {
	return docstore.From(messagesPath(conversationID)).
		OrderBy(messageTimestampField, docstore.Desc).
		OrderBy(messageIDField, docstore.Desc)
}

// FetchOlderMessages returns up to limit messages positioned before the
// cursor, oldest first.
func (r *Repository) FetchOlderMessages(ctx context.Context, conversationID string, before Cursor, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	q := messagesNewestFirst(conversationID).
		StartAfter(before.Timestamp, before.MessageID).
		Limit(limit)
	docs, err := r.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("page messages %s: %w", conversationID, err)
	}
	return r.decodeMessages(conversationID, docs), nil
}

func (r *Repository) decodeMessages(conversationID string, docs []docstore.Document) []chat.Message {
	msgs := make([]chat.Message, 0, len(docs))
	for _, d := range docs {
		msg, err := decodeMessage(d)
		if err != nil {
			r.logger.Warn("skipping undecodable message", "conversation_id", conversationID, "message_id", d.ID, "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	chat.SortMessages(msgs)
	return msgs
}
