package conversations

import (
	"context"
	"fmt"

	"chatsync/internal/app/docstore"
	"chatsync/internal/domain/chat"
)

func userConversationsQuery(userID string) docstore.Query {
	return docstore.From(conversationsCollection).Where("participants", docstore.OpArrayContains, userID)
}

// SubscribeToUserConversations streams the conversations userID may see,
// newest first. Filtering and ordering happen here rather than in the store
// query so no composite index is needed.
func (r *Repository) SubscribeToUserConversations(userID string, onData func([]chat.Conversation), onError func(error)) docstore.Unsubscribe {
	return r.store.SubscribeQuery(userConversationsQuery(userID), func(docs []docstore.Document) {
		onData(r.projectConversations(userID, docs))
	}, onError)
}

// FetchUserConversations is the one-shot form of SubscribeToUserConversations.
func (r *Repository) FetchUserConversations(ctx context.Context, userID string) ([]chat.Conversation, error) {
	docs, err := r.store.Query(ctx, userConversationsQuery(userID))
	if err != nil {
		return nil, fmt.Errorf("list conversations for %s: %w", userID, err)
	}
	return r.projectConversations(userID, docs), nil
}

func (r *Repository) projectConversations(userID string, docs []docstore.Document) []chat.Conversation {
	convs := make([]chat.Conversation, 0, len(docs))
	for _, d := range docs {
		conv, err := decodeConversation(d)
		if err != nil {
			r.logger.Warn("skipping undecodable conversation", "conversation_id", d.ID, "error", err)
			continue
		}
		convs = append(convs, conv)
	}
	return chat.ProjectConversations(convs, userID)
}

// SubscribeToConversationMessages streams the most recent pageSize messages
// in ascending timestamp order. Every delivery replaces the previous one.
func (r *Repository) SubscribeToConversationMessages(conversationID string, onData func([]chat.Message), onError func(error), pageSize int) docstore.Unsubscribe {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	q := messagesNewestFirst(conversationID).Limit(pageSize)
	return r.store.SubscribeQuery(q, func(docs []docstore.Document) {
		onData(r.decodeMessages(conversationID, docs))
	}, onError)
}

// SubscribeToConversation streams one conversation document; nil means it
// no longer exists.
func (r *Repository) SubscribeToConversation(conversationID string, onData func(*chat.Conversation), onError func(error)) docstore.Unsubscribe {
	return r.store.SubscribeDocument(conversationPath(conversationID), func(doc *docstore.Document) {
		if doc == nil {
			onData(nil)
			return
		}
		conv, err := decodeConversation(*doc)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("decode conversation %s: %w", conversationID, err))
			}
			return
		}
		onData(&conv)
	}, onError)
}
