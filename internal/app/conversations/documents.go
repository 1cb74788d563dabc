package conversations

import (
	"chatsync/internal/app/docstore"
	"chatsync/internal/domain/chat"
)

const (
	conversationsCollection = "conversations"
	messagesCollection      = "messages"
	userMetaCollection      = "conversationUserMeta"
)

// Message order is (timestamp, id); the id breaks ties between messages
// stamped in the same millisecond.
const (
	messageTimestampField = "timestamp"
	messageIDField        = "id"
)

func conversationPath(id string) string {
	return docstore.Join(conversationsCollection, id)
}

func messagesPath(conversationID string) string {
	return docstore.Join(conversationsCollection, conversationID, messagesCollection)
}

func messagePath(conversationID, messageID string) string {
	return docstore.Join(messagesPath(conversationID), messageID)
}

func userMetaPath(userID, conversationID string) string {
	return docstore.Join(userMetaCollection, chat.MetaID(userID, conversationID))
}

type participantDocument struct {
	ID          string `bson:"id"`
	Handle      string `bson:"handle"`
	DisplayName string `bson:"displayName"`
	AvatarURL   string `bson:"avatarURL"`
}

type lastMessageDocument struct {
	ID         string `bson:"id"`
	Text       string `bson:"text"`
	SenderID   string `bson:"senderId"`
	SenderName string `bson:"senderName"`
}

type conversationDocument struct {
	Participants         []string                       `bson:"participants"`
	ParticipantDetails   map[string]participantDocument `bson:"participantDetails,omitempty"`
	LastMessage          *lastMessageDocument           `bson:"lastMessage"`
	LastMessageTimestamp int64                          `bson:"lastMessageTimestamp"`
	UnreadCount          int                            `bson:"unreadCount"`
	IsArchived           bool                           `bson:"isArchived"`
	DeletedBy            []string                       `bson:"deletedBy"`
	CreatedAt            int64                          `bson:"createdAt"`
	UpdatedAt            int64                          `bson:"updatedAt"`
}

type replyDocument struct {
	MessageID  string `bson:"messageId"`
	SenderName string `bson:"senderName"`
	Text       string `bson:"text"`
}

type messageDocument struct {
	ID             string           `bson:"id"`
	ConversationID string           `bson:"conversationId"`
	SenderID       string           `bson:"senderId"`
	SenderName     string           `bson:"senderName"`
	SenderAvatar   string           `bson:"senderAvatar,omitempty"`
	Text           string           `bson:"text"`
	MediaURLs      []string         `bson:"mediaUrls,omitempty"`
	MediaTypes     []string         `bson:"mediaTypes,omitempty"`
	Timestamp      int64            `bson:"timestamp"`
	IsRead         bool             `bson:"isRead"`
	ReadBy         map[string]int64 `bson:"readBy"`
	EditedAt       *int64           `bson:"editedAt,omitempty"`
	DeletedAt      *int64           `bson:"deletedAt,omitempty"`
	ReplyTo        *replyDocument   `bson:"replyTo,omitempty"`
}

type userMetaDocument struct {
	ConversationID    string `bson:"conversationId"`
	UserID            string `bson:"userId"`
	JoinedAt          int64  `bson:"joinedAt"`
	IsMuted           bool   `bson:"isMuted"`
	LastReadMessageID string `bson:"lastReadMessageId"`
	LastReadTimestamp int64  `bson:"lastReadTimestamp"`
}

func detailsDocument(d chat.ParticipantDetails) participantDocument {
	return participantDocument{ID: d.ID, Handle: d.Handle, DisplayName: d.DisplayName, AvatarURL: d.AvatarURL}
}

func conversationToDocument(c chat.Conversation) conversationDocument {
	doc := conversationDocument{
		Participants:         append([]string(nil), c.Participants...),
		LastMessageTimestamp: c.LastMessageTimestamp,
		UnreadCount:          c.UnreadCount,
		IsArchived:           c.IsArchived,
		DeletedBy:            append([]string{}, c.DeletedBy...),
		CreatedAt:            c.CreatedAt,
		UpdatedAt:            c.UpdatedAt,
	}
	if len(c.ParticipantDetails) > 0 {
		doc.ParticipantDetails = make(map[string]participantDocument, len(c.ParticipantDetails))
		for uid, d := range c.ParticipantDetails {
			doc.ParticipantDetails[uid] = detailsDocument(d)
		}
	}
	if c.LastMessage != nil {
		doc.LastMessage = &lastMessageDocument{
			ID:         c.LastMessage.ID,
			Text:       c.LastMessage.Text,
			SenderID:   c.LastMessage.SenderID,
			SenderName: c.LastMessage.SenderName,
		}
	}
	return doc
}

func decodeConversation(d docstore.Document) (chat.Conversation, error) {
	var doc conversationDocument
	if err := d.Decode(&doc); err != nil {
		return chat.Conversation{}, err
	}
	conv := chat.Conversation{
		ID:                   d.ID,
		Participants:         doc.Participants,
		LastMessageTimestamp: doc.LastMessageTimestamp,
		UnreadCount:          doc.UnreadCount,
		IsArchived:           doc.IsArchived,
		DeletedBy:            doc.DeletedBy,
		CreatedAt:            doc.CreatedAt,
		UpdatedAt:            doc.UpdatedAt,
	}
	if len(doc.ParticipantDetails) > 0 {
		conv.ParticipantDetails = make(map[string]chat.ParticipantDetails, len(doc.ParticipantDetails))
		for uid, p := range doc.ParticipantDetails {
			conv.ParticipantDetails[uid] = chat.ParticipantDetails{
				ID:          p.ID,
				Handle:      p.Handle,
				DisplayName: p.DisplayName,
				AvatarURL:   p.AvatarURL,
			}
		}
	}
	if doc.LastMessage != nil {
		conv.LastMessage = &chat.LastMessage{
			ID:         doc.LastMessage.ID,
			Text:       doc.LastMessage.Text,
			SenderID:   doc.LastMessage.SenderID,
			SenderName: doc.LastMessage.SenderName,
		}
	}
	return conv, nil
}

func messageToDocument(m chat.Message) messageDocument {
	doc := messageDocument{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		SenderAvatar:   m.SenderAvatar,
		Text:           m.Text,
		MediaURLs:      m.MediaURLs,
		MediaTypes:     m.MediaTypes,
		Timestamp:      m.Timestamp,
		IsRead:         m.IsRead,
		ReadBy:         m.ReadBy,
		EditedAt:       m.EditedAt,
		DeletedAt:      m.DeletedAt,
	}
	if m.ReplyTo != nil {
		doc.ReplyTo = &replyDocument{MessageID: m.ReplyTo.MessageID, SenderName: m.ReplyTo.SenderName, Text: m.ReplyTo.Text}
	}
	return doc
}

func decodeMessage(d docstore.Document) (chat.Message, error) {
	var doc messageDocument
	if err := d.Decode(&doc); err != nil {
		return chat.Message{}, err
	}
	msg := chat.Message{
		ID:             d.ID,
		ConversationID: doc.ConversationID,
		SenderID:       doc.SenderID,
		SenderName:     doc.SenderName,
		SenderAvatar:   doc.SenderAvatar,
		Text:           doc.Text,
		MediaURLs:      doc.MediaURLs,
		MediaTypes:     doc.MediaTypes,
		Timestamp:      doc.Timestamp,
		IsRead:         doc.IsRead,
		ReadBy:         doc.ReadBy,
		EditedAt:       doc.EditedAt,
		DeletedAt:      doc.DeletedAt,
	}
	if msg.ReadBy == nil {
		msg.ReadBy = map[string]int64{}
	}
	if doc.ReplyTo != nil {
		msg.ReplyTo = &chat.ReplyTo{MessageID: doc.ReplyTo.MessageID, SenderName: doc.ReplyTo.SenderName, Text: doc.ReplyTo.Text}
	}
	return msg, nil
}

func decodeUserMeta(d docstore.Document) (chat.ConversationUserMeta, error) {
	var doc userMetaDocument
	if err := d.Decode(&doc); err != nil {
		return chat.ConversationUserMeta{}, err
	}
	return chat.ConversationUserMeta{
		ConversationID:    doc.ConversationID,
		UserID:            doc.UserID,
		JoinedAt:          doc.JoinedAt,
		IsMuted:           doc.IsMuted,
		LastReadMessageID: doc.LastReadMessageID,
		LastReadTimestamp: doc.LastReadTimestamp,
	}, nil
}
