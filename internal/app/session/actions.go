package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"

	"chatsync/internal/app/conversations"
	"chatsync/internal/domain/chat"
)

// Draft is the content of a message about to be sent.
type Draft struct {
	Text       string
	MediaURLs  []string
	MediaTypes []string
	ReplyTo    *chat.ReplyTo
}

// Attachment is an uploaded file ready to be referenced by a Draft.
type Attachment struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

// SendMessage sends d into the selected conversation. The message shows up
// in State as pending until a snapshot confirms it and disappears again if
// the write fails.
func (e *Engine) SendMessage(ctx context.Context, d Draft) (chat.Message, error) {
	if err := chat.ValidateContent(d.Text, d.MediaURLs, d.MediaTypes); err != nil {
		return chat.Message{}, err
	}
	e.mu.Lock()
	if e.identity == nil {
		e.mu.Unlock()
		return chat.Message{}, ErrNotStarted
	}
	if e.state.Selected == nil {
		e.mu.Unlock()
		return chat.Message{}, chat.ErrNoConversationSelected
	}
	uid, conv, gen := e.identity.UserID, e.state.Selected.Clone(), e.sel.gen
	e.mu.Unlock()

	sender, err := e.senderProfile(ctx, uid)
	if err != nil {
		return chat.Message{}, fmt.Errorf("resolve sender profile: %w", err)
	}
	msg, err := e.deps.Conversations.PrepareMessage(conversations.SendParams{
		ConversationID: conv.ID,
		SenderID:       uid,
		SenderName:     sender.Name(),
		SenderAvatar:   sender.AvatarURL,
		Text:           d.Text,
		MediaURLs:      d.MediaURLs,
		MediaTypes:     d.MediaTypes,
		ReplyTo:        d.ReplyTo,
	})
	if err != nil {
		return chat.Message{}, err
	}

	pending := msg.Clone()
	pending.Pending = true
	e.update(func() bool {
		if gen != e.sel.gen {
			return false
		}
		e.sel.pending[pending.ID] = pending
		e.state.Messages = e.sel.messages()
		return true
	})

	if err := e.deps.Conversations.CommitMessage(ctx, msg); err != nil {
		e.update(func() bool {
			if gen != e.sel.gen {
				return false
			}
			delete(e.sel.pending, msg.ID)
			e.state.Messages = e.sel.messages()
			return true
		})
		return chat.Message{}, err
	}

	e.notify(ctx, chat.MessageSentEvent{
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		SenderID:       uid,
		SenderName:     msg.SenderName,
		RecipientID:    conv.OtherParticipant(uid),
		Preview:        chat.TruncatePreview(chat.DisplayText(msg)),
		At:             e.opts.Now(),
	})
	if e.opts.Features.Typing && e.deps.Presence != nil {
		if err := e.deps.Presence.ClearTypingIndicator(ctx, conv.ID, uid); err != nil {
			e.logger.Warn("typing indicator not cleared", "conversation_id", conv.ID, "error", err)
		}
	}
	return msg, nil
}

// EditMessage replaces the text of a message the current user sent.
func (e *Engine) EditMessage(ctx context.Context, messageID, text string) error {
	if strings.TrimSpace(text) == "" {
		return chat.ErrEmptyMessage
	}
	uid, convID, err := e.authorizeChange(ctx, messageID)
	if err != nil {
		return err
	}
	if err := e.deps.Conversations.EditMessage(ctx, convID, messageID, text); err != nil {
		return err
	}
	e.notify(ctx, chat.MessageEditedEvent{ConversationID: convID, MessageID: messageID, EditorID: uid, At: e.opts.Now()})
	return nil
}

// DeleteMessage soft-deletes a message the current user sent.
func (e *Engine) DeleteMessage(ctx context.Context, messageID string) error {
	uid, convID, err := e.authorizeChange(ctx, messageID)
	if err != nil {
		return err
	}
	if err := e.deps.Conversations.DeleteMessage(ctx, convID, messageID); err != nil {
		return err
	}
	e.notify(ctx, chat.MessageDeletedEvent{ConversationID: convID, MessageID: messageID, DeletedBy: uid, At: e.opts.Now()})
	return nil
}

// authorizeChange checks that messageID in the selected conversation was
// sent by the current user and is not deleted.
func (e *Engine) authorizeChange(ctx context.Context, messageID string) (string, string, error) {
	e.mu.Lock()
	if e.identity == nil {
		e.mu.Unlock()
		return "", "", ErrNotStarted
	}
	if e.sel.id == "" {
		e.mu.Unlock()
		return "", "", chat.ErrNoConversationSelected
	}
	uid, convID := e.identity.UserID, e.sel.id
	msg, ok := e.sel.find(messageID)
	e.mu.Unlock()

	if !ok {
		var err error
		msg, err = e.deps.Conversations.GetMessage(ctx, convID, messageID)
		if err != nil {
			return "", "", err
		}
	}
	if msg.SenderID != uid {
		return "", "", chat.ErrNotSender
	}
	if msg.IsDeleted() {
		return "", "", chat.ErrMessageDeleted
	}
	return uid, convID, nil
}

// StartConversation returns the conversation with otherUserID, creating it
// when needed. Selecting it is left to the caller.
func (e *Engine) StartConversation(ctx context.Context, otherUserID string) (chat.Conversation, error) {
	uid, err := e.currentUser()
	if err != nil {
		return chat.Conversation{}, err
	}
	if strings.TrimSpace(otherUserID) == "" || otherUserID == uid {
		return chat.Conversation{}, chat.ErrInvalidParticipants
	}
	self, err := e.senderProfile(ctx, uid)
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("resolve own profile: %w", err)
	}
	other, err := e.deps.Profiles.Profile(ctx, otherUserID)
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("resolve participant profile: %w", err)
	}
	return e.deps.Conversations.GetOrCreateConversation(ctx, uid, otherUserID, self, other)
}

// Conversation returns conversationID when the current user takes part in
// it. Hidden conversations are still returned.
func (e *Engine) Conversation(ctx context.Context, conversationID string) (chat.Conversation, error) {
	uid, err := e.currentUser()
	if err != nil {
		return chat.Conversation{}, err
	}
	return e.participantConversation(ctx, conversationID, uid)
}

// participantConversation answers from the loaded list first and reads the
// store only for conversations the list does not show.
func (e *Engine) participantConversation(ctx context.Context, conversationID, uid string) (chat.Conversation, error) {
	e.mu.Lock()
	for _, c := range e.state.Conversations {
		if c.ID == conversationID && c.HasParticipant(uid) {
			conv := c.Clone()
			e.mu.Unlock()
			return conv, nil
		}
	}
	e.mu.Unlock()

	conv, err := e.deps.Conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return chat.Conversation{}, err
	}
	if !conv.HasParticipant(uid) {
		return chat.Conversation{}, chat.ErrNotParticipant
	}
	return conv, nil
}

// DeleteConversation hides the conversation for the current user only.
func (e *Engine) DeleteConversation(ctx context.Context, conversationID string) error {
	uid, err := e.currentUser()
	if err != nil {
		return err
	}
	if _, err := e.participantConversation(ctx, conversationID, uid); err != nil {
		return err
	}
	if err := e.deps.Conversations.DeleteConversation(ctx, conversationID, uid); err != nil {
		return err
	}
	if e.selectedID() == conversationID {
		return e.SelectConversation(nil)
	}
	return nil
}

// ClearConversation deletes every message in the conversation for both participants.
func (e *Engine) ClearConversation(ctx context.Context, conversationID string) error {
	uid, err := e.currentUser()
	if err != nil {
		return err
	}
	if _, err := e.participantConversation(ctx, conversationID, uid); err != nil {
		return err
	}
	return e.deps.Conversations.ClearConversationMessages(ctx, conversationID)
}

func (e *Engine) SetMuted(ctx context.Context, conversationID string, muted bool) error {
	uid, err := e.currentUser()
	if err != nil {
		return err
	}
	if _, err := e.participantConversation(ctx, conversationID, uid); err != nil {
		return err
	}
	return e.deps.Conversations.SetMuted(ctx, uid, conversationID, muted)
}

// SetTyping publishes or clears the current user's typing indicator in the
// selected conversation. It does nothing unless typing is enabled.
func (e *Engine) SetTyping(ctx context.Context, typing bool) error {
	if !e.opts.Features.Typing || e.deps.Presence == nil {
		return nil
	}
	uid, err := e.currentUser()
	if err != nil {
		return err
	}
	convID := e.selectedID()
	if convID == "" {
		return chat.ErrNoConversationSelected
	}
	if !typing {
		err = e.deps.Presence.ClearTypingIndicator(ctx, convID, uid)
	} else {
		var self chat.UserProfile
		if self, err = e.senderProfile(ctx, uid); err == nil {
			err = e.deps.Presence.SetTypingIndicator(ctx, convID, uid, self.Name())
		}
	}
	if err != nil {
		e.logger.Warn("typing indicator update failed", "conversation_id", convID, "error", err)
	}
	return nil
}

// UpdatePresence sets the current user's status. It does nothing unless
// presence is enabled.
func (e *Engine) UpdatePresence(ctx context.Context, status chat.PresenceStatus) error {
	if !e.opts.Features.Presence || e.deps.Presence == nil {
		return nil
	}
	uid, err := e.currentUser()
	if err != nil {
		return err
	}
	if err := e.deps.Presence.UpdateUserPresence(ctx, uid, status, e.selectedID()); err != nil {
		e.logger.Warn("presence update failed", "user_id", uid, "error", err)
	}
	return nil
}

// UploadAttachment stores body and returns the URL and media type to put
// into a Draft.
func (e *Engine) UploadAttachment(ctx context.Context, filename, contentType string, body io.Reader) (Attachment, error) {
	if e.deps.Uploader == nil {
		return Attachment{}, ErrUploadsDisabled
	}
	uid, err := e.currentUser()
	if err != nil {
		return Attachment{}, err
	}
	scope := e.selectedID()
	if scope == "" {
		return Attachment{}, chat.ErrNoConversationSelected
	}
	id := uuid.NewString()
	if e.opts.IDGenerator != nil {
		id = e.opts.IDGenerator()
	}
	key := path.Join("attachments", scope, uid, id+strings.ToLower(path.Ext(filename)))
	url, err := e.deps.Uploader.Upload(ctx, key, body, contentType)
	if err != nil {
		return Attachment{}, fmt.Errorf("upload attachment: %w", err)
	}
	return Attachment{URL: url, Type: MediaType(contentType)}, nil
}

// MediaType maps a MIME type onto the coarse kinds stored on messages.
func MediaType(contentType string) string {
	major, _, _ := strings.Cut(strings.ToLower(contentType), "/")
	switch major {
	case "image", "video", "audio":
		return major
	default:
		return "file"
	}
}

func (e *Engine) selectedID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sel.id
}

// IsValidation reports whether err is a caller mistake rather than a
// storage or transport failure.
func IsValidation(err error) bool {
	for _, target := range []error{
		chat.ErrEmptyMessage,
		chat.ErrMediaMismatch,
		chat.ErrInvalidParticipants,
		chat.ErrNoConversationSelected,
		chat.ErrNotSender,
		chat.ErrMessageDeleted,
		ErrFeatureDisabled,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
