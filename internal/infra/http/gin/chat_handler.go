package ginserver

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gin "github.com/gin-gonic/gin"

	"chatsync/internal/app/profiles"
	"chatsync/internal/app/session"
	"chatsync/internal/domain/chat"
	"chatsync/internal/infra/storage/s3"
)

// ChatHandler exposes the session engine of the authenticated user.
type ChatHandler struct {
	Sessions *session.Registry
	Logger   *slog.Logger
	Now      func() time.Time
}

func (h ChatHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h ChatHandler) engine(c *gin.Context) (*session.Engine, principal, bool) {
	p, ok := requireAuth(c)
	if !ok {
		return nil, principal{}, false
	}
	eng, err := h.Sessions.Acquire(c.Request.Context(), p.ID)
	if err != nil {
		h.respondError(c, err, "start session", "user_id", p.ID)
		return nil, principal{}, false
	}
	return eng, p, true
}

// StartSession starts (or keeps) the caller's session and returns its state.
func (h ChatHandler) StartSession(c *gin.Context) {
	eng, _, ok := h.engine(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toStateResponse(eng.State(), h.now()))
}

// EndSession stops the caller's session. It is the logout path.
func (h ChatHandler) EndSession(c *gin.Context) {
	p, ok := requireAuth(c)
	if !ok {
		return
	}
	h.Sessions.Release(c.Request.Context(), p.ID)
	c.Status(http.StatusNoContent)
}

func (h ChatHandler) State(c *gin.Context) {
	eng, _, ok := h.engine(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toStateResponse(eng.State(), h.now()))
}

func (h ChatHandler) ListConversations(c *gin.Context) {
	eng, p, ok := h.engine(c)
	if !ok {
		return
	}
	st := eng.State()
	items := make([]conversationItem, 0, len(st.Conversations))
	for _, conv := range st.Conversations {
		items = append(items, toConversationItem(conv, p.ID, h.now()))
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "loading": st.ConversationsLoading, "totalUnread": st.TotalUnreadCount})
}

type startConversationRequest struct {
	ParticipantID string `json:"participantId" binding:"required"`
}

func (h ChatHandler) StartConversation(c *gin.Context) {
	eng, p, ok := h.engine(c)
	if !ok {
		return
	}
	var req startConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "participantId is required"})
		return
	}
	conv, err := eng.StartConversation(c.Request.Context(), strings.TrimSpace(req.ParticipantID))
	if err != nil {
		h.respondError(c, err, "start conversation", "user_id", p.ID, "participant_id", req.ParticipantID)
		return
	}
	c.JSON(http.StatusOK, toConversationItem(conv, p.ID, h.now()))
}

func (h ChatHandler) SelectConversation(c *gin.Context) {
	eng, p, ok := h.engine(c)
	if !ok {
		return
	}
	id := c.Param("id")
	target, err := eng.Conversation(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, "select conversation", "user_id", p.ID, "conversation_id", id)
		return
	}
	if err := eng.SelectConversation(&target); err != nil {
		h.respondError(c, err, "select conversation", "user_id", p.ID, "conversation_id", id)
		return
	}
	c.JSON(http.StatusOK, toStateResponse(eng.State(), h.now()))
}

func (h ChatHandler) ClearSelection(c *gin.Context) {
	eng, p, ok := h.engine(c)
	if !ok {
		return
	}
	if err := eng.SelectConversation(nil); err != nil {
		h.respondError(c, err, "clear selection", "user_id", p.ID)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h ChatHandler) DeleteConversation(c *gin.Context) {
	eng, p, ok := h.engine(c)
	if !ok {
		return
	}
	if err := eng.DeleteConversation(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err, "delete conversation", "user_id", p.ID, "conversation_id", c.Param("id"))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h ChatHandler) ClearConversation(c *gin.Context) {
	eng, p, ok := h.engine(c)
	if !ok {
		return
	}
	if err := eng.ClearConversation(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err, "clear conversation", "user_id", p.ID, "conversation_id", c.Param("id"))
		return
	}
	c.Status(http.StatusNoContent)
}

type muteRequest struct {
	Muted bool `json:"muted"`
}

func (h ChatHandler) SetMuted(c *gin.Context) {
	eng, p, ok := h.engine(c)
	if !ok {
		return
	}
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := eng.SetMuted(c.Request.Context(), c.Param("id"), req.Muted); err != nil {
		h.respondError(c, err, "set muted", "user_id", p.ID, "conversation_id", c.Param("id"))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h ChatHandler) MarkRead(c *gin.Context) {
	eng, p, ok := h.engine(c)
	if !ok {
		return
	}
	if err := eng.MarkConversationAsRead(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err, "mark conversation read", "user_id", p.ID, "conversation_id", c.Param("id"))
		return
	}
	c.Status(http.StatusAccepted)
}

func (h ChatHandler) Refresh(c *gin.Context) {
	eng, p, ok := h.engine(c)
	if !ok {
		return
	}
	if err := eng.Refresh(c.Request.Context()); err != nil {
		h.respondError(c, err, "refresh conversations", "user_id", p.ID)
		return
	}
	c.JSON(http.StatusOK, toStateResponse(eng.State(), h.now()))
}

func (h ChatHandler) ListMessages(c *gin.Context) {
	eng, p, ok := h.engine(c)
	if !ok {
		return
	}
	st := eng.State()
	items := make([]messageItem, 0, len(st.Messages))
	for _, m := range st.Messages {
		items = append(items, toMessageItem(m, p.ID, h.now().Location()))
	}
	c.JSON(http.StatusOK, gin.H{"phase": st.Phase, "items": items, "hasOlder": st.HasOlderMessages})
}

type sendMessageRequest struct {
	Text       string        `json:"text"`
	MediaURLs  []string      `json:"mediaUrls"`
	MediaTypes []string      `json:"mediaTypes"`
	ReplyTo    *chat.ReplyTo `json:"replyTo"`
}

func (h ChatHandler) SendMessage(c *gin.Context) {
	eng, p, ok := h.engine(c)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	msg, err := eng.SendMessage(c.Request.Context(), session.Draft{
		Text:       req.Text,
		MediaURLs:  req.MediaURLs,
		MediaTypes: req.MediaTypes,
		ReplyTo:    req.ReplyTo,
	})
	if err != nil {
		h.respondError(c, err, "send message", "user_id", p.ID)
		return
	}
	c.JSON(http.StatusCreated, toMessageItem(msg, p.ID, h.now().Location()))
}

type editMessageRequest struct {
	Text string `json:"text"`
}

func (h ChatHandler) EditMessage(c *gin.Context) {
	eng, p, ok := h.engine(c)
	if !ok {
		return
	}
	var req editMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := eng.EditMessage(c.Request.Context(), c.Param("id"), req.Text); err != nil {
		h.respondError(c, err, "edit message", "user_id", p.ID, "message_id", c.Param("id"))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h ChatHandler) DeleteMessage(c *gin.Context) {
	eng, p, ok := h.engine(c)
	if !ok {
		return
	}
	if err := eng.DeleteMessage(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err, "delete message", "user_id", p.ID, "message_id", c.Param("id"))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h ChatHandler) LoadOlder(c *gin.Context) {
	eng, p, ok := h.engine(c)
	if !ok {
		return
	}
	n, err := eng.LoadOlderMessages(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "load older messages", "user_id", p.ID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"loaded": n, "hasOlder": eng.State().HasOlderMessages})
}

func (h ChatHandler) UploadAttachment(c *gin.Context) {
	eng, p, ok := h.engine(c)
	if !ok {
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if file.Size > s3.MaxAttachmentBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "attachment too large"})
		return
	}
	body, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read file"})
		return
	}
	defer body.Close()
	att, err := eng.UploadAttachment(c.Request.Context(), file.Filename, file.Header.Get("Content-Type"), body)
	if err != nil {
		h.respondError(c, err, "upload attachment", "user_id", p.ID)
		return
	}
	c.JSON(http.StatusCreated, att)
}

type typingRequest struct {
	Typing bool `json:"typing"`
}

func (h ChatHandler) SetTyping(c *gin.Context) {
	eng, p, ok := h.engine(c)
	if !ok {
		return
	}
	var req typingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := eng.SetTyping(c.Request.Context(), req.Typing); err != nil {
		h.respondError(c, err, "set typing", "user_id", p.ID)
		return
	}
	c.Status(http.StatusNoContent)
}

type presenceRequest struct {
	Status chat.PresenceStatus `json:"status" binding:"required"`
}

func (h ChatHandler) SetPresence(c *gin.Context) {
	eng, p, ok := h.engine(c)
	if !ok {
		return
	}
	var req presenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status is required"})
		return
	}
	switch req.Status {
	case chat.StatusOnline, chat.StatusAway, chat.StatusOffline:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
		return
	}
	if err := eng.UpdatePresence(c.Request.Context(), req.Status); err != nil {
		h.respondError(c, err, "set presence", "user_id", p.ID)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h ChatHandler) respondError(c *gin.Context, err error, action string, attrs ...any) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, chat.ErrNotSender), errors.Is(err, chat.ErrNotParticipant):
		status = http.StatusForbidden
	case errors.Is(err, chat.ErrConversationNotFound), errors.Is(err, chat.ErrMessageNotFound), errors.Is(err, profiles.ErrProfileNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrFeatureDisabled), errors.Is(err, session.ErrUploadsDisabled):
		status = http.StatusNotImplemented
	case errors.Is(err, s3.ErrTooLarge):
		status = http.StatusRequestEntityTooLarge
	case session.IsValidation(err):
		status = http.StatusBadRequest
	}
	if status >= http.StatusInternalServerError && h.Logger != nil {
		h.Logger.Error(action+" failed", append(attrs, "error", err)...)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
