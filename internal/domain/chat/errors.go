package chat

import "errors"

var (
	ErrEmptyMessage           = errors.New("chat: message has no text and no media")
	ErrMediaMismatch          = errors.New("chat: media urls and types differ in length")
	ErrInvalidParticipants    = errors.New("chat: conversation needs two distinct participants")
	ErrNoConversationSelected = errors.New("chat: no conversation selected")
	ErrNotSender              = errors.New("chat: only the sender may change this message")
	ErrNotParticipant         = errors.New("chat: user is not a participant")
	ErrConversationNotFound   = errors.New("chat: conversation not found")
	ErrMessageNotFound        = errors.New("chat: message not found")
	ErrMessageDeleted         = errors.New("chat: message was deleted")
)
