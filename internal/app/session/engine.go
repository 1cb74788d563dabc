// Package session keeps one signed-in user's live chat view in sync with the
// document store. An Engine owns the conversation-list subscription, the
// selected conversation's message window and the optional typing and presence
// listeners, and exposes the actions a client performs against them.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"chatsync/internal/app/conversations"
	"chatsync/internal/app/docstore"
	"chatsync/internal/app/profiles"
	"chatsync/internal/domain/chat"
	"chatsync/internal/domain/shared/events"
)

var (
	ErrNotStarted      = errors.New("session: not started")
	ErrFeatureDisabled = errors.New("session: feature disabled")
	ErrUploadsDisabled = errors.New("session: attachment uploads are not configured")
	ErrNoIdentity      = errors.New("session: identity has no user id")
)

const (
	DefaultListFallbackAfter = 5 * time.Second
	DefaultListGiveUpAfter   = 15 * time.Second

	typingPruneInterval = time.Second
	backgroundTimeout   = 15 * time.Second
)

// ConversationRepository is the slice of conversations.Repository the engine drives.
type ConversationRepository interface {
	GetOrCreateConversation(ctx context.Context, selfID, otherID string, self, other chat.UserProfile) (chat.Conversation, error)
	PrepareMessage(p conversations.SendParams) (chat.Message, error)
	CommitMessage(ctx context.Context, msg chat.Message) error
	EditMessage(ctx context.Context, conversationID, messageID, text string) error
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
	GetMessage(ctx context.Context, conversationID, messageID string) (chat.Message, error)
	GetConversation(ctx context.Context, id string) (chat.Conversation, error)
	MarkConversationAsRead(ctx context.Context, conversationID, userID string) error
	ClearConversationMessages(ctx context.Context, conversationID string) error
	DeleteConversation(ctx context.Context, conversationID, userID string) error
	SetMuted(ctx context.Context, userID, conversationID string, muted bool) error
	FetchUserConversations(ctx context.Context, userID string) ([]chat.Conversation, error)
	FetchOlderMessages(ctx context.Context, conversationID string, before conversations.Cursor, limit int) ([]chat.Message, error)
	SubscribeToUserConversations(userID string, onData func([]chat.Conversation), onError func(error)) docstore.Unsubscribe
	SubscribeToConversationMessages(conversationID string, onData func([]chat.Message), onError func(error), pageSize int) docstore.Unsubscribe
}

// PresenceRepository is the slice of presence.Repository the engine drives.
type PresenceRepository interface {
	UpdateUserPresence(ctx context.Context, uid string, status chat.PresenceStatus, currentConversationID string) error
	ListenToUsersPresence(uids []string, onData func(map[string]chat.UserPresence), onError func(error)) docstore.Unsubscribe
	SetTypingIndicator(ctx context.Context, conversationID, uid, username string) error
	ClearTypingIndicator(ctx context.Context, conversationID, uid string) error
	ListenToTypingIndicators(conversationID, selfID string, onData func([]chat.TypingIndicator), onError func(error)) docstore.Unsubscribe
}

// Uploader stores attachment bytes and returns a public URL.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
}

// Notifier receives events after a write succeeded. It must not block for long.
type Notifier interface {
	Notify(ctx context.Context, evs ...events.DomainEvent)
}

// Features gates the write-heavy optional behaviors. All are off by default.
type Features struct {
	Presence      bool
	Typing        bool
	PullToRefresh bool
}

type Options struct {
	PageSize          int
	ListFallbackAfter time.Duration
	ListGiveUpAfter   time.Duration
	Features          Features
	Now               func() time.Time
	IDGenerator       func() string
	// IdleTimeout is read by Registry only.
	IdleTimeout time.Duration
}

type Deps struct {
	Conversations ConversationRepository
	Presence      PresenceRepository
	Profiles      profiles.Directory
	Uploader      Uploader
	Notifier      Notifier
	Logger        *slog.Logger
}

// Identity is the signed-in user the engine acts for.
type Identity struct {
	UserID string
}

type Engine struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	// notifyMu serializes state publication so listeners observe versions in order.
	notifyMu sync.Mutex
	mu       sync.Mutex

	identity *Identity
	self     *chat.UserProfile

	list listState
	sel  selectionState

	profileCache    map[string]chat.UserProfile
	profileInflight map[string]bool

	state     State
	listeners map[uint64]func(State)
	nextID    uint64
}

func New(deps Deps, opts Options) *Engine {
	if opts.PageSize <= 0 {
		opts.PageSize = conversations.DefaultPageSize
	}
	if opts.ListFallbackAfter <= 0 {
		opts.ListFallbackAfter = DefaultListFallbackAfter
	}
	if opts.ListGiveUpAfter <= 0 {
		opts.ListGiveUpAfter = DefaultListGiveUpAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		deps:            deps,
		opts:            opts,
		logger:          logger.With("component", "session"),
		profileCache:    map[string]chat.UserProfile{},
		profileInflight: map[string]bool{},
		listeners:       map[uint64]func(State){},
		state:           State{Phase: PhaseIdle},
	}
}

func (e *Engine) Features() Features {
	return e.opts.Features
}

// Start subscribes to the user's conversations. Starting again with another
// identity tears the previous session down first.
func (e *Engine) Start(ctx context.Context, id Identity) error {
	if id.UserID == "" {
		return ErrNoIdentity
	}
	e.mu.Lock()
	same := e.identity != nil && e.identity.UserID == id.UserID
	e.mu.Unlock()
	if same {
		return nil
	}
	e.Stop(ctx)

	var gen uint64
	e.update(func() bool {
		e.identity = &Identity{UserID: id.UserID}
		e.state = State{Version: e.state.Version, UserID: id.UserID, Phase: PhaseIdle, ConversationsLoading: true}
		gen = e.list.begin()
		return true
	})
	e.logger.Info("session started", "user_id", id.UserID)
	e.subscribeList(id.UserID, gen)

	if e.opts.Features.Presence && e.deps.Presence != nil {
		if err := e.deps.Presence.UpdateUserPresence(ctx, id.UserID, chat.StatusOnline, ""); err != nil {
			e.logger.Warn("presence update failed", "user_id", id.UserID, "error", err)
		}
	}
	return nil
}

// Stop releases every listener and clears session state, including the
// cached sender profile.
func (e *Engine) Stop(ctx context.Context) {
	var (
		uid      string
		teardown []func()
	)
	e.update(func() bool {
		if e.identity == nil {
			return false
		}
		uid = e.identity.UserID
		teardown = append(teardown, e.list.reset()...)
		teardown = append(teardown, e.sel.reset()...)
		e.identity = nil
		e.self = nil
		e.profileCache = map[string]chat.UserProfile{}
		e.profileInflight = map[string]bool{}
		e.state = State{Version: e.state.Version, Phase: PhaseIdle}
		return true
	})
	if uid == "" {
		return
	}
	for _, fn := range teardown {
		fn()
	}
	if e.opts.Features.Presence && e.deps.Presence != nil {
		if err := e.deps.Presence.UpdateUserPresence(ctx, uid, chat.StatusOffline, ""); err != nil {
			e.logger.Warn("presence update failed", "user_id", uid, "error", err)
		}
	}
	if inv, ok := e.deps.Profiles.(profiles.Invalidator); ok {
		if err := inv.Invalidate(ctx, uid); err != nil {
			e.logger.Warn("profile cache invalidation failed", "user_id", uid, "error", err)
		}
	}
	e.logger.Info("session stopped", "user_id", uid)
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.clone()
}

// Subscribe registers fn for every published state. fn runs on the
// publishing goroutine and must not call Engine actions synchronously.
func (e *Engine) Subscribe(fn func(State)) (cancel func()) {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

func (e *Engine) TotalUnreadCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.TotalUnreadCount
}

// update runs fn under the state lock and, when fn reports a change,
// publishes the new state to listeners.
func (e *Engine) update(fn func() bool) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	e.mu.Lock()
	if !fn() {
		e.mu.Unlock()
		return
	}
	e.state.Version++
	snap := e.state.clone()
	ls := make([]func(State), 0, len(e.listeners))
	for _, l := range e.listeners {
		ls = append(ls, l)
	}
	e.mu.Unlock()

	for _, l := range ls {
		l(snap)
	}
}

func (e *Engine) currentUser() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.identity == nil {
		return "", ErrNotStarted
	}
	return e.identity.UserID, nil
}

// senderProfile resolves the signed-in user's profile once per session.
func (e *Engine) senderProfile(ctx context.Context, uid string) (chat.UserProfile, error) {
	e.mu.Lock()
	if e.self != nil && e.self.UID == uid {
		p := *e.self
		e.mu.Unlock()
		return p, nil
	}
	e.mu.Unlock()

	p, err := e.deps.Profiles.Profile(ctx, uid)
	if err != nil {
		return chat.UserProfile{}, err
	}
	e.mu.Lock()
	if e.identity != nil && e.identity.UserID == uid {
		e.self = &p
	}
	e.mu.Unlock()
	return p, nil
}

func (e *Engine) notify(ctx context.Context, evs ...events.DomainEvent) {
	if e.deps.Notifier == nil {
		return
	}
	e.deps.Notifier.Notify(ctx, evs...)
}

func background() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), backgroundTimeout)
}
