package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/app/conversations"
	"chatsync/internal/app/docstore"
	"chatsync/internal/app/presence"
	"chatsync/internal/app/profiles"
	"chatsync/internal/domain/chat"
	"chatsync/internal/domain/shared/events"
	"chatsync/internal/infra/storage/memory"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var (
	alice   = chat.UserProfile{UID: "alice", Handle: "alice", DisplayName: "Alice"}
	bob     = chat.UserProfile{UID: "bob", Handle: "bob", DisplayName: "Bob"}
	carol   = chat.UserProfile{UID: "carol", Handle: "carol", DisplayName: "Carol"}
	mallory = chat.UserProfile{UID: "mallory", Handle: "mallory", DisplayName: "Mallory"}
)

// scriptedConversations lets a test break individual repository calls.
type scriptedConversations struct {
	*conversations.Repository
	commitErr  error
	fetchErr   error
	silentList bool
	fetches    atomic.Int32
}

func (s *scriptedConversations) CommitMessage(ctx context.Context, msg chat.Message) error {
	if s.commitErr != nil {
		return s.commitErr
	}
	return s.Repository.CommitMessage(ctx, msg)
}

func (s *scriptedConversations) FetchUserConversations(ctx context.Context, uid string) ([]chat.Conversation, error) {
	s.fetches.Add(1)
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return s.Repository.FetchUserConversations(ctx, uid)
}

func (s *scriptedConversations) SubscribeToUserConversations(uid string, onData func([]chat.Conversation), onError func(error)) docstore.Unsubscribe {
	if s.silentList {
		return func() {}
	}
	return s.Repository.SubscribeToUserConversations(uid, onData, onError)
}

// countingPresence records every write the engine issues.
type countingPresence struct {
	*presence.Repository
	writes atomic.Int32
}

func (c *countingPresence) UpdateUserPresence(ctx context.Context, uid string, status chat.PresenceStatus, conv string) error {
	c.writes.Add(1)
	return c.Repository.UpdateUserPresence(ctx, uid, status, conv)
}

func (c *countingPresence) SetTypingIndicator(ctx context.Context, conv, uid, name string) error {
	c.writes.Add(1)
	return c.Repository.SetTypingIndicator(ctx, conv, uid, name)
}

func (c *countingPresence) ClearTypingIndicator(ctx context.Context, conv, uid string) error {
	c.writes.Add(1)
	return c.Repository.ClearTypingIndicator(ctx, conv, uid)
}

type recordingNotifier struct {
	mu  sync.Mutex
	evs []events.DomainEvent
}

func (n *recordingNotifier) Notify(_ context.Context, evs ...events.DomainEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evs = append(n.evs, evs...)
}

func (n *recordingNotifier) names() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.evs))
	for _, ev := range n.evs {
		out = append(out, ev.EventName())
	}
	return out
}

type fakeUploader struct {
	key, contentType string
	body             string
}

func (u *fakeUploader) Upload(_ context.Context, key string, body io.Reader, contentType string) (string, error) {
	b, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	u.key, u.contentType, u.body = key, contentType, string(b)
	return "https://cdn.example/" + key, nil
}

type fixture struct {
	store    *memory.DocStore
	repo     *conversations.Repository
	convs    *scriptedConversations
	presence *countingPresence
	notifier *recordingNotifier
	deps     Deps
}

func steppingClock() func() time.Time {
	var ms atomic.Int64
	ms.Store(time.Now().UnixMilli())
	return func() time.Time { return time.UnixMilli(ms.Add(1)) }
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewDocStore()
	var n atomic.Int64
	repo := conversations.NewRepository(store,
		conversations.WithClock(steppingClock()),
		conversations.WithIDGenerator(func() string { return fmt.Sprintf("m%03d", n.Add(1)) }),
	)
	for _, p := range []chat.UserProfile{alice, bob, carol, mallory} {
		require.NoError(t, profiles.SaveProfile(ctx, store, p))
	}
	f := &fixture{
		store:    store,
		repo:     repo,
		convs:    &scriptedConversations{Repository: repo},
		presence: &countingPresence{Repository: presence.NewRepository(store, nil, nil)},
		notifier: &recordingNotifier{},
	}
	f.deps = Deps{
		Conversations: f.convs,
		Presence:      f.presence,
		Profiles:      profiles.StoreDirectory{Store: store},
		Notifier:      f.notifier,
	}
	return f
}

// conversation creates alice_bob and has bob send the given texts.
func (f *fixture) conversation(t *testing.T, texts ...string) chat.Conversation {
	t.Helper()
	ctx := context.Background()
	conv, err := f.repo.GetOrCreateConversation(ctx, "alice", "bob", alice, bob)
	require.NoError(t, err)
	for _, text := range texts {
		_, err := f.repo.SendMessage(ctx, conversations.SendParams{
			ConversationID: conv.ID, SenderID: "bob", SenderName: "Bob", Text: text,
		})
		require.NoError(t, err)
	}
	return conv
}

func (f *fixture) engine(t *testing.T, opts Options) *Engine {
	t.Helper()
	return f.engineFor(t, "alice", opts)
}

func (f *fixture) engineFor(t *testing.T, uid string, opts Options) *Engine {
	t.Helper()
	eng := New(f.deps, opts)
	require.NoError(t, eng.Start(context.Background(), Identity{UserID: uid}))
	t.Cleanup(func() { eng.Stop(context.Background()) })
	return eng
}

func messageTexts(msgs []chat.Message) []string {
	texts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		texts = append(texts, m.Text)
	}
	return texts
}

func waitLive(t *testing.T, eng *Engine) State {
	t.Helper()
	require.Eventually(t, func() bool { return eng.State().Phase == PhaseLive }, waitFor, tick)
	return eng.State()
}

func TestEngine_Start(t *testing.T) {
	t.Run("happy path - conversation list goes live", func(t *testing.T) {
		f := newFixture(t)
		conv := f.conversation(t, "hi", "there")
		eng := f.engine(t, Options{})

		require.Eventually(t, func() bool {
			s := eng.State()
			return !s.ConversationsLoading && len(s.Conversations) == 1
		}, waitFor, tick)
		s := eng.State()
		assert.Equal(t, conv.ID, s.Conversations[0].ID)
		assert.Equal(t, 2, s.TotalUnreadCount)
		assert.Equal(t, 2, eng.TotalUnreadCount())
		assert.Equal(t, PhaseIdle, s.Phase)
	})

	t.Run("happy path - starting twice for the same user is a no-op", func(t *testing.T) {
		f := newFixture(t)
		eng := f.engine(t, Options{})
		before := eng.State().Version
		require.NoError(t, eng.Start(context.Background(), Identity{UserID: "alice"}))
		assert.Equal(t, before, eng.State().Version)
	})

	t.Run("happy path - version keeps growing across restarts", func(t *testing.T) {
		f := newFixture(t)
		eng := f.engine(t, Options{})
		v1 := eng.State().Version
		eng.Stop(context.Background())
		require.NoError(t, eng.Start(context.Background(), Identity{UserID: "bob"}))
		assert.Greater(t, eng.State().Version, v1)
		assert.Equal(t, "bob", eng.State().UserID)
	})

	t.Run("sad path - missing identity", func(t *testing.T) {
		f := newFixture(t)
		eng := New(f.deps, Options{})
		assert.ErrorIs(t, eng.Start(context.Background(), Identity{}), ErrNoIdentity)
	})
}

func TestEngine_ListFallback(t *testing.T) {
	t.Run("happy path - silent subscription is filled by a fetch", func(t *testing.T) {
		f := newFixture(t)
		f.conversation(t, "hello")
		f.convs.silentList = true
		eng := f.engine(t, Options{ListFallbackAfter: 20 * time.Millisecond, ListGiveUpAfter: time.Minute})

		require.Eventually(t, func() bool {
			return len(eng.State().Conversations) == 1
		}, waitFor, tick)
		assert.False(t, eng.State().ConversationsLoading)
		assert.EqualValues(t, 1, f.convs.fetches.Load())
	})

	t.Run("sad path - nothing arrives and the list gives up empty", func(t *testing.T) {
		f := newFixture(t)
		f.conversation(t, "hello")
		f.convs.silentList = true
		f.convs.fetchErr = errors.New("offline")
		eng := f.engine(t, Options{ListFallbackAfter: 10 * time.Millisecond, ListGiveUpAfter: 30 * time.Millisecond})

		require.Eventually(t, func() bool {
			return !eng.State().ConversationsLoading
		}, waitFor, tick)
		s := eng.State()
		assert.NotNil(t, s.Conversations)
		assert.Empty(t, s.Conversations)
		assert.Zero(t, s.TotalUnreadCount)
	})

	t.Run("happy path - live data cancels the fallback", func(t *testing.T) {
		f := newFixture(t)
		f.conversation(t, "hello")
		eng := f.engine(t, Options{ListFallbackAfter: 30 * time.Millisecond, ListGiveUpAfter: 60 * time.Millisecond})

		require.Eventually(t, func() bool { return len(eng.State().Conversations) == 1 }, waitFor, tick)
		time.Sleep(100 * time.Millisecond)
		assert.Zero(t, f.convs.fetches.Load())
		assert.Len(t, eng.State().Conversations, 1)
	})
}

func TestEngine_SelectConversation(t *testing.T) {
	t.Run("happy path - first live snapshot marks the conversation read", func(t *testing.T) {
		f := newFixture(t)
		conv := f.conversation(t, "one", "two", "three")
		eng := f.engine(t, Options{})
		require.Eventually(t, func() bool { return eng.TotalUnreadCount() == 3 }, waitFor, tick)

		require.NoError(t, eng.SelectConversation(&conv))
		s := waitLive(t, eng)
		require.Len(t, s.Messages, 3)
		assert.Equal(t, "one", s.Messages[0].Text)
		assert.False(t, s.HasOlderMessages)

		require.Eventually(t, func() bool { return eng.TotalUnreadCount() == 0 }, waitFor, tick)
		msgs, err := f.repo.FetchOlderMessages(context.Background(), conv.ID, conversations.Cursor{Timestamp: time.Now().Add(time.Hour).UnixMilli()}, 10)
		require.NoError(t, err)
		for _, m := range msgs {
			assert.True(t, m.ReadByUser("alice"))
		}
	})

	t.Run("happy path - unread total never grows after reading", func(t *testing.T) {
		f := newFixture(t)
		conv := f.conversation(t, "one", "two")
		eng := f.engine(t, Options{})
		require.Eventually(t, func() bool { return eng.TotalUnreadCount() == 2 }, waitFor, tick)

		var (
			mu     sync.Mutex
			counts []int
		)
		cancel := eng.Subscribe(func(s State) {
			mu.Lock()
			counts = append(counts, s.TotalUnreadCount)
			mu.Unlock()
		})
		defer cancel()

		require.NoError(t, eng.SelectConversation(&conv))
		require.Eventually(t, func() bool { return eng.TotalUnreadCount() == 0 }, waitFor, tick)

		mu.Lock()
		defer mu.Unlock()
		for i := 1; i < len(counts); i++ {
			assert.LessOrEqual(t, counts[i], counts[i-1])
		}
	})

	t.Run("happy path - deselect returns to idle", func(t *testing.T) {
		f := newFixture(t)
		conv := f.conversation(t, "hi")
		eng := f.engine(t, Options{})
		require.NoError(t, eng.SelectConversation(&conv))
		waitLive(t, eng)

		require.NoError(t, eng.SelectConversation(nil))
		s := eng.State()
		assert.Nil(t, s.Selected)
		assert.Equal(t, PhaseIdle, s.Phase)
		assert.Empty(t, s.Messages)
	})

	t.Run("happy path - older pages extend the window", func(t *testing.T) {
		f := newFixture(t)
		conv := f.conversation(t, "1", "2", "3", "4", "5")
		eng := f.engine(t, Options{PageSize: 2})
		require.NoError(t, eng.SelectConversation(&conv))
		s := waitLive(t, eng)
		require.Len(t, s.Messages, 2)
		assert.True(t, s.HasOlderMessages)

		n, err := eng.LoadOlderMessages(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, []string{"2", "3", "4", "5"}, messageTexts(eng.State().Messages))
	})

	t.Run("happy path - new messages after paging leave no gap", func(t *testing.T) {
		f := newFixture(t)
		conv := f.conversation(t, "t1", "t2", "t3", "t4", "t5", "t6")
		eng := f.engine(t, Options{PageSize: 3})
		require.NoError(t, eng.SelectConversation(&conv))
		s := waitLive(t, eng)
		require.Equal(t, []string{"t4", "t5", "t6"}, messageTexts(s.Messages))

		_, err := eng.LoadOlderMessages(context.Background())
		require.NoError(t, err)
		require.Equal(t, []string{"t1", "t2", "t3", "t4", "t5", "t6"}, messageTexts(eng.State().Messages))

		_, err = f.repo.SendMessage(context.Background(), conversations.SendParams{
			ConversationID: conv.ID, SenderID: "bob", SenderName: "Bob", Text: "t7",
		})
		require.NoError(t, err)
		want := []string{"t1", "t2", "t3", "t4", "t5", "t6", "t7"}
		require.Eventually(t, func() bool {
			return assert.ObjectsAreEqual(want, messageTexts(eng.State().Messages))
		}, waitFor, tick)
	})

	t.Run("happy path - live queries return to baseline", func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t)
		first := f.conversation(t, "hi")
		second, err := f.repo.GetOrCreateConversation(ctx, "alice", "carol", alice, carol)
		require.NoError(t, err)
		eng := New(f.deps, Options{})
		require.NoError(t, eng.Start(ctx, Identity{UserID: "alice"}))
		baseline := f.store.Subscribers()
		assert.Equal(t, 1, baseline)

		require.NoError(t, eng.SelectConversation(&first))
		waitLive(t, eng)
		assert.Equal(t, baseline+1, f.store.Subscribers())

		require.NoError(t, eng.SelectConversation(&second))
		waitLive(t, eng)
		assert.Equal(t, baseline+1, f.store.Subscribers())

		require.NoError(t, eng.SelectConversation(nil))
		assert.Equal(t, baseline, f.store.Subscribers())

		require.NoError(t, eng.SelectConversation(&first))
		waitLive(t, eng)
		eng.Stop(ctx)
		assert.Equal(t, 0, f.store.Subscribers())
	})

	t.Run("sad path - conversation of other users", func(t *testing.T) {
		f := newFixture(t)
		conv := f.conversation(t, "secret")
		eng := f.engineFor(t, "mallory", Options{})
		assert.ErrorIs(t, eng.SelectConversation(&conv), chat.ErrNotParticipant)
		assert.Nil(t, eng.State().Selected)
	})

	t.Run("sad path - not started", func(t *testing.T) {
		f := newFixture(t)
		conv := f.conversation(t)
		eng := New(f.deps, Options{})
		assert.ErrorIs(t, eng.SelectConversation(&conv), ErrNotStarted)
	})
}

func TestEngine_SendMessage(t *testing.T) {
	t.Run("happy path - message is confirmed by the snapshot", func(t *testing.T) {
		f := newFixture(t)
		conv := f.conversation(t, "hi alice")
		eng := f.engine(t, Options{})
		require.NoError(t, eng.SelectConversation(&conv))
		waitLive(t, eng)

		msg, err := eng.SendMessage(context.Background(), Draft{Text: "hi bob"})
		require.NoError(t, err)
		assert.Equal(t, "Alice", msg.SenderName)

		require.Eventually(t, func() bool {
			for _, m := range eng.State().Messages {
				if m.ID == msg.ID && !m.Pending {
					return true
				}
			}
			return false
		}, waitFor, tick)
		assert.Contains(t, f.notifier.names(), "chat.message.sent")

		stored, err := f.repo.GetConversation(context.Background(), conv.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.LastMessage)
		assert.Equal(t, "hi bob", stored.LastMessage.Text)
	})

	t.Run("sad path - failed write removes the pending message", func(t *testing.T) {
		f := newFixture(t)
		conv := f.conversation(t, "hi alice")
		eng := f.engine(t, Options{})
		require.NoError(t, eng.SelectConversation(&conv))
		waitLive(t, eng)
		f.convs.commitErr = errors.New("store unavailable")

		_, err := eng.SendMessage(context.Background(), Draft{Text: "lost"})
		require.Error(t, err)
		for _, m := range eng.State().Messages {
			assert.NotEqual(t, "lost", m.Text)
		}
		assert.Empty(t, f.notifier.names())
	})

	t.Run("sad path - nothing selected", func(t *testing.T) {
		f := newFixture(t)
		eng := f.engine(t, Options{})
		_, err := eng.SendMessage(context.Background(), Draft{Text: "hello"})
		assert.ErrorIs(t, err, chat.ErrNoConversationSelected)
	})

	t.Run("sad path - empty draft", func(t *testing.T) {
		f := newFixture(t)
		eng := f.engine(t, Options{})
		_, err := eng.SendMessage(context.Background(), Draft{Text: "  "})
		assert.ErrorIs(t, err, chat.ErrEmptyMessage)
		assert.True(t, IsValidation(err))
	})
}

func TestEngine_EditAndDelete(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, "from bob")
	eng := f.engine(t, Options{})
	require.NoError(t, eng.SelectConversation(&conv))
	waitLive(t, eng)
	ctx := context.Background()

	mine, err := eng.SendMessage(ctx, Draft{Text: "from alice"})
	require.NoError(t, err)
	bobs := eng.State().Messages[0]
	require.Equal(t, "bob", bobs.SenderID)

	t.Run("sad path - editing someone else's message", func(t *testing.T) {
		assert.ErrorIs(t, eng.EditMessage(ctx, bobs.ID, "hacked"), chat.ErrNotSender)
		assert.ErrorIs(t, eng.DeleteMessage(ctx, bobs.ID), chat.ErrNotSender)
	})

	t.Run("happy path - edit own message", func(t *testing.T) {
		require.NoError(t, eng.EditMessage(ctx, mine.ID, "from alice, edited"))
		got, err := f.repo.GetMessage(ctx, conv.ID, mine.ID)
		require.NoError(t, err)
		assert.True(t, got.IsEdited())
		assert.Equal(t, mine.Timestamp, got.Timestamp)
	})

	t.Run("happy path - delete own message", func(t *testing.T) {
		require.NoError(t, eng.DeleteMessage(ctx, mine.ID))
		got, err := f.repo.GetMessage(ctx, conv.ID, mine.ID)
		require.NoError(t, err)
		assert.True(t, got.IsDeleted())
	})

	t.Run("sad path - deleted message cannot be edited", func(t *testing.T) {
		require.Eventually(t, func() bool {
			for _, m := range eng.State().Messages {
				if m.ID == mine.ID {
					return m.IsDeleted()
				}
			}
			return false
		}, waitFor, tick)
		assert.ErrorIs(t, eng.EditMessage(ctx, mine.ID, "again"), chat.ErrMessageDeleted)
	})

	assert.Contains(t, f.notifier.names(), "chat.message.edited")
	assert.Contains(t, f.notifier.names(), "chat.message.deleted")
}

func TestEngine_ConversationActions(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path - start a conversation leaves selection to the caller", func(t *testing.T) {
		f := newFixture(t)
		eng := f.engine(t, Options{})
		conv, err := eng.StartConversation(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, "alice_bob", conv.ID)
		assert.Nil(t, eng.State().Selected)

		require.NoError(t, eng.SelectConversation(&conv))
		require.NotNil(t, eng.State().Selected)
		assert.Equal(t, conv.ID, eng.State().Selected.ID)
	})

	t.Run("happy path - first send in a new conversation stays unread for the recipient", func(t *testing.T) {
		f := newFixture(t)
		eng := f.engine(t, Options{})
		conv, err := eng.StartConversation(ctx, "bob")
		require.NoError(t, err)
		require.NoError(t, eng.SelectConversation(&conv))
		waitLive(t, eng)
		_, err = eng.SendMessage(ctx, Draft{Text: "hello"})
		require.NoError(t, err)

		bobEng := f.engineFor(t, "bob", Options{})
		require.Eventually(t, func() bool { return bobEng.TotalUnreadCount() == 1 }, waitFor, tick)
	})

	t.Run("sad path - outsiders cannot touch the conversation", func(t *testing.T) {
		f := newFixture(t)
		conv := f.conversation(t, "a", "b")
		eng := f.engineFor(t, "mallory", Options{})

		assert.ErrorIs(t, eng.ClearConversation(ctx, conv.ID), chat.ErrNotParticipant)
		assert.ErrorIs(t, eng.DeleteConversation(ctx, conv.ID), chat.ErrNotParticipant)
		assert.ErrorIs(t, eng.SetMuted(ctx, conv.ID, true), chat.ErrNotParticipant)
		assert.ErrorIs(t, eng.MarkConversationAsRead(ctx, conv.ID), chat.ErrNotParticipant)
		_, err := eng.Conversation(ctx, conv.ID)
		assert.ErrorIs(t, err, chat.ErrNotParticipant)

		msgs, err := f.repo.FetchOlderMessages(ctx, conv.ID, conversations.Cursor{Timestamp: time.Now().Add(time.Hour).UnixMilli()}, 10)
		require.NoError(t, err)
		assert.Len(t, msgs, 2)
		for _, m := range msgs {
			assert.False(t, m.ReadByUser("mallory"))
		}
		forAlice, err := f.repo.FetchUserConversations(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, forAlice, 1)
		assert.Equal(t, 2, forAlice[0].UnreadCount)
		_, err = f.repo.GetUserMeta(ctx, "mallory", conv.ID)
		assert.Error(t, err)
	})

	t.Run("sad path - unknown conversation", func(t *testing.T) {
		f := newFixture(t)
		eng := f.engine(t, Options{})
		assert.ErrorIs(t, eng.ClearConversation(ctx, "alice_nobody"), chat.ErrConversationNotFound)
		_, err := eng.Conversation(ctx, "alice_nobody")
		assert.ErrorIs(t, err, chat.ErrConversationNotFound)
	})

	t.Run("sad path - conversation with yourself", func(t *testing.T) {
		f := newFixture(t)
		eng := f.engine(t, Options{})
		_, err := eng.StartConversation(ctx, "alice")
		assert.ErrorIs(t, err, chat.ErrInvalidParticipants)
	})

	t.Run("happy path - deleting the selected conversation deselects it", func(t *testing.T) {
		f := newFixture(t)
		conv := f.conversation(t, "hi")
		eng := f.engine(t, Options{})
		require.NoError(t, eng.SelectConversation(&conv))

		require.NoError(t, eng.DeleteConversation(ctx, conv.ID))
		assert.Nil(t, eng.State().Selected)
		require.Eventually(t, func() bool {
			s := eng.State()
			return !s.ConversationsLoading && len(s.Conversations) == 0
		}, waitFor, tick)

		forBob, err := f.repo.FetchUserConversations(ctx, "bob")
		require.NoError(t, err)
		assert.Len(t, forBob, 1)
	})

	t.Run("happy path - clear empties the window", func(t *testing.T) {
		f := newFixture(t)
		conv := f.conversation(t, "a", "b")
		eng := f.engine(t, Options{})
		require.NoError(t, eng.SelectConversation(&conv))
		waitLive(t, eng)

		require.NoError(t, eng.ClearConversation(ctx, conv.ID))
		require.Eventually(t, func() bool { return len(eng.State().Messages) == 0 }, waitFor, tick)
	})

	t.Run("happy path - mute is private", func(t *testing.T) {
		f := newFixture(t)
		conv := f.conversation(t)
		eng := f.engine(t, Options{})
		require.NoError(t, eng.SetMuted(ctx, conv.ID, true))
		meta, err := f.repo.GetUserMeta(ctx, "alice", conv.ID)
		require.NoError(t, err)
		assert.True(t, meta.IsMuted)
	})

	t.Run("sad path - refresh is off by default", func(t *testing.T) {
		f := newFixture(t)
		eng := f.engine(t, Options{})
		assert.ErrorIs(t, eng.Refresh(ctx), ErrFeatureDisabled)
	})

	t.Run("happy path - refresh when enabled", func(t *testing.T) {
		f := newFixture(t)
		f.conversation(t, "x")
		eng := f.engine(t, Options{Features: Features{PullToRefresh: true}})
		require.NoError(t, eng.Refresh(ctx))
		assert.Len(t, eng.State().Conversations, 1)
	})

	t.Run("sad path - actions after stop", func(t *testing.T) {
		f := newFixture(t)
		eng := f.engine(t, Options{})
		eng.Stop(ctx)
		assert.ErrorIs(t, eng.SetMuted(ctx, "alice_bob", true), ErrNotStarted)
		_, err := eng.StartConversation(ctx, "bob")
		assert.ErrorIs(t, err, ErrNotStarted)
	})
}

func TestEngine_ParticipantBackfill(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.Set(ctx, docstore.Join("conversations", "alice_bob"), map[string]any{
		"participants":         []any{"alice", "bob"},
		"lastMessageTimestamp": time.Now().UnixMilli(),
		"unreadCount":          int64(0),
		"deletedBy":            []any{},
	}))
	eng := f.engine(t, Options{})

	require.Eventually(t, func() bool {
		s := eng.State()
		return len(s.Conversations) == 1 && s.Conversations[0].ParticipantDetails["bob"].DisplayName == "Bob"
	}, waitFor, tick)

	stored, err := f.repo.GetConversation(ctx, "alice_bob")
	require.NoError(t, err)
	assert.Empty(t, stored.ParticipantDetails, "backfill stays in the session view")
}

func TestEngine_Features(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path - disabled features write nothing", func(t *testing.T) {
		f := newFixture(t)
		conv := f.conversation(t, "hi")
		eng := f.engine(t, Options{})
		require.NoError(t, eng.SelectConversation(&conv))
		waitLive(t, eng)

		require.NoError(t, eng.SetTyping(ctx, true))
		require.NoError(t, eng.UpdatePresence(ctx, chat.StatusAway))
		_, err := eng.SendMessage(ctx, Draft{Text: "hello"})
		require.NoError(t, err)
		eng.Stop(ctx)

		assert.Zero(t, f.presence.writes.Load())
		assert.Nil(t, eng.State().Typing)
	})

	t.Run("happy path - presence follows the session", func(t *testing.T) {
		f := newFixture(t)
		conv := f.conversation(t, "hi")
		eng := f.engine(t, Options{Features: Features{Presence: true}})
		require.NoError(t, eng.SelectConversation(&conv))

		require.NoError(t, f.presence.UpdateUserPresence(ctx, "bob", chat.StatusOnline, conv.ID))
		require.Eventually(t, func() bool {
			return eng.State().Presence["bob"].IsOnline
		}, waitFor, tick)

		doc, err := f.store.Get(ctx, docstore.Join("userPresence", "alice"))
		require.NoError(t, err)
		assert.Equal(t, conv.ID, doc.Data["currentConversationId"])

		eng.Stop(ctx)
		doc, err = f.store.Get(ctx, docstore.Join("userPresence", "alice"))
		require.NoError(t, err)
		assert.Equal(t, false, doc.Data["isOnline"])
	})

	t.Run("happy path - typing shows the other participant only", func(t *testing.T) {
		f := newFixture(t)
		conv := f.conversation(t, "hi")
		eng := f.engine(t, Options{Features: Features{Typing: true}})
		require.NoError(t, eng.SelectConversation(&conv))

		require.NoError(t, eng.SetTyping(ctx, true))
		require.NoError(t, f.presence.SetTypingIndicator(ctx, conv.ID, "bob", "Bob"))
		require.Eventually(t, func() bool {
			ts := eng.State().Typing
			return len(ts) == 1 && ts[0].UserID == "bob"
		}, waitFor, tick)

		require.NoError(t, f.presence.ClearTypingIndicator(ctx, conv.ID, "bob"))
		require.Eventually(t, func() bool { return len(eng.State().Typing) == 0 }, waitFor, tick)
	})
}

func TestEngine_UploadAttachment(t *testing.T) {
	ctx := context.Background()

	t.Run("sad path - uploads not configured", func(t *testing.T) {
		f := newFixture(t)
		eng := f.engine(t, Options{})
		_, err := eng.UploadAttachment(ctx, "cat.png", "image/png", strings.NewReader("png"))
		assert.ErrorIs(t, err, ErrUploadsDisabled)
	})

	t.Run("happy path - key is scoped to conversation and user", func(t *testing.T) {
		f := newFixture(t)
		up := &fakeUploader{}
		f.deps.Uploader = up
		conv := f.conversation(t)
		eng := f.engine(t, Options{IDGenerator: func() string { return "file1" }})
		require.NoError(t, eng.SelectConversation(&conv))

		att, err := eng.UploadAttachment(ctx, "Cat.PNG", "image/png", strings.NewReader("png"))
		require.NoError(t, err)
		assert.Equal(t, "attachments/alice_bob/alice/file1.png", up.key)
		assert.Equal(t, "png", up.body)
		assert.Equal(t, Attachment{URL: "https://cdn.example/attachments/alice_bob/alice/file1.png", Type: "image"}, att)
	})
}

func TestMediaType(t *testing.T) {
	tests := map[string]string{
		"image/jpeg":      "image",
		"VIDEO/mp4":       "video",
		"audio/ogg":       "audio",
		"application/pdf": "file",
		"":                "file",
	}
	for in, want := range tests {
		assert.Equal(t, want, MediaType(in), in)
	}
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	reg := NewRegistry(f.deps, Options{})
	defer reg.Close(ctx)

	first, err := reg.Acquire(ctx, "alice")
	require.NoError(t, err)
	again, err := reg.Acquire(ctx, "alice")
	require.NoError(t, err)
	assert.Same(t, first, again)

	_, err = reg.Acquire(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())

	reg.Release(ctx, "alice")
	_, ok := reg.Lookup("alice")
	assert.False(t, ok)
	assert.Equal(t, PhaseIdle, first.State().Phase)
	assert.Empty(t, first.State().UserID)

	_, err = reg.Acquire(ctx, "")
	assert.ErrorIs(t, err, ErrNoIdentity)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_EvictIdle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}
	reg := NewRegistry(f.deps, Options{Now: clock, IdleTimeout: time.Minute})
	defer reg.Close(ctx)

	t.Run("happy path - recently used engines survive", func(t *testing.T) {
		_, err := reg.Acquire(ctx, "alice")
		require.NoError(t, err)
		advance(30 * time.Second)
		assert.Equal(t, 0, reg.EvictIdle(ctx))
		assert.Equal(t, 1, reg.Len())
	})

	t.Run("happy path - open streams pin the engine", func(t *testing.T) {
		aliceEng, ok := reg.Lookup("alice")
		require.True(t, ok)
		bobEng, release, err := reg.AcquireStream(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, 2, f.store.Subscribers())

		advance(2 * time.Minute)
		assert.Equal(t, 1, reg.EvictIdle(ctx))
		_, ok = reg.Lookup("alice")
		assert.False(t, ok)
		assert.Equal(t, PhaseIdle, aliceEng.State().Phase)
		assert.Empty(t, aliceEng.State().UserID)
		_, ok = reg.Lookup("bob")
		assert.True(t, ok)
		assert.Equal(t, 1, f.store.Subscribers())

		release()
		release()
		assert.Equal(t, 0, reg.EvictIdle(ctx))
		advance(2 * time.Minute)
		assert.Equal(t, 1, reg.EvictIdle(ctx))
		assert.Equal(t, 0, reg.Len())
		assert.Empty(t, bobEng.State().UserID)
		assert.Equal(t, 0, f.store.Subscribers())
	})

	t.Run("happy path - a released user starts fresh", func(t *testing.T) {
		eng, err := reg.Acquire(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "alice", eng.State().UserID)
		assert.Equal(t, 1, reg.Len())
	})
}
