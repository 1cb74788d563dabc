package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/app/docstore"
	"chatsync/internal/domain/chat"
	"chatsync/internal/infra/storage/memory"
)

func TestFreshIndicators(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	at := func(ago time.Duration) int64 { return now.Add(-ago).UnixMilli() }

	in := []chat.TypingIndicator{
		{UserID: "me", Timestamp: at(time.Second)},
		{UserID: "bob", Timestamp: at(2 * time.Second)},
		{UserID: "carol", Timestamp: at(chat.TypingStaleAfter + time.Millisecond)},
		{UserID: "dave", Timestamp: at(chat.TypingStaleAfter)},
	}

	got := FreshIndicators(in, "me", now)

	ids := make([]string, 0, len(got))
	for _, ind := range got {
		ids = append(ids, ind.UserID)
	}
	assert.Equal(t, []string{"bob", "dave"}, ids)
	assert.Len(t, in, 4, "input is left untouched")
}

func TestRepository_UpdateUserPresence(t *testing.T) {
	ctx := context.Background()
	store := memory.NewDocStore()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	repo := NewRepository(store, func() time.Time { return now }, nil)

	t.Run("happy path - online with conversation", func(t *testing.T) {
		require.NoError(t, repo.UpdateUserPresence(ctx, "alice", chat.StatusOnline, "alice_bob"))
		doc, err := store.Get(ctx, docstore.Join(presenceCollection, "alice"))
		require.NoError(t, err)
		p, err := decodePresence(doc)
		require.NoError(t, err)
		assert.True(t, p.IsOnline)
		assert.Equal(t, chat.StatusOnline, p.Status)
		assert.Equal(t, "alice_bob", p.CurrentConversationID)
		assert.Equal(t, now.UnixMilli(), p.LastSeen)
	})

	t.Run("happy path - offline overwrites", func(t *testing.T) {
		require.NoError(t, repo.UpdateUserPresence(ctx, "alice", chat.StatusOffline, ""))
		doc, err := store.Get(ctx, docstore.Join(presenceCollection, "alice"))
		require.NoError(t, err)
		p, err := decodePresence(doc)
		require.NoError(t, err)
		assert.False(t, p.IsOnline)
		assert.Empty(t, p.CurrentConversationID)
	})

	t.Run("happy path - empty status means online", func(t *testing.T) {
		require.NoError(t, repo.UpdateUserPresence(ctx, "bob", "", ""))
		doc, err := store.Get(ctx, docstore.Join(presenceCollection, "bob"))
		require.NoError(t, err)
		p, err := decodePresence(doc)
		require.NoError(t, err)
		assert.Equal(t, chat.StatusOnline, p.Status)
	})
}

func TestRepository_ListenToUsersPresence(t *testing.T) {
	ctx := context.Background()
	store := memory.NewDocStore()
	repo := NewRepository(store, nil, nil)
	require.NoError(t, repo.UpdateUserPresence(ctx, "bob", chat.StatusAway, ""))

	var (
		mu   sync.Mutex
		last map[string]chat.UserPresence
	)
	unsub := repo.ListenToUsersPresence([]string{"bob", "carol"}, func(p map[string]chat.UserPresence) {
		mu.Lock()
		last = p
		mu.Unlock()
	}, nil)
	defer unsub()

	snapshot := func() map[string]chat.UserPresence {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
	assert.Eventually(t, func() bool {
		p := snapshot()
		return p["bob"].Status == chat.StatusAway
	}, time.Second, 5*time.Millisecond)
	assert.NotContains(t, snapshot(), "carol")

	require.NoError(t, repo.UpdateUserPresence(ctx, "carol", chat.StatusOnline, ""))
	assert.Eventually(t, func() bool {
		p := snapshot()
		return len(p) == 2 && p["carol"].IsOnline
	}, time.Second, 5*time.Millisecond)
}

func TestRepository_TypingIndicators(t *testing.T) {
	ctx := context.Background()
	store := memory.NewDocStore()
	repo := NewRepository(store, nil, nil)

	var (
		mu   sync.Mutex
		last []chat.TypingIndicator
	)
	unsub := repo.ListenToTypingIndicators("alice_bob", "alice", func(ts []chat.TypingIndicator) {
		mu.Lock()
		last = ts
		mu.Unlock()
	}, nil)
	defer unsub()
	typing := func() []chat.TypingIndicator {
		mu.Lock()
		defer mu.Unlock()
		return last
	}

	require.NoError(t, repo.SetTypingIndicator(ctx, "alice_bob", "alice", "Alice"))
	require.NoError(t, repo.SetTypingIndicator(ctx, "alice_bob", "bob", "Bob"))
	require.NoError(t, repo.SetTypingIndicator(ctx, "other_conv", "carol", "Carol"))

	assert.Eventually(t, func() bool {
		ts := typing()
		return len(ts) == 1 && ts[0].Username == "Bob"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, repo.ClearTypingIndicator(ctx, "alice_bob", "bob"))
	assert.Eventually(t, func() bool {
		return len(typing()) == 0
	}, time.Second, 5*time.Millisecond)

	t.Run("happy path - clearing twice is not an error", func(t *testing.T) {
		assert.NoError(t, repo.ClearTypingIndicator(ctx, "alice_bob", "bob"))
	})
}
