package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/app/docstore"
)

func TestDocStore_Updates(t *testing.T) {
	ctx := context.Background()
	s := NewDocStore()
	require.NoError(t, s.Set(ctx, "conversations/a_b", map[string]any{
		"participants": []any{"a", "b"},
		"unreadCount":  3,
		"deletedBy":    []any{},
		"lastMessage":  map[string]any{"id": "m1", "text": "hi"},
	}))

	t.Run("happy path - field operations", func(t *testing.T) {
		require.NoError(t, s.Update(ctx, "conversations/a_b", docstore.Updates{
			"unreadCount":      docstore.Increment(2),
			"deletedBy":        docstore.ArrayUnion("a", "a"),
			"lastMessage.text": "edited",
			"meta.muted":       true,
		}))
		doc, err := s.Get(ctx, "conversations/a_b")
		require.NoError(t, err)
		assert.Equal(t, int64(5), doc.Data["unreadCount"])
		assert.Equal(t, []any{"a"}, doc.Data["deletedBy"])
		assert.Equal(t, "edited", doc.Data["lastMessage"].(map[string]any)["text"])
		assert.Equal(t, true, doc.Data["meta"].(map[string]any)["muted"])
	})

	t.Run("happy path - remove and delete field", func(t *testing.T) {
		require.NoError(t, s.Update(ctx, "conversations/a_b", docstore.Updates{
			"deletedBy":   docstore.ArrayRemove("a"),
			"lastMessage": docstore.DeleteField(),
		}))
		doc, err := s.Get(ctx, "conversations/a_b")
		require.NoError(t, err)
		assert.Equal(t, []any{}, doc.Data["deletedBy"])
		assert.NotContains(t, doc.Data, "lastMessage")
	})

	t.Run("sad path - update missing document", func(t *testing.T) {
		err := s.Update(ctx, "conversations/nope", docstore.Updates{"x": 1})
		assert.ErrorIs(t, err, docstore.ErrNotFound)
	})

	t.Run("happy path - merge keeps untouched nested fields", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "conversations/a_b", map[string]any{
			"participantDetails": map[string]any{"a": map[string]any{"handle": "amy"}},
		}, docstore.Merge()))
		require.NoError(t, s.Set(ctx, "conversations/a_b", map[string]any{
			"participantDetails": map[string]any{"b": map[string]any{"handle": "bob"}},
		}, docstore.Merge()))
		doc, err := s.Get(ctx, "conversations/a_b")
		require.NoError(t, err)
		details := doc.Data["participantDetails"].(map[string]any)
		assert.Len(t, details, 2)
		assert.Equal(t, []any{"a", "b"}, doc.Data["participants"])
	})
}

func TestDocStore_BatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewDocStore()
	require.NoError(t, s.Set(ctx, "conversations/a_b", map[string]any{"unreadCount": 0}))

	b := s.Batch()
	b.Update("conversations/a_b", docstore.Updates{"unreadCount": docstore.Increment(1)})
	b.Create("conversations/a_b/messages/m1", map[string]any{"text": "one"})
	b.Create("conversations/a_b/messages/m1", map[string]any{"text": "dup"})
	require.Equal(t, 3, b.Len())

	err := b.Commit(ctx)
	require.ErrorIs(t, err, docstore.ErrAlreadyExists)

	doc, err := s.Get(ctx, "conversations/a_b")
	require.NoError(t, err)
	assert.Equal(t, int64(0), doc.Data["unreadCount"], "failed batch must not leave partial writes")
	_, err = s.Get(ctx, "conversations/a_b/messages/m1")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestDocStore_QueryCursor(t *testing.T) {
	ctx := context.Background()
	s := NewDocStore()
	for i, ts := range []int64{10, 20, 30, 40, 50} {
		require.NoError(t, s.Set(ctx, docstore.Join("conversations/c/messages", string(rune('a'+i))), map[string]any{
			"timestamp": ts,
		}))
	}
	coll := "conversations/c/messages"

	t.Run("happy path - most recent window", func(t *testing.T) {
		docs, err := s.Query(ctx, docstore.From(coll).OrderBy("timestamp", docstore.Desc).Limit(2))
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, int64(50), docs[0].Data["timestamp"])
		assert.Equal(t, int64(40), docs[1].Data["timestamp"])
	})

	t.Run("happy path - page before a cursor", func(t *testing.T) {
		docs, err := s.Query(ctx, docstore.From(coll).OrderBy("timestamp", docstore.Desc).StartAfter(40).Limit(2))
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, int64(30), docs[0].Data["timestamp"])
		assert.Equal(t, int64(20), docs[1].Data["timestamp"])
	})

	t.Run("happy path - array contains filter", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "conversations/x", map[string]any{"participants": []any{"a", "b"}}))
		require.NoError(t, s.Set(ctx, "conversations/y", map[string]any{"participants": []any{"c", "d"}}))
		docs, err := s.Query(ctx, docstore.From("conversations").Where("participants", docstore.OpArrayContains, "a"))
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "x", docs[0].ID)
	})
}

type snapshots struct {
	mu   sync.Mutex
	last []docstore.Document
	n    int
}

func (s *snapshots) record(docs []docstore.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = docs
	s.n++
}

func (s *snapshots) latest() ([]docstore.Document, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.n
}

func TestDocStore_SubscribeQuery(t *testing.T) {
	ctx := context.Background()
	s := NewDocStore()
	require.NoError(t, s.Set(ctx, "typingIndicators/c_a", map[string]any{"conversationId": "c"}))

	var got snapshots
	unsub := s.SubscribeQuery(docstore.From("typingIndicators").Where("conversationId", docstore.OpEqual, "c"), got.record, nil)

	require.Eventually(t, func() bool {
		docs, _ := got.latest()
		return len(docs) == 1
	}, time.Second, 5*time.Millisecond, "initial snapshot")

	require.NoError(t, s.Set(ctx, "typingIndicators/c_b", map[string]any{"conversationId": "c"}))
	require.Eventually(t, func() bool {
		docs, _ := got.latest()
		return len(docs) == 2
	}, time.Second, 5*time.Millisecond, "snapshot after write carries the full set")

	unsub()
	unsub()
	assert.Equal(t, 0, s.Subscribers())

	_, before := got.latest()
	require.NoError(t, s.Delete(ctx, "typingIndicators/c_a"))
	time.Sleep(20 * time.Millisecond)
	_, after := got.latest()
	assert.Equal(t, before, after, "no delivery after unsubscribe")
}

func TestDocStore_SubscribeDocument(t *testing.T) {
	ctx := context.Background()
	s := NewDocStore()

	var (
		mu   sync.Mutex
		seen []*docstore.Document
	)
	unsub := s.SubscribeDocument("userPresence/a", func(d *docstore.Document) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, d)
	}, nil)
	defer unsub()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1 && seen[0] == nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Set(ctx, "userPresence/a", map[string]any{"status": "online"}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		last := seen[len(seen)-1]
		return last != nil && last.Data["status"] == "online"
	}, time.Second, 5*time.Millisecond)
}
