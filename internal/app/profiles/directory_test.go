package profiles

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/domain/chat"
	"chatsync/internal/infra/storage/memory"
)

type fakeCache struct {
	entries map[string]chat.UserProfile
	getErr  error
	setErr  error
	deleted []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string]chat.UserProfile{}}
}

func (c *fakeCache) Get(_ context.Context, uid string) (chat.UserProfile, bool, error) {
	if c.getErr != nil {
		return chat.UserProfile{}, false, c.getErr
	}
	p, ok := c.entries[uid]
	return p, ok, nil
}

func (c *fakeCache) Set(_ context.Context, p chat.UserProfile) error {
	if c.setErr != nil {
		return c.setErr
	}
	c.entries[p.UID] = p
	return nil
}

func (c *fakeCache) Delete(_ context.Context, uid string) error {
	delete(c.entries, uid)
	c.deleted = append(c.deleted, uid)
	return nil
}

type countingDirectory struct {
	Directory
	calls int
}

func (d *countingDirectory) Profile(ctx context.Context, uid string) (chat.UserProfile, error) {
	d.calls++
	return d.Directory.Profile(ctx, uid)
}

func TestStoreDirectory_Profile(t *testing.T) {
	ctx := context.Background()
	store := memory.NewDocStore()
	require.NoError(t, SaveProfile(ctx, store, chat.UserProfile{UID: "bob", Handle: "bobby", DisplayName: "Bob", AvatarURL: "https://img/bob.png"}))
	dir := StoreDirectory{Store: store}

	t.Run("happy path - stored profile", func(t *testing.T) {
		p, err := dir.Profile(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, chat.UserProfile{UID: "bob", Handle: "bobby", DisplayName: "Bob", AvatarURL: "https://img/bob.png"}, p)
	})

	t.Run("sad path - unknown user", func(t *testing.T) {
		_, err := dir.Profile(ctx, "ghost")
		assert.ErrorIs(t, err, ErrProfileNotFound)
	})
}

func TestCachedDirectory_Profile(t *testing.T) {
	ctx := context.Background()
	store := memory.NewDocStore()
	require.NoError(t, SaveProfile(ctx, store, chat.UserProfile{UID: "bob", Handle: "bobby"}))

	t.Run("happy path - second lookup is served from cache", func(t *testing.T) {
		source := &countingDirectory{Directory: StoreDirectory{Store: store}}
		cache := newFakeCache()
		dir := CachedDirectory{Source: source, Cache: cache}

		for i := 0; i < 3; i++ {
			p, err := dir.Profile(ctx, "bob")
			require.NoError(t, err)
			assert.Equal(t, "bobby", p.Name())
		}
		assert.Equal(t, 1, source.calls)
	})

	t.Run("happy path - cache failures fall through to the source", func(t *testing.T) {
		source := &countingDirectory{Directory: StoreDirectory{Store: store}}
		cache := newFakeCache()
		cache.getErr = errors.New("redis down")
		cache.setErr = errors.New("redis down")
		dir := CachedDirectory{Source: source, Cache: cache}

		p, err := dir.Profile(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, "bob", p.UID)
		assert.Equal(t, 1, source.calls)
	})

	t.Run("happy path - invalidate drops the entry", func(t *testing.T) {
		cache := newFakeCache()
		dir := CachedDirectory{Source: StoreDirectory{Store: store}, Cache: cache}
		_, err := dir.Profile(ctx, "bob")
		require.NoError(t, err)

		require.NoError(t, dir.Invalidate(ctx, "bob"))
		assert.NotContains(t, cache.entries, "bob")
		assert.Equal(t, []string{"bob"}, cache.deleted)
	})

	t.Run("sad path - source errors are returned and not cached", func(t *testing.T) {
		cache := newFakeCache()
		dir := CachedDirectory{Source: StoreDirectory{Store: store}, Cache: cache}
		_, err := dir.Profile(ctx, "ghost")
		assert.ErrorIs(t, err, ErrProfileNotFound)
		assert.Empty(t, cache.entries)
	})
}
