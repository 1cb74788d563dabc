package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"chatsync/internal/app/profiles"
	"chatsync/internal/domain/chat"
)

const defaultProfileTTL = 10 * time.Minute

// ProfileCache keeps resolved user profiles in Redis with a TTL.
type ProfileCache struct {
	client *goredis.Client
	ttl    time.Duration
	prefix string
}

func NewClient(addr, password string, db int) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewProfileCache(client *goredis.Client, ttl time.Duration) *ProfileCache {
	if ttl <= 0 {
		ttl = defaultProfileTTL
	}
	return &ProfileCache{client: client, ttl: ttl, prefix: "chatsync:profile:"}
}

func (c *ProfileCache) key(uid string) string {
	return c.prefix + uid
}

func (c *ProfileCache) Get(ctx context.Context, uid string) (chat.UserProfile, bool, error) {
	raw, err := c.client.Get(ctx, c.key(uid)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return chat.UserProfile{}, false, nil
	}
	if err != nil {
		return chat.UserProfile{}, false, fmt.Errorf("redis: get profile: %w", err)
	}
	var p chat.UserProfile
	if err := json.Unmarshal(raw, &p); err != nil {
		return chat.UserProfile{}, false, fmt.Errorf("redis: decode profile: %w", err)
	}
	return p, true, nil
}

func (c *ProfileCache) Set(ctx context.Context, p chat.UserProfile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.key(p.UID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set profile: %w", err)
	}
	return nil
}

func (c *ProfileCache) Delete(ctx context.Context, uid string) error {
	if err := c.client.Del(ctx, c.key(uid)).Err(); err != nil {
		return fmt.Errorf("redis: delete profile: %w", err)
	}
	return nil
}

var _ profiles.Cache = (*ProfileCache)(nil)
