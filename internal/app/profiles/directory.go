// Package profiles resolves user profiles that the sync layer denormalizes
// into conversations and messages.
package profiles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"chatsync/internal/app/docstore"
	"chatsync/internal/domain/chat"
)

var ErrProfileNotFound = errors.New("profiles: user not found")

type Directory interface {
	Profile(ctx context.Context, uid string) (chat.UserProfile, error)
}

// Invalidator is implemented by directories that cache profiles.
type Invalidator interface {
	Invalidate(ctx context.Context, uid string) error
}

const usersCollection = "users"

type userDocument struct {
	UID         string `bson:"uid"`
	Username    string `bson:"username"`
	DisplayName string `bson:"displayName"`
	PhotoURL    string `bson:"photoURL"`
}

// StoreDirectory reads profiles from the users collection.
type StoreDirectory struct {
	Store docstore.Store
}

func (d StoreDirectory) Profile(ctx context.Context, uid string) (chat.UserProfile, error) {
	doc, err := d.Store.Get(ctx, docstore.Join(usersCollection, uid))
	if errors.Is(err, docstore.ErrNotFound) {
		return chat.UserProfile{}, fmt.Errorf("%w: %s", ErrProfileNotFound, uid)
	}
	if err != nil {
		return chat.UserProfile{}, fmt.Errorf("load profile %s: %w", uid, err)
	}
	var u userDocument
	if err := doc.Decode(&u); err != nil {
		return chat.UserProfile{}, err
	}
	return chat.UserProfile{UID: uid, Handle: u.Username, DisplayName: u.DisplayName, AvatarURL: u.PhotoURL}, nil
}

// SaveProfile writes a profile document. It backs fixtures and the demo
// process; account management lives outside this module.
func SaveProfile(ctx context.Context, store docstore.Store, p chat.UserProfile) error {
	data, err := docstore.Encode(userDocument{UID: p.UID, Username: p.Handle, DisplayName: p.DisplayName, PhotoURL: p.AvatarURL})
	if err != nil {
		return err
	}
	return store.Set(ctx, docstore.Join(usersCollection, p.UID), data, docstore.Merge())
}

// Cache stores resolved profiles shared between sessions.
type Cache interface {
	Get(ctx context.Context, uid string) (chat.UserProfile, bool, error)
	Set(ctx context.Context, p chat.UserProfile) error
	Delete(ctx context.Context, uid string) error
}

// CachedDirectory consults Cache before Source. Cache failures are logged
// and never fail a lookup.
type CachedDirectory struct {
	Source Directory
	Cache  Cache
	Logger *slog.Logger
}

func (d CachedDirectory) Profile(ctx context.Context, uid string) (chat.UserProfile, error) {
	if d.Cache != nil {
		p, ok, err := d.Cache.Get(ctx, uid)
		if err != nil {
			d.logger().Warn("profile cache read failed", "user_id", uid, "error", err)
		} else if ok {
			return p, nil
		}
	}
	p, err := d.Source.Profile(ctx, uid)
	if err != nil {
		return chat.UserProfile{}, err
	}
	if d.Cache != nil {
		if err := d.Cache.Set(ctx, p); err != nil {
			d.logger().Warn("profile cache write failed", "user_id", uid, "error", err)
		}
	}
	return p, nil
}

func (d CachedDirectory) Invalidate(ctx context.Context, uid string) error {
	if d.Cache == nil {
		return nil
	}
	return d.Cache.Delete(ctx, uid)
}

func (d CachedDirectory) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

var (
	_ Directory   = StoreDirectory{}
	_ Directory   = CachedDirectory{}
	_ Invalidator = CachedDirectory{}
)
