package membership

import (
	"context"
	"errors"
	"time"

	"gatebot/internal/storage"
)

// Store is the part of the user store the cache needs.
type Store interface {
	GetUser(ctx context.Context, userID int64) (storage.User, error)
	SaveMembership(ctx context.Context, userID int64, isMember bool, at time.Time) error
}

// Cache is the persisted aggregate membership with one TTL for every caller.
type Cache struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

func NewCache(store Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Cache{store: store, ttl: ttl, now: time.Now}
}

func (c *Cache) TTL() time.Duration { return c.ttl }

// IsMemberCached reports a fresh positive answer. A missing user, a stale
// check or a negative aggregate all read as false.
func (c *Cache) IsMemberCached(ctx context.Context, userID int64) (bool, error) {
	u, err := c.store.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !u.IsMember || u.LastChecked.IsZero() {
		return false, nil
	}
	return c.now().Sub(u.LastChecked) < c.ttl, nil
}

// Refresh persists the aggregate and the check time of r, including when
// some lookups failed.
func (c *Cache) Refresh(ctx context.Context, r Result) error {
	at := r.CheckedAt
	if at.IsZero() {
		at = c.now()
	}
	return c.store.SaveMembership(ctx, r.UserID, r.MemberOfAll(), at)
}
