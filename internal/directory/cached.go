package directory

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// PlaceholderName is shown for identities the directory could not resolve.
const PlaceholderName = "Unknown user"

var _ interfaces.UserDirectory = (*Cached)(nil)

// Cached memoizes successful lookups for ttl. A failed lookup is not cached
// and resolves to a placeholder, so GetUser never returns an error.
type Cached struct {
	inner  interfaces.UserDirectory
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	user    types.User
	expires time.Time
}

func NewCached(inner interfaces.UserDirectory, ttl time.Duration, logger *zap.Logger) *Cached {
	return &Cached{
		inner:   inner,
		ttl:     ttl,
		logger:  logger.Named("directory"),
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// Placeholder is the identity used when a lookup fails.
func Placeholder(userID string) *types.User {
	return &types.User{ID: userID, Name: PlaceholderName, Role: "unknown"}
}

func (c *Cached) GetUser(ctx context.Context, userID string) (*types.User, error) {
	now := c.now()

	c.mu.RLock()
	entry, ok := c.entries[userID]
	c.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		u := entry.user
		return &u, nil
	}

	user, err := c.inner.GetUser(ctx, userID)
	if err != nil || user == nil {
		c.logger.Debug("user_lookup_failed", zap.String("user_id", userID), zap.Error(err))
		return Placeholder(userID), nil
	}

	c.mu.Lock()
	c.entries[userID] = cacheEntry{user: *user, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return user, nil
}

// Invalidate drops a cached identity.
func (c *Cached) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}
