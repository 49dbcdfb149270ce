package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/voyagen/streamvault/internal/cache"
	"github.com/voyagen/streamvault/internal/models"
)

// Cache TTLs for different entity types.
const (
	ttlLibraries = 2 * time.Minute
	ttlLibrary   = 5 * time.Minute
	ttlMedia     = 5 * time.Minute
)

// CachedStore wraps a Store with a Redis caching layer.
// Library and media lookups on the playback path are served from cache when
// possible; writes invalidate the relevant keys. Peer operations always go
// to the inner store because freshness is time-sensitive.
type CachedStore struct {
	inner Store
	cache *cache.Redis
	log   *zap.Logger
}

// NewCachedStore creates a CachedStore that wraps inner with Redis caching.
func NewCachedStore(inner Store, c *cache.Redis, log *zap.Logger) *CachedStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &CachedStore{inner: inner, cache: c, log: log}
}

// --- cached read operations ---

func (c *CachedStore) ListLibraries(ctx context.Context) ([]models.Library, error) {
	const key = "libraries:all"
	if v, err := cache.Get[[]models.Library](ctx, c.cache, key); err == nil {
		return v, nil
	}
	libs, err := c.inner.ListLibraries(ctx)
	if err != nil {
		return nil, err
	}
	c.set(ctx, key, libs, ttlLibraries)
	return libs, nil
}

func (c *CachedStore) GetLibrary(ctx context.Context, id uuid.UUID) (*models.Library, error) {
	key := "library:" + id.String()
	if v, err := cache.Get[models.Library](ctx, c.cache, key); err == nil {
		return &v, nil
	}
	lib, err := c.inner.GetLibrary(ctx, id)
	if err != nil {
		return nil, err
	}
	c.set(ctx, key, lib, ttlLibrary)
	return lib, nil
}

func (c *CachedStore) GetMedia(ctx context.Context, id uuid.UUID) (*models.Media, error) {
	key := "media:" + id.String()
	if v, err := cache.Get[models.Media](ctx, c.cache, key); err == nil {
		return &v, nil
	}
	m, err := c.inner.GetMedia(ctx, id)
	if err != nil {
		return nil, err
	}
	c.set(ctx, key, m, ttlMedia)
	return m, nil
}

// --- write operations with cache invalidation ---

func (c *CachedStore) CreateLibrary(ctx context.Context, lib *models.Library) error {
	if err := c.inner.CreateLibrary(ctx, lib); err != nil {
		return err
	}
	c.invalidate(ctx, "libraries:all")
	return nil
}

func (c *CachedStore) DeleteLibrary(ctx context.Context, id uuid.UUID) error {
	if err := c.inner.DeleteLibrary(ctx, id); err != nil {
		return err
	}
	c.invalidate(ctx, "library:"+id.String(), "libraries:all")
	// Cascaded media rows may still be cached individually.
	c.invalidatePattern(ctx, "media:*")
	return nil
}

func (c *CachedStore) InsertMedia(ctx context.Context, m *models.Media) error {
	return c.inner.InsertMedia(ctx, m)
}

func (c *CachedStore) DeleteMedia(ctx context.Context, id uuid.UUID) error {
	if err := c.inner.DeleteMedia(ctx, id); err != nil {
		return err
	}
	c.invalidate(ctx, "media:"+id.String())
	return nil
}

// --- passthrough (no caching) ---

func (c *CachedStore) FindMedia(ctx context.Context, libraryID uuid.UUID, filePath string) (*models.Media, error) {
	return c.inner.FindMedia(ctx, libraryID, filePath)
}

func (c *CachedStore) ListMedia(ctx context.Context, libraryID uuid.UUID) ([]models.Media, error) {
	return c.inner.ListMedia(ctx, libraryID)
}

func (c *CachedStore) UpsertPeer(ctx context.Context, p *models.Peer) error {
	return c.inner.UpsertPeer(ctx, p)
}

func (c *CachedStore) ListPeersSeenSince(ctx context.Context, since time.Time) ([]models.Peer, error) {
	return c.inner.ListPeersSeenSince(ctx, since)
}

func (c *CachedStore) DeletePeersSeenBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return c.inner.DeletePeersSeenBefore(ctx, cutoff)
}

// --- helpers ---

func (c *CachedStore) set(ctx context.Context, key string, v any, ttl time.Duration) {
	if err := cache.Set(ctx, c.cache, key, v, ttl); err != nil {
		c.log.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// invalidate deletes exact cache keys, logging any errors.
func (c *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if err := cache.Del(ctx, c.cache, keys...); err != nil && !errors.Is(err, redis.Nil) {
		c.log.Warn("cache del failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

// invalidatePattern deletes all keys matching the given glob patterns.
func (c *CachedStore) invalidatePattern(ctx context.Context, patterns ...string) {
	for _, p := range patterns {
		if err := cache.DelPattern(ctx, c.cache, p); err != nil {
			c.log.Warn("cache del pattern failed", zap.String("pattern", p), zap.Error(err))
		}
	}
}
