package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyagen/streamvault/internal/cache"
	"github.com/voyagen/streamvault/internal/models"
)

// runCatalogSuite checks behaviour every Store implementation must share.
func runCatalogSuite(t *testing.T, s Store) {
	ctx := context.Background()

	lib := &models.Library{Name: "suite-" + uuid.NewString(), RootPath: "/srv/media"}
	require.NoError(t, s.CreateLibrary(ctx, lib))
	require.NotEqual(t, uuid.Nil, lib.ID)
	t.Cleanup(func() { _ = s.DeleteLibrary(context.Background(), lib.ID) })

	got, err := s.GetLibrary(ctx, lib.ID)
	require.NoError(t, err)
	assert.Equal(t, lib.RootPath, got.RootPath)

	now := time.Now().UTC().Truncate(time.Microsecond)
	item := &models.Media{
		ID: uuid.New(), LibraryID: lib.ID, Title: "a.mp4", FilePath: "dir/a.mp4",
		Kind: models.MediaKindVideo, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.InsertMedia(ctx, item))

	dup := *item
	dup.ID = uuid.New()
	assert.ErrorIs(t, s.InsertMedia(ctx, &dup), ErrDuplicate)

	found, err := s.FindMedia(ctx, lib.ID, "dir/a.mp4")
	require.NoError(t, err)
	assert.Equal(t, item.ID, found.ID)
	assert.Equal(t, models.MediaKindVideo, found.Kind)

	byID, err := s.GetMedia(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "dir/a.mp4", byID.FilePath)

	require.NoError(t, s.DeleteMedia(ctx, item.ID))
	_, err = s.GetMedia(ctx, item.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteMedia(ctx, item.ID), ErrNotFound)

	again := &models.Media{
		ID: uuid.New(), LibraryID: lib.ID, Title: "b.mp3", FilePath: "b.mp3",
		Kind: models.MediaKindAudio, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.InsertMedia(ctx, again))
	require.NoError(t, s.DeleteLibrary(ctx, lib.ID))
	_, err = s.GetMedia(ctx, again.ID)
	assert.ErrorIs(t, err, ErrNotFound, "media rows go with their library")
	_, err = s.GetLibrary(ctx, lib.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	peerID := "suite-" + uuid.NewString()
	p := &models.Peer{PeerID: peerID, IPAddress: "10.1.2.3", Port: 6881, LastSeen: now}
	require.NoError(t, s.UpsertPeer(ctx, p))
	firstID := p.ID
	p2 := &models.Peer{PeerID: peerID, IPAddress: "10.1.2.4", Port: 6882, LastSeen: now.Add(time.Second)}
	require.NoError(t, s.UpsertPeer(ctx, p2))
	assert.Equal(t, firstID, p2.ID)

	fresh, err := s.ListPeersSeenSince(ctx, now)
	require.NoError(t, err)
	var seen bool
	for _, fp := range fresh {
		if fp.PeerID == peerID {
			seen = true
			assert.Equal(t, "10.1.2.4", fp.IPAddress)
		}
	}
	assert.True(t, seen)

	n, err := s.DeletePeersSeenBefore(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
}

func TestMemoryCatalogSuite(t *testing.T) {
	runCatalogSuite(t, NewMemory())
}

func TestPostgresCatalogSuite(t *testing.T) {
	pg := newTestPostgres(t)
	runCatalogSuite(t, pg)
}

func TestCachedCatalogSuite(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	r, err := cache.New(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	require.NoError(t, r.Ping(context.Background()))

	runCatalogSuite(t, NewCachedStore(NewMemory(), r, nil))
}

func TestCachedStoreInvalidatesOnDelete(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	r, err := cache.New(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	ctx := context.Background()
	cs := NewCachedStore(NewMemory(), r, nil)
	lib := &models.Library{Name: "cached", RootPath: "/x"}
	require.NoError(t, cs.CreateLibrary(ctx, lib))
	_, err = cs.GetLibrary(ctx, lib.ID) // populate
	require.NoError(t, err)

	require.NoError(t, cs.DeleteLibrary(ctx, lib.ID))
	_, err = cs.GetLibrary(ctx, lib.ID)
	assert.ErrorIs(t, err, ErrNotFound, "stale cache entry must not survive a delete")
}

// newTestPostgres migrates and connects to DATABASE_TEST_URL; skipped without it.
func newTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("DATABASE_TEST_URL")
	if dsn == "" {
		t.Skip("DATABASE_TEST_URL not set")
	}
	ctx := context.Background()
	require.NoError(t, EnsureDatabase(ctx, dsn, 10*time.Second))
	require.NoError(t, RunMigrations(dsn, "file://../../migrations"))
	pg, err := NewPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pg.Close)
	return pg
}
