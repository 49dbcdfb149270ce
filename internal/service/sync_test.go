package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyagen/streamvault/internal/models"
	"github.com/voyagen/streamvault/internal/store"
)

func writeFile(t *testing.T, root, rel string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte("data:"+rel), 0o644))
}

func newTestLibrary(t *testing.T, cat store.Catalog, root string) *models.Library {
	t.Helper()
	lib := &models.Library{Name: "test", RootPath: root}
	require.NoError(t, cat.CreateLibrary(context.Background(), lib))
	return lib
}

func catalogPaths(t *testing.T, cat store.Catalog, libraryID uuid.UUID) map[string]models.Media {
	t.Helper()
	items, err := cat.ListMedia(context.Background(), libraryID)
	require.NoError(t, err)
	out := make(map[string]models.Media, len(items))
	for _, it := range items {
		out[it.FilePath] = it
	}
	return out
}

func keys(m map[string]models.Media) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestSyncDiscoversClassifiableFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.mp4")
	writeFile(t, root, "b.txt")
	writeFile(t, root, "music/c.mp3")

	mem := store.NewMemory()
	lib := newTestLibrary(t, mem, root)
	s := NewSynchronizer(mem, SyncConfig{}, nil)

	res, err := s.SyncLibrary(context.Background(), lib.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.FilesSeen)
	assert.Equal(t, 2, res.Added)
	assert.Zero(t, res.Removed)

	got := catalogPaths(t, mem, lib.ID)
	assert.Equal(t, []string{"a.mp4", "music/c.mp3"}, keys(got))
	assert.Equal(t, models.MediaKindVideo, got["a.mp4"].Kind)
	assert.Equal(t, models.MediaKindAudio, got["music/c.mp3"].Kind)
	assert.Equal(t, "c.mp3", got["music/c.mp3"].Title)
}

func TestSyncIsIdempotent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.mp4")
	writeFile(t, root, "x/y/z.flac")

	mem := store.NewMemory()
	lib := newTestLibrary(t, mem, root)
	s := NewSynchronizer(mem, SyncConfig{}, nil)

	_, err := s.Sync(context.Background(), lib.ID, root)
	require.NoError(t, err)
	first := catalogPaths(t, mem, lib.ID)

	res, err := s.Sync(context.Background(), lib.ID, root)
	require.NoError(t, err)
	assert.Zero(t, res.Added)
	assert.Zero(t, res.Removed)
	assert.Equal(t, first, catalogPaths(t, mem, lib.ID))
}

func TestSyncRemovesOrphansAndReassignsIDs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.mp4")

	mem := store.NewMemory()
	lib := newTestLibrary(t, mem, root)
	s := NewSynchronizer(mem, SyncConfig{}, nil)
	ctx := context.Background()

	_, err := s.Sync(ctx, lib.ID, root)
	require.NoError(t, err)
	oldID := catalogPaths(t, mem, lib.ID)["a.mp4"].ID

	require.NoError(t, os.Remove(filepath.Join(root, "a.mp4")))
	res, err := s.Sync(ctx, lib.ID, root)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	assert.Empty(t, catalogPaths(t, mem, lib.ID))

	writeFile(t, root, "a.mp4")
	_, err = s.Sync(ctx, lib.ID, root)
	require.NoError(t, err)
	recreated := catalogPaths(t, mem, lib.ID)["a.mp4"]
	assert.NotEqual(t, oldID, recreated.ID, "a re-created file is a new item")
}

func TestSyncMissingRootKeepsCatalog(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.mp4")

	mem := store.NewMemory()
	lib := newTestLibrary(t, mem, root)
	s := NewSynchronizer(mem, SyncConfig{}, nil)
	_, err := s.Sync(context.Background(), lib.ID, root)
	require.NoError(t, err)

	_, err = s.Sync(context.Background(), lib.ID, filepath.Join(root, "gone"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRootUnavailable)
	var se *SyncError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, PhaseRoot, se.Phase)
	assert.Len(t, catalogPaths(t, mem, lib.ID), 1)
}

func TestSyncTerminatesOnSymlinkCycle(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "sub/a.mkv")
	if err := os.Symlink("..", filepath.Join(root, "sub", "loop")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	mem := store.NewMemory()
	lib := newTestLibrary(t, mem, root)
	s := NewSynchronizer(mem, SyncConfig{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := s.Sync(ctx, lib.ID, root)
	require.NoError(t, err)
	assert.Equal(t, []string{"sub/a.mkv"}, keys(catalogPaths(t, mem, lib.ID)))
	assert.GreaterOrEqual(t, res.Skipped, 1)
}

func TestSyncFollowsDirectorySymlinks(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	writeFile(t, outside, "ext.png")
	if err := os.Symlink(outside, filepath.Join(root, "linked")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	mem := store.NewMemory()
	lib := newTestLibrary(t, mem, root)
	_, err := NewSynchronizer(mem, SyncConfig{}, nil).Sync(context.Background(), lib.ID, root)
	require.NoError(t, err)
	assert.Equal(t, []string{"linked/ext.png"}, keys(catalogPaths(t, mem, lib.ID)))
}

func TestSyncRespectsMaxDepth(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "top.mp4")
	writeFile(t, root, "d1/d2/deep.mp4")

	mem := store.NewMemory()
	lib := newTestLibrary(t, mem, root)
	_, err := NewSynchronizer(mem, SyncConfig{MaxDepth: 1}, nil).Sync(context.Background(), lib.ID, root)
	require.NoError(t, err)
	assert.Equal(t, []string{"top.mp4"}, keys(catalogPaths(t, mem, lib.ID)))
}

func TestSyncCancelled(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.mp4")

	mem := store.NewMemory()
	lib := newTestLibrary(t, mem, root)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSynchronizer(mem, SyncConfig{}, nil).Sync(ctx, lib.ID, root)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, catalogPaths(t, mem, lib.ID))
}

type failingInsert struct {
	store.Catalog
}

var errBoom = errors.New("boom")

func (f failingInsert) InsertMedia(context.Context, *models.Media) error { return errBoom }

func TestSyncStoreFailureReturnsSyncError(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.mp4")

	mem := store.NewMemory()
	lib := newTestLibrary(t, mem, root)
	res, err := NewSynchronizer(failingInsert{mem}, SyncConfig{}, nil).Sync(context.Background(), lib.ID, root)

	var se *SyncError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, PhaseDiscovery, se.Phase)
	assert.Equal(t, lib.ID, se.LibraryID)
	assert.ErrorIs(t, err, errBoom)
	require.NotNil(t, res)
	assert.Zero(t, res.Added)
}

// slowCatalog records how many ListMedia calls overlap per library.
type slowCatalog struct {
	store.Catalog
	active, peak int32
}

func (s *slowCatalog) ListMedia(ctx context.Context, id uuid.UUID) ([]models.Media, error) {
	n := atomic.AddInt32(&s.active, 1)
	defer atomic.AddInt32(&s.active, -1)
	for {
		p := atomic.LoadInt32(&s.peak)
		if n <= p || atomic.CompareAndSwapInt32(&s.peak, p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return s.Catalog.ListMedia(ctx, id)
}

func TestSyncSerializesSameLibrary(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.mp4")
	writeFile(t, root, "b.mp4")

	mem := store.NewMemory()
	lib := newTestLibrary(t, mem, root)
	cat := &slowCatalog{Catalog: mem}
	s := NewSynchronizer(cat, SyncConfig{}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Sync(context.Background(), lib.ID, root)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&cat.peak))
	assert.Len(t, catalogPaths(t, mem, lib.ID), 2, "no duplicates after concurrent scans")
}

func TestSyncAllReportsEachLibrary(t *testing.T) {
	good := t.TempDir()
	writeFile(t, good, "a.mp4")

	mem := store.NewMemory()
	okLib := newTestLibrary(t, mem, good)
	badLib := &models.Library{Name: "broken", RootPath: filepath.Join(good, "missing")}
	require.NoError(t, mem.CreateLibrary(context.Background(), badLib))

	results, err := NewSynchronizer(mem, SyncConfig{Workers: 2}, nil).SyncAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRootUnavailable)
	require.Len(t, results, 2)
	assert.Len(t, catalogPaths(t, mem, okLib.ID), 1, "one failing library does not stop the others")
}

func TestSyncLibraryUnknown(t *testing.T) {
	_, err := NewSynchronizer(store.NewMemory(), SyncConfig{}, nil).SyncLibrary(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}
