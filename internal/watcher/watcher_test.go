package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyagen/streamvault/internal/models"
	"github.com/voyagen/streamvault/internal/store"
)

func startWatcher(t *testing.T, libs LibraryLister) (*Watcher, chan uuid.UUID) {
	t.Helper()
	fired := make(chan uuid.UUID, 16)
	w, err := New(libs, func(id uuid.UUID) { fired <- id }, 50*time.Millisecond, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Close() })
	return w, fired
}

func waitFired(t *testing.T, fired <-chan uuid.UUID) uuid.UUID {
	t.Helper()
	select {
	case id := <-fired:
		return id
	case <-time.After(3 * time.Second):
		t.Fatal("trigger did not fire")
		return uuid.Nil
	}
}

func TestWatcherTriggersOnMediaFile(t *testing.T) {
	root := t.TempDir()
	mem := store.NewMemory()
	lib := &models.Library{Name: "movies", RootPath: root}
	require.NoError(t, mem.CreateLibrary(context.Background(), lib))
	_, fired := startWatcher(t, mem)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.mp4"), []byte("x"), 0o644))
	assert.Equal(t, lib.ID, waitFired(t, fired))
}

func TestWatcherDebouncesBursts(t *testing.T) {
	root := t.TempDir()
	mem := store.NewMemory()
	lib := &models.Library{Name: "music", RootPath: root}
	require.NoError(t, mem.CreateLibrary(context.Background(), lib))
	_, fired := startWatcher(t, mem)

	for _, name := range []string{"1.mp3", "2.mp3", "3.mp3"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte("x"), 0o644))
	}
	waitFired(t, fired)
	select {
	case <-fired:
		t.Fatal("burst produced more than one trigger")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcherFollowsNewDirectories(t *testing.T) {
	root := t.TempDir()
	mem := store.NewMemory()
	lib := &models.Library{Name: "shows", RootPath: root}
	require.NoError(t, mem.CreateLibrary(context.Background(), lib))
	_, fired := startWatcher(t, mem)

	sub := filepath.Join(root, "season1")
	require.NoError(t, os.Mkdir(sub, 0o755))
	waitFired(t, fired)

	require.NoError(t, os.WriteFile(filepath.Join(sub, "e01.mkv"), []byte("x"), 0o644))
	assert.Equal(t, lib.ID, waitFired(t, fired))
}

func TestWatcherIgnoresNonMedia(t *testing.T) {
	root := t.TempDir()
	mem := store.NewMemory()
	require.NoError(t, mem.CreateLibrary(context.Background(), &models.Library{Name: "x", RootPath: root}))
	_, fired := startWatcher(t, mem)

	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".hidden.mp4"), []byte("x"), 0o644))
	select {
	case <-fired:
		t.Fatal("unexpected trigger")
	case <-time.After(250 * time.Millisecond):
	}
}

func TestRefreshDropsDeletedLibraries(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	mem := store.NewMemory()
	lib := &models.Library{Name: "x", RootPath: root}
	require.NoError(t, mem.CreateLibrary(ctx, lib))
	w, _ := startWatcher(t, mem)
	assert.Equal(t, lib.ID, w.resolveLibrary(filepath.Join(root, "a.mp4")))

	require.NoError(t, mem.DeleteLibrary(ctx, lib.ID))
	require.NoError(t, w.Refresh(ctx))
	assert.Equal(t, uuid.Nil, w.resolveLibrary(filepath.Join(root, "a.mp4")))
	assert.Empty(t, w.watched)
}

func TestResolveLibraryPrefersDeepestRoot(t *testing.T) {
	w := &Watcher{roots: map[uuid.UUID]string{}}
	outer, inner := uuid.New(), uuid.New()
	w.roots[outer] = "/srv/media"
	w.roots[inner] = "/srv/media/kids"

	assert.Equal(t, inner, w.resolveLibrary("/srv/media/kids/film.mp4"))
	assert.Equal(t, outer, w.resolveLibrary("/srv/media/film.mp4"))
	assert.Equal(t, uuid.Nil, w.resolveLibrary("/srv/mediafiles/x.mp4"))
}
