package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/voyagen/streamvault/internal/classifier"
	"github.com/voyagen/streamvault/internal/models"
	"github.com/voyagen/streamvault/internal/store"
)

const (
	defaultMaxDepth    = 64
	defaultScanWorkers = 4
)

// Locker acquires a named exclusive lock, blocking until it is free or ctx ends.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// SyncConfig tunes a Synchronizer. Zero values select defaults.
type SyncConfig struct {
	// MaxDepth bounds directory recursion below the library root.
	MaxDepth int
	// Workers bounds how many libraries SyncAll scans at once.
	Workers int
	// Locker, when set, is taken in addition to the in-process lock so that
	// several server processes sharing one catalog also serialize.
	Locker Locker
}

// SyncResult summarizes one library synchronization.
type SyncResult struct {
	LibraryID uuid.UUID     `json:"library_id"`
	FilesSeen int           `json:"files_seen"`
	Added     int           `json:"added"`
	Removed   int           `json:"removed"`
	Skipped   int           `json:"skipped"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
}

// Synchronizer reconciles library directory trees with the catalog.
type Synchronizer struct {
	catalog  store.Catalog
	locks    KeyedMutex
	remote   Locker
	maxDepth int
	workers  int
	log      *zap.Logger

	now   func() time.Time
	newID func() uuid.UUID
}

// NewSynchronizer returns a Synchronizer writing to catalog.
func NewSynchronizer(catalog store.Catalog, cfg SyncConfig, log *zap.Logger) *Synchronizer {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaultMaxDepth
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultScanWorkers
	}
	return &Synchronizer{
		catalog:  catalog,
		remote:   cfg.Locker,
		maxDepth: cfg.MaxDepth,
		workers:  cfg.Workers,
		log:      log.Named("sync"),
		now:      time.Now,
		newID:    uuid.New,
	}
}

// SyncLibrary looks the library up in the catalog and synchronizes it.
func (s *Synchronizer) SyncLibrary(ctx context.Context, libraryID uuid.UUID) (*SyncResult, error) {
	lib, err := s.catalog.GetLibrary(ctx, libraryID)
	if err != nil {
		return nil, fmt.Errorf("library %s: %w", libraryID, err)
	}
	return s.Sync(ctx, lib.ID, lib.RootPath)
}

// SyncAll synchronizes every library, up to Workers at a time. A failing
// library does not stop the others; all failures are joined.
func (s *Synchronizer) SyncAll(ctx context.Context) ([]SyncResult, error) {
	libs, err := s.catalog.ListLibraries(ctx)
	if err != nil {
		return nil, fmt.Errorf("list libraries: %w", err)
	}

	results := make([]SyncResult, len(libs))
	errs := make([]error, len(libs))
	var g errgroup.Group
	g.SetLimit(s.workers)
	for i := range libs {
		lib := libs[i]
		g.Go(func() error {
			res, err := s.Sync(ctx, lib.ID, lib.RootPath)
			if res != nil {
				results[i] = *res
			}
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

// Sync reconciles the catalog entries of one library with the tree at root.
// The orphan pass runs first and deletes rows whose file is gone; the
// discovery pass then inserts rows for classifiable files not yet catalogued.
// Scans of the same library are serialized. On error the partial result is
// returned alongside a *SyncError; committed changes are not rolled back.
func (s *Synchronizer) Sync(ctx context.Context, libraryID uuid.UUID, root string) (*SyncResult, error) {
	res := &SyncResult{LibraryID: libraryID, StartedAt: s.now()}
	fail := func(phase string, err error) (*SyncResult, error) {
		res.Duration = time.Since(res.StartedAt)
		return res, &SyncError{LibraryID: libraryID, Phase: phase, Err: err}
	}

	key := "library:" + libraryID.String()
	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return fail(PhaseLock, err)
	}
	defer unlock()
	if s.remote != nil {
		unlockRemote, err := s.remote.Lock(ctx, key)
		if err != nil {
			return fail(PhaseLock, err)
		}
		defer unlockRemote()
	}

	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		// A missing mount must not look like every file was deleted.
		return fail(PhaseRoot, fmt.Errorf("%w: %s", ErrRootUnavailable, root))
	}

	log := s.log.With(zap.String("library_id", libraryID.String()), zap.String("root", root))
	log.Info("sync started")

	if err := s.removeOrphans(ctx, libraryID, root, res, log); err != nil {
		return fail(PhaseOrphan, err)
	}

	w := &walker{maxDepth: s.maxDepth, visited: make(map[string]struct{}), log: log, skipped: &res.Skipped}
	err = w.walk(ctx, root, func(rel string) error {
		return s.discover(ctx, libraryID, rel, res)
	})
	if err != nil {
		return fail(PhaseDiscovery, err)
	}

	res.Duration = time.Since(res.StartedAt)
	log.Info("sync finished",
		zap.Int("files_seen", res.FilesSeen),
		zap.Int("added", res.Added),
		zap.Int("removed", res.Removed),
		zap.Int("skipped", res.Skipped),
		zap.Duration("elapsed", res.Duration))
	return res, nil
}

func (s *Synchronizer) removeOrphans(ctx context.Context, libraryID uuid.UUID, root string, res *SyncResult, log *zap.Logger) error {
	items, err := s.catalog.ListMedia(ctx, libraryID)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		full := filepath.Join(root, filepath.FromSlash(item.FilePath))
		info, err := os.Stat(full)
		switch {
		case err == nil && info.Mode().IsRegular():
			continue
		case err != nil && !errors.Is(err, fs.ErrNotExist):
			// Existence unknown (e.g. permission denied); keep the row.
			log.Debug("orphan check skipped", zap.String("path", item.FilePath), zap.Error(err))
			res.Skipped++
			continue
		}
		if err := s.catalog.DeleteMedia(ctx, item.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		res.Removed++
		log.Debug("media removed", zap.String("path", item.FilePath), zap.String("media_id", item.ID.String()))
	}
	return nil
}

func (s *Synchronizer) discover(ctx context.Context, libraryID uuid.UUID, rel string, res *SyncResult) error {
	res.FilesSeen++
	kind, ok := classifier.Classify(rel)
	if !ok {
		return nil
	}

	_, err := s.catalog.FindMedia(ctx, libraryID, rel)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	now := s.now().UTC()
	item := &models.Media{
		ID:        s.newID(),
		LibraryID: libraryID,
		Title:     path.Base(rel),
		FilePath:  rel,
		Kind:      kind,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.catalog.InsertMedia(ctx, item); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil
		}
		return err
	}
	res.Added++
	return nil
}

// walker visits regular files under a root, following symbolic links.
// Directories are tracked by resolved path so link cycles terminate.
type walker struct {
	maxDepth int
	visited  map[string]struct{}
	log      *zap.Logger
	skipped  *int
}

func (w *walker) walk(ctx context.Context, root string, visit func(rel string) error) error {
	return w.walkDir(ctx, root, "", 0, visit)
}

func (w *walker) walkDir(ctx context.Context, dir, rel string, depth int, visit func(string) error) error {
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		w.skip(rel, err)
		return nil
	}
	if _, seen := w.visited[resolved]; seen {
		w.log.Debug("directory already visited (link cycle or alias)", zap.String("path", rel))
		*w.skipped++
		return nil
	}
	w.visited[resolved] = struct{}{}

	// ReadDir returns whatever it read before an error; keep going with that.
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.skip(rel, err)
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		full := filepath.Join(dir, e.Name())
		childRel := path.Join(rel, e.Name())

		info, err := os.Stat(full)
		if err != nil {
			w.skip(childRel, err)
			continue
		}
		switch {
		case info.IsDir():
			if depth+1 > w.maxDepth {
				w.skip(childRel, fmt.Errorf("max depth %d exceeded", w.maxDepth))
				continue
			}
			if err := w.walkDir(ctx, full, childRel, depth+1, visit); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			if err := visit(childRel); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *walker) skip(rel string, err error) {
	*w.skipped++
	w.log.Debug("walk entry skipped", zap.String("path", rel), zap.Error(err))
}
