// Package watcher turns filesystem changes under library roots into
// debounced rescan requests.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voyagen/streamvault/internal/classifier"
	"github.com/voyagen/streamvault/internal/models"
)

// Trigger is called once per debounce window for a library that changed.
type Trigger func(libraryID uuid.UUID)

// LibraryLister supplies the libraries to watch.
type LibraryLister interface {
	ListLibraries(ctx context.Context) ([]models.Library, error)
}

// Watcher monitors library folders for filesystem changes.
type Watcher struct {
	libs    LibraryLister
	trigger Trigger
	delay   time.Duration
	fw      *fsnotify.Watcher
	log     *zap.Logger

	mu       sync.Mutex
	roots    map[uuid.UUID]string // library ID → root
	watched  map[string]uuid.UUID // directory → library ID
	debounce map[uuid.UUID]*time.Timer

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a filesystem watcher. delay is the quiet period after the last
// event before trigger fires.
func New(libs LibraryLister, trigger Trigger, delay time.Duration, log *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if delay <= 0 {
		delay = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		libs:     libs,
		trigger:  trigger,
		delay:    delay,
		fw:       fw,
		log:      log.Named("watcher"),
		roots:    make(map[uuid.UUID]string),
		watched:  make(map[string]uuid.UUID),
		debounce: make(map[uuid.UUID]*time.Timer),
		stop:     make(chan struct{}),
	}, nil
}

// Start loads the libraries and begins processing events in the background.
func (w *Watcher) Start(ctx context.Context) error {
	go w.eventLoop()
	if err := w.Refresh(ctx); err != nil {
		return err
	}
	w.log.Info("filesystem watcher started")
	return nil
}

// Close stops the watcher and cancels pending triggers.
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stop)
		w.mu.Lock()
		for id, t := range w.debounce {
			t.Stop()
			delete(w.debounce, id)
		}
		w.mu.Unlock()
		err = w.fw.Close()
	})
	return err
}

// Refresh reconciles the watched folders with the catalog's libraries.
func (w *Watcher) Refresh(ctx context.Context) error {
	libs, err := w.libs.ListLibraries(ctx)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	desired := make(map[uuid.UUID]string, len(libs))
	for _, lib := range libs {
		desired[lib.ID] = filepath.Clean(lib.RootPath)
	}

	for dir, id := range w.watched {
		if root, ok := desired[id]; !ok || root != w.roots[id] {
			_ = w.fw.Remove(dir)
			delete(w.watched, dir)
		}
	}
	for id := range w.roots {
		if _, ok := desired[id]; !ok {
			delete(w.roots, id)
			if t, ok := w.debounce[id]; ok {
				t.Stop()
				delete(w.debounce, id)
			}
		}
	}

	for id, root := range desired {
		if w.roots[id] == root {
			continue
		}
		w.roots[id] = root
		w.addRecursive(root, id)
	}

	w.log.Info("watching libraries", zap.Int("libraries", len(w.roots)), zap.Int("directories", len(w.watched)))
	return nil
}

// addRecursive must be called with mu held.
func (w *Watcher) addRecursive(root string, id uuid.UUID) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.log.Debug("watch skipped", zap.String("path", path), zap.Error(err))
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if _, ok := w.watched[path]; ok {
			return nil
		}
		if err := w.fw.Add(path); err != nil {
			w.log.Debug("watch add failed", zap.String("path", path), zap.Error(err))
			return nil
		}
		w.watched[path] = id
		return nil
	})
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", zap.Error(err))
		case <-w.stop:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".tmp") || strings.HasSuffix(base, ".part") {
		return
	}
	created := event.Has(fsnotify.Create)
	gone := event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
	if !created && !gone {
		return
	}

	id := w.resolveLibrary(event.Name)
	if id == uuid.Nil {
		return
	}

	if created {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.mu.Lock()
			w.addRecursive(event.Name, id)
			w.mu.Unlock()
			w.schedule(id)
			return
		}
	}
	if gone {
		w.mu.Lock()
		_, wasDir := w.watched[event.Name]
		delete(w.watched, event.Name)
		w.mu.Unlock()
		if wasDir {
			w.schedule(id)
			return
		}
	}

	if _, ok := classifier.Classify(event.Name); ok {
		w.schedule(id)
	}
}

// schedule restarts the library's debounce timer.
func (w *Watcher) schedule(id uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounce[id]; ok {
		t.Stop()
	}
	w.debounce[id] = time.AfterFunc(w.delay, func() {
		w.mu.Lock()
		delete(w.debounce, id)
		w.mu.Unlock()
		select {
		case <-w.stop:
			return
		default:
		}
		w.log.Debug("library changed", zap.String("library_id", id.String()))
		w.trigger(id)
	})
}

// resolveLibrary returns the library whose root is the longest prefix of path.
func (w *Watcher) resolveLibrary(path string) uuid.UUID {
	w.mu.Lock()
	defer w.mu.Unlock()
	var best uuid.UUID
	bestLen := -1
	for id, root := range w.roots {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		if len(root) > bestLen {
			best, bestLen = id, len(root)
		}
	}
	return best
}
