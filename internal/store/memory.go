package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voyagen/streamvault/internal/models"
)

// Memory implements Store in process memory. It enforces the same uniqueness
// and cascade rules as the PostgreSQL schema and is used when no database is
// configured and as the test double for the services.
type Memory struct {
	mu        sync.RWMutex
	libraries map[uuid.UUID]models.Library
	media     map[uuid.UUID]models.Media
	byPath    map[mediaKey]uuid.UUID
	peers     map[string]models.Peer // keyed by PeerID
	now       func() time.Time
}

type mediaKey struct {
	libraryID uuid.UUID
	path      string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		libraries: make(map[uuid.UUID]models.Library),
		media:     make(map[uuid.UUID]models.Media),
		byPath:    make(map[mediaKey]uuid.UUID),
		peers:     make(map[string]models.Peer),
		now:       time.Now,
	}
}

func (m *Memory) CreateLibrary(_ context.Context, lib *models.Library) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lib.ID == uuid.Nil {
		lib.ID = uuid.New()
	}
	if _, ok := m.libraries[lib.ID]; ok {
		return fmt.Errorf("CreateLibrary %s: %w", lib.ID, ErrDuplicate)
	}
	now := m.now().UTC()
	lib.CreatedAt, lib.UpdatedAt = &now, &now
	m.libraries[lib.ID] = *lib
	return nil
}

func (m *Memory) GetLibrary(_ context.Context, id uuid.UUID) (*models.Library, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lib, ok := m.libraries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &lib, nil
}

func (m *Memory) ListLibraries(_ context.Context) ([]models.Library, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Library, 0, len(m.libraries))
	for _, lib := range m.libraries {
		out = append(out, lib)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (m *Memory) DeleteLibrary(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.libraries[id]; !ok {
		return ErrNotFound
	}
	delete(m.libraries, id)
	for mid, item := range m.media {
		if item.LibraryID == id {
			delete(m.media, mid)
			delete(m.byPath, mediaKey{item.LibraryID, item.FilePath})
		}
	}
	return nil
}

func (m *Memory) GetMedia(_ context.Context, id uuid.UUID) (*models.Media, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.media[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &item, nil
}

func (m *Memory) FindMedia(_ context.Context, libraryID uuid.UUID, filePath string) (*models.Media, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byPath[mediaKey{libraryID, filePath}]
	if !ok {
		return nil, ErrNotFound
	}
	item := m.media[id]
	return &item, nil
}

func (m *Memory) ListMedia(_ context.Context, libraryID uuid.UUID) ([]models.Media, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Media
	for _, item := range m.media {
		if item.LibraryID == libraryID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out, nil
}

func (m *Memory) InsertMedia(_ context.Context, item *models.Media) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.libraries[item.LibraryID]; !ok {
		return fmt.Errorf("InsertMedia: library %s: %w", item.LibraryID, ErrNotFound)
	}
	key := mediaKey{item.LibraryID, item.FilePath}
	if _, ok := m.byPath[key]; ok {
		return fmt.Errorf("InsertMedia %q: %w", item.FilePath, ErrDuplicate)
	}
	if _, ok := m.media[item.ID]; ok {
		return fmt.Errorf("InsertMedia id %s: %w", item.ID, ErrDuplicate)
	}
	m.media[item.ID] = *item
	m.byPath[key] = item.ID
	return nil
}

func (m *Memory) DeleteMedia(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.media[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.media, id)
	delete(m.byPath, mediaKey{item.LibraryID, item.FilePath})
	return nil
}

func (m *Memory) UpsertPeer(_ context.Context, p *models.Peer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.peers[p.PeerID]; ok {
		p.ID = existing.ID
	} else if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	m.peers[p.PeerID] = *p
	return nil
}

func (m *Memory) ListPeersSeenSince(_ context.Context, since time.Time) ([]models.Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Peer
	for _, p := range m.peers {
		if !p.LastSeen.Before(since) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) DeletePeersSeenBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, p := range m.peers {
		if p.LastSeen.Before(cutoff) {
			delete(m.peers, id)
			n++
		}
	}
	return n, nil
}
