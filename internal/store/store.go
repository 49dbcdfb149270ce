package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/voyagen/streamvault/internal/models"
)

var (
	// ErrNotFound is returned when a library, media item, or peer does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert would violate (library_id, file_path) uniqueness.
	ErrDuplicate = errors.New("duplicate")
)

// Catalog defines persistence for libraries and their media.
type Catalog interface {
	// CreateLibrary inserts a library. ID and timestamps are set on lib.
	CreateLibrary(ctx context.Context, lib *models.Library) error
	// GetLibrary returns a single library by id.
	GetLibrary(ctx context.Context, id uuid.UUID) (*models.Library, error)
	// ListLibraries returns all libraries ordered by name.
	ListLibraries(ctx context.Context) ([]models.Library, error)
	// DeleteLibrary deletes a library and cascades to its media.
	DeleteLibrary(ctx context.Context, id uuid.UUID) error

	// GetMedia returns a media item by id.
	GetMedia(ctx context.Context, id uuid.UUID) (*models.Media, error)
	// FindMedia returns the media item at filePath within a library.
	FindMedia(ctx context.Context, libraryID uuid.UUID, filePath string) (*models.Media, error)
	// ListMedia returns every media item of a library ordered by file path.
	ListMedia(ctx context.Context, libraryID uuid.UUID) ([]models.Media, error)
	// InsertMedia inserts m as-is; ErrDuplicate if the path is already catalogued.
	InsertMedia(ctx context.Context, m *models.Media) error
	// DeleteMedia deletes a media item by id.
	DeleteMedia(ctx context.Context, id uuid.UUID) error
}

// PeerStore defines persistence for P2P peers.
type PeerStore interface {
	// UpsertPeer inserts or refreshes a peer keyed by PeerID. On return p.ID
	// holds the stored id (unchanged for known peers).
	UpsertPeer(ctx context.Context, p *models.Peer) error
	// ListPeersSeenSince returns peers whose last_seen is at or after since.
	ListPeersSeenSince(ctx context.Context, since time.Time) ([]models.Peer, error)
	// DeletePeersSeenBefore removes peers whose last_seen is before cutoff.
	DeletePeersSeenBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is the full persistence surface used by the server.
type Store interface {
	Catalog
	PeerStore
}
