package service

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrValidation marks malformed input (peer heartbeat fields, seek positions, paths).
	ErrValidation = errors.New("validation failed")
	// ErrFileMissing means the catalog points at a file that is no longer on
	// disk. The library needs a re-sync.
	ErrFileMissing = errors.New("media file missing on disk")
	// ErrRootUnavailable means a library root is not a readable directory.
	ErrRootUnavailable = errors.New("library root unavailable")
)

// Sync phases reported in SyncError.
const (
	PhaseLock      = "lock"
	PhaseRoot      = "root"
	PhaseOrphan    = "orphan"
	PhaseDiscovery = "discovery"
)

// SyncError reports why a library synchronization stopped. Changes committed
// before the failure are kept.
type SyncError struct {
	LibraryID uuid.UUID
	Phase     string
	Err       error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync library %s: %s: %v", e.LibraryID, e.Phase, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}
