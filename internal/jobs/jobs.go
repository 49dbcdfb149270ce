// Package jobs runs library scans in the background. Scan requests from the
// API, the filesystem watcher, and the scheduler all go through a Queue.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voyagen/streamvault/internal/service"
	"github.com/voyagen/streamvault/internal/store"
)

// Scan reasons recorded on jobs.
const (
	ReasonAPI      = "api"
	ReasonWatch    = "watch"
	ReasonSchedule = "schedule"
)

// Queue accepts background scan requests.
type Queue interface {
	EnqueueScan(ctx context.Context, libraryID uuid.UUID, reason string) error
}

// Syncer synchronizes one library.
type Syncer interface {
	SyncLibrary(ctx context.Context, libraryID uuid.UUID) (*service.SyncResult, error)
}

// runScan executes one job and logs the outcome. A library deleted between
// enqueue and execution is not an error.
func runScan(ctx context.Context, s Syncer, log *zap.Logger, libraryID uuid.UUID, reason string, enqueued time.Time) {
	log = log.With(zap.String("library_id", libraryID.String()), zap.String("reason", reason))
	res, err := s.SyncLibrary(ctx, libraryID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Info("scan skipped, library no longer exists")
	case err != nil:
		log.Error("scan failed", zap.Error(err))
	default:
		log.Info("scan done",
			zap.Int("added", res.Added),
			zap.Int("removed", res.Removed),
			zap.Duration("queued", res.StartedAt.Sub(enqueued)))
	}
}
