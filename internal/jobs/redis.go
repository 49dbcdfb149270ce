package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voyagen/streamvault/internal/cache"
)

// RedisQueue pushes scan jobs onto a Redis list so any server process
// sharing the catalog can pick them up.
type RedisQueue struct {
	redis  *cache.Redis
	syncer Syncer
	log    *zap.Logger
	poll   time.Duration
}

// NewRedisQueue returns a Redis-backed queue.
func NewRedisQueue(r *cache.Redis, s Syncer, log *zap.Logger) *RedisQueue {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisQueue{redis: r, syncer: s, log: log.Named("jobs"), poll: 5 * time.Second}
}

// EnqueueScan implements Queue.
func (q *RedisQueue) EnqueueScan(ctx context.Context, libraryID uuid.UUID, reason string) error {
	return cache.Enqueue(ctx, q.redis, cache.ScanQueue, cache.ScanJob{
		LibraryID:  libraryID.String(),
		Reason:     reason,
		EnqueuedAt: time.Now().UTC(),
	})
}

// Run consumes jobs until ctx is done. Malformed jobs are logged and dropped.
func (q *RedisQueue) Run(ctx context.Context) {
	q.log.Info("scan worker started", zap.String("queue", cache.ScanQueue))
	for ctx.Err() == nil {
		job, err := cache.Dequeue(ctx, q.redis, cache.ScanQueue, q.poll)
		if err != nil {
			q.log.Warn("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(q.poll):
			}
			continue
		}
		if job == nil {
			continue
		}
		id, err := uuid.Parse(job.LibraryID)
		if err != nil {
			q.log.Warn("dropping scan job with bad library id", zap.String("library_id", job.LibraryID))
			continue
		}
		runScan(ctx, q.syncer, q.log, id, job.Reason, job.EnqueuedAt)
	}
	q.log.Info("scan worker stopped")
}
