package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LocalQueue runs scans on in-process worker goroutines. It is used when no
// Redis is configured. Requests for a library that is already waiting are
// coalesced into the pending job.
type LocalQueue struct {
	syncer  Syncer
	log     *zap.Logger
	jobs    chan localJob
	mu      sync.Mutex
	pending map[uuid.UUID]struct{}
}

type localJob struct {
	libraryID uuid.UUID
	reason    string
	enqueued  time.Time
}

// NewLocalQueue returns a queue holding up to buffer pending libraries.
func NewLocalQueue(s Syncer, buffer int, log *zap.Logger) *LocalQueue {
	if buffer <= 0 {
		buffer = 64
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &LocalQueue{
		syncer:  s,
		log:     log.Named("jobs"),
		jobs:    make(chan localJob, buffer),
		pending: make(map[uuid.UUID]struct{}),
	}
}

// EnqueueScan schedules a scan. It blocks only while the buffer is full.
func (q *LocalQueue) EnqueueScan(ctx context.Context, libraryID uuid.UUID, reason string) error {
	q.mu.Lock()
	if _, ok := q.pending[libraryID]; ok {
		q.mu.Unlock()
		return nil
	}
	q.pending[libraryID] = struct{}{}
	q.mu.Unlock()

	select {
	case q.jobs <- localJob{libraryID: libraryID, reason: reason, enqueued: time.Now()}:
		return nil
	case <-ctx.Done():
		q.done(libraryID)
		return ctx.Err()
	}
}

// Run processes jobs with the given number of workers until ctx is done.
func (q *LocalQueue) Run(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-q.jobs:
					// Clear pending first so changes during the scan queue a follow-up.
					q.done(job.libraryID)
					runScan(ctx, q.syncer, q.log, job.libraryID, job.reason, job.enqueued)
				}
			}
		}()
	}
	wg.Wait()
}

func (q *LocalQueue) done(id uuid.UUID) {
	q.mu.Lock()
	delete(q.pending, id)
	q.mu.Unlock()
}
