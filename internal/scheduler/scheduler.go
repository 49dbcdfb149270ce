// Package scheduler runs periodic maintenance: library rescans and stale
// peer cleanup.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/voyagen/streamvault/internal/service"
)

// Rescanner synchronizes every library.
type Rescanner interface {
	SyncAll(ctx context.Context) ([]service.SyncResult, error)
}

// Pruner removes stale peers.
type Pruner interface {
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// Config selects the jobs to run. Empty schedules disable a job.
type Config struct {
	RescanSchedule string
	PeerGCSchedule string
	PeerRetention  time.Duration
}

// Scheduler wraps a cron runner.
type Scheduler struct {
	cron *cron.Cron
	log  *zap.Logger
	ctx  context.Context
	stop context.CancelFunc
}

// New registers the configured jobs. Jobs do not overlap with themselves: a
// run still in progress when the next tick arrives causes that tick to be skipped.
func New(cfg Config, rescanner Rescanner, pruner Pruner, log *zap.Logger) (*Scheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("scheduler")
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron: cron.New(cron.WithChain(cron.Recover(cronLogger{log}), cron.SkipIfStillRunning(cronLogger{log}))),
		log:  log,
		ctx:  ctx,
		stop: cancel,
	}

	if cfg.RescanSchedule != "" && rescanner != nil {
		if _, err := s.cron.AddFunc(cfg.RescanSchedule, s.rescan(rescanner)); err != nil {
			cancel()
			return nil, fmt.Errorf("rescan schedule %q: %w", cfg.RescanSchedule, err)
		}
		log.Info("rescan job scheduled", zap.String("spec", cfg.RescanSchedule))
	}
	if cfg.PeerGCSchedule != "" && pruner != nil {
		if _, err := s.cron.AddFunc(cfg.PeerGCSchedule, s.prune(pruner, cfg.PeerRetention)); err != nil {
			cancel()
			return nil, fmt.Errorf("peer gc schedule %q: %w", cfg.PeerGCSchedule, err)
		}
		log.Info("peer gc job scheduled", zap.String("spec", cfg.PeerGCSchedule), zap.Duration("retention", cfg.PeerRetention))
	}
	return s, nil
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.stop()
	<-s.cron.Stop().Done()
}

func (s *Scheduler) rescan(r Rescanner) func() {
	return func() {
		start := time.Now()
		results, err := r.SyncAll(s.ctx)
		added, removed := 0, 0
		for _, res := range results {
			added += res.Added
			removed += res.Removed
		}
		if err != nil {
			s.log.Error("scheduled rescan finished with errors", zap.Error(err))
		}
		s.log.Info("scheduled rescan done",
			zap.Int("libraries", len(results)),
			zap.Int("added", added),
			zap.Int("removed", removed),
			zap.Duration("elapsed", time.Since(start)))
	}
}

func (s *Scheduler) prune(p Pruner, retention time.Duration) func() {
	return func() {
		if _, err := p.Prune(s.ctx, retention); err != nil {
			s.log.Error("peer gc failed", zap.Error(err))
		}
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct{ log *zap.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
