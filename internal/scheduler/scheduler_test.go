package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyagen/streamvault/internal/service"
)

type countingRescanner struct{ n int32 }

func (c *countingRescanner) SyncAll(context.Context) ([]service.SyncResult, error) {
	atomic.AddInt32(&c.n, 1)
	return []service.SyncResult{{Added: 1}}, nil
}

type countingPruner struct {
	n         int32
	retention atomic.Int64
}

func (c *countingPruner) Prune(_ context.Context, retention time.Duration) (int64, error) {
	atomic.AddInt32(&c.n, 1)
	c.retention.Store(int64(retention))
	return 0, nil
}

func TestSchedulerRunsJobs(t *testing.T) {
	r, p := &countingRescanner{}, &countingPruner{}
	s, err := New(Config{
		RescanSchedule: "@every 1s",
		PeerGCSchedule: "@every 1s",
		PeerRetention:  time.Hour,
	}, r, p, nil)
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&r.n) > 0 && atomic.LoadInt32(&p.n) > 0
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, int64(time.Hour), p.retention.Load())
}

func TestSchedulerDisabledJobs(t *testing.T) {
	s, err := New(Config{}, &countingRescanner{}, &countingPruner{}, nil)
	require.NoError(t, err)
	assert.Empty(t, s.cron.Entries())
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	_, err := New(Config{RescanSchedule: "whenever"}, &countingRescanner{}, nil, nil)
	assert.Error(t, err)
}
