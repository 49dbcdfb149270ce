package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedis connects to REDIS_TEST_URL; the tests are skipped without it.
func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	r, err := New(url)
	require.NoError(t, err)
	require.NoError(t, r.Ping(context.Background()))
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func testKey(t *testing.T) string {
	return "test:" + t.Name() + ":" + uuid.NewString()
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("not a url")
	assert.Error(t, err)
}

func TestGetSetDel(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	key := testKey(t)

	type item struct {
		Name string `json:"name"`
	}
	require.NoError(t, Set(ctx, r, key, item{Name: "a"}, time.Minute))
	got, err := Get[item](ctx, r, key)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Name)

	require.NoError(t, Del(ctx, r, key))
	_, err = Get[item](ctx, r, key)
	assert.True(t, errors.Is(err, redis.Nil))
}

func TestDelPattern(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	prefix := testKey(t)

	for _, k := range []string{":a", ":b", ":c"} {
		require.NoError(t, Set(ctx, r, prefix+k, 1, time.Minute))
	}
	require.NoError(t, DelPattern(ctx, r, prefix+":*"))
	_, err := Get[int](ctx, r, prefix+":a")
	assert.True(t, errors.Is(err, redis.Nil))
}

func TestTryLock(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	key := testKey(t)

	unlock, err := TryLock(ctx, r, key, time.Second)
	require.NoError(t, err)
	assert.True(t, IsLocked(ctx, r, key))

	_, err = TryLock(ctx, r, key, time.Second)
	assert.ErrorIs(t, err, ErrLocked)

	unlock()
	unlock()
	assert.False(t, IsLocked(ctx, r, key))
}

func TestLockerWaits(t *testing.T) {
	r := newTestRedis(t)
	l := NewLocker(r, time.Second)
	l.poll = 10 * time.Millisecond
	key := testKey(t)

	unlock, err := l.Lock(context.Background(), key)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, key)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		time.Sleep(30 * time.Millisecond)
		unlock()
	}()
	unlock2, err := l.Lock(context.Background(), key)
	require.NoError(t, err)
	unlock2()
}

func TestQueue(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	queue := testKey(t)

	job, err := Dequeue(ctx, r, queue, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job, "empty queue times out with no job")

	id := uuid.NewString()
	require.NoError(t, Enqueue(ctx, r, queue, ScanJob{LibraryID: id, Reason: "api", EnqueuedAt: time.Now()}))
	job, err = Dequeue(ctx, r, queue, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.LibraryID)
	assert.Equal(t, "api", job.Reason)
}
