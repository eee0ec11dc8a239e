package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/prompt-ledger/internal/storage"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T) (*Queue, *clock) {
	t.Helper()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := New(db, nil)
	q.now = c.Now
	return q, c
}

type payload struct {
	Row int `json:"row"`
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{20, 60 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CalculateBackoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestQueue_EnqueueClaimAck(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	enq, err := q.Enqueue(ctx, KindBatchRow, payload{Row: 3}, EnqueueOptions{})
	require.NoError(t, err)

	j, err := q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, enq.ID, j.ID)
	assert.Equal(t, KindBatchRow, j.Kind)
	assert.Equal(t, StatusLeased, j.Status)
	assert.Equal(t, 1, j.Attempts)
	assert.Equal(t, 0, j.Attempt())

	var p payload
	require.NoError(t, j.Decode(&p))
	assert.Equal(t, 3, p.Row)

	_, err = q.Claim(ctx, "w2", time.Minute)
	assert.ErrorIs(t, err, ErrEmpty, "a leased job is not claimable")

	require.NoError(t, q.Ack(ctx, j.ID, "w1"))
	got, err := q.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, got.Status)

	assert.ErrorIs(t, q.Ack(ctx, j.ID, "w1"), ErrLeaseLost)
}

func TestQueue_EnqueueOnceWithID(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	first, created, err := q.EnqueueOnce(ctx, KindBatchRow, payload{Row: 1}, EnqueueOptions{ID: "batch/row/1"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "batch/row/1", first.ID)

	again, created, err := q.EnqueueOnce(ctx, KindBatchRow, payload{Row: 99}, EnqueueOptions{ID: "batch/row/1"})
	require.NoError(t, err)
	assert.False(t, created)
	var p payload
	require.NoError(t, again.Decode(&p))
	assert.Equal(t, 1, p.Row, "existing job is returned unchanged")

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Queued)
}

func TestQueue_ClaimOrder(t *testing.T) {
	ctx := context.Background()
	q, c := newTestQueue(t)

	first, err := q.Enqueue(ctx, KindBatchRow, payload{Row: 1}, EnqueueOptions{})
	require.NoError(t, err)
	c.Advance(time.Millisecond)
	_, err = q.Enqueue(ctx, KindBatchRow, payload{Row: 2}, EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, KindBatchRow, payload{Row: 9}, EnqueueOptions{RunAt: c.Now().Add(time.Hour)})
	require.NoError(t, err)

	j, err := q.Claim(ctx, "w", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, first.ID, j.ID)

	j, err = q.Claim(ctx, "w", time.Minute)
	require.NoError(t, err)
	var p payload
	require.NoError(t, j.Decode(&p))
	assert.Equal(t, 2, p.Row)

	_, err = q.Claim(ctx, "w", time.Minute)
	assert.ErrorIs(t, err, ErrEmpty, "future job must wait for run_at")
}

func TestQueue_FailRequeuesWithBackoff(t *testing.T) {
	ctx := context.Background()
	q, c := newTestQueue(t)

	_, err := q.Enqueue(ctx, KindBatchRun, payload{}, EnqueueOptions{MaxAttempts: 2})
	require.NoError(t, err)

	j, err := q.Claim(ctx, "w", time.Minute)
	require.NoError(t, err)

	dead, err := q.Fail(ctx, j.ID, "w", errors.New("boom"))
	require.NoError(t, err)
	assert.False(t, dead)

	got, err := q.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Equal(t, "boom", got.LastError)
	assert.Equal(t, c.Now().Add(time.Second), got.RunAt)

	_, err = q.Claim(ctx, "w", time.Minute)
	assert.ErrorIs(t, err, ErrEmpty, "retry waits for backoff")

	c.Advance(time.Second)
	j, err = q.Claim(ctx, "w", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, j.Attempt())

	dead, err = q.Fail(ctx, j.ID, "w", errors.New("boom again"))
	require.NoError(t, err)
	assert.True(t, dead)

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Dead: 1}, st)
}

func TestQueue_ExpiredLeaseIsRedelivered(t *testing.T) {
	ctx := context.Background()
	q, c := newTestQueue(t)

	_, err := q.Enqueue(ctx, KindBatchRun, payload{}, EnqueueOptions{MaxAttempts: 2})
	require.NoError(t, err)

	j, err := q.Claim(ctx, "crashed", time.Minute)
	require.NoError(t, err)

	c.Advance(30 * time.Second)
	require.NoError(t, q.Extend(ctx, j.ID, "crashed", time.Minute))
	c.Advance(45 * time.Second)
	_, err = q.Claim(ctx, "w2", time.Minute)
	assert.ErrorIs(t, err, ErrEmpty, "extended lease still held")

	c.Advance(time.Minute)
	again, err := q.Claim(ctx, "w2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, j.ID, again.ID)
	assert.Equal(t, 1, again.Attempt())

	assert.ErrorIs(t, q.Ack(ctx, j.ID, "crashed"), ErrLeaseLost)
	_, err = q.Fail(ctx, j.ID, "crashed", errors.New("late"))
	assert.ErrorIs(t, err, ErrLeaseLost)
	require.NoError(t, q.Ack(ctx, j.ID, "w2"))
}

// deadLog records jobs passed to the dead-letter hook
type deadLog struct {
	mu   sync.Mutex
	jobs []Job
}

func (d *deadLog) record(_ context.Context, j *Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, *j)
}

func TestQueue_ExpiredFinalAttemptIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	q, c := newTestQueue(t)
	dl := &deadLog{}
	q.WithDeadLetter(dl.record)

	stuck, err := q.Enqueue(ctx, KindBatchRow, payload{Row: 1}, EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)
	c.Advance(time.Millisecond)
	next, err := q.Enqueue(ctx, KindBatchRow, payload{Row: 2}, EnqueueOptions{})
	require.NoError(t, err)

	j, err := q.Claim(ctx, "crashed", time.Second)
	require.NoError(t, err)
	assert.Equal(t, stuck.ID, j.ID)

	c.Advance(2 * time.Second)
	j, err = q.Claim(ctx, "w2", time.Second)
	require.NoError(t, err)
	assert.Equal(t, next.ID, j.ID)

	got, err := q.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, got.Status)
	assert.Equal(t, errLeaseExpired, got.LastError)

	require.Len(t, dl.jobs, 1)
	assert.Equal(t, stuck.ID, dl.jobs[0].ID)
	assert.Equal(t, KindBatchRow, dl.jobs[0].Kind)
	assert.Equal(t, StatusDead, dl.jobs[0].Status)
	assert.Equal(t, errLeaseExpired, dl.jobs[0].LastError)
	var p payload
	require.NoError(t, dl.jobs[0].Decode(&p))
	assert.Equal(t, 1, p.Row)
}

func TestQueue_FailOnFinalAttemptCallsDeadLetter(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	dl := &deadLog{}
	q.WithDeadLetter(dl.record)

	_, err := q.Enqueue(ctx, KindBatchRow, payload{Row: 4}, EnqueueOptions{MaxAttempts: 2})
	require.NoError(t, err)

	q.WithBackoff(func(int) time.Duration { return 0 })
	j, err := q.Claim(ctx, "w", time.Minute)
	require.NoError(t, err)
	dead, err := q.Fail(ctx, j.ID, "w", errors.New("database is locked"))
	require.NoError(t, err)
	assert.False(t, dead)
	assert.Empty(t, dl.jobs, "retried job is not dead")

	j, err = q.Claim(ctx, "w", time.Minute)
	require.NoError(t, err)
	dead, err = q.Fail(ctx, j.ID, "w", errors.New("database is locked"))
	require.NoError(t, err)
	assert.True(t, dead)

	require.Len(t, dl.jobs, 1)
	assert.Equal(t, j.ID, dl.jobs[0].ID)
	assert.Equal(t, "database is locked", dl.jobs[0].LastError)
	assert.Equal(t, 2, dl.jobs[0].Attempts)
}

func TestQueue_PurgeDone(t *testing.T) {
	ctx := context.Background()
	q, c := newTestQueue(t)

	_, err := q.Enqueue(ctx, KindBatchRow, payload{}, EnqueueOptions{})
	require.NoError(t, err)
	j, err := q.Claim(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, j.ID, "w"))

	n, err := q.PurgeDone(ctx, c.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	c.Advance(time.Hour)
	n, err = q.PurgeDone(ctx, c.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
