package progress

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/prompt-ledger/internal/config"
	"github.com/hochfrequenz/prompt-ledger/internal/domain"
	"github.com/hochfrequenz/prompt-ledger/internal/storage"
)

type backendCase struct {
	name string
	open func(t *testing.T) *Tracker
}

func backends() []backendCase {
	return []backendCase{
		{"badger", func(t *testing.T) *Tracker {
			b, err := OpenBadger(BadgerConfig{InMemory: true})
			require.NoError(t, err)
			tr := NewTracker(b)
			t.Cleanup(func() { tr.Close() })
			return tr
		}},
		{"sqlite", func(t *testing.T) *Tracker {
			db, err := storage.Open(filepath.Join(t.TempDir(), "progress.db"))
			require.NoError(t, err)
			t.Cleanup(func() { db.Close() })
			return NewTracker(NewSQLite(db))
		}},
	}
}

func boolPtr(b bool) *bool        { return &b }
func floatPtr(f float64) *float64 { return &f }

func TestTracker_InitializeIsSetIfAbsent(t *testing.T) {
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			ctx := context.Background()
			tr := bc.open(t)

			ok, err := tr.Initialize(ctx, "b1", 5)
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, tr.IncrementEnqueued(ctx, "b1", 2))
			require.NoError(t, tr.IncrementCompleted(ctx, "b1", 1))

			ok, err = tr.Initialize(ctx, "b1", 99)
			require.NoError(t, err)
			assert.False(t, ok, "second Initialize must not re-zero")

			p, err := tr.Get(ctx, "b1")
			require.NoError(t, err)
			assert.Equal(t, int64(5), p.Total)
			assert.Equal(t, int64(2), p.Enqueued)
			assert.Equal(t, int64(1), p.Completed)
		})
	}
}

func TestTracker_Outcomes(t *testing.T) {
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			ctx := context.Background()
			tr := bc.open(t)
			_, err := tr.Initialize(ctx, "b", 4)
			require.NoError(t, err)

			require.NoError(t, tr.RunSucceeded(ctx, "b", domain.EvaluationOutcome{Passed: boolPtr(true), Score: floatPtr(0.75)}))
			require.NoError(t, tr.RunSucceeded(ctx, "b", domain.EvaluationOutcome{Passed: boolPtr(false), Score: floatPtr(0.25)}))
			require.NoError(t, tr.RunSucceeded(ctx, "b", domain.EvaluationOutcome{}))
			require.NoError(t, tr.RunErrored(ctx, "b"))

			p, err := tr.Get(ctx, "b")
			require.NoError(t, err)
			assert.Equal(t, domain.ProgressRecord{
				BatchID:    "b",
				Total:      4,
				Completed:  4,
				Passed:     1,
				Failed:     1,
				Errors:     1,
				TotalScore: 1.0,
			}, p)
			assert.True(t, p.Done())
		})
	}
}

func TestTracker_EvaluationFinished(t *testing.T) {
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			ctx := context.Background()
			tr := bc.open(t)
			_, err := tr.Initialize(ctx, "b", 1)
			require.NoError(t, err)

			require.NoError(t, tr.EvaluationFinished(ctx, "b", domain.EvaluationOutcome{Score: floatPtr(3)}))
			require.NoError(t, tr.EvaluationFinished(ctx, "b", domain.EvaluationOutcome{}))

			p, err := tr.Get(ctx, "b")
			require.NoError(t, err)
			assert.Equal(t, 3.0, p.TotalScore)
			assert.Zero(t, p.Passed+p.Failed)
		})
	}
}

func TestTracker_UnknownBatch(t *testing.T) {
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			ctx := context.Background()
			tr := bc.open(t)

			_, err := tr.Get(ctx, "missing")
			assert.True(t, errors.Is(err, domain.ErrNotFound), "Get err = %v", err)

			err = tr.IncrementCompleted(ctx, "missing", 1)
			assert.True(t, errors.Is(err, domain.ErrNotFound), "Increment err = %v", err)
		})
	}
}

func TestTracker_Cleanup(t *testing.T) {
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			ctx := context.Background()
			tr := bc.open(t)
			_, err := tr.Initialize(ctx, "a", 1)
			require.NoError(t, err)
			_, err = tr.Initialize(ctx, "ab", 1)
			require.NoError(t, err)

			require.NoError(t, tr.Cleanup(ctx, "a"))

			_, err = tr.Get(ctx, "a")
			assert.True(t, errors.Is(err, domain.ErrNotFound))
			_, err = tr.Get(ctx, "ab")
			assert.NoError(t, err, "cleanup must not touch other batches")

			ok, err := tr.Initialize(ctx, "a", 3)
			require.NoError(t, err)
			assert.True(t, ok, "a cleaned batch can be initialized again")
		})
	}
}

func TestTracker_RejectsBadInput(t *testing.T) {
	tr := backends()[0].open(t)
	ctx := context.Background()

	_, err := tr.Initialize(ctx, "a/b", 1)
	assert.True(t, errors.Is(err, domain.ErrInvalid))
	_, err = tr.Initialize(ctx, "", 1)
	assert.True(t, errors.Is(err, domain.ErrInvalid))
	_, err = tr.Initialize(ctx, "b", -1)
	assert.True(t, errors.Is(err, domain.ErrInvalid))

	_, err = tr.Initialize(ctx, "b", 1)
	require.NoError(t, err)
	assert.True(t, errors.Is(tr.IncrementErrors(ctx, "b", -1), domain.ErrInvalid))
}

func TestTracker_ConcurrentIncrements(t *testing.T) {
	const workers = 16
	const perWorker = 50

	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			ctx := context.Background()
			tr := bc.open(t)
			_, err := tr.Initialize(ctx, "stress", workers*perWorker)
			require.NoError(t, err)

			var wg sync.WaitGroup
			errs := make(chan error, 2*workers*perWorker)
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < perWorker; i++ {
						var err error
						if (w+i)%5 == 0 {
							err = tr.RunErrored(ctx, "stress")
						} else {
							err = tr.RunSucceeded(ctx, "stress", domain.EvaluationOutcome{Passed: boolPtr(i%2 == 0), Score: floatPtr(1)})
						}
						if err != nil {
							errs <- err
						}
						p, err := tr.Get(ctx, "stress")
						if err != nil {
							errs <- err
							continue
						}
						if p.Completed > p.Total || p.Passed+p.Failed > p.Completed {
							errs <- errors.New("snapshot broke counter invariants")
						}
					}
				}(w)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Fatal(err)
			}

			p, err := tr.Get(ctx, "stress")
			require.NoError(t, err)
			assert.Equal(t, int64(workers*perWorker), p.Completed)
			assert.Equal(t, p.Completed, p.Passed+p.Failed+p.Errors)
			assert.Equal(t, float64(p.Passed+p.Failed), p.TotalScore)
		})
	}
}

func TestTracker_RowRecordedOnce(t *testing.T) {
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			ctx := context.Background()
			tr := bc.open(t)

			_, err := tr.RecordRowErrored(ctx, "b1", 1)
			require.ErrorIs(t, err, domain.ErrNotFound)
			state, err := tr.RowState(ctx, "b1", 1)
			require.NoError(t, err)
			assert.Equal(t, RowPending, state, "failed record must not leave a marker")

			_, err = tr.Initialize(ctx, "b1", 2)
			require.NoError(t, err)

			ok, err := tr.RecordRowSucceeded(ctx, "b1", 1, domain.EvaluationOutcome{Passed: boolPtr(true), Score: floatPtr(0.5)})
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = tr.RecordRowSucceeded(ctx, "b1", 1, domain.EvaluationOutcome{Passed: boolPtr(true), Score: floatPtr(0.5)})
			require.NoError(t, err)
			assert.False(t, ok, "redelivered row counted twice")
			ok, err = tr.RecordRowErrored(ctx, "b1", 1)
			require.NoError(t, err)
			assert.False(t, ok)

			state, err = tr.RowState(ctx, "b1", 1)
			require.NoError(t, err)
			assert.Equal(t, RowSucceeded, state)

			ok, err = tr.RecordRowErrored(ctx, "b1", 2)
			require.NoError(t, err)
			assert.True(t, ok)

			p, err := tr.Get(ctx, "b1")
			require.NoError(t, err)
			assert.Equal(t, int64(2), p.Completed)
			assert.Equal(t, int64(1), p.Passed)
			assert.Equal(t, int64(1), p.Errors)
			assert.InDelta(t, 0.5, p.TotalScore, 1e-9)

			require.NoError(t, tr.Cleanup(ctx, "b1"))
			state, err = tr.RowState(ctx, "b1", 2)
			require.NoError(t, err)
			assert.Equal(t, RowPending, state, "cleanup must drop row markers")
		})
	}
}

func TestTracker_ConcurrentRecordsOfOneRow(t *testing.T) {
	const deliveries = 16

	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			ctx := context.Background()
			tr := bc.open(t)
			_, err := tr.Initialize(ctx, "b1", 1)
			require.NoError(t, err)

			var wg sync.WaitGroup
			var mu sync.Mutex
			applied := 0
			for i := 0; i < deliveries; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := tr.RecordRowErrored(ctx, "b1", 7)
					assert.NoError(t, err)
					if ok {
						mu.Lock()
						applied++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, 1, applied)
			p, err := tr.Get(ctx, "b1")
			require.NoError(t, err)
			assert.Equal(t, int64(1), p.Completed)
			assert.Equal(t, int64(1), p.Errors)
		})
	}
}

func TestBadger_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b, err := OpenBadger(BadgerConfig{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	tr := NewTracker(b)
	_, err = tr.Initialize(ctx, "b", 3)
	require.NoError(t, err)
	require.NoError(t, tr.IncrementEnqueued(ctx, "b", 2))
	require.NoError(t, tr.Close())

	b, err = OpenBadger(BadgerConfig{Path: dir})
	require.NoError(t, err)
	tr = NewTracker(b)
	defer tr.Close()

	p, err := tr.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.Enqueued)
}

func TestBadger_ClosedStoreFails(t *testing.T) {
	ctx := context.Background()
	b, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	tr := NewTracker(b)
	_, err = tr.Initialize(ctx, "b", 1)
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	assert.Error(t, tr.IncrementCompleted(ctx, "b", 1))
}

func TestOpen_SelectsBackend(t *testing.T) {
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	tr, err := Open(config.ProgressConfig{Backend: "sqlite"}, db, nil)
	require.NoError(t, err)
	_, ok := tr.backend.(*SQLiteBackend)
	assert.True(t, ok)

	tr, err = Open(config.ProgressConfig{Backend: "badger", BadgerPath: t.TempDir()}, db, nil)
	require.NoError(t, err)
	defer tr.Close()
	_, ok = tr.backend.(*BadgerBackend)
	assert.True(t, ok)

	_, err = Open(config.ProgressConfig{Backend: "redis"}, db, nil)
	assert.Error(t, err)
}
