package runexec

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
	"github.com/hochfrequenz/prompt-ledger/internal/events"
	"github.com/hochfrequenz/prompt-ledger/internal/llm"
	"github.com/hochfrequenz/prompt-ledger/internal/progress"
	"github.com/hochfrequenz/prompt-ledger/internal/queue"
	"github.com/hochfrequenz/prompt-ledger/internal/storage"
)

type fakeDocs struct {
	err  error
	reqs []llm.RunDocumentRequest
}

func (f *fakeDocs) RunDocument(_ context.Context, req llm.RunDocumentRequest) (*domain.ProviderLog, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &domain.ProviderLog{UUID: "log-1", DocumentUUID: req.DocumentUUID}, nil
}

type fakeEvals struct {
	outcome domain.EvaluationOutcome
	err     error
	reqs    []llm.RunEvaluationRequest
}

func (f *fakeEvals) RunEvaluation(_ context.Context, req llm.RunEvaluationRequest) (domain.EvaluationOutcome, error) {
	f.reqs = append(f.reqs, req)
	return f.outcome, f.err
}

// flakyProgress fails the first n writes
type flakyProgress struct {
	*progress.Tracker
	mu    sync.Mutex
	fails int
}

func (f *flakyProgress) RecordRowErrored(ctx context.Context, batchID string, rowID int64) (bool, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return false, errors.New("database is locked")
	}
	f.mu.Unlock()
	return f.Tracker.RecordRowErrored(ctx, batchID, rowID)
}

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
	return nil
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ks []events.Kind
	for _, ev := range r.evs {
		ks = append(ks, ev.Kind)
	}
	return ks
}

func newTracker(t *testing.T, total int64) *progress.Tracker {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	tr := progress.NewTracker(progress.NewSQLite(db))
	_, err = tr.Initialize(context.Background(), "batch-1", total)
	require.NoError(t, err)
	return tr
}

func rowJob() domain.RowJob {
	return domain.RowJob{
		BatchID:      "batch-1",
		ProjectID:    1,
		CommitUUID:   "c-1",
		DocumentUUID: "doc-1",
		RowID:        3,
		Parameters:   map[string]string{"q": "hi"},
		Evaluation:   domain.RefV1(9),
	}
}

func boolPtr(b bool) *bool        { return &b }
func floatPtr(f float64) *float64 { return &f }

func TestExecute_Succeeded(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(t, 2)
	docs := &fakeDocs{}
	evals := &fakeEvals{outcome: domain.EvaluationOutcome{Passed: boolPtr(true), Score: floatPtr(0.8)}}
	rec := &recorder{}
	e := New(docs, evals, tr, rec, nil)

	state, err := e.Execute(ctx, rowJob())
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, state)

	require.Len(t, evals.reqs, 1)
	assert.Equal(t, "log-1", evals.reqs[0].ProviderLogUUID)
	assert.Equal(t, "batch-1", evals.reqs[0].BatchID)
	assert.Equal(t, domain.RefV1(9), evals.reqs[0].Evaluation)

	p, err := tr.Get(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Completed)
	assert.Equal(t, int64(1), p.Passed)
	assert.Zero(t, p.Errors)
	assert.InDelta(t, 0.8, p.TotalScore, 1e-9)

	assert.Equal(t, []events.Kind{events.KindRunSucceeded, events.KindBatchStatus}, rec.kinds())
	status := rec.evs[1].Status
	assert.Equal(t, int64(9), status.EvaluationID)
	assert.Equal(t, domain.EvaluationV1, status.Version)
	assert.Equal(t, int64(1), status.Completed)
}

func TestExecute_DocumentFailureCountsOneError(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(t, 2)
	docs := &fakeDocs{err: errors.New("provider 500")}
	evals := &fakeEvals{}
	rec := &recorder{}
	e := New(docs, evals, tr, rec, nil)

	state, err := e.Execute(ctx, rowJob())
	require.NoError(t, err)
	assert.Equal(t, StateErrored, state)
	assert.Empty(t, evals.reqs, "evaluation must not run without a provider log")

	p, err := tr.Get(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Completed)
	assert.Equal(t, int64(1), p.Errors)

	require.Equal(t, events.KindRunErrored, rec.evs[0].Kind)
	assert.Equal(t, domain.StepDocument, rec.evs[0].Step)
	var te *domain.TransientError
	assert.ErrorAs(t, rec.evs[0].Err, &te)
}

func TestExecute_EvaluationFailure(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(t, 1)
	rec := &recorder{}
	e := New(&fakeDocs{}, &fakeEvals{err: errors.New("bad configuration")}, tr, rec, nil)

	state, err := e.Execute(ctx, rowJob())
	require.NoError(t, err)
	assert.Equal(t, StateErrored, state)
	assert.Equal(t, domain.StepEvaluation, rec.evs[0].Step)

	p, err := tr.Get(ctx, "batch-1")
	require.NoError(t, err)
	assert.True(t, p.Done())
	assert.Equal(t, int64(1), p.Errors)
}

func TestExecute_CancelledRunIsNotRecorded(t *testing.T) {
	tr := newTracker(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := &recorder{}
	e := New(&fakeDocs{err: context.Canceled}, &fakeEvals{}, tr, rec, nil)

	_, err := e.Execute(ctx, rowJob())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rec.kinds())

	p, err := tr.Get(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.Zero(t, p.Completed)
}

func TestExecute_RetriesProgressWrite(t *testing.T) {
	ctx := context.Background()
	fp := &flakyProgress{Tracker: newTracker(t, 1), fails: 2}
	e := New(&fakeDocs{err: errors.New("x")}, &fakeEvals{}, fp, nil, nil)
	e.reportBackoff = 0

	_, err := e.Execute(ctx, rowJob())
	require.NoError(t, err)
	p, err := fp.Get(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Errors)

	fp.fails = reportAttempts
	job := rowJob()
	job.RowID = 4
	_, err = e.Execute(ctx, job)
	assert.Error(t, err)
}

func TestExecute_UninitializedBatch(t *testing.T) {
	tr := newTracker(t, 1)
	e := New(&fakeDocs{}, &fakeEvals{}, tr, nil, nil)

	job := rowJob()
	job.BatchID = "unknown"
	_, err := e.Execute(context.Background(), job)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExecute_RedeliveredRowIsSkipped(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(t, 1)
	docs := &fakeDocs{}
	rec := &recorder{}
	e := New(docs, &fakeEvals{outcome: domain.EvaluationOutcome{Passed: boolPtr(true)}}, tr, rec, nil)

	state, err := e.Execute(ctx, rowJob())
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, state)

	state, err = e.Execute(ctx, rowJob())
	require.NoError(t, err)
	assert.Equal(t, StateSkipped, state)
	assert.Len(t, docs.reqs, 1, "redelivery must not call the provider again")

	p, err := tr.Get(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Completed)
	assert.Equal(t, int64(1), p.Passed)
	assert.LessOrEqual(t, p.Completed, p.Total)
	assert.Equal(t, []events.Kind{events.KindRunSucceeded, events.KindBatchStatus}, rec.kinds())
}

func deadRowJob(t *testing.T, job domain.RowJob) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(job)
	require.NoError(t, err)
	return &queue.Job{
		ID:        "batch-1/row/3",
		Kind:      queue.KindBatchRow,
		Payload:   payload,
		Status:    queue.StatusDead,
		Attempts:  3,
		LastError: "lease expired on final attempt",
	}
}

func TestDeadLettered_CountsRowAsErrored(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(t, 1)
	rec := &recorder{}
	e := New(&fakeDocs{}, &fakeEvals{}, tr, rec, nil)
	e.reportBackoff = 0

	e.DeadLettered(ctx, deadRowJob(t, rowJob()))

	p, err := tr.Get(ctx, "batch-1")
	require.NoError(t, err)
	assert.True(t, p.Done(), "batch must finish when its only row is dead-lettered")
	assert.Equal(t, int64(1), p.Errors)

	require.Equal(t, []events.Kind{events.KindRunErrored, events.KindBatchStatus}, rec.kinds())
	assert.Equal(t, domain.StepDelivery, rec.evs[0].Step)
	assert.ErrorContains(t, rec.evs[0].Err, "lease expired")
	assert.Equal(t, int64(1), rec.evs[1].Status.Completed)

	e.DeadLettered(ctx, deadRowJob(t, rowJob()))
	p, err = tr.Get(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Completed, "second dead-letter of one row counted")
	assert.Len(t, rec.evs, 2)

	state, err := e.Execute(ctx, rowJob())
	require.NoError(t, err)
	assert.Equal(t, StateSkipped, state)
}

func TestDeadLettered_RecordedRowAndOtherKinds(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(t, 2)
	rec := &recorder{}
	e := New(&fakeDocs{}, &fakeEvals{outcome: domain.EvaluationOutcome{Passed: boolPtr(false)}}, tr, rec, nil)

	_, err := e.Execute(ctx, rowJob())
	require.NoError(t, err)
	rec.evs = nil

	// Recorded, then the ack was lost and the lease ran out.
	e.DeadLettered(ctx, deadRowJob(t, rowJob()))

	run := deadRowJob(t, rowJob())
	run.Kind = queue.KindBatchRun
	e.DeadLettered(ctx, run)

	p, err := tr.Get(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Completed)
	assert.Equal(t, int64(1), p.Failed)
	assert.Zero(t, p.Errors)
	assert.Empty(t, rec.kinds())
}
