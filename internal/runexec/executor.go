// Package runexec executes one batch row: a document run followed by an
// evaluation run. Row failures are recorded as errors on the batch and
// never abort it.
package runexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
	"github.com/hochfrequenz/prompt-ledger/internal/events"
	"github.com/hochfrequenz/prompt-ledger/internal/llm"
	"github.com/hochfrequenz/prompt-ledger/internal/progress"
	"github.com/hochfrequenz/prompt-ledger/internal/queue"
	"github.com/hochfrequenz/prompt-ledger/internal/worker"
)

// State is the terminal state of a row run
type State string

const (
	StateSucceeded State = "succeeded"
	StateErrored   State = "errored"
	StateSkipped   State = "skipped" // outcome recorded by an earlier delivery
)

// DocumentRunner runs a document with one row's parameters
type DocumentRunner interface {
	RunDocument(ctx context.Context, req llm.RunDocumentRequest) (*domain.ProviderLog, error)
}

// EvaluationRunner scores a provider log
type EvaluationRunner interface {
	RunEvaluation(ctx context.Context, req llm.RunEvaluationRequest) (domain.EvaluationOutcome, error)
}

// Progress records row outcomes at most once per row
type Progress interface {
	RowState(ctx context.Context, batchID string, rowID int64) (progress.RowState, error)
	RecordRowSucceeded(ctx context.Context, batchID string, rowID int64, o domain.EvaluationOutcome) (bool, error)
	RecordRowErrored(ctx context.Context, batchID string, rowID int64) (bool, error)
	Get(ctx context.Context, batchID string) (domain.ProgressRecord, error)
}

const reportAttempts = 3

// Executor is the batch.row job
type Executor struct {
	docs     DocumentRunner
	evals    EvaluationRunner
	progress Progress
	events   events.Publisher
	logger   *slog.Logger

	now           func() time.Time
	reportBackoff time.Duration
}

// New creates an Executor
func New(docs DocumentRunner, evals EvaluationRunner, progress Progress, pub events.Publisher, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = events.Discard{}
	}
	return &Executor{
		docs:          docs,
		evals:         evals,
		progress:      progress,
		events:        pub,
		logger:        logger,
		now:           time.Now,
		reportBackoff: 100 * time.Millisecond,
	}
}

// Execute runs the row and records its outcome. The returned error is
// non-nil only when the outcome could not be recorded or ctx ended first;
// a failed document or evaluation run is reported as StateErrored. A row
// whose outcome is already recorded is not run again.
func (e *Executor) Execute(ctx context.Context, job domain.RowJob) (State, error) {
	log := e.logger.With("batch_id", job.BatchID, "row_id", job.RowID)

	prior, err := e.progress.RowState(ctx, job.BatchID, job.RowID)
	if err != nil {
		return "", fmt.Errorf("row %d of batch %s: %w", job.RowID, job.BatchID, err)
	}
	if prior != progress.RowPending {
		log.Info("row already recorded, skipping", "state", prior)
		return StateSkipped, nil
	}

	start := e.now()
	outcome, runErr := e.run(ctx, job)
	if err := ctx.Err(); err != nil {
		// Unrecorded; the row comes back once its lease expires.
		return "", err
	}
	elapsed := e.now().Sub(start)

	ev := events.Event{BatchID: job.BatchID, RowID: job.RowID, Duration: elapsed}
	state := StateSucceeded
	var record func(ctx context.Context) (bool, error)
	if runErr != nil {
		var te *domain.TransientError
		if !errors.As(runErr, &te) {
			te = &domain.TransientError{Step: domain.StepDocument, Err: runErr}
		}
		log.Warn("row run failed", "step", te.Step, "error", te.Err)
		state = StateErrored
		ev.Kind, ev.Step, ev.Err = events.KindRunErrored, te.Step, te
		record = func(ctx context.Context) (bool, error) {
			return e.progress.RecordRowErrored(ctx, job.BatchID, job.RowID)
		}
	} else {
		log.Debug("row run succeeded", "duration", elapsed)
		ev.Kind, ev.Outcome = events.KindRunSucceeded, outcome
		record = func(ctx context.Context) (bool, error) {
			return e.progress.RecordRowSucceeded(ctx, job.BatchID, job.RowID, outcome)
		}
	}

	applied, err := e.report(ctx, record)
	if err != nil {
		return state, fmt.Errorf("record row %d of batch %s: %w", job.RowID, job.BatchID, err)
	}
	if !applied {
		log.Info("row recorded by a concurrent delivery")
		return StateSkipped, nil
	}

	e.publish(ctx, log, ev)
	e.publishStatus(ctx, log, job)
	return state, nil
}

// DeadLettered counts a batch.row job the queue gave up on as an errored
// row, so its batch still finishes. Other kinds are ignored.
func (e *Executor) DeadLettered(ctx context.Context, j *queue.Job) {
	if j.Kind != queue.KindBatchRow {
		return
	}
	var job domain.RowJob
	if err := j.Decode(&job); err != nil {
		e.logger.Error("dead-lettered row unreadable", "job_id", j.ID, "error", err)
		return
	}
	log := e.logger.With("batch_id", job.BatchID, "row_id", job.RowID, "job_id", j.ID)

	applied, err := e.report(ctx, func(ctx context.Context) (bool, error) {
		return e.progress.RecordRowErrored(ctx, job.BatchID, job.RowID)
	})
	if err != nil {
		log.Error("record dead-lettered row failed", "error", err)
		return
	}
	if !applied {
		return
	}
	log.Warn("dead-lettered row counted as errored", "attempts", j.Attempts, "last_error", j.LastError)

	e.publish(ctx, log, events.Event{
		Kind:    events.KindRunErrored,
		BatchID: job.BatchID,
		RowID:   job.RowID,
		Step:    domain.StepDelivery,
		Err:     &domain.TransientError{Step: domain.StepDelivery, Err: errors.New(j.LastError)},
	})
	e.publishStatus(ctx, log, job)
}

func (e *Executor) publishStatus(ctx context.Context, log *slog.Logger, job domain.RowJob) {
	p, err := e.progress.Get(ctx, job.BatchID)
	if err != nil {
		log.Warn("read progress for status failed", "error", err)
		return
	}
	e.publish(ctx, log, events.Event{
		Kind:    events.KindBatchStatus,
		BatchID: job.BatchID,
		Status:  domain.NewStatusEvent(job.DocumentUUID, job.Evaluation, p),
	})
	if p.Done() {
		log.Info("batch finished", "completed", p.Completed, "errors", p.Errors, "passed", p.Passed, "failed", p.Failed)
	}
}

func (e *Executor) run(ctx context.Context, job domain.RowJob) (domain.EvaluationOutcome, error) {
	plog, err := e.docs.RunDocument(ctx, llm.RunDocumentRequest{
		ProjectID:    job.ProjectID,
		CommitUUID:   job.CommitUUID,
		DocumentUUID: job.DocumentUUID,
		Parameters:   job.Parameters,
	})
	if err != nil {
		return domain.EvaluationOutcome{}, &domain.TransientError{Step: domain.StepDocument, Err: err}
	}
	outcome, err := e.evals.RunEvaluation(ctx, llm.RunEvaluationRequest{
		BatchID:         job.BatchID,
		ProjectID:       job.ProjectID,
		CommitUUID:      job.CommitUUID,
		DocumentUUID:    job.DocumentUUID,
		ProviderLogUUID: plog.UUID,
		Evaluation:      job.Evaluation,
		Parameters:      job.Parameters,
	})
	if err != nil {
		return domain.EvaluationOutcome{}, &domain.TransientError{Step: domain.StepEvaluation, Err: err}
	}
	return outcome, nil
}

// report retries the progress write without rerunning the row. It reports
// whether the write was applied.
func (e *Executor) report(ctx context.Context, record func(context.Context) (bool, error)) (bool, error) {
	var (
		applied bool
		err     error
	)
	wait := e.reportBackoff
	for i := 0; i < reportAttempts; i++ {
		if applied, err = record(ctx); err == nil || errors.Is(err, domain.ErrNotFound) {
			return applied, err
		}
		if i == reportAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return false, err
}

func (e *Executor) publish(ctx context.Context, log *slog.Logger, ev events.Event) {
	if err := e.events.Publish(ctx, ev); err != nil {
		log.Warn("publish event failed", "kind", ev.Kind, "error", err)
	}
}

// Handle is the worker handler for batch.row jobs
func (e *Executor) Handle(ctx context.Context, d worker.Delivery) error {
	var job domain.RowJob
	if err := d.Job.Decode(&job); err != nil {
		return err
	}
	_, err := e.Execute(ctx, job)
	return err
}
