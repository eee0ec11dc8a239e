// Package batcheval runs an evaluation over the rows of a dataset. The
// orchestrator job fans the rows out as one queued unit each and survives
// crashes by resuming from the progress counters.
package batcheval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
	"github.com/hochfrequenz/prompt-ledger/internal/events"
	"github.com/hochfrequenz/prompt-ledger/internal/queue"
	"github.com/hochfrequenz/prompt-ledger/internal/worker"
)

// RowSource turns dataset rows into document parameters
type RowSource interface {
	Extract(ctx context.Context, datasetID int64, mapping map[string]int, bounds domain.LineRange) ([]domain.RowParameters, error)
}

// CommitResolver resolves the commit a batch runs at
type CommitResolver interface {
	ResolveCommit(ctx context.Context, projectID int64, commitUUID string) (*domain.Commit, error)
}

// Progress is the part of the progress tracker the orchestrator uses
type Progress interface {
	Initialize(ctx context.Context, batchID string, total int64) (bool, error)
	IncrementEnqueued(ctx context.Context, batchID string, delta int64) error
	Get(ctx context.Context, batchID string) (domain.ProgressRecord, error)
}

// RowDispatcher hands one row to the run executor. Dispatching the same
// row twice must not create a second unit; it reports whether this call
// created one.
type RowDispatcher interface {
	DispatchRow(ctx context.Context, job domain.RowJob) (bool, error)
}

// Orchestrator is the batch.run job
type Orchestrator struct {
	rows     RowSource
	commits  CommitResolver
	progress Progress
	dispatch RowDispatcher
	events   events.Publisher
	logger   *slog.Logger
}

// New creates an Orchestrator
func New(rows RowSource, commits CommitResolver, progress Progress, dispatch RowDispatcher, pub events.Publisher, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = events.Discard{}
	}
	return &Orchestrator{
		rows:     rows,
		commits:  commits,
		progress: progress,
		dispatch: dispatch,
		events:   pub,
		logger:   logger,
	}
}

// Run dispatches the batch's rows and returns the batch ID. attempt is the
// number of earlier deliveries of this job: only attempt 0 initializes the
// counters. Later attempts skip the rows already counted as enqueued.
//
// The enqueued counter is incremented before each dispatch, so a crash
// between the two leaves one counted row undispatched. A resumed run
// dispatches that row again; the dispatcher drops it if it already went out.
func (o *Orchestrator) Run(ctx context.Context, job domain.BatchJob, attempt int) (string, error) {
	if job.BatchID == "" {
		job.BatchID = uuid.NewString()
	}
	if err := job.Validate(); err != nil {
		return "", err
	}
	log := o.logger.With("batch_id", job.BatchID, "attempt", attempt)

	commit, err := o.commits.ResolveCommit(ctx, job.ProjectID, job.CommitUUID)
	if err != nil {
		return "", fmt.Errorf("batch %s: %w", job.BatchID, err)
	}
	rows, err := o.rows.Extract(ctx, job.DatasetID, job.ParametersMap, job.Range)
	if err != nil {
		return "", fmt.Errorf("batch %s: extract rows: %w", job.BatchID, err)
	}

	offset, err := o.start(ctx, job.BatchID, int64(len(rows)), attempt)
	if err != nil {
		return "", err
	}
	if offset > len(rows) {
		offset = len(rows)
	}
	if attempt == 0 {
		log.Info("batch started", "total", len(rows), "commit_uuid", commit.UUID)
	} else {
		log.Info("batch resumed", "total", len(rows), "offset", offset)
	}

	rowJob := func(r domain.RowParameters) domain.RowJob {
		return domain.RowJob{
			BatchID:      job.BatchID,
			ProjectID:    job.ProjectID,
			CommitUUID:   commit.UUID,
			DocumentUUID: job.DocumentUUID,
			RowID:        r.RowID,
			Parameters:   r.Parameters,
			Evaluation:   job.Evaluation,
		}
	}

	if offset > 0 {
		created, err := o.dispatch.DispatchRow(ctx, rowJob(rows[offset-1]))
		if err != nil {
			return "", fmt.Errorf("batch %s: redispatch row %d: %w", job.BatchID, rows[offset-1].RowID, err)
		}
		if created {
			log.Warn("recovered row counted but never dispatched", "row_id", rows[offset-1].RowID)
		}
	}

	for _, r := range rows[offset:] {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := o.progress.IncrementEnqueued(ctx, job.BatchID, 1); err != nil {
			return "", fmt.Errorf("batch %s: count row %d: %w", job.BatchID, r.RowID, err)
		}
		if _, err := o.dispatch.DispatchRow(ctx, rowJob(r)); err != nil {
			return "", fmt.Errorf("batch %s: dispatch row %d: %w", job.BatchID, r.RowID, err)
		}
		log.Debug("row dispatched", "row_id", r.RowID)
		o.publish(ctx, log, events.Event{Kind: events.KindRowEnqueued, BatchID: job.BatchID, RowID: r.RowID})
		o.emitStatus(ctx, log, job)
	}

	if offset == len(rows) {
		// Nothing left to dispatch; still tell observers where the batch stands.
		o.emitStatus(ctx, log, job)
	}
	return job.BatchID, nil
}

// start initializes the counters on the first attempt and returns the
// enqueue offset to resume from on later ones.
func (o *Orchestrator) start(ctx context.Context, batchID string, total int64, attempt int) (int, error) {
	if attempt == 0 {
		initialized, err := o.progress.Initialize(ctx, batchID, total)
		if err != nil {
			return 0, fmt.Errorf("batch %s: initialize progress: %w", batchID, err)
		}
		if initialized {
			return 0, nil
		}
		o.logger.Warn("progress already initialized on first attempt, resuming", "batch_id", batchID)
	}

	p, err := o.progress.Get(ctx, batchID)
	if errors.Is(err, domain.ErrNotFound) {
		// The earlier attempt died before initializing.
		if _, err := o.progress.Initialize(ctx, batchID, total); err != nil {
			return 0, fmt.Errorf("batch %s: initialize progress: %w", batchID, err)
		}
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("batch %s: read progress: %w", batchID, err)
	}
	return int(p.Enqueued), nil
}

func (o *Orchestrator) emitStatus(ctx context.Context, log *slog.Logger, job domain.BatchJob) {
	p, err := o.progress.Get(ctx, job.BatchID)
	if err != nil {
		log.Warn("read progress for status failed", "error", err)
		return
	}
	o.publish(ctx, log, events.Event{
		Kind:    events.KindBatchStatus,
		BatchID: job.BatchID,
		Status:  domain.NewStatusEvent(job.DocumentUUID, job.Evaluation, p),
	})
}

// publish never fails the batch; observers are advisory
func (o *Orchestrator) publish(ctx context.Context, log *slog.Logger, ev events.Event) {
	if err := o.events.Publish(ctx, ev); err != nil {
		log.Warn("publish event failed", "kind", ev.Kind, "error", err)
	}
}

// Handle is the worker handler for batch.run jobs
func (o *Orchestrator) Handle(ctx context.Context, d worker.Delivery) error {
	var job domain.BatchJob
	if err := d.Job.Decode(&job); err != nil {
		return err
	}
	_, err := o.Run(ctx, job, d.Attempt)
	return err
}

// Enqueuer is the part of the queue used to submit jobs
type Enqueuer interface {
	EnqueueOnce(ctx context.Context, kind queue.Kind, payload any, opts queue.EnqueueOptions) (*queue.Job, bool, error)
}

// QueueDispatcher dispatches rows as batch.row jobs. The job ID is derived
// from batch and row, which makes a repeated dispatch a no-op.
type QueueDispatcher struct {
	Queue       Enqueuer
	MaxAttempts int
}

// RowJobID is the queue job ID of a batch row
func RowJobID(batchID string, rowID int64) string {
	return fmt.Sprintf("%s/row/%d", batchID, rowID)
}

// DispatchRow implements RowDispatcher
func (d QueueDispatcher) DispatchRow(ctx context.Context, job domain.RowJob) (bool, error) {
	_, created, err := d.Queue.EnqueueOnce(ctx, queue.KindBatchRow, job, queue.EnqueueOptions{
		ID:          RowJobID(job.BatchID, job.RowID),
		MaxAttempts: d.MaxAttempts,
	})
	return created, err
}

// Submit validates a batch, assigns its ID when empty, pins the commit
// (resolving the HEAD sentinel) and enqueues the orchestrator job. The
// returned ID is the correlation key for progress.
func Submit(ctx context.Context, q Enqueuer, commits CommitResolver, job domain.BatchJob, maxAttempts int) (string, error) {
	if job.BatchID == "" {
		job.BatchID = uuid.NewString()
	}
	if err := job.Validate(); err != nil {
		return "", err
	}
	commit, err := commits.ResolveCommit(ctx, job.ProjectID, job.CommitUUID)
	if err != nil {
		return "", err
	}
	job.CommitUUID = commit.UUID

	_, created, err := q.EnqueueOnce(ctx, queue.KindBatchRun, job, queue.EnqueueOptions{
		ID:          BatchJobID(job.BatchID),
		MaxAttempts: maxAttempts,
	})
	if err != nil {
		return "", err
	}
	if !created {
		return "", fmt.Errorf("batch %s already submitted: %w", job.BatchID, domain.ErrConflict)
	}
	return job.BatchID, nil
}

// BatchJobID is the queue job ID of a batch's orchestrator job
func BatchJobID(batchID string) string {
	return "batch/" + batchID
}
