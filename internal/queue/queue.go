// Package queue is a durable at-least-once job queue on SQLite. A claimed
// job is leased to one worker; if the lease expires before the job is acked
// or failed, another worker may claim it again.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
	"github.com/hochfrequenz/prompt-ledger/internal/storage"
)

// Kind routes a job to its handler
type Kind string

const (
	KindBatchRun Kind = "batch.run" // orchestrator job, payload domain.BatchJob
	KindBatchRow Kind = "batch.row" // run executor unit, payload domain.RowJob
)

// Status is a job's lifecycle state
type Status string

const (
	StatusQueued Status = "queued"
	StatusLeased Status = "leased"
	StatusDone   Status = "done"
	StatusDead   Status = "dead"
)

var (
	// ErrEmpty is returned by Claim when no job is ready
	ErrEmpty = errors.New("queue: no job ready")

	// ErrLeaseLost is returned when a worker acts on a job it no longer holds
	ErrLeaseLost = errors.New("queue: lease lost")
)

const errLeaseExpired = "lease expired on final attempt"

// Backoff constants for retries
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2
)

// CalculateBackoff returns the retry delay after the given failed attempt
// (0-based) using exponential backoff.
func CalculateBackoff(attempt int) time.Duration {
	delay := initialBackoff
	for i := 0; i < attempt; i++ {
		delay *= backoffFactor
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// Job is one unit of queued work
type Job struct {
	ID             string
	Kind           Kind
	Payload        json.RawMessage
	Status         Status
	Attempts       int // deliveries so far, including the current one
	MaxAttempts    int
	RunAt          time.Time
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Attempt is the number of deliveries made before the current one. The
// first delivery is attempt 0.
func (j *Job) Attempt() int {
	if j.Attempts == 0 {
		return 0
	}
	return j.Attempts - 1
}

// Decode unmarshals the payload into v
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s job %s: %w", j.Kind, j.ID, err)
	}
	return nil
}

// EnqueueOptions tunes a single enqueue
type EnqueueOptions struct {
	MaxAttempts int       // defaults to 1
	RunAt       time.Time // defaults to now

	// ID makes the enqueue idempotent: if a job with this ID exists, it is
	// returned unchanged. Defaults to a random UUID.
	ID string
}

// Stats counts jobs by status
type Stats struct {
	Queued int64 `json:"queued"`
	Leased int64 `json:"leased"`
	Done   int64 `json:"done"`
	Dead   int64 `json:"dead"`
}

// DeadLetterFunc is called once for every job moved to StatusDead
type DeadLetterFunc func(ctx context.Context, j *Job)

// Queue provides the job queue operations
type Queue struct {
	db         *sql.DB
	logger     *slog.Logger
	now        func() time.Time
	backoff    func(attempt int) time.Duration
	deadLetter DeadLetterFunc
}

// New creates a Queue on an opened, migrated database
func New(db *sql.DB, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{db: db, logger: logger, now: time.Now, backoff: CalculateBackoff}
}

// WithBackoff replaces the retry delay function
func (q *Queue) WithBackoff(fn func(attempt int) time.Duration) *Queue {
	q.backoff = fn
	return q
}

// WithDeadLetter sets the function called after a job is dead-lettered,
// either by Fail or by Claim finding an expired final lease. Set it before
// workers start.
func (q *Queue) WithDeadLetter(fn DeadLetterFunc) *Queue {
	q.deadLetter = fn
	return q
}

func (q *Queue) notifyDead(ctx context.Context, j *Job) {
	if q.deadLetter != nil {
		q.deadLetter(context.WithoutCancel(ctx), j)
	}
}

// Enqueue adds a job with a JSON-encoded payload
func (q *Queue) Enqueue(ctx context.Context, kind Kind, payload any, opts EnqueueOptions) (*Job, error) {
	j, _, err := q.EnqueueOnce(ctx, kind, payload, opts)
	return j, err
}

// EnqueueOnce is Enqueue that also reports whether a new job was created.
// It is false when opts.ID names an existing job.
func (q *Queue) EnqueueOnce(ctx context.Context, kind Kind, payload any, opts EnqueueOptions) (*Job, bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	now := q.now().UTC()
	if opts.RunAt.IsZero() {
		opts.RunAt = now
	}
	j := &Job{
		ID:          opts.ID,
		Kind:        kind,
		Payload:     data,
		Status:      StatusQueued,
		MaxAttempts: opts.MaxAttempts,
		RunAt:       opts.RunAt.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, payload, status, attempts, max_attempts, run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, j.ID, string(j.Kind), string(j.Payload), string(j.Status), j.MaxAttempts,
		storage.Stamp(j.RunAt), storage.Stamp(now), storage.Stamp(now))
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		existing, err := q.Get(ctx, j.ID)
		return existing, false, err
	}
	return j, true, nil
}

// Claim leases the oldest ready job to workerID. A job is ready when it is
// queued and due, or leased with an expired lease. Jobs whose lease expired
// on their final attempt are dead-lettered instead of redelivered.
func (q *Queue) Claim(ctx context.Context, workerID string, lease time.Duration) (*Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := q.now().UTC()
	stamp := storage.Stamp(now)
	var dead []*Job
	defer func() {
		for _, j := range dead {
			q.logger.Warn("job dead-lettered", "job_id", j.ID, "kind", j.Kind, "attempts", j.Attempts, "error", errLeaseExpired)
			j.Status = StatusDead
			j.LastError = errLeaseExpired
			j.LeaseOwner = ""
			j.LeaseExpiresAt = nil
			q.notifyDead(ctx, j)
		}
	}()
	for {
		j, err := scanJob(tx.QueryRowContext(ctx, `
			SELECT `+jobColumns+` FROM jobs
			WHERE (status = 'queued' AND run_at <= ?)
			   OR (status = 'leased' AND lease_expires_at <= ?)
			ORDER BY run_at, created_at
			LIMIT 1
		`, stamp, stamp))
		if errors.Is(err, sql.ErrNoRows) {
			if len(dead) > 0 {
				if err := tx.Commit(); err != nil {
					dead = nil
					return nil, err
				}
			}
			return nil, ErrEmpty
		}
		if err != nil {
			dead = nil
			return nil, err
		}

		if j.Status == StatusLeased && j.Attempts >= j.MaxAttempts {
			if _, err := tx.ExecContext(ctx, `
				UPDATE jobs SET status = 'dead', last_error = ?, lease_owner = '', lease_expires_at = NULL, updated_at = ?
				WHERE id = ?
			`, errLeaseExpired, stamp, j.ID); err != nil {
				dead = nil
				return nil, err
			}
			dead = append(dead, j)
			continue
		}

		expires := now.Add(lease)
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'leased', attempts = attempts + 1, lease_owner = ?, lease_expires_at = ?, updated_at = ?
			WHERE id = ?
		`, workerID, storage.Stamp(expires), stamp, j.ID); err != nil {
			dead = nil
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			dead = nil
			return nil, err
		}
		j.Status = StatusLeased
		j.Attempts++
		j.LeaseOwner = workerID
		j.LeaseExpiresAt = &expires
		j.UpdatedAt = now
		return j, nil
	}
}

// Extend pushes out the lease of a job still held by workerID
func (q *Queue) Extend(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	now := q.now().UTC()
	return q.updateHeld(ctx, jobID, workerID, `
		UPDATE jobs SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND lease_owner = ? AND status = 'leased'
	`, storage.Stamp(now.Add(lease)), storage.Stamp(now), jobID, workerID)
}

// Ack marks a held job done
func (q *Queue) Ack(ctx context.Context, jobID, workerID string) error {
	return q.updateHeld(ctx, jobID, workerID, `
		UPDATE jobs SET status = 'done', lease_owner = '', lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND lease_owner = ? AND status = 'leased'
	`, storage.Stamp(q.now().UTC()), jobID, workerID)
}

// Fail records a handler failure. The job is requeued with backoff while it
// has attempts left, otherwise it is dead-lettered. It reports whether the
// job is dead.
func (q *Queue) Fail(ctx context.Context, jobID, workerID string, cause error) (bool, error) {
	j, err := q.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if j.Status != StatusLeased || j.LeaseOwner != workerID {
		return false, fmt.Errorf("job %s: %w", jobID, ErrLeaseLost)
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	now := q.now().UTC()
	if j.Attempts >= j.MaxAttempts {
		err := q.updateHeld(ctx, jobID, workerID, `
			UPDATE jobs SET status = 'dead', last_error = ?, lease_owner = '', lease_expires_at = NULL, updated_at = ?
			WHERE id = ? AND lease_owner = ? AND status = 'leased'
		`, msg, storage.Stamp(now), jobID, workerID)
		if err != nil {
			return false, err
		}
		j.Status = StatusDead
		j.LastError = msg
		j.LeaseOwner = ""
		j.LeaseExpiresAt = nil
		q.notifyDead(ctx, j)
		return true, nil
	}

	runAt := now.Add(q.backoff(j.Attempt()))
	err = q.updateHeld(ctx, jobID, workerID, `
		UPDATE jobs SET status = 'queued', last_error = ?, run_at = ?, lease_owner = '', lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND lease_owner = ? AND status = 'leased'
	`, msg, storage.Stamp(runAt), storage.Stamp(now), jobID, workerID)
	return false, err
}

func (q *Queue) updateHeld(ctx context.Context, jobID, workerID, query string, args ...any) error {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s held by %s: %w", jobID, workerID, ErrLeaseLost)
	}
	return nil
}

// Get retrieves a job by ID
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	j, err := scanJob(q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	return j, err
}

// Stats counts jobs by status
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return s, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return s, err
		}
		switch Status(status) {
		case StatusQueued:
			s.Queued = n
		case StatusLeased:
			s.Leased = n
		case StatusDone:
			s.Done = n
		case StatusDead:
			s.Dead = n
		}
	}
	return s, rows.Err()
}

// PurgeDone deletes finished jobs last updated before cutoff
func (q *Queue) PurgeDone(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM jobs WHERE status = 'done' AND updated_at < ?`, storage.Stamp(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const jobColumns = `id, kind, payload, status, attempts, max_attempts, run_at, lease_owner, lease_expires_at, last_error, created_at, updated_at`

func scanJob(row *sql.Row) (*Job, error) {
	var j Job
	var kind, payload, status string
	var runAt, created, updated int64
	var leaseExpires sql.NullInt64
	err := row.Scan(&j.ID, &kind, &payload, &status, &j.Attempts, &j.MaxAttempts, &runAt,
		&j.LeaseOwner, &leaseExpires, &j.LastError, &created, &updated)
	if err != nil {
		return nil, err
	}
	j.Kind = Kind(kind)
	j.Payload = json.RawMessage(payload)
	j.Status = Status(status)
	j.RunAt = storage.Unstamp(runAt)
	j.LeaseExpiresAt = storage.UnstampNull(leaseExpires)
	j.CreatedAt = storage.Unstamp(created)
	j.UpdatedAt = storage.Unstamp(updated)
	return &j, nil
}
