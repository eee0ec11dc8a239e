// Package progress tracks per-batch counters that many workers increment
// concurrently. Two backends exist: Badger for a single process running the
// whole pipeline, SQLite for several processes sharing one database file.
package progress

import (
	"context"
	"fmt"
	"strings"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
)

// Delta is a set of counter increments applied atomically
type Delta struct {
	Completed int64
	Passed    int64
	Failed    int64
	Errors    int64
	Enqueued  int64
	Score     float64
}

// Backend stores counters. Every method must be atomic per batch; Add must
// never be implemented as an unguarded read followed by a write.
type Backend interface {
	// Init sets total and zeroes the other counters unless the batch
	// already exists. It reports whether it initialized.
	Init(ctx context.Context, batchID string, total int64) (bool, error)
	// Add applies d. Adding to an unknown batch fails with ErrNotFound.
	Add(ctx context.Context, batchID string, d Delta) error
	// AddRow applies d and marks the row with state, unless the row is
	// already marked. It reports whether d was applied.
	AddRow(ctx context.Context, batchID string, rowID int64, state RowState, d Delta) (bool, error)
	// RowState returns the row's marker, RowPending when it has none.
	RowState(ctx context.Context, batchID string, rowID int64) (RowState, error)
	// Read returns the counters or ErrNotFound.
	Read(ctx context.Context, batchID string) (domain.ProgressRecord, error)
	// Delete removes every counter of the batch.
	Delete(ctx context.Context, batchID string) error
	Close() error
}

// RowState is the recorded outcome of one batch row
type RowState string

const (
	RowPending   RowState = ""
	RowSucceeded RowState = "succeeded"
	RowErrored   RowState = "errored"
)

var errNegative = fmt.Errorf("counters only grow: %w", domain.ErrInvalid)

// Tracker is the ProgressTracker used by the orchestrator and the run
// executor. Store failures are returned, never swallowed.
type Tracker struct {
	backend Backend
}

// NewTracker wraps a backend
func NewTracker(b Backend) *Tracker {
	return &Tracker{backend: b}
}

// Initialize sets up counters for a new batch. Calling it again for the same
// batch leaves the existing counters untouched and returns false.
func (t *Tracker) Initialize(ctx context.Context, batchID string, total int64) (bool, error) {
	if err := checkBatchID(batchID); err != nil {
		return false, err
	}
	if total < 0 {
		return false, fmt.Errorf("total must not be negative: %w", domain.ErrInvalid)
	}
	return t.backend.Init(ctx, batchID, total)
}

// IncrementCompleted adds delta to completed
func (t *Tracker) IncrementCompleted(ctx context.Context, batchID string, delta int64) error {
	if delta < 0 {
		return errNegative
	}
	return t.backend.Add(ctx, batchID, Delta{Completed: delta})
}

// IncrementErrors adds delta to errors
func (t *Tracker) IncrementErrors(ctx context.Context, batchID string, delta int64) error {
	if delta < 0 {
		return errNegative
	}
	return t.backend.Add(ctx, batchID, Delta{Errors: delta})
}

// IncrementEnqueued adds delta to enqueued
func (t *Tracker) IncrementEnqueued(ctx context.Context, batchID string, delta int64) error {
	if delta < 0 {
		return errNegative
	}
	return t.backend.Add(ctx, batchID, Delta{Enqueued: delta})
}

// EvaluationFinished records an evaluation outcome: passed or failed when
// the outcome carries a verdict, plus its score when present.
func (t *Tracker) EvaluationFinished(ctx context.Context, batchID string, o domain.EvaluationOutcome) error {
	d := outcomeDelta(o)
	if d == (Delta{}) {
		return nil
	}
	return t.backend.Add(ctx, batchID, d)
}

// RunSucceeded counts one completed row and its outcome in a single update,
// so passed+failed never runs ahead of completed.
func (t *Tracker) RunSucceeded(ctx context.Context, batchID string, o domain.EvaluationOutcome) error {
	d := outcomeDelta(o)
	d.Completed = 1
	return t.backend.Add(ctx, batchID, d)
}

// RunErrored counts one errored row. Errored rows also count as completed.
func (t *Tracker) RunErrored(ctx context.Context, batchID string) error {
	return t.backend.Add(ctx, batchID, Delta{Completed: 1, Errors: 1})
}

// RecordRowSucceeded is RunSucceeded counted at most once per row. It
// returns false, changing nothing, when the row already has an outcome.
func (t *Tracker) RecordRowSucceeded(ctx context.Context, batchID string, rowID int64, o domain.EvaluationOutcome) (bool, error) {
	d := outcomeDelta(o)
	d.Completed = 1
	return t.backend.AddRow(ctx, batchID, rowID, RowSucceeded, d)
}

// RecordRowErrored is RunErrored counted at most once per row
func (t *Tracker) RecordRowErrored(ctx context.Context, batchID string, rowID int64) (bool, error) {
	return t.backend.AddRow(ctx, batchID, rowID, RowErrored, Delta{Completed: 1, Errors: 1})
}

// RowState reports the recorded outcome of a row
func (t *Tracker) RowState(ctx context.Context, batchID string, rowID int64) (RowState, error) {
	return t.backend.RowState(ctx, batchID, rowID)
}

// Get returns a snapshot of the batch counters
func (t *Tracker) Get(ctx context.Context, batchID string) (domain.ProgressRecord, error) {
	return t.backend.Read(ctx, batchID)
}

// Cleanup deletes the batch counters
func (t *Tracker) Cleanup(ctx context.Context, batchID string) error {
	if err := checkBatchID(batchID); err != nil {
		return err
	}
	return t.backend.Delete(ctx, batchID)
}

// Close closes the backend
func (t *Tracker) Close() error {
	return t.backend.Close()
}

func outcomeDelta(o domain.EvaluationOutcome) Delta {
	var d Delta
	if o.Passed != nil {
		if *o.Passed {
			d.Passed = 1
		} else {
			d.Failed = 1
		}
	}
	if o.Score != nil {
		d.Score = *o.Score
	}
	return d
}

// Batch ids become key prefixes in the Badger backend
func checkBatchID(batchID string) error {
	if batchID == "" || strings.Contains(batchID, "/") {
		return fmt.Errorf("batch id %q: %w", batchID, domain.ErrInvalid)
	}
	return nil
}
