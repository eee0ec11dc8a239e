// Package events routes batch lifecycle events through an explicit
// dispatch table built once at startup.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
)

// Kind discriminates events
type Kind string

const (
	KindRowEnqueued  Kind = "row.enqueued"
	KindRunSucceeded Kind = "run.succeeded"
	KindRunErrored   Kind = "run.errored"
	KindBatchStatus  Kind = "batch.status"
)

// Event is published by the orchestrator and the run executor. Which
// fields are set depends on Kind.
type Event struct {
	Kind     Kind
	BatchID  string
	RowID    int64
	Status   domain.StatusEvent       // batch.status
	Outcome  domain.EvaluationOutcome // run.succeeded
	Step     domain.RunStep           // run.errored
	Err      error                    // run.errored
	Duration time.Duration            // run.*
}

// Handler reacts to one event
type Handler func(ctx context.Context, ev Event) error

// Table maps each kind to its handlers, run in order
type Table map[Kind][]Handler

// Publisher is what event sources depend on
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Dispatcher invokes handlers synchronously
type Dispatcher struct {
	table  Table
	logger *slog.Logger
}

// NewDispatcher copies table, so later changes to it have no effect
func NewDispatcher(table Table, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	t := make(Table, len(table))
	for k, hs := range table {
		t[k] = append([]Handler(nil), hs...)
	}
	return &Dispatcher{table: t, logger: logger}
}

// Publish runs every handler for ev.Kind. A failing handler does not stop
// the ones after it; all errors are joined.
func (d *Dispatcher) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for i, h := range d.table[ev.Kind] {
		if err := h(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("%s handler %d: %w", ev.Kind, i, err))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		d.logger.Warn("event handler failed", "kind", ev.Kind, "batch_id", ev.BatchID, "error", err)
	}
	return err
}

// Discard is a Publisher that drops everything
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
