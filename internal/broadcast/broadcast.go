// Package broadcast pushes batch status events to observers
package broadcast

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
)

// Broadcaster delivers status events. Emit must not block on slow
// observers.
type Broadcaster interface {
	Emit(ctx context.Context, ev domain.StatusEvent) error
}

// Noop discards events
type Noop struct{}

func (Noop) Emit(context.Context, domain.StatusEvent) error { return nil }

// Log writes events to a logger at debug level
type Log struct {
	Logger *slog.Logger
}

func (l Log) Emit(ctx context.Context, ev domain.StatusEvent) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.DebugContext(ctx, "batch status",
		"batch_id", ev.BatchID,
		"total", ev.Total,
		"enqueued", ev.Enqueued,
		"completed", ev.Completed,
		"passed", ev.Passed,
		"failed", ev.Failed,
		"errors", ev.Errors)
	return nil
}

// Multi fans an event out to every broadcaster and joins their errors
type Multi []Broadcaster

func (m Multi) Emit(ctx context.Context, ev domain.StatusEvent) error {
	var errs []error
	for _, b := range m {
		if err := b.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
