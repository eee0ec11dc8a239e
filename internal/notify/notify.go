// Package notify tells people when a batch evaluation has finished
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
	"github.com/hochfrequenz/prompt-ledger/internal/events"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	BatchID string
	Status  *domain.StatusEvent // set for batch completions
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// MultiNotifier sends to every notifier and joins their errors
type MultiNotifier []Notifier

func (m MultiNotifier) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier does nothing
type NoopNotifier struct{}

func (NoopNotifier) Send(context.Context, Notification) error { return nil }

// BatchFinished describes a completed batch
func BatchFinished(s domain.StatusEvent) Notification {
	n := Notification{
		Title:   fmt.Sprintf("Batch %s finished", s.BatchID),
		Message: fmt.Sprintf("%d rows: %d passed, %d failed, %d errors", s.Total, s.Passed, s.Failed, s.Errors),
		Type:    NotifySuccess,
		BatchID: s.BatchID,
		Status:  &s,
	}
	switch {
	case s.Errors > 0 && s.Errors == s.Total:
		n.Type = NotifyError
	case s.Errors > 0 || s.Failed > 0:
		n.Type = NotifyWarning
	}
	return n
}

// Completion sends one notification per batch once its status reports
// every row completed.
type Completion struct {
	notifier Notifier
	logger   *slog.Logger

	mu   sync.Mutex
	sent map[string]bool
}

// NewCompletion creates a Completion
func NewCompletion(n Notifier, logger *slog.Logger) *Completion {
	if logger == nil {
		logger = slog.Default()
	}
	return &Completion{notifier: n, logger: logger, sent: make(map[string]bool)}
}

// Handle is a batch.status event handler. Send failures are logged; they
// never fail the run that published the status.
func (c *Completion) Handle(ctx context.Context, ev events.Event) error {
	s := ev.Status
	if s.Total == 0 || s.Completed < s.Total {
		return nil
	}
	c.mu.Lock()
	if c.sent[s.BatchID] {
		c.mu.Unlock()
		return nil
	}
	c.sent[s.BatchID] = true
	c.mu.Unlock()

	if err := c.notifier.Send(ctx, BatchFinished(s)); err != nil {
		c.logger.Warn("batch notification failed", "batch_id", s.BatchID, "error", err)
	}
	return nil
}
