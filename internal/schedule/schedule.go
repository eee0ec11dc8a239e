// Package schedule fires batch evaluations on cron expressions. Each fire
// submits a new batch at the project's HEAD commit, unless the batch from
// the previous fire is still running.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/prompt-ledger/internal/config"
	"github.com/hochfrequenz/prompt-ledger/internal/domain"
	"github.com/hochfrequenz/prompt-ledger/internal/queue"
	"github.com/hochfrequenz/prompt-ledger/internal/resolver"
)

// Submitter enqueues a batch and returns its ID
type Submitter interface {
	Submit(ctx context.Context, job domain.BatchJob) (string, error)
}

// SubmitFunc adapts a function to Submitter
type SubmitFunc func(ctx context.Context, job domain.BatchJob) (string, error)

func (f SubmitFunc) Submit(ctx context.Context, job domain.BatchJob) (string, error) {
	return f(ctx, job)
}

// BatchStatus reports whether a batch is still in flight
type BatchStatus interface {
	Running(ctx context.Context, batchID string) (bool, error)
}

// Entry describes a loaded schedule
type Entry struct {
	Name      string
	Cron      string
	Next      time.Time
	LastBatch string
}

// Scheduler owns a robfig cron runner and the table of loaded schedules
type Scheduler struct {
	cron   *cron.Cron
	submit Submitter
	status BatchStatus
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	configs map[string]config.ScheduleEntry
	last    map[string]string // schedule name -> batch ID of the last fire
}

// New creates a Scheduler. Call Load to install schedules and Start to run.
func New(submit Submitter, status BatchStatus, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Scheduler{
		cron:    cron.New(cron.WithParser(parser)),
		submit:  submit,
		status:  status,
		logger:  logger,
		entries: make(map[string]cron.EntryID),
		configs: make(map[string]config.ScheduleEntry),
		last:    make(map[string]string),
	}
}

// Load replaces the schedule table. All entries are validated first; on
// error the current table is kept. The last batch of a schedule that
// survives the reload is remembered.
func (s *Scheduler) Load(entries []config.ScheduleEntry) error {
	seen := make(map[string]bool, len(entries))
	for i := range entries {
		if err := entries[i].Validate(); err != nil {
			return fmt.Errorf("schedule %q: %w", entries[i].Name, err)
		}
		if seen[entries[i].Name] {
			return fmt.Errorf("schedule %q defined twice", entries[i].Name)
		}
		seen[entries[i].Name] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for name, id := range s.entries {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
	s.configs = make(map[string]config.ScheduleEntry, len(entries))
	for _, e := range entries {
		name := e.Name
		id, err := s.cron.AddFunc(e.Cron, func() { s.fire(name) })
		if err != nil {
			// Validate parsed the same expression already
			return fmt.Errorf("schedule %q: %w", e.Name, err)
		}
		s.entries[name] = id
		s.configs[name] = e
	}
	for name := range s.last {
		if !seen[name] {
			delete(s.last, name)
		}
	}
	s.logger.Info("schedules loaded", "count", len(entries))
	return nil
}

// Start runs the cron loop in its own goroutine
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the cron loop and waits for running fires to return
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Entries lists the loaded schedules by name
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.configs))
	for name, cfg := range s.configs {
		out = append(out, Entry{
			Name:      name,
			Cron:      cfg.Cron,
			Next:      s.cron.Entry(s.entries[name]).Next,
			LastBatch: s.last[name],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) fire(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := s.Fire(ctx, name); err != nil && !errors.Is(err, ErrStillRunning) {
		s.logger.Error("scheduled batch failed to submit", "schedule", name, "error", err)
	}
}

// ErrStillRunning is returned by Fire when the previous batch of the
// schedule has not finished
var ErrStillRunning = errors.New("previous batch still running")

// Fire submits the named schedule's batch now. It is what the cron loop
// calls on every tick of the expression.
func (s *Scheduler) Fire(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	cfg, ok := s.configs[name]
	last := s.last[name]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("schedule %q: %w", name, domain.ErrNotFound)
	}
	log := s.logger.With("schedule", name)

	if last != "" {
		running, err := s.status.Running(ctx, last)
		if err != nil {
			return "", fmt.Errorf("schedule %q: status of batch %s: %w", name, last, err)
		}
		if running {
			log.Info("skipping fire, previous batch still running", "batch_id", last)
			return "", ErrStillRunning
		}
	}

	batchID, err := s.submit.Submit(ctx, JobFor(cfg))
	if err != nil {
		return "", fmt.Errorf("schedule %q: %w", name, err)
	}

	s.mu.Lock()
	if _, still := s.configs[name]; still {
		s.last[name] = batchID
	}
	s.mu.Unlock()
	log.Info("scheduled batch submitted", "batch_id", batchID)
	return batchID, nil
}

// JobFor builds the batch a schedule entry submits
func JobFor(e config.ScheduleEntry) domain.BatchJob {
	ref := domain.RefV2(e.EvaluationUUID)
	if e.EvaluationID != 0 {
		ref = domain.RefV1(e.EvaluationID)
	}
	return domain.BatchJob{
		ProjectID:     e.ProjectID,
		CommitUUID:    resolver.HeadSentinel,
		DocumentUUID:  e.DocumentUUID,
		DatasetID:     e.DatasetID,
		Evaluation:    ref,
		ParametersMap: e.Parameters,
		Range:         domain.LineRange{FromLine: e.FromLine, ToLine: e.ToLine},
	}
}

// JobGetter reads queue jobs
type JobGetter interface {
	Get(ctx context.Context, jobID string) (*queue.Job, error)
}

// ProgressGetter reads batch progress
type ProgressGetter interface {
	Get(ctx context.Context, batchID string) (domain.ProgressRecord, error)
}

// QueueStatus decides whether a batch runs from its orchestrator job and
// its counters: the job must not be dead, and either the job is still
// pending or the counters show unfinished rows.
type QueueStatus struct {
	Jobs     JobGetter
	Progress ProgressGetter
	JobID    func(batchID string) string
}

// Running implements BatchStatus
func (q QueueStatus) Running(ctx context.Context, batchID string) (bool, error) {
	j, err := q.Jobs.Get(ctx, q.JobID(batchID))
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	switch j.Status {
	case queue.StatusDead:
		return false, nil
	case queue.StatusQueued, queue.StatusLeased:
		return true, nil
	}

	p, err := q.Progress.Get(ctx, batchID)
	if errors.Is(err, domain.ErrNotFound) {
		// Cleaned up already
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.Completed < p.Total, nil
}

// ReloadFrom returns a function that re-reads the config file at path and
// replaces the schedule table. A broken file keeps the current table.
func (s *Scheduler) ReloadFrom(path string) func() {
	return func() {
		cfg, err := config.Load(path)
		if err != nil {
			s.logger.Error("reload config failed, keeping schedules", "path", path, "error", err)
			return
		}
		if err := s.Load(cfg.Schedule); err != nil {
			s.logger.Error("reload schedules failed, keeping schedules", "path", path, "error", err)
		}
	}
}
