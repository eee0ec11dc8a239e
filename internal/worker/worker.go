// Package worker pulls jobs from the queue and routes them to handlers by
// job kind. Each worker runs up to Slots jobs concurrently and keeps their
// leases alive while they run.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/prompt-ledger/internal/queue"
)

// Delivery is one delivery of a job. Attempt counts the deliveries made
// before this one; the first delivery is attempt 0.
type Delivery struct {
	Job     *queue.Job
	Attempt int
}

// Handler processes one delivery. Returning an error fails the job, which
// the queue retries or dead-letters.
type Handler func(ctx context.Context, d Delivery) error

// Handlers is the dispatch table from job kind to handler
type Handlers map[queue.Kind]Handler

// Queue is the part of the job queue a worker needs
type Queue interface {
	Claim(ctx context.Context, workerID string, lease time.Duration) (*queue.Job, error)
	Extend(ctx context.Context, jobID, workerID string, lease time.Duration) error
	Ack(ctx context.Context, jobID, workerID string) error
	Fail(ctx context.Context, jobID, workerID string, cause error) (bool, error)
}

// Hooks observe job outcomes. Nil fields are skipped.
type Hooks struct {
	SlotsChanged func(busy int)
	Finished     func(kind queue.Kind, d time.Duration, err error)
	Retried      func(kind queue.Kind)
	DeadLettered func(kind queue.Kind)
}

// Config configures a Worker
type Config struct {
	ID           string // defaults to hostname plus a random suffix
	Slots        int
	PollInterval time.Duration
	Lease        time.Duration

	// ExitWhenIdle makes Run return once no job is running and none is due.
	ExitWhenIdle bool

	Logger *slog.Logger
	Hooks  Hooks
}

// Worker runs queued jobs
type Worker struct {
	id       string
	queue    Queue
	handlers Handlers
	pool     *Pool
	cfg      Config
	logger   *slog.Logger
	freed    chan struct{}
}

// New creates a worker. handlers must cover every job kind the worker is
// expected to see; jobs of other kinds fail.
func New(q Queue, handlers Handlers, cfg Config) *Worker {
	if cfg.ID == "" {
		host, _ := os.Hostname()
		cfg.ID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		id:       cfg.ID,
		queue:    q,
		handlers: handlers,
		pool:     NewPool(cfg.Slots),
		cfg:      cfg,
		logger:   logger.With("worker_id", cfg.ID),
		freed:    make(chan struct{}, 1),
	}
	w.pool.OnChange(func(busy int) {
		if cfg.Hooks.SlotsChanged != nil {
			cfg.Hooks.SlotsChanged(busy)
		}
	})
	return w
}

// ID returns the lease owner name used by this worker
func (w *Worker) ID() string {
	return w.id
}

// Run claims and runs jobs until ctx is cancelled, then waits for running
// jobs to return. Jobs interrupted by cancellation are neither acked nor
// failed; their lease expires and another worker picks them up.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "slots", w.pool.Size(), "lease", w.cfg.Lease)
	defer w.logger.Info("worker stopped")

	var g errgroup.Group
	for ctx.Err() == nil {
		if !w.pool.Acquire() {
			select {
			case <-ctx.Done():
			case <-w.freed:
			}
			continue
		}
		idle := w.pool.Busy() == 1

		job, err := w.queue.Claim(ctx, w.id, w.cfg.Lease)
		if err != nil {
			w.pool.Release()
			if errors.Is(err, queue.ErrEmpty) {
				if w.cfg.ExitWhenIdle && idle {
					break
				}
			} else if ctx.Err() == nil {
				w.logger.Error("claim failed", "error", err)
			}
			w.sleep(ctx)
			continue
		}

		g.Go(func() error {
			defer w.release()
			w.process(ctx, job)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) release() {
	w.pool.Release()
	select {
	case w.freed <- struct{}{}:
	default:
	}
}

func (w *Worker) sleep(ctx context.Context) {
	t := time.NewTimer(w.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	case <-w.freed:
	}
}

func (w *Worker) process(ctx context.Context, job *queue.Job) {
	log := w.logger.With("job_id", job.ID, "kind", job.Kind, "attempt", job.Attempt())
	start := time.Now()

	hctx, cancel := context.WithCancel(ctx)
	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		w.heartbeat(hctx, cancel, job, log)
	}()

	err := w.dispatch(hctx, Delivery{Job: job, Attempt: job.Attempt()})
	cancel()
	hb.Wait()

	if w.cfg.Hooks.Finished != nil {
		w.cfg.Hooks.Finished(job.Kind, time.Since(start), err)
	}

	if ctx.Err() != nil {
		log.Warn("worker stopping, leaving job to lease expiry", "error", err)
		return
	}

	// Settle even if the handler's context was cancelled by a lost lease.
	sctx := context.WithoutCancel(ctx)
	if err == nil {
		if err := w.queue.Ack(sctx, job.ID, w.id); err != nil {
			log.Error("ack failed", "error", err)
		}
		return
	}

	dead, ferr := w.queue.Fail(sctx, job.ID, w.id, err)
	switch {
	case ferr != nil:
		log.Error("fail failed", "error", ferr, "cause", err)
	case dead:
		log.Error("job dead-lettered", "error", err)
		if w.cfg.Hooks.DeadLettered != nil {
			w.cfg.Hooks.DeadLettered(job.Kind)
		}
	default:
		log.Warn("job failed, will retry", "error", err)
		if w.cfg.Hooks.Retried != nil {
			w.cfg.Hooks.Retried(job.Kind)
		}
	}
}

// dispatch looks up and runs the handler, turning panics into errors
func (w *Worker) dispatch(ctx context.Context, d Delivery) (err error) {
	h, ok := w.handlers[d.Job.Kind]
	if !ok {
		return fmt.Errorf("no handler for job kind %q", d.Job.Kind)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, d)
}

// heartbeat extends the lease every third of its length. If the lease is
// lost the handler's context is cancelled.
func (w *Worker) heartbeat(ctx context.Context, cancel context.CancelFunc, job *queue.Job, log *slog.Logger) {
	t := time.NewTicker(w.cfg.Lease / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			err := w.queue.Extend(ctx, job.ID, w.id, w.cfg.Lease)
			if errors.Is(err, queue.ErrLeaseLost) {
				log.Warn("lease lost, abandoning job")
				cancel()
				return
			}
			if err != nil && ctx.Err() == nil {
				log.Warn("lease extension failed", "error", err)
			}
		}
	}
}
