// Package metrics provides Prometheus instrumentation for batch evaluation.
//
// Metrics are fed from two places: the event dispatch table (run and row
// events) and the worker hooks (slots, retries, dead letters). Merges are
// counted by the caller of VersionStore.Merge. Everything is exposed on
// /metrics.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
	"github.com/hochfrequenz/prompt-ledger/internal/events"
	"github.com/hochfrequenz/prompt-ledger/internal/queue"
	"github.com/hochfrequenz/prompt-ledger/internal/worker"
)

const namespace = "promptledger"

// Metrics holds every collector. Create once per registry with New.
type Metrics struct {
	// RowsEnqueued counts rows dispatched by the orchestrator
	RowsEnqueued prometheus.Counter

	// RunsTotal counts row runs.
	// Labels: outcome (succeeded, errored), step (document, evaluation, "")
	RunsTotal *prometheus.CounterVec

	// EvaluationOutcomes counts verdicts of successful runs.
	// Labels: verdict (passed, failed, none)
	EvaluationOutcomes *prometheus.CounterVec

	// RunDuration measures a row run from document render to recorded outcome
	RunDuration *prometheus.HistogramVec

	// MergesTotal counts merge attempts.
	// Labels: result (merged, conflict, invalid, error)
	MergesTotal *prometheus.CounterVec

	// QueueRetries and QueueDeadLetters count failed deliveries by job kind
	QueueRetries     *prometheus.CounterVec
	QueueDeadLetters *prometheus.CounterVec

	// JobDuration measures handler time by job kind
	JobDuration *prometheus.HistogramVec

	// ActiveRuns is the number of busy worker slots
	ActiveRuns prometheus.Gauge
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RowsEnqueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "rows_enqueued_total",
			Help:      "Rows dispatched to the run executor",
		}),
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "runs_total",
			Help:      "Row runs by outcome and failed step",
		}, []string{"outcome", "step"}),
		EvaluationOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "evaluation_outcomes_total",
			Help:      "Evaluation verdicts of successful row runs",
		}, []string{"verdict"}),
		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "run_duration_seconds",
			Help:      "Duration of a row run",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),
		MergesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "versions",
			Name:      "merges_total",
			Help:      "Merge attempts by result",
		}, []string{"result"}),
		QueueRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "retries_total",
			Help:      "Jobs requeued after a failed delivery",
		}, []string{"kind"}),
		QueueDeadLetters: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "dead_letters_total",
			Help:      "Jobs that exhausted their attempts",
		}, []string{"kind"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Handler duration by job kind and result",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "result"}),
		ActiveRuns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "active_jobs",
			Help:      "Busy worker slots",
		}),
	}
}

// Handlers returns the event handlers to add to the dispatch table
func (m *Metrics) Handlers() events.Table {
	return events.Table{
		events.KindRowEnqueued:  {m.onRowEnqueued},
		events.KindRunSucceeded: {m.onRunSucceeded},
		events.KindRunErrored:   {m.onRunErrored},
	}
}

func (m *Metrics) onRowEnqueued(context.Context, events.Event) error {
	m.RowsEnqueued.Inc()
	return nil
}

func (m *Metrics) onRunSucceeded(_ context.Context, ev events.Event) error {
	m.RunsTotal.WithLabelValues("succeeded", "").Inc()
	m.RunDuration.WithLabelValues("succeeded").Observe(ev.Duration.Seconds())
	verdict := "none"
	if ev.Outcome.Passed != nil {
		verdict = "failed"
		if *ev.Outcome.Passed {
			verdict = "passed"
		}
	}
	m.EvaluationOutcomes.WithLabelValues(verdict).Inc()
	return nil
}

func (m *Metrics) onRunErrored(_ context.Context, ev events.Event) error {
	m.RunsTotal.WithLabelValues("errored", string(ev.Step)).Inc()
	m.RunDuration.WithLabelValues("errored").Observe(ev.Duration.Seconds())
	return nil
}

// WorkerHooks returns hooks feeding the queue and worker collectors
func (m *Metrics) WorkerHooks() worker.Hooks {
	return worker.Hooks{
		SlotsChanged: func(busy int) { m.ActiveRuns.Set(float64(busy)) },
		Finished: func(kind queue.Kind, d time.Duration, err error) {
			result := "ok"
			if err != nil {
				result = "error"
			}
			m.JobDuration.WithLabelValues(string(kind), result).Observe(d.Seconds())
		},
		Retried:      func(kind queue.Kind) { m.QueueRetries.WithLabelValues(string(kind)).Inc() },
		DeadLettered: func(kind queue.Kind) { m.QueueDeadLetters.WithLabelValues(string(kind)).Inc() },
	}
}

// MergeFinished counts a merge attempt by its error
func (m *Metrics) MergeFinished(err error) {
	result := "merged"
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrConflict):
		result = "conflict"
	case errors.Is(err, domain.ErrInvalid), errors.Is(err, domain.ErrNotFound):
		result = "invalid"
	default:
		result = "error"
	}
	m.MergesTotal.WithLabelValues(result).Inc()
}
