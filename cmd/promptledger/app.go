package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"strings"

	"github.com/hochfrequenz/prompt-ledger/internal/batcheval"
	"github.com/hochfrequenz/prompt-ledger/internal/broadcast"
	"github.com/hochfrequenz/prompt-ledger/internal/config"
	"github.com/hochfrequenz/prompt-ledger/internal/dataset"
	"github.com/hochfrequenz/prompt-ledger/internal/domain"
	"github.com/hochfrequenz/prompt-ledger/internal/evalstrategy"
	"github.com/hochfrequenz/prompt-ledger/internal/events"
	"github.com/hochfrequenz/prompt-ledger/internal/llm"
	"github.com/hochfrequenz/prompt-ledger/internal/metrics"
	"github.com/hochfrequenz/prompt-ledger/internal/notify"
	"github.com/hochfrequenz/prompt-ledger/internal/progress"
	"github.com/hochfrequenz/prompt-ledger/internal/promptdoc"
	"github.com/hochfrequenz/prompt-ledger/internal/queue"
	"github.com/hochfrequenz/prompt-ledger/internal/resolver"
	"github.com/hochfrequenz/prompt-ledger/internal/results"
	"github.com/hochfrequenz/prompt-ledger/internal/runexec"
	"github.com/hochfrequenz/prompt-ledger/internal/storage"
	"github.com/hochfrequenz/prompt-ledger/internal/versionstore"
	"github.com/hochfrequenz/prompt-ledger/internal/worker"
)

func loadConfig() (*config.Config, string, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	path = config.ExpandPath(path)
	cfg, err := config.Load(path)
	return cfg, path, err
}

// newLogger builds the process logger from the [log] section
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.JSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// app holds the stores every command shares
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB

	versions *versionstore.Store
	resolver *resolver.Resolver
	datasets *dataset.Store
	results  *results.Store
	progress *progress.Tracker
	queue    *queue.Queue
}

func openApp() (*app, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openAppWith(cfg, newLogger(cfg.Log))
}

func openAppWith(cfg *config.Config, logger *slog.Logger) (*app, error) {
	db, err := storage.Open(cfg.General.DatabasePath)
	if err != nil {
		return nil, err
	}
	tracker, err := progress.Open(cfg.Progress, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	versions := versionstore.New(db, promptdoc.Compile, logger)
	return &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		versions: versions,
		resolver: resolver.New(versions),
		datasets: dataset.New(db),
		results:  results.New(db),
		progress: tracker,
		queue:    queue.New(db, logger),
	}, nil
}

func (a *app) Close() error {
	return errors.Join(a.progress.Close(), a.db.Close())
}

// submit enqueues a batch.run job with HEAD pinned
func (a *app) submit(ctx context.Context, job domain.BatchJob) (string, error) {
	return batcheval.Submit(ctx, a.queue, a.resolver, job, a.cfg.Queue.MaxAttempts)
}

// notifier builds the configured completion notifiers; nil when none is
// enabled.
func (a *app) notifier() notify.Notifier {
	var n notify.MultiNotifier
	if a.cfg.Notify.Desktop {
		n = append(n, notify.DesktopNotifier{})
	}
	if a.cfg.Notify.SlackWebhookURL != "" {
		n = append(n, notify.NewSlackNotifier(a.cfg.Notify.SlackWebhookURL))
	}
	if len(n) == 0 {
		return nil
	}
	return n
}

// dispatcher builds the event table: status goes to the broadcaster and
// the completion notifiers, run and row events feed metrics.
func (a *app) dispatcher(m *metrics.Metrics, b broadcast.Broadcaster) *events.Dispatcher {
	table := m.Handlers()
	table[events.KindBatchStatus] = append(table[events.KindBatchStatus], func(ctx context.Context, ev events.Event) error {
		return b.Emit(ctx, ev.Status)
	})
	if n := a.notifier(); n != nil {
		table[events.KindBatchStatus] = append(table[events.KindBatchStatus], notify.NewCompletion(n, a.logger).Handle)
	}
	return events.NewDispatcher(table, a.logger)
}

// handlers wires the orchestrator and the run executor to their job kinds
func (a *app) handlers(completer llm.Completer, judge evalstrategy.Judge, pub events.Publisher) worker.Handlers {
	docs := llm.NewDocumentRunner(a.resolver, a.results, completer, a.logger)
	evals := llm.NewEvaluationRunner(a.resolver, a.versions, a.results, a.results, evalstrategy.NewRegistry(judge), a.logger)
	exec := runexec.New(docs, evals, a.progress, pub, a.logger)
	orch := batcheval.New(a.datasets, a.resolver, a.progress,
		batcheval.QueueDispatcher{Queue: a.queue, MaxAttempts: a.cfg.Queue.RowMaxAttempts}, pub, a.logger)
	a.queue.WithDeadLetter(exec.DeadLettered)
	return worker.Handlers{
		queue.KindBatchRun: orch.Handle,
		queue.KindBatchRow: exec.Handle,
	}
}

// newWorker builds a queue worker backed by the configured LLM provider
func (a *app) newWorker(m *metrics.Metrics, b broadcast.Broadcaster, exitWhenIdle bool) (*worker.Worker, error) {
	client, err := llm.NewClient(a.cfg.LLM, a.logger)
	if err != nil {
		return nil, err
	}
	pub := a.dispatcher(m, b)
	return worker.New(a.queue, a.handlers(client, client, pub), worker.Config{
		Slots:        a.cfg.Queue.Workers,
		PollInterval: a.cfg.Queue.PollInterval.Duration,
		Lease:        a.cfg.Queue.Lease.Duration,
		ExitWhenIdle: exitWhenIdle,
		Logger:       a.logger,
		Hooks:        m.WorkerHooks(),
	}), nil
}
