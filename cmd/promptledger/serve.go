package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/prompt-ledger/internal/batcheval"
	"github.com/hochfrequenz/prompt-ledger/internal/broadcast"
	"github.com/hochfrequenz/prompt-ledger/internal/metrics"
	"github.com/hochfrequenz/prompt-ledger/internal/schedule"
	"github.com/hochfrequenz/prompt-ledger/web/api"
)

var (
	servePort     int
	serveNoWorker bool
	workerDrain   bool
	purgeAfter    time.Duration
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API, status stream, scheduler and workers",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&serveNoWorker, "no-worker", false, "do not run queue workers in this process")
	serveCmd.Flags().DurationVar(&purgeAfter, "purge-after", 7*24*time.Hour, "delete finished jobs older than this")
	rootCmd.AddCommand(serveCmd)

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run queue workers",
		RunE:  runWorker,
	}
	workerCmd.Flags().BoolVar(&workerDrain, "drain", false, "exit once the queue is empty")
	rootCmd.AddCommand(workerCmd)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)
	a, err := openAppWith(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)
	hub := broadcast.NewHub(logger)
	defer hub.Close()
	status := broadcast.Multi{hub, broadcast.Log{Logger: logger}}

	submit := schedule.SubmitFunc(a.submit)
	sched := schedule.New(submit, schedule.QueueStatus{
		Jobs:     a.queue,
		Progress: a.progress,
		JobID:    batcheval.BatchJobID,
	}, logger)
	if err := sched.Load(cfg.Schedule); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	watcher, err := schedule.NewConfigWatcher(path, sched.ReloadFrom(path), logger)
	if err != nil {
		return err
	}

	port := cfg.Web.Port
	if servePort != 0 {
		port = servePort
	}
	srv := api.NewServer(api.Deps{
		Resolver: a.resolver,
		Merger:   a.versions,
		Batches:  submit,
		Progress: a.progress,
		Queue:    a.queue,
		Stream:   hub,
		Metrics:  promhttp.Handler(),
		OnMerge:  m.MergeFinished,
		Logger:   logger,
	}, fmt.Sprintf("%s:%d", cfg.Web.Host, port))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(ctx) })
	g.Go(func() error {
		watcher.Run(ctx)
		return nil
	})
	g.Go(func() error {
		purgeLoop(ctx, a, purgeAfter)
		return nil
	})
	if !serveNoWorker {
		w, err := a.newWorker(m, status, false)
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(ctx) })
	}
	return g.Wait()
}

// purgeLoop deletes finished jobs once an hour
func purgeLoop(ctx context.Context, a *app, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.queue.PurgeDone(ctx, time.Now().Add(-retention))
			if err != nil {
				a.logger.Warn("purging finished jobs failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("purged finished jobs", "count", n)
			}
		}
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	// Status events only reach websocket clients of a serve process; a
	// standalone worker logs them.
	m := metrics.New(prometheus.DefaultRegisterer)
	w, err := a.newWorker(m, broadcast.Log{Logger: a.logger}, workerDrain)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}
