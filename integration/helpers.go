//go:build integration

package integration

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/prompt-ledger/internal/batcheval"
	"github.com/hochfrequenz/prompt-ledger/internal/dataset"
	"github.com/hochfrequenz/prompt-ledger/internal/domain"
	"github.com/hochfrequenz/prompt-ledger/internal/evalstrategy"
	"github.com/hochfrequenz/prompt-ledger/internal/events"
	"github.com/hochfrequenz/prompt-ledger/internal/llm"
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

// TempDBPath creates a temporary database path for testing
func TempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

// capitals answers "Capital of X?" prompts. Unknown countries fail.
type capitals map[string]string

func (c capitals) Complete(_ context.Context, req llm.Request) (*llm.Completion, error) {
	for country, capital := range c {
		if strings.Contains(req.Prompt, country) {
			return &llm.Completion{Output: capital, Model: "fake", TokensInput: 4, TokensOutput: 1}, nil
		}
	}
	return nil, fmt.Errorf("provider rejected prompt %q", req.Prompt)
}

func (capitals) Judge(context.Context, string, string) (float64, string, error) {
	return 1, "ok", nil
}

// statusLog records batch.status events
type statusLog struct {
	mu     sync.Mutex
	events []domain.StatusEvent
}

func (s *statusLog) handle(_ context.Context, ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev.Status)
	return nil
}

// furthest returns the event with the most completed rows. Concurrent
// rows may publish out of order.
func (s *statusLog) furthest() domain.StatusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best domain.StatusEvent
	for _, ev := range s.events {
		if ev.Completed >= best.Completed {
			best = ev
		}
	}
	return best
}

// env is a ledger with one merged document, its evaluation and a dataset
type env struct {
	versions *versionstore.Store
	resolver *resolver.Resolver
	datasets *dataset.Store
	results  *results.Store
	tracker  *progress.Tracker
	queue    *queue.Queue
	status   *statusLog

	job         domain.BatchJob
	rowAttempts int
}

func newEnv(t *testing.T, rows [][]string) *env {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(TempDBPath(t))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	vs := versionstore.New(db, promptdoc.Compile, nil)
	e := &env{
		versions: vs,
		resolver: resolver.New(vs),
		datasets: dataset.New(db),
		results:  results.New(db),
		tracker:  progress.NewTracker(progress.NewSQLite(db)),
		queue:    queue.New(db, nil).WithBackoff(func(int) time.Duration { return 0 }),
		status:   &statusLog{},

		rowAttempts: 3,
	}

	p, err := vs.CreateProject(ctx, "geography")
	if err != nil {
		t.Fatal(err)
	}
	draft, err := vs.CreateDraft(ctx, p.ID, "user-1", "capitals")
	if err != nil {
		t.Fatal(err)
	}
	doc, err := vs.UpsertDocumentVersion(ctx, draft.ID, "", "capital.md",
		"---\nsystem: Answer with one word.\n---\nCapital of {{ country }}?")
	if err != nil {
		t.Fatal(err)
	}
	ev, err := vs.UpsertEvaluationVersion(ctx, draft.ID, "", doc.DocumentUUID, "exact",
		`{"type":"exact_match","expected_parameter":"capital"}`)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := vs.Merge(ctx, draft.ID); err != nil {
		t.Fatal(err)
	}

	ds, err := e.datasets.CreateDataset(ctx, p.ID, "countries", []string{"country", "capital"})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.datasets.AppendRows(ctx, ds.ID, rows); err != nil {
		t.Fatal(err)
	}

	e.job = domain.BatchJob{
		ProjectID:     p.ID,
		CommitUUID:    resolver.HeadSentinel,
		DocumentUUID:  doc.DocumentUUID,
		DatasetID:     ds.ID,
		Evaluation:    domain.RefV2(ev.EvaluationUUID),
		ParametersMap: map[string]int{"country": 0, "capital": 1},
	}
	return e
}

// handlers wires the orchestrator and executor the way serve does.
// wrap, when set, decorates the row dispatcher.
func (e *env) handlers(llmFake capitals, wrap func(batcheval.RowDispatcher) batcheval.RowDispatcher) worker.Handlers {
	pub := events.NewDispatcher(events.Table{
		events.KindBatchStatus: {e.status.handle},
	}, nil)

	var dispatch batcheval.RowDispatcher = batcheval.QueueDispatcher{Queue: e.queue, MaxAttempts: e.rowAttempts}
	if wrap != nil {
		dispatch = wrap(dispatch)
	}
	docs := llm.NewDocumentRunner(e.resolver, e.results, llmFake, nil)
	evals := llm.NewEvaluationRunner(e.resolver, e.versions, e.results, e.results, evalstrategy.NewRegistry(llmFake), nil)

	exec := runexec.New(docs, evals, e.tracker, pub, nil)
	e.queue.WithDeadLetter(exec.DeadLettered)

	return worker.Handlers{
		queue.KindBatchRun: batcheval.New(e.datasets, e.resolver, e.tracker, dispatch, pub, nil).Handle,
		queue.KindBatchRow: exec.Handle,
	}
}

// drain runs a worker until the queue is empty
func (e *env) drain(t *testing.T, handlers worker.Handlers, slots int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	w := worker.New(e.queue, handlers, worker.Config{
		Slots:        slots,
		PollInterval: 10 * time.Millisecond,
		Lease:        time.Minute,
		ExitWhenIdle: true,
	})
	if err := w.Run(ctx); err != nil {
		t.Fatalf("worker: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("worker did not drain the queue in time")
	}
}
