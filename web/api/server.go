// web/api/server.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	chi "github.com/go-chi/chi/v5"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
	"github.com/hochfrequenz/prompt-ledger/internal/queue"
)

// Resolver answers the commit-scoped read queries
type Resolver interface {
	ResolveCommit(ctx context.Context, projectID int64, commitUUID string) (*domain.Commit, error)
	DocumentsAtCommit(ctx context.Context, projectID int64, commitUUID string) ([]domain.DocumentVersion, error)
	EvaluationsForDocument(ctx context.Context, c *domain.Commit, documentUUID string) ([]domain.EvaluationVersion, error)
}

// Merger merges draft commits
type Merger interface {
	Merge(ctx context.Context, commitID int64) (*domain.Commit, error)
}

// Submitter enqueues a batch evaluation
type Submitter interface {
	Submit(ctx context.Context, job domain.BatchJob) (string, error)
}

// Progress reads and removes batch counters
type Progress interface {
	Get(ctx context.Context, batchID string) (domain.ProgressRecord, error)
	Cleanup(ctx context.Context, batchID string) error
}

// QueueStats reports queue depth
type QueueStats interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// Deps are the components the server routes to. Stream and Metrics are
// mounted on /ws and /metrics when set.
type Deps struct {
	Resolver Resolver
	Merger   Merger
	Batches  Submitter
	Progress Progress
	Queue    QueueStats
	Stream   http.Handler
	Metrics  http.Handler
	OnMerge  func(err error)
	Logger   *slog.Logger
}

// Server is the HTTP API server
type Server struct {
	deps   Deps
	addr   string
	router chi.Router
	logger *slog.Logger
}

// NewServer creates a new API server
func NewServer(deps Deps, addr string) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{
		deps:   deps,
		addr:   addr,
		router: chi.NewRouter(),
		logger: deps.Logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "dur", time.Since(start))
		})
	})

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/projects/{project}/commits/{commit}/documents", s.listDocumentsHandler())
		r.Get("/projects/{project}/commits/{commit}/documents/{document}/evaluations", s.listEvaluationsHandler())
		r.Post("/commits/{id}/merge", s.mergeHandler())
		r.Post("/batches", s.submitBatchHandler())
		r.Get("/batches/{batch}/progress", s.progressHandler())
		r.Delete("/batches/{batch}/progress", s.cleanupHandler())
		r.Get("/queue/stats", s.queueStatsHandler())
	})

	if s.deps.Stream != nil {
		s.router.Handle("/ws", s.deps.Stream)
	}
	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics)
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// statusFor maps the domain error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.logger.Warn("request failed", "method", r.Method, "path", r.URL.Path, "status", code, "error", err)
	}
	writeError(w, code, err.Error())
}
