// web/api/handlers.go
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	chi "github.com/go-chi/chi/v5"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
	"github.com/hochfrequenz/prompt-ledger/internal/resolver"
)

// DocumentResponse is the API response for a document version
type DocumentResponse struct {
	DocumentUUID string `json:"documentUuid"`
	Path         string `json:"path"`
	Content      string `json:"content"`
	CommitID     int64  `json:"commitId"`
	UpdatedAt    string `json:"updatedAt"`
}

// EvaluationResponse is the API response for an evaluation version
type EvaluationResponse struct {
	EvaluationUUID string          `json:"evaluationUuid"`
	DocumentUUID   string          `json:"documentUuid"`
	Name           string          `json:"name"`
	Configuration  json.RawMessage `json:"configuration"`
	CommitID       int64           `json:"commitId"`
}

// CommitResponse is the API response for a commit
type CommitResponse struct {
	ID        int64   `json:"id"`
	UUID      string  `json:"uuid"`
	ProjectID int64   `json:"projectId"`
	Title     string  `json:"title"`
	Version   *int    `json:"version,omitempty"`
	MergedAt  *string `json:"mergedAt,omitempty"`
}

// SubmitBatchResponse is returned by POST /api/batches
type SubmitBatchResponse struct {
	BatchID string `json:"batchId"`
}

func documentToResponse(v domain.DocumentVersion) DocumentResponse {
	return DocumentResponse{
		DocumentUUID: v.DocumentUUID,
		Path:         v.Path,
		Content:      v.Content,
		CommitID:     v.CommitID,
		UpdatedAt:    v.UpdatedAt.Format(time.RFC3339),
	}
}

func evaluationToResponse(v domain.EvaluationVersion) EvaluationResponse {
	cfg := json.RawMessage(v.Configuration)
	if !json.Valid(cfg) {
		// Not JSON; return it as a string
		quoted, _ := json.Marshal(v.Configuration)
		cfg = quoted
	}
	return EvaluationResponse{
		EvaluationUUID: v.EvaluationUUID,
		DocumentUUID:   v.DocumentUUID,
		Name:           v.Name,
		Configuration:  cfg,
		CommitID:       v.CommitID,
	}
}

func commitToResponse(c *domain.Commit) CommitResponse {
	resp := CommitResponse{
		ID:        c.ID,
		UUID:      c.UUID,
		ProjectID: c.ProjectID,
		Title:     c.Title,
		Version:   c.Version,
	}
	if c.MergedAt != nil {
		t := c.MergedAt.Format(time.RFC3339)
		resp.MergedAt = &t
	}
	return resp
}

func int64Param(r *http.Request, name string) (int64, error) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer: %w", name, domain.ErrInvalid)
	}
	return v, nil
}

func (s *Server) listDocumentsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, err := int64Param(r, "project")
		if err != nil {
			s.fail(w, r, err)
			return
		}
		docs, err := s.deps.Resolver.DocumentsAtCommit(r.Context(), projectID, chi.URLParam(r, "commit"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		resp := make([]DocumentResponse, len(docs))
		for i, d := range docs {
			resp[i] = documentToResponse(d)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) listEvaluationsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, err := int64Param(r, "project")
		if err != nil {
			s.fail(w, r, err)
			return
		}
		c, err := s.deps.Resolver.ResolveCommit(r.Context(), projectID, chi.URLParam(r, "commit"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		evals, err := s.deps.Resolver.EvaluationsForDocument(r.Context(), c, chi.URLParam(r, "document"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		resp := make([]EvaluationResponse, len(evals))
		for i, e := range evals {
			resp[i] = evaluationToResponse(e)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) mergeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := int64Param(r, "id")
		if err != nil {
			s.fail(w, r, err)
			return
		}
		c, err := s.deps.Merger.Merge(r.Context(), id)
		if s.deps.OnMerge != nil {
			s.deps.OnMerge(err)
		}
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, commitToResponse(c))
	}
}

func (s *Server) submitBatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var job domain.BatchJob
		if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
			s.fail(w, r, fmt.Errorf("decode batch: %v: %w", err, domain.ErrInvalid))
			return
		}
		if job.CommitUUID == "" {
			job.CommitUUID = resolver.HeadSentinel
		}
		id, err := s.deps.Batches.Submit(r.Context(), job)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, SubmitBatchResponse{BatchID: id})
	}
}

func (s *Server) progressHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.deps.Progress.Get(r.Context(), chi.URLParam(r, "batch"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func (s *Server) cleanupHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.deps.Progress.Cleanup(r.Context(), chi.URLParam(r, "batch")); err != nil {
			s.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) queueStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := s.deps.Queue.Stats(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}
