// internal/llm/runner.go
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
	"github.com/hochfrequenz/prompt-ledger/internal/evalstrategy"
	"github.com/hochfrequenz/prompt-ledger/internal/promptdoc"
)

// DocumentSource resolves documents as of a commit
type DocumentSource interface {
	ResolveCommit(ctx context.Context, projectID int64, commitUUID string) (*domain.Commit, error)
	DocumentAtCommit(ctx context.Context, c *domain.Commit, documentUUID string) (*domain.DocumentVersion, error)
}

// LogStore persists provider logs
type LogStore interface {
	SaveProviderLog(ctx context.Context, l *domain.ProviderLog) error
	GetProviderLog(ctx context.Context, logUUID string) (*domain.ProviderLog, error)
}

// RunDocumentRequest runs one document with one row's parameters
type RunDocumentRequest struct {
	ProjectID    int64
	CommitUUID   string
	DocumentUUID string
	Parameters   map[string]string
}

// DocumentRunner renders a document at a commit, sends it to the provider
// and records the response as a provider log.
type DocumentRunner struct {
	docs   DocumentSource
	logs   LogStore
	llm    Completer
	logger *slog.Logger
}

// NewDocumentRunner creates a DocumentRunner
func NewDocumentRunner(docs DocumentSource, logs LogStore, llm Completer, logger *slog.Logger) *DocumentRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentRunner{docs: docs, logs: logs, llm: llm, logger: logger}
}

// RunDocument returns the stored provider log of the run
func (r *DocumentRunner) RunDocument(ctx context.Context, req RunDocumentRequest) (*domain.ProviderLog, error) {
	commit, err := r.docs.ResolveCommit(ctx, req.ProjectID, req.CommitUUID)
	if err != nil {
		return nil, err
	}
	version, err := r.docs.DocumentAtCommit(ctx, commit, req.DocumentUUID)
	if err != nil {
		return nil, err
	}
	doc, err := promptdoc.Parse(version.Content)
	if err != nil {
		return nil, fmt.Errorf("document %s: %w", version.Path, err)
	}
	prompt, err := doc.Render(req.Parameters)
	if err != nil {
		return nil, fmt.Errorf("document %s: %w", version.Path, err)
	}

	fm := doc.Frontmatter
	start := time.Now()
	comp, err := r.llm.Complete(ctx, Request{
		Model:       fm.Model,
		System:      fm.System,
		Prompt:      prompt,
		Temperature: fm.Temperature,
		MaxTokens:   fm.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	traceID := strings.ReplaceAll(uuid.NewString(), "-", "")
	log := &domain.ProviderLog{
		ProjectID:    req.ProjectID,
		DocumentUUID: req.DocumentUUID,
		CommitUUID:   commit.UUID,
		TraceID:      traceID,
		SpanID:       traceID[:16],
		Output:       comp.Output,
		Model:        comp.Model,
		TokensInput:  comp.TokensInput,
		TokensOutput: comp.TokensOutput,
		DurationMs:   time.Since(start).Milliseconds(),
	}
	if err := r.logs.SaveProviderLog(ctx, log); err != nil {
		return nil, fmt.Errorf("save provider log: %w", err)
	}
	r.logger.Debug("document run", "document_uuid", req.DocumentUUID, "commit_uuid", commit.UUID,
		"provider_log", log.UUID, "tokens_in", log.TokensInput, "tokens_out", log.TokensOutput)
	return log, nil
}

// EvaluationSource resolves v2 evaluations as of a commit
type EvaluationSource interface {
	ResolveCommit(ctx context.Context, projectID int64, commitUUID string) (*domain.Commit, error)
	EvaluationAtCommit(ctx context.Context, c *domain.Commit, evaluationUUID string) (*domain.EvaluationVersion, error)
}

// LegacySource loads v1 evaluations
type LegacySource interface {
	GetLegacyEvaluation(ctx context.Context, id int64) (*domain.LegacyEvaluation, error)
}

// ResultStore persists evaluation results
type ResultStore interface {
	ResultFor(ctx context.Context, span domain.SpanKey, ref domain.EvaluationRef) (*domain.EvaluationResult, error)
	SaveEvaluationResult(ctx context.Context, r *domain.EvaluationResult) (bool, error)
}

// RunEvaluationRequest evaluates one provider log
type RunEvaluationRequest struct {
	BatchID         string
	ProjectID       int64
	CommitUUID      string
	DocumentUUID    string
	ProviderLogUUID string
	Evaluation      domain.EvaluationRef
	Parameters      map[string]string
}

// EvaluationRunner scores a provider log with an evaluation and records the
// result. A span already evaluated returns the stored outcome.
type EvaluationRunner struct {
	evals      EvaluationSource
	legacy     LegacySource
	logs       LogStore
	results    ResultStore
	strategies *evalstrategy.Registry
	logger     *slog.Logger
}

// NewEvaluationRunner creates an EvaluationRunner
func NewEvaluationRunner(evals EvaluationSource, legacy LegacySource, logs LogStore, results ResultStore,
	strategies *evalstrategy.Registry, logger *slog.Logger) *EvaluationRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &EvaluationRunner{
		evals:      evals,
		legacy:     legacy,
		logs:       logs,
		results:    results,
		strategies: strategies,
		logger:     logger,
	}
}

// configuration loads the evaluation's settings for either generation
func (r *EvaluationRunner) configuration(ctx context.Context, c *domain.Commit, ref domain.EvaluationRef) (documentUUID, cfg string, err error) {
	switch ref.Kind {
	case domain.EvaluationV1:
		e, err := r.legacy.GetLegacyEvaluation(ctx, ref.ID)
		if err != nil {
			return "", "", err
		}
		if e.ProjectID != c.ProjectID {
			return "", "", fmt.Errorf("evaluation %s: %w", ref, domain.ErrNotFound)
		}
		return e.DocumentUUID, e.Configuration, nil
	case domain.EvaluationV2:
		e, err := r.evals.EvaluationAtCommit(ctx, c, ref.UUID)
		if err != nil {
			return "", "", err
		}
		return e.DocumentUUID, e.Configuration, nil
	}
	return "", "", fmt.Errorf("unknown evaluation version %q: %w", ref.Kind, domain.ErrInvalid)
}

// RunEvaluation returns the evaluation outcome for the provider log
func (r *EvaluationRunner) RunEvaluation(ctx context.Context, req RunEvaluationRequest) (domain.EvaluationOutcome, error) {
	if err := req.Evaluation.Validate(); err != nil {
		return domain.EvaluationOutcome{}, err
	}
	log, err := r.logs.GetProviderLog(ctx, req.ProviderLogUUID)
	if err != nil {
		return domain.EvaluationOutcome{}, err
	}
	span := domain.SpanKey{SpanID: log.SpanID, TraceID: log.TraceID}

	commit, err := r.evals.ResolveCommit(ctx, req.ProjectID, req.CommitUUID)
	if err != nil {
		return domain.EvaluationOutcome{}, err
	}
	docUUID, cfg, err := r.configuration(ctx, commit, req.Evaluation)
	if err != nil {
		return domain.EvaluationOutcome{}, err
	}
	if docUUID != req.DocumentUUID {
		return domain.EvaluationOutcome{}, fmt.Errorf("evaluation %s belongs to document %s, not %s: %w",
			req.Evaluation, docUUID, req.DocumentUUID, domain.ErrInvalid)
	}

	existing, err := r.results.ResultFor(ctx, span, req.Evaluation)
	if err == nil {
		return existing.Outcome, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.EvaluationOutcome{}, err
	}

	strategy, err := r.strategies.Build(cfg)
	if err != nil {
		return domain.EvaluationOutcome{}, fmt.Errorf("evaluation %s: %w", req.Evaluation, err)
	}
	outcome, err := strategy.Evaluate(ctx, evalstrategy.Input{Output: log.Output, Parameters: req.Parameters})
	if err != nil {
		return domain.EvaluationOutcome{}, err
	}

	result := &domain.EvaluationResult{
		ProjectID:        req.ProjectID,
		CommitID:         commit.ID,
		Evaluation:       req.Evaluation,
		BatchID:          req.BatchID,
		EvaluatedSpanID:  span.SpanID,
		EvaluatedTraceID: span.TraceID,
		ProviderLogUUID:  log.UUID,
		Outcome:          outcome,
	}
	inserted, err := r.results.SaveEvaluationResult(ctx, result)
	if err != nil {
		return domain.EvaluationOutcome{}, fmt.Errorf("save evaluation result: %w", err)
	}
	if !inserted {
		r.logger.Debug("evaluation result already recorded", "result_id", result.ID, "evaluation", req.Evaluation.String())
	}
	return outcome, nil
}
