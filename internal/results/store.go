// Package results stores what batch runs produce: provider logs, evaluation
// results and the issues that group them.
package results

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
	"github.com/hochfrequenz/prompt-ledger/internal/storage"
)

// Store provides SQLite-backed result persistence
type Store struct {
	db *sql.DB
}

// New creates a Store on an opened database
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// SaveProviderLog inserts a provider log, assigning a UUID when empty
func (s *Store) SaveProviderLog(ctx context.Context, l *domain.ProviderLog) error {
	if l.UUID == "" {
		l.UUID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_logs (uuid, project_id, document_uuid, commit_uuid, trace_id, span_id, output, model, tokens_input, tokens_output, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.UUID, l.ProjectID, l.DocumentUUID, l.CommitUUID, l.TraceID, l.SpanID, l.Output, l.Model,
		l.TokensInput, l.TokensOutput, l.DurationMs, storage.Stamp(l.CreatedAt))
	return err
}

// GetProviderLog retrieves a provider log by UUID
func (s *Store) GetProviderLog(ctx context.Context, logUUID string) (*domain.ProviderLog, error) {
	var l domain.ProviderLog
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT uuid, project_id, document_uuid, commit_uuid, trace_id, span_id, output, model, tokens_input, tokens_output, duration_ms, created_at
		FROM provider_logs WHERE uuid = ?
	`, logUUID).Scan(&l.UUID, &l.ProjectID, &l.DocumentUUID, &l.CommitUUID, &l.TraceID, &l.SpanID, &l.Output, &l.Model,
		&l.TokensInput, &l.TokensOutput, &l.DurationMs, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("provider log %s: %w", logUUID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	l.CreatedAt = storage.Unstamp(created)
	return &l, nil
}

// refColumns splits an evaluation ref into its stored columns
func refColumns(ref domain.EvaluationRef) (kind string, id int64, evalUUID string, err error) {
	if err := ref.Validate(); err != nil {
		return "", 0, "", err
	}
	switch ref.Kind {
	case domain.EvaluationV1:
		return string(ref.Kind), ref.ID, "", nil
	case domain.EvaluationV2:
		return string(ref.Kind), 0, ref.UUID, nil
	}
	return "", 0, "", fmt.Errorf("unknown evaluation version %q: %w", ref.Kind, domain.ErrInvalid)
}

// SaveEvaluationResult stores a result unless one already exists for the
// same evaluated span and evaluation. It reports whether it inserted; r.ID
// is set either way.
func (s *Store) SaveEvaluationResult(ctx context.Context, r *domain.EvaluationResult) (bool, error) {
	kind, evalID, evalUUID, err := refColumns(r.Evaluation)
	if err != nil {
		return false, err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	var passed sql.NullBool
	if r.Outcome.Passed != nil {
		passed = sql.NullBool{Bool: *r.Outcome.Passed, Valid: true}
	}
	var score sql.NullFloat64
	if r.Outcome.Score != nil {
		score = sql.NullFloat64{Float64: *r.Outcome.Score, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO evaluation_results (project_id, commit_id, evaluation_version, evaluation_id, evaluation_uuid, batch_id,
			evaluated_span_id, evaluated_trace_id, provider_log_uuid, passed, score, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, r.ProjectID, r.CommitID, kind, evalID, evalUUID, r.BatchID,
		r.EvaluatedSpanID, r.EvaluatedTraceID, r.ProviderLogUUID, passed, score, r.Outcome.Reason, storage.Stamp(r.CreatedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		r.ID, err = res.LastInsertId()
		return true, err
	}

	existing, err := s.ResultFor(ctx, r.Span(), r.Evaluation)
	if err != nil {
		return false, err
	}
	r.ID = existing.ID
	return false, nil
}

const resultColumns = `id, project_id, commit_id, evaluation_version, evaluation_id, evaluation_uuid, batch_id,
	evaluated_span_id, evaluated_trace_id, provider_log_uuid, passed, score, reason, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanResult(row scanner) (*domain.EvaluationResult, error) {
	var r domain.EvaluationResult
	var kind, evalUUID string
	var evalID int64
	var passed sql.NullBool
	var score sql.NullFloat64
	var created int64
	err := row.Scan(&r.ID, &r.ProjectID, &r.CommitID, &kind, &evalID, &evalUUID, &r.BatchID,
		&r.EvaluatedSpanID, &r.EvaluatedTraceID, &r.ProviderLogUUID, &passed, &score, &r.Outcome.Reason, &created)
	if err != nil {
		return nil, err
	}
	switch domain.EvaluationKind(kind) {
	case domain.EvaluationV1:
		r.Evaluation = domain.RefV1(evalID)
	case domain.EvaluationV2:
		r.Evaluation = domain.RefV2(evalUUID)
	default:
		return nil, fmt.Errorf("result %d has unknown evaluation version %q", r.ID, kind)
	}
	if passed.Valid {
		r.Outcome.Passed = &passed.Bool
	}
	if score.Valid {
		r.Outcome.Score = &score.Float64
	}
	r.CreatedAt = storage.Unstamp(created)
	return &r, nil
}

// ResultFor looks up the result of an evaluation on a span
func (s *Store) ResultFor(ctx context.Context, span domain.SpanKey, ref domain.EvaluationRef) (*domain.EvaluationResult, error) {
	kind, evalID, evalUUID, err := refColumns(ref)
	if err != nil {
		return nil, err
	}
	r, err := scanResult(s.db.QueryRowContext(ctx, `
		SELECT `+resultColumns+` FROM evaluation_results
		WHERE evaluated_span_id = ? AND evaluated_trace_id = ?
		  AND evaluation_version = ? AND evaluation_id = ? AND evaluation_uuid = ?
	`, span.SpanID, span.TraceID, kind, evalID, evalUUID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("result of %s on span %s/%s: %w", ref, span.TraceID, span.SpanID, domain.ErrNotFound)
	}
	return r, err
}

// ListBatchResults returns every result recorded for a batch
func (s *Store) ListBatchResults(ctx context.Context, batchID string) ([]domain.EvaluationResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+resultColumns+` FROM evaluation_results WHERE batch_id = ? ORDER BY id`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.EvaluationResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
