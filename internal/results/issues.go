package results

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
	"github.com/hochfrequenz/prompt-ledger/internal/storage"
)

// IssueFilter selects spans by their issue association
type IssueFilter int

const (
	// FilterWithActiveIssue keeps spans with at least one non-ignored issue
	FilterWithActiveIssue IssueFilter = iota
	// FilterWithoutActiveIssue keeps spans whose issues, if any, are all ignored
	FilterWithoutActiveIssue
)

// CreateIssue inserts an issue
func (s *Store) CreateIssue(ctx context.Context, projectID int64, title string) (*domain.Issue, error) {
	if strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("issue title is required: %w", domain.ErrInvalid)
	}
	is := &domain.Issue{ProjectID: projectID, Title: title, CreatedAt: time.Now().UTC()}
	res, err := s.db.ExecContext(ctx, `INSERT INTO issues (project_id, title, created_at) VALUES (?, ?, ?)`,
		projectID, title, storage.Stamp(is.CreatedAt))
	if err != nil {
		return nil, err
	}
	if is.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	return is, nil
}

// AssignResult associates an evaluation result with an issue
func (s *Store) AssignResult(ctx context.Context, issueID, resultID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO issue_evaluation_results (issue_id, evaluation_result_id) VALUES (?, ?)
		ON CONFLICT DO NOTHING
	`, issueID, resultID)
	return err
}

// SetIgnored flags or unflags an issue as ignored
func (s *Store) SetIgnored(ctx context.Context, issueID int64, ignored bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE issues SET ignored = ? WHERE id = ?`, ignored, issueID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("issue %d: %w", issueID, domain.ErrNotFound)
	}
	return nil
}

// SpanIssueFilter returns the evaluated spans with results in the given
// commits, keeping those that match filter. An ignored issue counts as no
// issue. Pass the commit ids of a history to filter as of a commit.
func (s *Store) SpanIssueFilter(ctx context.Context, commitIDs []int64, filter IssueFilter) ([]domain.SpanKey, error) {
	if len(commitIDs) == 0 {
		return nil, nil
	}
	want := 1
	if filter == FilterWithoutActiveIssue {
		want = 0
	}
	args := make([]any, 0, len(commitIDs)+1)
	for _, id := range commitIDs {
		args = append(args, id)
	}
	args = append(args, want)

	rows, err := s.db.QueryContext(ctx, `
		SELECT er.evaluated_span_id, er.evaluated_trace_id,
			MAX(EXISTS (
				SELECT 1 FROM issue_evaluation_results ier
				JOIN issues i ON i.id = ier.issue_id
				WHERE ier.evaluation_result_id = er.id AND i.ignored = 0
			)) AS active
		FROM evaluation_results er
		WHERE er.commit_id IN (`+placeholders(len(commitIDs))+`)
		GROUP BY er.evaluated_span_id, er.evaluated_trace_id
		HAVING active = ?
		ORDER BY er.evaluated_trace_id, er.evaluated_span_id
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var spans []domain.SpanKey
	for rows.Next() {
		var k domain.SpanKey
		var active int
		if err := rows.Scan(&k.SpanID, &k.TraceID, &active); err != nil {
			return nil, err
		}
		spans = append(spans, k)
	}
	return spans, rows.Err()
}
