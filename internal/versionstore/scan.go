package versionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
	"github.com/hochfrequenz/prompt-ledger/internal/storage"
)

const documentColumns = `id, commit_id, document_uuid, path, content, created_at, updated_at, deleted_at`

const evaluationColumns = `id, commit_id, evaluation_uuid, document_uuid, name, configuration, created_at, updated_at, deleted_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanCommit(row scanner) (*domain.Commit, error) {
	var c domain.Commit
	var version sql.NullInt64
	var mergedAt, deletedAt sql.NullInt64
	var created int64
	if err := row.Scan(&c.ID, &c.UUID, &c.ProjectID, &c.Title, &c.UserID, &version, &mergedAt, &deletedAt, &created); err != nil {
		return nil, err
	}
	if version.Valid {
		v := int(version.Int64)
		c.Version = &v
	}
	c.MergedAt = storage.UnstampNull(mergedAt)
	c.DeletedAt = storage.UnstampNull(deletedAt)
	c.CreatedAt = storage.Unstamp(created)
	return &c, nil
}

func getCommit(ctx context.Context, q storage.Querier, query string, args ...any) (*domain.Commit, error) {
	c, err := scanCommit(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("commit: %w", domain.ErrNotFound)
	}
	return c, err
}

func collectCommits(rows *sql.Rows) ([]domain.Commit, error) {
	defer rows.Close()
	var commits []domain.Commit
	for rows.Next() {
		c, err := scanCommit(rows)
		if err != nil {
			return nil, err
		}
		commits = append(commits, *c)
	}
	return commits, rows.Err()
}

func listMergedCommits(ctx context.Context, q storage.Querier, projectID int64) ([]domain.Commit, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+commitColumns+` FROM commits
		WHERE project_id = ? AND merged_at IS NOT NULL AND deleted_at IS NULL
		ORDER BY merged_at DESC, id DESC
	`, projectID)
	if err != nil {
		return nil, err
	}
	return collectCommits(rows)
}

func scanDocumentVersion(row scanner) (domain.DocumentVersion, error) {
	var v domain.DocumentVersion
	var created, updated int64
	var deletedAt sql.NullInt64
	err := row.Scan(&v.ID, &v.CommitID, &v.DocumentUUID, &v.Path, &v.Content, &created, &updated, &deletedAt)
	v.CreatedAt = storage.Unstamp(created)
	v.UpdatedAt = storage.Unstamp(updated)
	v.DeletedAt = storage.UnstampNull(deletedAt)
	return v, err
}

func collectDocumentVersions(rows *sql.Rows) ([]domain.DocumentVersion, error) {
	defer rows.Close()
	var versions []domain.DocumentVersion
	for rows.Next() {
		v, err := scanDocumentVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func listDocumentVersions(ctx context.Context, q storage.Querier, commitIDs []int64) ([]domain.DocumentVersion, error) {
	if len(commitIDs) == 0 {
		return nil, nil
	}
	in, args := inClause(commitIDs)
	rows, err := q.QueryContext(ctx, `SELECT `+documentColumns+` FROM document_versions WHERE commit_id IN (`+in+`) ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	return collectDocumentVersions(rows)
}

func scanEvaluationVersion(row scanner) (domain.EvaluationVersion, error) {
	var v domain.EvaluationVersion
	var created, updated int64
	var deletedAt sql.NullInt64
	err := row.Scan(&v.ID, &v.CommitID, &v.EvaluationUUID, &v.DocumentUUID, &v.Name, &v.Configuration, &created, &updated, &deletedAt)
	v.CreatedAt = storage.Unstamp(created)
	v.UpdatedAt = storage.Unstamp(updated)
	v.DeletedAt = storage.UnstampNull(deletedAt)
	return v, err
}

func collectEvaluationVersions(rows *sql.Rows) ([]domain.EvaluationVersion, error) {
	defer rows.Close()
	var versions []domain.EvaluationVersion
	for rows.Next() {
		v, err := scanEvaluationVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func listEvaluationVersions(ctx context.Context, q storage.Querier, commitIDs []int64, documentUUID string) ([]domain.EvaluationVersion, error) {
	if len(commitIDs) == 0 {
		return nil, nil
	}
	in, args := inClause(commitIDs)
	query := `SELECT ` + evaluationColumns + ` FROM evaluation_versions WHERE commit_id IN (` + in + `)`
	if documentUUID != "" {
		query += ` AND document_uuid = ?`
		args = append(args, documentUUID)
	}
	rows, err := q.QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	return collectEvaluationVersions(rows)
}

func inClause(ids []int64) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}
