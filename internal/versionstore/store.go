// Package versionstore persists projects, commits and the per-commit
// versions of documents and evaluations.
package versionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
	"github.com/hochfrequenz/prompt-ledger/internal/storage"
)

// CompileFunc checks that a document's content is usable. Merge rejects a
// commit if any changed document fails it.
type CompileFunc func(content string) error

// Store provides SQLite-backed version persistence
type Store struct {
	db      *sql.DB
	compile CompileFunc
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Store on an opened database. compile may be nil, in which
// case every document compiles.
func New(db *sql.DB, compile CompileFunc, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if compile == nil {
		compile = func(string) error { return nil }
	}
	return &Store{db: db, compile: compile, logger: logger, now: time.Now}
}

// CreateProject inserts a project
func (s *Store) CreateProject(ctx context.Context, name string) (*domain.Project, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("project name is required: %w", domain.ErrInvalid)
	}
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `INSERT INTO projects(name, created_at) VALUES (?, ?)`, name, storage.Stamp(now))
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return nil, fmt.Errorf("project %q already exists: %w", name, domain.ErrConflict)
		}
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &domain.Project{ID: id, Name: name, CreatedAt: now}, nil
}

// GetProject retrieves a project by ID
func (s *Store) GetProject(ctx context.Context, id int64) (*domain.Project, error) {
	var p domain.Project
	var created int64
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	p.CreatedAt = storage.Unstamp(created)
	return &p, nil
}

// CreateDraft opens a new draft commit in a project
func (s *Store) CreateDraft(ctx context.Context, projectID int64, userID, title string) (*domain.Commit, error) {
	if _, err := s.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	c := &domain.Commit{
		UUID:      uuid.NewString(),
		ProjectID: projectID,
		Title:     title,
		UserID:    userID,
		CreatedAt: s.now().UTC(),
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO commits (uuid, project_id, title, user_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, c.UUID, c.ProjectID, c.Title, c.UserID, storage.Stamp(c.CreatedAt))
	if err != nil {
		return nil, err
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	return c, nil
}

const commitColumns = `id, uuid, project_id, title, user_id, version, merged_at, deleted_at, created_at`

// GetCommitByID retrieves a commit, deleted or not
func (s *Store) GetCommitByID(ctx context.Context, id int64) (*domain.Commit, error) {
	return getCommit(ctx, s.db, `SELECT `+commitColumns+` FROM commits WHERE id = ?`, id)
}

// GetCommitByUUID retrieves a commit, deleted or not
func (s *Store) GetCommitByUUID(ctx context.Context, commitUUID string) (*domain.Commit, error) {
	return getCommit(ctx, s.db, `SELECT `+commitColumns+` FROM commits WHERE uuid = ?`, commitUUID)
}

// LatestMergedCommit returns the project's HEAD
func (s *Store) LatestMergedCommit(ctx context.Context, projectID int64) (*domain.Commit, error) {
	return getCommit(ctx, s.db, `
		SELECT `+commitColumns+` FROM commits
		WHERE project_id = ? AND merged_at IS NOT NULL AND deleted_at IS NULL
		ORDER BY merged_at DESC, id DESC LIMIT 1
	`, projectID)
}

// ListMergedCommits returns the project's live merged commits, most recent first
func (s *Store) ListMergedCommits(ctx context.Context, projectID int64) ([]domain.Commit, error) {
	return listMergedCommits(ctx, s.db, projectID)
}

// ListDrafts returns the project's live drafts, newest first
func (s *Store) ListDrafts(ctx context.Context, projectID int64) ([]domain.Commit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commitColumns+` FROM commits
		WHERE project_id = ? AND merged_at IS NULL AND deleted_at IS NULL
		ORDER BY id DESC
	`, projectID)
	if err != nil {
		return nil, err
	}
	return collectCommits(rows)
}

// SoftDeleteCommit marks a draft deleted. Merged commits are immutable.
func (s *Store) SoftDeleteCommit(ctx context.Context, id int64) error {
	c, err := s.GetCommitByID(ctx, id)
	if err != nil {
		return err
	}
	if !c.IsDraft() {
		return fmt.Errorf("commit %s is merged: %w", c.UUID, domain.ErrConflict)
	}
	if c.IsDeleted() {
		return nil
	}
	_, err = s.db.ExecContext(ctx, `UPDATE commits SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		storage.Stamp(s.now().UTC()), id)
	return err
}

// UpsertDocumentVersion writes a document's content into a draft. An empty
// documentUUID creates a new logical document.
func (s *Store) UpsertDocumentVersion(ctx context.Context, commitID int64, documentUUID, path, content string) (*domain.DocumentVersion, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("document path is required: %w", domain.ErrInvalid)
	}
	if documentUUID == "" {
		documentUUID = uuid.NewString()
	}
	if _, err := s.requireDraft(ctx, commitID); err != nil {
		return nil, err
	}
	if err := s.writeDocumentVersion(ctx, commitID, documentUUID, path, content, nil); err != nil {
		return nil, err
	}
	return s.getDocumentVersion(ctx, commitID, documentUUID)
}

// DeleteDocument records a document's deletion in a draft
func (s *Store) DeleteDocument(ctx context.Context, commitID int64, documentUUID string) error {
	c, err := s.requireDraft(ctx, commitID)
	if err != nil {
		return err
	}
	path, err := s.lastKnownDocumentPath(ctx, c, documentUUID)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	return s.writeDocumentVersion(ctx, commitID, documentUUID, path, "", &now)
}

func (s *Store) writeDocumentVersion(ctx context.Context, commitID int64, documentUUID, path, content string, deletedAt *time.Time) error {
	now := storage.Stamp(s.now().UTC())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_versions (commit_id, document_uuid, path, content, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(commit_id, document_uuid) DO UPDATE SET
			path = excluded.path,
			content = excluded.content,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
	`, commitID, documentUUID, path, content, now, now, storage.NullStamp(deletedAt))
	return err
}

func (s *Store) lastKnownDocumentPath(ctx context.Context, draft *domain.Commit, documentUUID string) (string, error) {
	var path string
	err := s.db.QueryRowContext(ctx, `
		SELECT dv.path FROM document_versions dv
		JOIN commits c ON c.id = dv.commit_id
		WHERE dv.document_uuid = ? AND c.project_id = ? AND c.deleted_at IS NULL
		  AND (c.id = ? OR c.merged_at IS NOT NULL)
		ORDER BY (c.id = ?) DESC, c.merged_at DESC, c.id DESC
		LIMIT 1
	`, documentUUID, draft.ProjectID, draft.ID, draft.ID).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("document %s: %w", documentUUID, domain.ErrNotFound)
	}
	return path, err
}

func (s *Store) getDocumentVersion(ctx context.Context, commitID int64, documentUUID string) (*domain.DocumentVersion, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM document_versions WHERE commit_id = ? AND document_uuid = ?`,
		commitID, documentUUID)
	if err != nil {
		return nil, err
	}
	versions, err := collectDocumentVersions(rows)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("document %s at commit %d: %w", documentUUID, commitID, domain.ErrNotFound)
	}
	return &versions[0], nil
}

// ListDocumentVersions returns every document version owned by the given commits
func (s *Store) ListDocumentVersions(ctx context.Context, commitIDs []int64) ([]domain.DocumentVersion, error) {
	return listDocumentVersions(ctx, s.db, commitIDs)
}

// UpsertEvaluationVersion writes an evaluation definition into a draft. An
// empty evaluationUUID creates a new logical evaluation.
func (s *Store) UpsertEvaluationVersion(ctx context.Context, commitID int64, evaluationUUID, documentUUID, name, configuration string) (*domain.EvaluationVersion, error) {
	if documentUUID == "" || strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("evaluation document and name are required: %w", domain.ErrInvalid)
	}
	if configuration == "" {
		configuration = "{}"
	}
	if evaluationUUID == "" {
		evaluationUUID = uuid.NewString()
	}
	if _, err := s.requireDraft(ctx, commitID); err != nil {
		return nil, err
	}
	if err := s.writeEvaluationVersion(ctx, commitID, evaluationUUID, documentUUID, name, configuration, nil); err != nil {
		return nil, err
	}
	return s.getEvaluationVersion(ctx, commitID, evaluationUUID)
}

// DeleteEvaluation records an evaluation's deletion in a draft
func (s *Store) DeleteEvaluation(ctx context.Context, commitID int64, evaluationUUID string) error {
	c, err := s.requireDraft(ctx, commitID)
	if err != nil {
		return err
	}
	var documentUUID, name, configuration string
	err = s.db.QueryRowContext(ctx, `
		SELECT ev.document_uuid, ev.name, ev.configuration FROM evaluation_versions ev
		JOIN commits c ON c.id = ev.commit_id
		WHERE ev.evaluation_uuid = ? AND c.project_id = ? AND c.deleted_at IS NULL
		  AND (c.id = ? OR c.merged_at IS NOT NULL)
		ORDER BY (c.id = ?) DESC, c.merged_at DESC, c.id DESC
		LIMIT 1
	`, evaluationUUID, c.ProjectID, c.ID, c.ID).Scan(&documentUUID, &name, &configuration)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("evaluation %s: %w", evaluationUUID, domain.ErrNotFound)
	}
	if err != nil {
		return err
	}
	now := s.now().UTC()
	return s.writeEvaluationVersion(ctx, commitID, evaluationUUID, documentUUID, name, configuration, &now)
}

func (s *Store) writeEvaluationVersion(ctx context.Context, commitID int64, evaluationUUID, documentUUID, name, configuration string, deletedAt *time.Time) error {
	now := storage.Stamp(s.now().UTC())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evaluation_versions (commit_id, evaluation_uuid, document_uuid, name, configuration, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(commit_id, evaluation_uuid) DO UPDATE SET
			document_uuid = excluded.document_uuid,
			name = excluded.name,
			configuration = excluded.configuration,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
	`, commitID, evaluationUUID, documentUUID, name, configuration, now, now, storage.NullStamp(deletedAt))
	return err
}

func (s *Store) getEvaluationVersion(ctx context.Context, commitID int64, evaluationUUID string) (*domain.EvaluationVersion, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+evaluationColumns+` FROM evaluation_versions WHERE commit_id = ? AND evaluation_uuid = ?`,
		commitID, evaluationUUID)
	if err != nil {
		return nil, err
	}
	versions, err := collectEvaluationVersions(rows)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("evaluation %s at commit %d: %w", evaluationUUID, commitID, domain.ErrNotFound)
	}
	return &versions[0], nil
}

// ListEvaluationVersions returns evaluation versions owned by the given
// commits. A non-empty documentUUID restricts to that document.
func (s *Store) ListEvaluationVersions(ctx context.Context, commitIDs []int64, documentUUID string) ([]domain.EvaluationVersion, error) {
	return listEvaluationVersions(ctx, s.db, commitIDs, documentUUID)
}

// CreateLegacyEvaluation inserts a v1 evaluation
func (s *Store) CreateLegacyEvaluation(ctx context.Context, projectID int64, documentUUID, name, configuration string) (*domain.LegacyEvaluation, error) {
	if documentUUID == "" || strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("evaluation document and name are required: %w", domain.ErrInvalid)
	}
	if configuration == "" {
		configuration = "{}"
	}
	e := &domain.LegacyEvaluation{
		ProjectID:     projectID,
		DocumentUUID:  documentUUID,
		Name:          name,
		Configuration: configuration,
		CreatedAt:     s.now().UTC(),
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO legacy_evaluations (project_id, document_uuid, name, configuration, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.ProjectID, e.DocumentUUID, e.Name, e.Configuration, storage.Stamp(e.CreatedAt))
	if err != nil {
		return nil, err
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	return e, nil
}

// GetLegacyEvaluation retrieves a v1 evaluation by ID
func (s *Store) GetLegacyEvaluation(ctx context.Context, id int64) (*domain.LegacyEvaluation, error) {
	var e domain.LegacyEvaluation
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, document_uuid, name, configuration, created_at
		FROM legacy_evaluations WHERE id = ?
	`, id).Scan(&e.ID, &e.ProjectID, &e.DocumentUUID, &e.Name, &e.Configuration, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("legacy evaluation %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	e.CreatedAt = storage.Unstamp(created)
	return &e, nil
}

func (s *Store) requireDraft(ctx context.Context, commitID int64) (*domain.Commit, error) {
	c, err := s.GetCommitByID(ctx, commitID)
	if err != nil {
		return nil, err
	}
	if c.IsDeleted() {
		return nil, fmt.Errorf("commit %s is deleted: %w", c.UUID, domain.ErrConflict)
	}
	if !c.IsDraft() {
		return nil, fmt.Errorf("commit %s is merged: %w", c.UUID, domain.ErrConflict)
	}
	return c, nil
}
