// internal/versionstore/merge.go
package versionstore

import (
	"context"
	"fmt"
	"time"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
	"github.com/hochfrequenz/prompt-ledger/internal/resolver"
	"github.com/hochfrequenz/prompt-ledger/internal/storage"
)

// Merge turns a draft into the project's next merged commit.
//
// It fails with ErrConflict when the commit is already merged or deleted,
// when it changes nothing relative to HEAD, or when a changed document does
// not compile. Nothing is written on failure.
func (s *Store) Merge(ctx context.Context, commitID int64) (*domain.Commit, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	c, err := getCommit(ctx, tx, `SELECT `+commitColumns+` FROM commits WHERE id = ?`, commitID)
	if err != nil {
		return nil, err
	}
	if c.IsDeleted() {
		return nil, fmt.Errorf("commit %s is deleted: %w", c.UUID, domain.ErrConflict)
	}
	if !c.IsDraft() {
		return nil, fmt.Errorf("commit %s already merged: %w", c.UUID, domain.ErrConflict)
	}

	merged, err := listMergedCommits(ctx, tx, c.ProjectID)
	if err != nil {
		return nil, err
	}
	if err := s.checkChanges(ctx, tx, c, merged); err != nil {
		return nil, err
	}

	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM commits WHERE project_id = ?`, c.ProjectID).Scan(&next); err != nil {
		return nil, err
	}

	mergedAt := s.now().UTC()
	if len(merged) > 0 && !mergedAt.After(*merged[0].MergedAt) {
		// History is ordered by merge time, so it must strictly increase.
		mergedAt = merged[0].MergedAt.Add(time.Nanosecond)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE commits SET version = ?, merged_at = ?
		WHERE id = ? AND merged_at IS NULL AND deleted_at IS NULL
	`, next, storage.Stamp(mergedAt), c.ID)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return nil, fmt.Errorf("version %d already assigned in project %d: %w", next, c.ProjectID, domain.ErrConflict)
		}
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, fmt.Errorf("commit %s already merged: %w", c.UUID, domain.ErrConflict)
	}

	if err := tx.Commit(); err != nil {
		if storage.IsUniqueViolation(err) {
			return nil, fmt.Errorf("version %d already assigned in project %d: %w", next, c.ProjectID, domain.ErrConflict)
		}
		return nil, err
	}

	c.Version = &next
	c.MergedAt = &mergedAt
	s.logger.Info("commit merged", "commit", c.UUID, "project_id", c.ProjectID, "version", next)
	return c, nil
}

// checkChanges rejects a draft identical to its parent and compiles every
// document the draft changes.
func (s *Store) checkChanges(ctx context.Context, q storage.Querier, draft *domain.Commit, merged []domain.Commit) error {
	draftDocs, err := listDocumentVersions(ctx, q, []int64{draft.ID})
	if err != nil {
		return err
	}
	draftEvals, err := listEvaluationVersions(ctx, q, []int64{draft.ID}, "")
	if err != nil {
		return err
	}

	parentIDs := resolver.CommitIDs(merged)
	parentDocs, err := listDocumentVersions(ctx, q, parentIDs)
	if err != nil {
		return err
	}
	parentEvals, err := listEvaluationVersions(ctx, q, parentIDs, "")
	if err != nil {
		return err
	}
	resolvedDocs := resolver.ResolveAll(merged, parentDocs)
	resolvedEvals := resolver.ResolveAll(merged, parentEvals)

	changed := false
	for _, v := range draftDocs {
		parent, ok := resolvedDocs[v.DocumentUUID]
		if !documentChanged(v, parent, ok) {
			continue
		}
		changed = true
		if v.IsDeleted() {
			continue
		}
		if err := s.compile(v.Content); err != nil {
			return fmt.Errorf("document %s does not compile: %v: %w", v.Path, err, domain.ErrConflict)
		}
	}
	for _, v := range draftEvals {
		parent, ok := resolvedEvals[v.EvaluationUUID]
		if evaluationChanged(v, parent, ok) {
			changed = true
		}
	}

	if !changed {
		return fmt.Errorf("commit %s has no changes: %w", draft.UUID, domain.ErrConflict)
	}
	return nil
}

func documentChanged(draft, parent domain.DocumentVersion, hasParent bool) bool {
	if !hasParent || parent.IsDeleted() {
		return !draft.IsDeleted()
	}
	return !draft.SameContent(parent)
}

func evaluationChanged(draft, parent domain.EvaluationVersion, hasParent bool) bool {
	if !hasParent || parent.IsDeleted() {
		return !draft.IsDeleted()
	}
	return !draft.SameContent(parent)
}
