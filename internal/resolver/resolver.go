package resolver

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strconv"

	"golang.org/x/sync/singleflight"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
)

// HeadSentinel stands for the project's most recently merged commit
const HeadSentinel = "live"

// Source is the read side of the version store
type Source interface {
	GetCommitByUUID(ctx context.Context, commitUUID string) (*domain.Commit, error)
	LatestMergedCommit(ctx context.Context, projectID int64) (*domain.Commit, error)
	ListMergedCommits(ctx context.Context, projectID int64) ([]domain.Commit, error)
	ListDocumentVersions(ctx context.Context, commitIDs []int64) ([]domain.DocumentVersion, error)
	ListEvaluationVersions(ctx context.Context, commitIDs []int64, documentUUID string) ([]domain.EvaluationVersion, error)
}

// Resolver resolves documents and evaluations as of a commit. Identical
// concurrent resolutions share one store round trip.
type Resolver struct {
	src   Source
	group singleflight.Group
}

// New creates a Resolver over src
func New(src Source) *Resolver {
	return &Resolver{src: src}
}

// ResolveCommit looks up a commit by uuid within a project. HeadSentinel
// resolves to the latest merged commit. Deleted commits are not found.
func (r *Resolver) ResolveCommit(ctx context.Context, projectID int64, commitUUID string) (*domain.Commit, error) {
	if commitUUID == HeadSentinel {
		c, err := r.src.LatestMergedCommit(ctx, projectID)
		if err != nil {
			return nil, fmt.Errorf("project %d has no merged commit: %w", projectID, err)
		}
		return c, nil
	}
	c, err := r.src.GetCommitByUUID(ctx, commitUUID)
	if err != nil {
		return nil, err
	}
	if c.ProjectID != projectID || c.IsDeleted() {
		return nil, fmt.Errorf("commit %s in project %d: %w", commitUUID, projectID, domain.ErrNotFound)
	}
	return c, nil
}

// History loads the commits visible from c
func (r *Resolver) History(ctx context.Context, c *domain.Commit) ([]domain.Commit, error) {
	merged, err := r.src.ListMergedCommits(ctx, c.ProjectID)
	if err != nil {
		return nil, err
	}
	return History(*c, merged), nil
}

// Documents resolves every document visible at c, deleted ones included
func (r *Resolver) Documents(ctx context.Context, c *domain.Commit) (map[string]domain.DocumentVersion, error) {
	key := "docs:" + strconv.FormatInt(c.ID, 10)
	v, err, _ := r.group.Do(key, func() (any, error) {
		history, err := r.History(ctx, c)
		if err != nil {
			return nil, err
		}
		versions, err := r.src.ListDocumentVersions(ctx, CommitIDs(history))
		if err != nil {
			return nil, err
		}
		return ResolveAll(history, versions), nil
	})
	if err != nil {
		return nil, err
	}
	return maps.Clone(v.(map[string]domain.DocumentVersion)), nil
}

// Evaluations resolves every evaluation visible at c. A non-empty
// documentUUID restricts to evaluations of that document.
func (r *Resolver) Evaluations(ctx context.Context, c *domain.Commit, documentUUID string) (map[string]domain.EvaluationVersion, error) {
	key := "evals:" + strconv.FormatInt(c.ID, 10) + ":" + documentUUID
	v, err, _ := r.group.Do(key, func() (any, error) {
		history, err := r.History(ctx, c)
		if err != nil {
			return nil, err
		}
		// Filtering by document happens after resolution so that a version
		// moved to another document still shadows older ones.
		versions, err := r.src.ListEvaluationVersions(ctx, CommitIDs(history), "")
		if err != nil {
			return nil, err
		}
		resolved := ResolveAll(history, versions)
		if documentUUID != "" {
			maps.DeleteFunc(resolved, func(_ string, ev domain.EvaluationVersion) bool {
				return ev.DocumentUUID != documentUUID
			})
		}
		return resolved, nil
	})
	if err != nil {
		return nil, err
	}
	return maps.Clone(v.(map[string]domain.EvaluationVersion)), nil
}

// DocumentsAtCommit lists the live documents of a project at a commit uuid
// (or HeadSentinel), sorted by path.
func (r *Resolver) DocumentsAtCommit(ctx context.Context, projectID int64, commitUUID string) ([]domain.DocumentVersion, error) {
	c, err := r.ResolveCommit(ctx, projectID, commitUUID)
	if err != nil {
		return nil, err
	}
	resolved, err := r.Documents(ctx, c)
	if err != nil {
		return nil, err
	}
	docs := make([]domain.DocumentVersion, 0, len(resolved))
	for _, v := range resolved {
		if !v.IsDeleted() {
			docs = append(docs, v)
		}
	}
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].Path != docs[j].Path {
			return docs[i].Path < docs[j].Path
		}
		return docs[i].DocumentUUID < docs[j].DocumentUUID
	})
	return docs, nil
}

// DocumentAtCommit returns one live document as of c
func (r *Resolver) DocumentAtCommit(ctx context.Context, c *domain.Commit, documentUUID string) (*domain.DocumentVersion, error) {
	resolved, err := r.Documents(ctx, c)
	if err != nil {
		return nil, err
	}
	v, ok := resolved[documentUUID]
	if !ok || v.IsDeleted() {
		return nil, fmt.Errorf("document %s at commit %s: %w", documentUUID, c.UUID, domain.ErrNotFound)
	}
	return &v, nil
}

// EvaluationAtCommit returns one live evaluation as of c
func (r *Resolver) EvaluationAtCommit(ctx context.Context, c *domain.Commit, evaluationUUID string) (*domain.EvaluationVersion, error) {
	resolved, err := r.Evaluations(ctx, c, "")
	if err != nil {
		return nil, err
	}
	v, ok := resolved[evaluationUUID]
	if !ok || v.IsDeleted() {
		return nil, fmt.Errorf("evaluation %s at commit %s: %w", evaluationUUID, c.UUID, domain.ErrNotFound)
	}
	return &v, nil
}

// EvaluationsForDocument lists the live evaluations of a document as of c,
// sorted by name.
func (r *Resolver) EvaluationsForDocument(ctx context.Context, c *domain.Commit, documentUUID string) ([]domain.EvaluationVersion, error) {
	resolved, err := r.Evaluations(ctx, c, documentUUID)
	if err != nil {
		return nil, err
	}
	evals := make([]domain.EvaluationVersion, 0, len(resolved))
	for _, v := range resolved {
		if !v.IsDeleted() {
			evals = append(evals, v)
		}
	}
	sort.Slice(evals, func(i, j int) bool {
		if evals[i].Name != evals[j].Name {
			return evals[i].Name < evals[j].Name
		}
		return evals[i].EvaluationUUID < evals[j].EvaluationUUID
	})
	return evals, nil
}
