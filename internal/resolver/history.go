// Package resolver answers "what was visible at commit X" for documents and
// evaluations. Every as-of query in the system goes through History.
package resolver

import (
	"sort"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
)

// History returns the commits visible from target, most recent first.
//
// A draft sees itself followed by every merged commit of the project. A
// merged commit sees the merged commits up to and including its own merge
// time. Soft-deleted commits never appear. projectCommits may contain drafts
// and commits of any order; only merged, live ones are considered.
func History(target domain.Commit, projectCommits []domain.Commit) []domain.Commit {
	var history []domain.Commit
	for _, c := range projectCommits {
		if c.MergedAt == nil || c.IsDeleted() || c.ProjectID != target.ProjectID {
			continue
		}
		if !target.IsDraft() && c.MergedAt.After(*target.MergedAt) {
			continue
		}
		history = append(history, c)
	}
	sortMergedDesc(history)

	if target.IsDraft() && !target.IsDeleted() {
		history = append([]domain.Commit{target}, history...)
	}
	return history
}

func sortMergedDesc(commits []domain.Commit) {
	sort.SliceStable(commits, func(i, j int) bool {
		a, b := commits[i].MergedAt, commits[j].MergedAt
		if !a.Equal(*b) {
			return a.After(*b)
		}
		return commits[i].ID > commits[j].ID
	})
}

// CommitIDs returns the ids of a history in order
func CommitIDs(history []domain.Commit) []int64 {
	ids := make([]int64, len(history))
	for i, c := range history {
		ids[i] = c.ID
	}
	return ids
}

// ResolveAll picks, for every logical id, the version owned by the commit
// closest to the head of history. Versions owned by commits outside history
// are invisible. Ties go to the highest commit id. Deleted versions are kept;
// callers decide whether a resolved deletion hides the entity.
func ResolveAll[V domain.Versioned](history []domain.Commit, versions []V) map[string]V {
	rank := make(map[int64]int, len(history))
	for i, c := range history {
		rank[c.ID] = i
	}

	resolved := make(map[string]V)
	best := make(map[string]int)
	for _, v := range versions {
		r, visible := rank[v.OwnerCommitID()]
		if !visible {
			continue
		}
		id := v.LogicalID()
		cur, seen := best[id]
		if !seen || r < cur || (r == cur && v.OwnerCommitID() > resolved[id].OwnerCommitID()) {
			resolved[id] = v
			best[id] = r
		}
	}
	return resolved
}
