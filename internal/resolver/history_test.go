package resolver

import (
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func merged(id int64, minute int) domain.Commit {
	t := epoch.Add(time.Duration(minute) * time.Minute)
	v := int(id)
	return domain.Commit{ID: id, ProjectID: 1, Version: &v, MergedAt: &t}
}

func draft(id int64) domain.Commit {
	return domain.Commit{ID: id, ProjectID: 1}
}

func ids(commits []domain.Commit) []int64 {
	return CommitIDs(commits)
}

func TestHistory_Draft(t *testing.T) {
	commits := []domain.Commit{merged(1, 1), merged(2, 2), merged(3, 3)}
	d := draft(4)

	got := ids(History(d, commits))
	want := []int64{4, 3, 2, 1}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("History(draft) = %v, want %v", got, want)
	}
}

func TestHistory_Merged(t *testing.T) {
	commits := []domain.Commit{merged(3, 3), merged(1, 1), merged(2, 2)}

	got := ids(History(commits[2], commits))
	want := []int64{2, 1}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("History(C2) = %v, want %v", got, want)
	}
}

func TestHistory_ExcludesDeleted(t *testing.T) {
	c2 := merged(2, 2)
	now := epoch
	c2.DeletedAt = &now
	commits := []domain.Commit{merged(1, 1), c2, merged(3, 3)}

	got := ids(History(draft(4), commits))
	want := []int64{4, 3, 1}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("History = %v, want %v", got, want)
	}

	deletedDraft := draft(5)
	deletedDraft.DeletedAt = &now
	for _, c := range History(deletedDraft, commits) {
		if c.ID == 5 {
			t.Error("deleted draft appears in its own history")
		}
	}
}

func TestHistory_EmptyWhenNothingMerged(t *testing.T) {
	phantom := merged(9, 9)
	if got := History(phantom, nil); len(got) != 0 {
		t.Errorf("History = %v, want empty", ids(got))
	}
}

func TestHistory_TieOnMergedAtBreaksByID(t *testing.T) {
	commits := []domain.Commit{merged(1, 5), merged(2, 5)}
	got := ids(History(draft(3), commits))
	want := []int64{3, 2, 1}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("History = %v, want %v", got, want)
	}
}

func TestResolveAll_ChainScenario(t *testing.T) {
	// C1(merged) -> C2(merged) -> C3(draft); D has versions in C1 and C3.
	c1, c2, c3 := merged(1, 1), merged(2, 2), draft(3)
	commits := []domain.Commit{c1, c2}
	versions := []domain.DocumentVersion{
		{ID: 10, CommitID: 1, DocumentUUID: "D", Content: "from C1"},
		{ID: 11, CommitID: 3, DocumentUUID: "D", Content: "from C3"},
	}

	atC2 := ResolveAll(History(c2, commits), versions)
	if got := atC2["D"].Content; got != "from C1" {
		t.Errorf("D at C2 = %q, want from C1", got)
	}

	atC3 := ResolveAll(History(c3, commits), versions)
	if got := atC3["D"].Content; got != "from C3" {
		t.Errorf("D at C3 = %q, want from C3", got)
	}
}

func TestResolveAll_InvisibleAndAbsent(t *testing.T) {
	c1 := merged(1, 1)
	versions := []domain.DocumentVersion{
		{CommitID: 1, DocumentUUID: "A"},
		{CommitID: 7, DocumentUUID: "B"}, // commit outside history
	}

	got := ResolveAll(History(c1, []domain.Commit{c1}), versions)
	if _, ok := got["B"]; ok {
		t.Error("version from a commit outside history is visible")
	}
	if _, ok := got["C"]; ok {
		t.Error("absent document present in result")
	}
	if len(got) != 1 {
		t.Errorf("resolved %d documents, want 1", len(got))
	}
}

func TestResolveAll_KeepsDeletedVersion(t *testing.T) {
	c1, c2 := merged(1, 1), merged(2, 2)
	now := epoch
	versions := []domain.DocumentVersion{
		{CommitID: 1, DocumentUUID: "A", Content: "x"},
		{CommitID: 2, DocumentUUID: "A", DeletedAt: &now},
	}

	got := ResolveAll(History(c2, []domain.Commit{c1, c2}), versions)
	if !got["A"].IsDeleted() {
		t.Error("resolved version should be the deletion")
	}
}

// naiveResolve walks history from the head and takes the first version it
// finds for the logical id.
func naiveResolve(history []domain.Commit, versions []domain.DocumentVersion, id string) (domain.DocumentVersion, bool) {
	for _, c := range history {
		for _, v := range versions {
			if v.CommitID == c.ID && v.DocumentUUID == id {
				return v, true
			}
		}
	}
	return domain.DocumentVersion{}, false
}

func TestResolveAll_MatchesNaiveScan(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	docIDs := []string{"a", "b", "c", "d", "e"}

	for round := 0; round < 200; round++ {
		n := 1 + rng.Intn(12)
		var commits []domain.Commit
		minute := 0
		for i := 1; i <= n; i++ {
			var c domain.Commit
			if rng.Intn(4) == 0 {
				c = draft(int64(i))
			} else {
				minute += rng.Intn(3) // zero steps produce merge-time ties
				c = merged(int64(i), minute)
			}
			if rng.Intn(8) == 0 {
				now := epoch
				c.DeletedAt = &now
			}
			commits = append(commits, c)
		}

		var versions []domain.DocumentVersion
		for _, c := range commits {
			for _, d := range docIDs {
				if rng.Intn(3) == 0 {
					versions = append(versions, domain.DocumentVersion{CommitID: c.ID, DocumentUUID: d, Content: d + "@" + string(rune('A'+c.ID))})
				}
			}
		}

		target := commits[rng.Intn(len(commits))]
		history := History(target, commits)

		containsTarget := false
		for _, c := range history {
			if c.IsDeleted() {
				t.Fatalf("round %d: history contains deleted commit %d", round, c.ID)
			}
			if c.ID == target.ID {
				containsTarget = true
			}
		}
		if target.IsDraft() && !target.IsDeleted() && !containsTarget {
			t.Fatalf("round %d: draft %d missing from its history", round, target.ID)
		}

		first := ResolveAll(history, versions)
		second := ResolveAll(history, versions)
		if !reflect.DeepEqual(first, second) {
			t.Fatalf("round %d: resolution not deterministic", round)
		}

		for _, d := range docIDs {
			want, wantOK := naiveResolve(history, versions, d)
			got, gotOK := first[d]
			if wantOK != gotOK || got.Content != want.Content {
				t.Fatalf("round %d doc %s: got (%q,%v), want (%q,%v)", round, d, got.Content, gotOK, want.Content, wantOK)
			}
		}
	}
}
