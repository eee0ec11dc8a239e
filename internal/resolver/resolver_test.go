package resolver_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
	"github.com/hochfrequenz/prompt-ledger/internal/resolver"
	"github.com/hochfrequenz/prompt-ledger/internal/storage"
	"github.com/hochfrequenz/prompt-ledger/internal/versionstore"
)

type fixture struct {
	store   *versionstore.Store
	res     *resolver.Resolver
	project *domain.Project
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	store := versionstore.New(db, nil, nil)
	p, err := store.CreateProject(context.Background(), "p")
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{store: store, res: resolver.New(store), project: p}
}

func (f *fixture) commit(t *testing.T, merge bool, docs map[string]string) *domain.Commit {
	t.Helper()
	ctx := context.Background()
	c, err := f.store.CreateDraft(ctx, f.project.ID, "u", "c")
	if err != nil {
		t.Fatal(err)
	}
	for uuid, content := range docs {
		if _, err := f.store.UpsertDocumentVersion(ctx, c.ID, uuid, "prompts/"+uuid, content); err != nil {
			t.Fatal(err)
		}
	}
	if !merge {
		return c
	}
	merged, err := f.store.Merge(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	return merged
}

func TestResolver_CommitChainScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.commit(t, true, map[string]string{"D": "v1 body", "other": "x"})
	c2 := f.commit(t, true, map[string]string{"other": "y"})
	c3 := f.commit(t, false, map[string]string{"D": "draft body"})

	got, err := f.res.DocumentAtCommit(ctx, c2, "D")
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != "v1 body" {
		t.Errorf("D at C2 = %q, want v1 body", got.Content)
	}

	got, err = f.res.DocumentAtCommit(ctx, c3, "D")
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != "draft body" {
		t.Errorf("D at C3 = %q, want draft body", got.Content)
	}
}

func TestResolver_HeadSentinel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.res.ResolveCommit(ctx, f.project.ID, resolver.HeadSentinel); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("HEAD of empty project err = %v, want ErrNotFound", err)
	}

	f.commit(t, true, map[string]string{"a": "1"})
	c2 := f.commit(t, true, map[string]string{"b": "2"})
	f.commit(t, false, map[string]string{"c": "3"})

	head, err := f.res.ResolveCommit(ctx, f.project.ID, resolver.HeadSentinel)
	if err != nil {
		t.Fatal(err)
	}
	if head.ID != c2.ID {
		t.Errorf("HEAD = %d, want %d", head.ID, c2.ID)
	}

	docs, err := f.res.DocumentsAtCommit(ctx, f.project.ID, resolver.HeadSentinel)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 || docs[0].Path != "prompts/a" || docs[1].Path != "prompts/b" {
		t.Errorf("documents at HEAD = %+v, want prompts/a and prompts/b", docs)
	}
}

func TestResolver_ResolveCommitWrongProject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.commit(t, true, map[string]string{"a": "1"})

	if _, err := f.res.ResolveCommit(ctx, f.project.ID+1, c.UUID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("ResolveCommit in other project err = %v, want ErrNotFound", err)
	}
}

func TestResolver_DeletedDocumentHidden(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.commit(t, true, map[string]string{"a": "1", "b": "2"})

	c2, _ := f.store.CreateDraft(ctx, f.project.ID, "u", "rm")
	if err := f.store.DeleteDocument(ctx, c2.ID, "a"); err != nil {
		t.Fatal(err)
	}

	docs, err := f.res.DocumentsAtCommit(ctx, f.project.ID, c2.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].DocumentUUID != "b" {
		t.Errorf("documents = %+v, want only b", docs)
	}
	if _, err := f.res.DocumentAtCommit(ctx, c2, "a"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("DocumentAtCommit(deleted) err = %v, want ErrNotFound", err)
	}

	all, err := f.res.Documents(ctx, c2)
	if err != nil {
		t.Fatal(err)
	}
	if !all["a"].IsDeleted() {
		t.Error("Documents should return the deletion version for a")
	}
}

func TestResolver_Evaluations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c1, _ := f.store.CreateDraft(ctx, f.project.ID, "u", "c1")
	f.store.UpsertDocumentVersion(ctx, c1.ID, "doc", "prompts/doc", "body")
	f.store.UpsertEvaluationVersion(ctx, c1.ID, "e1", "doc", "exact", `{"type":"exact_match"}`)
	f.store.UpsertEvaluationVersion(ctx, c1.ID, "e2", "other", "other", `{}`)
	c1, err := f.store.Merge(ctx, c1.ID)
	if err != nil {
		t.Fatal(err)
	}

	c2, _ := f.store.CreateDraft(ctx, f.project.ID, "u", "c2")
	f.store.UpsertEvaluationVersion(ctx, c2.ID, "e1", "doc", "exact", `{"type":"contains"}`)

	evals, err := f.res.EvaluationsForDocument(ctx, c1, "doc")
	if err != nil {
		t.Fatal(err)
	}
	if len(evals) != 1 || evals[0].EvaluationUUID != "e1" {
		t.Fatalf("evaluations at C1 = %+v, want e1", evals)
	}

	ev, err := f.res.EvaluationAtCommit(ctx, c2, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if ev.Configuration != `{"type":"contains"}` {
		t.Errorf("e1 at draft = %q, want draft configuration", ev.Configuration)
	}
	if _, err := f.res.EvaluationAtCommit(ctx, c1, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("EvaluationAtCommit(missing) err = %v, want ErrNotFound", err)
	}
}

func TestResolver_ConcurrentResolutionsAgree(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.commit(t, true, map[string]string{"a": "1", "b": "2"})
	head := f.commit(t, true, map[string]string{"a": "3"})

	var wg sync.WaitGroup
	results := make([]map[string]domain.DocumentVersion, 16)
	errs := make([]error, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.res.Documents(ctx, head)
		}(i)
	}
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("resolution %d: %v", i, errs[i])
		}
		if results[i]["a"].Content != "3" || results[i]["b"].Content != "2" {
			t.Errorf("resolution %d = %+v", i, results[i])
		}
	}

	// Callers get their own copy.
	delete(results[0], "a")
	if _, ok := results[1]["a"]; !ok {
		t.Error("results share one map")
	}
}
