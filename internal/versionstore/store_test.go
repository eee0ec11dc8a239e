package versionstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
	"github.com/hochfrequenz/prompt-ledger/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	s := New(db, func(content string) error {
		if strings.Contains(content, "{{ }}") {
			return fmt.Errorf("empty placeholder")
		}
		return nil
	}, nil)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return s
}

func TestStore_CreateDraftAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	p, err := s.CreateProject(ctx, "support-bot")
	if err != nil {
		t.Fatal(err)
	}
	c, err := s.CreateDraft(ctx, p.ID, "user-1", "first")
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetCommitByUUID(ctx, c.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != c.ID || !got.IsDraft() || got.Version != nil {
		t.Errorf("GetCommitByUUID = %+v, want draft %d without version", got, c.ID)
	}

	if _, err := s.CreateProject(ctx, "support-bot"); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("duplicate project err = %v, want ErrConflict", err)
	}
	if _, err := s.CreateDraft(ctx, 999, "u", "x"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("CreateDraft on missing project err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetCommitByUUID(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetCommitByUUID(missing) err = %v, want ErrNotFound", err)
	}
}

func TestStore_UpsertDocumentVersion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p, _ := s.CreateProject(ctx, "p")
	c, _ := s.CreateDraft(ctx, p.ID, "u", "draft")

	v, err := s.UpsertDocumentVersion(ctx, c.ID, "", "prompts/greet", "Hello {{ name }}")
	if err != nil {
		t.Fatal(err)
	}
	if v.DocumentUUID == "" {
		t.Fatal("DocumentUUID not generated")
	}

	v2, err := s.UpsertDocumentVersion(ctx, c.ID, v.DocumentUUID, "prompts/greet", "Hi {{ name }}")
	if err != nil {
		t.Fatal(err)
	}
	if v2.ID != v.ID {
		t.Errorf("upsert in same commit created a new version: %d != %d", v2.ID, v.ID)
	}
	if v2.Content != "Hi {{ name }}" {
		t.Errorf("Content = %q, want updated content", v2.Content)
	}

	versions, err := s.ListDocumentVersions(ctx, []int64{c.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 1 {
		t.Errorf("versions in commit = %d, want 1", len(versions))
	}
}

func TestStore_WritesRejectedOnMergedCommit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p, _ := s.CreateProject(ctx, "p")
	c, _ := s.CreateDraft(ctx, p.ID, "u", "draft")
	doc, _ := s.UpsertDocumentVersion(ctx, c.ID, "", "a", "body")
	if _, err := s.Merge(ctx, c.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := s.UpsertDocumentVersion(ctx, c.ID, doc.DocumentUUID, "a", "changed"); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("upsert on merged commit err = %v, want ErrConflict", err)
	}
	if _, err := s.UpsertEvaluationVersion(ctx, c.ID, "", doc.DocumentUUID, "e", ""); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("evaluation upsert on merged commit err = %v, want ErrConflict", err)
	}
	if err := s.SoftDeleteCommit(ctx, c.ID); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("SoftDeleteCommit(merged) err = %v, want ErrConflict", err)
	}
}

func TestStore_DeleteDocumentCarriesPath(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p, _ := s.CreateProject(ctx, "p")
	c1, _ := s.CreateDraft(ctx, p.ID, "u", "one")
	doc, _ := s.UpsertDocumentVersion(ctx, c1.ID, "", "prompts/a", "body")
	if _, err := s.Merge(ctx, c1.ID); err != nil {
		t.Fatal(err)
	}

	c2, _ := s.CreateDraft(ctx, p.ID, "u", "two")
	if err := s.DeleteDocument(ctx, c2.ID, doc.DocumentUUID); err != nil {
		t.Fatal(err)
	}
	versions, err := s.ListDocumentVersions(ctx, []int64{c2.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 1 {
		t.Fatalf("versions = %d, want 1", len(versions))
	}
	if !versions[0].IsDeleted() || versions[0].Path != "prompts/a" {
		t.Errorf("deletion version = %+v, want deleted at prompts/a", versions[0])
	}

	if err := s.DeleteDocument(ctx, c2.ID, "unknown"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("DeleteDocument(unknown) err = %v, want ErrNotFound", err)
	}
}

func TestStore_LegacyEvaluation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p, _ := s.CreateProject(ctx, "p")

	e, err := s.CreateLegacyEvaluation(ctx, p.ID, "doc-1", "exact", `{"type":"exact_match"}`)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.GetLegacyEvaluation(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Configuration != `{"type":"exact_match"}` {
		t.Errorf("Configuration = %q", got.Configuration)
	}
	if _, err := s.GetLegacyEvaluation(ctx, e.ID+1); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetLegacyEvaluation(missing) err = %v, want ErrNotFound", err)
	}
}

func TestStore_ListMergedCommitsSkipsDeletedAndDrafts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p, _ := s.CreateProject(ctx, "p")

	var merged []int64
	for i := 0; i < 3; i++ {
		c, _ := s.CreateDraft(ctx, p.ID, "u", fmt.Sprintf("c%d", i))
		if _, err := s.UpsertDocumentVersion(ctx, c.ID, "doc", "a", fmt.Sprintf("v%d", i)); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Merge(ctx, c.ID); err != nil {
			t.Fatal(err)
		}
		merged = append(merged, c.ID)
	}
	draft, _ := s.CreateDraft(ctx, p.ID, "u", "pending")
	if err := s.SoftDeleteCommit(ctx, draft.ID); err != nil {
		t.Fatal(err)
	}

	commits, err := s.ListMergedCommits(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(commits) != 3 {
		t.Fatalf("merged commits = %d, want 3", len(commits))
	}
	for i, c := range commits {
		if want := merged[len(merged)-1-i]; c.ID != want {
			t.Errorf("commits[%d] = %d, want %d", i, c.ID, want)
		}
	}

	head, err := s.LatestMergedCommit(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if *head.Version != 3 {
		t.Errorf("HEAD version = %d, want 3", *head.Version)
	}

	drafts, err := s.ListDrafts(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(drafts) != 0 {
		t.Errorf("live drafts = %d, want 0", len(drafts))
	}
}
