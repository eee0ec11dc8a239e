package dataset

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
	"github.com/hochfrequenz/prompt-ledger/internal/storage"
)

func newTestStore(t *testing.T) (*Store, int64) {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	res, err := db.Exec(`INSERT INTO projects(name, created_at) VALUES ('p', 0)`)
	if err != nil {
		t.Fatal(err)
	}
	projectID, _ := res.LastInsertId()
	return New(db), projectID
}

func seed(t *testing.T, s *Store, projectID int64, n int) *domain.Dataset {
	t.Helper()
	ctx := context.Background()
	d, err := s.CreateDataset(ctx, projectID, "qa", []string{"question", "answer"})
	if err != nil {
		t.Fatal(err)
	}
	var rows [][]string
	for i := 1; i <= n; i++ {
		rows = append(rows, []string{"q" + string(rune('0'+i)), "a" + string(rune('0'+i))})
	}
	if err := s.AppendRows(ctx, d.ID, rows); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestStore_RowsInInsertionOrder(t *testing.T) {
	s, projectID := newTestStore(t)
	ctx := context.Background()
	d := seed(t, s, projectID, 3)
	if err := s.AppendRows(ctx, d.ID, [][]string{{"q4", "a4"}}); err != nil {
		t.Fatal(err)
	}

	rows, err := s.Rows(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, r := range rows {
		got = append(got, r.Values[0])
	}
	want := []string{"q1", "q2", "q3", "q4"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("row order = %v, want %v", got, want)
	}
}

func TestStore_AppendRowsRejectsWrongWidth(t *testing.T) {
	s, projectID := newTestStore(t)
	ctx := context.Background()
	d := seed(t, s, projectID, 0)

	err := s.AppendRows(ctx, d.ID, [][]string{{"ok", "ok"}, {"short"}})
	if !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
	rows, _ := s.Rows(ctx, d.ID)
	if len(rows) != 0 {
		t.Errorf("rows after rejected append = %d, want 0", len(rows))
	}
}

func TestExtract_MapsColumnsAndBounds(t *testing.T) {
	s, projectID := newTestStore(t)
	ctx := context.Background()
	d := seed(t, s, projectID, 5)

	tests := []struct {
		name   string
		bounds domain.LineRange
		want   []string
	}{
		{"full", domain.LineRange{}, []string{"q1", "q2", "q3", "q4", "q5"}},
		{"from", domain.LineRange{FromLine: 4}, []string{"q4", "q5"}},
		{"to", domain.LineRange{ToLine: 2}, []string{"q1", "q2"}},
		{"window", domain.LineRange{FromLine: 2, ToLine: 3}, []string{"q2", "q3"}},
		{"single", domain.LineRange{FromLine: 5, ToLine: 5}, []string{"q5"}},
		{"past end", domain.LineRange{FromLine: 9}, nil},
		{"to beyond end", domain.LineRange{ToLine: 50}, []string{"q1", "q2", "q3", "q4", "q5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := s.Extract(ctx, d.ID, map[string]int{"question": 0, "expected": 1}, tt.bounds)
			if err != nil {
				t.Fatal(err)
			}
			var got []string
			for _, r := range rows {
				got = append(got, r.Parameters["question"])
				if r.Parameters["expected"] != "a"+r.Parameters["question"][1:] {
					t.Errorf("row %d expected = %q", r.RowID, r.Parameters["expected"])
				}
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("rows = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExtract_FailsWithoutPartialResult(t *testing.T) {
	s, projectID := newTestStore(t)
	ctx := context.Background()
	d := seed(t, s, projectID, 2)

	if rows, err := s.Extract(ctx, d.ID, map[string]int{"x": 2}, domain.LineRange{}); !errors.Is(err, domain.ErrInvalid) || rows != nil {
		t.Errorf("out-of-range column: rows=%v err=%v, want nil, ErrInvalid", rows, err)
	}
	if rows, err := s.Extract(ctx, d.ID+1, nil, domain.LineRange{}); !errors.Is(err, domain.ErrNotFound) || rows != nil {
		t.Errorf("unknown dataset: rows=%v err=%v, want nil, ErrNotFound", rows, err)
	}
	if _, err := s.Extract(ctx, d.ID, nil, domain.LineRange{FromLine: 3, ToLine: 1}); !errors.Is(err, domain.ErrInvalid) {
		t.Errorf("inverted bounds err = %v, want ErrInvalid", err)
	}
}
