package evalstrategy

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
)

type fakeJudge struct {
	score float64
	err   error
}

func (j fakeJudge) Judge(context.Context, string, string) (float64, string, error) {
	return j.score, "because", j.err
}

func TestRegistry_Strategies(t *testing.T) {
	params := map[string]string{"answer": "Paris"}
	tests := []struct {
		name   string
		config string
		output string
		pass   bool
	}{
		{"exact match literal", `{"type":"exact_match","expected":"4"}`, " 4\n", true},
		{"exact match parameter", `{"type":"exact_match","expected_parameter":"answer"}`, "paris", true},
		{"exact match case sensitive", `{"type":"exact_match","expected_parameter":"answer","case_sensitive":true}`, "paris", false},
		{"contains", `{"type":"contains","expected_parameter":"answer"}`, "The capital is PARIS.", true},
		{"contains miss", `{"type":"contains","expected":"Rome"}`, "The capital is Paris.", false},
		{"regex", `{"type":"regex","pattern":"^\\d+$"}`, "42", true},
		{"regex miss", `{"type":"regex","pattern":"^\\d+$"}`, "forty-two", false},
		{"judge pass", `{"type":"llm_judge","criteria":"be correct"}`, "x", true},
		{"judge threshold", `{"type":"llm_judge","criteria":"be correct","pass_threshold":0.9}`, "x", false},
	}

	r := NewRegistry(fakeJudge{score: 0.7})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := r.Build(tt.config)
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}
			o, err := s.Evaluate(context.Background(), Input{Output: tt.output, Parameters: params})
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if o.Passed == nil || *o.Passed != tt.pass {
				t.Errorf("got passed=%v, want %v (reason %q)", o.Passed, tt.pass, o.Reason)
			}
			if o.Score == nil {
				t.Error("expected a score")
			}
		})
	}
}

func TestRegistry_BuildRejects(t *testing.T) {
	r := NewRegistry(nil)
	for _, cfg := range []string{
		`not json`,
		`{"type":"telepathy"}`,
		`{"type":"exact_match"}`,
		`{"type":"regex","pattern":"("}`,
		`{"type":"llm_judge","criteria":"x"}`, // no judge registered
	} {
		if _, err := r.Build(cfg); !errors.Is(err, domain.ErrInvalid) {
			t.Errorf("Build(%s): got %v, want ErrInvalid", cfg, err)
		}
	}
}

func TestRegistry_Types(t *testing.T) {
	got := NewRegistry(fakeJudge{}).Types()
	want := []string{"contains", "exact_match", "llm_judge", "regex"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestEvaluate_Errors(t *testing.T) {
	r := NewRegistry(fakeJudge{err: errors.New("provider down")})

	s, _ := r.Build(`{"type":"exact_match","expected_parameter":"missing"}`)
	if _, err := s.Evaluate(context.Background(), Input{Output: "x"}); err == nil {
		t.Error("expected error for missing parameter")
	}

	s, _ = r.Build(`{"type":"llm_judge","criteria":"x"}`)
	if _, err := s.Evaluate(context.Background(), Input{Output: "x"}); err == nil {
		t.Error("expected judge error to surface")
	}

	r = NewRegistry(fakeJudge{score: 3})
	s, _ = r.Build(`{"type":"llm_judge","criteria":"x"}`)
	if _, err := s.Evaluate(context.Background(), Input{Output: "x"}); err == nil {
		t.Error("expected out of range score to fail")
	}
}
