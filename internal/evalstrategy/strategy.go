// Package evalstrategy scores a document run's output. An evaluation's
// configuration JSON names a strategy type and its settings.
package evalstrategy

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
)

// Input is what a strategy scores
type Input struct {
	Output     string
	Parameters map[string]string
}

// Strategy scores one output
type Strategy interface {
	Evaluate(ctx context.Context, in Input) (domain.EvaluationOutcome, error)
}

// Config is the decoded evaluation configuration
type Config struct {
	Type              string   `json:"type"`
	ExpectedParameter string   `json:"expected_parameter,omitempty"`
	Expected          string   `json:"expected,omitempty"`
	CaseSensitive     bool     `json:"case_sensitive,omitempty"`
	Pattern           string   `json:"pattern,omitempty"`
	Criteria          string   `json:"criteria,omitempty"`
	PassThreshold     *float64 `json:"pass_threshold,omitempty"`
}

// expected returns the reference value, taken from the row's parameters
// when ExpectedParameter is set.
func (c Config) expected(in Input) (string, error) {
	if c.ExpectedParameter == "" {
		return c.Expected, nil
	}
	v, ok := in.Parameters[c.ExpectedParameter]
	if !ok {
		return "", fmt.Errorf("parameter %q not present in row", c.ExpectedParameter)
	}
	return v, nil
}

// Factory builds a strategy from its configuration
type Factory func(cfg Config) (Strategy, error)

// Judge scores output against natural language criteria. Score is in [0,1].
type Judge interface {
	Judge(ctx context.Context, criteria, output string) (score float64, reason string, err error)
}

// Registry maps strategy types to factories
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in strategies. llm_judge is
// only registered when judge is non-nil.
func NewRegistry(judge Judge) *Registry {
	r := &Registry{factories: map[string]Factory{
		"exact_match": newExactMatch,
		"contains":    newContains,
		"regex":       newRegex,
	}}
	if judge != nil {
		r.Register("llm_judge", func(cfg Config) (Strategy, error) {
			return newLLMJudge(cfg, judge)
		})
	}
	return r
}

// Register adds or replaces a strategy type
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Types lists the registered strategy types
func (r *Registry) Types() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build decodes configuration and constructs its strategy
func (r *Registry) Build(configuration string) (Strategy, error) {
	var cfg Config
	if err := json.Unmarshal([]byte(configuration), &cfg); err != nil {
		return nil, fmt.Errorf("evaluation configuration: %v: %w", err, domain.ErrInvalid)
	}
	f, ok := r.factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown evaluation type %q: %w", cfg.Type, domain.ErrInvalid)
	}
	return f(cfg)
}

func verdict(passed bool, reason string) domain.EvaluationOutcome {
	score := 0.0
	if passed {
		score = 1
	}
	return domain.EvaluationOutcome{Passed: &passed, Score: &score, Reason: reason}
}

type exactMatch struct{ cfg Config }

func newExactMatch(cfg Config) (Strategy, error) {
	if cfg.ExpectedParameter == "" && cfg.Expected == "" {
		return nil, fmt.Errorf("exact_match needs expected or expected_parameter: %w", domain.ErrInvalid)
	}
	return exactMatch{cfg}, nil
}

func (s exactMatch) Evaluate(_ context.Context, in Input) (domain.EvaluationOutcome, error) {
	want, err := s.cfg.expected(in)
	if err != nil {
		return domain.EvaluationOutcome{}, err
	}
	got := strings.TrimSpace(in.Output)
	want = strings.TrimSpace(want)
	ok := got == want
	if !s.cfg.CaseSensitive {
		ok = strings.EqualFold(got, want)
	}
	if ok {
		return verdict(true, "output matches"), nil
	}
	return verdict(false, fmt.Sprintf("expected %q", want)), nil
}

type contains struct{ cfg Config }

func newContains(cfg Config) (Strategy, error) {
	if cfg.ExpectedParameter == "" && cfg.Expected == "" {
		return nil, fmt.Errorf("contains needs expected or expected_parameter: %w", domain.ErrInvalid)
	}
	return contains{cfg}, nil
}

func (s contains) Evaluate(_ context.Context, in Input) (domain.EvaluationOutcome, error) {
	want, err := s.cfg.expected(in)
	if err != nil {
		return domain.EvaluationOutcome{}, err
	}
	got := in.Output
	if !s.cfg.CaseSensitive {
		got, want = strings.ToLower(got), strings.ToLower(want)
	}
	if strings.Contains(got, want) {
		return verdict(true, "output contains expected text"), nil
	}
	return verdict(false, fmt.Sprintf("output does not contain %q", want)), nil
}

type regex struct{ re *regexp.Regexp }

func newRegex(cfg Config) (Strategy, error) {
	if cfg.Pattern == "" {
		return nil, fmt.Errorf("regex needs a pattern: %w", domain.ErrInvalid)
	}
	re, err := regexp.Compile(cfg.Pattern)
	if err != nil {
		return nil, fmt.Errorf("regex pattern: %v: %w", err, domain.ErrInvalid)
	}
	return regex{re}, nil
}

func (s regex) Evaluate(_ context.Context, in Input) (domain.EvaluationOutcome, error) {
	if s.re.MatchString(in.Output) {
		return verdict(true, "output matches pattern"), nil
	}
	return verdict(false, "output does not match "+s.re.String()), nil
}

type llmJudge struct {
	criteria  string
	threshold float64
	judge     Judge
}

func newLLMJudge(cfg Config, judge Judge) (Strategy, error) {
	if strings.TrimSpace(cfg.Criteria) == "" {
		return nil, fmt.Errorf("llm_judge needs criteria: %w", domain.ErrInvalid)
	}
	threshold := 0.5
	if cfg.PassThreshold != nil {
		threshold = *cfg.PassThreshold
	}
	return llmJudge{criteria: cfg.Criteria, threshold: threshold, judge: judge}, nil
}

func (s llmJudge) Evaluate(ctx context.Context, in Input) (domain.EvaluationOutcome, error) {
	score, reason, err := s.judge.Judge(ctx, s.criteria, in.Output)
	if err != nil {
		return domain.EvaluationOutcome{}, fmt.Errorf("llm judge: %w", err)
	}
	if score < 0 || score > 1 {
		return domain.EvaluationOutcome{}, fmt.Errorf("llm judge returned score %v outside [0,1]", score)
	}
	passed := score >= s.threshold
	return domain.EvaluationOutcome{Passed: &passed, Score: &score, Reason: reason}, nil
}
