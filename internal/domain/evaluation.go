package domain

import (
	"fmt"
	"strconv"
)

// EvaluationKind discriminates the two evaluation generations
type EvaluationKind string

const (
	EvaluationV1 EvaluationKind = "v1" // legacy, referenced by numeric id
	EvaluationV2 EvaluationKind = "v2" // commit-scoped, referenced by uuid
)

// EvaluationRef points at either a v1 or a v2 evaluation. Only the field
// matching Kind is meaningful; construct with RefV1 or RefV2.
type EvaluationRef struct {
	Kind EvaluationKind `json:"version"`
	ID   int64          `json:"id,omitempty"`
	UUID string         `json:"uuid,omitempty"`
}

// RefV1 references a legacy evaluation
func RefV1(id int64) EvaluationRef {
	return EvaluationRef{Kind: EvaluationV1, ID: id}
}

// RefV2 references a commit-scoped evaluation
func RefV2(uuid string) EvaluationRef {
	return EvaluationRef{Kind: EvaluationV2, UUID: uuid}
}

// Validate checks that the ref carries the identifier its kind requires
func (r EvaluationRef) Validate() error {
	switch r.Kind {
	case EvaluationV1:
		if r.ID <= 0 {
			return fmt.Errorf("v1 evaluation ref requires an id: %w", ErrInvalid)
		}
		if r.UUID != "" {
			return fmt.Errorf("v1 evaluation ref must not carry a uuid: %w", ErrInvalid)
		}
	case EvaluationV2:
		if r.UUID == "" {
			return fmt.Errorf("v2 evaluation ref requires a uuid: %w", ErrInvalid)
		}
		if r.ID != 0 {
			return fmt.Errorf("v2 evaluation ref must not carry an id: %w", ErrInvalid)
		}
	default:
		return fmt.Errorf("unknown evaluation version %q: %w", r.Kind, ErrInvalid)
	}
	return nil
}

// Key is a stable string identifying the evaluation across both kinds
func (r EvaluationRef) Key() string {
	switch r.Kind {
	case EvaluationV1:
		return "v1:" + strconv.FormatInt(r.ID, 10)
	case EvaluationV2:
		return "v2:" + r.UUID
	default:
		return "unknown"
	}
}

func (r EvaluationRef) String() string {
	return r.Key()
}

// EvaluationOutcome is what a scoring strategy reports for one run.
// Passed and Score are optional; a strategy may report either or both.
type EvaluationOutcome struct {
	Passed *bool    `json:"passed,omitempty"`
	Score  *float64 `json:"score,omitempty"`
	Reason string   `json:"reason,omitempty"`
}

// HasVerdict returns true if the outcome counts towards passed/failed
func (o EvaluationOutcome) HasVerdict() bool {
	return o.Passed != nil
}
