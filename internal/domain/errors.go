package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a commit, document, evaluation or dataset
	// row does not exist or is not visible at the requested commit.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a state transition is not allowed, e.g.
	// merging a commit twice or editing a merged commit.
	ErrConflict = errors.New("conflict")

	// ErrInvalid is returned for malformed input.
	ErrInvalid = errors.New("invalid")
)

// RunStep names the part of a row run that failed
type RunStep string

const (
	StepDocument   RunStep = "document"
	StepEvaluation RunStep = "evaluation"
	StepDelivery   RunStep = "delivery" // the row job ran out of attempts
)

// TransientError is a single row's run failure. It is absorbed by the run
// executor and never aborts a batch.
type TransientError struct {
	Step RunStep
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s run failed: %v", e.Step, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}
