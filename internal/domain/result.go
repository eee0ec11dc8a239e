package domain

import "time"

// Dataset is a table of rows used as document parameters in a batch
type Dataset struct {
	ID        int64
	ProjectID int64
	Name      string
	Columns   []string
	CreatedAt time.Time
}

// DatasetRow is one row of a dataset, values aligned with Dataset.Columns
type DatasetRow struct {
	ID        int64
	DatasetID int64
	Values    []string
}

// ProviderLog records one document run's provider response
type ProviderLog struct {
	UUID         string
	ProjectID    int64
	DocumentUUID string
	CommitUUID   string
	TraceID      string
	SpanID       string
	Output       string
	Model        string
	TokensInput  int
	TokensOutput int
	DurationMs   int64
	CreatedAt    time.Time
}

// SpanKey identifies an evaluated span
type SpanKey struct {
	SpanID  string
	TraceID string
}

// EvaluationResult is keyed 1:1 to an evaluated span and evaluation
type EvaluationResult struct {
	ID               int64
	ProjectID        int64
	CommitID         int64
	Evaluation       EvaluationRef
	BatchID          string
	EvaluatedSpanID  string
	EvaluatedTraceID string
	ProviderLogUUID  string
	Outcome          EvaluationOutcome
	CreatedAt        time.Time
}

// Span returns the evaluated span key
func (r EvaluationResult) Span() SpanKey {
	return SpanKey{SpanID: r.EvaluatedSpanID, TraceID: r.EvaluatedTraceID}
}

// Issue groups evaluation results. An ignored issue does not count as
// active when filtering spans.
type Issue struct {
	ID        int64
	ProjectID int64
	Title     string
	Ignored   bool
	CreatedAt time.Time
}
