package domain

import "fmt"

// LineRange bounds the dataset rows of a batch. Lines are 1-based and
// inclusive; zero means unbounded on that side.
type LineRange struct {
	FromLine int `json:"fromLine,omitempty"`
	ToLine   int `json:"toLine,omitempty"`
}

// Validate rejects negative or inverted bounds
func (r LineRange) Validate() error {
	if r.FromLine < 0 || r.ToLine < 0 {
		return fmt.Errorf("line range must not be negative: %w", ErrInvalid)
	}
	if r.FromLine > 0 && r.ToLine > 0 && r.FromLine > r.ToLine {
		return fmt.Errorf("fromLine %d is after toLine %d: %w", r.FromLine, r.ToLine, ErrInvalid)
	}
	return nil
}

// BatchJob is the orchestrator's unit of work: evaluate one document over
// the rows of one dataset with one evaluation.
type BatchJob struct {
	BatchID       string         `json:"batchId"`
	ProjectID     int64          `json:"projectId"`
	CommitUUID    string         `json:"commitUuid"`
	DocumentUUID  string         `json:"documentUuid"`
	DatasetID     int64          `json:"datasetId"`
	Evaluation    EvaluationRef  `json:"evaluation"`
	ParametersMap map[string]int `json:"parametersMap"` // parameter -> column index
	Range         LineRange      `json:"range"`
}

// Validate checks the fields every batch needs before touching storage
func (j BatchJob) Validate() error {
	if j.BatchID == "" {
		return fmt.Errorf("batch id is required: %w", ErrInvalid)
	}
	if j.ProjectID <= 0 {
		return fmt.Errorf("project id is required: %w", ErrInvalid)
	}
	if j.CommitUUID == "" {
		return fmt.Errorf("commit uuid is required: %w", ErrInvalid)
	}
	if j.DocumentUUID == "" {
		return fmt.Errorf("document uuid is required: %w", ErrInvalid)
	}
	if j.DatasetID <= 0 {
		return fmt.Errorf("dataset id is required: %w", ErrInvalid)
	}
	if err := j.Evaluation.Validate(); err != nil {
		return err
	}
	return j.Range.Validate()
}

// RowJob is one document run + evaluation run pair
type RowJob struct {
	BatchID      string            `json:"batchId"`
	ProjectID    int64             `json:"projectId"`
	CommitUUID   string            `json:"commitUuid"`
	DocumentUUID string            `json:"documentUuid"`
	RowID        int64             `json:"rowId"`
	Parameters   map[string]string `json:"parameters"`
	Evaluation   EvaluationRef     `json:"evaluation"`
}

// RowParameters is one dataset row mapped onto document parameters
type RowParameters struct {
	RowID      int64
	Parameters map[string]string
}

// StatusEvent is the batch status payload pushed to observers after every
// progress change.
type StatusEvent struct {
	BatchID        string         `json:"batchId"`
	EvaluationID   int64          `json:"evaluationId,omitempty"`
	EvaluationUUID string         `json:"evaluationUuid,omitempty"`
	DocumentUUID   string         `json:"documentUuid"`
	Version        EvaluationKind `json:"version"`
	Total          int64          `json:"total"`
	Completed      int64          `json:"completed"`
	Enqueued       int64          `json:"enqueued"`
	Passed         int64          `json:"passed"`
	Failed         int64          `json:"failed"`
	Errors         int64          `json:"errors"`
}

// NewStatusEvent shapes a progress snapshot for the given evaluation
func NewStatusEvent(documentUUID string, ref EvaluationRef, p ProgressRecord) StatusEvent {
	ev := StatusEvent{
		BatchID:      p.BatchID,
		DocumentUUID: documentUUID,
		Version:      ref.Kind,
		Total:        p.Total,
		Completed:    p.Completed,
		Enqueued:     p.Enqueued,
		Passed:       p.Passed,
		Failed:       p.Failed,
		Errors:       p.Errors,
	}
	switch ref.Kind {
	case EvaluationV1:
		ev.EvaluationID = ref.ID
	case EvaluationV2:
		ev.EvaluationUUID = ref.UUID
	}
	return ev
}
