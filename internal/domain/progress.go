package domain

// Counter names a single progress counter
type Counter string

const (
	CounterTotal      Counter = "total"
	CounterCompleted  Counter = "completed"
	CounterPassed     Counter = "passed"
	CounterFailed     Counter = "failed"
	CounterErrors     Counter = "errors"
	CounterEnqueued   Counter = "enqueued"
	CounterTotalScore Counter = "total_score"
)

// Counters lists every counter stored for a batch
var Counters = []Counter{
	CounterTotal,
	CounterCompleted,
	CounterPassed,
	CounterFailed,
	CounterErrors,
	CounterEnqueued,
	CounterTotalScore,
}

// ProgressRecord is a snapshot of a batch's counters
type ProgressRecord struct {
	BatchID    string  `json:"batchId"`
	Total      int64   `json:"total"`
	Completed  int64   `json:"completed"`
	Passed     int64   `json:"passed"`
	Failed     int64   `json:"failed"`
	Errors     int64   `json:"errors"`
	Enqueued   int64   `json:"enqueued"`
	TotalScore float64 `json:"totalScore"`
}

// Done returns true once every row has reached a terminal state
func (p ProgressRecord) Done() bool {
	return p.Total > 0 && p.Completed >= p.Total
}

// Set assigns a counter by name; unknown names are ignored
func (p *ProgressRecord) Set(c Counter, v int64) {
	switch c {
	case CounterTotal:
		p.Total = v
	case CounterCompleted:
		p.Completed = v
	case CounterPassed:
		p.Passed = v
	case CounterFailed:
		p.Failed = v
	case CounterErrors:
		p.Errors = v
	case CounterEnqueued:
		p.Enqueued = v
	}
}
