package domain

import "time"

// Versioned is implemented by every per-commit version row. The logical ID
// is stable across commits; the owning commit decides visibility.
type Versioned interface {
	OwnerCommitID() int64
	LogicalID() string
	IsDeleted() bool
}

// DocumentVersion is the state of one prompt document at one commit
type DocumentVersion struct {
	ID           int64
	CommitID     int64
	DocumentUUID string
	Path         string
	Content      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    *time.Time
}

func (v DocumentVersion) OwnerCommitID() int64 { return v.CommitID }
func (v DocumentVersion) LogicalID() string    { return v.DocumentUUID }
func (v DocumentVersion) IsDeleted() bool      { return v.DeletedAt != nil }

// SameContent reports whether two versions describe the same document state
func (v DocumentVersion) SameContent(o DocumentVersion) bool {
	return v.Path == o.Path && v.Content == o.Content && v.IsDeleted() == o.IsDeleted()
}

// EvaluationVersion is the state of one commit-scoped evaluation at one commit
type EvaluationVersion struct {
	ID             int64
	CommitID       int64
	EvaluationUUID string
	DocumentUUID   string
	Name           string
	Configuration  string // JSON, interpreted by evalstrategy
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

func (v EvaluationVersion) OwnerCommitID() int64 { return v.CommitID }
func (v EvaluationVersion) LogicalID() string    { return v.EvaluationUUID }
func (v EvaluationVersion) IsDeleted() bool      { return v.DeletedAt != nil }

// SameContent reports whether two versions describe the same evaluation state
func (v EvaluationVersion) SameContent(o EvaluationVersion) bool {
	return v.DocumentUUID == o.DocumentUUID && v.Name == o.Name &&
		v.Configuration == o.Configuration && v.IsDeleted() == o.IsDeleted()
}

// LegacyEvaluation is a v1 evaluation. It is attached to a document but not
// versioned by commit.
type LegacyEvaluation struct {
	ID            int64
	ProjectID     int64
	DocumentUUID  string
	Name          string
	Configuration string
	CreatedAt     time.Time
}
