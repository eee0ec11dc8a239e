package domain

import "time"

// Project groups commits, datasets and issues
type Project struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

// Commit is a snapshot boundary in a project's document history.
// A commit with a nil MergedAt is a draft and may still be edited.
type Commit struct {
	ID        int64
	UUID      string
	ProjectID int64
	Title     string
	UserID    string
	Version   *int // assigned once, at merge
	MergedAt  *time.Time
	DeletedAt *time.Time
	CreatedAt time.Time
}

// IsDraft returns true if the commit has not been merged yet
func (c *Commit) IsDraft() bool {
	return c.MergedAt == nil
}

// IsDeleted returns true if the commit was soft-deleted
func (c *Commit) IsDeleted() bool {
	return c.DeletedAt != nil
}
