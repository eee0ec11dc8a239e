// internal/progress/sqlite.go
package progress

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
	"github.com/hochfrequenz/prompt-ledger/internal/storage"
)

// SQLiteBackend keeps one row per batch in progress_counters and one marker
// per recorded batch row in progress_rows. Increments are single UPDATE
// statements, which SQLite applies atomically.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLite creates a backend on an opened, migrated database. Close does
// not close db.
func NewSQLite(db *sql.DB) *SQLiteBackend {
	return &SQLiteBackend{db: db}
}

// Init implements Backend
func (b *SQLiteBackend) Init(ctx context.Context, batchID string, total int64) (bool, error) {
	res, err := b.db.ExecContext(ctx, `
		INSERT INTO progress_counters (batch_id, total, created_at) VALUES (?, ?, ?)
		ON CONFLICT(batch_id) DO NOTHING
	`, batchID, total, storage.Stamp(time.Now()))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Add implements Backend
func (b *SQLiteBackend) Add(ctx context.Context, batchID string, d Delta) error {
	return addDelta(ctx, b.db, batchID, d)
}

// AddRow implements Backend. The row marker insert gates the counter update
// inside one transaction.
func (b *SQLiteBackend) AddRow(ctx context.Context, batchID string, rowID int64, state RowState, d Delta) (bool, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO progress_rows (batch_id, row_id, state, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(batch_id, row_id) DO NOTHING
	`, batchID, rowID, string(state), storage.Stamp(time.Now()))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if err := addDelta(ctx, tx, batchID, d); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// RowState implements Backend
func (b *SQLiteBackend) RowState(ctx context.Context, batchID string, rowID int64) (RowState, error) {
	var state string
	err := b.db.QueryRowContext(ctx, `
		SELECT state FROM progress_rows WHERE batch_id = ? AND row_id = ?
	`, batchID, rowID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return RowPending, nil
	}
	return RowState(state), err
}

func addDelta(ctx context.Context, q storage.Querier, batchID string, d Delta) error {
	res, err := q.ExecContext(ctx, `
		UPDATE progress_counters SET
			completed = completed + ?,
			passed = passed + ?,
			failed = failed + ?,
			errors = errors + ?,
			enqueued = enqueued + ?,
			total_score = total_score + ?
		WHERE batch_id = ?
	`, d.Completed, d.Passed, d.Failed, d.Errors, d.Enqueued, d.Score, batchID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("progress for batch %s: %w", batchID, domain.ErrNotFound)
	}
	return nil
}

// Read implements Backend
func (b *SQLiteBackend) Read(ctx context.Context, batchID string) (domain.ProgressRecord, error) {
	rec := domain.ProgressRecord{BatchID: batchID}
	err := b.db.QueryRowContext(ctx, `
		SELECT total, completed, passed, failed, errors, enqueued, total_score
		FROM progress_counters WHERE batch_id = ?
	`, batchID).Scan(&rec.Total, &rec.Completed, &rec.Passed, &rec.Failed, &rec.Errors, &rec.Enqueued, &rec.TotalScore)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("progress for batch %s: %w", batchID, domain.ErrNotFound)
	}
	return rec, err
}

// Delete implements Backend
func (b *SQLiteBackend) Delete(ctx context.Context, batchID string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM progress_rows WHERE batch_id = ?`, batchID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM progress_counters WHERE batch_id = ?`, batchID); err != nil {
		return err
	}
	return tx.Commit()
}

// Close implements Backend
func (b *SQLiteBackend) Close() error {
	return nil
}
