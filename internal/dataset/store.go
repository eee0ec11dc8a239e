// Package dataset stores datasets and turns their rows into document
// parameters for batch evaluations.
package dataset

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
	"github.com/hochfrequenz/prompt-ledger/internal/storage"
)

// Store provides SQLite-backed dataset persistence
type Store struct {
	db *sql.DB
}

// New creates a Store on an opened database
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateDataset inserts an empty dataset with the given column names
func (s *Store) CreateDataset(ctx context.Context, projectID int64, name string, columns []string) (*domain.Dataset, error) {
	if strings.TrimSpace(name) == "" || len(columns) == 0 {
		return nil, fmt.Errorf("dataset name and columns are required: %w", domain.ErrInvalid)
	}
	colsJSON, err := json.Marshal(columns)
	if err != nil {
		return nil, err
	}
	d := &domain.Dataset{ProjectID: projectID, Name: name, Columns: columns, CreatedAt: time.Now().UTC()}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO datasets (project_id, name, columns, created_at) VALUES (?, ?, ?, ?)
	`, projectID, name, string(colsJSON), storage.Stamp(d.CreatedAt))
	if err != nil {
		return nil, err
	}
	if d.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	return d, nil
}

// GetDataset retrieves a dataset by ID
func (s *Store) GetDataset(ctx context.Context, id int64) (*domain.Dataset, error) {
	var d domain.Dataset
	var colsJSON string
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, columns, created_at FROM datasets WHERE id = ?
	`, id).Scan(&d.ID, &d.ProjectID, &d.Name, &colsJSON, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dataset %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(colsJSON), &d.Columns); err != nil {
		return nil, fmt.Errorf("dataset %d columns: %w", id, err)
	}
	d.CreatedAt = storage.Unstamp(created)
	return &d, nil
}

// AppendRows adds rows at the end of a dataset. Every row must have one
// value per column. Either all rows are added or none.
func (s *Store) AppendRows(ctx context.Context, datasetID int64, rows [][]string) error {
	d, err := s.GetDataset(ctx, datasetID)
	if err != nil {
		return err
	}
	for i, r := range rows {
		if len(r) != len(d.Columns) {
			return fmt.Errorf("row %d has %d values, dataset has %d columns: %w", i, len(r), len(d.Columns), domain.ErrInvalid)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) + 1 FROM dataset_rows WHERE dataset_id = ?`, datasetID).Scan(&next); err != nil {
		return err
	}
	for i, r := range rows {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dataset_rows (dataset_id, position, row_data) VALUES (?, ?, ?)
		`, datasetID, next+int64(i), string(data)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Rows returns a dataset's rows in insertion order
func (s *Store) Rows(ctx context.Context, datasetID int64) ([]domain.DatasetRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, dataset_id, row_data FROM dataset_rows WHERE dataset_id = ? ORDER BY position
	`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DatasetRow
	for rows.Next() {
		var r domain.DatasetRow
		var data string
		if err := rows.Scan(&r.ID, &r.DatasetID, &data); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &r.Values); err != nil {
			return nil, fmt.Errorf("dataset row %d: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
