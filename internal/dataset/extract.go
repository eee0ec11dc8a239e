// internal/dataset/extract.go
package dataset

import (
	"context"
	"fmt"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
)

// Extract loads a dataset and maps every row within bounds onto document
// parameters. mapping is parameter name -> column index. It returns an error
// and no rows if anything is wrong; callers never see a partial extraction.
func (s *Store) Extract(ctx context.Context, datasetID int64, mapping map[string]int, bounds domain.LineRange) ([]domain.RowParameters, error) {
	if err := bounds.Validate(); err != nil {
		return nil, err
	}
	d, err := s.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	for param, col := range mapping {
		if col < 0 || col >= len(d.Columns) {
			return nil, fmt.Errorf("parameter %q maps to column %d, dataset %d has %d columns: %w",
				param, col, datasetID, len(d.Columns), domain.ErrInvalid)
		}
	}

	rows, err := s.Rows(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	rows = Slice(rows, bounds)

	out := make([]domain.RowParameters, 0, len(rows))
	for _, r := range rows {
		params := make(map[string]string, len(mapping))
		for param, col := range mapping {
			if col >= len(r.Values) {
				return nil, fmt.Errorf("dataset row %d has no column %d: %w", r.ID, col, domain.ErrInvalid)
			}
			params[param] = r.Values[col]
		}
		out = append(out, domain.RowParameters{RowID: r.ID, Parameters: params})
	}
	return out, nil
}

// Slice applies 1-based inclusive line bounds; zero leaves a side open
func Slice[T any](rows []T, bounds domain.LineRange) []T {
	from := 0
	if bounds.FromLine > 0 {
		from = bounds.FromLine - 1
	}
	to := len(rows)
	if bounds.ToLine > 0 && bounds.ToLine < to {
		to = bounds.ToLine
	}
	if from >= to {
		return nil
	}
	return rows[from:to]
}
