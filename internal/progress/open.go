package progress

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/hochfrequenz/prompt-ledger/internal/config"
)

// Open builds the tracker selected by configuration. db is used by the
// sqlite backend and must already be migrated.
func Open(cfg config.ProgressConfig, db *sql.DB, logger *slog.Logger) (*Tracker, error) {
	switch cfg.Backend {
	case "badger":
		b, err := OpenBadger(BadgerConfig{
			Path:       cfg.BadgerPath,
			SyncWrites: cfg.SyncWrites,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		return NewTracker(b), nil
	case "sqlite":
		return NewTracker(NewSQLite(db)), nil
	default:
		return nil, fmt.Errorf("unknown progress backend %q", cfg.Backend)
	}
}
