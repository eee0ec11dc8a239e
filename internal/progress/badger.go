// internal/progress/badger.go
package progress

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"

	"github.com/dgraph-io/badger/v4"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
)

// maxConflictRetries bounds optimistic transaction retries per update
const maxConflictRetries = 256

// BadgerConfig holds configuration for the Badger backend
type BadgerConfig struct {
	// Path is the directory for Badger files. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Logger receives Badger's internal logs. Nil disables them.
	Logger *slog.Logger
}

// badgerLogger adapts slog.Logger to Badger's Logger interface
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerBackend keeps each counter under its own key. Increments are
// read-modify-write inside a Badger transaction; Badger's conflict detection
// aborts one of two racing transactions, which is then retried.
//
// Badger holds an exclusive directory lock, so only one process can open the
// backend. Deployments with separate worker processes use SQLiteBackend.
type BadgerBackend struct {
	db *badger.DB
}

// OpenBadger opens (creating if needed) a Badger backend
func OpenBadger(cfg BadgerConfig) (*BadgerBackend, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent progress store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create progress directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerBackend{db: db}, nil
}

func counterKey(batchID string, c domain.Counter) []byte {
	return []byte("progress/" + batchID + "/" + string(c))
}

func rowKey(batchID string, rowID int64) []byte {
	return []byte("progress/" + batchID + "/row/" + strconv.FormatInt(rowID, 10))
}

func batchPrefix(batchID string) []byte {
	return []byte("progress/" + batchID + "/")
}

func encodeInt(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf
}

func encodeFloat(v float64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(v))
	return buf
}

func readUint(txn *badger.Txn, key []byte) (uint64, bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var v uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("counter %s: bad value length %d", key, len(val))
		}
		v = binary.BigEndian.Uint64(val)
		return nil
	})
	return v, true, err
}

func (b *BadgerBackend) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) || attempt >= maxConflictRetries {
			return err
		}
	}
}

// Init implements Backend
func (b *BadgerBackend) Init(ctx context.Context, batchID string, total int64) (bool, error) {
	initialized := false
	err := b.update(ctx, func(txn *badger.Txn) error {
		initialized = false
		_, exists, err := readUint(txn, counterKey(batchID, domain.CounterTotal))
		if err != nil || exists {
			return err
		}
		for _, c := range domain.Counters {
			switch c {
			case domain.CounterTotal:
				err = txn.Set(counterKey(batchID, c), encodeInt(total))
			case domain.CounterTotalScore:
				err = txn.Set(counterKey(batchID, c), encodeFloat(0))
			default:
				err = txn.Set(counterKey(batchID, c), encodeInt(0))
			}
			if err != nil {
				return err
			}
		}
		initialized = true
		return nil
	})
	return initialized, err
}

// Add implements Backend
func (b *BadgerBackend) Add(ctx context.Context, batchID string, d Delta) error {
	return b.update(ctx, func(txn *badger.Txn) error {
		return applyDelta(txn, batchID, d)
	})
}

// AddRow implements Backend. The row key is read and written in the same
// transaction as the counters, so two racing deliveries of one row conflict
// and the retried one sees the marker.
func (b *BadgerBackend) AddRow(ctx context.Context, batchID string, rowID int64, state RowState, d Delta) (bool, error) {
	applied := false
	err := b.update(ctx, func(txn *badger.Txn) error {
		applied = false
		key := rowKey(batchID, rowID)
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := applyDelta(txn, batchID, d); err != nil {
			return err
		}
		if err := txn.Set(key, []byte(state)); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// RowState implements Backend
func (b *BadgerBackend) RowState(ctx context.Context, batchID string, rowID int64) (RowState, error) {
	if err := ctx.Err(); err != nil {
		return RowPending, err
	}
	state := RowPending
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(rowKey(batchID, rowID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			state = RowState(val)
			return nil
		})
	})
	return state, err
}

func applyDelta(txn *badger.Txn, batchID string, d Delta) error {
	// Reading total puts it in the read set, so a concurrent Delete
	// conflicts with this increment.
	if _, exists, err := readUint(txn, counterKey(batchID, domain.CounterTotal)); err != nil {
		return err
	} else if !exists {
		return fmt.Errorf("progress for batch %s: %w", batchID, domain.ErrNotFound)
	}
	ints := map[domain.Counter]int64{
		domain.CounterCompleted: d.Completed,
		domain.CounterPassed:    d.Passed,
		domain.CounterFailed:    d.Failed,
		domain.CounterErrors:    d.Errors,
		domain.CounterEnqueued:  d.Enqueued,
	}
	for c, delta := range ints {
		if delta == 0 {
			continue
		}
		key := counterKey(batchID, c)
		cur, _, err := readUint(txn, key)
		if err != nil {
			return err
		}
		if err := txn.Set(key, encodeInt(int64(cur)+delta)); err != nil {
			return err
		}
	}
	if d.Score != 0 {
		key := counterKey(batchID, domain.CounterTotalScore)
		cur, _, err := readUint(txn, key)
		if err != nil {
			return err
		}
		return txn.Set(key, encodeFloat(math.Float64frombits(cur)+d.Score))
	}
	return nil
}

// Read implements Backend
func (b *BadgerBackend) Read(ctx context.Context, batchID string) (domain.ProgressRecord, error) {
	rec := domain.ProgressRecord{BatchID: batchID}
	if err := ctx.Err(); err != nil {
		return rec, err
	}
	err := b.db.View(func(txn *badger.Txn) error {
		for _, c := range domain.Counters {
			v, exists, err := readUint(txn, counterKey(batchID, c))
			if err != nil {
				return err
			}
			if !exists {
				if c == domain.CounterTotal {
					return fmt.Errorf("progress for batch %s: %w", batchID, domain.ErrNotFound)
				}
				continue
			}
			if c == domain.CounterTotalScore {
				rec.TotalScore = math.Float64frombits(v)
			} else {
				rec.Set(c, int64(v))
			}
		}
		return nil
	})
	return rec, err
}

// Delete implements Backend
func (b *BadgerBackend) Delete(ctx context.Context, batchID string) error {
	return b.update(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = batchPrefix(batchID)
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close implements Backend
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}
