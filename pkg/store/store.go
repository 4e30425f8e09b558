// Package store is the embedded metrics and state database: request metrics,
// per-request messages and tool calls, settings, per-user memories,
// conversation compaction summaries, and file-recall indexes.
//
// All writes go through one SQLite connection in WAL mode. A background
// checkpointer folds the WAL back into the main file at most once per second
// after a write burst, and synchronously on Close.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/switchboard-dev/switchboard/pkg/logger"
)

// ErrNotFound is returned for semantic lookup misses; everything else is
// treated as a storage failure and surfaced to the gateway.
var ErrNotFound = errors.New("record not found")

// Store wraps the SQLite handle with typed operations per entity.
type Store struct {
	mu     sync.RWMutex
	db     *sqlx.DB
	dbPath string

	dirty    chan struct{}
	closed   chan struct{}
	closeOne sync.Once
}

// Open opens (or creates) the database and starts the checkpointer.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	db, err := openDB(ctx, dbPath)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:     db,
		dbPath: dbPath,
		dirty:  make(chan struct{}, 1),
		closed: make(chan struct{}),
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	go s.checkpointLoop()
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to apply schema")
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, applied_at, description) VALUES (?, ?, ?)`,
		CurrentSchemaVersion, time.Now().UTC(), "initial schema")
	return errors.Wrap(err, "failed to record schema version")
}

// markDirty schedules a throttled checkpoint after a write.
func (s *Store) markDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

// checkpointLoop debounces WAL checkpoints to at most one per second.
func (s *Store) checkpointLoop() {
	for {
		select {
		case <-s.closed:
			return
		case <-s.dirty:
			time.Sleep(time.Second)
			// Drain any writes that arrived during the sleep; they are
			// covered by this checkpoint.
			select {
			case <-s.dirty:
			default:
			}
			s.checkpoint()
		}
	}
}

func (s *Store) checkpoint() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		logger.L.WithError(err).Warn("wal checkpoint failed")
	}
}

// Reload re-opens the database file. Used by read-mostly consumers when
// another process may have written the file.
func (s *Store) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := openDB(ctx, s.dbPath)
	if err != nil {
		return errors.Wrap(err, "failed to reopen database")
	}
	old := s.db
	s.db = db
	return old.Close()
}

// Purge deletes requests (and cascaded messages/tool calls) older than the
// given number of days and rebuilds free space.
func (s *Store) Purge(ctx context.Context, days int) (int64, error) {
	if days < 1 {
		return 0, errors.Errorf("purge days must be positive, got %d", days)
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	s.mu.Lock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM requests WHERE created_at < ?`, cutoff)
	s.mu.Unlock()
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge old requests")
	}
	deleted, _ := res.RowsAffected()

	s.mu.Lock()
	_, err = s.db.ExecContext(ctx, "VACUUM")
	s.mu.Unlock()
	if err != nil {
		return deleted, errors.Wrap(err, "failed to vacuum database")
	}
	return deleted, nil
}

// Close checkpoints synchronously and closes the handle.
func (s *Store) Close() error {
	s.closeOne.Do(func() { close(s.closed) })
	s.checkpoint()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
