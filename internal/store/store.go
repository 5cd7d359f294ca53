// Package store persists sessions and data entries in a local SQLite
// database. It is the source of truth for what still has to be uploaded.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/srg/bioinfo/internal/groutine"
	"github.com/srg/bioinfo/internal/observable"

	_ "modernc.org/sqlite"
)

const pragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

// Store is the local database. All methods are safe for concurrent use.
type Store struct {
	db     *sqlx.DB
	logger *logrus.Logger

	// version is bumped after every committed write.
	version *observable.Value[uint64]
}

// Open opens (creating when missing) the database at path and ensures the
// schema exists.
func Open(ctx context.Context, path string, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sqlx.Open("sqlite", path+pragmas)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{
		db:      db,
		logger:  logger,
		version: observable.NewValue[uint64](0),
	}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.WithField("path", path).Debug("Local store opened")
	return s, nil
}

// Close releases the database and ends all watchers.
func (s *Store) Close() error {
	s.version.Close()
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  server_id INTEGER,
  user_id TEXT NOT NULL,
  group_name TEXT,
  class_name TEXT NOT NULL,
  school_name TEXT NOT NULL,
  device_name TEXT,
  start_timestamp INTEGER NOT NULL,
  end_timestamp INTEGER,
  title TEXT NOT NULL,
  description TEXT,
  pending_upload INTEGER NOT NULL DEFAULT 0,
  revision INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_pending ON sessions(pending_upload);

CREATE TABLE IF NOT EXISTS data_entries (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  server_id INTEGER,
  user_id TEXT NOT NULL,
  local_session_id INTEGER,
  remote_session_id INTEGER,
  timestamp INTEGER NOT NULL,
  latitude REAL,
  longitude REAL,
  co_level REAL,
  pm25_level REAL,
  temperature REAL,
  humidity REAL,
  pending_upload INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_entries_pending ON data_entries(pending_upload);
CREATE INDEX IF NOT EXISTS idx_entries_local_session ON data_entries(local_session_id);
CREATE INDEX IF NOT EXISTS idx_entries_remote_session ON data_entries(remote_session_id);
CREATE INDEX IF NOT EXISTS idx_entries_timestamp ON data_entries(timestamp);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	// databases created before sessions carried a revision
	var hasRevision int
	if err := s.db.GetContext(ctx, &hasRevision,
		`SELECT COUNT(*) FROM pragma_table_info('sessions') WHERE name = 'revision'`); err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}
	if hasRevision == 0 {
		if _, err := s.db.ExecContext(ctx,
			`ALTER TABLE sessions ADD COLUMN revision INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("migrate sessions: %w", err)
		}
	}
	return nil
}

func (s *Store) changed() {
	s.version.Update(func(v uint64) uint64 { return v + 1 })
}

// watch re-runs query after every committed write and delivers the latest
// result. The channel is closed when ctx is done or the store is closed.
func watch[T any](ctx context.Context, s *Store, name string, query func(ctx context.Context) (T, error)) <-chan T {
	out := observable.NewRingChannel[T](1)
	sub := s.version.Subscribe()

	groutine.Go(ctx, name, func(ctx context.Context) {
		defer out.Close()
		defer sub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-sub.C():
				if !ok {
					return
				}
				v, err := query(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					s.logger.WithError(err).WithField("watch", name).Warn("Store watch query failed")
					continue
				}
				out.Send(v)
			}
		}
	})
	return out.C()
}
