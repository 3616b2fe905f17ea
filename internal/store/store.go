// Package store persists analyzed standup records and the per-session
// timeline in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/loqalabs/standup-recorder/internal/config"
	"github.com/loqalabs/standup-recorder/internal/failure"
	_ "modernc.org/sqlite"
)

const (
	ModeSQLite    = "sqlite"
	ModeEphemeral = "ephemeral"
)

// Store wraps a SQLite database. Ephemeral mode keeps everything in memory
// for the lifetime of the process.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	lock  *flock.Flock
	loc   *time.Location
	clock func() time.Time
}

// Open initializes the store according to config. A sqlite store holds an
// exclusive lock file next to the database; a second process fails to open it.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	loc := time.Local
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, failure.Wrap(failure.ErrConfiguration, "store open", "load timezone", err)
		}
		loc = l
	}
	s := &Store{cfg: cfg, log: log.With(slog.String("component", "store")), loc: loc, clock: time.Now}

	var dsn string
	switch cfg.Mode {
	case ModeEphemeral:
		dsn = "file::memory:?_pragma=foreign_keys(ON)"
	case ModeSQLite, "":
		dir := filepath.Dir(cfg.Path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, failure.Wrap(failure.ErrPersistence, "store open", "create data dir", err)
			}
		}
		lock := flock.New(cfg.Path + ".lock")
		locked, err := lock.TryLock()
		if err != nil {
			return nil, failure.Wrap(failure.ErrPersistence, "store open", "acquire lock", err)
		}
		if !locked {
			return nil, failure.Wrap(failure.ErrPersistence, "store open", fmt.Sprintf("%s is in use by another process", cfg.Path), nil)
		}
		s.lock = lock
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	default:
		return nil, failure.Wrap(failure.ErrConfiguration, "store open", fmt.Sprintf("unknown store mode %q", cfg.Mode), nil)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		s.unlock()
		return nil, failure.Wrap(failure.ErrPersistence, "store open", "open sqlite", err)
	}
	if cfg.Mode == ModeEphemeral {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		s.unlock()
		return nil, failure.Wrap(failure.ErrPersistence, "store open", "ping sqlite", err)
	}
	s.db = db

	if err := s.initSchema(ctx); err != nil {
		s.Close()
		return nil, failure.Wrap(failure.ErrPersistence, "store open", "init schema", err)
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			s.log.Warn("store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		s.log.Warn("store prune on start failed", slog.String("error", err.Error()))
	}

	s.log.Info("store opened", slog.String("mode", cfg.Mode), slog.String("path", cfg.Path), slog.String("timezone", loc.String()))
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT,
    recorded_at TEXT NOT NULL,
    recorded_unix INTEGER NOT NULL,
    transcript TEXT NOT NULL,
    report TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_recorded ON records(recorded_unix);
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    created_at TEXT NOT NULL,
    created_unix INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    trace_id TEXT,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at TEXT NOT NULL,
    created_unix INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_unix);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Location is the timezone used for calendar-day lookups.
func (s *Store) Location() *time.Location {
	return s.loc
}

// Healthy pings the database.
func (s *Store) Healthy(ctx context.Context) bool {
	return s != nil && s.db != nil && s.db.PingContext(ctx) == nil
}

// Close releases the database and the lock file.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	var err error
	if s.db != nil {
		err = s.db.Close()
		s.db = nil
	}
	s.unlock()
	return err
}

func (s *Store) unlock() {
	if s.lock == nil {
		return
	}
	if err := s.lock.Unlock(); err != nil {
		s.log.Warn("release store lock", slog.String("error", err.Error()))
	}
	s.lock = nil
}

// Prune drops timeline sessions older than the configured retention. Records
// are never pruned; they are only cleared in bulk.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.db == nil || s.cfg.RetentionDays <= 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return failure.Wrap(failure.ErrPersistence, "store prune", "begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
	if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_unix < ?`, cutoff); err != nil {
		return failure.Wrap(failure.ErrPersistence, "store prune", "events", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_unix < ?`, cutoff); err != nil {
		return failure.Wrap(failure.ErrPersistence, "store prune", "sessions", err)
	}
	if err = tx.Commit(); err != nil {
		return failure.Wrap(failure.ErrPersistence, "store prune", "commit", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return ts
}
