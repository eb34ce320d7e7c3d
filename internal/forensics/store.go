// Package forensics implements the supplemental ForensicsStore (SPEC_FULL.md
// §2b/§3/§6): an append-only audit log of state transitions and activities,
// backed by SQLite (default) or Postgres. It is never authoritative for
// crash recovery — the PersistenceStore's JSON document remains the sole
// source of truth — so writes are best-effort and non-blocking.
package forensics

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	_ "github.com/mattn/go-sqlite3"    // registers the "sqlite3" database/sql driver

	"github.com/cyrus-run/cyrus/internal/common/config"
	"github.com/cyrus-run/cyrus/internal/common/logger"
)

const writeQueueCapacity = 256

// record is the sealed union of writes the background goroutine applies.
type record struct {
	kind       string // "transition" | "activity"
	sessionID  string
	fromState  string
	toState    string
	event      string
	activity   string
	ephemeral  bool
	body       string
	occurredAt time.Time
}

// Store is the non-blocking forensics writer.
type Store struct {
	db   *sqlx.DB
	log  *logger.Logger
	out  chan record
	done chan struct{}
}

// Open connects to the configured backend and ensures its schema exists.
func Open(ctx context.Context, cfg config.ForensicsConfig, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Default()
	}

	driver, dsn := resolveDriver(cfg)
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("forensics: connecting to %s: %w", driver, err)
	}

	if err := migrate(ctx, db, driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("forensics: migrating schema: %w", err)
	}

	s := &Store{db: db, log: log, out: make(chan record, writeQueueCapacity), done: make(chan struct{})}
	go s.writeLoop()
	return s, nil
}

func resolveDriver(cfg config.ForensicsConfig) (driver, dsn string) {
	if cfg.Driver == "postgres" && cfg.PostgresDSN != "" {
		return "pgx", cfg.PostgresDSN
	}
	return "sqlite3", cfg.SQLitePath
}

func migrate(ctx context.Context, db *sqlx.DB, driver string) error {
	autoincrement := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if driver == "pgx" {
		autoincrement = "SERIAL PRIMARY KEY"
	}

	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS transitions (
	id %s,
	session_id TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state TEXT NOT NULL,
	event TEXT NOT NULL,
	at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS activities (
	id %s,
	session_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	ephemeral BOOLEAN NOT NULL,
	body TEXT NOT NULL,
	at TIMESTAMP NOT NULL
);
`, autoincrement, autoincrement)

	_, err := db.ExecContext(ctx, schema)
	return err
}

// RecordTransition enqueues a state-machine transition for the audit log. It
// never blocks the caller: a full queue drops the record and logs a warning
// (§5: "ForensicsStore ... non-blocking write").
func (s *Store) RecordTransition(sessionID, fromState, toState, event string, at time.Time) {
	s.enqueue(record{kind: "transition", sessionID: sessionID, fromState: fromState, toState: toState, event: event, occurredAt: at})
}

// RecordActivity enqueues a posted activity for the audit log.
func (s *Store) RecordActivity(sessionID, kind string, ephemeral bool, body string, at time.Time) {
	s.enqueue(record{kind: "activity", sessionID: sessionID, activity: kind, ephemeral: ephemeral, body: body, occurredAt: at})
}

func (s *Store) enqueue(r record) {
	select {
	case s.out <- r:
	default:
		s.log.Warn("forensics write queue full, dropping record", zap.String("session_id", r.sessionID), zap.String("kind", r.kind))
	}
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for r := range s.out {
		s.apply(r)
	}
}

func (s *Store) apply(r record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	switch r.kind {
	case "transition":
		query := s.db.Rebind(`INSERT INTO transitions (session_id, from_state, to_state, event, at) VALUES (?, ?, ?, ?, ?)`)
		_, err = s.db.ExecContext(ctx, query, r.sessionID, r.fromState, r.toState, r.event, r.occurredAt)
	case "activity":
		query := s.db.Rebind(`INSERT INTO activities (session_id, kind, ephemeral, body, at) VALUES (?, ?, ?, ?, ?)`)
		_, err = s.db.ExecContext(ctx, query, r.sessionID, r.activity, r.ephemeral, r.body, r.occurredAt)
	}
	if err != nil {
		s.log.Warn("forensics write failed", zap.String("kind", r.kind), zap.Error(err))
	}
}

// Close stops accepting writes and waits for the queue to drain.
func (s *Store) Close() error {
	close(s.out)
	<-s.done
	return s.db.Close()
}

// TransitionCount returns how many transitions are recorded for a session
// (used by tests).
func (s *Store) TransitionCount(ctx context.Context, sessionID string) (int, error) {
	var count int
	query := s.db.Rebind(`SELECT COUNT(*) FROM transitions WHERE session_id = ?`)
	err := s.db.GetContext(ctx, &count, query, sessionID)
	return count, err
}
