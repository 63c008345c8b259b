// Package ledger implements the durable per-file delivery-state table (C2):
// the persistent record that makes retry and at-most-once delivery
// possible across process restarts.
//
// "Pop" is a misnomer inherited from the source system this was specified
// from: PopFailed and PopAll never remove rows. Removal happens only via
// MarkSucceeded, Remove, or the maintenance service.
package ledger

import (
	"context"
	"database/sql"
	"sync"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/foldersync/foldersync/internal/logging"
)

var log = logging.Module("ledger")

// State is the logical table a path's row belongs to.
type State string

// The two logical tables from spec §3, represented as a state column on
// one physical table (either representation is conforming; this one keeps
// a single-row-per-path invariant trivially enforceable with a PRIMARY KEY).
const (
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// DefaultFailLimit is the number of failed attempts after which a row is
// tombstoned: retained for observability but no longer returned by PopFailed.
const DefaultFailLimit = 10

// Ledger is the durable, mutex-serialized delivery-state store.
//
// On any unrecoverable backing-store error, the ledger transitions to a
// disposed state and silently no-ops every subsequent call: Exists
// returns false and PopFailed/PopAll return empty, both valid answers
// per spec §4.2, rather than propagating storage errors to uploaders.
type Ledger struct {
	// FailLimit is the attempt count at which a failed row is tombstoned.
	FailLimit int

	mu       sync.Mutex
	db       *sql.DB
	disposed bool
}

// Open opens (creating if necessary) the embedded store at path.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open ledger database")
	}

	db.SetMaxOpenConns(1) // sqlite + our own mutex: no concurrent writers needed.

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ledger (
			path     TEXT PRIMARY KEY,
			state    TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		db.Close() //nolint:errcheck

		return nil, errors.Wrap(err, "create ledger schema")
	}

	return &Ledger{FailLimit: DefaultFailLimit, db: db}, nil
}

// Close releases the backing store.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disposed {
		return nil
	}

	l.disposed = true

	return errors.Wrap(l.db.Close(), "close ledger")
}

// dispose transitions the ledger into the silent no-op state described in
// spec §4.2, logging once at the moment of transition.
func (l *Ledger) dispose(ctx context.Context, cause error) {
	if l.disposed {
		return
	}

	l.disposed = true

	log(ctx).Errorf("ledger store unavailable, disabling further ledger operations: %v", cause)
}

// MarkFailed upserts a failed row for path, incrementing attempts if the
// row already exists. No-op if the store is unavailable.
func (l *Ledger) MarkFailed(ctx context.Context, path string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disposed {
		return
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO ledger (path, state, attempts) VALUES (?, ?, 1)
		ON CONFLICT(path) DO UPDATE SET
			state = excluded.state,
			attempts = CASE WHEN ledger.state = ? THEN ledger.attempts + 1 ELSE 1 END
	`, path, StateFailed, StateFailed)
	if err != nil {
		l.dispose(ctx, err)
	}
}

// MarkSucceeded deletes any failed row for path and upserts a succeeded
// row, in one transaction, so a path is never simultaneously in both
// logical tables.
func (l *Ledger) MarkSucceeded(ctx context.Context, path string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disposed {
		return
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		l.dispose(ctx, err)
		return
	}

	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger (path, state, attempts) VALUES (?, ?, 0)
		ON CONFLICT(path) DO UPDATE SET state = excluded.state, attempts = 0
	`, path, StateSucceeded); err != nil {
		l.dispose(ctx, err)
		return
	}

	if err := tx.Commit(); err != nil {
		l.dispose(ctx, err)
	}
}

// Exists reports whether any row (either state) exists for path.
func (l *Ledger) Exists(ctx context.Context, path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disposed {
		return false
	}

	var n int

	err := l.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM ledger WHERE path = ?`, path).Scan(&n)
	if err != nil {
		l.dispose(ctx, err)
		return false
	}

	return n > 0
}

// PopFailed returns up to limit paths in the failed state whose attempts
// have not yet reached FailLimit. It does not remove rows.
func (l *Ledger) PopFailed(ctx context.Context, limit int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disposed || limit <= 0 {
		return nil
	}

	failLimit := l.FailLimit
	if failLimit <= 0 {
		failLimit = DefaultFailLimit
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT path FROM ledger WHERE state = ? AND attempts < ? LIMIT ?
	`, StateFailed, failLimit, limit)
	if err != nil {
		l.dispose(ctx, err)
		return nil
	}
	defer rows.Close() //nolint:errcheck

	var out []string

	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			l.dispose(ctx, err)
			return nil
		}

		out = append(out, p)
	}

	if err := rows.Err(); err != nil {
		l.dispose(ctx, err)
		return nil
	}

	return out
}

// PopAll returns every path tracked by the ledger, regardless of state.
func (l *Ledger) PopAll(ctx context.Context) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disposed {
		return nil
	}

	rows, err := l.db.QueryContext(ctx, `SELECT path FROM ledger`)
	if err != nil {
		l.dispose(ctx, err)
		return nil
	}
	defer rows.Close() //nolint:errcheck

	var out []string

	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			l.dispose(ctx, err)
			return nil
		}

		out = append(out, p)
	}

	if err := rows.Err(); err != nil {
		l.dispose(ctx, err)
		return nil
	}

	return out
}

// Remove deletes the row for path, in either state.
func (l *Ledger) Remove(ctx context.Context, path string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disposed {
		return
	}

	if _, err := l.db.ExecContext(ctx, `DELETE FROM ledger WHERE path = ?`, path); err != nil {
		l.dispose(ctx, err)
	}
}

// Count returns the number of rows currently tracked, for the metrics gauge.
func (l *Ledger) Count(ctx context.Context) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disposed {
		return 0
	}

	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM ledger`).Scan(&n); err != nil {
		l.dispose(ctx, err)
		return 0
	}

	return n
}
