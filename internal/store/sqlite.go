package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shehryarbajwa/sessiond/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	owner             TEXT NOT NULL,
	target_url        TEXT NOT NULL,
	backend           TEXT NOT NULL,
	resume_token      TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	created_at_epoch  INTEGER NOT NULL,
	last_active_epoch INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner);
`

// SQLite is a Store backed by a single SQLite database file. The
// compare-and-set in UpdateStatus relies on SQLite serializing writers,
// which holds for any number of connections against one file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens the session database at path, creating it and the
// schema when missing.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	// WAL keeps readers unblocked during status writes; the busy timeout
	// absorbs claim bursts when several recovery workers hit one file.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create session schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Create inserts a new session record.
func (s *SQLite) Create(ctx context.Context, rec models.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, owner, target_url, backend, resume_token, status, created_at_epoch, last_active_epoch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Owner, rec.TargetURL, rec.Backend, rec.ResumeToken,
		string(rec.Status), rec.CreatedAt.UnixMilli(), rec.LastActiveAt.UnixMilli(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("session %s already exists", rec.ID)
		}
		return unavailable(err)
	}
	return nil
}

// Get returns the record for id.
func (s *SQLite) Get(ctx context.Context, id string) (models.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, target_url, backend, resume_token, status, created_at_epoch, last_active_epoch
		FROM sessions WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Record{}, models.ErrNotFound
	}
	if err != nil {
		return models.Record{}, unavailable(err)
	}
	return rec, nil
}

// UpdateStatus atomically moves id from one status to another. The WHERE
// clause carries the precondition, so whichever writer commits first wins
// and every other identical transition reports false.
func (s *SQLite) UpdateStatus(ctx context.Context, id string, from, to models.Status) (bool, error) {
	if !models.CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, to)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(from),
	)
	if err != nil {
		return false, unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(err)
	}
	return n == 1, nil
}

// Touch advances lastActiveAt to at, keeping it monotone.
func (s *SQLite) Touch(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_active_epoch = MAX(last_active_epoch, ?) WHERE id = ?`,
		at.UnixMilli(), id,
	)
	if err != nil {
		return unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// SetResumeToken replaces the resume token for id.
func (s *SQLite) SetResumeToken(ctx context.Context, id, token string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET resume_token = ? WHERE id = ?`, token, id)
	if err != nil {
		return unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ListByStatus returns all records in the given status, oldest first.
func (s *SQLite) ListByStatus(ctx context.Context, status models.Status) ([]models.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, target_url, backend, resume_token, status, created_at_epoch, last_active_epoch
		FROM sessions WHERE status = ? ORDER BY created_at_epoch ASC`, string(status))
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var recs []models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return recs, nil
}

// PruneTerminal deletes terminal records last active before the cutoff.
func (s *SQLite) PruneTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE status IN (?, ?, ?) AND last_active_epoch < ?`,
		string(models.StatusCompleted), string(models.StatusFailed), string(models.StatusAbandoned),
		olderThan.UnixMilli(),
	)
	if err != nil {
		return 0, unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

// Ping reports whether the database file is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (models.Record, error) {
	var (
		rec             models.Record
		status          string
		createdEpoch    int64
		lastActiveEpoch int64
	)
	err := sc.Scan(&rec.ID, &rec.Owner, &rec.TargetURL, &rec.Backend,
		&rec.ResumeToken, &status, &createdEpoch, &lastActiveEpoch)
	if err != nil {
		return models.Record{}, err
	}
	rec.Status = models.Status(status)
	rec.CreatedAt = time.UnixMilli(createdEpoch).UTC()
	rec.LastActiveAt = time.UnixMilli(lastActiveEpoch).UTC()
	return rec, nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
}
