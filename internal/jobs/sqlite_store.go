package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_outbox (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	technician_id TEXT    NOT NULL,
	user_id       TEXT    NOT NULL,
	service_id    TEXT    NOT NULL,
	status        TEXT    NOT NULL DEFAULT 'pending',
	attempts      INTEGER NOT NULL DEFAULT 0,
	next_try_at   INTEGER NOT NULL,
	last_error    TEXT    NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS job_outbox_due ON job_outbox (status, next_try_at);
`

// SQLiteStore is a durable outbox backed by modernc.org/sqlite. Pending jobs
// survive restarts.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the outbox at dsn. Use ":memory:" in tests.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open job outbox: %w", err)
	}
	// One writer keeps claims atomic and lets ":memory:" behave as one
	// database.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping job outbox: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate job outbox: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Add(ctx context.Context, req Request, now time.Time) (Job, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO job_outbox (technician_id, user_id, service_id, next_try_at, created_at) VALUES (?, ?, ?, ?, ?)`,
		req.TechnicianID, req.UserID, req.ServiceID, now.UnixNano(), now.UnixNano())
	if err != nil {
		return Job{}, fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Job{}, fmt.Errorf("insert job: %w", err)
	}
	return Job{ID: id, Request: req, Status: StatusPending, NextTryAt: now, CreatedAt: now}, nil
}

func (s *SQLiteStore) Claim(ctx context.Context, now time.Time, lease time.Duration) (Job, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT id FROM job_outbox WHERE status = ? AND next_try_at <= ? ORDER BY next_try_at, id LIMIT 1`,
		string(StatusPending), now.UnixNano())
	var id int64
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, false, nil
		}
		return Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE job_outbox SET attempts = attempts + 1, next_try_at = ? WHERE id = ?`,
		now.Add(lease).UnixNano(), id); err != nil {
		return Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	j, err := scanJob(tx.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id))
	if err != nil {
		return Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return j, true, nil
}

func (s *SQLiteStore) Complete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE job_outbox SET status = ? WHERE id = ?`, string(StatusDone), id)
	return err
}

func (s *SQLiteStore) Retry(ctx context.Context, id int64, at time.Time, lastErr string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE job_outbox SET next_try_at = ?, last_error = ? WHERE id = ?`, at.UnixNano(), lastErr, id)
	return err
}

func (s *SQLiteStore) Fail(ctx context.Context, id int64, lastErr string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE job_outbox SET status = ?, last_error = ? WHERE id = ?`, string(StatusFailed), lastErr, id)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (Job, bool, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	return j, true, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const selectJob = `SELECT id, technician_id, user_id, service_id, status, attempts, next_try_at, last_error, created_at FROM job_outbox`

func scanJob(row *sql.Row) (Job, error) {
	var (
		j                  Job
		status             string
		nextTry, createdAt int64
	)
	if err := row.Scan(&j.ID, &j.Request.TechnicianID, &j.Request.UserID, &j.Request.ServiceID,
		&status, &j.Attempts, &nextTry, &j.LastError, &createdAt); err != nil {
		return Job{}, err
	}
	j.Status = Status(status)
	j.NextTryAt = time.Unix(0, nextTry)
	j.CreatedAt = time.Unix(0, createdAt)
	return j, nil
}
