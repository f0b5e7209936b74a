package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	memerrors "github.com/rednebmas/mem/internal/errors"
)

// Run is one pipeline execution.
type Run struct {
	ID            int64
	RunID         string
	StartedAt     time.Time
	EndedAt       *time.Time
	Status        string
	EntryCount    int
	UnroutedCount int
	TopicsCreated int
	TopicsUpdated int
	Error         string
}

// RunStats are the counters recorded when a run finishes.
type RunStats struct {
	EntryCount    int
	UnroutedCount int
	TopicsCreated int
	TopicsUpdated int
}

// StartRun records a new active run.
func (db *DB) StartRun(ctx context.Context, runID string, now time.Time) error {
	_, err := db.ExecContext(ctx,
		"INSERT INTO runs (run_id, started_at, status) VALUES (?, ?, 'active')",
		runID, toMillis(now))
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// FinishRun marks a run completed, or failed when runErr is non-nil.
func (db *DB) FinishRun(ctx context.Context, runID string, stats RunStats, runErr error, now time.Time) error {
	status := "completed"
	var errText sql.NullString
	if runErr != nil {
		status = "failed"
		errText = sql.NullString{String: runErr.Error(), Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		UPDATE runs SET status = ?, ended_at = ?, entry_count = ?, unrouted_count = ?,
			topics_created = ?, topics_updated = ?, error = ?
		WHERE run_id = ? AND status = 'active'
	`, status, toMillis(now), stats.EntryCount, stats.UnroutedCount,
		stats.TopicsCreated, stats.TopicsUpdated, errText, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// RecentRuns returns the most recent runs, newest first.
func (db *DB) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, run_id, started_at, ended_at, status, entry_count, unrouted_count,
			topics_created, topics_updated, COALESCE(error, '')
		FROM runs ORDER BY started_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started int64
		var ended sql.NullInt64
		if err := rows.Scan(&r.ID, &r.RunID, &started, &ended, &r.Status, &r.EntryCount,
			&r.UnroutedCount, &r.TopicsCreated, &r.TopicsUpdated, &r.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = fromMillis(started)
		r.EndedAt = nullMillis(ended)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// AcquireLock takes the single-writer lock for holder. A lock older than
// staleAfter is assumed abandoned by a crashed run and taken over.
func (db *DB) AcquireLock(ctx context.Context, holder string, staleAfter time.Duration, now time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return memerrors.Store("acquire lock", err)
	}
	defer tx.Rollback()

	var current string
	var acquired int64
	err = tx.QueryRowContext(ctx, "SELECT holder, acquired_at FROM run_lock WHERE id = 1").Scan(&current, &acquired)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return memerrors.Store("acquire lock", err)
	case current != holder && now.Sub(fromMillis(acquired)) < staleAfter:
		return memerrors.Locked(current)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO run_lock (id, holder, acquired_at) VALUES (1, ?, ?)",
		holder, toMillis(now)); err != nil {
		return memerrors.Store("acquire lock", err)
	}
	if err := tx.Commit(); err != nil {
		return memerrors.Store("acquire lock", err)
	}
	return nil
}

// ReleaseLock drops the lock if holder still owns it.
func (db *DB) ReleaseLock(ctx context.Context, holder string) error {
	if _, err := db.ExecContext(ctx, "DELETE FROM run_lock WHERE holder = ?", holder); err != nil {
		return memerrors.Store("release lock", err)
	}
	return nil
}

// RefreshLock renews holder's lock so a long run is not mistaken for an
// abandoned one. It returns a Locked error when the lock was taken over.
func (db *DB) RefreshLock(ctx context.Context, holder string, now time.Time) error {
	res, err := db.ExecContext(ctx,
		"UPDATE run_lock SET acquired_at = ? WHERE id = 1 AND holder = ?", toMillis(now), holder)
	if err != nil {
		return memerrors.Store("refresh lock", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var current string
		db.QueryRowContext(ctx, "SELECT holder FROM run_lock WHERE id = 1").Scan(&current)
		return memerrors.Locked(current)
	}
	return nil
}

// CheckLock fails with a Locked error unless holder still owns the lock.
// Runs call it inside their transaction just before committing.
func (t *Tx) CheckLock(ctx context.Context, holder string) error {
	var current string
	err := t.tx.QueryRowContext(ctx, "SELECT holder FROM run_lock WHERE id = 1").Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return memerrors.Store("check lock", err)
	}
	if current != holder {
		return memerrors.Locked(current)
	}
	return nil
}
