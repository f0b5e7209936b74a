package store

import (
	"context"
	"fmt"
	"time"
)

// Reseed backs up the database, then clears topics, activity, holds and
// watermarks and recreates the tree from seed paths. The backup path is
// empty for in-memory databases.
func (db *DB) Reseed(ctx context.Context, seeds [][]string, now time.Time) (string, error) {
	backup, err := db.Backup(ctx, now)
	if err != nil {
		return "", err
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return backup, err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM activity",
		"DELETE FROM holds",
		"DELETE FROM watermarks",
		"DELETE FROM topics WHERE id != 1",
	} {
		if _, err := tx.tx.ExecContext(ctx, stmt); err != nil {
			return backup, fmt.Errorf("reseed: %s: %w", stmt, err)
		}
	}

	for _, segs := range seeds {
		if _, _, err := tx.UpsertTopic(ctx, segs, now); err != nil {
			return backup, fmt.Errorf("reseed: %w", err)
		}
	}
	return backup, tx.Commit()
}
