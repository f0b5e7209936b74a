package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Watermark returns the last committed collection time for a source.
// ok is false when the source has never been committed.
func (db *DB) Watermark(ctx context.Context, source string) (t time.Time, ok bool, err error) {
	var ms int64
	err = db.QueryRowContext(ctx, "SELECT ts FROM watermarks WHERE source = ?", source).Scan(&ms)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get watermark %s: %w", source, err)
	}
	return fromMillis(ms), true, nil
}

// Watermarks returns every source's watermark.
func (db *DB) Watermarks(ctx context.Context) (map[string]time.Time, error) {
	rows, err := db.QueryContext(ctx, "SELECT source, ts FROM watermarks ORDER BY source")
	if err != nil {
		return nil, fmt.Errorf("list watermarks: %w", err)
	}
	defer rows.Close()
	out := map[string]time.Time{}
	for rows.Next() {
		var source string
		var ms int64
		if err := rows.Scan(&source, &ms); err != nil {
			return nil, err
		}
		out[source] = fromMillis(ms)
	}
	return out, rows.Err()
}

// SetWatermark advances a source's watermark. It never moves backwards.
func (t *Tx) SetWatermark(ctx context.Context, source string, ts, now time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO watermarks (source, ts, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET
			ts = MAX(watermarks.ts, excluded.ts),
			updated_at = excluded.updated_at
	`, source, toMillis(ts), toMillis(now))
	if err != nil {
		return fmt.Errorf("set watermark %s: %w", source, err)
	}
	return nil
}
