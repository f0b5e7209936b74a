package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Hold states.
const (
	HoldProposed  = "proposed"
	HoldConfirmed = "confirmed"
	HoldDeleted   = "deleted"
)

// Hold is an auto-calendar event tracked through its lifecycle.
type Hold struct {
	ID         string
	Key        string
	Person     string
	Title      string
	State      string
	EventStart time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

const holdColumns = `id, key, person, title, state, event_start, created_at, updated_at`

func scanHolds(rows *sql.Rows) ([]Hold, error) {
	defer rows.Close()
	var out []Hold
	for rows.Next() {
		var h Hold
		var start, created, updated int64
		if err := rows.Scan(&h.ID, &h.Key, &h.Person, &h.Title, &h.State, &start, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan hold: %w", err)
		}
		h.EventStart = fromMillis(start)
		h.CreatedAt = fromMillis(created)
		h.UpdatedAt = fromMillis(updated)
		out = append(out, h)
	}
	return out, rows.Err()
}

// LiveHold returns the newest non-deleted hold for a key, or nil.
func (t *Tx) LiveHold(ctx context.Context, key string) (*Hold, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT "+holdColumns+" FROM holds WHERE key = ? AND state != 'deleted' ORDER BY created_at DESC, id DESC LIMIT 1",
		key)
	if err != nil {
		return nil, fmt.Errorf("live hold %q: %w", key, err)
	}
	holds, err := scanHolds(rows)
	if err != nil || len(holds) == 0 {
		return nil, err
	}
	return &holds[0], nil
}

// ProposedHolds returns every hold still awaiting confirmation.
func (t *Tx) ProposedHolds(ctx context.Context) ([]Hold, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT "+holdColumns+" FROM holds WHERE state = 'proposed' ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("proposed holds: %w", err)
	}
	return scanHolds(rows)
}

// InsertHold stores a new hold.
func (t *Tx) InsertHold(ctx context.Context, h Hold) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO holds (id, key, person, title, state, event_start, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, h.ID, h.Key, h.Person, h.Title, h.State, toMillis(h.EventStart), toMillis(h.CreatedAt), toMillis(h.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert hold %q: %w", h.Key, err)
	}
	return nil
}

// UpdateHold moves a hold to a new state and title.
func (t *Tx) UpdateHold(ctx context.Context, id, state, title string, now time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE holds SET state = ?, title = ?, updated_at = ? WHERE id = ?",
		state, title, toMillis(now), id)
	if err != nil {
		return fmt.Errorf("update hold %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update hold %s: not found", id)
	}
	return nil
}

// ListHolds returns holds in a state, or all holds when state is empty.
func (db *DB) ListHolds(ctx context.Context, state string) ([]Hold, error) {
	var rows *sql.Rows
	var err error
	if state == "" {
		rows, err = db.QueryContext(ctx, "SELECT "+holdColumns+" FROM holds ORDER BY event_start, id")
	} else {
		rows, err = db.QueryContext(ctx, "SELECT "+holdColumns+" FROM holds WHERE state = ? ORDER BY event_start, id", state)
	}
	if err != nil {
		return nil, fmt.Errorf("list holds: %w", err)
	}
	return scanHolds(rows)
}
