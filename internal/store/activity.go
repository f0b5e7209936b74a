package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Entry statuses.
const (
	StatusPending = "pending"
	StatusRouted  = "routed"
	StatusSkipped = "skipped"
)

// Entry is one chunk of collected activity text.
type Entry struct {
	ID          string
	Source      string
	Timestamp   time.Time
	Text        string
	Fingerprint string
	Status      string
	TopicID     *int64
	Note        string
	ActionFlags map[string][]json.RawMessage
	RunID       string
	CreatedAt   time.Time
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a time-sortable unique id.
func NewID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Fingerprint identifies an entry by content so a re-collected window does
// not store the same chunk twice.
func Fingerprint(source string, ts time.Time, text string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00%s", source, ts.Unix(), strings.TrimSpace(text))
	return hex.EncodeToString(h.Sum(nil))
}

// KnownFingerprints returns which of the given fingerprints are already stored.
func (db *DB) KnownFingerprints(ctx context.Context, fps []string) (map[string]bool, error) {
	known := map[string]bool{}
	// Chunked to stay under SQLite's bound-parameter limit.
	const chunk = 500
	for start := 0; start < len(fps); start += chunk {
		end := min(start+chunk, len(fps))
		part := fps[start:end]
		args := make([]any, len(part))
		for i, fp := range part {
			args[i] = fp
		}
		rows, err := db.QueryContext(ctx,
			"SELECT fingerprint FROM activity WHERE fingerprint IN (?"+strings.Repeat(",?", len(part)-1)+")",
			args...,
		)
		if err != nil {
			return nil, fmt.Errorf("query fingerprints: %w", err)
		}
		for rows.Next() {
			var fp string
			if err := rows.Scan(&fp); err != nil {
				rows.Close()
				return nil, err
			}
			known[fp] = true
		}
		rows.Close()
	}
	return known, nil
}

// AppendEntries inserts new entries as pending. Entries whose fingerprint
// is already stored are ignored. Returns the number inserted.
func (t *Tx) AppendEntries(ctx context.Context, entries []Entry, runID string, now time.Time) (int, error) {
	inserted := 0
	for _, e := range entries {
		if e.Fingerprint == "" {
			e.Fingerprint = Fingerprint(e.Source, e.Timestamp, e.Text)
		}
		res, err := t.tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO activity (id, source, ts, text, fingerprint, status, run_id, created_at)
			VALUES (?, ?, ?, ?, ?, 'pending', ?, ?)
		`, e.ID, e.Source, toMillis(e.Timestamp), e.Text, e.Fingerprint, runID, toMillis(now))
		if err != nil {
			return inserted, fmt.Errorf("insert entry %s: %w", e.ID, err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	return inserted, nil
}

// AssignEntry records a routing outcome. An entry is routed exactly once;
// assigning an entry that is no longer pending is an error.
func (t *Tx) AssignEntry(ctx context.Context, id string, topicID int64, note string, flags map[string][]json.RawMessage, runID string, now time.Time) error {
	var flagsJSON sql.NullString
	if len(flags) > 0 {
		b, err := json.Marshal(flags)
		if err != nil {
			return fmt.Errorf("marshal flags for %s: %w", id, err)
		}
		flagsJSON = sql.NullString{String: string(b), Valid: true}
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE activity SET status = 'routed', topic_id = ?, note = ?, action_flags = ?, run_id = ?, routed_at = ?
		WHERE id = ? AND status = 'pending'
	`, topicID, note, flagsJSON, runID, toMillis(now), id)
	if err != nil {
		return fmt.Errorf("assign entry %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("assign entry %s: not pending", id)
	}
	return nil
}

// SkipEntry marks a pending entry as noise that belongs to no topic.
func (t *Tx) SkipEntry(ctx context.Context, id, note, runID string, now time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE activity SET status = 'skipped', note = ?, run_id = ?, routed_at = ?
		WHERE id = ? AND status = 'pending'
	`, note, runID, toMillis(now), id)
	if err != nil {
		return fmt.Errorf("skip entry %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("skip entry %s: not pending", id)
	}
	return nil
}

const entryColumns = `id, source, ts, text, fingerprint, status, topic_id, note, action_flags, COALESCE(run_id, ''), created_at`

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var ts, created int64
		var topic sql.NullInt64
		var flags sql.NullString
		if err := rows.Scan(&e.ID, &e.Source, &ts, &e.Text, &e.Fingerprint, &e.Status,
			&topic, &e.Note, &flags, &e.RunID, &created); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Timestamp = fromMillis(ts)
		e.CreatedAt = fromMillis(created)
		if topic.Valid {
			id := topic.Int64
			e.TopicID = &id
		}
		if flags.Valid && flags.String != "" {
			if err := json.Unmarshal([]byte(flags.String), &e.ActionFlags); err != nil {
				return nil, fmt.Errorf("decode flags for %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PendingEntries returns entries left unrouted by earlier runs, oldest first.
func (db *DB) PendingEntries(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx,
		"SELECT "+entryColumns+" FROM activity WHERE status = 'pending' ORDER BY ts, id LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("pending entries: %w", err)
	}
	return scanEntries(rows)
}

// CountPending returns the number of unrouted entries.
func (db *DB) CountPending(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM activity WHERE status = 'pending'").Scan(&n)
	return n, err
}

// EntriesForTopic returns a topic's routed entries, newest first.
func (db *DB) EntriesForTopic(ctx context.Context, topicID int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx,
		"SELECT "+entryColumns+" FROM activity WHERE topic_id = ? ORDER BY ts DESC, id DESC LIMIT ?",
		topicID, limit)
	if err != nil {
		return nil, fmt.Errorf("entries for topic %d: %w", topicID, err)
	}
	return scanEntries(rows)
}

// GetEntry returns one entry by id, or nil if absent.
func (db *DB) GetEntry(ctx context.Context, id string) (*Entry, error) {
	rows, err := db.QueryContext(ctx, "SELECT "+entryColumns+" FROM activity WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

// PruneEntries deletes routed and skipped entries older than before.
// Pending entries are kept so they can still be routed.
func (db *DB) PruneEntries(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.ExecContext(ctx,
		"DELETE FROM activity WHERE status != 'pending' AND ts < ?", toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("prune entries: %w", err)
	}
	return res.RowsAffected()
}
