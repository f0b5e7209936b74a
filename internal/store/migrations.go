package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "topics: hierarchical topic tree with a single hidden root",
		SQL: `
CREATE TABLE topics (
    id             INTEGER PRIMARY KEY,
    parent_id      INTEGER,
    name           TEXT NOT NULL,
    summary        TEXT NOT NULL DEFAULT '',
    activity_count INTEGER NOT NULL DEFAULT 0,
    created_at     INTEGER NOT NULL,
    last_active_at INTEGER,

    FOREIGN KEY (parent_id) REFERENCES topics(id),
    UNIQUE (parent_id, name)
);

CREATE INDEX idx_topics_parent ON topics(parent_id);

INSERT INTO topics (id, parent_id, name, created_at) VALUES (1, NULL, '', 0);
`,
	},
	{
		Version:     2,
		Description: "activity: collected entries and their routing outcome",
		SQL: `
CREATE TABLE activity (
    id           TEXT PRIMARY KEY,
    source       TEXT NOT NULL,
    ts           INTEGER NOT NULL,
    text         TEXT NOT NULL,
    fingerprint  TEXT NOT NULL UNIQUE,
    status       TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'routed', 'skipped')),
    topic_id     INTEGER,
    note         TEXT NOT NULL DEFAULT '',
    action_flags TEXT,
    run_id       TEXT,
    created_at   INTEGER NOT NULL,
    routed_at    INTEGER,

    FOREIGN KEY (topic_id) REFERENCES topics(id)
);

CREATE INDEX idx_activity_topic  ON activity(topic_id, ts);
CREATE INDEX idx_activity_status ON activity(status, ts);
`,
	},
	{
		Version:     3,
		Description: "watermarks and run_lock: per-source progress and single-writer lock",
		SQL: `
CREATE TABLE watermarks (
    source     TEXT PRIMARY KEY,
    ts         INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE run_lock (
    id          INTEGER PRIMARY KEY CHECK (id = 1),
    holder      TEXT NOT NULL,
    acquired_at INTEGER NOT NULL
);
`,
	},
	{
		Version:     4,
		Description: "holds: auto-calendar event lifecycle",
		SQL: `
CREATE TABLE holds (
    id          TEXT PRIMARY KEY,
    key         TEXT NOT NULL,
    person      TEXT NOT NULL,
    title       TEXT NOT NULL,
    state       TEXT NOT NULL CHECK (state IN ('proposed', 'confirmed', 'deleted')),
    event_start INTEGER NOT NULL,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);

CREATE INDEX idx_holds_key   ON holds(key, state);
CREATE INDEX idx_holds_state ON holds(state);
`,
	},
	{
		Version:     5,
		Description: "runs: pipeline run log",
		SQL: `
CREATE TABLE runs (
    id             INTEGER PRIMARY KEY,
    run_id         TEXT NOT NULL UNIQUE,
    started_at     INTEGER NOT NULL,
    ended_at       INTEGER,
    status         TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'completed', 'failed')),
    entry_count    INTEGER NOT NULL DEFAULT 0,
    unrouted_count INTEGER NOT NULL DEFAULT 0,
    topics_created INTEGER NOT NULL DEFAULT 0,
    topics_updated INTEGER NOT NULL DEFAULT 0,
    error          TEXT
);

CREATE INDEX idx_runs_started_at ON runs(started_at DESC);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.DB.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
