package state

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS outcomes (
	seq     INTEGER PRIMARY KEY AUTOINCREMENT,
	success INTEGER NOT NULL,
	at      TEXT NOT NULL,
	source  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS approvals (
	task_id    TEXT PRIMARY KEY,
	decision   TEXT NOT NULL,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	body       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	origin_goal TEXT NOT NULL,
	description TEXT NOT NULL,
	status      TEXT NOT NULL,
	updated_at  TEXT NOT NULL,
	body        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS tasks_identity ON tasks(origin_goal, description, status);

CREATE TABLE IF NOT EXISTS transitions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	at         TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state   TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	actor      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS reports (
	id   TEXT PRIMARY KEY,
	at   TEXT NOT NULL,
	body TEXT NOT NULL
);
`

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}
