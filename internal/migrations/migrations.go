package migrations

// Schema is the initial database schema. The jobs table's seq column
// preserves enqueue order across restarts; ListJobs replays in seq order.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    id          TEXT NOT NULL UNIQUE,
    queue_type  TEXT NOT NULL,
    payload     TEXT NOT NULL,
    attempts    INTEGER NOT NULL DEFAULT 0,
    created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_jobs_queue_type ON jobs(queue_type, seq);

CREATE TABLE IF NOT EXISTS messages (
    id              TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    record          TEXT NOT NULL,
    created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);

CREATE TABLE IF NOT EXISTS challenges (
    conversation_id TEXT PRIMARY KEY,
    reason          TEXT NOT NULL,
    created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    retry_at        TIMESTAMP,
    token           TEXT,
    silent          BOOLEAN NOT NULL DEFAULT 0
);
`

// GetInitialSchema returns the initial database schema.
func GetInitialSchema() (string, error) {
	return Schema, nil
}
