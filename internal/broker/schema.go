package broker

import "database/sql"

// schemaDDL creates the two tables spec.md §3.2 requires plus the
// stuck_reassignments audit table this expansion adds (SPEC_FULL.md §6).
// Idempotent: CREATE TABLE IF NOT EXISTS everywhere.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	topic TEXT NOT NULL,
	message_id TEXT NOT NULL,
	ts_ms INTEGER NOT NULL,
	envelope_bytes BLOB NOT NULL,
	claimed_by TEXT,
	claimed_at INTEGER,
	created_at INTEGER NOT NULL,
	UNIQUE(topic, message_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_topic_id ON messages(topic, id);

CREATE TABLE IF NOT EXISTS acks (
	topic TEXT NOT NULL,
	"group" TEXT NOT NULL,
	message_id TEXT NOT NULL,
	acked_at INTEGER NOT NULL,
	PRIMARY KEY (topic, "group", message_id)
);

CREATE TABLE IF NOT EXISTS stuck_reassignments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	topic TEXT NOT NULL,
	"group" TEXT NOT NULL,
	message_id TEXT NOT NULL,
	previous_claimant TEXT NOT NULL,
	reassigned_at INTEGER NOT NULL
);
`

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(schemaDDL)
	return err
}
