package history

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

const conversationSchema = `
CREATE TABLE IF NOT EXISTS conversation_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	role TEXT NOT NULL CHECK(role IN ('user','assistant','system')),
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	metadata TEXT
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON conversation_messages(conversation_id);
CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
	ON conversation_messages(conversation_id, created_at);
`

const contextSchema = `
CREATE TABLE IF NOT EXISTS context_sessions (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	effective_messages TEXT NOT NULL,
	token_count INTEGER NOT NULL,
	message_count INTEGER NOT NULL,
	compression_summary TEXT,
	compressed_message_ids TEXT,
	last_action TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS context_checkpoints (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	messages TEXT NOT NULL,
	token_count INTEGER NOT NULL,
	message_count INTEGER NOT NULL,
	reason TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_conversation
	ON context_checkpoints(conversation_id, created_at);
CREATE TABLE IF NOT EXISTS message_marks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id INTEGER NOT NULL,
	conversation_id TEXT NOT NULL,
	mark_type TEXT NOT NULL,
	action_id TEXT,
	created_at INTEGER NOT NULL,
	metadata TEXT
);
CREATE INDEX IF NOT EXISTS idx_marks_conversation
	ON message_marks(conversation_id);
`

func initSchema(ctx context.Context, db *sqlx.DB, ddl string) error {
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return errors.Wrap(err, "failed to initialize schema")
	}
	return nil
}
