package history

import (
	"context"
	"database/sql"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"conductor/internal/llm"
	"conductor/internal/persistence"
)

// Store owns the two conversation databases. All writes go through the
// single-connection pools configured in persistence.OpenDB, which gives the
// single-writer semantics the runtime's ordering guarantees rely on.
type Store struct {
	conv *sqlx.DB // conversation_history.db
	cctx *sqlx.DB // context_management.db
}

// Open creates or opens both databases under dataPath.
func Open(ctx context.Context, dataPath string) (*Store, error) {
	conv, err := persistence.OpenDB(ctx, filepath.Join(dataPath, "conversation_history.db"))
	if err != nil {
		return nil, errors.Wrap(err, "open conversation history db")
	}
	cctx, err := persistence.OpenDB(ctx, filepath.Join(dataPath, "context_management.db"))
	if err != nil {
		conv.Close()
		return nil, errors.Wrap(err, "open context management db")
	}

	s := &Store{conv: conv, cctx: cctx}
	if err := initSchema(ctx, conv, conversationSchema); err != nil {
		s.Close()
		return nil, err
	}
	if err := initSchema(ctx, cctx, contextSchema); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes both databases.
func (s *Store) Close() error {
	var first error
	if err := s.conv.Close(); err != nil {
		first = err
	}
	if err := s.cctx.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// Append stores the messages for the conversation in one transaction, in
// slice order. Structured content is flattened with image references inlined.
func (s *Store) Append(ctx context.Context, conversationID string, msgs []llm.Message) error {
	if conversationID == "" {
		return errors.New("conversation id required")
	}
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.conv.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	now := nowMillis()
	for i, m := range msgs {
		role := m.Role
		if role == "" {
			role = "user"
		}
		// Preserve slice order even within the same millisecond.
		_, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_messages (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
			conversationID, role, m.Flatten(), now+int64(i),
		)
		if err != nil {
			return errors.Wrap(err, "failed to append message")
		}
	}
	return tx.Commit()
}

// Read returns entries in ascending created_at order. limit <= 0 means no
// limit; offset skips from the start.
func (s *Store) Read(ctx context.Context, conversationID string, limit, offset int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	var out []Entry
	err := s.conv.SelectContext(ctx, &out,
		`SELECT id, conversation_id, role, content, created_at, metadata
		 FROM conversation_messages
		 WHERE conversation_id = ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT ? OFFSET ?`,
		conversationID, limit, offset,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read messages")
	}
	return out, nil
}

// Messages reads the conversation and converts it to the runtime model.
func (s *Store) Messages(ctx context.Context, conversationID string, limit int) ([]llm.Message, error) {
	entries, err := s.Read(ctx, conversationID, limit, 0)
	if err != nil {
		return nil, err
	}
	msgs := make([]llm.Message, 0, len(entries))
	for _, e := range entries {
		msgs = append(msgs, e.Message())
	}
	return msgs, nil
}

// Count returns the number of entries for the conversation.
func (s *Store) Count(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.conv.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM conversation_messages WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count messages")
	}
	return n, nil
}

// First returns the oldest entry or nil when the conversation is empty.
func (s *Store) First(ctx context.Context, conversationID string) (*Entry, error) {
	return s.edge(ctx, conversationID, "ASC")
}

// Last returns the newest entry or nil when the conversation is empty.
func (s *Store) Last(ctx context.Context, conversationID string) (*Entry, error) {
	return s.edge(ctx, conversationID, "DESC")
}

func (s *Store) edge(ctx context.Context, conversationID, dir string) (*Entry, error) {
	var e Entry
	err := s.conv.GetContext(ctx, &e,
		`SELECT id, conversation_id, role, content, created_at, metadata
		 FROM conversation_messages
		 WHERE conversation_id = ?
		 ORDER BY created_at `+dir+`, id `+dir+`
		 LIMIT 1`, conversationID)
	if errors.Cause(err) == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read edge message")
	}
	return &e, nil
}

// DeleteByConversation removes every entry, mark, checkpoint, and effective
// context belonging to the conversation.
func (s *Store) DeleteByConversation(ctx context.Context, conversationID string) error {
	if _, err := s.conv.ExecContext(ctx,
		`DELETE FROM conversation_messages WHERE conversation_id = ?`, conversationID); err != nil {
		return errors.Wrap(err, "failed to delete conversation messages")
	}

	tx, err := s.cctx.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()
	for _, q := range []string{
		`DELETE FROM message_marks WHERE conversation_id = ?`,
		`DELETE FROM context_checkpoints WHERE conversation_id = ?`,
		`DELETE FROM context_sessions WHERE conversation_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, conversationID); err != nil {
			return errors.Wrap(err, "failed to delete conversation state")
		}
	}
	return tx.Commit()
}

// DeleteOlderThan removes entries created before the timestamp and returns
// how many were deleted.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.conv.ExecContext(ctx,
		`DELETE FROM conversation_messages WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete old messages")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read affected rows")
	}
	return n, nil
}

// ReplaceConversation atomically swaps the conversation's full history for
// the given messages. Used by checkpoint rollback; readers of the same
// conversation never observe the intermediate empty state.
func (s *Store) ReplaceConversation(ctx context.Context, conversationID string, msgs []llm.Message) error {
	tx, err := s.conv.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM conversation_messages WHERE conversation_id = ?`, conversationID); err != nil {
		return errors.Wrap(err, "failed to clear conversation")
	}
	now := nowMillis()
	for i, m := range msgs {
		role := m.Role
		if role == "" {
			role = "user"
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_messages (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
			conversationID, role, m.Flatten(), now+int64(i)); err != nil {
			return errors.Wrap(err, "failed to reinsert message")
		}
	}
	return tx.Commit()
}
