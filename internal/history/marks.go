package history

import (
	"context"

	"github.com/pkg/errors"
)

// AddMark records an advisory annotation for a history entry.
func (s *Store) AddMark(ctx context.Context, messageID int64, conversationID string, kind MarkKind, actionID, metadata *string) error {
	_, err := s.cctx.ExecContext(ctx,
		`INSERT INTO message_marks (message_id, conversation_id, mark_type, action_id, created_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		messageID, conversationID, string(kind), actionID, nowMillis(), metadata)
	if err != nil {
		return errors.Wrap(err, "failed to add mark")
	}
	return nil
}

// ListMarks returns the conversation's marks in creation order.
func (s *Store) ListMarks(ctx context.Context, conversationID string) ([]Mark, error) {
	var out []Mark
	err := s.cctx.SelectContext(ctx, &out,
		`SELECT id, message_id, conversation_id, mark_type, action_id, created_at, metadata
		 FROM message_marks
		 WHERE conversation_id = ?
		 ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list marks")
	}
	return out, nil
}
