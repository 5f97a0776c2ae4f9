package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"conductor/internal/llm"
)

type contextSessionRow struct {
	ID                   string  `db:"id"`
	ConversationID       string  `db:"conversation_id"`
	EffectiveMessages    string  `db:"effective_messages"`
	TokenCount           int     `db:"token_count"`
	MessageCount         int     `db:"message_count"`
	CompressionSummary   *string `db:"compression_summary"`
	CompressedMessageIDs *string `db:"compressed_message_ids"`
	LastAction           *string `db:"last_action"`
	CreatedAt            int64   `db:"created_at"`
	UpdatedAt            int64   `db:"updated_at"`
}

// SaveEffectiveContext upserts the session's effective context. created_at
// is preserved across updates; at most one row exists per session id.
func (s *Store) SaveEffectiveContext(ctx context.Context, ec EffectiveContext) error {
	msgs, err := json.Marshal(ec.Messages)
	if err != nil {
		return errors.Wrap(err, "failed to marshal effective messages")
	}
	ids, err := json.Marshal(ec.CompressedMessageIDs)
	if err != nil {
		return errors.Wrap(err, "failed to marshal compressed message ids")
	}

	now := nowMillis()
	_, err = s.cctx.ExecContext(ctx,
		`INSERT INTO context_sessions
			(id, conversation_id, effective_messages, token_count, message_count,
			 compression_summary, compressed_message_ids, last_action, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			effective_messages = excluded.effective_messages,
			token_count = excluded.token_count,
			message_count = excluded.message_count,
			compression_summary = excluded.compression_summary,
			compressed_message_ids = excluded.compressed_message_ids,
			last_action = excluded.last_action,
			updated_at = excluded.updated_at`,
		ec.SessionID, ec.ConversationID, string(msgs), ec.TokenCount, ec.MessageCount,
		nullable(ec.CompressionSummary), string(ids), ec.LastAction, now, now)
	if err != nil {
		return errors.Wrap(err, "failed to save effective context")
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// GetEffectiveContext loads the session's effective context; nil when none
// has been persisted.
func (s *Store) GetEffectiveContext(ctx context.Context, sessionID string) (*EffectiveContext, error) {
	var row contextSessionRow
	err := s.cctx.GetContext(ctx, &row,
		`SELECT id, conversation_id, effective_messages, token_count, message_count,
			compression_summary, compressed_message_ids, last_action, created_at, updated_at
		 FROM context_sessions WHERE id = ?`, sessionID)
	if errors.Cause(err) == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load effective context")
	}

	var msgs []llm.Message
	if err := json.Unmarshal([]byte(row.EffectiveMessages), &msgs); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal effective messages")
	}
	ec := &EffectiveContext{
		SessionID:      row.ID,
		ConversationID: row.ConversationID,
		Messages:       msgs,
		TokenCount:     row.TokenCount,
		MessageCount:   row.MessageCount,
		LastAction:     row.LastAction,
		CreatedAt:      time.UnixMilli(row.CreatedAt),
		UpdatedAt:      time.UnixMilli(row.UpdatedAt),
	}
	if row.CompressionSummary != nil {
		ec.CompressionSummary = *row.CompressionSummary
	}
	if row.CompressedMessageIDs != nil {
		if err := json.Unmarshal([]byte(*row.CompressedMessageIDs), &ec.CompressedMessageIDs); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal compressed message ids")
		}
	}
	return ec, nil
}

// DeleteEffectiveContext removes the session's persisted context.
func (s *Store) DeleteEffectiveContext(ctx context.Context, sessionID string) error {
	_, err := s.cctx.ExecContext(ctx, `DELETE FROM context_sessions WHERE id = ?`, sessionID)
	if err != nil {
		return errors.Wrap(err, "failed to delete effective context")
	}
	return nil
}
