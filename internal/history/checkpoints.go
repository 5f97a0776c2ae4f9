package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"conductor/internal/llm"
)

// CreateCheckpoint snapshots the messages and returns the new checkpoint id.
// A nil expiresAt means the checkpoint never expires.
func (s *Store) CreateCheckpoint(ctx context.Context, conversationID string, msgs []llm.Message, tokenCount int, reason string, expiresAt *time.Time) (string, error) {
	if conversationID == "" {
		return "", errors.New("conversation id required")
	}
	blob, err := json.Marshal(msgs)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal checkpoint messages")
	}

	id := uuid.NewString()
	var expires any
	if expiresAt != nil {
		expires = expiresAt.UnixMilli()
	}
	_, err = s.cctx.ExecContext(ctx,
		`INSERT INTO context_checkpoints (id, conversation_id, messages, token_count, message_count, reason, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, conversationID, string(blob), tokenCount, len(msgs), reason, nowMillis(), expires,
	)
	if err != nil {
		return "", errors.Wrap(err, "failed to create checkpoint")
	}
	return id, nil
}

type checkpointRow struct {
	ID             string `db:"id"`
	ConversationID string `db:"conversation_id"`
	Messages       string `db:"messages"`
	TokenCount     int    `db:"token_count"`
	MessageCount   int    `db:"message_count"`
	Reason         string `db:"reason"`
	CreatedAt      int64  `db:"created_at"`
	ExpiresAt      *int64 `db:"expires_at"`
}

func (r checkpointRow) toCheckpoint() (Checkpoint, error) {
	var msgs []llm.Message
	if err := json.Unmarshal([]byte(r.Messages), &msgs); err != nil {
		return Checkpoint{}, errors.Wrap(err, "failed to unmarshal checkpoint messages")
	}
	cp := Checkpoint{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Messages:       msgs,
		TokenCount:     r.TokenCount,
		MessageCount:   r.MessageCount,
		Reason:         r.Reason,
		CreatedAt:      time.UnixMilli(r.CreatedAt),
	}
	if r.ExpiresAt != nil {
		t := time.UnixMilli(*r.ExpiresAt)
		cp.ExpiresAt = &t
	}
	return cp, nil
}

// ListCheckpoints returns the conversation's checkpoints, newest first.
func (s *Store) ListCheckpoints(ctx context.Context, conversationID string) ([]Checkpoint, error) {
	var rows []checkpointRow
	err := s.cctx.SelectContext(ctx, &rows,
		`SELECT id, conversation_id, messages, token_count, message_count, reason, created_at, expires_at
		 FROM context_checkpoints
		 WHERE conversation_id = ?
		 ORDER BY created_at DESC, id DESC`, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list checkpoints")
	}
	out := make([]Checkpoint, 0, len(rows))
	for _, r := range rows {
		cp, err := r.toCheckpoint()
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// GetCheckpoint loads one checkpoint; nil when it does not exist.
func (s *Store) GetCheckpoint(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	var row checkpointRow
	err := s.cctx.GetContext(ctx, &row,
		`SELECT id, conversation_id, messages, token_count, message_count, reason, created_at, expires_at
		 FROM context_checkpoints WHERE id = ?`, checkpointID)
	if errors.Cause(err) == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load checkpoint")
	}
	cp, err := row.toCheckpoint()
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// PruneCheckpoints keeps the newest max checkpoints for the conversation and
// deletes the rest, oldest first. Returns how many were removed.
func (s *Store) PruneCheckpoints(ctx context.Context, conversationID string, max int) (int64, error) {
	if max <= 0 {
		return 0, nil
	}
	res, err := s.cctx.ExecContext(ctx,
		`DELETE FROM context_checkpoints
		 WHERE conversation_id = ?
		   AND id NOT IN (
			SELECT id FROM context_checkpoints
			WHERE conversation_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?)`,
		conversationID, conversationID, max)
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune checkpoints")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ExpireCheckpoints deletes checkpoints whose expires_at is before now and
// returns the count.
func (s *Store) ExpireCheckpoints(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.cctx.ExecContext(ctx,
		`DELETE FROM context_checkpoints WHERE expires_at IS NOT NULL AND expires_at < ?`, now.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "failed to expire checkpoints")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
