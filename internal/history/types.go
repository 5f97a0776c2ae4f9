// Package history implements the durable conversation stores: the
// append-only full history log, checkpoint snapshots, message marks, and the
// persisted effective context. Two SQLite databases back it, one for the raw
// conversation log and one for context management state.
package history

import (
	"time"

	"conductor/internal/llm"
)

// Entry is one persisted history row. Entries are never mutated; deletion
// happens at conversation archival, at rollback, and through age-based
// cleanup (DeleteOlderThan).
type Entry struct {
	ID             int64   `db:"id" json:"id"`
	ConversationID string  `db:"conversation_id" json:"conversationId"`
	Role           string  `db:"role" json:"role"`
	Content        string  `db:"content" json:"content"`
	CreatedAt      int64   `db:"created_at" json:"createdAt"` // unix milliseconds
	Metadata       *string `db:"metadata" json:"metadata,omitempty"`
}

// Message converts the stored row back into the runtime message model.
func (e Entry) Message() llm.Message {
	return llm.Message{Role: e.Role, Content: e.Content}
}

// Checkpoint is an immutable snapshot of a conversation's messages.
type Checkpoint struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	Messages       []llm.Message `json:"messages"`
	TokenCount     int           `json:"tokenCount"`
	MessageCount   int           `json:"messageCount"`
	Reason         string        `json:"reason"`
	CreatedAt      time.Time     `json:"createdAt"`
	ExpiresAt      *time.Time    `json:"expiresAt,omitempty"`
}

// MarkKind enumerates the advisory annotations a message can carry.
type MarkKind string

const (
	MarkCompressed MarkKind = "compressed"
	MarkTruncated  MarkKind = "truncated"
	MarkPruned     MarkKind = "pruned"
	MarkImportant  MarkKind = "important"
	MarkPinned     MarkKind = "pinned"
)

// Mark is an advisory annotation on a full-history entry.
type Mark struct {
	ID             int64    `db:"id" json:"id"`
	MessageID      int64    `db:"message_id" json:"messageId"`
	ConversationID string   `db:"conversation_id" json:"conversationId"`
	Kind           MarkKind `db:"mark_type" json:"kind"`
	ActionID       *string  `db:"action_id" json:"actionId,omitempty"`
	CreatedAt      int64    `db:"created_at" json:"createdAt"`
	Metadata       *string  `db:"metadata" json:"metadata,omitempty"`
}

// EffectiveContext is the persisted shaped message list for a session.
type EffectiveContext struct {
	SessionID            string        `json:"sessionId"`
	ConversationID       string        `json:"conversationId"`
	Messages             []llm.Message `json:"messages"`
	TokenCount           int           `json:"tokenCount"`
	MessageCount         int           `json:"messageCount"`
	CompressionSummary   string        `json:"compressionSummary,omitempty"`
	CompressedMessageIDs []int64       `json:"compressedMessageIds,omitempty"`
	LastAction           *string       `json:"lastAction,omitempty"` // JSON-encoded action
	CreatedAt            time.Time     `json:"createdAt"`
	UpdatedAt            time.Time     `json:"updatedAt"`
}
