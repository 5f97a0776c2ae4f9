// Package contextmgr maintains the bounded effective context each session
// sends to the model. It shapes the full history with one of four
// strategies (truncate, prune, compact, hybrid), persists the result, and
// offers checkpoint rollback.
package contextmgr

import (
	"time"

	"conductor/internal/llm"
)

// Strategy names.
const (
	StrategyTruncate = "truncate"
	StrategyPrune    = "prune"
	StrategyCompact  = "compact"
	StrategyHybrid   = "hybrid"
)

// Action types additionally include "none" (nothing done) and "restore"
// (checkpoint rollback).
const (
	ActionNone     = "none"
	ActionTruncate = "truncate"
	ActionPrune    = "prune"
	ActionCompact  = "compact"
	ActionRestore  = "restore"
)

// summaryMarker prefixes LLM and stub summaries so a summary message is
// recognizable in the shaped context.
const summaryMarker = "[conversation summary] "

// Action describes what a manage call did to the message list.
type Action struct {
	ID                 string    `json:"id"`
	Type               string    `json:"type"`
	AffectedMessageIDs []int     `json:"affectedMessageIds,omitempty"` // 1-based positions in the input
	Summary            string    `json:"summary,omitempty"`
	TokensBefore       int       `json:"tokensBefore"`
	TokensAfter        int       `json:"tokensAfter"`
	Timestamp          time.Time `json:"timestamp"`
	Reason             string    `json:"reason,omitempty"`
}

// Result is the outcome of a manage call.
type Result struct {
	Managed           bool          `json:"managed"`
	Action            Action        `json:"action"`
	EffectiveMessages []llm.Message `json:"effectiveMessages"`
	TokenCount        int           `json:"tokenCount"`
	MessageCount      int           `json:"messageCount"`
}

// ManageOptions tune a single manage call.
type ManageOptions struct {
	// Force applies the strategy even when the thresholds are not hit.
	Force bool
	// Strategy overrides the configured strategy for this call.
	Strategy string
	// Reason is recorded on the resulting action.
	Reason string
	// EntryIDs optionally aligns the input messages with their full-history
	// row ids so affected messages can be marked and referenced.
	EntryIDs []int64
	// ConversationID ties persistence and marks to a conversation. Empty
	// means the session id doubles as the conversation id.
	ConversationID string
}
