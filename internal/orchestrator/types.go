// Package orchestrator drives the end-to-end chat pipeline: ethics review,
// session resolution, context shaping, strategy execution through the node
// fleet, and durable history persistence.
package orchestrator

import (
	"context"

	"conductor/internal/llm"
)

// EventUserRequestRejected is published when the ethics reviewer denies a
// request.
const EventUserRequestRejected = "USER_REQUEST_REJECTED"

// ChatOptions parameterize one chat call.
type ChatOptions struct {
	ConversationID   string `json:"conversationId,omitempty"`
	SessionID        string `json:"sessionId,omitempty"`
	AgentID          string `json:"agentId,omitempty"`
	UserID           string `json:"userId,omitempty"`
	Stream           bool   `json:"stream,omitempty"`
	Model            string `json:"model,omitempty"`
	Provider         string `json:"provider,omitempty"`
	RequestID        string `json:"requestId,omitempty"`
	SelfThinking     bool   `json:"selfThinking,omitempty"`
	AceOrchestration bool   `json:"aceOrchestration,omitempty"`
}

// ChatResponse is the unary response object.
type ChatResponse struct {
	Content            string         `json:"content"`
	Iterations         int            `json:"iterations"`
	FinishReason       string         `json:"finishReason,omitempty"`
	Usage              *llm.Usage     `json:"usage,omitempty"`
	RawThinkingProcess []string       `json:"rawThinkingProcess,omitempty"`
	Thinking           string         `json:"thinking,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	BlockedByEthics    bool           `json:"blockedByEthics,omitempty"`
	EthicsReview       *EthicsReview  `json:"ethicsReview,omitempty"`
	EthicsLayer        string         `json:"ethicsLayer,omitempty"`
}

// EthicsReview is the reviewer's verdict.
type EthicsReview struct {
	Allowed     bool     `json:"allowed"`
	Reason      string   `json:"reason,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	Layer       string   `json:"layer,omitempty"`
}

// EthicsReviewer gates requests before any model work happens. It is an
// external collaborator; the runtime only consumes this interface.
type EthicsReviewer interface {
	Review(ctx context.Context, msgs []llm.Message) (EthicsReview, error)
}

// PassthroughReviewer allows everything; the default when no policy engine
// is wired.
type PassthroughReviewer struct{}

func (PassthroughReviewer) Review(context.Context, []llm.Message) (EthicsReview, error) {
	return EthicsReview{Allowed: true}, nil
}

// PlaybookMatch is an optional prompt augmentation from the playbook
// pipeline.
type PlaybookMatch struct {
	SystemAddendum string
	Variables      map[string]string
}

// PlaybookMatcher looks up a playbook for the request; ok reports whether
// one matched. External collaborator.
type PlaybookMatcher interface {
	Match(ctx context.Context, msgs []llm.Message) (PlaybookMatch, bool, error)
}

// NoopMatcher never matches.
type NoopMatcher struct{}

func (NoopMatcher) Match(context.Context, []llm.Message) (PlaybookMatch, bool, error) {
	return PlaybookMatch{}, false, nil
}

// StrategyResult is what a reasoning strategy produces.
type StrategyResult struct {
	Content      string
	Usage        *llm.Usage
	RawThinking  []string
	Iterations   int
	FinishReason string
}

// StrategyRequest is the strategy's input.
type StrategyRequest struct {
	Messages  []llm.Message
	Model     string
	RequestID string
	// NodeID routes the model call through the fleet proxy when set.
	NodeID string
}

// Strategy turns a shaped context into a completion. ReAct-style multi-step
// strategies implement the same contract.
type Strategy interface {
	Name() string
	Execute(ctx context.Context, req StrategyRequest) (StrategyResult, error)
	// ExecuteStream forwards deltas to h while the strategy runs.
	ExecuteStream(ctx context.Context, req StrategyRequest, h llm.StreamHandler) (StrategyResult, error)
}
