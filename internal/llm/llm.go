// Package llm defines the chat message model shared by the runtime and the
// provider clients, plus the deterministic token estimator every budget
// decision uses.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// Part is one element of a structured message content sequence.
type Part struct {
	// Type is "text" or "image".
	Type string `json:"type"`
	// Text holds the text for text parts.
	Text string `json:"text,omitempty"`
	// ImageRef holds the image reference (URL or attachment id) for image
	// parts. The bytes themselves never travel through the runtime.
	ImageRef string `json:"image_ref,omitempty"`
}

// Message is one conversation turn. Content and Parts are alternatives:
// when Parts is non-empty it is the authoritative content and Content is
// ignored. Messages are immutable once stored; edits are new messages.
type Message struct {
	Role    string `json:"role"` // "system" | "user" | "assistant"
	Content string `json:"content,omitempty"`
	Parts   []Part `json:"parts,omitempty"`
	// Name marks special assistant messages; "summary" tags a message that
	// condenses prior turns.
	Name string `json:"name,omitempty"`
}

// Flatten serializes the message content to a single string. Image parts are
// inlined as <img>REF</img> so the reference survives plain-text storage.
func (m Message) Flatten() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var sb strings.Builder
	for i, p := range m.Parts {
		if i > 0 {
			sb.WriteString("\n")
		}
		switch p.Type {
		case "image":
			fmt.Fprintf(&sb, "<img>%s</img>", p.ImageRef)
		default:
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// Usage carries token accounting for a completed request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatOptions are the effective per-request options the proxy builds.
type ChatOptions struct {
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	Stream      bool    `json:"stream,omitempty"`
}

// StreamHandler receives content deltas on the caller's goroutine as they
// arrive from the provider.
type StreamHandler interface {
	OnDelta(content string)
}

// StreamHandlerFunc adapts a function to StreamHandler.
type StreamHandlerFunc func(content string)

func (f StreamHandlerFunc) OnDelta(content string) { f(content) }

// Client is the provider abstraction the fleet proxy and the context
// compactor consume. Cancellation of ctx aborts an in-flight stream cleanly.
type Client interface {
	Chat(ctx context.Context, msgs []Message, opts ChatOptions) (string, *Usage, error)
	ChatStream(ctx context.Context, msgs []Message, opts ChatOptions, h StreamHandler) error
}
