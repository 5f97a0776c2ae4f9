package contextmgr

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"conductor/internal/llm"
)

// applyStrategy runs the named strategy over the messages and returns the
// action taken plus the shaped list. Unknown names fall back to truncate.
func (m *Manager) applyStrategy(ctx context.Context, strategy string, msgs []llm.Message, reason string) (Action, []llm.Message) {
	switch strategy {
	case StrategyPrune:
		return m.prune(msgs, reason)
	case StrategyCompact:
		return m.compact(ctx, msgs, reason)
	case StrategyHybrid:
		return m.hybrid(ctx, msgs, reason)
	default:
		return m.truncate(msgs, reason)
	}
}

// truncate keeps the newest maxMessages messages.
func (m *Manager) truncate(msgs []llm.Message, reason string) (Action, []llm.Message) {
	keep := m.cfg.MaxMessages
	if keep > len(msgs) {
		keep = len(msgs)
	}
	removed := len(msgs) - keep

	action := m.newAction(ActionTruncate, msgs, reason)
	for i := 1; i <= removed; i++ {
		action.AffectedMessageIDs = append(action.AffectedMessageIDs, i)
	}
	managed := append([]llm.Message(nil), msgs[removed:]...)
	return action, managed
}

// prune keeps every system message, the first message, and the last five
// non-system messages, in original order.
func (m *Manager) prune(msgs []llm.Message, reason string) (Action, []llm.Message) {
	const recentKeep = 5

	keep := make([]bool, len(msgs))
	for i, msg := range msgs {
		if msg.Role == "system" || i == 0 {
			keep[i] = true
		}
	}
	kept := 0
	for i := len(msgs) - 1; i >= 0 && kept < recentKeep; i-- {
		if msgs[i].Role != "system" {
			keep[i] = true
			kept++
		}
	}

	action := m.newAction(ActionPrune, msgs, reason)
	managed := make([]llm.Message, 0, len(msgs))
	for i, msg := range msgs {
		if keep[i] {
			managed = append(managed, msg)
		} else {
			action.AffectedMessageIDs = append(action.AffectedMessageIDs, i+1)
		}
	}
	return action, managed
}

// compact replaces older turns with an LLM-generated summary; when the model
// is unavailable or fails, it falls back to keeping the last ten non-system
// messages plus a locally built summary stub of the older ones.
func (m *Manager) compact(ctx context.Context, msgs []llm.Message, reason string) (Action, []llm.Message) {
	action := m.newAction(ActionCompact, msgs, reason)

	var systems, rest []llm.Message
	restIdx := make([]int, 0, len(msgs))
	for i, msg := range msgs {
		if msg.Role == "system" {
			systems = append(systems, msg)
		} else {
			rest = append(rest, msg)
			restIdx = append(restIdx, i)
		}
	}

	summary, err := m.summarize(ctx, rest)
	if err != nil {
		log.Warn().Err(err).Msg("compaction summary failed, using local stub")
		return m.compactFallback(action, systems, rest, restIdx)
	}

	recentBudget := (m.cfg.MaxTokens * 7) / 10
	recent, omitted := llm.FitRecent(rest, recentBudget)
	for _, i := range omitted {
		action.AffectedMessageIDs = append(action.AffectedMessageIDs, restIdx[i]+1)
	}

	summaryMsg := llm.Message{
		Role:    "assistant",
		Name:    "summary",
		Content: summaryMarker + summary,
	}
	managed := make([]llm.Message, 0, len(systems)+len(recent)+1)
	managed = append(managed, systems...)
	managed = append(managed, recent...)
	managed = append(managed, summaryMsg)

	action.Summary = summaryMsg.Content
	return action, managed
}

// compactFallback keeps system messages plus the last ten non-system
// messages and appends a locally generated summary stub.
func (m *Manager) compactFallback(action Action, systems, rest []llm.Message, restIdx []int) (Action, []llm.Message) {
	const fallbackKeep = 10

	keepFrom := len(rest) - fallbackKeep
	if keepFrom < 0 {
		keepFrom = 0
	}
	for i := 0; i < keepFrom; i++ {
		action.AffectedMessageIDs = append(action.AffectedMessageIDs, restIdx[i]+1)
	}

	users, assistants := 0, 0
	for _, msg := range rest[:keepFrom] {
		switch msg.Role {
		case "user":
			users++
		case "assistant":
			assistants++
		}
	}
	stub := llm.Message{
		Role:    "assistant",
		Name:    "summary",
		Content: summaryMarker + fmt.Sprintf("%d user / %d assistant messages condensed; topics: %s", users, assistants, topicsOf(rest[:keepFrom])),
	}

	managed := make([]llm.Message, 0, len(systems)+fallbackKeep+1)
	managed = append(managed, systems...)
	managed = append(managed, rest[keepFrom:]...)
	managed = append(managed, stub)
	action.Summary = stub.Content
	return action, managed
}

// topicsOf extracts a short comma list of leading words from the user turns.
func topicsOf(msgs []llm.Message) string {
	var topics []string
	for _, m := range msgs {
		if m.Role != "user" {
			continue
		}
		words := strings.Fields(m.Flatten())
		n := len(words)
		if n > 4 {
			n = 4
		}
		if n == 0 {
			continue
		}
		topics = append(topics, strings.Join(words[:n], " "))
		if len(topics) == 3 {
			break
		}
	}
	if len(topics) == 0 {
		return "general conversation"
	}
	return strings.Join(topics, ", ")
}

// summarize asks the compaction model for a summary of the given turns,
// bounded by the configured timeout.
func (m *Manager) summarize(ctx context.Context, msgs []llm.Message) (string, error) {
	if m.compactor == nil {
		return "", fmt.Errorf("no compaction model configured")
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.CompressionTimeout)
	defer cancel()

	var sb strings.Builder
	for _, msg := range msgs {
		fmt.Fprintf(&sb, "%s: %s\n", msg.Role, msg.Flatten())
	}
	prompt := []llm.Message{
		{Role: "system", Content: "Summarize the following conversation. Preserve decisions, open questions, and stated facts. Be concise."},
		{Role: "user", Content: sb.String()},
	}

	content, _, err := m.compactor.Chat(ctx, prompt, llm.ChatOptions{Model: m.compressionModel})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("empty summary from compaction model")
	}
	return content, nil
}

// hybrid picks a strategy by utilization of the token budget.
func (m *Manager) hybrid(ctx context.Context, msgs []llm.Message, reason string) (Action, []llm.Message) {
	u := float64(llm.EstimateMessages(msgs)) / float64(m.cfg.MaxTokens)
	switch {
	case u > 0.9:
		return m.compact(ctx, msgs, reason)
	case u > 0.7:
		return m.prune(msgs, reason)
	default:
		return m.truncate(msgs, reason)
	}
}
