package orchestrator

import (
	"regexp"
	"strings"
)

// Error-marker cleanup applied to assistant content before it is persisted.
// Transient failures the strategy already recovered from should not pollute
// the durable conversation record.
var (
	toolErrorRe = regexp.MustCompile(`(?s)<tool_output status="error">.*?</tool_output>`)
	feedbackRe  = regexp.MustCompile(`(?m)^\[SYSTEM_FEEDBACK\].*(?:error|failed|failure).*$`)
	mcpErrorRe  = regexp.MustCompile(`(?m)^.*MCP error -?\d+.*$`)
	stackRe     = regexp.MustCompile(`(?m)^\s+at .+\(.+:\d+:\d+\)$`)
	goStackRe   = regexp.MustCompile(`(?m)^goroutine \d+ \[[^\]]+\]:$`)
)

// cleanAssistantContent strips error markers and stack traces from content
// that is about to be saved.
func cleanAssistantContent(content string) string {
	content = toolErrorRe.ReplaceAllString(content, "")
	content = feedbackRe.ReplaceAllString(content, "")
	content = mcpErrorRe.ReplaceAllString(content, "")
	content = stackRe.ReplaceAllString(content, "")
	content = goStackRe.ReplaceAllString(content, "")

	// Collapse the blank runs the removals leave behind.
	for strings.Contains(content, "\n\n\n") {
		content = strings.ReplaceAll(content, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(content)
}

var thinkingRe = regexp.MustCompile(`(?s)^<thinking>(.*?)</thinking>\s*`)

// embedThinking wraps the reasoning trace ahead of the answer so both
// survive as a single assistant message.
func embedThinking(thinking, content string) string {
	if strings.TrimSpace(thinking) == "" {
		return content
	}
	return "<thinking>" + thinking + "</thinking>\n" + content
}

// SplitThinking separates an embedded reasoning trace from the answer.
// Content without a leading thinking block comes back unchanged.
func SplitThinking(content string) (thinking, rest string) {
	m := thinkingRe.FindStringSubmatch(content)
	if m == nil {
		return "", content
	}
	return m[1], content[len(m[0]):]
}
