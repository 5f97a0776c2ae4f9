package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCleanAssistantContentRemovesToolErrors(t *testing.T) {
	in := "Answer is 4.\n<tool_output status=\"error\">boom\nstack</tool_output>\nDone."
	out := cleanAssistantContent(in)
	require.NotContains(t, out, "tool_output")
	require.Contains(t, out, "Answer is 4.")
	require.Contains(t, out, "Done.")
}

func TestCleanAssistantContentKeepsSuccessfulToolOutput(t *testing.T) {
	in := `<tool_output status="ok">42</tool_output> The result is 42.`
	require.Equal(t, in, cleanAssistantContent(in))
}

func TestCleanAssistantContentRemovesSystemFeedbackErrors(t *testing.T) {
	in := "line one\n[SYSTEM_FEEDBACK] tool invocation failed with error code 7\nline two"
	out := cleanAssistantContent(in)
	require.NotContains(t, out, "SYSTEM_FEEDBACK")
	require.Contains(t, out, "line one")
	require.Contains(t, out, "line two")
}

func TestCleanAssistantContentRemovesMCPAndStacks(t *testing.T) {
	in := "ok\nconnection reset: MCP error -32000 transient\n  at handler (server.js:10:5)\nend"
	out := cleanAssistantContent(in)
	require.NotContains(t, out, "MCP error")
	require.NotContains(t, out, "at handler")
	require.Contains(t, out, "ok")
	require.Contains(t, out, "end")
}

func TestThinkingRoundTrip(t *testing.T) {
	content := embedThinking("I should add the numbers", "The answer is 4.")
	thinking, rest := SplitThinking(content)
	require.Equal(t, "I should add the numbers", thinking)
	require.Equal(t, "The answer is 4.", rest)

	// Re-serializing is identity.
	require.Equal(t, content, embedThinking(thinking, rest))
}

func TestSplitThinkingWithoutBlock(t *testing.T) {
	thinking, rest := SplitThinking("plain answer")
	require.Empty(t, thinking)
	require.Equal(t, "plain answer", rest)
}

func TestEmbedThinkingEmpty(t *testing.T) {
	require.Equal(t, "answer", embedThinking("  ", "answer"))
}
