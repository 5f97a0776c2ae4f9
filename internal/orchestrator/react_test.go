package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"conductor/internal/llm"
)

func TestParseReAct(t *testing.T) {
	input := "Thought: thinking\nAction: code_eval\nAction Input: {\"foo\":1}\nObservation: done"
	th, act, in := parseReAct(input)
	require.Equal(t, "thinking", th)
	require.Equal(t, "code_eval", act)
	require.Equal(t, `{"foo":1}`, in)
}

func TestParseReActMultilineInput(t *testing.T) {
	input := "Action: search\nAction Input: ```json\n{\"q\":\n\"weather\"}\n```"
	_, act, in := parseReAct(input)
	require.Equal(t, "search", act)
	require.JSONEq(t, `{"q":"weather"}`, in)
}

func TestParseFinalAnswer(t *testing.T) {
	final, ok := parseFinalAnswer("Thought: done\nFinal Answer: 42")
	require.True(t, ok)
	require.Equal(t, "42", final)

	_, ok = parseFinalAnswer("Action: tool")
	require.False(t, ok)
}

// scriptedStrategy replays canned step replies.
type scriptedStrategy struct {
	replies []string
	calls   int
}

func (s *scriptedStrategy) Name() string { return "scripted" }

func (s *scriptedStrategy) Execute(context.Context, StrategyRequest) (StrategyResult, error) {
	reply := s.replies[s.calls]
	s.calls++
	return StrategyResult{Content: reply, Usage: &llm.Usage{TotalTokens: 3}, Iterations: 1}, nil
}

func (s *scriptedStrategy) ExecuteStream(ctx context.Context, req StrategyRequest, _ llm.StreamHandler) (StrategyResult, error) {
	return s.Execute(ctx, req)
}

func TestReActDirectFinalAnswer(t *testing.T) {
	inner := &scriptedStrategy{replies: []string{"Final Answer: it is 4"}}
	s := &ReActStrategy{Inner: inner}

	res, err := s.Execute(context.Background(), StrategyRequest{Messages: []llm.Message{{Role: "user", Content: "2+2"}}})
	require.NoError(t, err)
	require.Equal(t, "it is 4", res.Content)
	require.Equal(t, 1, res.Iterations)
}

func TestReActActionLoopWithoutFleet(t *testing.T) {
	inner := &scriptedStrategy{replies: []string{
		"Thought: need the tool\nAction: calc\nAction Input: {\"expr\":\"2+2\"}",
		"Final Answer: 4",
	}}
	s := &ReActStrategy{Inner: inner}

	res, err := s.Execute(context.Background(), StrategyRequest{Messages: []llm.Message{{Role: "user", Content: "2+2"}}})
	require.NoError(t, err)
	require.Equal(t, "4", res.Content)
	require.Equal(t, 2, res.Iterations)
	require.Equal(t, []string{"need the tool"}, res.RawThinking)
	require.Equal(t, 6, res.Usage.TotalTokens)
}

func TestReActMalformedStepReturnsContent(t *testing.T) {
	inner := &scriptedStrategy{replies: []string{"just a plain reply"}}
	s := &ReActStrategy{Inner: inner}

	res, err := s.Execute(context.Background(), StrategyRequest{Messages: []llm.Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	require.Equal(t, "just a plain reply", res.Content)
}

func TestReActStepBudgetExhausted(t *testing.T) {
	inner := &scriptedStrategy{replies: []string{
		"Action: loop\nAction Input: {}",
		"Action: loop\nAction Input: {}",
	}}
	s := &ReActStrategy{Inner: inner, MaxSteps: 2}

	_, err := s.Execute(context.Background(), StrategyRequest{Messages: []llm.Message{{Role: "user", Content: "hi"}}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no final answer")
}
