package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"conductor/internal/fleet"
	"conductor/internal/llm"
)

// ReActStrategy answers with a thought/action loop: the model proposes a
// tool action, the fleet executes it, and the observation feeds the next
// step until the model produces a final answer or the step budget runs out.
type ReActStrategy struct {
	Inner    Strategy // executes the individual model calls
	Fleet    *fleet.Manager
	MaxSteps int
}

const defaultMaxSteps = 8

const reactSystemPrompt = `You may solve the task in steps. On each step reply with either:

Thought: <your reasoning>
Action: <tool name>
Action Input: <JSON arguments>

or, when you can answer directly:

Final Answer: <the answer>`

func (s *ReActStrategy) Name() string { return "react" }

func (s *ReActStrategy) maxSteps() int {
	if s.MaxSteps > 0 {
		return s.MaxSteps
	}
	return defaultMaxSteps
}

func (s *ReActStrategy) Execute(ctx context.Context, req StrategyRequest) (StrategyResult, error) {
	return s.run(ctx, req, nil)
}

func (s *ReActStrategy) ExecuteStream(ctx context.Context, req StrategyRequest, h llm.StreamHandler) (StrategyResult, error) {
	// Intermediate steps are not streamed; only the final answer reaches
	// the caller as a single delta.
	res, err := s.run(ctx, req, nil)
	if err == nil && h != nil && res.Content != "" {
		h.OnDelta(res.Content)
	}
	return res, err
}

func (s *ReActStrategy) run(ctx context.Context, req StrategyRequest, _ llm.StreamHandler) (StrategyResult, error) {
	msgs := append([]llm.Message{{Role: "system", Content: reactSystemPrompt}}, req.Messages...)

	var thoughts []string
	total := llm.Usage{}

	for step := 1; step <= s.maxSteps(); step++ {
		stepReq := req
		stepReq.Messages = msgs
		stepReq.RequestID = fmt.Sprintf("%s-step%d", req.RequestID, step)

		res, err := s.Inner.Execute(ctx, stepReq)
		if err != nil {
			return StrategyResult{}, err
		}
		if res.Usage != nil {
			total.PromptTokens += res.Usage.PromptTokens
			total.CompletionTokens += res.Usage.CompletionTokens
			total.TotalTokens += res.Usage.TotalTokens
		}

		if final, ok := parseFinalAnswer(res.Content); ok {
			return StrategyResult{
				Content:      final,
				Usage:        &total,
				RawThinking:  thoughts,
				Iterations:   step,
				FinishReason: "stop",
			}, nil
		}

		thought, action, input := parseReAct(res.Content)
		if thought != "" {
			thoughts = append(thoughts, thought)
		}
		if action == "" {
			// No action and no final answer: treat the whole reply as the
			// answer rather than looping on a malformed step.
			return StrategyResult{
				Content:      res.Content,
				Usage:        &total,
				RawThinking:  thoughts,
				Iterations:   step,
				FinishReason: "stop",
			}, nil
		}

		observation := s.executeAction(ctx, action, input)
		msgs = append(msgs,
			llm.Message{Role: "assistant", Content: res.Content},
			llm.Message{Role: "user", Content: "Observation: " + observation},
		)
	}

	return StrategyResult{}, fmt.Errorf("no final answer after %d steps", s.maxSteps())
}

// executeAction dispatches the tool through the fleet and renders the
// result as an observation line. Failures become observations too; the
// model decides how to proceed.
func (s *ReActStrategy) executeAction(ctx context.Context, action, input string) string {
	var args map[string]any
	if input != "" {
		if err := json.Unmarshal([]byte(input), &args); err != nil {
			args = map[string]any{"input": input}
		}
	}

	if s.Fleet == nil {
		return "error: no fleet available to execute " + action
	}
	result, err := s.Fleet.AssignTask(ctx, fleet.Task{ToolName: action, ToolArgs: args})
	if err != nil {
		log.Warn().Err(err).Str("tool", action).Msg("react action failed")
		return "error: " + err.Error()
	}
	blob, err := json.Marshal(result)
	if err != nil {
		return "error: unrenderable tool result"
	}
	return string(blob)
}

func parseFinalAnswer(s string) (string, bool) {
	for _, ln := range strings.Split(s, "\n") {
		l := strings.TrimSpace(ln)
		if strings.HasPrefix(strings.ToLower(l), "final answer:") {
			idx := strings.Index(strings.ToLower(s), "final answer:")
			return strings.TrimSpace(s[idx+len("final answer:"):]), true
		}
	}
	return "", false
}

// parseReAct extracts the thought, action, and action input sections from a
// step reply. Action input may span lines until the next section header.
func parseReAct(s string) (thought, action, input string) {
	var grab bool
	var buf []string
	for _, ln := range strings.Split(s, "\n") {
		l := strings.TrimSpace(ln)

		switch {
		case strings.HasPrefix(strings.ToLower(l), "thought:"):
			thought = strings.TrimSpace(l[len("thought:"):])
			grab = false
		case strings.HasPrefix(strings.ToLower(l), "action:"):
			action = strings.TrimSpace(l[len("action:"):])
			grab = false
		case strings.HasPrefix(strings.ToLower(l), "action input:"):
			grab = true
			line := strings.TrimSpace(l[len("action input:"):])
			if line != "" {
				buf = append(buf, line)
			}
		default:
			if grab {
				low := strings.ToLower(l)
				if strings.HasPrefix(low, "thought:") ||
					strings.HasPrefix(low, "action:") ||
					strings.HasPrefix(low, "observation:") {
					grab = false
					continue
				}
				buf = append(buf, l)
			}
		}
	}
	input = strings.Join(buf, "\n")

	// strip ```json fences if present
	if strings.HasPrefix(input, "```") {
		input = strings.Trim(input, "` \n")
		if strings.HasPrefix(strings.ToLower(input), "json") {
			input = strings.TrimSpace(input[4:])
		}
	}
	return thought, action, input
}
