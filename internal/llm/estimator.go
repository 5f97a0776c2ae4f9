package llm

import "unicode/utf8"

// messageOverheadTokens approximates the per-message formatting cost (role,
// separators) providers add on top of the content itself.
const messageOverheadTokens = 4

// EstimateText returns the heuristic token count for a string: one token per
// four characters, rounded up. Empty input is zero.
func EstimateText(s string) int {
	if s == "" {
		return 0
	}
	n := utf8.RuneCountInString(s)
	return (n + 3) / 4
}

// EstimateMessage sums the estimates of every content part (image parts are
// estimated over the reference string) plus the fixed per-message overhead.
func EstimateMessage(m Message) int {
	total := messageOverheadTokens
	if len(m.Parts) == 0 {
		return total + EstimateText(m.Content)
	}
	for _, p := range m.Parts {
		if p.Type == "image" {
			total += EstimateText(p.ImageRef)
		} else {
			total += EstimateText(p.Text)
		}
	}
	return total
}

// EstimateMessages sums the estimates over the slice. The optional system
// prompt contributes its own text estimate.
func EstimateMessages(msgs []Message, systemPrompt ...string) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessage(m)
	}
	for _, sp := range systemPrompt {
		total += EstimateText(sp)
	}
	return total
}

// FitRecent walks the messages from newest to oldest and keeps each message
// whose estimate still fits the running budget. The returned slice preserves
// the original order; omitted holds the positional indices of the messages
// that did not fit.
func FitRecent(msgs []Message, budget int) (kept []Message, omitted []int) {
	if len(msgs) == 0 {
		return nil, nil
	}
	include := make([]bool, len(msgs))
	total := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		est := EstimateMessage(msgs[i])
		if total+est <= budget {
			include[i] = true
			total += est
		}
	}
	kept = make([]Message, 0, len(msgs))
	for i, m := range msgs {
		if include[i] {
			kept = append(kept, m)
		} else {
			omitted = append(omitted, i)
		}
	}
	return kept, omitted
}
