package orchestrator

import (
	"context"
	"fmt"

	"conductor/internal/fleet"
	"conductor/internal/llm"
)

// SingleRoundStrategy answers with one model call. When the request names a
// node the call goes through the fleet proxy (and its quota); otherwise it
// falls back to the direct client.
type SingleRoundStrategy struct {
	Fleet  *fleet.Manager
	Direct llm.Client
}

func (s *SingleRoundStrategy) Name() string { return "single_round" }

func (s *SingleRoundStrategy) Execute(ctx context.Context, req StrategyRequest) (StrategyResult, error) {
	if req.NodeID != "" {
		res := s.Fleet.HandleLLMRequest(ctx, fleet.LLMRequest{
			RequestID: req.RequestID,
			NodeID:    req.NodeID,
			Messages:  req.Messages,
			Model:     req.Model,
		})
		if !res.Success {
			return StrategyResult{}, fmt.Errorf("%s: %s", res.Error.Code, res.Error.Message)
		}
		return StrategyResult{Content: res.Content, Usage: res.Usage, Iterations: 1, FinishReason: "stop"}, nil
	}

	if s.Direct == nil {
		return StrategyResult{}, fmt.Errorf("%s: no node and no direct client", fleet.CodeLLMUnavailable)
	}
	content, usage, err := s.Direct.Chat(ctx, req.Messages, llm.ChatOptions{Model: req.Model})
	if err != nil {
		return StrategyResult{}, err
	}
	return StrategyResult{Content: content, Usage: usage, Iterations: 1, FinishReason: "stop"}, nil
}

func (s *SingleRoundStrategy) ExecuteStream(ctx context.Context, req StrategyRequest, h llm.StreamHandler) (StrategyResult, error) {
	if req.NodeID != "" {
		obs := &observerAdapter{h: h}
		res := s.Fleet.HandleLLMRequest(ctx, fleet.LLMRequest{
			RequestID:      req.RequestID,
			NodeID:         req.NodeID,
			Messages:       req.Messages,
			Model:          req.Model,
			Options:        llm.ChatOptions{Stream: true},
			StreamObserver: obs,
		})
		if !res.Success {
			return StrategyResult{}, fmt.Errorf("%s: %s", res.Error.Code, res.Error.Message)
		}
		return StrategyResult{Content: res.Content, Usage: res.Usage, Iterations: 1, FinishReason: "stop"}, nil
	}

	if s.Direct == nil {
		return StrategyResult{}, fmt.Errorf("%s: no node and no direct client", fleet.CodeLLMUnavailable)
	}

	var aggregated string
	err := s.Direct.ChatStream(ctx, req.Messages, llm.ChatOptions{Model: req.Model, Stream: true},
		llm.StreamHandlerFunc(func(delta string) {
			aggregated += delta
			if h != nil {
				h.OnDelta(delta)
			}
		}))
	if err != nil {
		return StrategyResult{}, err
	}
	tokens := llm.EstimateText(aggregated)
	return StrategyResult{
		Content:      aggregated,
		Usage:        &llm.Usage{CompletionTokens: tokens, TotalTokens: tokens},
		Iterations:   1,
		FinishReason: "stop",
	}, nil
}

// observerAdapter forwards proxy stream frames to a plain delta handler.
type observerAdapter struct {
	h llm.StreamHandler
}

func (o *observerAdapter) OnChunk(chunk fleet.StreamChunk) {
	if o.h != nil && chunk.Content != "" {
		o.h.OnDelta(chunk.Content)
	}
}

func (o *observerAdapter) OnError(error) {}
