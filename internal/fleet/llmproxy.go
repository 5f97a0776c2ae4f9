package fleet

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"conductor/internal/llm"
	"conductor/internal/quota"
)

// StreamChunk is one frame forwarded to the proxy caller.
type StreamChunk struct {
	RequestID string `json:"requestId"`
	Content   string `json:"content,omitempty"`
	Done      bool   `json:"done"`
}

// StreamObserver receives stream frames and terminal errors for a proxied
// streaming request.
type StreamObserver interface {
	OnChunk(chunk StreamChunk)
	OnError(err error)
}

// ProxyError is the stable error surface of the proxy.
type ProxyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ProxyResult is the outcome of a proxied LLM request.
type ProxyResult struct {
	Success bool        `json:"success"`
	Content string      `json:"content,omitempty"`
	Usage   *llm.Usage  `json:"usage,omitempty"`
	Error   *ProxyError `json:"error,omitempty"`
}

// LLMRequest is a node's proxied completion request.
type LLMRequest struct {
	RequestID      string
	NodeID         string
	Messages       []llm.Message
	Model          string
	Options        llm.ChatOptions
	StreamObserver StreamObserver
}

func quotaCodeToProxy(code string) string {
	switch code {
	case quota.CodeRequestsPerMinuteExceeded:
		return CodeRateLimitExceeded
	case quota.CodeTokenQuotaExceeded:
		return CodeQuotaExceeded
	case quota.CodeStreamConcurrencyExceeded:
		return CodeStreamLimitExceeded
	default:
		return CodeRateLimitExceeded
	}
}

func failure(code, message string) ProxyResult {
	return ProxyResult{Error: &ProxyError{Code: code, Message: message}}
}

// HandleLLMRequest proxies a node's completion request through admission
// control to the configured provider. Streaming requests register an abort
// handle in the request tracker; cancellation terminates the provider
// iterator, still publishes the terminal stream event, and still settles
// quota.
func (m *Manager) HandleLLMRequest(ctx context.Context, req LLMRequest) ProxyResult {
	if m.GetNode(req.NodeID) == nil {
		return failure(CodeNodeNotFound, "node not registered: "+req.NodeID)
	}
	if len(req.Messages) == 0 {
		return failure(CodeInvalidPayload, "messages required")
	}

	client := m.llmFor()
	if client == nil {
		return failure(CodeLLMUnavailable, "no llm client configured")
	}

	opts := req.Options
	if req.Model != "" {
		opts.Model = req.Model
	}
	isStream := opts.Stream

	decision := m.quota.ConsumeRequest(req.NodeID, quota.ConsumeOptions{Stream: isStream})
	if !decision.Allowed {
		m.publish(EventLLMProxyRateLimited, map[string]any{
			"requestId": req.RequestID, "nodeId": req.NodeID,
			"code": decision.Code, "message": decision.Message, "timestamp": time.Now(),
		})
		err := &ProxyError{Code: quotaCodeToProxy(decision.Code), Message: decision.Message}
		if req.StreamObserver != nil {
			req.StreamObserver.OnError(&proxyErrorErr{err})
		}
		return ProxyResult{Error: err}
	}

	m.publish(EventLLMProxyStarted, map[string]any{
		"requestId": req.RequestID, "nodeId": req.NodeID,
		"model": opts.Model, "stream": isStream, "timestamp": time.Now(),
	})

	if isStream {
		return m.proxyStream(ctx, client, req, opts)
	}
	return m.proxyUnary(ctx, client, req, opts)
}

type proxyErrorErr struct{ pe *ProxyError }

func (e *proxyErrorErr) Error() string { return e.pe.Code + ": " + e.pe.Message }

func (m *Manager) proxyUnary(ctx context.Context, client llm.Client, req LLMRequest, opts llm.ChatOptions) ProxyResult {
	content, usage, err := client.Chat(ctx, req.Messages, opts)

	used := 0
	if usage != nil {
		used = usage.TotalTokens
	}
	if used == 0 && err == nil {
		used = estimateCompletionTokens(content)
		usage = &llm.Usage{CompletionTokens: used, TotalTokens: used}
	}
	defer m.quota.CompleteRequest(req.NodeID, quota.CompleteOptions{Tokens: used})

	if err != nil {
		log.Error().Err(err).Str("requestId", req.RequestID).Str("nodeId", req.NodeID).Msg("llm proxy request failed")
		m.publish(EventLLMProxyCompleted, map[string]any{
			"requestId": req.RequestID, "nodeId": req.NodeID, "success": false,
			"code": CodeLLMRequestFailed, "message": err.Error(), "timestamp": time.Now(),
		})
		return failure(CodeLLMRequestFailed, err.Error())
	}

	m.publish(EventLLMProxyCompleted, map[string]any{
		"requestId": req.RequestID, "nodeId": req.NodeID, "success": true,
		"tokens": used, "timestamp": time.Now(),
	})
	return ProxyResult{Success: true, Content: content, Usage: usage}
}

func (m *Manager) proxyStream(ctx context.Context, client llm.Client, req LLMRequest, opts llm.ChatOptions) ProxyResult {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if m.tracker != nil {
		m.tracker.Register(req.RequestID, cancel, map[string]string{"nodeId": req.NodeID})
		defer m.tracker.Unregister(req.RequestID)
	}

	var (
		aggMu      sync.Mutex
		aggregated strings.Builder
	)
	handler := llm.StreamHandlerFunc(func(delta string) {
		aggMu.Lock()
		aggregated.WriteString(delta)
		aggMu.Unlock()

		chunk := StreamChunk{RequestID: req.RequestID, Content: delta}
		m.publish(EventLLMProxyStreamChunk, map[string]any{
			"requestId": req.RequestID, "nodeId": req.NodeID, "content": delta, "timestamp": time.Now(),
		})
		if req.StreamObserver != nil {
			req.StreamObserver.OnChunk(chunk)
		}
	})

	err := client.ChatStream(streamCtx, req.Messages, opts, handler)

	aggMu.Lock()
	content := aggregated.String()
	aggMu.Unlock()

	tokens := estimateCompletionTokens(content)
	defer m.quota.CompleteRequest(req.NodeID, quota.CompleteOptions{Stream: true, Tokens: tokens})

	now := time.Now()
	if err != nil {
		// Terminal stream event is published exactly once, also on failure
		// and cancellation.
		m.publish(EventLLMProxyStreamDone, map[string]any{
			"requestId": req.RequestID, "nodeId": req.NodeID, "success": false,
			"message": err.Error(), "timestamp": now,
		})
		m.publish(EventLLMProxyCompleted, map[string]any{
			"requestId": req.RequestID, "nodeId": req.NodeID, "success": false,
			"code": CodeLLMRequestFailed, "message": err.Error(), "timestamp": now,
		})
		if req.StreamObserver != nil {
			req.StreamObserver.OnError(err)
		}
		log.Error().Err(err).Str("requestId", req.RequestID).Msg("llm proxy stream failed")
		return failure(CodeLLMRequestFailed, err.Error())
	}

	if req.StreamObserver != nil {
		req.StreamObserver.OnChunk(StreamChunk{RequestID: req.RequestID, Done: true})
	}
	m.publish(EventLLMProxyStreamDone, map[string]any{
		"requestId": req.RequestID, "nodeId": req.NodeID, "success": true, "timestamp": now,
	})
	m.publish(EventLLMProxyCompleted, map[string]any{
		"requestId": req.RequestID, "nodeId": req.NodeID, "success": true,
		"tokens": tokens, "timestamp": now,
	})
	return ProxyResult{Success: true, Content: content, Usage: &llm.Usage{CompletionTokens: tokens, TotalTokens: tokens}}
}

// estimateCompletionTokens mirrors the provider-side heuristic for responses
// that carry no usage block.
func estimateCompletionTokens(content string) int {
	n := llm.EstimateText(content)
	if n < 1 {
		return 1
	}
	return n
}

// CancelRequest aborts an in-flight proxied stream by request id.
func (m *Manager) CancelRequest(requestID string) bool {
	if m.tracker == nil {
		return false
	}
	return m.tracker.Cancel(requestID)
}
