package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"conductor/internal/contextmgr"
	"conductor/internal/events"
	"conductor/internal/fleet"
	"conductor/internal/history"
	"conductor/internal/llm"
	"conductor/internal/sessions"
)

// defaultHistoryWindow bounds how much full history one request loads.
const defaultHistoryWindow = 200

const saveAttempts = 3

// Options carries the orchestrator's collaborators. Ethics, Playbooks, and
// Strategy fall back to safe defaults when nil.
type Options struct {
	Ethics    EthicsReviewer
	Playbooks PlaybookMatcher
	Strategy  Strategy
	// ReactStrategy, when set, serves requests that ask for multi-step
	// orchestration.
	ReactStrategy Strategy
	Sessions      *sessions.Registry
	History       *history.Store
	Contexts      *contextmgr.Manager
	Fleet         *fleet.Manager
	Bus           *events.Bus
	// HistoryWindow overrides how many history entries are loaded per turn.
	HistoryWindow int
}

// Orchestrator owns the chat pipeline. It is the composition root's only
// entry point for conversational requests.
type Orchestrator struct {
	ethics        EthicsReviewer
	playbooks     PlaybookMatcher
	strategy      Strategy
	react         Strategy
	sessions      *sessions.Registry
	history       *history.Store
	contexts      *contextmgr.Manager
	fleet         *fleet.Manager
	bus           *events.Bus
	historyWindow int
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		ethics:        opts.Ethics,
		playbooks:     opts.Playbooks,
		strategy:      opts.Strategy,
		react:         opts.ReactStrategy,
		sessions:      opts.Sessions,
		history:       opts.History,
		contexts:      opts.Contexts,
		fleet:         opts.Fleet,
		bus:           opts.Bus,
		historyWindow: opts.HistoryWindow,
	}
	if o.ethics == nil {
		o.ethics = PassthroughReviewer{}
	}
	if o.playbooks == nil {
		o.playbooks = NoopMatcher{}
	}
	if o.strategy == nil {
		o.strategy = &SingleRoundStrategy{Fleet: o.fleet}
	}
	if o.historyWindow <= 0 {
		o.historyWindow = defaultHistoryWindow
	}
	return o
}

func (o *Orchestrator) publish(name string, payload map[string]any) {
	if o.bus != nil {
		o.bus.Publish(name, payload)
	}
}

// Chat runs the unary pipeline.
func (o *Orchestrator) Chat(ctx context.Context, msgs []llm.Message, opts ChatOptions) (ChatResponse, error) {
	return o.run(ctx, msgs, opts, nil)
}

// ChatStream runs the pipeline forwarding deltas to h as they arrive. The
// aggregated assistant message is saved exactly as in the unary path; an
// abort short-circuits the save.
func (o *Orchestrator) ChatStream(ctx context.Context, msgs []llm.Message, opts ChatOptions, h llm.StreamHandler) (ChatResponse, error) {
	opts.Stream = true
	return o.run(ctx, msgs, opts, h)
}

func (o *Orchestrator) run(ctx context.Context, msgs []llm.Message, opts ChatOptions, h llm.StreamHandler) (ChatResponse, error) {
	requestID := opts.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	review, err := o.ethics.Review(ctx, msgs)
	if err != nil {
		// A broken reviewer must not take chat down; log and continue open.
		log.Error().Err(err).Str("requestId", requestID).Msg("ethics review failed, allowing request")
		review = EthicsReview{Allowed: true}
	}
	if !review.Allowed {
		o.publish(EventUserRequestRejected, map[string]any{
			"requestId": requestID, "reason": review.Reason, "timestamp": time.Now(),
		})
		log.Warn().Str("requestId", requestID).Str("reason", review.Reason).Msg("request rejected by ethics review")
		return ChatResponse{
			Content:         review.Reason,
			BlockedByEthics: true,
			EthicsReview:    &review,
			EthicsLayer:     review.Layer,
		}, nil
	}

	var sessionID string
	if opts.ConversationID != "" {
		sessionID = o.sessions.GetOrCreate(opts.AgentID, opts.UserID, opts.ConversationID)
	}

	modelInput, historyWasEmpty := o.buildModelInput(ctx, sessionID, opts.ConversationID, msgs)

	if match, ok, err := o.playbooks.Match(ctx, msgs); err != nil {
		log.Warn().Err(err).Str("requestId", requestID).Msg("playbook match failed")
	} else if ok && match.SystemAddendum != "" {
		modelInput = append([]llm.Message{{Role: "system", Content: interpolate(match.SystemAddendum, match.Variables)}}, modelInput...)
	}

	req := StrategyRequest{
		Messages:  modelInput,
		Model:     opts.Model,
		RequestID: requestID,
		NodeID:    o.pickNode(),
	}

	strategy := o.strategy
	if (opts.AceOrchestration || opts.SelfThinking) && o.react != nil {
		strategy = o.react
	}

	var result StrategyResult
	if opts.Stream {
		result, err = strategy.ExecuteStream(ctx, req, h)
	} else {
		result, err = strategy.Execute(ctx, req)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			// Aborted mid-stream: nothing is saved.
			log.Info().Str("requestId", requestID).Msg("chat aborted")
			return ChatResponse{}, err
		}
		return ChatResponse{}, err
	}

	thinking := strings.Join(result.RawThinking, "\n\n")
	if opts.ConversationID != "" {
		o.saveTurn(opts.ConversationID, msgs, result.Content, thinking, historyWasEmpty)
	}

	if sessionID != "" && result.Usage != nil {
		o.sessions.UpdateMetadata(sessionID, *result.Usage)
	}

	return ChatResponse{
		Content:            result.Content,
		Iterations:         result.Iterations,
		FinishReason:       result.FinishReason,
		Usage:              result.Usage,
		RawThinkingProcess: result.RawThinking,
		Thinking:           thinking,
		Metadata:           map[string]any{"requestId": requestID, "sessionId": sessionID},
	}, nil
}

// buildModelInput combines the shaped conversation history with the new
// request messages. It reports whether the conversation had no history yet.
func (o *Orchestrator) buildModelInput(ctx context.Context, sessionID, conversationID string, msgs []llm.Message) ([]llm.Message, bool) {
	if conversationID == "" || o.history == nil {
		return msgs, true
	}

	entries, err := o.history.Read(ctx, conversationID, o.historyWindow, 0)
	if err != nil {
		log.Error().Err(err).Str("conversationId", conversationID).Msg("history read failed, using request messages only")
		return msgs, true
	}
	if len(entries) == 0 {
		return msgs, true
	}

	histMsgs := make([]llm.Message, 0, len(entries))
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		histMsgs = append(histMsgs, e.Message())
		ids = append(ids, e.ID)
	}

	base := histMsgs
	if o.contexts != nil {
		res, err := o.contexts.Manage(ctx, sessionID, histMsgs, contextmgr.ManageOptions{
			ConversationID: conversationID,
			EntryIDs:       ids,
			Reason:         "chat turn",
		})
		if err != nil {
			log.Warn().Err(err).Str("sessionId", sessionID).Msg("context manage failed, using raw history")
		} else if res.Managed {
			base = res.EffectiveMessages
		}
	}

	return append(append([]llm.Message{}, base...), msgs...), false
}

// pickNode chooses a fleet node to execute through. Chat-capable nodes that
// are online or busy win; any online node is second choice; "" means direct
// execution.
func (o *Orchestrator) pickNode() string {
	if o.fleet == nil {
		return ""
	}
	var fallback string
	for _, node := range o.fleet.ListNodes() {
		if node.Status != fleet.StatusOnline && node.Status != fleet.StatusBusy {
			continue
		}
		for _, c := range node.Capabilities {
			if c == "chat" {
				return node.ID
			}
		}
		if fallback == "" && node.Status == fleet.StatusOnline {
			fallback = node.ID
		}
	}
	return fallback
}

// saveTurn persists the user and assistant messages with bounded retries.
// Persistent failure is logged; the user-visible response already succeeded.
func (o *Orchestrator) saveTurn(conversationID string, msgs []llm.Message, content, thinking string, firstTurn bool) {
	if o.history == nil {
		return
	}

	var toSave []llm.Message
	if firstTurn {
		for _, m := range msgs {
			if m.Role != "assistant" && m.Role != "system" {
				toSave = append(toSave, m)
			}
		}
	} else {
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role == "user" {
				toSave = append(toSave, msgs[i])
				break
			}
		}
	}

	assistant := llm.Message{
		Role:    "assistant",
		Content: embedThinking(thinking, cleanAssistantContent(content)),
	}
	toSave = append(toSave, assistant)

	err := retry.Do(
		func() error {
			saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return o.history.Append(saveCtx, conversationID, toSave)
		},
		retry.Attempts(saveAttempts),
		retry.Delay(100*time.Millisecond),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.MaxJitter(50*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		log.Error().Err(err).Str("conversationId", conversationID).Msg("history save failed after retries")
	}
}

// interpolate substitutes ${name} placeholders from the variable map.
func interpolate(s string, vars map[string]string) string {
	for k, v := range vars {
		s = strings.ReplaceAll(s, "${"+k+"}", v)
	}
	return s
}
