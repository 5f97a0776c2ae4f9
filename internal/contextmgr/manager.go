package contextmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"conductor/internal/config"
	"conductor/internal/history"
	"conductor/internal/llm"
)

// Store is the slice of the history store the manager needs.
type Store interface {
	CreateCheckpoint(ctx context.Context, conversationID string, msgs []llm.Message, tokenCount int, reason string, expiresAt *time.Time) (string, error)
	PruneCheckpoints(ctx context.Context, conversationID string, max int) (int64, error)
	GetCheckpoint(ctx context.Context, checkpointID string) (*history.Checkpoint, error)
	ReplaceConversation(ctx context.Context, conversationID string, msgs []llm.Message) error
	SaveEffectiveContext(ctx context.Context, ec history.EffectiveContext) error
	GetEffectiveContext(ctx context.Context, sessionID string) (*history.EffectiveContext, error)
	AddMark(ctx context.Context, messageID int64, conversationID string, kind history.MarkKind, actionID, metadata *string) error
}

// ErrCheckpointMismatch is returned when a rollback names a checkpoint that
// belongs to another conversation.
var ErrCheckpointMismatch = fmt.Errorf("checkpoint conversation mismatch")

// ErrCheckpointNotFound is returned when the checkpoint does not exist.
var ErrCheckpointNotFound = fmt.Errorf("checkpoint not found")

// Manager shapes session contexts. Rollbacks serialize per conversation;
// manage calls for different sessions run concurrently.
type Manager struct {
	cfg              config.ContextConfig
	store            Store
	compactor        llm.Client
	compressionModel string

	cache *contextCache

	rollMu sync.Mutex
	rolls  map[string]*sync.Mutex // per-conversation rollback locks
}

// New creates a manager. compactor may be nil; compaction then always uses
// the local fallback summary.
func New(cfg config.ContextConfig, store Store, compactor llm.Client, compressionModel string) *Manager {
	applyContextDefaults(&cfg)
	return &Manager{
		cfg:              cfg,
		store:            store,
		compactor:        compactor,
		compressionModel: compressionModel,
		cache:            newContextCache(contextCacheSize, contextCacheTTL),
		rolls:            make(map[string]*sync.Mutex),
	}
}

func applyContextDefaults(cfg *config.ContextConfig) {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8000
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 50
	}
	if cfg.ManagementThreshold <= 0 {
		cfg.ManagementThreshold = 6000
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyHybrid
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 10
	}
	if cfg.MaxCheckpoints <= 0 {
		cfg.MaxCheckpoints = 10
	}
	if cfg.CompressionTimeout <= 0 {
		cfg.CompressionTimeout = 30 * time.Second
	}
}

func (m *Manager) newAction(typ string, msgs []llm.Message, reason string) Action {
	return Action{
		ID:           uuid.NewString(),
		Type:         typ,
		TokensBefore: llm.EstimateMessages(msgs),
		Timestamp:    time.Now(),
		Reason:       reason,
	}
}

// Manage produces the bounded effective context for the session. When the
// input is already within thresholds and force is not set, it returns the
// input untouched with a "none" action.
func (m *Manager) Manage(ctx context.Context, sessionID string, msgs []llm.Message, opts ManageOptions) (Result, error) {
	tokens := llm.EstimateMessages(msgs)

	if len(msgs) == 0 || (!opts.Force && tokens <= m.cfg.ManagementThreshold && len(msgs) <= m.cfg.MaxMessages) {
		return Result{
			Managed:           false,
			Action:            Action{Type: ActionNone, TokensBefore: tokens, TokensAfter: tokens, Timestamp: time.Now()},
			EffectiveMessages: msgs,
			TokenCount:        tokens,
			MessageCount:      len(msgs),
		}, nil
	}

	strategy := m.cfg.Strategy
	if opts.Strategy != "" {
		strategy = opts.Strategy
	}

	action, managed := m.applyStrategy(ctx, strategy, msgs, opts.Reason)
	managed = m.enforceBudget(managed)
	action.TokensAfter = llm.EstimateMessages(managed)

	conversationID := opts.ConversationID
	if conversationID == "" {
		conversationID = sessionID
	}

	// A pre-action checkpoint at the configured cadence makes the shaping
	// reversible.
	if m.cfg.AutoCheckpoint && len(msgs)%m.cfg.CheckpointInterval == 0 {
		reason := "auto before " + action.Type
		if _, err := m.store.CreateCheckpoint(ctx, conversationID, msgs, tokens, reason, nil); err != nil {
			log.Warn().Err(err).Str("conversationId", conversationID).Msg("auto checkpoint failed")
		} else if _, err := m.store.PruneCheckpoints(ctx, conversationID, m.cfg.MaxCheckpoints); err != nil {
			log.Warn().Err(err).Str("conversationId", conversationID).Msg("checkpoint prune failed")
		}
	}

	if err := m.persist(ctx, sessionID, conversationID, action, managed, opts); err != nil {
		return Result{}, err
	}

	log.Debug().
		Str("sessionId", sessionID).
		Str("action", action.Type).
		Int("tokensBefore", action.TokensBefore).
		Int("tokensAfter", action.TokensAfter).
		Msg("context managed")

	return Result{
		Managed:           true,
		Action:            action,
		EffectiveMessages: managed,
		TokenCount:        action.TokensAfter,
		MessageCount:      len(managed),
	}, nil
}

// enforceBudget re-trims the shaped list when a strategy (typically compact
// with a large summary) left it over the limits. System messages and the
// summary survive; the recent slice shrinks.
func (m *Manager) enforceBudget(msgs []llm.Message) []llm.Message {
	if len(msgs) > m.cfg.MaxMessages {
		overflow := len(msgs) - m.cfg.MaxMessages
		kept := make([]llm.Message, 0, m.cfg.MaxMessages)
		for _, msg := range msgs {
			if overflow > 0 && msg.Role != "system" && msg.Name != "summary" {
				overflow--
				continue
			}
			kept = append(kept, msg)
		}
		msgs = kept
	}
	if llm.EstimateMessages(msgs) <= m.cfg.MaxTokens {
		return msgs
	}

	// Over token budget: preserve system and summary messages, fit the rest.
	var pinned, rest []llm.Message
	for _, msg := range msgs {
		if msg.Role == "system" || msg.Name == "summary" {
			pinned = append(pinned, msg)
		} else {
			rest = append(rest, msg)
		}
	}
	budget := m.cfg.MaxTokens - llm.EstimateMessages(pinned)
	if budget < 0 {
		budget = 0
	}
	fitted, _ := llm.FitRecent(rest, budget)

	out := make([]llm.Message, 0, len(pinned)+len(fitted))
	var summaries []llm.Message
	for _, msg := range pinned {
		if msg.Name == "summary" {
			summaries = append(summaries, msg)
		} else {
			out = append(out, msg)
		}
	}
	out = append(out, fitted...)
	out = append(out, summaries...)
	return out
}

// persist writes the effective context and marks affected entries.
func (m *Manager) persist(ctx context.Context, sessionID, conversationID string, action Action, managed []llm.Message, opts ManageOptions) error {
	actionJSON, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}
	actionStr := string(actionJSON)

	var compressedIDs []int64
	if len(opts.EntryIDs) > 0 {
		kind := markKindFor(action.Type)
		for _, pos := range action.AffectedMessageIDs {
			idx := pos - 1
			if idx < 0 || idx >= len(opts.EntryIDs) {
				continue
			}
			entryID := opts.EntryIDs[idx]
			compressedIDs = append(compressedIDs, entryID)
			if err := m.store.AddMark(ctx, entryID, conversationID, kind, &action.ID, nil); err != nil {
				log.Warn().Err(err).Int64("messageId", entryID).Msg("failed to mark message")
			}
		}
	}

	ec := history.EffectiveContext{
		SessionID:            sessionID,
		ConversationID:       conversationID,
		Messages:             managed,
		TokenCount:           action.TokensAfter,
		MessageCount:         len(managed),
		CompressionSummary:   action.Summary,
		CompressedMessageIDs: compressedIDs,
		LastAction:           &actionStr,
	}
	if err := m.store.SaveEffectiveContext(ctx, ec); err != nil {
		return err
	}
	m.cache.put(sessionID, ec)
	return nil
}

func markKindFor(actionType string) history.MarkKind {
	switch actionType {
	case ActionCompact:
		return history.MarkCompressed
	case ActionPrune:
		return history.MarkPruned
	default:
		return history.MarkTruncated
	}
}

// EffectiveContext returns the session's persisted context, served from the
// bounded cache when fresh.
func (m *Manager) EffectiveContext(ctx context.Context, sessionID string) (*history.EffectiveContext, error) {
	if ec, ok := m.cache.get(sessionID); ok {
		return &ec, nil
	}
	ec, err := m.store.GetEffectiveContext(ctx, sessionID)
	if err != nil || ec == nil {
		return ec, err
	}
	m.cache.put(sessionID, *ec)
	return ec, nil
}

// ForceCompact applies the compact strategy regardless of thresholds.
func (m *Manager) ForceCompact(ctx context.Context, sessionID string, msgs []llm.Message, opts ManageOptions) (Result, error) {
	opts.Force = true
	opts.Strategy = StrategyCompact
	if opts.Reason == "" {
		opts.Reason = "forced compaction"
	}
	return m.Manage(ctx, sessionID, msgs, opts)
}

// Checkpoint snapshots the given messages for the conversation and trims
// retention.
func (m *Manager) Checkpoint(ctx context.Context, conversationID string, msgs []llm.Message, reason string) (string, error) {
	id, err := m.store.CreateCheckpoint(ctx, conversationID, msgs, llm.EstimateMessages(msgs), reason, nil)
	if err != nil {
		return "", err
	}
	if _, err := m.store.PruneCheckpoints(ctx, conversationID, m.cfg.MaxCheckpoints); err != nil {
		log.Warn().Err(err).Str("conversationId", conversationID).Msg("checkpoint prune failed")
	}
	return id, nil
}

func (m *Manager) rollbackLock(conversationID string) *sync.Mutex {
	m.rollMu.Lock()
	defer m.rollMu.Unlock()
	mu, ok := m.rolls[conversationID]
	if !ok {
		mu = &sync.Mutex{}
		m.rolls[conversationID] = mu
	}
	return mu
}

// RollbackToCheckpoint restores the snapshot as both the effective context
// and the conversation's full history. An implicit pre-rollback checkpoint
// preserves the replaced state so the operation itself is reversible.
func (m *Manager) RollbackToCheckpoint(ctx context.Context, sessionID, conversationID, checkpointID string) (Result, error) {
	cp, err := m.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return Result{}, err
	}
	if cp == nil {
		return Result{}, fmt.Errorf("%w: %s", ErrCheckpointNotFound, checkpointID)
	}
	if cp.ConversationID != conversationID {
		return Result{}, fmt.Errorf("%w: checkpoint %s belongs to %s", ErrCheckpointMismatch, checkpointID, cp.ConversationID)
	}

	mu := m.rollbackLock(conversationID)
	mu.Lock()
	defer mu.Unlock()

	if current, err := m.EffectiveContext(ctx, sessionID); err == nil && current != nil && len(current.Messages) > 0 {
		if _, err := m.store.CreateCheckpoint(ctx, conversationID, current.Messages, current.TokenCount, "pre-rollback", nil); err != nil {
			log.Warn().Err(err).Str("conversationId", conversationID).Msg("pre-rollback checkpoint failed")
		}
	}

	if err := m.store.ReplaceConversation(ctx, conversationID, cp.Messages); err != nil {
		return Result{}, err
	}

	action := Action{
		ID:           uuid.NewString(),
		Type:         ActionRestore,
		TokensBefore: cp.TokenCount,
		TokensAfter:  cp.TokenCount,
		Timestamp:    time.Now(),
		Reason:       "rollback to " + checkpointID,
	}
	actionJSON, err := json.Marshal(action)
	if err != nil {
		return Result{}, fmt.Errorf("marshal action: %w", err)
	}
	actionStr := string(actionJSON)

	ec := history.EffectiveContext{
		SessionID:      sessionID,
		ConversationID: conversationID,
		Messages:       cp.Messages,
		TokenCount:     cp.TokenCount,
		MessageCount:   len(cp.Messages),
		LastAction:     &actionStr,
	}
	if err := m.store.SaveEffectiveContext(ctx, ec); err != nil {
		return Result{}, err
	}
	m.cache.put(sessionID, ec)

	log.Info().
		Str("conversationId", conversationID).
		Str("checkpointId", checkpointID).
		Msg("rolled back to checkpoint")

	return Result{
		Managed:           true,
		Action:            action,
		EffectiveMessages: cp.Messages,
		TokenCount:        cp.TokenCount,
		MessageCount:      len(cp.Messages),
	}, nil
}
