package contextmgr

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"conductor/internal/config"
	"conductor/internal/history"
	"conductor/internal/llm"
)

type fakeLLM struct {
	content string
	err     error
	calls   int
}

func (f *fakeLLM) Chat(context.Context, []llm.Message, llm.ChatOptions) (string, *llm.Usage, error) {
	f.calls++
	if f.err != nil {
		return "", nil, f.err
	}
	return f.content, &llm.Usage{TotalTokens: 10}, nil
}

func (f *fakeLLM) ChatStream(context.Context, []llm.Message, llm.ChatOptions, llm.StreamHandler) error {
	return f.err
}

func newManager(t *testing.T, cfg config.ContextConfig, compactor llm.Client) (*Manager, *history.Store) {
	t.Helper()
	store, err := history.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(cfg, store, compactor, "compactor-model"), store
}

func genMessages(n, wordsEach int) []llm.Message {
	msgs := make([]llm.Message, 0, n)
	for i := 0; i < n; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msgs = append(msgs, llm.Message{Role: role, Content: strings.Repeat(fmt.Sprintf("w%d ", i), wordsEach)})
	}
	return msgs
}

func TestManageEmptyMessages(t *testing.T) {
	m, _ := newManager(t, config.ContextConfig{}, nil)
	res, err := m.Manage(context.Background(), "s1", nil, ManageOptions{Force: true})
	require.NoError(t, err)
	require.False(t, res.Managed)
	require.Equal(t, ActionNone, res.Action.Type)
}

func TestManageUnderThresholdIsNoop(t *testing.T) {
	m, _ := newManager(t, config.ContextConfig{}, nil)
	msgs := genMessages(4, 3)

	res, err := m.Manage(context.Background(), "s1", msgs, ManageOptions{})
	require.NoError(t, err)
	require.False(t, res.Managed)
	require.Equal(t, msgs, res.EffectiveMessages)
	require.Equal(t, llm.EstimateMessages(msgs), res.TokenCount)
}

func TestTruncateKeepsNewest(t *testing.T) {
	m, _ := newManager(t, config.ContextConfig{MaxMessages: 10}, nil)
	msgs := genMessages(25, 2)

	res, err := m.Manage(context.Background(), "s1", msgs, ManageOptions{Force: true, Strategy: StrategyTruncate})
	require.NoError(t, err)
	require.True(t, res.Managed)
	require.Equal(t, ActionTruncate, res.Action.Type)
	require.Len(t, res.EffectiveMessages, 10)
	require.Equal(t, msgs[15], res.EffectiveMessages[0])
	// Removed prefix positions 1..15.
	require.Len(t, res.Action.AffectedMessageIDs, 15)
	require.Equal(t, 1, res.Action.AffectedMessageIDs[0])
	require.Equal(t, 15, res.Action.AffectedMessageIDs[14])
}

func TestPruneKeepsSystemFirstAndRecent(t *testing.T) {
	m, _ := newManager(t, config.ContextConfig{}, nil)

	msgs := []llm.Message{
		{Role: "user", Content: "first"},
		{Role: "system", Content: "sys-a"},
	}
	msgs = append(msgs, genMessages(20, 2)...)
	msgs = append(msgs, llm.Message{Role: "system", Content: "sys-b"})

	res, err := m.Manage(context.Background(), "s1", msgs, ManageOptions{Force: true, Strategy: StrategyPrune})
	require.NoError(t, err)
	require.True(t, res.Managed)

	var contents []string
	for _, msg := range res.EffectiveMessages {
		contents = append(contents, msg.Content)
	}
	require.Contains(t, contents, "first")
	require.Contains(t, contents, "sys-a")
	require.Contains(t, contents, "sys-b")
	// first message + 2 system + last 5 non-system
	require.Len(t, res.EffectiveMessages, 8)
	// Original order preserved: first message still first.
	require.Equal(t, "first", res.EffectiveMessages[0].Content)
}

func TestCompactUsesLLMSummary(t *testing.T) {
	fake := &fakeLLM{content: "the user asked about databases"}
	m, _ := newManager(t, config.ContextConfig{MaxTokens: 8000}, fake)

	msgs := genMessages(100, 90) // well over 0.9 utilization

	res, err := m.Manage(context.Background(), "s2", msgs, ManageOptions{Force: true, Strategy: StrategyCompact})
	require.NoError(t, err)
	require.True(t, res.Managed)
	require.Equal(t, ActionCompact, res.Action.Type)
	require.Equal(t, 1, fake.calls)
	require.Less(t, res.Action.TokensAfter, res.Action.TokensBefore)
	require.Less(t, len(res.EffectiveMessages), 100)

	last := res.EffectiveMessages[len(res.EffectiveMessages)-1]
	require.Equal(t, "assistant", last.Role)
	require.Equal(t, "summary", last.Name)
	require.Contains(t, last.Content, "the user asked about databases")
}

func TestCompactFallsBackWhenLLMFails(t *testing.T) {
	fake := &fakeLLM{err: fmt.Errorf("model offline")}
	m, _ := newManager(t, config.ContextConfig{MaxTokens: 8000}, fake)

	msgs := genMessages(40, 40)
	res, err := m.Manage(context.Background(), "s1", msgs, ManageOptions{Force: true, Strategy: StrategyCompact})
	require.NoError(t, err)
	require.True(t, res.Managed)

	last := res.EffectiveMessages[len(res.EffectiveMessages)-1]
	require.Equal(t, "summary", last.Name)
	require.Contains(t, last.Content, "messages condensed")
	// system none here: 10 recent + 1 stub
	require.Len(t, res.EffectiveMessages, 11)
}

func TestHybridSelectsByUtilization(t *testing.T) {
	fake := &fakeLLM{content: "summary"}
	m, _ := newManager(t, config.ContextConfig{MaxTokens: 8000, MaxMessages: 500}, fake)
	ctx := context.Background()

	// Low utilization → truncate.
	low := genMessages(30, 2)
	res, err := m.Manage(ctx, "s1", low, ManageOptions{Force: true, Strategy: StrategyHybrid})
	require.NoError(t, err)
	require.Equal(t, ActionTruncate, res.Action.Type)

	// ~0.8 utilization → prune. 8000*0.8=6400 tokens; each message ~ (5*? ) pick words
	mid := genMessages(80, 78) // ≈ 80*(78 tokens+4) ≈ 6560
	u := float64(llm.EstimateMessages(mid)) / 8000.0
	require.Greater(t, u, 0.7)
	require.LessOrEqual(t, u, 0.9)
	res, err = m.Manage(ctx, "s2", mid, ManageOptions{Force: true, Strategy: StrategyHybrid})
	require.NoError(t, err)
	require.Equal(t, ActionPrune, res.Action.Type)

	// >0.9 utilization → compact.
	high := genMessages(100, 90)
	require.Greater(t, float64(llm.EstimateMessages(high))/8000.0, 0.9)
	res, err = m.Manage(ctx, "s3", high, ManageOptions{Force: true, Strategy: StrategyHybrid})
	require.NoError(t, err)
	require.Equal(t, ActionCompact, res.Action.Type)
}

func TestResultTokenCountMatchesEstimator(t *testing.T) {
	fake := &fakeLLM{content: "short summary"}
	m, _ := newManager(t, config.ContextConfig{MaxTokens: 8000}, fake)

	msgs := genMessages(100, 90)
	res, err := m.Manage(context.Background(), "s1", msgs, ManageOptions{Force: true, Strategy: StrategyCompact})
	require.NoError(t, err)
	require.Equal(t, llm.EstimateMessages(res.EffectiveMessages), res.TokenCount)
	require.LessOrEqual(t, res.TokenCount, 8000)
	require.LessOrEqual(t, res.MessageCount, 50)
}

func TestManagePersistsEffectiveContext(t *testing.T) {
	m, store := newManager(t, config.ContextConfig{MaxMessages: 5}, nil)
	msgs := genMessages(12, 2)

	_, err := m.Manage(context.Background(), "s1", msgs, ManageOptions{Force: true, Strategy: StrategyTruncate, ConversationID: "c1"})
	require.NoError(t, err)

	ec, err := store.GetEffectiveContext(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, ec)
	require.Equal(t, "c1", ec.ConversationID)
	require.Len(t, ec.Messages, 5)
	require.NotNil(t, ec.LastAction)
	require.Contains(t, *ec.LastAction, `"truncate"`)
}

func TestManageMarksAffectedEntries(t *testing.T) {
	m, store := newManager(t, config.ContextConfig{MaxMessages: 3}, nil)
	ctx := context.Background()

	msgs := genMessages(6, 2)
	require.NoError(t, store.Append(ctx, "c1", msgs))
	entries, err := store.Read(ctx, "c1", 0, 0)
	require.NoError(t, err)
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}

	_, err = m.Manage(ctx, "s1", msgs, ManageOptions{
		Force: true, Strategy: StrategyTruncate, ConversationID: "c1", EntryIDs: ids,
	})
	require.NoError(t, err)

	marks, err := store.ListMarks(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, marks, 3) // 6 input - 3 kept
	require.Equal(t, history.MarkTruncated, marks[0].Kind)
	require.Equal(t, ids[0], marks[0].MessageID)
}

func TestAutoCheckpointCadence(t *testing.T) {
	m, store := newManager(t, config.ContextConfig{
		MaxMessages:        5,
		AutoCheckpoint:     true,
		CheckpointInterval: 10,
	}, nil)
	ctx := context.Background()

	// 10 messages: cadence hit.
	_, err := m.Manage(ctx, "s1", genMessages(10, 2), ManageOptions{Force: true, Strategy: StrategyTruncate, ConversationID: "c1"})
	require.NoError(t, err)
	cps, err := store.ListCheckpoints(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, cps, 1)
	require.Equal(t, "auto before truncate", cps[0].Reason)

	// 11 messages: cadence missed.
	_, err = m.Manage(ctx, "s2", genMessages(11, 2), ManageOptions{Force: true, Strategy: StrategyTruncate, ConversationID: "c2"})
	require.NoError(t, err)
	cps, err = store.ListCheckpoints(ctx, "c2")
	require.NoError(t, err)
	require.Empty(t, cps)
}

func TestForceCompact(t *testing.T) {
	fake := &fakeLLM{content: "forced"}
	m, _ := newManager(t, config.ContextConfig{}, fake)

	res, err := m.ForceCompact(context.Background(), "s1", genMessages(8, 2), ManageOptions{})
	require.NoError(t, err)
	require.True(t, res.Managed)
	require.Equal(t, ActionCompact, res.Action.Type)
}

func TestRollbackToCheckpoint(t *testing.T) {
	m, store := newManager(t, config.ContextConfig{}, nil)
	ctx := context.Background()

	first := genMessages(5, 2)
	require.NoError(t, store.Append(ctx, "c3", first))

	cpID, err := m.Checkpoint(ctx, "c3", first, "before more")
	require.NoError(t, err)

	require.NoError(t, store.Append(ctx, "c3", genMessages(5, 2)))
	n, err := store.Count(ctx, "c3")
	require.NoError(t, err)
	require.Equal(t, 10, n)

	res, err := m.RollbackToCheckpoint(ctx, "c3", "c3", cpID)
	require.NoError(t, err)
	require.Equal(t, ActionRestore, res.Action.Type)
	require.Len(t, res.EffectiveMessages, 5)

	n, err = store.Count(ctx, "c3")
	require.NoError(t, err)
	require.Equal(t, 5, n)

	msgs, err := store.Messages(ctx, "c3", 0)
	require.NoError(t, err)
	require.Equal(t, first, msgs)

	ec, err := store.GetEffectiveContext(ctx, "c3")
	require.NoError(t, err)
	require.Equal(t, llm.EstimateMessages(first), ec.TokenCount)
}

func TestRollbackConversationMismatch(t *testing.T) {
	m, store := newManager(t, config.ContextConfig{}, nil)
	ctx := context.Background()

	cpID, err := store.CreateCheckpoint(ctx, "other", genMessages(2, 2), 10, "x", nil)
	require.NoError(t, err)

	_, err = m.RollbackToCheckpoint(ctx, "s1", "c1", cpID)
	require.ErrorIs(t, err, ErrCheckpointMismatch)
}

func TestRollbackUnknownCheckpoint(t *testing.T) {
	m, _ := newManager(t, config.ContextConfig{}, nil)
	_, err := m.RollbackToCheckpoint(context.Background(), "s1", "c1", "missing")
	require.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestCheckpointRetention(t *testing.T) {
	m, store := newManager(t, config.ContextConfig{MaxCheckpoints: 3}, nil)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := m.Checkpoint(ctx, "c1", genMessages(2, 2), fmt.Sprintf("cp-%d", i))
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	cps, err := store.ListCheckpoints(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, cps, 3)
	require.Equal(t, "cp-5", cps[0].Reason)
}
