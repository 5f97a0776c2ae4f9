package sessions

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"conductor/internal/llm"
)

func TestGetOrCreateEmptyConversation(t *testing.T) {
	r := New(nil)
	require.Empty(t, r.GetOrCreate("", "", ""))
	require.Zero(t, r.SessionCount())
}

func TestGetOrCreateStable(t *testing.T) {
	r := New(nil)
	s1 := r.GetOrCreate("agent", "user", "c1")
	require.Equal(t, "c1", s1)
	s2 := r.GetOrCreate("agent", "user", "c1")
	require.Equal(t, s1, s2)
	require.Equal(t, 1, r.SessionCount())
}

func TestGetOrCreateConcurrent(t *testing.T) {
	r := New(nil)

	const callers = 32
	results := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.GetOrCreate("", "", "c-race")
		}(i)
	}
	wg.Wait()

	for _, s := range results {
		require.Equal(t, "c-race", s)
	}
	require.Equal(t, 1, r.SessionCount())
}

func TestUpdateMetadata(t *testing.T) {
	r := New(nil)
	sid := r.GetOrCreate("a1", "u1", "c1")

	r.UpdateMetadata(sid, llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15})
	r.UpdateMetadata(sid, llm.Usage{PromptTokens: 2, CompletionTokens: 1, TotalTokens: 3})

	meta, ok := r.Metadata(sid)
	require.True(t, ok)
	require.Equal(t, 2, meta.MessageCount)
	require.Equal(t, 18, meta.TotalTokens)
	require.Equal(t, 12, meta.TotalInputTokens)
	require.Equal(t, 6, meta.TotalOutputTokens)
	require.Equal(t, "a1", meta.AgentID)
}

func TestUpdateMetadataUnknownSessionIsNoop(t *testing.T) {
	r := New(nil)
	r.UpdateMetadata("ghost", llm.Usage{TotalTokens: 5})
	require.Zero(t, r.SessionCount())
}

type archiveRecorder struct {
	mu    sync.Mutex
	convs []string
}

func (a *archiveRecorder) DeleteByConversation(_ context.Context, conversationID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.convs = append(a.convs, conversationID)
	return nil
}

func TestArchiveRemovesMappingAndHistory(t *testing.T) {
	rec := &archiveRecorder{}
	r := New(rec)

	sid := r.GetOrCreate("", "", "c1")
	require.NotEmpty(t, sid)

	require.NoError(t, r.Archive(context.Background(), "c1"))
	require.Empty(t, r.GetSessionID("c1"))
	require.Zero(t, r.SessionCount())
	require.Equal(t, []string{"c1"}, rec.convs)

	// Re-creation after archive works.
	require.Equal(t, "c1", r.GetOrCreate("", "", "c1"))
}

func TestLRUEviction(t *testing.T) {
	r := New(nil)
	for i := 0; i < maxSessions+10; i++ {
		r.GetOrCreate("", "", fmt.Sprintf("conv-%d", i))
	}
	require.Equal(t, maxSessions, r.SessionCount())
	// The oldest sessions were evicted.
	require.Empty(t, r.GetSessionID("conv-0"))
	require.NotEmpty(t, r.GetSessionID(fmt.Sprintf("conv-%d", maxSessions+9)))
}
