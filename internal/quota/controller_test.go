package quota

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func withClock(c *Controller, t *time.Time) {
	c.now = func() time.Time { return *t }
}

func TestUnlimitedByDefault(t *testing.T) {
	c := New(Config{})
	for i := 0; i < 100; i++ {
		require.True(t, c.ConsumeRequest("n1", ConsumeOptions{}).Allowed)
	}
}

func TestRequestsPerMinute(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := New(Config{RequestsPerMinute: 2})
	withClock(c, &now)

	require.True(t, c.ConsumeRequest("n1", ConsumeOptions{}).Allowed)
	require.True(t, c.ConsumeRequest("n1", ConsumeOptions{}).Allowed)

	d := c.ConsumeRequest("n1", ConsumeOptions{})
	require.False(t, d.Allowed)
	require.Equal(t, CodeRequestsPerMinuteExceeded, d.Code)

	// Another node is unaffected.
	require.True(t, c.ConsumeRequest("n2", ConsumeOptions{}).Allowed)

	// Window rolls over.
	now = now.Add(61 * time.Second)
	require.True(t, c.ConsumeRequest("n1", ConsumeOptions{}).Allowed)
}

func TestDailyTokenQuota(t *testing.T) {
	now := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	c := New(Config{TokensPerDay: 100})
	withClock(c, &now)

	require.True(t, c.ConsumeRequest("n1", ConsumeOptions{}).Allowed)
	c.CompleteRequest("n1", CompleteOptions{Tokens: 100})

	d := c.ConsumeRequest("n1", ConsumeOptions{})
	require.False(t, d.Allowed)
	require.Equal(t, CodeTokenQuotaExceeded, d.Code)

	// New UTC day resets the bucket.
	now = now.Add(2 * time.Minute)
	require.True(t, c.ConsumeRequest("n1", ConsumeOptions{}).Allowed)
}

func TestStreamConcurrency(t *testing.T) {
	c := New(Config{ConcurrentStreams: 1})

	require.True(t, c.ConsumeRequest("n1", ConsumeOptions{Stream: true}).Allowed)

	d := c.ConsumeRequest("n1", ConsumeOptions{Stream: true})
	require.False(t, d.Allowed)
	require.Equal(t, CodeStreamConcurrencyExceeded, d.Code)

	// Unary requests are not limited by stream concurrency.
	require.True(t, c.ConsumeRequest("n1", ConsumeOptions{}).Allowed)

	c.CompleteRequest("n1", CompleteOptions{Stream: true})
	require.True(t, c.ConsumeRequest("n1", ConsumeOptions{Stream: true}).Allowed)
}

func TestUpdateConfigKeepsCounters(t *testing.T) {
	c := New(Config{ConcurrentStreams: 2})
	require.True(t, c.ConsumeRequest("n1", ConsumeOptions{Stream: true}).Allowed)
	require.True(t, c.ConsumeRequest("n1", ConsumeOptions{Stream: true}).Allowed)

	c.UpdateConfig(Config{ConcurrentStreams: 1})

	// Still two active streams from before the change.
	require.Equal(t, 2, c.NodeSnapshot("n1").ActiveStreams)
	d := c.ConsumeRequest("n1", ConsumeOptions{Stream: true})
	require.False(t, d.Allowed)
}

func TestConcurrentNodesDoNotInterfere(t *testing.T) {
	c := New(Config{RequestsPerMinute: 1000})
	var wg sync.WaitGroup
	for _, node := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				c.ConsumeRequest(n, ConsumeOptions{})
				c.CompleteRequest(n, CompleteOptions{Tokens: 1})
			}
		}(node)
	}
	wg.Wait()
	for _, node := range []string{"a", "b", "c", "d"} {
		require.Equal(t, 500, c.NodeSnapshot(node).TokensToday)
	}
}
