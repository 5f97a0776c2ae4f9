package events

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	got := make(chan Event, 1)
	cancel := bus.Subscribe("task_assigned", func(ev Event) { got <- ev })
	defer cancel()

	bus.Publish("task_assigned", map[string]any{"taskId": "t1"})

	select {
	case ev := <-got:
		require.Equal(t, "task_assigned", ev.Name)
		require.Equal(t, "t1", ev.Payload["taskId"])
		require.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishSkipsNonMatchingNames(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var count atomic.Int64
	cancel := bus.Subscribe("node_registered", func(Event) { count.Add(1) })
	defer cancel()

	bus.Publish("node_unregistered", nil)
	bus.Publish("node_registered", nil)

	require.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	block := make(chan struct{})
	var once sync.Once
	cancel := bus.Subscribe("", func(Event) { <-block })
	defer func() { once.Do(func() { close(block) }); cancel() }()

	done := make(chan struct{})
	go func() {
		// Far more events than the subscriber queue holds.
		for i := 0; i < subscriberQueueSize*3; i++ {
			bus.Publish("tick", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked by slow subscriber")
	}
	once.Do(func() { close(block) })
}

func TestCancelStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var count atomic.Int64
	cancel := bus.Subscribe("x", func(Event) { count.Add(1) })
	bus.Publish("x", nil)
	require.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	bus.Publish("x", nil)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int64(1), count.Load())
}

type fakeProducer struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (f *fakeProducer) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func TestKafkaMirrorForwardsEvents(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	prod := &fakeProducer{}
	mirror := attachMirror(bus, prod, "conductor.events")
	defer mirror.Close()

	bus.Publish("quota_breach", map[string]any{"nodeId": "n1"})

	require.Eventually(t, func() bool {
		prod.mu.Lock()
		defer prod.mu.Unlock()
		return len(prod.msgs) == 1
	}, time.Second, 5*time.Millisecond)

	prod.mu.Lock()
	defer prod.mu.Unlock()
	require.Equal(t, []byte("quota_breach"), prod.msgs[0].Key)
}
