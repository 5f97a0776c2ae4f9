// Package requests tracks in-flight requests so they can be cancelled by id
// and swept when abandoned.
package requests

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultMaxAge is how long an entry may live before the sweeper removes it
// and fires its cancel function.
const DefaultMaxAge = 5 * time.Minute

const sweepInterval = 30 * time.Second

// Entry describes one tracked request.
type Entry struct {
	RequestID string
	StartedAt time.Time
	Meta      map[string]string
}

type tracked struct {
	entry  Entry
	cancel func()
}

// Tracker is the in-flight request table. The sweeper goroutine runs only
// while entries exist; it self-destructs when the table drains.
type Tracker struct {
	mu       sync.Mutex
	entries  map[string]*tracked
	maxAge   time.Duration
	sweeping bool
	stopped  bool
}

// New creates a tracker. maxAge <= 0 uses DefaultMaxAge.
func New(maxAge time.Duration) *Tracker {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Tracker{entries: make(map[string]*tracked), maxAge: maxAge}
}

// Register adds a request with its abort function. Registering an id twice
// replaces the old entry and cancels it first.
func (t *Tracker) Register(requestID string, cancel func(), meta map[string]string) {
	var stale func()

	t.mu.Lock()
	if old, ok := t.entries[requestID]; ok {
		stale = old.cancel
	}
	t.entries[requestID] = &tracked{
		entry:  Entry{RequestID: requestID, StartedAt: time.Now(), Meta: meta},
		cancel: cancel,
	}
	startSweeper := !t.sweeping && !t.stopped
	if startSweeper {
		t.sweeping = true
	}
	t.mu.Unlock()

	if stale != nil {
		safeCancel(requestID, stale)
	}
	if startSweeper {
		go t.sweepLoop()
	}
}

// Unregister removes the entry without cancelling it.
func (t *Tracker) Unregister(requestID string) {
	t.mu.Lock()
	delete(t.entries, requestID)
	t.mu.Unlock()
}

// Cancel aborts the request when present. It never panics, even when the
// abort function does.
func (t *Tracker) Cancel(requestID string) bool {
	t.mu.Lock()
	tr, ok := t.entries[requestID]
	if ok {
		delete(t.entries, requestID)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	safeCancel(requestID, tr.cancel)
	return true
}

// CancelAll aborts every tracked request.
func (t *Tracker) CancelAll() int {
	t.mu.Lock()
	all := make([]*tracked, 0, len(t.entries))
	for id := range t.entries {
		all = append(all, t.entries[id])
		delete(t.entries, id)
	}
	t.mu.Unlock()

	for _, tr := range all {
		safeCancel(tr.entry.RequestID, tr.cancel)
	}
	return len(all)
}

// Count reports the number of tracked requests.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// List returns entries matching the filter; a nil filter matches all.
func (t *Tracker) List(filter func(Entry) bool) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.entries))
	for _, tr := range t.entries {
		if filter == nil || filter(tr.entry) {
			out = append(out, tr.entry)
		}
	}
	return out
}

// Close cancels everything and prevents further sweeps.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.CancelAll()
}

func (t *Tracker) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for range ticker.C {
		expired, keepRunning := t.sweepOnce(time.Now())
		for _, tr := range expired {
			log.Warn().Str("requestId", tr.entry.RequestID).Msg("sweeping abandoned request")
			safeCancel(tr.entry.RequestID, tr.cancel)
		}
		if !keepRunning {
			return
		}
	}
}

// sweepOnce removes expired entries and reports whether the sweeper should
// keep running.
func (t *Tracker) sweepOnce(now time.Time) ([]*tracked, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []*tracked
	for id, tr := range t.entries {
		if now.Sub(tr.entry.StartedAt) > t.maxAge {
			expired = append(expired, tr)
			delete(t.entries, id)
		}
	}
	if len(t.entries) == 0 || t.stopped {
		t.sweeping = false
		return expired, false
	}
	return expired, true
}

func safeCancel(requestID string, cancel func()) {
	if cancel == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("requestId", requestID).Interface("panic", r).Msg("cancel function panicked")
		}
	}()
	cancel()
}
