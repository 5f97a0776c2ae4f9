// Package sessions maps conversations onto sessions and owns the in-memory
// per-session usage metadata. Creation is race free: concurrent first
// touches of the same conversation collapse into one creation path and every
// caller observes the same session id.
package sessions

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"conductor/internal/llm"
)

// maxSessions caps the metadata table; least recently touched sessions are
// evicted first. Metadata is recomputable from history, so eviction is safe.
const maxSessions = 1000

// Metadata is the mutable per-session usage record.
type Metadata struct {
	AgentID           string    `json:"agentId,omitempty"`
	UserID            string    `json:"userId,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	LastMessageAt     time.Time `json:"lastMessageAt"`
	MessageCount      int       `json:"messageCount"`
	TotalTokens       int       `json:"totalTokens"`
	TotalInputTokens  int       `json:"totalInputTokens"`
	TotalOutputTokens int       `json:"totalOutputTokens"`
}

// HistoryArchiver is the slice of the history store archive needs.
type HistoryArchiver interface {
	DeleteByConversation(ctx context.Context, conversationID string) error
}

type sessionEntry struct {
	meta Metadata
	elem *list.Element // position in the LRU list
}

// Registry is the conversation→session table.
type Registry struct {
	mu       sync.RWMutex
	byConv   map[string]string // conversationId → sessionId
	sessions map[string]*sessionEntry
	lru      *list.List // front = most recently touched, values are sessionIds
	creating singleflight.Group
	history  HistoryArchiver
}

// New creates an empty registry. history may be nil when archival should not
// touch durable state (tests).
func New(history HistoryArchiver) *Registry {
	return &Registry{
		byConv:   make(map[string]string),
		sessions: make(map[string]*sessionEntry),
		lru:      list.New(),
		history:  history,
	}
}

// GetOrCreate resolves the conversation to its session id, creating the
// session on first touch. Returns "" when conversationID is empty. All
// concurrent callers for the same conversation get the same id and exactly
// one creation runs.
func (r *Registry) GetOrCreate(agentID, userID, conversationID string) string {
	if conversationID == "" {
		return ""
	}

	r.mu.RLock()
	if sid, ok := r.byConv[conversationID]; ok {
		r.mu.RUnlock()
		r.touch(sid)
		return sid
	}
	r.mu.RUnlock()

	sid, _, _ := r.creating.Do(conversationID, func() (any, error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		if sid, ok := r.byConv[conversationID]; ok {
			return sid, nil
		}

		// Session id equals the conversation id until the two concepts
		// need to diverge.
		sessionID := conversationID
		now := time.Now()
		entry := &sessionEntry{meta: Metadata{
			AgentID:       agentID,
			UserID:        userID,
			CreatedAt:     now,
			LastMessageAt: now,
		}}
		entry.elem = r.lru.PushFront(sessionID)
		r.byConv[conversationID] = sessionID
		r.sessions[sessionID] = entry
		r.evictLocked()

		log.Debug().Str("conversationId", conversationID).Msg("session created")
		return sessionID, nil
	})
	return sid.(string)
}

// evictLocked drops least recently touched sessions over the cap. Caller
// holds the write lock.
func (r *Registry) evictLocked() {
	for len(r.sessions) > maxSessions {
		back := r.lru.Back()
		if back == nil {
			return
		}
		sid := back.Value.(string)
		r.lru.Remove(back)
		delete(r.sessions, sid)
		delete(r.byConv, sid)
		log.Debug().Str("sessionId", sid).Msg("session metadata evicted")
	}
}

func (r *Registry) touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[sessionID]; ok {
		r.lru.MoveToFront(e.elem)
	}
}

// GetSessionID returns the session for a conversation, or "".
func (r *Registry) GetSessionID(conversationID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byConv[conversationID]
}

// Metadata returns a copy of the session's metadata.
func (r *Registry) Metadata(sessionID string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return Metadata{}, false
	}
	return e.meta, true
}

// UpdateMetadata bumps the session's usage counters after a completed turn.
func (r *Registry) UpdateMetadata(sessionID string, usage llm.Usage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	e.meta.LastMessageAt = time.Now()
	e.meta.MessageCount++
	e.meta.TotalTokens += usage.TotalTokens
	e.meta.TotalInputTokens += usage.PromptTokens
	e.meta.TotalOutputTokens += usage.CompletionTokens
	r.lru.MoveToFront(e.elem)
}

// Archive removes the conversation's mapping and metadata, then deletes its
// durable history.
func (r *Registry) Archive(ctx context.Context, conversationID string) error {
	r.mu.Lock()
	sid, ok := r.byConv[conversationID]
	if ok {
		delete(r.byConv, conversationID)
		if e, ok := r.sessions[sid]; ok {
			r.lru.Remove(e.elem)
			delete(r.sessions, sid)
		}
	}
	r.mu.Unlock()

	if r.history != nil {
		if err := r.history.DeleteByConversation(ctx, conversationID); err != nil {
			return err
		}
	}
	log.Info().Str("conversationId", conversationID).Msg("conversation archived")
	return nil
}

// SessionCount reports the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
