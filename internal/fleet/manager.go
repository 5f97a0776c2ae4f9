package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"conductor/internal/events"
	"conductor/internal/llm"
	"conductor/internal/persistence"
	"conductor/internal/quota"
	"conductor/internal/requests"
)

// nodesLockKey serializes snapshot writes across processes sharing the data
// directory.
const nodesLockKey = "conductor:nodes"

// Config tunes the manager.
type Config struct {
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
	DefaultTaskTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 90 * time.Second
	}
	if c.DefaultTaskTimeout <= 0 {
		c.DefaultTaskTimeout = 60 * time.Second
	}
	return c
}

// Manager owns the node table. All mutations serialize on its lock; reads
// hand out deep copies.
type Manager struct {
	cfg     Config
	bus     *events.Bus
	quota   *quota.Controller
	tracker *requests.Tracker
	store   *persistence.JSONFileStore
	locker  persistence.Locker
	llmFor  func() llm.Client

	mu       sync.RWMutex
	nodes    map[string]*Node
	assigned map[string]map[string]struct{} // nodeId → taskIds
	pending  map[string]*pendingTask        // taskId → assignment

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Options carries the manager's collaborators.
type Options struct {
	Config  Config
	Bus     *events.Bus
	Quota   *quota.Controller
	Tracker *requests.Tracker
	// Store persists the node table; nil disables persistence.
	Store  *persistence.JSONFileStore
	Locker persistence.Locker
	// LLMClient yields the provider client for proxied requests; returning
	// nil signals the proxy is unavailable.
	LLMClient func() llm.Client
}

// NewManager builds the manager and loads any persisted node snapshot.
// Persisted nodes come back with status unknown until their next heartbeat.
func NewManager(opts Options) *Manager {
	m := &Manager{
		cfg:      opts.Config.withDefaults(),
		bus:      opts.Bus,
		quota:    opts.Quota,
		tracker:  opts.Tracker,
		store:    opts.Store,
		locker:   opts.Locker,
		llmFor:   opts.LLMClient,
		nodes:    make(map[string]*Node),
		assigned: make(map[string]map[string]struct{}),
		pending:  make(map[string]*pendingTask),
		stopCh:   make(chan struct{}),
	}
	if m.llmFor == nil {
		m.llmFor = func() llm.Client { return nil }
	}
	m.loadSnapshot()
	return m
}

// Start launches the heartbeat monitor.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.heartbeatMonitor()
}

// Stop halts the monitor and aborts in-flight proxied streams.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	if m.tracker != nil {
		m.tracker.CancelAll()
	}
}

func (m *Manager) publish(name string, payload map[string]any) {
	if m.bus != nil {
		m.bus.Publish(name, payload)
	}
}

// Register upserts a node. Absent status means online; heartbeat clocks
// start now.
func (m *Manager) Register(info RegisterInfo) (*Node, error) {
	if info.ID == "" {
		return nil, fmt.Errorf("%s: node id required", CodeInvalidPayload)
	}
	if info.Type == "" {
		info.Type = NodeWorker
	}
	status := info.Status
	if status == "" {
		status = StatusOnline
	}
	maxTasks := info.MaxConcurrentTasks
	if maxTasks <= 0 {
		maxTasks = 4
	}

	now := time.Now()
	m.mu.Lock()
	node, exists := m.nodes[info.ID]
	if !exists {
		node = &Node{ID: info.ID, RegisteredAt: now}
		m.nodes[info.ID] = node
	}
	node.Name = info.Name
	node.Type = info.Type
	node.Status = status
	node.Capabilities = append([]string(nil), info.Capabilities...)
	node.Tools = append([]string(nil), info.Tools...)
	node.MaxConcurrentTasks = maxTasks
	node.LastHeartbeat = now
	node.LastSeen = now
	node.ConnectionID = info.ConnectionID
	node.PersonaBinding = normalizePersonas(info.Type, info.PersonaBinding)
	snapshot := node.clone()
	m.mu.Unlock()

	m.saveSnapshot()
	m.publish(EventNodeRegistered, map[string]any{
		"nodeId": snapshot.ID, "name": snapshot.Name, "type": string(snapshot.Type),
		"status": string(snapshot.Status), "timestamp": now,
	})
	log.Info().Str("nodeId", snapshot.ID).Str("type", string(snapshot.Type)).Msg("node registered")
	return snapshot, nil
}

// Unregister removes the node.
func (m *Manager) Unregister(nodeID string) error {
	m.mu.Lock()
	_, ok := m.nodes[nodeID]
	if ok {
		delete(m.nodes, nodeID)
		delete(m.assigned, nodeID)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%s: %s", CodeNodeNotFound, nodeID)
	}
	m.saveSnapshot()
	m.publish(EventNodeUnregistered, map[string]any{"nodeId": nodeID, "timestamp": time.Now()})
	return nil
}

// Heartbeat refreshes the node's liveness clocks, merges stats, and applies
// an optional status from the payload.
func (m *Manager) Heartbeat(nodeID string, payload HeartbeatPayload, connectionID string) error {
	now := time.Now()

	m.mu.Lock()
	node, ok := m.nodes[nodeID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s: %s", CodeNodeNotFound, nodeID)
	}
	prev := node.Status
	node.LastHeartbeat = now
	node.LastSeen = now
	if connectionID != "" {
		node.ConnectionID = connectionID
	}
	if payload.AvgResponseMs > 0 {
		node.Stats.AvgResponseMs = payload.AvgResponseMs
	}
	if len(payload.Tools) > 0 {
		node.Tools = append([]string(nil), payload.Tools...)
	}
	if payload.Status != "" {
		node.Status = payload.Status
	}
	changed := node.Status != prev
	status := node.Status
	m.mu.Unlock()

	m.publish(EventNodeHeartbeat, map[string]any{"nodeId": nodeID, "status": string(status), "timestamp": now})
	if changed {
		m.publish(EventNodeStatusChanged, map[string]any{
			"nodeId": nodeID, "oldStatus": string(prev), "newStatus": string(status), "timestamp": now,
		})
		m.saveSnapshot()
	}
	return nil
}

// ConnectionClosed transitions every node bound to the connection offline.
func (m *Manager) ConnectionClosed(connectionID string) {
	if connectionID == "" {
		return
	}
	now := time.Now()
	var dropped []string

	m.mu.Lock()
	for _, node := range m.nodes {
		if node.ConnectionID == connectionID && node.Status != StatusOffline {
			node.Status = StatusOffline
			node.ConnectionID = ""
			dropped = append(dropped, node.ID)
		}
	}
	m.mu.Unlock()

	for _, id := range dropped {
		m.publish(EventNodeDisconnected, map[string]any{"nodeId": id, "connectionId": connectionID, "timestamp": now})
		m.publish(EventNodeStatusChanged, map[string]any{
			"nodeId": id, "newStatus": string(StatusOffline), "timestamp": now,
		})
	}
	if len(dropped) > 0 {
		m.saveSnapshot()
		log.Info().Strs("nodes", dropped).Str("connectionId", connectionID).Msg("connection closed, nodes offline")
	}
}

// GetNode returns a deep copy of the node, or nil.
func (m *Manager) GetNode(nodeID string) *Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if node, ok := m.nodes[nodeID]; ok {
		return node.clone()
	}
	return nil
}

// ListNodes returns deep copies of every node.
func (m *Manager) ListNodes() []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Node, 0, len(m.nodes))
	for _, node := range m.nodes {
		out = append(out, node.clone())
	}
	return out
}

// heartbeatMonitor transitions nodes offline when their heartbeat goes
// stale.
func (m *Manager) heartbeatMonitor() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			m.sweepStale(now)
		}
	}
}

func (m *Manager) sweepStale(now time.Time) {
	type transition struct {
		id   string
		prev NodeStatus
	}
	var stale []transition

	m.mu.Lock()
	for _, node := range m.nodes {
		if node.Status == StatusOffline {
			continue
		}
		if now.Sub(node.LastHeartbeat) > m.cfg.HeartbeatTimeout {
			stale = append(stale, transition{id: node.ID, prev: node.Status})
			node.Status = StatusOffline
		}
	}
	m.mu.Unlock()

	for _, tr := range stale {
		log.Warn().Str("nodeId", tr.id).Msg("heartbeat timeout, node offline")
		m.publish(EventNodeStatusChanged, map[string]any{
			"nodeId": tr.id, "oldStatus": string(tr.prev), "newStatus": string(StatusOffline), "timestamp": now,
		})
	}
	if len(stale) > 0 {
		m.saveSnapshot()
	}
}

// loadSnapshot restores the persisted node table. Liveness state does not
// survive a restart: statuses reset to unknown until the next heartbeat.
func (m *Manager) loadSnapshot() {
	if m.store == nil {
		return
	}
	var nodes []*Node
	found, err := m.store.Load(&nodes)
	if err != nil {
		log.Error().Err(err).Msg("failed to load node snapshot")
		return
	}
	if !found {
		return
	}
	m.mu.Lock()
	for _, node := range nodes {
		node.Status = StatusUnknown
		node.Stats.Active = 0
		node.ConnectionID = ""
		m.nodes[node.ID] = node
	}
	m.mu.Unlock()
	log.Info().Int("count", len(nodes)).Msg("node snapshot loaded")
}

// saveSnapshot rewrites nodes.json under the distributed lock.
func (m *Manager) saveSnapshot() {
	if m.store == nil {
		return
	}
	m.mu.RLock()
	nodes := make([]*Node, 0, len(m.nodes))
	for _, node := range m.nodes {
		nodes = append(nodes, node.clone())
	}
	m.mu.RUnlock()

	ctx := context.Background()
	if m.locker != nil {
		handle, err := m.locker.Acquire(ctx, nodesLockKey, persistence.LockOptions{})
		if err != nil {
			log.Error().Err(err).Msg("failed to lock node snapshot")
			return
		}
		defer handle.Release(ctx)
	}
	if err := m.store.Save(nodes); err != nil {
		log.Error().Err(err).Msg("failed to save node snapshot")
	}
}
