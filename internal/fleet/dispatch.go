package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Task is one unit of work dispatched to a node. Tasks live only in the
// manager's memory.
type Task struct {
	TaskID     string         `json:"taskId,omitempty"`
	ToolName   string         `json:"toolName"`
	ToolArgs   map[string]any `json:"toolArgs,omitempty"`
	Capability string         `json:"capability,omitempty"`
	Timeout    time.Duration  `json:"timeout,omitempty"`
	Priority   int            `json:"priority,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// TaskResult is a node's report for an assigned task.
type TaskResult struct {
	TaskID  string         `json:"taskId"`
	Success bool           `json:"success"`
	Result  map[string]any `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Delegation is a follow-up task embedded in a task result. The manager
// dispatches delegations asynchronously; their failures never reach the
// original caller.
type Delegation struct {
	ToolName   string         `json:"toolName"`
	Capability string         `json:"capability,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	Timeout    time.Duration  `json:"timeout,omitempty"`
	TaskID     string         `json:"taskId,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type dispatchOutcome struct {
	result map[string]any
	err    error
}

type pendingTask struct {
	task       Task
	nodeID     string
	assignedAt time.Time
	expiresAt  time.Time
	timer      *time.Timer
	done       chan dispatchOutcome // buffered, written exactly once
}

// AssignTask selects a node, dispatches the task, and blocks until the node
// reports a result, the task times out, or ctx is cancelled. The task is
// delivered to the node out of band (the node observes task_assigned events
// through its connection); this method owns the bookkeeping.
func (m *Manager) AssignTask(ctx context.Context, task Task) (map[string]any, error) {
	if task.ToolName == "" {
		return nil, fmt.Errorf("%s: tool name required", CodeInvalidPayload)
	}
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = m.cfg.DefaultTaskTimeout
	}

	m.mu.Lock()
	node := m.selectNodeLocked(task.Capability)
	if node == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("%s: no node can serve %q", CodeNoAvailableNode, task.ToolName)
	}

	now := time.Now()
	pending := &pendingTask{
		task:       task,
		nodeID:     node.ID,
		assignedAt: now,
		expiresAt:  now.Add(timeout),
		done:       make(chan dispatchOutcome, 1),
	}
	pending.timer = time.AfterFunc(timeout, func() { m.expireTask(task.TaskID) })
	m.pending[task.TaskID] = pending
	if m.assigned[node.ID] == nil {
		m.assigned[node.ID] = make(map[string]struct{})
	}
	m.assigned[node.ID][task.TaskID] = struct{}{}
	node.Stats.Active++
	node.Stats.Total++
	node.Status = StatusBusy
	nodeID := node.ID
	m.mu.Unlock()

	m.publish(EventTaskAssigned, map[string]any{
		"taskId": task.TaskID, "nodeId": nodeID, "toolName": task.ToolName,
		"metadata": task.Metadata, "timestamp": now,
	})
	log.Debug().Str("taskId", task.TaskID).Str("nodeId", nodeID).Str("tool", task.ToolName).Msg("task assigned")

	select {
	case out := <-pending.done:
		return out.result, out.err
	case <-ctx.Done():
		// The caller gave up; the assignment keeps running until result or
		// timeout so node bookkeeping stays consistent.
		return nil, ctx.Err()
	}
}

// selectNodeLocked picks the dispatch target. Online nodes win over busy
// ones; among online the lowest load ratio wins; among busy the largest
// capacity, then the fewest active tasks. Caller holds the write lock.
func (m *Manager) selectNodeLocked(capability string) *Node {
	var bestOnline, bestBusy *Node
	for _, node := range m.nodes {
		if node.Status != StatusOnline && node.Status != StatusBusy {
			continue
		}
		if capability != "" && !node.hasCapability(capability) {
			continue
		}
		if node.Stats.Active >= node.MaxConcurrentTasks {
			continue
		}
		if node.Status == StatusOnline {
			if bestOnline == nil || loadRatio(node) < loadRatio(bestOnline) {
				bestOnline = node
			}
		} else {
			if bestBusy == nil ||
				node.MaxConcurrentTasks > bestBusy.MaxConcurrentTasks ||
				(node.MaxConcurrentTasks == bestBusy.MaxConcurrentTasks && node.Stats.Active < bestBusy.Stats.Active) {
				bestBusy = node
			}
		}
	}
	if bestOnline != nil {
		return bestOnline
	}
	return bestBusy
}

func loadRatio(n *Node) float64 {
	if n.MaxConcurrentTasks <= 0 {
		return 1
	}
	return float64(n.Stats.Active) / float64(n.MaxConcurrentTasks)
}

// HandleTaskResult settles a pending task. Unknown task ids are logged and
// ignored.
func (m *Manager) HandleTaskResult(nodeID string, result TaskResult) {
	m.mu.Lock()
	pending, ok := m.pending[result.TaskID]
	if !ok {
		m.mu.Unlock()
		log.Warn().Str("taskId", result.TaskID).Str("nodeId", nodeID).Msg("result for unknown task, ignoring")
		return
	}
	pending.timer.Stop()
	delete(m.pending, result.TaskID)
	m.settleLocked(pending, result.Success)
	m.mu.Unlock()

	m.publish(EventTaskCompleted, map[string]any{
		"taskId": result.TaskID, "nodeId": pending.nodeID, "success": result.Success,
		"durationMs": time.Since(pending.assignedAt).Milliseconds(), "timestamp": time.Now(),
	})

	if result.Success {
		pending.done <- dispatchOutcome{result: result.Result}
		m.dispatchDelegations(pending.task, result.Result)
		return
	}
	msg := result.Error
	if msg == "" {
		msg = "task failed"
	}
	pending.done <- dispatchOutcome{err: fmt.Errorf("%s", msg)}
}

// settleLocked removes the assignment and updates node stats. Caller holds
// the write lock and has already removed the pending entry.
func (m *Manager) settleLocked(pending *pendingTask, success bool) {
	if set, ok := m.assigned[pending.nodeID]; ok {
		delete(set, pending.task.TaskID)
	}
	node, ok := m.nodes[pending.nodeID]
	if !ok {
		return
	}
	if node.Stats.Active > 0 {
		node.Stats.Active--
	}
	if success {
		node.Stats.Completed++
	} else {
		node.Stats.Failed++
	}
	now := time.Now()
	node.Stats.LastTaskAt = &now

	elapsed := float64(now.Sub(pending.assignedAt).Milliseconds())
	finished := node.Stats.Completed + node.Stats.Failed
	if finished <= 1 {
		node.Stats.AvgResponseMs = elapsed
	} else {
		node.Stats.AvgResponseMs += (elapsed - node.Stats.AvgResponseMs) / float64(finished)
	}

	if node.Stats.Active == 0 && node.Status == StatusBusy {
		node.Status = StatusOnline
	}
}

// expireTask times out a pending task: failure for stats, task_timeout on
// the bus, and a rejection for the waiting caller.
func (m *Manager) expireTask(taskID string) {
	m.mu.Lock()
	pending, ok := m.pending[taskID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.pending, taskID)
	m.settleLocked(pending, false)
	m.mu.Unlock()

	m.publish(EventTaskTimeout, map[string]any{
		"taskId": taskID, "nodeId": pending.nodeID, "timestamp": time.Now(),
	})
	log.Warn().Str("taskId", taskID).Str("nodeId", pending.nodeID).Msg("task timed out")
	pending.done <- dispatchOutcome{err: fmt.Errorf("task_%s_timeout", taskID)}
}

// PendingTasks reports the number of in-flight assignments.
func (m *Manager) PendingTasks() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pending)
}

// dispatchDelegations parses result.delegations and dispatches each as a new
// task carrying the source task id. Dispatch errors are logged only.
func (m *Manager) dispatchDelegations(source Task, result map[string]any) {
	raw, ok := result["delegations"]
	if !ok || raw == nil {
		return
	}
	delegations := parseDelegations(raw)
	if len(delegations) == 0 {
		return
	}

	for _, d := range delegations {
		d := d
		go func() {
			meta := make(map[string]any, len(d.Metadata)+1)
			for k, v := range d.Metadata {
				meta[k] = v
			}
			meta["sourceTaskId"] = source.TaskID

			_, err := m.AssignTask(context.Background(), Task{
				TaskID:     d.TaskID,
				ToolName:   d.ToolName,
				ToolArgs:   d.Args,
				Capability: d.Capability,
				Timeout:    d.Timeout,
				Metadata:   meta,
			})
			if err != nil {
				log.Error().Err(err).
					Str("sourceTaskId", source.TaskID).
					Str("tool", d.ToolName).
					Msg("delegation dispatch failed")
			}
		}()
	}
}

// parseDelegations accepts either typed delegations or the loose
// []any/map[string]any shape a JSON transport produces.
func parseDelegations(raw any) []Delegation {
	switch v := raw.(type) {
	case []Delegation:
		return v
	default:
		blob, err := json.Marshal(raw)
		if err != nil {
			return nil
		}
		var out []Delegation
		if err := json.Unmarshal(blob, &out); err != nil {
			return nil
		}
		filtered := out[:0]
		for _, d := range out {
			if d.ToolName != "" {
				filtered = append(filtered, d)
			}
		}
		return filtered
	}
}
