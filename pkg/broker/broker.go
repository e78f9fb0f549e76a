// Package broker couples polling local agents to tool-call tasks.
//
// All state is process-local and guarded by one mutex: an agent registry, a
// FIFO pending-task queue, per-agent assignment sets, completed results, and
// completion futures. Delivery is at-most-once; a restart loses pending work
// and agents must re-register.
package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DiscoveryToolName is the sentinel task used to elicit an agent's tool
// catalog. Any agent matches it.
const DiscoveryToolName = "__discovery__"

// DefaultAgentMaxAge is the staleness threshold after which an agent that
// stopped polling is reaped and its open tasks are re-enqueued.
const DefaultAgentMaxAge = 15 * time.Minute

// DefaultTaskTimeout bounds how long a caller waits for a task result.
const DefaultTaskTimeout = 60 * time.Second

// Agent is a registered local proxy process.
type Agent struct {
	ID           string    `json:"agent_id"`
	Name         string    `json:"name"`
	Capabilities []string  `json:"capabilities"`
	Version      string    `json:"version,omitempty"`
	LastPing     time.Time `json:"last_ping"`
}

// Task is one unit of work enqueued for a local agent.
type Task struct {
	ID             string         `json:"task_id"`
	ToolName       string         `json:"tool_name"`
	Arguments      map[string]any `json:"arguments"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	CreatedAt      time.Time      `json:"created_at"`
}

// TaskResult is a completion delivered by an agent.
type TaskResult struct {
	TaskID          string `json:"task_id"`
	AgentID         string `json:"agent_id"`
	Success         bool   `json:"success"`
	Result          string `json:"result,omitempty"`
	Error           string `json:"error,omitempty"`
	ExecutionTimeMS int64  `json:"execution_time_ms,omitempty"`
}

// AgentStatus is one agent's entry in a status snapshot.
type AgentStatus struct {
	AgentID      string    `json:"agent_id"`
	Name         string    `json:"name"`
	Capabilities []string  `json:"capabilities"`
	ActiveTasks  int       `json:"active_tasks"`
	LastSeen     time.Time `json:"last_seen"`
}

// Status is a point-in-time snapshot of broker state.
type Status struct {
	RegisteredAgents int           `json:"registered_agents"`
	PendingTasks     int           `json:"pending_tasks"`
	ActiveTasks      int           `json:"active_tasks"`
	Agents           []AgentStatus `json:"agents"`
}

// Prefix-mapped capabilities: a task whose tool name carries one of these
// prefixes can be served by an agent declaring the matching coarse tags.
var prefixCapabilities = map[string][]string{
	"jira_":       {"jira_operations", "atlassian_integration"},
	"confluence_": {"confluence_operations", "atlassian_integration"},
	"atlassian_":  {"atlassian_integration", "jira_operations", "confluence_operations"},
}

// Broker is the in-memory registry, queue, and result store.
type Broker struct {
	mu sync.Mutex

	agents       map[string]*Agent
	pendingOrder []string
	pendingTasks map[string]*Task
	agentTasks   map[string]map[string]*Task
	taskResults  map[string]TaskResult
	taskFutures  map[string]chan TaskResult

	// bundles are extra capability names that satisfy any prefix-mapped
	// task (e.g. khoros-atlassian).
	bundles map[string]bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithCapabilityBundles registers bundle capability names that satisfy
// prefix-mapped tasks.
func WithCapabilityBundles(names ...string) Option {
	return func(b *Broker) {
		for _, name := range names {
			b.bundles[name] = true
		}
	}
}

// New creates an empty broker. The default khoros-atlassian bundle is always
// recognized.
func New(opts ...Option) *Broker {
	b := &Broker{
		agents:       make(map[string]*Agent),
		pendingTasks: make(map[string]*Task),
		agentTasks:   make(map[string]map[string]*Task),
		taskResults:  make(map[string]TaskResult),
		taskFutures:  make(map[string]chan TaskResult),
		bundles:      map[string]bool{"khoros-atlassian": true},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register adds or refreshes an agent. Idempotent: a re-registration
// overwrites the prior entry and resets last_ping, leaving any assigned
// tasks in place.
func (b *Broker) Register(agent Agent) error {
	if agent.ID == "" {
		return fmt.Errorf("agent_id is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	agent.LastPing = time.Now()
	b.agents[agent.ID] = &agent
	if _, ok := b.agentTasks[agent.ID]; !ok {
		b.agentTasks[agent.ID] = make(map[string]*Task)
	}
	return nil
}

// canHandle applies the task-matching rule for one agent.
func (b *Broker) canHandle(agent *Agent, toolName string) bool {
	if toolName == DiscoveryToolName {
		return true
	}
	for _, cap := range agent.Capabilities {
		if cap == toolName {
			return true
		}
	}
	for prefix, tags := range prefixCapabilities {
		if !strings.HasPrefix(toolName, prefix) {
			continue
		}
		for _, cap := range agent.Capabilities {
			if b.bundles[cap] {
				return true
			}
			for _, tag := range tags {
				if cap == tag {
					return true
				}
			}
		}
	}
	return false
}

// Poll refreshes the agent's last_ping and hands out the first pending task
// the agent can serve, in insertion order. The task moves from the pending
// queue to the agent's assignment set, so no other poll can receive it.
func (b *Broker) Poll(agentID string) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	agent, ok := b.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %s is not registered", agentID)
	}
	agent.LastPing = time.Now()

	for i, taskID := range b.pendingOrder {
		task, ok := b.pendingTasks[taskID]
		if !ok || !b.canHandle(agent, task.ToolName) {
			continue
		}

		b.pendingOrder = append(b.pendingOrder[:i], b.pendingOrder[i+1:]...)
		delete(b.pendingTasks, taskID)
		b.agentTasks[agentID][taskID] = task
		return task, nil
	}

	return nil, nil
}

// Submit enqueues a task and creates its completion future.
func (b *Broker) Submit(toolName string, arguments map[string]any, timeout time.Duration) string {
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}

	task := &Task{
		ID:             uuid.New().String(),
		ToolName:       toolName,
		Arguments:      arguments,
		TimeoutSeconds: int(timeout / time.Second),
		CreatedAt:      time.Now(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.pendingTasks[task.ID] = task
	b.pendingOrder = append(b.pendingOrder, task.ID)
	b.taskFutures[task.ID] = make(chan TaskResult, 1)
	return task.ID
}

// Complete delivers a result. The first completion wins; later completes for
// the same task are no-ops. After completion the task exists only in the
// result store and its future is gone.
func (b *Broker) Complete(result TaskResult) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, done := b.taskResults[result.TaskID]; done {
		return
	}

	b.taskResults[result.TaskID] = result

	if future, ok := b.taskFutures[result.TaskID]; ok {
		future <- result
		delete(b.taskFutures, result.TaskID)
	}

	// Remove from wherever the task currently lives.
	if _, ok := b.pendingTasks[result.TaskID]; ok {
		delete(b.pendingTasks, result.TaskID)
		for i, id := range b.pendingOrder {
			if id == result.TaskID {
				b.pendingOrder = append(b.pendingOrder[:i], b.pendingOrder[i+1:]...)
				break
			}
		}
	}
	for _, tasks := range b.agentTasks {
		delete(tasks, result.TaskID)
	}
}

// Wait blocks until the task completes or the timeout elapses. On timeout
// the future is abandoned; a result that arrives later is still accepted and
// remains visible through GetResult.
func (b *Broker) Wait(ctx context.Context, taskID string, timeout time.Duration) (*TaskResult, bool) {
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}

	b.mu.Lock()
	if result, done := b.taskResults[taskID]; done {
		b.mu.Unlock()
		return &result, true
	}
	future, ok := b.taskFutures[taskID]
	b.mu.Unlock()

	if !ok {
		return nil, false
	}

	select {
	case result := <-future:
		return &result, true
	case <-time.After(timeout):
	case <-ctx.Done():
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	// The result may have raced the timeout.
	if result, done := b.taskResults[taskID]; done {
		return &result, true
	}
	delete(b.taskFutures, taskID)
	return nil, false
}

// GetResult returns a completed task's result, if any.
func (b *Broker) GetResult(taskID string) (*TaskResult, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	result, ok := b.taskResults[taskID]
	if !ok {
		return nil, false
	}
	return &result, true
}

// FindAgentForCapability returns a registered agent declaring the capability.
func (b *Broker) FindAgentForCapability(capability string) (*Agent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, agent := range b.agents {
		for _, cap := range agent.Capabilities {
			if cap == capability {
				copied := *agent
				return &copied, true
			}
		}
	}
	return nil, false
}

// Reap removes agents whose last ping is older than maxAge and re-enqueues
// their still-open tasks. Tasks whose results already arrived are not
// re-queued.
func (b *Broker) Reap(maxAge time.Duration) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var reaped []string

	for agentID, agent := range b.agents {
		if agent.LastPing.IsZero() || !agent.LastPing.Before(cutoff) {
			continue
		}

		for taskID, task := range b.agentTasks[agentID] {
			if _, done := b.taskResults[taskID]; done {
				continue
			}
			b.pendingTasks[taskID] = task
			b.pendingOrder = append(b.pendingOrder, taskID)
		}

		delete(b.agentTasks, agentID)
		delete(b.agents, agentID)
		reaped = append(reaped, agentID)
	}

	return reaped
}

// StartReaper runs Reap on a ticker until the context is canceled.
func (b *Broker) StartReaper(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.Reap(maxAge)
			}
		}
	}()
}

// Status returns a snapshot for the status endpoint.
func (b *Broker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	status := Status{
		RegisteredAgents: len(b.agents),
		PendingTasks:     len(b.pendingTasks),
	}

	for agentID, agent := range b.agents {
		active := len(b.agentTasks[agentID])
		status.ActiveTasks += active
		status.Agents = append(status.Agents, AgentStatus{
			AgentID:      agent.ID,
			Name:         agent.Name,
			Capabilities: agent.Capabilities,
			ActiveTasks:  active,
			LastSeen:     agent.LastPing,
		})
	}

	return status
}
