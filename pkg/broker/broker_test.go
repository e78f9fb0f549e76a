package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterRequiresID(t *testing.T) {
	b := New()
	err := b.Register(Agent{Name: "no-id"})
	require.Error(t, err)
}

func TestRegisterIsIdempotent(t *testing.T) {
	b := New()
	require.NoError(t, b.Register(Agent{ID: "a1", Capabilities: []string{"jira_operations"}}))
	require.NoError(t, b.Register(Agent{ID: "a1", Capabilities: []string{"confluence_operations"}}))

	status := b.Status()
	assert.Equal(t, 1, status.RegisteredAgents)
	assert.Equal(t, []string{"confluence_operations"}, status.Agents[0].Capabilities)
}

func TestPollUnknownAgent(t *testing.T) {
	b := New()
	_, err := b.Poll("ghost")
	require.Error(t, err)
}

func TestTaskLifecycle(t *testing.T) {
	b := New()
	require.NoError(t, b.Register(Agent{ID: "a1", Capabilities: []string{"jira_operations"}}))

	taskID := b.Submit("jira_search", map[string]any{"jql": "project = ENG"}, 10*time.Second)

	task, err := b.Poll("a1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, taskID, task.ID)
	assert.Equal(t, "jira_search", task.ToolName)
	assert.Equal(t, 10, task.TimeoutSeconds)

	// The task left the pending queue when it was handed out.
	again, err := b.Poll("a1")
	require.NoError(t, err)
	assert.Nil(t, again)

	b.Complete(TaskResult{TaskID: taskID, AgentID: "a1", Success: true, Result: `{"issues":[]}`})

	result, ok := b.Wait(context.Background(), taskID, time.Second)
	require.True(t, ok)
	assert.True(t, result.Success)
	assert.Equal(t, `{"issues":[]}`, result.Result)
}

func TestAtMostOnceDelivery(t *testing.T) {
	b := New()
	require.NoError(t, b.Register(Agent{ID: "a1", Capabilities: []string{"jira_operations"}}))
	require.NoError(t, b.Register(Agent{ID: "a2", Capabilities: []string{"jira_operations"}}))

	taskID := b.Submit("jira_search", nil, 0)

	t1, err := b.Poll("a1")
	require.NoError(t, err)
	require.NotNil(t, t1)
	require.Equal(t, taskID, t1.ID)

	t2, err := b.Poll("a2")
	require.NoError(t, err)
	assert.Nil(t, t2, "second poll must not receive the same task")
}

func TestFirstCompletionWins(t *testing.T) {
	b := New()
	require.NoError(t, b.Register(Agent{ID: "a1", Capabilities: []string{"jira_operations"}}))

	taskID := b.Submit("jira_search", nil, 0)
	_, err := b.Poll("a1")
	require.NoError(t, err)

	b.Complete(TaskResult{TaskID: taskID, AgentID: "a1", Success: true, Result: "first"})
	b.Complete(TaskResult{TaskID: taskID, AgentID: "a1", Success: false, Error: "late duplicate"})

	result, ok := b.GetResult(taskID)
	require.True(t, ok)
	assert.True(t, result.Success)
	assert.Equal(t, "first", result.Result)
}

func TestPollFIFOOrder(t *testing.T) {
	b := New()
	require.NoError(t, b.Register(Agent{ID: "a1", Capabilities: []string{"jira_operations"}}))

	first := b.Submit("jira_search", nil, 0)
	second := b.Submit("jira_get_issue", nil, 0)

	task, err := b.Poll("a1")
	require.NoError(t, err)
	assert.Equal(t, first, task.ID)

	task, err = b.Poll("a1")
	require.NoError(t, err)
	assert.Equal(t, second, task.ID)
}

func TestCapabilityMatching(t *testing.T) {
	tests := []struct {
		name         string
		capabilities []string
		toolName     string
		want         bool
	}{
		{"exact match", []string{"jira_search"}, "jira_search", true},
		{"jira prefix via coarse tag", []string{"jira_operations"}, "jira_search", true},
		{"jira prefix via atlassian tag", []string{"atlassian_integration"}, "jira_create_meta", true},
		{"confluence prefix", []string{"confluence_operations"}, "confluence_get_page", true},
		{"bundle satisfies prefix", []string{"khoros-atlassian"}, "jira_search", true},
		{"discovery matches anyone", []string{"whatever"}, DiscoveryToolName, true},
		{"no match", []string{"github_operations"}, "jira_search", false},
		{"unprefixed tool needs exact", []string{"jira_operations"}, "slack_search", false},
	}

	b := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent := &Agent{ID: "x", Capabilities: tt.capabilities}
			assert.Equal(t, tt.want, b.canHandle(agent, tt.toolName))
		})
	}
}

func TestWaitTimesOut(t *testing.T) {
	b := New()
	taskID := b.Submit("jira_search", nil, 0)

	start := time.Now()
	_, ok := b.Wait(context.Background(), taskID, 50*time.Millisecond)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitUnknownTask(t *testing.T) {
	b := New()
	_, ok := b.Wait(context.Background(), "nope", 50*time.Millisecond)
	assert.False(t, ok)
}

func TestWaitReceivesConcurrentCompletion(t *testing.T) {
	b := New()
	require.NoError(t, b.Register(Agent{ID: "a1", Capabilities: []string{"jira_operations"}}))
	taskID := b.Submit("jira_search", nil, 0)

	go func() {
		task, err := b.Poll("a1")
		if err != nil || task == nil {
			return
		}
		b.Complete(TaskResult{TaskID: task.ID, AgentID: "a1", Success: true, Result: "done"})
	}()

	result, ok := b.Wait(context.Background(), taskID, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, "done", result.Result)
}

func TestReapRequeuesOpenTasks(t *testing.T) {
	b := New()
	require.NoError(t, b.Register(Agent{ID: "stale", Capabilities: []string{"jira_operations"}}))

	taskID := b.Submit("jira_search", nil, 0)
	task, err := b.Poll("stale")
	require.NoError(t, err)
	require.NotNil(t, task)

	// Backdate the agent past the staleness threshold.
	b.mu.Lock()
	b.agents["stale"].LastPing = time.Now().Add(-time.Hour)
	b.mu.Unlock()

	reaped := b.Reap(DefaultAgentMaxAge)
	assert.Equal(t, []string{"stale"}, reaped)

	status := b.Status()
	assert.Equal(t, 0, status.RegisteredAgents)
	assert.Equal(t, 1, status.PendingTasks)

	// A fresh agent picks the re-enqueued task back up.
	require.NoError(t, b.Register(Agent{ID: "fresh", Capabilities: []string{"jira_operations"}}))
	task, err = b.Poll("fresh")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, taskID, task.ID)
}

func TestReapSkipsCompletedTasks(t *testing.T) {
	b := New()
	require.NoError(t, b.Register(Agent{ID: "stale", Capabilities: []string{"jira_operations"}}))

	taskID := b.Submit("jira_search", nil, 0)
	_, err := b.Poll("stale")
	require.NoError(t, err)
	b.Complete(TaskResult{TaskID: taskID, AgentID: "stale", Success: true})

	b.mu.Lock()
	b.agents["stale"].LastPing = time.Now().Add(-time.Hour)
	b.mu.Unlock()

	b.Reap(DefaultAgentMaxAge)
	assert.Equal(t, 0, b.Status().PendingTasks)
}

func TestFindAgentForCapability(t *testing.T) {
	b := New()
	require.NoError(t, b.Register(Agent{ID: "a1", Capabilities: []string{"jira_operations"}}))

	agent, ok := b.FindAgentForCapability("jira_operations")
	require.True(t, ok)
	assert.Equal(t, "a1", agent.ID)

	_, ok = b.FindAgentForCapability("github_operations")
	assert.False(t, ok)
}
