package bus

import (
	"context"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/collective/pkg/agent"
	"github.com/cuemby/collective/pkg/cache"
	"github.com/cuemby/collective/pkg/clock"
	"github.com/cuemby/collective/pkg/config"
	"github.com/cuemby/collective/pkg/fault"
	"github.com/cuemby/collective/pkg/index"
	"github.com/cuemby/collective/pkg/memory"
	"github.com/cuemby/collective/pkg/storage"
	"github.com/cuemby/collective/pkg/types"
)

// fakeSender captures peer-bound traffic instead of sending it.
type fakeSender struct {
	mu         stdsync.Mutex
	broadcasts []types.Broadcast
	tasks      []struct {
		machineID string
		ev        types.TaskEvent
	}
}

func (f *fakeSender) SendBroadcast(_ context.Context, b types.Broadcast) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, b)
	return nil
}

func (f *fakeSender) SendTask(_ context.Context, machineID string, ev types.TaskEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, struct {
		machineID string
		ev        types.TaskEvent
	}{machineID, ev})
	return nil
}

func (f *fakeSender) sentTasks() []types.TaskEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.TaskEvent, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t.ev)
	}
	return out
}

type testBus struct {
	bus    *Bus
	agents *agent.Registry
	store  *memory.Store
	sender *fakeSender
}

func newTestBus(t *testing.T, machineID string, ackWait time.Duration) *testBus {
	t.Helper()
	dir := t.TempDir()
	disk, err := storage.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { disk.Close() })

	bolt, err := storage.NewBoltIndex(dir)
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	ttl := cache.NewMemoryCache()
	t.Cleanup(func() { ttl.Close() })

	st, err := memory.Open(memory.Options{
		Retention:    30 * 24 * time.Hour,
		CacheTTL:     time.Minute,
		RingCapacity: 256,
		Confidence:   config.Default().Confidence,
	}, clock.New(machineID), disk, index.New(index.NewHashEmbedder(128), index.NewMemoryVectorStore()), ttl)
	require.NoError(t, err)

	cfg := config.AgentConfig{
		LeaseDuration: config.Duration(5 * time.Minute),
		TaskAckWait:   config.Duration(ackWait),
	}
	agents, err := agent.New(cfg, machineID, bolt)
	require.NoError(t, err)

	sender := &fakeSender{}
	b := New(cfg, machineID, agents, st, bolt, sender)
	t.Cleanup(b.Close)
	return &testBus{bus: b, agents: agents, store: st, sender: sender}
}

func TestPublishDeliversLocallyAndFansOut(t *testing.T) {
	tb := newTestBus(t, "ma", time.Second)
	events, cancel := tb.bus.Subscribe()
	defer cancel()

	bc, err := tb.bus.Publish(context.Background(), "es cluster yellow", types.SeverityWarning, types.CategoryMonitoring, "agent-1")
	require.NoError(t, err)

	select {
	case ev := <-events:
		require.NotNil(t, ev.Broadcast)
		assert.Equal(t, bc.ID, ev.Broadcast.ID)
		assert.Equal(t, types.SeverityWarning, ev.Broadcast.Severity)
	case <-time.After(time.Second):
		t.Fatal("no local delivery")
	}

	require.Len(t, tb.sender.broadcasts, 1)
	assert.Equal(t, bc.ID, tb.sender.broadcasts[0].ID)
}

func TestInboundBroadcastDeduplicatesOnID(t *testing.T) {
	tb := newTestBus(t, "mb", time.Second)
	events, cancel := tb.bus.Subscribe()
	defer cancel()

	bc := types.Broadcast{
		ID:       "bcast-1",
		Category: types.CategoryGlobal,
		Severity: types.SeverityInfo,
		Message:  "deploy done",
	}
	tb.bus.HandleBroadcast(context.Background(), "ma", bc)
	tb.bus.HandleBroadcast(context.Background(), "mc", bc)

	delivered := 0
	timeout := time.After(200 * time.Millisecond)
	for {
		select {
		case <-events:
			delivered++
		case <-timeout:
			assert.Equal(t, 1, delivered)
			return
		}
	}
}

func TestDelegateToLocalAgentAckAndComplete(t *testing.T) {
	tb := newTestBus(t, "ma", 2*time.Second)
	ctx := context.Background()

	a, err := tb.agents.Register(ctx, "ops", []string{"elasticsearch_ops"})
	require.NoError(t, err)

	events, cancel := tb.bus.Subscribe()
	defer cancel()

	type result struct {
		task *types.Task
		err  error
	}
	done := make(chan result, 1)
	go func() {
		task, err := tb.bus.Delegate(ctx, DelegateRequest{
			Description:      "Restart es on elastic1",
			Required:         []string{"elasticsearch_ops"},
			RequesterAgentID: "agent-req",
		})
		done <- result{task, err}
	}()

	// The local agent sees the delegation on the bus and acks it.
	var delegated *types.Task
	select {
	case ev := <-events:
		require.NotNil(t, ev.Task)
		require.Equal(t, types.TaskEventDelegate, ev.Task.Kind)
		delegated = ev.Task.Task
	case <-time.After(time.Second):
		t.Fatal("delegation never reached the local agent")
	}
	require.NoError(t, tb.bus.Ack(ctx, types.TaskAck{TaskID: delegated.ID, AgentID: a.ID, MachineID: "ma"}))

	res := <-done
	require.NoError(t, res.err)
	task := res.task
	assert.Equal(t, types.TaskStateInProgress, task.State)
	assert.Equal(t, a.ID, task.AssigneeAgentID)

	finished, err := tb.bus.Complete(ctx, task.ID, true, a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateDone, finished.State)

	_, err = tb.bus.Complete(ctx, task.ID, true, a.ID)
	assert.Equal(t, fault.Conflict, fault.KindOf(err))

	// Every transition was recorded as a searchable memory.
	history, err := tb.store.Search(ctx, memory.SearchRequest{
		Query:  "Restart es on elastic1",
		Filter: index.Filter{TagsAny: []string{"task"}},
		Limit:  10,
	})
	require.NoError(t, err)
	states := map[string]bool{}
	for _, h := range history {
		for _, tag := range h.Memory.Tags {
			states[tag] = true
		}
	}
	assert.True(t, states[string(types.TaskStateAssigned)])
	assert.True(t, states[string(types.TaskStateDone)])
}

func TestDelegateForwardsToRemoteMachine(t *testing.T) {
	tb := newTestBus(t, "ma", 2*time.Second)
	ctx := context.Background()

	tb.agents.MergeSnapshots("mb", []types.AgentSnapshot{
		{ID: "remote-ops", MachineID: "mb", Role: "ops", Capabilities: []string{"elasticsearch_ops"}, Status: types.AgentIdle},
	})

	type result struct {
		task *types.Task
		err  error
	}
	done := make(chan result, 1)
	go func() {
		task, err := tb.bus.Delegate(ctx, DelegateRequest{
			Description: "Restart es on elastic1",
			Required:    []string{"elasticsearch_ops"},
		})
		done <- result{task, err}
	}()

	// Wait for the forwarded delegation, then simulate the remote ack
	// arriving back over the wire.
	var taskID string
	require.Eventually(t, func() bool {
		for _, ev := range tb.sender.sentTasks() {
			if ev.Kind == types.TaskEventDelegate && ev.Task != nil {
				taskID = ev.Task.ID
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	tb.bus.HandleTask(ctx, "mb", types.TaskEvent{
		Kind: types.TaskEventAck,
		Ack:  &types.TaskAck{TaskID: taskID, AgentID: "remote-ops", MachineID: "mb", AckedAt: time.Now().UTC()},
	})

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, types.TaskStateInProgress, res.task.State)
	assert.Equal(t, "mb", res.task.AssigneeMachineID)
}

func TestDelegateDowngradesWithoutAck(t *testing.T) {
	tb := newTestBus(t, "ma", 30*time.Millisecond)
	ctx := context.Background()

	_, err := tb.agents.Register(ctx, "ops", []string{"elasticsearch_ops"})
	require.NoError(t, err)

	// Nobody acks; after the retry the delegation stays assigned.
	task, err := tb.bus.Delegate(ctx, DelegateRequest{
		Description: "Restart es on elastic1",
		Required:    []string{"elasticsearch_ops"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateAssigned, task.State)
}

func TestDelegateWithoutCapableAgent(t *testing.T) {
	tb := newTestBus(t, "ma", time.Second)
	_, err := tb.bus.Delegate(context.Background(), DelegateRequest{
		Description: "anything",
		Required:    []string{"quantum_ops"},
	})
	assert.Equal(t, fault.NotFound, fault.KindOf(err))
}

func TestCancelIsAdvisory(t *testing.T) {
	tb := newTestBus(t, "ma", 30*time.Millisecond)
	ctx := context.Background()

	_, err := tb.agents.Register(ctx, "ops", []string{"elasticsearch_ops"})
	require.NoError(t, err)
	task, err := tb.bus.Delegate(ctx, DelegateRequest{
		Description: "long running reindex",
		Required:    []string{"elasticsearch_ops"},
	})
	require.NoError(t, err)

	cancelled, err := tb.bus.Cancel(ctx, task.ID, "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateCancelled, cancelled.State)

	_, err = tb.bus.Cancel(ctx, task.ID, "again")
	assert.Equal(t, fault.Conflict, fault.KindOf(err))
}

func TestDiscoverBroadcastsAndStores(t *testing.T) {
	tb := newTestBus(t, "ma", time.Second)
	ctx := context.Background()

	bc, m, err := tb.bus.Discover(ctx, "staging db has a replica lag alarm at 10s", types.CategoryInfrastructure, []string{"postgres"}, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, bc)
	require.NotNil(t, m)
	assert.Contains(t, m.Tags, "discovery")
	assert.Contains(t, m.Tags, "postgres")

	results, err := tb.store.Search(ctx, memory.SearchRequest{Query: "replica lag alarm", Limit: 3})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, m.ID, results[0].Memory.ID)
}
