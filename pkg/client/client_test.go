package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/collective/pkg/agent"
	"github.com/cuemby/collective/pkg/bus"
	"github.com/cuemby/collective/pkg/cache"
	"github.com/cuemby/collective/pkg/clock"
	"github.com/cuemby/collective/pkg/config"
	"github.com/cuemby/collective/pkg/fault"
	"github.com/cuemby/collective/pkg/index"
	"github.com/cuemby/collective/pkg/memory"
	"github.com/cuemby/collective/pkg/registry"
	"github.com/cuemby/collective/pkg/rpc"
	"github.com/cuemby/collective/pkg/storage"
	collsync "github.com/cuemby/collective/pkg/sync"
	"github.com/cuemby/collective/pkg/types"
)

// node is one complete machine on a real TCP listener.
type node struct {
	machineID string
	server    *rpc.Server
	client    *Client
	store     *memory.Store
	agents    *agent.Registry
	bus       *bus.Bus
	engine    *collsync.Engine
}

func newNode(t *testing.T, machineID string, peers []config.PeerConfig) *node {
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

	acfg := config.AgentConfig{
		LeaseDuration: config.Duration(5 * time.Minute),
		TaskAckWait:   config.Duration(2 * time.Second),
	}
	agents, err := agent.New(acfg, machineID, bolt)
	require.NoError(t, err)

	scfg := config.Default().Sync
	scfg.DigestInterval = config.Duration(time.Hour)
	scfg.HeartbeatInterval = config.Duration(time.Hour)
	scfg.PeerTimeout = config.Duration(2 * time.Second)
	scfg.BackoffBase = config.Duration(5 * time.Millisecond)
	scfg.BackoffCap = config.Duration(50 * time.Millisecond)

	// The bus and the engine reference each other; the handler closures
	// resolve the bus after both exist.
	var b *bus.Bus
	eng := collsync.New(scfg, machineID, st, bolt, registry.NewStatic(machineID, peers), NewPeerTransport(), collsync.Handlers{
		OnBroadcast:    func(ctx context.Context, from string, bc types.Broadcast) { b.HandleBroadcast(ctx, from, bc) },
		OnTask:         func(ctx context.Context, from string, ev types.TaskEvent) { b.HandleTask(ctx, from, ev) },
		OnAgents:       func(from string, snaps []types.AgentSnapshot) { agents.MergeSnapshots(from, snaps) },
		AgentSnapshots: agents.Snapshots,
	})
	b = bus.New(acfg, machineID, agents, st, bolt, eng)
	t.Cleanup(b.Close)

	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)

	srv := rpc.NewServer("127.0.0.1:0", rpc.Deps{
		MachineID: machineID,
		Store:     st,
		Agents:    agents,
		Bus:       b,
		Engine:    eng,
		Status:    eng.Status,
	})
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(srv.Stop)

	cli := New(srv.Addr()).WithActor("test-agent")
	t.Cleanup(func() { cli.Close() })
	return &node{machineID: machineID, server: srv, client: cli, store: st, agents: agents, bus: b, engine: eng}
}

func TestMemoryLifecycleOverRPC(t *testing.T) {
	n := newNode(t, "ma", nil)
	ctx := context.Background()

	stored, err := n.client.StoreMemory(ctx, rpc.StoreArgs{
		Content:  "elastic1 requires manual index rotation after upgrades",
		Category: types.CategoryRunbooks,
		Tags:     []string{"elasticsearch"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, stored.ID)
	assert.Equal(t, "test-agent", stored.Origin.AgentID)

	results, err := n.client.Search(ctx, rpc.SearchArgs{Query: "index rotation after upgrades", Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, stored.ID, results[0].Memory.ID)

	content := "elastic1 rotates indexes automatically since v9"
	updated, err := n.client.UpdateMemory(ctx, rpc.UpdateArgs{ID: stored.ID, Content: &content})
	require.NoError(t, err)
	assert.Equal(t, content, updated.Content)
	assert.True(t, stored.Version.Less(updated.Version))

	require.NoError(t, n.client.DeleteMemory(ctx, stored.ID, "superseded", false))
	_, err = n.client.GetMemory(ctx, stored.ID, false)
	assert.Equal(t, fault.NotFound, fault.KindOf(err))

	recovered, err := n.client.RecoverMemory(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, types.MemoryStateActive, recovered.State)

	listed, err := n.client.ListMemories(ctx, rpc.ListArgs{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestFaultKindsCrossTheWire(t *testing.T) {
	n := newNode(t, "ma", nil)
	ctx := context.Background()

	_, err := n.client.GetMemory(ctx, "ma:01DOESNOTEXIST", false)
	assert.Equal(t, fault.NotFound, fault.KindOf(err))

	_, err = n.client.StoreMemory(ctx, rpc.StoreArgs{Content: "", Category: types.CategoryGlobal})
	assert.Equal(t, fault.Validation, fault.KindOf(err))
}

func TestWatchStreamsBroadcasts(t *testing.T) {
	n := newNode(t, "ma", nil)
	ctx := context.Background()

	events, cancel, err := n.client.Watch(ctx)
	require.NoError(t, err)
	defer cancel()

	sent, err := n.client.Broadcast(ctx, rpc.BroadcastArgs{
		Message:  "es cluster yellow on elastic1",
		Severity: types.SeverityWarning,
		Category: types.CategoryMonitoring,
	})
	require.NoError(t, err)

	select {
	case ev := <-events:
		require.NotNil(t, ev.Broadcast)
		assert.Equal(t, sent.ID, ev.Broadcast.ID)
		assert.Equal(t, types.SeverityWarning, ev.Broadcast.Severity)
	case <-time.After(2 * time.Second):
		t.Fatal("watch never delivered the broadcast")
	}
}

func TestTaskHandshakeOverRPC(t *testing.T) {
	n := newNode(t, "ma", nil)
	ctx := context.Background()

	worker, err := n.client.RegisterAgent(ctx, "ops", []string{"elasticsearch_ops"})
	require.NoError(t, err)

	roster, err := n.client.Roster(ctx, rpc.RosterArgs{Capability: "elasticsearch_ops"})
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, worker.ID, roster[0].ID)

	events, cancel, err := n.client.Watch(ctx)
	require.NoError(t, err)
	defer cancel()

	// Delegate blocks its connection until the ack lands, so the worker
	// answers over its own client.
	wcli := New(n.server.Addr()).WithActor(worker.ID)
	defer wcli.Close()

	type result struct {
		task *types.Task
		err  error
	}
	done := make(chan result, 1)
	go func() {
		task, err := n.client.Delegate(ctx, rpc.DelegateArgs{
			Description: "Restart es on elastic1",
			Required:    []string{"elasticsearch_ops"},
		})
		done <- result{task, err}
	}()

	// The worker sees the delegation on the watch stream and acks it.
	var delegated *types.Task
	select {
	case ev := <-events:
		require.NotNil(t, ev.Task)
		require.Equal(t, types.TaskEventDelegate, ev.Task.Kind)
		delegated = ev.Task.Task
	case <-time.After(2 * time.Second):
		t.Fatal("delegation never reached the watch stream")
	}
	require.NoError(t, wcli.AckTask(ctx, types.TaskAck{TaskID: delegated.ID, AgentID: worker.ID}))

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, types.TaskStateInProgress, res.task.State)
	assert.Equal(t, worker.ID, res.task.AssigneeAgentID)

	finished, err := n.client.CompleteTask(ctx, res.task.ID, true, worker.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateDone, finished.State)

	fetched, err := n.client.GetTask(ctx, res.task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateDone, fetched.State)
}

func TestTwoMachinesReplicateOverTCP(t *testing.T) {
	a := newNode(t, "ma", nil)
	b := newNode(t, "mb", []config.PeerConfig{{MachineID: "ma", Endpoint: a.server.Addr()}})
	ctx := context.Background()

	// B discovers its peer at start; an explicit digest round pulls
	// whatever A already holds.
	onA, err := a.client.StoreMemory(ctx, rpc.StoreArgs{
		Content:  "staging db password rotated on 2026-08-20",
		Category: types.CategoryInfrastructure,
	})
	require.NoError(t, err)

	_, err = b.client.TriggerSync(ctx, false)
	require.NoError(t, err)

	got, err := b.client.GetMemory(ctx, onA.ID, false)
	require.NoError(t, err)
	assert.Equal(t, onA.Content, got.Content)

	// The push path delivers B's writes to A without any digest round.
	onB, err := b.client.StoreMemory(ctx, rpc.StoreArgs{
		Content:  "elastic1 heap raised to 8g",
		Category: types.CategoryInfrastructure,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := a.client.GetMemory(ctx, onB.ID, false)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	status, err := b.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "mb", status.MachineID)
	assert.Equal(t, 1, status.PeerCount)
	assert.False(t, status.NeedsFullResync)
}

func TestClientReconnectsAfterServerRestartlessDrop(t *testing.T) {
	n := newNode(t, "ma", nil)
	ctx := context.Background()

	_, err := n.client.Status(ctx)
	require.NoError(t, err)

	// Drop the client's connection out from under it; the next call
	// redials transparently.
	require.NoError(t, n.client.Close())
	status, err := n.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ma", status.MachineID)
}
