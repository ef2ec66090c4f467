package sync

import (
	"context"
	"encoding/json"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/collective/pkg/cache"
	"github.com/cuemby/collective/pkg/clock"
	"github.com/cuemby/collective/pkg/config"
	"github.com/cuemby/collective/pkg/fault"
	"github.com/cuemby/collective/pkg/index"
	"github.com/cuemby/collective/pkg/memory"
	"github.com/cuemby/collective/pkg/registry"
	"github.com/cuemby/collective/pkg/storage"
	"github.com/cuemby/collective/pkg/types"
)

// loopback wires engines to each other in process and records every
// envelope that crosses it, so tests can assert on the wire itself.
type loopback struct {
	mu       stdsync.Mutex
	engines  map[string]*Engine
	recorded []types.SyncMessage
}

func newLoopback() *loopback {
	return &loopback{engines: make(map[string]*Engine)}
}

func (l *loopback) register(endpoint string, e *Engine) {
	l.mu.Lock()
	l.engines[endpoint] = e
	l.mu.Unlock()
}

func (l *loopback) target(endpoint string) (*Engine, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.engines[endpoint]
	if !ok {
		return nil, fault.Transportf(nil, "no route to %s", endpoint)
	}
	return e, nil
}

func (l *loopback) record(msg types.SyncMessage) {
	l.mu.Lock()
	l.recorded = append(l.recorded, msg)
	l.mu.Unlock()
}

func (l *loopback) wire() []types.SyncMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]types.SyncMessage(nil), l.recorded...)
}

func (l *loopback) Push(ctx context.Context, endpoint string, msg types.SyncMessage) error {
	e, err := l.target(endpoint)
	if err != nil {
		return err
	}
	l.record(msg)
	_, err = e.HandleEnvelope(ctx, msg)
	return err
}

func (l *loopback) Digest(ctx context.Context, endpoint string, msg types.SyncMessage) (types.Digest, error) {
	e, err := l.target(endpoint)
	if err != nil {
		return types.Digest{}, err
	}
	l.record(msg)
	reply, err := e.HandleEnvelope(ctx, msg)
	if err != nil {
		return types.Digest{}, err
	}
	return reply.(types.Digest), nil
}

func (l *loopback) Fetch(ctx context.Context, endpoint string, msg types.SyncMessage) ([]types.Change, error) {
	e, err := l.target(endpoint)
	if err != nil {
		return nil, err
	}
	l.record(msg)
	reply, err := e.HandleEnvelope(ctx, msg)
	if err != nil {
		return nil, err
	}
	changes := reply.([]types.Change)
	for _, c := range changes {
		raw, _ := json.Marshal(c)
		l.record(types.SyncMessage{From: msg.To, To: msg.From, Kind: types.MessageChange, Payload: raw})
	}
	return changes, nil
}

func (l *loopback) Close() error { return nil }

type testNode struct {
	machineID string
	store     *memory.Store
	engine    *Engine
}

func testSyncConfig() config.SyncConfig {
	cfg := config.Default().Sync
	// Loops are driven explicitly in tests; keep the tickers out of the
	// way and the retry budget small.
	cfg.DigestInterval = config.Duration(time.Hour)
	cfg.HeartbeatInterval = config.Duration(time.Hour)
	cfg.PeerTimeout = config.Duration(2 * time.Second)
	cfg.BackoffBase = config.Duration(5 * time.Millisecond)
	cfg.BackoffCap = config.Duration(20 * time.Millisecond)
	cfg.QuarantineThreshold = 3
	return cfg
}

func newTestNode(t *testing.T, lb *loopback, machineID, endpoint string, peers []config.PeerConfig, h Handlers) *testNode {
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

	e := New(testSyncConfig(), machineID, st, bolt, registry.NewStatic(machineID, peers), lb, h)
	lb.register(endpoint, e)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)

	return &testNode{machineID: machineID, store: st, engine: e}
}

func storeOn(t *testing.T, n *testNode, content string, scope types.Scope) *types.Memory {
	t.Helper()
	m, err := n.store.Store(context.Background(), memory.StoreRequest{
		Content:  content,
		Category: types.CategoryGlobal,
		Scope:    scope,
		AgentID:  "agent-" + n.machineID,
	})
	require.NoError(t, err)
	return m
}

func hasMemory(n *testNode, id string) bool {
	_, err := n.store.Get(context.Background(), id, false)
	return err == nil
}

func TestChangesReplicateThroughOutboxes(t *testing.T) {
	lb := newLoopback()
	a := newTestNode(t, lb, "ma", "ep-a", []config.PeerConfig{{MachineID: "mb", Endpoint: "ep-b"}}, Handlers{})
	b := newTestNode(t, lb, "mb", "ep-b", []config.PeerConfig{{MachineID: "ma", Endpoint: "ep-a"}}, Handlers{})

	m := storeOn(t, a, "postgres failover runbook tested on staging", types.ScopeCollective)
	require.Eventually(t, func() bool { return hasMemory(b, m.ID) },
		2*time.Second, 10*time.Millisecond)

	got, err := b.store.Get(context.Background(), m.ID, false)
	require.NoError(t, err)
	assert.Equal(t, m.Content, got.Content)
	assert.Equal(t, m.Version, got.Version)
}

func TestPerOriginOrderPreserved(t *testing.T) {
	lb := newLoopback()
	a := newTestNode(t, lb, "ma", "ep-a", []config.PeerConfig{{MachineID: "mb", Endpoint: "ep-b"}}, Handlers{})
	b := newTestNode(t, lb, "mb", "ep-b", []config.PeerConfig{{MachineID: "ma", Endpoint: "ep-a"}}, Handlers{})

	ctx := context.Background()
	m := storeOn(t, a, "revision one", types.ScopeCollective)
	var last *types.Memory
	for _, content := range []string{"revision two", "revision three", "revision four"} {
		c := content
		var err error
		last, err = a.store.Update(ctx, m.ID, memory.Patch{Content: &c})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		got, err := b.store.Get(ctx, m.ID, false)
		return err == nil && got.Version.Equal(last.Version)
	}, 2*time.Second, 10*time.Millisecond)

	got, err := b.store.Get(ctx, m.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "revision four", got.Content)
	// In-order delivery means every apply superseded the previous one
	// cleanly; nothing was shadowed.
	assert.Empty(t, got.ShadowHistory)
}

func TestDigestRepairsDivergence(t *testing.T) {
	lb := newLoopback()
	// A knows no peers, so its push path has nowhere to deliver; only
	// the digest exchange initiated by B can repair the divergence.
	a := newTestNode(t, lb, "ma", "ep-a", nil, Handlers{})
	m := storeOn(t, a, "dns cutover checklist", types.ScopeCollective)

	b := newTestNode(t, lb, "mb", "ep-b", []config.PeerConfig{{MachineID: "ma", Endpoint: "ep-a"}}, Handlers{})
	require.False(t, hasMemory(b, m.ID))

	b.engine.TriggerSync(context.Background(), false)
	require.True(t, hasMemory(b, m.ID))

	status := b.engine.Status()
	assert.Equal(t, 1, status.PeerCount)
	assert.False(t, status.LastDigestAt.IsZero())
}

func TestThreeNodesConverge(t *testing.T) {
	lb := newLoopback()
	peersFor := func(self string) []config.PeerConfig {
		all := []config.PeerConfig{
			{MachineID: "ma", Endpoint: "ep-a"},
			{MachineID: "mb", Endpoint: "ep-b"},
			{MachineID: "mc", Endpoint: "ep-c"},
		}
		out := make([]config.PeerConfig, 0, 2)
		for _, p := range all {
			if p.MachineID != self {
				out = append(out, p)
			}
		}
		return out
	}
	a := newTestNode(t, lb, "ma", "ep-a", peersFor("ma"), Handlers{})
	b := newTestNode(t, lb, "mb", "ep-b", peersFor("mb"), Handlers{})
	c := newTestNode(t, lb, "mc", "ep-c", peersFor("mc"), Handlers{})
	nodes := []*testNode{a, b, c}

	ctx := context.Background()
	ma := storeOn(t, a, "incident 4312 root cause was a leaked file descriptor", types.ScopeCollective)
	mb := storeOn(t, b, "deploy window moved to 02:00 utc", types.ScopeCollective)
	mc := storeOn(t, c, "grafana dashboard for the ingest pipeline", types.ScopeCollective)

	require.Eventually(t, func() bool {
		for _, n := range nodes {
			for _, id := range []string{ma.ID, mb.ID, mc.ID} {
				if !hasMemory(n, id) {
					return false
				}
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)

	// A deletes B's memory; the deletion replicates everywhere.
	_, err := a.store.SoftDelete(ctx, mb.ID, "superseded", "agent-ma")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return !hasMemory(b, mb.ID) && !hasMemory(c, mb.ID)
	}, 3*time.Second, 10*time.Millisecond)

	// Replicable state is byte-identical across the fleet.
	wantHash := a.store.RecentIDsHash(128)
	wantCp := a.store.Checkpoints()
	for _, n := range nodes[1:] {
		assert.Equal(t, wantHash, n.store.RecentIDsHash(128), "node %s diverged", n.machineID)
		assert.Equal(t, wantCp, n.store.Checkpoints())
	}
}

func TestMachineLocalNeverCrossesTheWire(t *testing.T) {
	lb := newLoopback()
	a := newTestNode(t, lb, "ma", "ep-a", []config.PeerConfig{{MachineID: "mb", Endpoint: "ep-b"}}, Handlers{})
	b := newTestNode(t, lb, "mb", "ep-b", []config.PeerConfig{{MachineID: "ma", Endpoint: "ep-a"}}, Handlers{})

	private := storeOn(t, a, "scratch note for this machine only", types.ScopeMachineLocal)
	shared := storeOn(t, a, "shared operational fact", types.ScopeCollective)

	require.Eventually(t, func() bool { return hasMemory(b, shared.ID) },
		2*time.Second, 10*time.Millisecond)
	b.engine.TriggerSync(context.Background(), false)

	assert.False(t, hasMemory(b, private.ID))
	for _, msg := range lb.wire() {
		if len(msg.Payload) > 0 {
			assert.NotContains(t, string(msg.Payload), private.ID,
				"machine-local id leaked in a %s envelope", msg.Kind)
		}
	}
}

func TestPoisonedChangeIsQuarantined(t *testing.T) {
	lb := newLoopback()
	b := newTestNode(t, lb, "mb", "ep-b", nil, Handlers{})

	poison := &types.Memory{
		ID:       "ma:01HPOISON",
		Content:  "never applies",
		Category: types.CategoryGlobal,
		Scope:    types.ScopeMachineLocal,
		Version:  types.Version{Counter: 3, MachineID: "ma"},
		State:    types.MemoryStateActive,
	}
	payload, err := json.Marshal(types.Change{Kind: types.ChangeCreate, Memory: poison})
	require.NoError(t, err)

	_, err = b.engine.HandleEnvelope(context.Background(), types.SyncMessage{
		From: "ma", To: "mb", Kind: types.MessageChange, Seq: 1, Payload: payload,
	})
	assert.Equal(t, fault.Policy, fault.KindOf(err))

	// Local state is untouched and the change is parked for review.
	assert.Equal(t, 0, b.store.ActiveCount())
	list, err := b.engine.Quarantined()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "ma:01HPOISON@(3,ma)", list[0].Key)
	assert.Equal(t, "ma", list[0].Peer)

	// Retry fails the same way and keeps the entry.
	err = b.engine.RetryQuarantined(context.Background(), list[0].Key)
	assert.Equal(t, fault.Policy, fault.KindOf(err))

	err = b.engine.RetryQuarantined(context.Background(), "nope@!")
	assert.Equal(t, fault.NotFound, fault.KindOf(err))
}

func TestHeartbeatsCarryAgentSnapshots(t *testing.T) {
	lb := newLoopback()
	roster := []types.AgentSnapshot{
		{ID: "agent-1", MachineID: "ma", Role: "builder", Status: types.AgentIdle},
	}
	a := newTestNode(t, lb, "ma", "ep-a",
		[]config.PeerConfig{{MachineID: "mb", Endpoint: "ep-b"}},
		Handlers{
			AgentSnapshots: func() []types.AgentSnapshot { return roster },
			LoadHint:       func() float64 { return 0.25 },
		})

	var mu stdsync.Mutex
	var got []types.AgentSnapshot
	newTestNode(t, lb, "mb", "ep-b",
		[]config.PeerConfig{{MachineID: "ma", Endpoint: "ep-a"}},
		Handlers{
			OnAgents: func(from string, agents []types.AgentSnapshot) {
				mu.Lock()
				got = append([]types.AgentSnapshot(nil), agents...)
				mu.Unlock()
			},
		})

	a.engine.sendHeartbeats()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "agent-1", got[0].ID)
	assert.Equal(t, "builder", got[0].Role)
}
