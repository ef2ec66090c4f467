package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/collective/pkg/config"
	"github.com/cuemby/collective/pkg/fault"
	"github.com/cuemby/collective/pkg/storage"
	"github.com/cuemby/collective/pkg/types"
)

func newTestRegistry(t *testing.T, machineID string) *Registry {
	t.Helper()
	bolt, err := storage.NewBoltIndex(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	cfg := config.AgentConfig{
		LeaseDuration: config.Duration(5 * time.Minute),
		TaskAckWait:   config.Duration(30 * time.Second),
	}
	r, err := New(cfg, machineID, bolt)
	require.NoError(t, err)
	return r
}

func TestRegisterHeartbeatDeregister(t *testing.T) {
	r := newTestRegistry(t, "ma")
	ctx := context.Background()

	a, err := r.Register(ctx, "builder", []string{"Go", "docker", "go"})
	require.NoError(t, err)
	assert.Equal(t, "ma", a.MachineID)
	assert.Equal(t, types.AgentIdle, a.Status)
	assert.Equal(t, []string{"docker", "go"}, a.Capabilities)

	require.NoError(t, r.Heartbeat(ctx, a.ID, types.AgentBusy))
	roster := r.Roster(RosterFilter{Status: types.AgentBusy})
	require.Len(t, roster, 1)
	assert.Equal(t, a.ID, roster[0].ID)

	require.NoError(t, r.Deregister(ctx, a.ID))
	assert.Empty(t, r.Roster(RosterFilter{}))
	assert.Equal(t, fault.NotFound, fault.KindOf(r.Heartbeat(ctx, a.ID, types.AgentIdle)))
}

func TestRegistrationsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	bolt, err := storage.NewBoltIndex(dir)
	require.NoError(t, err)
	cfg := config.AgentConfig{
		LeaseDuration: config.Duration(5 * time.Minute),
		TaskAckWait:   config.Duration(30 * time.Second),
	}

	r, err := New(cfg, "ma", bolt)
	require.NoError(t, err)
	a, err := r.Register(context.Background(), "ops", []string{"elasticsearch_ops"})
	require.NoError(t, err)
	require.NoError(t, bolt.Close())

	bolt2, err := storage.NewBoltIndex(dir)
	require.NoError(t, err)
	t.Cleanup(func() { bolt2.Close() })
	r2, err := New(cfg, "ma", bolt2)
	require.NoError(t, err)

	roster := r2.Roster(RosterFilter{})
	require.Len(t, roster, 1)
	assert.Equal(t, a.ID, roster[0].ID)
}

func TestSweepMarksOfflineThenEvicts(t *testing.T) {
	r := newTestRegistry(t, "ma")
	var evicted []types.Agent
	r.SetOnEvict(func(a types.Agent) { evicted = append(evicted, a) })

	a, err := r.Register(context.Background(), "builder", []string{"go"})
	require.NoError(t, err)

	lease := r.cfg.LeaseDuration.Std()
	r.sweep(time.Now().Add(lease + time.Second))
	roster := r.Roster(RosterFilter{})
	require.Len(t, roster, 1)
	assert.Equal(t, types.AgentOffline, roster[0].Status)
	assert.Empty(t, evicted)

	r.sweep(time.Now().Add(2*lease + time.Second))
	assert.Empty(t, r.Roster(RosterFilter{}))
	require.Len(t, evicted, 1)
	assert.Equal(t, a.ID, evicted[0].ID)
}

func TestMergeSnapshotsAndRosterFilter(t *testing.T) {
	r := newTestRegistry(t, "ma")
	_, err := r.Register(context.Background(), "builder", []string{"go"})
	require.NoError(t, err)

	r.MergeSnapshots("mb", []types.AgentSnapshot{
		{ID: "remote-1", MachineID: "mb", Role: "ops", Capabilities: []string{"elasticsearch_ops"}, Status: types.AgentIdle},
	})
	// A later heartbeat replaces the peer roster wholesale.
	r.MergeSnapshots("mb", []types.AgentSnapshot{
		{ID: "remote-2", MachineID: "mb", Role: "ops", Capabilities: []string{"postgres_ops"}, Status: types.AgentIdle},
	})

	all := r.Roster(RosterFilter{})
	assert.Len(t, all, 2)
	ops := r.Roster(RosterFilter{Role: "ops"})
	require.Len(t, ops, 1)
	assert.Equal(t, "remote-2", ops[0].ID)
	assert.Empty(t, r.Roster(RosterFilter{Capability: "elasticsearch_ops"}))
}

func TestRoutePreferenceChain(t *testing.T) {
	r := newTestRegistry(t, "ma")
	ctx := context.Background()

	// No agents at all.
	_, err := r.Route([]string{"go"}, "")
	assert.Equal(t, fault.NotFound, fault.KindOf(err))

	// A local agent with every capability wins over a remote one.
	local, err := r.Register(ctx, "builder", []string{"go", "docker"})
	require.NoError(t, err)
	r.MergeSnapshots("mb", []types.AgentSnapshot{
		{ID: "remote-full", MachineID: "mb", Capabilities: []string{"go", "docker"}, Status: types.AgentIdle},
	})
	pick, err := r.Route([]string{"go"}, "")
	require.NoError(t, err)
	assert.Equal(t, local.ID, pick.ID)

	// With no local match, the idle agent with the highest overlap wins.
	pick, err = r.Route([]string{"elasticsearch_ops"}, "")
	assert.Equal(t, fault.NotFound, fault.KindOf(err))
	r.MergeSnapshots("mb", []types.AgentSnapshot{
		{ID: "remote-partial", MachineID: "mb", Capabilities: []string{"elasticsearch_ops"}, Status: types.AgentIdle},
		{ID: "remote-both", MachineID: "mb", Capabilities: []string{"elasticsearch_ops", "kibana_ops"}, Status: types.AgentIdle},
	})
	pick, err = r.Route([]string{"elasticsearch_ops", "kibana_ops"}, "")
	require.NoError(t, err)
	assert.Equal(t, "remote-both", pick.ID)

	// All capable agents busy: the least-loaded one takes it.
	r.MergeSnapshots("mb", []types.AgentSnapshot{
		{ID: "busy-2", MachineID: "mb", Capabilities: []string{"elasticsearch_ops"}, Status: types.AgentBusy, ActiveTasks: 2},
		{ID: "busy-1", MachineID: "mb", Capabilities: []string{"elasticsearch_ops"}, Status: types.AgentBusy, ActiveTasks: 1},
	})
	pick, err = r.Route([]string{"elasticsearch_ops"}, "")
	require.NoError(t, err)
	assert.Equal(t, "busy-1", pick.ID)
}

func TestAdjustTasksFollowsBusyIdle(t *testing.T) {
	r := newTestRegistry(t, "ma")
	a, err := r.Register(context.Background(), "builder", []string{"go"})
	require.NoError(t, err)

	r.AdjustTasks(a.ID, 1)
	roster := r.Roster(RosterFilter{})
	require.Len(t, roster, 1)
	assert.Equal(t, types.AgentBusy, roster[0].Status)
	assert.Equal(t, 1, roster[0].ActiveTasks)

	r.AdjustTasks(a.ID, -1)
	roster = r.Roster(RosterFilter{})
	assert.Equal(t, types.AgentIdle, roster[0].Status)
	assert.Equal(t, 0, roster[0].ActiveTasks)
}
