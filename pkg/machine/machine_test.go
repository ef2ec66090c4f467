package machine

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/collective/pkg/client"
	"github.com/cuemby/collective/pkg/config"
	"github.com/cuemby/collective/pkg/rpc"
	"github.com/cuemby/collective/pkg/types"
)

func testConfig(dir string) *config.Config {
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.RPCAddr = "127.0.0.1:0"
	cfg.HealthAddr = "127.0.0.1:0"
	cfg.Log.Level = "error"
	return cfg
}

func startMachine(t *testing.T, cfg *config.Config) *Machine {
	t.Helper()
	m, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	return m
}

func TestMachineBootsAndServes(t *testing.T) {
	m := startMachine(t, testConfig(t.TempDir()))
	defer m.Shutdown(context.Background())

	cli := client.New(m.RPCAddr())
	defer cli.Close()

	status, err := cli.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, m.MachineID(), status.MachineID)
	assert.Zero(t, status.MemoryCount)

	resp, err := http.Get("http://" + m.HealthAddr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMachineStatePersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	ctx := context.Background()

	m := startMachine(t, cfg)
	cli := client.New(m.RPCAddr())
	stored, err := cli.StoreMemory(ctx, rpc.StoreArgs{
		Content:  "staging db lives on db-stg-3 since the 2026 migration",
		Category: types.CategoryInfrastructure,
	})
	require.NoError(t, err)
	cli.Close()
	m.Shutdown(ctx)

	m2 := startMachine(t, cfg)
	defer m2.Shutdown(ctx)
	assert.Equal(t, m.MachineID(), m2.MachineID())

	cli2 := client.New(m2.RPCAddr())
	defer cli2.Close()
	got, err := cli2.GetMemory(ctx, stored.ID, false)
	require.NoError(t, err)
	assert.Equal(t, stored.Content, got.Content)
	assert.Equal(t, stored.Version, got.Version)

	results, err := cli2.Search(ctx, rpc.SearchArgs{Query: "staging db migration", Limit: 3})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, stored.ID, results[0].Memory.ID)
}

func TestMachineShutdownIsClean(t *testing.T) {
	m := startMachine(t, testConfig(t.TempDir()))

	done := make(chan struct{})
	go func() {
		m.Shutdown(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("shutdown hung")
	}
}
