package health

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/collective/pkg/types"
)

func newTestServer(t *testing.T, status func() types.StatusSnapshot) *Server {
	t.Helper()
	srv := New("127.0.0.1:0", status)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })
	return srv
}

func TestLivez(t *testing.T) {
	srv := newTestServer(t, func() types.StatusSnapshot { return types.StatusSnapshot{} })

	resp, err := http.Get("http://" + srv.Addr() + "/livez")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthzCarriesStatusSnapshot(t *testing.T) {
	srv := newTestServer(t, func() types.StatusSnapshot {
		return types.StatusSnapshot{
			MachineID:        "ma",
			PeerCount:        2,
			UnreachablePeers: []string{"mc"},
			NeedsFullResync:  true,
		}
	})

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var snap types.StatusSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, "ma", snap.MachineID)
	assert.Equal(t, []string{"mc"}, snap.UnreachablePeers)
	assert.True(t, snap.NeedsFullResync)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, func() types.StatusSnapshot { return types.StatusSnapshot{} })

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "collective_")
}
