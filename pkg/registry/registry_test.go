package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/collective/pkg/config"
)

func TestStaticDiscoveryExcludesSelf(t *testing.T) {
	d := NewStatic("ma", []config.PeerConfig{
		{MachineID: "ma", Endpoint: "127.0.0.1:7946"},
		{MachineID: "mb", Endpoint: "10.0.0.2:7946"},
		{MachineID: "mc", Endpoint: "10.0.0.3:7946"},
	})
	defer d.Close()

	require.NoError(t, d.Announce(context.Background(), Entry{MachineID: "ma"}))

	peers, err := d.Peers(context.Background())
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, "mb", peers[0].MachineID)
	assert.Equal(t, "10.0.0.2:7946", peers[0].Endpoint)
	assert.Equal(t, "mc", peers[1].MachineID)
}

func TestStaticDiscoveryReturnsCopies(t *testing.T) {
	d := NewStatic("ma", []config.PeerConfig{{MachineID: "mb", Endpoint: "x"}})
	peers, err := d.Peers(context.Background())
	require.NoError(t, err)
	peers[0].Endpoint = "mutated"

	again, err := d.Peers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "x", again[0].Endpoint)
}
