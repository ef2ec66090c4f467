package registry

import (
	"context"

	"github.com/cuemby/collective/pkg/config"
	"github.com/cuemby/collective/pkg/types"
)

// Entry identifies one machine in the fleet.
type Entry struct {
	MachineID string `json:"machine_id"`
	Endpoint  string `json:"endpoint"`
}

// Discovery yields the current peer set. Implementations never return
// the local machine.
type Discovery interface {
	// Announce registers the local machine; static backends no-op.
	Announce(ctx context.Context, self Entry) error
	// Peers lists the currently known remote machines.
	Peers(ctx context.Context) ([]Entry, error)
	Close() error
}

// StaticDiscovery serves the peer list from configuration.
type StaticDiscovery struct {
	self  string
	peers []Entry
}

// NewStatic builds a discovery from configured peers, excluding self.
func NewStatic(selfMachineID string, peers []config.PeerConfig) *StaticDiscovery {
	entries := make([]Entry, 0, len(peers))
	for _, p := range peers {
		if p.MachineID == selfMachineID {
			continue
		}
		entries = append(entries, Entry{MachineID: p.MachineID, Endpoint: p.Endpoint})
	}
	return &StaticDiscovery{self: selfMachineID, peers: entries}
}

// Announce is a no-op for static configuration.
func (d *StaticDiscovery) Announce(context.Context, Entry) error {
	return nil
}

// Peers returns the configured remote machines.
func (d *StaticDiscovery) Peers(context.Context) ([]Entry, error) {
	out := make([]Entry, len(d.peers))
	copy(out, d.peers)
	return out, nil
}

// Close is a no-op.
func (d *StaticDiscovery) Close() error {
	return nil
}

// ToPeer converts an entry to the runtime peer record.
func (e Entry) ToPeer() types.Peer {
	return types.Peer{MachineID: e.MachineID, Endpoint: e.Endpoint}
}
