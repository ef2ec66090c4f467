package sync

import (
	"context"

	"github.com/cuemby/collective/pkg/fault"
	"github.com/cuemby/collective/pkg/types"
)

// Transport carries sync envelopes to a peer endpoint. Implementations
// hold persistent connections; errors are fault.Transport.
type Transport interface {
	// Push delivers a one-way envelope. A nil error is the peer's ack.
	Push(ctx context.Context, endpoint string, msg types.SyncMessage) error
	// Digest sends our digest and returns the peer's digest in reply.
	Digest(ctx context.Context, endpoint string, msg types.SyncMessage) (types.Digest, error)
	// Fetch asks the peer for the changes named in the request payload.
	Fetch(ctx context.Context, endpoint string, msg types.SyncMessage) ([]types.Change, error)
	Close() error
}

// assertReplicable rejects machine-local payloads at the wire boundary.
// The store already filters the ring; this is the second, final gate.
func assertReplicable(c types.Change) error {
	if c.Memory != nil && c.Memory.Scope == types.ScopeMachineLocal {
		return fault.Policyf("machine-local memory %s cannot cross the machine boundary", c.Memory.ID)
	}
	return nil
}
