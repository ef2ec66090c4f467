package client

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/collective/pkg/fault"
	"github.com/cuemby/collective/pkg/log"
	"github.com/cuemby/collective/pkg/rpc"
	"github.com/cuemby/collective/pkg/types"
)

// peerConn is one sync.stream connection to a peer endpoint. Exchanges
// serialize on the mutex so response lines pair with their envelopes.
type peerConn struct {
	mu      sync.Mutex
	conn    net.Conn
	scanner *bufio.Scanner
	writer  *bufio.Writer
}

// PeerTransport replicates sync envelopes over the peers' RPC
// listeners: one persistent sync.stream connection per endpoint,
// redialed on failure.
type PeerTransport struct {
	mu    sync.Mutex
	conns map[string]*peerConn
	lg    zerolog.Logger
}

// NewPeerTransport builds an empty transport. Connections are dialed on
// first use per endpoint.
func NewPeerTransport() *PeerTransport {
	return &PeerTransport{
		conns: make(map[string]*peerConn),
		lg:    log.WithComponent("transport"),
	}
}

func (t *PeerTransport) get(endpoint string) (*peerConn, error) {
	t.mu.Lock()
	pc, ok := t.conns[endpoint]
	if !ok {
		pc = &peerConn{}
		t.conns[endpoint] = pc
	}
	t.mu.Unlock()

	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.conn != nil {
		return pc, nil
	}
	if err := pc.connect(endpoint); err != nil {
		return nil, err
	}
	return pc, nil
}

// connect dials the endpoint and upgrades the connection to a peer
// replication stream. Caller holds pc.mu.
func (pc *peerConn) connect(endpoint string) error {
	conn, err := dial(endpoint, defaultTimeout)
	if err != nil {
		return fault.Transportf(err, "dial peer %s", endpoint)
	}

	upgrade := rpc.Request{Op: rpc.OpSyncStream, RequestID: uuid.NewString()}
	line, err := json.Marshal(upgrade)
	if err != nil {
		conn.Close()
		return fault.Internalf(err, "encode stream upgrade")
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		conn.Close()
		return fault.Transportf(err, "upgrade stream to %s", endpoint)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	if !scanner.Scan() {
		conn.Close()
		return fault.Transportf(scanner.Err(), "stream handshake with %s", endpoint)
	}
	var resp rpc.Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		conn.Close()
		return fault.Transportf(err, "stream handshake with %s", endpoint)
	}
	if !resp.OK {
		conn.Close()
		if resp.Error != nil {
			return resp.Error
		}
		return fault.Transportf(nil, "stream upgrade refused by %s", endpoint)
	}

	pc.conn = conn
	pc.scanner = scanner
	pc.writer = bufio.NewWriter(conn)
	return nil
}

func (pc *peerConn) dropLocked() {
	if pc.conn != nil {
		pc.conn.Close()
	}
	pc.conn = nil
	pc.scanner = nil
	pc.writer = nil
}

// exchange sends one envelope and reads the paired response line.
func (t *PeerTransport) exchange(ctx context.Context, endpoint string, msg types.SyncMessage) (*rpc.Response, error) {
	pc, err := t.get(endpoint)
	if err != nil {
		return nil, err
	}

	line, err := json.Marshal(msg)
	if err != nil {
		return nil, fault.Internalf(err, "encode sync envelope")
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.conn == nil {
		if err := pc.connect(endpoint); err != nil {
			return nil, err
		}
	}

	deadline := time.Now().Add(defaultTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = pc.conn.SetDeadline(deadline)

	if _, err := pc.writer.Write(append(line, '\n')); err != nil {
		pc.dropLocked()
		return nil, fault.Transportf(err, "send %s to %s", msg.Kind, endpoint)
	}
	if err := pc.writer.Flush(); err != nil {
		pc.dropLocked()
		return nil, fault.Transportf(err, "send %s to %s", msg.Kind, endpoint)
	}
	if !pc.scanner.Scan() {
		err := pc.scanner.Err()
		pc.dropLocked()
		return nil, fault.Transportf(err, "read reply from %s", endpoint)
	}
	var resp rpc.Response
	if err := json.Unmarshal(pc.scanner.Bytes(), &resp); err != nil {
		pc.dropLocked()
		return nil, fault.Transportf(err, "decode reply from %s", endpoint)
	}
	return &resp, nil
}

// Push delivers a one-way envelope. A decoded response line is the
// peer's ack even when it reports an application failure: the peer has
// custody and parks what it cannot apply in its own quarantine.
func (t *PeerTransport) Push(ctx context.Context, endpoint string, msg types.SyncMessage) error {
	resp, err := t.exchange(ctx, endpoint, msg)
	if err != nil {
		return err
	}
	if !resp.OK && resp.Error != nil {
		t.lg.Debug().
			Str("endpoint", endpoint).
			Str("kind", string(msg.Kind)).
			Str("fault", string(resp.Error.Kind)).
			Msg("peer rejected envelope")
	}
	return nil
}

// Digest sends our digest and returns the peer's digest in reply.
func (t *PeerTransport) Digest(ctx context.Context, endpoint string, msg types.SyncMessage) (types.Digest, error) {
	resp, err := t.exchange(ctx, endpoint, msg)
	if err != nil {
		return types.Digest{}, err
	}
	if !resp.OK {
		if resp.Error != nil {
			return types.Digest{}, resp.Error
		}
		return types.Digest{}, fault.Transportf(nil, "digest refused by %s", endpoint)
	}
	var d types.Digest
	if err := json.Unmarshal(resp.Data, &d); err != nil {
		return types.Digest{}, fault.Transportf(err, "decode digest from %s", endpoint)
	}
	return d, nil
}

// Fetch asks the peer for the changes named in the request payload.
func (t *PeerTransport) Fetch(ctx context.Context, endpoint string, msg types.SyncMessage) ([]types.Change, error) {
	resp, err := t.exchange(ctx, endpoint, msg)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		if resp.Error != nil {
			return nil, resp.Error
		}
		return nil, fault.Transportf(nil, "fetch refused by %s", endpoint)
	}
	var changes []types.Change
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &changes); err != nil {
			return nil, fault.Transportf(err, "decode changes from %s", endpoint)
		}
	}
	return changes, nil
}

// Close drops every peer connection.
func (t *PeerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, pc := range t.conns {
		pc.mu.Lock()
		pc.dropLocked()
		pc.mu.Unlock()
	}
	t.conns = make(map[string]*peerConn)
	return nil
}
