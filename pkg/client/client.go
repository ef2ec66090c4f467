package client

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/collective/pkg/bus"
	"github.com/cuemby/collective/pkg/fault"
	"github.com/cuemby/collective/pkg/memory"
	"github.com/cuemby/collective/pkg/rpc"
	"github.com/cuemby/collective/pkg/storage"
	"github.com/cuemby/collective/pkg/types"
)

// maxLineBytes mirrors the server's line bound.
const maxLineBytes = 16 << 20

// defaultTimeout bounds one call when the context has no deadline.
const defaultTimeout = 10 * time.Second

// Client is a persistent connection to one machine. Safe for
// concurrent use; calls serialize on the connection.
type Client struct {
	addr  string
	actor string

	mu      sync.Mutex
	conn    net.Conn
	scanner *bufio.Scanner
	writer  *bufio.Writer
}

// New creates a client for addr. The connection is dialed lazily.
func New(addr string) *Client {
	return &Client{addr: addr}
}

// WithActor sets the actor attached to every request.
func (c *Client) WithActor(actor string) *Client {
	c.actor = actor
	return c
}

// Close drops the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropLocked()
}

func (c *Client) dropLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.scanner = nil
	c.writer = nil
	return err
}

func dial(addr string, timeout time.Duration) (net.Conn, error) {
	network := "tcp"
	if strings.HasPrefix(addr, "unix://") {
		network, addr = "unix", strings.TrimPrefix(addr, "unix://")
	}
	return net.DialTimeout(network, addr, timeout)
}

func (c *Client) ensureLocked() error {
	if c.conn != nil {
		return nil
	}
	conn, err := dial(c.addr, defaultTimeout)
	if err != nil {
		return fault.Transportf(err, "dial %s", c.addr)
	}
	c.conn = conn
	c.scanner = bufio.NewScanner(conn)
	c.scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	c.writer = bufio.NewWriter(conn)
	return nil
}

// call performs one request/response exchange, reconnecting once on a
// broken connection.
func (c *Client) call(ctx context.Context, op string, args, out any) error {
	var raw json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return fault.Internalf(err, "encode args for %s", op)
		}
		raw = data
	}
	req := rpc.Request{Op: op, Args: raw, RequestID: uuid.NewString(), Actor: c.actor}
	line, err := json.Marshal(req)
	if err != nil {
		return fault.Internalf(err, "encode request for %s", op)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var resp rpc.Response
	for attempt := 0; ; attempt++ {
		if err := c.ensureLocked(); err != nil {
			return err
		}
		deadline := time.Now().Add(defaultTimeout)
		if d, ok := ctx.Deadline(); ok {
			deadline = d
		}
		_ = c.conn.SetDeadline(deadline)

		err := c.exchangeLocked(line, &resp)
		if err == nil {
			break
		}
		c.dropLocked()
		if attempt > 0 {
			return fault.Transportf(err, "%s to %s", op, c.addr)
		}
	}

	if !resp.OK {
		if resp.Error != nil {
			return resp.Error
		}
		return fault.Internalf(nil, "%s failed without error detail", op)
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fault.Internalf(err, "decode %s response", op)
		}
	}
	return nil
}

func (c *Client) exchangeLocked(line []byte, resp *rpc.Response) error {
	if _, err := c.writer.Write(append(line, '\n')); err != nil {
		return err
	}
	if err := c.writer.Flush(); err != nil {
		return err
	}
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return err
		}
		return net.ErrClosed
	}
	return json.Unmarshal(c.scanner.Bytes(), resp)
}

// StoreMemory stores a memory.
func (c *Client) StoreMemory(ctx context.Context, args rpc.StoreArgs) (*types.Memory, error) {
	var m types.Memory
	if err := c.call(ctx, rpc.OpMemoryStore, args, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Search runs a semantic query.
func (c *Client) Search(ctx context.Context, args rpc.SearchArgs) ([]memory.SearchResult, error) {
	var out []memory.SearchResult
	if err := c.call(ctx, rpc.OpMemorySearch, args, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetMemory fetches one memory by id.
func (c *Client) GetMemory(ctx context.Context, id string, includeDeleted bool) (*types.Memory, error) {
	var m types.Memory
	if err := c.call(ctx, rpc.OpMemoryGet, rpc.GetArgs{ID: id, IncludeDeleted: includeDeleted}, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateMemory patches one memory.
func (c *Client) UpdateMemory(ctx context.Context, args rpc.UpdateArgs) (*types.Memory, error) {
	var m types.Memory
	if err := c.call(ctx, rpc.OpMemoryUpdate, args, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// DeleteMemory soft-deletes, or purges when hard is set.
func (c *Client) DeleteMemory(ctx context.Context, id, reason string, hard bool) error {
	return c.call(ctx, rpc.OpMemoryDelete, rpc.DeleteArgs{ID: id, Reason: reason, Hard: hard}, nil)
}

// RecoverMemory lifts a soft-deleted memory back to active.
func (c *Client) RecoverMemory(ctx context.Context, id string) (*types.Memory, error) {
	var m types.Memory
	if err := c.call(ctx, rpc.OpMemoryRecover, rpc.IDArgs{ID: id}, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMemories lists recent active memories.
func (c *Client) ListMemories(ctx context.Context, args rpc.ListArgs) ([]*types.Memory, error) {
	var out []*types.Memory
	if err := c.call(ctx, rpc.OpMemoryList, args, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// VerifyMemory marks a memory verified by an agent.
func (c *Client) VerifyMemory(ctx context.Context, id, agentID string) (*types.Memory, error) {
	var m types.Memory
	if err := c.call(ctx, rpc.OpMemoryVerify, rpc.VerifyArgs{ID: id, AgentID: agentID}, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// RecordOutcome feeds a usage outcome into a memory's confidence.
func (c *Client) RecordOutcome(ctx context.Context, id string, success bool) (*types.Memory, error) {
	var m types.Memory
	if err := c.call(ctx, rpc.OpMemoryOutcome, rpc.OutcomeArgs{ID: id, Success: success}, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// RegisterAgent leases an agent registration.
func (c *Client) RegisterAgent(ctx context.Context, role string, capabilities []string) (*types.Agent, error) {
	var a types.Agent
	if err := c.call(ctx, rpc.OpAgentRegister, rpc.RegisterArgs{Role: role, Capabilities: capabilities}, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// DeregisterAgent removes a registration.
func (c *Client) DeregisterAgent(ctx context.Context, agentID string) error {
	return c.call(ctx, rpc.OpAgentDeregister, rpc.AgentIDArgs{AgentID: agentID}, nil)
}

// AgentHeartbeat renews a lease.
func (c *Client) AgentHeartbeat(ctx context.Context, agentID string, status types.AgentStatus) error {
	return c.call(ctx, rpc.OpAgentHeartbeat, rpc.HeartbeatArgs{AgentID: agentID, Status: status}, nil)
}

// Roster lists agents across the fleet.
func (c *Client) Roster(ctx context.Context, args rpc.RosterArgs) ([]types.AgentSnapshot, error) {
	var out []types.AgentSnapshot
	if err := c.call(ctx, rpc.OpAgentRoster, args, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Delegate routes a task and awaits the ack handshake.
func (c *Client) Delegate(ctx context.Context, args rpc.DelegateArgs) (*types.Task, error) {
	var t types.Task
	if err := c.call(ctx, rpc.OpTaskDelegate, args, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// AckTask accepts a delegated task.
func (c *Client) AckTask(ctx context.Context, ack types.TaskAck) error {
	return c.call(ctx, rpc.OpTaskAck, ack, nil)
}

// CompleteTask finishes a task.
func (c *Client) CompleteTask(ctx context.Context, taskID string, success bool, agentID string) (*types.Task, error) {
	var t types.Task
	if err := c.call(ctx, rpc.OpTaskComplete, rpc.CompleteArgs{TaskID: taskID, Success: success, AgentID: agentID}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// CancelTask requests cooperative cancellation.
func (c *Client) CancelTask(ctx context.Context, taskID, reason string) (*types.Task, error) {
	var t types.Task
	if err := c.call(ctx, rpc.OpTaskCancel, rpc.CancelArgs{TaskID: taskID, Reason: reason}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTask fetches the locally known task state.
func (c *Client) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	var t types.Task
	if err := c.call(ctx, rpc.OpTaskGet, rpc.IDArgs{ID: taskID}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Broadcast publishes a fleet-wide notice.
func (c *Client) Broadcast(ctx context.Context, args rpc.BroadcastArgs) (*types.Broadcast, error) {
	var b types.Broadcast
	if err := c.call(ctx, rpc.OpBusBroadcast, args, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// DiscoverResult pairs the broadcast with its stored memory.
type DiscoverResult struct {
	Broadcast *types.Broadcast `json:"broadcast"`
	Memory    *types.Memory    `json:"memory"`
}

// Discover shares a finding: broadcast plus stored memory.
func (c *Client) Discover(ctx context.Context, args rpc.DiscoverArgs) (*DiscoverResult, error) {
	var out DiscoverResult
	if err := c.call(ctx, rpc.OpBusDiscover, args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status returns the machine status snapshot.
func (c *Client) Status(ctx context.Context) (*types.StatusSnapshot, error) {
	var s types.StatusSnapshot
	if err := c.call(ctx, rpc.OpStatus, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// TriggerSync runs an immediate digest round.
func (c *Client) TriggerSync(ctx context.Context, clean bool) (*types.StatusSnapshot, error) {
	var s types.StatusSnapshot
	if err := c.call(ctx, rpc.OpSyncTrigger, rpc.TriggerArgs{Clean: clean}, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// QuarantineList lists parked inbound changes.
func (c *Client) QuarantineList(ctx context.Context) ([]*types.QuarantinedChange, error) {
	var out []*types.QuarantinedChange
	if err := c.call(ctx, rpc.OpAdminQuarantineList, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// QuarantineRetry re-applies one parked change.
func (c *Client) QuarantineRetry(ctx context.Context, key string) error {
	return c.call(ctx, rpc.OpAdminQuarantineRetry, rpc.KeyArgs{Key: key}, nil)
}

// Compact rewrites the machine's record logs.
func (c *Client) Compact(ctx context.Context) (*storage.CompactStats, error) {
	var stats storage.CompactStats
	if err := c.call(ctx, rpc.OpAdminCompact, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Watch opens a dedicated connection streaming bus events until cancel
// is called or the server goes away. The channel closes on either.
func (c *Client) Watch(ctx context.Context) (<-chan bus.Event, func(), error) {
	conn, err := dial(c.addr, defaultTimeout)
	if err != nil {
		return nil, nil, fault.Transportf(err, "dial %s", c.addr)
	}

	req := rpc.Request{Op: rpc.OpBusWatch, RequestID: uuid.NewString(), Actor: c.actor}
	line, err := json.Marshal(req)
	if err != nil {
		conn.Close()
		return nil, nil, fault.Internalf(err, "encode watch request")
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		conn.Close()
		return nil, nil, fault.Transportf(err, "start watch on %s", c.addr)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	if !scanner.Scan() {
		conn.Close()
		return nil, nil, fault.Transportf(scanner.Err(), "watch handshake with %s", c.addr)
	}
	var resp rpc.Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		conn.Close()
		return nil, nil, fault.Transportf(err, "watch handshake with %s", c.addr)
	}
	if !resp.OK {
		conn.Close()
		if resp.Error != nil {
			return nil, nil, resp.Error
		}
		return nil, nil, fault.Internalf(nil, "watch refused")
	}

	events := make(chan bus.Event, 16)
	done := make(chan struct{})
	go func() {
		defer close(events)
		for scanner.Scan() {
			var frame rpc.Response
			if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil || !frame.OK {
				continue
			}
			var ev bus.Event
			if err := json.Unmarshal(frame.Data, &ev); err != nil {
				continue
			}
			select {
			case events <- ev:
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			conn.Close()
		})
	}
	return events, cancel, nil
}
