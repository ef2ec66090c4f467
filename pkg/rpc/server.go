package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/collective/pkg/agent"
	"github.com/cuemby/collective/pkg/bus"
	"github.com/cuemby/collective/pkg/fault"
	"github.com/cuemby/collective/pkg/log"
	"github.com/cuemby/collective/pkg/memory"
	"github.com/cuemby/collective/pkg/metrics"
	collsync "github.com/cuemby/collective/pkg/sync"
	"github.com/cuemby/collective/pkg/types"
)

// maxLineBytes bounds one request or sync envelope line.
const maxLineBytes = 16 << 20

// Deps are the subsystems the server fronts.
type Deps struct {
	MachineID string
	Store     *memory.Store
	Agents    *agent.Registry
	Bus       *bus.Bus
	Engine    *collsync.Engine
	Status    func() types.StatusSnapshot
}

// Server speaks the newline-delimited JSON protocol on one TCP (or
// unix) listener shared by agents and peers.
type Server struct {
	deps     Deps
	addr     string
	listener net.Listener
	handlers map[string]func(ctx context.Context, req *Request) *Response
	lg       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer builds the server for addr ("host:port", or "unix:///path").
func NewServer(addr string, deps Deps) *Server {
	s := &Server{
		deps: deps,
		addr: addr,
		lg:   log.WithComponent("rpc"),
	}
	s.initHandlers()
	return s
}

func (s *Server) initHandlers() {
	s.handlers = map[string]func(context.Context, *Request) *Response{
		OpMemoryStore:   s.handleMemoryStore,
		OpMemorySearch:  s.handleMemorySearch,
		OpMemoryGet:     s.handleMemoryGet,
		OpMemoryUpdate:  s.handleMemoryUpdate,
		OpMemoryDelete:  s.handleMemoryDelete,
		OpMemoryRecover: s.handleMemoryRecover,
		OpMemoryList:    s.handleMemoryList,
		OpMemoryVerify:  s.handleMemoryVerify,
		OpMemoryOutcome: s.handleMemoryOutcome,

		OpAgentRegister:   s.handleAgentRegister,
		OpAgentDeregister: s.handleAgentDeregister,
		OpAgentHeartbeat:  s.handleAgentHeartbeat,
		OpAgentRoster:     s.handleAgentRoster,

		OpTaskDelegate: s.handleTaskDelegate,
		OpTaskAck:      s.handleTaskAck,
		OpTaskComplete: s.handleTaskComplete,
		OpTaskCancel:   s.handleTaskCancel,
		OpTaskGet:      s.handleTaskGet,

		OpBusBroadcast: s.handleBusBroadcast,
		OpBusDiscover:  s.handleBusDiscover,

		OpStatus:      s.handleStatus,
		OpSyncTrigger: s.handleSyncTrigger,
		OpSyncDigest:  s.handleSyncEnvelope,
		OpSyncFetch:   s.handleSyncEnvelope,

		OpAdminQuarantineList:  s.handleQuarantineList,
		OpAdminQuarantineRetry: s.handleQuarantineRetry,
		OpAdminCompact:         s.handleCompact,
	}
}

// Start begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	network, addr := "tcp", s.addr
	if strings.HasPrefix(s.addr, "unix://") {
		network, addr = "unix", strings.TrimPrefix(s.addr, "unix://")
	}
	listener, err := net.Listen(network, addr)
	if err != nil {
		return fault.Unavailablef(err, "listen on %s", s.addr)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()
	s.lg.Info().Str("addr", listener.Addr().String()).Msg("rpc server listening")
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and waits for in-flight connections.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.lg.Warn().Err(err).Msg("accept failed")
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	// Drop the connection on shutdown so wg.Wait cannot hang on an
	// idle client.
	stop := context.AfterFunc(s.ctx, func() { conn.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeLine(writer, failResponse("", fault.Validationf("malformed request: %v", err)))
			continue
		}

		// Two ops change the protocol of the rest of the connection.
		switch req.Op {
		case OpBusWatch:
			s.streamEvents(conn, writer, &req)
			return
		case OpSyncStream:
			s.writeLine(writer, okResponse(req.RequestID, nil))
			s.streamSync(scanner, writer)
			return
		}

		s.writeLine(writer, s.dispatch(&req))
	}
}

func (s *Server) dispatch(req *Request) *Response {
	handler, ok := s.handlers[req.Op]
	if !ok {
		metrics.RPCRequestsTotal.WithLabelValues(req.Op, "error").Inc()
		return failResponse(req.RequestID, fault.Validationf("unknown op %q", req.Op))
	}

	start := time.Now()
	resp := handler(s.ctx, req)
	metrics.RPCRequestDuration.WithLabelValues(req.Op).Observe(time.Since(start).Seconds())
	status := "ok"
	if !resp.OK {
		status = "error"
		kind := fault.Kind("")
		if resp.Error != nil {
			kind = resp.Error.Kind
		}
		s.lg.Debug().Str("op", req.Op).Str("kind", string(kind)).Msg("request failed")
	}
	metrics.RPCRequestsTotal.WithLabelValues(req.Op, status).Inc()
	return resp
}

func (s *Server) writeLine(w *bufio.Writer, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.lg.Error().Err(err).Msg("encoding response failed")
		return
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return
	}
	if err := w.Flush(); err != nil {
		s.lg.Debug().Err(err).Msg("flush failed, client gone")
	}
}

// streamEvents turns the connection into a bus event stream: one
// Response line per event until the client disconnects.
func (s *Server) streamEvents(conn net.Conn, writer *bufio.Writer, req *Request) {
	events, cancel := s.deps.Bus.Subscribe()
	defer cancel()
	s.writeLine(writer, okResponse(req.RequestID, nil))

	// A reader goroutine notices the client closing its side.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		buf := make([]byte, 1)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.writeLine(writer, okResponse("", ev))
		case <-gone:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// streamSync serves a peer replication stream: every line after the
// upgrade is a SyncMessage, each answered by one Response.
func (s *Server) streamSync(scanner *bufio.Scanner, writer *bufio.Writer) {
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg types.SyncMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			s.writeLine(writer, failResponse("", fault.Validationf("malformed sync envelope: %v", err)))
			continue
		}
		reply, err := s.deps.Engine.HandleEnvelope(s.ctx, msg)
		if err != nil {
			s.writeLine(writer, failResponse("", err))
			continue
		}
		s.writeLine(writer, okResponse("", reply))
	}
}

// handleSyncEnvelope serves the one-shot peer ops sync.digest and
// sync.fetch, whose args are a SyncMessage.
func (s *Server) handleSyncEnvelope(ctx context.Context, req *Request) *Response {
	var msg types.SyncMessage
	if err := json.Unmarshal(req.Args, &msg); err != nil {
		return failResponse(req.RequestID, fault.Validationf("malformed sync envelope: %v", err))
	}
	reply, err := s.deps.Engine.HandleEnvelope(ctx, msg)
	if err != nil {
		return failResponse(req.RequestID, err)
	}
	return okResponse(req.RequestID, reply)
}
