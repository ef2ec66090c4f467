// Package health serves the machine's observability surface over HTTP:
// liveness, the status snapshot, and Prometheus metrics.
package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/collective/pkg/fault"
	"github.com/cuemby/collective/pkg/log"
	"github.com/cuemby/collective/pkg/metrics"
	"github.com/cuemby/collective/pkg/types"
)

// Server exposes /livez, /healthz, and /metrics on its own listener,
// separate from the RPC port so probes survive a wedged RPC path.
type Server struct {
	addr     string
	status   func() types.StatusSnapshot
	listener net.Listener
	httpSrv  *http.Server
	lg       zerolog.Logger
}

// New builds the server. status supplies the /healthz body.
func New(addr string, status func() types.StatusSnapshot) *Server {
	s := &Server{
		addr:   addr,
		status: status,
		lg:     log.WithComponent("health"),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", s.handleLivez)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", metrics.Handler())
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving. Returns once the listener is bound.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fault.Unavailablef(err, "listen on %s", s.addr)
	}
	s.listener = listener
	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.lg.Error().Err(err).Msg("health server stopped")
		}
	}()
	s.lg.Info().Str("addr", listener.Addr().String()).Msg("health server listening")
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, draining in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleLivez(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// handleHealthz reports the status snapshot. The machine is considered
// degraded, not down, while peers are unreachable or a full resync is
// pending; the status code stays 200 so orchestrators do not restart a
// machine that only needs to catch up.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	snap := s.status()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.lg.Debug().Err(err).Msg("encoding health snapshot failed")
	}
}
