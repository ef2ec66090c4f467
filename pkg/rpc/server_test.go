package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/collective/pkg/fault"
	"github.com/cuemby/collective/pkg/types"
)

// newProtocolServer starts a server whose only live dependency is the
// status snapshot, enough to exercise framing and dispatch.
func newProtocolServer(t *testing.T) *Server {
	t.Helper()
	srv := NewServer("127.0.0.1:0", Deps{
		MachineID: "ma",
		Status:    func() types.StatusSnapshot { return types.StatusSnapshot{MachineID: "ma"} },
	})
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(srv.Stop)
	return srv
}

func dialServer(t *testing.T, srv *Server) (net.Conn, *bufio.Scanner) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	scanner := bufio.NewScanner(conn)
	return conn, scanner
}

func roundTrip(t *testing.T, conn net.Conn, scanner *bufio.Scanner, req Request) Response {
	t.Helper()
	line, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = conn.Write(append(line, '\n'))
	require.NoError(t, err)
	require.True(t, scanner.Scan(), "no response line")
	var resp Response
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
	return resp
}

func TestStatusOverTheWire(t *testing.T) {
	srv := newProtocolServer(t)
	conn, scanner := dialServer(t, srv)

	resp := roundTrip(t, conn, scanner, Request{Op: OpStatus, RequestID: "r1"})
	require.True(t, resp.OK)
	assert.Equal(t, "r1", resp.RequestID)

	var snap types.StatusSnapshot
	require.NoError(t, json.Unmarshal(resp.Data, &snap))
	assert.Equal(t, "ma", snap.MachineID)
}

func TestUnknownOpIsValidation(t *testing.T) {
	srv := newProtocolServer(t)
	conn, scanner := dialServer(t, srv)

	resp := roundTrip(t, conn, scanner, Request{Op: "memory.explode", RequestID: "r2"})
	require.False(t, resp.OK)
	require.NotNil(t, resp.Error)
	assert.Equal(t, fault.Validation, resp.Error.Kind)
	assert.Equal(t, "r2", resp.RequestID)
}

func TestMalformedLineKeepsConnectionUsable(t *testing.T) {
	srv := newProtocolServer(t)
	conn, scanner := dialServer(t, srv)

	_, err := conn.Write([]byte("this is not json\n"))
	require.NoError(t, err)
	require.True(t, scanner.Scan())
	var resp Response
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
	require.False(t, resp.OK)
	assert.Equal(t, fault.Validation, resp.Error.Kind)

	// The same connection still serves well-formed requests.
	resp = roundTrip(t, conn, scanner, Request{Op: OpStatus, RequestID: "r3"})
	assert.True(t, resp.OK)
}

func TestMalformedArgsAreValidation(t *testing.T) {
	srv := newProtocolServer(t)
	conn, scanner := dialServer(t, srv)

	resp := roundTrip(t, conn, scanner, Request{
		Op:        OpSyncTrigger,
		Args:      json.RawMessage(`{"clean": "yes please"}`),
		RequestID: "r4",
	})
	require.False(t, resp.OK)
	assert.Equal(t, fault.Validation, resp.Error.Kind)
}
