package server

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/forgebuild/cachet/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// startServer runs a server over a real TCP listener and returns its
// address and a stop function that waits for Serve to return.
func startServer(t *testing.T, coord *Coordinator) (string, func()) {
	t.Helper()

	cfg := testConfig(t)
	cfg.Port = 0 // pick a free port

	srv, err := New(cfg, coord)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	stop := func() {
		srv.Shutdown()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("server did not shut down")
		}
	}
	return srv.Addr(), stop
}

func roundTrip(t *testing.T, conn net.Conn, req *protocol.Request) *protocol.Response {
	t.Helper()
	require.NoError(t, protocol.WriteFrame(conn, req))
	var resp protocol.Response
	require.NoError(t, protocol.ReadFrame(conn, &resp))
	return &resp
}

func TestServer_CompileAndStatsOverWire(t *testing.T) {
	driver := &fakeDriver{result: okResult()}
	coord := newTestCoordinator(t, testConfig(t), driver, nil)

	addr, stop := startServer(t, coord)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	resp := roundTrip(t, conn, &protocol.Request{Compile: compileRequest(t, "foo.c")})
	require.NotNil(t, resp.Compile)
	assert.Equal(t, protocol.OutcomeCompiled, resp.Compile.Outcome)
	assert.Equal(t, "ok\n", string(resp.Compile.Stdout))

	coord.Drain()

	// A second connection sees the hit and shared stats.
	conn2, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn2.Close()

	resp = roundTrip(t, conn2, &protocol.Request{Compile: compileRequest(t, "foo.c")})
	require.NotNil(t, resp.Compile)
	assert.Equal(t, protocol.OutcomeCacheHit, resp.Compile.Outcome)

	resp = roundTrip(t, conn2, &protocol.Request{GetStats: true})
	require.NotNil(t, resp.Stats)
	assert.Equal(t, uint64(1), resp.Stats.Hits)
	assert.Equal(t, uint64(1), resp.Stats.Misses)
}

func TestServer_MalformedFrameClosesOnlyThatConnection(t *testing.T) {
	driver := &fakeDriver{result: okResult()}
	coord := newTestCoordinator(t, testConfig(t), driver, nil)

	addr, stop := startServer(t, coord)
	defer stop()

	// A connection that speaks garbage gets closed.
	bad, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = bad.Write([]byte{0xff, 0xff, 0xff, 0xff, 0x00})
	require.NoError(t, err)

	buf := make([]byte, 1)
	bad.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = bad.Read(buf)
	assert.Error(t, err, "server should close the offending connection")
	bad.Close()

	// The server keeps serving others.
	good, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer good.Close()

	resp := roundTrip(t, good, &protocol.Request{GetStats: true})
	assert.NotNil(t, resp.Stats)
}

func TestServer_ShutdownReturnsFinalStats(t *testing.T) {
	driver := &fakeDriver{result: okResult()}
	coord := newTestCoordinator(t, testConfig(t), driver, nil)

	cfg := testConfig(t)
	cfg.Port = 0
	srv, err := New(cfg, coord)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	roundTrip(t, conn, &protocol.Request{Compile: compileRequest(t, "foo.c")})

	resp := roundTrip(t, conn, &protocol.Request{Shutdown: true})
	require.NotNil(t, resp.ShuttingDown)
	assert.Equal(t, uint64(1), resp.ShuttingDown.Misses)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after shutdown request")
	}
}

func TestServer_BindFailureIsFatal(t *testing.T) {
	driver := &fakeDriver{result: okResult()}
	coord := newTestCoordinator(t, testConfig(t), driver, nil)

	cfg := testConfig(t)
	cfg.Port = 0
	first, err := New(cfg, coord)
	require.NoError(t, err)
	defer first.Shutdown()

	_, port, err := net.SplitHostPort(first.Addr())
	require.NoError(t, err)

	cfg2 := testConfig(t)
	cfg2.Port, err = strconv.Atoi(port)
	require.NoError(t, err)

	_, err = New(cfg2, coord)
	assert.Error(t, err, "second bind on the same port must fail")
}
