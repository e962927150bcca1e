package client

import (
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebuild/cachet/internal/config"
	"github.com/forgebuild/cachet/internal/protocol"
)

// fakeCoordinator answers protocol frames on a local listener.
func fakeCoordinator(t *testing.T, handle func(*protocol.Request) *protocol.Response) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				for {
					var req protocol.Request
					if err := protocol.ReadFrame(conn, &req); err != nil {
						return
					}
					if err := protocol.WriteFrame(conn, handle(&req)); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func TestClient_CompileRoundTrip(t *testing.T) {
	port := fakeCoordinator(t, func(req *protocol.Request) *protocol.Response {
		require.NotNil(t, req.Compile)
		return &protocol.Response{Compile: &protocol.CompileResult{
			Outcome: protocol.OutcomeCacheHit,
			Stdout:  []byte("cached\n"),
		}}
	})

	c, err := Dial(port, time.Second)
	require.NoError(t, err)
	defer c.Close()

	res, err := c.Compile(&protocol.CompileRequest{CompilerPath: "/usr/bin/cc"})
	require.NoError(t, err)
	assert.Equal(t, protocol.OutcomeCacheHit, res.Outcome)
	assert.Equal(t, "cached\n", string(res.Stdout))
}

func TestClient_StatsAndControl(t *testing.T) {
	port := fakeCoordinator(t, func(req *protocol.Request) *protocol.Response {
		switch {
		case req.GetStats:
			return &protocol.Response{Stats: &protocol.Stats{Hits: 7}}
		case req.ZeroStats, req.Clear:
			return &protocol.Response{OK: true}
		case req.Shutdown:
			return &protocol.Response{ShuttingDown: &protocol.Stats{Misses: 3}}
		}
		return &protocol.Response{Error: "unexpected request"}
	})

	c, err := Dial(port, time.Second)
	require.NoError(t, err)
	defer c.Close()

	stats, err := c.GetStats()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), stats.Hits)

	require.NoError(t, c.ZeroStats())
	require.NoError(t, c.Clear())

	final, err := c.Shutdown()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), final.Misses)
}

func TestDial_NoCoordinator(t *testing.T) {
	// Bind and immediately close to get a port nobody listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	ln.Close()

	_, err = Dial(port, 200*time.Millisecond)
	assert.Error(t, err)
}

func TestDialOrSpawn_FallsThroughWhenServerNeverComesUp(t *testing.T) {
	origSpawn := spawnServer
	spawnServer = func() error { return nil } // pretend to spawn, start nothing
	defer func() { spawnServer = origSpawn }()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	ln.Close()

	cfg := &config.Config{Port: port, ConnectTimeout: 300 * time.Millisecond}

	start := time.Now()
	_, err = DialOrSpawn(cfg)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second, "connect attempts must be bounded")
}

func TestRun_UnreachableCoordinatorFallsBackToDirectCompile(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test uses a shell script as compiler")
	}

	origSpawn := spawnServer
	spawnServer = func() error { return nil }
	defer func() { spawnServer = origSpawn }()

	dir := t.TempDir()
	fake := filepath.Join(dir, "cc.sh")
	// Supports -E for preprocessing and writes an object otherwise.
	script := `#!/bin/sh
for a in "$@"; do
  if [ "$a" = "-E" ]; then echo "preprocessed"; exit 0; fi
done
echo "built" > out.o
exit 0
`
	require.NoError(t, os.WriteFile(fake, []byte(script), 0o755))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	ln.Close()

	cfg := &config.Config{
		Port:           port,
		ConnectTimeout: 200 * time.Millisecond,
		CacheDir:       t.TempDir(),
		CacheSize:      1 << 20,
		Backend:        config.BackendDisk,
		StoreMode:      config.StoreLocal,
	}

	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(cwd)

	code := Run(cfg, fake, []string{"-c", "main.c", "-o", "out.o"})
	assert.Equal(t, 0, code, "the build must succeed even with no coordinator")

	data, err := os.ReadFile(filepath.Join(dir, "out.o"))
	require.NoError(t, err)
	assert.Equal(t, "built\n", string(data))
}

func TestRun_UncacheableInvocationCompilesDirectly(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test uses a shell script as compiler")
	}

	dir := t.TempDir()
	fake := filepath.Join(dir, "cc.sh")
	script := `#!/bin/sh
exit 0
`
	require.NoError(t, os.WriteFile(fake, []byte(script), 0o755))

	cfg := &config.Config{Port: 1, ConnectTimeout: time.Millisecond}

	// A link step never touches the coordinator.
	code := Run(cfg, fake, []string{"foo.o", "bar.o", "-o", "prog"})
	assert.Equal(t, 0, code)
}
