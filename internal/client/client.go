// Package client connects compiler-wrapper invocations to the
// coordinator. When no coordinator is reachable it spawns one and, as a
// last resort, compiles directly so the caller's build never fails
// because of the cache.
package client

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/charmbracelet/log"

	"github.com/forgebuild/cachet/internal/config"
	"github.com/forgebuild/cachet/internal/protocol"
)

// Client is one connection to the coordinator.
type Client struct {
	conn net.Conn
}

// Dial connects to a coordinator on the local port.
func Dial(port int, timeout time.Duration) (*Client, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to coordinator at %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// DialOrSpawn connects to a running coordinator, spawning one first if
// none answers. The whole attempt is bounded by cfg.ConnectTimeout.
func DialOrSpawn(cfg *config.Config) (*Client, error) {
	c, err := Dial(cfg.Port, 500*time.Millisecond)
	if err == nil {
		return c, nil
	}

	log.Debug("no coordinator running, spawning one", "port", cfg.Port)
	if err := spawnServer(); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(cfg.ConnectTimeout)
	for {
		c, err = Dial(cfg.Port, 500*time.Millisecond)
		if err == nil {
			return c, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("coordinator did not come up within %s: %w", cfg.ConnectTimeout, err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// spawnServer starts `cachet server` detached from this process.
// Overridable for testing.
var spawnServer = func() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate own executable: %w", err)
	}

	cmd := exec.Command(exe, "server")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn coordinator: %w", err)
	}

	// Detach: the server outlives this wrapper invocation.
	return cmd.Process.Release()
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) roundTrip(req *protocol.Request) (*protocol.Response, error) {
	if err := protocol.WriteFrame(c.conn, req); err != nil {
		return nil, err
	}
	var resp protocol.Response
	if err := protocol.ReadFrame(c.conn, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("coordinator error: %s", resp.Error)
	}
	return &resp, nil
}

// Compile submits one compile request and waits for its result.
func (c *Client) Compile(req *protocol.CompileRequest) (*protocol.CompileResult, error) {
	resp, err := c.roundTrip(&protocol.Request{Compile: req})
	if err != nil {
		return nil, err
	}
	if resp.Compile == nil {
		return nil, fmt.Errorf("coordinator sent no compile result")
	}
	return resp.Compile, nil
}

// GetStats fetches the coordinator's counters.
func (c *Client) GetStats() (*protocol.Stats, error) {
	resp, err := c.roundTrip(&protocol.Request{GetStats: true})
	if err != nil {
		return nil, err
	}
	if resp.Stats == nil {
		return nil, fmt.Errorf("coordinator sent no stats")
	}
	return resp.Stats, nil
}

// ZeroStats resets the coordinator's counters.
func (c *Client) ZeroStats() error {
	_, err := c.roundTrip(&protocol.Request{ZeroStats: true})
	return err
}

// Clear removes all locally cached entries.
func (c *Client) Clear() error {
	_, err := c.roundTrip(&protocol.Request{Clear: true})
	return err
}

// Shutdown asks the coordinator to exit and returns its final counters.
func (c *Client) Shutdown() (*protocol.Stats, error) {
	resp, err := c.roundTrip(&protocol.Request{Shutdown: true})
	if err != nil {
		return nil, err
	}
	return resp.ShuttingDown, nil
}
