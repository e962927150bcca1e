package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/forgebuild/cachet/internal/config"
	"github.com/forgebuild/cachet/internal/protocol"
)

// Server accepts client connections on a localhost TCP listener and
// drives the coordinator. Each connection is served by its own
// goroutine; a malformed frame closes only that connection.
type Server struct {
	coord *Coordinator
	ln    net.Listener

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	connWG       sync.WaitGroup
}

// New binds the listener and returns a ready-to-serve server. A bind
// failure is fatal: it usually means another coordinator already runs.
func New(cfg *config.Config, coord *Coordinator) (*Server, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", addr, err)
	}

	return &Server{
		coord:      coord,
		ln:         ln,
		shutdownCh: make(chan struct{}),
	}, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve accepts connections until Shutdown. It returns nil on a clean
// shutdown.
func (s *Server) Serve() error {
	log.Info("coordinator listening", "addr", s.Addr())

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.shutdownCh:
				s.connWG.Wait()
				s.coord.Drain()
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			s.handleConn(conn)
		}()
	}
}

// Shutdown stops accepting connections. In-flight requests and stores
// finish before Serve returns.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
		s.ln.Close()
	})
}

// handleConn serves frames from one client until EOF, a protocol error,
// or shutdown. Requests on a single connection run sequentially; other
// connections proceed independently.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	for {
		var req protocol.Request
		err := protocol.ReadFrame(conn, &req)
		if err == io.EOF {
			return
		}
		if err != nil {
			// Protocol errors are isolated to the connection.
			log.Warn("closing connection on protocol error", "remote", conn.RemoteAddr(), "err", err)
			return
		}

		resp := s.dispatch(&req)
		if err := protocol.WriteFrame(conn, resp); err != nil {
			// The client went away; its result is discarded but any
			// compile and store already ran for the benefit of others.
			log.Debug("failed to deliver response", "remote", conn.RemoteAddr(), "err", err)
			return
		}

		if req.Shutdown {
			s.Shutdown()
			return
		}
	}
}

func (s *Server) dispatch(req *protocol.Request) *protocol.Response {
	switch {
	case req.Compile != nil:
		ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
		defer cancel()
		return &protocol.Response{Compile: s.coord.Compile(ctx, req.Compile)}

	case req.GetStats:
		return &protocol.Response{Stats: s.coord.Stats()}

	case req.ZeroStats:
		s.coord.ZeroStats()
		return &protocol.Response{OK: true}

	case req.Clear:
		if err := s.coord.Clear(); err != nil {
			return &protocol.Response{Error: err.Error()}
		}
		return &protocol.Response{OK: true}

	case req.Shutdown:
		return &protocol.Response{ShuttingDown: s.coord.Stats()}

	default:
		return &protocol.Response{Error: "empty request"}
	}
}
