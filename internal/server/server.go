package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/acknet/ackchat/internal/config"
	"github.com/acknet/ackchat/internal/logger"
	"github.com/acknet/ackchat/internal/protocol"
	"github.com/acknet/ackchat/internal/registry"
)

// Server accepts chat client connections and hands each one to a fresh
// session worker. It owns the registry and the shared counters.
type Server struct {
	cfg      *config.Config
	clients  *registry.Registry
	counters *registry.Counters

	listener   net.Listener
	wsListener net.Listener
	httpServer *http.Server

	// Connection tracking, so Stop can tear down in-flight sessions.
	connMu sync.Mutex
	conns  map[string]protocol.Connection

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a server from the given configuration.
func New(cfg *config.Config) *Server {
	return &Server{
		cfg:      cfg,
		clients:  registry.New(),
		counters: &registry.Counters{},
		conns:    make(map[string]protocol.Connection),
		stopChan: make(chan struct{}),
	}
}

// Registry exposes the client registry (for diagnostics and tests).
func (s *Server) Registry() *registry.Registry {
	return s.clients
}

// Counters exposes the shared counters.
func (s *Server) Counters() *registry.Counters {
	return s.counters
}

// Addr returns the bound TCP listen address, useful when the config asked
// for an ephemeral port.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// WSAddr returns the bound WebSocket listen address, empty when the endpoint
// is disabled.
func (s *Server) WSAddr() string {
	if s.wsListener == nil {
		return ""
	}
	return s.wsListener.Addr().String()
}

// Start binds the listeners and runs the accept loops in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	listener, err := net.Listen("tcp", s.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server.ListenAddr, err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	if s.cfg.Server.WebSocketAddr != "" {
		if err := s.startWebSocket(); err != nil {
			listener.Close()
			return err
		}
	}

	if interval := s.cfg.StatsInterval(); interval > 0 {
		s.wg.Add(1)
		go s.statsLoop(interval)
	}

	logger.Info("Chat server listening on %s (confirmed delivery: %v, max connections: %d)",
		listener.Addr(), s.cfg.ConfirmedDelivery, s.cfg.Server.MaxConnections)
	return nil
}

// Stop shuts the server down: no new connections, all existing ones closed,
// all workers joined.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		logger.Info("Stopping chat server...")
		close(s.stopChan)

		if s.listener != nil {
			if err := s.listener.Close(); err != nil {
				logger.Error("Error closing listener: %v", err)
			}
		}
		if s.httpServer != nil {
			if err := s.httpServer.Close(); err != nil {
				logger.Error("Error closing websocket endpoint: %v", err)
			}
		}

		s.connMu.Lock()
		for _, conn := range s.conns {
			conn.Close()
		}
		s.connMu.Unlock()

		s.wg.Wait()

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()

		logger.Info("Chat server stopped")
	})
}

// IsRunning reports whether the server is accepting connections.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// acceptLoop accepts TCP connections until stopped. The accept deadline is
// polled so the stop channel and context are honored promptly.
func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Accept loop stopped via context cancellation")
			return
		case <-s.stopChan:
			return
		default:
		}

		if tcp, ok := s.listener.(*net.TCPListener); ok {
			tcp.SetDeadline(time.Now().Add(1 * time.Second))
		}

		conn, err := s.listener.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				logger.Info("Listener closed, exiting accept loop")
				return
			}
			logger.Error("Error accepting connection: %v", err)
			continue
		}

		s.startWorker(protocol.NewTCPConnection(conn))
	}
}

// startWebSocket serves the HTTP endpoint that upgrades to the WebSocket
// transport on /chat.
func (s *Server) startWebSocket() error {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/chat", func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("WebSocket upgrade failed for %s: %v", r.RemoteAddr, err)
			return
		}
		s.startWorker(protocol.NewWSConnection(wsConn))
	})

	wsListener, err := net.Listen("tcp", s.cfg.Server.WebSocketAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on websocket address %s: %w", s.cfg.Server.WebSocketAddr, err)
	}

	s.wsListener = wsListener
	s.httpServer = &http.Server{Handler: mux}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(wsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("WebSocket endpoint failed: %v", err)
		}
	}()

	logger.Info("WebSocket endpoint listening on %s", wsListener.Addr())
	return nil
}

// startWorker tracks the connection and runs its session worker.
func (s *Server) startWorker(conn protocol.Connection) {
	s.connMu.Lock()
	if s.cfg.Server.MaxConnections > 0 && len(s.conns) >= s.cfg.Server.MaxConnections {
		s.connMu.Unlock()
		logger.Warn("Connection limit reached, rejecting %s", conn.RemoteAddr())
		conn.Close()
		return
	}
	connID := uuid.New().String()
	s.conns[connID] = conn
	s.connMu.Unlock()

	worker := NewWorker(conn, s.clients, s.counters, WorkerOptions{
		ReceiveTimeout:    s.cfg.ReceiveTimeout(),
		ConfirmedDelivery: s.cfg.ConfirmedDelivery,
		Log:               logger.Global().WithPrefix("worker"),
	})

	logger.Info("Connection accepted from %s (active: %d)", conn.RemoteAddr(), len(s.conns))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		worker.Run()

		s.connMu.Lock()
		delete(s.conns, connID)
		s.connMu.Unlock()
	}()
}

// statsLoop periodically logs the shared counters.
func (s *Server) statsLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			snap := s.counters.Snapshot()
			logger.Info("Stats: sessions=%d loggedIn=%d events=%d confirms=%d requests=%d logouts=%d",
				s.clients.Size(), snap.LoggedIn, snap.EventsSent, snap.ConfirmsReceived, snap.Requests, snap.Logouts)
		}
	}
}
