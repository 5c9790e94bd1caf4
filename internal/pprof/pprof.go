// Package pprof serves the runtime profiling endpoints for a running chat
// server. The endpoint is off unless an address is configured; it should only
// ever listen on loopback.
package pprof

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	netpprof "net/http/pprof"
	"sync"
	"time"

	"github.com/acknet/ackchat/internal/logger"
)

// Handler owns the profiling HTTP endpoint.
type Handler struct {
	addr string

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewHandler creates a handler serving on addr.
func NewHandler(addr string) *Handler {
	return &Handler{addr: addr}
}

// Start binds the endpoint and serves in the background.
func (h *Handler) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.server != nil {
		return errors.New("pprof endpoint already running")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", netpprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", netpprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", netpprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", netpprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", netpprof.Trace)
	mux.Handle("/debug/pprof/goroutine", netpprof.Handler("goroutine"))
	mux.Handle("/debug/pprof/heap", netpprof.Handler("heap"))
	mux.Handle("/debug/pprof/block", netpprof.Handler("block"))
	mux.Handle("/debug/pprof/mutex", netpprof.Handler("mutex"))

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("failed to bind pprof endpoint on %s: %w", h.addr, err)
	}

	h.listener = ln
	h.server = &http.Server{Handler: mux}

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Pprof endpoint failed: %v", err)
		}
	}()

	logger.Info("Pprof endpoint listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound address, empty before Start.
func (h *Handler) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Stop shuts the endpoint down, waiting briefly for in-flight requests.
func (h *Handler) Stop() error {
	h.mu.Lock()
	server := h.server
	h.server = nil
	h.listener = nil
	h.mu.Unlock()

	if server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
