// Package transport is the websocket front end: it upgrades connections,
// parses client frames, and hands every operation to the hub.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/chatify/chatify/internal/chat"
	"github.com/chatify/chatify/internal/hub"
	"github.com/chatify/chatify/internal/monitoring"
)

// ServerConfig holds the transport configuration.
type ServerConfig struct {
	Addr            string
	MaxConnections  int
	SendBuffer      int
	InboundPerSec   int
	SlowClientLimit int // consecutive delivery drops before disconnect
}

// Server accepts websocket connections on /ws and serves /healthz and
// /metrics alongside.
type Server struct {
	cfg ServerConfig
	hub *hub.Hub
	log zerolog.Logger

	listener net.Listener
	httpSrv  *http.Server
	sem      chan struct{} // connection slots

	wg           sync.WaitGroup
	shuttingDown int32
	startedAt    time.Time
}

// NewServer wires the transport to the hub.
func NewServer(cfg ServerConfig, h *hub.Hub, log zerolog.Logger) *Server {
	return &Server{
		cfg: cfg,
		hub: h,
		log: log.With().Str("component", "transport").Logger(),
		sem: make(chan struct{}, cfg.MaxConnections),
	}
}

// Start begins listening. Non-blocking; Shutdown stops everything.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpSrv = &http.Server{
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("Server accept loop error")
		}
	}()

	s.log.Info().Str("address", s.cfg.Addr).Int("max_connections", s.cfg.MaxConnections).Msg("Server listening")
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	userID := r.URL.Query().Get("user_id")
	if err := chat.ValidateID("user_id", userID); err != nil {
		http.Error(w, "user_id query parameter: "+err.Error(), http.StatusBadRequest)
		return
	}

	select {
	case s.sem <- struct{}{}:
	default:
		s.log.Debug().Int("max_connections", s.cfg.MaxConnections).Msg("Connection rejected, at capacity")
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.sem
		s.log.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to upgrade connection")
		return
	}

	client := newClient(conn, userID, s)
	if err := s.hub.OnConnect(r.Context(), client); err != nil {
		<-s.sem
		client.closeWith(ws.StatusPolicyViolation, err.Error())
		return
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()
		defer monitoring.RecoverPanic(client.log, "readPump", nil)
		client.readPump(context.Background())
	}()
	go func() {
		defer s.wg.Done()
		defer monitoring.RecoverPanic(client.log, "writePump", nil)
		client.writePump()
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "healthy",
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"connections":    len(s.sem),
		"capacity":       s.cfg.MaxConnections,
	})
}

// Shutdown stops accepting connections, closes the HTTP server, and waits
// for the pumps to wind down.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Initiating graceful shutdown")
	atomic.StoreInt32(&s.shuttingDown, 1)

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.log.Warn().Err(err).Msg("HTTP shutdown did not finish cleanly")
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info().Msg("All connections drained")
	case <-ctx.Done():
		s.log.Warn().Msg("Shutdown deadline reached with connections still open")
	}
	return nil
}
