// Package server wires the directory store, subscription registry,
// fan-out dispatcher, and connection gateway into one process: a REST
// surface for posting and querying, and a WebSocket push transport at
// the server root for live delivery.
package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marktwallace/chat-toy/pkg/store"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// EnableDebugLogging turns on debug output to stderr.
func EnableDebugLogging() {
	debugLog = log.New(os.Stderr, "DEBUG: ", log.LstdFlags)
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port              int
	MetricsPort       int // internal-only /metrics + /health (0 = disabled)
	ClientSecret      string
	DefaultServerName string
	MaxMessageLength  int
	MaxFrameSize      int64
	SendBufferSize    int
	SeedChannels      []SeedChannel
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		Port:              6784,
		MetricsPort:       9090,
		ClientSecret:      "your-client-secret",
		DefaultServerName: "main",
		MaxMessageLength:  4096,
		MaxFrameSize:      1024,
		SendBufferSize:    256,
	}
}

// Server is the chat-toy relay process.
type Server struct {
	store    *store.Store
	sessions *SessionManager
	config   ServerConfig
	metrics  *Metrics

	listener      net.Listener
	httpServer    *http.Server
	metricsServer *http.Server

	shutdown  chan struct{}
	wg        sync.WaitGroup
	startTime time.Time
}

// NewServer creates a server instance: a fresh store seeded with the
// configured channels, an empty session registry, and its own metrics
// registry. No listeners are opened until Start.
func NewServer(config ServerConfig) (*Server, error) {
	st, err := store.New(config.DefaultServerName)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	for _, seed := range config.SeedChannels {
		if _, err := st.CreateChannel("", seed.Name, seed.Description); err != nil {
			return nil, fmt.Errorf("failed to seed channel %q: %w", seed.Name, err)
		}
	}

	metrics := NewMetrics()
	sessions := NewSessionManager(config.SendBufferSize)
	sessions.SetMetrics(metrics)

	return &Server{
		store:     st,
		sessions:  sessions,
		config:    config,
		metrics:   metrics,
		shutdown:  make(chan struct{}),
		startTime: time.Now(),
	}, nil
}

// Store exposes the directory store, mainly for tests and tooling.
func (s *Server) Store() *store.Store {
	return s.store
}

// Handler builds the public HTTP handler: the push transport at the
// root, and the authenticated REST surface beside it.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	// Push transport at the server root. Upgrade requests bypass auth:
	// the push side has no secrets, only subscribe.
	r.HandleFunc("/", s.HandleWebSocket)

	api := r.NewRoute().Subrouter()
	api.Use(s.authenticate)

	api.HandleFunc("/server", s.handleCreateServer).Methods(http.MethodPost)
	api.HandleFunc("/servers", s.handleListServers).Methods(http.MethodGet)
	api.HandleFunc("/server/{serverID}/channel", s.handleCreateChannel).Methods(http.MethodPost)
	api.HandleFunc("/server/{serverID}/channels", s.handleListChannels).Methods(http.MethodGet)

	// Single-tier aliases: channels scoped to the default server.
	api.HandleFunc("/channel", s.handleCreateChannel).Methods(http.MethodPost)
	api.HandleFunc("/channels", s.handleListChannels).Methods(http.MethodGet)

	api.HandleFunc("/channel/{channelID}/message", s.handlePostMessage).Methods(http.MethodPost)
	api.HandleFunc("/channel/{channelID}/messages", s.handleListMessages).Methods(http.MethodGet)
	api.HandleFunc("/channel/{channelID}/users", s.handleListUsers).Methods(http.MethodGet)

	return s.logRequests(allowCORS(r))
}

// Start opens the public listener and, if configured, the internal
// metrics server. It returns once both are accepting.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{Handler: s.Handler()}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Printf("Server listening on %s", addr)
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errorLog.Printf("HTTP server error: %v", err)
		}
	}()

	if s.config.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
		metricsMux.HandleFunc("/health", s.HealthHandler)
		s.metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", s.config.MetricsPort),
			Handler: metricsMux,
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			log.Printf("Metrics server listening on :%d (/metrics, /health) - INTERNAL ONLY", s.config.MetricsPort)
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errorLog.Printf("Metrics server error: %v", err)
			}
		}()
	}

	return nil
}

// Addr returns the public listener's address, useful when Port was 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the server: stop accepting, close all push
// connections, then wait for the pumps to drain.
func (s *Server) Stop() error {
	log.Println("Graceful shutdown initiated...")
	close(s.shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errorLog.Printf("HTTP shutdown error: %v", err)
		}
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			errorLog.Printf("Metrics shutdown error: %v", err)
		}
	}

	log.Println("Closing all push connections...")
	s.sessions.CloseAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Graceful shutdown complete")
		return nil
	case <-time.After(10 * time.Second):
		log.Println("Shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}

// HealthHandler reports process liveness for the internal port.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"uptimeSeconds": int(time.Since(s.startTime).Seconds()),
		"sessions":      s.sessions.CountSessions(),
	})
}
