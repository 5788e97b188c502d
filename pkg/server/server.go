package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/aeolun/relaychat/pkg/database"
	"github.com/aeolun/relaychat/pkg/protocol"
)

// Close reasons recorded in the ledger. Evictions are prefixed with reasonEvicted.
const (
	reasonQuit       = "quit"
	reasonDisconnect = "connection closed"
	reasonShutdown   = "server shutdown"
	reasonEvicted    = "evicted"
	reasonViolation  = "protocol violation"
	reasonLineLength = "line too long"
)

// Server accepts connections on every configured transport and runs one
// Session Handler per connection.
type Server struct {
	config    ServerConfig
	registry  *Registry
	directory *Directory
	router    *Router
	sessions  *SessionManager
	ledger    SessionLedger
	metrics   *Metrics
	logger    *zap.Logger

	listener      net.Listener
	sshListener   net.Listener
	httpServer    *http.Server
	metricsServer *http.Server

	shutdown   chan struct{}
	shutdownMu sync.Mutex // Orders closing shutdown against trackSession
	stopOnce   sync.Once
	wg         sync.WaitGroup
	startTime  time.Time // Server start time for uptime calculation

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host           string
	TCPPort        int // 0 = pick a free port
	SSHPort        int // 0 = disabled
	HTTPPort       int // Public HTTP port for /ws (0 = disabled)
	MetricsPort    int // Internal /metrics and /health (0 = disabled)
	SSHHostKeyPath string
	DatabasePath   string // Session ledger; empty = no ledger

	DefaultGroup     string
	EvictEmptyGroups bool

	MaxLineLength      int
	MaxNicknameLength  int
	MaxGroupNameLength int
	MaxHandleAttempts  int
	OutboundQueueSize  int
	WriteTimeout       time.Duration
	MessageRateLimit   int           // per minute, 0 = unlimited
	IdleTimeout        time.Duration // 0 = never
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		Host:           "localhost",
		TCPPort:        12345,
		SSHPort:        12346,
		HTTPPort:       8080,
		MetricsPort:    9090,
		SSHHostKeyPath: "~/.relaychat/ssh_host_key",
		DatabasePath:   "~/.relaychat/sessions.db",

		DefaultGroup:     DefaultGroupName,
		EvictEmptyGroups: true,

		MaxLineLength:      protocol.DefaultMaxLineLength,
		MaxNicknameLength:  protocol.DefaultMaxHandleLength,
		MaxGroupNameLength: protocol.DefaultMaxGroupLength,
		MaxHandleAttempts:  5,
		OutboundQueueSize:  64,
		WriteTimeout:       5 * time.Second,
	}
}

// NewServer creates a new server instance. A nil logger discards all logs.
func NewServer(config ServerConfig, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var ledger SessionLedger = noopLedger{}
	if strings.TrimSpace(config.DatabasePath) != "" {
		path, err := expandHome(config.DatabasePath)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		db, err := database.Open(path, logger.With(zap.String("module", "ledger")))
		if err != nil {
			return nil, fmt.Errorf("failed to open session ledger: %w", err)
		}
		ledger = db
	}

	return newServer(config, ledger, logger), nil
}

func newServer(config ServerConfig, ledger SessionLedger, logger *zap.Logger) *Server {
	metrics := NewMetrics()

	sessions := NewSessionManager(SessionLimits{
		QueueSize:         config.OutboundQueueSize,
		WriteTimeout:      config.WriteTimeout,
		MessagesPerMinute: config.MessageRateLimit,
	}, logger.With(zap.String("module", "sessions")))
	sessions.SetMetrics(metrics)

	registry := NewRegistry()
	directory := NewDirectory(config.DefaultGroup, config.EvictEmptyGroups)
	router := NewRouter(registry, directory, sessions, logger.With(zap.String("module", "router")), metrics)

	return &Server{
		config:    config,
		registry:  registry,
		directory: directory,
		router:    router,
		sessions:  sessions,
		ledger:    ledger,
		metrics:   metrics,
		logger:    logger.With(zap.String("module", "server")),
		shutdown:  make(chan struct{}),
		startTime: time.Now(),
	}
}

// Start starts every configured listener and returns once they are bound
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.TCPPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.logger.Info("TCP server listening", zap.String("addr", listener.Addr().String()))

	if err := s.startSSHServer(); err != nil {
		s.listener.Close()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	if err := s.startHTTPServer(); err != nil {
		s.closeListeners()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if err := s.startMetricsServer(); err != nil {
		s.closeListeners()
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// Log metrics periodically
	s.wg.Add(1)
	go s.metricsLoggingLoop()

	// Accept TCP connections
	s.wg.Add(1)
	go s.acceptLoop(listener)

	return nil
}

// Addr returns the TCP listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// startHTTPServer serves /ws on the public HTTP port
func (s *Server) startHTTPServer() error {
	if s.config.HTTPPort <= 0 {
		s.logger.Info("public HTTP server disabled")
		return nil
	}

	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.HTTPPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.logger.Info("public HTTP server listening", zap.String("addr", listener.Addr().String()), zap.String("endpoints", "/ws"))
	go s.serveHTTP(s.httpServer, listener, "public HTTP")
	return nil
}

// startMetricsServer serves /metrics and /health (internal only - never expose publicly!)
func (s *Server) startMetricsServer() error {
	if s.config.MetricsPort <= 0 {
		return nil
	}

	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.MetricsPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/health", s.HealthHandler)
	s.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.logger.Info("metrics server listening", zap.String("addr", listener.Addr().String()), zap.String("endpoints", "/metrics, /health"))
	go s.serveHTTP(s.metricsServer, listener, "metrics")
	return nil
}

func (s *Server) serveHTTP(srv *http.Server, listener net.Listener, name string) {
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("HTTP server error", zap.String("server", name), zap.Error(err))
	}
}

// healthResponse is the /health payload
type healthResponse struct {
	Status        string `json:"status"`
	Sessions      int    `json:"sessions"`
	Handles       int    `json:"handles"`
	Groups        int    `json:"groups"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// HealthHandler reports liveness and a few headline numbers as JSON
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	select {
	case <-s.shutdown:
		status = "shutting_down"
	default:
	}

	w.Header().Set("Content-Type", "application/json")
	if status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:        status,
		Sessions:      s.sessions.CountOnline(),
		Handles:       s.registry.Count(),
		Groups:        s.directory.Count(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	})
}

// Stop gracefully stops the server: listeners close, every session is told
// the server is going away and closed, then the ledger is flushed.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		err = s.stop()
	})
	return err
}

func (s *Server) stop() error {
	s.logger.Info("graceful shutdown initiated")

	// Signal shutdown to all goroutines
	s.shutdownMu.Lock()
	close(s.shutdown)
	s.shutdownMu.Unlock()

	// Stop accepting new connections
	err := s.closeListeners()

	// Notify all connected clients before closing connections
	sessions := s.sessions.CountOnline()
	s.logger.Info("closing client sessions", zap.Int("sessions", sessions))
	s.sessions.SendAll(protocol.NoticeShutdown)
	s.sessions.CloseAll(reasonShutdown)

	// Wait for session handlers and background loops to finish
	s.wg.Wait()

	if cerr := s.ledger.Close(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("close ledger: %w", cerr))
	}

	s.logger.Info("graceful shutdown complete")
	return err
}

func (s *Server) closeListeners() error {
	var err error
	if s.listener != nil {
		if cerr := s.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, fmt.Errorf("close TCP listener: %w", cerr))
		}
	}
	if s.sshListener != nil {
		if cerr := s.sshListener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, fmt.Errorf("close SSH listener: %w", cerr))
		}
	}
	if s.httpServer != nil {
		if cerr := s.httpServer.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close HTTP server: %w", cerr))
		}
	}
	if s.metricsServer != nil {
		if cerr := s.metricsServer.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close metrics server: %w", cerr))
		}
	}
	return err
}

// trackSession adds a session started outside the server's own goroutines
// (an HTTP handler) to s.wg. It reports false once shutdown has begun, after
// which s.wg may already be waited on.
func (s *Server) trackSession() bool {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()

	select {
	case <-s.shutdown:
		return false
	default:
	}
	s.wg.Add(1)
	return true
}

// acceptLoop accepts incoming TCP connections
func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept error", zap.Error(err))
			continue
		}

		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveSession("tcp", conn)
		}()
	}
}

// serveSession is the Session Handler: it owns the read side of conn for
// the whole life of the session and returns after teardown.
func (s *Server) serveSession(transport string, conn net.Conn) {
	sess := s.sessions.CreateSession(transport, conn)
	s.ledger.RecordConnect(sess.LedgerID, uint64(sess.ID), transport, sess.RemoteAddr)
	s.connectionsSinceReport.Add(1)

	log := s.logger.With(zap.Uint64("conn", uint64(sess.ID)), zap.String("transport", transport))
	log.Debug("new connection", zap.String("remote", sess.RemoteAddr))

	reason := reasonDisconnect
	defer func() {
		s.teardown(sess, reason)
		log.Debug("session closed", zap.String("reason", reason))
	}()

	// Server shut down between accept and here
	select {
	case <-s.shutdown:
		reason = reasonShutdown
		return
	default:
	}

	if err := s.router.Notify(sess.ID, protocol.PromptNickname); err != nil {
		return
	}
	sess.setState(StateAwaitingHandle)

	reader := protocol.NewLineReader(conn, s.config.MaxLineLength)
	for {
		if s.config.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		}

		line, err := reader.ReadLine()
		if err != nil {
			switch {
			case sess.CloseReason() != "":
				reason = sess.CloseReason()
			case errors.Is(err, protocol.ErrLineTooLong):
				reason = reasonLineLength
				_ = sess.Send(protocol.NoticeLineTooLong)
			case errors.Is(err, io.EOF):
			default:
				log.Debug("read error", zap.Error(err))
			}
			return
		}

		if err := s.handleLine(sess, line); err != nil {
			switch {
			case errors.Is(err, ErrClientDisconnecting):
				reason = reasonQuit
				return
			case errors.Is(err, ErrProtocolViolation):
				reason = reasonViolation
				log.Debug("protocol violation", zap.Error(err))
				return
			default:
				log.Error("handle error", zap.Error(err))
			}
		}
	}
}

// teardown releases everything a session holds. It runs exactly once per
// session no matter how it ended.
func (s *Server) teardown(sess *Session, reason string) {
	sess.teardownOnce.Do(func() {
		wasActive := sess.State() == StateActive
		sess.setState(StateClosed)

		handle, _ := s.registry.Remove(sess.ID)
		group, inGroup := s.directory.Leave(sess.ID)
		s.sessions.RemoveSession(sess.ID)

		// Let queued lines (e.g. "Goodbye!") reach the peer, then hang up
		sess.drain(s.config.WriteTimeout)
		sess.Close(reason)

		if wasActive && inGroup {
			s.router.Broadcast(protocol.LeftChat(handle), group, sess.ID)
		}

		s.ledger.RecordDisconnect(sess.LedgerID, reason)
		s.metrics.RecordSessionClosed(closeLabel(reason))
		s.metrics.RecordGroups(s.directory.Count())
		s.disconnectionsSinceReport.Add(1)
	})
}

// closeLabel maps a close reason to a bounded metric label
func closeLabel(reason string) string {
	switch {
	case reason == reasonQuit:
		return "quit"
	case reason == reasonShutdown:
		return "shutdown"
	case reason == reasonViolation, reason == reasonLineLength:
		return "protocol_violation"
	case strings.HasPrefix(reason, reasonEvicted):
		return "evicted"
	default:
		return "disconnect"
	}
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.logger.Info("metrics",
				zap.Int("active_sessions", s.sessions.CountOnline()),
				zap.Int("groups", s.directory.Count()),
				zap.Int64("connected", s.connectionsSinceReport.Swap(0)),
				zap.Int64("disconnected", s.disconnectionsSinceReport.Swap(0)),
				zap.Int("goroutines", runtime.NumGoroutine()),
			)
		}
	}
}
