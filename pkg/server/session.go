package server

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionState is the lifecycle stage of a session
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateAwaitingHandle
	StateActive
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingHandle:
		return "awaiting_handle"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session represents an accepted client connection
type Session struct {
	ID          ConnID
	LedgerID    string // Session ledger record key
	Transport   string // "tcp", "ssh" or "websocket"
	RemoteAddr  string
	ConnectedAt time.Time

	conn    net.Conn
	out     *Outbox
	limiter *rate.Limiter // nil when rate limiting is off
	state   atomic.Int32

	// Owned by the session's read goroutine
	failedHandles int

	closeOnce    sync.Once
	closeReason  atomic.Value // string
	teardownOnce sync.Once
}

// State returns the current lifecycle stage
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(state SessionState) {
	s.state.Store(int32(state))
}

// Send queues a line for this session without blocking
func (s *Session) Send(line string) error {
	return s.out.Enqueue(line)
}

// Allow reports whether the session may send another message now
func (s *Session) Allow() bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.Allow()
}

// Close closes the underlying connection, which ends the session's read
// loop and triggers its teardown. Only the first reason is kept.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.closeReason.Store(reason)
		_ = s.conn.Close()
	})
}

// drain stops accepting lines and waits up to timeout for queued lines
// to reach the peer.
func (s *Session) drain(timeout time.Duration) {
	s.out.Close()
	if timeout <= 0 {
		timeout = time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.out.Done():
	case <-timer.C:
	}
}

// CloseReason returns the reason given to the first Close, or "" if the
// connection has not been closed by the server.
func (s *Session) CloseReason() string {
	reason, _ := s.closeReason.Load().(string)
	return reason
}

// SessionLimits configures per-session resources
type SessionLimits struct {
	QueueSize         int           // Outbound lines buffered per session
	WriteTimeout      time.Duration // Deadline for each write
	MessagesPerMinute int           // 0 disables rate limiting
}

// SessionManager owns all live sessions and implements Deliverer for the Router
type SessionManager struct {
	sessions map[ConnID]*Session
	nextID   atomic.Uint64
	mu       sync.RWMutex
	limits   SessionLimits
	metrics  *Metrics
	logger   *zap.Logger
}

// NewSessionManager creates a new session manager
func NewSessionManager(limits SessionLimits, logger *zap.Logger) *SessionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{
		sessions: make(map[ConnID]*Session),
		limits:   limits,
		logger:   logger,
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// CreateSession registers a new connection and starts its outbound writer
func (sm *SessionManager) CreateSession(transport string, conn net.Conn) *Session {
	// Allocate session ID atomically (IDs start at 1; 0 is NoConn)
	id := ConnID(sm.nextID.Add(1))

	sess := &Session{
		ID:          id,
		LedgerID:    uuid.NewString(),
		Transport:   transport,
		ConnectedAt: time.Now(),
		conn:        conn,
		out:         NewOutbox(conn, sm.limits.QueueSize, sm.limits.WriteTimeout),
	}
	if addr := conn.RemoteAddr(); addr != nil {
		sess.RemoteAddr = addr.String()
	}
	if n := sm.limits.MessagesPerMinute; n > 0 {
		sess.limiter = rate.NewLimiter(rate.Limit(float64(n)/60), n)
	}

	sess.out.Start(func(err error) {
		sm.logger.Debug("write failed", zap.Uint64("conn", uint64(id)), zap.Error(err))
		sess.Close("write failed")
	})

	// Only acquire lock for map insertion
	sm.mu.Lock()
	sm.sessions[id] = sess
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	sm.metrics.RecordActiveSessions(sessionCount)
	sm.metrics.RecordSessionCreated(transport)

	return sess
}

// GetSession returns a session by ID
func (sm *SessionManager) GetSession(id ConnID) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.sessions[id]
	return sess, ok
}

// GetAllSessions returns all live sessions
func (sm *SessionManager) GetAllSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// RemoveSession forgets a session. It does not close the connection.
func (sm *SessionManager) RemoveSession(id ConnID) {
	sm.mu.Lock()
	if _, ok := sm.sessions[id]; !ok {
		sm.mu.Unlock()
		return
	}
	delete(sm.sessions, id)
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	sm.metrics.RecordActiveSessions(sessionCount)
}

// Deliver queues line on the session's outbox
func (sm *SessionManager) Deliver(id ConnID, line string) error {
	sess, ok := sm.GetSession(id)
	if !ok {
		return ErrSessionNotFound
	}
	return sess.Send(line)
}

// Evict closes a session's connection in the background. Its own read loop
// notices and runs teardown, so the caller never waits on the victim.
func (sm *SessionManager) Evict(id ConnID, reason string) {
	sess, ok := sm.GetSession(id)
	if !ok {
		return
	}
	sm.logger.Debug("evicting session", zap.Uint64("conn", uint64(id)), zap.String("reason", reason))
	sm.metrics.RecordEviction()
	go sess.Close("evicted: " + reason)
}

// CountOnline returns the number of live sessions
func (sm *SessionManager) CountOnline() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// SendAll queues line on every live session, ignoring failures
func (sm *SessionManager) SendAll(line string) {
	for _, sess := range sm.GetAllSessions() {
		_ = sess.Send(line)
	}
}

// CloseAll flushes and closes every session's connection in parallel.
// Sessions are removed by their own teardown.
func (sm *SessionManager) CloseAll(reason string) {
	var wg sync.WaitGroup
	for _, sess := range sm.GetAllSessions() {
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			sess.drain(sm.limits.WriteTimeout)
			sess.Close(reason)
		}(sess)
	}
	wg.Wait()
}
