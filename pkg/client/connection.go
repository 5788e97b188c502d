// Package client is a line-oriented relaychat connection with automatic
// reconnect. It is used by the load tester and by tests that need a real
// client over TCP, SSH or WebSocket.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aeolun/relaychat/pkg/protocol"
)

var (
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	ErrNotConnected       = errors.New("not connected")
	ErrClosed             = errors.New("connection closed")
	ErrOutgoingFull       = errors.New("outgoing queue full")
)

// Transports understood by Options.Transport
const (
	TransportTCP       = "tcp"
	TransportSSH       = "ssh"
	TransportWebSocket = "websocket"
)

// ConnectionStateType represents the connection status
type ConnectionStateType int

const (
	StateTypeConnected ConnectionStateType = iota
	StateTypeDisconnected
	StateTypeReconnecting
)

func (s ConnectionStateType) String() string {
	switch s {
	case StateTypeConnected:
		return "connected"
	case StateTypeDisconnected:
		return "disconnected"
	case StateTypeReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ConnectionStateUpdate represents a connection state change
type ConnectionStateUpdate struct {
	State   ConnectionStateType
	Attempt int
	Err     error
}

// Options configures a Connection
type Options struct {
	Host      string
	Port      int
	Transport string // TransportTCP (default), TransportSSH or TransportWebSocket
	SSHUser   string
	WSPath    string // Defaults to "/ws"

	// MaxRetries is the number of connection attempts before Connect gives
	// up. RetryDelay is the pause between attempts; when MaxRetryDelay is
	// positive the pause doubles after each failure up to that cap.
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	DialTimeout   time.Duration
	MaxLineLength int
	AutoReconnect bool // Reconnect after the server drops an established connection

	Logger *zap.Logger
}

// DefaultOptions mirrors the [client] section defaults
func DefaultOptions() Options {
	return Options{
		Host:          "localhost",
		Port:          12345,
		Transport:     TransportTCP,
		SSHUser:       "relaychat",
		WSPath:        "/ws",
		MaxRetries:    5,
		RetryDelay:    5 * time.Second,
		DialTimeout:   10 * time.Second,
		MaxLineLength: 64 * 1024,
	}
}

// Addr returns host:port
func (o Options) Addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// Connection is a client connection to a relaychat server. Lines received
// from the server are delivered on Incoming.
type Connection struct {
	opts   Options
	logger *zap.Logger

	mu           sync.RWMutex
	conn         net.Conn
	connDone     chan struct{} // Closed when conn is dropped
	unsent       []string      // Lines taken by a writer whose conn failed
	connected    bool
	reconnecting bool
	closed       bool

	// Channels for communication
	incoming    chan string
	outgoing    chan string
	errors      chan error
	stateChange chan ConnectionStateUpdate

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	// Shutdown
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewConnection creates a connection; call Connect to dial
func NewConnection(opts Options) *Connection {
	defaults := DefaultOptions()
	if opts.Transport == "" {
		opts.Transport = defaults.Transport
	}
	if opts.WSPath == "" {
		opts.WSPath = defaults.WSPath
	}
	if opts.SSHUser == "" {
		opts.SSHUser = defaults.SSHUser
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaults.DialTimeout
	}
	if opts.MaxLineLength <= 0 {
		opts.MaxLineLength = defaults.MaxLineLength
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Connection{
		opts:        opts,
		logger:      logger.With(zap.String("module", "client"), zap.String("addr", opts.Addr()), zap.String("transport", opts.Transport)),
		incoming:    make(chan string, 100),
		outgoing:    make(chan string, 100),
		errors:      make(chan error, 10),
		stateChange: make(chan ConnectionStateUpdate, 10),
		shutdown:    make(chan struct{}),
	}
}

// Connect dials the server, retrying up to MaxRetries attempts. It returns
// an error wrapping ErrMaxRetriesExceeded and the last dial error when every
// attempt failed.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.RLock()
	switch {
	case c.closed:
		c.mu.RUnlock()
		return ErrClosed
	case c.connected:
		c.mu.RUnlock()
		return fmt.Errorf("already connected")
	}
	c.mu.RUnlock()

	delay := c.opts.RetryDelay
	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 1 {
			c.notifyState(ConnectionStateUpdate{State: StateTypeReconnecting, Attempt: attempt, Err: lastErr})
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}
			delay = c.nextDelay(delay)
		}

		conn, err := c.dial(ctx)
		if err == nil {
			c.attach(conn)
			c.logger.Debug("connected", zap.Int("attempt", attempt))
			return nil
		}
		lastErr = err
		c.logger.Debug("connection attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrMaxRetriesExceeded, c.opts.MaxRetries, lastErr)
}

// nextDelay keeps the delay fixed unless a cap is configured
func (c *Connection) nextDelay(d time.Duration) time.Duration {
	if c.opts.MaxRetryDelay <= 0 {
		return d
	}
	d *= 2
	if d > c.opts.MaxRetryDelay {
		d = c.opts.MaxRetryDelay
	}
	return d
}

func (c *Connection) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.shutdown:
		return ErrClosed
	}
}

// attach records conn and starts reader and writer goroutines
func (c *Connection) attach(conn net.Conn) {
	done := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.connDone = done
	c.connected = true
	c.mu.Unlock()

	c.notifyState(ConnectionStateUpdate{State: StateTypeConnected})

	c.wg.Add(2)
	go c.readLoop(conn)
	go c.writeLoop(conn, done)
}

// Close shuts down the connection permanently
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	close(c.shutdown)
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()

	close(c.incoming)
	close(c.errors)
	close(c.stateChange)
}

// Send queues one line for the server
func (c *Connection) Send(line string) error {
	c.mu.RLock()
	connected, closed := c.connected, c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !connected {
		return ErrNotConnected
	}

	select {
	case c.outgoing <- line:
		return nil
	default:
		return ErrOutgoingFull
	}
}

// Incoming returns the channel of lines received from the server. It is
// closed by Close.
func (c *Connection) Incoming() <-chan string {
	return c.incoming
}

// Errors returns the channel for connection errors
func (c *Connection) Errors() <-chan error {
	return c.errors
}

// StateChanges returns the channel for connection state updates
func (c *Connection) StateChanges() <-chan ConnectionStateUpdate {
	return c.stateChange
}

// IsConnected returns whether the connection is active
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// GetBytesSent returns the total bytes sent
func (c *Connection) GetBytesSent() uint64 {
	return c.bytesSent.Load()
}

// GetBytesReceived returns the total bytes received
func (c *Connection) GetBytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// readLoop reads lines from the connection
func (c *Connection) readLoop(conn net.Conn) {
	defer c.wg.Done()

	reader := protocol.NewLineReader(&countingReader{r: conn, counter: &c.bytesReceived}, c.opts.MaxLineLength)
	for {
		line, err := reader.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.reportError(fmt.Errorf("read error: %w", err))
			}
			c.handleDisconnect(conn, err)
			return
		}

		select {
		case c.incoming <- line:
		case <-c.shutdown:
			return
		}
	}
}

// writeLoop writes queued lines to conn until conn is dropped. A line whose
// write fails is kept for the writer of the next connection.
func (c *Connection) writeLoop(conn net.Conn, done <-chan struct{}) {
	defer c.wg.Done()

	writer := &countingWriter{w: conn, counter: &c.bytesSent}
	write := func(line string) bool {
		if err := protocol.WriteLine(writer, line); err != nil {
			c.keepUnsent(line)
			c.reportError(fmt.Errorf("write error: %w", err))
			c.handleDisconnect(conn, err)
			return false
		}
		return true
	}

	for {
		// Never take a line once conn is gone
		select {
		case <-done:
			return
		case <-c.shutdown:
			return
		default:
		}

		unsent := c.takeUnsent()
		for i, line := range unsent {
			if !write(line) {
				c.keepUnsent(unsent[i+1:]...)
				return
			}
		}

		select {
		case line := <-c.outgoing:
			if !write(line) {
				return
			}
		case <-done:
			return
		case <-c.shutdown:
			return
		}
	}
}

func (c *Connection) keepUnsent(lines ...string) {
	if len(lines) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsent = append(c.unsent, lines...)
}

func (c *Connection) takeUnsent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	lines := c.unsent
	c.unsent = nil
	return lines
}

// handleDisconnect handles unexpected disconnection of conn. Only the first
// report for a given conn has an effect.
func (c *Connection) handleDisconnect(conn net.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn || !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	close(c.connDone)
	conn.Close()
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return
	}

	c.logger.Debug("disconnected from server", zap.Error(cause))
	c.notifyState(ConnectionStateUpdate{State: StateTypeDisconnected, Err: cause})

	if c.opts.AutoReconnect {
		c.wg.Add(1)
		go c.reconnectLoop()
	}
}

// reconnectLoop re-dials with the configured retry policy
func (c *Connection) reconnectLoop() {
	defer c.wg.Done()

	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := c.sleep(ctx, c.opts.RetryDelay); err != nil {
		return
	}
	if err := c.Connect(ctx); err != nil {
		if !errors.Is(err, ErrClosed) && !errors.Is(err, context.Canceled) {
			c.reportError(err)
			c.logger.Warn("reconnect failed", zap.Error(err))
		}
		return
	}
	c.logger.Info("reconnected")
}

// reportError forwards err without blocking
func (c *Connection) reportError(err error) {
	select {
	case c.errors <- err:
	default:
	}
}

func (c *Connection) notifyState(update ConnectionStateUpdate) {
	select {
	case c.stateChange <- update:
	default:
	}
}

// countingReader wraps an io.Reader and counts bytes read using atomic counter
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

// countingWriter wraps an io.Writer and counts bytes written using atomic counter
type countingWriter struct {
	w       io.Writer
	counter *atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	if n > 0 {
		cw.counter.Add(uint64(n))
	}
	return n, err
}
