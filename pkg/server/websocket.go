package server

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aeolun/relaychat/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients may be served from anywhere
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades the request and serves it as a chat session.
// Every WebSocket text message is one line in each direction.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.shutdown:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	// A message may lack its newline, so allow for the terminator
	conn.SetReadLimit(int64(s.config.MaxLineLength) + 2)

	// Stop may have begun while the upgrade was in flight
	if !s.trackSession() {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(protocol.NoticeShutdown))
		conn.Close()
		return
	}
	defer s.wg.Done()
	s.serveSession("websocket", newWSConn(conn))
}

// wsConn adapts a WebSocket connection to net.Conn. Reads yield each
// message followed by "\n"; each Write sends one text message.
type wsConn struct {
	conn   *websocket.Conn
	reader io.Reader // Remainder of the current message
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) Read(b []byte) (int, error) {
	for {
		if c.reader == nil {
			msgType, r, err := c.conn.NextReader()
			if err != nil {
				return 0, normalizeWSError(err)
			}
			if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
				continue
			}
			c.reader = io.MultiReader(r, strings.NewReader("\n"))
		}

		n, err := c.reader.Read(b)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(b []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.TextMessage, bytes.TrimSuffix(b, []byte("\n"))); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

func (c *wsConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// normalizeWSError maps a clean close handshake to io.EOF
func normalizeWSError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return io.EOF
	}
	return err
}

// isClosedErr reports whether err comes from using a closed listener
func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
