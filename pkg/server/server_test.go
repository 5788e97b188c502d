package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aeolun/relaychat/pkg/database"
	"github.com/aeolun/relaychat/pkg/protocol"
)

func TestStartServesTCP(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.Start())
	require.NotNil(t, srv.Addr())

	c := newTCPClient(t, srv.Addr().String())
	login(t, c, "alice")
	c.send(t, "/quit")
	c.expect(t, protocol.NoticeGoodbye)
	c.expectClosed(t)
}

func TestStartFailsOnBusyPort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	srv := newTestServer(t, func(c *ServerConfig) {
		c.TCPPort = busy.Addr().(*net.TCPAddr).Port
	})
	assert.Error(t, srv.Start())
}

func TestHealthHandler(t *testing.T) {
	srv := newTestServer(t)
	c := newPipeClient(t, srv)
	login(t, c, "alice")

	rec := httptest.NewRecorder()
	srv.HealthHandler(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var health healthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Sessions)
	assert.Equal(t, 1, health.Handles)
	assert.Equal(t, 1, health.Groups)

	require.NoError(t, srv.Stop())
	rec = httptest.NewRecorder()
	srv.HealthHandler(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, 503, rec.Code)
}

func TestStopIsIdempotent(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.Start())
	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Stop())

	_, err := net.DialTimeout("tcp", srv.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err, "listener is closed")
}

func TestSessionLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := database.Open(path, zap.NewNop())
	require.NoError(t, err)

	config := DefaultConfig()
	config.Host = "127.0.0.1"
	config.TCPPort, config.SSHPort, config.HTTPPort, config.MetricsPort = 0, 0, 0, 0
	srv := newServer(config, db, zap.NewNop())
	t.Cleanup(func() { _ = srv.Stop() })

	c := newPipeClient(t, srv)
	login(t, c, "alice")
	c.send(t, "/join room")
	c.expect(t, protocol.YouJoined("room"))

	sess, ok := srv.sessions.GetSession(srv.mustLookup(t, "alice"))
	require.True(t, ok)
	ledgerID := sess.LedgerID

	c.send(t, "/quit")
	c.expectClosed(t)
	waitFor(t, "session torn down", func() bool { return srv.disconnectionsSinceReport.Load() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, db.Flush(ctx))

	record, err := db.GetSession(ledgerID)
	require.NoError(t, err)
	assert.Equal(t, "alice", record.Nickname)
	assert.Equal(t, "room", record.Group)
	assert.Equal(t, "tcp", record.Transport)
	assert.Equal(t, reasonQuit, record.CloseReason)
	assert.NotNil(t, record.DisconnectedAt)
}

func TestNewServerOpensLedger(t *testing.T) {
	config := DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "sub", "sessions.db")

	srv, err := NewServer(config, nil)
	require.NoError(t, err)
	_, isDB := srv.ledger.(*database.DB)
	assert.True(t, isDB)
	require.NoError(t, srv.Stop())

	config.DatabasePath = ""
	srv, err = NewServer(config, nil)
	require.NoError(t, err)
	assert.IsType(t, noopLedger{}, srv.ledger)
	require.NoError(t, srv.Stop())
}

func TestTrackSessionStopsAtShutdown(t *testing.T) {
	srv := newTestServer(t)

	require.True(t, srv.trackSession())
	srv.wg.Done()

	// Handlers racing Stop either get tracked before shutdown or are refused
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if srv.trackSession() {
				time.Sleep(time.Millisecond)
				srv.wg.Done()
			}
		}()
	}
	require.NoError(t, srv.Stop())
	wg.Wait()

	assert.False(t, srv.trackSession())
}

func TestWebSocketRefusedAfterStop(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.Stop())

	httpServer := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	defer httpServer.Close()

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if conn != nil {
		conn.Close()
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 0, srv.sessions.CountOnline())
}
