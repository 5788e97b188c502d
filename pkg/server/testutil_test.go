package server

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

const testTimeout = 5 * time.Second

// newTestServer builds a server with every listener disabled and no ledger.
// Sessions are attached with newPipeClient.
func newTestServer(t *testing.T, opts ...func(*ServerConfig)) *Server {
	t.Helper()

	config := DefaultConfig()
	config.Host = "127.0.0.1"
	config.TCPPort = 0
	config.SSHPort = 0
	config.HTTPPort = 0
	config.MetricsPort = 0
	config.DatabasePath = ""
	config.WriteTimeout = 2 * time.Second
	for _, opt := range opts {
		opt(&config)
	}

	srv := newServer(config, noopLedger{}, zap.NewNop())
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

// lineClient reads server lines on a background goroutine so tests can wait
// for a line with a timeout on any transport, including ones without
// deadlines.
type lineClient struct {
	name  string
	lines chan string
	errs  chan error
	stop  chan struct{}
	done  chan struct{}

	write     func(line string) error
	shutdown  func() error
	closeOnce sync.Once
}

func newLineClient(name string, write func(string) error, shutdown func() error) *lineClient {
	return &lineClient{
		name:     name,
		lines:    make(chan string, 256),
		errs:     make(chan error, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		write:    write,
		shutdown: shutdown,
	}
}

// readFrom feeds newline-terminated lines from conn into c.lines
func (c *lineClient) readFrom(conn net.Conn) {
	go func() {
		defer close(c.done)
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			select {
			case c.lines <- scanner.Text():
			case <-c.stop:
				return
			}
		}
		err := scanner.Err()
		if err == nil {
			err = fmt.Errorf("%s: connection closed", c.name)
		}
		c.errs <- err
	}()
}

// newPipeClient attaches an in-memory connection to srv's session handler
func newPipeClient(t *testing.T, srv *Server) *lineClient {
	t.Helper()

	serverSide, clientSide := net.Pipe()
	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		srv.serveSession("tcp", serverSide)
	}()

	c := newLineClient("pipe",
		func(line string) error {
			_ = clientSide.SetWriteDeadline(time.Now().Add(testTimeout))
			_, err := clientSide.Write([]byte(line + "\n"))
			return err
		},
		clientSide.Close,
	)
	c.readFrom(clientSide)
	t.Cleanup(c.close)
	return c
}

func (c *lineClient) send(t *testing.T, line string) {
	t.Helper()
	if err := c.write(line); err != nil {
		t.Fatalf("%s send %q: %v", c.name, line, err)
	}
}

// expect waits for a line equal to want, skipping anything else
func (c *lineClient) expect(t *testing.T, want string) {
	t.Helper()
	c.expectMatch(t, fmt.Sprintf("%q", want), func(line string) bool { return line == want })
}

// expectPrefix waits for a line starting with prefix and returns it
func (c *lineClient) expectPrefix(t *testing.T, prefix string) string {
	t.Helper()
	return c.expectMatch(t, fmt.Sprintf("prefix %q", prefix), func(line string) bool {
		return strings.HasPrefix(line, prefix)
	})
}

func (c *lineClient) expectMatch(t *testing.T, desc string, match func(string) bool) string {
	t.Helper()
	var skipped []string
	deadline := time.After(testTimeout)
	for {
		select {
		case line := <-c.lines:
			if match(line) {
				return line
			}
			skipped = append(skipped, line)
		case err := <-c.errs:
			c.errs <- err
			// Lines read before the error are already buffered
			for {
				select {
				case line := <-c.lines:
					if match(line) {
						return line
					}
					skipped = append(skipped, line)
					continue
				default:
				}
				break
			}
			t.Fatalf("%s waiting for %s: %v (skipped %q)", c.name, desc, err, skipped)
			return ""
		case <-deadline:
			t.Fatalf("%s waiting for %s: timeout (skipped %q)", c.name, desc, skipped)
			return ""
		}
	}
}

// next returns the next line, failing the test if none arrives
func (c *lineClient) next(t *testing.T) string {
	t.Helper()
	select {
	case line := <-c.lines:
		return line
	case err := <-c.errs:
		c.errs <- err
		select {
		case line := <-c.lines:
			return line
		default:
		}
		t.Fatalf("%s waiting for a line: %v", c.name, err)
	case <-time.After(testTimeout):
		t.Fatalf("%s waiting for a line: timeout", c.name)
	}
	return ""
}

// never fails if a line equal to line arrives within d
func (c *lineClient) never(t *testing.T, line string, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case got := <-c.lines:
			if got == line {
				t.Fatalf("%s unexpectedly received %q", c.name, line)
			}
		case <-deadline:
			return
		}
	}
}

// expectClosed waits for the server to hang up, skipping remaining lines
func (c *lineClient) expectClosed(t *testing.T) {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case <-c.lines:
		case err := <-c.errs:
			c.errs <- err
			return
		case <-deadline:
			t.Fatalf("%s: connection still open", c.name)
		}
	}
}

func (c *lineClient) close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		_ = c.shutdown()
		<-c.done
	})
}

// login answers the nickname prompt and waits for the welcome notice
func login(t *testing.T, c *lineClient, handle string) {
	t.Helper()
	c.expect(t, "Please enter your nickname:")
	c.send(t, "/nickname "+handle)
	c.expectPrefix(t, "Welcome, "+handle+"!")
}

// waitFor polls cond until it holds or the test times out
func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", desc)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// newStalledClient logs in as handle and then never reads again, so the
// server's writes to it back up.
func newStalledClient(t *testing.T, srv *Server, handle string) net.Conn {
	t.Helper()

	serverSide, clientSide := net.Pipe()
	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		srv.serveSession("tcp", serverSide)
	}()
	t.Cleanup(func() { _ = clientSide.Close() })

	_ = clientSide.SetDeadline(time.Now().Add(testTimeout))
	reader := bufio.NewReader(clientSide)
	if _, err := reader.ReadString('\n'); err != nil {
		t.Fatalf("stalled client prompt: %v", err)
	}
	if _, err := clientSide.Write([]byte("/nickname " + handle + "\n")); err != nil {
		t.Fatalf("stalled client send: %v", err)
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("stalled client welcome: %v", err)
	}
	if !strings.HasPrefix(line, "Welcome, "+handle) {
		t.Fatalf("stalled client: unexpected line %q", line)
	}
	_ = clientSide.SetDeadline(time.Time{})
	return clientSide
}
