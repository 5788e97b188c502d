package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// sshServerVersion is the banner sent during the SSH handshake
const sshServerVersion = "SSH-2.0-relaychat"

// startSSHServer starts the SSH server on the configured port
func (s *Server) startSSHServer() error {
	if s.config.SSHPort <= 0 {
		s.logger.Info("SSH server disabled", zap.Int("ssh_port", s.config.SSHPort))
		return nil
	}

	config, err := s.sshServerConfig()
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.SSHPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.sshListener = listener

	s.logger.Info("SSH server listening", zap.String("addr", listener.Addr().String()))

	s.wg.Add(1)
	go s.acceptSSHLoop(listener, config)

	return nil
}

// sshServerConfig builds the server config. Any client is accepted without
// authentication; the chat handle is chosen in-band like on every transport.
func (s *Server) sshServerConfig() (*ssh.ServerConfig, error) {
	hostKey, err := s.loadOrGenerateHostKey()
	if err != nil {
		return nil, fmt.Errorf("failed to load host key: %w", err)
	}

	config := &ssh.ServerConfig{
		NoClientAuth:  true,
		ServerVersion: sshServerVersion,
	}
	config.AddHostKey(hostKey)
	return config, nil
}

// acceptSSHLoop accepts incoming SSH connections
func (s *Server) acceptSSHLoop(listener net.Listener, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer listener.Close()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if isClosedErr(err) {
				return
			}
			s.logger.Error("SSH accept error", zap.Error(err))
			continue
		}

		s.wg.Add(1)
		go s.handleSSHConnection(conn, config)
	}
}

// handleSSHConnection performs the handshake and serves each "session"
// channel as its own chat session.
func (s *Server) handleSSHConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer conn.Close()

	// Bound the handshake so a silent client cannot hold the goroutine
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		s.logger.Debug("SSH handshake failed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		return
	}
	_ = conn.SetDeadline(time.Time{})
	defer sshConn.Close()

	// Discard global out-of-band requests
	go ssh.DiscardRequests(reqs)

	// Hang up on shutdown, otherwise the channel loop below never ends
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.shutdown:
			sshConn.Close()
		case <-done:
		}
	}()

	for newChannel := range chans {
		// Only "session" channels carry chat lines
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			s.logger.Debug("could not accept SSH channel", zap.Error(err))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			go handleSSHChannelRequests(requests)
			s.serveSession("ssh", &sshChannelConn{
				channel:    channel,
				localAddr:  sshConn.LocalAddr(),
				remoteAddr: sshConn.RemoteAddr(),
			})
			// One chat session per SSH connection
			sshConn.Close()
		}()
	}
}

// handleSSHChannelRequests accepts the requests interactive clients send
// before they start typing, and refuses the rest.
func handleSSHChannelRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "shell", "pty-req", "env", "window-change":
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// sshChannelConn wraps ssh.Channel to implement net.Conn interface.
// Channels have no deadlines of their own: an operation still running when
// its deadline passes closes the channel and fails with
// os.ErrDeadlineExceeded.
type sshChannelConn struct {
	channel    ssh.Channel
	localAddr  net.Addr
	remoteAddr net.Addr

	mu            sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time
}

func (c *sshChannelConn) Read(b []byte) (int, error) {
	c.mu.Lock()
	deadline := c.readDeadline
	c.mu.Unlock()
	return c.withDeadline(deadline, func() (int, error) { return c.channel.Read(b) })
}

func (c *sshChannelConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	deadline := c.writeDeadline
	c.mu.Unlock()
	return c.withDeadline(deadline, func() (int, error) { return c.channel.Write(b) })
}

func (c *sshChannelConn) withDeadline(deadline time.Time, op func() (int, error)) (int, error) {
	if deadline.IsZero() {
		return op()
	}
	wait := time.Until(deadline)
	if wait <= 0 {
		return 0, os.ErrDeadlineExceeded
	}

	var expired atomic.Bool
	timer := time.AfterFunc(wait, func() {
		expired.Store(true)
		_ = c.channel.Close()
	})
	n, err := op()
	timer.Stop()
	if err != nil && expired.Load() {
		err = os.ErrDeadlineExceeded
	}
	return n, err
}

func (c *sshChannelConn) Close() error {
	return c.channel.Close()
}

func (c *sshChannelConn) LocalAddr() net.Addr {
	return c.localAddr
}

func (c *sshChannelConn) RemoteAddr() net.Addr {
	return c.remoteAddr
}

func (c *sshChannelConn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	c.writeDeadline = t
	return nil
}

func (c *sshChannelConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	return nil
}

func (c *sshChannelConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeDeadline = t
	return nil
}

// loadOrGenerateHostKey loads the SSH host key or generates one if it doesn't exist
func (s *Server) loadOrGenerateHostKey() (ssh.Signer, error) {
	keyPath, err := expandHome(s.config.SSHHostKeyPath)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(keyPath) == "" {
		return nil, fmt.Errorf("ssh host key path is empty; set [server].ssh_host_key or remove it to use the default (%s)", DefaultConfig().SSHHostKeyPath)
	}

	// Try to load existing key
	keyBytes, err := os.ReadFile(keyPath)
	if err == nil {
		key, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		s.logger.Info("loaded SSH host key", zap.String("path", keyPath))
		return key, nil
	}

	// Generate new key if file doesn't exist
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	s.logger.Info("generating new SSH host key", zap.String("path", keyPath))

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	privateKeyPEM := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.WriteFile(keyPath, pem.EncodeToMemory(privateKeyPEM), 0600); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}

	key, err := ssh.NewSignerFromKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	return key, nil
}
