package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aeolun/relaychat/pkg/client"
	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/aeolun/relaychat/pkg/server"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat."

var loremWords = strings.Fields(loremIpsum)

var errNicknameRejected = errors.New("nickname rejected")

// Stats tracks load test counters
type Stats struct {
	sent              atomic.Int64
	privateSent       atomic.Int64
	received          atomic.Int64
	sendFailures      atomic.Int64
	connectionErrors  atomic.Int64
	nicknameRejected  atomic.Int64
	successfulClients atomic.Int64
	disconnections    atomic.Int64
	handshakeMicros   atomic.Int64
}

func (s *Stats) averageHandshake() time.Duration {
	n := s.successfulClients.Load()
	if n == 0 {
		return 0
	}
	return time.Duration(s.handshakeMicros.Load()/n) * time.Microsecond
}

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	var load1 float64
	fmt.Sscanf(string(data), "%f", &load1)
	return load1
}

func randomMessage() string {
	n := 3 + rand.Intn(10)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// botClient is one scripted chat participant
type botClient struct {
	id       int
	nickname string
	conn     *client.Connection
	stats    *Stats
	groups   int
}

// handshake waits for the nickname prompt, claims a handle and waits for
// the welcome line.
func (b *botClient) handshake(ctx context.Context) error {
	start := time.Now()
	if err := b.waitFor(ctx, protocol.PromptNickname); err != nil {
		return fmt.Errorf("waiting for prompt: %w", err)
	}
	if err := b.conn.Send("/nickname " + b.nickname); err != nil {
		return err
	}

	for {
		line, err := b.next(ctx)
		if err != nil {
			return fmt.Errorf("waiting for welcome: %w", err)
		}
		switch {
		case strings.HasPrefix(line, "Welcome, "):
			b.stats.handshakeMicros.Add(time.Since(start).Microseconds())
			return nil
		case line == protocol.NoticeNicknameTaken:
			return errNicknameRejected
		}
	}
}

func (b *botClient) waitFor(ctx context.Context, want string) error {
	for {
		line, err := b.next(ctx)
		if err != nil {
			return err
		}
		if line == want {
			return nil
		}
	}
}

func (b *botClient) next(ctx context.Context) (string, error) {
	select {
	case line, ok := <-b.conn.Incoming():
		if !ok {
			return "", client.ErrClosed
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// run chats until ctx ends: mostly group chat, occasionally a group switch
// or a private message to a random other bot.
func (b *botClient) run(ctx context.Context, numClients int, minDelay, maxDelay time.Duration) {
	go func() {
		for range b.conn.Incoming() {
			b.stats.received.Add(1)
		}
	}()

	if b.groups > 1 {
		_ = b.conn.Send(fmt.Sprintf("/join load-%d", b.id%b.groups))
	}

	for {
		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-ctx.Done():
			_ = b.conn.Send("/quit")
			return
		case <-time.After(delay):
		}

		if !b.conn.IsConnected() {
			b.stats.disconnections.Add(1)
			return
		}

		var err error
		switch r := rand.Intn(20); {
		case r == 0 && b.groups > 1:
			err = b.conn.Send(fmt.Sprintf("/join load-%d", rand.Intn(b.groups)))
		case r == 1 && numClients > 1:
			err = b.conn.Send(fmt.Sprintf("/private %s %s", nicknameFor(rand.Intn(numClients)), randomMessage()))
			if err == nil {
				b.stats.privateSent.Add(1)
			}
		default:
			err = b.conn.Send(randomMessage())
		}
		if err != nil {
			b.stats.sendFailures.Add(1)
			continue
		}
		b.stats.sent.Add(1)
	}
}

func nicknameFor(id int) string {
	return fmt.Sprintf("load%05d", id)
}

func main() {
	configPath := flag.String("config", "", "Optional config file supplying the [client] section")
	host := flag.String("host", "", "Server host (overrides config)")
	port := flag.Int("port", 0, "Server port (overrides config)")
	transport := flag.String("transport", client.TransportTCP, "Transport: tcp, ssh or websocket")
	numClients := flag.Int("clients", 100, "Number of concurrent clients")
	duration := flag.Duration("duration", 60*time.Second, "Test duration")
	rampUp := flag.Duration("ramp-up", 5*time.Second, "Time over which clients connect")
	minDelay := flag.Duration("min-delay", 500*time.Millisecond, "Minimum delay between messages")
	maxDelay := flag.Duration("max-delay", 2*time.Second, "Maximum delay between messages")
	groups := flag.Int("groups", 1, "Spread clients over this many groups")
	flag.Parse()

	opts := client.DefaultOptions()
	if *configPath != "" {
		cfg, err := server.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		opts = cfg.ToClientOptions()
	}
	if *host != "" {
		opts.Host = *host
	}
	if *port > 0 {
		opts.Port = *port
	}
	opts.Transport = *transport

	log.Printf("Starting load test: %d clients against %s (%s) for %v", *numClients, opts.Addr(), opts.Transport, *duration)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	runCtx, cancel := context.WithTimeout(ctx, *rampUp+*duration)
	defer cancel()

	stats := &Stats{}
	startTime := time.Now()

	// Periodic stats
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				elapsed := time.Since(startTime).Seconds()
				sent := stats.sent.Load()
				log.Printf("Stats: %d clients, %d sent (%.1f/s), %d received, %d failed, load %.2f, goroutines %d",
					stats.successfulClients.Load(), sent, float64(sent)/elapsed, stats.received.Load(),
					stats.sendFailures.Load(), getCPULoad(), runtime.NumGoroutine())
			case <-runCtx.Done():
				return
			}
		}
	}()

	stagger := time.Duration(0)
	if *numClients > 0 {
		stagger = *rampUp / time.Duration(*numClients)
	}

	// Bots never return errors; failures are counted in stats
	var g errgroup.Group
	for i := 0; i < *numClients; i++ {
		id := i
		g.Go(func() error {
			conn := client.NewConnection(opts)
			defer conn.Close()

			if err := conn.Connect(runCtx); err != nil {
				stats.connectionErrors.Add(1)
				if id%100 == 0 {
					log.Printf("[Bot %d] connect failed: %v", id, err)
				}
				return nil
			}

			bot := &botClient{id: id, nickname: nicknameFor(id), conn: conn, stats: stats, groups: *groups}
			hsCtx, hsCancel := context.WithTimeout(runCtx, 10*time.Second)
			err := bot.handshake(hsCtx)
			hsCancel()
			if err != nil {
				if errors.Is(err, errNicknameRejected) {
					stats.nicknameRejected.Add(1)
				} else {
					stats.connectionErrors.Add(1)
				}
				return nil
			}

			stats.successfulClients.Add(1)
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected as %s", id, bot.nickname)
			}

			bot.run(runCtx, *numClients, *minDelay, *maxDelay)
			// Give the /quit a moment to reach the server
			time.Sleep(100 * time.Millisecond)
			return nil
		})

		select {
		case <-runCtx.Done():
		case <-time.After(stagger):
		}
	}
	_ = g.Wait()

	elapsed := time.Since(startTime)
	sent := stats.sent.Load()

	log.Printf("\n=== Final Results ===")
	log.Printf("Clients: %d attempted, %d successful (%.1f%%)", *numClients, stats.successfulClients.Load(),
		float64(stats.successfulClients.Load())/float64(max(*numClients, 1))*100)
	log.Printf("Duration: %v", elapsed.Round(time.Second))
	log.Printf("Lines sent: %d (%.1f/s), %d private", sent, float64(sent)/elapsed.Seconds(), stats.privateSent.Load())
	log.Printf("Lines received: %d", stats.received.Load())
	log.Printf("Send failures: %d", stats.sendFailures.Load())
	log.Printf("Connection errors: %d", stats.connectionErrors.Load())
	log.Printf("Nicknames rejected: %d", stats.nicknameRejected.Load())
	log.Printf("Disconnections: %d", stats.disconnections.Load())
	log.Printf("Average handshake: %v", stats.averageHandshake())
}
