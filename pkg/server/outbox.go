package server

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/aeolun/relaychat/pkg/protocol"
)

var (
	ErrOutboxFull   = errors.New("outbound queue full")
	ErrOutboxClosed = errors.New("outbound queue closed")
)

// Outbox owns every write to a connection. Lines are queued by any number of
// goroutines and written, one whole line at a time, by a single writer
// goroutine, so concurrent senders never interleave on the wire.
//
// Enqueue never blocks. A peer that stops reading fills its queue and the
// next Enqueue fails with ErrOutboxFull; the caller evicts it.
type Outbox struct {
	conn         net.Conn
	queue        chan string
	writeTimeout time.Duration

	mu     sync.RWMutex // Protects closed and sends on queue
	closed bool

	startOnce sync.Once
	done      chan struct{}
}

// NewOutbox creates an outbox holding up to size pending lines. A positive
// writeTimeout is applied as a deadline to each write.
func NewOutbox(conn net.Conn, size int, writeTimeout time.Duration) *Outbox {
	if size <= 0 {
		size = 1
	}
	return &Outbox{
		conn:         conn,
		queue:        make(chan string, size),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

// Start launches the writer goroutine. onError, if set, is called once with
// the first write error; later lines are discarded until Close.
func (o *Outbox) Start(onError func(error)) {
	o.startOnce.Do(func() {
		go o.writeLoop(onError)
	})
}

func (o *Outbox) writeLoop(onError func(error)) {
	defer close(o.done)

	for line := range o.queue {
		if o.writeTimeout > 0 {
			_ = o.conn.SetWriteDeadline(time.Now().Add(o.writeTimeout))
		}
		if err := protocol.WriteLine(o.conn, line); err != nil {
			if onError != nil {
				onError(err)
			}
			for range o.queue {
			}
			return
		}
	}
}

// Enqueue queues one line for writing
func (o *Outbox) Enqueue(line string) error {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.closed {
		return ErrOutboxClosed
	}
	select {
	case o.queue <- line:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Close stops accepting lines. Lines already queued are still written;
// Done is closed once the writer has finished.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}
	o.closed = true
	close(o.queue)
}

// Done is closed when the writer goroutine exits
func (o *Outbox) Done() <-chan struct{} {
	return o.done
}

// Pending returns the number of queued, unwritten lines
func (o *Outbox) Pending() int {
	return len(o.queue)
}
