package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var (
	// ErrSessionNotFound indicates no ledger record exists for the key.
	ErrSessionNotFound = errors.New("session record not found")
	// ErrClosed indicates the ledger has been closed.
	ErrClosed = errors.New("ledger closed")
)

const (
	// DefaultQueueSize is how many pending writes are buffered before new
	// ones are dropped.
	DefaultQueueSize = 1024
	// maxBatch bounds how many queued writes share one transaction.
	maxBatch = 128
)

// Session is one connection's audit record
type Session struct {
	ID             string
	ConnID         uint64
	Transport      string
	RemoteAddr     string
	Nickname       string // Empty until a handle is claimed
	Group          string // Last group joined
	ConnectedAt    int64  // Unix milliseconds
	DisconnectedAt *int64 // nil while connected
	CloseReason    string
}

// writeOp is a queued statement. A non-nil flushed channel marks a flush
// barrier instead of a statement.
type writeOp struct {
	query   string
	args    []any
	flushed chan struct{}
}

// DB is the SQLite session ledger. Writes are queued and applied by a single
// background writer so callers on the hot path never wait on disk.
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
	logger    *zap.Logger

	mu      sync.RWMutex // Protects closed and sends on writes
	closed  bool
	writes  chan writeOp
	done    chan struct{}
	dropped atomic.Uint64
}

var pragmas = []string{
	// WAL allows multiple readers and one writer at the same time
	"PRAGMA journal_mode = WAL",
	// Wait and retry instead of immediately failing with SQLITE_BUSY
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
	"PRAGMA synchronous = NORMAL",
}

// Open opens the ledger at path, creating the schema if needed. Records
// left open by a previous process are closed with reason "server restart".
func Open(path string, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := openConn(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	writeConn, err := openConn(path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	// Exactly 1 connection, no pooling (SQLite has a single writer)
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
		logger:    logger,
		writes:    make(chan writeOp, DefaultQueueSize),
		done:      make(chan struct{}),
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	orphaned, err := db.closeOrphanedSessions()
	if err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to close orphaned sessions: %w", err)
	}
	if orphaned > 0 {
		logger.Info("closed orphaned session records", zap.Int64("count", orphaned))
	}

	go db.writeLoop()

	return db, nil
}

func openConn(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return conn, nil
}

// initSchema creates the ledger table if it doesn't exist
func (db *DB) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS Session (
	id TEXT PRIMARY KEY,
	conn_id INTEGER NOT NULL,
	transport TEXT NOT NULL,
	remote_addr TEXT NOT NULL DEFAULT '',
	nickname TEXT NOT NULL DEFAULT '',
	group_name TEXT NOT NULL DEFAULT '',
	connected_at INTEGER NOT NULL,
	disconnected_at INTEGER,
	close_reason TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sessions_open ON Session(disconnected_at);
CREATE INDEX IF NOT EXISTS idx_sessions_nickname ON Session(nickname);
`
	_, err := db.writeConn.Exec(schema)
	return err
}

func (db *DB) closeOrphanedSessions() (int64, error) {
	result, err := db.writeConn.Exec(`
		UPDATE Session SET disconnected_at = ?, close_reason = 'server restart'
		WHERE disconnected_at IS NULL
	`, nowMillis())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// RecordConnect queues the creation of a session record
func (db *DB) RecordConnect(id string, connID uint64, transport, remoteAddr string) {
	db.enqueue(writeOp{
		query: `INSERT INTO Session (id, conn_id, transport, remote_addr, connected_at) VALUES (?, ?, ?, ?, ?)`,
		args:  []any{id, int64(connID), transport, remoteAddr, nowMillis()},
	})
}

// UpdateNickname queues a nickname change
func (db *DB) UpdateNickname(id, nickname string) {
	db.enqueue(writeOp{
		query: `UPDATE Session SET nickname = ? WHERE id = ?`,
		args:  []any{nickname, id},
	})
}

// UpdateGroup queues a group change
func (db *DB) UpdateGroup(id, group string) {
	db.enqueue(writeOp{
		query: `UPDATE Session SET group_name = ? WHERE id = ?`,
		args:  []any{group, id},
	})
}

// RecordDisconnect queues closing a session record
func (db *DB) RecordDisconnect(id, reason string) {
	db.enqueue(writeOp{
		query: `UPDATE Session SET disconnected_at = ?, close_reason = ? WHERE id = ?`,
		args:  []any{nowMillis(), reason, id},
	})
}

// enqueue never blocks: when the queue is full the write is dropped and counted
func (db *DB) enqueue(op writeOp) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return
	}
	select {
	case db.writes <- op:
	default:
		if n := db.dropped.Add(1); n == 1 || n%1000 == 0 {
			db.logger.Warn("ledger queue full, dropping writes", zap.Uint64("dropped", n))
		}
	}
}

// Dropped returns how many writes were discarded because the queue was full
func (db *DB) Dropped() uint64 {
	return db.dropped.Load()
}

// Flush blocks until every write queued before the call has been applied
func (db *DB) Flush(ctx context.Context) error {
	flushed := make(chan struct{})

	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return ErrClosed
	}
	select {
	case db.writes <- writeOp{flushed: flushed}:
	case <-ctx.Done():
		db.mu.RUnlock()
		return ctx.Err()
	}
	db.mu.RUnlock()

	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (db *DB) writeLoop() {
	defer close(db.done)

	batch := make([]writeOp, 0, maxBatch)
	for op := range db.writes {
		batch = append(batch[:0], op)

		// Pick up whatever else is already queued
	collect:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-db.writes:
				if !ok {
					break collect
				}
				batch = append(batch, next)
			default:
				break collect
			}
		}

		db.applyBatch(batch)
	}
}

func (db *DB) applyBatch(batch []writeOp) {
	tx, err := db.writeConn.Begin()
	if err != nil {
		db.logger.Error("ledger begin failed", zap.Error(err))
		releaseBarriers(batch)
		return
	}

	for _, op := range batch {
		if op.flushed != nil {
			continue
		}
		if _, err := tx.Exec(op.query, op.args...); err != nil {
			db.logger.Error("ledger write failed", zap.Error(err))
		}
	}

	if err := tx.Commit(); err != nil {
		db.logger.Error("ledger commit failed", zap.Error(err))
	}
	releaseBarriers(batch)
}

func releaseBarriers(batch []writeOp) {
	for _, op := range batch {
		if op.flushed != nil {
			close(op.flushed)
		}
	}
}

// GetSession returns the ledger record for id
func (db *DB) GetSession(id string) (*Session, error) {
	sess := &Session{}
	var disconnectedAt sql.NullInt64
	var connID int64

	err := db.conn.QueryRow(`
		SELECT id, conn_id, transport, remote_addr, nickname, group_name, connected_at, disconnected_at, close_reason
		FROM Session
		WHERE id = ?
	`, id).Scan(
		&sess.ID,
		&connID,
		&sess.Transport,
		&sess.RemoteAddr,
		&sess.Nickname,
		&sess.Group,
		&sess.ConnectedAt,
		&disconnectedAt,
		&sess.CloseReason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	sess.ConnID = uint64(connID)
	if disconnectedAt.Valid {
		sess.DisconnectedAt = &disconnectedAt.Int64
	}
	return sess, nil
}

// CountOpenSessions returns how many records have no disconnect time
func (db *DB) CountOpenSessions() (int, error) {
	var count int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM Session WHERE disconnected_at IS NULL`).Scan(&count)
	return count, err
}

// Close applies every queued write and closes both connections
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	close(db.writes)
	db.mu.Unlock()

	<-db.done

	return multierr.Combine(
		db.writeConn.Close(),
		db.conn.Close(),
	)
}
