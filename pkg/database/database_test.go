package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, path
}

func flush(t *testing.T, db *DB) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, db.Flush(ctx))
}

func TestSessionLifecycle(t *testing.T) {
	db, _ := openTestDB(t)
	id := uuid.NewString()

	db.RecordConnect(id, 7, "tcp", "127.0.0.1:5000")
	flush(t, db)

	sess, err := db.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), sess.ConnID)
	assert.Equal(t, "tcp", sess.Transport)
	assert.Equal(t, "127.0.0.1:5000", sess.RemoteAddr)
	assert.Empty(t, sess.Nickname)
	assert.Nil(t, sess.DisconnectedAt)

	open, err := db.CountOpenSessions()
	require.NoError(t, err)
	assert.Equal(t, 1, open)

	db.UpdateNickname(id, "alice")
	db.UpdateGroup(id, "lobby")
	db.RecordDisconnect(id, "quit")
	flush(t, db)

	sess, err = db.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.Nickname)
	assert.Equal(t, "lobby", sess.Group)
	assert.Equal(t, "quit", sess.CloseReason)
	require.NotNil(t, sess.DisconnectedAt)
	assert.GreaterOrEqual(t, *sess.DisconnectedAt, sess.ConnectedAt)

	open, err = db.CountOpenSessions()
	require.NoError(t, err)
	assert.Equal(t, 0, open)
}

func TestGetSessionNotFound(t *testing.T) {
	db, _ := openTestDB(t)

	_, err := db.GetSession("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestOpenClosesOrphanedSessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	id := uuid.NewString()

	db, err := Open(path, nil)
	require.NoError(t, err)
	db.RecordConnect(id, 1, "ssh", "")
	require.NoError(t, db.Close())

	db, err = Open(path, nil)
	require.NoError(t, err)
	defer db.Close()

	sess, err := db.GetSession(id)
	require.NoError(t, err)
	require.NotNil(t, sess.DisconnectedAt)
	assert.Equal(t, "server restart", sess.CloseReason)
}

func TestCloseAppliesQueuedWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	db, err := Open(path, nil)
	require.NoError(t, err)

	ids := make([]string, 200)
	for i := range ids {
		ids[i] = uuid.NewString()
		db.RecordConnect(ids[i], uint64(i+1), "tcp", "")
		db.RecordDisconnect(ids[i], "quit")
	}
	require.NoError(t, db.Close())
	assert.NoError(t, db.Close(), "second close is a no-op")

	db, err = Open(path, nil)
	require.NoError(t, err)
	defer db.Close()

	for _, id := range ids {
		sess, err := db.GetSession(id)
		require.NoError(t, err)
		assert.Equal(t, "quit", sess.CloseReason)
	}
}

func TestWritesAfterCloseAreIgnored(t *testing.T) {
	db, _ := openTestDB(t)
	require.NoError(t, db.Close())

	assert.NotPanics(t, func() {
		db.RecordConnect(uuid.NewString(), 1, "tcp", "")
	})
	assert.ErrorIs(t, db.Flush(context.Background()), ErrClosed)
}
