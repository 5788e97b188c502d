package server

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/relaychat/pkg/protocol"
)

const quiet = 150 * time.Millisecond

func TestHandshake(t *testing.T) {
	t.Run("nickname command", func(t *testing.T) {
		srv := newTestServer(t)
		c := newPipeClient(t, srv)

		c.expect(t, protocol.PromptNickname)
		c.send(t, "/nickname alice")
		c.expect(t, protocol.Welcome("alice", "public"))

		handle, ok := srv.registry.HandleOf(ConnID(1))
		require.True(t, ok)
		assert.Equal(t, "alice", handle)
		assert.Equal(t, "public", srv.directory.GroupOf(ConnID(1)))
	})

	t.Run("bare word", func(t *testing.T) {
		srv := newTestServer(t)
		c := newPipeClient(t, srv)

		c.expect(t, protocol.PromptNickname)
		c.send(t, "  bob  ")
		c.expect(t, protocol.Welcome("bob", "public"))
	})

	t.Run("commands before a nickname", func(t *testing.T) {
		srv := newTestServer(t)
		c := newPipeClient(t, srv)
		c.expect(t, protocol.PromptNickname)

		for _, line := range []string{"/join room", "/who", "hello there", "/private bob hi"} {
			c.send(t, line)
			assert.Equal(t, protocol.NoticeChooseFirst, c.next(t), line)
			assert.Equal(t, protocol.PromptNickname, c.next(t), line)
		}
		assert.Equal(t, 0, srv.registry.Count())
		assert.Empty(t, srv.directory.MembersOf("public"))
	})

	t.Run("invalid nickname reprompts", func(t *testing.T) {
		srv := newTestServer(t)
		c := newPipeClient(t, srv)
		c.expect(t, protocol.PromptNickname)

		c.send(t, "/nickname bad!name")
		want := protocol.Errorf("%v", protocol.ValidateHandle("bad!name", protocol.DefaultMaxHandleLength))
		assert.Equal(t, want, c.next(t))
		assert.Equal(t, protocol.PromptNickname, c.next(t))

		c.send(t, "/nickname")
		assert.Equal(t, protocol.Errorf("usage: %s", protocol.CommandNickname.Usage()), c.next(t))
		assert.Equal(t, protocol.PromptNickname, c.next(t))

		c.send(t, "/nickname good")
		c.expect(t, protocol.Welcome("good", "public"))
	})

	t.Run("taken nickname is case insensitive", func(t *testing.T) {
		srv := newTestServer(t)
		alice := newPipeClient(t, srv)
		login(t, alice, "Alice")

		bob := newPipeClient(t, srv)
		bob.expect(t, protocol.PromptNickname)
		bob.send(t, "/nickname aLiCe")
		assert.Equal(t, protocol.NoticeNicknameTaken, bob.next(t))
		assert.Equal(t, protocol.PromptNickname, bob.next(t))
	})

	t.Run("too many attempts closes", func(t *testing.T) {
		srv := newTestServer(t, func(c *ServerConfig) { c.MaxHandleAttempts = 2 })
		c := newPipeClient(t, srv)
		c.expect(t, protocol.PromptNickname)

		c.send(t, "/nickname !")
		c.expect(t, protocol.PromptNickname)
		c.send(t, "/nickname ?")
		c.expect(t, protocol.NoticeTooManyTries)
		c.expectClosed(t)

		waitFor(t, "session removed", func() bool { return srv.sessions.CountOnline() == 0 })
	})

	t.Run("quit before a nickname", func(t *testing.T) {
		srv := newTestServer(t)
		observer := newPipeClient(t, srv)
		login(t, observer, "observer")

		c := newPipeClient(t, srv)
		c.expect(t, protocol.PromptNickname)
		c.send(t, "/quit")
		c.expect(t, protocol.NoticeGoodbye)
		c.expectClosed(t)

		// Never active, so nobody hears about it
		observer.never(t, protocol.LeftChat(""), quiet)
	})
}

func TestJoinAndLeaveAnnouncements(t *testing.T) {
	srv := newTestServer(t)

	alice := newPipeClient(t, srv)
	login(t, alice, "alice")

	bob := newPipeClient(t, srv)
	login(t, bob, "bob")
	alice.expect(t, protocol.JoinedChat("bob"))
	bob.never(t, protocol.JoinedChat("bob"), quiet)

	bob.send(t, "/quit")
	bob.expect(t, protocol.NoticeGoodbye)
	bob.expectClosed(t)
	alice.expect(t, protocol.LeftChat("bob"))

	waitFor(t, "bob released", func() bool {
		_, ok := srv.registry.Lookup("bob")
		return !ok
	})
	assert.Equal(t, []string{"alice"}, srv.registry.Handles())
}

func TestDisconnectTearsDownOnce(t *testing.T) {
	srv := newTestServer(t)

	alice := newPipeClient(t, srv)
	login(t, alice, "alice")
	bob := newPipeClient(t, srv)
	login(t, bob, "bob")

	bob.close()
	alice.expect(t, protocol.LeftChat("bob"))
	alice.never(t, protocol.LeftChat("bob"), quiet)

	waitFor(t, "bob gone", func() bool { return srv.sessions.CountOnline() == 1 })
	assert.Equal(t, 1, srv.registry.Count())
	assert.Len(t, srv.directory.MembersOf("public"), 1)

	// The handle is free again
	carol := newPipeClient(t, srv)
	login(t, carol, "bob")
}

func TestChat(t *testing.T) {
	srv := newTestServer(t)

	alice := newPipeClient(t, srv)
	login(t, alice, "alice")
	bob := newPipeClient(t, srv)
	login(t, bob, "bob")
	carol := newPipeClient(t, srv)
	login(t, carol, "carol")

	alice.send(t, "hello everyone")
	bob.expect(t, "alice: hello everyone")
	carol.expect(t, "alice: hello everyone")
	alice.never(t, "alice: hello everyone", quiet)

	t.Run("unknown command is chat", func(t *testing.T) {
		bob.send(t, "/nicknamex is not a command")
		alice.expect(t, "bob: /nicknamex is not a command")
		bob.send(t, "/NICKNAME upper")
		alice.expect(t, "bob: /NICKNAME upper")
	})

	t.Run("blank lines are ignored", func(t *testing.T) {
		carol.send(t, "   ")
		carol.send(t, "after blank")
		alice.expect(t, "carol: after blank")
		assert.Equal(t, "carol: after blank", bob.expectPrefix(t, "carol:"))
	})
}

func TestJoinGroup(t *testing.T) {
	srv := newTestServer(t)

	alice := newPipeClient(t, srv)
	login(t, alice, "alice")
	bob := newPipeClient(t, srv)
	login(t, bob, "bob")
	carol := newPipeClient(t, srv)
	login(t, carol, "carol")

	bob.send(t, "/join room")
	bob.expect(t, protocol.YouJoined("room"))
	alice.expect(t, protocol.LeftGroup("bob", "public"))
	carol.expect(t, protocol.LeftGroup("bob", "public"))
	assert.Equal(t, "room", srv.directory.GroupOf(srv.mustLookup(t, "bob")))

	carol.send(t, "/join room")
	carol.expect(t, protocol.YouJoined("room"))
	bob.expect(t, protocol.JoinedGroup("carol", "room"))

	// Chat stays inside the group
	carol.send(t, "in the room")
	bob.expect(t, "carol: in the room")
	alice.never(t, "carol: in the room", quiet)

	alice.send(t, "in public")
	bob.never(t, "alice: in public", quiet)

	t.Run("joining the current group", func(t *testing.T) {
		carol.send(t, "/join room")
		carol.expect(t, protocol.YouJoined("room"))
		bob.never(t, protocol.JoinedGroup("carol", "room"), quiet)
	})

	t.Run("invalid group", func(t *testing.T) {
		carol.send(t, "/join bad/name")
		assert.Equal(t, protocol.Errorf("%v", protocol.ValidateGroupName("bad/name", protocol.DefaultMaxGroupLength)), carol.next(t))
		carol.send(t, "/join")
		assert.Equal(t, protocol.Errorf("usage: %s", protocol.CommandJoin.Usage()), carol.next(t))
		assert.Equal(t, "room", srv.directory.GroupOf(srv.mustLookup(t, "carol")))
	})

	t.Run("empty group is evicted", func(t *testing.T) {
		bob.send(t, "/join public")
		bob.expect(t, protocol.YouJoined("public"))
		carol.send(t, "/join public")
		carol.expect(t, protocol.YouJoined("public"))
		waitFor(t, "room evicted", func() bool { return !srv.directory.HasGroup("room") })
	})
}

func TestLeftChatGoesToLastGroup(t *testing.T) {
	srv := newTestServer(t)

	alice := newPipeClient(t, srv)
	login(t, alice, "alice")
	bob := newPipeClient(t, srv)
	login(t, bob, "bob")
	carol := newPipeClient(t, srv)
	login(t, carol, "carol")

	alice.send(t, "/join room")
	alice.expect(t, protocol.YouJoined("room"))
	bob.send(t, "/join room")
	bob.expect(t, protocol.YouJoined("room"))

	alice.send(t, "/quit")
	bob.expect(t, protocol.LeftChat("alice"))
	carol.never(t, protocol.LeftChat("alice"), quiet)
}

func TestRename(t *testing.T) {
	srv := newTestServer(t)

	alice := newPipeClient(t, srv)
	login(t, alice, "alice")
	bob := newPipeClient(t, srv)
	login(t, bob, "bob")

	alice.send(t, "/nickname alicia")
	alice.expect(t, protocol.NoticeRenamed)
	bob.expect(t, protocol.ChangedNickname("alice", "alicia"))

	_, ok := srv.registry.Lookup("alice")
	assert.False(t, ok)
	_, ok = srv.registry.Lookup("ALICIA")
	assert.True(t, ok)

	t.Run("taken", func(t *testing.T) {
		alice.send(t, "/nickname BOB")
		alice.expect(t, protocol.NoticeNicknameTaken)
		handle, _ := srv.registry.HandleOf(srv.mustLookup(t, "alicia"))
		assert.Equal(t, "alicia", handle)
	})

	t.Run("case change of own handle", func(t *testing.T) {
		alice.send(t, "/nickname Alicia")
		alice.expect(t, protocol.NoticeRenamed)
		bob.expect(t, protocol.ChangedNickname("alicia", "Alicia"))
	})

	t.Run("same handle", func(t *testing.T) {
		alice.send(t, "/nickname Alicia")
		alice.expect(t, protocol.NoticeRenamed)
		bob.never(t, protocol.ChangedNickname("Alicia", "Alicia"), quiet)
	})

	t.Run("chat uses the new handle", func(t *testing.T) {
		alice.send(t, "hi")
		bob.expect(t, "Alicia: hi")
	})
}

func TestPrivateMessage(t *testing.T) {
	srv := newTestServer(t)

	alice := newPipeClient(t, srv)
	login(t, alice, "alice")
	bob := newPipeClient(t, srv)
	login(t, bob, "bob")
	carol := newPipeClient(t, srv)
	login(t, carol, "carol")

	alice.send(t, "/private BOB  see you   later")
	bob.expect(t, protocol.Private("alice", "see you   later"))
	alice.expect(t, protocol.PrivateSent("bob", "see you   later"))
	carol.never(t, protocol.Private("alice", "see you   later"), quiet)

	t.Run("across groups", func(t *testing.T) {
		bob.send(t, "/join elsewhere")
		bob.expect(t, protocol.YouJoined("elsewhere"))
		alice.send(t, "/private bob still there?")
		bob.expect(t, protocol.Private("alice", "still there?"))
	})

	t.Run("unknown recipient", func(t *testing.T) {
		alice.send(t, "/private nobody hello")
		alice.expect(t, protocol.UserNotFound("nobody"))
	})

	t.Run("missing text", func(t *testing.T) {
		alice.send(t, "/private bob")
		alice.expect(t, protocol.Errorf("usage: %s", protocol.CommandPrivate.Usage()))
		bob.never(t, protocol.Private("alice", ""), quiet)
	})
}

func TestListingCommands(t *testing.T) {
	srv := newTestServer(t)

	alice := newPipeClient(t, srv)
	login(t, alice, "alice")

	alice.send(t, "/who")
	alice.expect(t, protocol.WhoList("public", nil))

	bob := newPipeClient(t, srv)
	login(t, bob, "bob")
	carol := newPipeClient(t, srv)
	login(t, carol, "Carol")

	alice.send(t, "/who")
	alice.expect(t, "In public (2): bob, Carol")

	carol.send(t, "/join room")
	carol.expect(t, protocol.YouJoined("room"))

	alice.send(t, "/groups")
	alice.expect(t, "Groups: public (2), room (1)")

	alice.send(t, "/help")
	help := alice.expectPrefix(t, "Commands: ")
	for _, word := range []string{"/nickname", "/join", "/private", "/who", "/groups", "/help", "/quit"} {
		assert.True(t, strings.Contains(help, word), word)
	}
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t, func(c *ServerConfig) { c.MessageRateLimit = 1 })

	alice := newPipeClient(t, srv)
	login(t, alice, "alice")
	bob := newPipeClient(t, srv)
	login(t, bob, "bob")

	alice.send(t, "first")
	bob.expect(t, "alice: first")

	alice.send(t, "second")
	alice.expect(t, protocol.NoticeRateLimited)
	bob.never(t, "alice: second", quiet)

	// Commands other than chat and private are not limited
	alice.send(t, "/who")
	alice.expect(t, "In public (1): bob")
}

func TestLineTooLong(t *testing.T) {
	srv := newTestServer(t, func(c *ServerConfig) { c.MaxLineLength = 16 })

	c := newPipeClient(t, srv)
	login(t, c, "alice")
	// The server stops reading mid-line, so the write may never complete
	go func() { _ = c.write(strings.Repeat("x", 64)) }()
	c.expect(t, protocol.NoticeLineTooLong)
	c.expectClosed(t)

	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.sessionsClosed.WithLabelValues("protocol_violation")))
}

func TestSlowPeerIsEvicted(t *testing.T) {
	srv := newTestServer(t, func(c *ServerConfig) {
		c.OutboundQueueSize = 2
		c.WriteTimeout = 10 * time.Second
	})

	alice := newPipeClient(t, srv)
	login(t, alice, "alice")

	// A peer that stops reading after its welcome
	newStalledClient(t, srv, "slow")
	alice.expect(t, protocol.JoinedChat("slow"))

	for i := 0; i < 8; i++ {
		alice.send(t, "flood")
	}
	alice.expect(t, protocol.LeftChat("slow"))

	waitFor(t, "slow peer removed", func() bool { return srv.sessions.CountOnline() == 1 })
	assert.GreaterOrEqual(t, testutil.ToFloat64(srv.metrics.evictions), 1.0)
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.sessionsClosed.WithLabelValues("evicted")))
}

func TestIdleTimeout(t *testing.T) {
	srv := newTestServer(t, func(c *ServerConfig) { c.IdleTimeout = 100 * time.Millisecond })

	alice := newPipeClient(t, srv)
	login(t, alice, "alice")
	alice.expectClosed(t)
}

func TestShutdownNotifiesSessions(t *testing.T) {
	srv := newTestServer(t)

	alice := newPipeClient(t, srv)
	login(t, alice, "alice")
	waiting := newPipeClient(t, srv)
	waiting.expect(t, protocol.PromptNickname)

	require.NoError(t, srv.Stop())

	alice.expect(t, protocol.NoticeShutdown)
	alice.expectClosed(t)
	waiting.expect(t, protocol.NoticeShutdown)
	waiting.expectClosed(t)

	assert.Equal(t, 0, srv.sessions.CountOnline())
	assert.Equal(t, 2.0, testutil.ToFloat64(srv.metrics.sessionsClosed.WithLabelValues("shutdown")))
}

func TestCloseLabel(t *testing.T) {
	tests := []struct {
		reason string
		want   string
	}{
		{reasonQuit, "quit"},
		{reasonShutdown, "shutdown"},
		{reasonViolation, "protocol_violation"},
		{reasonLineLength, "protocol_violation"},
		{"evicted: outbound queue full", "evicted"},
		{reasonDisconnect, "disconnect"},
		{"write failed", "disconnect"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, closeLabel(tt.reason), tt.reason)
	}
}

// mustLookup resolves a handle to its connection
func (s *Server) mustLookup(t *testing.T, handle string) ConnID {
	t.Helper()
	id, ok := s.registry.Lookup(handle)
	require.True(t, ok, "handle %q not registered", handle)
	return id
}
