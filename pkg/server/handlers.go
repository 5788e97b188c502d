package server

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/aeolun/relaychat/pkg/protocol"
)

var (
	// ErrClientDisconnecting ends the session after a /quit
	ErrClientDisconnecting = errors.New("client disconnecting")
	// ErrProtocolViolation ends the session for misbehaviour
	ErrProtocolViolation = errors.New("protocol violation")
)

// handleLine processes one inbound line according to the session's state
func (s *Server) handleLine(sess *Session, line string) error {
	if strings.TrimSpace(line) == "" {
		return nil
	}

	cmd, err := protocol.ParseCommand(line)
	s.metrics.RecordLineReceived(cmd.Kind.String())

	switch sess.State() {
	case StateAwaitingHandle:
		return s.handleAwaitingHandle(sess, line, cmd, err)
	case StateActive:
		return s.handleActive(sess, cmd, err)
	default:
		// Lines that race with teardown are dropped
		return nil
	}
}

// handleAwaitingHandle accepts "/nickname <name>", a bare name, or /quit
func (s *Server) handleAwaitingHandle(sess *Session, line string, cmd protocol.Command, parseErr error) error {
	if parseErr != nil {
		var usage *protocol.UsageError
		if errors.As(parseErr, &usage) && usage.Kind == protocol.CommandNickname {
			_ = s.router.Notify(sess.ID, protocol.Errorf("usage: %s", usage.Kind.Usage()))
			return s.rejectHandle(sess)
		}
		return s.chooseFirst(sess)
	}

	switch cmd.Kind {
	case protocol.CommandQuit:
		_ = s.router.Notify(sess.ID, protocol.NoticeGoodbye)
		return ErrClientDisconnecting
	case protocol.CommandNickname:
		return s.claimHandle(sess, cmd.Arg)
	case protocol.CommandChat:
		// A single word typed at the prompt is taken as the nickname
		name := strings.TrimSpace(line)
		if name != "" && !strings.ContainsAny(name, " \t") && !strings.HasPrefix(name, "/") {
			return s.claimHandle(sess, name)
		}
		return s.chooseFirst(sess)
	default:
		return s.chooseFirst(sess)
	}
}

func (s *Server) chooseFirst(sess *Session) error {
	_ = s.router.Notify(sess.ID, protocol.NoticeChooseFirst)
	_ = s.router.Notify(sess.ID, protocol.PromptNickname)
	return nil
}

// claimHandle registers the handle and moves the session into the default group
func (s *Server) claimHandle(sess *Session, handle string) error {
	if err := protocol.ValidateHandle(handle, s.config.MaxNicknameLength); err != nil {
		_ = s.router.Notify(sess.ID, protocol.Errorf("%v", err))
		return s.rejectHandle(sess)
	}

	if err := s.registry.Claim(sess.ID, handle); err != nil {
		if errors.Is(err, ErrHandleTaken) {
			_ = s.router.Notify(sess.ID, protocol.NoticeNicknameTaken)
			return s.rejectHandle(sess)
		}
		return fmt.Errorf("claim handle: %w", err)
	}

	sess.setState(StateActive)
	group := s.directory.DefaultGroup()
	s.directory.Join(sess.ID, group)

	s.ledger.UpdateNickname(sess.LedgerID, handle)
	s.ledger.UpdateGroup(sess.LedgerID, group)
	s.metrics.RecordGroups(s.directory.Count())

	s.logger.Debug("handle claimed", zap.Uint64("conn", uint64(sess.ID)), zap.String("handle", handle))

	_ = s.router.Notify(sess.ID, protocol.Welcome(handle, group))
	s.router.Broadcast(protocol.JoinedChat(handle), group, sess.ID)
	return nil
}

// rejectHandle counts a failed nickname attempt and reprompts, or gives up
// on the connection once the limit is reached.
func (s *Server) rejectHandle(sess *Session) error {
	sess.failedHandles++
	if limit := s.config.MaxHandleAttempts; limit > 0 && sess.failedHandles >= limit {
		_ = s.router.Notify(sess.ID, protocol.NoticeTooManyTries)
		return fmt.Errorf("%d failed nickname attempts: %w", sess.failedHandles, ErrProtocolViolation)
	}
	_ = s.router.Notify(sess.ID, protocol.PromptNickname)
	return nil
}

// handleActive dispatches a line from a session that holds a handle
func (s *Server) handleActive(sess *Session, cmd protocol.Command, parseErr error) error {
	if parseErr != nil {
		var usage *protocol.UsageError
		if errors.As(parseErr, &usage) {
			_ = s.router.Notify(sess.ID, protocol.Errorf("usage: %s", usage.Kind.Usage()))
			return nil
		}
		return parseErr
	}

	switch cmd.Kind {
	case protocol.CommandNickname:
		return s.handleRename(sess, cmd.Arg)
	case protocol.CommandJoin:
		return s.handleJoin(sess, cmd.Arg)
	case protocol.CommandPrivate:
		return s.handlePrivate(sess, cmd.Arg, cmd.Text)
	case protocol.CommandQuit:
		_ = s.router.Notify(sess.ID, protocol.NoticeGoodbye)
		return ErrClientDisconnecting
	case protocol.CommandWho:
		return s.handleWho(sess)
	case protocol.CommandGroups:
		return s.handleGroups(sess)
	case protocol.CommandHelp:
		return s.router.Notify(sess.ID, protocol.Help())
	default:
		return s.handleChat(sess, cmd.Text)
	}
}

func (s *Server) handleRename(sess *Session, handle string) error {
	if err := protocol.ValidateHandle(handle, s.config.MaxNicknameLength); err != nil {
		return s.router.Notify(sess.ID, protocol.Errorf("%v", err))
	}

	old, err := s.registry.Rename(sess.ID, handle)
	switch {
	case errors.Is(err, ErrHandleTaken):
		return s.router.Notify(sess.ID, protocol.NoticeNicknameTaken)
	case err != nil:
		return fmt.Errorf("rename: %w", err)
	}

	if err := s.router.Notify(sess.ID, protocol.NoticeRenamed); err != nil {
		return nil
	}
	if old == handle {
		return nil
	}

	s.ledger.UpdateNickname(sess.LedgerID, handle)
	s.router.Broadcast(protocol.ChangedNickname(old, handle), s.directory.GroupOf(sess.ID), sess.ID)
	return nil
}

func (s *Server) handleJoin(sess *Session, group string) error {
	if err := protocol.ValidateGroupName(group, s.config.MaxGroupNameLength); err != nil {
		return s.router.Notify(sess.ID, protocol.Errorf("%v", err))
	}

	handle, ok := s.registry.HandleOf(sess.ID)
	if !ok {
		return ErrNotRegistered
	}

	prev, moved := s.directory.Join(sess.ID, group)
	if err := s.router.Notify(sess.ID, protocol.YouJoined(group)); err != nil {
		return nil
	}
	if !moved {
		return nil
	}

	s.router.Broadcast(protocol.LeftGroup(handle, prev), prev, sess.ID)
	s.router.Broadcast(protocol.JoinedGroup(handle, group), group, sess.ID)

	s.ledger.UpdateGroup(sess.LedgerID, group)
	s.metrics.RecordGroups(s.directory.Count())
	return nil
}

func (s *Server) handlePrivate(sess *Session, recipient, text string) error {
	if !sess.Allow() {
		return s.router.Notify(sess.ID, protocol.NoticeRateLimited)
	}
	// Failures were already reported to the sender
	if err := s.router.DeliverPrivate(text, sess.ID, recipient); err != nil {
		s.logger.Debug("private message not delivered", zap.Uint64("conn", uint64(sess.ID)), zap.Error(err))
	}
	return nil
}

// handleWho lists the other members of the sender's group
func (s *Server) handleWho(sess *Session) error {
	group := s.directory.GroupOf(sess.ID)

	members := s.directory.MembersOf(group)
	others := make([]ConnID, 0, len(members))
	for _, id := range members {
		if id != sess.ID {
			others = append(others, id)
		}
	}
	if len(others) == 0 {
		return s.router.Notify(sess.ID, protocol.WhoList(group, nil))
	}
	return s.router.Notify(sess.ID, protocol.WhoList(group, s.registry.Handles(others...)))
}

func (s *Server) handleGroups(sess *Session) error {
	groups := s.directory.Groups()
	entries := make([]protocol.GroupEntry, len(groups))
	for i, g := range groups {
		entries[i] = protocol.GroupEntry{Name: g.Name, Members: g.Members}
	}
	return s.router.Notify(sess.ID, protocol.GroupList(entries))
}

func (s *Server) handleChat(sess *Session, text string) error {
	if !sess.Allow() {
		return s.router.Notify(sess.ID, protocol.NoticeRateLimited)
	}
	handle, ok := s.registry.HandleOf(sess.ID)
	if !ok {
		return ErrNotRegistered
	}
	s.router.Broadcast(protocol.Chat(handle, text), s.directory.GroupOf(sess.ID), sess.ID)
	return nil
}
