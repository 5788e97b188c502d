package protocol

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// CommandKind classifies an inbound line.
type CommandKind uint8

const (
	CommandChat CommandKind = iota
	CommandNickname
	CommandJoin
	CommandPrivate
	CommandQuit
	CommandWho
	CommandGroups
	CommandHelp
)

// Command words, matched case-sensitively against the first token of a line.
const (
	WordNickname = "/nickname"
	WordJoin     = "/join"
	WordPrivate  = "/private"
	WordQuit     = "/quit"
	WordWho      = "/who"
	WordGroups   = "/groups"
	WordHelp     = "/help"
)

var commandWords = map[string]CommandKind{
	WordNickname: CommandNickname,
	WordJoin:     CommandJoin,
	WordPrivate:  CommandPrivate,
	WordQuit:     CommandQuit,
	WordWho:      CommandWho,
	WordGroups:   CommandGroups,
	WordHelp:     CommandHelp,
}

var usages = map[CommandKind]string{
	CommandNickname: WordNickname + " <name>",
	CommandJoin:     WordJoin + " <group>",
	CommandPrivate:  WordPrivate + " <handle> <message>",
	CommandQuit:     WordQuit,
	CommandWho:      WordWho,
	CommandGroups:   WordGroups,
	CommandHelp:     WordHelp,
}

func (k CommandKind) String() string {
	switch k {
	case CommandChat:
		return "chat"
	case CommandNickname:
		return "nickname"
	case CommandJoin:
		return "join"
	case CommandPrivate:
		return "private"
	case CommandQuit:
		return "quit"
	case CommandWho:
		return "who"
	case CommandGroups:
		return "groups"
	case CommandHelp:
		return "help"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Usage returns the usage line for a command, or "" for chat.
func (k CommandKind) Usage() string {
	return usages[k]
}

// Command is a parsed inbound line.
type Command struct {
	Kind CommandKind
	// Arg is the handle for /nickname, the group for /join and the
	// recipient handle for /private.
	Arg string
	// Text is the chat line itself, or the body of a /private message.
	Text string
}

var ErrMissingArgument = errors.New("missing argument")

// UsageError reports a known command given without its required arguments.
type UsageError struct {
	Kind CommandKind
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("%s: usage: %s", ErrMissingArgument, e.Kind.Usage())
}

func (e *UsageError) Unwrap() error {
	return ErrMissingArgument
}

// ParseCommand classifies one line. A line is a command only when its first
// whitespace-delimited token is exactly a command word; anything else,
// including "/unknown", is chat and is returned verbatim in Text.
func ParseCommand(line string) (Command, error) {
	if !strings.HasPrefix(line, "/") {
		return Command{Kind: CommandChat, Text: line}, nil
	}

	word, rest := splitFirst(line)
	kind, ok := commandWords[word]
	if !ok {
		return Command{Kind: CommandChat, Text: line}, nil
	}

	switch kind {
	case CommandNickname, CommandJoin:
		arg := strings.TrimSpace(rest)
		if arg == "" {
			return Command{Kind: kind}, &UsageError{Kind: kind}
		}
		return Command{Kind: kind, Arg: arg}, nil
	case CommandPrivate:
		recipient, body := splitFirst(strings.TrimLeftFunc(rest, unicode.IsSpace))
		body = strings.TrimLeftFunc(body, unicode.IsSpace)
		if recipient == "" || strings.TrimSpace(body) == "" {
			return Command{Kind: kind, Arg: recipient}, &UsageError{Kind: kind}
		}
		return Command{Kind: kind, Arg: recipient, Text: body}, nil
	default:
		return Command{Kind: kind}, nil
	}
}

// splitFirst splits s at its first whitespace rune. The separator stays at
// the start of rest.
func splitFirst(s string) (first, rest string) {
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i:]
}
