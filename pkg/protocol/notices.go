package protocol

import (
	"fmt"
	"strings"
)

// Fixed server notices.
const (
	PromptNickname      = "Please enter your nickname:"
	NoticeNicknameTaken = "Nickname already taken. Please choose another one."
	NoticeRenamed       = "Nickname change successful."
	NoticeGoodbye       = "Goodbye!"
	NoticeShutdown      = "Server shutting down"
	NoticeChooseFirst   = "Error: choose a nickname first"
	NoticeRateLimited   = "Error: you are sending messages too quickly"
	NoticeLineTooLong   = "Error: line too long"
	NoticeTooManyTries  = "Error: too many invalid nicknames"
)

func Welcome(handle, group string) string {
	return fmt.Sprintf("Welcome, %s! You are in group %s.", handle, group)
}

func JoinedChat(handle string) string {
	return fmt.Sprintf("%s joined the chat!", handle)
}

func LeftChat(handle string) string {
	return fmt.Sprintf("%s left the chat.", handle)
}

func ChangedNickname(old, current string) string {
	return fmt.Sprintf("%s changed their nickname to %s", old, current)
}

func JoinedGroup(handle, group string) string {
	return fmt.Sprintf("%s joined %s", handle, group)
}

func LeftGroup(handle, group string) string {
	return fmt.Sprintf("%s left %s", handle, group)
}

func YouJoined(group string) string {
	return fmt.Sprintf("You have joined the group: %s", group)
}

// Chat is a broadcast line as seen by other members of the group.
func Chat(handle, text string) string {
	return fmt.Sprintf("%s: %s", handle, text)
}

func Private(sender, text string) string {
	return fmt.Sprintf("%s (private): %s", sender, text)
}

func PrivateSent(recipient, text string) string {
	return fmt.Sprintf("Message sent to %s: %s", recipient, text)
}

func UserNotFound(handle string) string {
	return fmt.Sprintf("User %s not found.", handle)
}

func SendFailed(handle string) string {
	return fmt.Sprintf("Failed to send message to %s.", handle)
}

// Errorf formats a local error notice.
func Errorf(format string, args ...any) string {
	return "Error: " + fmt.Sprintf(format, args...)
}

func WhoList(group string, handles []string) string {
	if len(handles) == 0 {
		return fmt.Sprintf("No one else is in %s.", group)
	}
	return fmt.Sprintf("In %s (%d): %s", group, len(handles), strings.Join(handles, ", "))
}

// GroupEntry is one row of a /groups listing.
type GroupEntry struct {
	Name    string
	Members int
}

func GroupList(groups []GroupEntry) string {
	parts := make([]string, len(groups))
	for i, g := range groups {
		parts[i] = fmt.Sprintf("%s (%d)", g.Name, g.Members)
	}
	return "Groups: " + strings.Join(parts, ", ")
}

// Help lists every command with its usage.
func Help() string {
	kinds := []CommandKind{CommandNickname, CommandJoin, CommandPrivate, CommandWho, CommandGroups, CommandHelp, CommandQuit}
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = k.Usage()
	}
	return "Commands: " + strings.Join(parts, ", ")
}
