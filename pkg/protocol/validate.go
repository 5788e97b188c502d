package protocol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

const (
	DefaultMaxHandleLength = 20
	DefaultMaxGroupLength  = 32
)

var (
	ErrInvalidHandle = errors.New("invalid nickname")
	ErrInvalidGroup  = errors.New("invalid group name")
)

var (
	handleRegex = regexp.MustCompile(`^[\p{L}\p{N}_.\-]+$`)
	groupRegex  = regexp.MustCompile(`^[\p{L}\p{N}_.#\-]+$`)
)

// ValidateHandle checks a nickname: 1..maxLen runes of letters, digits,
// '_', '.' or '-'. maxLen <= 0 selects DefaultMaxHandleLength.
func ValidateHandle(handle string, maxLen int) error {
	if maxLen <= 0 {
		maxLen = DefaultMaxHandleLength
	}
	n := utf8.RuneCountInString(handle)
	if n == 0 || n > maxLen {
		return fmt.Errorf("%w: must be 1-%d characters", ErrInvalidHandle, maxLen)
	}
	if !handleRegex.MatchString(handle) {
		return fmt.Errorf("%w: only letters, digits, '_', '.' and '-' are allowed", ErrInvalidHandle)
	}
	return nil
}

// ValidateGroupName checks a group name. Group names are case-sensitive and
// may additionally contain '#'.
func ValidateGroupName(group string, maxLen int) error {
	if maxLen <= 0 {
		maxLen = DefaultMaxGroupLength
	}
	n := utf8.RuneCountInString(group)
	if n == 0 || n > maxLen {
		return fmt.Errorf("%w: must be 1-%d characters", ErrInvalidGroup, maxLen)
	}
	if !groupRegex.MatchString(group) {
		return fmt.Errorf("%w: only letters, digits, '_', '.', '#' and '-' are allowed", ErrInvalidGroup)
	}
	return nil
}

// FoldHandle returns the case-folded key under which a handle is unique.
// Folding alone is not a fixed point for every script (Cherokee folds to
// upper case), so the result is lowered as well. A Caser is stateful, so
// each call gets its own.
func FoldHandle(handle string) string {
	return strings.ToLower(cases.Fold().String(handle))
}
