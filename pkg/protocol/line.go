package protocol

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// DefaultMaxLineLength is the longest line, in bytes and excluding the
// terminator, accepted when no explicit limit is configured.
const DefaultMaxLineLength = 4096

var (
	ErrLineTooLong = errors.New("line exceeds maximum length")
)

// LineReader reads newline-delimited UTF-8 text lines. Both "\n" and "\r\n"
// terminators are accepted. Invalid UTF-8 is replaced with U+FFFD.
type LineReader struct {
	r   *bufio.Reader
	max int
}

// NewLineReader wraps r. maxLen <= 0 selects DefaultMaxLineLength.
func NewLineReader(r io.Reader, maxLen int) *LineReader {
	if maxLen <= 0 {
		maxLen = DefaultMaxLineLength
	}
	// Room for the line plus "\r\n" so an over-long line always fills the buffer.
	return &LineReader{r: bufio.NewReaderSize(r, maxLen+2), max: maxLen}
}

// ReadLine returns the next line without its terminator. A final line that
// is not newline-terminated is returned before io.EOF.
func (lr *LineReader) ReadLine() (string, error) {
	raw, err := lr.r.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return "", ErrLineTooLong
		}
		if !errors.Is(err, io.EOF) || len(raw) == 0 {
			return "", err
		}
	}

	line := strings.TrimSuffix(string(raw), "\n")
	line = strings.TrimSuffix(line, "\r")
	if len(line) > lr.max {
		return "", ErrLineTooLong
	}

	return strings.ToValidUTF8(line, "�"), nil
}

// WriteLine writes line followed by "\n" in a single Write call. Embedded
// line breaks are flattened so one logical message is always one wire line.
func WriteLine(w io.Writer, line string) error {
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, Flatten(line)...)
	buf = append(buf, '\n')
	_, err := w.Write(buf)
	return err
}

// Flatten replaces CR and LF characters with spaces.
func Flatten(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return ' '
		}
		return r
	}, s)
}
