package llm

import (
	"bytes"
	"strings"
)

// LineBuffer splits an incremental byte stream into complete lines.
// Bytes after the last newline are held until a later Push completes
// them; they are never returned on their own.
type LineBuffer struct {
	buf []byte
}

// Push appends p and returns every line it completed, trimmed of
// surrounding whitespace (including a CR before the LF). Blank lines
// are skipped.
func (b *LineBuffer) Push(p []byte) []string {
	b.buf = append(b.buf, p...)

	var lines []string
	for {
		i := bytes.IndexByte(b.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(b.buf[:i]))
		b.buf = b.buf[i+1:]
		if line != "" {
			lines = append(lines, line)
		}
	}

	// Drop the consumed prefix so a long stream does not pin memory.
	if len(b.buf) == 0 {
		b.buf = nil
	}
	return lines
}

// Pending returns the number of buffered bytes not yet terminated by a
// newline.
func (b *LineBuffer) Pending() int {
	return len(b.buf)
}
