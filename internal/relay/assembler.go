package relay

import (
	"bytes"
	"errors"
)

// DefaultMaxLine bounds a single buffered line.
const DefaultMaxLine = 1 << 20

// ErrLineTooLong is returned when a line grows past the assembler limit
// without a terminator.
var ErrLineTooLong = errors.New("relay: upstream line exceeds limit")

// Assembler turns arbitrary network reads into complete lines. Bytes after
// the last '\n' stay buffered until a later read completes them, so a line
// is never handed out before its terminator arrived.
type Assembler struct {
	buf     []byte
	maxLine int
}

// NewAssembler returns an Assembler that rejects lines longer than maxLine
// bytes (DefaultMaxLine when maxLine <= 0).
func NewAssembler(maxLine int) *Assembler {
	if maxLine <= 0 {
		maxLine = DefaultMaxLine
	}
	return &Assembler{maxLine: maxLine}
}

// Feed appends chunk and returns every line completed by it, without the
// trailing "\n" or "\r\n". Returned slices do not alias the internal buffer.
func (a *Assembler) Feed(chunk []byte) ([][]byte, error) {
	a.buf = append(a.buf, chunk...)

	var lines [][]byte
	for {
		i := bytes.IndexByte(a.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(a.buf[:i], []byte("\r"))
		lines = append(lines, bytes.Clone(line))
		a.buf = a.buf[i+1:]
	}
	if len(a.buf) > a.maxLine {
		return lines, ErrLineTooLong
	}
	// Compact so the backing array does not grow without bound.
	if len(a.buf) == 0 {
		a.buf = a.buf[:0:0]
	}
	return lines, nil
}

// Pending returns the number of buffered bytes that do not yet form a line.
func (a *Assembler) Pending() int { return len(a.buf) }
