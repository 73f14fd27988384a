// SPDX-License-Identifier: MIT

package at

import (
	"bufio"
	"bytes"
	"io"
	"sync"
)

// Received token kinds.
type tokenKind int

const (
	// tokenLine is a complete line with the line terminators stripped.
	tokenLine tokenKind = iota

	// tokenPrompt is the ">" prompt issued by the modem when it is ready to
	// receive the payload of a data command.
	tokenPrompt

	// tokenChunk is a fixed length span of raw bytes announced by a header
	// line. The span may contain CR and LF bytes, which are part of the data
	// and not line terminators.
	tokenChunk
)

// token is a unit of modem output produced by the tokenizer.
type token struct {
	kind tokenKind
	data []byte
}

// tokenizer splits the bytes read from the modem into lines, prompts and raw
// data chunks.
//
// The tokenizer is normally in line mode. A command expecting a raw data
// chunk arms the tokenizer with the prefix of the header line announcing the
// chunk, and the chunk length, before the command is written to the modem.
// Once an armed header line is scanned the tokenizer consumes exactly the
// armed length as a single chunk and then reverts to line mode.
type tokenizer struct {
	mu sync.Mutex

	// prefix of the header line announcing a raw chunk, empty when disarmed
	armPrefix []byte

	// length of the armed chunk
	armSize int

	// remaining length of the chunk being consumed
	raw int

	// kind of the most recently scanned token
	last tokenKind
}

// arm registers the header prefix and length of an expected raw chunk.
func (t *tokenizer) arm(prefix string, size int) {
	t.mu.Lock()
	t.armPrefix = []byte(prefix)
	t.armSize = size
	t.mu.Unlock()
}

// disarm cancels any armed chunk.
//
// A chunk already being consumed is unaffected, so a late chunk is drained
// as data rather than being misread as lines.
func (t *tokenizer) disarm() {
	t.arm("", 0)
}

// lastKind returns the kind of the most recently scanned token.
func (t *tokenizer) lastKind() tokenKind {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// split is a bufio.SplitFunc that returns one token per scan.
func (t *tokenizer) split(data []byte, atEOF bool) (advance int, token []byte, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.raw > 0 {
		if len(data) < t.raw && !atEOF {
			// await the complete chunk
			return 0, nil, nil
		}
		n := t.raw
		if len(data) < n {
			n = len(data)
		}
		if n == 0 {
			return 0, nil, nil
		}
		t.raw -= n
		t.last = tokenChunk
		return n, data[0:n], nil
	}
	// the prompt arrives without a line terminator
	if len(data) >= 1 && data[0] == '>' {
		i := 1
		// there may be trailing space, so swallow that...
		for ; i < len(data) && data[i] == ' '; i++ {
		}
		t.last = tokenPrompt
		return i, data[0:1], nil
	}
	advance, token, err = bufio.ScanLines(data, atEOF)
	if token != nil {
		t.last = tokenLine
		if t.armSize > 0 && len(t.armPrefix) > 0 && bytes.HasPrefix(token, t.armPrefix) {
			t.raw = t.armSize
		}
	}
	return advance, token, err
}

// tokenReader scans tokens from m and redirects them to out.
//
// tokenReader exits when m closes.
func tokenReader(t *tokenizer, m io.Reader, out chan token, maxChunk int) {
	scanner := bufio.NewScanner(m)
	scanner.Split(t.split)
	if maxChunk+2 > bufio.MaxScanTokenSize {
		scanner.Buffer(make([]byte, 4096), maxChunk+2)
	}
	for scanner.Scan() {
		data := make([]byte, len(scanner.Bytes()))
		copy(data, scanner.Bytes())
		out <- token{kind: t.lastKind(), data: data}
	}
	close(out) // tell pipeline we're done - end of pipeline will close the AT.
}
