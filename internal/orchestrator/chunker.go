package orchestrator

import "strings"

// maxClauseLen is the point at which a sentence still missing its
// terminator gets split at a clause break so synthesis can start early.
const maxClauseLen = 80

func isSentenceBoundary(r rune) bool {
	switch r {
	case '.', '!', '?', ';', ':', '\n':
		return true
	}
	return false
}

// Chunker accumulates streamed response text and carves it into
// synthesis-sized chunks at sentence boundaries. A boundary character
// counts only when it ends the buffer or is followed by whitespace, so
// "3.5" stays whole. Long sentences without a terminator are split at the
// last clause break once the buffer exceeds maxClauseLen.
type Chunker struct {
	buf string
}

func NewChunker() *Chunker {
	return &Chunker{}
}

// Feed appends streamed text and returns every chunk that became
// complete, in order.
func (c *Chunker) Feed(text string) []string {
	c.buf += text
	var chunks []string

	for {
		idx := c.boundary()
		if idx < 0 {
			break
		}
		chunk := strings.TrimSpace(c.buf[:idx])
		c.buf = strings.TrimLeft(c.buf[idx:], " \t\n")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
	}

	for len(c.buf) > maxClauseLen {
		cut := strings.LastIndex(c.buf[:maxClauseLen], ", ")
		if cut < 0 {
			break
		}
		chunk := strings.TrimSpace(c.buf[:cut+1])
		c.buf = strings.TrimLeft(c.buf[cut+1:], " \t\n")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
	}

	return chunks
}

// Flush returns whatever is buffered, complete or not, and empties the
// buffer.
func (c *Chunker) Flush() string {
	chunk := strings.TrimSpace(c.buf)
	c.buf = ""
	return chunk
}

// Reset discards any buffered text.
func (c *Chunker) Reset() {
	c.buf = ""
}

// boundary returns the index just past the first qualifying sentence
// terminator, or -1 when no complete sentence is buffered yet.
func (c *Chunker) boundary() int {
	for i, r := range c.buf {
		if !isSentenceBoundary(r) {
			continue
		}
		end := i + 1
		if r == '\n' || end == len(c.buf) {
			return end
		}
		next := c.buf[end]
		if next == ' ' || next == '\t' || next == '\n' {
			return end
		}
	}
	return -1
}
