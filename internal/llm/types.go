package llm

import (
	"context"
	"time"
)

// Request describes a language model prompt.
type Request struct {
	TurnID      uint64
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
}

// Chunk represents one streamed increment of model output. Done is set on
// the last chunk of the stream; its Content may be empty.
type Chunk struct {
	TurnID  uint64
	Content string
	Done    bool
	Latency time.Duration
}

// Generator defines a pluggable language model backend. Implementations
// call consumer once per streamed increment, in order, and return only
// after the stream closed.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}
