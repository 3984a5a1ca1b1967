package llm

import (
	"context"
	"time"
)

// mockGenerator streams a fixed multi-sentence reply in small increments,
// imitating the pacing of a real token stream.
type mockGenerator struct{}

func NewMockGenerator() Generator { return &mockGenerator{} }

var mockStream = []string{
	"I heard", " you.", " Let me think", " about that for", " a moment.",
	" Here is what", " I can tell you.",
}

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	start := time.Now()
	for _, piece := range mockStream {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
		if err := consumer(Chunk{
			TurnID:  req.TurnID,
			Content: piece,
			Latency: time.Since(start),
		}); err != nil {
			return err
		}
	}
	return consumer(Chunk{TurnID: req.TurnID, Done: true, Latency: time.Since(start)})
}
