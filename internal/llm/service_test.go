package llm

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/ambiware-labs/voiceloop-core/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestComposePromptIncludesHistory(t *testing.T) {
	svc := NewService(context.Background(), config.LLMConfig{MaxHistory: 10}, nil, NewMockGenerator(), newLogger())
	t.Cleanup(svc.cancel)

	if got := svc.composePrompt("first question"); got != "first question" {
		t.Fatalf("empty history should pass prompt through, got %q", got)
	}

	svc.remember("first question", "first answer")
	got := svc.composePrompt("second question")
	want := "User: first question\nAssistant: first answer\nUser: second question\nAssistant:"
	if got != want {
		t.Fatalf("composed prompt:\n%q\nwant:\n%q", got, want)
	}
}

func TestHistoryCapped(t *testing.T) {
	svc := NewService(context.Background(), config.LLMConfig{MaxHistory: 2}, nil, NewMockGenerator(), newLogger())
	t.Cleanup(svc.cancel)

	svc.remember("q1", "a1")
	svc.remember("q2", "a2")
	svc.remember("q3", "a3")

	prompt := svc.composePrompt("q4")
	if strings.Contains(prompt, "q1") {
		t.Fatalf("oldest exchange not evicted: %q", prompt)
	}
	if !strings.Contains(prompt, "q2") || !strings.Contains(prompt, "q3") {
		t.Fatalf("recent exchanges missing: %q", prompt)
	}
}

func TestMockGeneratorStreamsWithDoneMarker(t *testing.T) {
	gen := NewMockGenerator()
	var chunks []Chunk
	err := gen.Generate(context.Background(), Request{TurnID: 5, Prompt: "hi"}, func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(chunks) < 3 {
		t.Fatalf("expected a multi-chunk stream, got %d chunks", len(chunks))
	}
	last := chunks[len(chunks)-1]
	if !last.Done {
		t.Fatal("stream must end with a done marker")
	}
	for _, c := range chunks[:len(chunks)-1] {
		if c.Done {
			t.Fatal("done marker before end of stream")
		}
		if c.TurnID != 5 {
			t.Fatalf("chunk carries wrong turn id %d", c.TurnID)
		}
	}
	var full strings.Builder
	for _, c := range chunks {
		full.WriteString(c.Content)
	}
	if !strings.Contains(full.String(), ".") {
		t.Fatalf("mock reply should contain sentence boundaries: %q", full.String())
	}
}

func TestMockGeneratorHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewMockGenerator().Generate(ctx, Request{}, func(Chunk) error { return nil })
	if err == nil {
		t.Fatal("expected context error")
	}
}
