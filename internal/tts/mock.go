package tts

import (
	"context"
	"time"
)

// mockSynth produces silence sized to the text, so the playback path can
// be exercised end to end without a speech model.
type mockSynth struct {
	sampleRate int
	channels   int
}

func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(10 * time.Millisecond):
		}
		// 40ms of audio per character, 16-bit mono silence.
		samples := len(req.Text) * m.sampleRate * 40 / 1000
		chunks <- SynthChunk{
			SampleRate: m.sampleRate,
			Channels:   m.channels,
			PCM:        make([]byte, samples*2),
		}
	}()
	return chunks, errs
}
