package tts

import "context"

// SynthRequest contains parameters to synthesize one piece of speech.
type SynthRequest struct {
	Text  string
	Voice string
	Speed float64
}

// SynthChunk contains PCM data produced by a backend.
type SynthChunk struct {
	SampleRate int
	Channels   int
	PCM        []byte
}

// Synthesizer is the contract for producing audio. The chunk channel is
// closed when the backend finished; a failure is reported on the error
// channel. Implementations must stop producing once ctx is cancelled,
// even when the consumer has stopped receiving, so an abandoned stream
// never blocks the next request.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}
