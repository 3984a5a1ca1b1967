package audio

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/ambiware-labs/voiceloop-core/internal/bus"
	"github.com/ambiware-labs/voiceloop-core/internal/config"
	"github.com/ambiware-labs/voiceloop-core/internal/natsserver"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestBus starts an embedded NATS server on a random port and returns
// a connected client.
func newTestBus(t *testing.T) *bus.Client {
	t.Helper()

	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, newLogger())
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

// scriptedInput feeds frames pushed by the test. Closing the channel makes
// ReadFrame fail like a disconnected device.
type scriptedInput struct {
	ch chan []int16
}

func newScriptedInput() *scriptedInput {
	return &scriptedInput{ch: make(chan []int16, 16)}
}

func (s *scriptedInput) Start() error { return nil }

func (s *scriptedInput) ReadFrame() ([]int16, error) {
	frame, ok := <-s.ch
	if !ok {
		return nil, errors.New("device disconnected")
	}
	return frame, nil
}

func (s *scriptedInput) Close() error { return nil }

// recordingOutput records what was played and can be armed to fail.
type recordingOutput struct {
	mu     sync.Mutex
	played [][]int16
	fail   error
}

func (o *recordingOutput) Start() error { return nil }

func (o *recordingOutput) Play(samples []int16) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail != nil {
		return o.fail
	}
	o.played = append(o.played, append([]int16(nil), samples...))
	return nil
}

func (o *recordingOutput) Close() error { return nil }

func (o *recordingOutput) snapshot() [][]int16 {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([][]int16, len(o.played))
	copy(out, o.played)
	return out
}
