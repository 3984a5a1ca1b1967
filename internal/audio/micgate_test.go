package audio

import (
	"sync"
	"testing"
	"time"

	"github.com/ambiware-labs/voiceloop-core/internal/protocol"
)

type fakeGate struct {
	mu    sync.Mutex
	calls []string
}

func (g *fakeGate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "pause")
}

func (g *fakeGate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "resume")
}

func (g *fakeGate) wait(t *testing.T, want []string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		g.mu.Lock()
		got := len(g.calls)
		g.mu.Unlock()
		if got >= len(want) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.calls) != len(want) {
		t.Fatalf("gate calls = %v, want %v", g.calls, want)
	}
	for i := range want {
		if g.calls[i] != want[i] {
			t.Fatalf("gate calls = %v, want %v", g.calls, want)
		}
	}
}

func TestMicGateFollowsTurnStates(t *testing.T) {
	client := newTestBus(t)
	gate := &fakeGate{}
	g := NewMicGate(client, gate, newLogger())
	if err := g.Start(); err != nil {
		t.Fatalf("start mic gate: %v", err)
	}
	t.Cleanup(g.Close)

	states := []string{"listening", "transcribing", "generating", "speaking", "idle", "listening"}
	for _, state := range states {
		publishJSON(t, client.Conn(), protocol.SubjectTurnState, protocol.TurnState{
			State: state, Timestamp: time.Now().UTC(),
		})
	}

	// idle leaves the gate untouched; every other state maps to exactly
	// one call.
	gate.wait(t, []string{"resume", "pause", "pause", "pause", "resume"})
}

func TestMicGatePausesWhenExternallyPaused(t *testing.T) {
	client := newTestBus(t)
	gate := &fakeGate{}
	g := NewMicGate(client, gate, newLogger())
	if err := g.Start(); err != nil {
		t.Fatalf("start mic gate: %v", err)
	}
	t.Cleanup(g.Close)

	publishJSON(t, client.Conn(), protocol.SubjectTurnState, protocol.TurnState{
		State: "paused", Timestamp: time.Now().UTC(),
	})
	gate.wait(t, []string{"pause"})
}
