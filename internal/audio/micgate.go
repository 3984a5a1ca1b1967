package audio

import (
	"encoding/json"
	"log/slog"

	"github.com/ambiware-labs/voiceloop-core/internal/bus"
	"github.com/ambiware-labs/voiceloop-core/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Gate is the pause/resume surface the mic gate drives.
type Gate interface {
	Pause()
	Resume()
}

// MicGate closes capture while a turn is being transcribed, generated, or
// spoken, so the assistant never hears its own synthesized speech. It is
// the sole owner of the pause/resume decision: capture is gated for the
// whole non-idle, non-listening span of a turn and reopened only when the
// orchestrator returns to listening.
type MicGate struct {
	bus     *bus.Client
	capture Gate
	sub     *nats.Subscription
	logger  *slog.Logger
}

func NewMicGate(busClient *bus.Client, capture Gate, logger *slog.Logger) *MicGate {
	return &MicGate{
		bus:     busClient,
		capture: capture,
		logger:  logger.With(slog.String("component", "micgate")),
	}
}

func (g *MicGate) Start() error {
	sub, err := g.bus.Conn().Subscribe(protocol.SubjectTurnState, g.handleTurnState)
	if err != nil {
		return err
	}
	g.sub = sub
	return nil
}

func (g *MicGate) Close() {
	if g.sub != nil {
		_ = g.sub.Unsubscribe()
	}
}

func (g *MicGate) handleTurnState(msg *nats.Msg) {
	var state protocol.TurnState
	if err := json.Unmarshal(msg.Data, &state); err != nil {
		g.logger.Warn("failed to decode turn state", slog.String("error", err.Error()))
		return
	}

	switch state.State {
	case "listening":
		g.capture.Resume()
	case "paused", "transcribing", "generating", "speaking":
		g.capture.Pause()
	}
	// idle is transient: the gate stays as-is until listening is announced.
}
