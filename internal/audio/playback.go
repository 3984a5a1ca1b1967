package audio

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ambiware-labs/voiceloop-core/internal/bus"
	"github.com/ambiware-labs/voiceloop-core/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Playback renders synthesized chunks to the output device. Chunks may
// arrive at irregular intervals and out of order; they are staged in a
// per-turn reorder buffer and rendered strictly by sequence. Rendering of
// chunk n+1 starts only after chunk n finished; when the next sequence is
// missing the loop stalls silently until it arrives. The output device is
// owned exclusively by this component.
type Playback struct {
	bus    *bus.Client
	dev    OutputDevice
	logger *slog.Logger

	subChunks *nats.Subscription
	subState  *nats.Subscription

	mu       sync.Mutex
	cond     *sync.Cond
	turnID   uint64
	nextSeq  int
	staged   map[int]protocol.PlaybackChunk
	finalSeq int
	closed   bool
	failed   bool

	wg sync.WaitGroup
}

func NewPlayback(busClient *bus.Client, dev OutputDevice, logger *slog.Logger) *Playback {
	p := &Playback{
		bus:      busClient,
		dev:      dev,
		logger:   logger.With(slog.String("component", "playback")),
		staged:   make(map[int]protocol.PlaybackChunk),
		finalSeq: -1,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *Playback) Start() error {
	if err := p.dev.Start(); err != nil {
		return err
	}

	subChunks, err := p.bus.Conn().Subscribe(protocol.SubjectPlaybackChunk, p.handleChunk)
	if err != nil {
		_ = p.dev.Close()
		return err
	}
	p.subChunks = subChunks

	subState, err := p.bus.Conn().Subscribe(protocol.SubjectTurnState, p.handleTurnState)
	if err != nil {
		_ = subChunks.Unsubscribe()
		_ = p.dev.Close()
		return err
	}
	p.subState = subState

	p.wg.Add(1)
	go p.renderLoop()
	return nil
}

func (p *Playback) handleChunk(msg *nats.Msg) {
	var chunk protocol.PlaybackChunk
	if err := json.Unmarshal(msg.Data, &chunk); err != nil {
		p.logger.Warn("failed to decode playback chunk", slog.String("error", err.Error()))
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if chunk.TurnID < p.turnID {
		// Stale chunk from a superseded turn.
		return
	}
	if chunk.TurnID > p.turnID {
		p.resetLocked(chunk.TurnID)
	}
	if chunk.Sequence < p.nextSeq {
		// Already rendered; duplicate delivery.
		return
	}
	p.staged[chunk.Sequence] = chunk
	if chunk.Final {
		p.finalSeq = chunk.Sequence
	}
	p.cond.Signal()
}

func (p *Playback) handleTurnState(msg *nats.Msg) {
	var state protocol.TurnState
	if err := json.Unmarshal(msg.Data, &state); err != nil {
		return
	}
	if state.State != "idle" {
		return
	}

	// A turn went terminal: drop anything still staged for it so an
	// aborted turn cannot leave the renderer stalled on a chunk that will
	// never arrive.
	p.mu.Lock()
	if state.TurnID == p.turnID {
		p.staged = make(map[int]protocol.PlaybackChunk)
		p.finalSeq = -1
	}
	p.mu.Unlock()
}

func (p *Playback) renderLoop() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for !p.closed {
			if _, ok := p.staged[p.nextSeq]; ok {
				break
			}
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}

		chunk := p.staged[p.nextSeq]
		delete(p.staged, p.nextSeq)
		first := p.nextSeq == 0
		final := p.finalSeq >= 0 && chunk.Sequence == p.finalSeq
		p.nextSeq++
		p.mu.Unlock()

		if first {
			p.publish(protocol.SubjectSpeechPlayback, protocol.TurnRef{
				TurnID:    chunk.TurnID,
				Timestamp: time.Now().UTC(),
			})
		}

		if len(chunk.PCM) > 0 {
			if err := p.dev.Play(PCMToSamples(chunk.PCM)); err != nil {
				p.logger.Error("output device error", slog.String("error", err.Error()))
				p.publish(protocol.SubjectSpeechError, protocol.ErrorEvent{
					TurnID:    chunk.TurnID,
					Source:    "playback",
					Message:   err.Error(),
					Timestamp: time.Now().UTC(),
				})
				p.mu.Lock()
				p.failed = true
				p.closed = true
				p.mu.Unlock()
				return
			}
		}

		if final {
			p.publish(protocol.SubjectSpeechDone, protocol.TurnRef{
				TurnID:    chunk.TurnID,
				Timestamp: time.Now().UTC(),
			})
		}
	}
}

func (p *Playback) resetLocked(turnID uint64) {
	p.turnID = turnID
	p.nextSeq = 0
	p.staged = make(map[int]protocol.PlaybackChunk)
	p.finalSeq = -1
}

func (p *Playback) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.failed
}

// Close stops rendering and releases the output device.
func (p *Playback) Close() {
	if p.subChunks != nil {
		_ = p.subChunks.Unsubscribe()
	}
	if p.subState != nil {
		_ = p.subState.Unsubscribe()
	}
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
	if err := p.dev.Close(); err != nil {
		p.logger.Warn("failed to close output device", slog.String("error", err.Error()))
	}
}

func (p *Playback) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("failed to marshal playback event", slog.String("error", err.Error()))
		return
	}
	if err := p.bus.Conn().Publish(subject, data); err != nil {
		p.logger.Warn("failed to publish playback event",
			slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
