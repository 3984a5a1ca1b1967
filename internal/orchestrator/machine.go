package orchestrator

import (
	"log/slog"
	"strings"
	"sync"
)

// State is the turn-taking position of the conversational loop.
type State int

const (
	StateIdle State = iota
	StateListening
	StatePaused
	StateTranscribing
	StateGenerating
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StatePaused:
		return "paused"
	case StateTranscribing:
		return "transcribing"
	case StateGenerating:
		return "generating"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Actions is how the machine drives the rest of the pipeline. Callbacks
// run with the machine lock held and must not call back into the machine.
type Actions interface {
	StateChanged(turnID uint64, state State)
	RequestGeneration(turnID uint64, prompt string)
	RequestSynthesis(turnID uint64, seq int, text string, final bool)
	TurnFinished(turnID uint64, aborted bool)
}

// Turn is one full listen -> transcribe -> generate -> speak exchange.
type Turn struct {
	ID               uint64
	UtteranceID      string
	Transcript       string
	Response         string
	ChunksDispatched int

	generationDone bool
}

// Machine is the turn-taking state machine. Exactly one turn is
// non-terminal at any time: a turn exists only between an accepted
// utterance and the idle transition that retires it, and utterances are
// only accepted while listening. Every completion event carries a turn id
// and is silently discarded when it no longer matches the current turn;
// stale results from superseded turns are normal cancellation, not errors.
type Machine struct {
	mu      sync.Mutex
	state   State
	turnSeq uint64
	turn    *Turn
	chunker *Chunker
	actions Actions
	logger  *slog.Logger
}

func NewMachine(actions Actions, logger *slog.Logger) *Machine {
	return &Machine{
		state:   StateIdle,
		chunker: NewChunker(),
		actions: actions,
		logger:  logger.With(slog.String("component", "orchestrator")),
	}
}

// Start moves the machine out of idle and opens the floor.
func (m *Machine) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return
	}
	m.setStateLocked(StateListening)
}

// Stop retires any active turn and parks the machine in idle.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.turn != nil {
		id := m.turn.ID
		m.turn = nil
		m.chunker.Reset()
		m.actions.TurnFinished(id, true)
	}
	if m.state != StateIdle {
		m.state = StateIdle
		m.actions.StateChanged(0, StateIdle)
	}
}

// Pause suspends listening. Only valid from the listening state; pausing
// mid-turn is not supported.
func (m *Machine) Pause() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateListening {
		return false
	}
	m.setStateLocked(StatePaused)
	return true
}

// Resume reopens the floor after an external pause.
func (m *Machine) Resume() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StatePaused {
		return false
	}
	m.setStateLocked(StateListening)
	return true
}

// HandleUtterance opens a new turn for a finished utterance. Utterances
// arriving in any state but listening are discarded: the mic is gated for
// the whole non-listening span, so such an utterance is stale by
// definition.
func (m *Machine) HandleUtterance(utteranceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateListening {
		m.logger.Debug("discarding utterance outside listening",
			slog.String("utterance_id", utteranceID), slog.String("state", m.state.String()))
		return false
	}
	m.turnSeq++
	m.turn = &Turn{ID: m.turnSeq, UtteranceID: utteranceID}
	m.chunker.Reset()
	m.setStateLocked(StateTranscribing)
	return true
}

// HandleTranscript feeds the recognition result for the current turn's
// utterance and starts generation. An empty transcript retires the turn.
func (m *Machine) HandleTranscript(utteranceID, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateTranscribing || m.turn == nil || m.turn.UtteranceID != utteranceID {
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		m.finishTurnLocked(true)
		return
	}
	m.turn.Transcript = text
	m.setStateLocked(StateGenerating)
	m.actions.RequestGeneration(m.turn.ID, text)
}

// HandleTranscriptError aborts the turn currently being transcribed.
func (m *Machine) HandleTranscriptError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateTranscribing || m.turn == nil {
		return
	}
	m.finishTurnLocked(true)
}

// HandleResponseChunk consumes one streamed generation increment and
// dispatches any sentence chunks that became complete.
func (m *Machine) HandleResponseChunk(turnID uint64, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.currentGenerationLocked(turnID) {
		return
	}
	m.turn.Response += content
	for _, chunk := range m.chunker.Feed(content) {
		m.dispatchChunkLocked(chunk, false)
	}
}

// HandleResponseComplete closes the generation stream for the turn. The
// chunker remainder goes out as the final chunk; a turn that produced no
// speakable text at all retires immediately.
func (m *Machine) HandleResponseComplete(turnID uint64, full string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.currentGenerationLocked(turnID) {
		return
	}
	if full != "" {
		m.turn.Response = full
	}
	m.turn.generationDone = true
	remainder := strings.TrimSpace(m.chunker.Flush())
	if remainder == "" && m.turn.ChunksDispatched == 0 {
		m.finishTurnLocked(false)
		return
	}
	m.dispatchChunkLocked(remainder, true)
}

// HandleResponseError aborts the turn whose generation failed.
func (m *Machine) HandleResponseError(turnID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.currentGenerationLocked(turnID) {
		return
	}
	m.finishTurnLocked(true)
}

// HandleSynthesisError aborts the turn whose synthesis or playback
// failed. Chunks already played stay played; the turn just ends.
func (m *Machine) HandleSynthesisError(turnID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.turn == nil || m.turn.ID != turnID {
		return
	}
	if m.state != StateGenerating && m.state != StateSpeaking {
		return
	}
	m.finishTurnLocked(true)
}

// HandlePlaybackFinished retires the turn once the final chunk has been
// rendered and the generation stream is closed.
func (m *Machine) HandlePlaybackFinished(turnID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.turn == nil || m.turn.ID != turnID || m.state != StateSpeaking {
		return
	}
	if !m.turn.generationDone {
		return
	}
	m.finishTurnLocked(false)
}

// HandleDeviceError retires the active turn after a capture or playback
// device failure.
func (m *Machine) HandleDeviceError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.turn == nil {
		return
	}
	m.finishTurnLocked(true)
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentTurnID returns the id of the active turn, or 0 when idle.
func (m *Machine) CurrentTurnID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.turn == nil {
		return 0
	}
	return m.turn.ID
}

// Snapshot returns a copy of the active turn, or nil.
func (m *Machine) Snapshot() *Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.turn == nil {
		return nil
	}
	turn := *m.turn
	return &turn
}

func (m *Machine) currentGenerationLocked(turnID uint64) bool {
	if m.turn == nil || m.turn.ID != turnID {
		return false
	}
	return m.state == StateGenerating || m.state == StateSpeaking
}

func (m *Machine) dispatchChunkLocked(text string, final bool) {
	seq := m.turn.ChunksDispatched
	m.turn.ChunksDispatched++
	if m.state == StateGenerating {
		m.setStateLocked(StateSpeaking)
	}
	m.actions.RequestSynthesis(m.turn.ID, seq, text, final)
}

func (m *Machine) finishTurnLocked(aborted bool) {
	id := m.turn.ID
	m.turn = nil
	m.chunker.Reset()
	m.state = StateIdle
	m.actions.StateChanged(id, StateIdle)
	m.actions.TurnFinished(id, aborted)
	m.setStateLocked(StateListening)
}

func (m *Machine) setStateLocked(s State) {
	m.state = s
	turnID := uint64(0)
	if m.turn != nil {
		turnID = m.turn.ID
	}
	m.actions.StateChanged(turnID, s)
}
