package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/ambiware-labs/voiceloop-core/internal/bus"
	"github.com/ambiware-labs/voiceloop-core/internal/config"
	"github.com/ambiware-labs/voiceloop-core/internal/protocol"
)

// Service wires the turn machine to the bus. It subscribes to the
// completion events of every pipeline stage, feeds them to the machine,
// and publishes the machine's outbound actions (state announcements,
// generation requests, synthesis requests).
type Service struct {
	ttsCfg  config.TTSConfig
	bus     *bus.Client
	logger  *slog.Logger
	machine *Machine
	subs    []*nats.Subscription

	turnsStarted   metric.Int64Counter
	turnsCompleted metric.Int64Counter
	turnsAborted   metric.Int64Counter
}

func NewService(ttsCfg config.TTSConfig, busClient *bus.Client, logger *slog.Logger) *Service {
	s := &Service{
		ttsCfg: ttsCfg,
		bus:    busClient,
		logger: logger.With(slog.String("component", "orchestrator")),
	}
	s.machine = NewMachine(s, logger)

	meter := otel.Meter("voiceloop/orchestrator")
	var err error
	if s.turnsStarted, err = meter.Int64Counter("voiceloop.turns.started"); err != nil {
		s.logger.Warn("failed to create counter", slog.String("error", err.Error()))
	}
	if s.turnsCompleted, err = meter.Int64Counter("voiceloop.turns.completed"); err != nil {
		s.logger.Warn("failed to create counter", slog.String("error", err.Error()))
	}
	if s.turnsAborted, err = meter.Int64Counter("voiceloop.turns.aborted"); err != nil {
		s.logger.Warn("failed to create counter", slog.String("error", err.Error()))
	}

	return s
}

// Start subscribes to pipeline events and opens the floor.
func (s *Service) Start() error {
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectSpeechEnded, s.handleUtterance},
		{protocol.SubjectTranscriptionResult, s.handleTranscript},
		{protocol.SubjectTranscriptionError, s.handleTranscriptError},
		{protocol.SubjectResponseChunk, s.handleResponseChunk},
		{protocol.SubjectResponseCompleted, s.handleResponseCompleted},
		{protocol.SubjectResponseError, s.handleResponseError},
		{protocol.SubjectSpeechError, s.handleSpeechError},
		{protocol.SubjectSpeechDone, s.handleSpeechDone},
		{protocol.SubjectCaptureError, s.handleCaptureError},
	}

	for _, h := range handlers {
		sub, err := s.bus.Conn().Subscribe(h.subject, h.handler)
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe to %s: %w", h.subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	s.machine.Start()
	s.logger.Info("orchestrator started")
	return nil
}

// Close parks the machine in idle and drops all subscriptions.
func (s *Service) Close() {
	s.machine.Stop()
	s.unsubscribe()
}

func (s *Service) Healthy() bool {
	return s.bus.Healthy()
}

// Pause suspends listening until Resume.
func (s *Service) Pause() bool { return s.machine.Pause() }

// Resume reopens the floor after a Pause.
func (s *Service) Resume() bool { return s.machine.Resume() }

// Machine exposes the state machine for introspection.
func (s *Service) Machine() *Machine { return s.machine }

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

func (s *Service) handleUtterance(msg *nats.Msg) {
	var utt protocol.Utterance
	if err := json.Unmarshal(msg.Data, &utt); err != nil {
		s.logger.Warn("failed to decode utterance", slog.String("error", err.Error()))
		return
	}
	if s.machine.HandleUtterance(utt.ID) {
		s.logger.Info("turn started",
			slog.Uint64("turn_id", s.machine.CurrentTurnID()),
			slog.String("utterance_id", utt.ID),
			slog.Int64("duration_ms", utt.DurationMS))
	}
}

func (s *Service) handleTranscript(msg *nats.Msg) {
	var transcript protocol.Transcript
	if err := json.Unmarshal(msg.Data, &transcript); err != nil {
		s.logger.Warn("failed to decode transcript", slog.String("error", err.Error()))
		return
	}
	s.machine.HandleTranscript(transcript.UtteranceID, transcript.Text)
}

func (s *Service) handleTranscriptError(msg *nats.Msg) {
	s.machine.HandleTranscriptError()
}

func (s *Service) handleResponseChunk(msg *nats.Msg) {
	var chunk protocol.ResponseChunk
	if err := json.Unmarshal(msg.Data, &chunk); err != nil {
		s.logger.Warn("failed to decode response chunk", slog.String("error", err.Error()))
		return
	}
	if chunk.Done {
		return
	}
	s.machine.HandleResponseChunk(chunk.TurnID, chunk.Content)
}

func (s *Service) handleResponseCompleted(msg *nats.Msg) {
	var chunk protocol.ResponseChunk
	if err := json.Unmarshal(msg.Data, &chunk); err != nil {
		s.logger.Warn("failed to decode response completion", slog.String("error", err.Error()))
		return
	}
	s.machine.HandleResponseComplete(chunk.TurnID, chunk.Content)
}

func (s *Service) handleResponseError(msg *nats.Msg) {
	var evt protocol.ErrorEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		return
	}
	s.machine.HandleResponseError(evt.TurnID)
}

func (s *Service) handleSpeechError(msg *nats.Msg) {
	var evt protocol.ErrorEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		return
	}
	s.machine.HandleSynthesisError(evt.TurnID)
}

func (s *Service) handleSpeechDone(msg *nats.Msg) {
	var ref protocol.TurnRef
	if err := json.Unmarshal(msg.Data, &ref); err != nil {
		return
	}
	s.machine.HandlePlaybackFinished(ref.TurnID)
}

func (s *Service) handleCaptureError(msg *nats.Msg) {
	s.machine.HandleDeviceError()
}

// StateChanged publishes a turn state announcement.
func (s *Service) StateChanged(turnID uint64, state State) {
	s.publish(protocol.SubjectTurnState, protocol.TurnState{
		TurnID:    turnID,
		State:     state.String(),
		Timestamp: time.Now().UTC(),
	})
	if state == StateTranscribing && s.turnsStarted != nil {
		s.turnsStarted.Add(context.Background(), 1)
	}
}

// RequestGeneration asks the language model service for a streamed reply.
func (s *Service) RequestGeneration(turnID uint64, prompt string) {
	s.publish(protocol.SubjectGenerateRequest, protocol.GenerateRequest{
		TurnID:    turnID,
		Prompt:    prompt,
		Timestamp: time.Now().UTC(),
	})
}

// RequestSynthesis hands one sentence chunk to the synthesis service.
func (s *Service) RequestSynthesis(turnID uint64, seq int, text string, final bool) {
	s.publish(protocol.SubjectSynthesizeRequest, protocol.SynthesizeRequest{
		TurnID:   turnID,
		Sequence: seq,
		Text:     text,
		Voice:    s.ttsCfg.Voice,
		Speed:    s.ttsCfg.Speed,
		Final:    final,
	})
}

// TurnFinished records the terminal outcome of a turn.
func (s *Service) TurnFinished(turnID uint64, aborted bool) {
	if aborted {
		s.logger.Info("turn aborted", slog.Uint64("turn_id", turnID))
		if s.turnsAborted != nil {
			s.turnsAborted.Add(context.Background(), 1)
		}
		return
	}
	s.logger.Info("turn completed", slog.Uint64("turn_id", turnID))
	if s.turnsCompleted != nil {
		s.turnsCompleted.Add(context.Background(), 1)
	}
}

func (s *Service) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to marshal event", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.logger.Warn("failed to publish event",
			slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
