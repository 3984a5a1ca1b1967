package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ambiware-labs/voiceloop-core/internal/bus"
	"github.com/ambiware-labs/voiceloop-core/internal/config"
	"github.com/ambiware-labs/voiceloop-core/internal/protocol"
)

const transcribeTimeout = 45 * time.Second

// Service transcribes finished utterances. Each utterance is handled on
// its own goroutine; ordering is the orchestrator's problem, not ours,
// since it keys results by utterance id.
type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	logger     *slog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	sub        *nats.Subscription
	wg         sync.WaitGroup
	ready      bool
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		logger:     logger.With(slog.String("component", "stt")),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectSpeechEnded, s.handleUtterance)
	if err != nil {
		return fmt.Errorf("subscribe utterances: %w", err)
	}
	s.sub = sub
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.ready
}

func (s *Service) handleUtterance(msg *nats.Msg) {
	var utt protocol.Utterance
	if err := json.Unmarshal(msg.Data, &utt); err != nil {
		s.logger.Warn("failed to decode utterance", slog.String("error", err.Error()))
		return
	}

	s.publish(protocol.SubjectTranscriptionStarted, protocol.SpeechMark{
		UtteranceID: utt.ID,
		At:          time.Now().UTC(),
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, transcribeTimeout)
		defer cancel()

		started := time.Now()
		result, err := s.recognizer.Transcribe(ctx, utt.PCM, utt.SampleRate, utt.Channels)
		if err != nil {
			s.logger.Warn("transcription failed",
				slog.String("utterance_id", utt.ID), slog.String("error", err.Error()))
			s.publish(protocol.SubjectTranscriptionError, protocol.ErrorEvent{
				Source:    "stt",
				Message:   err.Error(),
				Timestamp: time.Now().UTC(),
			})
			return
		}

		s.logger.Info("utterance transcribed",
			slog.String("utterance_id", utt.ID),
			slog.Duration("took", time.Since(started)),
			slog.Int("chars", len(result.Text)))

		s.publish(protocol.SubjectTranscriptionResult, protocol.Transcript{
			UtteranceID: utt.ID,
			Text:        result.Text,
			Confidence:  result.Confidence,
			Timestamp:   time.Now().UTC(),
		})
	}()
}

func (s *Service) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to marshal stt event", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.logger.Warn("failed to publish stt event",
			slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
