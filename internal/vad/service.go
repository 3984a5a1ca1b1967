package vad

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ambiware-labs/voiceloop-core/internal/bus"
	"github.com/ambiware-labs/voiceloop-core/internal/config"
	"github.com/ambiware-labs/voiceloop-core/internal/protocol"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Service runs the detector against the capture frame stream and publishes
// speech boundaries. Frames arrive on one subscription and are handled
// serially, preserving capture order.
type Service struct {
	cfg        config.VADConfig
	sampleRate int
	bus        *bus.Client
	detector   *Detector
	sub        *nats.Subscription
	logger     *slog.Logger

	utteranceID string
	startedAt   time.Time
}

func NewService(cfg config.VADConfig, audioCfg config.AudioConfig, busClient *bus.Client, logger *slog.Logger) *Service {
	return &Service{
		cfg:        cfg,
		sampleRate: audioCfg.SampleRate,
		bus:        busClient,
		detector:   NewDetector(cfg, audioCfg.SampleRate),
		logger:     logger.With(slog.String("component", "vad")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectAudioFrame, s.handleFrame)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.detector.Reset()
}

func (s *Service) Healthy() bool { return s.sub != nil }

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode audio frame", slog.String("error", err.Error()))
		return
	}

	result := s.detector.Process(frame.PCM)
	switch result.Event {
	case EventSpeechStart:
		s.utteranceID = uuid.NewString()
		s.startedAt = frame.CapturedAt
		s.publish(protocol.SubjectSpeechStarted, protocol.SpeechMark{
			UtteranceID: s.utteranceID,
			At:          frame.CapturedAt,
		})
	case EventSpeechEnd:
		s.emitUtterance(result.Frames, frame.CapturedAt)
	}
}

func (s *Service) emitUtterance(frames [][]byte, endedAt time.Time) {
	total := 0
	for _, f := range frames {
		total += len(f)
	}
	pcm := make([]byte, 0, total)
	for _, f := range frames {
		pcm = append(pcm, f...)
	}

	durationMS := int64(0)
	if s.sampleRate > 0 {
		durationMS = int64(len(pcm)/2) * 1000 / int64(s.sampleRate)
	}
	if durationMS < int64(s.cfg.MinUtteranceMS) {
		s.logger.Debug("discarding short utterance",
			slog.String("utterance_id", s.utteranceID),
			slog.Int64("duration_ms", durationMS))
		return
	}

	s.publish(protocol.SubjectSpeechEnded, protocol.Utterance{
		ID:         s.utteranceID,
		SampleRate: s.sampleRate,
		Channels:   1,
		PCM:        pcm,
		Frames:     len(frames),
		DurationMS: durationMS,
		StartedAt:  s.startedAt,
		EndedAt:    endedAt,
	})
}

func (s *Service) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to marshal vad event", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.logger.Warn("failed to publish vad event",
			slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
