package tts

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

const (
	synthesizeTimeout = 45 * time.Second
	queueDepth        = 64
)

// Service turns sentence chunks into playback audio. Requests are worked
// one at a time on a single goroutine in arrival order, so a turn's audio
// chunks are published with the same sequence ordering the orchestrator
// assigned. Each request's backend stream is drained completely before
// its playback chunk goes out; synthesis of chunk n+1 overlaps playback
// of chunk n, never its own publication.
type Service struct {
	cfg    config.TTSConfig
	bus    *bus.Client
	synth  Synthesizer
	logger *slog.Logger
	sub    *nats.Subscription
	queue  chan protocol.SynthesizeRequest
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(parent context.Context, cfg config.TTSConfig, busClient *bus.Client, synth Synthesizer, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		synth:  synth,
		logger: log.With(slog.String("component", "tts")),
		queue:  make(chan protocol.SynthesizeRequest, queueDepth),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectSynthesizeRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe synthesis requests: %w", err)
	}
	s.sub = sub

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.work()
	}()
	return nil
}

func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.sub != nil }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SynthesizeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode synthesis request", slog.String("error", err.Error()))
		return
	}
	select {
	case s.queue <- req:
	default:
		s.logger.Warn("synthesis queue full, dropping request",
			slog.Uint64("turn_id", req.TurnID), slog.Int("sequence", req.Sequence))
		s.publishError(req.TurnID, fmt.Errorf("synthesis queue full"))
	}
}

func (s *Service) work() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case req := <-s.queue:
			s.process(req)
		}
	}
}

func (s *Service) process(req protocol.SynthesizeRequest) {
	if req.Text == "" {
		// Final marker with nothing left to say: emit an empty terminal
		// chunk so playback knows where the turn's audio ends.
		if req.Final {
			s.publishChunk(protocol.PlaybackChunk{
				TurnID:     req.TurnID,
				Sequence:   req.Sequence,
				SampleRate: s.cfg.SampleRate,
				Channels:   s.cfg.Channels,
				PCM:        []byte{},
				Final:      true,
			})
		}
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, synthesizeTimeout)
	defer cancel()

	start := time.Now()
	chunks, errs := s.synth.Synthesize(ctx, SynthRequest{
		Text:  req.Text,
		Voice: req.Voice,
		Speed: req.Speed,
	})

	var pcm []byte
	sampleRate := s.cfg.SampleRate
	channels := s.cfg.Channels
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			pcm = append(pcm, chunk.PCM...)
			if chunk.SampleRate > 0 {
				sampleRate = chunk.SampleRate
			}
			if chunk.Channels > 0 {
				channels = chunk.Channels
			}
		case err, ok := <-errs:
			if ok && err != nil {
				s.logger.Warn("synthesis failed",
					slog.Uint64("turn_id", req.TurnID),
					slog.Int("sequence", req.Sequence),
					slog.String("error", err.Error()))
				s.publishError(req.TurnID, err)
				return
			}
			errs = nil
		case <-ctx.Done():
			s.publishError(req.TurnID, ctx.Err())
			return
		}
	}

	s.logger.Debug("chunk synthesized",
		slog.Uint64("turn_id", req.TurnID),
		slog.Int("sequence", req.Sequence),
		slog.Duration("took", time.Since(start)),
		slog.Int("bytes", len(pcm)))

	s.publishChunk(protocol.PlaybackChunk{
		TurnID:     req.TurnID,
		Sequence:   req.Sequence,
		SampleRate: sampleRate,
		Channels:   channels,
		PCM:        pcm,
		Final:      req.Final,
	})
}

func (s *Service) publishChunk(chunk protocol.PlaybackChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		s.logger.Warn("failed to marshal playback chunk", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectPlaybackChunk, data); err != nil {
		s.logger.Warn("failed to publish playback chunk", slog.String("error", err.Error()))
	}
}

func (s *Service) publishError(turnID uint64, cause error) {
	evt := protocol.ErrorEvent{
		TurnID:    turnID,
		Source:    "tts",
		Message:   cause.Error(),
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectSpeechError, data); err != nil {
		s.logger.Warn("failed to publish tts error", slog.String("error", err.Error()))
	}
}
