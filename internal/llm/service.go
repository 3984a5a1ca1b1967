package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ambiware-labs/voiceloop-core/internal/bus"
	"github.com/ambiware-labs/voiceloop-core/internal/config"
	"github.com/ambiware-labs/voiceloop-core/internal/protocol"
)

const generateTimeout = 60 * time.Second

type exchange struct {
	User      string
	Assistant string
}

// Service answers generation requests with a streamed reply. It keeps a
// short in-memory conversation history so follow-up questions have
// context; the history is capped and never persisted.
type Service struct {
	cfg       config.LLMConfig
	bus       *bus.Client
	generator Generator
	logger    *slog.Logger
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	ready     bool

	histMu  sync.Mutex
	history []exchange
}

func NewService(parent context.Context, cfg config.LLMConfig, busClient *bus.Client, generator Generator, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:       cfg,
		bus:       busClient,
		generator: generator,
		logger:    logger.With(slog.String("component", "llm")),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectGenerateRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe generation requests: %w", err)
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

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.GenerateRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode generation request", slog.String("error", err.Error()))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, generateTimeout)
		defer cancel()

		s.publish(protocol.SubjectResponseStarted, protocol.TurnRef{
			TurnID:    req.TurnID,
			Timestamp: time.Now().UTC(),
		})

		genReq := Request{
			TurnID:      req.TurnID,
			Prompt:      s.composePrompt(req.Prompt),
			System:      s.cfg.SystemPrompt,
			MaxTokens:   s.cfg.MaxTokens,
			Temperature: s.cfg.Temperature,
		}

		start := time.Now()
		var full strings.Builder
		err := s.generator.Generate(ctx, genReq, func(chunk Chunk) error {
			full.WriteString(chunk.Content)
			if chunk.Done || chunk.Content == "" {
				return nil
			}
			s.publish(protocol.SubjectResponseChunk, protocol.ResponseChunk{
				TurnID:    req.TurnID,
				Content:   chunk.Content,
				Timestamp: time.Now().UTC(),
			})
			return nil
		})
		if err != nil {
			s.logger.Warn("generation failed",
				slog.Uint64("turn_id", req.TurnID), slog.String("error", err.Error()))
			s.publish(protocol.SubjectResponseError, protocol.ErrorEvent{
				TurnID:    req.TurnID,
				Source:    "llm",
				Message:   err.Error(),
				Timestamp: time.Now().UTC(),
			})
			return
		}

		response := full.String()
		s.remember(req.Prompt, response)
		s.logger.Info("generation complete",
			slog.Uint64("turn_id", req.TurnID),
			slog.Duration("latency", time.Since(start)),
			slog.Int("chars", len(response)))
		s.publish(protocol.SubjectResponseCompleted, protocol.ResponseChunk{
			TurnID:    req.TurnID,
			Content:   response,
			Done:      true,
			Timestamp: time.Now().UTC(),
		})
	}()
}

// composePrompt folds the retained history into a flat transcript the
// completion endpoint can continue.
func (s *Service) composePrompt(userText string) string {
	s.histMu.Lock()
	defer s.histMu.Unlock()

	if len(s.history) == 0 {
		return userText
	}
	var b strings.Builder
	for _, ex := range s.history {
		b.WriteString("User: ")
		b.WriteString(ex.User)
		b.WriteString("\nAssistant: ")
		b.WriteString(ex.Assistant)
		b.WriteString("\n")
	}
	b.WriteString("User: ")
	b.WriteString(userText)
	b.WriteString("\nAssistant:")
	return b.String()
}

func (s *Service) remember(userText, response string) {
	s.histMu.Lock()
	defer s.histMu.Unlock()

	s.history = append(s.history, exchange{User: userText, Assistant: response})
	if s.cfg.MaxHistory > 0 && len(s.history) > s.cfg.MaxHistory {
		s.history = s.history[len(s.history)-s.cfg.MaxHistory:]
	}
}

func (s *Service) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to marshal llm event", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.logger.Warn("failed to publish llm event",
			slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
