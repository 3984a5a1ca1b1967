package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/ambiware-labs/voiceloop-core/internal/bus"
	"github.com/ambiware-labs/voiceloop-core/internal/protocol"
)

// Service records turn state transitions and every pipeline error into
// the store.
type Service struct {
	store  *Store
	bus    *bus.Client
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
}

func NewService(parent context.Context, store *Store, busClient *bus.Client, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		store:  store,
		bus:    busClient,
		logger: logger.With(slog.String("component", "journal")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) Start() error {
	subState, err := s.bus.Conn().Subscribe(protocol.SubjectTurnState, s.handleTurnState)
	if err != nil {
		return fmt.Errorf("subscribe turn state: %w", err)
	}
	s.subs = append(s.subs, subState)

	subErrors, err := s.bus.Conn().Subscribe(protocol.SubjectAnyError, s.handleError)
	if err != nil {
		s.unsubscribe()
		return fmt.Errorf("subscribe errors: %w", err)
	}
	s.subs = append(s.subs, subErrors)
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.unsubscribe()
}

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

func (s *Service) handleTurnState(msg *nats.Msg) {
	var state protocol.TurnState
	if err := json.Unmarshal(msg.Data, &state); err != nil {
		return
	}
	entry := Entry{
		TurnID:    state.TurnID,
		Type:      "state",
		Source:    "orchestrator",
		Detail:    state.State,
		CreatedAt: state.Timestamp,
	}
	if err := s.store.Append(s.ctx, entry); err != nil {
		s.logger.Warn("failed to journal state change", slog.String("error", err.Error()))
	}
}

func (s *Service) handleError(msg *nats.Msg) {
	var evt protocol.ErrorEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		return
	}
	source := evt.Source
	if source == "" {
		// Fall back to the subject's first token, e.g. "stt.transcription.error".
		source = strings.SplitN(msg.Subject, ".", 2)[0]
	}
	entry := Entry{
		TurnID:    evt.TurnID,
		Type:      "error",
		Source:    source,
		Detail:    evt.Message,
		CreatedAt: evt.Timestamp,
	}
	if err := s.store.Append(s.ctx, entry); err != nil {
		s.logger.Warn("failed to journal error", slog.String("error", err.Error()))
	}
}
