// Package service implements the conversation state machine over the store
// and the inference client. The service holds no durable state of its own.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/elegant-deploy/Elegant-Leather-Backend/internal/inference"
	"github.com/elegant-deploy/Elegant-Leather-Backend/internal/model"
	"github.com/elegant-deploy/Elegant-Leather-Backend/internal/store"
	"github.com/elegant-deploy/Elegant-Leather-Backend/pkg/logger"
	"github.com/elegant-deploy/Elegant-Leather-Backend/pkg/metrics"
)

// ErrTurnFailed is the generic failure surfaced when a turn cannot be
// processed: store failures during resolve, create or append. Inference
// failures are not included; those degrade the turn instead of failing it.
var ErrTurnFailed = errors.New("failed to process message")

const (
	titleLimit = 50

	// errorReplyText is the synthetic assistant message persisted when the
	// inference service could not be reached. The user's message is never
	// silently lost.
	errorReplyText = "Sorry, I encountered an error processing your request."
)

// Asker is what the service needs from the inference layer.
type Asker interface {
	Ask(ctx context.Context, question string, history []inference.ContextMessage) (string, error)
}

// ConversationService orchestrates one turn at a time: resolve new vs
// existing, build context, ask, persist the user/assistant pair.
type ConversationService struct {
	store  store.ConversationStore
	ai     Asker
	logger *logger.Logger
}

// New creates a conversation service.
func New(st store.ConversationStore, ai Asker, log *logger.Logger) *ConversationService {
	return &ConversationService{
		store:  st,
		ai:     ai,
		logger: log,
	}
}

// TurnOutcome reports the result of one processed turn.
type TurnOutcome struct {
	// ConversationID is the permanent id; freshly minted when New is true.
	ConversationID string

	// New is true when this turn created the conversation. Callers use it to
	// run provisional-to-real id reconciliation exactly once.
	New bool

	// Reply is the persisted assistant message. Reply.Error marks a degraded
	// turn recorded against an unreachable inference service.
	Reply model.Message
}

// SendTurn processes a message against a conversation-id candidate: any id
// the store does not recognize (missing, malformed or foreign) starts a new
// conversation; a recognized id appends to it.
//
// Duplicate sends against the same provisional key before reconciliation
// create two conversations; no deduplication is performed.
func (s *ConversationService) SendTurn(ctx context.Context, candidateID, ownerID, question string) (*TurnOutcome, error) {
	history, err := s.store.Messages(ctx, candidateID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("failed to resolve conversation",
				zap.String("candidate_id", candidateID), zap.Error(err))
			return nil, fmt.Errorf("%w: %v", ErrTurnFailed, err)
		}
		return s.startTurn(ctx, ownerID, question)
	}
	return s.continueTurn(ctx, candidateID, ownerID, question, history)
}

// Start creates a new conversation from its first question.
func (s *ConversationService) Start(ctx context.Context, ownerID, question string) (*TurnOutcome, error) {
	return s.startTurn(ctx, ownerID, question)
}

// Continue appends a turn to an existing conversation. Unlike SendTurn it is
// strict: an unrecognized or foreign id fails with store.ErrNotFound.
func (s *ConversationService) Continue(ctx context.Context, id, ownerID, question string) (*TurnOutcome, error) {
	history, err := s.store.Messages(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrTurnFailed, err)
	}
	return s.continueTurn(ctx, id, ownerID, question, history)
}

// Get returns a full conversation, owner-scoped.
func (s *ConversationService) Get(ctx context.Context, id, ownerID string) (*model.Conversation, error) {
	return s.store.Get(ctx, id, ownerID)
}

// List returns the owner's conversations, newest first.
func (s *ConversationService) List(ctx context.Context, ownerID string) ([]model.ConversationSummary, error) {
	return s.store.List(ctx, ownerID)
}

func (s *ConversationService) startTurn(ctx context.Context, ownerID, question string) (*TurnOutcome, error) {
	pair, err := s.askPair(ctx, question, nil)
	if err != nil {
		return nil, err
	}

	conv, err := s.store.Create(ctx, ownerID, titleFromQuestion(question), pair)
	if err != nil {
		s.logger.Error("failed to create conversation", zap.Error(err))
		metrics.TurnsTotal.WithLabelValues("new", "failed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrTurnFailed, err)
	}

	s.logger.Info("conversation created",
		zap.String("chat_id", conv.ID),
		zap.Bool("degraded", pair[1].Error))
	metrics.TurnsTotal.WithLabelValues("new", turnStatus(pair[1])).Inc()

	return &TurnOutcome{ConversationID: conv.ID, New: true, Reply: pair[1]}, nil
}

func (s *ConversationService) continueTurn(ctx context.Context, id, ownerID, question string, history []model.Message) (*TurnOutcome, error) {
	pair, err := s.askPair(ctx, question, history)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.Append(ctx, id, ownerID, pair); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		s.logger.Error("failed to append messages",
			zap.String("chat_id", id), zap.Error(err))
		metrics.TurnsTotal.WithLabelValues("existing", "failed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrTurnFailed, err)
	}

	metrics.TurnsTotal.WithLabelValues("existing", turnStatus(pair[1])).Inc()

	return &TurnOutcome{ConversationID: id, New: false, Reply: pair[1]}, nil
}

// askPair runs the inference call and builds the user/assistant pair to
// persist. An unavailable inference service degrades the turn into an
// error-flagged assistant reply instead of failing it.
func (s *ConversationService) askPair(ctx context.Context, question string, history []model.Message) ([]model.Message, error) {
	start := time.Now()
	answer, err := s.ai.Ask(ctx, question, inference.HistoryContext(history))
	metrics.InferenceDuration.WithLabelValues(inferenceStatus(err)).Observe(time.Since(start).Seconds())

	now := time.Now()
	user := model.Message{Sender: model.SenderUser, Text: question, SentAt: now}
	assistant := model.Message{Sender: model.SenderAssistant, Text: answer, SentAt: now}

	if err != nil {
		if !errors.Is(err, inference.ErrUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrTurnFailed, err)
		}
		s.logger.Warn("inference unavailable, recording degraded turn", zap.Error(err))
		assistant.Text = errorReplyText
		assistant.Error = true
	}

	return []model.Message{user, assistant}, nil
}

// titleFromQuestion derives the conversation title from the first question,
// truncated to titleLimit runes with an ellipsis marker.
func titleFromQuestion(question string) string {
	r := []rune(question)
	if len(r) <= titleLimit {
		return question
	}
	return string(r[:titleLimit]) + "..."
}

func turnStatus(reply model.Message) string {
	if reply.Error {
		return "degraded"
	}
	return "ok"
}

func inferenceStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
