// Package handler provides HTTP handlers for the API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/elegant-deploy/Elegant-Leather-Backend/internal/middleware"
	"github.com/elegant-deploy/Elegant-Leather-Backend/internal/model"
	"github.com/elegant-deploy/Elegant-Leather-Backend/internal/service"
	"github.com/elegant-deploy/Elegant-Leather-Backend/internal/store"
	"github.com/elegant-deploy/Elegant-Leather-Backend/pkg/logger"
)

// messageIDPlaceholder is returned verbatim in create/append responses for
// wire compatibility with the existing frontend.
const messageIDPlaceholder = "message-id"

// ChatService is what the HTTP surface needs from the conversation layer.
type ChatService interface {
	Start(ctx context.Context, ownerID, question string) (*service.TurnOutcome, error)
	Continue(ctx context.Context, id, ownerID, question string) (*service.TurnOutcome, error)
	Get(ctx context.Context, id, ownerID string) (*model.Conversation, error)
	List(ctx context.Context, ownerID string) ([]model.ConversationSummary, error)
}

// ChatHandler handles the non-realtime chat endpoints.
type ChatHandler struct {
	service ChatService
	logger  *logger.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(svc ChatService, log *logger.Logger) *ChatHandler {
	return &ChatHandler{
		service: svc,
		logger:  log,
	}
}

type questionRequest struct {
	Question string `json:"question"`
}

type createChatResponse struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

type addMessageResponse struct {
	MessageID string `json:"messageId"`
}

// Create handles POST /chats
func (h *ChatHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := middleware.GetUserID(ctx)

	var req questionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateQuestion(req.Question); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome, err := h.service.Start(ctx, ownerID, req.Question)
	if err != nil {
		h.logger.Error("failed to create chat", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create chat")
		return
	}

	writeJSON(w, http.StatusCreated, createChatResponse{
		ChatID:    outcome.ConversationID,
		MessageID: messageIDPlaceholder,
	})
}

// AddMessage handles POST /chats/{chatId}/messages
func (h *ChatHandler) AddMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := middleware.GetUserID(ctx)
	chatID := chi.URLParam(r, "chatId")

	var req questionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateQuestion(req.Question); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := h.service.Continue(ctx, chatID, ownerID, req.Question); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "chat not found")
			return
		}
		h.logger.Error("failed to add message",
			zap.String("chat_id", chatID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to add message")
		return
	}

	writeJSON(w, http.StatusCreated, addMessageResponse{MessageID: messageIDPlaceholder})
}

// List handles GET /chats
func (h *ChatHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := middleware.GetUserID(ctx)

	chats, err := h.service.List(ctx, ownerID)
	if err != nil {
		h.logger.Error("failed to list chats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list chats")
		return
	}

	writeJSON(w, http.StatusOK, chats)
}

// Get handles GET /chats/{chatId}
func (h *ChatHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := middleware.GetUserID(ctx)
	chatID := chi.URLParam(r, "chatId")

	chat, err := h.service.Get(ctx, chatID, ownerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "chat not found")
			return
		}
		h.logger.Error("failed to get chat",
			zap.String("chat_id", chatID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get chat")
		return
	}

	writeJSON(w, http.StatusOK, chat)
}
