// Package chat exposes the event-dispatcher boundary: HTTP requests
// become orchestrator invocations. Token auth lives in front of this
// service; the verified caller identity arrives in the X-User-ID
// header.
package chat

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mindhaven/backend/internal/model/workflow"
	chatservice "github.com/mindhaven/backend/internal/service/chat"
	workflowservice "github.com/mindhaven/backend/internal/service/workflow"
	"github.com/mindhaven/backend/pkg/utils"
)

const userIDHeader = "X-User-ID"

// Handler routes session and message requests.
type Handler struct {
	sessions     *chatservice.Service
	orchestrator *workflowservice.Orchestrator
}

// New creates the chat handler.
func New(sessions *chatservice.Service, orchestrator *workflowservice.Orchestrator) *Handler {
	return &Handler{sessions: sessions, orchestrator: orchestrator}
}

// RegisterRoutes mounts the chat endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/sessions", h.handleCreateSession)
	r.Post("/sessions/{sessionID}/messages", h.handleSendMessage)
	r.Get("/sessions/{sessionID}/history", h.handleHistory)
}

func callerID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(userIDHeader))
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)
	if userID == "" {
		utils.RespondError(w, http.StatusUnauthorized, "caller identity is required")
		return
	}

	session, err := h.sessions.CreateSession(r.Context(), userID)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	utils.RespondJSON(w, http.StatusCreated, session)
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)
	if userID == "" {
		utils.RespondError(w, http.StatusUnauthorized, "caller identity is required")
		return
	}

	var payload struct {
		Message string `json:"message"`
		// ClientMessageID lets a client redeliver the same message
		// after a crash or timeout without duplicating the exchange.
		ClientMessageID string `json:"clientMessageId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.Message) == "" {
		utils.RespondError(w, http.StatusBadRequest, "message is required")
		return
	}

	messageID := strings.TrimSpace(payload.ClientMessageID)
	if messageID == "" {
		messageID = uuid.NewString()
	}

	exchange, err := h.orchestrator.ProcessMessage(r.Context(), workflow.Submission{
		SessionID: chi.URLParam(r, "sessionID"),
		UserID:    userID,
		MessageID: messageID,
		Text:      payload.Message,
	})
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, exchange)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)
	if userID == "" {
		utils.RespondError(w, http.StatusUnauthorized, "caller identity is required")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	if _, err := h.sessions.Authorize(r.Context(), sessionID, userID); err != nil {
		// History of a closed session is still readable by its owner.
		if !errors.Is(err, chatservice.ErrSessionClosed) {
			respondPipelineError(w, err)
			return
		}
	}

	messages, err := h.sessions.History(r.Context(), sessionID)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func respondPipelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chatservice.ErrSessionNotFound):
		utils.RespondError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, chatservice.ErrNotSessionOwner):
		utils.RespondError(w, http.StatusForbidden, "caller does not own session")
	case errors.Is(err, chatservice.ErrSessionClosed):
		utils.RespondError(w, http.StatusConflict, "session is closed")
	default:
		utils.RespondError(w, http.StatusInternalServerError, "failed to process message")
	}
}
