// Package chat encapsulates conversation state management: session
// ownership, lifecycle and the append-only message log.
package chat

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mindhaven/backend/internal/model/chat"
	"github.com/mindhaven/backend/internal/store"
)

var (
	// ErrSessionNotFound is surfaced when a session does not exist.
	ErrSessionNotFound = store.ErrSessionNotFound
	// ErrNotSessionOwner is surfaced when the caller does not own the session.
	ErrNotSessionOwner = errors.New("caller does not own session")
	// ErrSessionClosed is surfaced when the session is no longer active.
	ErrSessionClosed = errors.New("session is closed")
)

// Service mediates all session access through the store.
type Service struct {
	store  store.Store
	logger *zap.Logger
}

// NewService creates the session service.
func NewService(st store.Store, logger *zap.Logger) *Service {
	return &Service{store: st, logger: logger}
}

// CreateSession provisions an active session for userID.
func (s *Service) CreateSession(ctx context.Context, userID string) (chat.Session, error) {
	session, err := s.store.CreateSession(ctx, userID)
	if err != nil {
		return chat.Session{}, fmt.Errorf("create session: %w", err)
	}
	s.logger.Info("session created",
		zap.String("sessionId", session.ID),
		zap.String("userId", session.UserID))
	return session, nil
}

// Authorize loads a session and verifies that userID owns it and that
// it is still active. These are the only caller errors the pipeline
// surfaces; everything else is absorbed by step fallbacks.
func (s *Service) Authorize(ctx context.Context, sessionID, userID string) (chat.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return chat.Session{}, err
	}
	if session.UserID != userID {
		return chat.Session{}, ErrNotSessionOwner
	}
	if session.Status != chat.StatusActive {
		return chat.Session{}, ErrSessionClosed
	}
	return session, nil
}

// History returns the session's messages in conversation order.
func (s *Service) History(ctx context.Context, sessionID string) ([]chat.Message, error) {
	return s.store.History(ctx, sessionID)
}

// AppendExchange durably appends a completed exchange. Both messages
// land atomically or not at all.
func (s *Service) AppendExchange(ctx context.Context, sessionID string, user, assistant chat.Message) error {
	return s.store.AppendExchange(ctx, sessionID, user, assistant)
}

// Close marks a session closed. Closed sessions reject new messages.
func (s *Service) Close(ctx context.Context, sessionID string) error {
	return s.store.CloseSession(ctx, sessionID)
}
