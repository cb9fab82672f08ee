package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mindhaven/backend/internal/model/chat"
	"github.com/mindhaven/backend/internal/model/memory"
	"github.com/mindhaven/backend/internal/model/workflow"
)

// MemoryStore is an in-process Store for tests and for running without
// a database file configured.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]chat.Session
	messages    map[string][]chat.Message
	memories    map[string]memory.Memory
	checkpoints map[string]map[string]workflow.Checkpoint
}

// NewMemory bootstraps an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]chat.Session),
		messages:    make(map[string][]chat.Message),
		memories:    make(map[string]memory.Memory),
		checkpoints: make(map[string]map[string]workflow.Checkpoint),
	}
}

func memoryKey(userID, sessionID string) string {
	return userID + "/" + sessionID
}

// CreateSession provisions an active session owned by userID.
func (s *MemoryStore) CreateSession(_ context.Context, userID string) (chat.Session, error) {
	now := time.Now().UTC()
	session := chat.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    chat.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.messages[session.ID] = make([]chat.Message, 0, 16)
	s.mu.Unlock()

	return session, nil
}

// GetSession retrieves a session by identifier.
func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return chat.Session{}, ErrSessionNotFound
	}
	return session, nil
}

// AppendExchange appends the message pair under one lock acquisition.
func (s *MemoryStore) AppendExchange(_ context.Context, sessionID string, user, assistant chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}

	for _, msg := range s.messages[sessionID] {
		if msg.ID == user.ID {
			return nil
		}
	}

	s.messages[sessionID] = append(s.messages[sessionID], user, assistant)
	session.UpdatedAt = assistant.CreatedAt
	s.sessions[sessionID] = session
	return nil
}

// History returns a copy of the session's messages in insertion order.
func (s *MemoryStore) History(_ context.Context, sessionID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, ok := s.messages[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	copied := make([]chat.Message, len(messages))
	copy(copied, messages)
	return copied, nil
}

// CloseSession marks a session closed.
func (s *MemoryStore) CloseSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	session.Status = chat.StatusClosed
	session.UpdatedAt = time.Now().UTC()
	s.sessions[sessionID] = session
	return nil
}

// CloseIdleSessions closes active sessions not updated since idleBefore.
func (s *MemoryStore) CloseIdleSessions(_ context.Context, idleBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var closed int64
	for id, session := range s.sessions {
		if session.Status == chat.StatusActive && session.UpdatedAt.Before(idleBefore) {
			session.Status = chat.StatusClosed
			s.sessions[id] = session
			closed++
		}
	}
	return closed, nil
}

// LoadMemory returns the stored memory or the empty default.
func (s *MemoryStore) LoadMemory(_ context.Context, userID, sessionID string) (memory.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.memories[memoryKey(userID, sessionID)]
	if !ok {
		return memory.Empty(), nil
	}
	return m, nil
}

// SaveMemory overwrites the stored memory for (userID, sessionID).
func (s *MemoryStore) SaveMemory(_ context.Context, userID, sessionID string, m memory.Memory) error {
	s.mu.Lock()
	s.memories[memoryKey(userID, sessionID)] = m
	s.mu.Unlock()
	return nil
}

// GetCheckpoint returns the checkpoint for (runID, step), or nil.
func (s *MemoryStore) GetCheckpoint(_ context.Context, runID, step string) (*workflow.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[runID][step]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

// PutCheckpoint records a completed step; the first completion wins.
func (s *MemoryStore) PutCheckpoint(_ context.Context, cp workflow.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps, ok := s.checkpoints[cp.RunID]
	if !ok {
		steps = make(map[string]workflow.Checkpoint)
		s.checkpoints[cp.RunID] = steps
	}
	if _, done := steps[cp.Step]; done {
		return nil
	}
	steps[cp.Step] = cp
	return nil
}

// DeleteCheckpoints discards all checkpoints of a run.
func (s *MemoryStore) DeleteCheckpoints(_ context.Context, runID string) error {
	s.mu.Lock()
	delete(s.checkpoints, runID)
	s.mu.Unlock()
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
