// Package memory loads and saves the counselor's accumulated state.
package memory

import (
	"context"
	"fmt"

	"github.com/mindhaven/backend/internal/model/memory"
	"github.com/mindhaven/backend/internal/store"
)

// Service wraps the store's memory operations. The workflow
// orchestrator is its only caller on the write path.
type Service struct {
	store store.Store
}

// NewService creates the memory service.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// Load returns the memory for (userID, sessionID), or the empty
// default for a user with no history yet.
func (s *Service) Load(ctx context.Context, userID, sessionID string) (memory.Memory, error) {
	m, err := s.store.LoadMemory(ctx, userID, sessionID)
	if err != nil {
		return memory.Memory{}, fmt.Errorf("load memory: %w", err)
	}
	return m, nil
}

// Save overwrites the memory for (userID, sessionID).
func (s *Service) Save(ctx context.Context, userID, sessionID string, m memory.Memory) error {
	if err := s.store.SaveMemory(ctx, userID, sessionID, m); err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	return nil
}
