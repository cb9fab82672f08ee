// Package store provides persistence for sessions, messages, memory
// and workflow checkpoints.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mindhaven/backend/internal/model/chat"
	"github.com/mindhaven/backend/internal/model/memory"
	"github.com/mindhaven/backend/internal/model/workflow"
)

// ErrSessionNotFound is returned for operations on an absent session.
var ErrSessionNotFound = errors.New("session not found")

// Store is the persistence boundary of the pipeline.
type Store interface {
	// CreateSession provisions an active session owned by userID.
	CreateSession(ctx context.Context, userID string) (chat.Session, error)

	// GetSession retrieves a session by identifier.
	GetSession(ctx context.Context, sessionID string) (chat.Session, error)

	// AppendExchange atomically appends a user/assistant message pair
	// and advances the session's UpdatedAt. A reader never observes
	// only one message of the pair. If a message with the user
	// message's ID is already present the call is a no-op, so
	// replaying a completed run does not duplicate the exchange.
	AppendExchange(ctx context.Context, sessionID string, user, assistant chat.Message) error

	// History returns all messages of a session in insertion order,
	// reflecting every completed append.
	History(ctx context.Context, sessionID string) ([]chat.Message, error)

	// CloseSession marks a session closed.
	CloseSession(ctx context.Context, sessionID string) error

	// CloseIdleSessions closes active sessions not updated since
	// idleBefore and reports how many were closed.
	CloseIdleSessions(ctx context.Context, idleBefore time.Time) (int64, error)

	// LoadMemory returns the stored memory for (userID, sessionID) or
	// the empty default when none has been saved yet.
	LoadMemory(ctx context.Context, userID, sessionID string) (memory.Memory, error)

	// SaveMemory overwrites the stored memory for (userID, sessionID).
	SaveMemory(ctx context.Context, userID, sessionID string, m memory.Memory) error

	// GetCheckpoint returns the checkpoint for (runID, step), or nil
	// when the step has not completed.
	GetCheckpoint(ctx context.Context, runID, step string) (*workflow.Checkpoint, error)

	// PutCheckpoint records a completed step.
	PutCheckpoint(ctx context.Context, cp workflow.Checkpoint) error

	// DeleteCheckpoints discards all checkpoints of a run.
	DeleteCheckpoints(ctx context.Context, runID string) error

	// Close releases underlying resources.
	Close() error
}
