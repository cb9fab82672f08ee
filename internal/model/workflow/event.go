// Package workflow defines the records that flow through one
// message-processing run.
package workflow

import (
	"time"

	"github.com/mindhaven/backend/internal/model/chat"
	"github.com/mindhaven/backend/internal/model/memory"
)

// Submission is an inbound message-submission request. MessageID
// identifies the run: redelivering the same submission resumes the run
// instead of starting a new one.
type Submission struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	MessageID string `json:"messageId"`
	Text      string `json:"message"`
}

// Event is the immutable input to one orchestrator run. The history
// and memory snapshots are taken once, under the session lock, so a
// resumed run sees the same inputs as the original attempt. The event
// is not persisted; the durable record is the resulting messages.
type Event struct {
	SessionID         string
	UserID            string
	MessageID         string
	Text              string
	SubmittedAt       time.Time
	History           []chat.Message
	Memory            memory.Memory
	SystemInstruction string
}

// Step names, in execution order.
const (
	StepAnalyze     = "analyze"
	StepMergeMemory = "merge_memory"
	StepRiskCheck   = "risk_check"
	StepGenerate    = "generate"
)

// Checkpoint records that a step of a run completed, along with its
// result. Read before executing a step on redelivery, never mutated
// after the step succeeds, discarded once the whole run completes.
type Checkpoint struct {
	RunID       string    `json:"runId"`
	Step        string    `json:"step"`
	Payload     []byte    `json:"payload"`
	CompletedAt time.Time `json:"completedAt"`
}
