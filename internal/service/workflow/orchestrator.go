// Package workflow runs the durable message-processing pipeline: one
// inbound message becomes one persisted exchange via four checkpointed
// steps (analyze, merge memory, risk check, generate reply).
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	modelchat "github.com/mindhaven/backend/internal/model/chat"
	modelmemory "github.com/mindhaven/backend/internal/model/memory"
	"github.com/mindhaven/backend/internal/model/workflow"
	"github.com/mindhaven/backend/internal/service/ai"
	chatservice "github.com/mindhaven/backend/internal/service/chat"
	memoryservice "github.com/mindhaven/backend/internal/service/memory"
	"github.com/mindhaven/backend/internal/service/risk"
	"github.com/mindhaven/backend/internal/store"
)

// Config tunes the orchestrator's retry and prompt behavior.
type Config struct {
	MaxAttempts       int
	CallTimeout       time.Duration
	BackoffBase       time.Duration
	HistoryLimit      int
	SystemInstruction string
}

// Orchestrator coordinates one pipeline run per inbound message. Runs
// for different sessions proceed concurrently; runs for the same
// session are serialized behind a per-session lock so the message log
// and memory have a single writer by construction.
type Orchestrator struct {
	sessions  *chatservice.Service
	memories  *memoryservice.Service
	analyzer  *ai.Analyzer
	generator *ai.Generator
	monitor   *risk.Monitor
	store     store.Store
	cfg       Config
	logger    *zap.Logger

	mu    sync.Mutex
	locks map[string]*sessionLock
}

// NewOrchestrator wires the pipeline's collaborators.
func NewOrchestrator(sessions *chatservice.Service, memories *memoryservice.Service, analyzer *ai.Analyzer, generator *ai.Generator, monitor *risk.Monitor, st store.Store, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	if cfg.SystemInstruction == "" {
		cfg.SystemInstruction = ai.CounselorSystemPrompt
	}
	return &Orchestrator{
		sessions:  sessions,
		memories:  memories,
		analyzer:  analyzer,
		generator: generator,
		monitor:   monitor,
		store:     st,
		cfg:       cfg,
		logger:    logger,
		locks:     make(map[string]*sessionLock),
	}
}

// analyzeResult is the checkpointed output of the analyze step. The
// pre-merge risk level rides along because once the merge step has
// persisted the new level, the store can no longer tell a resumed run
// what the level was before this turn.
type analyzeResult struct {
	Analysis       modelchat.Analysis `json:"analysis"`
	PriorRiskLevel int                `json:"priorRiskLevel"`
}

type riskResult struct {
	Notified bool `json:"notified"`
}

type generateResult struct {
	Reply string `json:"reply"`
}

// ProcessMessage executes the four checkpointed steps for one inbound
// message and appends the resulting exchange. Redelivering the same
// submission (same MessageID) after a crash resumes at the first
// incomplete step without re-invoking checkpointed external calls.
//
// The only errors surfaced to the caller are session-not-found,
// not-owner, session-closed and persistence failures (the memory save
// and the final append); adapter faults are absorbed by per-step
// fallbacks.
func (o *Orchestrator) ProcessMessage(ctx context.Context, sub workflow.Submission) (modelchat.Exchange, error) {
	if _, err := o.sessions.Authorize(ctx, sub.SessionID, sub.UserID); err != nil {
		return modelchat.Exchange{}, err
	}
	if sub.MessageID == "" {
		sub.MessageID = uuid.NewString()
	}

	lock := o.lockSession(sub.SessionID)
	defer o.unlockSession(sub.SessionID, lock)

	event, err := o.buildEvent(ctx, sub)
	if err != nil {
		return modelchat.Exchange{}, err
	}

	logger := o.logger.With(
		zap.String("runId", event.MessageID),
		zap.String("sessionId", event.SessionID))

	// Step 1: analyze. Provider faults retry; exhaustion or malformed
	// output degrades to the neutral default.
	var analyzed analyzeResult
	err = o.step(ctx, event.MessageID, workflow.StepAnalyze, &analyzed, func(ctx context.Context) error {
		analyzed.PriorRiskLevel = event.Memory.Profile.RiskLevel
		retryErr := withRetry(ctx, o.cfg.MaxAttempts, o.cfg.CallTimeout, o.cfg.BackoffBase, logger, workflow.StepAnalyze, func(ctx context.Context) error {
			result, genErr := o.analyzer.Analyze(ctx, event.Text, event.Memory)
			if genErr != nil {
				return genErr
			}
			analyzed.Analysis = result
			return nil
		})
		if retryErr != nil {
			logger.Warn("analysis unavailable, using neutral default", zap.Error(retryErr))
			analyzed.Analysis = modelchat.NeutralAnalysis()
		}
		return nil
	})
	if err != nil {
		return modelchat.Exchange{}, err
	}
	analysis := analyzed.Analysis

	// Step 2: merge memory. The fold is pure and checkpointed before the
	// save, so a resumed run overwrites the store with the checkpointed
	// state instead of folding the analysis in a second time.
	var merged modelmemory.Memory
	err = o.step(ctx, event.MessageID, workflow.StepMergeMemory, &merged, func(ctx context.Context) error {
		merged = event.Memory.Merge(analysis)
		return nil
	})
	if err != nil {
		return modelchat.Exchange{}, err
	}
	if err := o.memories.Save(ctx, event.UserID, event.SessionID, merged); err != nil {
		return modelchat.Exchange{}, err
	}

	// Step 3: risk check. The prior level comes from the analyze
	// checkpoint, not from the store: after a crash between merge and
	// here, the store already holds the merged level and comparing
	// against it would suppress the alert. Checkpointing keeps the
	// notification at-most-once across redeliveries.
	var riskRes riskResult
	err = o.step(ctx, event.MessageID, workflow.StepRiskCheck, &riskRes, func(ctx context.Context) error {
		riskRes.Notified = o.monitor.Check(ctx, event.SessionID, analyzed.PriorRiskLevel, analysis.RiskLevel, event.Text)
		return nil
	})
	if err != nil {
		return modelchat.Exchange{}, err
	}

	// Step 4: generate reply, falling back to the supportive default.
	var genRes generateResult
	err = o.step(ctx, event.MessageID, workflow.StepGenerate, &genRes, func(ctx context.Context) error {
		retryErr := withRetry(ctx, o.cfg.MaxAttempts, o.cfg.CallTimeout, o.cfg.BackoffBase, logger, workflow.StepGenerate, func(ctx context.Context) error {
			reply, genErr := o.generator.Reply(ctx, event.SystemInstruction, event.Text, event.History, analysis, merged)
			if genErr != nil {
				return genErr
			}
			genRes.Reply = reply
			return nil
		})
		if retryErr != nil {
			logger.Warn("generation unavailable, serving fallback reply", zap.Error(retryErr))
			genRes.Reply = ai.FallbackReply
		}
		return nil
	})
	if err != nil {
		return modelchat.Exchange{}, err
	}

	exchange, err := o.finalize(ctx, event, analysis, genRes.Reply)
	if err != nil {
		return modelchat.Exchange{}, err
	}

	// The run is durable in the message log now; its checkpoints are
	// no longer needed.
	if err := o.store.DeleteCheckpoints(ctx, event.MessageID); err != nil {
		logger.Warn("failed to discard checkpoints", zap.Error(err))
	}

	logger.Info("exchange completed",
		zap.Int("riskLevel", analysis.RiskLevel),
		zap.Bool("escalated", riskRes.Notified))
	return exchange, nil
}

// buildEvent snapshots history and memory under the session lock.
func (o *Orchestrator) buildEvent(ctx context.Context, sub workflow.Submission) (workflow.Event, error) {
	history, err := o.sessions.History(ctx, sub.SessionID)
	if err != nil {
		return workflow.Event{}, fmt.Errorf("snapshot history: %w", err)
	}
	mem, err := o.memories.Load(ctx, sub.UserID, sub.SessionID)
	if err != nil {
		return workflow.Event{}, err
	}

	return workflow.Event{
		SessionID:         sub.SessionID,
		UserID:            sub.UserID,
		MessageID:         sub.MessageID,
		Text:              sub.Text,
		SubmittedAt:       time.Now().UTC(),
		History:           history,
		Memory:            mem,
		SystemInstruction: o.cfg.SystemInstruction,
	}, nil
}

// step executes one checkpointed unit: a completed step is replayed
// from its stored result instead of re-running.
func (o *Orchestrator) step(ctx context.Context, runID, name string, result any, run func(context.Context) error) error {
	cp, err := o.store.GetCheckpoint(ctx, runID, name)
	if err != nil {
		return fmt.Errorf("read checkpoint %s: %w", name, err)
	}
	if cp != nil {
		if err := json.Unmarshal(cp.Payload, result); err != nil {
			return fmt.Errorf("replay checkpoint %s: %w", name, err)
		}
		return nil
	}

	if err := run(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal checkpoint %s: %w", name, err)
	}
	return o.store.PutCheckpoint(ctx, workflow.Checkpoint{
		RunID:       runID,
		Step:        name,
		Payload:     payload,
		CompletedAt: time.Now().UTC(),
	})
}

// finalize appends the exchange atomically. A persistence failure here
// is fatal to the run: silently dropping a completed analysis and
// reply would corrupt the conversation log.
func (o *Orchestrator) finalize(ctx context.Context, event workflow.Event, analysis modelchat.Analysis, reply string) (modelchat.Exchange, error) {
	userMsg := modelchat.Message{
		ID:        event.MessageID,
		SessionID: event.SessionID,
		Role:      modelchat.RoleUser,
		Content:   event.Text,
		CreatedAt: event.SubmittedAt,
	}
	assistantMsg := modelchat.Message{
		ID:        uuid.NewString(),
		SessionID: event.SessionID,
		Role:      modelchat.RoleAssistant,
		Content:   reply,
		Analysis:  &analysis,
		CreatedAt: time.Now().UTC(),
	}

	if err := o.sessions.AppendExchange(ctx, event.SessionID, userMsg, assistantMsg); err != nil {
		return modelchat.Exchange{}, fmt.Errorf("persist exchange: %w", err)
	}

	// The append is a no-op when an earlier delivery already completed
	// the run, so read the durable pair back rather than returning
	// freshly minted messages.
	history, err := o.sessions.History(ctx, event.SessionID)
	if err != nil {
		return modelchat.Exchange{}, fmt.Errorf("read back exchange: %w", err)
	}
	for i := len(history) - 1; i >= 1; i-- {
		if history[i-1].ID == event.MessageID {
			return modelchat.Exchange{User: history[i-1], Assistant: history[i]}, nil
		}
	}
	return modelchat.Exchange{}, fmt.Errorf("persisted exchange missing for message %s", event.MessageID)
}

// sessionLock is a reference-counted per-session mutex. The entry is
// removed when the last holder releases it, so the map tracks only
// sessions with a run in flight, not every session ever seen.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func (o *Orchestrator) lockSession(sessionID string) *sessionLock {
	o.mu.Lock()
	lock, ok := o.locks[sessionID]
	if !ok {
		lock = &sessionLock{}
		o.locks[sessionID] = lock
	}
	lock.refs++
	o.mu.Unlock()

	lock.mu.Lock()
	return lock
}

func (o *Orchestrator) unlockSession(sessionID string, lock *sessionLock) {
	lock.mu.Unlock()

	o.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(o.locks, sessionID)
	}
	o.mu.Unlock()
}
