package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

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

// scriptProvider returns its responses in order, then repeats the last
// one. It counts calls so tests can assert what was (not) re-invoked.
type scriptProvider struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     int
}

func (p *scriptProvider) Generate(context.Context, string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	idx := p.calls - 1
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	return p.responses[idx], nil
}

func (p *scriptProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type countingNotifier struct {
	mu    sync.Mutex
	calls int
}

func (n *countingNotifier) Notify(context.Context, risk.Alert) error {
	n.mu.Lock()
	n.calls++
	n.mu.Unlock()
	return nil
}

func (n *countingNotifier) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

func analysisJSON(state string, level int, themes ...string) string {
	payload := modelchat.Analysis{
		EmotionalState:     state,
		Themes:             themes,
		RiskLevel:          level,
		ProgressIndicators: []string{},
	}
	raw, _ := json.Marshal(payload)
	return string(raw)
}

func seedCheckpoints(t *testing.T, st *store.MemoryStore, runID string, steps map[string]any) {
	t.Helper()
	for step, payload := range steps {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal %s: %v", step, err)
		}
		if err := st.PutCheckpoint(context.Background(), workflow.Checkpoint{
			RunID: runID, Step: step, Payload: raw, CompletedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("PutCheckpoint %s: %v", step, err)
		}
	}
}

type fixture struct {
	orchestrator *Orchestrator
	sessions     *chatservice.Service
	store        *store.MemoryStore
	notifier     *countingNotifier
}

func newFixture(t *testing.T, analysisProv, replyProv ai.Provider) *fixture {
	t.Helper()
	logger := zap.NewNop()
	st := store.NewMemory()
	sessions := chatservice.NewService(st, logger)
	memories := memoryservice.NewService(st)
	notifier := &countingNotifier{}
	monitor := risk.NewMonitor(5, notifier, logger)

	orch := NewOrchestrator(sessions, memories,
		ai.NewAnalyzer(analysisProv, logger),
		ai.NewGenerator(replyProv, 10, logger),
		monitor, st,
		Config{MaxAttempts: 2, CallTimeout: time.Second, BackoffBase: time.Millisecond},
		logger)

	return &fixture{orchestrator: orch, sessions: sessions, store: st, notifier: notifier}
}

func (f *fixture) createSession(t *testing.T, userID string) modelchat.Session {
	t.Helper()
	session, err := f.sessions.CreateSession(context.Background(), userID)
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}
	return session
}

func TestProcessMessageFirstExchange(t *testing.T) {
	analysisProv := &scriptProvider{responses: []string{analysisJSON("anxious", 2, "anxiety")}}
	replyProv := &scriptProvider{responses: []string{"It makes sense to feel that way before a big day."}}
	f := newFixture(t, analysisProv, replyProv)
	ctx := context.Background()

	session := f.createSession(t, "user-1")
	before := session.UpdatedAt
	time.Sleep(time.Millisecond)

	exchange, err := f.orchestrator.ProcessMessage(ctx, workflow.Submission{
		SessionID: session.ID,
		UserID:    "user-1",
		Text:      "I feel anxious today",
	})
	if err != nil {
		t.Fatalf("ProcessMessage err: %v", err)
	}

	if exchange.User.Content != "I feel anxious today" || exchange.User.Role != modelchat.RoleUser {
		t.Fatalf("unexpected user message %+v", exchange.User)
	}
	if exchange.Assistant.Content == "" || exchange.Assistant.Role != modelchat.RoleAssistant {
		t.Fatalf("unexpected assistant message %+v", exchange.Assistant)
	}
	if exchange.Assistant.Analysis == nil || exchange.Assistant.Analysis.RiskLevel < 0 {
		t.Fatalf("assistant message must carry the analysis, got %+v", exchange.Assistant.Analysis)
	}

	history, err := f.sessions.History(ctx, session.ID)
	if err != nil {
		t.Fatalf("History err: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(history))
	}

	updated, err := f.store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession err: %v", err)
	}
	if !updated.UpdatedAt.After(before) {
		t.Fatalf("UpdatedAt not advanced: before=%v after=%v", before, updated.UpdatedAt)
	}
}

func TestHistoryAlternatesAcrossExchanges(t *testing.T) {
	analysisProv := &scriptProvider{responses: []string{analysisJSON("steady", 1)}}
	replyProv := &scriptProvider{responses: []string{"Tell me more."}}
	f := newFixture(t, analysisProv, replyProv)
	ctx := context.Background()

	session := f.createSession(t, "user-1")
	for i := 0; i < 3; i++ {
		if _, err := f.orchestrator.ProcessMessage(ctx, workflow.Submission{
			SessionID: session.ID,
			UserID:    "user-1",
			Text:      fmt.Sprintf("message %d", i),
		}); err != nil {
			t.Fatalf("ProcessMessage %d err: %v", i, err)
		}
	}

	history, err := f.sessions.History(ctx, session.ID)
	if err != nil {
		t.Fatalf("History err: %v", err)
	}
	if len(history) != 6 {
		t.Fatalf("expected 6 messages after 3 exchanges, got %d", len(history))
	}
	for i, msg := range history {
		want := modelchat.RoleUser
		if i%2 == 1 {
			want = modelchat.RoleAssistant
		}
		if msg.Role != want {
			t.Fatalf("message %d: expected role %s, got %s", i, want, msg.Role)
		}
		if i > 0 && history[i].CreatedAt.Before(history[i-1].CreatedAt) {
			t.Fatalf("messages out of chronological order at %d", i)
		}
	}
}

func TestOwnershipViolationRejectedWithoutMutation(t *testing.T) {
	analysisProv := &scriptProvider{responses: []string{analysisJSON("calm", 0)}}
	replyProv := &scriptProvider{responses: []string{"Hello."}}
	f := newFixture(t, analysisProv, replyProv)
	ctx := context.Background()

	session := f.createSession(t, "user-1")

	_, err := f.orchestrator.ProcessMessage(ctx, workflow.Submission{
		SessionID: session.ID,
		UserID:    "intruder",
		Text:      "let me in",
	})
	if !errors.Is(err, chatservice.ErrNotSessionOwner) {
		t.Fatalf("expected ErrNotSessionOwner, got %v", err)
	}

	history, err := f.sessions.History(ctx, session.ID)
	if err != nil {
		t.Fatalf("History err: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("rejected run must not mutate the log, got %d messages", len(history))
	}
	if analysisProv.callCount() != 0 || replyProv.callCount() != 0 {
		t.Fatal("rejected run must not reach the providers")
	}
}

func TestClosedSessionRejected(t *testing.T) {
	analysisProv := &scriptProvider{responses: []string{analysisJSON("calm", 0)}}
	replyProv := &scriptProvider{responses: []string{"Hello."}}
	f := newFixture(t, analysisProv, replyProv)
	ctx := context.Background()

	session := f.createSession(t, "user-1")
	if err := f.sessions.Close(ctx, session.ID); err != nil {
		t.Fatalf("Close err: %v", err)
	}

	_, err := f.orchestrator.ProcessMessage(ctx, workflow.Submission{
		SessionID: session.ID,
		UserID:    "user-1",
		Text:      "anyone there?",
	})
	if !errors.Is(err, chatservice.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestMalformedAnalysisStillProducesExchange(t *testing.T) {
	analysisProv := &scriptProvider{responses: []string{"sorry, no JSON from me"}}
	replyProv := &scriptProvider{responses: []string{"I'm listening."}}
	f := newFixture(t, analysisProv, replyProv)
	ctx := context.Background()

	session := f.createSession(t, "user-1")
	exchange, err := f.orchestrator.ProcessMessage(ctx, workflow.Submission{
		SessionID: session.ID,
		UserID:    "user-1",
		Text:      "hi",
	})
	if err != nil {
		t.Fatalf("ProcessMessage err: %v", err)
	}

	neutral := modelchat.NeutralAnalysis()
	if !reflect.DeepEqual(*exchange.Assistant.Analysis, neutral) {
		t.Fatalf("expected neutral default analysis, got %+v", exchange.Assistant.Analysis)
	}

	history, err := f.sessions.History(ctx, session.ID)
	if err != nil {
		t.Fatalf("History err: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("run must complete despite malformed analysis, got %d messages", len(history))
	}
}

func TestGenerationFailureServesFallback(t *testing.T) {
	analysisProv := &scriptProvider{responses: []string{analysisJSON("low", 1)}}
	replyProv := &scriptProvider{err: &ai.ProviderError{Reason: "provider unavailable"}}
	f := newFixture(t, analysisProv, replyProv)
	ctx := context.Background()

	session := f.createSession(t, "user-1")
	exchange, err := f.orchestrator.ProcessMessage(ctx, workflow.Submission{
		SessionID: session.ID,
		UserID:    "user-1",
		Text:      "rough week",
	})
	if err != nil {
		t.Fatalf("ProcessMessage err: %v", err)
	}

	if exchange.Assistant.Content != ai.FallbackReply {
		t.Fatalf("expected fallback reply, got %q", exchange.Assistant.Content)
	}
	// MaxAttempts is 2 in the fixture.
	if replyProv.callCount() != 2 {
		t.Fatalf("expected 2 generation attempts, got %d", replyProv.callCount())
	}
}

func TestAnalysisOutageDegradesToNeutral(t *testing.T) {
	analysisProv := &scriptProvider{err: &ai.ProviderError{Reason: "timeout"}}
	replyProv := &scriptProvider{responses: []string{"Take a slow breath with me."}}
	f := newFixture(t, analysisProv, replyProv)
	ctx := context.Background()

	session := f.createSession(t, "user-1")
	exchange, err := f.orchestrator.ProcessMessage(ctx, workflow.Submission{
		SessionID: session.ID,
		UserID:    "user-1",
		Text:      "hello?",
	})
	if err != nil {
		t.Fatalf("ProcessMessage err: %v", err)
	}
	if exchange.Assistant.Analysis.EmotionalState != "unknown" {
		t.Fatalf("expected neutral default after retry exhaustion, got %+v", exchange.Assistant.Analysis)
	}
	if exchange.Assistant.Content == "" {
		t.Fatal("user must still receive a reply")
	}
}

func TestRiskEdgeTriggeringAcrossTurns(t *testing.T) {
	levels := []int{1, 6, 7, 2, 8}
	responses := make([]string, len(levels))
	for i, level := range levels {
		responses[i] = analysisJSON("varies", level)
	}
	analysisProv := &scriptProvider{responses: responses}
	replyProv := &scriptProvider{responses: []string{"I hear you."}}
	f := newFixture(t, analysisProv, replyProv)
	ctx := context.Background()

	session := f.createSession(t, "user-1")
	for i := range levels {
		if _, err := f.orchestrator.ProcessMessage(ctx, workflow.Submission{
			SessionID: session.ID,
			UserID:    "user-1",
			Text:      fmt.Sprintf("turn %d", i),
		}); err != nil {
			t.Fatalf("ProcessMessage %d err: %v", i, err)
		}
	}

	// Fires at 1->6 and 2->8; staying above the threshold does not
	// re-notify, dropping below re-arms the trigger.
	if f.notifier.callCount() != 2 {
		t.Fatalf("expected 2 escalations, got %d", f.notifier.callCount())
	}
}

func TestRedeliveryResumesWithoutReinvokingAnalysis(t *testing.T) {
	analysis := modelchat.Analysis{
		EmotionalState:      "anxious",
		Themes:              []string{"work"},
		RiskLevel:           2,
		RecommendedApproach: "grounding",
		ProgressIndicators:  []string{},
	}
	analysisRaw, err := json.Marshal(analysis)
	if err != nil {
		t.Fatalf("marshal analysis: %v", err)
	}

	// Uninterrupted reference run.
	refAnalysisProv := &scriptProvider{responses: []string{string(analysisRaw)}}
	refReplyProv := &scriptProvider{responses: []string{"You're carrying a lot."}}
	ref := newFixture(t, refAnalysisProv, refReplyProv)
	ctx := context.Background()
	refSession := ref.createSession(t, "user-1")
	if _, err := ref.orchestrator.ProcessMessage(ctx, workflow.Submission{
		SessionID: refSession.ID, UserID: "user-1", MessageID: "msg-1", Text: "work is too much",
	}); err != nil {
		t.Fatalf("reference run err: %v", err)
	}
	refMemory, err := ref.store.LoadMemory(ctx, "user-1", refSession.ID)
	if err != nil {
		t.Fatalf("LoadMemory err: %v", err)
	}

	// Crashed run: steps 1 and 2 completed (checkpoints written, memory
	// saved), then the process died before the risk check.
	analysisProv := &scriptProvider{responses: []string{string(analysisRaw)}}
	replyProv := &scriptProvider{responses: []string{"You're carrying a lot."}}
	f := newFixture(t, analysisProv, replyProv)
	session := f.createSession(t, "user-1")

	merged := modelmemory.Empty().Merge(analysis)
	if err := f.store.SaveMemory(ctx, "user-1", session.ID, merged); err != nil {
		t.Fatalf("SaveMemory err: %v", err)
	}
	seedCheckpoints(t, f.store, "msg-1", map[string]any{
		workflow.StepAnalyze:     analyzeResult{Analysis: analysis},
		workflow.StepMergeMemory: merged,
	})

	exchange, err := f.orchestrator.ProcessMessage(ctx, workflow.Submission{
		SessionID: session.ID, UserID: "user-1", MessageID: "msg-1", Text: "work is too much",
	})
	if err != nil {
		t.Fatalf("resumed run err: %v", err)
	}

	if analysisProv.callCount() != 0 {
		t.Fatalf("resumed run must not re-invoke analysis, got %d calls", analysisProv.callCount())
	}
	if replyProv.callCount() != 1 {
		t.Fatalf("expected exactly one generation call, got %d", replyProv.callCount())
	}
	if !reflect.DeepEqual(*exchange.Assistant.Analysis, analysis) {
		t.Fatalf("resumed run must reuse the checkpointed analysis, got %+v", exchange.Assistant.Analysis)
	}

	finalMemory, err := f.store.LoadMemory(ctx, "user-1", session.ID)
	if err != nil {
		t.Fatalf("LoadMemory err: %v", err)
	}
	if !reflect.DeepEqual(finalMemory, refMemory) {
		t.Fatalf("resumed memory %+v differs from uninterrupted run %+v", finalMemory, refMemory)
	}

	history, err := f.sessions.History(ctx, session.ID)
	if err != nil {
		t.Fatalf("History err: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected the exchange to be persisted once, got %d messages", len(history))
	}
}

func TestCheckpointsDiscardedAfterCompletion(t *testing.T) {
	analysisProv := &scriptProvider{responses: []string{analysisJSON("fine", 0)}}
	replyProv := &scriptProvider{responses: []string{"Glad to hear it."}}
	f := newFixture(t, analysisProv, replyProv)
	ctx := context.Background()

	session := f.createSession(t, "user-1")
	if _, err := f.orchestrator.ProcessMessage(ctx, workflow.Submission{
		SessionID: session.ID, UserID: "user-1", MessageID: "msg-9", Text: "doing okay",
	}); err != nil {
		t.Fatalf("ProcessMessage err: %v", err)
	}

	for _, step := range []string{workflow.StepAnalyze, workflow.StepMergeMemory, workflow.StepRiskCheck, workflow.StepGenerate} {
		cp, err := f.store.GetCheckpoint(ctx, "msg-9", step)
		if err != nil {
			t.Fatalf("GetCheckpoint err: %v", err)
		}
		if cp != nil {
			t.Fatalf("checkpoint %s should be discarded after completion", step)
		}
	}
}

func TestRedeliveryAfterCompletionDoesNotDuplicate(t *testing.T) {
	analysisProv := &scriptProvider{responses: []string{analysisJSON("fine", 0)}}
	replyProv := &scriptProvider{responses: []string{"Glad to hear it."}}
	f := newFixture(t, analysisProv, replyProv)
	ctx := context.Background()

	session := f.createSession(t, "user-1")
	sub := workflow.Submission{SessionID: session.ID, UserID: "user-1", MessageID: "msg-2", Text: "all good"}

	first, err := f.orchestrator.ProcessMessage(ctx, sub)
	if err != nil {
		t.Fatalf("first delivery err: %v", err)
	}
	second, err := f.orchestrator.ProcessMessage(ctx, sub)
	if err != nil {
		t.Fatalf("second delivery err: %v", err)
	}

	if second.Assistant.ID != first.Assistant.ID {
		t.Fatalf("redelivery must return the stored assistant message, got %s want %s",
			second.Assistant.ID, first.Assistant.ID)
	}
	if !second.Assistant.CreatedAt.Equal(first.Assistant.CreatedAt) {
		t.Fatalf("redelivery must not mint a new assistant message: %v vs %v",
			second.Assistant.CreatedAt, first.Assistant.CreatedAt)
	}

	history, err := f.sessions.History(ctx, session.ID)
	if err != nil {
		t.Fatalf("History err: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("redelivery of a completed run must not duplicate, got %d messages", len(history))
	}
}

func TestResumedRunStillFiresEscalation(t *testing.T) {
	analysis := modelchat.Analysis{
		EmotionalState:     "distressed",
		Themes:             []string{},
		RiskLevel:          6,
		ProgressIndicators: []string{},
	}
	analysisProv := &scriptProvider{responses: []string{"unused"}}
	replyProv := &scriptProvider{responses: []string{"I'm here with you."}}
	f := newFixture(t, analysisProv, replyProv)
	ctx := context.Background()
	session := f.createSession(t, "user-1")

	// Crash window: analyze and merge completed, merged memory saved,
	// risk check never ran. The stored memory already carries the new
	// level, so only the checkpointed prior can reveal the crossing.
	prior := modelmemory.Empty().Merge(modelchat.Analysis{EmotionalState: "tense", RiskLevel: 1})
	merged := prior.Merge(analysis)
	if err := f.store.SaveMemory(ctx, "user-1", session.ID, merged); err != nil {
		t.Fatalf("SaveMemory err: %v", err)
	}
	seedCheckpoints(t, f.store, "msg-7", map[string]any{
		workflow.StepAnalyze:     analyzeResult{Analysis: analysis, PriorRiskLevel: 1},
		workflow.StepMergeMemory: merged,
	})

	if _, err := f.orchestrator.ProcessMessage(ctx, workflow.Submission{
		SessionID: session.ID, UserID: "user-1", MessageID: "msg-7", Text: "it's getting worse",
	}); err != nil {
		t.Fatalf("resumed run err: %v", err)
	}

	if f.notifier.callCount() != 1 {
		t.Fatalf("crossing 1->6 must still notify on resume, got %d notifications", f.notifier.callCount())
	}
	if analysisProv.callCount() != 0 {
		t.Fatalf("resumed run must not re-invoke analysis, got %d calls", analysisProv.callCount())
	}
}

func TestMergeReplayDoesNotReapplyAnalysis(t *testing.T) {
	analysis := modelchat.Analysis{
		EmotionalState:     "distressed",
		Themes:             []string{"work"},
		RiskLevel:          6,
		ProgressIndicators: []string{},
	}
	prior := modelmemory.Empty().Merge(modelchat.Analysis{EmotionalState: "tense", RiskLevel: 1})
	merged := prior.Merge(analysis)
	ctx := context.Background()

	// Crash after the merged memory was saved: the replay must overwrite
	// with the checkpointed state, not fold the analysis in again.
	f := newFixture(t,
		&scriptProvider{responses: []string{"unused"}},
		&scriptProvider{responses: []string{"I hear you."}})
	session := f.createSession(t, "user-1")
	if err := f.store.SaveMemory(ctx, "user-1", session.ID, merged); err != nil {
		t.Fatalf("SaveMemory err: %v", err)
	}
	seedCheckpoints(t, f.store, "msg-3", map[string]any{
		workflow.StepAnalyze:     analyzeResult{Analysis: analysis, PriorRiskLevel: 1},
		workflow.StepMergeMemory: merged,
	})
	if _, err := f.orchestrator.ProcessMessage(ctx, workflow.Submission{
		SessionID: session.ID, UserID: "user-1", MessageID: "msg-3", Text: "still struggling",
	}); err != nil {
		t.Fatalf("resumed run err: %v", err)
	}
	got, err := f.store.LoadMemory(ctx, "user-1", session.ID)
	if err != nil {
		t.Fatalf("LoadMemory err: %v", err)
	}
	if !reflect.DeepEqual(got, merged) {
		t.Fatalf("replay duplicated observations: got %+v want %+v", got, merged)
	}

	// Crash after the merge checkpoint but before the save: the replay
	// must still persist the merged state.
	f2 := newFixture(t,
		&scriptProvider{responses: []string{"unused"}},
		&scriptProvider{responses: []string{"I hear you."}})
	session2 := f2.createSession(t, "user-1")
	seedCheckpoints(t, f2.store, "msg-4", map[string]any{
		workflow.StepAnalyze:     analyzeResult{Analysis: analysis, PriorRiskLevel: 0},
		workflow.StepMergeMemory: merged,
	})
	if _, err := f2.orchestrator.ProcessMessage(ctx, workflow.Submission{
		SessionID: session2.ID, UserID: "user-1", MessageID: "msg-4", Text: "still struggling",
	}); err != nil {
		t.Fatalf("resumed run err: %v", err)
	}
	got2, err := f2.store.LoadMemory(ctx, "user-1", session2.ID)
	if err != nil {
		t.Fatalf("LoadMemory err: %v", err)
	}
	if !reflect.DeepEqual(got2, merged) {
		t.Fatalf("replay must persist the checkpointed merge: got %+v want %+v", got2, merged)
	}
}

func TestSessionLocksReleasedAfterRuns(t *testing.T) {
	analysisProv := &scriptProvider{responses: []string{analysisJSON("fine", 0)}}
	replyProv := &scriptProvider{responses: []string{"Glad to hear it."}}
	f := newFixture(t, analysisProv, replyProv)
	ctx := context.Background()

	sessions := []modelchat.Session{
		f.createSession(t, "user-1"),
		f.createSession(t, "user-2"),
	}

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session := sessions[i%2]
			if _, err := f.orchestrator.ProcessMessage(ctx, workflow.Submission{
				SessionID: session.ID, UserID: session.UserID, Text: fmt.Sprintf("turn %d", i),
			}); err != nil {
				t.Errorf("ProcessMessage %d err: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	f.orchestrator.mu.Lock()
	retained := len(f.orchestrator.locks)
	f.orchestrator.mu.Unlock()
	if retained != 0 {
		t.Fatalf("expected all session locks released, %d retained", retained)
	}
}
