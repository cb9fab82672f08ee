package ai

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/mindhaven/backend/internal/model/memory"
)

type stubProvider struct {
	response string
	err      error
	calls    int
}

func (p *stubProvider) Generate(context.Context, string) (string, error) {
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	return p.response, nil
}

func TestAnalyzeParsesStructuredResult(t *testing.T) {
	provider := &stubProvider{response: `Here is the assessment:
{"emotionalState":"anxious","themes":["work","sleep"],"riskLevel":4,"recommendedApproach":"breathing exercise","progressIndicators":["opened up"]}`}
	analyzer := NewAnalyzer(provider, zap.NewNop())

	analysis, err := analyzer.Analyze(context.Background(), "I can't sleep before deadlines", memory.Empty())
	if err != nil {
		t.Fatalf("Analyze err: %v", err)
	}
	if analysis.EmotionalState != "anxious" {
		t.Fatalf("unexpected emotional state %q", analysis.EmotionalState)
	}
	if analysis.RiskLevel != 4 {
		t.Fatalf("unexpected risk level %d", analysis.RiskLevel)
	}
	if len(analysis.Themes) != 2 {
		t.Fatalf("unexpected themes %v", analysis.Themes)
	}
}

func TestAnalyzeMalformedOutputYieldsNeutralDefault(t *testing.T) {
	provider := &stubProvider{response: "I'm sorry, I can't produce JSON today."}
	analyzer := NewAnalyzer(provider, zap.NewNop())

	analysis, err := analyzer.Analyze(context.Background(), "hello", memory.Empty())
	if err != nil {
		t.Fatalf("malformed output must not fail the step: %v", err)
	}
	if analysis.EmotionalState != "unknown" || analysis.RiskLevel != 0 {
		t.Fatalf("expected neutral default, got %+v", analysis)
	}
	if analysis.Themes == nil || analysis.ProgressIndicators == nil {
		t.Fatalf("neutral default must carry empty slices, got %+v", analysis)
	}
}

func TestAnalyzeClampsNegativeRisk(t *testing.T) {
	provider := &stubProvider{response: `{"emotionalState":"flat","riskLevel":-3}`}
	analyzer := NewAnalyzer(provider, zap.NewNop())

	analysis, err := analyzer.Analyze(context.Background(), "meh", memory.Empty())
	if err != nil {
		t.Fatalf("Analyze err: %v", err)
	}
	if analysis.RiskLevel != 0 {
		t.Fatalf("expected clamped risk 0, got %d", analysis.RiskLevel)
	}
}

func TestAnalyzePropagatesProviderFault(t *testing.T) {
	provider := &stubProvider{err: &ProviderError{Reason: "unreachable"}}
	analyzer := NewAnalyzer(provider, zap.NewNop())

	if _, err := analyzer.Analyze(context.Background(), "hello", memory.Empty()); err == nil {
		t.Fatal("provider fault must surface for the orchestrator to retry")
	}
}
