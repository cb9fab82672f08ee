package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mindhaven/backend/internal/model/chat"
	"github.com/mindhaven/backend/internal/model/memory"
)

// Analyzer turns one user message into a structured analysis.
type Analyzer struct {
	provider Provider
	logger   *zap.Logger
}

// NewAnalyzer creates the analysis adapter.
func NewAnalyzer(provider Provider, logger *zap.Logger) *Analyzer {
	return &Analyzer{provider: provider, logger: logger}
}

// Analyze asks the provider for a structured assessment of the
// message. A provider fault is returned for the orchestrator to retry;
// output that cannot be parsed is substituted with the neutral default
// so a malformed analysis never blocks a reply.
func (a *Analyzer) Analyze(ctx context.Context, message string, mem memory.Memory) (chat.Analysis, error) {
	promptText := fmt.Sprintf("%s\n\nKnown state:\n%s\n\nUser message:\n%s",
		analysisInstruction, formatMemory(mem), strings.TrimSpace(message))

	content, err := a.provider.Generate(ctx, promptText)
	if err != nil {
		return chat.Analysis{}, err
	}

	analysis, err := parseAnalysis(content)
	if err != nil {
		a.logger.Warn("analysis output unparseable, using neutral default", zap.Error(err))
		return chat.NeutralAnalysis(), nil
	}
	return analysis, nil
}

// parseAnalysis extracts the JSON object from the completion. Models
// occasionally wrap the object in prose or code fences.
func parseAnalysis(content string) (chat.Analysis, error) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end <= start {
		return chat.Analysis{}, fmt.Errorf("missing json object")
	}

	var analysis chat.Analysis
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &analysis); err != nil {
		return chat.Analysis{}, err
	}

	if analysis.RiskLevel < 0 {
		analysis.RiskLevel = 0
	}
	if analysis.EmotionalState == "" {
		analysis.EmotionalState = "unknown"
	}
	if analysis.Themes == nil {
		analysis.Themes = []string{}
	}
	if analysis.ProgressIndicators == nil {
		analysis.ProgressIndicators = []string{}
	}
	return analysis, nil
}
