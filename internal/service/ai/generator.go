package ai

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mindhaven/backend/internal/model/chat"
	"github.com/mindhaven/backend/internal/model/memory"
)

// Generator produces the counselor's reply for one turn.
type Generator struct {
	provider     Provider
	historyLimit int
	logger       *zap.Logger
}

// NewGenerator creates the reply adapter. historyLimit bounds how many
// prior messages are included in the prompt.
func NewGenerator(provider Provider, historyLimit int, logger *zap.Logger) *Generator {
	if historyLimit <= 0 {
		historyLimit = 10
	}
	return &Generator{provider: provider, historyLimit: historyLimit, logger: logger}
}

// Reply generates the assistant response from the system instruction,
// the conversation so far, the turn's analysis and the updated memory.
// Provider faults are returned for the orchestrator to retry.
func (g *Generator) Reply(ctx context.Context, systemInstruction, message string, history []chat.Message, analysis chat.Analysis, mem memory.Memory) (string, error) {
	var b strings.Builder
	b.WriteString(systemInstruction)
	b.WriteString("\n\nWhat you know about the user:\n")
	b.WriteString(formatMemory(mem))
	fmt.Fprintf(&b, "\n\nThis turn's assessment: emotional state %q, risk level %d.",
		analysis.EmotionalState, analysis.RiskLevel)
	if analysis.RecommendedApproach != "" {
		fmt.Fprintf(&b, " Recommended approach: %s", analysis.RecommendedApproach)
	}
	b.WriteString("\n\nConversation so far:\n")
	b.WriteString(formatHistory(history, g.historyLimit))
	fmt.Fprintf(&b, "\n\nUser: %s\nCounselor:", strings.TrimSpace(message))

	content, err := g.provider.Generate(ctx, b.String())
	if err != nil {
		return "", err
	}

	reply := strings.TrimSpace(content)
	if reply == "" {
		g.logger.Warn("generation returned empty reply, serving fallback")
		return FallbackReply, nil
	}
	return reply, nil
}
