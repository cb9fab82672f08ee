package ai

import (
	"fmt"
	"strings"

	"github.com/mindhaven/backend/internal/model/chat"
	"github.com/mindhaven/backend/internal/model/memory"
)

// CounselorSystemPrompt is the fixed system instruction carried by
// every workflow event.
const CounselorSystemPrompt = `You are an empathetic, supportive counselor. Listen carefully, ` +
	`validate the user's feelings, and respond with warmth in two to four sentences. ` +
	`Encourage healthy coping strategies. Never diagnose, never prescribe, and if the user ` +
	`appears to be in danger, gently encourage them to reach out to a crisis line or a ` +
	`trusted person. Stay focused on the user's words.`

// FallbackReply is served whenever reply generation fails. The user
// always receives a response for a valid, open, owned session.
const FallbackReply = "Thank you for sharing that with me. I'm here with you, and what " +
	"you're feeling matters. Would you like to tell me a bit more about what's on your mind?"

const analysisInstruction = `You are an analyst supporting a counseling service. Read the user's ` +
	`message and the known state below, then respond with a single JSON object and nothing else. ` +
	`Fields: emotionalState (short label), themes (array of short strings), riskLevel (integer 0-10, ` +
	`0 means no concern, 10 means immediate danger), recommendedApproach (one sentence), ` +
	`progressIndicators (array of short strings). Do not add any text outside the JSON object.`

func formatMemory(m memory.Memory) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current risk level: %d\n", m.Profile.RiskLevel)
	if n := len(m.Profile.EmotionalStates); n > 0 {
		start := 0
		if n > 5 {
			start = n - 5
		}
		fmt.Fprintf(&b, "Recent emotional states: %s\n", strings.Join(m.Profile.EmotionalStates[start:], ", "))
	}
	if len(m.Context.Themes) > 0 {
		fmt.Fprintf(&b, "Conversation themes so far: %s\n", strings.Join(m.Context.Themes, ", "))
	}
	if m.Context.ActiveTechnique != "" {
		fmt.Fprintf(&b, "Active technique: %s\n", m.Context.ActiveTechnique)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatHistory(messages []chat.Message, limit int) string {
	if len(messages) == 0 {
		return "No prior conversation."
	}
	if limit < 1 {
		limit = 1
	}
	start := len(messages) - limit
	if start < 0 {
		start = 0
	}

	var b strings.Builder
	for _, msg := range messages[start:] {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		role := "User"
		if msg.Role == chat.RoleAssistant {
			role = "Counselor"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, content)
	}
	if b.Len() == 0 {
		return "No prior conversation."
	}
	return strings.TrimRight(b.String(), "\n")
}
