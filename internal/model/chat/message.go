package chat

import "time"

// Roles a message can carry. An assistant message is always preceded by
// the user message that triggered it.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Analysis is the structured result of analyzing one user turn. The
// risk level is a snapshot of that turn, not a running aggregate.
type Analysis struct {
	EmotionalState      string   `json:"emotionalState"`
	Themes              []string `json:"themes"`
	RiskLevel           int      `json:"riskLevel"`
	RecommendedApproach string   `json:"recommendedApproach"`
	ProgressIndicators  []string `json:"progressIndicators"`
}

// NeutralAnalysis is the safety default substituted when the analysis
// provider returns output that cannot be parsed. Malformed analysis
// must never block a reply.
func NeutralAnalysis() Analysis {
	return Analysis{
		EmotionalState:     "unknown",
		Themes:             []string{},
		RiskLevel:          0,
		ProgressIndicators: []string{},
	}
}

// Message is a single turn in a session. Messages are never mutated or
// reordered after append. Analysis is set on assistant messages only.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Analysis  *Analysis `json:"analysis,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Exchange pairs a user message with the assistant message it produced.
type Exchange struct {
	User      Message `json:"user"`
	Assistant Message `json:"assistant"`
}
