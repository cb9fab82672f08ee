// Package memory holds the accumulating state the counselor keeps about
// a user and a session. The workflow orchestrator is the only writer.
package memory

import "github.com/mindhaven/backend/internal/model/chat"

// maxEmotionalStates bounds the per-user observation window so the
// profile stays loadable on every turn.
const maxEmotionalStates = 50

// UserProfile lives as long as the user's account.
type UserProfile struct {
	EmotionalStates []string          `json:"emotionalState"`
	RiskLevel       int               `json:"riskLevel"`
	Preferences     map[string]string `json:"preferences"`
}

// SessionContext lives as long as one session.
type SessionContext struct {
	Themes          []string `json:"themes"`
	ActiveTechnique string   `json:"activeTechnique,omitempty"`
}

// Memory is the combined per-user and per-session state.
type Memory struct {
	Profile UserProfile    `json:"userProfile"`
	Context SessionContext `json:"sessionContext"`
}

// Empty returns the default memory for a user who has no history yet.
func Empty() Memory {
	return Memory{
		Profile: UserProfile{
			EmotionalStates: []string{},
			RiskLevel:       0,
			Preferences:     map[string]string{},
		},
		Context: SessionContext{
			Themes: []string{},
		},
	}
}

// Merge folds one turn's analysis into the memory and returns the
// result. The receiver is not modified, so re-running the fold on the
// same snapshot always yields the same state:
//   - emotional state is appended to the profile history (bounded window)
//   - themes are appended to the session context, de-duplicated
//   - risk level is overwritten, last write wins
//   - the recommended approach becomes the active technique when present
func (m Memory) Merge(a chat.Analysis) Memory {
	merged := Memory{
		Profile: UserProfile{
			EmotionalStates: append([]string{}, m.Profile.EmotionalStates...),
			RiskLevel:       a.RiskLevel,
			Preferences:     map[string]string{},
		},
		Context: SessionContext{
			Themes:          append([]string{}, m.Context.Themes...),
			ActiveTechnique: m.Context.ActiveTechnique,
		},
	}
	for k, v := range m.Profile.Preferences {
		merged.Profile.Preferences[k] = v
	}

	if a.EmotionalState != "" {
		merged.Profile.EmotionalStates = append(merged.Profile.EmotionalStates, a.EmotionalState)
		if n := len(merged.Profile.EmotionalStates); n > maxEmotionalStates {
			merged.Profile.EmotionalStates = merged.Profile.EmotionalStates[n-maxEmotionalStates:]
		}
	}

	seen := make(map[string]struct{}, len(merged.Context.Themes))
	for _, theme := range merged.Context.Themes {
		seen[theme] = struct{}{}
	}
	for _, theme := range a.Themes {
		if theme == "" {
			continue
		}
		if _, ok := seen[theme]; ok {
			continue
		}
		seen[theme] = struct{}{}
		merged.Context.Themes = append(merged.Context.Themes, theme)
	}

	if a.RecommendedApproach != "" {
		merged.Context.ActiveTechnique = a.RecommendedApproach
	}

	return merged
}
