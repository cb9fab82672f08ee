// Package risk raises an alert when a turn's analyzed risk crosses the
// escalation threshold.
package risk

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Alert is the payload delivered to the notification channel.
type Alert struct {
	SessionID string    `json:"sessionId"`
	RiskLevel int       `json:"riskLevel"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// Notifier delivers an alert to an external channel (paging, human
// review queue). Delivery is fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// Monitor fires edge-triggered escalation alerts: only the transition
// into a threshold-exceeding state notifies, not every turn that stays
// above it. A turn that drops below and rises again re-arms the
// trigger.
type Monitor struct {
	threshold int
	notifier  Notifier
	logger    *zap.Logger
}

// NewMonitor creates a monitor with the given threshold.
func NewMonitor(threshold int, notifier Notifier, logger *zap.Logger) *Monitor {
	return &Monitor{threshold: threshold, notifier: notifier, logger: logger}
}

// Check notifies when current exceeds the threshold and prior did not.
// It reports whether a notification was attempted. Notification
// failures are logged and discarded; a missed alert is never resent
// and never fails the pipeline.
func (m *Monitor) Check(ctx context.Context, sessionID string, prior, current int, triggeringMessage string) bool {
	if current <= m.threshold || prior > m.threshold {
		return false
	}

	alert := Alert{
		SessionID: sessionID,
		RiskLevel: current,
		Message:   triggeringMessage,
		At:        time.Now().UTC(),
	}
	if err := m.notifier.Notify(ctx, alert); err != nil {
		m.logger.Error("risk notification failed, alert dropped",
			zap.String("sessionId", sessionID),
			zap.Int("riskLevel", current),
			zap.Error(err))
	}
	return true
}

// LogNotifier records alerts as structured log entries. It stands in
// for the external paging channel, which is out of scope.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates the default notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify writes the alert record.
func (n *LogNotifier) Notify(_ context.Context, alert Alert) error {
	n.logger.Warn("risk escalation",
		zap.String("sessionId", alert.SessionID),
		zap.Int("riskLevel", alert.RiskLevel),
		zap.String("message", alert.Message),
		zap.Time("at", alert.At))
	return nil
}
