package notify

import (
	"context"

	"go.uber.org/zap"
)

// Event types passed to the notification dispatcher.
const (
	EventDispatchOffer   = "dispatch_offer"
	EventCheckMarkIssued = "check_mark_issued"
)

// Notifier is the hall's notification dispatcher. Delivery (SMS, email,
// push) lives outside this engine; the engine only reports what happened.
type Notifier interface {
	Notify(ctx context.Context, memberID int64, eventType string, payload map[string]any)
}

// LogNotifier records notification intents in the log. It stands in until a
// delivery backend is wired up by the surrounding system.
type LogNotifier struct {
	logger *zap.SugaredLogger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *zap.SugaredLogger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs the notification intent.
func (n *LogNotifier) Notify(_ context.Context, memberID int64, eventType string, payload map[string]any) {
	n.logger.Infow("notify", "member_id", memberID, "event", eventType, "payload", payload)
}
