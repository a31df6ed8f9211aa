// Package notify sends best-effort human-in-the-loop notifications when the
// controller escalates a job. Grounded on the slack-go/slack entry of
// SPEC_FULL.md §B: a failure to notify is logged and never changes the
// controller's exit code.
package notify

import (
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// Notifier posts HITL escalation messages to a Slack channel via an
// incoming webhook. A disabled Notifier (empty WebhookURL) is a safe no-op,
// so callers can construct one unconditionally from config.Slack.
type Notifier struct {
	WebhookURL string
	Channel    string
	Enabled    bool
	Log        *zap.Logger
}

func New(webhookURL, channel string, enabled bool, log *zap.Logger) *Notifier {
	return &Notifier{WebhookURL: webhookURL, Channel: channel, Enabled: enabled, Log: log}
}

// NotifyEscalation posts a message describing a FAIL_QUALITY escalation.
// Errors are logged at warn and swallowed: Slack outages must never affect
// the controller's terminal state or exit code (spec.md §7's propagation
// policy applies only to the pipeline's own error kinds, not this sidecar).
func (n *Notifier) NotifyEscalation(jobID, action, reason string) {
	if n == nil || !n.Enabled || n.WebhookURL == "" {
		return
	}
	msg := &slack.WebhookMessage{
		Channel: n.Channel,
		Text:    fmt.Sprintf(":rotating_light: job `%s` escalated to HITL: action=%s reason=%q", jobID, action, reason),
	}
	if err := slack.PostWebhook(n.WebhookURL, msg); err != nil {
		if n.Log != nil {
			n.Log.Warn("slack notification failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
}
