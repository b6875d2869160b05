package notify

import (
	"log/slog"

	"github.com/slack-go/slack"
)

// slackSink posts announcements to a single incoming webhook. A zero-value
// sink (empty url) is a documented no-op so the Service can hold one
// unconditionally.
type slackSink struct {
	url    string
	logger *slog.Logger
}

func newSlackSink(url string, logger *slog.Logger) *slackSink {
	return &slackSink{url: url, logger: logger}
}

func (s *slackSink) enabled() bool { return s.url != "" }

func (s *slackSink) send(a announcement) {
	if !s.enabled() {
		return
	}
	msg := &slack.WebhookMessage{Text: formatSlackText(a)}
	if err := slack.PostWebhook(s.url, msg); err != nil {
		s.logger.Debug("notify: slack post failed", "err", err)
	}
}

func formatSlackText(a announcement) string {
	switch a.Type {
	case "review_ready":
		return "Review ready: " + a.Message
	case "waiting_input":
		return "Needs your input: " + a.Message
	case "context_low":
		return "Context running low: " + a.Message
	case "handoff_complete":
		return "Handoff complete: " + a.Message
	case "handoff_failed":
		return "Handoff failed: " + a.Message
	default:
		return a.Message
	}
}
