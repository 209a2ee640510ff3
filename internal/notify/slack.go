package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/promptpilot/promptpilot/internal/config"
)

// SlackSink posts events to a Slack incoming webhook.
type SlackSink struct {
	webhookURL string
	channel    string
	filter     *Filter
	client     *http.Client
}

// NewSlackSink creates a Slack sink from config.
func NewSlackSink(cfg config.SlackSinkConfig, filter *Filter) *SlackSink {
	return &SlackSink{
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		filter:     filter,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackSink) Name() string { return "slack" }

func (s *SlackSink) Filter() *Filter { return s.filter }

// Deliver posts the event to Slack as a colored attachment.
func (s *SlackSink) Deliver(e Event) error {
	payload := map[string]interface{}{
		"channel": s.channel,
		"attachments": []map[string]interface{}{
			{
				"color":  severityColor(e.Severity),
				"title":  fmt.Sprintf("%s PromptPilot: %s", severityEmoji(e.Severity), e.Title),
				"text":   e.Message,
				"fields": buildSlackFields(e),
				"ts":     e.Timestamp.Unix(),
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to send slack webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}

func buildSlackFields(e Event) []map[string]interface{} {
	fields := []map[string]interface{}{
		{"title": "Event", "value": string(e.Type), "short": true},
		{"title": "Severity", "value": e.Severity, "short": true},
	}
	if e.AgentID != "" {
		fields = append(fields, map[string]interface{}{"title": "Agent", "value": e.AgentID, "short": true})
	}
	if v, ok := e.Details["versionId"].(string); ok && v != "" {
		fields = append(fields, map[string]interface{}{"title": "Version", "value": v, "short": true})
	}
	if d, ok := e.Details["deploymentId"].(string); ok && d != "" {
		fields = append(fields, map[string]interface{}{"title": "Deployment", "value": d, "short": true})
	}
	return fields
}

func severityEmoji(severity string) string {
	switch severity {
	case "critical":
		return "🔴"
	case "warning":
		return "🟡"
	default:
		return "🔵"
	}
}

func severityColor(severity string) string {
	switch severity {
	case "critical":
		return "#dc3545"
	case "warning":
		return "#ffc107"
	default:
		return "#17a2b8"
	}
}
