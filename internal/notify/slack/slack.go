// Package slack posts analyzed triggers to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/tripwire/internal/trigger"
)

const (
	maxAnalysisLen = 3000
	httpTimeout    = 10 * time.Second
)

// Notifier sends terminal trigger outcomes to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Notify is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// Notify posts t to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Notify(ctx context.Context, t *trigger.Trigger) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(t))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	n.logger.Info(ctx, "slack notification sent", "trigger_id", t.ID, "status", t.Status)
	return nil
}

func buildMessage(t *trigger.Trigger) map[string]any {
	resp := trigger.ParseAgentResponse(t.AgentResponse)
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(t, resp),
			{"type": "divider"},
			fieldsBlock(t, resp),
			{"type": "divider"},
			analysisBlock(t, resp),
			{"type": "divider"},
			contextBlock(t),
		},
	}
}

func headerBlock(t *trigger.Trigger, resp *trigger.AgentResponse) map[string]any {
	title := "Trigger Analyzed"
	if t.Status == trigger.StatusAgentFailed {
		title = "Agent Failed"
	}
	text := fmt.Sprintf("%s %s: %s", riskEmoji(t.Status, resp), title, orUnknown(t.ErrorCode))

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(t *trigger.Trigger, resp *trigger.AgentResponse) map[string]any {
	var affected, events int
	if s, err := t.Summary(); err == nil {
		affected, events = s.AffectedMerchantsCount, s.EventCount
	}

	confidence := "n/a"
	if c := resp.Confidence(); c != nil {
		confidence = fmt.Sprintf("%.0f%%", *c*100)
	}
	risk, decision := trigger.Unknown, "n/a"
	if resp != nil {
		if resp.ActionPlan != nil && resp.ActionPlan.RiskLevel != "" {
			risk = resp.ActionPlan.RiskLevel
		}
		if resp.DecisionLabel != "" {
			decision = resp.DecisionLabel
		}
	}

	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Status:* %s", t.Status),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Event type:* %s", orUnknown(string(t.EventType))),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Merchants:* %d", affected),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Events:* %d", events),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Confidence:* %s", confidence),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Risk:* %s", risk),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Decision:* %s", decision),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func analysisBlock(t *trigger.Trigger, resp *trigger.AgentResponse) map[string]any {
	heading, text := "Root cause", resp.RootCause()
	if t.Status == trigger.StatusAgentFailed && resp != nil {
		heading, text = "Error", resp.Error
	}
	text = truncate(text, maxAnalysisLen)
	if text == "" {
		text = "_No analysis available._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*%s*\n\n%s", heading, text),
		},
	}
}

func contextBlock(t *trigger.Trigger) map[string]any {
	ts := t.UpdatedAt
	if ts.IsZero() {
		ts = t.DetectedAt
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("tripwire • trigger %s • %s", t.ID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func riskEmoji(status trigger.Status, resp *trigger.AgentResponse) string {
	if status == trigger.StatusAgentFailed {
		return "\U0001f534" // red circle
	}
	var risk string
	if resp != nil && resp.ActionPlan != nil {
		risk = resp.ActionPlan.RiskLevel
	}
	switch strings.ToLower(risk) {
	case "high", "critical":
		return "\U0001f534" // red circle
	case "medium":
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func orUnknown(s string) string {
	if s == "" {
		return trigger.Unknown
	}
	return s
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
