package triggerapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/tripwire/internal/event"
	"github.com/linnemanlabs/tripwire/internal/trigger"
)

// listItem is one row of the trigger list.
type listItem struct {
	TriggerID         string         `json:"trigger_id"`
	TriggerType       trigger.Type   `json:"trigger_type"`
	DetectedAt        string         `json:"detected_at"`
	Status            trigger.Status `json:"status"`
	EventType         event.Type     `json:"event_type"`
	ErrorCode         string         `json:"error_code"`
	AffectedMerchants int            `json:"affected_merchants"`
	EventCount        int            `json:"event_count"`
	AgentConfidence   *float64       `json:"agent_confidence"`
	RiskLevel         string         `json:"risk_level"`
	DecisionLabel     *string        `json:"decision_label"`
	ActionType        *string        `json:"action_type"`
}

type triggerInfo struct {
	TriggerID         string         `json:"trigger_id"`
	TriggerType       trigger.Type   `json:"trigger_type"`
	DetectedAt        string         `json:"detected_at"`
	TimeWindowMinutes int            `json:"time_window_minutes"`
	Status            trigger.Status `json:"status"`
	UpdatedAt         string         `json:"updated_at"`
}

type agentAnalysis struct {
	RootCause      *string         `json:"root_cause"`
	Confidence     *float64        `json:"confidence"`
	ReasoningTrace json.RawMessage `json:"reasoning_trace"`
	ErrorType      *string         `json:"error_type"`
	DecisionLabel  *string         `json:"decision_label"`
}

type actionPlan struct {
	ActionType    string          `json:"action_type"`
	RiskLevel     string          `json:"risk_level"`
	RiskReason    string          `json:"risk_reason"`
	Content       json.RawMessage `json:"content"`
	ToolsRequired json.RawMessage `json:"tools_required"`
}

// detail is the investigation view of one trigger. InputEvidence is the
// stored snapshot, byte for byte.
type detail struct {
	Trigger       triggerInfo     `json:"trigger"`
	InputEvidence json.RawMessage `json:"input_evidence"`
	AgentAnalysis *agentAnalysis  `json:"agent_analysis"`
	ActionPlan    *actionPlan     `json:"action_plan"`
}

var (
	emptyList = json.RawMessage(`[]`)
	jsonNull  = json.RawMessage(`null`)
)

func (a *API) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	list, err := a.triggers.ListTriggers(ctx)
	if err != nil {
		a.logger.Error(ctx, err, "failed to list triggers")
		writeError(w, http.StatusInternalServerError, "Failed to fetch triggers")
		return
	}

	items := make([]listItem, 0, len(list))
	for _, t := range list {
		items = append(items, toListItem(t))
	}
	writeList(w, len(items), items)
}

func toListItem(t *trigger.Trigger) listItem {
	item := listItem{
		TriggerID:   t.ID,
		TriggerType: t.Type,
		DetectedAt:  event.FormatTime(t.DetectedAt),
		Status:      t.Status,
		EventType:   event.Type(trigger.Unknown),
		ErrorCode:   t.ErrorCode,
		RiskLevel:   trigger.Unknown,
	}
	if s, err := t.Summary(); err == nil {
		if s.EventType != "" {
			item.EventType = s.EventType
		}
		item.AffectedMerchants = s.AffectedMerchantsCount
		item.EventCount = s.EventCount
	}

	resp := trigger.ParseAgentResponse(t.AgentResponse)
	if resp == nil {
		return item
	}
	item.AgentConfidence = resp.Confidence()
	item.DecisionLabel = strOrNil(resp.DecisionLabel)
	if p := resp.ActionPlan; p != nil {
		if p.RiskLevel != "" {
			item.RiskLevel = p.RiskLevel
		}
		item.ActionType = strOrNil(p.ActionType)
	}
	return item
}

func (a *API) handleGetTrigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("tripwire.trigger.id", id))

	if _, err := ulid.ParseStrict(id); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid trigger id")
		return
	}

	t, ok, err := a.triggers.GetTrigger(ctx, id)
	if err != nil {
		a.logger.Error(ctx, err, "failed to get trigger", "trigger_id", id)
		writeError(w, http.StatusInternalServerError, "Failed to fetch trigger")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "Trigger not found")
		return
	}

	span.SetAttributes(attribute.String("tripwire.trigger.status", string(t.Status)))
	writeData(w, toDetail(t))
}

func toDetail(t *trigger.Trigger) detail {
	d := detail{
		Trigger: triggerInfo{
			TriggerID:         t.ID,
			TriggerType:       t.Type,
			DetectedAt:        event.FormatTime(t.DetectedAt),
			TimeWindowMinutes: t.WindowMinutes,
			Status:            t.Status,
			UpdatedAt:         event.FormatTime(t.UpdatedAt),
		},
		InputEvidence: t.Snapshot,
	}
	if len(d.InputEvidence) == 0 {
		d.InputEvidence = jsonNull
	}

	resp := trigger.ParseAgentResponse(t.AgentResponse)
	if resp == nil {
		return d
	}

	an := &agentAnalysis{
		Confidence:     resp.Confidence(),
		ReasoningTrace: emptyList,
		DecisionLabel:  strOrNil(resp.DecisionLabel),
		RootCause:      strOrNil(resp.RootCause()),
		ErrorType:      strOrNil(resp.ErrorType),
	}
	rs := resp.AgentReasoning
	switch {
	case rs != nil && isSet(rs.Trace):
		an.ReasoningTrace = rs.Trace
	case resp.Analysis != nil && isSet(resp.Analysis.Reasoning):
		an.ReasoningTrace = resp.Analysis.Reasoning
	}
	if an.ErrorType == nil && rs != nil {
		an.ErrorType = strOrNil(rs.ErrorType)
	}
	d.AgentAnalysis = an

	if p := resp.ActionPlan; p != nil {
		ap := &actionPlan{
			ActionType:    p.ActionType,
			RiskLevel:     p.RiskLevel,
			RiskReason:    p.RiskReason,
			Content:       jsonNull,
			ToolsRequired: emptyList,
		}
		if isSet(p.Content) {
			ap.Content = p.Content
		}
		if isSet(p.ToolsRequired) {
			ap.ToolsRequired = p.ToolsRequired
		}
		d.ActionPlan = ap
	}
	return d
}

// isSet reports whether raw holds a value other than null.
func isSet(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

func strOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
