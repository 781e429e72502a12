package trigger

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Failure is the record persisted as the agent response when dispatch fails.
type Failure struct {
	Error string `json:"error"`
	Kind  string `json:"error_kind,omitempty"`
}

// AgentResponse is the subset of the agent reply the dashboard reads. The
// agent owns the format, so every field is optional and decoded on its own:
// a field of the wrong type is dropped without losing the rest.
type AgentResponse struct {
	AgentConfidence *Confidence
	DecisionLabel   string
	ErrorType       string
	Error           string
	ErrorKind       string
	ActionPlan      *ActionPlan
	AgentReasoning  *AgentReasoning
	Analysis        *Analysis
}

func (r *AgentResponse) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	field(m, "agent_confidence", &r.AgentConfidence)
	field(m, "decision_label", &r.DecisionLabel)
	field(m, "error_type", &r.ErrorType)
	field(m, "error", &r.Error)
	field(m, "error_kind", &r.ErrorKind)
	field(m, "action_plan", &r.ActionPlan)
	field(m, "agent_reasoning", &r.AgentReasoning)
	field(m, "analysis", &r.Analysis)
	return nil
}

// ActionPlan is the remediation proposed by the agent.
type ActionPlan struct {
	ActionType    string
	RiskLevel     string
	RiskReason    string
	Content       json.RawMessage
	ToolsRequired json.RawMessage
}

func (p *ActionPlan) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	field(m, "action_type", &p.ActionType)
	field(m, "risk_level", &p.RiskLevel)
	field(m, "risk_reason", &p.RiskReason)
	field(m, "content", &p.Content)
	field(m, "tools_required", &p.ToolsRequired)
	return nil
}

// AgentReasoning is the agent's explanation of the failure.
type AgentReasoning struct {
	RootCause string
	Trace     json.RawMessage
	ErrorType string
}

func (a *AgentReasoning) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	field(m, "root_cause", &a.RootCause)
	field(m, "trace", &a.Trace)
	field(m, "error_type", &a.ErrorType)
	return nil
}

// Analysis is the older reasoning block some agent versions still return.
type Analysis struct {
	RootCause  string
	Confidence *Confidence
	Reasoning  json.RawMessage
}

func (a *Analysis) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	field(m, "root_cause", &a.RootCause)
	field(m, "confidence", &a.Confidence)
	field(m, "reasoning", &a.Reasoning)
	return nil
}

// field decodes m[key] into dst. dst is left untouched when the key is
// absent or its value does not decode.
func field[T any](m map[string]json.RawMessage, key string, dst *T) {
	raw, ok := m[key]
	if !ok {
		return
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return
	}
	*dst = v
}

// Confidence accepts a JSON number or a numeric string.
type Confidence float64

func (c *Confidence) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*c = Confidence(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*c = Confidence(f)
	return nil
}

// ParseAgentResponse decodes raw leniently. A nil response or one that is
// not a JSON object yields nil.
func ParseAgentResponse(raw json.RawMessage) *AgentResponse {
	if len(raw) == 0 {
		return nil
	}
	var r AgentResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil
	}
	return &r
}

// Confidence returns agent_confidence, falling back to analysis.confidence.
func (r *AgentResponse) Confidence() *float64 {
	if r == nil {
		return nil
	}
	c := r.AgentConfidence
	if c == nil && r.Analysis != nil {
		c = r.Analysis.Confidence
	}
	if c == nil {
		return nil
	}
	f := float64(*c)
	return &f
}

// RootCause returns agent_reasoning.root_cause, falling back to
// analysis.root_cause.
func (r *AgentResponse) RootCause() string {
	if r == nil {
		return ""
	}
	if r.AgentReasoning != nil && r.AgentReasoning.RootCause != "" {
		return r.AgentReasoning.RootCause
	}
	if r.Analysis != nil {
		return r.Analysis.RootCause
	}
	return ""
}
