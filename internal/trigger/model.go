package trigger

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/tripwire/internal/event"
)

// Type identifies the correlation rule that raised a trigger.
type Type string

// TypeMultiMerchantFailure is raised when the same error code is seen across
// merchants inside the correlation window.
const TypeMultiMerchantFailure Type = "multi_merchant_failure"

// Status tracks where a trigger is in its lifecycle.
type Status string

const (
	// StatusAwaitingAgentResponse means created and handed to the dispatcher
	StatusAwaitingAgentResponse Status = "awaiting_agent_response"

	// StatusAwaitingHumanApproval means the agent replied successfully
	StatusAwaitingHumanApproval Status = "awaiting_human_approval"

	// StatusAgentFailed means the dispatch or the agent failed
	StatusAgentFailed Status = "agent_failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusAwaitingHumanApproval || s == StatusAgentFailed
}

// CanTransition reports whether s may move to next. Status is monotonic.
func (s Status) CanTransition(next Status) bool {
	return s == StatusAwaitingAgentResponse && next.Terminal()
}

// Trigger is a materialized cross-merchant failure pattern.
type Trigger struct {
	ID            string
	Type          Type
	DetectedAt    time.Time
	WindowMinutes int
	EventIDs      []string

	// EventType and ErrorCode mirror the frozen summary; they are the dedup key.
	EventType event.Type
	ErrorCode string

	// Payload is the evidence assembled by the engine. Stores do not return
	// it; readers decode Snapshot instead.
	Payload *Payload

	// Snapshot is the frozen payload exactly as sent to the agent.
	Snapshot json.RawMessage

	// AgentResponse is nil until the dispatcher records an outcome.
	AgentResponse json.RawMessage

	Status    Status
	UpdatedAt time.Time
}

// Seal assigns the store id, stamps it into the payload's trigger identity
// and freezes the payload into Snapshot. Stores call Seal inside CreateTrigger
// so the persisted snapshot is byte-identical to what is dispatched.
func (t *Trigger) Seal(id string) error {
	if t.Payload == nil {
		return errors.New("trigger has no payload")
	}
	t.ID = id
	t.Payload.Trigger.TriggerID = id
	t.EventType = t.Payload.Summary.EventType
	t.ErrorCode = t.Payload.Summary.ErrorCode

	b, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	t.Snapshot = b
	return nil
}

// Summary decodes the summary block of the frozen snapshot.
func (t *Trigger) Summary() (Summary, error) {
	var p struct {
		Summary Summary `json:"summary"`
	}
	if len(t.Snapshot) == 0 {
		return Summary{}, errors.New("trigger has no snapshot")
	}
	if err := json.Unmarshal(t.Snapshot, &p); err != nil {
		return Summary{}, fmt.Errorf("decode snapshot summary: %w", err)
	}
	return p.Summary, nil
}

// Clone returns a deep copy of t without the in-memory Payload.
func (t *Trigger) Clone() *Trigger {
	cp := *t
	cp.Payload = nil
	cp.EventIDs = append([]string(nil), t.EventIDs...)
	cp.Snapshot = cloneRaw(t.Snapshot)
	cp.AgentResponse = cloneRaw(t.AgentResponse)
	return &cp
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}
