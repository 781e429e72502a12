package trigger

import (
	"github.com/linnemanlabs/tripwire/internal/event"
)

// Unknown fills payload fields whose value is not known to this service.
const Unknown = "unknown"

const multiMerchantReason = "Same failure observed across multiple merchants within a short time window."

// Payload is the evidence bundle sent to the reasoning agent.
type Payload struct {
	Trigger             Info                       `json:"trigger"`
	Summary             Summary                    `json:"summary"`
	CorrelatedEvents    []event.Record             `json:"correlated_events"`
	MerchantContext     map[string]MerchantContext `json:"merchant_context"`
	RelatedHumanSignals []event.Record             `json:"related_human_signals"`
}

// Info identifies the trigger inside the payload.
type Info struct {
	TriggerID         string `json:"trigger_id"`
	TriggerType       Type   `json:"trigger_type"`
	TriggerReason     string `json:"trigger_reason"`
	DetectedAt        string `json:"detected_at"`
	TimeWindowMinutes int    `json:"time_window_minutes"`
}

// Summary aggregates the correlated group.
type Summary struct {
	EventType              event.Type `json:"event_type"`
	ErrorCode              string     `json:"error_code"`
	AffectedMerchantsCount int        `json:"affected_merchants_count"`
	EventCount             int        `json:"event_count"`
	Trend                  string     `json:"trend"`
}

// MerchantContext is the migration position of one contributing merchant.
type MerchantContext struct {
	MigrationStage string `json:"migration_stage"`
	StageUpdatedAt string `json:"stage_updated_at"`
}

func merchantContextOf(st *event.MigrationState) MerchantContext {
	if st == nil {
		return MerchantContext{MigrationStage: Unknown, StageUpdatedAt: Unknown}
	}
	return MerchantContext{
		MigrationStage: st.CurrentStage,
		StageUpdatedAt: event.FormatTime(st.UpdatedAt),
	}
}

func records(events []*event.Event) []event.Record {
	out := make([]event.Record, 0, len(events))
	for _, e := range events {
		out = append(out, e.Record())
	}
	return out
}
