package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type is the canonical event type.
type Type string

const (
	TypeCheckoutFailed        Type = "checkout_failed"
	TypeAPIError              Type = "api_error"
	TypeWebhookFailed         Type = "webhook_failed"
	TypeTicketCreated         Type = "ticket_created"
	TypeMigrationStageUpdated Type = "migration_stage_updated"
)

// Types lists every known event type.
var Types = []Type{
	TypeCheckoutFailed,
	TypeAPIError,
	TypeWebhookFailed,
	TypeTicketCreated,
	TypeMigrationStageUpdated,
}

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	for _, k := range Types {
		if t == k {
			return true
		}
	}
	return false
}

// TimeLayout is the wire format for timestamps in payloads and API responses.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders t in TimeLayout, always in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Event is a normalized operational signal. Events are append-only.
type Event struct {
	ID         string
	Type       Type
	MerchantID string
	Source     string
	OccurredAt time.Time

	// Context carries the type-specific fields correlation works with.
	Context Context

	// Details and Raw are retained for audit only.
	Details map[string]any
	Raw     json.RawMessage
}

// ErrorCode returns the correlation grouping key, or "" if the event has none.
func (e *Event) ErrorCode() string {
	if e.Context == nil {
		return ""
	}
	return e.Context.ErrorCode()
}

// Context is the typed, per-event-type context. Every implementation
// serializes to a flat JSON object.
type Context interface {
	ErrorCode() string
	contextType() Type
}

// CheckoutContext is the context of a checkout_failed event.
type CheckoutContext struct {
	Code              string   `json:"error_code,omitempty"`
	CheckoutMode      string   `json:"checkout_mode,omitempty"`
	TransactionAmount *float64 `json:"transaction_amount,omitempty"`
	Currency          string   `json:"currency,omitempty"`
}

func (c *CheckoutContext) ErrorCode() string { return c.Code }
func (c *CheckoutContext) contextType() Type { return TypeCheckoutFailed }

// APIErrorContext is the context of an api_error event.
type APIErrorContext struct {
	Code       string `json:"error_code,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
	Method     string `json:"method,omitempty"`
	HTTPStatus *int   `json:"http_status,omitempty"`
}

func (c *APIErrorContext) ErrorCode() string { return c.Code }
func (c *APIErrorContext) contextType() Type { return TypeAPIError }

// WebhookContext is the context of a webhook_failed event.
type WebhookContext struct {
	Code             string `json:"error_code,omitempty"`
	WebhookTopic     string `json:"webhook_topic,omitempty"`
	AttemptCount     *int   `json:"attempt_count,omitempty"`
	LastResponseCode *int   `json:"last_response_code,omitempty"`
}

func (c *WebhookContext) ErrorCode() string { return c.Code }
func (c *WebhookContext) contextType() Type { return TypeWebhookFailed }

// TicketContext is the context of a ticket_created event. Tickets never
// participate in error-code grouping.
type TicketContext struct {
	Category string `json:"category,omitempty"`
	Priority string `json:"priority,omitempty"`
}

func (c *TicketContext) ErrorCode() string { return "" }
func (c *TicketContext) contextType() Type { return TypeTicketCreated }

// MigrationContext is the context of a migration_stage_updated event.
type MigrationContext struct {
	NewStage string `json:"new_stage"`
}

func (c *MigrationContext) ErrorCode() string { return "" }
func (c *MigrationContext) contextType() Type { return TypeMigrationStageUpdated }

// DecodeContext decodes a stored context object for the given event type.
func DecodeContext(t Type, data []byte) (Context, error) {
	var c Context
	switch t {
	case TypeCheckoutFailed:
		c = &CheckoutContext{}
	case TypeAPIError:
		c = &APIErrorContext{}
	case TypeWebhookFailed:
		c = &WebhookContext{}
	case TypeTicketCreated:
		c = &TicketContext{}
	case TypeMigrationStageUpdated:
		c = &MigrationContext{}
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if len(data) == 0 || string(data) == "null" {
		return c, nil
	}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("decode %s context: %w", t, err)
	}
	return c, nil
}

// Record is the wire shape of an event inside trigger payloads and API responses.
type Record struct {
	EventID    string  `json:"event_id"`
	EventType  Type    `json:"event_type"`
	MerchantID string  `json:"merchant_id"`
	Timestamp  string  `json:"timestamp"`
	Source     string  `json:"source"`
	Context    Context `json:"context"`
}

// Record returns the wire representation of e.
func (e *Event) Record() Record {
	return Record{
		EventID:    e.ID,
		EventType:  e.Type,
		MerchantID: e.MerchantID,
		Timestamp:  FormatTime(e.OccurredAt),
		Source:     e.Source,
		Context:    e.Context,
	}
}

// UnmarshalJSON decodes a Record, resolving the context by event type.
func (r *Record) UnmarshalJSON(data []byte) error {
	var aux struct {
		EventID    string          `json:"event_id"`
		EventType  Type            `json:"event_type"`
		MerchantID string          `json:"merchant_id"`
		Timestamp  string          `json:"timestamp"`
		Source     string          `json:"source"`
		Context    json.RawMessage `json:"context"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	ctx, err := DecodeContext(aux.EventType, aux.Context)
	if err != nil {
		return err
	}
	*r = Record{
		EventID:    aux.EventID,
		EventType:  aux.EventType,
		MerchantID: aux.MerchantID,
		Timestamp:  aux.Timestamp,
		Source:     aux.Source,
		Context:    ctx,
	}
	return nil
}

// MigrationState is the latest known migration stage of a merchant.
type MigrationState struct {
	MerchantID   string    `json:"merchant_id"`
	CurrentStage string    `json:"current_stage"`
	UpdatedAt    time.Time `json:"updated_at"`
}
