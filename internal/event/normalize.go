package event

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Default source system names, by event type.
const (
	SourceCheckout  = "checkout-service"
	SourceAPI       = "api-gateway"
	SourceWebhook   = "webhook-dispatcher"
	SourceMigration = "migration-service"
	SourceSupport   = "support-platform"
)

// Normalizer maps a raw source payload to a normalized Event.
type Normalizer func(raw []byte) (*Event, error)

// NormalizerFor returns the normalizer for t.
func NormalizerFor(t Type) (Normalizer, bool) {
	switch t {
	case TypeCheckoutFailed:
		return NormalizeCheckoutFailed, true
	case TypeAPIError:
		return NormalizeAPIError, true
	case TypeWebhookFailed:
		return NormalizeWebhookFailed, true
	case TypeTicketCreated:
		return NormalizeSupportTicket, true
	case TypeMigrationStageUpdated:
		return NormalizeMigrationStage, true
	}
	return nil, false
}

// Normalize dispatches raw to the normalizer for t.
func Normalize(t Type, raw []byte) (*Event, error) {
	fn, ok := NormalizerFor(t)
	if !ok {
		return nil, &ValidationError{EventType: t, Reason: "unknown event type"}
	}
	return fn(raw)
}

// NormalizeCheckoutFailed normalizes a checkout-service failure.
func NormalizeCheckoutFailed(raw []byte) (*Event, error) {
	p, err := parsePayload(TypeCheckoutFailed, raw)
	if err != nil {
		return nil, err
	}
	e, err := p.base(TypeCheckoutFailed, "event_id", "merchant_id", "occurred_at")
	if err != nil {
		return nil, err
	}
	e.Source = SourceCheckout
	e.Context = &CheckoutContext{
		Code:              p.str("error_code"),
		CheckoutMode:      p.str("checkout_mode"),
		TransactionAmount: p.number("transaction_amount"),
		Currency:          p.str("currency"),
	}
	e.Details = p.pick("request_url", "missing_headers")
	return e, nil
}

// NormalizeAPIError normalizes an API gateway error.
func NormalizeAPIError(raw []byte) (*Event, error) {
	p, err := parsePayload(TypeAPIError, raw)
	if err != nil {
		return nil, err
	}
	e, err := p.base(TypeAPIError, "event_id", "merchant_id", "occurred_at")
	if err != nil {
		return nil, err
	}
	e.Source = SourceAPI
	e.Context = &APIErrorContext{
		Code:       p.str("error_code"),
		Endpoint:   p.str("endpoint"),
		Method:     p.str("method"),
		HTTPStatus: p.integer("http_status"),
	}
	e.Details = map[string]any{}
	return e, nil
}

// NormalizeWebhookFailed normalizes a webhook delivery failure.
func NormalizeWebhookFailed(raw []byte) (*Event, error) {
	p, err := parsePayload(TypeWebhookFailed, raw)
	if err != nil {
		return nil, err
	}
	e, err := p.base(TypeWebhookFailed, "event_id", "merchant_id", "occurred_at")
	if err != nil {
		return nil, err
	}
	e.Source = SourceWebhook
	e.Context = &WebhookContext{
		Code:             p.str("error_code"),
		WebhookTopic:     p.str("webhook_topic"),
		AttemptCount:     p.integer("attempt_count"),
		LastResponseCode: p.integer("last_response_code"),
	}
	e.Details = map[string]any{}
	return e, nil
}

// NormalizeSupportTicket normalizes a support platform ticket.
func NormalizeSupportTicket(raw []byte) (*Event, error) {
	p, err := parsePayload(TypeTicketCreated, raw)
	if err != nil {
		return nil, err
	}
	e, err := p.base(TypeTicketCreated, "ticket_id", "merchant", "created_at")
	if err != nil {
		return nil, err
	}
	e.Source = p.str("system")
	if e.Source == "" {
		e.Source = SourceSupport
	}
	e.Context = &TicketContext{
		Category: p.str("category"),
		Priority: p.str("priority"),
	}
	e.Details = p.pick("subject", "message")
	return e, nil
}

// NormalizeMigrationStage normalizes a migration stage update. new_stage is
// mandatory because it feeds the migration projection.
func NormalizeMigrationStage(raw []byte) (*Event, error) {
	p, err := parsePayload(TypeMigrationStageUpdated, raw)
	if err != nil {
		return nil, err
	}
	e, err := p.base(TypeMigrationStageUpdated, "event_id", "merchant_id", "occurred_at")
	if err != nil {
		return nil, err
	}
	stage := strings.TrimSpace(p.str("new_stage"))
	if stage == "" {
		return nil, &ValidationError{EventType: TypeMigrationStageUpdated, Field: "new_stage", Reason: "is required"}
	}
	e.Source = SourceMigration
	e.Context = &MigrationContext{NewStage: stage}
	e.Details = map[string]any{}
	return e, nil
}

type payload struct {
	typ    Type
	raw    []byte
	fields map[string]any
}

func parsePayload(t Type, raw []byte) (*payload, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &ValidationError{EventType: t, Reason: "body must be a JSON object"}
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, &ValidationError{EventType: t, Reason: "body must be a JSON object"}
	}
	return &payload{typ: t, raw: append([]byte(nil), trimmed...), fields: fields}, nil
}

// base validates the id, merchant and timestamp fields shared by every type
// and returns the partially filled event.
func (p *payload) base(t Type, idKey, merchantKey, timeKey string) (*Event, error) {
	for _, k := range []string{idKey, merchantKey, timeKey} {
		if strings.TrimSpace(p.str(k)) == "" {
			return nil, &ValidationError{EventType: t, Field: k, Reason: "is required"}
		}
	}
	occurred, err := p.timestamp(timeKey)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:         p.str(idKey),
		Type:       t,
		MerchantID: p.str(merchantKey),
		OccurredAt: occurred,
		Raw:        p.raw,
	}, nil
}

// str returns the field as a string. Numbers are rendered in their JSON form
// so numeric ids are accepted.
func (p *payload) str(key string) string {
	switch v := p.fields[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	}
	return ""
}

// number returns the field as a number, accepting numeric strings. Invalid
// values are dropped.
func (p *payload) number(key string) *float64 {
	var (
		f   float64
		err error
	)
	switch v := p.fields[key].(type) {
	case json.Number:
		f, err = v.Float64()
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(v), 64)
	default:
		return nil
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// integer returns the field as an integer, accepting integral numbers and numeric strings.
func (p *payload) integer(key string) *int {
	f := p.number(key)
	if f == nil || *f != math.Trunc(*f) || math.Abs(*f) > math.MaxInt32 {
		return nil
	}
	n := int(*f)
	return &n
}

// timestamp parses an RFC3339 string or epoch milliseconds.
func (p *payload) timestamp(key string) (time.Time, error) {
	switch v := p.fields[key].(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(v)); err == nil {
			return ts.UTC(), nil
		}
		if ms, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
	case json.Number:
		if ms, err := v.Int64(); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
	}
	return time.Time{}, &ValidationError{
		EventType: p.typ,
		Field:     key,
		Reason:    "must be an RFC3339 timestamp or epoch milliseconds",
	}
}

// pick copies the present keys into a details map.
func (p *payload) pick(keys ...string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := p.fields[k]; ok && v != nil {
			out[k] = v
		}
	}
	return out
}
