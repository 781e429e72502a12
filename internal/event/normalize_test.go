package event

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestNormalizeCheckoutFailed(t *testing.T) {
	t.Parallel()

	raw := `{
		"event_id": "E1",
		"merchant_id": "M1",
		"occurred_at": "2026-03-01T10:00:00.250Z",
		"error_code": "PAY_MISSING",
		"checkout_mode": "headless",
		"transaction_amount": "49.90",
		"currency": "EUR",
		"request_url": "https://shop.example/checkout",
		"missing_headers": ["X-Store-Id"]
	}`

	e, err := NormalizeCheckoutFailed([]byte(raw))
	if err != nil {
		t.Fatalf("NormalizeCheckoutFailed: %v", err)
	}

	if e.ID != "E1" || e.MerchantID != "M1" {
		t.Errorf("id/merchant = %q/%q, want E1/M1", e.ID, e.MerchantID)
	}
	if e.Type != TypeCheckoutFailed {
		t.Errorf("Type = %q, want %q", e.Type, TypeCheckoutFailed)
	}
	if e.Source != SourceCheckout {
		t.Errorf("Source = %q, want %q", e.Source, SourceCheckout)
	}
	want := time.Date(2026, 3, 1, 10, 0, 0, 250*int(time.Millisecond), time.UTC)
	if !e.OccurredAt.Equal(want) {
		t.Errorf("OccurredAt = %v, want %v", e.OccurredAt, want)
	}
	if e.ErrorCode() != "PAY_MISSING" {
		t.Errorf("ErrorCode = %q, want PAY_MISSING", e.ErrorCode())
	}

	ctx, ok := e.Context.(*CheckoutContext)
	if !ok {
		t.Fatalf("Context = %T, want *CheckoutContext", e.Context)
	}
	if ctx.TransactionAmount == nil || *ctx.TransactionAmount != 49.90 {
		t.Errorf("TransactionAmount = %v, want 49.90", ctx.TransactionAmount)
	}
	if ctx.Currency != "EUR" || ctx.CheckoutMode != "headless" {
		t.Errorf("currency/mode = %q/%q", ctx.Currency, ctx.CheckoutMode)
	}

	if e.Details["request_url"] != "https://shop.example/checkout" {
		t.Errorf("Details[request_url] = %v", e.Details["request_url"])
	}
	if _, ok := e.Details["missing_headers"]; !ok {
		t.Error("expected missing_headers in details")
	}
	if !json.Valid(e.Raw) {
		t.Errorf("Raw is not valid JSON: %s", e.Raw)
	}
}

func TestNormalize_RequiredFields(t *testing.T) {
	t.Parallel()

	const now = "2026-03-01T10:00:00Z"

	tests := []struct {
		name      string
		typ       Type
		body      string
		wantField string
	}{
		{"checkout missing event_id", TypeCheckoutFailed, `{"merchant_id":"M1","occurred_at":"` + now + `"}`, "event_id"},
		{"checkout missing merchant_id", TypeCheckoutFailed, `{"event_id":"E1","occurred_at":"` + now + `"}`, "merchant_id"},
		{"checkout missing occurred_at", TypeCheckoutFailed, `{"event_id":"E1","merchant_id":"M1"}`, "occurred_at"},
		{"checkout blank merchant", TypeCheckoutFailed, `{"event_id":"E1","merchant_id":"  ","occurred_at":"` + now + `"}`, "merchant_id"},
		{"api_error missing merchant", TypeAPIError, `{"event_id":"E1","occurred_at":"` + now + `"}`, "merchant_id"},
		{"webhook missing id", TypeWebhookFailed, `{"merchant_id":"M1","occurred_at":"` + now + `"}`, "event_id"},
		{"ticket missing ticket_id", TypeTicketCreated, `{"merchant":"M1","created_at":"` + now + `"}`, "ticket_id"},
		{"ticket missing merchant", TypeTicketCreated, `{"ticket_id":"T1","created_at":"` + now + `"}`, "merchant"},
		{"ticket missing created_at", TypeTicketCreated, `{"ticket_id":"T1","merchant":"M1"}`, "created_at"},
		{"migration missing stage", TypeMigrationStageUpdated, `{"event_id":"E1","merchant_id":"M1","occurred_at":"` + now + `"}`, "new_stage"},
		{"migration blank stage", TypeMigrationStageUpdated, `{"event_id":"E1","merchant_id":"M1","occurred_at":"` + now + `","new_stage":" "}`, "new_stage"},
		{"bad timestamp", TypeCheckoutFailed, `{"event_id":"E1","merchant_id":"M1","occurred_at":"yesterday"}`, "occurred_at"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Normalize(tt.typ, []byte(tt.body))
			if err == nil {
				t.Fatal("expected validation error")
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("error = %T %v, want *ValidationError", err, err)
			}
			if ve.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", ve.Field, tt.wantField)
			}
			if ve.EventType != tt.typ {
				t.Errorf("EventType = %q, want %q", ve.EventType, tt.typ)
			}
		})
	}
}

func TestNormalize_NotAnObject(t *testing.T) {
	t.Parallel()

	for _, body := range []string{"", "null", "[]", `"text"`, "{bad", "42"} {
		_, err := NormalizeAPIError([]byte(body))
		if !IsValidation(err) {
			t.Errorf("NormalizeAPIError(%q) err = %v, want validation error", body, err)
		}
	}
}

func TestNormalize_UnknownType(t *testing.T) {
	t.Parallel()

	_, err := Normalize(Type("refund_failed"), []byte(`{}`))
	if !IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestNormalizeSupportTicket(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		wantSource string
	}{
		{"default source", `{"ticket_id":"T1","merchant":"M9","created_at":"2026-03-01T10:00:00Z","category":"checkout","priority":"high","subject":"help","message":"broken"}`, SourceSupport},
		{"explicit system", `{"ticket_id":"T1","merchant":"M9","created_at":"2026-03-01T10:00:00Z","system":"zendesk"}`, "zendesk"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e, err := NormalizeSupportTicket([]byte(tt.body))
			if err != nil {
				t.Fatalf("NormalizeSupportTicket: %v", err)
			}
			if e.Type != TypeTicketCreated {
				t.Errorf("Type = %q", e.Type)
			}
			if e.ID != "T1" || e.MerchantID != "M9" {
				t.Errorf("id/merchant = %q/%q", e.ID, e.MerchantID)
			}
			if e.Source != tt.wantSource {
				t.Errorf("Source = %q, want %q", e.Source, tt.wantSource)
			}
			if e.ErrorCode() != "" {
				t.Errorf("tickets must not carry an error code, got %q", e.ErrorCode())
			}
		})
	}
}

func TestNormalizeWebhookFailed_LooseNumbers(t *testing.T) {
	t.Parallel()

	body := `{"event_id":"W1","merchant_id":"M1","occurred_at":1772359200000,"error_code":"TIMEOUT","attempt_count":"3","last_response_code":502.5}`
	e, err := NormalizeWebhookFailed([]byte(body))
	if err != nil {
		t.Fatalf("NormalizeWebhookFailed: %v", err)
	}
	if !e.OccurredAt.Equal(time.UnixMilli(1772359200000)) {
		t.Errorf("OccurredAt = %v", e.OccurredAt)
	}
	ctx := e.Context.(*WebhookContext)
	if ctx.AttemptCount == nil || *ctx.AttemptCount != 3 {
		t.Errorf("AttemptCount = %v, want 3", ctx.AttemptCount)
	}
	if ctx.LastResponseCode != nil {
		t.Errorf("LastResponseCode = %v, want nil for non-integral value", *ctx.LastResponseCode)
	}
}

func TestNormalizeAPIError_MissingErrorCodeIsAccepted(t *testing.T) {
	t.Parallel()

	e, err := NormalizeAPIError([]byte(`{"event_id":"A1","merchant_id":"M1","occurred_at":"2026-03-01T10:00:00Z","http_status":410}`))
	if err != nil {
		t.Fatalf("NormalizeAPIError: %v", err)
	}
	if e.ErrorCode() != "" {
		t.Errorf("ErrorCode = %q, want empty", e.ErrorCode())
	}
	if s := e.Context.(*APIErrorContext).HTTPStatus; s == nil || *s != 410 {
		t.Errorf("HTTPStatus = %v, want 410", s)
	}
}

func TestRecord_RoundTrip(t *testing.T) {
	t.Parallel()

	e, err := NormalizeMigrationStage([]byte(`{"event_id":"G1","merchant_id":"M1","occurred_at":"2026-03-01T10:00:00Z","new_stage":"cutover"}`))
	if err != nil {
		t.Fatalf("NormalizeMigrationStage: %v", err)
	}

	data, err := json.Marshal(e.Record())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Record
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	mc, ok := got.Context.(*MigrationContext)
	if !ok || mc.NewStage != "cutover" {
		t.Errorf("Context = %#v, want migration context with stage cutover", got.Context)
	}
	if got.Timestamp != "2026-03-01T10:00:00.000Z" {
		t.Errorf("Timestamp = %q", got.Timestamp)
	}
}
