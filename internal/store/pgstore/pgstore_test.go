package pgstore_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/tripwire/internal/event"
	"github.com/linnemanlabs/tripwire/internal/postgres"
	"github.com/linnemanlabs/tripwire/internal/store"
	"github.com/linnemanlabs/tripwire/internal/store/pgstore"
	"github.com/linnemanlabs/tripwire/internal/trigger"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("TRIPWIRE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TRIPWIRE_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn, postgres.Options{})
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

// unique returns a per-run identifier so repeated runs against the same
// database do not collide.
func unique(prefix string) string {
	return prefix + "-" + ulid.Make().String()
}

func TestEvents_AppendAndWindow(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	merchant := unique("m")
	base := time.Now().UTC().Truncate(time.Millisecond)
	raw := json.RawMessage(`{"event_id":"x","merchant_id":"m","error_code":"E1"}`)
	amount := 12.5
	ids := []string{unique("c"), unique("c"), unique("c")}
	for i, id := range ids {
		e := &event.Event{
			ID:         id,
			Type:       event.TypeCheckoutFailed,
			MerchantID: merchant,
			Source:     event.SourceCheckout,
			OccurredAt: base.Add(time.Duration(i) * time.Second),
			Context:    &event.CheckoutContext{Code: "E1", TransactionAmount: &amount},
			Details:    map[string]any{"request_url": "/checkout"},
			Raw:        raw,
		}
		if err := s.AppendEvent(ctx, e); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	// duplicate is a no-op
	dup := &event.Event{ID: ids[0], Type: event.TypeCheckoutFailed, MerchantID: "other", Source: "x",
		OccurredAt: base, Context: &event.CheckoutContext{Code: "E2"}}
	if err := s.AppendEvent(ctx, dup); err != nil {
		t.Fatalf("duplicate AppendEvent: %v", err)
	}

	got, err := s.EventsByIDs(ctx, event.TypeCheckoutFailed, ids)
	if err != nil {
		t.Fatalf("EventsByIDs: %v", err)
	}
	if len(got) != 3 || got[0].ID != ids[0] || got[0].MerchantID != merchant {
		t.Fatalf("EventsByIDs = %+v", got)
	}
	if got[0].ErrorCode() != "E1" || string(got[0].Raw) != string(raw) {
		t.Errorf("event round trip lost data: code=%q raw=%s", got[0].ErrorCode(), got[0].Raw)
	}
	if c, ok := got[0].Context.(*event.CheckoutContext); !ok || c.TransactionAmount == nil || *c.TransactionAmount != amount {
		t.Errorf("context = %+v", got[0].Context)
	}

	window, err := s.EventsInWindow(ctx, event.TypeCheckoutFailed, base.Add(time.Second), base.Add(2*time.Second))
	if err != nil {
		t.Fatalf("EventsInWindow: %v", err)
	}
	var inWindow int
	for _, e := range window {
		if e.MerchantID == merchant {
			inWindow++
		}
	}
	if inWindow != 2 {
		t.Errorf("window returned %d of this merchant's events, want 2 (inclusive bounds)", inWindow)
	}

	recent, err := s.RecentMerchantEvents(ctx, merchant, 2)
	if err != nil {
		t.Fatalf("RecentMerchantEvents: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != ids[2] {
		t.Errorf("recent = %v", recent)
	}
}

func TestMigrationState_IfNewer(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	merchant := unique("m")
	now := time.Now().UTC().Truncate(time.Microsecond)

	applied, err := s.UpsertStageIfNewer(ctx, event.MigrationState{MerchantID: merchant, CurrentStage: "cutover", UpdatedAt: now})
	if err != nil || !applied {
		t.Fatalf("first upsert applied=%v err=%v", applied, err)
	}
	applied, err = s.UpsertStageIfNewer(ctx, event.MigrationState{MerchantID: merchant, CurrentStage: "dual_write", UpdatedAt: now.Add(-time.Minute)})
	if err != nil || applied {
		t.Fatalf("stale upsert applied=%v err=%v", applied, err)
	}

	st, ok, err := s.Stage(ctx, merchant)
	if err != nil || !ok {
		t.Fatalf("Stage ok=%v err=%v", ok, err)
	}
	if st.CurrentStage != "cutover" || !st.UpdatedAt.Equal(now) {
		t.Errorf("stage = %+v", st)
	}

	if err := s.UpsertStage(ctx, event.MigrationState{MerchantID: merchant, CurrentStage: "dual_write", UpdatedAt: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("UpsertStage: %v", err)
	}
	st, _, _ = s.Stage(ctx, merchant)
	if st.CurrentStage != "dual_write" {
		t.Errorf("stage = %q after overwrite", st.CurrentStage)
	}
}

func TestTriggers_Lifecycle(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	code := unique("E")
	detected := time.Now().UTC().Truncate(time.Millisecond)
	tr := &trigger.Trigger{
		Type:          trigger.TypeMultiMerchantFailure,
		DetectedAt:    detected,
		WindowMinutes: 1,
		EventIDs:      []string{"c1", "c2"},
		Payload: &trigger.Payload{
			Trigger:             trigger.Info{TriggerType: trigger.TypeMultiMerchantFailure, DetectedAt: event.FormatTime(detected), TimeWindowMinutes: 1},
			Summary:             trigger.Summary{EventType: event.TypeCheckoutFailed, ErrorCode: code, AffectedMerchantsCount: 2, EventCount: 2, Trend: trigger.Unknown},
			CorrelatedEvents:    []event.Record{},
			MerchantContext:     map[string]trigger.MerchantContext{},
			RelatedHumanSignals: []event.Record{},
		},
	}
	if err := s.CreateTrigger(ctx, tr); err != nil {
		t.Fatalf("CreateTrigger: %v", err)
	}

	got, ok, err := s.GetTrigger(ctx, tr.ID)
	if err != nil || !ok {
		t.Fatalf("GetTrigger ok=%v err=%v", ok, err)
	}
	if string(got.Snapshot) != string(tr.Snapshot) {
		t.Errorf("snapshot not byte-identical:\n got %s\nwant %s", got.Snapshot, tr.Snapshot)
	}
	if got.Status != trigger.StatusAwaitingAgentResponse || got.ErrorCode != code || len(got.EventIDs) != 2 {
		t.Errorf("got %+v", got)
	}

	recent, err := s.RecentTriggers(ctx, trigger.TypeMultiMerchantFailure, detected)
	if err != nil {
		t.Fatalf("RecentTriggers: %v", err)
	}
	var found bool
	for _, r := range recent {
		found = found || r.ID == tr.ID
	}
	if !found {
		t.Error("RecentTriggers should include a trigger detected exactly at since")
	}

	resp := json.RawMessage(`{"agent_confidence": 0.7,  "decision_label":"review"}`)
	if err := s.RecordAgentResponse(ctx, tr.ID, resp, trigger.StatusAwaitingHumanApproval); err != nil {
		t.Fatalf("RecordAgentResponse: %v", err)
	}
	err = s.RecordAgentResponse(ctx, tr.ID, json.RawMessage(`{"error":"x"}`), trigger.StatusAgentFailed)
	if !errors.Is(err, store.ErrStatusConflict) {
		t.Fatalf("second record err = %v, want ErrStatusConflict", err)
	}
	got, _, _ = s.GetTrigger(ctx, tr.ID)
	if string(got.AgentResponse) != string(resp) {
		t.Errorf("response = %s, want verbatim %s", got.AgentResponse, resp)
	}

	err = s.RecordAgentResponse(ctx, unique("missing"), resp, trigger.StatusAgentFailed)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing id err = %v, want ErrNotFound", err)
	}

	list, err := s.ListTriggers(ctx)
	if err != nil {
		t.Fatalf("ListTriggers: %v", err)
	}
	for i := 1; i < len(list); i++ {
		if list[i].DetectedAt.After(list[i-1].DetectedAt) {
			t.Fatalf("list not newest first at %d", i)
		}
	}
}

func TestTriggers_GetMissing(t *testing.T) {
	s := openStore(t)
	_, ok, err := s.GetTrigger(context.Background(), unique("nope"))
	if err != nil {
		t.Fatalf("GetTrigger: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false")
	}
}
