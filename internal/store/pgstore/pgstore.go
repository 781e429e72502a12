// Package pgstore provides PostgreSQL implementations of the event,
// migration and trigger stores.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/tripwire/internal/event"
	"github.com/linnemanlabs/tripwire/internal/store"
	"github.com/linnemanlabs/tripwire/internal/trigger"
)

var tracer = otel.Tracer("github.com/linnemanlabs/tripwire/internal/store/pgstore")

//go:embed schema.sql
var schema string

// Store persists events, migration state and triggers in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

// fail records err on span and wraps it as a StoreError for op.
func fail(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return store.Wrap(op, err)
}

// AppendEvent inserts e. A stored (type, id) pair is left untouched.
func (s *Store) AppendEvent(ctx context.Context, e *event.Event) error {
	ctx, span := startSpan(ctx, "pgstore.AppendEvent", "INSERT")
	defer span.End()

	evCtx, err := json.Marshal(e.Context)
	if err != nil {
		return fail(span, "append event", fmt.Errorf("marshal context: %w", err))
	}
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fail(span, "append event", fmt.Errorf("marshal details: %w", err))
	}
	var raw *string
	if len(e.Raw) > 0 {
		r := string(e.Raw)
		raw = &r
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO events (event_type, event_id, merchant_id, source, occurred_at, context, details, raw)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_type, event_id) DO NOTHING`,
		string(e.Type), e.ID, e.MerchantID, e.Source, e.OccurredAt.UTC(), string(evCtx), string(detailsJSON), raw,
	)
	if err != nil {
		return fail(span, "append event", err)
	}
	return nil
}

const eventColumns = `event_type, event_id, merchant_id, source, occurred_at, context, details, raw`

// EventsInWindow returns events of type t with from <= occurred_at <= to, oldest first.
func (s *Store) EventsInWindow(ctx context.Context, t event.Type, from, to time.Time) ([]*event.Event, error) {
	ctx, span := startSpan(ctx, "pgstore.EventsInWindow", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+eventColumns+` FROM events
		WHERE event_type = $1 AND occurred_at >= $2 AND occurred_at <= $3
		ORDER BY occurred_at, event_id`, string(t), from.UTC(), to.UTC())
	if err != nil {
		return nil, fail(span, "events in window", err)
	}
	out, err := collectEvents(rows)
	if err != nil {
		return nil, fail(span, "events in window", err)
	}
	return out, nil
}

// EventsByIDs returns events of type t with the given ids, oldest first.
func (s *Store) EventsByIDs(ctx context.Context, t event.Type, ids []string) ([]*event.Event, error) {
	ctx, span := startSpan(ctx, "pgstore.EventsByIDs", "SELECT")
	defer span.End()

	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+eventColumns+` FROM events
		WHERE event_type = $1 AND event_id = ANY($2)
		ORDER BY occurred_at, event_id`, string(t), ids)
	if err != nil {
		return nil, fail(span, "events by ids", err)
	}
	out, err := collectEvents(rows)
	if err != nil {
		return nil, fail(span, "events by ids", err)
	}
	return out, nil
}

// RecentMerchantEvents returns up to limit events for merchantID, newest first.
func (s *Store) RecentMerchantEvents(ctx context.Context, merchantID string, limit int) ([]*event.Event, error) {
	ctx, span := startSpan(ctx, "pgstore.RecentMerchantEvents", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+eventColumns+` FROM events
		WHERE merchant_id = $1
		ORDER BY occurred_at DESC, event_id DESC
		LIMIT $2`, merchantID, limit)
	if err != nil {
		return nil, fail(span, "recent merchant events", err)
	}
	out, err := collectEvents(rows)
	if err != nil {
		return nil, fail(span, "recent merchant events", err)
	}
	return out, nil
}

func collectEvents(rows pgx.Rows) ([]*event.Event, error) {
	defer rows.Close()
	var out []*event.Event
	for rows.Next() {
		var (
			e       event.Event
			typ     string
			ctxJSON []byte
			details []byte
			raw     []byte
		)
		if err := rows.Scan(&typ, &e.ID, &e.MerchantID, &e.Source, &e.OccurredAt, &ctxJSON, &details, &raw); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = event.Type(typ)
		e.OccurredAt = e.OccurredAt.UTC()

		c, err := event.DecodeContext(e.Type, ctxJSON)
		if err != nil {
			return nil, fmt.Errorf("decode context of %s: %w", e.ID, err)
		}
		e.Context = c
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return nil, fmt.Errorf("decode details of %s: %w", e.ID, err)
		}
		if len(raw) > 0 {
			e.Raw = json.RawMessage(raw)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// UpsertStage overwrites the merchant's migration state.
func (s *Store) UpsertStage(ctx context.Context, st event.MigrationState) error {
	ctx, span := startSpan(ctx, "pgstore.UpsertStage", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO merchant_migration_state (merchant_id, current_stage, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (merchant_id) DO UPDATE SET
			current_stage = EXCLUDED.current_stage,
			updated_at    = EXCLUDED.updated_at`,
		st.MerchantID, st.CurrentStage, st.UpdatedAt.UTC())
	if err != nil {
		return fail(span, "upsert stage", err)
	}
	return nil
}

// UpsertStageIfNewer writes st unless the stored row is later, in one statement.
func (s *Store) UpsertStageIfNewer(ctx context.Context, st event.MigrationState) (bool, error) {
	ctx, span := startSpan(ctx, "pgstore.UpsertStageIfNewer", "UPSERT")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO merchant_migration_state (merchant_id, current_stage, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (merchant_id) DO UPDATE SET
			current_stage = EXCLUDED.current_stage,
			updated_at    = EXCLUDED.updated_at
		WHERE merchant_migration_state.updated_at <= EXCLUDED.updated_at`,
		st.MerchantID, st.CurrentStage, st.UpdatedAt.UTC())
	if err != nil {
		return false, fail(span, "upsert stage if newer", err)
	}
	applied := tag.RowsAffected() > 0
	span.SetAttributes(attribute.Bool("migration.applied", applied))
	return applied, nil
}

// Stage returns the merchant's migration state.
func (s *Store) Stage(ctx context.Context, merchantID string) (*event.MigrationState, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Stage", "SELECT")
	defer span.End()

	st := event.MigrationState{MerchantID: merchantID}
	err := s.pool.QueryRow(ctx, `
		SELECT current_stage, updated_at FROM merchant_migration_state WHERE merchant_id = $1`,
		merchantID).Scan(&st.CurrentStage, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, "stage", err)
	}
	st.UpdatedAt = st.UpdatedAt.UTC()
	return &st, true, nil
}

// CreateTrigger assigns a ULID, seals the payload and inserts the trigger.
func (s *Store) CreateTrigger(ctx context.Context, t *trigger.Trigger) error {
	ctx, span := startSpan(ctx, "pgstore.CreateTrigger", "INSERT")
	defer span.End()

	if err := t.Seal(ulid.Make().String()); err != nil {
		return fail(span, "create trigger", err)
	}
	t.Status = trigger.StatusAwaitingAgentResponse
	span.SetAttributes(attribute.String("trigger.id", t.ID))

	err := s.pool.QueryRow(ctx, `
		INSERT INTO triggers (id, trigger_type, detected_at, window_minutes, event_ids,
			event_type, error_code, status, snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING updated_at`,
		t.ID, string(t.Type), t.DetectedAt.UTC(), t.WindowMinutes, t.EventIDs,
		string(t.EventType), t.ErrorCode, string(t.Status), string(t.Snapshot),
	).Scan(&t.UpdatedAt)
	if err != nil {
		return fail(span, "create trigger", err)
	}
	t.UpdatedAt = t.UpdatedAt.UTC()
	return nil
}

// RecordAgentResponse stores the agent outcome if the trigger is still
// awaiting one.
func (s *Store) RecordAgentResponse(ctx context.Context, id string, resp json.RawMessage, status trigger.Status) error {
	ctx, span := startSpan(ctx, "pgstore.RecordAgentResponse", "UPDATE")
	defer span.End()
	span.SetAttributes(attribute.String("trigger.id", id), attribute.String("trigger.status", string(status)))

	if !trigger.StatusAwaitingAgentResponse.CanTransition(status) {
		return store.ErrStatusConflict
	}

	var body *string
	if len(resp) > 0 {
		b := string(resp)
		body = &b
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE triggers SET status = $2, agent_response = $3, updated_at = now()
		WHERE id = $1 AND status = $4`,
		id, string(status), body, string(trigger.StatusAwaitingAgentResponse))
	if err != nil {
		return fail(span, "record agent response", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM triggers WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fail(span, "record agent response", err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrStatusConflict
}

const triggerColumns = `id, trigger_type, detected_at, window_minutes, event_ids, event_type,
	error_code, status, snapshot, agent_response, updated_at`

// GetTrigger retrieves a trigger by id.
func (s *Store) GetTrigger(ctx context.Context, id string) (*trigger.Trigger, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetTrigger", "SELECT")
	defer span.End()

	t, err := scanTrigger(s.pool.QueryRow(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, "get trigger", err)
	}
	return t, true, nil
}

// ListTriggers returns all triggers, most recently detected first.
func (s *Store) ListTriggers(ctx context.Context) ([]*trigger.Trigger, error) {
	ctx, span := startSpan(ctx, "pgstore.ListTriggers", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+triggerColumns+` FROM triggers ORDER BY detected_at DESC, id DESC`)
	if err != nil {
		return nil, fail(span, "list triggers", err)
	}
	out, err := collectTriggers(rows)
	if err != nil {
		return nil, fail(span, "list triggers", err)
	}
	return out, nil
}

// RecentTriggers returns triggers of typ detected at or after since.
func (s *Store) RecentTriggers(ctx context.Context, typ trigger.Type, since time.Time) ([]*trigger.Trigger, error) {
	ctx, span := startSpan(ctx, "pgstore.RecentTriggers", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+triggerColumns+` FROM triggers
		WHERE trigger_type = $1 AND detected_at >= $2
		ORDER BY detected_at`, string(typ), since.UTC())
	if err != nil {
		return nil, fail(span, "recent triggers", err)
	}
	out, err := collectTriggers(rows)
	if err != nil {
		return nil, fail(span, "recent triggers", err)
	}
	return out, nil
}

func collectTriggers(rows pgx.Rows) ([]*trigger.Trigger, error) {
	defer rows.Close()
	var out []*trigger.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate triggers: %w", err)
	}
	return out, nil
}

func scanTrigger(row pgx.Row) (*trigger.Trigger, error) {
	var (
		t         trigger.Trigger
		typ       string
		eventType string
		status    string
		snapshot  []byte
		response  []byte
	)
	err := row.Scan(&t.ID, &typ, &t.DetectedAt, &t.WindowMinutes, &t.EventIDs, &eventType,
		&t.ErrorCode, &status, &snapshot, &response, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Type = trigger.Type(typ)
	t.EventType = event.Type(eventType)
	t.Status = trigger.Status(status)
	t.DetectedAt = t.DetectedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	t.Snapshot = json.RawMessage(snapshot)
	if len(response) > 0 {
		t.AgentResponse = json.RawMessage(response)
	}
	return &t, nil
}
