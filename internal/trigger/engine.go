package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/tripwire/internal/event"
	"github.com/linnemanlabs/tripwire/internal/rules"
	"github.com/linnemanlabs/tripwire/internal/worker"
)

var tracer = otel.Tracer("github.com/linnemanlabs/tripwire/internal/trigger")

// EventReader is the read side of the event log used by the engine.
type EventReader interface {
	EventsInWindow(ctx context.Context, t event.Type, from, to time.Time) ([]*event.Event, error)
	EventsByIDs(ctx context.Context, t event.Type, ids []string) ([]*event.Event, error)
}

// MigrationReader looks up a merchant's migration state.
type MigrationReader interface {
	Stage(ctx context.Context, merchantID string) (*event.MigrationState, bool, error)
}

// Enqueuer accepts created triggers for agent dispatch.
type Enqueuer interface {
	Enqueue(ctx context.Context, t *Trigger)
}

// Guard claims a dedup key across processes. Claim reports false when the
// key is already held. Release gives up a claim whose trigger was never stored.
type Guard interface {
	Claim(ctx context.Context, eventType event.Type, errorCode string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, eventType event.Type, errorCode string) error
}

// Hooks receives engine and dispatcher callbacks. Nil fields are ignored.
type Hooks struct {
	OnEvaluate     func(duration float64, err error)
	OnCoalesced    func()
	OnCreated      func(eventType event.Type)
	OnDeduplicated func(eventType event.Type)
	OnDispatch     func(status Status, kind string, duration float64)
}

// EngineConfig wires an Engine. Guard, Hooks and Now are optional.
type EngineConfig struct {
	Events     EventReader
	Migrations MigrationReader
	Triggers   Store
	Dispatcher Enqueuer
	Rules      rules.Source
	Pool       *worker.Pool
	Guard      Guard
	Logger     log.Logger
	Hooks      Hooks
	Now        func() time.Time
}

// Engine evaluates the correlation rules against the event log.
type Engine struct {
	events     EventReader
	migrations MigrationReader
	triggers   Store
	dispatcher Enqueuer
	rules      rules.Source
	pool       *worker.Pool
	guard      Guard
	logger     log.Logger
	hooks      Hooks
	now        func() time.Time
}

// NewEngine creates an Engine. It panics when a required dependency is nil.
func NewEngine(c EngineConfig) *Engine {
	if c.Events == nil || c.Migrations == nil || c.Triggers == nil {
		panic(xerrors.New("trigger.NewEngine: stores are required"))
	}
	if c.Dispatcher == nil {
		panic(xerrors.New("trigger.NewEngine: dispatcher is required"))
	}
	if c.Rules == nil {
		c.Rules = rules.Static(rules.Default())
	}
	if c.Logger == nil {
		c.Logger = log.Nop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return &Engine{
		events:     c.Events,
		migrations: c.Migrations,
		triggers:   c.Triggers,
		dispatcher: c.Dispatcher,
		rules:      c.Rules,
		pool:       c.Pool,
		guard:      c.Guard,
		logger:     c.Logger,
		hooks:      c.Hooks,
		now:        c.Now,
	}
}

// Evaluation is the outcome of one Evaluate pass.
type Evaluation struct {
	At           time.Time
	Created      []*Trigger
	Deduplicated int
}

// Schedule submits an evaluation to the evaluation pool and returns at once.
// When the queue is full an evaluation that has not started yet is already
// waiting and will observe the caller's writes, so the submit is dropped.
func (e *Engine) Schedule(ctx context.Context) bool {
	if e.pool == nil {
		e.logger.Warn(ctx, "no evaluation pool configured, evaluation skipped")
		return false
	}
	ok := e.pool.Submit("correlation.evaluate", func(ctx context.Context) error {
		_, err := e.Evaluate(ctx)
		return err
	})
	if !ok && e.hooks.OnCoalesced != nil {
		e.hooks.OnCoalesced()
	}
	return ok
}

// Evaluate runs every monitored type through the multi-merchant rule once.
// A failure for one type does not stop the others; errors are joined.
func (e *Engine) Evaluate(ctx context.Context) (*Evaluation, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "trigger.Evaluate")
	defer span.End()

	now := e.now().UTC()
	r := e.rules.Rules()
	from := now.Add(-r.Window)

	ev := &Evaluation{At: now}
	var errs []error
	for _, typ := range r.MonitoredTypes {
		if err := e.evaluateType(ctx, typ, from, now, r, ev); err != nil {
			errs = append(errs, fmt.Errorf("evaluate %s: %w", typ, err))
		}
	}
	err := errors.Join(errs...)

	span.SetAttributes(
		attribute.Int("trigger.created", len(ev.Created)),
		attribute.Int("trigger.deduplicated", ev.Deduplicated),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error(ctx, err, "correlation evaluation failed")
	}
	if e.hooks.OnEvaluate != nil {
		e.hooks.OnEvaluate(time.Since(start).Seconds(), err)
	}
	return ev, err
}

type group struct {
	errorCode string
	eventIDs  []string
	merchants map[string]struct{}
}

// groupByErrorCode buckets events by error code in code order. Events without
// a code are skipped.
func groupByErrorCode(events []*event.Event) []*group {
	byCode := make(map[string]*group)
	for _, e := range events {
		code := e.ErrorCode()
		if code == "" {
			continue
		}
		g, ok := byCode[code]
		if !ok {
			g = &group{errorCode: code, merchants: make(map[string]struct{})}
			byCode[code] = g
		}
		g.eventIDs = append(g.eventIDs, e.ID)
		g.merchants[e.MerchantID] = struct{}{}
	}

	out := make([]*group, 0, len(byCode))
	for _, g := range byCode {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].errorCode < out[j].errorCode })
	return out
}

func (e *Engine) evaluateType(ctx context.Context, typ event.Type, from, to time.Time, r rules.Rules, ev *Evaluation) error {
	events, err := e.events.EventsInWindow(ctx, typ, from, to)
	if err != nil {
		return err
	}

	var errs []error
	for _, g := range groupByErrorCode(events) {
		if len(g.merchants) < r.MerchantThreshold {
			continue
		}
		t, err := e.raise(ctx, typ, g, from, to, r)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("error code %s: %w", g.errorCode, err))
		case t == nil:
			ev.Deduplicated++
		default:
			ev.Created = append(ev.Created, t)
		}
	}
	return errors.Join(errs...)
}

// raise creates and dispatches a trigger for g, detected at the window end
// to. It returns nil, nil when the group is suppressed as a duplicate.
func (e *Engine) raise(ctx context.Context, typ event.Type, g *group, from, to time.Time, r rules.Rules) (*Trigger, error) {
	ctx, span := tracer.Start(ctx, "trigger.raise", trace.WithAttributes(
		attribute.String("event.type", string(typ)),
		attribute.String("error.code", g.errorCode),
		attribute.Int("merchants", len(g.merchants)),
	))
	defer span.End()

	L := e.logger.With("event_type", typ, "error_code", g.errorCode)
	detectedAt := to

	dup, err := e.recentlyRaised(ctx, typ, g.errorCode, detectedAt, r.Window)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	var claimed bool
	if !dup && e.guard != nil {
		claimed, err = e.guard.Claim(ctx, typ, g.errorCode, r.Window)
		if err != nil {
			// the stored-trigger scan already passed; proceed without the claim
			L.Warn(ctx, "dedup claim failed", "error", err)
			claimed = false
		} else {
			dup = !claimed
		}
	}
	if dup {
		span.SetAttributes(attribute.Bool("trigger.deduplicated", true))
		if e.hooks.OnDeduplicated != nil {
			e.hooks.OnDeduplicated(typ)
		}
		L.Info(ctx, "trigger suppressed by dedup window", "window_minutes", r.WindowMinutes())
		return nil, nil
	}

	payload, err := e.buildPayload(ctx, typ, g, from, to, detectedAt, r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.release(ctx, L, claimed, typ, g.errorCode)
		return nil, err
	}

	t := &Trigger{
		Type:          TypeMultiMerchantFailure,
		DetectedAt:    detectedAt,
		WindowMinutes: r.WindowMinutes(),
		EventIDs:      append([]string(nil), g.eventIDs...),
		Payload:       payload,
		Status:        StatusAwaitingAgentResponse,
	}
	if err := e.triggers.CreateTrigger(ctx, t); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.release(ctx, L, claimed, typ, g.errorCode)
		return nil, err
	}
	span.SetAttributes(attribute.String("trigger.id", t.ID))

	if e.hooks.OnCreated != nil {
		e.hooks.OnCreated(typ)
	}
	L.Info(ctx, "trigger created",
		"trigger_id", t.ID,
		"affected_merchants", len(g.merchants),
		"event_count", len(g.eventIDs),
	)

	e.dispatcher.Enqueue(ctx, t)
	return t, nil
}

// release drops a guard claim so the next evaluation can retry the insert.
// Until the claim expires a failed release suppresses the pattern.
func (e *Engine) release(ctx context.Context, logger log.Logger, claimed bool, typ event.Type, code string) {
	if !claimed {
		return
	}
	if err := e.guard.Release(context.WithoutCancel(ctx), typ, code); err != nil {
		logger.Warn(ctx, "dedup claim release failed", "error", err)
	}
}

// recentlyRaised reports whether a trigger for the same event type and error
// code was detected within window of at. The check and the later insert are
// not atomic; two concurrent evaluations can both pass it.
func (e *Engine) recentlyRaised(ctx context.Context, typ event.Type, code string, at time.Time, window time.Duration) (bool, error) {
	recent, err := e.triggers.RecentTriggers(ctx, TypeMultiMerchantFailure, at.Add(-window))
	if err != nil {
		return false, err
	}
	for _, t := range recent {
		if t.EventType == typ && t.ErrorCode == code {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) buildPayload(ctx context.Context, typ event.Type, g *group, from, to, detectedAt time.Time, r rules.Rules) (*Payload, error) {
	correlated, err := e.events.EventsByIDs(ctx, typ, g.eventIDs)
	if err != nil {
		return nil, fmt.Errorf("load correlated events: %w", err)
	}
	sort.SliceStable(correlated, func(i, j int) bool {
		return correlated[i].OccurredAt.Before(correlated[j].OccurredAt)
	})

	merchants := make([]string, 0, len(g.merchants))
	for m := range g.merchants {
		merchants = append(merchants, m)
	}
	sort.Strings(merchants)

	mctx := make(map[string]MerchantContext, len(merchants))
	for _, m := range merchants {
		st, ok, err := e.migrations.Stage(ctx, m)
		if err != nil {
			e.logger.Warn(ctx, "migration state lookup failed, using unknown",
				"merchant_id", m, "error", err)
		}
		if err != nil || !ok {
			st = nil
		}
		mctx[m] = merchantContextOf(st)
	}

	tickets, err := e.events.EventsInWindow(ctx, event.TypeTicketCreated, from, to)
	if err != nil {
		e.logger.Warn(ctx, "ticket lookup failed, sending no human signals", "error", err)
		tickets = nil
	}

	return &Payload{
		Trigger: Info{
			TriggerType:       TypeMultiMerchantFailure,
			TriggerReason:     multiMerchantReason,
			DetectedAt:        event.FormatTime(detectedAt),
			TimeWindowMinutes: r.WindowMinutes(),
		},
		Summary: Summary{
			EventType:              typ,
			ErrorCode:              g.errorCode,
			AffectedMerchantsCount: len(g.merchants),
			EventCount:             len(g.eventIDs),
			Trend:                  Unknown,
		},
		CorrelatedEvents:    records(correlated),
		MerchantContext:     mctx,
		RelatedHumanSignals: records(tickets),
	}, nil
}
