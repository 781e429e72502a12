package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/tripwire/internal/worker"
)

// Agent analyzes a frozen trigger payload.
type Agent interface {
	Analyze(ctx context.Context, triggerID string, payload json.RawMessage) (json.RawMessage, error)
}

// Notifier is told about triggers that reached a terminal status.
type Notifier interface {
	Notify(ctx context.Context, t *Trigger) error
}

// ErrQueueFull is recorded when the dispatch pool cannot accept a trigger.
var ErrQueueFull = errors.New("dispatch queue full")

// KindQueueFull is the error_kind recorded for ErrQueueFull.
const KindQueueFull = "queue_full"

// Dispatcher posts created triggers to the agent and records the outcome.
type Dispatcher struct {
	agent    Agent
	store    Store
	pool     *worker.Pool
	notifier Notifier
	logger   log.Logger
	hooks    Hooks
}

// NewDispatcher creates a Dispatcher. notifier may be nil.
func NewDispatcher(agent Agent, store Store, pool *worker.Pool, notifier Notifier, logger log.Logger, hooks Hooks) *Dispatcher {
	if agent == nil || store == nil || pool == nil {
		panic(xerrors.New("trigger.NewDispatcher: agent, store and pool are required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Dispatcher{
		agent:    agent,
		store:    store,
		pool:     pool,
		notifier: notifier,
		logger:   logger,
		hooks:    hooks,
	}
}

// Enqueue hands t to the dispatch pool without waiting. When the pool is
// saturated the trigger is recorded as failed immediately.
func (d *Dispatcher) Enqueue(ctx context.Context, t *Trigger) {
	// copy what the task needs; the caller keeps t
	sealed := &Trigger{ID: t.ID, Snapshot: cloneRaw(t.Snapshot)}
	if d.pool.Submit("agent.dispatch", func(ctx context.Context) error {
		return d.Dispatch(ctx, sealed)
	}) {
		return
	}

	d.logger.Warn(ctx, "dispatch queue full, marking trigger failed", "trigger_id", t.ID)
	_ = d.finish(context.WithoutCancel(ctx), t.ID, failureRecord(ErrQueueFull), StatusAgentFailed, KindQueueFull, 0)
}

// Dispatch sends the snapshot of t to the agent and records the outcome.
// Agent failures are captured on the trigger, not returned; the error is
// non-nil only when the outcome could not be persisted.
func (d *Dispatcher) Dispatch(ctx context.Context, t *Trigger) error {
	ctx, span := tracer.Start(ctx, "trigger.Dispatch", trace.WithAttributes(
		attribute.String("trigger.id", t.ID),
	))
	defer span.End()

	start := time.Now()
	resp, err := d.agent.Analyze(ctx, t.ID, t.Snapshot)
	dur := time.Since(start).Seconds()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Warn(ctx, "agent dispatch failed",
			"trigger_id", t.ID, "error", err, "duration", dur)
		return d.finish(ctx, t.ID, failureRecord(err), StatusAgentFailed, errorKind(err), dur)
	}
	return d.finish(ctx, t.ID, resp, StatusAwaitingHumanApproval, "", dur)
}

func (d *Dispatcher) finish(ctx context.Context, id string, resp json.RawMessage, status Status, kind string, dur float64) error {
	L := d.logger.With("trigger_id", id, "status", status)
	if d.hooks.OnDispatch != nil {
		d.hooks.OnDispatch(status, kind, dur)
	}

	if err := d.store.RecordAgentResponse(ctx, id, resp, status); err != nil {
		L.Error(ctx, err, "failed to record agent outcome")
		return err
	}
	L.Info(ctx, "agent outcome recorded", "duration", dur)

	if d.notifier == nil {
		return nil
	}
	t, ok, err := d.store.GetTrigger(ctx, id)
	if err != nil || !ok {
		L.Warn(ctx, "failed to load trigger for notification", "error", err)
		return nil
	}
	if err := d.notifier.Notify(ctx, t); err != nil {
		L.Warn(ctx, "trigger notification failed", "error", err)
	}
	return nil
}

// errorKind extracts a failure classification from err, if it carries one.
func errorKind(err error) string {
	var k interface{ ErrorKind() string }
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return ""
}

func failureRecord(err error) json.RawMessage {
	kind := errorKind(err)
	if errors.Is(err, ErrQueueFull) {
		kind = KindQueueFull
	}
	b, merr := json.Marshal(Failure{Error: err.Error(), Kind: kind})
	if merr != nil {
		return json.RawMessage(`{"error":"unrecordable agent failure"}`)
	}
	return b
}
