// Package ingest accepts raw source payloads: it normalizes them, appends the
// event, keeps the migration projection current and schedules correlation.
package ingest

import (
	"context"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/tripwire/internal/event"
	"github.com/linnemanlabs/tripwire/internal/store"
)

var tracer = otel.Tracer("github.com/linnemanlabs/tripwire/internal/ingest")

// Scheduler queues a correlation evaluation without waiting for it.
type Scheduler interface {
	Schedule(ctx context.Context) bool
}

// Hooks receives ingest callbacks. Nil fields are ignored.
type Hooks struct {
	OnIngest    func(t event.Type, result string, duration float64)
	OnMigration func(applied bool)
}

// Options tunes a Service.
type Options struct {
	// LastWriteWins overwrites the migration projection even when the update
	// is older than the stored state.
	LastWriteWins bool
	Hooks         Hooks
}

// Service is the business boundary for event ingestion.
type Service struct {
	events     event.Store
	migrations event.MigrationStore
	scheduler  Scheduler
	logger     log.Logger
	opts       Options
}

// NewService creates an ingest Service.
func NewService(events event.Store, migrations event.MigrationStore, scheduler Scheduler, logger log.Logger, opts Options) *Service {
	if events == nil || migrations == nil || scheduler == nil {
		panic(xerrors.New("ingest.NewService: stores and scheduler are required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		events:     events,
		migrations: migrations,
		scheduler:  scheduler,
		logger:     logger,
		opts:       opts,
	}
}

// Ingest normalizes raw as an event of type t and persists it. It returns a
// *event.ValidationError for bad payloads and a *store.StoreError when
// persistence fails. Correlation runs later on the evaluation pool.
func (s *Service) Ingest(ctx context.Context, t event.Type, raw []byte) (*event.Event, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "ingest.Ingest", trace.WithAttributes(
		attribute.String("event.type", string(t)),
	))
	defer span.End()

	e, err := s.ingest(ctx, t, raw)
	result := "accepted"
	switch {
	case event.IsValidation(err):
		result = "invalid"
	case err != nil:
		result = "error"
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(
			attribute.String("event.id", e.ID),
			attribute.String("merchant.id", e.MerchantID),
		)
	}
	if s.opts.Hooks.OnIngest != nil {
		s.opts.Hooks.OnIngest(t, result, time.Since(start).Seconds())
	}
	return e, err
}

func (s *Service) ingest(ctx context.Context, t event.Type, raw []byte) (*event.Event, error) {
	e, err := event.Normalize(t, raw)
	if err != nil {
		return nil, err
	}

	if err := s.events.AppendEvent(ctx, e); err != nil {
		return nil, asStoreError("append event", err)
	}

	if e.Type == event.TypeMigrationStageUpdated {
		if err := s.project(ctx, e); err != nil {
			return nil, err
		}
	}

	s.scheduler.Schedule(ctx)
	return e, nil
}

// project applies a migration event to the merchant's migration state.
func (s *Service) project(ctx context.Context, e *event.Event) error {
	mc, ok := e.Context.(*event.MigrationContext)
	if !ok {
		return store.Wrap("upsert migration stage", xerrors.New("migration event without migration context"))
	}
	st := event.MigrationState{
		MerchantID:   e.MerchantID,
		CurrentStage: mc.NewStage,
		UpdatedAt:    e.OccurredAt,
	}

	if s.opts.LastWriteWins {
		if err := s.migrations.UpsertStage(ctx, st); err != nil {
			return asStoreError("upsert migration stage", err)
		}
		s.migrationHook(true)
		return nil
	}

	applied, err := s.migrations.UpsertStageIfNewer(ctx, st)
	if err != nil {
		return asStoreError("upsert migration stage", err)
	}
	s.migrationHook(applied)
	if !applied {
		s.logger.Info(ctx, "skipped out-of-order migration update",
			"merchant_id", e.MerchantID,
			"event_id", e.ID,
			"new_stage", mc.NewStage,
			"occurred_at", event.FormatTime(e.OccurredAt),
		)
	}
	return nil
}

func (s *Service) migrationHook(applied bool) {
	if s.opts.Hooks.OnMigration != nil {
		s.opts.Hooks.OnMigration(applied)
	}
}

func asStoreError(op string, err error) error {
	if store.IsStoreError(err) {
		return err
	}
	return store.Wrap(op, err)
}
