package event

import (
	"context"
	"time"
)

// Store is the append-only event log.
type Store interface {
	// AppendEvent persists e. Appending an event whose id and type are
	// already stored is a no-op.
	AppendEvent(ctx context.Context, e *Event) error

	// EventsInWindow returns events of type t with from <= OccurredAt <= to,
	// ordered by occurrence time ascending.
	EventsInWindow(ctx context.Context, t Type, from, to time.Time) ([]*Event, error)

	// EventsByIDs returns the events of type t with the given ids, ordered by
	// occurrence time ascending. Unknown ids are ignored.
	EventsByIDs(ctx context.Context, t Type, ids []string) ([]*Event, error)

	// RecentMerchantEvents returns up to limit events for a merchant, newest first.
	RecentMerchantEvents(ctx context.Context, merchantID string, limit int) ([]*Event, error)
}

// MigrationStore holds the latest-value migration projection per merchant.
type MigrationStore interface {
	// UpsertStage overwrites the merchant's state unconditionally.
	UpsertStage(ctx context.Context, st MigrationState) error

	// UpsertStageIfNewer writes st unless the stored state has a later
	// UpdatedAt. It reports whether the write was applied.
	UpsertStageIfNewer(ctx context.Context, st MigrationState) (bool, error)

	// Stage returns the merchant's current state, if any.
	Stage(ctx context.Context, merchantID string) (*MigrationState, bool, error)
}
