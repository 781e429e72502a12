package trigger

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence interface for triggers.
type Store interface {
	// CreateTrigger assigns an id, seals the payload into the snapshot and
	// persists t with StatusAwaitingAgentResponse. t.ID and t.Snapshot are
	// populated on success.
	CreateTrigger(ctx context.Context, t *Trigger) error

	// RecordAgentResponse stores the agent outcome and moves the trigger to
	// status. Returns store.ErrNotFound for an unknown id and
	// store.ErrStatusConflict when the trigger already left
	// StatusAwaitingAgentResponse.
	RecordAgentResponse(ctx context.Context, id string, response json.RawMessage, status Status) error

	GetTrigger(ctx context.Context, id string) (*Trigger, bool, error)

	// ListTriggers returns all triggers, most recently detected first.
	ListTriggers(ctx context.Context) ([]*Trigger, error)

	// RecentTriggers returns triggers of typ detected at or after since.
	RecentTriggers(ctx context.Context, typ Type, since time.Time) ([]*Trigger, error)
}
