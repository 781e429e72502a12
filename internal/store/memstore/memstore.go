// Package memstore provides in-memory implementations of the event, migration
// and trigger stores. Suitable for dev/testing.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/tripwire/internal/event"
	"github.com/linnemanlabs/tripwire/internal/store"
	"github.com/linnemanlabs/tripwire/internal/trigger"
)

type eventKey struct {
	typ event.Type
	id  string
}

// Store holds events, migration state and triggers in memory.
type Store struct {
	mu       sync.RWMutex
	events   map[event.Type][]*event.Event // per type, ordered by OccurredAt
	seen     map[eventKey]struct{}
	stages   map[string]event.MigrationState // merchant ID -> state
	triggers map[string]*trigger.Trigger     // trigger ID -> trigger
	order    []string                        // trigger IDs in creation order

	now func() time.Time
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		events:   make(map[event.Type][]*event.Event),
		seen:     make(map[eventKey]struct{}),
		stages:   make(map[string]event.MigrationState),
		triggers: make(map[string]*trigger.Trigger),
		now:      time.Now,
	}
}

// AppendEvent stores a copy of e. Re-appending a stored id and type is a no-op.
func (s *Store) AppendEvent(_ context.Context, e *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := eventKey{typ: e.Type, id: e.ID}
	if _, ok := s.seen[k]; ok {
		return nil
	}
	s.seen[k] = struct{}{}

	cp := *e
	list := s.events[e.Type]
	i := sort.Search(len(list), func(i int) bool { return list[i].OccurredAt.After(e.OccurredAt) })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = &cp
	s.events[e.Type] = list
	return nil
}

// EventsInWindow returns copies of the events of type t with
// from <= OccurredAt <= to, oldest first.
func (s *Store) EventsInWindow(_ context.Context, t event.Type, from, to time.Time) ([]*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.events[t]
	lo := sort.Search(len(list), func(i int) bool { return !list[i].OccurredAt.Before(from) })
	var out []*event.Event
	for _, e := range list[lo:] {
		if e.OccurredAt.After(to) {
			break
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// EventsByIDs returns copies of the events of type t with the given ids,
// oldest first.
func (s *Store) EventsByIDs(_ context.Context, t event.Type, ids []string) ([]*event.Event, error) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*event.Event
	for _, e := range s.events[t] {
		if _, ok := want[e.ID]; ok {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// RecentMerchantEvents returns up to limit events for merchantID, newest first.
func (s *Store) RecentMerchantEvents(_ context.Context, merchantID string, limit int) ([]*event.Event, error) {
	s.mu.RLock()
	var out []*event.Event
	for _, list := range s.events {
		for _, e := range list {
			if e.MerchantID == merchantID {
				cp := *e
				out = append(out, &cp)
			}
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpsertStage overwrites the merchant's migration state.
func (s *Store) UpsertStage(_ context.Context, st event.MigrationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages[st.MerchantID] = st
	return nil
}

// UpsertStageIfNewer writes st unless the stored state is later.
func (s *Store) UpsertStageIfNewer(_ context.Context, st event.MigrationState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.stages[st.MerchantID]; ok && cur.UpdatedAt.After(st.UpdatedAt) {
		return false, nil
	}
	s.stages[st.MerchantID] = st
	return true, nil
}

// Stage returns the merchant's migration state.
func (s *Store) Stage(_ context.Context, merchantID string) (*event.MigrationState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stages[merchantID]
	if !ok {
		return nil, false, nil
	}
	return &st, true, nil
}

// CreateTrigger assigns a ULID, seals the payload and stores a copy.
func (s *Store) CreateTrigger(_ context.Context, t *trigger.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := t.Seal(ulid.Make().String()); err != nil {
		return store.Wrap("create trigger", err)
	}
	t.Status = trigger.StatusAwaitingAgentResponse
	t.UpdatedAt = s.now().UTC()

	s.triggers[t.ID] = t.Clone()
	s.order = append(s.order, t.ID)
	return nil
}

// RecordAgentResponse stores the agent outcome if the trigger is still
// awaiting one.
func (s *Store) RecordAgentResponse(_ context.Context, id string, resp json.RawMessage, status trigger.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.triggers[id]
	if !ok {
		return store.ErrNotFound
	}
	if !t.Status.CanTransition(status) {
		return store.ErrStatusConflict
	}
	t.Status = status
	t.AgentResponse = append(json.RawMessage(nil), resp...)
	t.UpdatedAt = s.now().UTC()
	return nil
}

// GetTrigger returns a copy of the trigger.
func (s *Store) GetTrigger(_ context.Context, id string) (*trigger.Trigger, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.triggers[id]
	if !ok {
		return nil, false, nil
	}
	return t.Clone(), true, nil
}

// ListTriggers returns copies of all triggers, most recently detected first.
func (s *Store) ListTriggers(_ context.Context) ([]*trigger.Trigger, error) {
	s.mu.RLock()
	out := make([]*trigger.Trigger, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.triggers[id].Clone())
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].DetectedAt.After(out[j].DetectedAt)
	})
	return out, nil
}

// RecentTriggers returns triggers of typ detected at or after since.
func (s *Store) RecentTriggers(_ context.Context, typ trigger.Type, since time.Time) ([]*trigger.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*trigger.Trigger
	for _, id := range s.order {
		t := s.triggers[id]
		if t.Type == typ && !t.DetectedAt.Before(since) {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}
