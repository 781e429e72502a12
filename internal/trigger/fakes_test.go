package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/tripwire/internal/event"
	"github.com/linnemanlabs/tripwire/internal/store"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// fakeStore is an in-memory stand-in for the event, migration and trigger
// stores.
type fakeStore struct {
	mu       sync.Mutex
	events   map[event.Type][]*event.Event
	stages   map[string]*event.MigrationState
	triggers []*Trigger
	seq      int

	windowErr map[event.Type]error
	createErr error

	// afterRecentCheck runs once, after RecentTriggers computed its result
	// and before it returns.
	afterRecentCheck func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events:    make(map[event.Type][]*event.Event),
		stages:    make(map[string]*event.MigrationState),
		windowErr: make(map[event.Type]error),
	}
}

func (s *fakeStore) add(e *event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.Type] = append(s.events[e.Type], e)
}

func (s *fakeStore) EventsInWindow(_ context.Context, t event.Type, from, to time.Time) ([]*event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.windowErr[t]; err != nil {
		return nil, err
	}
	var out []*event.Event
	for _, e := range s.events[t] {
		if !e.OccurredAt.Before(from) && !e.OccurredAt.After(to) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

func (s *fakeStore) EventsByIDs(_ context.Context, t event.Type, ids []string) ([]*event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []*event.Event
	for _, e := range s.events[t] {
		if want[e.ID] {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

func (s *fakeStore) Stage(_ context.Context, merchantID string) (*event.MigrationState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stages[merchantID]
	return st, ok, nil
}

func (s *fakeStore) CreateTrigger(_ context.Context, t *Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	s.seq++
	if err := t.Seal(fmt.Sprintf("T%03d", s.seq)); err != nil {
		return err
	}
	t.Status = StatusAwaitingAgentResponse
	t.UpdatedAt = t.DetectedAt
	s.triggers = append(s.triggers, t.Clone())
	return nil
}

func (s *fakeStore) RecordAgentResponse(_ context.Context, id string, resp json.RawMessage, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.triggers {
		if t.ID != id {
			continue
		}
		if !t.Status.CanTransition(status) {
			return store.ErrStatusConflict
		}
		t.Status = status
		t.AgentResponse = cloneRaw(resp)
		return nil
	}
	return store.ErrNotFound
}

func (s *fakeStore) GetTrigger(_ context.Context, id string) (*Trigger, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.triggers {
		if t.ID == id {
			return t.Clone(), true, nil
		}
	}
	return nil, false, nil
}

func (s *fakeStore) ListTriggers(context.Context) ([]*Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Trigger, 0, len(s.triggers))
	for i := len(s.triggers) - 1; i >= 0; i-- {
		out = append(out, s.triggers[i].Clone())
	}
	return out, nil
}

func (s *fakeStore) RecentTriggers(_ context.Context, typ Type, since time.Time) ([]*Trigger, error) {
	s.mu.Lock()
	var out []*Trigger
	for _, t := range s.triggers {
		if t.Type == typ && !t.DetectedAt.Before(since) {
			out = append(out, t.Clone())
		}
	}
	hook := s.afterRecentCheck
	s.afterRecentCheck = nil
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return out, nil
}

func (s *fakeStore) all() []*Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Trigger, len(s.triggers))
	for i, t := range s.triggers {
		out[i] = t.Clone()
	}
	return out
}

// recordingEnqueuer captures enqueued triggers.
type recordingEnqueuer struct {
	mu       sync.Mutex
	triggers []*Trigger
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, t *Trigger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers = append(r.triggers, t)
}

func (r *recordingEnqueuer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.triggers)
}

type fakeAgent struct {
	fn func(ctx context.Context, id string, payload json.RawMessage) (json.RawMessage, error)

	mu    sync.Mutex
	calls []string
	sent  []json.RawMessage
}

func (a *fakeAgent) Analyze(ctx context.Context, id string, payload json.RawMessage) (json.RawMessage, error) {
	a.mu.Lock()
	a.calls = append(a.calls, id)
	a.sent = append(a.sent, cloneRaw(payload))
	a.mu.Unlock()
	return a.fn(ctx, id, payload)
}

type kindError struct {
	kind string
	msg  string
}

func (e *kindError) Error() string     { return e.msg }
func (e *kindError) ErrorKind() string { return e.kind }

type fakeGuard struct {
	claimed  bool
	err      error
	calls    int
	releases int
}

func (g *fakeGuard) Claim(context.Context, event.Type, string, time.Duration) (bool, error) {
	g.calls++
	return g.claimed, g.err
}

func (g *fakeGuard) Release(context.Context, event.Type, string) error {
	g.releases++
	return nil
}

// setNXGuard holds claims like SET NX: a key stays taken until released.
type setNXGuard struct {
	mu   sync.Mutex
	held map[string]bool
}

func newSetNXGuard() *setNXGuard { return &setNXGuard{held: make(map[string]bool)} }

func (g *setNXGuard) Claim(_ context.Context, typ event.Type, code string, _ time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := string(typ) + ":" + code
	if g.held[k] {
		return false, nil
	}
	g.held[k] = true
	return true, nil
}

func (g *setNXGuard) Release(_ context.Context, typ event.Type, code string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.held, string(typ)+":"+code)
	return nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	notified []*Trigger
	err      error
}

func (n *fakeNotifier) Notify(_ context.Context, t *Trigger) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notified = append(n.notified, t)
	return n.err
}

func checkout(id, merchant, code string, at time.Time) *event.Event {
	return &event.Event{
		ID:         id,
		Type:       event.TypeCheckoutFailed,
		MerchantID: merchant,
		Source:     event.SourceCheckout,
		OccurredAt: at,
		Context:    &event.CheckoutContext{Code: code},
		Details:    map[string]any{},
	}
}

func apiError(id, merchant, code string, at time.Time) *event.Event {
	return &event.Event{
		ID:         id,
		Type:       event.TypeAPIError,
		MerchantID: merchant,
		Source:     event.SourceAPI,
		OccurredAt: at,
		Context:    &event.APIErrorContext{Code: code},
		Details:    map[string]any{},
	}
}

func ticket(id, merchant string, at time.Time) *event.Event {
	return &event.Event{
		ID:         id,
		Type:       event.TypeTicketCreated,
		MerchantID: merchant,
		Source:     event.SourceSupport,
		OccurredAt: at,
		Context:    &event.TicketContext{Category: "payments"},
		Details:    map[string]any{},
	}
}
