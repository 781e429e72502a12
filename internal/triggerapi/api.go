// Package triggerapi serves the read-only dashboard endpoints: the trigger
// list, trigger detail and per-merchant views.
package triggerapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/tripwire/internal/event"
	"github.com/linnemanlabs/tripwire/internal/trigger"
)

// TriggerReader is the trigger read side the dashboard needs.
type TriggerReader interface {
	ListTriggers(ctx context.Context) ([]*trigger.Trigger, error)
	GetTrigger(ctx context.Context, id string) (*trigger.Trigger, bool, error)
}

// MerchantReader is the per-merchant read side the dashboard needs.
type MerchantReader interface {
	RecentMerchantEvents(ctx context.Context, merchantID string, limit int) ([]*event.Event, error)
	Stage(ctx context.Context, merchantID string) (*event.MigrationState, bool, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger    log.Logger
	triggers  TriggerReader
	merchants MerchantReader
}

// New creates a new API handler.
func New(logger log.Logger, triggers TriggerReader, merchants MerchantReader) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if triggers == nil || merchants == nil {
		panic(xerrors.New("trigger and merchant readers are required"))
	}
	return &API{
		logger:    logger,
		triggers:  triggers,
		merchants: merchants,
	}
}

// RegisterRoutes attaches the dashboard endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/triggers", a.handleListTriggers)
		r.Get("/triggers/{id}", a.handleGetTrigger)
		r.Get("/merchants/{merchantID}/events", a.handleMerchantEvents)
		r.Get("/merchants/{merchantID}/migration", a.handleMerchantMigration)
	})
}

type successResponse struct {
	Status string `json:"status"`
	Count  *int   `json:"count,omitempty"`
	Data   any    `json:"data"`
}

type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, successResponse{Status: "success", Data: data})
}

func writeList(w http.ResponseWriter, n int, data any) {
	writeJSON(w, http.StatusOK, successResponse{Status: "success", Count: &n, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Status: "error", Message: msg})
}
