// Package eventapi exposes the event ingestion endpoints.
package eventapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/tripwire/internal/event"
)

// IngestService defines the business operation eventapi needs.
type IngestService interface {
	Ingest(ctx context.Context, t event.Type, raw []byte) (*event.Event, error)
}

// Routes maps ingest paths (relative to /events) to event types.
var Routes = map[string]event.Type{
	"/support-ticket":  event.TypeTicketCreated,
	"/checkout-failed": event.TypeCheckoutFailed,
	"/api-error":       event.TypeAPIError,
	"/webhook-failed":  event.TypeWebhookFailed,
	"/migration-stage": event.TypeMigrationStageUpdated,
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    IngestService
}

// New creates a new API handler.
func New(logger log.Logger, svc IngestService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("ingest service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches the ingest endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/events", func(r chi.Router) {
		for path, t := range Routes {
			r.Post(path, a.handleIngest(t))
		}
	})
}

type acceptedResponse struct {
	Status    string     `json:"status"`
	EventType event.Type `json:"event_type"`
	EventID   string     `json:"event_id"`
}

type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (a *API) handleIngest(t event.Type) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(attribute.String("tripwire.event.type", string(t)))

		body, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}

		e, err := a.svc.Ingest(ctx, t, body)
		switch {
		case event.IsValidation(err):
			writeError(w, http.StatusBadRequest, err.Error())
			return
		case err != nil:
			a.logger.Error(ctx, err, "failed to ingest event", "event_type", t)
			writeError(w, http.StatusInternalServerError, "failed to store event")
			return
		}

		span.SetAttributes(attribute.String("tripwire.event.id", e.ID))
		writeJSON(w, http.StatusAccepted, acceptedResponse{
			Status:    "accepted",
			EventType: e.Type,
			EventID:   e.ID,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Status: "error", Message: msg})
}
