package triggerapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/tripwire/internal/event"
)

const (
	defaultEventLimit = 20
	maxEventLimit     = 200
)

type migrationView struct {
	MerchantID   string `json:"merchant_id"`
	CurrentStage string `json:"current_stage"`
	UpdatedAt    string `json:"updated_at"`
}

func (a *API) handleMerchantEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	merchantID := chi.URLParam(r, "merchantID")
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("tripwire.merchant.id", merchantID))

	limit, ok := parseLimit(r.URL.Query().Get("limit"))
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	events, err := a.merchants.RecentMerchantEvents(ctx, merchantID, limit)
	if err != nil {
		a.logger.Error(ctx, err, "failed to list merchant events", "merchant_id", merchantID)
		writeError(w, http.StatusInternalServerError, "Failed to fetch merchant events")
		return
	}

	records := make([]event.Record, 0, len(events))
	for _, e := range events {
		records = append(records, e.Record())
	}
	writeList(w, len(records), records)
}

func (a *API) handleMerchantMigration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	merchantID := chi.URLParam(r, "merchantID")
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("tripwire.merchant.id", merchantID))

	st, ok, err := a.merchants.Stage(ctx, merchantID)
	if err != nil {
		a.logger.Error(ctx, err, "failed to get migration state", "merchant_id", merchantID)
		writeError(w, http.StatusInternalServerError, "Failed to fetch migration state")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "Migration state not found")
		return
	}
	writeData(w, migrationView{
		MerchantID:   st.MerchantID,
		CurrentStage: st.CurrentStage,
		UpdatedAt:    event.FormatTime(st.UpdatedAt),
	})
}

// parseLimit reads the limit query value. Empty means the default; values
// above the maximum are clamped.
func parseLimit(s string) (int, bool) {
	if s == "" {
		return defaultEventLimit, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, false
	}
	return min(n, maxEventLimit), true
}
