package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tripledger/booking/internal/domain"
	"github.com/tripledger/booking/internal/service"
)

// Catalog is the trip catalogue used by TripHandler.
type Catalog interface {
	UpsertTrip(ctx context.Context, req *domain.UpsertTripRequest, now time.Time) (*domain.Trip, error)
	GetTrip(ctx context.Context, id string) (*domain.Trip, error)
	PlanPreviews(ctx context.Context, packageID string, now time.Time) ([]domain.PlanPreview, error)
}

// TripHandler handles trip catalogue endpoints.
type TripHandler struct {
	catalog Catalog
}

// NewTripHandler creates a new TripHandler.
func NewTripHandler(catalog Catalog) *TripHandler {
	return &TripHandler{catalog: catalog}
}

// Upsert handles POST /trips/upsert.
func (h *TripHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	var req domain.UpsertTripRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, err)
		return
	}

	trip, err := h.catalog.UpsertTrip(r.Context(), &req, time.Now().UTC())
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, trip)
}

// Get handles GET /api/trips/{id}.
func (h *TripHandler) Get(w http.ResponseWriter, r *http.Request) {
	trip, err := h.catalog.GetTrip(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, trip)
}

// Plans handles GET /api/packages/{id}/plans.
func (h *TripHandler) Plans(w http.ResponseWriter, r *http.Request) {
	previews, err := h.catalog.PlanPreviews(r.Context(), chi.URLParam(r, "id"), time.Now().UTC())
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, previews)
}

// PreviewSchedule handles GET /api/schedule/preview?amount=&cutoff=&frequency=.
// cutoff is an RFC 3339 timestamp or a YYYY-MM-DD date.
func (h *TripHandler) PreviewSchedule(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, err := strconv.ParseInt(q.Get("amount"), 10, 64)
	if err != nil {
		Error(w, domain.ErrBadRequest("amount must be an integer in minor units"))
		return
	}
	cutoff, err := parseDate(q.Get("cutoff"))
	if err != nil {
		Error(w, domain.ErrBadRequest("cutoff must be an RFC 3339 timestamp or YYYY-MM-DD"))
		return
	}

	charges, err := service.PreviewSchedule(amount, cutoff, domain.Frequency(q.Get("frequency")), time.Now().UTC())
	if err != nil {
		Error(w, err)
		return
	}
	if charges == nil {
		charges = []domain.ScheduledCharge{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"schedule": charges})
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}
