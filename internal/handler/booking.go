package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tripledger/booking/internal/domain"
)

// Bookings is the buyer-facing booking API.
type Bookings interface {
	CreateCheckout(ctx context.Context, buyerID string, req *domain.CheckoutRequest, now time.Time) (*domain.CheckoutResponse, error)
	Get(ctx context.Context, buyerID, id string) (*domain.BookingDetail, error)
	ListForBuyer(ctx context.Context, buyerID string) ([]*domain.Booking, error)
	ChangeFrequency(ctx context.Context, buyerID, id string, freq domain.Frequency, now time.Time) (*domain.BookingDetail, error)
	PayOff(ctx context.Context, buyerID, id string, now time.Time) (*domain.Installment, error)
	RetryInstallment(ctx context.Context, buyerID, installmentID string, now time.Time) (*domain.Installment, error)
	UpdatePaymentMethod(ctx context.Context, buyerID, id, paymentMethodID string, now time.Time) (*domain.Booking, error)
	Cancel(ctx context.Context, buyerID, id string, now time.Time) (*domain.Booking, error)
}

// BookingHandler handles booking endpoints for authenticated buyers.
type BookingHandler struct {
	bookings Bookings
}

// NewBookingHandler creates a new BookingHandler.
func NewBookingHandler(bookings Bookings) *BookingHandler {
	return &BookingHandler{bookings: bookings}
}

// Checkout handles POST /api/checkout.
func (h *BookingHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := userID(r)
	if !ok {
		unauthorized(w)
		return
	}

	var req domain.CheckoutRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, err)
		return
	}

	resp, err := h.bookings.CreateCheckout(r.Context(), buyerID, &req, time.Now().UTC())
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusCreated, resp)
}

// List handles GET /api/bookings.
func (h *BookingHandler) List(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := userID(r)
	if !ok {
		unauthorized(w)
		return
	}

	bookings, err := h.bookings.ListForBuyer(r.Context(), buyerID)
	if err != nil {
		Error(w, err)
		return
	}
	if bookings == nil {
		bookings = []*domain.Booking{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"data": bookings})
}

// Get handles GET /api/bookings/{id}.
func (h *BookingHandler) Get(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := userID(r)
	if !ok {
		unauthorized(w)
		return
	}

	detail, err := h.bookings.Get(r.Context(), buyerID, chi.URLParam(r, "id"))
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, detail)
}

// ChangeFrequency handles POST /api/bookings/{id}/frequency.
func (h *BookingHandler) ChangeFrequency(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := userID(r)
	if !ok {
		unauthorized(w)
		return
	}

	var req domain.ChangeFrequencyRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, err)
		return
	}

	detail, err := h.bookings.ChangeFrequency(r.Context(), buyerID, chi.URLParam(r, "id"), req.Frequency, time.Now().UTC())
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, detail)
}

// PayOff handles POST /api/bookings/{id}/payoff.
func (h *BookingHandler) PayOff(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := userID(r)
	if !ok {
		unauthorized(w)
		return
	}

	it, err := h.bookings.PayOff(r.Context(), buyerID, chi.URLParam(r, "id"), time.Now().UTC())
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, it)
}

// UpdatePaymentMethod handles POST /api/bookings/{id}/payment-method.
func (h *BookingHandler) UpdatePaymentMethod(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := userID(r)
	if !ok {
		unauthorized(w)
		return
	}

	var req domain.UpdatePaymentMethodRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, err)
		return
	}

	b, err := h.bookings.UpdatePaymentMethod(r.Context(), buyerID, chi.URLParam(r, "id"), req.PaymentMethodID, time.Now().UTC())
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, b)
}

// Cancel handles POST /api/bookings/{id}/cancel.
func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := userID(r)
	if !ok {
		unauthorized(w)
		return
	}

	b, err := h.bookings.Cancel(r.Context(), buyerID, chi.URLParam(r, "id"), time.Now().UTC())
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, b)
}

// RetryInstallment handles POST /api/installments/{id}/retry.
func (h *BookingHandler) RetryInstallment(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := userID(r)
	if !ok {
		unauthorized(w)
		return
	}

	it, err := h.bookings.RetryInstallment(r.Context(), buyerID, chi.URLParam(r, "id"), time.Now().UTC())
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, it)
}
