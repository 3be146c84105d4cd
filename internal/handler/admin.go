package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tripledger/booking/internal/domain"
)

// BookingAdmin is the operator view of the booking ledger.
type BookingAdmin interface {
	Get(ctx context.Context, buyerID, id string) (*domain.BookingDetail, error)
	Cancel(ctx context.Context, buyerID, id string, now time.Time) (*domain.Booking, error)
	Refund(ctx context.Context, id string, now time.Time) (*domain.Booking, error)
}

// DueRunner runs the due-installment processor on demand.
type DueRunner interface {
	RunDueInstallments(ctx context.Context, now time.Time) (*domain.RunReport, error)
}

// Resyncer rebuilds a customer's state from the gateway.
type Resyncer interface {
	Resync(ctx context.Context, customerID string, now time.Time) (*domain.ResyncReport, error)
}

// Commissions lists and settles referral commissions.
type Commissions interface {
	List(ctx context.Context, status domain.CommissionStatus) ([]*domain.Commission, error)
	SetStatus(ctx context.Context, id string, status domain.CommissionStatus, now time.Time) (*domain.Commission, error)
}

// ReferralDirectory registers referral codes.
type ReferralDirectory interface {
	UpsertReferralCode(ctx context.Context, rc *domain.ReferralCode) (*domain.ReferralCode, error)
}

// AdminHandler handles operator endpoints. Routes are mounted behind the
// admin middleware.
type AdminHandler struct {
	bookings    BookingAdmin
	runner      DueRunner
	resyncer    Resyncer
	commissions Commissions
	referrals   ReferralDirectory
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(bookings BookingAdmin, runner DueRunner, resyncer Resyncer, commissions Commissions, referrals ReferralDirectory) *AdminHandler {
	return &AdminHandler{
		bookings:    bookings,
		runner:      runner,
		resyncer:    resyncer,
		commissions: commissions,
		referrals:   referrals,
	}
}

// GetBooking handles GET /api/admin/bookings/{id}.
func (h *AdminHandler) GetBooking(w http.ResponseWriter, r *http.Request) {
	detail, err := h.bookings.Get(r.Context(), "", chi.URLParam(r, "id"))
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, detail)
}

// CancelBooking handles POST /api/admin/bookings/{id}/cancel.
func (h *AdminHandler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.bookings.Cancel(r.Context(), "", chi.URLParam(r, "id"), time.Now().UTC())
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, b)
}

// RefundBooking handles POST /api/admin/bookings/{id}/refund.
func (h *AdminHandler) RefundBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.bookings.Refund(r.Context(), chi.URLParam(r, "id"), time.Now().UTC())
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, b)
}

// RunDueInstallments handles POST /api/admin/jobs/due-installments.
func (h *AdminHandler) RunDueInstallments(w http.ResponseWriter, r *http.Request) {
	report, err := h.runner.RunDueInstallments(r.Context(), time.Now().UTC())
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, report)
}

// Resync handles POST /api/admin/resync/{customerId}.
func (h *AdminHandler) Resync(w http.ResponseWriter, r *http.Request) {
	report, err := h.resyncer.Resync(r.Context(), chi.URLParam(r, "customerId"), time.Now().UTC())
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, report)
}

// ListCommissions handles GET /api/admin/commissions?status=.
func (h *AdminHandler) ListCommissions(w http.ResponseWriter, r *http.Request) {
	status := domain.CommissionStatus(r.URL.Query().Get("status"))
	switch status {
	case "", domain.CommissionPending, domain.CommissionPaid, domain.CommissionFailed:
	default:
		Error(w, domain.ErrValidation("status must be one of [pending paid failed]"))
		return
	}

	items, err := h.commissions.List(r.Context(), status)
	if err != nil {
		Error(w, err)
		return
	}
	if items == nil {
		items = []*domain.Commission{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"data": items})
}

// SetCommissionStatus handles POST /api/admin/commissions/{id}/status.
func (h *AdminHandler) SetCommissionStatus(w http.ResponseWriter, r *http.Request) {
	var req domain.CommissionStatusRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, err)
		return
	}

	c, err := h.commissions.SetStatus(r.Context(), chi.URLParam(r, "id"), req.Status, time.Now().UTC())
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, c)
}

// UpsertReferralCode handles POST /api/admin/referral-codes.
func (h *AdminHandler) UpsertReferralCode(w http.ResponseWriter, r *http.Request) {
	var req domain.ReferralCode
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, err)
		return
	}

	rc, err := h.referrals.UpsertReferralCode(r.Context(), &req)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, rc)
}
