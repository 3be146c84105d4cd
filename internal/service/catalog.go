package service

import (
	"context"
	"strings"
	"time"

	"github.com/tripledger/booking/internal/domain"
	"go.uber.org/zap"
)

// CatalogService mirrors the trip catalogue and referral directory that
// checkout resolves against.
type CatalogService struct {
	trips          TripStore
	referrals      ReferralStore
	cutoffLeadDays int
	log            *zap.Logger
}

// NewCatalogService creates a new CatalogService.
func NewCatalogService(trips TripStore, referrals ReferralStore, cutoffLeadDays int, log *zap.Logger) *CatalogService {
	return &CatalogService{trips: trips, referrals: referrals, cutoffLeadDays: cutoffLeadDays, log: log}
}

// UpsertTrip creates or replaces a trip and its packages.
func (s *CatalogService) UpsertTrip(ctx context.Context, req *domain.UpsertTripRequest, now time.Time) (*domain.Trip, error) {
	seen := make(map[string]bool, len(req.Packages))
	for _, p := range req.Packages {
		if seen[p.ID] {
			return nil, domain.ErrValidation("duplicate package id " + p.ID)
		}
		seen[p.ID] = true
	}

	t := req.ToTrip(now)
	if err := s.trips.Upsert(ctx, t); err != nil {
		return nil, domain.ErrInternal("failed to upsert trip", err)
	}
	s.log.Info("trip upserted", zap.String("trip_id", t.ID), zap.Int("packages", len(t.Packages)))
	return t, nil
}

// GetTrip returns a trip with its packages.
func (s *CatalogService) GetTrip(ctx context.Context, id string) (*domain.Trip, error) {
	t, err := s.trips.FindByID(ctx, id)
	if err != nil {
		return nil, domain.ErrInternal("failed to find trip", err)
	}
	if t == nil {
		return nil, domain.ErrNotFoundf("trip %s not found", id)
	}
	return t, nil
}

// PlanPreviews returns every payment plan of a package with the schedule
// it would produce if the deposit were paid at now.
func (s *CatalogService) PlanPreviews(ctx context.Context, packageID string, now time.Time) ([]domain.PlanPreview, error) {
	pkg, err := s.trips.FindPackage(ctx, packageID)
	if err != nil {
		return nil, domain.ErrInternal("failed to find package", err)
	}
	if pkg == nil {
		return nil, domain.ErrNotFoundf("package %s not found", packageID)
	}
	trip, err := s.GetTrip(ctx, pkg.TripID)
	if err != nil {
		return nil, err
	}

	cutoff := trip.TravelDate.AddDate(0, 0, -s.cutoffLeadDays)
	var out []domain.PlanPreview
	for _, plan := range domain.AvailablePaymentPlans() {
		if plan.Frequency != domain.FrequencyLumpSum && (!cutoff.After(now) || pkg.Deposit <= 0) {
			continue
		}
		p := domain.PlanPreview{PaymentPlan: plan, Deposit: pkg.Deposit}
		if plan.Frequency == domain.FrequencyLumpSum {
			p.Deposit = pkg.Price
		}
		p.Schedule, err = domain.GenerateSchedule(pkg.Price-p.Deposit, cutoff, plan.Frequency, now)
		if err != nil {
			return nil, domain.ErrInternal("failed to build schedule", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// PreviewSchedule generates a schedule without touching the ledger.
func PreviewSchedule(remaining int64, cutoff time.Time, freq domain.Frequency, now time.Time) ([]domain.ScheduledCharge, error) {
	if remaining < 0 {
		return nil, domain.ErrValidation("amount must not be negative")
	}
	if !freq.Valid() {
		return nil, domain.ErrValidation("unknown payment frequency")
	}
	charges, err := domain.GenerateSchedule(remaining, cutoff, freq, now)
	if err != nil {
		return nil, domain.ErrInternal("failed to build schedule", err)
	}
	return charges, nil
}

// UpsertReferralCode registers or reassigns a referral code.
func (s *CatalogService) UpsertReferralCode(ctx context.Context, rc *domain.ReferralCode) (*domain.ReferralCode, error) {
	rc.Code = strings.ToUpper(strings.TrimSpace(rc.Code))
	if rc.Code == "" || rc.AccountID == "" {
		return nil, domain.ErrValidation("code and accountId are required")
	}
	if err := s.referrals.Upsert(ctx, rc); err != nil {
		return nil, domain.ErrInternal("failed to save referral code", err)
	}
	return rc, nil
}
