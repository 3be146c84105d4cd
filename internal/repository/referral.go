package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tripledger/booking/internal/domain"
)

// ReferralRepository resolves referral codes to referring accounts.
type ReferralRepository struct {
	db *pgxpool.Pool
}

// NewReferralRepository creates a new ReferralRepository.
func NewReferralRepository(db *pgxpool.Pool) *ReferralRepository {
	return &ReferralRepository{db: db}
}

// FindByCode returns the referral code, or nil when it is unknown.
// Codes are matched case-insensitively.
func (r *ReferralRepository) FindByCode(ctx context.Context, code string) (*domain.ReferralCode, error) {
	var rc domain.ReferralCode
	err := r.db.QueryRow(ctx, `SELECT code, account_id FROM referral_codes WHERE code = $1`,
		strings.ToUpper(code)).Scan(&rc.Code, &rc.AccountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find referral code: %w", err)
	}
	return &rc, nil
}

// Upsert registers or reassigns a referral code.
func (r *ReferralRepository) Upsert(ctx context.Context, rc *domain.ReferralCode) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO referral_codes (code, account_id) VALUES ($1, $2)
		ON CONFLICT (code) DO UPDATE SET account_id = EXCLUDED.account_id
	`, strings.ToUpper(rc.Code), rc.AccountID)
	if err != nil {
		return fmt.Errorf("failed to upsert referral code: %w", err)
	}
	return nil
}
