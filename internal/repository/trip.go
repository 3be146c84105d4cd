package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tripledger/booking/internal/domain"
)

// TripRepository stores the trip catalogue entries bookings refer to.
type TripRepository struct {
	db *pgxpool.Pool
}

// NewTripRepository creates a new TripRepository.
func NewTripRepository(db *pgxpool.Pool) *TripRepository {
	return &TripRepository{db: db}
}

// Upsert writes the trip and replaces its package list.
func (r *TripRepository) Upsert(ctx context.Context, t *domain.Trip) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO trips (id, name, travel_date, external_product_id, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				travel_date = EXCLUDED.travel_date,
				external_product_id = EXCLUDED.external_product_id,
				updated_at = EXCLUDED.updated_at
		`, t.ID, t.Name, t.TravelDate, t.ExternalProductID, t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert trip: %w", err)
		}

		ids := make([]string, 0, len(t.Packages))
		batch := &pgx.Batch{}
		for _, p := range t.Packages {
			ids = append(ids, p.ID)
			batch.Queue(`
				INSERT INTO packages (id, trip_id, name, price, deposit)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (id) DO UPDATE SET
					trip_id = EXCLUDED.trip_id,
					name = EXCLUDED.name,
					price = EXCLUDED.price,
					deposit = EXCLUDED.deposit
			`, p.ID, t.ID, p.Name, p.Price, p.Deposit)
		}
		batch.Queue(`DELETE FROM packages WHERE trip_id = $1 AND NOT (id = ANY($2))`, t.ID, ids)
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to upsert packages: %w", err)
		}
		return nil
	})
}

// FindByID returns a trip with its packages, or nil when it does not exist.
func (r *TripRepository) FindByID(ctx context.Context, id string) (*domain.Trip, error) {
	var t domain.Trip
	err := r.db.QueryRow(ctx, `
		SELECT id, name, travel_date, external_product_id, updated_at FROM trips WHERE id = $1
	`, id).Scan(&t.ID, &t.Name, &t.TravelDate, &t.ExternalProductID, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find trip: %w", err)
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, trip_id, name, price, deposit FROM packages WHERE trip_id = $1 ORDER BY price
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query packages: %w", err)
	}
	defer rows.Close()

	t.Packages = []*domain.Package{}
	for rows.Next() {
		var p domain.Package
		if err := rows.Scan(&p.ID, &p.TripID, &p.Name, &p.Price, &p.Deposit); err != nil {
			return nil, fmt.Errorf("failed to scan package row: %w", err)
		}
		t.Packages = append(t.Packages, &p)
	}
	return &t, rows.Err()
}

// FindPackage returns a package, or nil when it does not exist.
func (r *TripRepository) FindPackage(ctx context.Context, packageID string) (*domain.Package, error) {
	var p domain.Package
	err := r.db.QueryRow(ctx, `
		SELECT id, trip_id, name, price, deposit FROM packages WHERE id = $1
	`, packageID).Scan(&p.ID, &p.TripID, &p.Name, &p.Price, &p.Deposit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find package: %w", err)
	}
	return &p, nil
}
