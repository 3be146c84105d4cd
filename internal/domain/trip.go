package domain

import "time"

// Trip is the content-side record a booking refers to. It is owned by the
// trip catalogue and only upserted here so packages can be resolved.
type Trip struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	TravelDate        time.Time  `json:"travelDate"`
	ExternalProductID string     `json:"externalProductId"`
	Packages          []*Package `json:"packages"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// Package is one purchasable option of a trip.
type Package struct {
	ID      string `json:"id"`
	TripID  string `json:"tripId"`
	Name    string `json:"name"`
	Price   int64  `json:"price"`   // minor units
	Deposit int64  `json:"deposit"` // minor units charged at checkout
}

// UpsertTripRequest is the validated input of POST /trips/upsert.
type UpsertTripRequest struct {
	ID                string                 `json:"id" validate:"required,max=64"`
	Name              string                 `json:"name" validate:"required,max=255"`
	TravelDate        time.Time              `json:"travelDate" validate:"required"`
	ExternalProductID string                 `json:"externalProductId" validate:"omitempty,max=255"`
	Packages          []UpsertPackageRequest `json:"packages" validate:"required,min=1,dive"`
}

// UpsertPackageRequest is one package entry of a trip upsert.
type UpsertPackageRequest struct {
	ID      string `json:"id" validate:"required,max=64"`
	Name    string `json:"name" validate:"required,max=255"`
	Price   int64  `json:"price" validate:"required,gt=0"`
	Deposit int64  `json:"deposit" validate:"gte=0,ltefield=Price"`
}

// ToTrip converts the request into a Trip.
func (r *UpsertTripRequest) ToTrip(now time.Time) *Trip {
	t := &Trip{
		ID:                r.ID,
		Name:              r.Name,
		TravelDate:        r.TravelDate,
		ExternalProductID: r.ExternalProductID,
		UpdatedAt:         now,
	}
	for _, p := range r.Packages {
		t.Packages = append(t.Packages, &Package{
			ID:      p.ID,
			TripID:  r.ID,
			Name:    p.Name,
			Price:   p.Price,
			Deposit: p.Deposit,
		})
	}
	return t
}
