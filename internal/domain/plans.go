package domain

// PaymentPlan describes one payment frequency offered at checkout.
type PaymentPlan struct {
	Frequency   Frequency `json:"frequency"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Recurring   bool      `json:"recurring"`
	Popular     bool      `json:"popular"` // Show "Most Popular" badge
}

// AvailablePaymentPlans returns the frequencies offered to buyers.
func AvailablePaymentPlans() []PaymentPlan {
	return []PaymentPlan{
		{
			Frequency:   FrequencyWeekly,
			Name:        "Weekly",
			Description: "Deposit today, the balance split into weekly charges until the cutoff date.",
			Recurring:   true,
		},
		{
			Frequency:   FrequencyBiWeekly,
			Name:        "Every two weeks",
			Description: "Deposit today, the balance charged every 14 days until the cutoff date.",
			Recurring:   true,
		},
		{
			Frequency:   FrequencyMonthly,
			Name:        "Monthly",
			Description: "Deposit today, the balance charged every 30 days until the cutoff date.",
			Recurring:   true,
			Popular:     true,
		},
		{
			Frequency:   FrequencyLumpSum,
			Name:        "Pay in full",
			Description: "The full price is charged at checkout.",
		},
		{
			Frequency:   FrequencyNone,
			Name:        "Deposit only",
			Description: "Deposit today, pay the balance any time before the cutoff date.",
		},
	}
}

// PlanPreview is a payment plan with the schedule it would produce.
type PlanPreview struct {
	PaymentPlan
	Deposit  int64             `json:"deposit"`
	Schedule []ScheduledCharge `json:"schedule"`
}
