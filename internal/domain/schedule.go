package domain

import (
	"fmt"
	"time"
)

const day = 24 * time.Hour

// PeriodLength maps a recurring frequency to its spacing.
func PeriodLength(f Frequency) (time.Duration, bool) {
	switch f {
	case FrequencyWeekly:
		return 7 * day, true
	case FrequencyBiWeekly:
		return 14 * day, true
	case FrequencyMonthly:
		return 30 * day, true
	}
	return 0, false
}

// ScheduledCharge is one generated entry of a payment schedule.
type ScheduledCharge struct {
	Sequence int       `json:"sequence"`
	Amount   int64     `json:"amount"`
	DueDate  time.Time `json:"dueDate"`
}

// GenerateSchedule splits remaining into equal ceil-rounded charges spaced
// one period apart, the first one period after now. The last charge absorbs
// the rounding remainder so the amounts always sum to remaining.
//
// Lump-sum and none frequencies, and a non-positive balance, produce no
// entries: those are settled by the payoff path.
func GenerateSchedule(remaining int64, cutoff time.Time, freq Frequency, now time.Time) ([]ScheduledCharge, error) {
	if remaining <= 0 {
		return nil, nil
	}
	period, ok := PeriodLength(freq)
	if !ok {
		return nil, nil
	}

	periods := int64(1)
	if window := cutoff.Sub(now); window > 0 {
		periods = ceilDiv(int64(window), int64(period))
	}
	if periods < 1 {
		periods = 1
	}

	per := ceilDiv(remaining, periods)
	// With tiny balances ceil rounding can consume the whole amount before
	// the last period; drop trailing periods so every charge is positive.
	for periods > 1 && per*(periods-1) >= remaining {
		periods--
		per = ceilDiv(remaining, periods)
	}
	last := remaining - per*(periods-1)

	out := make([]ScheduledCharge, 0, periods)
	for k := int64(1); k <= periods; k++ {
		amount := per
		if k == periods {
			amount = last
		}
		due := now.Add(time.Duration(k) * period)
		if cutoff.After(now) && due.After(cutoff) {
			due = cutoff
		}
		out = append(out, ScheduledCharge{
			Sequence: int(k),
			Amount:   amount,
			DueDate:  due,
		})
	}

	if err := verifySchedule(out, remaining); err != nil {
		return nil, err
	}
	return out, nil
}

func verifySchedule(entries []ScheduledCharge, remaining int64) error {
	var sum int64
	for _, e := range entries {
		if e.Amount <= 0 {
			return fmt.Errorf("%w: non-positive entry %d", ErrScheduleInvariant, e.Amount)
		}
		sum += e.Amount
	}
	if sum != remaining {
		return fmt.Errorf("%w: got %d, want %d", ErrScheduleInvariant, sum, remaining)
	}
	return nil
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
