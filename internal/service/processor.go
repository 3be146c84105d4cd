package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tripledger/booking/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	dueRunLockKey = "due-installments"
	dueRunLockTTL = time.Hour
)

// ErrRunInProgress is returned when another replica holds the run lock.
var ErrRunInProgress = errors.New("a due-installment run is already in progress")

// Processor charges the installments that have fallen due.
type Processor struct {
	ledger   Ledger
	bookings *BookingService
	locker   Locker
	opts     Options
	log      *zap.Logger
}

// NewProcessor creates a Processor. A nil locker disables cross-replica
// locking.
func NewProcessor(ledger Ledger, bookings *BookingService, locker Locker, opts Options, log *zap.Logger) *Processor {
	return &Processor{
		ledger:   ledger,
		bookings: bookings,
		locker:   locker,
		opts:     opts,
		log:      log,
	}
}

// RunDueInstallments charges every installment due at now. Each
// installment is isolated: a failure is recorded and the run continues.
// Bookings are processed in parallel, installments of one booking in
// sequence order.
func (p *Processor) RunDueInstallments(ctx context.Context, now time.Time) (*domain.RunReport, error) {
	if p.locker != nil {
		release, ok, err := p.locker.Acquire(ctx, dueRunLockKey, dueRunLockTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire run lock: %w", err)
		}
		if !ok {
			return nil, domain.ErrConflict(ErrRunInProgress.Error(), ErrRunInProgress)
		}
		defer release()
	}

	started := time.Now()
	report := &domain.RunReport{StartedAt: now}
	p.flagPastCutoff(ctx, now, report)

	q := domain.DueQuery{
		Now:         now,
		StaleBefore: now.Add(-p.opts.ProcessingTimeout),
		MaxAttempts: p.opts.MaxAttempts,
	}
	if p.opts.RetryFailedAfter > 0 {
		q.RetryFailedBefore = now.Add(-p.opts.RetryFailedAfter)
	}
	due, err := p.ledger.Installments.ListDue(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list due installments: %w", err)
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(max(1, p.opts.Concurrency))
	for _, grp := range groupByBooking(due) {
		g.Go(func() error {
			partial := p.processBooking(ctx, grp.bookingID, grp.items, q.StaleBefore, now)
			mu.Lock()
			report.Add(partial)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.FinishedAt = now.Add(time.Since(started))
	p.log.Info("due-installment run finished",
		zap.Int("considered", report.Considered),
		zap.Int("charged", report.Charged),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Int("errors", report.Errors),
		zap.Int("marked_overdue", report.MarkedOverdue),
		zap.Duration("elapsed", time.Since(started)),
	)
	return report, nil
}

func (p *Processor) processBooking(ctx context.Context, bookingID string, items []*domain.Installment, staleBefore, now time.Time) domain.RunReport {
	var r domain.RunReport
	log := p.log.With(zap.String("booking_id", bookingID))

	for _, it := range items {
		r.Considered++
		if ctx.Err() != nil {
			r.Skipped++
			continue
		}

		claimed, err := p.ledger.Installments.Claim(ctx, it.ID, staleBefore, now)
		if err != nil {
			log.Error("failed to claim installment", zap.String("installment_id", it.ID), zap.Error(err))
			r.Errors++
			continue
		}
		if claimed == nil {
			r.Skipped++
			continue
		}

		// Claim only succeeds on open bookings and bumps their version; the
		// re-read picks up the current payment method.
		b, err := p.ledger.Bookings.FindByID(ctx, bookingID)
		if err != nil {
			log.Error("failed to load booking", zap.Error(err))
			r.Errors++
			continue
		}
		if b == nil || b.Terminal() || b.Status == domain.BookingPendingDeposit {
			if err := p.ledger.Installments.CancelClaim(ctx, claimed.ID, now); err != nil {
				log.Error("failed to cancel claim", zap.String("installment_id", claimed.ID), zap.Error(err))
			}
			r.Skipped++
			continue
		}

		if b.Status == domain.BookingConfirmed && claimed.DueDate.Before(now.Add(-p.opts.OverdueGrace)) {
			if _, err := p.bookings.markOverdue(ctx, b.ID, now); err != nil {
				log.Error("failed to mark booking overdue", zap.Error(err))
			}
		}

		outcome, err := p.bookings.charge(ctx, b, claimed, now)
		if err != nil {
			log.Error("failed to record charge outcome",
				zap.String("installment_id", claimed.ID),
				zap.Int("attempt", claimed.Attempts),
				zap.Error(err),
			)
			r.Errors++
			continue
		}
		switch outcome {
		case outcomeCharged:
			r.Charged++
		case outcomeFailed:
			r.Failed++
		default:
			r.Skipped++
		}
	}
	return r
}

// flagPastCutoff marks bookings overdue whose cutoff passed with a balance
// nobody is scheduled to collect.
func (p *Processor) flagPastCutoff(ctx context.Context, now time.Time, report *domain.RunReport) {
	bookings, err := p.ledger.Bookings.ListPastCutoff(ctx, now)
	if err != nil {
		p.log.Error("failed to list bookings past cutoff", zap.Error(err))
		report.Errors++
		return
	}
	for _, b := range bookings {
		if b.Frequency.Recurring() {
			continue
		}
		updated, err := p.bookings.markOverdue(ctx, b.ID, now)
		if err != nil {
			p.log.Error("failed to mark booking overdue", zap.String("booking_id", b.ID), zap.Error(err))
			report.Errors++
			continue
		}
		if updated.Status == domain.BookingOverdue {
			report.MarkedOverdue++
		}
	}
}

type bookingGroup struct {
	bookingID string
	items     []*domain.Installment
}

// groupByBooking keeps the order of first appearance and, within a
// booking, the order of items.
func groupByBooking(items []*domain.Installment) []bookingGroup {
	index := make(map[string]int)
	var groups []bookingGroup
	for _, it := range items {
		i, ok := index[it.BookingID]
		if !ok {
			i = len(groups)
			index[it.BookingID] = i
			groups = append(groups, bookingGroup{bookingID: it.BookingID})
		}
		groups[i].items = append(groups[i].items, it)
	}
	return groups
}
