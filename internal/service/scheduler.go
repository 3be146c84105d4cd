package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
	"go.uber.org/zap"
)

// Scheduler triggers the due-installment run on a recurrence rule such as
// "FREQ=DAILY;BYHOUR=3;BYMINUTE=0;BYSECOND=0".
type Scheduler struct {
	rule      *rrule.RRule
	processor *Processor
	log       *zap.Logger
	clock     func() time.Time
}

// NewScheduler parses expr and anchors it at the start of the current UTC
// day so BYHOUR/BYMINUTE fire at the same wall time every occurrence.
func NewScheduler(expr string, processor *Processor, log *zap.Logger) (*Scheduler, error) {
	rule, err := rrule.StrToRRule(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	now := time.Now().UTC()
	rule.DTStart(time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC))
	return &Scheduler{
		rule:      rule,
		processor: processor,
		log:       log,
		clock:     time.Now,
	}, nil
}

// NextRun returns the first occurrence strictly after now, or the zero time
// when the rule is exhausted.
func (s *Scheduler) NextRun(now time.Time) time.Time {
	return s.rule.After(now, false)
}

// Start runs the processor at every occurrence until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		for {
			next := s.NextRun(s.clock())
			if next.IsZero() {
				s.log.Warn("due-installment schedule exhausted")
				return
			}
			s.log.Info("next due-installment run scheduled", zap.Time("at", next))

			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			s.runOnce(ctx)
		}
	}()
}

func (s *Scheduler) runOnce(ctx context.Context) {
	// A shutdown mid-run must not abort a charge between the gateway call
	// and recording its outcome.
	runCtx := context.WithoutCancel(ctx)
	_, err := s.processor.RunDueInstallments(runCtx, s.clock().UTC())
	if errors.Is(err, ErrRunInProgress) {
		s.log.Info("due-installment run skipped, another replica holds the lock")
		return
	}
	if err != nil {
		s.log.Error("due-installment run failed", zap.Error(err))
	}
}
