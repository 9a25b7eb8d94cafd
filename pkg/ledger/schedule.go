package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fundLedger/pkg/lock"
	"github.com/mcclellann/fundLedger/pkg/models"
	"github.com/mcclellann/fundLedger/pkg/money"
	"github.com/mcclellann/fundLedger/pkg/waterfall"
)

// SchedulerActor is recorded on repayments generated by plan runs.
const SchedulerActor = "scheduler"

// NewPlan describes a recurring repayment schedule.
type NewPlan struct {
	FundingID  uuid.UUID
	Frequency  models.Frequency
	PaydayList []int
	Priority   waterfall.Priority
	Amount     money.Amount // Payback amount per occurrence
	Count      int          // Number of occurrences
	StartDate  time.Time    // First eligible date, inclusive; defaults to today
}

func validPaydays(freq models.Frequency, paydays []int) error {
	if len(paydays) == 0 {
		return ErrEmptySchedule
	}
	lo, hi := 0, 6
	if freq == models.FrequencyMonthly {
		lo, hi = 1, 31
	}
	for _, d := range paydays {
		if d < lo || d > hi {
			return invalid("payday %d out of range [%d, %d] for %s plan", d, lo, hi, freq)
		}
	}
	return nil
}

func midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// nextPayday returns the first schedule date after from, or on it when
// inclusive is set. Monthly paydays past the end of a month fall on its last
// day.
func nextPayday(freq models.Frequency, paydays []int, from time.Time, inclusive bool) (time.Time, error) {
	if len(paydays) == 0 {
		return time.Time{}, ErrEmptySchedule
	}
	day := midnight(from)
	eligible := func(d time.Time) bool {
		return d.After(day) || (inclusive && d.Equal(day))
	}

	switch freq {
	case models.FrequencyWeekly:
		for offset := 0; offset <= 7; offset++ {
			d := day.AddDate(0, 0, offset)
			if eligible(d) && slices.Contains(paydays, int(d.Weekday())) {
				return d, nil
			}
		}
	case models.FrequencyMonthly:
		for m := 0; m < 2; m++ {
			first := time.Date(day.Year(), day.Month()+time.Month(m), 1, 0, 0, 0, 0, time.UTC)
			last := daysIn(first.Year(), first.Month())
			for _, pd := range paydays {
				d := first.AddDate(0, 0, min(pd, last)-1)
				if eligible(d) {
					return d, nil
				}
			}
		}
	default:
		return time.Time{}, invalid("unknown frequency %q", freq)
	}
	return time.Time{}, invalid("no payday found in %v", paydays)
}

// CreatePlan stores an ACTIVE plan with a sorted schedule and its first
// payback date.
func (l *Ledger) CreatePlan(ctx context.Context, req NewPlan) (*models.RepaymentPlan, error) {
	if req.Frequency != models.FrequencyWeekly && req.Frequency != models.FrequencyMonthly {
		return nil, invalid("unknown frequency %q", req.Frequency)
	}
	if err := validPaydays(req.Frequency, req.PaydayList); err != nil {
		return nil, err
	}
	if !req.Priority.Valid() {
		return nil, invalid("unknown distribution priority %q", req.Priority)
	}
	if !req.Amount.IsPositive() {
		return nil, invalid("next payback amount must be positive")
	}
	if req.Count <= 0 {
		return nil, invalid("remaining count must be positive")
	}
	if _, err := l.storage.GetFunding(ctx, req.FundingID); err != nil {
		return nil, err
	}

	paydays := slices.Clone(req.PaydayList)
	slices.Sort(paydays)
	paydays = slices.Compact(paydays)

	now := l.clock()
	start := req.StartDate
	if start.IsZero() {
		start = now
	}
	next, err := nextPayday(req.Frequency, paydays, start, true)
	if err != nil {
		return nil, err
	}

	plan := &models.RepaymentPlan{
		ID:                   uuid.New(),
		FundingID:            req.FundingID,
		Frequency:            req.Frequency,
		PaydayList:           paydays,
		DistributionPriority: req.Priority,
		NextPaybackDate:      &next,
		NextPaybackAmount:    req.Amount,
		RemainingCount:       req.Count,
		Status:               models.PlanStatusActive,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := l.storage.CreatePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("failed to store repayment plan: %w", err)
	}
	return plan, nil
}

func (l *Ledger) GetPlan(ctx context.Context, id uuid.UUID) (*models.RepaymentPlan, error) {
	return l.storage.GetPlan(ctx, id)
}

// RunPlan generates every repayment of the plan that is due at now, oldest
// first, and advances the schedule. The number of generated repayments never
// exceeds the plan's remaining count.
func (l *Ledger) RunPlan(ctx context.Context, planID uuid.UUID, now time.Time) ([]*models.Repayment, error) {
	var generated []*models.Repayment
	err := l.withLock(ctx, "plan:"+planID.String(), func() error {
		var err error
		generated, err = l.runPlan(ctx, planID, now.UTC())
		return err
	})
	return generated, err
}

func (l *Ledger) runPlan(ctx context.Context, planID uuid.UUID, now time.Time) ([]*models.Repayment, error) {
	plan, err := l.storage.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status != models.PlanStatusActive || plan.NextPaybackDate == nil || plan.NextPaybackDate.After(now) {
		return nil, nil
	}
	if len(plan.PaydayList) == 0 {
		return nil, fmt.Errorf("plan %s: %w", plan.ID, ErrEmptySchedule)
	}
	if !plan.NextPaybackAmount.IsPositive() {
		return nil, invalid("plan %s has non-positive payback amount %s", plan.ID, plan.NextPaybackAmount)
	}

	funding, err := l.storage.GetFunding(ctx, plan.FundingID)
	if err != nil {
		return nil, err
	}
	bal, err := l.fundingBalance(ctx, funding)
	if err != nil {
		return nil, err
	}
	// In-flight repayments already claim part of what is owed.
	remainingPrincipal := bal.RemainingPrincipal - bal.PendingPrincipal
	remainingFee := bal.RemainingFee - bal.PendingFee

	var generated []*models.Repayment
	var runErr error
	for n := plan.RemainingCount; n > 0; n-- {
		if plan.Status != models.PlanStatusActive || plan.NextPaybackDate.After(now) {
			break
		}
		owed := max(remainingPrincipal, 0) + max(remainingFee, 0)
		if owed <= 0 {
			l.logger.Info("funding fully scheduled, stopping plan", "plan_id", plan.ID, "funding_id", funding.ID)
			stopPlan(plan)
			break
		}

		split, err := waterfall.Allocate(waterfall.Input{
			PaybackAmount:      min(plan.NextPaybackAmount, owed),
			Priority:           plan.DistributionPriority,
			RemainingPrincipal: remainingPrincipal,
			RemainingFee:       remainingFee,
			TotalPaybackAmount: funding.PaybackAmount,
			TotalResidualFee:   funding.ResidualFeeAmount,
		})
		if err != nil {
			runErr = err
			break
		}
		r, err := l.CreateRepayment(ctx, NewRepayment{
			FundingID:     funding.ID,
			PlanID:        &plan.ID,
			DueDate:       *plan.NextPaybackDate,
			PaybackAmount: split.Total(),
			FundedAmount:  split.Principal,
			FeeAmount:     split.Fee,
			Actor:         SchedulerActor,
		})
		if err != nil {
			runErr = err
			break
		}
		generated = append(generated, r)
		remainingPrincipal -= split.Principal
		remainingFee -= split.Fee

		plan.RemainingCount--
		if plan.RemainingCount == 0 {
			stopPlan(plan)
			break
		}
		next, err := nextPayday(plan.Frequency, plan.PaydayList, *plan.NextPaybackDate, false)
		if err != nil {
			runErr = err
			break
		}
		plan.NextPaybackDate = &next
	}

	if len(generated) > 0 || plan.Status != models.PlanStatusActive {
		plan.UpdatedAt = l.clock()
		if err := l.storage.UpdatePlan(ctx, plan); err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("failed to update repayment plan: %w", err))
		}
	}
	if len(generated) > 0 {
		l.logger.Info("generated scheduled repayments",
			"plan_id", plan.ID, "count", len(generated), "remaining_count", plan.RemainingCount, "status", plan.Status)
	}
	return generated, runErr
}

func stopPlan(plan *models.RepaymentPlan) {
	plan.Status = models.PlanStatusStopped
	plan.NextPaybackDate = nil
}

// RunDueSchedules runs every active plan whose next payback date has passed.
// A plan that fails does not stop the others; all failures are joined. Plans
// locked by another runner are skipped.
func (l *Ledger) RunDueSchedules(ctx context.Context) (int, error) {
	plans, err := l.storage.ListPlansByStatus(ctx, models.PlanStatusActive)
	if err != nil {
		return 0, err
	}
	now := l.clock()
	sort.SliceStable(plans, func(i, j int) bool {
		a, b := plans[i].NextPaybackDate, plans[j].NextPaybackDate
		if a == nil || b == nil {
			return b == nil && a != nil
		}
		return a.Before(*b)
	})

	var count int
	var errs []error
	for _, plan := range plans {
		if plan.NextPaybackDate == nil || plan.NextPaybackDate.After(now) {
			continue
		}
		generated, err := l.RunPlan(ctx, plan.ID, now)
		count += len(generated)
		if errors.Is(err, lock.ErrNotAcquired) {
			l.logger.Debug("plan is being run elsewhere", "plan_id", plan.ID)
			continue
		}
		if err != nil {
			l.logger.Error("failed to run repayment plan", "plan_id", plan.ID, "error", err)
			errs = append(errs, fmt.Errorf("plan %s: %w", plan.ID, err))
		}
	}
	return count, errors.Join(errs...)
}

// PausePlan suspends an active plan and clears its next payback date.
func (l *Ledger) PausePlan(ctx context.Context, id uuid.UUID) (*models.RepaymentPlan, error) {
	return l.updatePlan(ctx, id, func(plan *models.RepaymentPlan) error {
		switch plan.Status {
		case models.PlanStatusPaused:
			return nil
		case models.PlanStatusStopped:
			return fmt.Errorf("%w: plan %s is stopped", ErrInvalidTransition, plan.ID)
		}
		plan.Status = models.PlanStatusPaused
		plan.NextPaybackDate = nil
		return nil
	})
}

// ResumePlan reactivates a paused plan from the next payday on or after
// today. Occurrences missed while paused are not generated.
func (l *Ledger) ResumePlan(ctx context.Context, id uuid.UUID) (*models.RepaymentPlan, error) {
	return l.updatePlan(ctx, id, func(plan *models.RepaymentPlan) error {
		switch plan.Status {
		case models.PlanStatusActive:
			return nil
		case models.PlanStatusStopped:
			return fmt.Errorf("%w: plan %s is stopped", ErrInvalidTransition, plan.ID)
		}
		if plan.RemainingCount <= 0 {
			return fmt.Errorf("%w: plan %s has no occurrences left", ErrInvalidTransition, plan.ID)
		}
		next, err := nextPayday(plan.Frequency, plan.PaydayList, l.clock(), true)
		if err != nil {
			return err
		}
		plan.Status = models.PlanStatusActive
		plan.NextPaybackDate = &next
		return nil
	})
}

// StopPlan ends a plan for good.
func (l *Ledger) StopPlan(ctx context.Context, id uuid.UUID) (*models.RepaymentPlan, error) {
	return l.updatePlan(ctx, id, func(plan *models.RepaymentPlan) error {
		stopPlan(plan)
		return nil
	})
}

func (l *Ledger) updatePlan(ctx context.Context, id uuid.UUID, mutate func(*models.RepaymentPlan) error) (*models.RepaymentPlan, error) {
	var plan *models.RepaymentPlan
	err := l.withLock(ctx, "plan:"+id.String(), func() error {
		var err error
		if plan, err = l.storage.GetPlan(ctx, id); err != nil {
			return err
		}
		before := *plan
		if err := mutate(plan); err != nil {
			return err
		}
		if plan.Status == before.Status {
			return nil
		}
		plan.UpdatedAt = l.clock()
		return l.storage.UpdatePlan(ctx, plan)
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}
