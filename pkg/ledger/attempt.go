package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fundLedger/pkg/models"
	"github.com/mcclellann/fundLedger/pkg/money"
	"github.com/mcclellann/fundLedger/pkg/store"
)

// transitions lists the allowed moves out of each non-terminal status.
var transitions = map[models.Status][]models.Status{
	models.StatusSubmitted:  {models.StatusProcessing, models.StatusSucceeded, models.StatusFailed},
	models.StatusProcessing: {models.StatusSubmitted, models.StatusSucceeded, models.StatusFailed},
}

func canTransition(from, to models.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionRequest asks for a status change on a repayment or attempt.
type TransitionRequest struct {
	Status      models.Status
	Actor       string
	Payload     string     // Raw request body, kept for audit
	ProcessedAt *time.Time // Processor's response time; defaults to now
}

func (l *Ledger) checkTransition(from models.Status, req TransitionRequest) error {
	if !req.Status.Valid() {
		return invalid("unknown status %q", req.Status)
	}
	if !canTransition(from, req.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, req.Status)
	}
	return nil
}

func (l *Ledger) processedAt(req TransitionRequest) *time.Time {
	if req.ProcessedAt != nil {
		t := req.ProcessedAt.UTC()
		return &t
	}
	t := l.clock()
	return &t
}

// logTransition appends the audit record. Failures are logged and dropped so
// the audit trail can never block a transition.
func (l *Ledger) logTransition(ctx context.Context, entityType models.SourceType, id uuid.UUID, prev, next models.Status, actor, payload string) {
	entry := &models.TransitionLog{
		ID:             uuid.New(),
		EntityType:     entityType,
		EntityID:       id,
		Actor:          actor,
		PreviousStatus: prev,
		NewStatus:      next,
		Payload:        payload,
		CreatedAt:      l.clock(),
	}
	if err := l.audit.CreateTransitionLog(ctx, entry); err != nil {
		l.logger.Warn("failed to record transition",
			"entity_type", entityType, "entity_id", id, "previous", prev, "new", next, "error", err)
	}
}

// NewRepayment describes a repayment to be created outside a plan run.
type NewRepayment struct {
	FundingID     uuid.UUID
	PlanID        *uuid.UUID
	DueDate       time.Time
	PaybackAmount money.Amount
	FundedAmount  money.Amount
	FeeAmount     money.Amount
	Actor         string
}

// CreateRepayment stores a SUBMITTED repayment with an explicit split.
func (l *Ledger) CreateRepayment(ctx context.Context, req NewRepayment) (*models.Repayment, error) {
	if !req.PaybackAmount.IsPositive() {
		return nil, invalid("payback amount must be positive")
	}
	if req.FundedAmount < 0 || req.FeeAmount < 0 {
		return nil, invalid("principal and fee portions cannot be negative")
	}
	if req.FundedAmount+req.FeeAmount != req.PaybackAmount {
		return nil, invalid("principal %s + fee %s does not equal payback %s", req.FundedAmount, req.FeeAmount, req.PaybackAmount)
	}
	if _, err := l.storage.GetFunding(ctx, req.FundingID); err != nil {
		return nil, err
	}

	now := l.clock()
	due := req.DueDate
	if due.IsZero() {
		due = now
	}
	r := &models.Repayment{
		ID:            uuid.New(),
		FundingID:     req.FundingID,
		PlanID:        req.PlanID,
		DueDate:       due.UTC(),
		PaybackAmount: req.PaybackAmount,
		FundedAmount:  req.FundedAmount,
		FeeAmount:     req.FeeAmount,
		Status:        models.StatusSubmitted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := l.storage.CreateRepayment(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to store repayment: %w", err)
	}
	l.logTransition(ctx, models.SourceRepayment, r.ID, "", r.Status, req.Actor, "")
	return r, nil
}

func (l *Ledger) GetRepayment(ctx context.Context, id uuid.UUID) (*models.Repayment, error) {
	return l.storage.GetRepayment(ctx, id)
}

func (l *Ledger) ListRepayments(ctx context.Context, fundingID uuid.UUID) ([]*models.Repayment, error) {
	return l.storage.ListRepaymentsByFunding(ctx, fundingID)
}

// TransitionRepayment moves a repayment through its lifecycle. The first move
// into SUCCEEDED writes the PAYBACK transaction, then generates provider
// payouts and refreshes the funding balances. Payouts and balances are
// best-effort; the transaction is not.
//
// The status write is conditional on the status that was read, so of two
// racing transitions out of the same status only one lands; the other fails
// with ErrInvalidTransition.
func (l *Ledger) TransitionRepayment(ctx context.Context, id uuid.UUID, req TransitionRequest) (*models.Repayment, error) {
	var (
		r         *models.Repayment
		succeeded bool
	)
	err := l.withLock(ctx, "repayment:"+id.String(), func() error {
		var err error
		r, succeeded, err = l.transitionRepayment(ctx, id, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	if succeeded {
		if _, err := l.GeneratePayouts(ctx, r.ID, PayoutOptions{}); err != nil {
			l.logger.Error("failed to generate payouts", "repayment_id", r.ID, "error", err)
		}
		if err := l.refreshFunding(ctx, r.FundingID); err != nil {
			l.logger.Error("failed to refresh funding balances", "funding_id", r.FundingID, "error", err)
		}
	}
	return r, nil
}

// transitionRepayment reports whether the call completed a success, so the
// caller knows to run the follow-up work.
func (l *Ledger) transitionRepayment(ctx context.Context, id uuid.UUID, req TransitionRequest) (*models.Repayment, bool, error) {
	r, err := l.storage.GetRepayment(ctx, id)
	if err != nil {
		return nil, false, err
	}
	prev := r.Status
	if prev == req.Status {
		if prev != models.StatusSucceeded || r.TransactionID != nil {
			return r, false, nil
		}
		// Succeeded earlier but the payback was never linked.
		if err := l.linkPayback(ctx, r); err != nil {
			return nil, false, err
		}
		return r, true, nil
	}
	if err := l.checkTransition(prev, req); err != nil {
		return nil, false, err
	}

	prevProcessedAt := r.ProcessedAt
	r.Status = req.Status
	r.UpdatedAt = l.clock()
	if req.Status.Terminal() {
		r.ProcessedAt = l.processedAt(req)
	}
	if err := l.storage.UpdateRepayment(ctx, r, prev); err != nil {
		if errors.Is(err, store.ErrStale) {
			return nil, false, fmt.Errorf("%w: repayment %s left %s before moving to %s", ErrInvalidTransition, r.ID, prev, req.Status)
		}
		return nil, false, fmt.Errorf("failed to update repayment: %w", err)
	}

	if r.Status == models.StatusSucceeded && r.TransactionID == nil {
		if err := l.linkPayback(ctx, r); err != nil {
			if r.TransactionID == nil {
				l.revertRepayment(ctx, r, prev, prevProcessedAt)
			}
			return nil, false, err
		}
	}
	l.logTransition(ctx, models.SourceRepayment, r.ID, prev, r.Status, req.Actor, req.Payload)
	return r, r.Status == models.StatusSucceeded, nil
}

// linkPayback writes the PAYBACK transaction of a succeeded repayment and
// stores the link. r.TransactionID is set once the transaction exists, even
// if storing the link then fails; a repeated SUCCEEDED request finishes it.
func (l *Ledger) linkPayback(ctx context.Context, r *models.Repayment) error {
	funding, err := l.storage.GetFunding(ctx, r.FundingID)
	if err != nil {
		return err
	}
	tx, err := l.recordTransaction(ctx, funding, entry{
		txType:     models.TransactionTypePayback,
		amount:     r.PaybackAmount,
		sourceType: models.SourceRepayment,
		sourceID:   r.ID,
		repayment:  r,
	})
	if err != nil {
		return err
	}
	r.TransactionID = &tx.ID
	if err := l.storage.UpdateRepayment(ctx, r, models.StatusSucceeded); err != nil {
		return fmt.Errorf("failed to link payback transaction: %w", err)
	}
	return nil
}

// revertRepayment undoes a status write whose ledger entry could not be made.
func (l *Ledger) revertRepayment(ctx context.Context, r *models.Repayment, prev models.Status, processedAt *time.Time) {
	from := r.Status
	r.Status = prev
	r.ProcessedAt = processedAt
	r.TransactionID = nil
	r.UpdatedAt = l.clock()
	if err := l.storage.UpdateRepayment(ctx, r, from); err != nil {
		l.logger.Error("failed to revert repayment status, manual reconciliation required",
			"repayment_id", r.ID, "status", from, "revert_to", prev, "error", err)
	}
}

// CreateIntent opens a disbursement or commission envelope for a funding.
func (l *Ledger) CreateIntent(ctx context.Context, fundingID uuid.UUID, kind models.IntentKind, amount money.Amount) (*models.Intent, error) {
	if kind != models.IntentDisbursement && kind != models.IntentCommission {
		return nil, invalid("unknown intent kind %q", kind)
	}
	if !amount.IsPositive() {
		return nil, invalid("intent amount must be positive")
	}
	if _, err := l.storage.GetFunding(ctx, fundingID); err != nil {
		return nil, err
	}
	in := &models.Intent{
		ID:        uuid.New(),
		FundingID: fundingID,
		Kind:      kind,
		Amount:    amount,
		CreatedAt: l.clock(),
	}
	if err := l.storage.CreateIntent(ctx, in); err != nil {
		return nil, fmt.Errorf("failed to store intent: %w", err)
	}
	return in, nil
}

func (l *Ledger) GetIntent(ctx context.Context, id uuid.UUID) (*models.Intent, error) {
	return l.storage.GetIntent(ctx, id)
}

func (l *Ledger) GetAttempt(ctx context.Context, id uuid.UUID) (*models.Attempt, error) {
	return l.storage.GetAttempt(ctx, id)
}

// CreateAttempt starts a new SUBMITTED attempt. The amount may not exceed
// what the intent still has open.
func (l *Ledger) CreateAttempt(ctx context.Context, intentID uuid.UUID, amount money.Amount, actor string) (*models.Attempt, error) {
	if !amount.IsPositive() {
		return nil, invalid("attempt amount must be positive")
	}
	// The open-balance check and the insert must not interleave with another
	// attempt on the same intent.
	var a *models.Attempt
	err := l.withLock(ctx, "intent:"+intentID.String(), func() error {
		var err error
		a, err = l.createAttempt(ctx, intentID, amount, actor)
		return err
	})
	return a, err
}

func (l *Ledger) createAttempt(ctx context.Context, intentID uuid.UUID, amount money.Amount, actor string) (*models.Attempt, error) {
	in, err := l.storage.GetIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	bal, err := l.IntentBalance(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	// Submitted attempts are not yet in RemainingBalance but still claim it.
	open := bal.RemainingBalance - bal.SubmittedAmount
	if amount > open {
		return nil, fmt.Errorf("%w: %s requested, %s open", ErrExceedsIntent, amount, open)
	}

	now := l.clock()
	a := &models.Attempt{
		ID:        uuid.New(),
		IntentID:  in.ID,
		FundingID: in.FundingID,
		Kind:      in.Kind,
		Amount:    amount,
		Status:    models.StatusSubmitted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.storage.CreateAttempt(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to store attempt: %w", err)
	}
	l.logTransition(ctx, models.SourceAttempt, a.ID, "", a.Status, actor, "")
	return a, nil
}

// TransitionAttempt moves a disbursement or commission attempt through its
// lifecycle. The first move into SUCCEEDED writes the matching transaction.
// FAILED only changes the intent's derived totals. Racing transitions are
// resolved as for repayments.
func (l *Ledger) TransitionAttempt(ctx context.Context, id uuid.UUID, req TransitionRequest) (*models.Attempt, error) {
	var a *models.Attempt
	err := l.withLock(ctx, "attempt:"+id.String(), func() error {
		var err error
		a, err = l.transitionAttempt(ctx, id, req)
		return err
	})
	return a, err
}

func (l *Ledger) transitionAttempt(ctx context.Context, id uuid.UUID, req TransitionRequest) (*models.Attempt, error) {
	a, err := l.storage.GetAttempt(ctx, id)
	if err != nil {
		return nil, err
	}
	prev := a.Status
	if prev == req.Status {
		if prev != models.StatusSucceeded || a.TransactionID != nil {
			return a, nil
		}
		if err := l.linkAttemptTransaction(ctx, a); err != nil {
			return nil, err
		}
		return a, nil
	}
	if err := l.checkTransition(prev, req); err != nil {
		return nil, err
	}

	prevProcessedAt := a.ProcessedAt
	a.Status = req.Status
	a.UpdatedAt = l.clock()
	if req.Status.Terminal() {
		a.ProcessedAt = l.processedAt(req)
	}
	if err := l.storage.UpdateAttempt(ctx, a, prev); err != nil {
		if errors.Is(err, store.ErrStale) {
			return nil, fmt.Errorf("%w: attempt %s left %s before moving to %s", ErrInvalidTransition, a.ID, prev, req.Status)
		}
		return nil, fmt.Errorf("failed to update attempt: %w", err)
	}

	if a.Status == models.StatusSucceeded && a.TransactionID == nil {
		if err := l.linkAttemptTransaction(ctx, a); err != nil {
			if a.TransactionID == nil {
				from := a.Status
				a.Status = prev
				a.ProcessedAt = prevProcessedAt
				a.UpdatedAt = l.clock()
				if rerr := l.storage.UpdateAttempt(ctx, a, from); rerr != nil {
					l.logger.Error("failed to revert attempt status, manual reconciliation required",
						"attempt_id", a.ID, "status", from, "revert_to", prev, "error", rerr)
				}
			}
			return nil, err
		}
	}
	l.logTransition(ctx, models.SourceAttempt, a.ID, prev, a.Status, req.Actor, req.Payload)
	return a, nil
}

// linkAttemptTransaction writes the DISBURSEMENT or COMMISSION transaction of
// a succeeded attempt and stores the link.
func (l *Ledger) linkAttemptTransaction(ctx context.Context, a *models.Attempt) error {
	funding, err := l.storage.GetFunding(ctx, a.FundingID)
	if err != nil {
		return err
	}
	txType := models.TransactionTypeDisbursement
	if a.Kind == models.IntentCommission {
		txType = models.TransactionTypeCommission
	}
	tx, err := l.recordTransaction(ctx, funding, entry{
		txType:     txType,
		amount:     a.Amount,
		sourceType: models.SourceAttempt,
		sourceID:   a.ID,
	})
	if err != nil {
		return err
	}
	a.TransactionID = &tx.ID
	if err := l.storage.UpdateAttempt(ctx, a, models.StatusSucceeded); err != nil {
		return fmt.Errorf("failed to link %s transaction: %w", txType, err)
	}
	return nil
}

// TransitionLogs returns the audit trail of a repayment or attempt.
func (l *Ledger) TransitionLogs(ctx context.Context, entityID uuid.UUID) ([]*models.TransitionLog, error) {
	return l.storage.ListTransitionLogs(ctx, entityID)
}
