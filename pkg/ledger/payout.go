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
	"github.com/shopspring/decimal"
)

// PayoutOptions tunes a proration run.
type PayoutOptions struct {
	// IncludeClosed also pays closed agreements, for rebuilding history.
	IncludeClosed bool
}

// prorate computes one agreement's share of a repayment's principal portion:
//
//	payout = P * pct
//	fee    = recurring_fee / payback * P * pct
//	credit = recurring_credit / payback * P * pct
//
// Each value is rounded to cents once. An agreement with no payback amount
// gets no fee or credit.
func prorate(r *models.Repayment, a *models.ProviderAgreement, createdDate time.Time) *models.Payout {
	share := decimal.NewFromInt(r.FundedAmount.Int64()).Mul(a.ParticipatePercent)

	portion := func(part money.Amount) money.Amount {
		if a.PaybackAmount == 0 || part == 0 {
			return 0
		}
		return money.Quotient(decimal.NewFromInt(part.Int64()).Mul(share), decimal.NewFromInt(a.PaybackAmount.Int64()))
	}

	return &models.Payout{
		ID:           uuid.New(),
		RepaymentID:  r.ID,
		AgreementID:  a.ID,
		FundingID:    r.FundingID,
		PayoutAmount: money.Amount(share.Round(0).IntPart()),
		FeeAmount:    portion(a.RecurringFeeAmount),
		CreditAmount: portion(a.RecurringCreditAmount),
		Pending:      true,
		CreatedDate:  createdDate,
	}
}

// GeneratePayouts creates one pending payout per participating agreement for
// a succeeded repayment. If any payout already exists for the repayment the
// existing set is returned unchanged.
func (l *Ledger) GeneratePayouts(ctx context.Context, repaymentID uuid.UUID, opts PayoutOptions) ([]*models.Payout, error) {
	var payouts []*models.Payout
	err := l.withLock(ctx, "payout:"+repaymentID.String(), func() error {
		var err error
		payouts, err = l.generatePayouts(ctx, repaymentID, opts)
		return err
	})
	return payouts, err
}

func (l *Ledger) generatePayouts(ctx context.Context, repaymentID uuid.UUID, opts PayoutOptions) ([]*models.Payout, error) {
	r, err := l.storage.GetRepayment(ctx, repaymentID)
	if err != nil {
		return nil, err
	}
	if r.Status != models.StatusSucceeded {
		return nil, fmt.Errorf("%w: repayment %s is %s", ErrNotSucceeded, r.ID, r.Status)
	}

	existing, err := l.storage.ListPayoutsByRepayment(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}

	statuses := []models.AgreementStatus{models.AgreementStatusActive}
	if opts.IncludeClosed {
		statuses = append(statuses, models.AgreementStatusClosed)
	}
	agreements, err := l.storage.ListAgreementsByFunding(ctx, r.FundingID, statuses...)
	if err != nil {
		return nil, err
	}

	createdDate := l.clock()
	if r.ProcessedAt != nil {
		createdDate = *r.ProcessedAt
	}

	for _, a := range agreements {
		p := prorate(r, a, createdDate)
		if err := l.storage.CreatePayout(ctx, p); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				continue
			}
			return nil, fmt.Errorf("failed to store payout for agreement %s: %w", a.ID, err)
		}
		l.logger.Info("created payout",
			"payout_id", p.ID, "repayment_id", r.ID, "agreement_id", a.ID,
			"payout", p.PayoutAmount.String(), "fee", p.FeeAmount.String(), "credit", p.CreditAmount.String())
	}

	return l.storage.ListPayoutsByRepayment(ctx, r.ID)
}

// SettlePayout marks a pending payout as paid: it credits the provider,
// writes the PAYOUT transaction and clears the pending flag. Settling an
// already settled payout is a no-op, including when a concurrent caller
// settles it first.
func (l *Ledger) SettlePayout(ctx context.Context, payoutID uuid.UUID) (*models.Payout, error) {
	p, err := l.storage.GetPayout(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if !p.Pending {
		return p, nil
	}
	agreement, err := l.storage.GetAgreement(ctx, p.AgreementID)
	if err != nil {
		return nil, err
	}
	funding, err := l.storage.GetFunding(ctx, p.FundingID)
	if err != nil {
		return nil, err
	}

	// Only the caller that flips the pending flag moves money.
	if err := l.storage.ClaimPayout(ctx, p.ID); err != nil {
		if errors.Is(err, store.ErrStale) {
			return l.storage.GetPayout(ctx, p.ID)
		}
		return nil, fmt.Errorf("failed to claim payout: %w", err)
	}

	net := p.NetAmount()
	if _, err := l.storage.AdjustProviderBalance(ctx, agreement.ProviderID, net); err != nil {
		l.unclaimPayout(ctx, p)
		return nil, fmt.Errorf("failed to credit provider: %w", err)
	}

	tx, err := l.recordTransaction(ctx, funding, entry{
		txType:     models.TransactionTypePayout,
		amount:     net,
		sourceType: models.SourcePayout,
		sourceID:   p.ID,
		providerID: agreement.ProviderID,
		payout:     p,
	})
	if err == nil {
		p.Pending = false
		p.TransactionID = &tx.ID
		err = l.storage.UpdatePayout(ctx, p)
	}
	if err != nil {
		l.reverseBalance(ctx, agreement.ProviderID, net.Neg())
		l.unclaimPayout(ctx, p)
		return nil, fmt.Errorf("failed to settle payout: %w", err)
	}
	return p, nil
}

// unclaimPayout puts a claimed payout back to pending after a failed
// settlement so that it can be retried.
func (l *Ledger) unclaimPayout(ctx context.Context, p *models.Payout) {
	p.Pending = true
	p.TransactionID = nil
	if err := l.storage.UpdatePayout(ctx, p); err != nil {
		l.logger.Error("failed to return payout to pending, manual reconciliation required",
			"payout_id", p.ID, "error", err)
	}
}

// reverseBalance undoes an earlier provider balance adjustment.
func (l *Ledger) reverseBalance(ctx context.Context, providerID uuid.UUID, delta money.Amount) {
	if _, err := l.storage.AdjustProviderBalance(ctx, providerID, delta); err != nil {
		l.logger.Error("failed to reverse provider balance adjustment, manual reconciliation required",
			"provider_id", providerID, "delta", delta.String(), "error", err)
	}
}

func (l *Ledger) GetPayout(ctx context.Context, id uuid.UUID) (*models.Payout, error) {
	return l.storage.GetPayout(ctx, id)
}

func (l *Ledger) ListPayoutsByFunding(ctx context.Context, fundingID uuid.UUID) ([]*models.Payout, error) {
	return l.storage.ListPayoutsByFunding(ctx, fundingID)
}

func (l *Ledger) ListPayoutsByRepayment(ctx context.Context, repaymentID uuid.UUID) ([]*models.Payout, error) {
	return l.storage.ListPayoutsByRepayment(ctx, repaymentID)
}

func (l *Ledger) ListPayoutsByAgreement(ctx context.Context, agreementID uuid.UUID) ([]*models.Payout, error) {
	return l.storage.ListPayoutsByAgreement(ctx, agreementID)
}
