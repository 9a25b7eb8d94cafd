package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/mcclellann/fundLedger/pkg/models"
	"github.com/mcclellann/fundLedger/pkg/money"
)

// Balance views are folded from ledger rows on every call and never stored.

// FundingBalance is the live repayment position of a funding.
type FundingBalance struct {
	FundingID          uuid.UUID    `json:"funding_id"`
	FundedAmount       money.Amount `json:"funded_amount"`
	PaybackAmount      money.Amount `json:"payback_amount"`
	FeeAmount          money.Amount `json:"fee_amount"`
	PaidAmount         money.Amount `json:"paid_amount"`
	PaidPrincipal      money.Amount `json:"paid_principal"`
	PaidFee            money.Amount `json:"paid_fee"`
	PendingAmount      money.Amount `json:"pending_amount"`
	PendingPrincipal   money.Amount `json:"pending_principal"`
	PendingFee         money.Amount `json:"pending_fee"`
	FailedAmount       money.Amount `json:"failed_amount"`
	RemainingPayback   money.Amount `json:"remaining_payback"`
	RemainingPrincipal money.Amount `json:"remaining_principal"`
	RemainingFee       money.Amount `json:"remaining_fee"`
	RepaymentCount     int          `json:"repayment_count"`
}

// IntentBalance is the live fulfilment position of an intent.
type IntentBalance struct {
	IntentID         uuid.UUID    `json:"intent_id"`
	Amount           money.Amount `json:"amount"`
	SubmittedAmount  money.Amount `json:"submitted_amount"`
	ProcessingAmount money.Amount `json:"processing_amount"`
	SucceededAmount  money.Amount `json:"succeed_amount"`
	FailedAmount     money.Amount `json:"failed_amount"`
	RemainingBalance money.Amount `json:"remaining_balance"`
}

// AgreementBalance is what a provider has been paid on one agreement.
type AgreementBalance struct {
	AgreementID     uuid.UUID    `json:"agreement_id"`
	PaybackAmount   money.Amount `json:"payback_amount"`
	PaidAmount      money.Amount `json:"paid_amount"`
	PendingAmount   money.Amount `json:"pending_amount"`
	FeeAmount       money.Amount `json:"fee_amount"`
	CreditAmount    money.Amount `json:"credit_amount"`
	RemainingAmount money.Amount `json:"remaining_amount"`
	PayoutCount     int          `json:"payout_count"`
}

// FundingBalance folds the funding's repayments into paid, pending and
// remaining totals. Only SUCCEEDED repayments reduce the remaining balances.
func (l *Ledger) FundingBalance(ctx context.Context, fundingID uuid.UUID) (*FundingBalance, error) {
	funding, err := l.storage.GetFunding(ctx, fundingID)
	if err != nil {
		return nil, err
	}
	return l.fundingBalance(ctx, funding)
}

func (l *Ledger) fundingBalance(ctx context.Context, funding *models.Funding) (*FundingBalance, error) {
	repayments, err := l.storage.ListRepaymentsByFunding(ctx, funding.ID)
	if err != nil {
		return nil, err
	}

	bal := &FundingBalance{
		FundingID:      funding.ID,
		FundedAmount:   funding.FundedAmount,
		PaybackAmount:  funding.PaybackAmount,
		FeeAmount:      funding.FeeAmount(),
		RepaymentCount: len(repayments),
	}
	for _, r := range repayments {
		switch r.Status {
		case models.StatusSucceeded:
			bal.PaidAmount += r.PaybackAmount
			bal.PaidPrincipal += r.FundedAmount
			bal.PaidFee += r.FeeAmount
		case models.StatusSubmitted, models.StatusProcessing:
			bal.PendingAmount += r.PaybackAmount
			bal.PendingPrincipal += r.FundedAmount
			bal.PendingFee += r.FeeAmount
		case models.StatusFailed:
			bal.FailedAmount += r.PaybackAmount
		}
	}
	bal.RemainingPayback = bal.PaybackAmount - bal.PaidAmount
	bal.RemainingPrincipal = bal.FundedAmount - bal.PaidPrincipal
	bal.RemainingFee = bal.FeeAmount - bal.PaidFee
	return bal, nil
}

// IntentBalance sums the intent's attempts by status.
func (l *Ledger) IntentBalance(ctx context.Context, intentID uuid.UUID) (*IntentBalance, error) {
	in, err := l.storage.GetIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	attempts, err := l.storage.ListAttemptsByIntent(ctx, in.ID)
	if err != nil {
		return nil, err
	}

	bal := &IntentBalance{IntentID: in.ID, Amount: in.Amount}
	for _, a := range attempts {
		switch a.Status {
		case models.StatusSubmitted:
			bal.SubmittedAmount += a.Amount
		case models.StatusProcessing:
			bal.ProcessingAmount += a.Amount
		case models.StatusSucceeded:
			bal.SucceededAmount += a.Amount
		case models.StatusFailed:
			bal.FailedAmount += a.Amount
		}
	}
	bal.RemainingBalance = bal.Amount - bal.SucceededAmount - bal.ProcessingAmount
	return bal, nil
}

// AgreementBalance sums the agreement's payouts. Remaining is the provider's
// expected payback less everything paid or pending.
func (l *Ledger) AgreementBalance(ctx context.Context, agreementID uuid.UUID) (*AgreementBalance, error) {
	a, err := l.storage.GetAgreement(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	payouts, err := l.storage.ListPayoutsByAgreement(ctx, a.ID)
	if err != nil {
		return nil, err
	}

	bal := &AgreementBalance{AgreementID: a.ID, PaybackAmount: a.PaybackAmount, PayoutCount: len(payouts)}
	for _, p := range payouts {
		if p.Pending {
			bal.PendingAmount += p.PayoutAmount
		} else {
			bal.PaidAmount += p.PayoutAmount
		}
		bal.FeeAmount += p.FeeAmount
		bal.CreditAmount += p.CreditAmount
	}
	bal.RemainingAmount = bal.PaybackAmount - bal.PaidAmount - bal.PendingAmount
	return bal, nil
}
