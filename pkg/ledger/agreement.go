package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/fundLedger/pkg/models"
	"github.com/mcclellann/fundLedger/pkg/money"
	"github.com/mcclellann/fundLedger/pkg/store"
	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// NewAgreement describes a provider joining a funding.
type NewAgreement struct {
	ProviderID         uuid.UUID
	ParticipatePercent decimal.Decimal // Share of principal, (0, 1]
	FeePercent         decimal.Decimal // Recurring management fee, share of provider payback
	CreditPercent      decimal.Decimal // Recurring credit, share of provider payback
}

// AddProvider debits the provider's balance for its share of the principal
// and creates the agreement. If the agreement cannot be stored the debit is
// reversed. The SYNDICATION transaction and the funding's syndicated total
// are best-effort decorations. Agreements on one funding are added one at a
// time so the participation check sees every earlier agreement.
func (l *Ledger) AddProvider(ctx context.Context, fundingID uuid.UUID, req NewAgreement) (*models.ProviderAgreement, error) {
	pct := req.ParticipatePercent
	if !pct.IsPositive() || pct.GreaterThan(one) {
		return nil, invalid("participate percent %s must be in (0, 1]", pct)
	}
	if req.FeePercent.IsNegative() || req.CreditPercent.IsNegative() {
		return nil, invalid("fee and credit percents cannot be negative")
	}

	var agreement *models.ProviderAgreement
	err := l.withLock(ctx, "funding:"+fundingID.String(), func() error {
		var err error
		agreement, err = l.addProvider(ctx, fundingID, req)
		return err
	})
	return agreement, err
}

func (l *Ledger) addProvider(ctx context.Context, fundingID uuid.UUID, req NewAgreement) (*models.ProviderAgreement, error) {
	pct := req.ParticipatePercent
	funding, err := l.storage.GetFunding(ctx, fundingID)
	if err != nil {
		return nil, err
	}
	if _, err := l.storage.GetProvider(ctx, req.ProviderID); err != nil {
		return nil, err
	}

	active, err := l.storage.ListAgreementsByFunding(ctx, fundingID, models.AgreementStatusActive)
	if err != nil {
		return nil, err
	}
	total := pct
	for _, a := range active {
		total = total.Add(a.ParticipatePercent)
	}
	if total.GreaterThan(one) {
		return nil, fmt.Errorf("%w: total would be %s", ErrOverParticipation, total)
	}

	investment := funding.FundedAmount.Mul(pct)
	payback := money.Scale(investment, funding.PaybackAmount, funding.FundedAmount)
	now := l.clock()
	agreement := &models.ProviderAgreement{
		ID:                    uuid.New(),
		FundingID:             fundingID,
		ProviderID:            req.ProviderID,
		ParticipatePercent:    pct,
		FundedAmount:          investment,
		PaybackAmount:         payback,
		RecurringFeeAmount:    payback.Mul(req.FeePercent),
		RecurringCreditAmount: payback.Mul(req.CreditPercent),
		Status:                models.AgreementStatusActive,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	if _, err := l.storage.AdjustProviderBalance(ctx, req.ProviderID, investment.Neg()); err != nil {
		if errors.Is(err, store.ErrNegativeBalance) {
			return nil, fmt.Errorf("%w: %s required", ErrInsufficientBalance, investment)
		}
		return nil, fmt.Errorf("failed to debit provider: %w", err)
	}
	if err := l.storage.CreateAgreement(ctx, agreement); err != nil {
		l.reverseBalance(ctx, req.ProviderID, investment)
		return nil, fmt.Errorf("failed to store provider agreement: %w", err)
	}

	if _, err := l.recordTransaction(ctx, funding, entry{
		txType:     models.TransactionTypeSyndication,
		amount:     investment,
		sourceType: models.SourceAgreement,
		sourceID:   agreement.ID,
		providerID: req.ProviderID,
	}); err != nil {
		l.logger.Error("failed to record syndication transaction", "agreement_id", agreement.ID, "error", err)
	}

	if err := l.storage.AddSyndicatedAmount(ctx, funding.ID, investment, now); err != nil {
		l.logger.Error("failed to update syndicated amount", "funding_id", funding.ID, "error", err)
	}

	l.logger.Info("provider added to funding",
		"agreement_id", agreement.ID, "provider_id", req.ProviderID, "funding_id", fundingID,
		"percent", pct.String(), "investment", investment.String())
	return agreement, nil
}

// CloseAgreement stops an agreement from receiving new payouts.
func (l *Ledger) CloseAgreement(ctx context.Context, id uuid.UUID) (*models.ProviderAgreement, error) {
	a, err := l.storage.GetAgreement(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status == models.AgreementStatusClosed {
		return a, nil
	}
	a.Status = models.AgreementStatusClosed
	a.UpdatedAt = l.clock()
	if err := l.storage.UpdateAgreement(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to close agreement: %w", err)
	}
	return a, nil
}

func (l *Ledger) GetAgreement(ctx context.Context, id uuid.UUID) (*models.ProviderAgreement, error) {
	return l.storage.GetAgreement(ctx, id)
}

func (l *Ledger) ListAgreements(ctx context.Context, fundingID uuid.UUID) ([]*models.ProviderAgreement, error) {
	return l.storage.ListAgreementsByFunding(ctx, fundingID)
}
