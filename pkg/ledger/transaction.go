package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/fundLedger/pkg/models"
	"github.com/mcclellann/fundLedger/pkg/money"
	"github.com/mcclellann/fundLedger/pkg/store"
)

// entry describes a money movement about to be written to the ledger.
type entry struct {
	txType     models.TransactionType
	amount     money.Amount
	sourceType models.SourceType
	sourceID   uuid.UUID
	providerID uuid.UUID         // PAYOUT and SYNDICATION counterparty
	repayment  *models.Repayment // PAYBACK
	payout     *models.Payout    // PAYOUT
}

type party struct {
	id   uuid.UUID
	kind models.PartyType
}

// parties resolves who sends and who receives money for a transaction type.
func parties(funding *models.Funding, e entry) (sender, receiver party, err error) {
	funder := party{funding.FunderID, models.PartyFunder}
	switch e.txType {
	case models.TransactionTypeDisbursement:
		return funder, party{funding.MerchantID, models.PartyMerchant}, nil
	case models.TransactionTypeCommission:
		if funding.ISOID == nil {
			return party{}, party{}, invalid("funding %s has no commission receiver", funding.ID)
		}
		return funder, party{*funding.ISOID, models.PartyISO}, nil
	case models.TransactionTypePayback:
		return party{funding.MerchantID, models.PartyMerchant}, funder, nil
	case models.TransactionTypePayout:
		return funder, party{e.providerID, models.PartyProvider}, nil
	case models.TransactionTypeSyndication:
		return party{e.providerID, models.PartyProvider}, funder, nil
	}
	return party{}, party{}, invalid("unknown transaction type %q", e.txType)
}

// breakdownLines itemizes a transaction. Zero lines are dropped where the
// line is optional.
func breakdownLines(funding *models.Funding, tx *models.Transaction, e entry) []*models.TransactionBreakdown {
	var lines []*models.TransactionBreakdown
	add := func(amount money.Amount, description string) {
		lines = append(lines, &models.TransactionBreakdown{
			ID:            uuid.New(),
			TransactionID: tx.ID,
			FundingID:     funding.ID,
			Amount:        amount,
			Description:   description,
		})
	}

	switch tx.Type {
	case models.TransactionTypeCommission:
		add(money.Scale(funding.CommissionAmount, tx.Amount, funding.CommissionAmount), "Commission")
	case models.TransactionTypeDisbursement:
		add(money.Scale(funding.FundedAmount, tx.Amount, funding.NetAmount), "Principal")
		if fee := money.Scale(funding.UpfrontFeeAmount, tx.Amount, funding.NetAmount); fee != 0 {
			add(fee.Neg(), "Upfront fee")
		}
	case models.TransactionTypePayback:
		if e.repayment == nil {
			break
		}
		if e.repayment.FundedAmount != 0 {
			add(e.repayment.FundedAmount, "Principal")
		}
		if e.repayment.FeeAmount != 0 {
			add(e.repayment.FeeAmount, "Fee")
		}
	case models.TransactionTypePayout:
		if e.payout == nil {
			break
		}
		add(e.payout.PayoutAmount, "Payout")
		if e.payout.FeeAmount != 0 {
			add(e.payout.FeeAmount.Neg(), "Management fee")
		}
		if e.payout.CreditAmount != 0 {
			add(e.payout.CreditAmount, "Credit")
		}
	case models.TransactionTypeSyndication:
		add(tx.Amount, "Syndication")
	}
	return lines
}

// recordTransaction writes the ledger entry for a source record exactly once.
// A transaction already present for the source is returned as is. Breakdown
// lines are best-effort: a failure is logged and the transaction stands.
func (l *Ledger) recordTransaction(ctx context.Context, funding *models.Funding, e entry) (*models.Transaction, error) {
	if funding.FunderID == uuid.Nil {
		return nil, invalid("funding %s has no funder", funding.ID)
	}
	if e.sourceID == uuid.Nil {
		return nil, invalid("transaction requires a source")
	}

	existing, err := l.storage.GetTransactionBySource(ctx, e.sourceType, e.sourceID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	sender, receiver, err := parties(funding, e)
	if err != nil {
		return nil, err
	}

	tx := &models.Transaction{
		ID:           uuid.New(),
		FunderID:     funding.FunderID,
		FundingID:    funding.ID,
		SenderID:     sender.id,
		SenderType:   sender.kind,
		ReceiverID:   receiver.id,
		ReceiverType: receiver.kind,
		Amount:       e.amount,
		Type:         e.txType,
		SourceType:   e.sourceType,
		SourceID:     e.sourceID,
		CreatedAt:    l.clock(),
	}
	if err := l.storage.CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Lost a race with another writer for the same source.
			return l.storage.GetTransactionBySource(ctx, e.sourceType, e.sourceID)
		}
		return nil, fmt.Errorf("failed to store %s transaction: %w", e.txType, err)
	}

	for _, line := range breakdownLines(funding, tx, e) {
		if err := l.storage.CreateBreakdown(ctx, line); err != nil {
			l.logger.Error("failed to store transaction breakdown",
				"transaction_id", tx.ID, "description", line.Description, "amount", line.Amount, "error", err)
		}
	}

	l.logger.Info("recorded transaction",
		"transaction_id", tx.ID, "type", tx.Type, "amount", tx.Amount.String(), "funding_id", funding.ID)
	return tx, nil
}

func (l *Ledger) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return l.storage.GetTransaction(ctx, id)
}

func (l *Ledger) ListTransactionsByFunding(ctx context.Context, fundingID uuid.UUID) ([]*models.Transaction, error) {
	return l.storage.ListTransactionsByFunding(ctx, fundingID)
}

func (l *Ledger) ListBreakdowns(ctx context.Context, transactionID uuid.UUID) ([]*models.TransactionBreakdown, error) {
	return l.storage.ListBreakdownsByTransaction(ctx, transactionID)
}

// ValidateBreakdowns reports whether the breakdown lines of a transaction add
// up to its amount. VarianceAmount is the transaction amount minus the lines.
func (l *Ledger) ValidateBreakdowns(ctx context.Context, transactionID uuid.UUID) (*models.BreakdownValidation, error) {
	tx, err := l.storage.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	lines, err := l.storage.ListBreakdownsByTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	var sum money.Amount
	for _, line := range lines {
		sum += line.Amount
	}
	variance := tx.Amount - sum
	return &models.BreakdownValidation{
		TransactionID:  tx.ID,
		IsValid:        variance == 0,
		VarianceAmount: variance,
	}, nil
}

// BreakdownVariances lists every transaction whose lines do not reconcile.
func (l *Ledger) BreakdownVariances(ctx context.Context) ([]*models.BreakdownValidation, error) {
	return l.storage.BreakdownVariances(ctx)
}

// MarkReconciled flags a transaction, and the repayment behind it, as
// matched against the bank.
func (l *Ledger) MarkReconciled(ctx context.Context, transactionID uuid.UUID) error {
	tx, err := l.storage.GetTransaction(ctx, transactionID)
	if err != nil {
		return err
	}
	if err := l.storage.MarkTransactionReconciled(ctx, tx.ID); err != nil {
		return fmt.Errorf("failed to reconcile transaction: %w", err)
	}
	if tx.SourceType != models.SourceRepayment {
		return nil
	}
	repayment, err := l.storage.GetRepayment(ctx, tx.SourceID)
	if err != nil {
		return err
	}
	repayment.Reconciled = true
	repayment.UpdatedAt = l.clock()
	return l.storage.UpdateRepayment(ctx, repayment, repayment.Status)
}
