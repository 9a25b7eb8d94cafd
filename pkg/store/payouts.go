package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/fundLedger/pkg/models"
)

const payoutColumns = `id, repayment_id, agreement_id, funding_id, payout_amount, fee_amount, credit_amount, pending, transaction_id, created_date`

// CreatePayout inserts a payout. A second payout for the same repayment and
// agreement fails with ErrDuplicate.
func (s *SQLiteStore) CreatePayout(ctx context.Context, p *models.Payout) error {
	return s.insert(ctx, "payout",
		`INSERT INTO payouts (`+payoutColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.RepaymentID, p.AgreementID, p.FundingID, p.PayoutAmount, p.FeeAmount, p.CreditAmount,
		p.Pending, nullUUID(p.TransactionID), p.CreatedDate.UTC(),
	)
}

// GetPayout retrieves a payout by its ID.
func (s *SQLiteStore) GetPayout(ctx context.Context, id uuid.UUID) (*models.Payout, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = ?`, id)
	p, err := scanPayout(row)
	if err != nil {
		return nil, notFound("payout", err)
	}
	return p, nil
}

// ClaimPayout marks a pending payout settled. The pending guard lets exactly
// one concurrent caller through.
func (s *SQLiteStore) ClaimPayout(ctx context.Context, id uuid.UUID) error {
	return s.execGuarded(ctx, "payout", "payouts", id,
		`UPDATE payouts SET pending = 0 WHERE id = ? AND pending = 1`, id)
}

// UpdatePayout persists the settlement state of a payout.
func (s *SQLiteStore) UpdatePayout(ctx context.Context, p *models.Payout) error {
	return s.execOne(ctx, "payout",
		`UPDATE payouts SET pending = ?, transaction_id = ? WHERE id = ?`,
		p.Pending, nullUUID(p.TransactionID), p.ID,
	)
}

func (s *SQLiteStore) ListPayoutsByRepayment(ctx context.Context, repaymentID uuid.UUID) ([]*models.Payout, error) {
	return s.listPayouts(ctx, "repayment_id", repaymentID)
}

func (s *SQLiteStore) ListPayoutsByFunding(ctx context.Context, fundingID uuid.UUID) ([]*models.Payout, error) {
	return s.listPayouts(ctx, "funding_id", fundingID)
}

func (s *SQLiteStore) ListPayoutsByAgreement(ctx context.Context, agreementID uuid.UUID) ([]*models.Payout, error) {
	return s.listPayouts(ctx, "agreement_id", agreementID)
}

// listPayouts filters on one of the owning-entity columns. column is never
// user input.
func (s *SQLiteStore) listPayouts(ctx context.Context, column string, id uuid.UUID) ([]*models.Payout, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE `+column+` = ? ORDER BY created_date ASC, id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get payouts by %s %s: %w", column, id, err)
	}
	defer rows.Close()

	return collect(rows, "payout", scanPayout)
}

func scanPayout(row rowScanner) (*models.Payout, error) {
	var p models.Payout
	var txID uuid.NullUUID
	err := row.Scan(&p.ID, &p.RepaymentID, &p.AgreementID, &p.FundingID, &p.PayoutAmount, &p.FeeAmount,
		&p.CreditAmount, &p.Pending, &txID, &p.CreatedDate)
	if err != nil {
		return nil, err
	}
	p.TransactionID = uuidPtr(txID)
	return &p, nil
}
