package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mcclellann/fundLedger/pkg/models"
)

const agreementColumns = `id, funding_id, provider_id, participate_percent, funded_amount, payback_amount, recurring_fee_amount, recurring_credit_amount, status, created_at, updated_at`

// CreateAgreement inserts a new provider agreement.
func (s *SQLiteStore) CreateAgreement(ctx context.Context, a *models.ProviderAgreement) error {
	return s.insert(ctx, "provider agreement",
		`INSERT INTO provider_agreements (`+agreementColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.FundingID, a.ProviderID, a.ParticipatePercent, a.FundedAmount, a.PaybackAmount,
		a.RecurringFeeAmount, a.RecurringCreditAmount, a.Status, a.CreatedAt.UTC(), a.UpdatedAt.UTC(),
	)
}

// GetAgreement retrieves a provider agreement by its ID.
func (s *SQLiteStore) GetAgreement(ctx context.Context, id uuid.UUID) (*models.ProviderAgreement, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agreementColumns+` FROM provider_agreements WHERE id = ?`, id)
	a, err := scanAgreement(row)
	if err != nil {
		return nil, notFound("provider agreement", err)
	}
	return a, nil
}

// UpdateAgreement updates the mutable terms and status of an agreement.
func (s *SQLiteStore) UpdateAgreement(ctx context.Context, a *models.ProviderAgreement) error {
	return s.execOne(ctx, "provider agreement",
		`UPDATE provider_agreements SET participate_percent = ?, funded_amount = ?, payback_amount = ?, recurring_fee_amount = ?, recurring_credit_amount = ?, status = ?, updated_at = ? WHERE id = ?`,
		a.ParticipatePercent, a.FundedAmount, a.PaybackAmount, a.RecurringFeeAmount, a.RecurringCreditAmount,
		a.Status, a.UpdatedAt.UTC(), a.ID,
	)
}

// ListAgreementsByFunding returns the agreements of a funding, optionally
// restricted to the given statuses, oldest first.
func (s *SQLiteStore) ListAgreementsByFunding(ctx context.Context, fundingID uuid.UUID, statuses ...models.AgreementStatus) ([]*models.ProviderAgreement, error) {
	query := `SELECT ` + agreementColumns + ` FROM provider_agreements WHERE funding_id = ?`
	args := []any{fundingID}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += ` AND status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get agreements for funding %s: %w", fundingID, err)
	}
	defer rows.Close()

	return collect(rows, "agreement", scanAgreement)
}

func scanAgreement(row rowScanner) (*models.ProviderAgreement, error) {
	var a models.ProviderAgreement
	err := row.Scan(&a.ID, &a.FundingID, &a.ProviderID, &a.ParticipatePercent, &a.FundedAmount, &a.PaybackAmount,
		&a.RecurringFeeAmount, &a.RecurringCreditAmount, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// collect drains rows through scan.
func collect[T any](rows *sql.Rows, what string, scan func(rowScanner) (*T, error)) ([]*T, error) {
	var items []*T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", what, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return items, nil
}
