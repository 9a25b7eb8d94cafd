package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/fundLedger/pkg/models"
)

const transactionColumns = `id, funder_id, funding_id, sender_id, sender_type, receiver_id, receiver_type, amount, type, source_type, source_id, reconciled, created_at`

// CreateTransaction inserts a new ledger transaction. Only one transaction
// may exist per source; a second one fails with ErrDuplicate.
func (s *SQLiteStore) CreateTransaction(ctx context.Context, t *models.Transaction) error {
	return s.insert(ctx, "transaction",
		`INSERT INTO transactions (`+transactionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.FunderID, t.FundingID, t.SenderID, t.SenderType, t.ReceiverID, t.ReceiverType, t.Amount, t.Type,
		t.SourceType, t.SourceID, t.Reconciled, t.CreatedAt.UTC(),
	)
}

// GetTransaction retrieves a transaction by its ID.
func (s *SQLiteStore) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if err != nil {
		return nil, notFound("transaction", err)
	}
	return t, nil
}

// GetTransactionBySource retrieves the transaction created for a source record.
func (s *SQLiteStore) GetTransactionBySource(ctx context.Context, sourceType models.SourceType, sourceID uuid.UUID) (*models.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE source_type = ? AND source_id = ?`, sourceType, sourceID)
	t, err := scanTransaction(row)
	if err != nil {
		return nil, notFound("transaction", err)
	}
	return t, nil
}

// ListTransactionsByFunding retrieves all transactions for a given funding ID.
func (s *SQLiteStore) ListTransactionsByFunding(ctx context.Context, fundingID uuid.UUID) ([]*models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE funding_id = ? ORDER BY created_at ASC, id ASC`, fundingID)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions for funding %s: %w", fundingID, err)
	}
	defer rows.Close()

	return collect(rows, "transaction", scanTransaction)
}

// MarkTransactionReconciled flips the only mutable field of a transaction.
func (s *SQLiteStore) MarkTransactionReconciled(ctx context.Context, id uuid.UUID) error {
	return s.execOne(ctx, "transaction", `UPDATE transactions SET reconciled = 1 WHERE id = ?`, id)
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(&t.ID, &t.FunderID, &t.FundingID, &t.SenderID, &t.SenderType, &t.ReceiverID, &t.ReceiverType,
		&t.Amount, &t.Type, &t.SourceType, &t.SourceID, &t.Reconciled, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateBreakdown inserts one itemized line of a transaction.
func (s *SQLiteStore) CreateBreakdown(ctx context.Context, b *models.TransactionBreakdown) error {
	return s.insert(ctx, "transaction breakdown",
		`INSERT INTO transaction_breakdowns (id, transaction_id, funding_id, amount, description) VALUES (?, ?, ?, ?, ?)`,
		b.ID, b.TransactionID, b.FundingID, b.Amount, b.Description,
	)
}

// ListBreakdownsByTransaction retrieves all breakdown lines of a transaction.
func (s *SQLiteStore) ListBreakdownsByTransaction(ctx context.Context, transactionID uuid.UUID) ([]*models.TransactionBreakdown, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, transaction_id, funding_id, amount, description FROM transaction_breakdowns WHERE transaction_id = ? ORDER BY rowid ASC`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get breakdowns for transaction %s: %w", transactionID, err)
	}
	defer rows.Close()

	return collect(rows, "transaction breakdown", func(row rowScanner) (*models.TransactionBreakdown, error) {
		var b models.TransactionBreakdown
		if err := row.Scan(&b.ID, &b.TransactionID, &b.FundingID, &b.Amount, &b.Description); err != nil {
			return nil, err
		}
		return &b, nil
	})
}

// BreakdownVariances returns every transaction whose breakdown lines do not
// add up to its amount, including transactions with no lines at all.
func (s *SQLiteStore) BreakdownVariances(ctx context.Context) ([]*models.BreakdownValidation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.amount - COALESCE(SUM(b.amount), 0) AS variance
		FROM transactions t
		LEFT JOIN transaction_breakdowns b ON b.transaction_id = t.id
		GROUP BY t.id, t.amount, t.created_at
		HAVING variance != 0
		ORDER BY t.created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query breakdown variances: %w", err)
	}
	defer rows.Close()

	return collect(rows, "breakdown variance", func(row rowScanner) (*models.BreakdownValidation, error) {
		var v models.BreakdownValidation
		if err := row.Scan(&v.TransactionID, &v.VarianceAmount); err != nil {
			return nil, err
		}
		return &v, nil
	})
}
