package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore and initializes the database.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	// PRAGMAs are per connection; a single connection keeps them in force
	// and serializes writes.
	db.SetMaxOpenConns(1)

	// Manually enable foreign keys and WAL mode
	_, err = db.Exec("PRAGMA foreign_keys = ON;")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	_, err = db.Exec("PRAGMA journal_mode = WAL;")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	slog.Debug("database connection established and schema initialized", "dsn", dataSourceName)
	return s, nil
}

// initSchema creates the database tables if they don't already exist.
// Money columns are INTEGER minor units; percentages are TEXT so no
// precision is lost.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS fundings (
		id TEXT PRIMARY KEY,
		funder_id TEXT NOT NULL,
		merchant_id TEXT NOT NULL,
		iso_id TEXT,
		funded_amount INTEGER NOT NULL,
		payback_amount INTEGER NOT NULL,
		net_amount INTEGER NOT NULL,
		commission_amount INTEGER NOT NULL DEFAULT 0,
		upfront_fee_amount INTEGER NOT NULL DEFAULT 0,
		residual_fee_amount INTEGER NOT NULL DEFAULT 0,
		remaining_payback_amount INTEGER NOT NULL DEFAULT 0,
		remaining_fee_amount INTEGER NOT NULL DEFAULT 0,
		syndicated_amount INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS providers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		available_balance INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS provider_agreements (
		id TEXT PRIMARY KEY,
		funding_id TEXT NOT NULL,
		provider_id TEXT NOT NULL,
		participate_percent TEXT NOT NULL,
		funded_amount INTEGER NOT NULL,
		payback_amount INTEGER NOT NULL,
		recurring_fee_amount INTEGER NOT NULL DEFAULT 0,
		recurring_credit_amount INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY(funding_id) REFERENCES fundings(id),
		FOREIGN KEY(provider_id) REFERENCES providers(id)
	);
	CREATE TABLE IF NOT EXISTS repayment_plans (
		id TEXT PRIMARY KEY,
		funding_id TEXT NOT NULL,
		frequency TEXT NOT NULL,
		payday_list TEXT NOT NULL,
		distribution_priority TEXT NOT NULL,
		next_payback_date DATETIME,
		next_payback_amount INTEGER NOT NULL,
		remaining_count INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY(funding_id) REFERENCES fundings(id)
	);
	CREATE TABLE IF NOT EXISTS repayments (
		id TEXT PRIMARY KEY,
		funding_id TEXT NOT NULL,
		plan_id TEXT,
		due_date DATETIME NOT NULL,
		payback_amount INTEGER NOT NULL,
		funded_amount INTEGER NOT NULL,
		fee_amount INTEGER NOT NULL,
		status TEXT NOT NULL,
		transaction_id TEXT,
		reconciled BOOLEAN NOT NULL DEFAULT 0,
		processed_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		CHECK (funded_amount + fee_amount = payback_amount),
		FOREIGN KEY(funding_id) REFERENCES fundings(id),
		FOREIGN KEY(plan_id) REFERENCES repayment_plans(id)
	);
	CREATE TABLE IF NOT EXISTS intents (
		id TEXT PRIMARY KEY,
		funding_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY(funding_id) REFERENCES fundings(id)
	);
	CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		intent_id TEXT NOT NULL,
		funding_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount INTEGER NOT NULL,
		status TEXT NOT NULL,
		transaction_id TEXT,
		processed_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY(intent_id) REFERENCES intents(id)
	);
	CREATE TABLE IF NOT EXISTS payouts (
		id TEXT PRIMARY KEY,
		repayment_id TEXT NOT NULL,
		agreement_id TEXT NOT NULL,
		funding_id TEXT NOT NULL,
		payout_amount INTEGER NOT NULL,
		fee_amount INTEGER NOT NULL DEFAULT 0,
		credit_amount INTEGER NOT NULL DEFAULT 0,
		pending BOOLEAN NOT NULL DEFAULT 1,
		transaction_id TEXT,
		created_date DATETIME NOT NULL,
		UNIQUE(repayment_id, agreement_id),
		FOREIGN KEY(repayment_id) REFERENCES repayments(id),
		FOREIGN KEY(agreement_id) REFERENCES provider_agreements(id)
	);
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		funder_id TEXT NOT NULL,
		funding_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		sender_type TEXT NOT NULL,
		receiver_id TEXT NOT NULL,
		receiver_type TEXT NOT NULL,
		amount INTEGER NOT NULL,
		type TEXT NOT NULL,
		source_type TEXT NOT NULL,
		source_id TEXT NOT NULL,
		reconciled BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		UNIQUE(source_type, source_id),
		FOREIGN KEY(funding_id) REFERENCES fundings(id)
	);
	CREATE TABLE IF NOT EXISTS transaction_breakdowns (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL,
		funding_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		description TEXT NOT NULL,
		FOREIGN KEY(transaction_id) REFERENCES transactions(id)
	);
	CREATE TABLE IF NOT EXISTS transition_logs (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		actor TEXT NOT NULL,
		previous_status TEXT NOT NULL,
		new_status TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_repayments_funding ON repayments(funding_id);
	CREATE INDEX IF NOT EXISTS idx_payouts_funding ON payouts(funding_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_funding ON transactions(funding_id);
	CREATE INDEX IF NOT EXISTS idx_breakdowns_transaction ON transaction_breakdowns(transaction_id);
	CREATE INDEX IF NOT EXISTS idx_transition_logs_entity ON transition_logs(entity_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// isUniqueViolation checks if the error is a UNIQUE or PRIMARY KEY constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// execOne runs a write that must touch exactly one row.
func (s *SQLiteStore) execOne(ctx context.Context, what, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", what, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%s %w", what, ErrNotFound)
	}
	return nil
}

// insert runs an INSERT and maps uniqueness failures to ErrDuplicate.
func (s *SQLiteStore) insert(ctx context.Context, what, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to create %s: %w", what, ErrDuplicate)
		}
		return fmt.Errorf("failed to create %s: %w", what, err)
	}
	return nil
}

// execGuarded runs a conditional single-row write. When nothing matches it
// tells a missing row (ErrNotFound) from a failed precondition (ErrStale).
func (s *SQLiteStore) execGuarded(ctx context.Context, what, table string, id uuid.UUID, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", what, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}
	var exists bool
	// table is never user input.
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM `+table+` WHERE id = ?)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check %s: %w", what, err)
	}
	if !exists {
		return fmt.Errorf("%s %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", what, id, ErrStale)
}

func notFound(what string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %w", what, ErrNotFound)
	}
	return fmt.Errorf("failed to get %s: %w", what, err)
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func uuidPtr(id uuid.NullUUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	v := id.UUID
	return &v
}

func nullUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
