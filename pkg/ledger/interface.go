package ledger

import (
	"context"

	"github.com/mcclellann/fundLedger/pkg/models"
)

// AuditLog receives one record per status transition. The SQLite store
// satisfies it; tests substitute a mock.
//
//go:generate mockgen -destination=mocks/mock_audit.go -source=interface.go AuditLog
type AuditLog interface {
	CreateTransitionLog(ctx context.Context, entry *models.TransitionLog) error
}
