package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fundLedger/pkg/models"
	"github.com/mcclellann/fundLedger/pkg/waterfall"
	"github.com/shopspring/decimal"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedFunding(t *testing.T, s *SQLiteStore) *models.Funding {
	t.Helper()
	now := time.Now().UTC()
	iso := uuid.New()
	f := &models.Funding{
		ID:                     uuid.New(),
		FunderID:               uuid.New(),
		MerchantID:             uuid.New(),
		ISOID:                  &iso,
		FundedAmount:           1000000,
		PaybackAmount:          1300000,
		NetAmount:              980000,
		CommissionAmount:       50000,
		UpfrontFeeAmount:       20000,
		ResidualFeeAmount:      300000,
		RemainingPaybackAmount: 1300000,
		RemainingFeeAmount:     300000,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.CreateFunding(context.Background(), f); err != nil {
		t.Fatalf("Failed to create funding: %v", err)
	}
	return f
}

func seedRepayment(t *testing.T, s *SQLiteStore, fundingID uuid.UUID) *models.Repayment {
	t.Helper()
	now := time.Now().UTC()
	r := &models.Repayment{
		ID:            uuid.New(),
		FundingID:     fundingID,
		DueDate:       now,
		PaybackAmount: 13000,
		FundedAmount:  10000,
		FeeAmount:     3000,
		Status:        models.StatusSubmitted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.CreateRepayment(context.Background(), r); err != nil {
		t.Fatalf("Failed to create repayment: %v", err)
	}
	return r
}

func seedAgreement(t *testing.T, s *SQLiteStore, fundingID uuid.UUID) *models.ProviderAgreement {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	p := &models.Provider{ID: uuid.New(), Name: "Acme Capital", AvailableBalance: 500000, CreatedAt: now, UpdatedAt: now}
	if err := s.CreateProvider(ctx, p); err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	a := &models.ProviderAgreement{
		ID:                 uuid.New(),
		FundingID:          fundingID,
		ProviderID:         p.ID,
		ParticipatePercent: decimal.RequireFromString("0.25"),
		FundedAmount:       250000,
		PaybackAmount:      325000,
		RecurringFeeAmount: 3250,
		Status:             models.AgreementStatusActive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.CreateAgreement(ctx, a); err != nil {
		t.Fatalf("Failed to create agreement: %v", err)
	}
	return a
}

func TestSQLiteStore_CreateAndGetFunding(t *testing.T) {
	s := newTestStore(t)
	f := seedFunding(t, s)

	fetched, err := s.GetFunding(context.Background(), f.ID)
	if err != nil {
		t.Fatalf("Failed to get funding: %v", err)
	}
	if fetched.PaybackAmount != f.PaybackAmount {
		t.Errorf("Expected PaybackAmount %s, got %s", f.PaybackAmount, fetched.PaybackAmount)
	}
	if fetched.ISOID == nil || *fetched.ISOID != *f.ISOID {
		t.Errorf("Expected ISOID %s, got %v", *f.ISOID, fetched.ISOID)
	}

	if err := s.AddSyndicatedAmount(context.Background(), f.ID, 250000, time.Now()); err != nil {
		t.Fatalf("Failed to add syndicated amount: %v", err)
	}
	again, _ := s.GetFunding(context.Background(), f.ID)
	if again.SyndicatedAmount != 250000 {
		t.Errorf("Expected SyndicatedAmount 2500.00, got %s", again.SyndicatedAmount)
	}
}

func TestSQLiteStore_FundingTargetedWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := seedFunding(t, s)

	// A refresh computed from a read taken before the syndication must not
	// roll the syndicated total back.
	if err := s.AddSyndicatedAmount(ctx, f.ID, 100000, time.Now()); err != nil {
		t.Fatalf("Failed to add syndicated amount: %v", err)
	}
	if err := s.SetRemainingBalances(ctx, f.ID, 1287000, 297000, time.Now()); err != nil {
		t.Fatalf("Failed to set remaining balances: %v", err)
	}
	if err := s.AddSyndicatedAmount(ctx, f.ID, 50000, time.Now()); err != nil {
		t.Fatalf("Failed to add syndicated amount: %v", err)
	}

	fetched, _ := s.GetFunding(ctx, f.ID)
	if fetched.SyndicatedAmount != 150000 {
		t.Errorf("Expected SyndicatedAmount 1500.00, got %s", fetched.SyndicatedAmount)
	}
	if fetched.RemainingPaybackAmount != 1287000 || fetched.RemainingFeeAmount != 297000 {
		t.Errorf("Expected remaining 12870.00/2970.00, got %s/%s", fetched.RemainingPaybackAmount, fetched.RemainingFeeAmount)
	}
	if fetched.PaybackAmount != f.PaybackAmount || fetched.NetAmount != f.NetAmount {
		t.Errorf("Expected terms untouched, got payback %s net %s", fetched.PaybackAmount, fetched.NetAmount)
	}

	if err := s.AddSyndicatedAmount(ctx, uuid.New(), 1, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing funding, got %v", err)
	}
	if err := s.SetRemainingBalances(ctx, uuid.New(), 0, 0, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing funding, got %v", err)
	}
}

func TestSQLiteStore_StatusGuardedUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := seedFunding(t, s)
	r := seedRepayment(t, s, f.ID)

	succeeded := *r
	succeeded.Status = models.StatusSucceeded
	if err := s.UpdateRepayment(ctx, &succeeded, models.StatusSubmitted); err != nil {
		t.Fatalf("Failed to update repayment: %v", err)
	}

	// A writer that still believes the repayment is SUBMITTED loses.
	failed := *r
	failed.Status = models.StatusFailed
	if err := s.UpdateRepayment(ctx, &failed, models.StatusSubmitted); !errors.Is(err, ErrStale) {
		t.Errorf("Expected ErrStale for outdated repayment write, got %v", err)
	}
	fetched, _ := s.GetRepayment(ctx, r.ID)
	if fetched.Status != models.StatusSucceeded {
		t.Errorf("Expected status SUCCEEDED to survive, got %s", fetched.Status)
	}

	now := time.Now().UTC()
	in := &models.Intent{ID: uuid.New(), FundingID: f.ID, Kind: models.IntentDisbursement, Amount: 980000, CreatedAt: now}
	if err := s.CreateIntent(ctx, in); err != nil {
		t.Fatalf("Failed to create intent: %v", err)
	}
	a := &models.Attempt{ID: uuid.New(), IntentID: in.ID, FundingID: f.ID, Kind: in.Kind, Amount: 980000,
		Status: models.StatusSubmitted, CreatedAt: now, UpdatedAt: now}
	if err := s.CreateAttempt(ctx, a); err != nil {
		t.Fatalf("Failed to create attempt: %v", err)
	}
	a.Status = models.StatusProcessing
	if err := s.UpdateAttempt(ctx, a, models.StatusSubmitted); err != nil {
		t.Fatalf("Failed to update attempt: %v", err)
	}
	a.Status = models.StatusFailed
	if err := s.UpdateAttempt(ctx, a, models.StatusSubmitted); !errors.Is(err, ErrStale) {
		t.Errorf("Expected ErrStale for outdated attempt write, got %v", err)
	}
	if err := s.UpdateAttempt(ctx, &models.Attempt{ID: uuid.New()}, models.StatusSubmitted); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound updating missing attempt, got %v", err)
	}
}

func TestSQLiteStore_ClaimPayout(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := seedFunding(t, s)
	r := seedRepayment(t, s, f.ID)
	a := seedAgreement(t, s, f.ID)

	p := &models.Payout{
		ID:           uuid.New(),
		RepaymentID:  r.ID,
		AgreementID:  a.ID,
		FundingID:    f.ID,
		PayoutAmount: 2500,
		Pending:      true,
		CreatedDate:  time.Now().UTC(),
	}
	if err := s.CreatePayout(ctx, p); err != nil {
		t.Fatalf("Failed to create payout: %v", err)
	}

	if err := s.ClaimPayout(ctx, p.ID); err != nil {
		t.Fatalf("Failed to claim payout: %v", err)
	}
	if err := s.ClaimPayout(ctx, p.ID); !errors.Is(err, ErrStale) {
		t.Errorf("Expected ErrStale claiming a settled payout, got %v", err)
	}
	if err := s.ClaimPayout(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound claiming a missing payout, got %v", err)
	}
	fetched, _ := s.GetPayout(ctx, p.ID)
	if fetched.Pending {
		t.Errorf("Expected claimed payout to be settled")
	}
}

func TestSQLiteStore_NotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetFunding(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for funding, got %v", err)
	}
	if _, err := s.GetPayout(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for payout, got %v", err)
	}
	if err := s.UpdateRepayment(ctx, &models.Repayment{ID: uuid.New()}, models.StatusSubmitted); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound updating missing repayment, got %v", err)
	}
}

func TestSQLiteStore_AdjustProviderBalance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := seedFunding(t, s)
	a := seedAgreement(t, s, f.ID)

	p, err := s.AdjustProviderBalance(ctx, a.ProviderID, -200000)
	if err != nil {
		t.Fatalf("Failed to debit provider: %v", err)
	}
	if p.AvailableBalance != 300000 {
		t.Errorf("Expected balance 3000.00, got %s", p.AvailableBalance)
	}

	if _, err := s.AdjustProviderBalance(ctx, a.ProviderID, -300001); !errors.Is(err, ErrNegativeBalance) {
		t.Errorf("Expected ErrNegativeBalance, got %v", err)
	}
	p, _ = s.GetProvider(ctx, a.ProviderID)
	if p.AvailableBalance != 300000 {
		t.Errorf("Rejected debit changed balance to %s", p.AvailableBalance)
	}

	if _, err := s.AdjustProviderBalance(ctx, uuid.New(), 100); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown provider, got %v", err)
	}
}

func TestSQLiteStore_PlanRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := seedFunding(t, s)
	now := time.Now().UTC()
	next := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	plan := &models.RepaymentPlan{
		ID:                   uuid.New(),
		FundingID:            f.ID,
		Frequency:            models.FrequencyMonthly,
		PaydayList:           []int{1, 15},
		DistributionPriority: waterfall.PriorityBoth,
		NextPaybackDate:      &next,
		NextPaybackAmount:    50000,
		RemainingCount:       4,
		Status:               models.PlanStatusActive,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.CreatePlan(ctx, plan); err != nil {
		t.Fatalf("Failed to create plan: %v", err)
	}

	fetched, err := s.GetPlan(ctx, plan.ID)
	if err != nil {
		t.Fatalf("Failed to get plan: %v", err)
	}
	if len(fetched.PaydayList) != 2 || fetched.PaydayList[1] != 15 {
		t.Errorf("Expected payday list [1 15], got %v", fetched.PaydayList)
	}
	if fetched.NextPaybackDate == nil || !fetched.NextPaybackDate.Equal(next) {
		t.Errorf("Expected next payback date %s, got %v", next, fetched.NextPaybackDate)
	}

	fetched.Status = models.PlanStatusStopped
	fetched.NextPaybackDate = nil
	fetched.RemainingCount = 0
	if err := s.UpdatePlan(ctx, fetched); err != nil {
		t.Fatalf("Failed to update plan: %v", err)
	}

	active, _ := s.ListPlansByStatus(ctx, models.PlanStatusActive)
	if len(active) != 0 {
		t.Errorf("Expected no active plans, got %d", len(active))
	}
	stopped, _ := s.ListPlansByStatus(ctx, models.PlanStatusStopped)
	if len(stopped) != 1 || stopped[0].NextPaybackDate != nil {
		t.Errorf("Expected one stopped plan with no date, got %+v", stopped)
	}
}

func TestSQLiteStore_RepaymentSplitConstraint(t *testing.T) {
	s := newTestStore(t)
	f := seedFunding(t, s)
	now := time.Now().UTC()

	err := s.CreateRepayment(context.Background(), &models.Repayment{
		ID:            uuid.New(),
		FundingID:     f.ID,
		DueDate:       now,
		PaybackAmount: 100,
		FundedAmount:  60,
		FeeAmount:     30,
		Status:        models.StatusSubmitted,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err == nil {
		t.Error("Expected CHECK constraint failure for unbalanced repayment")
	}
}

func TestSQLiteStore_DuplicatePayout(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := seedFunding(t, s)
	r := seedRepayment(t, s, f.ID)
	a := seedAgreement(t, s, f.ID)

	newPayout := func() *models.Payout {
		return &models.Payout{
			ID:           uuid.New(),
			RepaymentID:  r.ID,
			AgreementID:  a.ID,
			FundingID:    f.ID,
			PayoutAmount: 2500,
			FeeAmount:    25,
			Pending:      true,
			CreatedDate:  time.Now().UTC(),
		}
	}

	first := newPayout()
	if err := s.CreatePayout(ctx, first); err != nil {
		t.Fatalf("Failed to create payout: %v", err)
	}
	if err := s.CreatePayout(ctx, newPayout()); !errors.Is(err, ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate for second payout, got %v", err)
	}

	byRepayment, _ := s.ListPayoutsByRepayment(ctx, r.ID)
	byAgreement, _ := s.ListPayoutsByAgreement(ctx, a.ID)
	byFunding, _ := s.ListPayoutsByFunding(ctx, f.ID)
	for _, payouts := range [][]*models.Payout{byRepayment, byAgreement, byFunding} {
		if len(payouts) != 1 || payouts[0].ID != first.ID {
			t.Errorf("Expected only the first payout, got %d", len(payouts))
		}
	}

	first.Pending = false
	txID := uuid.New()
	first.TransactionID = &txID
	if err := s.UpdatePayout(ctx, first); err != nil {
		t.Fatalf("Failed to update payout: %v", err)
	}
	fetched, _ := s.GetPayout(ctx, first.ID)
	if fetched.Pending || fetched.TransactionID == nil || *fetched.TransactionID != txID {
		t.Errorf("Expected settled payout with transaction %s, got %+v", txID, fetched)
	}
}

func TestSQLiteStore_TransactionsAndVariances(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := seedFunding(t, s)
	r := seedRepayment(t, s, f.ID)

	newTx := func(sourceID uuid.UUID) *models.Transaction {
		return &models.Transaction{
			ID:           uuid.New(),
			FunderID:     f.FunderID,
			FundingID:    f.ID,
			SenderID:     f.MerchantID,
			SenderType:   models.PartyMerchant,
			ReceiverID:   f.FunderID,
			ReceiverType: models.PartyFunder,
			Amount:       13000,
			Type:         models.TransactionTypePayback,
			SourceType:   models.SourceRepayment,
			SourceID:     sourceID,
			CreatedAt:    time.Now().UTC(),
		}
	}

	balanced := newTx(r.ID)
	if err := s.CreateTransaction(ctx, balanced); err != nil {
		t.Fatalf("Failed to create transaction: %v", err)
	}
	if err := s.CreateTransaction(ctx, newTx(r.ID)); !errors.Is(err, ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate for second transaction of the same source, got %v", err)
	}
	bySource, err := s.GetTransactionBySource(ctx, models.SourceRepayment, r.ID)
	if err != nil || bySource.ID != balanced.ID {
		t.Fatalf("Expected transaction %s by source, got %v (%v)", balanced.ID, bySource, err)
	}

	for _, desc := range []string{"Principal", "Fee"} {
		err := s.CreateBreakdown(ctx, &models.TransactionBreakdown{
			ID: uuid.New(), TransactionID: balanced.ID, FundingID: f.ID, Amount: 0, Description: desc,
		})
		if err != nil {
			t.Fatalf("Failed to create breakdown: %v", err)
		}
	}
	lines, _ := s.ListBreakdownsByTransaction(ctx, balanced.ID)
	if len(lines) != 2 {
		t.Fatalf("Expected 2 breakdown lines, got %d", len(lines))
	}

	// Both lines were written as zero, so the whole amount is unexplained.
	variances, err := s.BreakdownVariances(ctx)
	if err != nil {
		t.Fatalf("Failed to compute variances: %v", err)
	}
	if len(variances) != 1 || variances[0].TransactionID != balanced.ID || variances[0].VarianceAmount != 13000 {
		t.Errorf("Expected one variance of 130.00 on %s, got %+v", balanced.ID, variances)
	}

	if err := s.MarkTransactionReconciled(ctx, balanced.ID); err != nil {
		t.Fatalf("Failed to reconcile: %v", err)
	}
	fetched, _ := s.GetTransaction(ctx, balanced.ID)
	if !fetched.Reconciled {
		t.Error("Expected transaction to be reconciled")
	}

	list, _ := s.ListTransactionsByFunding(ctx, f.ID)
	if len(list) != 1 {
		t.Errorf("Expected 1 transaction for funding, got %d", len(list))
	}
}

func TestSQLiteStore_TransitionLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	entity := uuid.New()

	for i, next := range []models.Status{models.StatusSubmitted, models.StatusProcessing} {
		err := s.CreateTransitionLog(ctx, &models.TransitionLog{
			ID:         uuid.New(),
			EntityType: models.SourceAttempt,
			EntityID:   entity,
			Actor:      "ops",
			NewStatus:  next,
			Payload:    `{"status":"` + string(next) + `"}`,
			CreatedAt:  time.Now().UTC().Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("Failed to create transition log: %v", err)
		}
	}

	logs, err := s.ListTransitionLogs(ctx, entity)
	if err != nil {
		t.Fatalf("Failed to list transition logs: %v", err)
	}
	if len(logs) != 2 || logs[1].NewStatus != models.StatusProcessing {
		t.Errorf("Expected 2 ordered logs ending in PROCESSING, got %+v", logs)
	}
}
