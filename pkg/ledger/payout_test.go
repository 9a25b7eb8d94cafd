package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fundLedger/pkg/lock"
	"github.com/mcclellann/fundLedger/pkg/models"
	"github.com/mcclellann/fundLedger/pkg/money"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProrate(t *testing.T) {
	created := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name       string
		principal  money.Amount
		pct        string
		payback    money.Amount
		fee        money.Amount
		credit     money.Amount
		wantPayout money.Amount
		wantFee    money.Amount
		wantCredit money.Amount
	}{
		{
			name:      "quarter share",
			principal: 10000, pct: "0.25",
			payback: 325000, fee: 3250, credit: 1625,
			wantPayout: 2500, wantFee: 25, wantCredit: 13,
		},
		{
			name:      "zero payback has no fee or credit",
			principal: 10000, pct: "0.25",
			payback: 0, fee: 3250, credit: 1625,
			wantPayout: 2500, wantFee: 0, wantCredit: 0,
		},
		{
			name:      "rounds half away from zero",
			principal: 333, pct: "0.5",
			payback: 1000, fee: 100, credit: 0,
			wantPayout: 167, wantFee: 17, wantCredit: 0,
		},
		{
			name:      "just under half a cent rounds down",
			principal: 1_000_000_000, pct: "1",
			payback: 2_000_000_001, fee: 1, credit: 0,
			wantPayout: 1_000_000_000, wantFee: 0, wantCredit: 0,
		},
		{
			name:      "full share",
			principal: 123456, pct: "1",
			payback: 1300000, fee: 0, credit: 13000,
			wantPayout: 123456, wantFee: 0, wantCredit: 1235,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &models.Repayment{ID: uuid.New(), FundingID: uuid.New(), FundedAmount: tt.principal}
			a := &models.ProviderAgreement{
				ID:                    uuid.New(),
				ParticipatePercent:    decimal.RequireFromString(tt.pct),
				PaybackAmount:         tt.payback,
				RecurringFeeAmount:    tt.fee,
				RecurringCreditAmount: tt.credit,
			}
			p := prorate(r, a, created)
			assert.Equal(t, tt.wantPayout, p.PayoutAmount, "payout")
			assert.Equal(t, tt.wantFee, p.FeeAmount, "fee")
			assert.Equal(t, tt.wantCredit, p.CreditAmount, "credit")
			assert.True(t, p.Pending)
			assert.Equal(t, r.ID, p.RepaymentID)
			assert.Equal(t, a.ID, p.AgreementID)
			assert.Equal(t, r.FundingID, p.FundingID)
			assert.Equal(t, created, p.CreatedDate)
		})
	}
}

func TestGeneratePayouts_Idempotent(t *testing.T) {
	l := newTestLedger(t, newTestStore(t))
	ctx := context.Background()
	f := newFunding(t, l)
	a1 := addProvider(t, l, f.ID, "0.25", "0.01", "0.005")
	a2 := addProvider(t, l, f.ID, "0.5", "0", "0")

	r := newRepayment(t, l, f.ID, money.FromMajor(100), money.FromMajor(30))
	succeed(t, l, r.ID)

	first, err := l.ListPayoutsByRepayment(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, first, 2)

	again, err := l.GeneratePayouts(ctx, r.ID, PayoutOptions{})
	require.NoError(t, err)
	require.Len(t, again, 2)
	assert.ElementsMatch(t, []uuid.UUID{first[0].ID, first[1].ID}, []uuid.UUID{again[0].ID, again[1].ID})

	byAgreement := map[uuid.UUID]*models.Payout{}
	for _, p := range again {
		byAgreement[p.AgreementID] = p
	}
	// Agreement payback 3,250.00 with a 1% fee and 0.5% credit.
	assert.Equal(t, money.FromMajor(25), byAgreement[a1.ID].PayoutAmount)
	assert.Equal(t, money.Amount(25), byAgreement[a1.ID].FeeAmount)
	assert.Equal(t, money.Amount(13), byAgreement[a1.ID].CreditAmount)
	assert.Equal(t, money.FromMajor(50), byAgreement[a2.ID].PayoutAmount)
	assert.Equal(t, money.Zero, byAgreement[a2.ID].FeeAmount)

	all, err := l.ListPayoutsByFunding(ctx, f.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestGeneratePayouts_RequiresSuccess(t *testing.T) {
	l := newTestLedger(t, newTestStore(t))
	f := newFunding(t, l)
	r := newRepayment(t, l, f.ID, money.FromMajor(100), 0)

	_, err := l.GeneratePayouts(context.Background(), r.ID, PayoutOptions{})
	assert.ErrorIs(t, err, ErrNotSucceeded)
}

func TestGeneratePayouts_IncludeClosed(t *testing.T) {
	l := newTestLedger(t, newTestStore(t))
	ctx := context.Background()
	f := newFunding(t, l)
	a := addProvider(t, l, f.ID, "0.25", "0", "0")
	_, err := l.CloseAgreement(ctx, a.ID)
	require.NoError(t, err)

	r := newRepayment(t, l, f.ID, money.FromMajor(100), 0)
	succeed(t, l, r.ID)

	payouts, err := l.ListPayoutsByRepayment(ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, payouts, "closed agreements are not paid by default")

	payouts, err = l.GeneratePayouts(ctx, r.ID, PayoutOptions{IncludeClosed: true})
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, a.ID, payouts[0].AgreementID)
}

func TestGeneratePayouts_LockBusy(t *testing.T) {
	locker := lock.NewLocal()
	l := newTestLedger(t, newTestStore(t), WithLocker(locker))
	ctx := context.Background()
	f := newFunding(t, l)
	r := newRepayment(t, l, f.ID, money.FromMajor(100), 0)

	release, err := locker.Acquire(ctx, "payout:"+r.ID.String(), time.Minute)
	require.NoError(t, err)
	defer release()

	_, err = l.GeneratePayouts(ctx, r.ID, PayoutOptions{})
	assert.ErrorIs(t, err, lock.ErrNotAcquired)
}

func TestSettlePayout(t *testing.T) {
	l := newTestLedger(t, newTestStore(t))
	ctx := context.Background()
	f := newFunding(t, l)
	a := addProvider(t, l, f.ID, "0.25", "0.01", "0.005")

	before, err := l.GetProvider(ctx, a.ProviderID)
	require.NoError(t, err)

	r := newRepayment(t, l, f.ID, money.FromMajor(100), money.FromMajor(30))
	succeed(t, l, r.ID)
	payouts, err := l.ListPayoutsByRepayment(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, payouts, 1)

	settled, err := l.SettlePayout(ctx, payouts[0].ID)
	require.NoError(t, err)
	assert.False(t, settled.Pending)
	require.NotNil(t, settled.TransactionID)

	net := settled.NetAmount()
	assert.Equal(t, money.Amount(2500-25+13), net)

	after, err := l.GetProvider(ctx, a.ProviderID)
	require.NoError(t, err)
	assert.Equal(t, before.AvailableBalance+net, after.AvailableBalance)

	tx, err := l.GetTransaction(ctx, *settled.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionTypePayout, tx.Type)
	assert.Equal(t, net, tx.Amount)
	assert.Equal(t, a.ProviderID, tx.ReceiverID)

	validation, err := l.ValidateBreakdowns(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, validation.IsValid)

	again, err := l.SettlePayout(ctx, settled.ID)
	require.NoError(t, err)
	assert.Equal(t, *settled.TransactionID, *again.TransactionID)
	unchanged, err := l.GetProvider(ctx, a.ProviderID)
	require.NoError(t, err)
	assert.Equal(t, after.AvailableBalance, unchanged.AvailableBalance)

	bal, err := l.AgreementBalance(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, money.FromMajor(25), bal.PaidAmount)
	assert.Equal(t, money.Zero, bal.PendingAmount)
	assert.Equal(t, a.PaybackAmount-money.FromMajor(25), bal.RemainingAmount)
	assert.Equal(t, 1, bal.PayoutCount)
}

func TestSettlePayout_ConcurrentCreditsOnce(t *testing.T) {
	l := newTestLedger(t, newTestStore(t))
	ctx := context.Background()
	f := newFunding(t, l)
	a := addProvider(t, l, f.ID, "0.25", "0.01", "0.005")

	before, err := l.GetProvider(ctx, a.ProviderID)
	require.NoError(t, err)

	r := succeed(t, l, newRepayment(t, l, f.ID, money.FromMajor(100), money.FromMajor(30)).ID)
	payouts, err := l.ListPayoutsByRepayment(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, payouts, 1)

	const callers = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, errs[i] = l.SettlePayout(ctx, payouts[0].ID)
		}()
	}
	close(start)
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}

	after, err := l.GetProvider(ctx, a.ProviderID)
	require.NoError(t, err)
	assert.Equal(t, before.AvailableBalance+payouts[0].NetAmount(), after.AvailableBalance)

	txs, err := l.ListTransactionsByFunding(ctx, f.ID)
	require.NoError(t, err)
	var payoutTxs int
	for _, tx := range txs {
		if tx.Type == models.TransactionTypePayout {
			payoutTxs++
		}
	}
	assert.Equal(t, 1, payoutTxs)

	settled, err := l.GetPayout(ctx, payouts[0].ID)
	require.NoError(t, err)
	assert.False(t, settled.Pending)
	assert.NotNil(t, settled.TransactionID)
}

func TestSettlePayout_FailureLeavesPayoutPending(t *testing.T) {
	faulty := &faultyStore{Storage: newTestStore(t)}
	l := newTestLedger(t, faulty)
	ctx := context.Background()
	f := newFunding(t, l)
	a := addProvider(t, l, f.ID, "0.25", "0", "0")

	before, err := l.GetProvider(ctx, a.ProviderID)
	require.NoError(t, err)
	r := succeed(t, l, newRepayment(t, l, f.ID, money.FromMajor(100), 0).ID)
	payouts, err := l.ListPayoutsByRepayment(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, payouts, 1)

	faulty.settlePayoutErr = errors.New("database is locked")
	_, err = l.SettlePayout(ctx, payouts[0].ID)
	require.Error(t, err)

	stored, err := l.GetPayout(ctx, payouts[0].ID)
	require.NoError(t, err)
	assert.True(t, stored.Pending)
	assert.Nil(t, stored.TransactionID)
	unchanged, err := l.GetProvider(ctx, a.ProviderID)
	require.NoError(t, err)
	assert.Equal(t, before.AvailableBalance, unchanged.AvailableBalance)

	faulty.settlePayoutErr = nil
	settled, err := l.SettlePayout(ctx, payouts[0].ID)
	require.NoError(t, err)
	assert.False(t, settled.Pending)

	after, err := l.GetProvider(ctx, a.ProviderID)
	require.NoError(t, err)
	assert.Equal(t, before.AvailableBalance+money.FromMajor(25), after.AvailableBalance)
}
