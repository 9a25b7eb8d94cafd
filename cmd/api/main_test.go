package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/fundLedger/pkg/ledger"
	"github.com/mcclellann/fundLedger/pkg/models"
	"github.com/mcclellann/fundLedger/pkg/money"
	"github.com/mcclellann/fundLedger/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func setupTestServer(t *testing.T) (*Server, *mux.Router) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	server := NewServer(s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return server, server.Router()
}

func do(t *testing.T, router *mux.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func createFunding(t *testing.T, router *mux.Router) models.Funding {
	t.Helper()
	rr := do(t, router, "POST", "/fundings", map[string]any{
		"funder_id":      uuid.New(),
		"merchant_id":    uuid.New(),
		"funded_amount":  "10000.00",
		"payback_amount": "13000.00",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decodeBody[models.Funding](t, rr)
}

func TestAPI_CreateAndGetFunding(t *testing.T) {
	_, router := setupTestServer(t)

	funding := createFunding(t, router)
	assert.Equal(t, money.FromMajor(10000), funding.FundedAmount)
	assert.Equal(t, money.FromMajor(13000), funding.RemainingPaybackAmount)

	rr := do(t, router, "GET", "/fundings/"+funding.ID.String(), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), `"balance"`)

	rr = do(t, router, "GET", "/fundings/"+funding.ID.String()+"?calculate=true", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decodeBody[struct {
		ID      uuid.UUID             `json:"id"`
		Balance ledger.FundingBalance `json:"balance"`
	}](t, rr)
	assert.Equal(t, funding.ID, got.ID)
	assert.Equal(t, money.FromMajor(3000), got.Balance.RemainingFee)
	assert.Equal(t, money.FromMajor(13000), got.Balance.RemainingPayback)
}

func TestAPI_Errors(t *testing.T) {
	_, router := setupTestServer(t)

	rr := do(t, router, "GET", "/fundings/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, router, "GET", "/fundings/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, router, "POST", "/fundings", map[string]any{
		"funder_id":      uuid.New(),
		"merchant_id":    uuid.New(),
		"funded_amount":  "100",
		"payback_amount": "50",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	req := httptest.NewRequest("POST", "/providers", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_RepaymentFlow(t *testing.T) {
	_, router := setupTestServer(t)
	funding := createFunding(t, router)

	rr := do(t, router, "POST", "/providers", map[string]any{"name": "Acme Capital", "available_balance": "5000"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	provider := decodeBody[models.Provider](t, rr)

	rr = do(t, router, "POST", "/fundings/"+funding.ID.String()+"/providers", map[string]any{
		"provider_id":         provider.ID,
		"participate_percent": "0.25",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	agreement := decodeBody[models.ProviderAgreement](t, rr)
	assert.Equal(t, money.FromMajor(2500), agreement.FundedAmount)

	// A second 80% stake would exceed the funding.
	rr = do(t, router, "POST", "/fundings/"+funding.ID.String()+"/providers", map[string]any{
		"provider_id":         provider.ID,
		"participate_percent": "0.8",
	})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, router, "POST", "/fundings/"+funding.ID.String()+"/repayments", map[string]any{
		"payback_amount": "1300",
		"funded_amount":  "1000",
		"fee_amount":     "300",
		"actor":          "ops",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	repayment := decodeBody[models.Repayment](t, rr)
	assert.Equal(t, models.StatusSubmitted, repayment.Status)

	rr = do(t, router, "POST", "/repayments/"+repayment.ID.String()+"/status", map[string]any{"status": "SUCCEEDED", "actor": "bank"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	repayment = decodeBody[models.Repayment](t, rr)
	require.NotNil(t, repayment.TransactionID)

	rr = do(t, router, "POST", "/repayments/"+repayment.ID.String()+"/status", map[string]any{"status": "PROCESSING"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, router, "GET", "/fundings/"+funding.ID.String()+"/payouts", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	payouts := decodeBody[[]models.Payout](t, rr)
	require.Len(t, payouts, 1)
	assert.Equal(t, money.FromMajor(250), payouts[0].PayoutAmount)
	assert.True(t, payouts[0].Pending)

	rr = do(t, router, "POST", "/payouts/"+payouts[0].ID.String()+"/settle", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.False(t, decodeBody[models.Payout](t, rr).Pending)

	rr = do(t, router, "GET", "/transactions/"+repayment.TransactionID.String()+"/validate", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	validation := decodeBody[models.BreakdownValidation](t, rr)
	assert.True(t, validation.IsValid)

	rr = do(t, router, "GET", "/transactions/"+repayment.TransactionID.String()+"/breakdowns", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody[[]models.TransactionBreakdown](t, rr), 2)

	rr = do(t, router, "GET", "/fundings/"+funding.ID.String()+"/transactions", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody[[]models.Transaction](t, rr), 3) // SYNDICATION, PAYBACK, PAYOUT

	rr = do(t, router, "GET", "/transactions/variances", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decodeBody[[]models.BreakdownValidation](t, rr))

	rr = do(t, router, "GET", "/repayments/"+repayment.ID.String()+"/transitions", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody[[]models.TransitionLog](t, rr), 2)

	rr = do(t, router, "GET", "/agreements/"+agreement.ID.String()+"?calculate=true", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	agreementView := decodeBody[struct {
		Balance ledger.AgreementBalance `json:"balance"`
	}](t, rr)
	assert.Equal(t, money.FromMajor(250), agreementView.Balance.PaidAmount)

	rr = do(t, router, "GET", "/agreements/"+agreement.ID.String()+"/payouts", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody[[]models.Payout](t, rr), 1)

	rr = do(t, router, "GET", "/payouts/"+payouts[0].ID.String(), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotNil(t, decodeBody[models.Payout](t, rr).TransactionID)

	rr = do(t, router, "GET", "/repayments/"+repayment.ID.String(), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, models.StatusSucceeded, decodeBody[models.Repayment](t, rr).Status)

	rr = do(t, router, "GET", "/transactions/"+repayment.TransactionID.String(), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, models.TransactionTypePayback, decodeBody[models.Transaction](t, rr).Type)

	rr = do(t, router, "GET", "/providers/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAPI_IntentFlow(t *testing.T) {
	_, router := setupTestServer(t)
	funding := createFunding(t, router)

	rr := do(t, router, "POST", "/fundings/"+funding.ID.String()+"/intents", map[string]any{"kind": "DISBURSEMENT", "amount": "10000"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	intent := decodeBody[models.Intent](t, rr)

	rr = do(t, router, "POST", "/intents/"+intent.ID.String()+"/attempts", map[string]any{"amount": "6000"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	attempt := decodeBody[models.Attempt](t, rr)

	rr = do(t, router, "POST", "/intents/"+intent.ID.String()+"/attempts", map[string]any{"amount": "6000"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, router, "POST", "/attempts/"+attempt.ID.String()+"/status", map[string]any{"status": "SUCCEEDED"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = do(t, router, "GET", "/attempts/"+attempt.ID.String(), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, models.StatusSucceeded, decodeBody[models.Attempt](t, rr).Status)

	rr = do(t, router, "GET", "/intents/"+intent.ID.String()+"?calculate=true", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	view := decodeBody[struct {
		Balance ledger.IntentBalance `json:"balance"`
	}](t, rr)
	assert.Equal(t, money.FromMajor(6000), view.Balance.SucceededAmount)
	assert.Equal(t, money.FromMajor(4000), view.Balance.RemainingBalance)
}

func TestAPI_PlanLifecycle(t *testing.T) {
	_, router := setupTestServer(t)
	funding := createFunding(t, router)

	rr := do(t, router, "POST", "/fundings/"+funding.ID.String()+"/plans", map[string]any{
		"frequency":             "MONTHLY",
		"payday_list":           []int{15, 1},
		"distribution_priority": "PRINCIPAL",
		"next_payback_amount":   "500",
		"remaining_count":       3,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	plan := decodeBody[models.RepaymentPlan](t, rr)
	assert.Equal(t, []int{1, 15}, plan.PaydayList)
	require.NotNil(t, plan.NextPaybackDate)

	rr = do(t, router, "POST", "/plans/"+plan.ID.String()+"/pause", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	plan = decodeBody[models.RepaymentPlan](t, rr)
	assert.Equal(t, models.PlanStatusPaused, plan.Status)
	assert.Nil(t, plan.NextPaybackDate)

	rr = do(t, router, "POST", "/plans/"+plan.ID.String()+"/stop", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, router, "POST", "/plans/"+plan.ID.String()+"/resume", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, router, "POST", "/fundings/"+funding.ID.String()+"/plans", map[string]any{
		"frequency":             "WEEKLY",
		"payday_list":           []int{},
		"distribution_priority": "FEE",
		"next_payback_amount":   "500",
		"remaining_count":       3,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestAPI_ExportPayoutsXLSX(t *testing.T) {
	_, router := setupTestServer(t)
	funding := createFunding(t, router)

	rr := do(t, router, "GET", "/fundings/"+funding.ID.String()+"/payouts?format=xlsx", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, xlsxContentType, rr.Header().Get("Content-Type"))

	f, err := excelize.OpenReader(rr.Body)
	require.NoError(t, err)
	defer f.Close()
	v, err := f.GetCellValue("Payouts", "B1")
	require.NoError(t, err)
	assert.Equal(t, funding.ID.String(), v)
}
