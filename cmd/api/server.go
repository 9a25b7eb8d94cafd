package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/fundLedger/pkg/ledger"
	"github.com/mcclellann/fundLedger/pkg/lock"
	"github.com/mcclellann/fundLedger/pkg/models"
	"github.com/mcclellann/fundLedger/pkg/money"
	"github.com/mcclellann/fundLedger/pkg/report"
	"github.com/mcclellann/fundLedger/pkg/store"
	"github.com/mcclellann/fundLedger/pkg/waterfall"
	"github.com/shopspring/decimal"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Server holds the ledger instance.
type Server struct {
	ledger *ledger.Ledger
	logger *slog.Logger
}

func NewServer(s store.Storage, logger *slog.Logger, opts ...ledger.Option) *Server {
	opts = append(opts, ledger.WithLogger(logger))
	return &Server{
		ledger: ledger.NewLedger(s, opts...),
		logger: logger,
	}
}

// Router registers every ledger endpoint.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/providers", s.createProviderHandler).Methods("POST")
	router.HandleFunc("/providers/{id}", lookup(s, s.ledger.GetProvider)).Methods("GET")

	router.HandleFunc("/fundings", s.createFundingHandler).Methods("POST")
	router.HandleFunc("/fundings/{id}", s.getFundingHandler).Methods("GET")
	router.HandleFunc("/fundings/{id}/providers", s.addProviderHandler).Methods("POST")
	router.HandleFunc("/fundings/{id}/plans", s.createPlanHandler).Methods("POST")
	router.HandleFunc("/fundings/{id}/repayments", s.createRepaymentHandler).Methods("POST")
	router.HandleFunc("/fundings/{id}/repayments", s.listRepaymentsHandler).Methods("GET")
	router.HandleFunc("/fundings/{id}/intents", s.createIntentHandler).Methods("POST")
	router.HandleFunc("/fundings/{id}/payouts", s.listPayoutsHandler).Methods("GET")
	router.HandleFunc("/fundings/{id}/transactions", s.listTransactionsHandler).Methods("GET")

	router.HandleFunc("/agreements/{id}", s.getAgreementHandler).Methods("GET")
	router.HandleFunc("/agreements/{id}/close", s.closeAgreementHandler).Methods("POST")
	router.HandleFunc("/agreements/{id}/payouts", lookup(s, s.ledger.ListPayoutsByAgreement)).Methods("GET")

	router.HandleFunc("/plans/{id}", s.getPlanHandler).Methods("GET")
	router.HandleFunc("/plans/{id}/{action:pause|resume|stop}", s.planActionHandler).Methods("POST")

	router.HandleFunc("/repayments/{id}", lookup(s, s.ledger.GetRepayment)).Methods("GET")
	router.HandleFunc("/repayments/{id}/status", s.transitionRepaymentHandler).Methods("POST")
	router.HandleFunc("/repayments/{id}/payouts", s.generatePayoutsHandler).Methods("POST")
	router.HandleFunc("/repayments/{id}/transitions", s.transitionLogsHandler).Methods("GET")

	router.HandleFunc("/intents/{id}", s.getIntentHandler).Methods("GET")
	router.HandleFunc("/intents/{id}/attempts", s.createAttemptHandler).Methods("POST")
	router.HandleFunc("/attempts/{id}", lookup(s, s.ledger.GetAttempt)).Methods("GET")
	router.HandleFunc("/attempts/{id}/status", s.transitionAttemptHandler).Methods("POST")
	router.HandleFunc("/attempts/{id}/transitions", s.transitionLogsHandler).Methods("GET")

	router.HandleFunc("/payouts/{id}", lookup(s, s.ledger.GetPayout)).Methods("GET")
	router.HandleFunc("/payouts/{id}/settle", s.settlePayoutHandler).Methods("POST")

	router.HandleFunc("/transactions/variances", s.variancesHandler).Methods("GET")
	router.HandleFunc("/transactions/{id}", lookup(s, s.ledger.GetTransaction)).Methods("GET")
	router.HandleFunc("/transactions/{id}/breakdowns", s.listBreakdownsHandler).Methods("GET")
	router.HandleFunc("/transactions/{id}/validate", s.validateBreakdownsHandler).Methods("GET")
	router.HandleFunc("/transactions/{id}/reconcile", s.reconcileHandler).Methods("POST")

	return router
}

// statusFor maps ledger errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, ledger.ErrOverParticipation),
		errors.Is(err, ledger.ErrExceedsIntent),
		errors.Is(err, store.ErrDuplicate),
		errors.Is(err, lock.ErrNotAcquired):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrEmptySchedule),
		errors.Is(err, ledger.ErrNotSucceeded):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid id %q", ledger.ErrValidation, mux.Vars(r)["id"])
	}
	return id, nil
}

// lookup serves a plain fetch by the {id} path variable.
func lookup[T any](s *Server, fetch func(context.Context, uuid.UUID) (T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		v, err := fetch(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrValidation, err)
	}
	return nil
}

func calculate(r *http.Request) bool {
	return r.URL.Query().Get("calculate") == "true"
}

func (s *Server) createProviderHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name             string          `json:"name"`
		AvailableBalance decimal.Decimal `json:"available_balance"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	p, err := s.ledger.CreateProvider(r.Context(), req.Name, money.FromDecimal(req.AvailableBalance))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) createFundingHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FunderID          uuid.UUID       `json:"funder_id"`
		MerchantID        uuid.UUID       `json:"merchant_id"`
		ISOID             *uuid.UUID      `json:"iso_id"`
		FundedAmount      decimal.Decimal `json:"funded_amount"`
		PaybackAmount     decimal.Decimal `json:"payback_amount"`
		NetAmount         decimal.Decimal `json:"net_amount"`
		CommissionAmount  decimal.Decimal `json:"commission_amount"`
		UpfrontFeeAmount  decimal.Decimal `json:"upfront_fee_amount"`
		ResidualFeeAmount decimal.Decimal `json:"residual_fee_amount"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	funding, err := s.ledger.CreateFunding(r.Context(), &models.Funding{
		FunderID:          req.FunderID,
		MerchantID:        req.MerchantID,
		ISOID:             req.ISOID,
		FundedAmount:      money.FromDecimal(req.FundedAmount),
		PaybackAmount:     money.FromDecimal(req.PaybackAmount),
		NetAmount:         money.FromDecimal(req.NetAmount),
		CommissionAmount:  money.FromDecimal(req.CommissionAmount),
		UpfrontFeeAmount:  money.FromDecimal(req.UpfrontFeeAmount),
		ResidualFeeAmount: money.FromDecimal(req.ResidualFeeAmount),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, funding)
}

func (s *Server) getFundingHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	funding, err := s.ledger.GetFunding(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !calculate(r) {
		writeJSON(w, http.StatusOK, funding)
		return
	}

	bal, err := s.ledger.FundingBalance(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*models.Funding
		Balance *ledger.FundingBalance `json:"balance"`
	}{funding, bal})
}

func (s *Server) addProviderHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		ProviderID         uuid.UUID       `json:"provider_id"`
		ParticipatePercent decimal.Decimal `json:"participate_percent"`
		FeePercent         decimal.Decimal `json:"fee_percent"`
		CreditPercent      decimal.Decimal `json:"credit_percent"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	agreement, err := s.ledger.AddProvider(r.Context(), id, ledger.NewAgreement{
		ProviderID:         req.ProviderID,
		ParticipatePercent: req.ParticipatePercent,
		FeePercent:         req.FeePercent,
		CreditPercent:      req.CreditPercent,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, agreement)
}

func (s *Server) getAgreementHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	agreement, err := s.ledger.GetAgreement(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !calculate(r) {
		writeJSON(w, http.StatusOK, agreement)
		return
	}

	bal, err := s.ledger.AgreementBalance(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*models.ProviderAgreement
		Balance *ledger.AgreementBalance `json:"balance"`
	}{agreement, bal})
}

func (s *Server) closeAgreementHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	agreement, err := s.ledger.CloseAgreement(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agreement)
}

func (s *Server) createPlanHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Frequency            models.Frequency   `json:"frequency"`
		PaydayList           []int              `json:"payday_list"`
		DistributionPriority waterfall.Priority `json:"distribution_priority"`
		NextPaybackAmount    decimal.Decimal    `json:"next_payback_amount"`
		RemainingCount       int                `json:"remaining_count"`
		StartDate            time.Time          `json:"start_date"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	plan, err := s.ledger.CreatePlan(r.Context(), ledger.NewPlan{
		FundingID:  id,
		Frequency:  req.Frequency,
		PaydayList: req.PaydayList,
		Priority:   req.DistributionPriority,
		Amount:     money.FromDecimal(req.NextPaybackAmount),
		Count:      req.RemainingCount,
		StartDate:  req.StartDate,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

func (s *Server) getPlanHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	plan, err := s.ledger.GetPlan(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) planActionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var plan *models.RepaymentPlan
	switch mux.Vars(r)["action"] {
	case "pause":
		plan, err = s.ledger.PausePlan(r.Context(), id)
	case "resume":
		plan, err = s.ledger.ResumePlan(r.Context(), id)
	case "stop":
		plan, err = s.ledger.StopPlan(r.Context(), id)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) createRepaymentHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		DueDate       time.Time       `json:"due_date"`
		PaybackAmount decimal.Decimal `json:"payback_amount"`
		FundedAmount  decimal.Decimal `json:"funded_amount"`
		FeeAmount     decimal.Decimal `json:"fee_amount"`
		Actor         string          `json:"actor"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	repayment, err := s.ledger.CreateRepayment(r.Context(), ledger.NewRepayment{
		FundingID:     id,
		DueDate:       req.DueDate,
		PaybackAmount: money.FromDecimal(req.PaybackAmount),
		FundedAmount:  money.FromDecimal(req.FundedAmount),
		FeeAmount:     money.FromDecimal(req.FeeAmount),
		Actor:         req.Actor,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, repayment)
}

func (s *Server) listRepaymentsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	repayments, err := s.ledger.ListRepayments(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, repayments)
}

// readTransition decodes a status change and keeps the raw body for the
// audit trail.
func readTransition(r *http.Request) (ledger.TransitionRequest, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return ledger.TransitionRequest{}, err
	}
	var req struct {
		Status      models.Status `json:"status"`
		Actor       string        `json:"actor"`
		ProcessedAt *time.Time    `json:"processed_at"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return ledger.TransitionRequest{}, fmt.Errorf("%w: %v", ledger.ErrValidation, err)
	}
	return ledger.TransitionRequest{
		Status:      req.Status,
		Actor:       req.Actor,
		Payload:     string(body),
		ProcessedAt: req.ProcessedAt,
	}, nil
}

func (s *Server) transitionRepaymentHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := readTransition(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	repayment, err := s.ledger.TransitionRepayment(r.Context(), id, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, repayment)
}

func (s *Server) generatePayoutsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	opts := ledger.PayoutOptions{IncludeClosed: r.URL.Query().Get("include_closed") == "true"}
	payouts, err := s.ledger.GeneratePayouts(r.Context(), id, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payouts)
}

func (s *Server) transitionLogsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	logs, err := s.ledger.TransitionLogs(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) createIntentHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Kind   models.IntentKind `json:"kind"`
		Amount decimal.Decimal   `json:"amount"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	intent, err := s.ledger.CreateIntent(r.Context(), id, req.Kind, money.FromDecimal(req.Amount))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, intent)
}

func (s *Server) getIntentHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	intent, err := s.ledger.GetIntent(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !calculate(r) {
		writeJSON(w, http.StatusOK, intent)
		return
	}

	bal, err := s.ledger.IntentBalance(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*models.Intent
		Balance *ledger.IntentBalance `json:"balance"`
	}{intent, bal})
}

func (s *Server) createAttemptHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Amount decimal.Decimal `json:"amount"`
		Actor  string          `json:"actor"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	attempt, err := s.ledger.CreateAttempt(r.Context(), id, money.FromDecimal(req.Amount), req.Actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, attempt)
}

func (s *Server) transitionAttemptHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := readTransition(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	attempt, err := s.ledger.TransitionAttempt(r.Context(), id, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

// listPayoutsHandler returns the funding's payouts as JSON, or as an XLSX
// statement with ?format=xlsx.
func (s *Server) listPayoutsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	funding, err := s.ledger.GetFunding(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	payouts, err := s.ledger.ListPayoutsByFunding(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if r.URL.Query().Get("format") != "xlsx" {
		writeJSON(w, http.StatusOK, payouts)
		return
	}

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=payouts_%s.xlsx", id))
	if err := report.WritePayoutStatement(w, funding, payouts); err != nil {
		s.logger.Error("failed to write payout statement", "funding_id", id, "error", err)
	}
}

func (s *Server) settlePayoutHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	payout, err := s.ledger.SettlePayout(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payout)
}

func (s *Server) listTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	txs, err := s.ledger.ListTransactionsByFunding(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) listBreakdownsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lines, err := s.ledger.ListBreakdowns(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lines)
}

func (s *Server) validateBreakdownsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.ledger.ValidateBreakdowns(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) variancesHandler(w http.ResponseWriter, r *http.Request) {
	variances, err := s.ledger.BreakdownVariances(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, variances)
}

func (s *Server) reconcileHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.ledger.MarkReconciled(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
