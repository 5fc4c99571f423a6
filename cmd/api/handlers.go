package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/mcclellann/loanservicing/pkg/apperrors"
	"github.com/mcclellann/loanservicing/pkg/ledger"
	"github.com/mcclellann/loanservicing/pkg/logger"
	"github.com/mcclellann/loanservicing/pkg/models"
	"github.com/mcclellann/loanservicing/pkg/schedule"
	"github.com/mcclellann/loanservicing/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var validate = validator.New()

// Server exposes the ledger over HTTP. loc is the servicing timezone used to
// read calendar dates from requests.
type Server struct {
	ledger *ledger.Ledger
	loc    *time.Location
}

func NewServer(s store.Storage, loc *time.Location, opts ...ledger.Option) *Server {
	opts = append([]ledger.Option{ledger.WithLocation(loc)}, opts...)
	return &Server{
		ledger: ledger.NewLedger(s, opts...),
		loc:    loc,
	}
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/customers", s.createCustomerHandler).Methods("POST")
	router.HandleFunc("/applications", s.createApplicationHandler).Methods("POST")
	router.HandleFunc("/applications/{id}/approval", s.approveApplicationHandler).Methods("POST")

	router.HandleFunc("/schedule/preview", s.previewScheduleHandler).Methods("POST")
	router.HandleFunc("/disbursement/{application_id}", s.disburseHandler).Methods("POST")

	router.HandleFunc("/accounts/{id}", s.getAccountHandler).Methods("GET")
	router.HandleFunc("/accounts/{id}/installments", s.getInstallmentsHandler).Methods("GET")

	servicing := router.PathPrefix("/servicing").Subrouter()
	servicing.HandleFunc("/accounts/{id}/payments", s.postPaymentHandler).Methods("POST")
	servicing.HandleFunc("/accounts/{id}/payments", s.recentPaymentsHandler).Methods("GET")
	servicing.HandleFunc("/accounts/{id}/timeline", s.timelineHandler).Methods("GET")
	servicing.HandleFunc("/dashboard", s.dashboardHandler).Methods("GET")
	servicing.HandleFunc("/overdue-buckets", s.overdueBucketsHandler).Methods("GET")

	recovery := router.PathPrefix("/recovery").Subrouter()
	recovery.HandleFunc("/overdue", s.overdueHandler).Methods("GET")
	recovery.HandleFunc("/board", s.boardHandler).Methods("GET")
	recovery.HandleFunc("/accounts/{id}/actions", s.logActionHandler).Methods("POST")
	recovery.HandleFunc("/accounts/{id}/actions", s.actionHistoryHandler).Methods("GET")

	return router
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to encode response", zap.Error(err))
	}
}

// writeError maps the error kind to a status code. Unclassified errors are
// logged and reported as 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperrors.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, apperrors.ErrConflict):
		status = http.StatusConflict
	default:
		logger.Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// decode reads the JSON body into v and checks its validate tags.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("malformed request body: %v: %w", err, apperrors.ErrInvalidInput)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%v: %w", err, apperrors.ErrInvalidInput)
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q: %w", name, mux.Vars(r)[name], apperrors.ErrInvalidInput)
	}
	return id, nil
}

type customerRequest struct {
	FirstName string `json:"first_name" validate:"required"`
	LastName  string `json:"last_name"`
	Mobile    string `json:"mobile_number" validate:"omitempty,numeric,min=10,max=15"`
}

func (s *Server) createCustomerHandler(w http.ResponseWriter, r *http.Request) {
	var req customerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	c := models.Customer{FirstName: req.FirstName, LastName: req.LastName, Mobile: req.Mobile}
	if err := s.ledger.RegisterCustomer(r.Context(), &c); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

type applicationRequest struct {
	CustomerID      int64            `json:"customer_id" validate:"gte=0"`
	LoanType        string           `json:"loan_type"`
	RequestedAmount *decimal.Decimal `json:"requested_amount"`
	TenureMonths    int              `json:"tenure_months" validate:"gte=0"`
}

func (s *Server) createApplicationHandler(w http.ResponseWriter, r *http.Request) {
	var req applicationRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	app := models.Application{
		CustomerID:      req.CustomerID,
		LoanType:        req.LoanType,
		RequestedAmount: req.RequestedAmount,
		TenureMonths:    req.TenureMonths,
	}
	if err := s.ledger.SubmitApplication(r.Context(), &app); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, app)
}

func (s *Server) approveApplicationHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req struct {
		InterestRate decimal.Decimal `json:"interest_rate"`
		TenureMonths int             `json:"tenure_months" validate:"gt=0"`
		EMIAmount    decimal.Decimal `json:"emi_amount"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	approval, err := s.ledger.RecordApproval(r.Context(), id, req.InterestRate, req.TenureMonths, req.EMIAmount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

type previewRequest struct {
	Principal    decimal.Decimal `json:"principal"`
	AnnualRate   decimal.Decimal `json:"annual_rate"`
	TenureMonths int             `json:"tenure_months"`
	EMI          decimal.Decimal `json:"emi"`
	StartDate    string          `json:"start_date"`
}

func (s *Server) previewScheduleHandler(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := schedule.Validate(req.Principal, req.AnnualRate, req.TenureMonths, req.EMI); err != nil {
		writeError(w, r, err)
		return
	}

	start := models.Date(time.Now().In(s.loc))
	if req.StartDate != "" {
		parsed, err := time.Parse(models.DateLayout, req.StartDate)
		if err != nil {
			writeError(w, r, fmt.Errorf("start_date must be YYYY-MM-DD: %w", apperrors.ErrInvalidInput))
			return
		}
		start = parsed
	}

	writeJSON(w, http.StatusOK, schedule.Generate(req.Principal, req.AnnualRate, req.TenureMonths, req.EMI, start))
}

func (s *Server) disburseHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "application_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	act, err := s.ledger.ActivateAccount(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if act.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, act)
}

func (s *Server) getAccountHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	account, _, err := s.ledger.GetAccount(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (s *Server) getInstallmentsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	_, installments, err := s.ledger.GetAccount(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, installments)
}

func (s *Server) postPaymentHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req struct {
		Amount decimal.Decimal `json:"amount"`
		Mode   string          `json:"mode"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if req.Amount.LessThanOrEqual(decimal.Zero) {
		writeError(w, r, fmt.Errorf("amount must be positive: %w", apperrors.ErrInvalidInput))
		return
	}
	if req.Mode == "" {
		req.Mode = models.PaymentModeUPI
	}

	result, err := s.ledger.PostPayment(r.Context(), id, req.Amount, req.Mode)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) recentPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	payments, err := s.ledger.RecentPayments(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, emptyIfNil(payments))
}

func (s *Server) timelineHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	timeline, err := s.ledger.Timeline(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, timeline)
}

func (s *Server) dashboardHandler(w http.ResponseWriter, r *http.Request) {
	dash, err := s.ledger.Dashboard(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dash)
}

func (s *Server) overdueBucketsHandler(w http.ResponseWriter, r *http.Request) {
	totals, err := s.ledger.OverdueBuckets(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

func (s *Server) overdueHandler(w http.ResponseWriter, r *http.Request) {
	items, err := s.ledger.OverdueInstallments(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, emptyIfNil(items))
}

func (s *Server) boardHandler(w http.ResponseWriter, r *http.Request) {
	board, err := s.ledger.RecoveryBoard(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, emptyIfNil(board))
}

func (s *Server) logActionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req struct {
		ActionType models.RecoveryActionType `json:"action_type" validate:"required"`
		Remarks    string                    `json:"remarks" validate:"max=500"`
		Officer    string                    `json:"officer"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	action, err := s.ledger.LogRecoveryAction(r.Context(), id, req.ActionType, req.Remarks, req.Officer)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, action)
}

func (s *Server) actionHistoryHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	actions, err := s.ledger.RecoveryHistory(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, emptyIfNil(actions))
}

// emptyIfNil keeps empty lists encoding as [] rather than null.
func emptyIfNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
