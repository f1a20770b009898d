package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/flexifinance/loanledger/pkg/ledger"
	"github.com/flexifinance/loanledger/pkg/models"
	"github.com/flexifinance/loanledger/pkg/mpesa"
	"github.com/flexifinance/loanledger/pkg/notify"
	"github.com/flexifinance/loanledger/pkg/store"
)

var (
	loansCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loanledger_loans_created_total",
		Help: "Number of loan applications created.",
	})
	schedulesGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loanledger_schedules_generated_total",
		Help: "Number of repayment schedules generated.",
	})
	paymentsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loanledger_payments_applied_total",
		Help: "Number of payments applied to installments.",
	})
)

// Server holds the ledger instance and its collaborators.
type Server struct {
	ledger  *ledger.Ledger
	storage store.Storage // Keep a reference to the storage to close it
	mpesa   *mpesa.Client // nil when M-Pesa is not configured
}

func NewServer(s store.Storage, notifier notify.Notifier, mpesaClient *mpesa.Client) *Server {
	return &Server{
		ledger:  ledger.NewLedger(s, notifier),
		storage: s,
		mpesa:   mpesaClient,
	}
}

// Router builds the HTTP route table.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/products", s.listProductsHandler).Methods("GET")
	router.HandleFunc("/quotes", s.quoteHandler).Methods("POST")

	router.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	router.HandleFunc("/loans", s.createLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")

	router.HandleFunc("/loans/{id}/submit", s.loanActionHandler(s.ledger.Submit)).Methods("POST")
	router.HandleFunc("/loans/{id}/review", s.loanActionHandler(s.ledger.StartReview)).Methods("POST")
	router.HandleFunc("/loans/{id}/approve", s.loanActionHandler(s.ledger.Approve)).Methods("POST")
	router.HandleFunc("/loans/{id}/reject", s.rejectLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/disburse", s.loanActionHandler(s.ledger.Disburse)).Methods("POST")
	router.HandleFunc("/loans/{id}/activate", s.loanActionHandler(s.ledger.MarkActive)).Methods("POST")
	router.HandleFunc("/loans/{id}/cancel", s.loanActionHandler(s.ledger.Cancel)).Methods("POST")

	router.HandleFunc("/loans/{id}/schedule", s.getScheduleHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/schedule", s.generateScheduleHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/installments/{number}/payments", s.applyPaymentHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/payments", s.listPaymentsHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/stkpush", s.stkPushHandler).Methods("POST")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return router
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps ledger and storage error kinds onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidTenure):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ledger.ErrInvalidTransition), errors.Is(err, ledger.ErrScheduleExists), errors.Is(err, store.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		log.Printf("Internal error: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func loanIDFromRequest(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(mux.Vars(r)["id"])
}

func (s *Server) listProductsHandler(w http.ResponseWriter, r *http.Request) {
	products, err := s.ledger.GetProducts()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, products)
}

func (s *Server) quoteHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProductCode  string          `json:"product_code"`
		Amount       decimal.Decimal `json:"amount"`
		TenureMonths int             `json:"tenure_months"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	terms, err := s.ledger.Quote(req.ProductCode, req.Amount, req.TenureMonths)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, terms)
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomerKey   string          `json:"customer_key"`
		ProductCode   string          `json:"product_code"`
		Principal     decimal.Decimal `json:"principal"`
		InterestRate  decimal.Decimal `json:"interest_rate"`
		TenureMonths  int             `json:"tenure_months"`
		ProcessingFee decimal.Decimal `json:"processing_fee"`
		Purpose       string          `json:"purpose"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	loan, err := s.ledger.CreateLoan(ledger.CreateLoanParams{
		CustomerKey:   req.CustomerKey,
		ProductCode:   req.ProductCode,
		Principal:     req.Principal,
		InterestRate:  req.InterestRate,
		TenureMonths:  req.TenureMonths,
		ProcessingFee: req.ProcessingFee,
		Purpose:       req.Purpose,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	loansCreated.Inc()
	writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	loans, err := s.ledger.GetAllLoans()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := loanIDFromRequest(r)
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}

	loan, err := s.ledger.GetLoan(loanID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

// loanActionHandler wraps a parameterless lifecycle transition.
func (s *Server) loanActionHandler(action func(uuid.UUID) (*models.Loan, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		loanID, err := loanIDFromRequest(r)
		if err != nil {
			http.Error(w, "Invalid loan ID", http.StatusBadRequest)
			return
		}

		loan, err := action(loanID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, loan)
	}
}

func (s *Server) rejectLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := loanIDFromRequest(r)
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		// A missing body means no reason given.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	loan, err := s.ledger.Reject(loanID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) getScheduleHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := loanIDFromRequest(r)
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}

	schedule, err := s.ledger.GetSchedule(loanID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (s *Server) generateScheduleHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := loanIDFromRequest(r)
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}

	schedule, err := s.ledger.GenerateSchedule(loanID)
	if err != nil {
		writeError(w, err)
		return
	}

	schedulesGenerated.Inc()
	writeJSON(w, http.StatusCreated, schedule)
}

func (s *Server) applyPaymentHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	loanID, err := uuid.Parse(vars["id"])
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}
	number, err := strconv.Atoi(vars["number"])
	if err != nil || number < 1 {
		http.Error(w, "Invalid installment number", http.StatusBadRequest)
		return
	}

	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	payment, err := s.ledger.ApplyPayment(loanID, number, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}

	paymentsApplied.Inc()
	writeJSON(w, http.StatusCreated, payment)
}

func (s *Server) listPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := loanIDFromRequest(r)
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}

	payments, err := s.ledger.GetPayments(loanID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payments)
}

// stkPushHandler prompts the customer's phone for an installment payment. The
// actual payment is applied when the gateway confirms, through the payments
// endpoint; this only initiates the debit.
func (s *Server) stkPushHandler(w http.ResponseWriter, r *http.Request) {
	if s.mpesa == nil {
		http.Error(w, "M-Pesa is not configured", http.StatusServiceUnavailable)
		return
	}

	loanID, err := loanIDFromRequest(r)
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}

	var req struct {
		PhoneNumber       string `json:"phone_number"`
		InstallmentNumber int    `json:"installment_number"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	loan, err := s.ledger.GetLoan(loanID)
	if err != nil {
		writeError(w, err)
		return
	}

	installments, err := s.ledger.GetSchedule(loanID)
	if err != nil {
		writeError(w, err)
		return
	}
	var amount decimal.Decimal
	for _, inst := range installments {
		if inst.InstallmentNumber == req.InstallmentNumber {
			amount = inst.RemainingAmount
			break
		}
	}
	if !amount.IsPositive() {
		http.Error(w, "Installment has no outstanding amount", http.StatusBadRequest)
		return
	}

	resp, err := s.mpesa.InitiateSTKPush(r.Context(), mpesa.STKPushRequest{
		PhoneNumber:      req.PhoneNumber,
		Amount:           amount,
		AccountReference: loan.LoanReference,
		Description:      "Loan installment payment",
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}
