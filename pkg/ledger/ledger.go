package ledger

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/flexifinance/loanledger/pkg/finance"
	"github.com/flexifinance/loanledger/pkg/models"
	"github.com/flexifinance/loanledger/pkg/notify"
	"github.com/flexifinance/loanledger/pkg/store"
)

const (
	referencePrefix   = "LF"
	referenceAttempts = 5

	// Conflict retries for guarded payment writes.
	applyAttempts = 3

	// Installment due dates step by a flat 30 days, not calendar months.
	installmentInterval = 30 * 24 * time.Hour

	// Loans fall due 30 days after disbursement unless a due date is set.
	defaultDueAfter = 30 * 24 * time.Hour
)

// transitions is the adjacency table of legal loan status moves. Any move not
// listed here is rejected; terminal statuses have no outgoing edges.
var transitions = map[models.LoanStatus][]models.LoanStatus{
	models.LoanStatusDraft:       {models.LoanStatusSubmitted, models.LoanStatusCancelled},
	models.LoanStatusSubmitted:   {models.LoanStatusUnderReview, models.LoanStatusCancelled},
	models.LoanStatusUnderReview: {models.LoanStatusApproved, models.LoanStatusRejected, models.LoanStatusCancelled},
	models.LoanStatusApproved:    {models.LoanStatusDisbursed, models.LoanStatusCompleted, models.LoanStatusCancelled},
	models.LoanStatusDisbursed:   {models.LoanStatusActive, models.LoanStatusCompleted, models.LoanStatusDefaulted},
	models.LoanStatusActive:      {models.LoanStatusCompleted, models.LoanStatusDefaulted},
}

func canTransition(from, to models.LoanStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Ledger handles the business logic for loans, schedules and payments.
type Ledger struct {
	storage  store.Storage
	notifier notify.Notifier
}

// NewLedger creates a new Ledger with a given Storage implementation. A nil
// notifier discards all lifecycle notifications.
func NewLedger(s store.Storage, n notify.Notifier) *Ledger {
	if n == nil {
		n = notify.Discard{}
	}
	return &Ledger{
		storage:  s,
		notifier: n,
	}
}

// newReference produces a candidate loan reference: prefix, date stamp, random
// 4-digit suffix. The top-level rand functions are safe for concurrent
// creation; uniqueness is enforced by the storage layer and CreateLoan retries
// on conflict.
func newReference(now time.Time) string {
	suffix := rand.Intn(9000) + 1000
	return fmt.Sprintf("%s%s%d", referencePrefix, now.Format("20060102"), suffix)
}

// CreateLoanParams are the inputs for a new loan application.
type CreateLoanParams struct {
	CustomerKey   string
	ProductCode   string // Optional; when set, rate, fee and limits come from the product
	Principal     decimal.Decimal
	InterestRate  decimal.Decimal // Annual rate, percent; ignored when ProductCode is set
	TenureMonths  int
	ProcessingFee decimal.Decimal // Ignored when ProductCode is set
	Purpose       string
}

// CreateLoan validates the terms, computes the flat-rate totals and stores a
// new draft application with a unique reference. The derived totals are fixed
// at creation and never recomputed.
func (l *Ledger) CreateLoan(params CreateLoanParams) (*models.Loan, error) {
	rate := params.InterestRate
	fee := params.ProcessingFee

	if params.ProductCode != "" {
		product, err := l.storage.GetProduct(params.ProductCode)
		if err != nil {
			return nil, err
		}
		if err := checkProductLimits(product, params.Principal, params.TenureMonths); err != nil {
			return nil, err
		}
		rate = product.InterestRate
		fee = product.ProcessingFee
	}

	terms, err := computeTerms(params.Principal, rate, params.TenureMonths, fee)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	loan := &models.Loan{
		ID:              uuid.New(),
		CustomerKey:     params.CustomerKey,
		ProductCode:     params.ProductCode,
		Principal:       params.Principal,
		InterestRate:    rate,
		TenureMonths:    params.TenureMonths,
		ProcessingFee:   fee,
		InterestAmount:  terms.InterestAmount,
		TotalAmount:     terms.TotalAmount,
		MonthlyPayment:  terms.MonthlyPayment,
		Status:          models.LoanStatusDraft,
		Purpose:         params.Purpose,
		ApplicationDate: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	// The random suffix alone cannot guarantee uniqueness under concurrent
	// creation; the unique index does. Retry with a fresh suffix on conflict.
	for attempt := 0; attempt < referenceAttempts; attempt++ {
		loan.LoanReference = newReference(now)
		err = l.storage.CreateLoan(loan)
		if err == nil {
			return loan, nil
		}
		if !errors.Is(err, store.ErrDuplicateReference) {
			return nil, fmt.Errorf("failed to store loan: %w", err)
		}
	}
	return nil, fmt.Errorf("failed to allocate a unique loan reference after %d attempts: %w", referenceAttempts, err)
}

// computeTerms maps calculator precondition failures onto the ledger's error kinds.
func computeTerms(principal, rate decimal.Decimal, tenure int, fee decimal.Decimal) (finance.Terms, error) {
	if tenure < 1 {
		return finance.Terms{}, fmt.Errorf("%w: tenure %d months", ErrInvalidTenure, tenure)
	}
	if !principal.IsPositive() {
		return finance.Terms{}, fmt.Errorf("%w: principal %s", ErrInvalidAmount, principal)
	}
	if rate.IsNegative() {
		return finance.Terms{}, fmt.Errorf("%w: interest rate %s", ErrInvalidAmount, rate)
	}
	if fee.IsNegative() {
		return finance.Terms{}, fmt.Errorf("%w: processing fee %s", ErrInvalidAmount, fee)
	}
	return finance.ComputeTerms(principal, rate, tenure, fee)
}

func checkProductLimits(p *models.LoanProduct, amount decimal.Decimal, tenure int) error {
	if !p.IsActive {
		return fmt.Errorf("%w: product %s is not active", ErrInvalidAmount, p.ProductCode)
	}
	if amount.LessThan(p.MinAmount) || amount.GreaterThan(p.MaxAmount) {
		return fmt.Errorf("%w: %s outside product %s range %s-%s",
			ErrInvalidAmount, amount, p.ProductCode, p.MinAmount, p.MaxAmount)
	}
	if tenure < p.MinTenure || tenure > p.MaxTenure {
		return fmt.Errorf("%w: %d months outside product %s range %d-%d",
			ErrInvalidTenure, tenure, p.ProductCode, p.MinTenure, p.MaxTenure)
	}
	return nil
}

// Quote computes loan terms for a product without creating anything.
func (l *Ledger) Quote(productCode string, amount decimal.Decimal, tenureMonths int) (finance.Terms, error) {
	product, err := l.storage.GetProduct(productCode)
	if err != nil {
		return finance.Terms{}, err
	}
	if err := checkProductLimits(product, amount, tenureMonths); err != nil {
		return finance.Terms{}, err
	}
	return computeTerms(amount, product.InterestRate, tenureMonths, product.ProcessingFee)
}

// transition mutates the loan's status if the move is legal and seeds the
// remaining balance when the loan enters a repayable status.
func (l *Ledger) transition(loan *models.Loan, to models.LoanStatus) error {
	if !canTransition(loan.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, loan.Status, to)
	}
	loan.Status = to
	switch to {
	case models.LoanStatusApproved, models.LoanStatusDisbursed, models.LoanStatusActive:
		if loan.RemainingBalance.IsZero() {
			loan.RemainingBalance = loan.TotalAmount
		}
	}
	return nil
}

func (l *Ledger) saveTransition(loan *models.Loan, to models.LoanStatus, stamp func(*models.Loan, time.Time)) error {
	now := time.Now()
	if err := l.transition(loan, to); err != nil {
		return err
	}
	if stamp != nil {
		stamp(loan, now)
	}
	loan.UpdatedAt = now
	return l.storage.UpdateLoan(loan)
}

// Submit moves a draft application into the review queue.
func (l *Ledger) Submit(id uuid.UUID) (*models.Loan, error) {
	loan, err := l.storage.GetLoan(id)
	if err != nil {
		return nil, err
	}
	if err := l.saveTransition(loan, models.LoanStatusSubmitted, nil); err != nil {
		return nil, err
	}
	return loan, nil
}

// StartReview moves a submitted loan into review.
func (l *Ledger) StartReview(id uuid.UUID) (*models.Loan, error) {
	loan, err := l.storage.GetLoan(id)
	if err != nil {
		return nil, err
	}
	if err := l.saveTransition(loan, models.LoanStatusUnderReview, nil); err != nil {
		return nil, err
	}
	return loan, nil
}

// Approve approves a loan under review and stamps the approval date.
func (l *Ledger) Approve(id uuid.UUID) (*models.Loan, error) {
	loan, err := l.storage.GetLoan(id)
	if err != nil {
		return nil, err
	}
	err = l.saveTransition(loan, models.LoanStatusApproved, func(loan *models.Loan, now time.Time) {
		loan.ApprovalDate = &now
	})
	if err != nil {
		return nil, err
	}
	l.notifier.Notify(notify.Event{Type: notify.EventLoanApproved, Loan: loan})
	return loan, nil
}

// Reject rejects a loan under review, recording the reason.
func (l *Ledger) Reject(id uuid.UUID, reason string) (*models.Loan, error) {
	loan, err := l.storage.GetLoan(id)
	if err != nil {
		return nil, err
	}
	err = l.saveTransition(loan, models.LoanStatusRejected, func(loan *models.Loan, now time.Time) {
		loan.RejectedReason = reason
	})
	if err != nil {
		return nil, err
	}
	l.notifier.Notify(notify.Event{Type: notify.EventLoanRejected, Loan: loan})
	return loan, nil
}

// Disburse marks an approved loan as disbursed, stamping the disbursement date
// and defaulting the due date to 30 days out if unset.
func (l *Ledger) Disburse(id uuid.UUID) (*models.Loan, error) {
	loan, err := l.storage.GetLoan(id)
	if err != nil {
		return nil, err
	}
	err = l.saveTransition(loan, models.LoanStatusDisbursed, func(loan *models.Loan, now time.Time) {
		loan.DisbursementDate = &now
		if loan.DueDate == nil {
			due := now.Add(defaultDueAfter)
			loan.DueDate = &due
		}
	})
	if err != nil {
		return nil, err
	}
	l.notifier.Notify(notify.Event{Type: notify.EventLoanDisbursed, Loan: loan})
	return loan, nil
}

// MarkActive moves a disbursed loan into repayment.
func (l *Ledger) MarkActive(id uuid.UUID) (*models.Loan, error) {
	loan, err := l.storage.GetLoan(id)
	if err != nil {
		return nil, err
	}
	if err := l.saveTransition(loan, models.LoanStatusActive, nil); err != nil {
		return nil, err
	}
	return loan, nil
}

// Cancel cancels a loan that has not been disbursed yet.
func (l *Ledger) Cancel(id uuid.UUID) (*models.Loan, error) {
	loan, err := l.storage.GetLoan(id)
	if err != nil {
		return nil, err
	}
	if err := l.saveTransition(loan, models.LoanStatusCancelled, nil); err != nil {
		return nil, err
	}
	return loan, nil
}

// MarkDefaulted marks a disbursed or active loan as defaulted.
func (l *Ledger) MarkDefaulted(id uuid.UUID) (*models.Loan, error) {
	loan, err := l.storage.GetLoan(id)
	if err != nil {
		return nil, err
	}
	if err := l.saveTransition(loan, models.LoanStatusDefaulted, nil); err != nil {
		return nil, err
	}
	return loan, nil
}

// scheduleEligible reports whether a loan may have a schedule generated or a
// payment applied.
func scheduleEligible(status models.LoanStatus) bool {
	switch status {
	case models.LoanStatusApproved, models.LoanStatusDisbursed, models.LoanStatusActive:
		return true
	}
	return false
}

// GenerateSchedule creates the loan's full repayment schedule: exactly
// TenureMonths installments numbered 1..N, each installment's total equal to
// the loan's fixed monthly payment, due dates stepping by flat 30-day
// intervals from the disbursement date (falling back to the approval date,
// then to now). Generation is at-most-once per loan; the storage unique index
// protects concurrent callers.
func (l *Ledger) GenerateSchedule(loanID uuid.UUID) ([]*models.RepaymentSchedule, error) {
	loan, err := l.storage.GetLoan(loanID)
	if err != nil {
		return nil, err
	}
	if !scheduleEligible(loan.Status) {
		return nil, fmt.Errorf("%w: schedule generation requires an approved loan, got %s", ErrInvalidTransition, loan.Status)
	}

	existing, err := l.storage.CountInstallmentsForLoan(loanID)
	if err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, fmt.Errorf("loan %s: %w", loan.LoanReference, ErrScheduleExists)
	}

	now := time.Now()
	firstDue := now
	switch {
	case loan.DisbursementDate != nil:
		firstDue = *loan.DisbursementDate
	case loan.ApprovalDate != nil:
		firstDue = *loan.ApprovalDate
	}

	installments := make([]*models.RepaymentSchedule, 0, loan.TenureMonths)
	dueDate := firstDue
	for number := 1; number <= loan.TenureMonths; number++ {
		if number > 1 {
			dueDate = dueDate.Add(installmentInterval)
		}
		installments = append(installments, &models.RepaymentSchedule{
			ID:                uuid.New(),
			LoanID:            loan.ID,
			InstallmentNumber: number,
			DueDate:           dueDate,
			PrincipalAmount:   decimal.Zero,
			InterestAmount:    decimal.Zero,
			TotalAmount:       loan.MonthlyPayment,
			PaidAmount:        decimal.Zero,
			RemainingAmount:   loan.MonthlyPayment,
			Status:            models.InstallmentStatusPending,
			CreatedAt:         now,
		})
	}

	if err := l.storage.CreateInstallments(installments); err != nil {
		if errors.Is(err, store.ErrDuplicateInstallment) {
			// A concurrent generator won the race.
			return nil, fmt.Errorf("loan %s: %w", loan.LoanReference, ErrScheduleExists)
		}
		return nil, fmt.Errorf("failed to store schedule: %w", err)
	}
	return installments, nil
}

// GenerateDueSchedules generates schedules for every eligible loan that does
// not have one yet. Returns the number of loans processed.
func (l *Ledger) GenerateDueSchedules() (int, error) {
	loans, err := l.storage.GetLoansByStatus(
		models.LoanStatusApproved, models.LoanStatusDisbursed, models.LoanStatusActive,
	)
	if err != nil {
		return 0, err
	}

	generated := 0
	for _, loan := range loans {
		_, err := l.GenerateSchedule(loan.ID)
		if errors.Is(err, ErrScheduleExists) {
			continue
		}
		if err != nil {
			return generated, fmt.Errorf("loan %s: %w", loan.LoanReference, err)
		}
		generated++
	}
	return generated, nil
}

// ApplyPayment applies amount against one installment: the installment's paid
// total grows by amount, the loan's remaining balance shrinks by amount, and
// the loan completes when the balance reaches zero. Both writes and the
// payment record land in a single storage transaction, guarded on the values
// read here; if a concurrent payment commits in between, the write is refused
// and the whole read-validate-write sequence is retried against fresh state.
//
// Payments must be positive and must not exceed the installment's remaining
// amount; overpayment is rejected rather than clamped or held as credit.
func (l *Ledger) ApplyPayment(loanID uuid.UUID, installmentNumber int, amount decimal.Decimal) (*models.Payment, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: payment must be positive, got %s", ErrInvalidAmount, amount)
	}

	var lastErr error
	for attempt := 0; attempt < applyAttempts; attempt++ {
		payment, err := l.applyPaymentOnce(loanID, installmentNumber, amount)
		if errors.Is(err, store.ErrConflict) {
			lastErr = err
			continue
		}
		return payment, err
	}
	return nil, fmt.Errorf("payment contention on installment %d of loan %s: %w", installmentNumber, loanID, lastErr)
}

func (l *Ledger) applyPaymentOnce(loanID uuid.UUID, installmentNumber int, amount decimal.Decimal) (*models.Payment, error) {
	inst, err := l.storage.GetInstallment(loanID, installmentNumber)
	if err != nil {
		return nil, err
	}
	loan, err := l.storage.GetLoan(loanID)
	if err != nil {
		return nil, err
	}
	if !scheduleEligible(loan.Status) {
		return nil, fmt.Errorf("%w: loan %s is %s, payments require an approved loan", ErrInvalidTransition, loan.LoanReference, loan.Status)
	}
	if amount.GreaterThan(inst.RemainingAmount) {
		return nil, fmt.Errorf("%w: payment %s exceeds remaining %s on installment %d",
			ErrInvalidAmount, amount, inst.RemainingAmount, installmentNumber)
	}

	// Mutate copies only. Nothing observable may change unless the guarded
	// write commits; a retry starts over from a fresh read.
	now := time.Now()
	updatedInst := *inst
	updatedInst.PaidAmount = updatedInst.PaidAmount.Add(amount)
	updatedInst.Refresh(now)

	updatedLoan := *loan
	updatedLoan.RemainingBalance = updatedLoan.RemainingBalance.Sub(amount)
	updatedLoan.UpdatedAt = now

	completed := false
	if !updatedLoan.RemainingBalance.IsPositive() {
		if err := l.transition(&updatedLoan, models.LoanStatusCompleted); err != nil {
			return nil, err
		}
		updatedLoan.RemainingBalance = decimal.Zero
		updatedLoan.CompletionDate = &now
		completed = true
	}

	payment := &models.Payment{
		ID:                uuid.New(),
		LoanID:            loan.ID,
		InstallmentNumber: installmentNumber,
		Amount:            amount,
		Timestamp:         now,
	}

	err = l.storage.ApplyPayment(&updatedInst, &updatedLoan, payment, inst.PaidAmount, loan.RemainingBalance)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to apply payment: %w", err)
	}

	l.notifier.Notify(notify.Event{Type: notify.EventPaymentReceived, Loan: &updatedLoan, Amount: amount})
	if completed {
		l.notifier.Notify(notify.Event{Type: notify.EventLoanCompleted, Loan: &updatedLoan})
	}
	return payment, nil
}

// MarkOverdueInstallments flips pending installments whose due date has passed
// to OVERDUE. Returns the number of installments updated.
func (l *Ledger) MarkOverdueInstallments() (int, error) {
	now := time.Now()
	due, err := l.storage.GetDueInstallments(now)
	if err != nil {
		return 0, err
	}

	marked := 0
	for _, inst := range due {
		before := inst.Status
		inst.Refresh(now)
		if inst.Status == before {
			continue
		}
		if err := l.storage.UpdateInstallment(inst); err != nil {
			return marked, fmt.Errorf("installment %d of loan %s: %w", inst.InstallmentNumber, inst.LoanID, err)
		}
		marked++
	}
	return marked, nil
}

// GetLoan retrieves a loan by its ID.
func (l *Ledger) GetLoan(id uuid.UUID) (*models.Loan, error) {
	return l.storage.GetLoan(id)
}

// GetAllLoans retrieves all loans.
func (l *Ledger) GetAllLoans() ([]*models.Loan, error) {
	return l.storage.GetAllLoans()
}

// GetSchedule retrieves a loan's repayment schedule.
func (l *Ledger) GetSchedule(loanID uuid.UUID) ([]*models.RepaymentSchedule, error) {
	return l.storage.GetInstallmentsForLoan(loanID)
}

// GetPayments retrieves a loan's recorded payments.
func (l *Ledger) GetPayments(loanID uuid.UUID) ([]*models.Payment, error) {
	return l.storage.GetPaymentsForLoan(loanID)
}

// GetProducts retrieves the active product catalog.
func (l *Ledger) GetProducts() ([]*models.LoanProduct, error) {
	return l.storage.GetActiveProducts()
}
