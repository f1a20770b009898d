package ledger

import (
	"errors"
	"regexp"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/flexifinance/loanledger/pkg/models"
	"github.com/flexifinance/loanledger/pkg/store"
)

// MockStore is a simple in-memory implementation of the Storage interface for testing.
type MockStore struct {
	mu           sync.Mutex
	loans        map[uuid.UUID]*models.Loan
	references   map[string]bool
	installments []*models.RepaymentSchedule
	payments     []*models.Payment
	products     map[string]*models.LoanProduct
}

func NewMockStore() *MockStore {
	return &MockStore{
		loans:      make(map[uuid.UUID]*models.Loan),
		references: make(map[string]bool),
		products:   make(map[string]*models.LoanProduct),
	}
}

func (m *MockStore) CreateLoan(loan *models.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.references[loan.LoanReference] {
		return store.ErrDuplicateReference
	}
	m.references[loan.LoanReference] = true
	m.loans[loan.ID] = loan
	return nil
}

func (m *MockStore) GetLoan(id uuid.UUID) (*models.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loan, ok := m.loans[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return loan, nil
}

func (m *MockStore) GetLoanByReference(reference string) (*models.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.loans {
		if l.LoanReference == reference {
			return l, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MockStore) UpdateLoan(loan *models.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.loans[loan.ID]; !ok {
		return store.ErrNotFound
	}
	m.loans[loan.ID] = loan
	return nil
}

func (m *MockStore) GetAllLoans() ([]*models.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loans := []*models.Loan{}
	for _, l := range m.loans {
		loans = append(loans, l)
	}
	return loans, nil
}

func (m *MockStore) GetLoansByStatus(statuses ...models.LoanStatus) ([]*models.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loans := []*models.Loan{}
	for _, l := range m.loans {
		for _, st := range statuses {
			if l.Status == st {
				loans = append(loans, l)
				break
			}
		}
	}
	return loans, nil
}

func (m *MockStore) CreateInstallments(installments []*models.RepaymentSchedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range installments {
		for _, existing := range m.installments {
			if existing.LoanID == inst.LoanID && existing.InstallmentNumber == inst.InstallmentNumber {
				return store.ErrDuplicateInstallment
			}
		}
	}
	m.installments = append(m.installments, installments...)
	return nil
}

func (m *MockStore) GetInstallment(loanID uuid.UUID, number int) (*models.RepaymentSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.installments {
		if inst.LoanID == loanID && inst.InstallmentNumber == number {
			return inst, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MockStore) GetInstallmentsForLoan(loanID uuid.UUID) ([]*models.RepaymentSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.RepaymentSchedule{}
	for _, inst := range m.installments {
		if inst.LoanID == loanID {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (m *MockStore) CountInstallmentsForLoan(loanID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, inst := range m.installments {
		if inst.LoanID == loanID {
			count++
		}
	}
	return count, nil
}

func (m *MockStore) UpdateInstallment(inst *models.RepaymentSchedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.installments {
		if existing.ID == inst.ID {
			m.installments[i] = inst
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *MockStore) GetDueInstallments(before time.Time) ([]*models.RepaymentSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.RepaymentSchedule{}
	for _, inst := range m.installments {
		if inst.Status == models.InstallmentStatusPending && inst.DueDate.Before(before) {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (m *MockStore) ApplyPayment(inst *models.RepaymentSchedule, loan *models.Loan, payment *models.Payment, priorPaid, priorBalance decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	instIdx := -1
	for i, existing := range m.installments {
		if existing.ID == inst.ID {
			instIdx = i
			break
		}
	}
	if instIdx < 0 {
		return store.ErrNotFound
	}
	stored, ok := m.loans[loan.ID]
	if !ok {
		return store.ErrNotFound
	}

	// Guarded write: refuse when a concurrent payment moved either record.
	if !m.installments[instIdx].PaidAmount.Equal(priorPaid) || !stored.RemainingBalance.Equal(priorBalance) {
		return store.ErrConflict
	}

	m.installments[instIdx] = inst
	m.loans[loan.ID] = loan
	m.payments = append(m.payments, payment)
	return nil
}

func (m *MockStore) GetPaymentsForLoan(loanID uuid.UUID) ([]*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.Payment{}
	for _, p := range m.payments {
		if p.LoanID == loanID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MockStore) UpsertProduct(p *models.LoanProduct) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ProductCode] = p
	return nil
}

func (m *MockStore) GetProduct(code string) (*models.LoanProduct, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

func (m *MockStore) GetActiveProducts() ([]*models.LoanProduct, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.LoanProduct{}
	for _, p := range m.products {
		if p.IsActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MockStore) Close() error {
	return nil
}

func newTestLoan(t *testing.T, l *Ledger) *models.Loan {
	t.Helper()
	loan, err := l.CreateLoan(CreateLoanParams{
		CustomerKey:   "cust123",
		Principal:     decimal.NewFromInt(100000),
		InterestRate:  decimal.NewFromInt(12),
		TenureMonths:  12,
		ProcessingFee: decimal.NewFromInt(1000),
		Purpose:       "Working capital",
	})
	if err != nil {
		t.Fatalf("Failed to create loan: %v", err)
	}
	return loan
}

// approveAndDisburse walks a fresh loan to DISBURSED through the lifecycle helpers.
func approveAndDisburse(t *testing.T, l *Ledger, id uuid.UUID) *models.Loan {
	t.Helper()
	if _, err := l.Submit(id); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := l.StartReview(id); err != nil {
		t.Fatalf("StartReview failed: %v", err)
	}
	if _, err := l.Approve(id); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	loan, err := l.Disburse(id)
	if err != nil {
		t.Fatalf("Disburse failed: %v", err)
	}
	return loan
}

func TestCreateLoan(t *testing.T) {
	mock := NewMockStore()
	l := NewLedger(mock, nil)

	loan := newTestLoan(t, l)

	if loan.Status != models.LoanStatusDraft {
		t.Errorf("Expected status DRAFT, got %s", loan.Status)
	}
	if !loan.InterestAmount.Equal(decimal.NewFromInt(12000)) {
		t.Errorf("Expected interest 12000, got %s", loan.InterestAmount)
	}
	if !loan.TotalAmount.Equal(decimal.NewFromInt(113000)) {
		t.Errorf("Expected total 113000, got %s", loan.TotalAmount)
	}
	if !loan.MonthlyPayment.Equal(decimal.NewFromFloat(9416.67)) {
		t.Errorf("Expected monthly payment 9416.67, got %s", loan.MonthlyPayment)
	}
	if !loan.RemainingBalance.IsZero() {
		t.Errorf("Balance should not be seeded before approval, got %s", loan.RemainingBalance)
	}

	refPattern := regexp.MustCompile(`^LF\d{8}\d{4}$`)
	if !refPattern.MatchString(loan.LoanReference) {
		t.Errorf("Unexpected reference format: %s", loan.LoanReference)
	}
}

func TestCreateLoanRetriesOnReferenceConflict(t *testing.T) {
	mock := NewMockStore()
	l := NewLedger(mock, nil)

	// Pre-claim a large block of today's suffixes; creation must still find a
	// free one by retrying.
	today := time.Now().Format("20060102")
	for suffix := 1000; suffix < 9999; suffix++ {
		if suffix%7 == 0 {
			continue // leave some free
		}
		mock.references["LF"+today+strconv.Itoa(suffix)] = true
	}

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		loan, err := l.CreateLoan(CreateLoanParams{
			CustomerKey:  "cust123",
			Principal:    decimal.NewFromInt(10000),
			InterestRate: decimal.NewFromInt(10),
			TenureMonths: 6,
		})
		if err != nil {
			// Exhausting the retry budget is possible with this many
			// pre-claimed suffixes, but it must be the reference error.
			if !errors.Is(err, store.ErrDuplicateReference) {
				t.Fatalf("Unexpected error: %v", err)
			}
			continue
		}
		if seen[loan.LoanReference] {
			t.Fatalf("Duplicate reference issued: %s", loan.LoanReference)
		}
		seen[loan.LoanReference] = true
	}
}

func TestCreateLoanRejectsBadTerms(t *testing.T) {
	l := NewLedger(NewMockStore(), nil)

	_, err := l.CreateLoan(CreateLoanParams{
		CustomerKey:  "cust123",
		Principal:    decimal.NewFromInt(10000),
		InterestRate: decimal.NewFromInt(10),
		TenureMonths: 0,
	})
	if !errors.Is(err, ErrInvalidTenure) {
		t.Errorf("Expected ErrInvalidTenure, got %v", err)
	}

	_, err = l.CreateLoan(CreateLoanParams{
		CustomerKey:  "cust123",
		Principal:    decimal.Zero,
		InterestRate: decimal.NewFromInt(10),
		TenureMonths: 6,
	})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount, got %v", err)
	}
}

func TestCreateLoanWithProduct(t *testing.T) {
	mock := NewMockStore()
	l := NewLedger(mock, nil)

	if _, err := l.SeedDefaultProducts(); err != nil {
		t.Fatalf("SeedDefaultProducts failed: %v", err)
	}

	loan, err := l.CreateLoan(CreateLoanParams{
		CustomerKey:  "cust123",
		ProductCode:  "QUICK_CASH_5K_25K",
		Principal:    decimal.NewFromInt(20000),
		TenureMonths: 6,
	})
	if err != nil {
		t.Fatalf("Failed to create product loan: %v", err)
	}
	// Rate and fee come from the product: 15% and 500.
	if !loan.InterestRate.Equal(decimal.NewFromInt(15)) {
		t.Errorf("Expected product rate 15, got %s", loan.InterestRate)
	}
	if !loan.ProcessingFee.Equal(decimal.NewFromInt(500)) {
		t.Errorf("Expected product fee 500, got %s", loan.ProcessingFee)
	}

	// Outside the product's amount range.
	_, err = l.CreateLoan(CreateLoanParams{
		CustomerKey:  "cust123",
		ProductCode:  "QUICK_CASH_5K_25K",
		Principal:    decimal.NewFromInt(50000),
		TenureMonths: 6,
	})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount for out-of-range principal, got %v", err)
	}

	// Outside the product's tenure range.
	_, err = l.CreateLoan(CreateLoanParams{
		CustomerKey:  "cust123",
		ProductCode:  "QUICK_CASH_5K_25K",
		Principal:    decimal.NewFromInt(20000),
		TenureMonths: 12,
	})
	if !errors.Is(err, ErrInvalidTenure) {
		t.Errorf("Expected ErrInvalidTenure for out-of-range tenure, got %v", err)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	mock := NewMockStore()
	l := NewLedger(mock, nil)

	loan := newTestLoan(t, l)

	// A draft must be submitted before it can enter review.
	if _, err := l.StartReview(loan.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition from DRAFT, got %v", err)
	}
	submitted, err := l.Submit(loan.ID)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if submitted.Status != models.LoanStatusSubmitted {
		t.Errorf("Expected status SUBMITTED, got %s", submitted.Status)
	}

	// Approving a SUBMITTED loan directly is not a legal move.
	if _, err := l.Approve(loan.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}

	if _, err := l.StartReview(loan.ID); err != nil {
		t.Fatalf("StartReview failed: %v", err)
	}
	approved, err := l.Approve(loan.ID)
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if approved.ApprovalDate == nil {
		t.Error("Approval date not stamped")
	}
	if !approved.RemainingBalance.Equal(approved.TotalAmount) {
		t.Errorf("Balance should be seeded to total on approval, got %s", approved.RemainingBalance)
	}

	disbursed, err := l.Disburse(loan.ID)
	if err != nil {
		t.Fatalf("Disburse failed: %v", err)
	}
	if disbursed.DisbursementDate == nil {
		t.Error("Disbursement date not stamped")
	}
	if disbursed.DueDate == nil {
		t.Error("Due date should default to 30 days after disbursement")
	} else {
		want := disbursed.DisbursementDate.Add(30 * 24 * time.Hour)
		if !disbursed.DueDate.Equal(want) {
			t.Errorf("Expected due date %s, got %s", want, disbursed.DueDate)
		}
	}

	if _, err := l.MarkActive(loan.ID); err != nil {
		t.Fatalf("MarkActive failed: %v", err)
	}

	// Terminal states accept no further moves.
	if _, err := l.MarkDefaulted(loan.ID); err != nil {
		t.Fatalf("MarkDefaulted failed: %v", err)
	}
	if _, err := l.MarkActive(loan.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition from DEFAULTED, got %v", err)
	}
}

func TestRejectRecordsReason(t *testing.T) {
	mock := NewMockStore()
	l := NewLedger(mock, nil)

	loan := newTestLoan(t, l)
	if _, err := l.Submit(loan.ID); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := l.StartReview(loan.ID); err != nil {
		t.Fatalf("StartReview failed: %v", err)
	}

	rejected, err := l.Reject(loan.ID, "Insufficient income")
	if err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if rejected.Status != models.LoanStatusRejected {
		t.Errorf("Expected status REJECTED, got %s", rejected.Status)
	}
	if rejected.RejectedReason != "Insufficient income" {
		t.Errorf("Expected reason recorded, got %q", rejected.RejectedReason)
	}
}

func TestGenerateSchedule(t *testing.T) {
	mock := NewMockStore()
	l := NewLedger(mock, nil)

	loan := newTestLoan(t, l)
	approveAndDisburse(t, l, loan.ID)

	// Pin the disbursement date for deterministic due dates.
	disbursed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	loan.DisbursementDate = &disbursed

	schedule, err := l.GenerateSchedule(loan.ID)
	if err != nil {
		t.Fatalf("GenerateSchedule failed: %v", err)
	}

	if len(schedule) != 12 {
		t.Fatalf("Expected 12 installments, got %d", len(schedule))
	}
	for i, inst := range schedule {
		if inst.InstallmentNumber != i+1 {
			t.Errorf("Expected installment number %d, got %d", i+1, inst.InstallmentNumber)
		}
		if !inst.TotalAmount.Equal(loan.MonthlyPayment) {
			t.Errorf("Installment %d: expected total %s, got %s", i+1, loan.MonthlyPayment, inst.TotalAmount)
		}
		if !inst.RemainingAmount.Equal(inst.TotalAmount) {
			t.Errorf("Installment %d: expected remaining equal to total", i+1)
		}
		if inst.Status != models.InstallmentStatusPending {
			t.Errorf("Installment %d: expected PENDING, got %s", i+1, inst.Status)
		}
		if !inst.PrincipalAmount.IsZero() || !inst.InterestAmount.IsZero() {
			t.Errorf("Installment %d: principal/interest split should stay zero", i+1)
		}
	}

	// Flat 30-day steps, not calendar months.
	if !schedule[0].DueDate.Equal(disbursed) {
		t.Errorf("Expected installment 1 due %s, got %s", disbursed, schedule[0].DueDate)
	}
	wantSecond := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	if !schedule[1].DueDate.Equal(wantSecond) {
		t.Errorf("Expected installment 2 due %s, got %s", wantSecond, schedule[1].DueDate)
	}
	wantLast := time.Date(2024, 11, 26, 0, 0, 0, 0, time.UTC)
	if !schedule[11].DueDate.Equal(wantLast) {
		t.Errorf("Expected installment 12 due %s, got %s", wantLast, schedule[11].DueDate)
	}

	// Second generation is rejected, not duplicated.
	if _, err := l.GenerateSchedule(loan.ID); !errors.Is(err, ErrScheduleExists) {
		t.Errorf("Expected ErrScheduleExists, got %v", err)
	}
	count, _ := mock.CountInstallmentsForLoan(loan.ID)
	if count != 12 {
		t.Errorf("Expected 12 installments after repeat generation, got %d", count)
	}
}

func TestGenerateScheduleRequiresEligibleStatus(t *testing.T) {
	mock := NewMockStore()
	l := NewLedger(mock, nil)

	loan := newTestLoan(t, l)
	if _, err := l.GenerateSchedule(loan.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition for DRAFT loan, got %v", err)
	}
}

func TestGenerateDueSchedules(t *testing.T) {
	mock := NewMockStore()
	l := NewLedger(mock, nil)

	first := newTestLoan(t, l)
	approveAndDisburse(t, l, first.ID)

	second := newTestLoan(t, l)
	approveAndDisburse(t, l, second.ID)

	// First already has a schedule; the batch must only fill in the second.
	if _, err := l.GenerateSchedule(first.ID); err != nil {
		t.Fatalf("GenerateSchedule failed: %v", err)
	}

	generated, err := l.GenerateDueSchedules()
	if err != nil {
		t.Fatalf("GenerateDueSchedules failed: %v", err)
	}
	if generated != 1 {
		t.Errorf("Expected 1 loan processed, got %d", generated)
	}

	count, _ := mock.CountInstallmentsForLoan(second.ID)
	if count != second.TenureMonths {
		t.Errorf("Expected %d installments for second loan, got %d", second.TenureMonths, count)
	}
}

func TestApplyPayment(t *testing.T) {
	mock := NewMockStore()
	l := NewLedger(mock, nil)

	loan := newTestLoan(t, l)
	approveAndDisburse(t, l, loan.ID)
	if _, err := l.GenerateSchedule(loan.ID); err != nil {
		t.Fatalf("GenerateSchedule failed: %v", err)
	}

	monthly := decimal.NewFromFloat(9416.67)
	payment, err := l.ApplyPayment(loan.ID, 1, monthly)
	if err != nil {
		t.Fatalf("ApplyPayment failed: %v", err)
	}
	if !payment.Amount.Equal(monthly) {
		t.Errorf("Expected payment amount %s, got %s", monthly, payment.Amount)
	}

	inst, _ := mock.GetInstallment(loan.ID, 1)
	if inst.Status != models.InstallmentStatusPaid {
		t.Errorf("Expected installment 1 PAID, got %s", inst.Status)
	}
	if !inst.RemainingAmount.IsZero() {
		t.Errorf("Expected installment 1 remaining 0, got %s", inst.RemainingAmount)
	}
	if inst.PaidDate == nil {
		t.Error("Paid date not stamped")
	}

	stored, _ := mock.GetLoan(loan.ID)
	wantBalance := decimal.NewFromFloat(103583.33)
	if !stored.RemainingBalance.Equal(wantBalance) {
		t.Errorf("Expected loan balance %s, got %s", wantBalance, stored.RemainingBalance)
	}
}

func TestApplyPaymentPartial(t *testing.T) {
	mock := NewMockStore()
	l := NewLedger(mock, nil)

	loan := newTestLoan(t, l)
	approveAndDisburse(t, l, loan.ID)
	if _, err := l.GenerateSchedule(loan.ID); err != nil {
		t.Fatalf("GenerateSchedule failed: %v", err)
	}

	half := decimal.NewFromInt(4000)
	if _, err := l.ApplyPayment(loan.ID, 1, half); err != nil {
		t.Fatalf("ApplyPayment failed: %v", err)
	}

	inst, _ := mock.GetInstallment(loan.ID, 1)
	if inst.Status != models.InstallmentStatusPartial {
		t.Errorf("Expected PARTIAL, got %s", inst.Status)
	}
	wantRemaining := decimal.NewFromFloat(5416.67)
	if !inst.RemainingAmount.Equal(wantRemaining) {
		t.Errorf("Expected remaining %s, got %s", wantRemaining, inst.RemainingAmount)
	}
}

func TestApplyPaymentValidation(t *testing.T) {
	mock := NewMockStore()
	l := NewLedger(mock, nil)

	loan := newTestLoan(t, l)
	approveAndDisburse(t, l, loan.ID)
	if _, err := l.GenerateSchedule(loan.ID); err != nil {
		t.Fatalf("GenerateSchedule failed: %v", err)
	}

	if _, err := l.ApplyPayment(loan.ID, 1, decimal.Zero); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount for zero payment, got %v", err)
	}
	if _, err := l.ApplyPayment(loan.ID, 1, decimal.NewFromInt(-50)); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount for negative payment, got %v", err)
	}
	if _, err := l.ApplyPayment(loan.ID, 1, decimal.NewFromInt(10000)); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount for overpayment, got %v", err)
	}
	if _, err := l.ApplyPayment(loan.ID, 99, decimal.NewFromInt(100)); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown installment, got %v", err)
	}

	// Nothing was applied.
	inst, _ := mock.GetInstallment(loan.ID, 1)
	if !inst.PaidAmount.IsZero() {
		t.Errorf("Expected no paid amount after rejected payments, got %s", inst.PaidAmount)
	}
	stored, _ := mock.GetLoan(loan.ID)
	if !stored.RemainingBalance.Equal(stored.TotalAmount) {
		t.Errorf("Expected untouched balance, got %s", stored.RemainingBalance)
	}
}

func TestFullRepaymentCompletesLoan(t *testing.T) {
	mock := NewMockStore()
	l := NewLedger(mock, nil)

	loan := newTestLoan(t, l)
	approveAndDisburse(t, l, loan.ID)
	if _, err := l.GenerateSchedule(loan.ID); err != nil {
		t.Fatalf("GenerateSchedule failed: %v", err)
	}

	for number := 1; number <= loan.TenureMonths; number++ {
		inst, err := mock.GetInstallment(loan.ID, number)
		if err != nil {
			t.Fatalf("GetInstallment %d failed: %v", number, err)
		}
		if _, err := l.ApplyPayment(loan.ID, number, inst.RemainingAmount); err != nil {
			t.Fatalf("ApplyPayment %d failed: %v", number, err)
		}
	}

	final, _ := mock.GetLoan(loan.ID)
	if final.Status != models.LoanStatusCompleted {
		t.Errorf("Expected status COMPLETED, got %s", final.Status)
	}
	if !final.RemainingBalance.IsZero() {
		t.Errorf("Expected balance 0, got %s", final.RemainingBalance)
	}
	if final.CompletionDate == nil {
		t.Error("Completion date not stamped")
	}

	// The loan is closed; further payments are refused.
	if _, err := l.ApplyPayment(loan.ID, 1, decimal.NewFromInt(1)); !errors.Is(err, ErrInvalidAmount) && !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected payment refusal on completed loan, got %v", err)
	}

	payments, _ := mock.GetPaymentsForLoan(loan.ID)
	if len(payments) != loan.TenureMonths {
		t.Errorf("Expected %d payment records, got %d", loan.TenureMonths, len(payments))
	}
}

func TestMarkOverdueInstallments(t *testing.T) {
	mock := NewMockStore()
	l := NewLedger(mock, nil)

	loan := newTestLoan(t, l)
	approveAndDisburse(t, l, loan.ID)

	// Backdate the disbursement so the first two installments are past due.
	past := time.Now().Add(-45 * 24 * time.Hour)
	loan.DisbursementDate = &past
	if _, err := l.GenerateSchedule(loan.ID); err != nil {
		t.Fatalf("GenerateSchedule failed: %v", err)
	}

	marked, err := l.MarkOverdueInstallments()
	if err != nil {
		t.Fatalf("MarkOverdueInstallments failed: %v", err)
	}
	if marked != 2 {
		t.Errorf("Expected 2 installments marked overdue, got %d", marked)
	}

	first, _ := mock.GetInstallment(loan.ID, 1)
	if first.Status != models.InstallmentStatusOverdue {
		t.Errorf("Expected installment 1 OVERDUE, got %s", first.Status)
	}
	third, _ := mock.GetInstallment(loan.ID, 3)
	if third.Status != models.InstallmentStatusPending {
		t.Errorf("Expected installment 3 PENDING, got %s", third.Status)
	}

	// Sweep is idempotent.
	marked, err = l.MarkOverdueInstallments()
	if err != nil {
		t.Fatalf("Second sweep failed: %v", err)
	}
	if marked != 0 {
		t.Errorf("Expected no installments marked on second sweep, got %d", marked)
	}
}

func TestCreateLoanConcurrent(t *testing.T) {
	mock := NewMockStore()
	l := NewLedger(mock, nil)

	const workers = 8
	const perWorker = 5

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := l.CreateLoan(CreateLoanParams{
					CustomerKey:  "cust_concurrent",
					Principal:    decimal.NewFromInt(10000),
					InterestRate: decimal.NewFromInt(10),
					TenureMonths: 6,
				})
				if err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Concurrent CreateLoan failed: %v", err)
	}
	if len(mock.loans) != workers*perWorker {
		t.Errorf("Expected %d loans, got %d", workers*perWorker, len(mock.loans))
	}
	if len(mock.references) != workers*perWorker {
		t.Errorf("Expected %d unique references, got %d", workers*perWorker, len(mock.references))
	}
}

// contendedStore lands a rival payment of 6000 on installment 1 between a
// caller's read and its guarded write, once.
type contendedStore struct {
	*MockStore
	interfered bool
}

func (c *contendedStore) ApplyPayment(inst *models.RepaymentSchedule, loan *models.Loan, payment *models.Payment, priorPaid, priorBalance decimal.Decimal) error {
	if !c.interfered {
		c.interfered = true
		rival := decimal.NewFromInt(6000)
		stored, _ := c.MockStore.GetInstallment(inst.LoanID, inst.InstallmentNumber)
		stored.PaidAmount = stored.PaidAmount.Add(rival)
		stored.Refresh(time.Now())
		storedLoan, _ := c.MockStore.GetLoan(loan.ID)
		storedLoan.RemainingBalance = storedLoan.RemainingBalance.Sub(rival)
	}
	return c.MockStore.ApplyPayment(inst, loan, payment, priorPaid, priorBalance)
}

func TestApplyPaymentConflictKeepsRivalPayment(t *testing.T) {
	mock := &contendedStore{MockStore: NewMockStore()}
	l := NewLedger(mock, nil)

	loan := newTestLoan(t, l)
	approveAndDisburse(t, l, loan.ID)
	if _, err := l.GenerateSchedule(loan.ID); err != nil {
		t.Fatalf("GenerateSchedule failed: %v", err)
	}

	// A rival pays 6000 between this payment's read and its write. The stale
	// write must be refused, and the retry must validate against the fresh
	// remaining amount (9416.67 - 6000 = 3416.67), which 4000 exceeds.
	_, err := l.ApplyPayment(loan.ID, 1, decimal.NewFromInt(4000))
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("Expected ErrInvalidAmount after rival payment, got %v", err)
	}

	inst, _ := mock.GetInstallment(loan.ID, 1)
	if !inst.PaidAmount.Equal(decimal.NewFromInt(6000)) {
		t.Errorf("Rival payment lost: expected paid 6000, got %s", inst.PaidAmount)
	}

	// A payment that fits the fresh remaining amount settles the installment.
	if _, err := l.ApplyPayment(loan.ID, 1, decimal.NewFromFloat(3416.67)); err != nil {
		t.Fatalf("ApplyPayment failed: %v", err)
	}
	inst, _ = mock.GetInstallment(loan.ID, 1)
	if inst.Status != models.InstallmentStatusPaid {
		t.Errorf("Expected installment PAID, got %s", inst.Status)
	}
	if !inst.PaidAmount.Equal(decimal.NewFromFloat(9416.67)) {
		t.Errorf("Expected paid 9416.67, got %s", inst.PaidAmount)
	}
}

func TestQuote(t *testing.T) {
	mock := NewMockStore()
	l := NewLedger(mock, nil)
	if _, err := l.SeedDefaultProducts(); err != nil {
		t.Fatalf("SeedDefaultProducts failed: %v", err)
	}

	terms, err := l.Quote("PERSONAL_5K_100K", decimal.NewFromInt(100000), 12)
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	// 100000 * 12.5 * 12 / 1200 = 12500 interest, plus the 1000 fee.
	if !terms.InterestAmount.Equal(decimal.NewFromInt(12500)) {
		t.Errorf("Expected interest 12500, got %s", terms.InterestAmount)
	}
	if !terms.TotalAmount.Equal(decimal.NewFromInt(113500)) {
		t.Errorf("Expected total 113500, got %s", terms.TotalAmount)
	}

	if _, err := l.Quote("PERSONAL_5K_100K", decimal.NewFromInt(1000000), 12); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount, got %v", err)
	}
	if _, err := l.Quote("NO_SUCH_PRODUCT", decimal.NewFromInt(10000), 12); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
