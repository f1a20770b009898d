package store

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/flexifinance/loanledger/pkg/models"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateReference is returned when a loan insert collides on loan_reference.
	ErrDuplicateReference = errors.New("loan reference already exists")
	// ErrDuplicateInstallment is returned when an installment insert collides on
	// (loan_id, installment_number).
	ErrDuplicateInstallment = errors.New("installment already exists")
	// ErrConflict is returned when a guarded write finds the record changed by
	// a concurrent writer since it was read. Nothing is applied.
	ErrConflict = errors.New("concurrent update conflict")
)

// Storage defines the persistence operations for loans, products, repayment
// schedules and payments.
type Storage interface {
	CreateLoan(loan *models.Loan) error
	GetLoan(id uuid.UUID) (*models.Loan, error)
	GetLoanByReference(reference string) (*models.Loan, error)
	UpdateLoan(loan *models.Loan) error
	GetAllLoans() ([]*models.Loan, error)
	GetLoansByStatus(statuses ...models.LoanStatus) ([]*models.Loan, error)

	// CreateInstallments inserts a loan's full schedule in a single transaction.
	CreateInstallments(installments []*models.RepaymentSchedule) error
	GetInstallment(loanID uuid.UUID, installmentNumber int) (*models.RepaymentSchedule, error)
	GetInstallmentsForLoan(loanID uuid.UUID) ([]*models.RepaymentSchedule, error)
	CountInstallmentsForLoan(loanID uuid.UUID) (int, error)
	UpdateInstallment(installment *models.RepaymentSchedule) error
	GetDueInstallments(before time.Time) ([]*models.RepaymentSchedule, error)

	// ApplyPayment persists an installment update, the owning loan update and
	// the payment record in a single transaction. priorPaid and priorBalance
	// are the paid amount and remaining balance the caller read before
	// mutating; the writes are guarded on them and ErrConflict is returned,
	// with nothing applied, if a concurrent payment committed in between.
	ApplyPayment(installment *models.RepaymentSchedule, loan *models.Loan, payment *models.Payment, priorPaid, priorBalance decimal.Decimal) error
	GetPaymentsForLoan(loanID uuid.UUID) ([]*models.Payment, error)

	UpsertProduct(product *models.LoanProduct) error
	GetProduct(productCode string) (*models.LoanProduct, error)
	GetActiveProducts() ([]*models.LoanProduct, error)

	Close() error
}
