package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LoanStatus is the lifecycle state of a loan.
type LoanStatus string

const (
	LoanStatusDraft       LoanStatus = "DRAFT"
	LoanStatusSubmitted   LoanStatus = "SUBMITTED"
	LoanStatusUnderReview LoanStatus = "UNDER_REVIEW"
	LoanStatusApproved    LoanStatus = "APPROVED"
	LoanStatusRejected    LoanStatus = "REJECTED"
	LoanStatusDisbursed   LoanStatus = "DISBURSED"
	LoanStatusActive      LoanStatus = "ACTIVE"
	LoanStatusCompleted   LoanStatus = "COMPLETED"
	LoanStatusDefaulted   LoanStatus = "DEFAULTED"
	LoanStatusCancelled   LoanStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s LoanStatus) IsTerminal() bool {
	switch s {
	case LoanStatusCompleted, LoanStatusRejected, LoanStatusDefaulted, LoanStatusCancelled:
		return true
	}
	return false
}

type Loan struct {
	ID            uuid.UUID       `json:"id"`
	CustomerKey   string          `json:"customer_key"` // Link to external customer system
	ProductCode   string          `json:"product_code,omitempty"`
	LoanReference string          `json:"loan_reference"` // Unique, immutable after creation
	Principal     decimal.Decimal `json:"principal"`
	InterestRate  decimal.Decimal `json:"interest_rate"` // Annual rate, percent
	TenureMonths  int             `json:"tenure_months"`
	ProcessingFee decimal.Decimal `json:"processing_fee"`

	// Derived at creation, never recomputed afterwards.
	InterestAmount   decimal.Decimal `json:"interest_amount"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	MonthlyPayment   decimal.Decimal `json:"monthly_payment"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`

	Status         LoanStatus `json:"status"`
	Purpose        string     `json:"purpose,omitempty"`
	RejectedReason string     `json:"rejected_reason,omitempty"`

	ApplicationDate  time.Time  `json:"application_date"`
	ApprovalDate     *time.Time `json:"approval_date,omitempty"`
	DisbursementDate *time.Time `json:"disbursement_date,omitempty"`
	DueDate          *time.Time `json:"due_date,omitempty"`
	CompletionDate   *time.Time `json:"completion_date,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsOverdue reports whether the loan is past its due date with money outstanding.
func (l *Loan) IsOverdue(now time.Time) bool {
	if l.DueDate == nil || !l.RemainingBalance.IsPositive() {
		return false
	}
	return now.After(*l.DueDate)
}

// InstallmentStatus is the payment state of a single scheduled installment.
type InstallmentStatus string

const (
	InstallmentStatusPending InstallmentStatus = "PENDING"
	InstallmentStatusPartial InstallmentStatus = "PARTIAL"
	InstallmentStatusPaid    InstallmentStatus = "PAID"
	InstallmentStatusOverdue InstallmentStatus = "OVERDUE"
)

// RepaymentSchedule is one installment of a loan's repayment plan.
// Identified by (LoanID, InstallmentNumber), unique together.
type RepaymentSchedule struct {
	ID                uuid.UUID `json:"id"`
	LoanID            uuid.UUID `json:"loan_id"`
	InstallmentNumber int       `json:"installment_number"`
	DueDate           time.Time `json:"due_date"`

	// Per-installment principal/interest split is not computed for the
	// flat-rate product; both stay zero.
	PrincipalAmount decimal.Decimal `json:"principal_amount"`
	InterestAmount  decimal.Decimal `json:"interest_amount"`
	TotalAmount     decimal.Decimal `json:"total_amount"`

	PaidAmount      decimal.Decimal   `json:"paid_amount"`
	RemainingAmount decimal.Decimal   `json:"remaining_amount"`
	Status          InstallmentStatus `json:"status"`

	PaidDate  *time.Time `json:"paid_date,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Refresh recomputes the derived remaining amount and status from the paid
// total, the installment total and the due date. Paid exactly equal to total
// counts as PAID, never PARTIAL.
func (r *RepaymentSchedule) Refresh(now time.Time) {
	r.RemainingAmount = r.TotalAmount.Sub(r.PaidAmount)
	switch {
	case r.PaidAmount.GreaterThanOrEqual(r.TotalAmount):
		r.Status = InstallmentStatusPaid
		if r.PaidDate == nil {
			t := now
			r.PaidDate = &t
		}
	case r.PaidAmount.IsPositive():
		r.Status = InstallmentStatusPartial
	case now.After(r.DueDate):
		r.Status = InstallmentStatusOverdue
	default:
		r.Status = InstallmentStatusPending
	}
}

// Payment is a recorded application of money against one installment.
type Payment struct {
	ID                uuid.UUID       `json:"id"`
	LoanID            uuid.UUID       `json:"loan_id"`
	InstallmentNumber int             `json:"installment_number"`
	Amount            decimal.Decimal `json:"amount"`
	Timestamp         time.Time       `json:"timestamp"`
}

// LoanProduct is a configured loan offering with amount and tenure limits.
type LoanProduct struct {
	ProductCode   string          `json:"product_code"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	MinAmount     decimal.Decimal `json:"min_amount"`
	MaxAmount     decimal.Decimal `json:"max_amount"`
	MinTenure     int             `json:"min_tenure"`
	MaxTenure     int             `json:"max_tenure"`
	InterestRate  decimal.Decimal `json:"interest_rate"` // Annual, percent
	ProcessingFee decimal.Decimal `json:"processing_fee"`
	IsActive      bool            `json:"is_active"`
	CreatedAt     time.Time       `json:"created_at"`
}
