package ledger

import "errors"

var (
	// ErrInvalidTenure is returned when a tenure is below one month or outside
	// a product's tenure limits.
	ErrInvalidTenure = errors.New("invalid tenure")
	// ErrInvalidAmount is returned for non-positive amounts, amounts outside a
	// product's limits, and payments exceeding an installment's remaining amount.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidTransition is returned when a status change is not permitted by
	// the loan lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrScheduleExists is returned when schedule generation is attempted for a
	// loan that already has installments.
	ErrScheduleExists = errors.New("repayment schedule already exists")
)
