package finance

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	hundred      = decimal.NewFromInt(100)
	twelve       = decimal.NewFromInt(12)
	annualDiv    = hundred.Mul(twelve) // 1200
	minorUnitExp = int32(2)
)

// Terms is the result of a flat-rate loan computation.
type Terms struct {
	Principal      decimal.Decimal `json:"principal"`
	InterestAmount decimal.Decimal `json:"interest_amount"`
	ProcessingFee  decimal.Decimal `json:"processing_fee"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	MonthlyPayment decimal.Decimal `json:"monthly_payment"`
	TenureMonths   int             `json:"tenure_months"`
}

// ComputeTerms calculates flat-rate loan terms:
//
//	interest = principal * rate * tenure / 1200
//	total    = principal + interest + fee
//	monthly  = total / tenure, rounded to the currency minor unit
//
// The interest is computed once on the original principal for the full tenure,
// not on a declining balance. All arithmetic is exact decimal.
func ComputeTerms(principal, annualRatePercent decimal.Decimal, tenureMonths int, processingFee decimal.Decimal) (Terms, error) {
	if !principal.IsPositive() {
		return Terms{}, fmt.Errorf("principal must be positive, got %s", principal)
	}
	if annualRatePercent.IsNegative() {
		return Terms{}, fmt.Errorf("interest rate must not be negative, got %s", annualRatePercent)
	}
	if tenureMonths < 1 {
		return Terms{}, fmt.Errorf("tenure must be at least 1 month, got %d", tenureMonths)
	}
	if processingFee.IsNegative() {
		return Terms{}, fmt.Errorf("processing fee must not be negative, got %s", processingFee)
	}

	tenure := decimal.NewFromInt(int64(tenureMonths))
	interest := principal.Mul(annualRatePercent).Mul(tenure).Div(annualDiv).Round(minorUnitExp)
	total := principal.Add(interest).Add(processingFee)
	monthly := total.Div(tenure).Round(minorUnitExp)

	return Terms{
		Principal:      principal,
		InterestAmount: interest,
		ProcessingFee:  processingFee,
		TotalAmount:    total,
		MonthlyPayment: monthly,
		TenureMonths:   tenureMonths,
	}, nil
}
