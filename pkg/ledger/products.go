package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/flexifinance/loanledger/pkg/models"
)

// defaultProducts is the seed catalog. Amounts are KES.
var defaultProducts = []models.LoanProduct{
	{
		ProductCode:   "QUICK_CASH_5K_25K",
		Name:          "Quick Cash - Small Amount",
		Description:   "Fast approval loans for small amounts up to KSh 25,000",
		MinAmount:     decimal.NewFromInt(5000),
		MaxAmount:     decimal.NewFromInt(25000),
		MinTenure:     1,
		MaxTenure:     6,
		InterestRate:  decimal.NewFromFloat(15.0),
		ProcessingFee: decimal.NewFromInt(500),
		IsActive:      true,
	},
	{
		ProductCode:   "PERSONAL_5K_100K",
		Name:          "Personal Loan - Medium Amount",
		Description:   "Flexible personal loans for various purposes up to KSh 100,000",
		MinAmount:     decimal.NewFromInt(5000),
		MaxAmount:     decimal.NewFromInt(100000),
		MinTenure:     3,
		MaxTenure:     24,
		InterestRate:  decimal.NewFromFloat(12.5),
		ProcessingFee: decimal.NewFromInt(1000),
		IsActive:      true,
	},
	{
		ProductCode:   "BUSINESS_50K_500K",
		Name:          "Business Loan",
		Description:   "Business expansion and equipment financing up to KSh 500,000",
		MinAmount:     decimal.NewFromInt(50000),
		MaxAmount:     decimal.NewFromInt(500000),
		MinTenure:     6,
		MaxTenure:     36,
		InterestRate:  decimal.NewFromFloat(10.0),
		ProcessingFee: decimal.NewFromInt(2500),
		IsActive:      true,
	},
	{
		ProductCode:   "EMERGENCY_5K_50K",
		Name:          "Emergency Loan",
		Description:   "Urgent loans for medical emergencies and urgent needs up to KSh 50,000",
		MinAmount:     decimal.NewFromInt(5000),
		MaxAmount:     decimal.NewFromInt(50000),
		MinTenure:     1,
		MaxTenure:     12,
		InterestRate:  decimal.NewFromFloat(18.0),
		ProcessingFee: decimal.NewFromInt(300),
		IsActive:      true,
	},
}

// SeedDefaultProducts upserts the default product catalog. Existing products
// with matching codes are refreshed in place. Returns the number of products
// written.
func (l *Ledger) SeedDefaultProducts() (int, error) {
	now := time.Now()
	for i := range defaultProducts {
		p := defaultProducts[i]
		p.CreatedAt = now
		if err := l.storage.UpsertProduct(&p); err != nil {
			return i, err
		}
	}
	return len(defaultProducts), nil
}
