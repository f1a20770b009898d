package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/flexifinance/loanledger/pkg/models"
)

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore and initializes the database.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	// Manually enable foreign keys and WAL mode
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	log.Println("Database connection established and schema initialized.")
	return s, nil
}

// initSchema creates the database tables if they don't already exist.
// We use TEXT for decimal fields in SQLite to ensure no precision is lost.
// The unique indexes on loan_reference and (loan_id, installment_number)
// back the ledger's reference retry loop and schedule idempotence.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		customer_key TEXT NOT NULL,
		product_code TEXT NOT NULL DEFAULT '',
		loan_reference TEXT NOT NULL UNIQUE,
		principal TEXT NOT NULL,
		interest_rate TEXT NOT NULL,
		tenure_months INTEGER NOT NULL,
		processing_fee TEXT NOT NULL DEFAULT '0',
		interest_amount TEXT NOT NULL DEFAULT '0',
		total_amount TEXT NOT NULL DEFAULT '0',
		monthly_payment TEXT NOT NULL DEFAULT '0',
		remaining_balance TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		purpose TEXT NOT NULL DEFAULT '',
		rejected_reason TEXT NOT NULL DEFAULT '',
		application_date DATETIME NOT NULL,
		approval_date DATETIME,
		disbursement_date DATETIME,
		due_date DATETIME,
		completion_date DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS repayment_schedules (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		installment_number INTEGER NOT NULL,
		due_date DATETIME NOT NULL,
		principal_amount TEXT NOT NULL DEFAULT '0',
		interest_amount TEXT NOT NULL DEFAULT '0',
		total_amount TEXT NOT NULL,
		paid_amount TEXT NOT NULL DEFAULT '0',
		remaining_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		paid_date DATETIME,
		created_at DATETIME NOT NULL,
		UNIQUE(loan_id, installment_number),
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		installment_number INTEGER NOT NULL,
		amount TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE TABLE IF NOT EXISTS loan_products (
		product_code TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		min_amount TEXT NOT NULL,
		max_amount TEXT NOT NULL,
		min_tenure INTEGER NOT NULL,
		max_tenure INTEGER NOT NULL,
		interest_rate TEXT NOT NULL,
		processing_fee TEXT NOT NULL DEFAULT '0',
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_loans_status ON loans(status);
	CREATE INDEX IF NOT EXISTS idx_schedules_due ON repayment_schedules(status, due_date);
	`
	_, err := s.db.Exec(schema)
	return err
}

// isUniqueConstraintError checks if the error is a unique-index violation.
func isUniqueConstraintError(err error) bool {
	var serr sqlite3.Error
	return errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

const loanColumns = `id, customer_key, product_code, loan_reference, principal, interest_rate, tenure_months, processing_fee, interest_amount, total_amount, monthly_payment, remaining_balance, status, purpose, rejected_reason, application_date, approval_date, disbursement_date, due_date, completion_date, created_at, updated_at`

// CreateLoan inserts a new loan into the database.
func (s *SQLiteStore) CreateLoan(loan *models.Loan) error {
	_, err := s.db.Exec(
		`INSERT INTO loans (`+loanColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.CustomerKey, loan.ProductCode, loan.LoanReference,
		loan.Principal, loan.InterestRate, loan.TenureMonths, loan.ProcessingFee,
		loan.InterestAmount, loan.TotalAmount, loan.MonthlyPayment, loan.RemainingBalance,
		string(loan.Status), loan.Purpose, loan.RejectedReason,
		loan.ApplicationDate, nullTime(loan.ApprovalDate), nullTime(loan.DisbursementDate),
		nullTime(loan.DueDate), nullTime(loan.CompletionDate), loan.CreatedAt, loan.UpdatedAt,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("loan %s: %w", loan.LoanReference, ErrDuplicateReference)
		}
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoan(row rowScanner) (*models.Loan, error) {
	var loan models.Loan
	var idStr, status string
	var approval, disbursement, due, completion sql.NullTime
	err := row.Scan(
		&idStr, &loan.CustomerKey, &loan.ProductCode, &loan.LoanReference,
		&loan.Principal, &loan.InterestRate, &loan.TenureMonths, &loan.ProcessingFee,
		&loan.InterestAmount, &loan.TotalAmount, &loan.MonthlyPayment, &loan.RemainingBalance,
		&status, &loan.Purpose, &loan.RejectedReason,
		&loan.ApplicationDate, &approval, &disbursement, &due, &completion,
		&loan.CreatedAt, &loan.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	loan.ID = uuid.MustParse(idStr)
	loan.Status = models.LoanStatus(status)
	loan.ApprovalDate = timePtr(approval)
	loan.DisbursementDate = timePtr(disbursement)
	loan.DueDate = timePtr(due)
	loan.CompletionDate = timePtr(completion)
	return &loan, nil
}

// GetLoan retrieves a loan by its ID.
func (s *SQLiteStore) GetLoan(id uuid.UUID) (*models.Loan, error) {
	row := s.db.QueryRow(`SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String())
	loan, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("loan %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

// GetLoanByReference retrieves a loan by its reference number.
func (s *SQLiteStore) GetLoanByReference(reference string) (*models.Loan, error) {
	row := s.db.QueryRow(`SELECT `+loanColumns+` FROM loans WHERE loan_reference = ?`, reference)
	loan, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("loan %s: %w", reference, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get loan by reference: %w", err)
	}
	return loan, nil
}

// UpdateLoan updates an existing loan in the database. The loan reference and
// the derived term amounts never change after creation and are not written here.
func (s *SQLiteStore) UpdateLoan(loan *models.Loan) error {
	result, err := s.db.Exec(
		`UPDATE loans SET remaining_balance = ?, status = ?, rejected_reason = ?, approval_date = ?, disbursement_date = ?, due_date = ?, completion_date = ?, updated_at = ? WHERE id = ?`,
		loan.RemainingBalance, string(loan.Status), loan.RejectedReason,
		nullTime(loan.ApprovalDate), nullTime(loan.DisbursementDate),
		nullTime(loan.DueDate), nullTime(loan.CompletionDate),
		loan.UpdatedAt, loan.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("loan %s: %w", loan.ID, ErrNotFound)
	}
	return nil
}

// GetAllLoans retrieves all loans, newest application first.
func (s *SQLiteStore) GetAllLoans() ([]*models.Loan, error) {
	rows, err := s.db.Query(`SELECT ` + loanColumns + ` FROM loans ORDER BY application_date DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get all loans: %w", err)
	}
	defer rows.Close()
	return s.scanLoans(rows)
}

// GetLoansByStatus retrieves all loans in any of the given statuses.
func (s *SQLiteStore) GetLoansByStatus(statuses ...models.LoanStatus) ([]*models.Loan, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + loanColumns + ` FROM loans WHERE status IN (?` +
		repeatPlaceholder(len(statuses)-1) + `) ORDER BY application_date DESC`
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get loans by status: %w", err)
	}
	defer rows.Close()
	return s.scanLoans(rows)
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

func (s *SQLiteStore) scanLoans(rows *sql.Rows) ([]*models.Loan, error) {
	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

const installmentColumns = `id, loan_id, installment_number, due_date, principal_amount, interest_amount, total_amount, paid_amount, remaining_amount, status, paid_date, created_at`

// CreateInstallments inserts a loan's schedule in a single transaction so a
// partially written schedule can never be observed.
func (s *SQLiteStore) CreateInstallments(installments []*models.RepaymentSchedule) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO repayment_schedules (` + installmentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare installment insert: %w", err)
	}
	defer stmt.Close()

	for _, inst := range installments {
		_, err := stmt.Exec(
			inst.ID.String(), inst.LoanID.String(), inst.InstallmentNumber, inst.DueDate,
			inst.PrincipalAmount, inst.InterestAmount, inst.TotalAmount,
			inst.PaidAmount, inst.RemainingAmount, string(inst.Status),
			nullTime(inst.PaidDate), inst.CreatedAt,
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("loan %s installment %d: %w", inst.LoanID, inst.InstallmentNumber, ErrDuplicateInstallment)
			}
			return fmt.Errorf("failed to create installment: %w", err)
		}
	}
	return tx.Commit()
}

func scanInstallment(row rowScanner) (*models.RepaymentSchedule, error) {
	var inst models.RepaymentSchedule
	var idStr, loanIDStr, status string
	var paidDate sql.NullTime
	err := row.Scan(
		&idStr, &loanIDStr, &inst.InstallmentNumber, &inst.DueDate,
		&inst.PrincipalAmount, &inst.InterestAmount, &inst.TotalAmount,
		&inst.PaidAmount, &inst.RemainingAmount, &status, &paidDate, &inst.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	inst.ID = uuid.MustParse(idStr)
	inst.LoanID = uuid.MustParse(loanIDStr)
	inst.Status = models.InstallmentStatus(status)
	inst.PaidDate = timePtr(paidDate)
	return &inst, nil
}

// GetInstallment retrieves one installment by (loan, installment number).
func (s *SQLiteStore) GetInstallment(loanID uuid.UUID, installmentNumber int) (*models.RepaymentSchedule, error) {
	row := s.db.QueryRow(
		`SELECT `+installmentColumns+` FROM repayment_schedules WHERE loan_id = ? AND installment_number = ?`,
		loanID.String(), installmentNumber,
	)
	inst, err := scanInstallment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("loan %s installment %d: %w", loanID, installmentNumber, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get installment: %w", err)
	}
	return inst, nil
}

// GetInstallmentsForLoan retrieves a loan's schedule ordered by installment number.
func (s *SQLiteStore) GetInstallmentsForLoan(loanID uuid.UUID) ([]*models.RepaymentSchedule, error) {
	rows, err := s.db.Query(
		`SELECT `+installmentColumns+` FROM repayment_schedules WHERE loan_id = ? ORDER BY installment_number ASC`,
		loanID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get installments for loan %s: %w", loanID, err)
	}
	defer rows.Close()
	return scanInstallments(rows)
}

// CountInstallmentsForLoan returns the number of schedule entries for a loan.
func (s *SQLiteStore) CountInstallmentsForLoan(loanID uuid.UUID) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM repayment_schedules WHERE loan_id = ?`, loanID.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count installments for loan %s: %w", loanID, err)
	}
	return count, nil
}

// UpdateInstallment updates payment tracking fields of an installment.
func (s *SQLiteStore) UpdateInstallment(inst *models.RepaymentSchedule) error {
	result, err := s.db.Exec(
		`UPDATE repayment_schedules SET paid_amount = ?, remaining_amount = ?, status = ?, paid_date = ? WHERE id = ?`,
		inst.PaidAmount, inst.RemainingAmount, string(inst.Status), nullTime(inst.PaidDate), inst.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update installment: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("installment %s: %w", inst.ID, ErrNotFound)
	}
	return nil
}

// GetDueInstallments retrieves pending installments whose due date has passed.
func (s *SQLiteStore) GetDueInstallments(before time.Time) ([]*models.RepaymentSchedule, error) {
	rows, err := s.db.Query(
		`SELECT `+installmentColumns+` FROM repayment_schedules WHERE status = ? AND due_date < ? ORDER BY due_date ASC`,
		string(models.InstallmentStatusPending), before,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get due installments: %w", err)
	}
	defer rows.Close()
	return scanInstallments(rows)
}

func scanInstallments(rows *sql.Rows) ([]*models.RepaymentSchedule, error) {
	var installments []*models.RepaymentSchedule
	for rows.Next() {
		inst, err := scanInstallment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan installment row: %w", err)
		}
		installments = append(installments, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return installments, nil
}

// ApplyPayment writes the mutated installment, the mutated loan and the payment
// record in one transaction. A partial failure leaves nothing applied. Both
// updates carry the caller's prior read in the WHERE clause, so a row changed
// by a concurrent payment matches nothing and the write surfaces ErrConflict
// instead of silently overwriting the other payment's increment.
func (s *SQLiteStore) ApplyPayment(inst *models.RepaymentSchedule, loan *models.Loan, payment *models.Payment, priorPaid, priorBalance decimal.Decimal) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		`UPDATE repayment_schedules SET paid_amount = ?, remaining_amount = ?, status = ?, paid_date = ? WHERE id = ? AND paid_amount = ?`,
		inst.PaidAmount, inst.RemainingAmount, string(inst.Status), nullTime(inst.PaidDate), inst.ID.String(), priorPaid,
	)
	if err != nil {
		return fmt.Errorf("failed to update installment: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	} else if n == 0 {
		return fmt.Errorf("installment %s: %w", inst.ID, ErrConflict)
	}

	result, err = tx.Exec(
		`UPDATE loans SET remaining_balance = ?, status = ?, completion_date = ?, updated_at = ? WHERE id = ? AND remaining_balance = ?`,
		loan.RemainingBalance, string(loan.Status), nullTime(loan.CompletionDate), loan.UpdatedAt, loan.ID.String(), priorBalance,
	)
	if err != nil {
		return fmt.Errorf("failed to update loan balance: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	} else if n == 0 {
		return fmt.Errorf("loan %s: %w", loan.ID, ErrConflict)
	}

	_, err = tx.Exec(
		`INSERT INTO payments (id, loan_id, installment_number, amount, timestamp) VALUES (?, ?, ?, ?, ?)`,
		payment.ID.String(), payment.LoanID.String(), payment.InstallmentNumber, payment.Amount, payment.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create payment record: %w", err)
	}

	return tx.Commit()
}

// GetPaymentsForLoan retrieves all recorded payments for a loan, oldest first.
func (s *SQLiteStore) GetPaymentsForLoan(loanID uuid.UUID) ([]*models.Payment, error) {
	rows, err := s.db.Query(
		`SELECT id, loan_id, installment_number, amount, timestamp FROM payments WHERE loan_id = ? ORDER BY timestamp ASC`,
		loanID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get payments for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		var p models.Payment
		var idStr, loanIDStr string
		if err := rows.Scan(&idStr, &loanIDStr, &p.InstallmentNumber, &p.Amount, &p.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan payment row: %w", err)
		}
		p.ID = uuid.MustParse(idStr)
		p.LoanID = uuid.MustParse(loanIDStr)
		payments = append(payments, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for loan payments: %w", err)
	}
	return payments, nil
}

// UpsertProduct inserts or replaces a loan product by product code.
func (s *SQLiteStore) UpsertProduct(p *models.LoanProduct) error {
	_, err := s.db.Exec(
		`INSERT INTO loan_products (product_code, name, description, min_amount, max_amount, min_tenure, max_tenure, interest_rate, processing_fee, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(product_code) DO UPDATE SET
			name = excluded.name, description = excluded.description,
			min_amount = excluded.min_amount, max_amount = excluded.max_amount,
			min_tenure = excluded.min_tenure, max_tenure = excluded.max_tenure,
			interest_rate = excluded.interest_rate, processing_fee = excluded.processing_fee,
			is_active = excluded.is_active`,
		p.ProductCode, p.Name, p.Description, p.MinAmount, p.MaxAmount,
		p.MinTenure, p.MaxTenure, p.InterestRate, p.ProcessingFee, p.IsActive, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert product %s: %w", p.ProductCode, err)
	}
	return nil
}

// GetProduct retrieves a loan product by its code.
func (s *SQLiteStore) GetProduct(productCode string) (*models.LoanProduct, error) {
	row := s.db.QueryRow(
		`SELECT product_code, name, description, min_amount, max_amount, min_tenure, max_tenure, interest_rate, processing_fee, is_active, created_at FROM loan_products WHERE product_code = ?`,
		productCode,
	)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("product %s: %w", productCode, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return p, nil
}

// GetActiveProducts retrieves all active loan products ordered by name.
func (s *SQLiteStore) GetActiveProducts() ([]*models.LoanProduct, error) {
	rows, err := s.db.Query(
		`SELECT product_code, name, description, min_amount, max_amount, min_tenure, max_tenure, interest_rate, processing_fee, is_active, created_at FROM loan_products WHERE is_active = 1 ORDER BY name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get active products: %w", err)
	}
	defer rows.Close()

	var products []*models.LoanProduct
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product row: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for products: %w", err)
	}
	return products, nil
}

func scanProduct(row rowScanner) (*models.LoanProduct, error) {
	var p models.LoanProduct
	err := row.Scan(
		&p.ProductCode, &p.Name, &p.Description, &p.MinAmount, &p.MaxAmount,
		&p.MinTenure, &p.MaxTenure, &p.InterestRate, &p.ProcessingFee, &p.IsActive, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
