package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/mcclellann/loanservicing/pkg/apperrors"
	"github.com/mcclellann/loanservicing/pkg/logger"
	"github.com/mcclellann/loanservicing/pkg/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SQLiteStore manages the database connection for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at path and initializes the schema.
// Transactions BEGIN IMMEDIATE, so each one holds the write lock from its
// first statement; concurrent writers queue for up to busyTimeoutMs.
func NewSQLiteStore(path string, busyTimeoutMs int) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=%d&_foreign_keys=on&_journal_mode=WAL", path, busyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	logger.Info("Database connection established and schema initialized", zap.String("path", path))
	return s, nil
}

// initSchema creates the tables if they don't already exist.
// Money is stored as TEXT so no precision is lost; dates are YYYY-MM-DD TEXT.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS customers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		first_name TEXT NOT NULL,
		last_name TEXT NOT NULL DEFAULT '',
		mobile_number TEXT UNIQUE,
		created_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS loan_applications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		customer_id INTEGER REFERENCES customers(id),
		loan_type TEXT NOT NULL DEFAULT '',
		requested_amount TEXT,
		tenure_months INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS loan_approvals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		application_id INTEGER NOT NULL UNIQUE REFERENCES loan_applications(id),
		interest_rate TEXT NOT NULL,
		tenure_months INTEGER NOT NULL,
		emi_amount TEXT NOT NULL,
		sanction_generated INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS loan_accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		application_id INTEGER NOT NULL UNIQUE REFERENCES loan_applications(id),
		account_number TEXT NOT NULL UNIQUE,
		loan_amount TEXT NOT NULL,
		principal_amount TEXT NOT NULL,
		interest_rate TEXT NOT NULL,
		tenure_months INTEGER NOT NULL,
		emi_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS disbursements (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		reference TEXT NOT NULL UNIQUE,
		loan_account_id INTEGER NOT NULL REFERENCES loan_accounts(id),
		amount TEXT NOT NULL,
		disbursement_date TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS emi_schedules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		loan_account_id INTEGER NOT NULL REFERENCES loan_accounts(id),
		installment_no INTEGER NOT NULL,
		due_date TEXT NOT NULL,
		emi TEXT NOT NULL,
		principal TEXT NOT NULL,
		interest TEXT NOT NULL,
		balance TEXT NOT NULL,
		UNIQUE (loan_account_id, installment_no)
	);
	CREATE INDEX IF NOT EXISTS idx_emi_schedules_due_date ON emi_schedules(due_date);
	CREATE TABLE IF NOT EXISTS payments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		reference TEXT NOT NULL UNIQUE,
		loan_account_id INTEGER NOT NULL REFERENCES loan_accounts(id),
		amount TEXT NOT NULL,
		payment_date TEXT NOT NULL,
		mode TEXT NOT NULL,
		status TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS recovery_actions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		loan_account_id INTEGER NOT NULL REFERENCES loan_accounts(id),
		action_date TEXT NOT NULL,
		action_type TEXT NOT NULL,
		remarks TEXT NOT NULL DEFAULT '',
		officer TEXT NOT NULL DEFAULT ''
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// WithTx runs fn inside one database transaction.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			sqlTx.Rollback()
		}
	}()

	if err = fn(&sqliteTx{tx: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteTx struct {
	tx *sql.Tx
}

func formatDate(t time.Time) string {
	return t.Format(models.DateLayout)
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(models.DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored date %q: %w", s, err)
	}
	return t, nil
}

// uniqueViolation reports whether err is a UNIQUE constraint failure on column (table.column).
func uniqueViolation(err error, column string) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) || sqliteErr.ExtendedCode != sqlite3.ErrConstraintUnique {
		return false
	}
	return strings.Contains(sqliteErr.Error(), column)
}

func notFound(err error, what string, id int64) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", what, id, apperrors.ErrNotFound)
	}
	return fmt.Errorf("failed to get %s %d: %w", what, id, err)
}

func checkAffected(result sql.Result, what string, id int64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, apperrors.ErrNotFound)
	}
	return nil
}

func (t *sqliteTx) CreateCustomer(c *models.Customer) error {
	var mobile sql.NullString
	if c.Mobile != "" {
		mobile = sql.NullString{String: c.Mobile, Valid: true}
	}
	res, err := t.tx.Exec(
		`INSERT INTO customers (first_name, last_name, mobile_number, created_at) VALUES (?, ?, ?, ?)`,
		c.FirstName, c.LastName, mobile, c.CreatedAt,
	)
	if err != nil {
		if uniqueViolation(err, "customers.mobile_number") {
			return fmt.Errorf("mobile number %s already registered: %w", c.Mobile, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to create customer: %w", err)
	}
	c.ID, err = res.LastInsertId()
	return err
}

func (t *sqliteTx) GetCustomer(id int64) (*models.Customer, error) {
	var c models.Customer
	var mobile sql.NullString
	err := t.tx.QueryRow(`SELECT id, first_name, last_name, mobile_number, created_at FROM customers WHERE id = ?`, id).
		Scan(&c.ID, &c.FirstName, &c.LastName, &mobile, &c.CreatedAt)
	if err != nil {
		return nil, notFound(err, "customer", id)
	}
	c.Mobile = mobile.String
	return &c, nil
}

func (t *sqliteTx) CreateApplication(app *models.Application) error {
	var amount decimal.NullDecimal
	if app.RequestedAmount != nil {
		amount = decimal.NewNullDecimal(*app.RequestedAmount)
	}
	var customerID sql.NullInt64
	if app.CustomerID != 0 {
		customerID = sql.NullInt64{Int64: app.CustomerID, Valid: true}
	}
	res, err := t.tx.Exec(
		`INSERT INTO loan_applications (customer_id, loan_type, requested_amount, tenure_months, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		customerID, app.LoanType, amount, app.TenureMonths, app.Status, app.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	app.ID, err = res.LastInsertId()
	return err
}

func (t *sqliteTx) GetApplication(id int64) (*models.Application, error) {
	var app models.Application
	var amount decimal.NullDecimal
	var customerID sql.NullInt64
	err := t.tx.QueryRow(`SELECT id, customer_id, loan_type, requested_amount, tenure_months, status, created_at FROM loan_applications WHERE id = ?`, id).
		Scan(&app.ID, &customerID, &app.LoanType, &amount, &app.TenureMonths, &app.Status, &app.CreatedAt)
	if err != nil {
		return nil, notFound(err, "application", id)
	}
	app.CustomerID = customerID.Int64
	if amount.Valid {
		app.RequestedAmount = &amount.Decimal
	}
	return &app, nil
}

func (t *sqliteTx) UpdateApplicationStatus(id int64, status models.ApplicationStatus) error {
	res, err := t.tx.Exec(`UPDATE loan_applications SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update application status: %w", err)
	}
	return checkAffected(res, "application", id)
}

func (t *sqliteTx) SaveApproval(a *models.Approval) error {
	err := t.tx.QueryRow(
		`INSERT INTO loan_approvals (application_id, interest_rate, tenure_months, emi_amount, sanction_generated, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(application_id) DO UPDATE SET
			interest_rate = excluded.interest_rate,
			tenure_months = excluded.tenure_months,
			emi_amount = excluded.emi_amount,
			sanction_generated = excluded.sanction_generated
		RETURNING id`,
		a.ApplicationID, a.InterestRate, a.TenureMonths, a.EMIAmount, a.SanctionGenerated, a.CreatedAt,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("failed to save approval: %w", err)
	}
	return nil
}

func (t *sqliteTx) GetApprovalForApplication(applicationID int64) (*models.Approval, error) {
	var a models.Approval
	err := t.tx.QueryRow(`SELECT id, application_id, interest_rate, tenure_months, emi_amount, sanction_generated, created_at FROM loan_approvals WHERE application_id = ?`, applicationID).
		Scan(&a.ID, &a.ApplicationID, &a.InterestRate, &a.TenureMonths, &a.EMIAmount, &a.SanctionGenerated, &a.CreatedAt)
	if err != nil {
		return nil, notFound(err, "approval for application", applicationID)
	}
	return &a, nil
}

const loanAccountColumns = `id, application_id, account_number, loan_amount, principal_amount, interest_rate, tenure_months, emi_amount, status, created_at`

func scanLoanAccount(row interface{ Scan(...any) error }) (*models.LoanAccount, error) {
	var a models.LoanAccount
	err := row.Scan(&a.ID, &a.ApplicationID, &a.AccountNumber, &a.LoanAmount, &a.PrincipalAmount, &a.InterestRate, &a.TenureMonths, &a.EMIAmount, &a.Status, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (t *sqliteTx) CreateLoanAccount(a *models.LoanAccount) error {
	res, err := t.tx.Exec(
		`INSERT INTO loan_accounts (application_id, account_number, loan_amount, principal_amount, interest_rate, tenure_months, emi_amount, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ApplicationID, a.AccountNumber, a.LoanAmount, a.PrincipalAmount, a.InterestRate, a.TenureMonths, a.EMIAmount, a.Status, a.CreatedAt,
	)
	if err != nil {
		switch {
		case uniqueViolation(err, "loan_accounts.application_id"):
			return ErrDuplicateApplication
		case uniqueViolation(err, "loan_accounts.account_number"):
			return ErrDuplicateAccountNumber
		}
		return fmt.Errorf("failed to create loan account: %w", err)
	}
	a.ID, err = res.LastInsertId()
	return err
}

func (t *sqliteTx) GetLoanAccount(id int64) (*models.LoanAccount, error) {
	a, err := scanLoanAccount(t.tx.QueryRow(`SELECT `+loanAccountColumns+` FROM loan_accounts WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "loan account", id)
	}
	return a, nil
}

func (t *sqliteTx) GetLoanAccountByApplication(applicationID int64) (*models.LoanAccount, error) {
	a, err := scanLoanAccount(t.tx.QueryRow(`SELECT `+loanAccountColumns+` FROM loan_accounts WHERE application_id = ?`, applicationID))
	if err != nil {
		return nil, notFound(err, "loan account for application", applicationID)
	}
	return a, nil
}

func (t *sqliteTx) CountLoanAccounts(status models.AccountStatus) (int, error) {
	var n int
	if err := t.tx.QueryRow(`SELECT COUNT(*) FROM loan_accounts WHERE status = ?`, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count loan accounts: %w", err)
	}
	return n, nil
}

func (t *sqliteTx) CreateDisbursement(d *models.Disbursement) error {
	res, err := t.tx.Exec(
		`INSERT INTO disbursements (reference, loan_account_id, amount, disbursement_date) VALUES (?, ?, ?, ?)`,
		d.Reference.String(), d.LoanAccountID, d.Amount, formatDate(d.Date),
	)
	if err != nil {
		return fmt.Errorf("failed to create disbursement: %w", err)
	}
	d.ID, err = res.LastInsertId()
	return err
}

const installmentColumns = `id, loan_account_id, installment_no, due_date, emi, principal, interest, balance`

func (t *sqliteTx) CreateInstallments(accountID int64, rows []models.Installment) error {
	stmt, err := t.tx.Prepare(`INSERT INTO emi_schedules (loan_account_id, installment_no, due_date, emi, principal, interest, balance) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare installment insert: %w", err)
	}
	defer stmt.Close()

	for i := range rows {
		row := &rows[i]
		res, err := stmt.Exec(accountID, row.InstallmentNo, formatDate(row.DueDate), row.EMI, row.Principal, row.Interest, row.Balance)
		if err != nil {
			return fmt.Errorf("failed to insert installment %d: %w", row.InstallmentNo, err)
		}
		if row.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		row.LoanAccountID = accountID
	}
	return nil
}

func (t *sqliteTx) queryInstallments(query string, args ...any) ([]*models.Installment, error) {
	rows, err := t.tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query installments: %w", err)
	}
	defer rows.Close()

	var out []*models.Installment
	for rows.Next() {
		var inst models.Installment
		var due string
		if err := rows.Scan(&inst.ID, &inst.LoanAccountID, &inst.InstallmentNo, &due, &inst.EMI, &inst.Principal, &inst.Interest, &inst.Balance); err != nil {
			return nil, fmt.Errorf("failed to scan installment row: %w", err)
		}
		if inst.DueDate, err = parseDate(due); err != nil {
			return nil, err
		}
		out = append(out, &inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during installment rows iteration: %w", err)
	}
	return out, nil
}

func (t *sqliteTx) GetInstallments(accountID int64) ([]*models.Installment, error) {
	return t.queryInstallments(`SELECT `+installmentColumns+` FROM emi_schedules WHERE loan_account_id = ? ORDER BY installment_no ASC`, accountID)
}

func (t *sqliteTx) GetInstallmentsDueBefore(day time.Time) ([]*models.Installment, error) {
	return t.queryInstallments(`SELECT `+installmentColumns+` FROM emi_schedules WHERE due_date < ? ORDER BY loan_account_id ASC, installment_no ASC`, formatDate(day))
}

func (t *sqliteTx) UpdateInstallment(inst *models.Installment) error {
	res, err := t.tx.Exec(`UPDATE emi_schedules SET principal = ?, interest = ?, balance = ? WHERE id = ?`,
		inst.Principal, inst.Interest, inst.Balance, inst.ID)
	if err != nil {
		return fmt.Errorf("failed to update installment: %w", err)
	}
	return checkAffected(res, "installment", inst.ID)
}

// sumColumn adds TEXT decimals in Go; SQLite's SUM would go through REAL.
func (t *sqliteTx) sumColumn(query string, args ...any) (decimal.Decimal, error) {
	rows, err := t.tx.Query(query, args...)
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var v decimal.Decimal
		if err := rows.Scan(&v); err != nil {
			return decimal.Zero, err
		}
		total = total.Add(v)
	}
	return total, rows.Err()
}

func (t *sqliteTx) TotalOutstanding() (decimal.Decimal, error) {
	total, err := t.sumColumn(`SELECT balance FROM emi_schedules`)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum outstanding balance: %w", err)
	}
	return total, nil
}

func (t *sqliteTx) CreatePayment(p *models.Payment) error {
	res, err := t.tx.Exec(
		`INSERT INTO payments (reference, loan_account_id, amount, payment_date, mode, status) VALUES (?, ?, ?, ?, ?, ?)`,
		p.Reference.String(), p.LoanAccountID, p.Amount, formatDate(p.Date), p.Mode, p.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	p.ID, err = res.LastInsertId()
	return err
}

func (t *sqliteTx) queryPayments(query string, args ...any) ([]*models.Payment, error) {
	rows, err := t.tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var out []*models.Payment
	for rows.Next() {
		var p models.Payment
		var ref, day string
		if err := rows.Scan(&p.ID, &ref, &p.LoanAccountID, &p.Amount, &day, &p.Mode, &p.Status); err != nil {
			return nil, fmt.Errorf("failed to scan payment row: %w", err)
		}
		if p.Reference, err = uuid.Parse(ref); err != nil {
			return nil, fmt.Errorf("invalid stored payment reference %q: %w", ref, err)
		}
		if p.Date, err = parseDate(day); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during payment rows iteration: %w", err)
	}
	return out, nil
}

func (t *sqliteTx) GetRecentPayments(accountID int64, limit int) ([]*models.Payment, error) {
	return t.queryPayments(`SELECT id, reference, loan_account_id, amount, payment_date, mode, status FROM payments WHERE loan_account_id = ? ORDER BY id DESC LIMIT ?`, accountID, limit)
}

func (t *sqliteTx) TotalCollected() (decimal.Decimal, error) {
	total, err := t.sumColumn(`SELECT amount FROM payments WHERE status = ?`, models.PaymentStatusSuccess)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum collected payments: %w", err)
	}
	return total, nil
}

func (t *sqliteTx) CreateRecoveryAction(a *models.RecoveryAction) error {
	res, err := t.tx.Exec(
		`INSERT INTO recovery_actions (loan_account_id, action_date, action_type, remarks, officer) VALUES (?, ?, ?, ?, ?)`,
		a.LoanAccountID, formatDate(a.Date), a.Type, a.Remarks, a.Officer,
	)
	if err != nil {
		return fmt.Errorf("failed to create recovery action: %w", err)
	}
	a.ID, err = res.LastInsertId()
	return err
}

func (t *sqliteTx) GetRecoveryActions(accountID int64) ([]*models.RecoveryAction, error) {
	rows, err := t.tx.Query(`SELECT id, loan_account_id, action_date, action_type, remarks, officer FROM recovery_actions WHERE loan_account_id = ? ORDER BY id DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query recovery actions: %w", err)
	}
	defer rows.Close()

	var out []*models.RecoveryAction
	for rows.Next() {
		var a models.RecoveryAction
		var day string
		if err := rows.Scan(&a.ID, &a.LoanAccountID, &day, &a.Type, &a.Remarks, &a.Officer); err != nil {
			return nil, fmt.Errorf("failed to scan recovery action row: %w", err)
		}
		if a.Date, err = parseDate(day); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during recovery action rows iteration: %w", err)
	}
	return out, nil
}
