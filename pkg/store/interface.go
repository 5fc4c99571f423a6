package store

import (
	"context"
	"fmt"
	"time"

	"github.com/mcclellann/loanservicing/pkg/apperrors"
	"github.com/mcclellann/loanservicing/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	ErrDuplicateApplication   = fmt.Errorf("loan account for application already exists: %w", apperrors.ErrConflict)
	ErrDuplicateAccountNumber = fmt.Errorf("account number already taken: %w", apperrors.ErrConflict)
)

// Storage hands out transaction-scoped handles. WithTx commits when fn
// returns nil and rolls back otherwise; writes made through tx are visible
// to other transactions only after commit.
type Storage interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Tx is the unit of work every ledger operation runs against.
type Tx interface {
	CreateCustomer(c *models.Customer) error
	GetCustomer(id int64) (*models.Customer, error)

	CreateApplication(app *models.Application) error
	GetApplication(id int64) (*models.Application, error)
	UpdateApplicationStatus(id int64, status models.ApplicationStatus) error

	// SaveApproval inserts or replaces the approval for approval.ApplicationID.
	SaveApproval(approval *models.Approval) error
	GetApprovalForApplication(applicationID int64) (*models.Approval, error)

	CreateLoanAccount(account *models.LoanAccount) error
	GetLoanAccount(id int64) (*models.LoanAccount, error)
	GetLoanAccountByApplication(applicationID int64) (*models.LoanAccount, error)
	CountLoanAccounts(status models.AccountStatus) (int, error)

	CreateDisbursement(d *models.Disbursement) error

	// CreateInstallments inserts the rows and sets their IDs and LoanAccountID.
	CreateInstallments(accountID int64, rows []models.Installment) error
	// GetInstallments returns all installments of the account by installment_no.
	GetInstallments(accountID int64) ([]*models.Installment, error)
	UpdateInstallment(inst *models.Installment) error
	// GetInstallmentsDueBefore returns installments of every account with due_date < day.
	GetInstallmentsDueBefore(day time.Time) ([]*models.Installment, error)
	TotalOutstanding() (decimal.Decimal, error)

	CreatePayment(p *models.Payment) error
	GetRecentPayments(accountID int64, limit int) ([]*models.Payment, error)
	TotalCollected() (decimal.Decimal, error)

	CreateRecoveryAction(a *models.RecoveryAction) error
	// GetRecoveryActions returns the account's actions newest first.
	GetRecoveryActions(accountID int64) ([]*models.RecoveryAction, error)
}
