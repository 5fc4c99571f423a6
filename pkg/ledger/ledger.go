package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanservicing/pkg/apperrors"
	"github.com/mcclellann/loanservicing/pkg/logger"
	"github.com/mcclellann/loanservicing/pkg/models"
	"github.com/mcclellann/loanservicing/pkg/schedule"
	"github.com/mcclellann/loanservicing/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxAccountNumberAttempts = 10

var (
	ErrAccountNotFound        = fmt.Errorf("loan account %w", apperrors.ErrNotFound)
	ErrApplicationNotFound    = fmt.Errorf("application %w", apperrors.ErrNotFound)
	ErrApprovalNotFound       = fmt.Errorf("approval %w", apperrors.ErrNotFound)
	ErrRequestedAmountMissing = fmt.Errorf("requested amount missing in application: %w", apperrors.ErrInvalidInput)
)

// Ledger runs the loan servicing operations. Every operation is one
// transaction against the Storage; the Ledger itself keeps no account state.
type Ledger struct {
	storage          store.Storage
	now              func() time.Time
	loc              *time.Location
	newAccountNumber func() string
}

type Option func(*Ledger)

// WithClock overrides the time source used for "today".
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLocation sets the timezone whose calendar day counts as today.
func WithLocation(loc *time.Location) Option {
	return func(l *Ledger) { l.loc = loc }
}

// WithAccountNumbers overrides the account number generator.
func WithAccountNumbers(gen func() string) Option {
	return func(l *Ledger) { l.newAccountNumber = gen }
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, opts ...Option) *Ledger {
	l := &Ledger{
		storage:          s,
		now:              time.Now,
		loc:              time.UTC,
		newAccountNumber: randomAccountNumber,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// randomAccountNumber draws an "LN" + 6 digit number. Uniqueness is enforced by
// the store; collisions are retried at activation.
func randomAccountNumber() string {
	return fmt.Sprintf("LN%06d", 100000+rand.Intn(900000))
}

func (l *Ledger) today() time.Time {
	return models.Date(l.now().In(l.loc))
}

// Activation is the result of ActivateAccount.
type Activation struct {
	Account       *models.LoanAccount `json:"account"`
	Created       bool                `json:"created"`
	ScheduleCount int                 `json:"schedule_count"`
}

// ActivateAccount turns a sanctioned application into a loan account: it mints
// the account number, records the disbursement of the requested amount and
// stores the EMI schedule, all in one transaction. If the application already
// has an account, that account is returned with Created false and nothing is written.
func (l *Ledger) ActivateAccount(ctx context.Context, applicationID int64) (*Activation, error) {
	act, err := l.activate(ctx, applicationID)
	if errors.Is(err, store.ErrDuplicateApplication) {
		// A concurrent activation committed first.
		act, err = l.activate(ctx, applicationID)
	}
	if err != nil {
		return nil, err
	}

	if act.Created {
		logger.Info("Loan account activated",
			zap.Int64("application_id", applicationID),
			zap.Int64("loan_account_id", act.Account.ID),
			zap.String("account_number", act.Account.AccountNumber),
			zap.Int("schedule_count", act.ScheduleCount))
	} else {
		logger.Info("Loan already disbursed",
			zap.Int64("application_id", applicationID),
			zap.String("account_number", act.Account.AccountNumber))
	}
	return act, nil
}

func (l *Ledger) activate(ctx context.Context, applicationID int64) (*Activation, error) {
	var act *Activation
	err := l.storage.WithTx(ctx, func(tx store.Tx) error {
		app, err := tx.GetApplication(applicationID)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				return fmt.Errorf("%w: %d", ErrApplicationNotFound, applicationID)
			}
			return err
		}
		if app.RequestedAmount == nil {
			return fmt.Errorf("%w: application %d", ErrRequestedAmountMissing, applicationID)
		}

		approval, err := tx.GetApprovalForApplication(applicationID)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				return fmt.Errorf("%w: application %d", ErrApprovalNotFound, applicationID)
			}
			return err
		}

		existing, err := tx.GetLoanAccountByApplication(applicationID)
		switch {
		case err == nil:
			rows, err := tx.GetInstallments(existing.ID)
			if err != nil {
				return err
			}
			act = &Activation{Account: existing, ScheduleCount: len(rows)}
			return nil
		case !errors.Is(err, apperrors.ErrNotFound):
			return err
		}

		amount := *app.RequestedAmount
		if err := schedule.Validate(amount, approval.InterestRate, approval.TenureMonths, approval.EMIAmount); err != nil {
			return err
		}

		today := l.today()
		account := &models.LoanAccount{
			ApplicationID:   applicationID,
			LoanAmount:      amount,
			PrincipalAmount: amount,
			InterestRate:    approval.InterestRate,
			TenureMonths:    approval.TenureMonths,
			EMIAmount:       approval.EMIAmount,
			Status:          models.AccountStatusActive,
			CreatedAt:       l.now(),
		}
		if err := l.createWithUniqueNumber(tx, account); err != nil {
			return err
		}

		disbursement := &models.Disbursement{
			Reference:     uuid.New(),
			LoanAccountID: account.ID,
			Amount:        amount,
			Date:          today,
		}
		if err := tx.CreateDisbursement(disbursement); err != nil {
			return fmt.Errorf("failed to store disbursement: %w", err)
		}

		rows := schedule.Generate(amount, approval.InterestRate, approval.TenureMonths, approval.EMIAmount, today)
		if periods := schedule.NegativePrincipalPeriods(rows); len(periods) > 0 {
			logger.Warn("EMI does not cover period interest; schedule carries negative principal",
				zap.Int64("application_id", applicationID),
				zap.String("emi", approval.EMIAmount.String()),
				zap.Ints("installments", periods))
		}
		if err := tx.CreateInstallments(account.ID, rows); err != nil {
			return fmt.Errorf("failed to store schedule: %w", err)
		}

		act = &Activation{Account: account, Created: true, ScheduleCount: len(rows)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return act, nil
}

func (l *Ledger) createWithUniqueNumber(tx store.Tx, account *models.LoanAccount) error {
	var err error
	for attempt := 0; attempt < maxAccountNumberAttempts; attempt++ {
		account.AccountNumber = l.newAccountNumber()
		err = tx.CreateLoanAccount(account)
		if !errors.Is(err, store.ErrDuplicateAccountNumber) {
			return err
		}
		logger.Debug("Account number collision, retrying", zap.String("account_number", account.AccountNumber))
	}
	return fmt.Errorf("no free account number after %d attempts: %w", maxAccountNumberAttempts, err)
}

// PaymentResult is the result of PostPayment.
type PaymentResult struct {
	Payment   *models.Payment `json:"payment"`
	Allocated decimal.Decimal `json:"allocated"`
	Excess    decimal.Decimal `json:"excess"`
}

// PostPayment records a successful payment of amount and allocates it across
// the account's open installments oldest first. The payment is recorded for
// the full amount even when part of it is left over as excess. The account
// status is left as is.
func (l *Ledger) PostPayment(ctx context.Context, accountID int64, amount decimal.Decimal, mode string) (*PaymentResult, error) {
	var result *PaymentResult
	err := l.storage.WithTx(ctx, func(tx store.Tx) error {
		if _, err := getAccount(tx, accountID); err != nil {
			return err
		}

		installments, err := tx.GetInstallments(accountID)
		if err != nil {
			return err
		}

		alloc := Allocate(installments, amount)
		for _, inst := range alloc.Touched {
			if err := tx.UpdateInstallment(inst); err != nil {
				return fmt.Errorf("failed to update installment %d: %w", inst.InstallmentNo, err)
			}
		}

		payment := &models.Payment{
			Reference:     uuid.New(),
			LoanAccountID: accountID,
			Amount:        amount,
			Date:          l.today(),
			Mode:          mode,
			Status:        models.PaymentStatusSuccess,
		}
		if err := tx.CreatePayment(payment); err != nil {
			return fmt.Errorf("failed to store payment: %w", err)
		}

		result = &PaymentResult{Payment: payment, Allocated: alloc.Allocated, Excess: alloc.Excess}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Payment posted",
		zap.Int64("loan_account_id", accountID),
		zap.String("reference", result.Payment.Reference.String()),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("allocated", result.Allocated.StringFixed(2)),
		zap.String("mode", mode))
	if result.Excess.IsPositive() {
		logger.Warn("Payment exceeds open installments; excess left unallocated",
			zap.Int64("loan_account_id", accountID),
			zap.String("excess", result.Excess.StringFixed(2)))
	}
	return result, nil
}

// RecordApproval stores the sanctioned terms for an application and marks it SANCTIONED.
// Calling it again replaces the terms.
func (l *Ledger) RecordApproval(ctx context.Context, applicationID int64, annualRate decimal.Decimal, tenureMonths int, emi decimal.Decimal) (*models.Approval, error) {
	var approval *models.Approval
	err := l.storage.WithTx(ctx, func(tx store.Tx) error {
		app, err := tx.GetApplication(applicationID)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				return fmt.Errorf("%w: %d", ErrApplicationNotFound, applicationID)
			}
			return err
		}
		if app.RequestedAmount == nil {
			return fmt.Errorf("%w: application %d", ErrRequestedAmountMissing, applicationID)
		}
		if err := schedule.Validate(*app.RequestedAmount, annualRate, tenureMonths, emi); err != nil {
			return err
		}

		approval = &models.Approval{
			ApplicationID:     applicationID,
			InterestRate:      annualRate,
			TenureMonths:      tenureMonths,
			EMIAmount:         emi,
			SanctionGenerated: true,
			CreatedAt:         l.now(),
		}
		if err := tx.SaveApproval(approval); err != nil {
			return err
		}
		return tx.UpdateApplicationStatus(applicationID, models.ApplicationStatusSanctioned)
	})
	if err != nil {
		return nil, err
	}
	logger.Info("Sanction generated", zap.Int64("application_id", applicationID))
	return approval, nil
}

// RegisterCustomer stores a customer record handed over by onboarding.
func (l *Ledger) RegisterCustomer(ctx context.Context, c *models.Customer) error {
	if c.FirstName == "" {
		return fmt.Errorf("first name is required: %w", apperrors.ErrInvalidInput)
	}
	c.CreatedAt = l.now()
	return l.storage.WithTx(ctx, func(tx store.Tx) error {
		return tx.CreateCustomer(c)
	})
}

// SubmitApplication stores a loan application handed over by onboarding.
func (l *Ledger) SubmitApplication(ctx context.Context, app *models.Application) error {
	if app.RequestedAmount != nil && !app.RequestedAmount.IsPositive() {
		return fmt.Errorf("requested amount must be positive: %w", apperrors.ErrInvalidInput)
	}
	if app.Status == "" {
		app.Status = models.ApplicationStatusDraft
	}
	app.CreatedAt = l.now()
	return l.storage.WithTx(ctx, func(tx store.Tx) error {
		if app.CustomerID != 0 {
			if _, err := tx.GetCustomer(app.CustomerID); err != nil {
				return err
			}
		}
		return tx.CreateApplication(app)
	})
}

// GetAccount returns the loan account and its installments.
func (l *Ledger) GetAccount(ctx context.Context, accountID int64) (*models.LoanAccount, []*models.Installment, error) {
	var account *models.LoanAccount
	var installments []*models.Installment
	err := l.storage.WithTx(ctx, func(tx store.Tx) error {
		var err error
		if account, err = getAccount(tx, accountID); err != nil {
			return err
		}
		installments, err = tx.GetInstallments(accountID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return account, installments, nil
}

func getAccount(tx store.Tx, accountID int64) (*models.LoanAccount, error) {
	account, err := tx.GetLoanAccount(accountID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrAccountNotFound, accountID)
		}
		return nil, err
	}
	return account, nil
}
