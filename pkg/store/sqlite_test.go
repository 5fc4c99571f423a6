package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanservicing/pkg/apperrors"
	"github.com/mcclellann/loanservicing/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "loans.db"), 5000)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// seedAccount stores an application, its approval and an account with a
// three-row schedule, returning the account.
func seedAccount(t *testing.T, s *SQLiteStore, number string) *models.LoanAccount {
	t.Helper()
	var account *models.LoanAccount
	err := s.WithTx(context.Background(), func(tx Tx) error {
		amount := d("300")
		app := &models.Application{RequestedAmount: &amount, TenureMonths: 3, Status: models.ApplicationStatusSanctioned, CreatedAt: time.Now()}
		if err := tx.CreateApplication(app); err != nil {
			return err
		}
		account = &models.LoanAccount{
			ApplicationID:   app.ID,
			AccountNumber:   number,
			LoanAmount:      amount,
			PrincipalAmount: amount,
			InterestRate:    d("0"),
			TenureMonths:    3,
			EMIAmount:       d("100"),
			Status:          models.AccountStatusActive,
			CreatedAt:       time.Now(),
		}
		if err := tx.CreateLoanAccount(account); err != nil {
			return err
		}
		rows := []models.Installment{
			{InstallmentNo: 1, DueDate: date(2025, 2, 28), EMI: d("100"), Principal: d("100"), Interest: d("0"), Balance: d("200")},
			{InstallmentNo: 2, DueDate: date(2025, 3, 31), EMI: d("100"), Principal: d("100"), Interest: d("0"), Balance: d("100")},
			{InstallmentNo: 3, DueDate: date(2025, 4, 30), EMI: d("100"), Principal: d("100"), Interest: d("0"), Balance: d("0")},
		}
		return tx.CreateInstallments(account.ID, rows)
	})
	require.NoError(t, err)
	return account
}

func date(y int, m time.Month, day int) time.Time {
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

func TestSQLiteStore_CustomerAndApplicationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx Tx) error {
		c := &models.Customer{FirstName: "Asha", LastName: "Rao", Mobile: "9800000001", CreatedAt: time.Now()}
		require.NoError(t, tx.CreateCustomer(c))

		got, err := tx.GetCustomer(c.ID)
		require.NoError(t, err)
		assert.Equal(t, "Asha Rao", got.Name())
		assert.Equal(t, "9800000001", got.Mobile)

		dup := &models.Customer{FirstName: "Other", Mobile: "9800000001", CreatedAt: time.Now()}
		assert.ErrorIs(t, tx.CreateCustomer(dup), apperrors.ErrConflict)

		amount := d("125000.50")
		app := &models.Application{CustomerID: c.ID, LoanType: "HOME", RequestedAmount: &amount, TenureMonths: 24, Status: models.ApplicationStatusDraft, CreatedAt: time.Now()}
		require.NoError(t, tx.CreateApplication(app))

		gotApp, err := tx.GetApplication(app.ID)
		require.NoError(t, err)
		require.NotNil(t, gotApp.RequestedAmount)
		assert.True(t, gotApp.RequestedAmount.Equal(amount))
		assert.Equal(t, c.ID, gotApp.CustomerID)
		assert.Equal(t, models.ApplicationStatusDraft, gotApp.Status)

		require.NoError(t, tx.UpdateApplicationStatus(app.ID, models.ApplicationStatusSanctioned))
		gotApp, err = tx.GetApplication(app.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ApplicationStatusSanctioned, gotApp.Status)

		blank := &models.Application{Status: models.ApplicationStatusDraft, CreatedAt: time.Now()}
		require.NoError(t, tx.CreateApplication(blank))
		gotBlank, err := tx.GetApplication(blank.ID)
		require.NoError(t, err)
		assert.Nil(t, gotBlank.RequestedAmount)
		assert.Zero(t, gotBlank.CustomerID)
		return nil
	})
	require.NoError(t, err)
}

func TestSQLiteStore_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.WithTx(context.Background(), func(tx Tx) error {
		_, err := tx.GetCustomer(1)
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
		_, err = tx.GetApplication(1)
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
		_, err = tx.GetApprovalForApplication(1)
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
		_, err = tx.GetLoanAccount(1)
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
		_, err = tx.GetLoanAccountByApplication(1)
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
		assert.ErrorIs(t, tx.UpdateApplicationStatus(1, models.ApplicationStatusDraft), apperrors.ErrNotFound)
		assert.ErrorIs(t, tx.UpdateInstallment(&models.Installment{ID: 1}), apperrors.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestSQLiteStore_SaveApprovalUpserts(t *testing.T) {
	s := newTestStore(t)
	err := s.WithTx(context.Background(), func(tx Tx) error {
		app := &models.Application{Status: models.ApplicationStatusDraft, CreatedAt: time.Now()}
		require.NoError(t, tx.CreateApplication(app))

		first := &models.Approval{ApplicationID: app.ID, InterestRate: d("12.5"), TenureMonths: 12, EMIAmount: d("8908.33"), SanctionGenerated: true, CreatedAt: time.Now()}
		require.NoError(t, tx.SaveApproval(first))

		second := &models.Approval{ApplicationID: app.ID, InterestRate: d("11"), TenureMonths: 10, EMIAmount: d("523.12"), SanctionGenerated: true, CreatedAt: time.Now()}
		require.NoError(t, tx.SaveApproval(second))
		assert.Equal(t, first.ID, second.ID)

		got, err := tx.GetApprovalForApplication(app.ID)
		require.NoError(t, err)
		assert.Equal(t, 10, got.TenureMonths)
		assert.True(t, got.InterestRate.Equal(d("11")))
		assert.True(t, got.EMIAmount.Equal(d("523.12")))
		assert.True(t, got.SanctionGenerated)
		return nil
	})
	require.NoError(t, err)
}

func TestSQLiteStore_LoanAccountUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	account := seedAccount(t, s, "LN100001")

	err := s.WithTx(ctx, func(tx Tx) error {
		again := *account
		again.ID = 0
		again.AccountNumber = "LN100002"
		return tx.CreateLoanAccount(&again)
	})
	assert.ErrorIs(t, err, ErrDuplicateApplication)
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	err = s.WithTx(ctx, func(tx Tx) error {
		app := &models.Application{Status: models.ApplicationStatusSanctioned, CreatedAt: time.Now()}
		if err := tx.CreateApplication(app); err != nil {
			return err
		}
		other := *account
		other.ID = 0
		other.ApplicationID = app.ID
		return tx.CreateLoanAccount(&other)
	})
	assert.ErrorIs(t, err, ErrDuplicateAccountNumber)
	assert.False(t, errors.Is(err, ErrDuplicateApplication))

	err = s.WithTx(ctx, func(tx Tx) error {
		got, err := tx.GetLoanAccountByApplication(account.ApplicationID)
		require.NoError(t, err)
		assert.Equal(t, "LN100001", got.AccountNumber)
		assert.True(t, got.EMIAmount.Equal(d("100")))

		n, err := tx.CountLoanAccounts(models.AccountStatusActive)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return nil
	})
	require.NoError(t, err)
}

func TestSQLiteStore_InstallmentsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	account := seedAccount(t, s, "LN100001")

	err := s.WithTx(context.Background(), func(tx Tx) error {
		rows, err := tx.GetInstallments(account.ID)
		require.NoError(t, err)
		require.Len(t, rows, 3)
		for i, row := range rows {
			assert.Equal(t, i+1, row.InstallmentNo)
			assert.Equal(t, account.ID, row.LoanAccountID)
		}
		assert.Equal(t, date(2025, 3, 31), rows[1].DueDate)
		assert.True(t, rows[0].Balance.Equal(d("200")))

		rows[0].Principal = decimal.Zero
		rows[0].Interest = decimal.Zero
		rows[0].Balance = decimal.Zero
		require.NoError(t, tx.UpdateInstallment(rows[0]))

		total, err := tx.TotalOutstanding()
		require.NoError(t, err)
		assert.True(t, total.Equal(d("100")), "outstanding %s", total)

		due, err := tx.GetInstallmentsDueBefore(date(2025, 3, 31))
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, 1, due[0].InstallmentNo)
		assert.True(t, due[0].Due().IsZero())
		return nil
	})
	require.NoError(t, err)
}

func TestSQLiteStore_DecimalPrecisionSurvives(t *testing.T) {
	s := newTestStore(t)
	account := seedAccount(t, s, "LN100001")
	ctx := context.Background()

	amounts := []string{"0.10", "0.20", "1234567890.01"}
	err := s.WithTx(ctx, func(tx Tx) error {
		for _, a := range amounts {
			p := &models.Payment{Reference: uuid.New(), LoanAccountID: account.ID, Amount: d(a), Date: date(2025, 3, 1), Mode: models.PaymentModeUPI, Status: models.PaymentStatusSuccess}
			if err := tx.CreatePayment(p); err != nil {
				return err
			}
		}
		failed := &models.Payment{Reference: uuid.New(), LoanAccountID: account.ID, Amount: d("999"), Date: date(2025, 3, 1), Mode: models.PaymentModeCash, Status: models.PaymentStatusFailed}
		return tx.CreatePayment(failed)
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx Tx) error {
		total, err := tx.TotalCollected()
		require.NoError(t, err)
		assert.Equal(t, "1234567890.31", total.StringFixed(2))

		all, err := tx.GetRecentPayments(account.ID, 10)
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.True(t, all[3].Amount.Equal(d("0.10")))
		assert.Equal(t, date(2025, 3, 1), all[3].Date)

		recent, err := tx.GetRecentPayments(account.ID, 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, models.PaymentStatusFailed, recent[0].Status)
		assert.True(t, recent[1].Amount.Equal(d("1234567890.01")))
		return nil
	})
	require.NoError(t, err)
}

func TestSQLiteStore_RollbackOnError(t *testing.T) {
	s := newTestStore(t)
	account := seedAccount(t, s, "LN100001")
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx Tx) error {
		rows, err := tx.GetInstallments(account.ID)
		require.NoError(t, err)
		rows[0].Balance = decimal.Zero
		require.NoError(t, tx.UpdateInstallment(rows[0]))
		require.NoError(t, tx.UpdateApplicationStatus(account.ApplicationID, models.ApplicationStatusDraft))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = s.WithTx(ctx, func(tx Tx) error {
		rows, err := tx.GetInstallments(account.ID)
		require.NoError(t, err)
		assert.True(t, rows[0].Balance.Equal(d("200")))
		app, err := tx.GetApplication(account.ApplicationID)
		require.NoError(t, err)
		assert.Equal(t, models.ApplicationStatusSanctioned, app.Status)
		return nil
	})
	require.NoError(t, err)
}

func TestSQLiteStore_RollbackOnPanic(t *testing.T) {
	s := newTestStore(t)
	account := seedAccount(t, s, "LN100001")
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = s.WithTx(ctx, func(tx Tx) error {
			_ = tx.UpdateApplicationStatus(account.ApplicationID, models.ApplicationStatusDraft)
			panic("mid-transaction")
		})
	})

	err := s.WithTx(ctx, func(tx Tx) error {
		app, err := tx.GetApplication(account.ApplicationID)
		require.NoError(t, err)
		assert.Equal(t, models.ApplicationStatusSanctioned, app.Status)
		return nil
	})
	require.NoError(t, err)
}

func TestSQLiteStore_RecoveryActionsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	account := seedAccount(t, s, "LN100001")

	err := s.WithTx(context.Background(), func(tx Tx) error {
		require.NoError(t, tx.CreateRecoveryAction(&models.RecoveryAction{LoanAccountID: account.ID, Date: date(2025, 3, 5), Type: models.RecoveryActionCall, Officer: "Ravi"}))
		require.NoError(t, tx.CreateRecoveryAction(&models.RecoveryAction{LoanAccountID: account.ID, Date: date(2025, 3, 9), Type: models.RecoveryActionVisit, Remarks: "met at home", Officer: "Meena"}))

		actions, err := tx.GetRecoveryActions(account.ID)
		require.NoError(t, err)
		require.Len(t, actions, 2)
		assert.Equal(t, models.RecoveryActionVisit, actions[0].Type)
		assert.Equal(t, "met at home", actions[0].Remarks)
		assert.Equal(t, date(2025, 3, 9), actions[0].Date)
		assert.Equal(t, models.RecoveryActionCall, actions[1].Type)
		return nil
	})
	require.NoError(t, err)
}

// Read-modify-write transactions on the same rows must serialize; a lost
// update would leave the balance above zero.
func TestSQLiteStore_ConcurrentWritersSerialize(t *testing.T) {
	s := newTestStore(t)
	account := seedAccount(t, s, "LN100001")
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.WithTx(ctx, func(tx Tx) error {
				rows, err := tx.GetInstallments(account.ID)
				if err != nil {
					return err
				}
				rows[0].Balance = rows[0].Balance.Sub(d("25"))
				return tx.UpdateInstallment(rows[0])
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	err := s.WithTx(ctx, func(tx Tx) error {
		rows, err := tx.GetInstallments(account.ID)
		require.NoError(t, err)
		assert.True(t, rows[0].Balance.IsZero(), "balance %s", rows[0].Balance)
		return nil
	})
	require.NoError(t, err)
}
