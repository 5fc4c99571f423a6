package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mcclellann/loanservicing/pkg/apperrors"
	"github.com/mcclellann/loanservicing/pkg/logger"
	"github.com/mcclellann/loanservicing/pkg/models"
	"github.com/mcclellann/loanservicing/pkg/overdue"
	"github.com/mcclellann/loanservicing/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	unknownCustomer   = "Unknown"
	unassignedOfficer = "Unassigned"

	CaseStatusPending    = "Pending"
	CaseStatusInProgress = "In Progress"
)

type OverdueInstallment struct {
	LoanAccountID int64           `json:"loan_account_id"`
	Installment   int             `json:"installment"`
	DueDate       time.Time       `json:"due_date"`
	Balance       decimal.Decimal `json:"balance"`
	DPD           int             `json:"dpd"`
	Bucket        overdue.Bucket  `json:"bucket"`
}

// OverdueInstallments lists every overdue installment across the book.
func (l *Ledger) OverdueInstallments(ctx context.Context) ([]OverdueInstallment, error) {
	var out []OverdueInstallment
	err := l.storage.WithTx(ctx, func(tx store.Tx) error {
		items, err := overdueInstallments(tx, l.today())
		if err != nil {
			return err
		}
		out = make([]OverdueInstallment, 0, len(items))
		for _, item := range items {
			out = append(out, OverdueInstallment{
				LoanAccountID: item.inst.LoanAccountID,
				Installment:   item.inst.InstallmentNo,
				DueDate:       item.inst.DueDate,
				Balance:       item.inst.Balance,
				DPD:           item.class.DPD,
				Bucket:        item.class.Bucket,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type BoardEntry struct {
	LoanAccountID int64           `json:"loan_account_id"`
	Customer      string          `json:"customer"`
	AccountNumber string          `json:"loan_id"`
	Installment   int             `json:"installment"`
	DPD           int             `json:"dpd"`
	OverdueAmount decimal.Decimal `json:"overdue_amount"`
	Bucket        overdue.Bucket  `json:"bucket"`
	Officer       string          `json:"officer"`
	Status        string          `json:"status"`
	LastAction    string          `json:"last_action,omitempty"`
}

type boardAccount struct {
	account  *models.LoanAccount
	customer string
	latest   *models.RecoveryAction
}

// RecoveryBoard joins each overdue installment with its account, customer and
// the latest recovery action taken on the account.
func (l *Ledger) RecoveryBoard(ctx context.Context) ([]BoardEntry, error) {
	var board []BoardEntry
	err := l.storage.WithTx(ctx, func(tx store.Tx) error {
		items, err := overdueInstallments(tx, l.today())
		if err != nil {
			return err
		}

		accounts := make(map[int64]*boardAccount)
		for _, item := range items {
			ba, ok := accounts[item.inst.LoanAccountID]
			if !ok {
				if ba, err = loadBoardAccount(tx, item.inst.LoanAccountID); err != nil {
					return err
				}
				accounts[item.inst.LoanAccountID] = ba
			}
			if ba == nil {
				continue
			}

			entry := BoardEntry{
				LoanAccountID: ba.account.ID,
				Customer:      ba.customer,
				AccountNumber: ba.account.AccountNumber,
				Installment:   item.inst.InstallmentNo,
				DPD:           item.class.DPD,
				OverdueAmount: item.inst.Balance,
				Bucket:        item.class.Bucket,
				Officer:       unassignedOfficer,
				Status:        CaseStatusPending,
			}
			if ba.latest != nil {
				entry.Status = CaseStatusInProgress
				entry.LastAction = string(ba.latest.Type)
				if ba.latest.Officer != "" {
					entry.Officer = ba.latest.Officer
				}
			}
			board = append(board, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return board, nil
}

// loadBoardAccount returns nil when the account row is gone.
func loadBoardAccount(tx store.Tx, accountID int64) (*boardAccount, error) {
	account, err := tx.GetLoanAccount(accountID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	ba := &boardAccount{account: account, customer: unknownCustomer}
	if name, err := customerName(tx, account.ApplicationID); err != nil {
		return nil, err
	} else if name != "" {
		ba.customer = name
	}

	actions, err := tx.GetRecoveryActions(accountID)
	if err != nil {
		return nil, err
	}
	if len(actions) > 0 {
		ba.latest = actions[0]
	}
	return ba, nil
}

func customerName(tx store.Tx, applicationID int64) (string, error) {
	app, err := tx.GetApplication(applicationID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if app.CustomerID == 0 {
		return "", nil
	}
	customer, err := tx.GetCustomer(app.CustomerID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return customer.Name(), nil
}

// LogRecoveryAction records a collection step taken on an account, dated today.
func (l *Ledger) LogRecoveryAction(ctx context.Context, accountID int64, actionType models.RecoveryActionType, remarks, officer string) (*models.RecoveryAction, error) {
	actionType = models.RecoveryActionType(strings.ToUpper(string(actionType)))
	if !actionType.Valid() {
		return nil, fmt.Errorf("unknown recovery action type %q: %w", actionType, apperrors.ErrInvalidInput)
	}

	action := &models.RecoveryAction{
		LoanAccountID: accountID,
		Date:          l.today(),
		Type:          actionType,
		Remarks:       remarks,
		Officer:       officer,
	}
	err := l.storage.WithTx(ctx, func(tx store.Tx) error {
		if _, err := getAccount(tx, accountID); err != nil {
			return err
		}
		return tx.CreateRecoveryAction(action)
	})
	if err != nil {
		return nil, err
	}
	logger.Info("Recovery action logged",
		zap.Int64("loan_account_id", accountID),
		zap.String("action_type", string(actionType)),
		zap.String("officer", officer))
	return action, nil
}

// RecoveryHistory returns the account's recovery actions, newest first.
func (l *Ledger) RecoveryHistory(ctx context.Context, accountID int64) ([]*models.RecoveryAction, error) {
	var actions []*models.RecoveryAction
	err := l.storage.WithTx(ctx, func(tx store.Tx) error {
		if _, err := getAccount(tx, accountID); err != nil {
			return err
		}
		var err error
		actions, err = tx.GetRecoveryActions(accountID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return actions, nil
}
