package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DateLayout is the calendar-date format used for due dates, payment dates and storage.
const DateLayout = "2006-01-02"

// Date truncates t to its calendar date at UTC midnight.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type AccountStatus string

const (
	AccountStatusActive AccountStatus = "ACTIVE"
)

type ApplicationStatus string

const (
	ApplicationStatusDraft      ApplicationStatus = "DRAFT"
	ApplicationStatusSanctioned ApplicationStatus = "SANCTIONED"
)

type PaymentStatus string

const (
	PaymentStatusSuccess PaymentStatus = "SUCCESS"
	PaymentStatusFailed  PaymentStatus = "FAILED"
)

// Payment modes seen on the collection side. Other strings are stored as given.
const (
	PaymentModeUPI        = "UPI"
	PaymentModeAutoDebit  = "AUTO_DEBIT"
	PaymentModeNetBanking = "NET_BANKING"
	PaymentModeCash       = "CASH"
)

type RecoveryActionType string

const (
	RecoveryActionCall   RecoveryActionType = "CALL"
	RecoveryActionVisit  RecoveryActionType = "VISIT"
	RecoveryActionLegal  RecoveryActionType = "LEGAL"
	RecoveryActionNotice RecoveryActionType = "NOTICE"
)

// Valid reports whether t is one of the known recovery action types.
func (t RecoveryActionType) Valid() bool {
	switch t {
	case RecoveryActionCall, RecoveryActionVisit, RecoveryActionLegal, RecoveryActionNotice:
		return true
	}
	return false
}

type Customer struct {
	ID        int64     `json:"id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Mobile    string    `json:"mobile_number"`
	CreatedAt time.Time `json:"created_at"`
}

// Name is the display name used on the recovery board.
func (c *Customer) Name() string {
	switch {
	case c.FirstName == "":
		return c.LastName
	case c.LastName == "":
		return c.FirstName
	}
	return c.FirstName + " " + c.LastName
}

// Application is owned by the onboarding side; the core only reads the requested amount.
type Application struct {
	ID              int64             `json:"id"`
	CustomerID      int64             `json:"customer_id"`
	LoanType        string            `json:"loan_type"`
	RequestedAmount *decimal.Decimal  `json:"requested_amount"`
	TenureMonths    int               `json:"tenure_months"`
	Status          ApplicationStatus `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Approval carries the sanctioned terms the schedule is generated from.
type Approval struct {
	ID                int64           `json:"id"`
	ApplicationID     int64           `json:"application_id"`
	InterestRate      decimal.Decimal `json:"interest_rate"` // annual, percent
	TenureMonths      int             `json:"tenure_months"`
	EMIAmount         decimal.Decimal `json:"emi_amount"`
	SanctionGenerated bool            `json:"sanction_generated"`
	CreatedAt         time.Time       `json:"created_at"`
}

type LoanAccount struct {
	ID              int64           `json:"id"`
	ApplicationID   int64           `json:"application_id"`
	AccountNumber   string          `json:"account_number"`
	LoanAmount      decimal.Decimal `json:"loan_amount"`
	PrincipalAmount decimal.Decimal `json:"principal_amount"`
	InterestRate    decimal.Decimal `json:"interest_rate"`
	TenureMonths    int             `json:"tenure_months"`
	EMIAmount       decimal.Decimal `json:"emi_amount"`
	Status          AccountStatus   `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
}

type Disbursement struct {
	ID            int64           `json:"id"`
	Reference     uuid.UUID       `json:"reference"`
	LoanAccountID int64           `json:"loan_account_id"`
	Amount        decimal.Decimal `json:"amount"`
	Date          time.Time       `json:"disbursement_date"`
}

// Installment is one due period of a loan account. Principal, Interest and
// Balance are reduced toward zero by payment allocation; rows are never deleted.
type Installment struct {
	ID            int64           `json:"id"`
	LoanAccountID int64           `json:"loan_account_id"`
	InstallmentNo int             `json:"installment_no"`
	DueDate       time.Time       `json:"due_date"`
	EMI           decimal.Decimal `json:"emi"`
	Principal     decimal.Decimal `json:"principal"`
	Interest      decimal.Decimal `json:"interest"`
	Balance       decimal.Decimal `json:"balance"`
}

// Open reports whether the installment still takes part in allocation.
func (i *Installment) Open() bool {
	return i.Balance.GreaterThan(decimal.Zero)
}

// Due is the amount that fully closes the installment under its current split.
func (i *Installment) Due() decimal.Decimal {
	return i.Principal.Add(i.Interest)
}

type Payment struct {
	ID            int64           `json:"id"`
	Reference     uuid.UUID       `json:"reference"`
	LoanAccountID int64           `json:"loan_account_id"`
	Amount        decimal.Decimal `json:"amount"`
	Date          time.Time       `json:"payment_date"`
	Mode          string          `json:"mode"`
	Status        PaymentStatus   `json:"status"`
}

type RecoveryAction struct {
	ID            int64              `json:"id"`
	LoanAccountID int64              `json:"loan_account_id"`
	Date          time.Time          `json:"action_date"`
	Type          RecoveryActionType `json:"action_type"`
	Remarks       string             `json:"remarks"`
	Officer       string             `json:"officer"`
}
