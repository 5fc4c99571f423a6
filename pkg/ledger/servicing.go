package ledger

import (
	"context"
	"time"

	"github.com/mcclellann/loanservicing/pkg/models"
	"github.com/mcclellann/loanservicing/pkg/overdue"
	"github.com/mcclellann/loanservicing/pkg/store"
	"github.com/shopspring/decimal"
)

const recentPaymentsLimit = 10

var hundred = decimal.NewFromInt(100)

type Dashboard struct {
	ActiveLoans      int             `json:"active_loans"`
	TotalOutstanding decimal.Decimal `json:"total_outstanding"`
	TotalCollected   decimal.Decimal `json:"total_collected"`
	CollectionRate   decimal.Decimal `json:"collection_rate"`
}

// Dashboard summarizes the book. Collection rate is collected over
// collected plus outstanding, as a percentage.
func (l *Ledger) Dashboard(ctx context.Context) (*Dashboard, error) {
	var d Dashboard
	err := l.storage.WithTx(ctx, func(tx store.Tx) error {
		var err error
		if d.ActiveLoans, err = tx.CountLoanAccounts(models.AccountStatusActive); err != nil {
			return err
		}
		if d.TotalOutstanding, err = tx.TotalOutstanding(); err != nil {
			return err
		}
		d.TotalCollected, err = tx.TotalCollected()
		return err
	})
	if err != nil {
		return nil, err
	}

	d.CollectionRate = decimal.Zero
	if payable := d.TotalCollected.Add(d.TotalOutstanding); !payable.IsZero() {
		d.CollectionRate = d.TotalCollected.Div(payable).Mul(hundred).Round(2)
	}
	return &d, nil
}

type BucketTotals struct {
	DPD1To30  decimal.Decimal `json:"dpd_1_30"`
	DPD31To60 decimal.Decimal `json:"dpd_31_60"`
	DPD60Plus decimal.Decimal `json:"dpd_60_plus"`
}

func (b *BucketTotals) add(bucket overdue.Bucket, amount decimal.Decimal) {
	switch bucket {
	case overdue.Bucket1To30:
		b.DPD1To30 = b.DPD1To30.Add(amount)
	case overdue.Bucket31To60:
		b.DPD31To60 = b.DPD31To60.Add(amount)
	case overdue.Bucket60Plus:
		b.DPD60Plus = b.DPD60Plus.Add(amount)
	}
}

// OverdueBuckets sums outstanding balances of overdue installments per DPD bucket.
func (l *Ledger) OverdueBuckets(ctx context.Context) (*BucketTotals, error) {
	totals := &BucketTotals{DPD1To30: decimal.Zero, DPD31To60: decimal.Zero, DPD60Plus: decimal.Zero}
	err := l.storage.WithTx(ctx, func(tx store.Tx) error {
		items, err := overdueInstallments(tx, l.today())
		if err != nil {
			return err
		}
		for _, item := range items {
			totals.add(item.class.Bucket, item.inst.Balance)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return totals, nil
}

type TimelineStatus string

const (
	TimelinePaid     TimelineStatus = "PAID"
	TimelineOverdue  TimelineStatus = "OVERDUE"
	TimelineUpcoming TimelineStatus = "UPCOMING"
)

type TimelineEntry struct {
	Installment int             `json:"installment"`
	DueDate     time.Time       `json:"due_date"`
	EMI         decimal.Decimal `json:"emi"`
	Balance     decimal.Decimal `json:"balance"`
	Status      TimelineStatus  `json:"status"`
}

// Timeline lists the account's installments with their repayment status.
func (l *Ledger) Timeline(ctx context.Context, accountID int64) ([]TimelineEntry, error) {
	var timeline []TimelineEntry
	err := l.storage.WithTx(ctx, func(tx store.Tx) error {
		if _, err := getAccount(tx, accountID); err != nil {
			return err
		}
		installments, err := tx.GetInstallments(accountID)
		if err != nil {
			return err
		}

		today := l.today()
		timeline = make([]TimelineEntry, 0, len(installments))
		for _, inst := range installments {
			timeline = append(timeline, TimelineEntry{
				Installment: inst.InstallmentNo,
				DueDate:     inst.DueDate,
				EMI:         inst.EMI,
				Balance:     inst.Balance,
				Status:      timelineStatus(inst, today),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return timeline, nil
}

// A row the allocator closed has no principal or interest left. Any other row
// is overdue once its due date has passed, whatever its balance.
func timelineStatus(inst *models.Installment, today time.Time) TimelineStatus {
	if inst.Due().IsZero() {
		return TimelinePaid
	}
	if models.Date(inst.DueDate).Before(today) {
		return TimelineOverdue
	}
	return TimelineUpcoming
}

// RecentPayments returns the account's latest payments, newest first.
func (l *Ledger) RecentPayments(ctx context.Context, accountID int64) ([]*models.Payment, error) {
	var payments []*models.Payment
	err := l.storage.WithTx(ctx, func(tx store.Tx) error {
		if _, err := getAccount(tx, accountID); err != nil {
			return err
		}
		var err error
		payments, err = tx.GetRecentPayments(accountID, recentPaymentsLimit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return payments, nil
}

type overdueItem struct {
	inst  *models.Installment
	class overdue.Classification
}

func overdueInstallments(tx store.Tx, today time.Time) ([]overdueItem, error) {
	candidates, err := tx.GetInstallmentsDueBefore(today)
	if err != nil {
		return nil, err
	}
	var items []overdueItem
	for _, inst := range candidates {
		if c, ok := overdue.Classify(inst.DueDate, today, inst.Balance); ok {
			items = append(items, overdueItem{inst: inst, class: c})
		}
	}
	return items, nil
}
