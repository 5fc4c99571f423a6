package ledger

import (
	"sort"

	"github.com/mcclellann/loanservicing/pkg/models"
	"github.com/shopspring/decimal"
)

// Allocation is the outcome of applying one payment across an account's installments.
type Allocation struct {
	Allocated decimal.Decimal
	Excess    decimal.Decimal
	// Touched holds the installments whose amounts changed, in allocation order.
	Touched []*models.Installment
}

// Allocate applies amount to the open installments (balance > 0) oldest
// installment_no first, mutating them in place. An installment is closed
// outright when the remaining amount covers its current principal+interest;
// otherwise only its balance is reduced and the split is left as it was.
// Whatever is left after the last open installment is reported as Excess.
func Allocate(installments []*models.Installment, amount decimal.Decimal) Allocation {
	open := make([]*models.Installment, 0, len(installments))
	for _, inst := range installments {
		if inst.Open() {
			open = append(open, inst)
		}
	}
	sort.SliceStable(open, func(i, j int) bool {
		return open[i].InstallmentNo < open[j].InstallmentNo
	})

	remaining := amount
	var touched []*models.Installment
	for _, inst := range open {
		if !remaining.IsPositive() {
			break
		}

		due := inst.Due()
		if remaining.GreaterThanOrEqual(due) {
			inst.Principal = decimal.Zero
			inst.Interest = decimal.Zero
			inst.Balance = decimal.Zero
			remaining = remaining.Sub(due)
		} else {
			inst.Balance = inst.Balance.Sub(remaining)
			remaining = decimal.Zero
		}
		touched = append(touched, inst)
	}

	return Allocation{
		Allocated: amount.Sub(remaining),
		Excess:    remaining,
		Touched:   touched,
	}
}
