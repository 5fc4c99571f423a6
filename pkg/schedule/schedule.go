package schedule

import (
	"fmt"
	"time"

	"github.com/mcclellann/loanservicing/pkg/apperrors"
	"github.com/mcclellann/loanservicing/pkg/models"
	"github.com/shopspring/decimal"
)

// MaxTenureMonths caps a schedule at fifty years.
const MaxTenureMonths = 600

var (
	ErrInvalidScheduleInput = fmt.Errorf("schedule: %w", apperrors.ErrInvalidInput)

	monthsInYear = decimal.NewFromInt(12)
	hundred      = decimal.NewFromInt(100)
)

// Generate builds the flat EMI schedule: each period's interest is charged on
// the running balance before that period's reduction and principal is whatever
// is left of the fixed EMI. Principal goes negative when the EMI does not cover
// the period interest; only the balance is floored at zero. The schedule always
// has tenureMonths rows, due one to tenureMonths calendar months after start.
//
// Generate does not validate its inputs; see Validate.
func Generate(principal, annualRate decimal.Decimal, tenureMonths int, emi decimal.Decimal, start time.Time) []models.Installment {
	if tenureMonths <= 0 {
		return nil
	}

	r := annualRate.Div(monthsInYear).Div(hundred)
	balance := principal
	start = models.Date(start)

	rows := make([]models.Installment, 0, tenureMonths)
	for i := 1; i <= tenureMonths; i++ {
		interest := balance.Mul(r)
		p := emi.Sub(interest)
		balance = balance.Sub(p)
		if balance.IsNegative() {
			balance = decimal.Zero
		}

		rows = append(rows, models.Installment{
			InstallmentNo: i,
			DueDate:       AddMonths(start, i),
			EMI:           emi.Round(2),
			Principal:     p.Round(2),
			Interest:      interest.Round(2),
			Balance:       balance.Round(2),
		})
	}
	return rows
}

// Validate rejects terms that would produce a meaningless schedule.
func Validate(principal, annualRate decimal.Decimal, tenureMonths int, emi decimal.Decimal) error {
	switch {
	case !principal.IsPositive():
		return fmt.Errorf("%w: principal must be positive, got %s", ErrInvalidScheduleInput, principal)
	case annualRate.IsNegative():
		return fmt.Errorf("%w: annual rate must not be negative, got %s", ErrInvalidScheduleInput, annualRate)
	case tenureMonths <= 0:
		return fmt.Errorf("%w: tenure must be positive, got %d", ErrInvalidScheduleInput, tenureMonths)
	case tenureMonths > MaxTenureMonths:
		return fmt.Errorf("%w: tenure must not exceed %d months, got %d", ErrInvalidScheduleInput, MaxTenureMonths, tenureMonths)
	case !emi.IsPositive():
		return fmt.Errorf("%w: emi must be positive, got %s", ErrInvalidScheduleInput, emi)
	}
	return nil
}

// NegativePrincipalPeriods lists the installment numbers whose principal
// component is below zero, i.e. the EMI did not cover that period's interest.
func NegativePrincipalPeriods(rows []models.Installment) []int {
	var periods []int
	for _, row := range rows {
		if row.Principal.IsNegative() {
			periods = append(periods, row.InstallmentNo)
		}
	}
	return periods
}

// AddMonths moves t forward by n calendar months, clamping the day to the end
// of the target month (Jan 31 + 1 month is Feb 28/29, not Mar 3).
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(first.Year(), first.Month(), t.Location()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
