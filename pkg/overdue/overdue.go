package overdue

import (
	"time"

	"github.com/mcclellann/loanservicing/pkg/models"
	"github.com/shopspring/decimal"
)

type Bucket string

const (
	Bucket1To30  Bucket = "DPD 1-30"
	Bucket31To60 Bucket = "DPD 31-60"
	Bucket60Plus Bucket = "DPD 60+"
)

type Classification struct {
	DPD    int    `json:"dpd"`
	Bucket Bucket `json:"bucket"`
}

// Classify reports how far past due an installment is. ok is false when the
// installment is settled (balance <= 0) or not yet due (dueDate >= today).
func Classify(dueDate, today time.Time, balance decimal.Decimal) (c Classification, ok bool) {
	if !balance.IsPositive() {
		return Classification{}, false
	}
	dpd := DaysBetween(dueDate, today)
	if dpd <= 0 {
		return Classification{}, false
	}
	return Classification{DPD: dpd, Bucket: BucketFor(dpd)}, true
}

// BucketFor maps a positive days-past-due count to its bucket.
func BucketFor(dpd int) Bucket {
	switch {
	case dpd <= 30:
		return Bucket1To30
	case dpd <= 60:
		return Bucket31To60
	default:
		return Bucket60Plus
	}
}

// DaysBetween counts calendar days from a to b; negative when b is before a.
func DaysBetween(a, b time.Time) int {
	return int(models.Date(b).Sub(models.Date(a)).Hours() / 24)
}
