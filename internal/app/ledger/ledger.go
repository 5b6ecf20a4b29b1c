// Package ledger implements the three-bucket wallet ledger.
//
// Every operation is a pure function from a wallet to a new wallet; it either
// applies completely or fails with an errs.CodeInsufficientBalance envelope naming
// the bucket, the requested amount and the available balance.
package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/strategos/errs"
	"github.com/coachpo/strategos/internal/domain/schema"
	"github.com/coachpo/strategos/internal/numeric"
)

const component = "ledger"

// Bucket names a wallet balance bucket.
type Bucket string

const (
	BucketFree     Bucket = "free"
	BucketReserved Bucket = "reserved"
	BucketPlaced   Bucket = "placed"
)

func requirePositive(op string, amount decimal.Decimal) error {
	if !numeric.Positive(amount) {
		return errs.Validation(component, op+" amount must be positive",
			errs.WithDetail("amount", numeric.Format(amount)))
	}
	return nil
}

func insufficient(bucket Bucket, requested, available decimal.Decimal) error {
	return errs.InsufficientBalance(component, string(bucket), numeric.Format(requested), numeric.Format(available))
}

func debit(w *schema.Wallet, bucket Bucket, amount decimal.Decimal) error {
	target := bucketOf(w, bucket)
	if target.LessThan(amount) {
		return insufficient(bucket, amount, *target)
	}
	*target = numeric.Round(target.Sub(amount))
	return nil
}

func credit(w *schema.Wallet, bucket Bucket, amount decimal.Decimal) {
	target := bucketOf(w, bucket)
	*target = numeric.Round(target.Add(amount))
}

func bucketOf(w *schema.Wallet, bucket Bucket) *decimal.Decimal {
	switch bucket {
	case BucketReserved:
		return &w.Reserved
	case BucketPlaced:
		return &w.Placed
	default:
		return &w.Free
	}
}

func move(w schema.Wallet, op string, from, to Bucket, amount decimal.Decimal) (schema.Wallet, error) {
	amount = numeric.Round(amount)
	if err := requirePositive(op, amount); err != nil {
		return w, err
	}
	if err := debit(&w, from, amount); err != nil {
		return w, err
	}
	credit(&w, to, amount)
	return w, nil
}

// Reserve moves amount from free to reserved.
func Reserve(w schema.Wallet, amount decimal.Decimal) (schema.Wallet, error) {
	return move(w, "reserve", BucketFree, BucketReserved, amount)
}

// Place moves amount from reserved to placed.
func Place(w schema.Wallet, amount decimal.Decimal) (schema.Wallet, error) {
	return move(w, "place", BucketReserved, BucketPlaced, amount)
}

// ReleaseReserved moves amount from reserved back to free.
func ReleaseReserved(w schema.Wallet, amount decimal.Decimal) (schema.Wallet, error) {
	return move(w, "release reserved", BucketReserved, BucketFree, amount)
}

// ReleasePlaced moves amount from placed back to free.
func ReleasePlaced(w schema.Wallet, amount decimal.Decimal) (schema.Wallet, error) {
	return move(w, "release placed", BucketPlaced, BucketFree, amount)
}

// Deposit credits free.
func Deposit(w schema.Wallet, amount decimal.Decimal) (schema.Wallet, error) {
	amount = numeric.Round(amount)
	if err := requirePositive("deposit", amount); err != nil {
		return w, err
	}
	credit(&w, BucketFree, amount)
	return w, nil
}

// Withdraw debits free.
func Withdraw(w schema.Wallet, amount decimal.Decimal) (schema.Wallet, error) {
	amount = numeric.Round(amount)
	if err := requirePositive("withdraw", amount); err != nil {
		return w, err
	}
	if err := debit(&w, BucketFree, amount); err != nil {
		return w, err
	}
	return w, nil
}

// ChargeReserved removes amount from reserved without crediting another bucket.
// Fees paid out of a BUY reservation leave the wallet this way.
func ChargeReserved(w schema.Wallet, amount decimal.Decimal) (schema.Wallet, error) {
	amount = numeric.Round(amount)
	if err := requirePositive("charge reserved", amount); err != nil {
		return w, err
	}
	if err := debit(&w, BucketReserved, amount); err != nil {
		return w, err
	}
	return w, nil
}

// Settle closes committed cost basis out of placed and credits proceeds to free.
// The difference between the two is the realized result of a SELL fill net of fees.
func Settle(w schema.Wallet, committed, proceeds decimal.Decimal) (schema.Wallet, error) {
	committed = numeric.Round(committed)
	proceeds = numeric.Round(proceeds)
	if committed.Sign() < 0 || proceeds.Sign() < 0 {
		return w, errs.Validation(component, "settle amounts must not be negative",
			errs.WithDetail("committed", numeric.Format(committed)),
			errs.WithDetail("proceeds", numeric.Format(proceeds)))
	}
	if committed.IsZero() && proceeds.IsZero() {
		return w, errs.Validation(component, "settle requires a non-zero amount")
	}
	if err := debit(&w, BucketPlaced, committed); err != nil {
		return w, err
	}
	credit(&w, BucketFree, proceeds)
	return w, nil
}
