package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/strategos/errs"
	"github.com/coachpo/strategos/internal/domain/schema"
	"github.com/coachpo/strategos/internal/numeric"
)

func wallet(free, reserved, placed string) schema.Wallet {
	return schema.Wallet{
		AccountID: "acct",
		Free:      numeric.MustParse(free),
		Reserved:  numeric.MustParse(reserved),
		Placed:    numeric.MustParse(placed),
	}
}

func requireBuckets(t *testing.T, w schema.Wallet, free, reserved, placed string) {
	t.Helper()
	require.Equal(t, free, numeric.Format(w.Free), "free")
	require.Equal(t, reserved, numeric.Format(w.Reserved), "reserved")
	require.Equal(t, placed, numeric.Format(w.Placed), "placed")
}

func TestBucketMoves(t *testing.T) {
	w := wallet("1000", "0", "0")

	w, err := Reserve(w, numeric.MustParse("300"))
	require.NoError(t, err)
	requireBuckets(t, w, "700.00000000", "300.00000000", "0.00000000")

	w, err = Place(w, numeric.MustParse("200"))
	require.NoError(t, err)
	requireBuckets(t, w, "700.00000000", "100.00000000", "200.00000000")

	w, err = ReleaseReserved(w, numeric.MustParse("100"))
	require.NoError(t, err)
	requireBuckets(t, w, "800.00000000", "0.00000000", "200.00000000")

	w, err = ReleasePlaced(w, numeric.MustParse("200"))
	require.NoError(t, err)
	requireBuckets(t, w, "1000.00000000", "0.00000000", "0.00000000")
}

func TestInsufficientFreeReportsDetails(t *testing.T) {
	w := wallet("0", "0", "0")
	out, err := Reserve(w, numeric.MustParse("10"))
	require.Error(t, err)
	require.True(t, errs.IsCode(err, errs.CodeInsufficientBalance))

	var envelope *errs.E
	require.ErrorAs(t, err, &envelope)
	require.Equal(t, "free", envelope.Detail("bucket"))
	require.Equal(t, "10.00000000", envelope.Detail("requested"))
	require.Equal(t, "0.00000000", envelope.Detail("available"))
	requireBuckets(t, out, "0.00000000", "0.00000000", "0.00000000")
}

func TestFailedOperationLeavesWalletUnchanged(t *testing.T) {
	w := wallet("5", "1", "2")
	for name, op := range map[string]func() (schema.Wallet, error){
		"place":            func() (schema.Wallet, error) { return Place(w, numeric.MustParse("2")) },
		"release reserved": func() (schema.Wallet, error) { return ReleaseReserved(w, numeric.MustParse("2")) },
		"release placed":   func() (schema.Wallet, error) { return ReleasePlaced(w, numeric.MustParse("3")) },
		"withdraw":         func() (schema.Wallet, error) { return Withdraw(w, numeric.MustParse("6")) },
		"charge":           func() (schema.Wallet, error) { return ChargeReserved(w, numeric.MustParse("1.5")) },
		"settle":           func() (schema.Wallet, error) { return Settle(w, numeric.MustParse("3"), numeric.MustParse("1")) },
	} {
		out, err := op()
		require.True(t, errs.IsCode(err, errs.CodeInsufficientBalance), name)
		requireBuckets(t, out, "5.00000000", "1.00000000", "2.00000000")
	}
}

func TestNonPositiveAmountsAreValidationErrors(t *testing.T) {
	w := wallet("5", "0", "0")
	_, err := Reserve(w, numeric.MustParse("0"))
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
	_, err = Deposit(w, numeric.MustParse("-1"))
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
	_, err = Settle(w, numeric.MustParse("0"), numeric.MustParse("0"))
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
	_, err = Settle(w, numeric.MustParse("-1"), numeric.MustParse("1"))
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestDepositWithdraw(t *testing.T) {
	w := wallet("0", "0", "0")
	w, err := Deposit(w, numeric.MustParse("12.5"))
	require.NoError(t, err)
	w, err = Withdraw(w, numeric.MustParse("2.5"))
	require.NoError(t, err)
	requireBuckets(t, w, "10.00000000", "0.00000000", "0.00000000")
}

func TestSettleRealizesProfit(t *testing.T) {
	w := wallet("0", "0", "100")
	w, err := Settle(w, numeric.MustParse("100"), numeric.MustParse("110"))
	require.NoError(t, err)
	requireBuckets(t, w, "110.00000000", "0.00000000", "0.00000000")
}

func TestChargeReservedRemovesFee(t *testing.T) {
	w := wallet("0", "10", "0")
	w, err := ChargeReserved(w, numeric.MustParse("0.25"))
	require.NoError(t, err)
	requireBuckets(t, w, "0.00000000", "9.75000000", "0.00000000")
	require.Equal(t, "9.75000000", numeric.Format(w.Total()))
}
