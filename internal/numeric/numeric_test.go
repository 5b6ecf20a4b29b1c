package numeric

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestFormatPadsToScale(t *testing.T) {
	if got := Format(decimal.NewFromInt(5)); got != "5.00000000" {
		t.Fatalf("unexpected format %q", got)
	}
	if got := Format(MustParse("-0.1")); got != "-0.10000000" {
		t.Fatalf("unexpected negative format %q", got)
	}
}

func TestParseRoundsToScale(t *testing.T) {
	d, ok := Parse(" 1.123456789 ")
	if !ok {
		t.Fatalf("expected parse success")
	}
	if Format(d) != "1.12345679" {
		t.Fatalf("expected rounding to 8 digits, got %s", Format(d))
	}
	if _, ok := Parse("abc"); ok {
		t.Fatalf("expected parse failure")
	}
	if _, ok := Parse(""); ok {
		t.Fatalf("expected parse failure on empty input")
	}
}

func TestMulRounds(t *testing.T) {
	got := Mul(MustParse("0.33333333"), decimal.NewFromInt(3))
	if Format(got) != "0.99999999" {
		t.Fatalf("unexpected product %s", Format(got))
	}
}

func TestMinAndPositive(t *testing.T) {
	a, b := MustParse("1"), MustParse("2")
	if !Min(a, b).Equal(a) || !Min(b, a).Equal(a) {
		t.Fatalf("unexpected min")
	}
	if Positive(decimal.Zero) || !Positive(a) {
		t.Fatalf("unexpected positivity")
	}
}

