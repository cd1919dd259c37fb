package currency

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestMulTokensPer1KPricing(t *testing.T) {
	// $0.01 per 1K tokens, 2500 tokens.
	price := MustParse("0.01")
	got := price.MulTokens(2500)
	if want := MustParse("0.025"); !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestMulTokensNoFloatDrift(t *testing.T) {
	// 0.1 + 0.2 style drift must not appear in per-token math.
	price := MustParse("0.003")
	var total Amount
	for i := 0; i < 1000; i++ {
		total = total.Add(price.MulTokens(1))
	}
	if want := MustParse("0.003"); !total.Equal(want) {
		t.Fatalf("expected %s after 1000 single-token sums, got %s", want, total)
	}
}

func TestMicrosRoundTrip(t *testing.T) {
	a := MustParse("0.025")
	if got := a.Micros(); got != 25000 {
		t.Fatalf("expected 25000 micros, got %d", got)
	}
	back := FromMicros(25000)
	if !back.Equal(a) {
		t.Fatalf("expected %s, got %s", a, back)
	}
}

func TestMicrosRoundsHalfUp(t *testing.T) {
	a := MustParse("0.0000005")
	if got := a.Micros(); got != 1 {
		t.Fatalf("expected 1 micro, got %d", got)
	}
}

func TestCeilInt64(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"4.692", 5},
		{"4.0", 4},
		{"0.0001", 1},
		{"0", 0},
	}
	for _, tc := range cases {
		if got := MustParse(tc.in).CeilInt64(); got != tc.want {
			t.Fatalf("ceil(%s): expected %d, got %d", tc.in, tc.want, got)
		}
	}
}

func TestFromStringRejectsGarbage(t *testing.T) {
	if _, err := FromString("not-a-number"); err == nil {
		t.Fatal("expected error for non-numeric input")
	}
}

func TestMulByDecimal(t *testing.T) {
	a := MustParse("0.025")
	got := a.Mul(decimal.RequireFromString("1.5"))
	if want := MustParse("0.0375"); !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}
