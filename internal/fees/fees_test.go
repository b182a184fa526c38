package fees

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCompute_StandardTrade(t *testing.T) {
	c := New(d(0.02), d(0.5))

	split, err := c.Compute(d(100), TypeTrade, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !split.FeeCharged.Equal(d(2)) {
		t.Errorf("fee on $100 at 2%% should be $2, got %s", split.FeeCharged)
	}
	if !split.NetAmount.Equal(d(98)) {
		t.Errorf("net should be $98, got %s", split.NetAmount)
	}
	if !split.ReferrerShare.IsZero() {
		t.Errorf("no referrer means zero share, got %s", split.ReferrerShare)
	}
}

func TestCompute_ReferrerShare(t *testing.T) {
	c := New(d(0.02), d(0.5))

	split, err := c.Compute(d(100), TypeTrade, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !split.ReferrerShare.Equal(d(1)) {
		t.Errorf("referrer gets half of $2 fee, got %s", split.ReferrerShare)
	}
}

func TestCompute_FeeRoundsUp(t *testing.T) {
	c := New(d(0.02), d(0.5))

	// 0.00001 * 0.02 = 0.0000002, which rounds up to 0.000001 at six
	// decimal places. Residue goes to the platform, never back to the
	// trader.
	split, err := c.Compute(d(0.00001), TypeTrade, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !split.FeeCharged.Equal(decimal.New(1, -6)) {
		t.Errorf("fractional fee should round up to 0.000001, got %s", split.FeeCharged)
	}
	if !split.FeeCharged.Add(split.NetAmount).Equal(d(0.00001)) {
		t.Errorf("fee + net must equal gross")
	}
}

func TestCompute_ReferrerShareRoundsDown(t *testing.T) {
	c := New(d(0.02), d(0.5))

	// fee = 0.000003, half = 0.0000015 → rounds down to 0.000001 so the
	// payout never exceeds the fee collected.
	split, err := c.Compute(d(0.00015), TypeTrade, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !split.FeeCharged.Equal(decimal.New(3, -6)) {
		t.Fatalf("expected fee 0.000003, got %s", split.FeeCharged)
	}
	if !split.ReferrerShare.Equal(decimal.New(1, -6)) {
		t.Errorf("referrer share should round down to 0.000001, got %s", split.ReferrerShare)
	}
	if split.ReferrerShare.GreaterThan(split.FeeCharged) {
		t.Errorf("referrer share must never exceed the fee")
	}
}

func TestCompute_TypeNone(t *testing.T) {
	c := New(d(0.02), d(0.5))

	split, err := c.Compute(d(100), TypeNone, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !split.FeeCharged.IsZero() {
		t.Errorf("NONE type should charge no fee, got %s", split.FeeCharged)
	}
	if !split.NetAmount.Equal(d(100)) {
		t.Errorf("net should equal gross for NONE, got %s", split.NetAmount)
	}
	if !split.ReferrerShare.IsZero() {
		t.Errorf("zero fee means zero referrer share, got %s", split.ReferrerShare)
	}
}

func TestCompute_ZeroGross(t *testing.T) {
	c := New(d(0.02), d(0.5))

	split, err := c.Compute(decimal.Zero, TypeTrade, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !split.FeeCharged.IsZero() || !split.NetAmount.IsZero() || !split.ReferrerShare.IsZero() {
		t.Errorf("zero gross should split into all zeros, got %+v", split)
	}
}

func TestCompute_NegativeGross(t *testing.T) {
	c := New(d(0.02), d(0.5))

	if _, err := c.Compute(d(-1), TypeTrade, false); err != ErrNegativeAmount {
		t.Errorf("expected ErrNegativeAmount, got %v", err)
	}
}

func TestCompute_ZeroValueCalculatorChargesNothing(t *testing.T) {
	var c Calculator

	split, err := c.Compute(d(100), TypeTrade, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !split.FeeCharged.IsZero() {
		t.Errorf("zero-value calculator should charge nothing, got %s", split.FeeCharged)
	}
}
