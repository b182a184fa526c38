package risk

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckTradeAmount(t *testing.T) {
	l := NewLimiter(decimal.Zero, d(500))

	if err := l.CheckTradeAmount(d(500)); err != nil {
		t.Errorf("trade at the cap should pass, got %v", err)
	}
	if err := l.CheckTradeAmount(d(500.01)); err != ErrTradeSizeExceeded {
		t.Errorf("expected ErrTradeSizeExceeded, got %v", err)
	}
}

func TestCheckBuy(t *testing.T) {
	l := NewLimiter(d(1000), decimal.Zero)

	if err := l.CheckBuy(d(900), d(100)); err != nil {
		t.Errorf("holding at the cap should pass, got %v", err)
	}
	if err := l.CheckBuy(d(900), d(100.5)); err != ErrMarketLimitExceeded {
		t.Errorf("expected ErrMarketLimitExceeded, got %v", err)
	}
}

func TestDisabledCaps(t *testing.T) {
	l := NewLimiter(decimal.Zero, decimal.Zero)

	if err := l.CheckTradeAmount(d(1e12)); err != nil {
		t.Errorf("zero cap should disable the trade check, got %v", err)
	}
	if err := l.CheckBuy(d(1e12), d(1e12)); err != nil {
		t.Errorf("zero cap should disable the exposure check, got %v", err)
	}
}

func TestNilLimiter(t *testing.T) {
	var l *Limiter

	if err := l.CheckTradeAmount(d(100)); err != nil {
		t.Errorf("nil limiter should allow everything, got %v", err)
	}
	if err := l.CheckBuy(d(100), d(100)); err != nil {
		t.Errorf("nil limiter should allow everything, got %v", err)
	}
}
