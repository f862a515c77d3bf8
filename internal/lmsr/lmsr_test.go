package lmsr

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// --- Constructor tests ---

func TestNewMaker_Valid(t *testing.T) {
	m, err := NewMaker(d(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.B().Equal(d(100)) {
		t.Errorf("expected b=100, got %s", m.B())
	}
}

func TestNewMaker_ZeroB(t *testing.T) {
	_, err := NewMaker(d(0))
	if err != ErrInvalidLiquidity {
		t.Errorf("expected ErrInvalidLiquidity for b=0, got %v", err)
	}
}

func TestNewMaker_NegativeB(t *testing.T) {
	_, err := NewMaker(d(-50))
	if err != ErrInvalidLiquidity {
		t.Errorf("expected ErrInvalidLiquidity for b=-50, got %v", err)
	}
}

// --- Price tests ---

func TestPrices_InitiallyUniform(t *testing.T) {
	m, _ := NewMaker(d(100))
	prices, err := m.Prices([]decimal.Decimal{d(0), d(0)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, p := range prices {
		if !p.Equal(d(0.5)) {
			t.Errorf("expected initial price 0.5 for outcome %d, got %s", i, p)
		}
	}
}

func TestPrices_SumToOne(t *testing.T) {
	m, _ := NewMaker(d(100))
	one := decimal.NewFromInt(1)
	tolerance := d(0.0000001)

	tests := [][]decimal.Decimal{
		{d(0), d(0)},
		{d(10), d(0)},
		{d(0), d(10)},
		{d(30), d(10)},
		{d(100), d(200)},
		{d(500), d(100), d(250)},
		{d(-50), d(30)},
	}
	for _, q := range tests {
		prices, err := m.Prices(q)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		sum := decimal.Zero
		for _, p := range prices {
			if p.LessThanOrEqual(decimal.Zero) || p.GreaterThanOrEqual(one) {
				t.Errorf("price %s not strictly in (0,1) for q=%v", p, q)
			}
			sum = sum.Add(p)
		}
		if sum.Sub(one).Abs().GreaterThan(tolerance) {
			t.Errorf("prices should sum to 1: got %s for q=%v", sum, q)
		}
	}
}

func TestPrice_BuyingIncreasesPrice(t *testing.T) {
	m, _ := NewMaker(d(100))
	before, _ := m.Price([]decimal.Decimal{d(0), d(0)}, 0)
	after, _ := m.Price([]decimal.Decimal{d(10), d(0)}, 0)
	if after.LessThanOrEqual(before) {
		t.Errorf("buying outcome 0 should increase its price: before=%s after=%s", before, after)
	}
}

func TestPrices_ExtremeQuantitiesStable(t *testing.T) {
	m, _ := NewMaker(d(1))
	// q/b = 100000 would overflow exp without log-sum-exp.
	prices, err := m.Prices([]decimal.Decimal{d(100000), d(0)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prices[0].LessThan(d(0.999)) {
		t.Errorf("dominant outcome should price near 1, got %s", prices[0])
	}
}

// --- Cost tests ---

func TestCost_EmptyVector(t *testing.T) {
	m, _ := NewMaker(d(50))
	if _, err := m.Cost(nil); err != ErrNoOutcomes {
		t.Errorf("expected ErrNoOutcomes, got %v", err)
	}
}

func TestTradeCost_BuyTenAtFifty(t *testing.T) {
	m, _ := NewMaker(d(50))
	q := []decimal.Decimal{d(0), d(0)}

	cost, err := m.TradeCost(q, 0, d(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// C([10,0]) - C([0,0]) = 50*ln(e^0.2 + 1) - 50*ln(2)
	want := 50*math.Log(math.Exp(0.2)+1) - 50*math.Log(2)
	if cost.Sub(d(want)).Abs().GreaterThan(d(0.0001)) {
		t.Errorf("expected cost ≈ %.4f, got %s", want, cost)
	}

	price, err := m.Price([]decimal.Decimal{d(10), d(0)}, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// e^0.2 / (e^0.2 + 1) ≈ 0.5498
	if price.Sub(d(0.5498)).Abs().GreaterThan(d(0.0001)) {
		t.Errorf("expected post-trade price ≈ 0.5498, got %s", price)
	}
}

func TestTradeCost_SellNegative(t *testing.T) {
	m, _ := NewMaker(d(50))
	q := []decimal.Decimal{d(20), d(0)}
	cost, err := m.TradeCost(q, 0, d(-10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cost.IsNegative() {
		t.Errorf("selling should have negative cost, got %s", cost)
	}
}

func TestTradeCost_PathIndependence(t *testing.T) {
	m, _ := NewMaker(d(50))
	q := []decimal.Decimal{d(0), d(0)}

	oneShot, _ := m.TradeCost(q, 0, d(10))

	first, _ := m.TradeCost(q, 0, d(4))
	second, _ := m.TradeCost([]decimal.Decimal{d(4), d(0)}, 0, d(6))
	split := first.Add(second)

	if oneShot.Sub(split).Abs().GreaterThan(d(0.000001)) {
		t.Errorf("cost should be path independent: one-shot=%s split=%s", oneShot, split)
	}
}

func TestTradeCost_IndexOutOfRange(t *testing.T) {
	m, _ := NewMaker(d(50))
	if _, err := m.TradeCost([]decimal.Decimal{d(0), d(0)}, 2, d(1)); err == nil {
		t.Error("expected error for out-of-range outcome index")
	}
}

// --- Bounded loss ---

func TestMaxLoss(t *testing.T) {
	m, _ := NewMaker(d(100))
	want := 100 * math.Log(2)
	got := m.MaxLoss(2)
	if got.Sub(d(want)).Abs().GreaterThan(d(0.0001)) {
		t.Errorf("expected max loss ≈ %.4f, got %s", want, got)
	}
}
