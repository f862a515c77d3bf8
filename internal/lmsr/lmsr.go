// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker over n-outcome prediction markets.
//
// The LMSR was proposed by Robin Hanson and provides:
//   - Bounded loss for the market maker (capped at b * ln(n))
//   - Continuous pricing with infinite liquidity
//   - Path-independent cost function
//
// Quantities and costs cross this boundary as shopspring/decimal; the
// transcendental math runs on float64 internally with the log-sum-exp
// trick for numerical stability, and results convert back to decimal
// immediately. Integer rounding of charges happens in the caller.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidLiquidity is returned when b <= 0.
	ErrInvalidLiquidity = errors.New("lmsr: liquidity parameter b must be positive")

	// ErrNoOutcomes is returned for an empty quantity vector.
	ErrNoOutcomes = errors.New("lmsr: quantity vector must not be empty")

	// CostScale is the number of decimal places for cost rounding.
	CostScale int32 = 8
)

// Maker implements the LMSR cost function. It is stateless — outstanding
// quantities are passed as arguments, not stored.
type Maker struct {
	b decimal.Decimal
}

// NewMaker creates an LMSR market maker with liquidity parameter b.
// Higher b → more liquidity, lower price impact per trade. Maximum
// market-maker loss is bounded by b * ln(n) for n outcomes.
func NewMaker(b decimal.Decimal) (*Maker, error) {
	if b.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidLiquidity
	}
	return &Maker{b: b}, nil
}

// B returns the liquidity parameter.
func (m *Maker) B() decimal.Decimal {
	return m.b
}

// logSumExp computes ln(Σ exp(x_i)) using the log-sum-exp trick to prevent
// floating-point overflow. Without this trick, exp(x) overflows float64
// when x > ~709.
//
// Algorithm: LSE(x) = max(x) + ln(Σ exp(x_i - max(x)))
// Since (x_i - max(x)) <= 0, all exp arguments are in [0, 1].
func logSumExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}

	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}

	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// scaled returns q_i / b for every outcome as float64.
func (m *Maker) scaled(q []decimal.Decimal) []float64 {
	bf := m.b.InexactFloat64()
	xs := make([]float64, len(q))
	for i, qi := range q {
		xs[i] = qi.InexactFloat64() / bf
	}
	return xs
}

// Cost computes the LMSR cost function:
//
//	C(q) = b * ln(Σ exp(q_i / b))
//
// Uses logSumExp internally for numerical stability.
func (m *Maker) Cost(q []decimal.Decimal) (decimal.Decimal, error) {
	if len(q) == 0 {
		return decimal.Zero, ErrNoOutcomes
	}
	cost := m.b.InexactFloat64() * logSumExp(m.scaled(q))
	return decimal.NewFromFloat(cost).Round(CostScale), nil
}

// Price computes the instantaneous price (probability) of outcome i:
//
//	p_i = exp(q_i / b) / Σ exp(q_j / b)
//
// This is the softmax function, computed with max-subtraction for
// numerical stability. Each price is strictly in (0, 1) and the full
// vector sums to 1.
func (m *Maker) Price(q []decimal.Decimal, i int) (decimal.Decimal, error) {
	prices, err := m.Prices(q)
	if err != nil {
		return decimal.Zero, err
	}
	if i < 0 || i >= len(prices) {
		return decimal.Zero, errors.New("lmsr: outcome index out of range")
	}
	return prices[i], nil
}

// Prices computes the full price vector in one pass.
func (m *Maker) Prices(q []decimal.Decimal) ([]decimal.Decimal, error) {
	if len(q) == 0 {
		return nil, ErrNoOutcomes
	}

	xs := m.scaled(q)
	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	exps := make([]float64, len(xs))
	var sum float64
	for i, x := range xs {
		exps[i] = math.Exp(x - maxVal)
		sum += exps[i]
	}

	prices := make([]decimal.Decimal, len(xs))
	for i, e := range exps {
		prices[i] = decimal.NewFromFloat(e / sum).Round(CostScale)
	}
	return prices, nil
}

// TradeCost computes the cost of buying delta shares of outcome i:
//
//	cost = C(q with q_i += delta) - C(q)
//
// Positive delta = buying (positive cost to trader).
func (m *Maker) TradeCost(q []decimal.Decimal, i int, delta decimal.Decimal) (decimal.Decimal, error) {
	if i < 0 || i >= len(q) {
		return decimal.Zero, errors.New("lmsr: outcome index out of range")
	}

	before, err := m.Cost(q)
	if err != nil {
		return decimal.Zero, err
	}

	after := make([]decimal.Decimal, len(q))
	copy(after, q)
	after[i] = after[i].Add(delta)

	afterCost, err := m.Cost(after)
	if err != nil {
		return decimal.Zero, err
	}
	return afterCost.Sub(before), nil
}

// MaxLoss returns the maximum possible market-maker loss, b * ln(n).
// This is the collateral subsidy an operator must post to guarantee all
// winning payouts can be honored.
func (m *Maker) MaxLoss(n int) decimal.Decimal {
	loss := m.b.InexactFloat64() * math.Log(float64(n))
	return decimal.NewFromFloat(loss).Round(CostScale)
}
