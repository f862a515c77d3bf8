// Package risk implements pre-trade position limits.
//
// Two caps apply to every share-acquiring trade: a per-trade quantity cap
// and a per-user aggregate exposure cap within one event. Both are checked
// before any balance or position is touched, so a rejected trade leaves no
// trace in the ledger.
package risk

import (
	"errors"
)

var (
	// ErrTradeSizeExceeded is returned when a single trade asks for more
	// shares than the per-trade maximum.
	ErrTradeSizeExceeded = errors.New("risk: per-trade size limit exceeded")

	// ErrExposureExceeded is returned when a trade would push a user's
	// aggregate share holdings in one event beyond the exposure maximum.
	ErrExposureExceeded = errors.New("risk: per-event exposure limit exceeded")
)

// Limiter enforces trade-size and exposure caps. Zero or negative limits
// disable the corresponding check.
type Limiter struct {
	// MaxTradeQty is the maximum share quantity of a single order or AMM
	// purchase.
	MaxTradeQty int64

	// MaxEventExposure is the maximum total shares a user may hold across
	// all outcomes of one event.
	MaxEventExposure int64
}

// NewLimiter creates a limiter with the given caps.
func NewLimiter(maxTradeQty, maxEventExposure int64) *Limiter {
	return &Limiter{MaxTradeQty: maxTradeQty, MaxEventExposure: maxEventExposure}
}

// CheckTrade validates a share purchase of qty shares for a user whose
// current holdings in the event are holdings (per outcome id).
func (l *Limiter) CheckTrade(qty int64, holdings map[string]int64) error {
	if l.MaxTradeQty > 0 && qty > l.MaxTradeQty {
		return ErrTradeSizeExceeded
	}
	if l.MaxEventExposure > 0 {
		total := qty
		for _, h := range holdings {
			total += h
		}
		if total > l.MaxEventExposure {
			return ErrExposureExceeded
		}
	}
	return nil
}
