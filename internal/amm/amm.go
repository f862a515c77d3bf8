// Package amm executes purchases against the LMSR automated market maker.
//
// The AMM quotes from the event's outstanding quantity vector, charges the
// cost difference rounded up to whole collateral units, and pays every
// charge into the event's collateral pool. Together with the bounded-loss
// subsidy posted at event creation, the pool always covers the winning
// payout.
package amm

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/predyx/exchange-core/internal/ledger"
	"github.com/predyx/exchange-core/internal/lmsr"
	"github.com/predyx/exchange-core/internal/metrics"
	"github.com/predyx/exchange-core/internal/model"
	"github.com/predyx/exchange-core/internal/resolution"
	"github.com/predyx/exchange-core/internal/risk"
)

// PublishFunc broadcasts an event-scoped message to subscribers.
type PublishFunc func(eventID, msgType string, data any)

// AMM is the LMSR execution surface.
type AMM struct {
	led         *ledger.Ledger
	res         *resolution.Machine
	risk        *risk.Limiter
	publish     PublishFunc
	priceRetain int64
	now         func() time.Time
}

// New creates the AMM surface. publish may be nil.
func New(led *ledger.Ledger, res *resolution.Machine, lim *risk.Limiter, publish PublishFunc, priceRetain int64) *AMM {
	return &AMM{
		led:         led,
		res:         res,
		risk:        lim,
		publish:     publish,
		priceRetain: priceRetain,
		now:         time.Now,
	}
}

// SetClock overrides the time source.
func (a *AMM) SetClock(now func() time.Time) { a.now = now }

// BuyResult reports an executed AMM purchase.
type BuyResult struct {
	Trade     *model.Trade       `json:"trade"`
	CostUnits int64              `json:"cost_units"`
	Prices    map[string]float64 `json:"prices"`
}

// Quote is a read-only cost preview for buying qty shares of an outcome.
type Quote struct {
	OutcomeID string             `json:"outcome_id"`
	Qty       int64              `json:"qty"`
	CostUnits int64              `json:"cost_units"`
	Prices    map[string]float64 `json:"prices"`
}

// Buy purchases qty shares of an outcome from the market maker. The charge
// is ceil(ΔC · Scale) collateral units, debited from the buyer's available
// balance and credited to the event's collateral pool.
func (a *AMM) Buy(ctx context.Context, eventID, userID, outcomeID string, qty int64) (*BuyResult, error) {
	const op = "amm.Buy"

	unlock, err := a.led.LockEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ev, err := a.led.Event(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev, err = a.res.Refresh(ctx, ev); err != nil {
		return nil, err
	}

	if !ev.B.IsPositive() {
		return nil, model.E(model.KindInvalid, op, "event %s has no market maker", eventID)
	}
	if !ev.Tradeable(a.now()) {
		return nil, model.E(model.KindConflict, op, "event %s is not open for trading (%s)", eventID, ev.Status)
	}
	idx := -1
	for i, o := range ev.Outcomes {
		if o.ID == outcomeID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, model.E(model.KindInvalid, op, "unknown outcome %q", outcomeID)
	}
	if qty < 1 {
		return nil, model.E(model.KindInvalid, op, "quantity must be at least 1, got %d", qty)
	}
	if qty > model.MaxOrderQty {
		return nil, model.E(model.KindInvalid, op,
			"quantity must be at most %d, got %d", model.MaxOrderQty, qty)
	}

	pos, err := a.led.Position(ctx, eventID, userID)
	if err != nil {
		return nil, err
	}
	if err := a.risk.CheckTrade(qty, pos.Qty); err != nil {
		metrics.RiskLimitRejections.Inc()
		return nil, model.Wrap(model.KindInvalid, op, err)
	}

	maker, err := lmsr.NewMaker(ev.B)
	if err != nil {
		return nil, model.Wrap(model.KindFault, op, err)
	}
	q := quantityVector(ev)
	delta := decimal.NewFromInt(qty)

	cost, err := maker.TradeCost(q, idx, delta)
	if err != nil {
		return nil, model.Wrap(model.KindFault, op, err)
	}
	// Round charges up so the pool never collects less than the exact cost.
	units := cost.Mul(decimal.NewFromInt(model.Scale)).Ceil().IntPart()
	if units < 0 {
		return nil, model.E(model.KindFault, op, "negative trade cost %d for buy", units)
	}

	if err := a.led.Debit(ctx, userID, units); err != nil {
		metrics.OrderRejections.WithLabelValues(string(model.KindOf(err))).Inc()
		return nil, err
	}

	ev.Outcomes[idx].Q = ev.Outcomes[idx].Q.Add(delta)
	if err := a.led.PutEvent(ctx, ev); err != nil {
		return nil, err
	}
	if err := a.led.AddShares(ctx, eventID, userID, outcomeID, qty); err != nil {
		return nil, err
	}
	if _, err := a.led.CreditPool(ctx, eventID, units); err != nil {
		return nil, err
	}

	t := &model.Trade{
		ID:           uuid.New().String(),
		EventID:      eventID,
		MakerOrderID: model.AMMOrderID,
		TakerOrderID: model.AMMOrderID,
		MakerUserID:  model.AMMOrderID,
		TakerUserID:  userID,
		OutcomeID:    outcomeID,
		PriceBps:     units / qty,
		Qty:          qty,
		CreatedAt:    a.now().UTC(),
	}
	if err := a.led.AppendTrade(ctx, t); err != nil {
		return nil, err
	}

	prices, err := a.priceMap(maker, ev)
	if err != nil {
		return nil, err
	}
	snap := &model.PriceSnapshot{At: a.now().UTC(), Prices: prices}
	if err := a.led.AppendPrice(ctx, eventID, snap, a.priceRetain); err != nil {
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues("amm").Inc()
	metrics.TradeVolume.WithLabelValues(eventID, "amm").Add(float64(qty))
	slog.Info("amm buy executed",
		"event", eventID, "user", userID, "outcome", outcomeID,
		"qty", qty, "cost_units", units)

	res := &BuyResult{Trade: t, CostUnits: units, Prices: prices}
	a.emit(eventID, "trade", t)
	a.emit(eventID, "prices", snap)
	return res, nil
}

// QuoteBuy previews the charge for a purchase without executing it.
func (a *AMM) QuoteBuy(ctx context.Context, eventID, outcomeID string, qty int64) (*Quote, error) {
	const op = "amm.QuoteBuy"

	ev, err := a.led.Event(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if !ev.B.IsPositive() {
		return nil, model.E(model.KindInvalid, op, "event %s has no market maker", eventID)
	}
	idx := -1
	for i, o := range ev.Outcomes {
		if o.ID == outcomeID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, model.E(model.KindInvalid, op, "unknown outcome %q", outcomeID)
	}
	if qty < 1 {
		return nil, model.E(model.KindInvalid, op, "quantity must be at least 1, got %d", qty)
	}
	if qty > model.MaxOrderQty {
		return nil, model.E(model.KindInvalid, op,
			"quantity must be at most %d, got %d", model.MaxOrderQty, qty)
	}

	maker, err := lmsr.NewMaker(ev.B)
	if err != nil {
		return nil, model.Wrap(model.KindFault, op, err)
	}
	cost, err := maker.TradeCost(quantityVector(ev), idx, decimal.NewFromInt(qty))
	if err != nil {
		return nil, model.Wrap(model.KindFault, op, err)
	}
	prices, err := a.priceMap(maker, ev)
	if err != nil {
		return nil, err
	}
	return &Quote{
		OutcomeID: outcomeID,
		Qty:       qty,
		CostUnits: cost.Mul(decimal.NewFromInt(model.Scale)).Ceil().IntPart(),
		Prices:    prices,
	}, nil
}

// Prices returns the current LMSR price vector of an event.
func (a *AMM) Prices(ctx context.Context, eventID string) (map[string]float64, error) {
	const op = "amm.Prices"

	ev, err := a.led.Event(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if !ev.B.IsPositive() {
		return nil, model.E(model.KindInvalid, op, "event %s has no market maker", eventID)
	}
	maker, err := lmsr.NewMaker(ev.B)
	if err != nil {
		return nil, model.Wrap(model.KindFault, op, err)
	}
	return a.priceMap(maker, ev)
}

func (a *AMM) priceMap(maker *lmsr.Maker, ev *model.Event) (map[string]float64, error) {
	prices, err := maker.Prices(quantityVector(ev))
	if err != nil {
		return nil, model.Wrap(model.KindFault, "amm.prices", err)
	}
	out := make(map[string]float64, len(prices))
	for i, o := range ev.Outcomes {
		out[o.ID] = prices[i].InexactFloat64()
	}
	return out, nil
}

func quantityVector(ev *model.Event) []decimal.Decimal {
	q := make([]decimal.Decimal, len(ev.Outcomes))
	for i, o := range ev.Outcomes {
		q[i] = o.Q
	}
	return q
}

func (a *AMM) emit(eventID, msgType string, data any) {
	if a.publish != nil {
		a.publish(eventID, msgType, data)
	}
}
