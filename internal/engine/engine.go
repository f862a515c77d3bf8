// Package engine is the order-book trading surface: order submission and
// matching, cancellation, event creation, and the public book and price
// views.
//
// Every state-changing operation runs under the event's named lock and
// begins by refreshing the resolution state, so time-gated lifecycle
// transitions apply before any trade can slip through. Matching is
// peek-then-apply: fills are discovered against an immutable book snapshot,
// funds and shares are reserved, and only then are balances, positions, and
// orders rewritten.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/predyx/exchange-core/internal/book"
	"github.com/predyx/exchange-core/internal/ledger"
	"github.com/predyx/exchange-core/internal/lmsr"
	"github.com/predyx/exchange-core/internal/metrics"
	"github.com/predyx/exchange-core/internal/model"
	"github.com/predyx/exchange-core/internal/resolution"
	"github.com/predyx/exchange-core/internal/risk"
)

// PublishFunc broadcasts an event-scoped message to subscribers.
type PublishFunc func(eventID, msgType string, data any)

// Engine executes order-book operations against the ledger.
type Engine struct {
	led         *ledger.Ledger
	res         *resolution.Machine
	risk        *risk.Limiter
	publish     PublishFunc
	priceRetain int64
	now         func() time.Time
}

// New creates an engine. priceRetain bounds the per-event price history;
// publish may be nil.
func New(led *ledger.Ledger, res *resolution.Machine, lim *risk.Limiter, publish PublishFunc, priceRetain int64) *Engine {
	return &Engine{
		led:         led,
		res:         res,
		risk:        lim,
		publish:     publish,
		priceRetain: priceRetain,
		now:         time.Now,
	}
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// --- Events ---
// CreateEvent registers a new market. Empty outcomes default to the yes/no
// pair the order book requires. A positive liquidity parameter b enables
// the AMM and seeds the event's collateral pool with the operator subsidy
// b*ln(n), the maximum possible market-maker loss.
func (e *Engine) CreateEvent(ctx context.Context, title string, endTime time.Time, b decimal.Decimal, outcomes []model.Outcome) (*model.Event, error) {
	const op = "engine.CreateEvent"

	if title == "" {
		return nil, model.E(model.KindInvalid, op, "title must not be empty")
	}
	if !endTime.After(e.now()) {
		return nil, model.E(model.KindInvalid, op, "end time %s is not in the future", endTime)
	}
	if b.IsNegative() {
		return nil, model.E(model.KindInvalid, op, "liquidity parameter must not be negative")
	}
	if len(outcomes) == 0 {
		outcomes = []model.Outcome{
			{ID: model.OutcomeYes, Label: "Yes"},
			{ID: model.OutcomeNo, Label: "No"},
		}
	}
	if len(outcomes) < 2 {
		return nil, model.E(model.KindInvalid, op, "an event needs at least two outcomes")
	}
	seen := make(map[string]bool, len(outcomes))
	for _, o := range outcomes {
		if o.ID == "" {
			return nil, model.E(model.KindInvalid, op, "outcome id must not be empty")
		}
		if seen[o.ID] {
			return nil, model.E(model.KindInvalid, op, "duplicate outcome %q", o.ID)
		}
		seen[o.ID] = true
	}

	ev := &model.Event{
		ID:        uuid.New().String(),
		Title:     title,
		Outcomes:  outcomes,
		Status:    model.EventOpen,
		EndTime:   endTime.UTC(),
		B:         b,
		CreatedAt: e.now().UTC(),
	}

	// Seed the collateral pool with the LMSR bounded loss so every AMM
	// payout is covered before the first trade.
	var subsidy int64
	if b.IsPositive() {
		maker, err := lmsr.NewMaker(b)
		if err != nil {
			return nil, model.Wrap(model.KindInvalid, op, err)
		}
		subsidy = maker.MaxLoss(len(outcomes)).
			Mul(decimal.NewFromInt(model.Scale)).
			Ceil().IntPart()
	}

	if err := e.led.PutEvent(ctx, ev); err != nil {
		return nil, err
	}
	if subsidy > 0 {
		if _, err := e.led.CreditPool(ctx, ev.ID, subsidy); err != nil {
			return nil, err
		}
	}
	if err := e.led.Audit(ctx, ev.ID, "system", "event_created", map[string]any{
		"title":    title,
		"end_time": ev.EndTime,
		"outcomes": len(outcomes),
		"subsidy":  subsidy,
	}); err != nil {
		return nil, err
	}

	slog.Info("event created", "event", ev.ID, "title", title, "subsidy", subsidy)
	return ev, nil
}

// GetEvent loads one event with its resolution state refreshed.
func (e *Engine) GetEvent(ctx context.Context, eventID string) (*model.Event, error) {
	unlock, err := e.led.LockEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ev, err := e.led.Event(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return e.res.Refresh(ctx, ev)
}

// ListEvents returns all events as stored. Pending time-gated transitions
// apply on the next per-event operation, not here.
func (e *Engine) ListEvents(ctx context.Context) ([]*model.Event, error) {
	ids, err := e.led.EventIDs(ctx)
	if err != nil {
		return nil, err
	}
	events := make([]*model.Event, 0, len(ids))
	for _, id := range ids {
		ev, err := e.led.Event(ctx, id)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// --- Order submission ---
// SubmitOrder validates, reserves, matches, and settles an incoming order.
// Limit buys lock price*qty of collateral up front; sells escrow the shares
// being offered. Fills always execute at the resting order's price, and an
// unfilled market remainder is discarded rather than rested.
func (e *Engine) SubmitOrder(ctx context.Context, eventID, userID string, side model.OrderSide, typ model.OrderType, outcomeID string, priceBps, qty int64) (*model.SubmitResult, error) {
	const op = "engine.SubmitOrder"

	unlock, err := e.led.LockEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ev, err := e.led.Event(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev, err = e.res.Refresh(ctx, ev); err != nil {
		return nil, err
	}

	if err := e.validateOrder(op, ev, side, typ, outcomeID, priceBps, qty); err != nil {
		metrics.OrderRejections.WithLabelValues(string(model.KindOf(err))).Inc()
		return nil, err
	}
	if side == model.SideBuy {
		pos, err := e.led.Position(ctx, eventID, userID)
		if err != nil {
			return nil, err
		}
		if err := e.risk.CheckTrade(qty, pos.Qty); err != nil {
			metrics.RiskLimitRejections.Inc()
			return nil, model.Wrap(model.KindInvalid, op, err)
		}
	}

	open, err := e.led.OpenOrders(ctx, eventID)
	if err != nil {
		return nil, err
	}
	bk := book.Build(open)

	order := &model.Order{
		ID:        uuid.New().String(),
		EventID:   eventID,
		UserID:    userID,
		Side:      side,
		Type:      typ,
		OutcomeID: outcomeID,
		PriceBps:  priceBps,
		Qty:       qty,
		Remaining: qty,
		Status:    model.OrderOpen,
		CreatedAt: e.now().UTC(),
	}

	matches := bk.FindMatches(order)
	var fillQty, fillCost int64
	for _, m := range matches {
		fillQty += m.Qty
		fillCost += m.PriceBps * m.Qty
	}

	// A market order with no liquidity executes nothing and rests nothing.
	if typ == model.TypeMarket && fillQty == 0 {
		order.Status = model.OrderCancelled
		if err := e.led.PutOrder(ctx, order); err != nil {
			return nil, err
		}
		return &model.SubmitResult{Order: order, Trades: []model.Trade{}}, nil
	}

	// Reserve before settling. Buys lock collateral for the whole order
	// (limit) or exactly the peeked cost (market); sells escrow the shares
	// that could change hands.
	var lockNeeded int64
	switch {
	case side == model.SideBuy && typ == model.TypeLimit:
		lockNeeded = priceBps * qty
	case side == model.SideBuy:
		lockNeeded = fillCost
	}
	if lockNeeded > 0 {
		if err := e.led.LockFunds(ctx, userID, lockNeeded); err != nil {
			metrics.OrderRejections.WithLabelValues(string(model.KindOf(err))).Inc()
			return nil, err
		}
	}
	if side == model.SideSell {
		escrow := qty
		if typ == model.TypeMarket {
			escrow = fillQty
		}
		if err := e.led.RemoveShares(ctx, eventID, userID, outcomeID, escrow); err != nil {
			metrics.OrderRejections.WithLabelValues(string(model.KindOf(err))).Inc()
			return nil, err
		}
	}

	trades := make([]model.Trade, 0, len(matches))
	for _, m := range matches {
		t, err := e.applyFill(ctx, ev, order, m)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	order.Remaining = qty - fillQty

	// Fills at a better maker price release the difference immediately;
	// only the resting remainder stays locked.
	if side == model.SideBuy {
		resting := int64(0)
		if typ == model.TypeLimit {
			resting = priceBps * order.Remaining
		}
		if release := lockNeeded - fillCost - resting; release > 0 {
			if err := e.led.UnlockFunds(ctx, userID, release); err != nil {
				return nil, err
			}
		}
		order.LockedUnits = resting
	}

	if typ == model.TypeMarket {
		order.Remaining = 0
	}
	if order.Remaining == 0 {
		order.Status = model.OrderFilled
	}
	if err := e.led.PutOrder(ctx, order); err != nil {
		return nil, err
	}

	metrics.OrdersTotal.WithLabelValues(string(side), string(typ)).Inc()
	if fillQty > 0 {
		metrics.TradesTotal.WithLabelValues("book").Add(float64(len(trades)))
		metrics.TradeVolume.WithLabelValues(eventID, "book").Add(float64(fillQty))
		last := trades[len(trades)-1]
		if err := e.snapshotPrice(ctx, ev, last.OutcomeID, last.PriceBps); err != nil {
			return nil, err
		}
		for i := range trades {
			e.emit(eventID, "trade", trades[i])
		}
	}
	e.emitBook(ctx, ev)

	slog.Info("order submitted",
		"event", eventID, "order", order.ID, "user", userID,
		"side", side, "type", typ, "outcome", outcomeID,
		"qty", qty, "filled", fillQty, "status", order.Status)
	return &model.SubmitResult{Order: order, Trades: trades}, nil
}

func (e *Engine) validateOrder(op string, ev *model.Event, side model.OrderSide, typ model.OrderType, outcomeID string, priceBps, qty int64) error {
	if !ev.Binary() {
		return model.E(model.KindInvalid, op, "event %s has no yes/no order book", ev.ID)
	}
	if !ev.Tradeable(e.now()) {
		return model.E(model.KindConflict, op, "event %s is not open for trading (%s)", ev.ID, ev.Status)
	}
	if side != model.SideBuy && side != model.SideSell {
		return model.E(model.KindInvalid, op, "unknown side %q", side)
	}
	if typ != model.TypeLimit && typ != model.TypeMarket {
		return model.E(model.KindInvalid, op, "unknown order type %q", typ)
	}
	if outcomeID != model.OutcomeYes && outcomeID != model.OutcomeNo {
		return model.E(model.KindInvalid, op, "unknown outcome %q", outcomeID)
	}
	if qty < 1 {
		return model.E(model.KindInvalid, op, "quantity must be at least 1, got %d", qty)
	}
	if qty > model.MaxOrderQty {
		return model.E(model.KindInvalid, op,
			"quantity must be at most %d, got %d", model.MaxOrderQty, qty)
	}
	if typ == model.TypeLimit && (priceBps < 1 || priceBps > model.Scale-1) {
		return model.E(model.KindInvalid, op,
			"limit price must be in [1, %d], got %d", model.Scale-1, priceBps)
	}
	return nil
}

// applyFill settles one fill at the maker's price. The taker's reservation
// (locked funds or escrowed shares) was taken before matching; the maker's
// reservation travels with the resting order.
func (e *Engine) applyFill(ctx context.Context, ev *model.Event, taker *model.Order, m book.Match) (*model.Trade, error) {
	maker := m.Maker
	spent := m.PriceBps * m.Qty

	if taker.Side == model.SideBuy {
		// Taker pays from locked funds, maker delivers escrowed shares.
		if err := e.led.SpendLocked(ctx, taker.UserID, spent); err != nil {
			return nil, err
		}
		if err := e.led.Credit(ctx, maker.UserID, spent); err != nil {
			return nil, err
		}
		if err := e.led.AddShares(ctx, ev.ID, taker.UserID, taker.OutcomeID, m.Qty); err != nil {
			return nil, err
		}
	} else {
		// Maker pays from its resting lock, taker delivers escrowed shares.
		if err := e.led.SpendLocked(ctx, maker.UserID, spent); err != nil {
			return nil, err
		}
		maker.LockedUnits -= spent
		if err := e.led.Credit(ctx, taker.UserID, spent); err != nil {
			return nil, err
		}
		if err := e.led.AddShares(ctx, ev.ID, maker.UserID, taker.OutcomeID, m.Qty); err != nil {
			return nil, err
		}
	}

	maker.Remaining -= m.Qty
	if maker.Remaining == 0 {
		maker.Status = model.OrderFilled
		maker.LockedUnits = 0
	}
	if err := e.led.PutOrder(ctx, maker); err != nil {
		return nil, err
	}

	t := &model.Trade{
		ID:           uuid.New().String(),
		EventID:      ev.ID,
		MakerOrderID: maker.ID,
		TakerOrderID: taker.ID,
		MakerUserID:  maker.UserID,
		TakerUserID:  taker.UserID,
		OutcomeID:    taker.OutcomeID,
		PriceBps:     m.PriceBps,
		Qty:          m.Qty,
		CreatedAt:    e.now().UTC(),
	}
	if err := e.led.AppendTrade(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// --- Cancellation ---
// CancelOrder withdraws the caller's resting order, returning exactly the
// collateral units it still holds locked or the shares still escrowed.
func (e *Engine) CancelOrder(ctx context.Context, eventID, orderID, userID string) (*model.CancelResult, error) {
	const op = "engine.CancelOrder"

	unlock, err := e.led.LockEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ev, err := e.led.Event(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev, err = e.res.Refresh(ctx, ev); err != nil {
		return nil, err
	}

	order, err := e.led.Order(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.EventID != eventID {
		return nil, model.E(model.KindNotFound, op, "order %s not found in event %s", orderID, eventID)
	}
	if order.UserID != userID {
		return nil, model.E(model.KindForbidden, op, "order %s belongs to another user", orderID)
	}
	if order.Status != model.OrderOpen {
		return nil, model.E(model.KindConflict, op, "order %s is %s, not open", orderID, order.Status)
	}
	if order.Remaining <= 0 {
		return nil, model.E(model.KindConflict, op, "order %s has nothing left to cancel", orderID)
	}

	res := &model.CancelResult{Order: order}
	if order.Side == model.SideBuy {
		if order.LockedUnits > 0 {
			if err := e.led.UnlockFunds(ctx, userID, order.LockedUnits); err != nil {
				return nil, err
			}
		}
		res.RefundUnits = order.LockedUnits
	} else {
		if err := e.led.AddShares(ctx, eventID, userID, order.OutcomeID, order.Remaining); err != nil {
			return nil, err
		}
		res.RefundShares = order.Remaining
	}

	order.Status = model.OrderCancelled
	order.LockedUnits = 0
	if err := e.led.PutOrder(ctx, order); err != nil {
		return nil, err
	}

	e.emitBook(ctx, ev)
	slog.Info("order cancelled",
		"event", eventID, "order", orderID, "user", userID,
		"refund_units", res.RefundUnits, "refund_shares", res.RefundShares)
	return res, nil
}

// --- Read views ---
// OrderBook returns the aggregated public book per outcome, with
// complement-rule best quotes.
func (e *Engine) OrderBook(ctx context.Context, eventID string) (map[string]model.OutcomeBook, error) {
	const op = "engine.OrderBook"

	ev, err := e.led.Event(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if !ev.Binary() {
		return nil, model.E(model.KindInvalid, op, "event %s has no yes/no order book", eventID)
	}
	open, err := e.led.OpenOrders(ctx, eventID)
	if err != nil {
		return nil, err
	}
	bk := book.Build(open)
	return map[string]model.OutcomeBook{
		model.OutcomeYes: bk.View(model.OutcomeYes, model.OutcomeNo),
		model.OutcomeNo:  bk.View(model.OutcomeNo, model.OutcomeYes),
	}, nil
}

// DisplayPrice returns the quoted price of the yes outcome: midpoint when
// the spread is tight, last trade when it is not, midpoint of the scale
// when the event has never traded.
func (e *Engine) DisplayPrice(ctx context.Context, eventID string) (model.DisplayPrice, error) {
	const op = "engine.DisplayPrice"

	ev, err := e.led.Event(ctx, eventID)
	if err != nil {
		return model.DisplayPrice{}, err
	}
	if !ev.Binary() {
		return model.DisplayPrice{}, model.E(model.KindInvalid, op, "event %s has no yes/no order book", eventID)
	}
	open, err := e.led.OpenOrders(ctx, eventID)
	if err != nil {
		return model.DisplayPrice{}, err
	}
	bk := book.Build(open)

	var lastYes *int64
	if last, err := e.led.LastTrade(ctx, eventID); err != nil {
		return model.DisplayPrice{}, err
	} else if last != nil {
		p := last.PriceBps
		if last.OutcomeID == model.OutcomeNo {
			p = model.Scale - p
		}
		lastYes = &p
	}

	return book.DisplayPrice(
		bk.SynthBestBid(model.OutcomeYes, model.OutcomeNo),
		bk.BestAsk(model.OutcomeYes, model.OutcomeNo),
		lastYes,
	), nil
}

// PositionView is a user's holdings in one event with a mark-to-market
// estimate in collateral units.
type PositionView struct {
	Position       *model.Position `json:"position"`
	EstimatedValue int64           `json:"estimated_value"`
}

// Position returns the user's holdings valued at current prices: LMSR spot
// prices when the AMM is enabled, the display price otherwise.
func (e *Engine) Position(ctx context.Context, eventID, userID string) (*PositionView, error) {
	pos, err := e.led.Position(ctx, eventID, userID)
	if err != nil {
		return nil, err
	}
	ev, err := e.led.Event(ctx, eventID)
	if err != nil {
		return nil, err
	}

	var value int64
	if ev.B.IsPositive() {
		maker, err := lmsr.NewMaker(ev.B)
		if err != nil {
			return nil, err
		}
		q := make([]decimal.Decimal, len(ev.Outcomes))
		for i, o := range ev.Outcomes {
			q[i] = o.Q
		}
		prices, err := maker.Prices(q)
		if err != nil {
			return nil, err
		}
		for i, o := range ev.Outcomes {
			bps := prices[i].Mul(decimal.NewFromInt(model.Scale)).Round(0).IntPart()
			value += pos.Get(o.ID) * bps
		}
	} else if ev.Binary() {
		dp, err := e.DisplayPrice(ctx, eventID)
		if err != nil {
			return nil, err
		}
		value = pos.Get(model.OutcomeYes)*dp.PriceBps +
			pos.Get(model.OutcomeNo)*(model.Scale-dp.PriceBps)
	}

	return &PositionView{Position: pos, EstimatedValue: value}, nil
}

// Trades returns the most recent n trades of an event, oldest first.
func (e *Engine) Trades(ctx context.Context, eventID string, n int64) ([]model.Trade, error) {
	if n <= 0 {
		n = 50
	}
	return e.led.Trades(ctx, eventID, -n, -1)
}

// --- Broadcast helpers ---
func (e *Engine) emit(eventID, msgType string, data any) {
	if e.publish != nil {
		e.publish(eventID, msgType, data)
	}
}

func (e *Engine) emitBook(ctx context.Context, ev *model.Event) {
	if e.publish == nil || !ev.Binary() {
		return
	}
	view, err := e.OrderBook(ctx, ev.ID)
	if err != nil {
		slog.Warn("book broadcast skipped", "event", ev.ID, "error", err)
		return
	}
	e.publish(ev.ID, "order_book", view)
}

// snapshotPrice appends a bounded price-history point derived from the
// latest fill, expressed as probabilities per outcome.
func (e *Engine) snapshotPrice(ctx context.Context, ev *model.Event, outcomeID string, priceBps int64) error {
	yes := priceBps
	if outcomeID == model.OutcomeNo {
		yes = model.Scale - priceBps
	}
	snap := &model.PriceSnapshot{
		At: e.now().UTC(),
		Prices: map[string]float64{
			model.OutcomeYes: float64(yes) / float64(model.Scale),
			model.OutcomeNo:  float64(model.Scale-yes) / float64(model.Scale),
		},
	}
	return e.led.AppendPrice(ctx, ev.ID, snap, e.priceRetain)
}
