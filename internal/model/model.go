// Package model defines the core domain types shared across the exchange.
// All prices are integer basis points of Scale; all monetary amounts are
// integer units where one winning share pays out Scale units. Floating
// point never appears in ledger state — it is confined to the LMSR math.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Scale is the fixed price scale: 10000 bps = 100% = the payout of one
// winning share. Buying qty shares at price p bps costs exactly p*qty units.
const Scale int64 = 10000

// MaxOrderQty bounds the share quantity of a single order or AMM trade so
// that priceBps*qty and qty*Scale stay far from int64 overflow. This is a
// structural bound; operator risk caps are configured separately and sit
// below it.
const MaxOrderQty int64 = 1_000_000_000

// Binary outcome ids used by the order book. Multi-outcome events use
// arbitrary outcome ids and trade only through the AMM.
const (
	OutcomeYes = "yes"
	OutcomeNo  = "no"
)

// --- Enums ---
// EventStatus is the resolution lifecycle state of an event.
// OPEN is the only tradeable state.
type EventStatus string

const (
	EventOpen     EventStatus = "OPEN"
	EventClosed   EventStatus = "CLOSED"
	EventProposed EventStatus = "PROPOSED"
	EventDisputed EventStatus = "DISPUTED"
	EventResolved EventStatus = "RESOLVED"
)

type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

type OrderType string

const (
	TypeLimit  OrderType = "limit"
	TypeMarket OrderType = "market"
)

type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
)

// PriceSource identifies which rule produced a display price.
type PriceSource string

const (
	SourceMidpoint  PriceSource = "midpoint"
	SourceLastTrade PriceSource = "lastTrade"
	SourceUnpriced  PriceSource = "unpriced"
)

// --- Domain objects ---
// Outcome is one leg of an event. Q is the AMM outstanding-share quantity;
// it stays zero on events that trade only through the order book.
type Outcome struct {
	ID    string          `json:"id"`
	Label string          `json:"label"`
	Q     decimal.Decimal `json:"q"`
}

// Event is a market over a set of mutually exclusive outcomes. Status
// transitions are owned exclusively by the resolution state machine.
type Event struct {
	ID       string      `json:"id"`
	Title    string      `json:"title"`
	Outcomes []Outcome   `json:"outcomes"`
	Status   EventStatus `json:"status"`
	EndTime  time.Time   `json:"end_time"`
	// B is the LMSR liquidity parameter. Zero disables the AMM path.
	B         decimal.Decimal `json:"b"`
	Result    *string         `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Binary reports whether the event has exactly the yes/no outcome pair
// required by the order book.
func (e *Event) Binary() bool {
	return len(e.Outcomes) == 2 &&
		e.Outcomes[0].ID == OutcomeYes && e.Outcomes[1].ID == OutcomeNo
}

// HasOutcome reports whether id names one of the event's outcomes.
func (e *Event) HasOutcome(id string) bool {
	for _, o := range e.Outcomes {
		if o.ID == id {
			return true
		}
	}
	return false
}

// Tradeable reports whether orders and AMM trades may execute.
func (e *Event) Tradeable(now time.Time) bool {
	return e.Status == EventOpen && now.Before(e.EndTime)
}

// Order is a limit or market order. Remaining <= Qty always. LockedUnits is
// the collateral actually debited for the resting buy remainder; cancel
// refunds trust this stored value rather than recomputing from price*qty,
// so the refund is exactly what was debited.
type Order struct {
	ID          string      `json:"id"`
	EventID     string      `json:"event_id"`
	UserID      string      `json:"user_id"`
	Side        OrderSide   `json:"side"`
	Type        OrderType   `json:"type"`
	OutcomeID   string      `json:"outcome_id"`
	PriceBps    int64       `json:"price_bps"`
	Qty         int64       `json:"qty"`
	Remaining   int64       `json:"remaining"`
	LockedUnits int64       `json:"locked_units"`
	Status      OrderStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Trade is an immutable execution record. AMM fills carry
// MakerOrderID == AMMOrderID.
type Trade struct {
	ID           string    `json:"id"`
	EventID      string    `json:"event_id"`
	MakerOrderID string    `json:"maker_order_id"`
	TakerOrderID string    `json:"taker_order_id"`
	MakerUserID  string    `json:"maker_user_id"`
	TakerUserID  string    `json:"taker_user_id"`
	OutcomeID    string    `json:"outcome_id"`
	PriceBps     int64     `json:"price_bps"`
	Qty          int64     `json:"qty"`
	CreatedAt    time.Time `json:"created_at"`
}

// AMMOrderID marks the automated market maker as the counterparty.
const AMMOrderID = "amm"

// Position is a user's share holdings in one event, keyed by outcome id.
// Quantities are never negative; shares escrowed for a resting sell order
// leave the map until the sale settles or is cancelled.
type Position struct {
	EventID string           `json:"event_id"`
	UserID  string           `json:"user_id"`
	Qty     map[string]int64 `json:"qty"`
}

// Get returns the held quantity for an outcome (zero when absent).
func (p *Position) Get(outcomeID string) int64 {
	if p.Qty == nil {
		return 0
	}
	return p.Qty[outcomeID]
}

// Balance is a user's collateral. Available + Locked is the total;
// both components stay >= 0 at all times.
type Balance struct {
	UserID    string `json:"user_id"`
	Available int64  `json:"available"`
	Locked    int64  `json:"locked"`
}

// Proposal is a candidate resolution outcome during the challenge window.
type Proposal struct {
	EventID    string    `json:"event_id"`
	OutcomeID  string    `json:"outcome_id"`
	Proposer   string    `json:"proposer"`
	ProposedAt time.Time `json:"proposed_at"`
	Disputed   bool      `json:"disputed"`
	DisputedBy string    `json:"disputed_by,omitempty"`
}

// AuditEntry is one row of the append-only per-event audit log.
type AuditEntry struct {
	At     time.Time      `json:"at"`
	Actor  string         `json:"actor"`
	Action string         `json:"action"`
	Detail map[string]any `json:"detail,omitempty"`
}

// PriceSnapshot is one point of an event's bounded AMM price history.
type PriceSnapshot struct {
	At     time.Time          `json:"at"`
	Prices map[string]float64 `json:"prices"`
}

// --- Read views ---
// BookLevel aggregates resting orders at one price. Per-order detail is
// deliberately absent from the public book.
type BookLevel struct {
	PriceBps int64 `json:"price_bps"`
	Qty      int64 `json:"qty"`
	Orders   int   `json:"orders"`
}

// OutcomeBook is the public book view for a single outcome.
type OutcomeBook struct {
	Bids    []BookLevel `json:"bids"`
	Asks    []BookLevel `json:"asks"`
	BestBid *int64      `json:"best_bid,omitempty"`
	BestAsk *int64      `json:"best_ask,omitempty"`
}

// DisplayPrice is a quoted price plus the rule that produced it.
type DisplayPrice struct {
	PriceBps int64       `json:"price_bps"`
	Source   PriceSource `json:"source"`
}

// SubmitResult is what an order submission returns: the order in its final
// post-matching state and any trades it produced.
type SubmitResult struct {
	Order  *Order  `json:"order"`
	Trades []Trade `json:"trades"`
}

// CancelResult reports an accepted cancellation. RefundUnits is the buy-side
// collateral returned; RefundShares the sell-side shares returned.
type CancelResult struct {
	Order        *Order `json:"order"`
	RefundUnits  int64  `json:"refund_units"`
	RefundShares int64  `json:"refund_shares"`
}
