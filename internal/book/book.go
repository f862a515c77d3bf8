// Package book implements the in-memory limit order book for one event:
// price-time priority queues per outcome and side, non-mutating match
// discovery, aggregated depth snapshots, and the display-price rule.
//
// The book is rebuilt from the event's open orders under the event lock;
// it holds no state of its own between operations.
package book

import (
	"sort"

	"github.com/predyx/exchange-core/internal/model"
)

// WideSpreadBps is the spread beyond which the midpoint is considered
// uninformative and the display price falls back to the last trade.
const WideSpreadBps int64 = 1000

// Match is a potential fill against a resting order. Fill price is always
// the resting (maker) order's price — the maker keeps its price improvement.
type Match struct {
	Maker    *model.Order
	Qty      int64
	PriceBps int64
}

// Book holds the resting orders of one event, bucketed by outcome and side.
type Book struct {
	bids map[string][]*model.Order // outcome id → sorted best-first
	asks map[string][]*model.Order
}

// Build constructs a book from the event's open orders. Orders with no
// remaining quantity are ignored.
func Build(orders []*model.Order) *Book {
	b := &Book{
		bids: make(map[string][]*model.Order),
		asks: make(map[string][]*model.Order),
	}
	for _, o := range orders {
		if o.Status != model.OrderOpen || o.Remaining <= 0 {
			continue
		}
		if o.Side == model.SideBuy {
			b.bids[o.OutcomeID] = append(b.bids[o.OutcomeID], o)
		} else {
			b.asks[o.OutcomeID] = append(b.asks[o.OutcomeID], o)
		}
	}
	for _, q := range b.bids {
		sortQueue(q, true)
	}
	for _, q := range b.asks {
		sortQueue(q, false)
	}
	return b
}

// sortQueue orders a queue best-price-first, ties broken by earliest
// creation, then id for determinism.
func sortQueue(q []*model.Order, descending bool) {
	sort.Slice(q, func(i, j int) bool {
		if q[i].PriceBps != q[j].PriceBps {
			if descending {
				return q[i].PriceBps > q[j].PriceBps
			}
			return q[i].PriceBps < q[j].PriceBps
		}
		if !q[i].CreatedAt.Equal(q[j].CreatedAt) {
			return q[i].CreatedAt.Before(q[j].CreatedAt)
		}
		return q[i].ID < q[j].ID
	})
}

// --- Matching ---
// FindMatches returns the fills an incoming order would produce against
// the opposite queue of the same outcome, in strict price-time priority,
// without mutating the book. Resting orders from the same user are
// skipped, never matched. Market orders (Type == market) ignore the
// price-marketability bound.
func (b *Book) FindMatches(incoming *model.Order) []Match {
	var queue []*model.Order
	if incoming.Side == model.SideBuy {
		queue = b.asks[incoming.OutcomeID]
	} else {
		queue = b.bids[incoming.OutcomeID]
	}

	var matches []Match
	rem := incoming.Remaining

	for _, resting := range queue {
		if rem <= 0 {
			break
		}
		if incoming.Type == model.TypeLimit {
			if incoming.Side == model.SideBuy && resting.PriceBps > incoming.PriceBps {
				break
			}
			if incoming.Side == model.SideSell && resting.PriceBps < incoming.PriceBps {
				break
			}
		}
		if resting.UserID == incoming.UserID {
			continue
		}

		fq := min64(rem, resting.Remaining)
		matches = append(matches, Match{Maker: resting, Qty: fq, PriceBps: resting.PriceBps})
		rem -= fq
	}
	return matches
}

// --- Quotes ---
// BestBid returns the best direct bid for an outcome, or nil.
func (b *Book) BestBid(outcomeID string) *int64 {
	q := b.bids[outcomeID]
	if len(q) == 0 {
		return nil
	}
	p := q[0].PriceBps
	return &p
}

// bestDirectAsk returns the best direct ask for an outcome, or nil.
func (b *Book) bestDirectAsk(outcomeID string) *int64 {
	q := b.asks[outcomeID]
	if len(q) == 0 {
		return nil
	}
	p := q[0].PriceBps
	return &p
}

// BestAsk returns the best ask for an outcome, synthesizing one from the
// complementary outcome's best bid when no direct ask rests: buying the
// complement at p is the same risk position as selling this outcome at
// Scale - p.
func (b *Book) BestAsk(outcomeID, complementID string) *int64 {
	if p := b.bestDirectAsk(outcomeID); p != nil {
		return p
	}
	if p := b.BestBid(complementID); p != nil {
		synth := model.Scale - *p
		return &synth
	}
	return nil
}

// SynthBestBid returns the best bid for an outcome, synthesizing one from
// the complementary outcome's direct ask when no direct bid rests.
func (b *Book) SynthBestBid(outcomeID, complementID string) *int64 {
	if p := b.BestBid(outcomeID); p != nil {
		return p
	}
	if p := b.bestDirectAsk(complementID); p != nil {
		synth := model.Scale - *p
		return &synth
	}
	return nil
}

// --- Depth snapshot ---
// Levels aggregates a side of one outcome into price levels carrying only
// total quantity and order count — no per-order detail leaves the book.
func (b *Book) Levels(outcomeID string, side model.OrderSide) []model.BookLevel {
	var queue []*model.Order
	if side == model.SideBuy {
		queue = b.bids[outcomeID]
	} else {
		queue = b.asks[outcomeID]
	}

	levels := []model.BookLevel{}
	for _, o := range queue {
		if n := len(levels); n > 0 && levels[n-1].PriceBps == o.PriceBps {
			levels[n-1].Qty += o.Remaining
			levels[n-1].Orders++
			continue
		}
		levels = append(levels, model.BookLevel{PriceBps: o.PriceBps, Qty: o.Remaining, Orders: 1})
	}
	return levels
}

// View builds the public per-outcome book view with complement-rule quotes.
func (b *Book) View(outcomeID, complementID string) model.OutcomeBook {
	return model.OutcomeBook{
		Bids:    b.Levels(outcomeID, model.SideBuy),
		Asks:    b.Levels(outcomeID, model.SideSell),
		BestBid: b.SynthBestBid(outcomeID, complementID),
		BestAsk: b.BestAsk(outcomeID, complementID),
	}
}

// --- Display price ---
// DisplayPrice picks a quote for an outcome: the rounded midpoint when
// both sides are quoted and the spread is not wider than WideSpreadBps;
// otherwise the last executed trade; otherwise the exact middle of the
// scale. The chosen source is reported for transparency.
func DisplayPrice(bestBid, bestAsk, lastTradeBps *int64) model.DisplayPrice {
	if bestBid != nil && bestAsk != nil && *bestAsk-*bestBid <= WideSpreadBps {
		mid := (*bestBid + *bestAsk + 1) / 2
		return model.DisplayPrice{PriceBps: mid, Source: model.SourceMidpoint}
	}
	if lastTradeBps != nil {
		return model.DisplayPrice{PriceBps: *lastTradeBps, Source: model.SourceLastTrade}
	}
	return model.DisplayPrice{PriceBps: model.Scale / 2, Source: model.SourceUnpriced}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
