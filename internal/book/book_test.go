package book

import (
	"testing"
	"time"

	"github.com/predyx/exchange-core/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func order(id, user string, side model.OrderSide, outcome string, price, qty int64, at time.Time) *model.Order {
	return &model.Order{
		ID:        id,
		EventID:   "ev1",
		UserID:    user,
		Side:      side,
		Type:      model.TypeLimit,
		OutcomeID: outcome,
		PriceBps:  price,
		Qty:       qty,
		Remaining: qty,
		Status:    model.OrderOpen,
		CreatedAt: at,
	}
}

// --- Matching ---

func TestFindMatches_PriceTimePriority(t *testing.T) {
	// B has the earlier timestamp but the worse price; A must fill first.
	a := order("a", "alice", model.SideSell, model.OutcomeYes, 5500, 5, t0.Add(time.Minute))
	b := order("b", "bob", model.SideSell, model.OutcomeYes, 6000, 5, t0)
	bk := Build([]*model.Order{b, a})

	incoming := order("in", "carol", model.SideBuy, model.OutcomeYes, 6000, 8, t0.Add(2*time.Minute))
	matches := bk.FindMatches(incoming)

	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].Maker.ID != "a" || matches[0].Qty != 5 || matches[0].PriceBps != 5500 {
		t.Errorf("first fill should be order a at 5500 qty 5, got %+v", matches[0])
	}
	if matches[1].Maker.ID != "b" || matches[1].Qty != 3 || matches[1].PriceBps != 6000 {
		t.Errorf("second fill should be order b at 6000 qty 3, got %+v", matches[1])
	}
}

func TestFindMatches_TimeBreaksPriceTies(t *testing.T) {
	a := order("a", "alice", model.SideSell, model.OutcomeYes, 6000, 5, t0.Add(time.Minute))
	b := order("b", "bob", model.SideSell, model.OutcomeYes, 6000, 5, t0)
	bk := Build([]*model.Order{a, b})

	incoming := order("in", "carol", model.SideBuy, model.OutcomeYes, 6000, 3, t0.Add(2*time.Minute))
	matches := bk.FindMatches(incoming)

	if len(matches) != 1 || matches[0].Maker.ID != "b" {
		t.Fatalf("earlier order at same price should fill first, got %+v", matches)
	}
}

func TestFindMatches_SelfTradePrevention(t *testing.T) {
	own := order("own", "alice", model.SideSell, model.OutcomeYes, 5000, 5, t0)
	other := order("other", "bob", model.SideSell, model.OutcomeYes, 5500, 5, t0.Add(time.Minute))
	bk := Build([]*model.Order{own, other})

	incoming := order("in", "alice", model.SideBuy, model.OutcomeYes, 6000, 5, t0.Add(2*time.Minute))
	matches := bk.FindMatches(incoming)

	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	if matches[0].Maker.UserID == "alice" {
		t.Error("order matched against the same user's resting order")
	}
	if matches[0].Maker.ID != "other" {
		t.Errorf("expected fill against bob's order, got %s", matches[0].Maker.ID)
	}
}

func TestFindMatches_RestingBuyFilledBySell(t *testing.T) {
	// Resting buy at 6000 bps qty 5; incoming sell qty 3 fills 3 at 6000.
	resting := order("buy", "alice", model.SideBuy, model.OutcomeYes, 6000, 5, t0)
	bk := Build([]*model.Order{resting})

	incoming := order("sell", "bob", model.SideSell, model.OutcomeYes, 6000, 3, t0.Add(time.Minute))
	matches := bk.FindMatches(incoming)

	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	if matches[0].Qty != 3 || matches[0].PriceBps != 6000 {
		t.Errorf("expected fill qty=3 price=6000, got %+v", matches[0])
	}
}

func TestFindMatches_LimitPriceBound(t *testing.T) {
	ask := order("ask", "alice", model.SideSell, model.OutcomeYes, 7000, 5, t0)
	bk := Build([]*model.Order{ask})

	buy := order("buy", "bob", model.SideBuy, model.OutcomeYes, 6000, 5, t0.Add(time.Minute))
	if matches := bk.FindMatches(buy); len(matches) != 0 {
		t.Errorf("buy below ask should not match, got %+v", matches)
	}
}

func TestFindMatches_MarketIgnoresPriceBound(t *testing.T) {
	ask := order("ask", "alice", model.SideSell, model.OutcomeYes, 9000, 5, t0)
	bk := Build([]*model.Order{ask})

	mkt := order("mkt", "bob", model.SideBuy, model.OutcomeYes, 0, 3, t0.Add(time.Minute))
	mkt.Type = model.TypeMarket
	matches := bk.FindMatches(mkt)
	if len(matches) != 1 || matches[0].PriceBps != 9000 {
		t.Errorf("market order should lift any ask, got %+v", matches)
	}
}

func TestFindMatches_DoesNotMutateBook(t *testing.T) {
	ask := order("ask", "alice", model.SideSell, model.OutcomeYes, 5000, 5, t0)
	bk := Build([]*model.Order{ask})

	buy := order("buy", "bob", model.SideBuy, model.OutcomeYes, 6000, 5, t0.Add(time.Minute))
	bk.FindMatches(buy)

	if ask.Remaining != 5 {
		t.Errorf("peek must not mutate resting orders, remaining=%d", ask.Remaining)
	}
}

// --- Complement rule ---

func TestBestAsk_SynthesizedFromComplementBid(t *testing.T) {
	// No YES asks; best NO bid 7000 → synthesized YES ask 3000.
	noBid := order("nb", "alice", model.SideBuy, model.OutcomeNo, 7000, 5, t0)
	bk := Build([]*model.Order{noBid})

	ask := bk.BestAsk(model.OutcomeYes, model.OutcomeNo)
	if ask == nil {
		t.Fatal("expected synthesized ask, got nil")
	}
	if *ask != 3000 {
		t.Errorf("expected synthesized ask 3000, got %d", *ask)
	}
}

func TestBestAsk_DirectAskWins(t *testing.T) {
	direct := order("da", "alice", model.SideSell, model.OutcomeYes, 4000, 5, t0)
	noBid := order("nb", "bob", model.SideBuy, model.OutcomeNo, 7000, 5, t0)
	bk := Build([]*model.Order{direct, noBid})

	ask := bk.BestAsk(model.OutcomeYes, model.OutcomeNo)
	if ask == nil || *ask != 4000 {
		t.Errorf("direct ask should win over synthesis, got %v", ask)
	}
}

func TestSynthBestBid_FromComplementAsk(t *testing.T) {
	noAsk := order("na", "alice", model.SideSell, model.OutcomeNo, 6500, 5, t0)
	bk := Build([]*model.Order{noAsk})

	bid := bk.SynthBestBid(model.OutcomeYes, model.OutcomeNo)
	if bid == nil || *bid != 3500 {
		t.Errorf("expected synthesized bid 3500, got %v", bid)
	}
}

// --- Depth ---

func TestLevels_AggregatesByPrice(t *testing.T) {
	bk := Build([]*model.Order{
		order("a", "alice", model.SideBuy, model.OutcomeYes, 6000, 5, t0),
		order("b", "bob", model.SideBuy, model.OutcomeYes, 6000, 3, t0.Add(time.Second)),
		order("c", "carol", model.SideBuy, model.OutcomeYes, 5500, 7, t0),
	})

	levels := bk.Levels(model.OutcomeYes, model.SideBuy)
	if len(levels) != 2 {
		t.Fatalf("expected 2 levels, got %d", len(levels))
	}
	if levels[0].PriceBps != 6000 || levels[0].Qty != 8 || levels[0].Orders != 2 {
		t.Errorf("top level wrong: %+v", levels[0])
	}
	if levels[1].PriceBps != 5500 || levels[1].Qty != 7 || levels[1].Orders != 1 {
		t.Errorf("second level wrong: %+v", levels[1])
	}
}

// --- Display price ---

func TestDisplayPrice_MidpointWhenTight(t *testing.T) {
	bid, ask := int64(4500), int64(5000)
	dp := DisplayPrice(&bid, &ask, nil)
	if dp.Source != model.SourceMidpoint {
		t.Fatalf("expected midpoint source, got %s", dp.Source)
	}
	if dp.PriceBps != 4750 {
		t.Errorf("expected midpoint 4750, got %d", dp.PriceBps)
	}
}

func TestDisplayPrice_LastTradeWhenWide(t *testing.T) {
	bid, ask, last := int64(2000), int64(8000), int64(5200)
	dp := DisplayPrice(&bid, &ask, &last)
	if dp.Source != model.SourceLastTrade || dp.PriceBps != 5200 {
		t.Errorf("wide spread should fall back to last trade, got %+v", dp)
	}
}

func TestDisplayPrice_UnpricedFallback(t *testing.T) {
	dp := DisplayPrice(nil, nil, nil)
	if dp.Source != model.SourceUnpriced || dp.PriceBps != model.Scale/2 {
		t.Errorf("expected unpriced fallback at %d, got %+v", model.Scale/2, dp)
	}
}

func TestDisplayPrice_OneSidedUsesLastTrade(t *testing.T) {
	bid, last := int64(4000), int64(4200)
	dp := DisplayPrice(&bid, nil, &last)
	if dp.Source != model.SourceLastTrade || dp.PriceBps != 4200 {
		t.Errorf("one-sided book should use last trade, got %+v", dp)
	}
}
