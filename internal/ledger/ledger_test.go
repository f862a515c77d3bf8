package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/predyx/exchange-core/internal/metrics"
	"github.com/predyx/exchange-core/internal/model"
	"github.com/predyx/exchange-core/internal/store"
)

func newLedger() *Ledger {
	return New(store.NewMemoryStore())
}

// --- Balances ---

func TestDeposit(t *testing.T) {
	ctx := context.Background()
	l := newLedger()

	bal, err := l.Deposit(ctx, "alice", 10000)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if bal.Available != 10000 || bal.Locked != 0 {
		t.Errorf("expected available=10000 locked=0, got %+v", bal)
	}

	bal, _ = l.Deposit(ctx, "alice", 5000)
	if bal.Available != 15000 {
		t.Errorf("deposits should accumulate, got %d", bal.Available)
	}
}

func TestDeposit_RejectsNonPositive(t *testing.T) {
	ctx := context.Background()
	l := newLedger()

	if _, err := l.Deposit(ctx, "alice", 0); !model.IsKind(err, model.KindInvalid) {
		t.Errorf("expected invalid for zero deposit, got %v", err)
	}
	if _, err := l.Deposit(ctx, "alice", -5); !model.IsKind(err, model.KindInvalid) {
		t.Errorf("expected invalid for negative deposit, got %v", err)
	}
}

func TestLockFunds_MovesAvailableToLocked(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	l.Deposit(ctx, "alice", 10000)

	if err := l.LockFunds(ctx, "alice", 6000); err != nil {
		t.Fatalf("lock: %v", err)
	}
	bal, _ := l.Balance(ctx, "alice")
	if bal.Available != 4000 || bal.Locked != 6000 {
		t.Errorf("expected 4000/6000, got %+v", bal)
	}
}

func TestLockFunds_Insufficient(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	l.Deposit(ctx, "alice", 100)

	err := l.LockFunds(ctx, "alice", 200)
	if !model.IsKind(err, model.KindInsufficient) {
		t.Errorf("expected insufficient, got %v", err)
	}
	bal, _ := l.Balance(ctx, "alice")
	if bal.Available != 100 || bal.Locked != 0 {
		t.Errorf("failed lock must not change balance, got %+v", bal)
	}
}

func TestUnlockFunds_RoundTrip(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	l.Deposit(ctx, "alice", 10000)
	l.LockFunds(ctx, "alice", 6000)

	if err := l.UnlockFunds(ctx, "alice", 6000); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	bal, _ := l.Balance(ctx, "alice")
	if bal.Available != 10000 || bal.Locked != 0 {
		t.Errorf("expected full round trip, got %+v", bal)
	}
}

func TestUnlockFunds_OverdrawIsFault(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	l.Deposit(ctx, "alice", 1000)
	l.LockFunds(ctx, "alice", 500)

	if err := l.UnlockFunds(ctx, "alice", 600); !model.IsKind(err, model.KindFault) {
		t.Errorf("unlocking more than locked is broken bookkeeping, got %v", err)
	}
}

func TestSpendLocked(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	l.Deposit(ctx, "alice", 10000)
	l.LockFunds(ctx, "alice", 6000)

	if err := l.SpendLocked(ctx, "alice", 6000); err != nil {
		t.Fatalf("spend: %v", err)
	}
	bal, _ := l.Balance(ctx, "alice")
	if bal.Available != 4000 || bal.Locked != 0 {
		t.Errorf("expected 4000/0 after spend, got %+v", bal)
	}
}

// --- Positions ---

func TestShares_AddRemove(t *testing.T) {
	ctx := context.Background()
	l := newLedger()

	if err := l.AddShares(ctx, "ev1", "alice", model.OutcomeYes, 10); err != nil {
		t.Fatalf("add: %v", err)
	}
	pos, _ := l.Position(ctx, "ev1", "alice")
	if pos.Get(model.OutcomeYes) != 10 {
		t.Errorf("expected 10 yes shares, got %d", pos.Get(model.OutcomeYes))
	}

	if err := l.RemoveShares(ctx, "ev1", "alice", model.OutcomeYes, 4); err != nil {
		t.Fatalf("remove: %v", err)
	}
	pos, _ = l.Position(ctx, "ev1", "alice")
	if pos.Get(model.OutcomeYes) != 6 {
		t.Errorf("expected 6 yes shares, got %d", pos.Get(model.OutcomeYes))
	}
}

func TestRemoveShares_Insufficient(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	l.AddShares(ctx, "ev1", "alice", model.OutcomeYes, 3)

	err := l.RemoveShares(ctx, "ev1", "alice", model.OutcomeYes, 5)
	if !model.IsKind(err, model.KindInsufficient) {
		t.Errorf("expected insufficient, got %v", err)
	}
	pos, _ := l.Position(ctx, "ev1", "alice")
	if pos.Get(model.OutcomeYes) != 3 {
		t.Errorf("failed removal must not change position, got %d", pos.Get(model.OutcomeYes))
	}
}

func TestHolders_IndexedOnFirstShares(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	l.AddShares(ctx, "ev1", "alice", model.OutcomeYes, 1)
	l.AddShares(ctx, "ev1", "bob", model.OutcomeNo, 2)

	holders, err := l.Holders(ctx, "ev1")
	if err != nil {
		t.Fatalf("holders: %v", err)
	}
	if len(holders) != 2 {
		t.Errorf("expected 2 holders, got %v", holders)
	}
}

// --- Collateral pool ---

func TestPool_CreditDebit(t *testing.T) {
	ctx := context.Background()
	l := newLedger()

	if _, err := l.CreditPool(ctx, "ev1", 5000); err != nil {
		t.Fatalf("credit: %v", err)
	}
	after, err := l.DebitPool(ctx, "ev1", 3000)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if after != 2000 {
		t.Errorf("expected pool 2000, got %d", after)
	}
}

func TestPool_ShortfallIsFault(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	l.CreditPool(ctx, "ev1", 1000)

	if _, err := l.DebitPool(ctx, "ev1", 2000); !model.IsKind(err, model.KindFault) {
		t.Errorf("pool shortfall must be a fault, got %v", err)
	}
	pool, _ := l.Pool(ctx, "ev1")
	if pool != 1000 {
		t.Errorf("failed debit must not change pool, got %d", pool)
	}
}

// --- Orders, trades, events ---

func TestOpenOrders_FiltersByStatus(t *testing.T) {
	ctx := context.Background()
	l := newLedger()

	mk := func(id string, status model.OrderStatus) *model.Order {
		return &model.Order{
			ID: id, EventID: "ev1", UserID: "alice",
			Side: model.SideBuy, Type: model.TypeLimit,
			OutcomeID: model.OutcomeYes, PriceBps: 5000, Qty: 1, Remaining: 1,
			Status: status, CreatedAt: time.Now(),
		}
	}
	l.PutOrder(ctx, mk("a", model.OrderOpen))
	l.PutOrder(ctx, mk("b", model.OrderFilled))
	l.PutOrder(ctx, mk("c", model.OrderCancelled))

	open, err := l.OpenOrders(ctx, "ev1")
	if err != nil {
		t.Fatalf("open orders: %v", err)
	}
	if len(open) != 1 || open[0].ID != "a" {
		t.Errorf("expected only order a open, got %v", open)
	}
}

func TestLastTrade(t *testing.T) {
	ctx := context.Background()
	l := newLedger()

	if last, err := l.LastTrade(ctx, "ev1"); err != nil || last != nil {
		t.Fatalf("expected nil last trade on empty log, got %v err=%v", last, err)
	}

	l.AppendTrade(ctx, &model.Trade{ID: "t1", EventID: "ev1", PriceBps: 4000, Qty: 1})
	l.AppendTrade(ctx, &model.Trade{ID: "t2", EventID: "ev1", PriceBps: 4500, Qty: 2})

	last, err := l.LastTrade(ctx, "ev1")
	if err != nil {
		t.Fatalf("last trade: %v", err)
	}
	if last.ID != "t2" || last.PriceBps != 4500 {
		t.Errorf("expected t2 at 4500, got %+v", last)
	}
}

func TestPriceHistory_Bounded(t *testing.T) {
	ctx := context.Background()
	l := newLedger()

	for i := 0; i < 5; i++ {
		snap := &model.PriceSnapshot{
			At:     time.Now(),
			Prices: map[string]float64{model.OutcomeYes: float64(i) / 10},
		}
		if err := l.AppendPrice(ctx, "ev1", snap, 3); err != nil {
			t.Fatalf("append price: %v", err)
		}
	}
	hist, err := l.PriceHistory(ctx, "ev1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 3 {
		t.Errorf("expected history trimmed to 3, got %d", len(hist))
	}
}

func TestEvent_NotFound(t *testing.T) {
	ctx := context.Background()
	l := newLedger()

	if _, err := l.Event(ctx, "missing"); !model.IsKind(err, model.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

// --- Lock contention ---

func TestLock_ContentionIsCountedAndRetryable(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	st.SetLockWait(20 * time.Millisecond)
	l := New(st)

	unlock, err := st.Lock(ctx, store.BalanceKey("alice"), time.Minute)
	if err != nil {
		t.Fatalf("hold lock: %v", err)
	}
	defer unlock()

	before := testutil.ToFloat64(metrics.LockContention)
	if _, err := l.Deposit(ctx, "alice", 100); !model.IsKind(err, model.KindContended) {
		t.Fatalf("expected contended while the balance lock is held, got %v", err)
	}
	if got := testutil.ToFloat64(metrics.LockContention) - before; got != 1 {
		t.Errorf("expected one contention recorded, got %v", got)
	}
}
