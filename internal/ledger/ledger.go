// Package ledger is the atomic operations layer over the key-addressed
// store: balances, positions, the per-event collateral pool, entity
// records, and the append-only audit log.
//
// Every read-modify-write runs inside the named lock for its resource
// (balance:{user}, position:{event}:{user}, collateral:{event}), released
// on all exit paths. Composite callers (engine, resolution) hold the
// event lock outermost; this package only ever takes one inner lock at a
// time, so lock ordering stays acyclic.
//
// All quantities here are fixed-scale integers. A mutation that would
// drive any balance, position, or pool negative is rejected — as an
// insufficient-resource error when the caller's request is simply too
// large, or as a fault when it reveals broken bookkeeping.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/predyx/exchange-core/internal/metrics"
	"github.com/predyx/exchange-core/internal/model"
	"github.com/predyx/exchange-core/internal/store"
)

// Ledger wraps a Store with typed, lock-scoped operations.
type Ledger struct {
	st      store.Store
	lockTTL time.Duration
}

// New creates a Ledger over st.
func New(st store.Store) *Ledger {
	return &Ledger{st: st, lockTTL: 5 * time.Second}
}

// Store exposes the underlying store for read-only range queries.
func (l *Ledger) Store() store.Store { return l.st }

// lock acquires a named lease, translating contention into a retryable
// error for callers.
func (l *Ledger) lock(ctx context.Context, op, key string) (store.UnlockFunc, error) {
	unlock, err := l.st.Lock(ctx, key, l.lockTTL)
	if errors.Is(err, store.ErrLockHeld) {
		metrics.LockContention.Inc()
		return nil, model.E(model.KindContended, op, "resource %s is busy, retry", key)
	}
	if err != nil {
		return nil, model.Wrap(model.KindFault, op, err)
	}
	return unlock, nil
}

// LockEvent takes the event-scoped lock that composite operations hold
// outermost. The caller must invoke the returned unlock on every path.
func (l *Ledger) LockEvent(ctx context.Context, eventID string) (store.UnlockFunc, error) {
	return l.lock(ctx, "ledger.LockEvent", store.EventKey(eventID))
}

// --- Generic record codec ---
func (l *Ledger) getJSON(ctx context.Context, op, key string, v any) error {
	raw, err := l.st.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return model.E(model.KindNotFound, op, "%s", key)
	}
	if err != nil {
		return model.Wrap(model.KindFault, op, err)
	}
	// Persisted records either decode fully or the operation fails; the
	// core never substitutes defaults for malformed state.
	if err := json.Unmarshal(raw, v); err != nil {
		slog.Error("malformed persisted record", "key", key, "err", err)
		return model.Wrap(model.KindFault, op, err)
	}
	return nil
}

func (l *Ledger) setJSON(ctx context.Context, op, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return model.Wrap(model.KindFault, op, err)
	}
	if err := l.st.Set(ctx, key, raw); err != nil {
		return model.Wrap(model.KindFault, op, err)
	}
	return nil
}

func (l *Ledger) appendJSON(ctx context.Context, op, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return model.Wrap(model.KindFault, op, err)
	}
	if err := l.st.Append(ctx, key, raw); err != nil {
		return model.Wrap(model.KindFault, op, err)
	}
	return nil
}

// --- Balances ---
// withBalance runs fn on the user's balance inside the balance lock.
// An absent record reads as a zero balance (new user).
func (l *Ledger) withBalance(ctx context.Context, op, userID string, fn func(*model.Balance) error) (*model.Balance, error) {
	unlock, err := l.lock(ctx, op, store.BalanceKey(userID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	bal := &model.Balance{UserID: userID}
	if err := l.getJSON(ctx, op, store.BalanceKey(userID), bal); err != nil &&
		!model.IsKind(err, model.KindNotFound) {
		return nil, err
	}

	if err := fn(bal); err != nil {
		return nil, err
	}
	if bal.Available < 0 || bal.Locked < 0 {
		return nil, model.E(model.KindFault, op,
			"balance for %s would go negative (available=%d locked=%d)",
			userID, bal.Available, bal.Locked)
	}
	if err := l.setJSON(ctx, op, store.BalanceKey(userID), bal); err != nil {
		return nil, err
	}
	return bal, nil
}

// Balance reads a user's balance without mutating it.
func (l *Ledger) Balance(ctx context.Context, userID string) (*model.Balance, error) {
	bal := &model.Balance{UserID: userID}
	err := l.getJSON(ctx, "ledger.Balance", store.BalanceKey(userID), bal)
	if err != nil && !model.IsKind(err, model.KindNotFound) {
		return nil, err
	}
	return bal, nil
}

// Deposit credits available funds.
func (l *Ledger) Deposit(ctx context.Context, userID string, units int64) (*model.Balance, error) {
	const op = "ledger.Deposit"
	if units <= 0 {
		return nil, model.E(model.KindInvalid, op, "deposit must be positive, got %d", units)
	}
	return l.withBalance(ctx, op, userID, func(b *model.Balance) error {
		b.Available += units
		return nil
	})
}

// LockFunds moves units from available to locked, rejecting shortfalls
// before anything is written.
func (l *Ledger) LockFunds(ctx context.Context, userID string, units int64) error {
	const op = "ledger.LockFunds"
	_, err := l.withBalance(ctx, op, userID, func(b *model.Balance) error {
		if b.Available < units {
			return model.E(model.KindInsufficient, op,
				"need %d units, have %d available", units, b.Available)
		}
		b.Available -= units
		b.Locked += units
		return nil
	})
	return err
}

// UnlockFunds moves units from locked back to available. A shortfall here
// means collateral bookkeeping is broken, so it surfaces as a fault.
func (l *Ledger) UnlockFunds(ctx context.Context, userID string, units int64) error {
	const op = "ledger.UnlockFunds"
	_, err := l.withBalance(ctx, op, userID, func(b *model.Balance) error {
		if b.Locked < units {
			return model.E(model.KindFault, op,
				"unlock of %d exceeds locked %d for %s", units, b.Locked, userID)
		}
		b.Locked -= units
		b.Available += units
		return nil
	})
	return err
}

// SpendLocked consumes locked collateral (a fill paying the counterparty).
func (l *Ledger) SpendLocked(ctx context.Context, userID string, units int64) error {
	const op = "ledger.SpendLocked"
	_, err := l.withBalance(ctx, op, userID, func(b *model.Balance) error {
		if b.Locked < units {
			return model.E(model.KindFault, op,
				"spend of %d exceeds locked %d for %s", units, b.Locked, userID)
		}
		b.Locked -= units
		return nil
	})
	return err
}

// Credit adds units to available funds (fill proceeds, payouts).
func (l *Ledger) Credit(ctx context.Context, userID string, units int64) error {
	const op = "ledger.Credit"
	_, err := l.withBalance(ctx, op, userID, func(b *model.Balance) error {
		b.Available += units
		return nil
	})
	return err
}

// Debit removes units from available funds, rejecting shortfalls.
func (l *Ledger) Debit(ctx context.Context, userID string, units int64) error {
	const op = "ledger.Debit"
	_, err := l.withBalance(ctx, op, userID, func(b *model.Balance) error {
		if b.Available < units {
			return model.E(model.KindInsufficient, op,
				"need %d units, have %d available", units, b.Available)
		}
		b.Available -= units
		return nil
	})
	return err
}

// --- Positions ---
func (l *Ledger) withPosition(ctx context.Context, op, eventID, userID string, fn func(*model.Position) error) error {
	key := store.PositionKey(eventID, userID)
	unlock, err := l.lock(ctx, op, key)
	if err != nil {
		return err
	}
	defer unlock()

	pos := &model.Position{EventID: eventID, UserID: userID, Qty: map[string]int64{}}
	if err := l.getJSON(ctx, op, key, pos); err != nil &&
		!model.IsKind(err, model.KindNotFound) {
		return err
	}
	if pos.Qty == nil {
		pos.Qty = map[string]int64{}
	}

	if err := fn(pos); err != nil {
		return err
	}
	for outcome, qty := range pos.Qty {
		if qty < 0 {
			return model.E(model.KindFault, op,
				"position %s/%s outcome %s would go negative (%d)",
				eventID, userID, outcome, qty)
		}
	}
	if err := l.setJSON(ctx, op, key, pos); err != nil {
		return err
	}
	// Index the holder so settlement can walk every position.
	if err := l.st.AddToSet(ctx, store.HoldersKey(eventID), userID); err != nil {
		return model.Wrap(model.KindFault, op, err)
	}
	return nil
}

// Position reads a user's position (zero-valued when absent).
func (l *Ledger) Position(ctx context.Context, eventID, userID string) (*model.Position, error) {
	pos := &model.Position{EventID: eventID, UserID: userID, Qty: map[string]int64{}}
	err := l.getJSON(ctx, "ledger.Position", store.PositionKey(eventID, userID), pos)
	if err != nil && !model.IsKind(err, model.KindNotFound) {
		return nil, err
	}
	if pos.Qty == nil {
		pos.Qty = map[string]int64{}
	}
	return pos, nil
}

// Holders lists every user with a recorded position on the event.
func (l *Ledger) Holders(ctx context.Context, eventID string) ([]string, error) {
	users, err := l.st.Members(ctx, store.HoldersKey(eventID))
	if err != nil {
		return nil, model.Wrap(model.KindFault, "ledger.Holders", err)
	}
	return users, nil
}

// AddShares grants shares of an outcome to a user.
func (l *Ledger) AddShares(ctx context.Context, eventID, userID, outcomeID string, qty int64) error {
	return l.withPosition(ctx, "ledger.AddShares", eventID, userID, func(p *model.Position) error {
		p.Qty[outcomeID] += qty
		return nil
	})
}

// RemoveShares takes shares out of a position (sell-order escrow), held in
// escrow rather than merely checked, so a second order cannot promise the
// same shares.
func (l *Ledger) RemoveShares(ctx context.Context, eventID, userID, outcomeID string, qty int64) error {
	const op = "ledger.RemoveShares"
	return l.withPosition(ctx, op, eventID, userID, func(p *model.Position) error {
		if p.Qty[outcomeID] < qty {
			return model.E(model.KindInsufficient, op,
				"need %d shares of %s, have %d", qty, outcomeID, p.Qty[outcomeID])
		}
		p.Qty[outcomeID] -= qty
		return nil
	})
}

// --- Collateral pool ---
type poolRecord struct {
	Units int64 `json:"units"`
}

func (l *Ledger) withPool(ctx context.Context, op, eventID string, fn func(*poolRecord) error) (int64, error) {
	key := store.PoolKey(eventID)
	unlock, err := l.lock(ctx, op, key)
	if err != nil {
		return 0, err
	}
	defer unlock()

	var pool poolRecord
	if err := l.getJSON(ctx, op, key, &pool); err != nil &&
		!model.IsKind(err, model.KindNotFound) {
		return 0, err
	}
	if err := fn(&pool); err != nil {
		return 0, err
	}
	if pool.Units < 0 {
		return 0, model.E(model.KindFault, op,
			"collateral pool for %s would go negative (%d)", eventID, pool.Units)
	}
	if err := l.setJSON(ctx, op, key, &pool); err != nil {
		return 0, err
	}
	return pool.Units, nil
}

// Pool reads the event's collateral pool.
func (l *Ledger) Pool(ctx context.Context, eventID string) (int64, error) {
	var pool poolRecord
	err := l.getJSON(ctx, "ledger.Pool", store.PoolKey(eventID), &pool)
	if err != nil && !model.IsKind(err, model.KindNotFound) {
		return 0, err
	}
	return pool.Units, nil
}

// CreditPool adds backing funds (creation subsidy, AMM purchase proceeds).
func (l *Ledger) CreditPool(ctx context.Context, eventID string, units int64) (int64, error) {
	return l.withPool(ctx, "ledger.CreditPool", eventID, func(p *poolRecord) error {
		p.Units += units
		return nil
	})
}

// DebitPool removes payout funds. A shortfall is a bookkeeping
// inconsistency and fails the whole settlement, never a clamp.
func (l *Ledger) DebitPool(ctx context.Context, eventID string, units int64) (int64, error) {
	const op = "ledger.DebitPool"
	return l.withPool(ctx, op, eventID, func(p *poolRecord) error {
		if p.Units < units {
			return model.E(model.KindFault, op,
				"payout %d exceeds collateral pool %d for %s", units, p.Units, eventID)
		}
		p.Units -= units
		return nil
	})
}

// --- Entity records ---
// Event reads an event record.
func (l *Ledger) Event(ctx context.Context, eventID string) (*model.Event, error) {
	var ev model.Event
	if err := l.getJSON(ctx, "ledger.Event", store.EventKey(eventID), &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// PutEvent writes an event record and indexes its id.
func (l *Ledger) PutEvent(ctx context.Context, ev *model.Event) error {
	const op = "ledger.PutEvent"
	if err := l.setJSON(ctx, op, store.EventKey(ev.ID), ev); err != nil {
		return err
	}
	if err := l.st.AddToSet(ctx, store.EventsKey(), ev.ID); err != nil {
		return model.Wrap(model.KindFault, op, err)
	}
	return nil
}

// EventIDs lists all known event ids.
func (l *Ledger) EventIDs(ctx context.Context) ([]string, error) {
	ids, err := l.st.Members(ctx, store.EventsKey())
	if err != nil {
		return nil, model.Wrap(model.KindFault, "ledger.EventIDs", err)
	}
	return ids, nil
}

// Order reads an order record.
func (l *Ledger) Order(ctx context.Context, orderID string) (*model.Order, error) {
	var o model.Order
	if err := l.getJSON(ctx, "ledger.Order", store.OrderKey(orderID), &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// PutOrder writes an order record and indexes it under its event.
func (l *Ledger) PutOrder(ctx context.Context, o *model.Order) error {
	const op = "ledger.PutOrder"
	if err := l.setJSON(ctx, op, store.OrderKey(o.ID), o); err != nil {
		return err
	}
	if err := l.st.AddToSet(ctx, store.EventOrdersKey(o.EventID), o.ID); err != nil {
		return model.Wrap(model.KindFault, op, err)
	}
	return nil
}

// OpenOrders loads every open order for an event.
func (l *Ledger) OpenOrders(ctx context.Context, eventID string) ([]*model.Order, error) {
	ids, err := l.st.Members(ctx, store.EventOrdersKey(eventID))
	if err != nil {
		return nil, model.Wrap(model.KindFault, "ledger.OpenOrders", err)
	}

	var open []*model.Order
	for _, id := range ids {
		o, err := l.Order(ctx, id)
		if err != nil {
			return nil, err
		}
		if o.Status == model.OrderOpen {
			open = append(open, o)
		}
	}
	return open, nil
}

// AppendTrade appends to the event's immutable trade log.
func (l *Ledger) AppendTrade(ctx context.Context, t *model.Trade) error {
	return l.appendJSON(ctx, "ledger.AppendTrade", store.TradesKey(t.EventID), t)
}

// Trades returns trade log entries in [start, stop] (LRANGE semantics).
func (l *Ledger) Trades(ctx context.Context, eventID string, start, stop int64) ([]model.Trade, error) {
	const op = "ledger.Trades"
	raws, err := l.st.Range(ctx, store.TradesKey(eventID), start, stop)
	if err != nil {
		return nil, model.Wrap(model.KindFault, op, err)
	}
	trades := make([]model.Trade, 0, len(raws))
	for _, raw := range raws {
		var t model.Trade
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, model.Wrap(model.KindFault, op, err)
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// LastTrade returns the most recent trade, or nil when none exists.
func (l *Ledger) LastTrade(ctx context.Context, eventID string) (*model.Trade, error) {
	trades, err := l.Trades(ctx, eventID, -1, -1)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, nil
	}
	return &trades[0], nil
}

// --- Price history ---
// AppendPrice appends a snapshot to the event's bounded price history,
// evicting entries past the retention count.
func (l *Ledger) AppendPrice(ctx context.Context, eventID string, snap *model.PriceSnapshot, retain int64) error {
	const op = "ledger.AppendPrice"
	if err := l.appendJSON(ctx, op, store.PricesKey(eventID), snap); err != nil {
		return err
	}
	if err := l.st.Trim(ctx, store.PricesKey(eventID), retain); err != nil {
		return model.Wrap(model.KindFault, op, err)
	}
	return nil
}

// PriceHistory returns the retained price snapshots, oldest first.
func (l *Ledger) PriceHistory(ctx context.Context, eventID string) ([]model.PriceSnapshot, error) {
	const op = "ledger.PriceHistory"
	raws, err := l.st.Range(ctx, store.PricesKey(eventID), 0, -1)
	if err != nil {
		return nil, model.Wrap(model.KindFault, op, err)
	}
	snaps := make([]model.PriceSnapshot, 0, len(raws))
	for _, raw := range raws {
		var s model.PriceSnapshot
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, model.Wrap(model.KindFault, op, err)
		}
		snaps = append(snaps, s)
	}
	return snaps, nil
}

// --- Proposals ---
// Proposal reads the event's resolution proposal.
func (l *Ledger) Proposal(ctx context.Context, eventID string) (*model.Proposal, error) {
	var p model.Proposal
	if err := l.getJSON(ctx, "ledger.Proposal", store.ProposalKey(eventID), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// PutProposal writes the event's resolution proposal.
func (l *Ledger) PutProposal(ctx context.Context, p *model.Proposal) error {
	return l.setJSON(ctx, "ledger.PutProposal", store.ProposalKey(p.EventID), p)
}

// --- Audit & rules ---
// Audit appends to the event's immutable audit log. Audit failures are
// surfaced, not swallowed: state-changing admin actions must leave a trail.
func (l *Ledger) Audit(ctx context.Context, eventID, actor, action string, detail map[string]any) error {
	entry := &model.AuditEntry{
		At:     time.Now().UTC(),
		Actor:  actor,
		Action: action,
		Detail: detail,
	}
	return l.appendJSON(ctx, "ledger.Audit", store.AuditKey(eventID), entry)
}

// AuditLog returns audit entries in [start, stop].
func (l *Ledger) AuditLog(ctx context.Context, eventID string, start, stop int64) ([]model.AuditEntry, error) {
	const op = "ledger.AuditLog"
	raws, err := l.st.Range(ctx, store.AuditKey(eventID), start, stop)
	if err != nil {
		return nil, model.Wrap(model.KindFault, op, err)
	}
	entries := make([]model.AuditEntry, 0, len(raws))
	for _, raw := range raws {
		var e model.AuditEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, model.Wrap(model.KindFault, op, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// AppendRule appends an administrative rule clarification; clarifications
// are write-only and never reordered.
func (l *Ledger) AppendRule(ctx context.Context, eventID, actor, text string) error {
	entry := &model.AuditEntry{
		At:     time.Now().UTC(),
		Actor:  actor,
		Action: "rule_clarification",
		Detail: map[string]any{"text": text},
	}
	return l.appendJSON(ctx, "ledger.AppendRule", store.RulesKey(eventID), entry)
}

// Rules returns all rule clarifications, oldest first.
func (l *Ledger) Rules(ctx context.Context, eventID string) ([]model.AuditEntry, error) {
	const op = "ledger.Rules"
	raws, err := l.st.Range(ctx, store.RulesKey(eventID), 0, -1)
	if err != nil {
		return nil, model.Wrap(model.KindFault, op, err)
	}
	entries := make([]model.AuditEntry, 0, len(raws))
	for _, raw := range raws {
		var e model.AuditEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, model.Wrap(model.KindFault, op, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
