// Package resolution governs the event lifecycle from open trading to
// final payout:
//
//	OPEN → CLOSED → PROPOSED → {DISPUTED → RESOLVED | RESOLVED}
//
// Time-gated transitions (OPEN→CLOSED at the end time, PROPOSED→RESOLVED
// after an undisputed challenge window) are applied by an explicit
// check-on-read refresh, not a background timer. Settlement cancels every
// still-open order before paying winners, so no order can fill against a
// settled market.
package resolution

import (
	"context"
	"log/slog"
	"time"

	"github.com/predyx/exchange-core/internal/ledger"
	"github.com/predyx/exchange-core/internal/metrics"
	"github.com/predyx/exchange-core/internal/model"
)

// PublishFunc broadcasts an event-scoped message to subscribers.
type PublishFunc func(eventID, msgType string, data any)

// Machine drives resolution transitions and settlement.
type Machine struct {
	led             *ledger.Ledger
	challengePeriod time.Duration
	publish         PublishFunc
	now             func() time.Time
}

// New creates a resolution machine. Pass nil for publish when broadcasting
// is not needed.
func New(led *ledger.Ledger, challengePeriod time.Duration, publish PublishFunc) *Machine {
	return &Machine{
		led:             led,
		challengePeriod: challengePeriod,
		publish:         publish,
		now:             time.Now,
	}
}

// SetClock overrides the time source (tests drive the challenge window).
func (m *Machine) SetClock(now func() time.Time) { m.now = now }

// Refresh applies any due automatic transition to ev and persists the
// result. The caller must hold the event lock: refresh can settle the
// market, which rewrites orders, balances, and the collateral pool.
func (m *Machine) Refresh(ctx context.Context, ev *model.Event) (*model.Event, error) {
	now := m.now().UTC()

	if ev.Status == model.EventOpen && !now.Before(ev.EndTime) {
		ev.Status = model.EventClosed
		if err := m.led.PutEvent(ctx, ev); err != nil {
			return nil, err
		}
		if err := m.led.Audit(ctx, ev.ID, "system", "event_closed",
			map[string]any{"end_time": ev.EndTime}); err != nil {
			return nil, err
		}
		slog.Info("event closed for trading", "event", ev.ID)
		m.emit(ev.ID, "event_closed", ev)
	}

	if ev.Status == model.EventProposed {
		prop, err := m.led.Proposal(ctx, ev.ID)
		if err != nil {
			return nil, err
		}
		if !prop.Disputed && !now.Before(prop.ProposedAt.Add(m.challengePeriod)) {
			if err := m.finalizeLocked(ctx, ev, prop.OutcomeID, "system", "auto_finalized"); err != nil {
				return nil, err
			}
		}
	}

	return ev, nil
}

// Propose submits a candidate outcome for a closed event and starts the
// challenge window.
func (m *Machine) Propose(ctx context.Context, eventID, outcomeID, proposer string) (*model.Proposal, error) {
	const op = "resolution.Propose"

	unlock, err := m.led.LockEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ev, err := m.led.Event(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev, err = m.Refresh(ctx, ev); err != nil {
		return nil, err
	}

	if ev.Status == model.EventResolved {
		return nil, model.E(model.KindConflict, op, "event %s is already resolved", eventID)
	}
	if ev.Status != model.EventClosed {
		return nil, model.E(model.KindConflict, op,
			"cannot propose in state %s, event must be closed", ev.Status)
	}
	if !ev.HasOutcome(outcomeID) {
		return nil, model.E(model.KindInvalid, op, "unknown outcome %q", outcomeID)
	}

	prop := &model.Proposal{
		EventID:    eventID,
		OutcomeID:  outcomeID,
		Proposer:   proposer,
		ProposedAt: m.now().UTC(),
	}
	if err := m.led.PutProposal(ctx, prop); err != nil {
		return nil, err
	}
	ev.Status = model.EventProposed
	if err := m.led.PutEvent(ctx, ev); err != nil {
		return nil, err
	}
	if err := m.led.Audit(ctx, eventID, proposer, "resolution_proposed",
		map[string]any{"outcome": outcomeID}); err != nil {
		return nil, err
	}

	metrics.ResolutionTransitions.WithLabelValues("proposed").Inc()
	slog.Info("resolution proposed",
		"event", eventID, "outcome", outcomeID, "proposer", proposer)
	m.emit(eventID, "resolution_proposed", prop)
	return prop, nil
}

// Dispute challenges a pending proposal before the window elapses,
// freezing auto-finalization until a manual decision.
func (m *Machine) Dispute(ctx context.Context, eventID, disputer string) (*model.Proposal, error) {
	const op = "resolution.Dispute"

	unlock, err := m.led.LockEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ev, err := m.led.Event(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev, err = m.Refresh(ctx, ev); err != nil {
		return nil, err
	}

	if ev.Status == model.EventResolved {
		return nil, model.E(model.KindConflict, op, "event %s is already resolved", eventID)
	}
	if ev.Status != model.EventProposed {
		return nil, model.E(model.KindConflict, op,
			"cannot dispute in state %s", ev.Status)
	}

	prop, err := m.led.Proposal(ctx, eventID)
	if err != nil {
		return nil, err
	}
	prop.Disputed = true
	prop.DisputedBy = disputer
	if err := m.led.PutProposal(ctx, prop); err != nil {
		return nil, err
	}
	ev.Status = model.EventDisputed
	if err := m.led.PutEvent(ctx, ev); err != nil {
		return nil, err
	}
	if err := m.led.Audit(ctx, eventID, disputer, "resolution_disputed",
		map[string]any{"proposed_outcome": prop.OutcomeID}); err != nil {
		return nil, err
	}

	metrics.ResolutionTransitions.WithLabelValues("disputed").Inc()
	slog.Info("resolution disputed", "event", eventID, "disputer", disputer)
	m.emit(eventID, "resolution_disputed", prop)
	return prop, nil
}

// Finalize resolves the event. From PROPOSED it acts as the authorized
// override of the challenge window; from DISPUTED it is the only way out
// (adjudication happens outside this core). outcomeID may be empty to
// accept the proposed outcome.
func (m *Machine) Finalize(ctx context.Context, eventID, outcomeID, actor string) (*model.Event, error) {
	const op = "resolution.Finalize"

	unlock, err := m.led.LockEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ev, err := m.led.Event(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev, err = m.Refresh(ctx, ev); err != nil {
		return nil, err
	}

	if ev.Status == model.EventResolved {
		return nil, model.E(model.KindConflict, op, "event %s is already resolved", eventID)
	}
	if ev.Status != model.EventProposed && ev.Status != model.EventDisputed {
		return nil, model.E(model.KindConflict, op,
			"cannot finalize in state %s", ev.Status)
	}

	if outcomeID == "" {
		prop, err := m.led.Proposal(ctx, eventID)
		if err != nil {
			return nil, err
		}
		outcomeID = prop.OutcomeID
	}
	if !ev.HasOutcome(outcomeID) {
		return nil, model.E(model.KindInvalid, op, "unknown outcome %q", outcomeID)
	}

	if err := m.finalizeLocked(ctx, ev, outcomeID, actor, "finalized"); err != nil {
		return nil, err
	}
	return ev, nil
}

// finalizeLocked settles the event: cancel every open order, then pay out
// winners from the collateral pool. Caller holds the event lock.
func (m *Machine) finalizeLocked(ctx context.Context, ev *model.Event, outcomeID, actor, action string) error {
	// Cancel open orders before any payout so nothing can fill against a
	// settled market. Buy refunds use each order's recorded locked units;
	// sell orders return their remaining escrowed shares.
	open, err := m.led.OpenOrders(ctx, ev.ID)
	if err != nil {
		return err
	}
	for _, o := range open {
		if o.Side == model.SideBuy && o.LockedUnits > 0 {
			if err := m.led.UnlockFunds(ctx, o.UserID, o.LockedUnits); err != nil {
				return err
			}
		}
		if o.Side == model.SideSell && o.Remaining > 0 {
			if err := m.led.AddShares(ctx, ev.ID, o.UserID, o.OutcomeID, o.Remaining); err != nil {
				return err
			}
		}
		o.Status = model.OrderCancelled
		o.LockedUnits = 0
		if err := m.led.PutOrder(ctx, o); err != nil {
			return err
		}
	}

	// Compute the full payout before touching any balance; the settlement
	// applies completely or not at all.
	holders, err := m.led.Holders(ctx, ev.ID)
	if err != nil {
		return err
	}
	type payout struct {
		userID string
		units  int64
	}
	var payouts []payout
	var total int64
	for _, userID := range holders {
		pos, err := m.led.Position(ctx, ev.ID, userID)
		if err != nil {
			return err
		}
		if qty := pos.Get(outcomeID); qty > 0 {
			payouts = append(payouts, payout{userID: userID, units: qty * model.Scale})
			total += qty * model.Scale
		}
	}

	// Debiting the pool first guarantees no partial payout can leave the
	// pool negative; a shortfall aborts the whole settlement as a fault.
	if total > 0 {
		if _, err := m.led.DebitPool(ctx, ev.ID, total); err != nil {
			return err
		}
		for _, p := range payouts {
			if err := m.led.Credit(ctx, p.userID, p.units); err != nil {
				return err
			}
		}
	}

	result := outcomeID
	ev.Status = model.EventResolved
	ev.Result = &result
	if err := m.led.PutEvent(ctx, ev); err != nil {
		return err
	}
	if err := m.led.Audit(ctx, ev.ID, actor, action, map[string]any{
		"outcome":          outcomeID,
		"cancelled_orders": len(open),
		"paid_users":       len(payouts),
		"total_payout":     total,
	}); err != nil {
		return err
	}

	metrics.ResolutionTransitions.WithLabelValues("resolved").Inc()
	slog.Info("event resolved",
		"event", ev.ID, "outcome", outcomeID, "actor", actor,
		"cancelled_orders", len(open), "total_payout", total)
	m.emit(ev.ID, "event_resolved", ev)
	return nil
}

func (m *Machine) emit(eventID, msgType string, data any) {
	if m.publish != nil {
		m.publish(eventID, msgType, data)
	}
}
