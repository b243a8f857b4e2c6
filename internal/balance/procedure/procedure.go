// Package procedure holds the all-or-nothing deduction applied to one
// customer document. Stores run it while holding exclusive access to the
// customer's key.
package procedure

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/entitlements/internal/balance/domain"
	customerdomain "github.com/smallbiznis/entitlements/internal/customer/domain"
)

type working struct {
	candidate domain.Candidate
	ent       *customerdomain.CustomerEntitlement
	before    customerdomain.BalanceState
	slots     []string
	deducted  decimal.Decimal
}

type rolloverRef struct {
	owner *working
	index int
}

type run struct {
	req       domain.ProcedureRequest
	now       time.Time
	items     []*working
	byID      map[string]*working
	rollovers map[string]rolloverRef
	logs      []string
}

// Run applies req to doc. doc is only modified when the response carries no
// error; a rejected request leaves every balance as it was.
func Run(doc *customerdomain.FullCustomer, req domain.ProcedureRequest, now time.Time) domain.ProcedureResponse {
	if doc == nil {
		return domain.ProcedureResponse{Error: domain.CodeCustomerNotFound, FeatureID: req.FeatureID}
	}
	if req.Amount.IsZero() {
		return domain.ProcedureResponse{Updates: map[string]domain.Update{}}
	}

	r := newRun(doc, req, now)

	var amount decimal.Decimal
	if req.Amount.IsTarget() {
		amount = r.scopedTotal().Sub(req.Amount.Value())
	} else {
		amount = req.Amount.Value()
	}

	var leftover decimal.Decimal
	switch {
	case amount.IsZero():
		return domain.ProcedureResponse{Updates: map[string]domain.Update{}, Logs: r.logs}
	case amount.IsPositive():
		leftover = r.deduct(amount)
		if leftover.IsPositive() {
			switch req.Overage {
			case domain.OverageReject:
				r.logf("reject: %s of %s not coverable", leftover, amount)
				return domain.ProcedureResponse{
					Error:     domain.CodeInsufficientBalance,
					FeatureID: req.FeatureID,
					Remaining: leftover,
					Logs:      r.logs,
				}
			case domain.OverageAllow:
				leftover = r.overdraw(leftover)
			}
		}
	default:
		leftover = r.credit(amount.Neg())
		if leftover.IsPositive() {
			leftover = leftover.Neg()
		}
	}

	return r.commit(doc, leftover)
}

func newRun(doc *customerdomain.FullCustomer, req domain.ProcedureRequest, now time.Time) *run {
	r := &run{
		req:       req,
		now:       now,
		byID:      make(map[string]*working),
		rollovers: make(map[string]rolloverRef),
	}

	authorized := make(map[string]struct{}, len(req.EntitlementIDs))
	for _, id := range req.EntitlementIDs {
		authorized[id] = struct{}{}
	}

	for _, c := range req.Candidates {
		if _, ok := authorized[c.EntitlementID]; !ok {
			continue
		}
		if _, seen := r.byID[c.EntitlementID]; seen {
			continue
		}
		ent, _ := doc.FindEntitlement(c.EntitlementID)
		if ent == nil {
			continue
		}
		clone := ent.Clone()
		w := &working{candidate: c, ent: &clone, before: ent.State(), deducted: decimal.Zero}
		w.slots = slotsFor(c, &clone, req.EntityID)
		if len(w.slots) == 0 {
			continue
		}
		r.items = append(r.items, w)
		r.byID[c.EntitlementID] = w
		for i := range clone.Rollovers {
			r.rollovers[clone.Rollovers[i].ID] = rolloverRef{owner: w, index: i}
		}
	}
	return r
}

// slotsFor lists the balance pools of a candidate: "" is the entitlement's own
// pool, anything else an entity id.
func slotsFor(c domain.Candidate, ent *customerdomain.CustomerEntitlement, entityID string) []string {
	if c.EntityFeatureID == "" {
		return []string{""}
	}
	if entityID != "" {
		if _, ok := ent.Entities[entityID]; !ok {
			return nil
		}
		return []string{entityID}
	}
	return customerdomain.SortedEntityIDs(ent.Entities)
}

// scopedTotal is the balance a target is compared against, in feature units.
func (r *run) scopedTotal() decimal.Decimal {
	total := decimal.Zero
	for _, w := range r.items {
		pool := decimal.Zero
		for _, slot := range w.slots {
			sb := readSlot(w.ent, slot)
			pool = pool.Add(sb.Balance)
			if !r.req.SkipAdditionalBalance {
				pool = pool.Add(sb.AdditionalBalance)
			}
			for _, id := range r.req.RolloverIDs {
				if ref, ok := r.rollovers[id]; ok && ref.owner == w && r.usable(w, ref.index) {
					pool = pool.Add(rolloverBalance(w.ent.Rollovers[ref.index], slot))
				}
			}
		}
		total = total.Add(pool.Div(w.candidate.Cost()))
	}
	return total
}

// deduct walks candidates in order and returns the feature units nobody
// could absorb.
func (r *run) deduct(amount decimal.Decimal) decimal.Decimal {
	leftover := amount
	for _, w := range r.items {
		if !leftover.IsPositive() {
			break
		}
		cost := w.candidate.Cost()
		need := leftover.Mul(cost)
		for _, slot := range w.slots {
			if !need.IsPositive() {
				break
			}
			need = r.drainRollovers(w, slot, need)
			if need.IsPositive() && !r.req.SkipAdditionalBalance {
				need = r.drainAdditional(w, slot, need)
			}
			if need.IsPositive() {
				need = r.drainBase(w, slot, need)
			}
		}
		if need.IsPositive() {
			leftover = need.Div(cost)
		} else {
			leftover = decimal.Zero
		}
	}
	return leftover
}

func (r *run) drainRollovers(w *working, slot string, need decimal.Decimal) decimal.Decimal {
	for _, id := range r.req.RolloverIDs {
		if !need.IsPositive() {
			break
		}
		ref, ok := r.rollovers[id]
		if !ok || ref.owner != w || !r.usable(w, ref.index) {
			continue
		}
		ro := &w.ent.Rollovers[ref.index]
		avail := rolloverBalance(*ro, slot)
		if !avail.IsPositive() {
			continue
		}
		take := decimal.Min(avail, need)
		setRolloverBalance(ro, slot, avail.Sub(take))
		w.deducted = w.deducted.Add(take)
		need = need.Sub(take)
		r.logf("%s: %s from rollover %s", w.ent.ID, take, id)
	}
	return need
}

func (r *run) drainAdditional(w *working, slot string, need decimal.Decimal) decimal.Decimal {
	sb := readSlot(w.ent, slot)
	if !sb.AdditionalBalance.IsPositive() {
		return need
	}
	take := decimal.Min(sb.AdditionalBalance, need)
	sb.AdditionalBalance = sb.AdditionalBalance.Sub(take)
	writeSlot(w.ent, slot, sb)
	w.deducted = w.deducted.Add(take)
	r.logf("%s: %s from additional balance", w.ent.ID, take)
	return need.Sub(take)
}

func (r *run) drainBase(w *working, slot string, need decimal.Decimal) decimal.Decimal {
	sb := readSlot(w.ent, slot)
	take := need
	if floor, bounded := w.candidate.Floor(); bounded {
		room := sb.Balance.Sub(floor)
		if !room.IsPositive() {
			return need
		}
		take = decimal.Min(room, need)
	}
	r.applyBase(w, slot, take.Neg())
	return need.Sub(take)
}

// overdraw charges what is left to a single candidate past its floor.
func (r *run) overdraw(leftover decimal.Decimal) decimal.Decimal {
	if len(r.items) == 0 {
		return leftover
	}
	target := r.items[0]
	for _, w := range r.items {
		if w.candidate.UsageAllowed {
			target = w
			break
		}
	}
	need := leftover.Mul(target.candidate.Cost())
	r.applyBase(target, target.slots[0], need.Neg())
	r.logf("%s: %s past floor", target.ent.ID, need)
	return decimal.Zero
}

// credit adds back to base balances. Refunds stop at each ceiling; a target
// assignment puts the whole difference on the first candidate.
func (r *run) credit(amount decimal.Decimal) decimal.Decimal {
	if len(r.items) == 0 {
		return amount
	}
	if r.req.Amount.IsTarget() {
		first := r.items[0]
		r.applyBase(first, first.slots[0], amount.Mul(first.candidate.Cost()))
		return decimal.Zero
	}

	leftover := amount
	for _, w := range r.items {
		if !leftover.IsPositive() {
			break
		}
		cost := w.candidate.Cost()
		give := leftover.Mul(cost)
		for _, slot := range w.slots {
			if !give.IsPositive() {
				break
			}
			add := give
			if w.candidate.MaxBalance != nil {
				room := w.candidate.MaxBalance.Sub(readSlot(w.ent, slot).Balance)
				if !room.IsPositive() {
					continue
				}
				add = decimal.Min(room, give)
			}
			r.applyBase(w, slot, add)
			give = give.Sub(add)
		}
		if give.IsPositive() {
			leftover = give.Div(cost)
		} else {
			leftover = decimal.Zero
		}
	}
	if leftover.IsPositive() {
		r.logf("credit: %s above every ceiling discarded", leftover)
	}
	return leftover
}

// applyBase moves a base balance by delta and books the change.
func (r *run) applyBase(w *working, slot string, delta decimal.Decimal) {
	sb := readSlot(w.ent, slot)
	sb.Balance = sb.Balance.Add(delta)
	if w.candidate.AddToAdjustment {
		sb.Adjustment = sb.Adjustment.Add(delta)
	}
	writeSlot(w.ent, slot, sb)
	w.deducted = w.deducted.Sub(delta)
}

func (r *run) usable(w *working, index int) bool {
	expiresAt := w.ent.Rollovers[index].ExpiresAt
	return expiresAt == nil || expiresAt.After(r.now)
}

func (r *run) commit(doc *customerdomain.FullCustomer, remaining decimal.Decimal) domain.ProcedureResponse {
	resp := domain.ProcedureResponse{
		Updates:   make(map[string]domain.Update),
		Previous:  make(map[string]customerdomain.BalanceState),
		Remaining: remaining,
		Logs:      r.logs,
	}
	states := make(map[string]customerdomain.BalanceState)
	for _, w := range r.items {
		if !w.deducted.IsZero() {
			states[w.ent.ID] = w.ent.State()
		}
	}
	if len(states) == 0 {
		return resp
	}

	stamped := doc.Stamp(states)
	resp.Version = doc.Version
	for _, w := range r.items {
		state, ok := stamped[w.ent.ID]
		if !ok {
			continue
		}
		resp.Updates[w.ent.ID] = domain.Update{
			FeatureID: w.candidate.FeatureID,
			Deducted:  w.deducted,
			Balance:   w.ent.ScopedBalance(r.req.EntityID),
			State:     state,
		}
		resp.Previous[w.ent.ID] = w.before
	}
	return resp
}

func (r *run) logf(format string, args ...any) {
	r.logs = append(r.logs, fmt.Sprintf(format, args...))
}

func readSlot(ent *customerdomain.CustomerEntitlement, slot string) customerdomain.EntityBalance {
	if slot == "" {
		return customerdomain.EntityBalance{
			Balance:           ent.Balance,
			AdditionalBalance: ent.AdditionalBalance,
			Adjustment:        ent.Adjustment,
		}
	}
	return ent.Entities[slot]
}

func writeSlot(ent *customerdomain.CustomerEntitlement, slot string, sb customerdomain.EntityBalance) {
	if slot == "" {
		ent.Balance = sb.Balance
		ent.AdditionalBalance = sb.AdditionalBalance
		ent.Adjustment = sb.Adjustment
		return
	}
	sb.ID = slot
	ent.Entities[slot] = sb
}

func rolloverBalance(ro customerdomain.Rollover, slot string) decimal.Decimal {
	if slot == "" {
		return ro.Balance
	}
	return ro.Entities[slot].Balance
}

func setRolloverBalance(ro *customerdomain.Rollover, slot string, v decimal.Decimal) {
	if slot == "" {
		ro.Balance = v
		return
	}
	sb := ro.Entities[slot]
	sb.ID = slot
	sb.Balance = v
	ro.Entities[slot] = sb
}
