package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/balance/domain"
	"github.com/smallbiznis/entitlements/internal/balance/syncer"
	billingdomain "github.com/smallbiznis/entitlements/internal/billing/domain"
	customerdomain "github.com/smallbiznis/entitlements/internal/customer/domain"
	"go.uber.org/zap"
)

const rollbackTimeout = 3 * time.Second

type phase int

const (
	phaseApplied phase = iota
	phaseCommitted
	phaseRolledBack
)

func (p phase) String() string {
	switch p {
	case phaseCommitted:
		return "committed"
	case phaseRolledBack:
		return "rolled_back"
	default:
		return "applied"
	}
}

// batch tracks every entitlement a tracking call has touched so far. previous
// holds the first state read inside the atomic step for each of them.
type batch struct {
	key                customerdomain.Key
	customerInternalID snowflake.ID
	phase              phase
	previous           map[string]customerdomain.BalanceState
	final              map[string]customerdomain.BalanceState
	order              []string
}

func newBatch(key customerdomain.Key, customerInternalID snowflake.ID) *batch {
	return &batch{
		key:                key,
		customerInternalID: customerInternalID,
		previous:           make(map[string]customerdomain.BalanceState),
		final:              make(map[string]customerdomain.BalanceState),
	}
}

func (b *batch) record(resp domain.ProcedureResponse) {
	for id, state := range resp.Previous {
		if _, seen := b.previous[id]; !seen {
			b.previous[id] = state
			b.order = append(b.order, id)
		}
	}
	for id, update := range resp.Updates {
		b.final[id] = update.State
	}
}

func (b *batch) touched() bool {
	return len(b.previous) > 0
}

func rollbackReason(cause error) string {
	switch {
	case billingdomain.IsDecline(cause):
		return "declined"
	case errors.Is(cause, domain.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(cause, domain.ErrCustomerNotFound):
		return "customer_not_found"
	case errors.Is(cause, context.DeadlineExceeded), errors.Is(cause, context.Canceled):
		return "timeout"
	default:
		return "dependent_failure"
	}
}

// rollback restores every touched entitlement to its pre-deduction state and
// hands cause back unchanged. The restored states are written under a new
// version and persisted like any other commit. Routine declines and business
// rejections are not engine faults and stay out of the error log.
func (e *Engine) rollback(ctx context.Context, b *batch, cause error) error {
	if b.phase != phaseApplied {
		return cause
	}
	reason := rollbackReason(cause)
	fields := []zap.Field{
		zap.String("customer_id", b.key.CustomerID),
		zap.String("org_id", b.key.Tenant.OrgID.String()),
		zap.Strings("entitlement_ids", b.order),
		zap.String("reason", reason),
	}

	switch reason {
	case "declined", "insufficient_balance":
		e.log.Debug("deduction not applied", append(fields, zap.Error(cause))...)
	case "customer_not_found":
		e.log.Warn("deduction not applied", append(fields, zap.Error(cause))...)
	default:
		e.log.Error("deduction failed", append(fields, zap.Error(cause))...)
	}

	b.phase = phaseRolledBack
	if !b.touched() {
		return cause
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	restored, err := e.store.Restore(rctx, b.key, b.previous)
	if err != nil {
		e.log.Error("rollback restore failed", append(fields, zap.Error(err))...)
	}
	if len(restored) > 0 {
		e.sync.Enqueue(syncer.Job{
			Key:                b.key,
			CustomerInternalID: b.customerInternalID,
			States:             restored,
		})
	}
	e.metrics.RecordRollback(ctx, reason)
	return cause
}
