package service

import (
	"context"
	"sort"
	"strings"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/entitlements/internal/balance/domain"
	customerdomain "github.com/smallbiznis/entitlements/internal/customer/domain"
	"go.uber.org/zap"
)

// Balances summarises the snapshot per feature for the customer, or for one
// of its entities.
func (e *Engine) Balances(ctx context.Context, params domain.BalancesParams) (*domain.BalancesResult, error) {
	if !params.Tenant.Valid() {
		return nil, domain.ErrInvalidTenant
	}
	if strings.TrimSpace(params.CustomerID) == "" {
		return nil, domain.ErrInvalidRequest
	}

	doc, err := e.load(ctx, customerdomain.Key{Tenant: params.Tenant, CustomerID: params.CustomerID})
	if err != nil {
		return nil, err
	}
	if params.EntityID != "" && doc.FindEntity(params.EntityID) == nil {
		return nil, domain.ErrEntityNotFound
	}

	statuses := e.config.Get().InStatuses
	now := e.clock.Now()
	byFeature := make(map[string]*domain.FeatureBalance)
	for _, product := range doc.Products {
		if !lo.Contains(statuses, string(product.Status)) {
			continue
		}
		if product.EntityID != "" && product.EntityID != params.EntityID {
			continue
		}
		for _, ent := range product.Entitlements {
			fb, ok := byFeature[ent.FeatureID]
			if !ok {
				fb = &domain.FeatureBalance{FeatureID: ent.FeatureID}
				byFeature[ent.FeatureID] = fb
			}
			if ent.IsUnlimited() {
				fb.Unlimited = true
				continue
			}
			fb.Granted = fb.Granted.Add(granted(ent, params.EntityID))
			fb.Balance = fb.Balance.Add(ent.ScopedBalance(params.EntityID))
			fb.AdditionalBalance = fb.AdditionalBalance.Add(scopedAdditional(ent, params.EntityID))
			for _, ro := range ent.Rollovers {
				if ro.ExpiresAt != nil && !ro.ExpiresAt.After(now) {
					continue
				}
				fb.Rollover = fb.Rollover.Add(scopedRollover(ent, ro, params.EntityID))
			}
		}
	}

	result := &domain.BalancesResult{CustomerID: doc.ID, EntityID: params.EntityID}
	for _, fb := range byFeature {
		if fb.Unlimited {
			fb.Granted, fb.Balance, fb.AdditionalBalance, fb.Rollover = decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero
		} else {
			fb.Usage = fb.Granted.Sub(fb.Balance)
		}
		result.Features = append(result.Features, *fb)
	}
	sort.Slice(result.Features, func(i, j int) bool {
		return result.Features[i].FeatureID < result.Features[j].FeatureID
	})
	return result, nil
}

func granted(ent customerdomain.CustomerEntitlement, entityID string) decimal.Decimal {
	if ent.AllowanceType != customerdomain.AllowanceFixed {
		return decimal.Zero
	}
	if ent.EntityFeatureID != "" && entityID == "" {
		return ent.Allowance.Mul(decimal.NewFromInt(int64(len(ent.Entities))))
	}
	return ent.Allowance
}

func scopedAdditional(ent customerdomain.CustomerEntitlement, entityID string) decimal.Decimal {
	if ent.EntityFeatureID == "" {
		return ent.AdditionalBalance
	}
	return sumEntities(ent.Entities, entityID, func(eb customerdomain.EntityBalance) decimal.Decimal {
		return eb.AdditionalBalance
	})
}

func scopedRollover(ent customerdomain.CustomerEntitlement, ro customerdomain.Rollover, entityID string) decimal.Decimal {
	if ent.EntityFeatureID == "" {
		return ro.Balance
	}
	return sumEntities(ro.Entities, entityID, func(eb customerdomain.EntityBalance) decimal.Decimal {
		return eb.Balance
	})
}

func sumEntities(entities map[string]customerdomain.EntityBalance, entityID string, pick func(customerdomain.EntityBalance) decimal.Decimal) decimal.Decimal {
	if entityID != "" {
		return pick(entities[entityID])
	}
	total := decimal.Zero
	for _, eb := range entities {
		total = total.Add(pick(eb))
	}
	return total
}

// Refresh rebuilds the customer's snapshot from the system of record once
// pending balance writes have landed, as after a cycle rollover.
func (e *Engine) Refresh(ctx context.Context, key customerdomain.Key) (*customerdomain.FullCustomer, error) {
	if err := e.sync.Flush(ctx); err != nil {
		return nil, err
	}
	doc, err := e.loader.Refresh(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrCustomerNotFound
		}
		return nil, err
	}
	e.log.Info("snapshot refreshed", zap.String("customer_id", key.CustomerID))
	return doc, nil
}

// Invalidate drops the cached document after a structural change such as a
// product being attached or removed.
func (e *Engine) Invalidate(ctx context.Context, key customerdomain.Key) error {
	if err := e.store.Invalidate(ctx, key); err != nil {
		return err
	}
	e.log.Info("snapshot invalidated", zap.String("customer_id", key.CustomerID))
	return nil
}
