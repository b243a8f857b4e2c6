package service

import (
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/entitlements/internal/balance/domain"
	"github.com/smallbiznis/entitlements/internal/balance/selector"
	billingdomain "github.com/smallbiznis/entitlements/internal/billing/domain"
	customerdomain "github.com/smallbiznis/entitlements/internal/customer/domain"
	featuredomain "github.com/smallbiznis/entitlements/internal/feature/domain"
)

// reconcile copies the returned states onto the caller's document and folds
// the deltas into the result. Balances are taken from the response, never
// recomputed.
func reconcile(doc *customerdomain.FullCustomer, sel selector.Selection, entityID string, resp domain.ProcedureResponse, result *domain.DeductResult) {
	for id, update := range resp.Updates {
		doc.ApplyState(id, update.State)

		current := result.FeatureDeductions[update.FeatureID]
		result.FeatureDeductions[update.FeatureID] = current.Add(update.Deducted)
		if !lo.Contains(result.UpdatedEntitlementIDs, id) {
			result.UpdatedEntitlementIDs = append(result.UpdatedEntitlementIDs, id)
		}
		result.Updates[id] = update
	}
	result.Balances[sel.FeatureID] = featureBalance(doc, sel, entityID)
}

func featureBalance(doc *customerdomain.FullCustomer, sel selector.Selection, entityID string) decimal.Decimal {
	total := decimal.Zero
	for _, id := range sel.EntitlementIDs {
		ent, _ := doc.FindEntitlement(id)
		if ent == nil || ent.FeatureID != sel.FeatureID {
			continue
		}
		total = total.Add(ent.ScopedBalance(entityID))
	}
	return total
}

type chargeInput struct {
	sel         selector.Selection
	features    []featuredomain.Feature
	customer    *customerdomain.FullCustomer
	entityID    string
	deductionID string
	resp        domain.ProcedureResponse
	now         time.Time
}

// charges lists the billing commitments owed for touched paid continuous-use
// entitlements, in selector order.
func charges(in chargeInput) []billingdomain.Charge {
	byFeature := lo.KeyBy(in.features, func(f featuredomain.Feature) string { return f.FeatureID })

	var out []billingdomain.Charge
	for _, ent := range in.sel.Entitlements {
		update, touched := in.resp.Updates[ent.ID]
		if !touched || ent.PriceID == "" {
			continue
		}
		feature, ok := byFeature[ent.FeatureID]
		if !ok || !feature.IsContinuousUse() {
			continue
		}

		before := ent.Clone()
		if prev, ok := in.resp.Previous[ent.ID]; ok {
			before.SetState(prev)
		}
		out = append(out, billingdomain.Charge{
			IdempotencyKey:      in.deductionID,
			CustomerID:          in.customer.ID,
			ProcessorCustomerID: in.customer.ProcessorID,
			EntitlementID:       ent.ID,
			FeatureID:           ent.FeatureID,
			PriceID:             ent.PriceID,
			EntityID:            in.entityID,
			PreviousBalance:     before.ScopedBalance(in.entityID),
			NewBalance:          update.Balance,
			OccurredAt:          in.now,
		})
	}
	return out
}
