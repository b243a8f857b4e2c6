// Package selector builds the ordered entitlement list a deduction draws from.
package selector

import (
	"sort"
	"time"

	"github.com/samber/lo"
	"github.com/smallbiznis/entitlements/internal/balance/domain"
	customerdomain "github.com/smallbiznis/entitlements/internal/customer/domain"
	featuredomain "github.com/smallbiznis/entitlements/internal/feature/domain"
)

// DefaultStatuses are the product statuses whose entitlements may be drawn from.
var DefaultStatuses = []customerdomain.ProductStatus{
	customerdomain.ProductStatusActive,
	customerdomain.ProductStatusPastDue,
	customerdomain.ProductStatusScheduled,
}

type Input struct {
	// Features is the requested feature first, then the credit systems that
	// cover it. Target-balance selections only use the first entry.
	Features      []featuredomain.Feature
	Customer      *customerdomain.FullCustomer
	EntityID      string
	TargetBalance bool
	InStatuses    []customerdomain.ProductStatus
	Reverse       bool
	Overage       domain.OverageBehaviour
	// AddToAdjustment records every base-balance change in the adjustment
	// ledger as well.
	AddToAdjustment bool
	Now             time.Time
}

type Selection struct {
	FeatureID string
	// Unlimited means no balance may be touched for this feature.
	Unlimited    bool
	Candidates   []domain.Candidate
	Entitlements []customerdomain.CustomerEntitlement
	// RolloverIDs are the unexpired rollovers of every candidate, soonest
	// expiry first and never-expiring credits last.
	RolloverIDs       []string
	EntitlementIDs    []string
	PaidContinuousUse bool
}

func (s Selection) Empty() bool {
	return len(s.Candidates) == 0
}

type ranked struct {
	ent      customerdomain.CustomerEntitlement
	feature  featuredomain.Feature
	entity   bool
	direct   bool
	position int
}

// Select orders the entitlements covering the requested feature. It never
// mutates the customer document.
func Select(in Input) Selection {
	if len(in.Features) == 0 || in.Customer == nil {
		return Selection{}
	}

	requested := in.Features[0]
	features := in.Features
	if in.TargetBalance {
		features = features[:1]
	}
	byID := lo.KeyBy(features, func(f featuredomain.Feature) string { return f.FeatureID })

	statuses := in.InStatuses
	if len(statuses) == 0 {
		statuses = DefaultStatuses
	}

	sel := Selection{FeatureID: requested.FeatureID}
	var pool []ranked
	position := 0
	for _, product := range in.Customer.Products {
		eligible := lo.Contains(statuses, product.Status)
		if product.EntityID != "" && product.EntityID != in.EntityID {
			eligible = false
		}
		for _, ent := range product.Entitlements {
			position++
			if !eligible {
				continue
			}
			feature, ok := byID[ent.FeatureID]
			if !ok {
				continue
			}
			if ent.IsUnlimited() {
				sel.Unlimited = true
			}
			pool = append(pool, ranked{
				ent:      ent,
				feature:  feature,
				entity:   product.EntityID != "",
				direct:   ent.FeatureID == requested.FeatureID,
				position: position,
			})
		}
	}
	if sel.Unlimited {
		return sel
	}

	sort.SliceStable(pool, func(i, j int) bool {
		if in.Reverse {
			return less(pool[j], pool[i])
		}
		return less(pool[i], pool[j])
	})

	type rolloverRef struct {
		id        string
		expiresAt *time.Time
	}
	var rollovers []rolloverRef

	for _, r := range pool {
		sel.Candidates = append(sel.Candidates, toCandidate(r, requested.FeatureID, in))
		sel.Entitlements = append(sel.Entitlements, r.ent)
		sel.EntitlementIDs = append(sel.EntitlementIDs, r.ent.ID)
		if r.feature.IsContinuousUse() && r.ent.PriceID != "" {
			sel.PaidContinuousUse = true
		}
		for _, ro := range r.ent.Rollovers {
			if ro.ExpiresAt != nil && !ro.ExpiresAt.After(in.Now) {
				continue
			}
			rollovers = append(rollovers, rolloverRef{id: ro.ID, expiresAt: ro.ExpiresAt})
		}
	}

	sort.SliceStable(rollovers, func(i, j int) bool {
		a, b := rollovers[i].expiresAt, rollovers[j].expiresAt
		switch {
		case a == nil && b == nil:
			return rollovers[i].id < rollovers[j].id
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.Before(*b)
		default:
			return rollovers[i].id < rollovers[j].id
		}
	})
	sel.RolloverIDs = lo.Map(rollovers, func(r rolloverRef, _ int) string { return r.id })
	return sel
}

// less puts entity-owned grants first, then grants of the requested feature
// ahead of credit systems, free ahead of paid, then the soonest reset.
func less(a, b ranked) bool {
	if a.entity != b.entity {
		return a.entity
	}
	if a.direct != b.direct {
		return a.direct
	}
	aPaid, bPaid := a.ent.PriceID != "", b.ent.PriceID != ""
	if aPaid != bPaid {
		return !aPaid
	}
	ra, rb := a.ent.NextResetAt, b.ent.NextResetAt
	switch {
	case ra != nil && rb == nil:
		return true
	case ra == nil && rb != nil:
		return false
	case ra != nil && rb != nil && !ra.Equal(*rb):
		return ra.Before(*rb)
	}
	return a.position < b.position
}

func toCandidate(r ranked, requestedFeatureID string, in Input) domain.Candidate {
	ent := r.ent
	c := domain.Candidate{
		EntitlementID:   ent.ID,
		FeatureID:       ent.FeatureID,
		CreditCost:      r.feature.CreditCost(requestedFeatureID),
		EntityFeatureID: ent.EntityFeatureID,
		UsageAllowed:    ent.UsageAllowed,
		AddToAdjustment: in.AddToAdjustment,
	}

	// Free continuous-use grants track usage past their allocation.
	if !c.UsageAllowed && r.feature.IsContinuousUse() && ent.PriceID == "" && in.Overage != domain.OverageReject {
		c.UsageAllowed = true
	}
	if ent.MaxOverage != nil {
		floor := ent.MaxOverage.Neg()
		c.MinBalance = &floor
	}
	if ent.AllowanceType == customerdomain.AllowanceFixed {
		ceiling := ent.Allowance
		c.MaxBalance = &ceiling
	}
	return c
}
