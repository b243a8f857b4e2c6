package domain

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/entitlements/internal/orgcontext"
)

type Service interface {
	Deduct(ctx context.Context, params DeductParams) (*DeductResult, error)
	Balances(ctx context.Context, params BalancesParams) (*BalancesResult, error)
}

// FeatureDeduction is one feature of a tracking batch.
type FeatureDeduction struct {
	FeatureID string
	Amount    Amount
}

type DeductParams struct {
	Tenant     orgcontext.Tenant
	CustomerID string
	EntityID   string
	Deductions []FeatureDeduction
	// Overage defaults to the configured behaviour when empty.
	Overage               OverageBehaviour
	SkipAdditionalBalance bool
	// IdempotencyKey is forwarded to billing; generated when empty.
	IdempotencyKey string
}

type DeductResult struct {
	DeductionID string `json:"deduction_id"`
	// FeatureDeductions is keyed by the entitlement's feature, so credit
	// system spend is reported against the credit system.
	FeatureDeductions map[string]decimal.Decimal `json:"feature_deductions"`
	// Balances is the remaining base balance per requested feature.
	Balances              map[string]decimal.Decimal `json:"balances"`
	UpdatedEntitlementIDs []string                   `json:"updated_entitlement_ids"`
	Updates               map[string]Update          `json:"-"`
}

type BalancesParams struct {
	Tenant     orgcontext.Tenant
	CustomerID string
	EntityID   string
}

type FeatureBalance struct {
	FeatureID         string          `json:"feature_id"`
	Unlimited         bool            `json:"unlimited"`
	Granted           decimal.Decimal `json:"granted_balance"`
	Balance           decimal.Decimal `json:"current_balance"`
	AdditionalBalance decimal.Decimal `json:"purchased_balance"`
	Rollover          decimal.Decimal `json:"rollover_balance"`
	Usage             decimal.Decimal `json:"usage"`
}

type BalancesResult struct {
	CustomerID string           `json:"customer_id"`
	EntityID   string           `json:"entity_id,omitempty"`
	Features   []FeatureBalance `json:"features"`
}
