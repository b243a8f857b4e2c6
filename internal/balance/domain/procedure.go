package domain

import (
	"github.com/shopspring/decimal"
	customerdomain "github.com/smallbiznis/entitlements/internal/customer/domain"
)

// Candidate is one entitlement the procedure may draw from, in selector order.
type Candidate struct {
	EntitlementID   string          `json:"entitlement_id"`
	FeatureID       string          `json:"feature_id"`
	CreditCost      decimal.Decimal `json:"credit_cost"`
	EntityFeatureID string          `json:"entity_feature_id,omitempty"`
	UsageAllowed    bool            `json:"usage_allowed"`
	// MinBalance is the floor when usage is allowed; nil means unbounded.
	MinBalance *decimal.Decimal `json:"min_balance,omitempty"`
	// MaxBalance is the ceiling credits may refill to; nil means unbounded.
	MaxBalance      *decimal.Decimal `json:"max_balance,omitempty"`
	AddToAdjustment bool             `json:"add_to_adjustment"`
}

// Floor is the lowest base balance this candidate may reach without
// exceeding its overage allowance. ok is false when there is no floor.
func (c Candidate) Floor() (floor decimal.Decimal, ok bool) {
	if !c.UsageAllowed {
		return decimal.Zero, true
	}
	if c.MinBalance != nil {
		return *c.MinBalance, true
	}
	return decimal.Zero, false
}

func (c Candidate) Cost() decimal.Decimal {
	if c.CreditCost.IsPositive() {
		return c.CreditCost
	}
	return decimal.NewFromInt(1)
}

// ProcedureRequest is everything one atomic deduction needs.
type ProcedureRequest struct {
	FeatureID             string           `json:"feature_id"`
	Candidates            []Candidate      `json:"candidates"`
	Amount                Amount           `json:"amount"`
	EntityID              string           `json:"entity_id,omitempty"`
	RolloverIDs           []string         `json:"rollover_ids"`
	EntitlementIDs        []string         `json:"entitlement_ids"`
	SkipAdditionalBalance bool             `json:"skip_additional_balance"`
	Overage               OverageBehaviour `json:"overage_behaviour"`
}

// Update is the outcome for one touched entitlement.
type Update struct {
	FeatureID string          `json:"feature_id"`
	Deducted  decimal.Decimal `json:"deducted"`
	// Balance is the resulting base balance in the requested scope.
	Balance decimal.Decimal             `json:"balance"`
	State   customerdomain.BalanceState `json:"state"`
}

type ProcedureResponse struct {
	Updates map[string]Update `json:"updates"`
	// Previous holds the state of every touched entitlement as it was read
	// inside the atomic step.
	Previous map[string]customerdomain.BalanceState `json:"previous,omitempty"`
	// Remaining is the part of the request, in feature units, that no
	// candidate absorbed.
	Remaining decimal.Decimal `json:"remaining"`
	// Version is the document version the updates were written under.
	Version   int64    `json:"version,omitempty"`
	Error     string   `json:"error,omitempty"`
	FeatureID string   `json:"feature_id,omitempty"`
	Logs      []string `json:"logs,omitempty"`
}

// Err converts the response tag into a typed error.
func (r ProcedureResponse) Err() error {
	switch r.Error {
	case "":
		return nil
	case CodeCustomerNotFound:
		return ErrCustomerNotFound
	case CodeInsufficientBalance:
		return &InsufficientBalanceError{FeatureID: r.FeatureID}
	default:
		return ErrInvalidRequest
	}
}

// TotalDeducted sums Deducted across updates.
func (r ProcedureResponse) TotalDeducted() decimal.Decimal {
	total := decimal.Zero
	for _, u := range r.Updates {
		total = total.Add(u.Deducted)
	}
	return total
}
