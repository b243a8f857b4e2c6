package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	balancedomain "github.com/smallbiznis/entitlements/internal/balance/domain"
	customerdomain "github.com/smallbiznis/entitlements/internal/customer/domain"
)

const headerIdempotencyKey = "Idempotency-Key"

type trackFeatureRequest struct {
	FeatureID string           `json:"feature_id"`
	Value     *decimal.Decimal `json:"value"`
}

type trackRequest struct {
	CustomerID            string                `json:"customer_id"`
	EntityID              string                `json:"entity_id"`
	FeatureID             string                `json:"feature_id"`
	Value                 *decimal.Decimal      `json:"value"`
	Features              []trackFeatureRequest `json:"features"`
	OverageBehaviour      string                `json:"overage_behaviour"`
	SkipAdditionalBalance bool                  `json:"skip_additional_balance"`
	IdempotencyKey        string                `json:"idempotency_key"`
}

type updateBalanceRequest struct {
	CustomerID string           `json:"customer_id"`
	EntityID   string           `json:"entity_id"`
	FeatureID  string           `json:"feature_id"`
	Balance    *decimal.Decimal `json:"balance"`
}

// TrackUsage deducts usage for one feature, or for a batch of features that
// succeeds or fails as a whole.
func (s *Server) TrackUsage(c *gin.Context) {
	var req trackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	tenant, ok := tenantFromRequest(c)
	if !ok {
		AbortWithError(c, ErrOrgRequired)
		return
	}

	features := req.Features
	if len(features) == 0 {
		features = []trackFeatureRequest{{FeatureID: req.FeatureID, Value: req.Value}}
	} else if strings.TrimSpace(req.FeatureID) != "" {
		AbortWithError(c, newValidationError("features", "invalid_features", "use either feature_id or features"))
		return
	}

	var overage balancedomain.OverageBehaviour
	if raw := strings.TrimSpace(req.OverageBehaviour); raw != "" {
		parsed, err := balancedomain.ParseOverageBehaviour(raw)
		if err != nil {
			AbortWithError(c, newValidationError("overage_behaviour", "invalid_overage_behaviour", "overage_behaviour must be cap, reject or allow"))
			return
		}
		overage = parsed
	}

	deductions := make([]balancedomain.FeatureDeduction, 0, len(features))
	for _, f := range features {
		value := decimal.NewFromInt(1)
		if f.Value != nil {
			value = *f.Value
		}
		deductions = append(deductions, balancedomain.FeatureDeduction{
			FeatureID: strings.TrimSpace(f.FeatureID),
			Amount:    balancedomain.DeductAmount(value),
		})
	}
	if len(deductions) == 1 {
		c.Set("feature_id", deductions[0].FeatureID)
	}

	idempotencyKey := strings.TrimSpace(req.IdempotencyKey)
	if idempotencyKey == "" {
		idempotencyKey = strings.TrimSpace(c.GetHeader(headerIdempotencyKey))
	}

	result, err := s.balances.Deduct(c.Request.Context(), balancedomain.DeductParams{
		Tenant:                tenant,
		CustomerID:            strings.TrimSpace(req.CustomerID),
		EntityID:              strings.TrimSpace(req.EntityID),
		Deductions:            deductions,
		Overage:               overage,
		SkipAdditionalBalance: req.SkipAdditionalBalance,
		IdempotencyKey:        idempotencyKey,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

// UpdateBalance sets a feature's balance to an absolute value.
func (s *Server) UpdateBalance(c *gin.Context) {
	var req updateBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.Balance == nil {
		AbortWithError(c, newValidationError("balance", "required", "balance is required"))
		return
	}
	tenant, ok := tenantFromRequest(c)
	if !ok {
		AbortWithError(c, ErrOrgRequired)
		return
	}
	featureID := strings.TrimSpace(req.FeatureID)
	c.Set("feature_id", featureID)

	result, err := s.balances.Deduct(c.Request.Context(), balancedomain.DeductParams{
		Tenant:     tenant,
		CustomerID: strings.TrimSpace(req.CustomerID),
		EntityID:   strings.TrimSpace(req.EntityID),
		Deductions: []balancedomain.FeatureDeduction{{
			FeatureID: featureID,
			Amount:    balancedomain.TargetBalance(*req.Balance),
		}},
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) ListCustomerBalances(c *gin.Context) {
	tenant, ok := tenantFromRequest(c)
	if !ok {
		AbortWithError(c, ErrOrgRequired)
		return
	}

	result, err := s.balances.Balances(c.Request.Context(), balancedomain.BalancesParams{
		Tenant:     tenant,
		CustomerID: strings.TrimSpace(c.Param("customer_id")),
		EntityID:   strings.TrimSpace(c.Query("entity_id")),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

// InvalidateSnapshot drops the cached customer so the next request reloads it.
func (s *Server) InvalidateSnapshot(c *gin.Context) {
	key, ok := s.customerKey(c)
	if !ok {
		return
	}
	if err := s.balances.Invalidate(c.Request.Context(), key); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) RefreshSnapshot(c *gin.Context) {
	key, ok := s.customerKey(c)
	if !ok {
		return
	}
	doc, err := s.balances.Refresh(c.Request.Context(), key)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"customer_id": doc.ID,
		"loaded_at":   doc.LoadedAt,
	}})
}

func (s *Server) customerKey(c *gin.Context) (customerdomain.Key, bool) {
	tenant, ok := tenantFromRequest(c)
	if !ok {
		AbortWithError(c, ErrOrgRequired)
		return customerdomain.Key{}, false
	}
	customerID := strings.TrimSpace(c.Param("customer_id"))
	if customerID == "" {
		AbortWithError(c, newValidationError("customer_id", "required", "customer_id is required"))
		return customerdomain.Key{}, false
	}
	return customerdomain.Key{Tenant: tenant, CustomerID: customerID}, true
}
