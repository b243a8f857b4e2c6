package domain

import (
	"context"
	"errors"

	"github.com/smallbiznis/entitlements/internal/orgcontext"
)

// Catalog is the product-configuration collaborator consulted before every
// deduction.
type Catalog interface {
	Create(ctx context.Context, tenant orgcontext.Tenant, req CreateRequest) (*Feature, error)
	Get(ctx context.Context, tenant orgcontext.Tenant, featureID string) (*Feature, error)
	// RelevantFeatures returns the feature itself followed by every credit
	// system that spends credits on it.
	RelevantFeatures(ctx context.Context, tenant orgcontext.Tenant, featureID string) ([]Feature, error)
	Invalidate(tenant orgcontext.Tenant)
}

type CreateRequest struct {
	FeatureID    string             `json:"id"`
	Name         string             `json:"name"`
	Type         FeatureType        `json:"type"`
	UsageType    UsageType          `json:"usage_type"`
	CreditSchema []CreditSchemaItem `json:"credit_schema"`
}

var (
	ErrInvalidTenant       = errors.New("invalid_tenant")
	ErrInvalidID           = errors.New("invalid_feature_id")
	ErrInvalidType         = errors.New("invalid_feature_type")
	ErrInvalidCreditSchema = errors.New("invalid_credit_schema")
	ErrNotFound            = errors.New("feature_not_found")
	ErrAlreadyExists       = errors.New("feature_already_exists")
)
