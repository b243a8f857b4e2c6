package domain

import (
	"context"

	"github.com/smallbiznis/entitlements/internal/orgcontext"
	"gorm.io/gorm"
)

type Repository interface {
	Create(ctx context.Context, db *gorm.DB, feature *Feature) error
	FindByFeatureID(ctx context.Context, db *gorm.DB, tenant orgcontext.Tenant, featureID string) (*Feature, error)
	ListActive(ctx context.Context, db *gorm.DB, tenant orgcontext.Tenant) ([]Feature, error)
}
