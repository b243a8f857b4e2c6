package repository

import (
	"context"
	"errors"

	"github.com/smallbiznis/entitlements/internal/feature/domain"
	"github.com/smallbiznis/entitlements/internal/orgcontext"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Create(ctx context.Context, db *gorm.DB, feature *domain.Feature) error {
	return db.WithContext(ctx).Create(feature).Error
}

func (r *repo) FindByFeatureID(ctx context.Context, db *gorm.DB, tenant orgcontext.Tenant, featureID string) (*domain.Feature, error) {
	var f domain.Feature
	err := db.WithContext(ctx).
		Where("org_id = ? AND env = ? AND feature_id = ?", tenant.OrgID, tenant.Env, featureID).
		First(&f).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &f, nil
}

func (r *repo) ListActive(ctx context.Context, db *gorm.DB, tenant orgcontext.Tenant) ([]domain.Feature, error) {
	var items []domain.Feature
	err := db.WithContext(ctx).
		Where("org_id = ? AND env = ? AND archived = ?", tenant.OrgID, tenant.Env, false).
		Order("feature_id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
