package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/smallbiznis/entitlements/internal/cache"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/feature/domain"
	"github.com/smallbiznis/entitlements/internal/orgcontext"
	"github.com/smallbiznis/entitlements/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultCatalogTTL = 2 * time.Minute

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  domain.Repository
	Clock clock.Clock `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  domain.Repository
	genID *snowflake.Node
	clock clock.Clock

	features *cache.TTLCache[string, []domain.Feature]
	ttl      time.Duration
}

func New(p Params) domain.Catalog {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("feature.catalog"),
		repo:     p.Repo,
		genID:    p.GenID,
		clock:    clk,
		features: cache.NewTTLCacheWithClock[string, []domain.Feature](clk),
		ttl:      defaultCatalogTTL,
	}
}

func (s *Service) Create(ctx context.Context, tenant orgcontext.Tenant, req domain.CreateRequest) (*domain.Feature, error) {
	if !tenant.Valid() {
		return nil, domain.ErrInvalidTenant
	}
	featureID := strings.TrimSpace(req.FeatureID)
	if featureID == "" {
		return nil, domain.ErrInvalidID
	}

	switch req.Type {
	case domain.FeatureTypeBoolean, domain.FeatureTypeMetered:
		if len(req.CreditSchema) > 0 {
			return nil, domain.ErrInvalidCreditSchema
		}
	case domain.FeatureTypeCreditSystem:
		if len(req.CreditSchema) == 0 {
			return nil, domain.ErrInvalidCreditSchema
		}
		for _, item := range req.CreditSchema {
			if strings.TrimSpace(item.MeteredFeatureID) == "" || !item.CreditAmount.IsPositive() {
				return nil, domain.ErrInvalidCreditSchema
			}
		}
	default:
		return nil, domain.ErrInvalidType
	}

	usageType := req.UsageType
	if usageType == "" {
		usageType = domain.UsageTypeSingle
	}

	now := s.clock.Now()
	feature := &domain.Feature{
		InternalID:   s.genID.Generate(),
		OrgID:        tenant.OrgID,
		Env:          tenant.Env,
		FeatureID:    featureID,
		Name:         strings.TrimSpace(req.Name),
		Type:         req.Type,
		UsageType:    usageType,
		CreditSchema: req.CreditSchema,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if feature.Name == "" {
		feature.Name = featureID
	}

	if err := s.repo.Create(ctx, s.db, feature); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrAlreadyExists
		}
		return nil, err
	}
	s.Invalidate(tenant)
	return feature, nil
}

func (s *Service) Get(ctx context.Context, tenant orgcontext.Tenant, featureID string) (*domain.Feature, error) {
	features, err := s.list(ctx, tenant)
	if err != nil {
		return nil, err
	}
	feature, ok := lo.Find(features, func(f domain.Feature) bool { return f.FeatureID == featureID })
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &feature, nil
}

func (s *Service) RelevantFeatures(ctx context.Context, tenant orgcontext.Tenant, featureID string) ([]domain.Feature, error) {
	features, err := s.list(ctx, tenant)
	if err != nil {
		return nil, err
	}
	feature, ok := lo.Find(features, func(f domain.Feature) bool { return f.FeatureID == featureID })
	if !ok {
		return nil, domain.ErrNotFound
	}

	relevant := []domain.Feature{feature}
	relevant = append(relevant, lo.Filter(features, func(f domain.Feature, _ int) bool {
		return f.FeatureID != featureID && f.Covers(featureID)
	})...)
	return relevant, nil
}

func (s *Service) Invalidate(tenant orgcontext.Tenant) {
	s.features.Delete(tenantKey(tenant))
}

func (s *Service) list(ctx context.Context, tenant orgcontext.Tenant) ([]domain.Feature, error) {
	if !tenant.Valid() {
		return nil, domain.ErrInvalidTenant
	}
	key := tenantKey(tenant)
	if cached, ok := s.features.Get(key); ok {
		return cached, nil
	}

	features, err := s.repo.ListActive(ctx, s.db, tenant)
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}
	s.features.Set(key, features, s.ttl)
	s.log.Debug("feature catalog loaded",
		zap.String("org_id", tenant.OrgID.String()),
		zap.String("env", tenant.Env),
		zap.Int("count", len(features)),
	)
	return features, nil
}

func tenantKey(tenant orgcontext.Tenant) string {
	return tenant.OrgID.String() + "|" + tenant.Env
}
