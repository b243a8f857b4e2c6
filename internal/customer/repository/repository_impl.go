package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/entitlements/internal/customer/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, doc *domain.FullCustomer) error {
	if doc == nil || doc.InternalID == 0 || doc.ID == "" {
		return domain.ErrInvalidCustomer
	}

	now := time.Now().UTC()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&domain.CustomerRecord{
			InternalID:  doc.InternalID,
			OrgID:       doc.OrgID,
			Env:         doc.Env,
			CustomerID:  doc.ID,
			Name:        doc.Name,
			ProcessorID: doc.ProcessorID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}).Error; err != nil {
			return err
		}

		for _, entity := range doc.Entities {
			if err := tx.Create(&domain.EntityRecord{
				InternalID:         entity.InternalID,
				CustomerInternalID: doc.InternalID,
				EntityID:           entity.ID,
				FeatureID:          entity.FeatureID,
				Name:               entity.Name,
				CreatedAt:          now,
			}).Error; err != nil {
				return err
			}
		}

		for pi, product := range doc.Products {
			if err := tx.Create(&domain.CustomerProductRecord{
				ID:                 product.ID,
				CustomerInternalID: doc.InternalID,
				ProductID:          product.ProductID,
				Status:             product.Status,
				EntityID:           product.EntityID,
				CreatedAt:          now.Add(time.Duration(pi) * time.Millisecond),
			}).Error; err != nil {
				return err
			}

			for position, ent := range product.Entitlements {
				record := toEntitlementRecord(doc.InternalID, product.ID, position, ent, now)
				if err := tx.Create(&record).Error; err != nil {
					return err
				}
				for _, rollover := range ent.Rollovers {
					if err := tx.Create(&domain.RolloverRecord{
						ID:                 rollover.ID,
						EntitlementID:      ent.ID,
						CustomerInternalID: doc.InternalID,
						Balance:            rollover.Balance,
						ExpiresAt:          rollover.ExpiresAt,
						Entities:           datatypes.NewJSONType(rollover.Entities),
						CreatedAt:          now,
					}).Error; err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
}

func (r *repo) LoadFull(ctx context.Context, db *gorm.DB, key domain.Key) (*domain.FullCustomer, error) {
	db = db.WithContext(ctx)

	var customer domain.CustomerRecord
	err := db.Where("org_id = ? AND env = ? AND customer_id = ?", key.Tenant.OrgID, key.Tenant.Env, key.CustomerID).
		First(&customer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var entities []domain.EntityRecord
	if err := db.Where("customer_internal_id = ? AND deleted = ?", customer.InternalID, false).
		Order("entity_id ASC").
		Find(&entities).Error; err != nil {
		return nil, err
	}

	var products []domain.CustomerProductRecord
	if err := db.Where("customer_internal_id = ?", customer.InternalID).
		Order("created_at ASC, id ASC").
		Find(&products).Error; err != nil {
		return nil, err
	}

	var entitlements []domain.EntitlementRecord
	if err := db.Where("customer_internal_id = ?", customer.InternalID).
		Order("position ASC, id ASC").
		Find(&entitlements).Error; err != nil {
		return nil, err
	}

	var rollovers []domain.RolloverRecord
	if err := db.Where("customer_internal_id = ?", customer.InternalID).
		Order("id ASC").
		Find(&rollovers).Error; err != nil {
		return nil, err
	}

	rolloversByEnt := lo.GroupBy(rollovers, func(r domain.RolloverRecord) string { return r.EntitlementID })
	entsByProduct := lo.GroupBy(entitlements, func(e domain.EntitlementRecord) string { return e.CustomerProductID })

	doc := &domain.FullCustomer{
		OrgID:       customer.OrgID,
		Env:         customer.Env,
		ID:          customer.CustomerID,
		InternalID:  customer.InternalID,
		Name:        customer.Name,
		ProcessorID: customer.ProcessorID,
		Entities: lo.Map(entities, func(e domain.EntityRecord, _ int) domain.Entity {
			return domain.Entity{ID: e.EntityID, InternalID: e.InternalID, FeatureID: e.FeatureID, Name: e.Name}
		}),
		LoadedAt: time.Now().UTC(),
	}

	for _, product := range products {
		cp := domain.CustomerProduct{
			ID:        product.ID,
			ProductID: product.ProductID,
			Status:    product.Status,
			EntityID:  product.EntityID,
		}
		for _, record := range entsByProduct[product.ID] {
			ent := fromEntitlementRecord(record, rolloversByEnt[record.ID])
			if ent.Version > doc.Version {
				doc.Version = ent.Version
			}
			cp.Entitlements = append(cp.Entitlements, ent)
		}
		doc.Products = append(doc.Products, cp)
	}
	return doc, nil
}

// SaveStates skips any entitlement whose stored state is newer than the one
// given, along with its rollovers.
func (r *repo) SaveStates(ctx context.Context, db *gorm.DB, customerInternalID snowflake.ID, states map[string]domain.BalanceState) error {
	if len(states) == 0 {
		return nil
	}

	now := time.Now().UTC()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for entitlementID, state := range states {
			res := tx.Model(&domain.EntitlementRecord{}).
				Where("id = ? AND customer_internal_id = ? AND state_version <= ?", entitlementID, customerInternalID, state.Version).
				Updates(map[string]any{
					"balance":            state.Balance,
					"additional_balance": state.AdditionalBalance,
					"adjustment":         state.Adjustment,
					"entities":           datatypes.NewJSONType(state.Entities),
					"state_version":      state.Version,
					"updated_at":         now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}

			for _, rollover := range state.Rollovers {
				if err := tx.Model(&domain.RolloverRecord{}).
					Where("id = ? AND customer_entitlement_id = ? AND customer_internal_id = ?", rollover.ID, entitlementID, customerInternalID).
					Updates(map[string]any{
						"balance":  rollover.Balance,
						"entities": datatypes.NewJSONType(rollover.Entities),
					}).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func toEntitlementRecord(customerInternalID snowflake.ID, productID string, position int, ent domain.CustomerEntitlement, now time.Time) domain.EntitlementRecord {
	record := domain.EntitlementRecord{
		ID:                 ent.ID,
		CustomerProductID:  productID,
		CustomerInternalID: customerInternalID,
		FeatureID:          ent.FeatureID,
		Position:           position,
		AllowanceType:      ent.AllowanceType,
		Allowance:          ent.Allowance,
		Unlimited:          ent.Unlimited,
		UsageAllowed:       ent.UsageAllowed,
		EntityFeatureID:    ent.EntityFeatureID,
		PriceID:            ent.PriceID,
		NextResetAt:        ent.NextResetAt,
		Balance:            ent.Balance,
		AdditionalBalance:  ent.AdditionalBalance,
		Adjustment:         ent.Adjustment,
		Entities:           datatypes.NewJSONType(ent.Entities),
		StateVersion:       ent.Version,
		UpdatedAt:          now,
	}
	if ent.MaxOverage != nil {
		record.MaxOverage = decimal.NullDecimal{Decimal: *ent.MaxOverage, Valid: true}
	}
	return record
}

func fromEntitlementRecord(record domain.EntitlementRecord, rollovers []domain.RolloverRecord) domain.CustomerEntitlement {
	ent := domain.CustomerEntitlement{
		ID:                record.ID,
		FeatureID:         record.FeatureID,
		AllowanceType:     record.AllowanceType,
		Allowance:         record.Allowance,
		Unlimited:         record.Unlimited,
		UsageAllowed:      record.UsageAllowed,
		EntityFeatureID:   record.EntityFeatureID,
		PriceID:           record.PriceID,
		NextResetAt:       record.NextResetAt,
		Balance:           record.Balance,
		AdditionalBalance: record.AdditionalBalance,
		Adjustment:        record.Adjustment,
		Entities:          record.Entities.Data(),
		Version:           record.StateVersion,
	}
	if record.MaxOverage.Valid {
		v := record.MaxOverage.Decimal
		ent.MaxOverage = &v
	}
	for _, r := range rollovers {
		ent.Rollovers = append(ent.Rollovers, domain.Rollover{
			ID:        r.ID,
			Balance:   r.Balance,
			ExpiresAt: r.ExpiresAt,
			Entities:  r.Entities.Data(),
		})
	}
	return ent
}
