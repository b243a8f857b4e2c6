package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type FeatureType string

const (
	FeatureTypeBoolean      FeatureType = "boolean"
	FeatureTypeMetered      FeatureType = "metered"
	FeatureTypeCreditSystem FeatureType = "credit_system"
)

type UsageType string

const (
	UsageTypeSingle     UsageType = "single_use"
	UsageTypeContinuous UsageType = "continuous_use"
)

// CreditSchemaItem prices one metered feature in credits of a credit system.
type CreditSchemaItem struct {
	MeteredFeatureID string          `json:"metered_feature_id"`
	CreditAmount     decimal.Decimal `json:"credit_amount"`
}

type Feature struct {
	InternalID snowflake.ID `gorm:"column:internal_id;primaryKey" json:"internal_id"`
	OrgID      snowflake.ID `gorm:"column:org_id;not null;uniqueIndex:ux_features_tenant_feature,priority:1" json:"org_id"`
	Env        string       `gorm:"column:env;type:text;not null;uniqueIndex:ux_features_tenant_feature,priority:2" json:"env"`
	FeatureID  string       `gorm:"column:feature_id;type:text;not null;uniqueIndex:ux_features_tenant_feature,priority:3" json:"id"`

	Name         string                                `gorm:"type:text;not null" json:"name"`
	Type         FeatureType                           `gorm:"column:feature_type;type:text;not null" json:"type"`
	UsageType    UsageType                             `gorm:"column:usage_type;type:text" json:"usage_type,omitempty"`
	CreditSchema datatypes.JSONSlice[CreditSchemaItem] `gorm:"column:credit_schema" json:"credit_schema,omitempty"`
	Archived     bool                                  `gorm:"not null;default:false" json:"archived"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Feature) TableName() string { return "features" }

func (f Feature) IsCreditSystem() bool {
	return f.Type == FeatureTypeCreditSystem
}

func (f Feature) IsContinuousUse() bool {
	return f.UsageType == UsageTypeContinuous
}

// Covers reports whether a credit system spends its credits on meteredFeatureID.
func (f Feature) Covers(meteredFeatureID string) bool {
	_, ok := f.creditAmount(meteredFeatureID)
	return ok
}

// CreditCost is how many units of f one unit of featureID consumes. A feature
// always costs one unit of itself.
func (f Feature) CreditCost(featureID string) decimal.Decimal {
	if f.FeatureID == featureID {
		return decimal.NewFromInt(1)
	}
	if amount, ok := f.creditAmount(featureID); ok {
		return amount
	}
	return decimal.NewFromInt(1)
}

func (f Feature) creditAmount(featureID string) (decimal.Decimal, bool) {
	if !f.IsCreditSystem() {
		return decimal.Zero, false
	}
	for _, item := range f.CreditSchema {
		if item.MeteredFeatureID == featureID {
			return item.CreditAmount, true
		}
	}
	return decimal.Zero, false
}
