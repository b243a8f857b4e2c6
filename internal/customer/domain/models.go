package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// CustomerRecord and the records below are the system-of-record rows a
// FullCustomer snapshot is assembled from.
type CustomerRecord struct {
	InternalID  snowflake.ID `gorm:"column:internal_id;primaryKey"`
	OrgID       snowflake.ID `gorm:"column:org_id;not null;uniqueIndex:ux_customers_tenant_customer,priority:1"`
	Env         string       `gorm:"column:env;type:text;not null;uniqueIndex:ux_customers_tenant_customer,priority:2"`
	CustomerID  string       `gorm:"column:customer_id;type:text;not null;uniqueIndex:ux_customers_tenant_customer,priority:3"`
	Name        string       `gorm:"type:text"`
	Email       string       `gorm:"type:text"`
	ProcessorID string       `gorm:"column:processor_customer_id;type:text"`
	CreatedAt   time.Time    `gorm:"not null"`
	UpdatedAt   time.Time    `gorm:"not null"`
}

func (CustomerRecord) TableName() string { return "customers" }

type EntityRecord struct {
	InternalID         snowflake.ID `gorm:"column:internal_id;primaryKey"`
	CustomerInternalID snowflake.ID `gorm:"column:customer_internal_id;not null;index"`
	EntityID           string       `gorm:"column:entity_id;type:text;not null"`
	FeatureID          string       `gorm:"column:feature_id;type:text"`
	Name               string       `gorm:"type:text"`
	Deleted            bool         `gorm:"not null;default:false"`
	CreatedAt          time.Time    `gorm:"not null"`
}

func (EntityRecord) TableName() string { return "entities" }

type CustomerProductRecord struct {
	ID                 string        `gorm:"type:text;primaryKey"`
	CustomerInternalID snowflake.ID  `gorm:"column:customer_internal_id;not null;index"`
	ProductID          string        `gorm:"column:product_id;type:text;not null"`
	Status             ProductStatus `gorm:"type:text;not null"`
	EntityID           string        `gorm:"column:entity_id;type:text"`
	CreatedAt          time.Time     `gorm:"not null"`
}

func (CustomerProductRecord) TableName() string { return "customer_products" }

type EntitlementRecord struct {
	ID                 string              `gorm:"type:text;primaryKey"`
	CustomerProductID  string              `gorm:"column:customer_product_id;type:text;not null;index"`
	CustomerInternalID snowflake.ID        `gorm:"column:customer_internal_id;not null;index"`
	FeatureID          string              `gorm:"column:feature_id;type:text;not null"`
	Position           int                 `gorm:"not null;default:0"`
	AllowanceType      AllowanceType       `gorm:"column:allowance_type;type:text;not null"`
	Allowance          decimal.Decimal     `gorm:"type:numeric(38,12);not null;default:0"`
	Unlimited          bool                `gorm:"not null;default:false"`
	UsageAllowed       bool                `gorm:"column:usage_allowed;not null;default:false"`
	MaxOverage         decimal.NullDecimal `gorm:"column:max_overage;type:numeric(38,12)"`
	EntityFeatureID    string              `gorm:"column:entity_feature_id;type:text"`
	PriceID            string              `gorm:"column:price_id;type:text"`
	NextResetAt        *time.Time          `gorm:"column:next_reset_at"`

	Balance           decimal.Decimal                              `gorm:"type:numeric(38,12);not null;default:0"`
	AdditionalBalance decimal.Decimal                              `gorm:"column:additional_balance;type:numeric(38,12);not null;default:0"`
	Adjustment        decimal.Decimal                              `gorm:"type:numeric(38,12);not null;default:0"`
	Entities          datatypes.JSONType[map[string]EntityBalance] `gorm:"column:entities"`
	// StateVersion is the snapshot version of the stored balances. Older
	// states never overwrite newer ones.
	StateVersion int64 `gorm:"column:state_version;not null;default:0"`

	UpdatedAt time.Time `gorm:"not null"`
}

func (EntitlementRecord) TableName() string { return "customer_entitlements" }

type RolloverRecord struct {
	ID                 string                                       `gorm:"type:text;primaryKey"`
	EntitlementID      string                                       `gorm:"column:customer_entitlement_id;type:text;not null;index"`
	CustomerInternalID snowflake.ID                                 `gorm:"column:customer_internal_id;not null;index"`
	Balance            decimal.Decimal                              `gorm:"type:numeric(38,12);not null;default:0"`
	ExpiresAt          *time.Time                                   `gorm:"column:expires_at"`
	Entities           datatypes.JSONType[map[string]EntityBalance] `gorm:"column:entities"`
	CreatedAt          time.Time                                    `gorm:"not null"`
}

func (RolloverRecord) TableName() string { return "rollovers" }

// Models lists every table owned by the customer system of record.
func Models() []any {
	return []any{
		&CustomerRecord{},
		&EntityRecord{},
		&CustomerProductRecord{},
		&EntitlementRecord{},
		&RolloverRecord{},
	}
}
