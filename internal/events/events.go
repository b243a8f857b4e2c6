// Package events publishes balance changes for downstream consumers such as
// invoicing and analytics.
package events

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

const TypeBalanceDeducted = "balance.deducted"

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Event is the envelope written to the broker. Key orders events of one
// customer onto one partition.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	OrgID      string    `json:"org_id"`
	Env        string    `json:"env"`
	Key        string    `json:"-"`
	Payload    any       `json:"payload"`
}

type BalanceDeducted struct {
	DeductionID           string                     `json:"deduction_id"`
	CustomerID            string                     `json:"customer_id"`
	EntityID              string                     `json:"entity_id,omitempty"`
	FeatureDeductions     map[string]decimal.Decimal `json:"feature_deductions"`
	Balances              map[string]decimal.Decimal `json:"balances"`
	UpdatedEntitlementIDs []string                   `json:"updated_entitlement_ids"`
}

// NewEventID returns a lexically sortable id for t.
func NewEventID(t time.Time) string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, event Event) error {
	return nil
}
