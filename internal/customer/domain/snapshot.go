package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/entitlements/internal/orgcontext"
)

type ProductStatus string

const (
	ProductStatusActive    ProductStatus = "active"
	ProductStatusPastDue   ProductStatus = "past_due"
	ProductStatusScheduled ProductStatus = "scheduled"
	ProductStatusTrialing  ProductStatus = "trialing"
	ProductStatusExpired   ProductStatus = "expired"
)

type AllowanceType string

const (
	AllowanceFixed     AllowanceType = "fixed"
	AllowanceUnlimited AllowanceType = "unlimited"
	AllowanceNone      AllowanceType = "none"
)

// Key addresses one customer's snapshot.
type Key struct {
	Tenant     orgcontext.Tenant
	CustomerID string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Tenant.OrgID, k.Tenant.Env, k.CustomerID)
}

// FullCustomer is the cached document a deduction runs against.
type FullCustomer struct {
	OrgID       snowflake.ID      `json:"org_id"`
	Env         string            `json:"env"`
	ID          string            `json:"id"`
	InternalID  snowflake.ID      `json:"internal_id"`
	Name        string            `json:"name,omitempty"`
	ProcessorID string            `json:"processor_id,omitempty"`
	Entities    []Entity          `json:"entities"`
	Products    []CustomerProduct `json:"customer_products"`
	LoadedAt    time.Time         `json:"loaded_at"`
	// Version grows with every write to a balance in the document. It is
	// never lower than the version of any entitlement it holds.
	Version int64 `json:"version"`
}

type Entity struct {
	ID         string       `json:"id"`
	InternalID snowflake.ID `json:"internal_id"`
	FeatureID  string       `json:"feature_id"`
	Name       string       `json:"name,omitempty"`
}

type CustomerProduct struct {
	ID        string        `json:"id"`
	ProductID string        `json:"product_id"`
	Status    ProductStatus `json:"status"`
	// EntityID attaches the product to a single entity of the customer.
	EntityID     string                `json:"entity_id,omitempty"`
	Entitlements []CustomerEntitlement `json:"customer_entitlements"`
}

// CustomerEntitlement is one balance-tracked grant.
type CustomerEntitlement struct {
	ID              string           `json:"id"`
	FeatureID       string           `json:"feature_id"`
	AllowanceType   AllowanceType    `json:"allowance_type"`
	Allowance       decimal.Decimal  `json:"allowance"`
	Unlimited       bool             `json:"unlimited"`
	UsageAllowed    bool             `json:"usage_allowed"`
	MaxOverage      *decimal.Decimal `json:"max_overage,omitempty"`
	EntityFeatureID string           `json:"entity_feature_id,omitempty"`
	PriceID         string           `json:"price_id,omitempty"`
	NextResetAt     *time.Time       `json:"next_reset_at,omitempty"`

	Balance           decimal.Decimal          `json:"balance"`
	AdditionalBalance decimal.Decimal          `json:"additional_balance"`
	Adjustment        decimal.Decimal          `json:"adjustment"`
	Entities          map[string]EntityBalance `json:"entities,omitempty"`
	Rollovers         []Rollover               `json:"rollovers,omitempty"`
	// Version is the document version that last wrote this balance.
	Version int64 `json:"version"`
}

type EntityBalance struct {
	ID                string          `json:"id"`
	Balance           decimal.Decimal `json:"balance"`
	AdditionalBalance decimal.Decimal `json:"additional_balance"`
	Adjustment        decimal.Decimal `json:"adjustment"`
}

type Rollover struct {
	ID        string                   `json:"id"`
	Balance   decimal.Decimal          `json:"balance"`
	ExpiresAt *time.Time               `json:"expires_at,omitempty"`
	Entities  map[string]EntityBalance `json:"entities,omitempty"`
}

// BalanceState is every mutable field of an entitlement. The engine only
// ever reads and writes entitlements through it.
type BalanceState struct {
	Balance           decimal.Decimal          `json:"balance"`
	AdditionalBalance decimal.Decimal          `json:"additional_balance"`
	Adjustment        decimal.Decimal          `json:"adjustment"`
	Entities          map[string]EntityBalance `json:"entities,omitempty"`
	Rollovers         []RolloverBalance        `json:"rollovers,omitempty"`
	Version           int64                    `json:"version"`
}

type RolloverBalance struct {
	ID       string                   `json:"id"`
	Balance  decimal.Decimal          `json:"balance"`
	Entities map[string]EntityBalance `json:"entities,omitempty"`
}

func (e CustomerEntitlement) IsUnlimited() bool {
	return e.Unlimited || e.AllowanceType == AllowanceUnlimited
}

func (e CustomerEntitlement) State() BalanceState {
	state := BalanceState{
		Balance:           e.Balance,
		AdditionalBalance: e.AdditionalBalance,
		Adjustment:        e.Adjustment,
		Entities:          cloneEntities(e.Entities),
		Version:           e.Version,
	}
	for _, r := range e.Rollovers {
		state.Rollovers = append(state.Rollovers, RolloverBalance{
			ID:       r.ID,
			Balance:  r.Balance,
			Entities: cloneEntities(r.Entities),
		})
	}
	return state
}

// SetState overwrites the mutable fields. Rollovers missing from the state
// are left untouched.
func (e *CustomerEntitlement) SetState(state BalanceState) {
	e.Balance = state.Balance
	e.AdditionalBalance = state.AdditionalBalance
	e.Adjustment = state.Adjustment
	e.Entities = cloneEntities(state.Entities)
	e.Version = state.Version
	for _, rb := range state.Rollovers {
		for i := range e.Rollovers {
			if e.Rollovers[i].ID == rb.ID {
				e.Rollovers[i].Balance = rb.Balance
				e.Rollovers[i].Entities = cloneEntities(rb.Entities)
			}
		}
	}
}

// ScopedBalance is the base balance seen by entityID, or the sum over every
// entity for entity-scoped grants when entityID is empty.
func (e CustomerEntitlement) ScopedBalance(entityID string) decimal.Decimal {
	if e.EntityFeatureID == "" {
		return e.Balance
	}
	if entityID != "" {
		return e.Entities[entityID].Balance
	}
	total := decimal.Zero
	for _, eb := range e.Entities {
		total = total.Add(eb.Balance)
	}
	return total
}

// FindEntitlement returns the entitlement and its owning product.
func (c *FullCustomer) FindEntitlement(id string) (*CustomerEntitlement, *CustomerProduct) {
	if c == nil {
		return nil, nil
	}
	for pi := range c.Products {
		product := &c.Products[pi]
		for ei := range product.Entitlements {
			if product.Entitlements[ei].ID == id {
				return &product.Entitlements[ei], product
			}
		}
	}
	return nil, nil
}

// ApplyState writes a returned state onto the entitlement. It reports false
// when the entitlement is not part of the document.
func (c *FullCustomer) ApplyState(entitlementID string, state BalanceState) bool {
	ent, _ := c.FindEntitlement(entitlementID)
	if ent == nil {
		return false
	}
	ent.SetState(state)
	return true
}

// Stamp bumps the document version and writes states under it. The returned
// map holds the states as stamped, for entitlements present in the document.
func (c *FullCustomer) Stamp(states map[string]BalanceState) map[string]BalanceState {
	c.Version++
	stamped := make(map[string]BalanceState, len(states))
	for id, state := range states {
		state.Version = c.Version
		if c.ApplyState(id, state) {
			stamped[id] = state
		}
	}
	return stamped
}

// KeepNewer carries over every balance of cached written after the one held
// here, and keeps the version from going backwards.
func (c *FullCustomer) KeepNewer(cached *FullCustomer) int {
	if cached == nil {
		return 0
	}
	kept := 0
	for _, product := range cached.Products {
		for _, ent := range product.Entitlements {
			current, _ := c.FindEntitlement(ent.ID)
			if current == nil || current.Version >= ent.Version {
				continue
			}
			current.SetState(ent.State())
			kept++
		}
	}
	if cached.Version > c.Version {
		c.Version = cached.Version
	}
	return kept
}

func (c *FullCustomer) FindEntity(id string) *Entity {
	if c == nil {
		return nil
	}
	for i := range c.Entities {
		if c.Entities[i].ID == id {
			return &c.Entities[i]
		}
	}
	return nil
}

func (c *FullCustomer) Key() Key {
	return Key{
		Tenant:     orgcontext.Tenant{OrgID: c.OrgID, Env: c.Env},
		CustomerID: c.ID,
	}
}

func (c *FullCustomer) Clone() *FullCustomer {
	if c == nil {
		return nil
	}
	out := *c
	out.Entities = append([]Entity(nil), c.Entities...)
	out.Products = make([]CustomerProduct, len(c.Products))
	for i, p := range c.Products {
		p.Entitlements = make([]CustomerEntitlement, len(c.Products[i].Entitlements))
		for j, ent := range c.Products[i].Entitlements {
			p.Entitlements[j] = ent.Clone()
		}
		out.Products[i] = p
	}
	return &out
}

func (e CustomerEntitlement) Clone() CustomerEntitlement {
	out := e
	if e.MaxOverage != nil {
		v := *e.MaxOverage
		out.MaxOverage = &v
	}
	if e.NextResetAt != nil {
		v := *e.NextResetAt
		out.NextResetAt = &v
	}
	out.Entities = cloneEntities(e.Entities)
	if e.Rollovers != nil {
		out.Rollovers = make([]Rollover, len(e.Rollovers))
		for i, r := range e.Rollovers {
			if r.ExpiresAt != nil {
				v := *r.ExpiresAt
				r.ExpiresAt = &v
			}
			r.Entities = cloneEntities(r.Entities)
			out.Rollovers[i] = r
		}
	}
	return out
}

// SortedEntityIDs returns the keys of an entity balance map in ascending order.
func SortedEntityIDs(entities map[string]EntityBalance) []string {
	ids := make([]string, 0, len(entities))
	for id := range entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func cloneEntities(in map[string]EntityBalance) map[string]EntityBalance {
	if in == nil {
		return nil
	}
	out := make(map[string]EntityBalance, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
