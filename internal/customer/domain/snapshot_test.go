package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func sampleCustomer() *FullCustomer {
	expires := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	maxOverage := decimal.NewFromInt(10)
	return &FullCustomer{
		OrgID: 1,
		Env:   "live",
		ID:    "cus_1",
		Products: []CustomerProduct{{
			ID:     "cp_1",
			Status: ProductStatusActive,
			Entitlements: []CustomerEntitlement{{
				ID:         "ce_1",
				FeatureID:  "messages",
				Balance:    decimal.NewFromInt(100),
				MaxOverage: &maxOverage,
				Entities: map[string]EntityBalance{
					"seat_b": {ID: "seat_b", Balance: decimal.NewFromInt(5)},
					"seat_a": {ID: "seat_a", Balance: decimal.NewFromInt(3)},
				},
				Rollovers: []Rollover{{ID: "ro_1", Balance: decimal.NewFromInt(7), ExpiresAt: &expires}},
			}},
		}},
	}
}

func TestCloneIsDeep(t *testing.T) {
	doc := sampleCustomer()
	clone := doc.Clone()

	ent, _ := clone.FindEntitlement("ce_1")
	require.NotNil(t, ent)
	ent.Balance = decimal.Zero
	ent.Entities["seat_a"] = EntityBalance{ID: "seat_a"}
	ent.Rollovers[0].Balance = decimal.Zero
	*ent.MaxOverage = decimal.Zero

	orig, product := doc.FindEntitlement("ce_1")
	require.Equal(t, "cp_1", product.ID)
	require.True(t, orig.Balance.Equal(decimal.NewFromInt(100)))
	require.True(t, orig.Entities["seat_a"].Balance.Equal(decimal.NewFromInt(3)))
	require.True(t, orig.Rollovers[0].Balance.Equal(decimal.NewFromInt(7)))
	require.True(t, orig.MaxOverage.Equal(decimal.NewFromInt(10)))
}

func TestStateRoundTrip(t *testing.T) {
	doc := sampleCustomer()
	ent, _ := doc.FindEntitlement("ce_1")
	before := ent.State()

	ent.Balance = decimal.NewFromInt(1)
	ent.Rollovers[0].Balance = decimal.NewFromInt(2)
	ent.Entities["seat_b"] = EntityBalance{ID: "seat_b", Balance: decimal.NewFromInt(-1)}

	require.True(t, doc.ApplyState("ce_1", before))
	require.True(t, ent.Balance.Equal(decimal.NewFromInt(100)))
	require.True(t, ent.Rollovers[0].Balance.Equal(decimal.NewFromInt(7)))
	require.True(t, ent.Entities["seat_b"].Balance.Equal(decimal.NewFromInt(5)))
	require.False(t, doc.ApplyState("missing", before))
}

func TestScopedBalance(t *testing.T) {
	ent := sampleCustomer().Products[0].Entitlements[0]
	require.True(t, ent.ScopedBalance("").Equal(decimal.NewFromInt(100)))

	ent.EntityFeatureID = "seats"
	require.True(t, ent.ScopedBalance("seat_a").Equal(decimal.NewFromInt(3)))
	require.True(t, ent.ScopedBalance("").Equal(decimal.NewFromInt(8)))
	require.True(t, ent.ScopedBalance("seat_z").IsZero())
	require.Equal(t, []string{"seat_a", "seat_b"}, SortedEntityIDs(ent.Entities))
}

func TestSnapshotJSONKeepsDecimals(t *testing.T) {
	doc := sampleCustomer()
	ent, _ := doc.FindEntitlement("ce_1")
	ent.Balance = decimal.RequireFromString("0.1").Add(decimal.RequireFromString("0.2"))

	raw, err := json.Marshal(doc)
	require.NoError(t, err)

	var decoded FullCustomer
	require.NoError(t, json.Unmarshal(raw, &decoded))
	got, _ := decoded.FindEntitlement("ce_1")
	require.Equal(t, "0.3", got.Balance.String())
	require.Equal(t, doc.Key(), decoded.Key())
}
