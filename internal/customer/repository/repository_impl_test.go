package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/entitlements/internal/customer/domain"
	"github.com/smallbiznis/entitlements/internal/orgcontext"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, conn.AutoMigrate(domain.Models()...))
	return conn
}

func seedDoc() *domain.FullCustomer {
	expires := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	overage := decimal.NewFromInt(5)
	return &domain.FullCustomer{
		OrgID:      snowflake.ID(10),
		Env:        orgcontext.EnvLive,
		ID:         "cus_1",
		InternalID: snowflake.ID(100),
		Entities:   []domain.Entity{{ID: "seat_1", InternalID: 101, FeatureID: "seats"}},
		Products: []domain.CustomerProduct{
			{
				ID:     "cp_pro",
				Status: domain.ProductStatusActive,
				Entitlements: []domain.CustomerEntitlement{
					{
						ID:            "ce_msgs",
						FeatureID:     "messages",
						AllowanceType: domain.AllowanceFixed,
						Allowance:     decimal.NewFromInt(100),
						Balance:       decimal.NewFromInt(100),
						UsageAllowed:  true,
						MaxOverage:    &overage,
						Rollovers: []domain.Rollover{
							{ID: "ro_1", Balance: decimal.NewFromInt(20), ExpiresAt: &expires},
						},
					},
					{
						ID:              "ce_seat_msgs",
						FeatureID:       "messages",
						AllowanceType:   domain.AllowanceFixed,
						Allowance:       decimal.NewFromInt(10),
						EntityFeatureID: "seats",
						Entities: map[string]domain.EntityBalance{
							"seat_1": {ID: "seat_1", Balance: decimal.NewFromInt(10)},
						},
					},
				},
			},
		},
	}
}

func TestLoadFullAssemblesDocument(t *testing.T) {
	conn := setupDB(t)
	repo := Provide()
	ctx := context.Background()
	doc := seedDoc()
	require.NoError(t, repo.Insert(ctx, conn, doc))

	loaded, err := repo.LoadFull(ctx, conn, doc.Key())
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, doc.InternalID, loaded.InternalID)
	require.Len(t, loaded.Entities, 1)
	require.Len(t, loaded.Products, 1)
	require.Len(t, loaded.Products[0].Entitlements, 2)

	msgs := loaded.Products[0].Entitlements[0]
	require.Equal(t, "ce_msgs", msgs.ID)
	require.True(t, msgs.Balance.Equal(decimal.NewFromInt(100)))
	require.NotNil(t, msgs.MaxOverage)
	require.True(t, msgs.MaxOverage.Equal(decimal.NewFromInt(5)))
	require.Len(t, msgs.Rollovers, 1)
	require.True(t, msgs.Rollovers[0].Balance.Equal(decimal.NewFromInt(20)))

	seat := loaded.Products[0].Entitlements[1]
	require.Nil(t, seat.MaxOverage)
	require.True(t, seat.Entities["seat_1"].Balance.Equal(decimal.NewFromInt(10)))

	missing, err := repo.LoadFull(ctx, conn, domain.Key{Tenant: doc.Key().Tenant, CustomerID: "nope"})
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestSaveStatesIsScopedToCustomer(t *testing.T) {
	conn := setupDB(t)
	repo := Provide()
	ctx := context.Background()
	doc := seedDoc()
	require.NoError(t, repo.Insert(ctx, conn, doc))

	err := repo.SaveStates(ctx, conn, doc.InternalID, map[string]domain.BalanceState{
		"ce_msgs": {
			Balance:    decimal.NewFromInt(60),
			Adjustment: decimal.NewFromInt(-4),
			Rollovers:  []domain.RolloverBalance{{ID: "ro_1", Balance: decimal.NewFromInt(5)}},
		},
	})
	require.NoError(t, err)

	err = repo.SaveStates(ctx, conn, snowflake.ID(999), map[string]domain.BalanceState{
		"ce_msgs": {Balance: decimal.NewFromInt(-1)},
	})
	require.NoError(t, err)

	loaded, err := repo.LoadFull(ctx, conn, doc.Key())
	require.NoError(t, err)
	msgs, _ := loaded.FindEntitlement("ce_msgs")
	require.True(t, msgs.Balance.Equal(decimal.NewFromInt(60)))
	require.True(t, msgs.Adjustment.Equal(decimal.NewFromInt(-4)))
	require.True(t, msgs.Rollovers[0].Balance.Equal(decimal.NewFromInt(5)))
}

func TestSaveStatesSkipsOlderVersions(t *testing.T) {
	conn := setupDB(t)
	repo := Provide()
	ctx := context.Background()
	doc := seedDoc()
	require.NoError(t, repo.Insert(ctx, conn, doc))

	require.NoError(t, repo.SaveStates(ctx, conn, doc.InternalID, map[string]domain.BalanceState{
		"ce_msgs": {Balance: decimal.NewFromInt(30), Version: 3},
	}))
	require.NoError(t, repo.SaveStates(ctx, conn, doc.InternalID, map[string]domain.BalanceState{
		"ce_msgs": {
			Balance:   decimal.NewFromInt(50),
			Rollovers: []domain.RolloverBalance{{ID: "ro_1", Balance: decimal.NewFromInt(1)}},
			Version:   2,
		},
	}))

	loaded, err := repo.LoadFull(ctx, conn, doc.Key())
	require.NoError(t, err)
	msgs, _ := loaded.FindEntitlement("ce_msgs")
	require.True(t, msgs.Balance.Equal(decimal.NewFromInt(30)))
	require.True(t, msgs.Rollovers[0].Balance.Equal(decimal.NewFromInt(20)))
	require.Equal(t, int64(3), msgs.Version)
	require.Equal(t, int64(3), loaded.Version)
}
