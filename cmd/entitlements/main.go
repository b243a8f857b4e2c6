package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/balance/service"
	"github.com/smallbiznis/entitlements/internal/balance/syncer"
	"github.com/smallbiznis/entitlements/internal/billing"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	"github.com/smallbiznis/entitlements/internal/customer"
	"github.com/smallbiznis/entitlements/internal/events"
	"github.com/smallbiznis/entitlements/internal/feature"
	"github.com/smallbiznis/entitlements/internal/migration"
	"github.com/smallbiznis/entitlements/internal/observability"
	"github.com/smallbiznis/entitlements/internal/server"
	"github.com/smallbiznis/entitlements/internal/snapshot"
	"github.com/smallbiznis/entitlements/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Balance engine and its collaborators
		feature.Module,
		customer.Module,
		snapshot.Module,
		billing.Module,
		events.Module,
		syncer.Module,
		service.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
