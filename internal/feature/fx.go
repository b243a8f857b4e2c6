package feature

import (
	"github.com/smallbiznis/entitlements/internal/feature/repository"
	"github.com/smallbiznis/entitlements/internal/feature/service"
	"go.uber.org/fx"
)

var Module = fx.Module("feature.catalog",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
