package service

import (
	"github.com/smallbiznis/entitlements/internal/balance/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("balance.engine",
	fx.Provide(New),
	fx.Provide(func(e *Engine) domain.Service { return e }),
)
