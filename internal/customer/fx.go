package customer

import (
	"github.com/smallbiznis/entitlements/internal/customer/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("customer.store",
	fx.Provide(repository.Provide),
)
