package billing

import (
	"github.com/smallbiznis/entitlements/internal/billing/domain"
	"github.com/smallbiznis/entitlements/internal/billing/stripe"
	"github.com/smallbiznis/entitlements/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("billing",
	fx.Provide(NewHook),
)

// NewHook selects the Stripe adapter when a secret key is configured.
func NewHook(cfg config.Config, log *zap.Logger) (domain.Hook, error) {
	if cfg.Stripe.SecretKey == "" {
		log.Named("billing").Info("stripe not configured, paid allocations are not billed")
		return NoopHook{}, nil
	}
	return stripe.New(stripe.Config{
		SecretKey:  cfg.Stripe.SecretKey,
		APIURL:     cfg.Stripe.APIURL,
		MeterEvent: cfg.Stripe.MeterEvent,
	}, log)
}
