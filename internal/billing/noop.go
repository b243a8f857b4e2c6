package billing

import (
	"context"

	"github.com/smallbiznis/entitlements/internal/billing/domain"
)

// NoopHook accepts every charge. It backs deployments without a payment
// processor.
type NoopHook struct{}

func (NoopHook) Commit(ctx context.Context, charge domain.Charge) error {
	return nil
}
