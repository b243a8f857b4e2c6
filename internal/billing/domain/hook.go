package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrDeclined            = errors.New("payment_declined")
	ErrMissingProcessorID  = errors.New("missing_processor_customer_id")
	ErrBillingNotAvailable = errors.New("billing_not_available")
)

// Hook commits the billing side of a paid continuous-use balance change.
// A returned error means the change must not stand.
type Hook interface {
	Commit(ctx context.Context, charge Charge) error
}

// Charge describes one entitlement whose paid allocation changed.
type Charge struct {
	IdempotencyKey      string
	CustomerID          string
	ProcessorCustomerID string
	EntitlementID       string
	FeatureID           string
	PriceID             string
	EntityID            string
	PreviousBalance     decimal.Decimal
	NewBalance          decimal.Decimal
	OccurredAt          time.Time
}

// Quantity is the usage added by the change; negative when units were given back.
func (c Charge) Quantity() decimal.Decimal {
	return c.PreviousBalance.Sub(c.NewBalance)
}

// DeclineError is a routine refusal by the payment processor. It is an
// expected business outcome rather than an engine fault.
type DeclineError struct {
	Code    string
	Message string
}

func (e *DeclineError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("payment declined: %s", e.Message)
	}
	return fmt.Sprintf("payment declined (%s): %s", e.Code, e.Message)
}

func (e *DeclineError) Is(target error) bool {
	return target == ErrDeclined
}

// IsDecline reports whether err is, or wraps, a routine decline.
func IsDecline(err error) bool {
	return errors.Is(err, ErrDeclined)
}
