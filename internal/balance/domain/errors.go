package domain

import (
	"errors"
	"fmt"
)

// Tags carried in a procedure response.
const (
	CodeCustomerNotFound    = "CUSTOMER_NOT_FOUND"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
)

var (
	ErrCustomerNotFound    = errors.New("customer_not_found")
	ErrInsufficientBalance = errors.New("insufficient_balance")
	ErrInvalidRequest      = errors.New("invalid_request")
	ErrFeatureNotFound     = errors.New("feature_not_found")
	ErrInvalidTenant       = errors.New("invalid_tenant")
	ErrEntityNotFound      = errors.New("entity_not_found")
)

// InsufficientBalanceError names the feature that could not be covered.
type InsufficientBalanceError struct {
	FeatureID string
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for feature %q", e.FeatureID)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}
