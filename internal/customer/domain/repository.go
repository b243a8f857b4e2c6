package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// Insert persists a complete customer document. Product attachment owns
	// this path; the balance engine never creates entitlements.
	Insert(ctx context.Context, db *gorm.DB, doc *FullCustomer) error
	// LoadFull assembles the snapshot document, returning nil when the
	// customer does not exist.
	LoadFull(ctx context.Context, db *gorm.DB, key Key) (*FullCustomer, error)
	// SaveStates writes entitlement balance states for one customer. A state
	// older than the stored one is skipped.
	SaveStates(ctx context.Context, db *gorm.DB, customerInternalID snowflake.ID, states map[string]BalanceState) error
}

var (
	ErrNotFound        = errors.New("customer_not_found")
	ErrInvalidCustomer = errors.New("invalid_customer")
)
