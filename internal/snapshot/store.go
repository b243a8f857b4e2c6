// Package snapshot owns the per-customer balance document used for real-time
// checks. Every mutation of a document goes through Deduct or Restore, which
// hold exclusive access to the customer's key for the whole read-modify-write.
package snapshot

import (
	"context"
	"errors"

	"github.com/smallbiznis/entitlements/internal/balance/domain"
	customerdomain "github.com/smallbiznis/entitlements/internal/customer/domain"
)

var (
	ErrMiss            = errors.New("snapshot_miss")
	ErrInvalidKey      = errors.New("invalid_snapshot_key")
	ErrTxConflicts     = errors.New("snapshot_tx_conflicts")
	ErrVersionConflict = errors.New("snapshot_version_conflict")
)

// VersionAbsent asks SetIfVersion to write only when nothing is cached.
const VersionAbsent int64 = -1

type Store interface {
	// Get returns a copy of the cached document or ErrMiss.
	Get(ctx context.Context, key customerdomain.Key) (*customerdomain.FullCustomer, error)
	Set(ctx context.Context, doc *customerdomain.FullCustomer) error
	// SetIfVersion stores doc only while the cached document still carries
	// version, and returns ErrVersionConflict otherwise.
	SetIfVersion(ctx context.Context, doc *customerdomain.FullCustomer, version int64) error
	Invalidate(ctx context.Context, key customerdomain.Key) error
	// Deduct runs the deduction procedure against the cached document as one
	// indivisible step. A missing document yields a CUSTOMER_NOT_FOUND response.
	Deduct(ctx context.Context, key customerdomain.Key, req domain.ProcedureRequest) (domain.ProcedureResponse, error)
	// Restore writes states back onto the cached document under a new
	// version and returns them as written. It is a no-op when the document
	// has been evicted in the meantime.
	Restore(ctx context.Context, key customerdomain.Key, states map[string]customerdomain.BalanceState) (map[string]customerdomain.BalanceState, error)
}

func validKey(key customerdomain.Key) error {
	if !key.Tenant.Valid() || key.CustomerID == "" {
		return ErrInvalidKey
	}
	return nil
}
