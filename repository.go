package tcc

//go:generate go tool mockgen -destination=./mocks/mock_$GOPACKAGE.go -package=mocks github.com/qbixus/tcc-go Repository,InstanceProvider

import (
	"context"
	"time"
)

// Repository persists transaction records. It is shared by the live path and the recovery driver, which
// coordinate only through the optimistic version check of Update.
//
// Implementations must:
//   - fail Create with ErrDuplicateXid when a record with the same Xid exists;
//   - fail Update with ErrStaleVersion when the stored version differs from tx.Version(), leaving the
//     stored record untouched, and otherwise call tx.UpdateVersion before writing;
//   - fail Update and FindByXid with ErrTransactionNotFound when no record exists;
//   - treat Delete of a missing record as success.
type Repository interface {
	Create(ctx context.Context, tx *Transaction) error
	Update(ctx context.Context, tx *Transaction) error
	Delete(ctx context.Context, tx *Transaction) error
	FindByXid(ctx context.Context, xid Xid) (*Transaction, error)
	// FindAllUnmodifiedSince lists records last updated before t, oldest first, for the recovery driver.
	FindAllUnmodifiedSince(ctx context.Context, t time.Time) ([]*Transaction, error)
}
