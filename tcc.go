// Package tcc coordinates Try-Confirm-Cancel distributed transactions.
//
// A root call begins a transaction, every downstream branch enlists a participant with a confirm and
// a cancel invocation, and once the try phase succeeds the coordinator confirms every participant (or
// cancels them if the try phase failed). Transaction records are kept in a [Repository] until the
// second phase completes, so an external recovery driver can retry whatever a crash left behind.
package tcc

import (
	"errors"
	"fmt"
)

var (
	ErrIllegalState          = errors.New("#TCC_ILLEGAL_STATE")
	ErrNoActiveTransaction   = fmt.Errorf("#TCC_NO_ACTIVE_TRANSACTION: %w", ErrIllegalState)
	ErrIllegalCleanupOrder   = fmt.Errorf("#TCC_ILLEGAL_CLEANUP_ORDER: %w", ErrIllegalState)
	ErrIllegalPropagation    = errors.New("#TCC_ILLEGAL_PROPAGATION")
	ErrNoExistingTransaction = errors.New("#TCC_NO_EXISTING_TRANSACTION")

	ErrConfirmFailed = errors.New("#TCC_CONFIRM_FAILED")
	ErrCancelFailed  = errors.New("#TCC_CANCEL_FAILED")

	ErrPersistence         = errors.New("#TCC_PERSISTENCE")
	ErrDuplicateXid        = fmt.Errorf("#TCC_DUPLICATE_XID: %w", ErrPersistence)
	ErrStaleVersion        = fmt.Errorf("#TCC_STALE_VERSION: %w", ErrPersistence)
	ErrTransactionNotFound = fmt.Errorf("#TCC_TRANSACTION_NOT_FOUND: %w", ErrPersistence)

	ErrSystem           = errors.New("#TCC_SYSTEM_ERROR")
	ErrExecutorRejected = errors.New("#TCC_EXECUTOR_REJECTED")
	ErrExecutorClosed   = fmt.Errorf("#TCC_EXECUTOR_CLOSED: %w", ErrExecutorRejected)
)

type contextKey[T any] struct{}
