/*
errors.go - Error taxonomy of the escrow engine

PURPOSE:
  Every public operation fails with a typed error rather than a generic
  fault. Business-rule failures are terminal: the engine never retries a
  financial mutation on its own. Infrastructure failures surface as
  ErrStorageUnavailable and are never conflated with business rules.

ERROR CATEGORIES:
  1. Funds and wallet state - InsufficientFunds, WalletFrozen, WalletLimited
  2. Idempotency          - DuplicateAuthorization, AlreadyResolved, OrderExists
  3. Lookup               - OrderNotFound
  4. Authorization        - Unauthorized
  5. Validation           - InvalidAmount, InvalidOrder, InvalidTransition,
                             SellerMismatch
  6. Infrastructure       - StorageUnavailable

USAGE:
  if errors.Is(err, escrow.ErrInsufficientFunds) {
      var detail *escrow.InsufficientFundsError
      errors.As(err, &detail)
  }
*/
package escrow

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrWalletFrozen           = errors.New("wallet is frozen")
	ErrWalletLimited          = errors.New("wallet is limited")
	ErrOrderNotFound          = errors.New("order not found")
	ErrDuplicateAuthorization = errors.New("payment already authorized for order")
	ErrAlreadyResolved        = errors.New("escrow already resolved")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrStorageUnavailable     = errors.New("storage unavailable")

	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidTransition = errors.New("invalid order transition")
	ErrSellerMismatch    = errors.New("seller does not match escrow binding")
	ErrOrderExists       = errors.New("order already exists")
	ErrInvalidOrder      = errors.New("invalid order")

	// ErrDuplicateTransaction is returned by stores when a transaction id is reused.
	ErrDuplicateTransaction = errors.New("duplicate transaction id")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError details a failed hold or debit.
type InsufficientFundsError struct {
	UserID    UserID
	Available Amount
	Requested Amount
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for %s: available %s, requested %s, shortfall %s",
		e.UserID, e.Available, e.Requested, e.Requested.Sub(e.Available))
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// InvalidTransitionError reports an order status change the lifecycle forbids.
type InvalidTransitionError struct {
	OrderID OrderID
	From    OrderStatus
	To      OrderStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order %s cannot move from %s to %s", e.OrderID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// StorageError wraps an infrastructure failure during an operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrStorageUnavailable, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorageUnavailable, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

var businessErrors = []error{
	ErrInsufficientFunds,
	ErrWalletFrozen,
	ErrWalletLimited,
	ErrOrderNotFound,
	ErrDuplicateAuthorization,
	ErrAlreadyResolved,
	ErrUnauthorized,
	ErrInvalidAmount,
	ErrInvalidTransition,
	ErrSellerMismatch,
	ErrOrderExists,
	ErrInvalidOrder,
}

// IsBusinessError reports whether err is a business-rule failure.
func IsBusinessError(err error) bool {
	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return false
	}
	for _, target := range businessErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsClientError returns true if the request itself was invalid.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrSellerMismatch) ||
		errors.Is(err, ErrInvalidOrder)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound)
}

// IsConflict returns true for idempotency violations.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateAuthorization) ||
		errors.Is(err, ErrAlreadyResolved) ||
		errors.Is(err, ErrOrderExists)
}

func IsStorageError(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

// ErrorCode maps err to a stable snake_case code for clients and metrics.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrWalletFrozen):
		return "wallet_frozen"
	case errors.Is(err, ErrWalletLimited):
		return "wallet_limited"
	case errors.Is(err, ErrOrderNotFound):
		return "order_not_found"
	case errors.Is(err, ErrDuplicateAuthorization):
		return "duplicate_authorization"
	case errors.Is(err, ErrAlreadyResolved):
		return "already_resolved"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrSellerMismatch):
		return "seller_mismatch"
	case errors.Is(err, ErrOrderExists):
		return "order_exists"
	case errors.Is(err, ErrInvalidOrder):
		return "invalid_order"
	}
	return "internal"
}

// classify keeps business errors as they are and wraps everything else.
func classify(op string, err error) error {
	if err == nil || IsBusinessError(err) {
		return err
	}
	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
