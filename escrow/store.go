/*
store.go - Persistence contracts for wallets, transactions, bindings and orders

PURPOSE:
  Defines the interface between the ledger logic and the database. The
  ledger never talks to a driver directly: every mutation runs inside
  TxStore.WithTx so that balances, the audit entry and the binding change
  commit together or not at all.

KEY INTERFACES:
  Reader:  read-only queries, safe outside a transaction
  Store:   Reader plus the writes allowed inside a transaction
  TxStore: Reader plus WithTx
  SnapshotReader: optional, several reads from one read-only snapshot

APPEND-ONLY CONTRACT:
  Transactions are only ever appended. There is no update or delete for
  them. Wallets are updated in place; bindings only move OPEN -> terminal.

LOCKING:
  LockWallet must be called before SaveWallet for the same user within a
  transaction. Implementations that lock rows (PostgreSQL) rely on callers
  locking in ascending user-id order; WalletLedger always does.

IMPLEMENTATIONS:
  - escrow/store/memory.go: in-memory, optional WAL journal
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL with row locks
*/
package escrow

import (
	"context"
	"time"
)

// Reader is the query side of a store.
type Reader interface {
	// GetWallet returns (nil, nil) when the user has no wallet yet.
	GetWallet(ctx context.Context, userID UserID) (*Wallet, error)
	ListWallets(ctx context.Context) ([]Wallet, error)

	// GetBinding returns ErrOrderNotFound when the order has no binding.
	GetBinding(ctx context.Context, orderID OrderID) (*Binding, error)

	// GetOrder returns ErrOrderNotFound when the order is unknown.
	GetOrder(ctx context.Context, orderID OrderID) (*Order, error)

	// TransactionsByOrder returns entries ordered by timestamp, then id.
	TransactionsByOrder(ctx context.Context, orderID OrderID) ([]Transaction, error)

	// TransactionsByAccount returns the most recent entries touching the
	// account, newest first. limit <= 0 means no limit.
	TransactionsByAccount(ctx context.Context, account AccountID, limit int) ([]Transaction, error)

	// AllTransactions returns the full log in append order.
	AllTransactions(ctx context.Context) ([]Transaction, error)
}

// Store is the view handed to a WithTx callback.
type Store interface {
	Reader

	// LockWallet returns the wallet locked for update, or (nil, nil).
	LockWallet(ctx context.Context, userID UserID) (*Wallet, error)
	SaveWallet(ctx context.Context, w Wallet) error

	// AppendTransaction returns ErrDuplicateTransaction if the id exists.
	AppendTransaction(ctx context.Context, tx Transaction) error

	// CreateBinding returns ErrDuplicateAuthorization if any binding exists for the order.
	CreateBinding(ctx context.Context, b Binding) error

	// ResolveBinding moves an OPEN binding to a terminal status. sellerID
	// fills in a binding created without a seller; an already recorded
	// seller is kept. Returns ErrOrderNotFound or ErrAlreadyResolved.
	ResolveBinding(ctx context.Context, orderID OrderID, status BindingStatus, sellerID UserID, at time.Time) error

	// CreateOrder returns ErrOrderExists on a duplicate id.
	CreateOrder(ctx context.Context, o Order) error
	UpdateOrder(ctx context.Context, o Order) error
}

// TxStore runs fn atomically. If fn returns an error nothing it wrote is kept.
type TxStore interface {
	Reader
	WithTx(ctx context.Context, fn func(Store) error) error
	Close() error
}

// SnapshotReader is implemented by stores whose WithTx does not give every
// read in fn the same view of the data. ReadSnapshot runs fn against one
// consistent, read-only snapshot.
type SnapshotReader interface {
	ReadSnapshot(ctx context.Context, fn func(Reader) error) error
}
