/*
Package sqlite provides a SQLite-backed escrow.TxStore.

PURPOSE:
  Durable single-node storage for wallets, the transaction log, escrow
  bindings and orders. Suitable for a single server process; use
  store/postgres when several processes share the ledger.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on the transactions table
  - No DELETE statements anywhere
  - seq gives the append order, id is the ULID handed out by the ledger

KEY TABLES:
  wallets:               one row per user, balances as decimal text
  transactions:          immutable audit log
  order_escrow_bindings: one row per order that ever had a hold
  orders:                storefront order lifecycle

CONCURRENCY:
  A sync.RWMutex serialises WithTx against everything else. SQLite has a
  single writer anyway, so there is nothing to gain from row locks.

WAL MODE:
  Opened with journal_mode=WAL so readers do not block the writer.

USAGE:
  st, err := sqlite.New("./data/escrow.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()
  ledger := escrow.NewWalletLedger(st)

SEE ALSO:
  - escrow/store.go: interface definitions
  - escrow/store/memory.go: in-memory implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/escrow-engine/escrow"
)

// timeLayout is fixed-width so text comparison orders chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements escrow.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS wallets (
		user_id TEXT PRIMARY KEY,
		available_balance TEXT NOT NULL,
		held_in_escrow TEXT NOT NULL,
		wallet_state TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		amount TEXT NOT NULL,
		from_account TEXT NOT NULL,
		to_account TEXT NOT NULL,
		order_id TEXT,
		description TEXT NOT NULL,
		timestamp TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_order
		ON transactions(order_id, timestamp) WHERE order_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_transactions_from
		ON transactions(from_account);
	CREATE INDEX IF NOT EXISTS idx_transactions_to
		ON transactions(to_account);

	CREATE TABLE IF NOT EXISTS order_escrow_bindings (
		order_id TEXT PRIMARY KEY,
		buyer_id TEXT NOT NULL,
		seller_id TEXT,
		held_amount TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('OPEN', 'RELEASED', 'REFUNDED')),
		created_at TEXT NOT NULL,
		resolved_at TEXT
	);

	CREATE TABLE IF NOT EXISTS orders (
		order_id TEXT PRIMARY KEY,
		buyer_id TEXT NOT NULL,
		seller_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		description TEXT NOT NULL,
		status TEXT NOT NULL,
		dispute_reason TEXT,
		resolution TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_buyer ON orders(buyer_id);
	CREATE INDEX IF NOT EXISTS idx_orders_seller ON orders(seller_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// READS (escrow.Reader)
// =============================================================================

func (s *Store) GetWallet(ctx context.Context, userID escrow.UserID) (*escrow.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getWallet(ctx, s.db, userID)
}

func (s *Store) ListWallets(ctx context.Context) ([]escrow.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listWallets(ctx, s.db)
}

func (s *Store) GetBinding(ctx context.Context, orderID escrow.OrderID) (*escrow.Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBinding(ctx, s.db, orderID)
}

func (s *Store) GetOrder(ctx context.Context, orderID escrow.OrderID) (*escrow.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getOrder(ctx, s.db, orderID)
}

func (s *Store) TransactionsByOrder(ctx context.Context, orderID escrow.OrderID) ([]escrow.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return transactionsByOrder(ctx, s.db, orderID)
}

func (s *Store) TransactionsByAccount(ctx context.Context, account escrow.AccountID, limit int) ([]escrow.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return transactionsByAccount(ctx, s.db, account, limit)
}

func (s *Store) AllTransactions(ctx context.Context) ([]escrow.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryTransactions(ctx, s.db, `SELECT `+txColumns+` FROM transactions ORDER BY seq ASC`)
}

const walletColumns = `user_id, available_balance, held_in_escrow, wallet_state, updated_at`

func getWallet(ctx context.Context, q querier, userID escrow.UserID) (*escrow.Wallet, error) {
	row := q.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = ?`, userID)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func listWallets(ctx context.Context, q querier) ([]escrow.Wallet, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+walletColumns+` FROM wallets ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallets: %w", err)
	}
	defer rows.Close()

	var wallets []escrow.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWallet(row scanner) (escrow.Wallet, error) {
	var (
		w                escrow.Wallet
		available, held  string
		state, updatedAt string
	)
	if err := row.Scan(&w.UserID, &available, &held, &state, &updatedAt); err != nil {
		return w, err
	}
	var err error
	if w.Available, err = storedAmount(available); err != nil {
		return w, fmt.Errorf("wallet %s available: %w", w.UserID, err)
	}
	if w.Held, err = storedAmount(held); err != nil {
		return w, fmt.Errorf("wallet %s held: %w", w.UserID, err)
	}
	w.State = escrow.WalletState(state)
	w.UpdatedAt = parseTime(updatedAt)
	return w, nil
}

const bindingColumns = `order_id, buyer_id, seller_id, held_amount, status, created_at, resolved_at`

func getBinding(ctx context.Context, q querier, orderID escrow.OrderID) (*escrow.Binding, error) {
	var (
		b          escrow.Binding
		sellerID   sql.NullString
		held       string
		createdAt  string
		resolvedAt sql.NullString
	)
	err := q.QueryRowContext(ctx, `SELECT `+bindingColumns+` FROM order_escrow_bindings WHERE order_id = ?`, orderID).
		Scan(&b.OrderID, &b.BuyerID, &sellerID, &held, &b.Status, &createdAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, escrow.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query binding: %w", err)
	}
	b.SellerID = escrow.UserID(sellerID.String)
	if b.HeldAmount, err = storedAmount(held); err != nil {
		return nil, err
	}
	b.CreatedAt = parseTime(createdAt)
	if resolvedAt.Valid {
		t := parseTime(resolvedAt.String)
		b.ResolvedAt = &t
	}
	return &b, nil
}

const orderColumns = `order_id, buyer_id, seller_id, amount, description, status, dispute_reason, resolution, created_at, updated_at`

func getOrder(ctx context.Context, q querier, orderID escrow.OrderID) (*escrow.Order, error) {
	var (
		o                    escrow.Order
		amount               string
		reason, resolution   sql.NullString
		createdAt, updatedAt string
	)
	err := q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = ?`, orderID).
		Scan(&o.ID, &o.BuyerID, &o.SellerID, &amount, &o.Description, &o.Status, &reason, &resolution, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, escrow.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query order: %w", err)
	}
	if o.Amount, err = storedAmount(amount); err != nil {
		return nil, err
	}
	o.DisputeReason = reason.String
	o.Resolution = resolution.String
	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updatedAt)
	return &o, nil
}

const txColumns = `id, type, amount, from_account, to_account, order_id, description, timestamp`

func transactionsByOrder(ctx context.Context, q querier, orderID escrow.OrderID) ([]escrow.Transaction, error) {
	return queryTransactions(ctx, q,
		`SELECT `+txColumns+` FROM transactions WHERE order_id = ? ORDER BY timestamp ASC, id ASC`, orderID)
}

func transactionsByAccount(ctx context.Context, q querier, account escrow.AccountID, limit int) ([]escrow.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions
		WHERE from_account = ? OR to_account = ?
		ORDER BY seq DESC`
	args := []any{account, account}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return queryTransactions(ctx, q, query, args...)
}

func queryTransactions(ctx context.Context, q querier, query string, args ...any) ([]escrow.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []escrow.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (escrow.Transaction, error) {
	var (
		tx        escrow.Transaction
		amount    string
		orderID   sql.NullString
		timestamp string
	)
	err := rows.Scan(&tx.ID, &tx.Type, &amount, &tx.From, &tx.To, &orderID, &tx.Description, &timestamp)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}
	if tx.Amount, err = storedAmount(amount); err != nil {
		return tx, err
	}
	tx.OrderID = escrow.OrderID(orderID.String)
	tx.Timestamp = parseTime(timestamp)
	return tx, nil
}

// =============================================================================
// TRANSACTIONAL STORE (escrow.TxStore)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(escrow.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore reads and writes through the open *sql.Tx only; the parent's
// lock is already held.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetWallet(ctx context.Context, userID escrow.UserID) (*escrow.Wallet, error) {
	return getWallet(ctx, ts.tx, userID)
}

func (ts *txStore) ListWallets(ctx context.Context) ([]escrow.Wallet, error) {
	return listWallets(ctx, ts.tx)
}

func (ts *txStore) GetBinding(ctx context.Context, orderID escrow.OrderID) (*escrow.Binding, error) {
	return getBinding(ctx, ts.tx, orderID)
}

func (ts *txStore) GetOrder(ctx context.Context, orderID escrow.OrderID) (*escrow.Order, error) {
	return getOrder(ctx, ts.tx, orderID)
}

func (ts *txStore) TransactionsByOrder(ctx context.Context, orderID escrow.OrderID) ([]escrow.Transaction, error) {
	return transactionsByOrder(ctx, ts.tx, orderID)
}

func (ts *txStore) TransactionsByAccount(ctx context.Context, account escrow.AccountID, limit int) ([]escrow.Transaction, error) {
	return transactionsByAccount(ctx, ts.tx, account, limit)
}

func (ts *txStore) AllTransactions(ctx context.Context) ([]escrow.Transaction, error) {
	return queryTransactions(ctx, ts.tx, `SELECT `+txColumns+` FROM transactions ORDER BY seq ASC`)
}

// LockWallet is a plain read: the store lock already serialises writers.
func (ts *txStore) LockWallet(ctx context.Context, userID escrow.UserID) (*escrow.Wallet, error) {
	return getWallet(ctx, ts.tx, userID)
}

func (ts *txStore) SaveWallet(ctx context.Context, w escrow.Wallet) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO wallets (user_id, available_balance, held_in_escrow, wallet_state, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			available_balance = excluded.available_balance,
			held_in_escrow = excluded.held_in_escrow,
			wallet_state = excluded.wallet_state,
			updated_at = excluded.updated_at
	`, w.UserID, w.Available.Value.String(), w.Held.Value.String(), w.State, formatTime(w.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save wallet: %w", err)
	}
	return nil
}

func (ts *txStore) AppendTransaction(ctx context.Context, tx escrow.Transaction) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO transactions (id, type, amount, from_account, to_account, order_id, description, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, tx.ID, tx.Type, tx.Amount.Value.String(), tx.From, tx.To, nullString(string(tx.OrderID)), tx.Description, formatTime(tx.Timestamp))
	if isUniqueConstraintError(err) {
		return escrow.ErrDuplicateTransaction
	}
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (ts *txStore) CreateBinding(ctx context.Context, b escrow.Binding) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO order_escrow_bindings (order_id, buyer_id, seller_id, held_amount, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, b.OrderID, b.BuyerID, nullString(string(b.SellerID)), b.HeldAmount.Value.String(), b.Status, formatTime(b.CreatedAt))
	if isUniqueConstraintError(err) {
		return escrow.ErrDuplicateAuthorization
	}
	if err != nil {
		return fmt.Errorf("failed to create binding: %w", err)
	}
	return nil
}

func (ts *txStore) ResolveBinding(ctx context.Context, orderID escrow.OrderID, status escrow.BindingStatus, sellerID escrow.UserID, at time.Time) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE order_escrow_bindings
		SET status = ?, resolved_at = ?, seller_id = COALESCE(seller_id, ?)
		WHERE order_id = ? AND status = 'OPEN'
	`, status, formatTime(at), nullString(string(sellerID)), orderID)
	if err != nil {
		return fmt.Errorf("failed to resolve binding: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	// Nothing changed: either missing or already terminal.
	if _, err := getBinding(ctx, ts.tx, orderID); err != nil {
		return err
	}
	return escrow.ErrAlreadyResolved
}

func (ts *txStore) CreateOrder(ctx context.Context, o escrow.Order) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.BuyerID, o.SellerID, o.Amount.Value.String(), o.Description, o.Status,
		nullString(o.DisputeReason), nullString(o.Resolution), formatTime(o.CreatedAt), formatTime(o.UpdatedAt))
	if isUniqueConstraintError(err) {
		return escrow.ErrOrderExists
	}
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

func (ts *txStore) UpdateOrder(ctx context.Context, o escrow.Order) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE orders SET status = ?, dispute_reason = ?, resolution = ?, updated_at = ?
		WHERE order_id = ?
	`, o.Status, nullString(o.DisputeReason), nullString(o.Resolution), formatTime(o.UpdatedAt), o.ID)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return escrow.ErrOrderNotFound
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// storedAmount parses a persisted amount. A bad value is a storage fault,
// not a caller error, so the invalid-amount sentinel is not wrapped.
func storedAmount(s string) (escrow.Amount, error) {
	a, err := escrow.ParseAmount(s)
	if err != nil {
		return escrow.Amount{}, fmt.Errorf("corrupt stored amount %q", s)
	}
	return a, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
