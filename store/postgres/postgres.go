/*
Package postgres provides a PostgreSQL-backed escrow.TxStore.

PURPOSE:
  Shared storage for several server processes. Unlike the SQLite store it
  does not serialise transactions in-process: wallet rows are locked with
  SELECT ... FOR UPDATE, so operations on disjoint wallets run in parallel
  and operations on the same wallet queue behind each other.

LOCKING:
  LockWallet first inserts a zero row (ON CONFLICT DO NOTHING) so that a
  brand-new wallet also has a row to lock. The ledger locks wallets in
  ascending user-id order, which keeps two-wallet settlements deadlock free.

MONEY:
  NUMERIC(20,2) columns, written from and read back as decimal text.
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/escrow-engine/escrow"
)

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

// New connects to connString and migrates the schema.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS wallets (
		user_id TEXT PRIMARY KEY,
		available_balance NUMERIC(20,2) NOT NULL DEFAULT 0 CHECK (available_balance >= 0),
		held_in_escrow NUMERIC(20,2) NOT NULL DEFAULT 0 CHECK (held_in_escrow >= 0),
		wallet_state TEXT NOT NULL DEFAULT 'ACTIVE',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS transactions (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		amount NUMERIC(20,2) NOT NULL CHECK (amount > 0),
		from_account TEXT NOT NULL,
		to_account TEXT NOT NULL,
		order_id TEXT,
		description TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_order ON transactions(order_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_transactions_from ON transactions(from_account);
	CREATE INDEX IF NOT EXISTS idx_transactions_to ON transactions(to_account);

	CREATE TABLE IF NOT EXISTS order_escrow_bindings (
		order_id TEXT PRIMARY KEY,
		buyer_id TEXT NOT NULL,
		seller_id TEXT,
		held_amount NUMERIC(20,2) NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('OPEN', 'RELEASED', 'REFUNDED')),
		created_at TIMESTAMPTZ NOT NULL,
		resolved_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS orders (
		order_id TEXT PRIMARY KEY,
		buyer_id TEXT NOT NULL,
		seller_id TEXT NOT NULL,
		amount NUMERIC(20,2) NOT NULL,
		description TEXT NOT NULL,
		status TEXT NOT NULL,
		dispute_reason TEXT,
		resolution TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	`)
	return err
}

// truncate empties every table. Used by tests.
func (s *Store) truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE wallets, transactions, order_escrow_bindings, orders RESTART IDENTITY`)
	return err
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// =============================================================================
// READS
// =============================================================================

func (s *Store) GetWallet(ctx context.Context, userID escrow.UserID) (*escrow.Wallet, error) {
	return getWallet(ctx, s.pool, userID, false)
}

func (s *Store) ListWallets(ctx context.Context) ([]escrow.Wallet, error) {
	return listWallets(ctx, s.pool)
}

func (s *Store) GetBinding(ctx context.Context, orderID escrow.OrderID) (*escrow.Binding, error) {
	return getBinding(ctx, s.pool, orderID)
}

func (s *Store) GetOrder(ctx context.Context, orderID escrow.OrderID) (*escrow.Order, error) {
	return getOrder(ctx, s.pool, orderID)
}

func (s *Store) TransactionsByOrder(ctx context.Context, orderID escrow.OrderID) ([]escrow.Transaction, error) {
	return transactionsByOrder(ctx, s.pool, orderID)
}

func (s *Store) TransactionsByAccount(ctx context.Context, account escrow.AccountID, limit int) ([]escrow.Transaction, error) {
	return transactionsByAccount(ctx, s.pool, account, limit)
}

func (s *Store) AllTransactions(ctx context.Context) ([]escrow.Transaction, error) {
	return queryTransactions(ctx, s.pool, `SELECT `+txColumns+` FROM transactions ORDER BY seq ASC`)
}

const walletColumns = `user_id, available_balance::text, held_in_escrow::text, wallet_state, updated_at`

func getWallet(ctx context.Context, q querier, userID escrow.UserID, forUpdate bool) (*escrow.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE user_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	w, err := scanWallet(q.QueryRow(ctx, query, string(userID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return &w, nil
}

func listWallets(ctx context.Context, q querier) ([]escrow.Wallet, error) {
	rows, err := q.Query(ctx, `SELECT `+walletColumns+` FROM wallets ORDER BY user_id`)
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

func scanWallet(row pgx.Row) (escrow.Wallet, error) {
	var (
		w               escrow.Wallet
		userID, state   string
		available, held string
	)
	if err := row.Scan(&userID, &available, &held, &state, &w.UpdatedAt); err != nil {
		return w, err
	}
	var err error
	if w.Available, err = storedAmount(available); err != nil {
		return w, err
	}
	if w.Held, err = storedAmount(held); err != nil {
		return w, err
	}
	w.UserID = escrow.UserID(userID)
	w.State = escrow.WalletState(state)
	return w, nil
}

func getBinding(ctx context.Context, q querier, orderID escrow.OrderID) (*escrow.Binding, error) {
	var (
		b                    escrow.Binding
		order, buyer, status string
		seller               *string
		held                 string
	)
	err := q.QueryRow(ctx, `
		SELECT order_id, buyer_id, seller_id, held_amount::text, status, created_at, resolved_at
		FROM order_escrow_bindings WHERE order_id = $1
	`, string(orderID)).Scan(&order, &buyer, &seller, &held, &status, &b.CreatedAt, &b.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, escrow.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get binding: %w", err)
	}
	if b.HeldAmount, err = storedAmount(held); err != nil {
		return nil, err
	}
	b.OrderID = escrow.OrderID(order)
	b.BuyerID = escrow.UserID(buyer)
	if seller != nil {
		b.SellerID = escrow.UserID(*seller)
	}
	b.Status = escrow.BindingStatus(status)
	return &b, nil
}

func getOrder(ctx context.Context, q querier, orderID escrow.OrderID) (*escrow.Order, error) {
	var (
		o                         escrow.Order
		id, buyer, seller, status string
		amount                    string
		reason, resolution        *string
	)
	err := q.QueryRow(ctx, `
		SELECT order_id, buyer_id, seller_id, amount::text, description, status,
		       dispute_reason, resolution, created_at, updated_at
		FROM orders WHERE order_id = $1
	`, string(orderID)).Scan(&id, &buyer, &seller, &amount, &o.Description, &status,
		&reason, &resolution, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, escrow.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if o.Amount, err = storedAmount(amount); err != nil {
		return nil, err
	}
	o.ID = escrow.OrderID(id)
	o.BuyerID = escrow.UserID(buyer)
	o.SellerID = escrow.UserID(seller)
	o.Status = escrow.OrderStatus(status)
	if reason != nil {
		o.DisputeReason = *reason
	}
	if resolution != nil {
		o.Resolution = *resolution
	}
	return &o, nil
}

const txColumns = `id, type, amount::text, from_account, to_account, order_id, description, timestamp`

func transactionsByOrder(ctx context.Context, q querier, orderID escrow.OrderID) ([]escrow.Transaction, error) {
	return queryTransactions(ctx, q,
		`SELECT `+txColumns+` FROM transactions WHERE order_id = $1 ORDER BY timestamp ASC, id ASC`, string(orderID))
}

func transactionsByAccount(ctx context.Context, q querier, account escrow.AccountID, limit int) ([]escrow.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions
		WHERE from_account = $1 OR to_account = $1
		ORDER BY seq DESC`
	args := []any{string(account)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return queryTransactions(ctx, q, query, args...)
}

func queryTransactions(ctx context.Context, q querier, query string, args ...any) ([]escrow.Transaction, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []escrow.Transaction
	for rows.Next() {
		var (
			tx                        escrow.Transaction
			id, typ, amount, from, to string
			orderID                   *string
		)
		if err := rows.Scan(&id, &typ, &amount, &from, &to, &orderID, &tx.Description, &tx.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		if tx.Amount, err = storedAmount(amount); err != nil {
			return nil, err
		}
		tx.ID = escrow.TransactionID(id)
		tx.Type = escrow.TransactionType(typ)
		tx.From = escrow.AccountID(from)
		tx.To = escrow.AccountID(to)
		if orderID != nil {
			tx.OrderID = escrow.OrderID(*orderID)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(escrow.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ReadSnapshot runs fn in a read-only REPEATABLE READ transaction, so every
// query in fn sees the database as of its first statement.
func (s *Store) ReadSnapshot(ctx context.Context, fn func(escrow.Reader) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("failed to begin snapshot: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type txStore struct {
	tx pgx.Tx
}

func (ts *txStore) GetWallet(ctx context.Context, userID escrow.UserID) (*escrow.Wallet, error) {
	return getWallet(ctx, ts.tx, userID, false)
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

func (ts *txStore) LockWallet(ctx context.Context, userID escrow.UserID) (*escrow.Wallet, error) {
	if _, err := ts.tx.Exec(ctx,
		`INSERT INTO wallets (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, string(userID)); err != nil {
		return nil, fmt.Errorf("failed to ensure wallet: %w", err)
	}
	return getWallet(ctx, ts.tx, userID, true)
}

func (ts *txStore) SaveWallet(ctx context.Context, w escrow.Wallet) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO wallets (user_id, available_balance, held_in_escrow, wallet_state, updated_at)
		VALUES ($1, $2::numeric, $3::numeric, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			available_balance = EXCLUDED.available_balance,
			held_in_escrow = EXCLUDED.held_in_escrow,
			wallet_state = EXCLUDED.wallet_state,
			updated_at = EXCLUDED.updated_at
	`, string(w.UserID), w.Available.Value.String(), w.Held.Value.String(), string(w.State), w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save wallet: %w", err)
	}
	return nil
}

func (ts *txStore) AppendTransaction(ctx context.Context, tx escrow.Transaction) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO transactions (id, type, amount, from_account, to_account, order_id, description, timestamp)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8)
	`, string(tx.ID), string(tx.Type), tx.Amount.Value.String(), string(tx.From), string(tx.To),
		nullable(string(tx.OrderID)), tx.Description, tx.Timestamp)
	if isUniqueViolation(err) {
		return escrow.ErrDuplicateTransaction
	}
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (ts *txStore) CreateBinding(ctx context.Context, b escrow.Binding) error {
	tag, err := ts.tx.Exec(ctx, `
		INSERT INTO order_escrow_bindings (order_id, buyer_id, seller_id, held_amount, status, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)
		ON CONFLICT (order_id) DO NOTHING
	`, string(b.OrderID), string(b.BuyerID), nullable(string(b.SellerID)), b.HeldAmount.Value.String(),
		string(b.Status), b.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create binding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return escrow.ErrDuplicateAuthorization
	}
	return nil
}

func (ts *txStore) ResolveBinding(ctx context.Context, orderID escrow.OrderID, status escrow.BindingStatus, sellerID escrow.UserID, at time.Time) error {
	tag, err := ts.tx.Exec(ctx, `
		UPDATE order_escrow_bindings
		SET status = $1, resolved_at = $2, seller_id = COALESCE(seller_id, $3)
		WHERE order_id = $4 AND status = 'OPEN'
	`, string(status), at, nullable(string(sellerID)), string(orderID))
	if err != nil {
		return fmt.Errorf("failed to resolve binding: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := getBinding(ctx, ts.tx, orderID); err != nil {
		return err
	}
	return escrow.ErrAlreadyResolved
}

func (ts *txStore) CreateOrder(ctx context.Context, o escrow.Order) error {
	tag, err := ts.tx.Exec(ctx, `
		INSERT INTO orders (order_id, buyer_id, seller_id, amount, description, status,
		                    dispute_reason, resolution, created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (order_id) DO NOTHING
	`, string(o.ID), string(o.BuyerID), string(o.SellerID), o.Amount.Value.String(), o.Description,
		string(o.Status), nullable(o.DisputeReason), nullable(o.Resolution), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return escrow.ErrOrderExists
	}
	return nil
}

func (ts *txStore) UpdateOrder(ctx context.Context, o escrow.Order) error {
	tag, err := ts.tx.Exec(ctx, `
		UPDATE orders SET status = $1, dispute_reason = $2, resolution = $3, updated_at = $4
		WHERE order_id = $5
	`, string(o.Status), nullable(o.DisputeReason), nullable(o.Resolution), o.UpdatedAt, string(o.ID))
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return escrow.ErrOrderNotFound
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func storedAmount(s string) (escrow.Amount, error) {
	a, err := escrow.ParseAmount(s)
	if err != nil {
		return escrow.Amount{}, fmt.Errorf("corrupt stored amount %q", s)
	}
	return a, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
