/*
ledger.go - Append-only transaction log

PURPOSE:
  TransactionLog is the audit trail and the reconciliation source. Every
  balance mutation performed by WalletLedger appends exactly one entry here
  inside the same store transaction as the mutation itself, so an entry
  exists if and only if its mutation committed.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: entries are never updated or deleted
  2. ORDERED: ids are ULIDs, monotonic within the process
  3. POSITIVE: every entry carries a strictly positive amount

SEE ALSO:
  - wallet.go: the only caller of record()
  - reconcile.go: replays the log to recompute balances
*/
package escrow

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// TRANSACTION LOG
// =============================================================================

type TransactionLog struct {
	store TxStore
	ids   *IDGenerator
	now   func() time.Time
}

func NewTransactionLog(store TxStore, ids *IDGenerator, now func() time.Time) *TransactionLog {
	if ids == nil {
		ids = NewIDGenerator()
	}
	if now == nil {
		now = time.Now
	}
	return &TransactionLog{store: store, ids: ids, now: now}
}

// entry describes a transaction before it is given an id and timestamp.
type entry struct {
	Type        TransactionType
	Amount      Amount
	From        AccountID
	To          AccountID
	OrderID     OrderID
	Description string
}

// record appends e within the caller's store transaction.
func (l *TransactionLog) record(ctx context.Context, s Store, e entry) (Transaction, error) {
	if err := e.Amount.Validate(); err != nil {
		return Transaction{}, err
	}
	if e.From == "" || e.To == "" {
		return Transaction{}, fmt.Errorf("transaction %s needs both accounts", e.Type)
	}
	at := l.now().UTC()
	tx := Transaction{
		ID:          l.ids.New(at),
		Type:        e.Type,
		Amount:      e.Amount,
		From:        e.From,
		To:          e.To,
		OrderID:     e.OrderID,
		Description: e.Description,
		Timestamp:   at,
	}
	if err := s.AppendTransaction(ctx, tx); err != nil {
		return Transaction{}, fmt.Errorf("append %s: %w", tx.Type, err)
	}
	return tx, nil
}

// ByOrder returns every entry for the order in chronological order.
func (l *TransactionLog) ByOrder(ctx context.Context, orderID OrderID) ([]Transaction, error) {
	txs, err := l.store.TransactionsByOrder(ctx, orderID)
	if err != nil {
		return nil, classify("transactions by order", err)
	}
	return txs, nil
}

// ByAccount returns the newest entries touching account.
func (l *TransactionLog) ByAccount(ctx context.Context, account AccountID, limit int) ([]Transaction, error) {
	txs, err := l.store.TransactionsByAccount(ctx, account, limit)
	if err != nil {
		return nil, classify("transactions by account", err)
	}
	return txs, nil
}

func (l *TransactionLog) All(ctx context.Context) ([]Transaction, error) {
	txs, err := l.store.AllTransactions(ctx)
	if err != nil {
		return nil, classify("all transactions", err)
	}
	return txs, nil
}
