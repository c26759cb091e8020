// Package store provides the in-memory escrow.TxStore.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/escrow-engine/escrow"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (tests, dev, journal-backed single node)
// =============================================================================

// Memory keeps all state in maps guarded by one lock. WithTx holds the write
// lock for the whole callback, so transactions are fully serialised.
type Memory struct {
	mu       sync.RWMutex
	wallets  map[escrow.UserID]escrow.Wallet
	txs      []escrow.Transaction
	txIDs    map[escrow.TransactionID]bool
	bindings map[escrow.OrderID]escrow.Binding
	orders   map[escrow.OrderID]escrow.Order
	journal  Journal
}

func NewMemory() *Memory {
	return &Memory{
		wallets:  make(map[escrow.UserID]escrow.Wallet),
		txIDs:    make(map[escrow.TransactionID]bool),
		bindings: make(map[escrow.OrderID]escrow.Binding),
		orders:   make(map[escrow.OrderID]escrow.Order),
	}
}

// NewJournaledMemory rebuilds state from j and appends every committed
// transaction to it from then on.
func NewJournaledMemory(j Journal) (*Memory, error) {
	m := NewMemory()
	if err := j.Replay(func(batch []Mutation) error {
		for _, mut := range batch {
			m.applyLocked(mut)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	m.journal = j
	return m, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.journal != nil {
		return m.journal.Close()
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) GetWallet(_ context.Context, userID escrow.UserID) (*escrow.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.walletLocked(userID), nil
}

func (m *Memory) ListWallets(_ context.Context) ([]escrow.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listWalletsLocked(), nil
}

func (m *Memory) GetBinding(_ context.Context, orderID escrow.OrderID) (*escrow.Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bindingLocked(orderID)
}

func (m *Memory) GetOrder(_ context.Context, orderID escrow.OrderID) (*escrow.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.orderLocked(orderID)
}

func (m *Memory) TransactionsByOrder(_ context.Context, orderID escrow.OrderID) ([]escrow.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byOrderLocked(orderID), nil
}

func (m *Memory) TransactionsByAccount(_ context.Context, account escrow.AccountID, limit int) ([]escrow.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byAccountLocked(account, limit), nil
}

func (m *Memory) AllTransactions(_ context.Context) ([]escrow.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]escrow.Transaction, len(m.txs))
	copy(out, m.txs)
	return out, nil
}

func (m *Memory) walletLocked(userID escrow.UserID) *escrow.Wallet {
	w, ok := m.wallets[userID]
	if !ok {
		return nil
	}
	return &w
}

func (m *Memory) listWalletsLocked() []escrow.Wallet {
	out := make([]escrow.Wallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (m *Memory) bindingLocked(orderID escrow.OrderID) (*escrow.Binding, error) {
	b, ok := m.bindings[orderID]
	if !ok {
		return nil, escrow.ErrOrderNotFound
	}
	return &b, nil
}

func (m *Memory) orderLocked(orderID escrow.OrderID) (*escrow.Order, error) {
	o, ok := m.orders[orderID]
	if !ok {
		return nil, escrow.ErrOrderNotFound
	}
	return &o, nil
}

func (m *Memory) byOrderLocked(orderID escrow.OrderID) []escrow.Transaction {
	var out []escrow.Transaction
	for _, tx := range m.txs {
		if tx.OrderID == orderID {
			out = append(out, tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Memory) byAccountLocked(account escrow.AccountID, limit int) []escrow.Transaction {
	var out []escrow.Transaction
	for i := len(m.txs) - 1; i >= 0; i-- {
		tx := m.txs[i]
		if tx.From != account && tx.To != account {
			continue
		}
		out = append(out, tx)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// =============================================================================
// WRITES - applied under the write lock
// =============================================================================

func (m *Memory) applyLocked(mut Mutation) {
	switch {
	case mut.Wallet != nil:
		m.wallets[mut.Wallet.UserID] = *mut.Wallet
	case mut.Transaction != nil:
		m.txs = append(m.txs, *mut.Transaction)
		m.txIDs[mut.Transaction.ID] = true
	case mut.Binding != nil:
		m.bindings[mut.Binding.OrderID] = *mut.Binding
	case mut.Order != nil:
		m.orders[mut.Order.ID] = *mut.Order
	}
}

// =============================================================================
// TRANSACTIONAL - snapshot + rollback
// =============================================================================

// WithTx runs fn with the write lock held. On error, or if the journal
// rejects the batch, the pre-transaction snapshot is restored.
func (m *Memory) WithTx(ctx context.Context, fn func(escrow.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snap := m.snapshot()
	view := &txView{parent: m}
	if err := fn(view); err != nil {
		m.restore(snap)
		return err
	}
	if m.journal != nil && len(view.pending) > 0 {
		if err := m.journal.Append(view.pending); err != nil {
			m.restore(snap)
			return err
		}
	}
	return nil
}

type memorySnapshot struct {
	wallets  map[escrow.UserID]escrow.Wallet
	txCount  int
	txIDs    map[escrow.TransactionID]bool
	bindings map[escrow.OrderID]escrow.Binding
	orders   map[escrow.OrderID]escrow.Order
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		wallets:  make(map[escrow.UserID]escrow.Wallet, len(m.wallets)),
		txCount:  len(m.txs),
		txIDs:    make(map[escrow.TransactionID]bool, len(m.txIDs)),
		bindings: make(map[escrow.OrderID]escrow.Binding, len(m.bindings)),
		orders:   make(map[escrow.OrderID]escrow.Order, len(m.orders)),
	}
	for k, v := range m.wallets {
		s.wallets[k] = v
	}
	for k, v := range m.txIDs {
		s.txIDs[k] = v
	}
	for k, v := range m.bindings {
		s.bindings[k] = v
	}
	for k, v := range m.orders {
		s.orders[k] = v
	}
	return s
}

// restore rolls back. The transaction log is append-only, so truncating it
// to its earlier length is enough.
func (m *Memory) restore(s memorySnapshot) {
	m.wallets = s.wallets
	m.txs = m.txs[:s.txCount]
	m.txIDs = s.txIDs
	m.bindings = s.bindings
	m.orders = s.orders
}

// txView is the escrow.Store handed to WithTx callbacks. The parent's lock
// is already held, so it touches the maps directly.
type txView struct {
	parent  *Memory
	pending []Mutation
}

func (v *txView) record(mut Mutation) {
	v.parent.applyLocked(mut)
	v.pending = append(v.pending, mut)
}

func (v *txView) GetWallet(_ context.Context, userID escrow.UserID) (*escrow.Wallet, error) {
	return v.parent.walletLocked(userID), nil
}

func (v *txView) ListWallets(_ context.Context) ([]escrow.Wallet, error) {
	return v.parent.listWalletsLocked(), nil
}

func (v *txView) GetBinding(_ context.Context, orderID escrow.OrderID) (*escrow.Binding, error) {
	return v.parent.bindingLocked(orderID)
}

func (v *txView) GetOrder(_ context.Context, orderID escrow.OrderID) (*escrow.Order, error) {
	return v.parent.orderLocked(orderID)
}

func (v *txView) TransactionsByOrder(_ context.Context, orderID escrow.OrderID) ([]escrow.Transaction, error) {
	return v.parent.byOrderLocked(orderID), nil
}

func (v *txView) TransactionsByAccount(_ context.Context, account escrow.AccountID, limit int) ([]escrow.Transaction, error) {
	return v.parent.byAccountLocked(account, limit), nil
}

func (v *txView) AllTransactions(_ context.Context) ([]escrow.Transaction, error) {
	out := make([]escrow.Transaction, len(v.parent.txs))
	copy(out, v.parent.txs)
	return out, nil
}

// LockWallet needs no extra locking: the whole store is locked.
func (v *txView) LockWallet(_ context.Context, userID escrow.UserID) (*escrow.Wallet, error) {
	return v.parent.walletLocked(userID), nil
}

func (v *txView) SaveWallet(_ context.Context, w escrow.Wallet) error {
	v.record(Mutation{Wallet: &w})
	return nil
}

func (v *txView) AppendTransaction(_ context.Context, tx escrow.Transaction) error {
	if v.parent.txIDs[tx.ID] {
		return escrow.ErrDuplicateTransaction
	}
	v.record(Mutation{Transaction: &tx})
	return nil
}

func (v *txView) CreateBinding(_ context.Context, b escrow.Binding) error {
	if _, ok := v.parent.bindings[b.OrderID]; ok {
		return escrow.ErrDuplicateAuthorization
	}
	v.record(Mutation{Binding: &b})
	return nil
}

func (v *txView) ResolveBinding(_ context.Context, orderID escrow.OrderID, status escrow.BindingStatus, sellerID escrow.UserID, at time.Time) error {
	b, ok := v.parent.bindings[orderID]
	if !ok {
		return escrow.ErrOrderNotFound
	}
	if b.Status != escrow.BindingOpen {
		return escrow.ErrAlreadyResolved
	}
	if b.SellerID == "" {
		b.SellerID = sellerID
	}
	b.Status = status
	b.ResolvedAt = &at
	v.record(Mutation{Binding: &b})
	return nil
}

func (v *txView) CreateOrder(_ context.Context, o escrow.Order) error {
	if _, ok := v.parent.orders[o.ID]; ok {
		return escrow.ErrOrderExists
	}
	v.record(Mutation{Order: &o})
	return nil
}

func (v *txView) UpdateOrder(_ context.Context, o escrow.Order) error {
	if _, ok := v.parent.orders[o.ID]; !ok {
		return escrow.ErrOrderNotFound
	}
	v.record(Mutation{Order: &o})
	return nil
}
