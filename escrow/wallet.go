/*
wallet.go - WalletLedger, the sole mutator of wallets and escrow bindings

PURPOSE:
  Moves money between a user's available balance and the amount held in
  escrow for open orders, settles holds to the seller or back to the buyer,
  and applies administrative wallet states. Each operation runs as a single
  store transaction: balances, the TransactionLog entry and the binding
  change commit together or not at all.

MONEY FLOWS:
  Credit   EXTERNAL -> user.available
  Debit    user.available -> EXTERNAL
  Hold     buyer.available -> buyer.held          (ESCROW_HOLD buyer -> ESCROW)
  Release  buyer.held -> seller.available         (ESCROW_RELEASE buyer -> seller)
  Refund   buyer.held -> buyer.available          (ESCROW_REFUND ESCROW -> buyer)

  Only Credit and Debit change the sum of all wallets.

WALLET STATES:
  ACTIVE   everything allowed
  LIMITED  holds allowed, withdrawals (Debit) rejected
  FROZEN   holds and withdrawals rejected
  Inbound settlement and credits are accepted in every state.

LOCK ORDER:
  Wallets touched by one operation are locked in ascending user-id order.

SEE ALSO:
  - ledger.go: TransactionLog
  - order.go: order lifecycle built on the package-private operations here
  - dispute.go: administrative settlement
*/
package escrow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// OPTIONS
// =============================================================================

type options struct {
	observers Observers
	logger    *zap.Logger
	now       func() time.Time
	ids       *IDGenerator
}

type Option func(*options)

// WithObserver adds an observer. May be given several times.
func WithObserver(o Observer) Option {
	return func(opts *options) {
		if o != nil {
			opts.observers = append(opts.observers, o)
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(opts *options) { opts.logger = l }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(opts *options) { opts.now = now }
}

func WithIDGenerator(g *IDGenerator) Option {
	return func(opts *options) { opts.ids = g }
}

// =============================================================================
// WALLET LEDGER
// =============================================================================

type WalletLedger struct {
	store    TxStore
	log      *TransactionLog
	observer Observers
	logger   *zap.Logger
	now      func() time.Time
}

func NewWalletLedger(store TxStore, opts ...Option) *WalletLedger {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return &WalletLedger{
		store:    store,
		log:      NewTransactionLog(store, o.ids, o.now),
		observer: o.observers,
		logger:   o.logger,
		now:      o.now,
	}
}

// Log exposes the read side of the transaction log.
func (l *WalletLedger) Log() *TransactionLog { return l.log }

// Subscribe adds an observer after construction, for observers that need the
// ledger themselves. Call it during wiring, before the ledger is shared.
func (l *WalletLedger) Subscribe(o Observer) {
	if o == nil {
		return
	}
	l.observer = append(l.observer, o)
}

// AuthorizeRequest places an escrow hold for one order.
type AuthorizeRequest struct {
	UserID      UserID
	SellerID    UserID // optional; checked on release when set
	Amount      Amount
	OrderID     OrderID
	Description string
}

// AuthorizePayment moves req.Amount from the buyer's available balance into
// escrow and opens the order's binding. Ids of orders placed through
// OrderService are refused with ErrOrderExists; PayOrder holds for those.
func (l *WalletLedger) AuthorizePayment(ctx context.Context, req AuthorizeRequest) (TransactionID, error) {
	var tx Transaction
	err := l.atomically(ctx, "authorize_payment", func(s Store, c *changes) error {
		o, err := lookupOrder(ctx, s, req.OrderID)
		if err != nil {
			return err
		}
		if o != nil {
			return fmt.Errorf("%w: %s is managed by the order lifecycle", ErrOrderExists, req.OrderID)
		}
		tx, err = l.authorize(ctx, s, c, req)
		return err
	})
	if err != nil {
		return "", err
	}
	return tx.ID, nil
}

// ReleaseEscrowToSeller pays the held amount of orderID to the seller.
// sellerID may be empty when the binding already names the seller.
// Managed orders settle through ConfirmReceipt or a dispute ruling only.
func (l *WalletLedger) ReleaseEscrowToSeller(ctx context.Context, orderID OrderID, sellerID UserID) (TransactionID, error) {
	var tx Transaction
	err := l.atomically(ctx, "release_escrow", func(s Store, c *changes) error {
		if err := requireUnmanaged(ctx, s, orderID, OrderReleased); err != nil {
			return err
		}
		var err error
		tx, err = l.release(ctx, s, c, orderID, sellerID, "")
		return err
	})
	if err != nil {
		return "", err
	}
	return tx.ID, nil
}

// RefundEscrowToBuyer returns the held amount of orderID to the buyer.
// Managed orders are refunded by a dispute ruling only.
func (l *WalletLedger) RefundEscrowToBuyer(ctx context.Context, orderID OrderID) (TransactionID, error) {
	var tx Transaction
	err := l.atomically(ctx, "refund_escrow", func(s Store, c *changes) error {
		if err := requireUnmanaged(ctx, s, orderID, OrderRefunded); err != nil {
			return err
		}
		var err error
		tx, err = l.refund(ctx, s, c, orderID, "")
		return err
	})
	if err != nil {
		return "", err
	}
	return tx.ID, nil
}

// Credit adds externally sourced funds to a wallet. Allowed in every state.
func (l *WalletLedger) Credit(ctx context.Context, userID UserID, amount Amount, description string) (TransactionID, error) {
	var tx Transaction
	err := l.atomically(ctx, "credit", func(s Store, c *changes) error {
		if err := amount.Validate(); err != nil {
			return err
		}
		w, err := l.lockWallet(ctx, s, userID)
		if err != nil {
			return err
		}
		w.Available = w.Available.Add(amount)
		if description == "" {
			description = "Wallet top-up"
		}
		tx, err = l.apply(ctx, s, c, entry{
			Type:        TxWalletCredit,
			Amount:      amount,
			From:        ExternalAccount,
			To:          UserAccount(userID),
			Description: description,
		}, w)
		return err
	})
	if err != nil {
		return "", err
	}
	return tx.ID, nil
}

// Debit withdraws available funds out of the ledger. Requires an ACTIVE wallet.
func (l *WalletLedger) Debit(ctx context.Context, userID UserID, amount Amount, description string) (TransactionID, error) {
	var tx Transaction
	err := l.atomically(ctx, "debit", func(s Store, c *changes) error {
		if err := amount.Validate(); err != nil {
			return err
		}
		w, err := l.lockWallet(ctx, s, userID)
		if err != nil {
			return err
		}
		switch w.State {
		case WalletFrozen:
			return ErrWalletFrozen
		case WalletLimited:
			return ErrWalletLimited
		}
		if w.Available.LessThan(amount) {
			return &InsufficientFundsError{UserID: userID, Available: w.Available, Requested: amount}
		}
		w.Available = w.Available.Sub(amount)
		if description == "" {
			description = "Wallet withdrawal"
		}
		tx, err = l.apply(ctx, s, c, entry{
			Type:        TxWalletDebit,
			Amount:      amount,
			From:        UserAccount(userID),
			To:          ExternalAccount,
			Description: description,
		}, w)
		return err
	})
	if err != nil {
		return "", err
	}
	return tx.ID, nil
}

func (l *WalletLedger) FreezeWallet(ctx context.Context, userID UserID) error {
	return l.setState(ctx, "freeze_wallet", userID, WalletFrozen)
}

// UnfreezeWallet returns a FROZEN or LIMITED wallet to ACTIVE.
func (l *WalletLedger) UnfreezeWallet(ctx context.Context, userID UserID) error {
	return l.setState(ctx, "unfreeze_wallet", userID, WalletActive)
}

func (l *WalletLedger) LimitWallet(ctx context.Context, userID UserID) error {
	return l.setState(ctx, "limit_wallet", userID, WalletLimited)
}

// =============================================================================
// QUERIES
// =============================================================================

// GetBalance returns a snapshot. A user without a wallet has a zero ACTIVE
// balance; nothing is written.
func (l *WalletLedger) GetBalance(ctx context.Context, userID UserID) (Balance, error) {
	w, err := l.store.GetWallet(ctx, userID)
	if err != nil {
		return Balance{}, classify("get_balance", err)
	}
	if w == nil {
		return newWallet(userID, l.now()).Balance(), nil
	}
	return w.Balance(), nil
}

func (l *WalletLedger) GetTransactionsByOrder(ctx context.Context, orderID OrderID) ([]Transaction, error) {
	return l.log.ByOrder(ctx, orderID)
}

func (l *WalletLedger) GetTransactionsByAccount(ctx context.Context, account AccountID, limit int) ([]Transaction, error) {
	return l.log.ByAccount(ctx, account, limit)
}

func (l *WalletLedger) GetBinding(ctx context.Context, orderID OrderID) (*Binding, error) {
	b, err := l.store.GetBinding(ctx, orderID)
	if err != nil {
		return nil, classify("get_binding", err)
	}
	return b, nil
}

func (l *WalletLedger) GetOrder(ctx context.Context, orderID OrderID) (*Order, error) {
	o, err := l.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, classify("get_order", err)
	}
	return o, nil
}

// =============================================================================
// ATOMIC UNIT
// =============================================================================

type stateChange struct {
	userID   UserID
	from, to WalletState
}

// changes collects what a store transaction did, published only on commit.
type changes struct {
	txs    []Transaction
	states []stateChange
}

// atomically runs fn in one store transaction, classifies its error and
// notifies observers after commit.
func (l *WalletLedger) atomically(ctx context.Context, op string, fn func(Store, *changes) error) error {
	var c changes
	err := l.store.WithTx(ctx, func(s Store) error {
		c = changes{}
		return fn(s, &c)
	})
	if err != nil {
		err = classify(op, err)
		if IsStorageError(err) {
			l.logger.Warn("ledger operation failed", zap.String("op", op), zap.Error(err))
		} else {
			l.logger.Debug("ledger operation rejected", zap.String("op", op), zap.Error(err))
		}
		l.observer.OperationFailed(ctx, op, err)
		return err
	}
	for _, tx := range c.txs {
		l.logger.Debug("transaction committed",
			zap.String("op", op),
			zap.String("tx_id", string(tx.ID)),
			zap.String("type", string(tx.Type)),
			zap.String("amount", tx.Amount.String()),
			zap.String("order_id", string(tx.OrderID)),
		)
		l.observer.TransactionCommitted(ctx, tx)
	}
	for _, sc := range c.states {
		l.logger.Info("wallet state changed",
			zap.String("user_id", string(sc.userID)),
			zap.String("from", string(sc.from)),
			zap.String("to", string(sc.to)),
		)
		l.observer.WalletStateChanged(ctx, sc.userID, sc.from, sc.to)
	}
	return nil
}

// lockWallet locks userID's wallet, creating a zero ACTIVE one if absent.
func (l *WalletLedger) lockWallet(ctx context.Context, s Store, userID UserID) (*Wallet, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrUnauthorized)
	}
	w, err := s.LockWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = newWallet(userID, l.now())
	}
	return w, nil
}

// lockWallets locks every distinct id in ascending order.
func (l *WalletLedger) lockWallets(ctx context.Context, s Store, ids ...UserID) (map[UserID]*Wallet, error) {
	sorted := make([]UserID, 0, len(ids))
	seen := make(map[UserID]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			sorted = append(sorted, id)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	out := make(map[UserID]*Wallet, len(sorted))
	for _, id := range sorted {
		w, err := l.lockWallet(ctx, s, id)
		if err != nil {
			return nil, err
		}
		out[id] = w
	}
	return out, nil
}

// apply saves the wallets and appends e. Wallets never go negative.
func (l *WalletLedger) apply(ctx context.Context, s Store, c *changes, e entry, wallets ...*Wallet) (Transaction, error) {
	at := l.now()
	for _, w := range wallets {
		if w.Available.IsNegative() || w.Held.IsNegative() {
			return Transaction{}, fmt.Errorf("wallet %s would go negative", w.UserID)
		}
		w.UpdatedAt = at
		if err := s.SaveWallet(ctx, *w); err != nil {
			return Transaction{}, fmt.Errorf("save wallet %s: %w", w.UserID, err)
		}
	}
	tx, err := l.log.record(ctx, s, e)
	if err != nil {
		return Transaction{}, err
	}
	c.txs = append(c.txs, tx)
	return tx, nil
}

// =============================================================================
// OPERATIONS - run inside a caller's store transaction
// =============================================================================

func (l *WalletLedger) authorize(ctx context.Context, s Store, c *changes, req AuthorizeRequest) (Transaction, error) {
	if err := req.Amount.Validate(); err != nil {
		return Transaction{}, err
	}
	if req.OrderID == "" {
		return Transaction{}, fmt.Errorf("%w: missing order id", ErrInvalidOrder)
	}
	if _, err := s.GetBinding(ctx, req.OrderID); err == nil {
		return Transaction{}, ErrDuplicateAuthorization
	} else if !errors.Is(err, ErrOrderNotFound) {
		return Transaction{}, err
	}

	w, err := l.lockWallet(ctx, s, req.UserID)
	if err != nil {
		return Transaction{}, err
	}
	if w.State == WalletFrozen {
		return Transaction{}, ErrWalletFrozen
	}
	if w.Available.LessThan(req.Amount) {
		return Transaction{}, &InsufficientFundsError{UserID: req.UserID, Available: w.Available, Requested: req.Amount}
	}
	w.Available = w.Available.Sub(req.Amount)
	w.Held = w.Held.Add(req.Amount)

	if err := s.CreateBinding(ctx, Binding{
		OrderID:    req.OrderID,
		BuyerID:    req.UserID,
		SellerID:   req.SellerID,
		HeldAmount: req.Amount,
		Status:     BindingOpen,
		CreatedAt:  l.now().UTC(),
	}); err != nil {
		return Transaction{}, err
	}

	desc := req.Description
	if desc == "" {
		desc = fmt.Sprintf("Escrow hold for order %s", req.OrderID)
	}
	return l.apply(ctx, s, c, entry{
		Type:        TxEscrowHold,
		Amount:      req.Amount,
		From:        UserAccount(req.UserID),
		To:          EscrowAccount,
		OrderID:     req.OrderID,
		Description: desc,
	}, w)
}

// lookupOrder returns (nil, nil) when orderID was never placed as an order.
func lookupOrder(ctx context.Context, s Store, orderID OrderID) (*Order, error) {
	o, err := s.GetOrder(ctx, orderID)
	if errors.Is(err, ErrOrderNotFound) {
		return nil, nil
	}
	return o, err
}

// requireUnmanaged refuses raw settlement of an order OrderService owns.
func requireUnmanaged(ctx context.Context, s Store, orderID OrderID, to OrderStatus) error {
	o, err := lookupOrder(ctx, s, orderID)
	if err != nil {
		return err
	}
	if o != nil {
		return &InvalidTransitionError{OrderID: orderID, From: o.Status, To: to}
	}
	return nil
}

// openBinding loads the order's binding and requires it to be OPEN.
func openBinding(ctx context.Context, s Store, orderID OrderID) (*Binding, error) {
	b, err := s.GetBinding(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if b.Status != BindingOpen {
		return nil, ErrAlreadyResolved
	}
	return b, nil
}

func (l *WalletLedger) release(ctx context.Context, s Store, c *changes, orderID OrderID, sellerID UserID, note string) (Transaction, error) {
	b, err := openBinding(ctx, s, orderID)
	if err != nil {
		return Transaction{}, err
	}
	switch {
	case b.SellerID == "" && sellerID == "":
		return Transaction{}, fmt.Errorf("%w: no seller known for order %s", ErrSellerMismatch, orderID)
	case b.SellerID == "":
		b.SellerID = sellerID
	case sellerID != "" && sellerID != b.SellerID:
		return Transaction{}, ErrSellerMismatch
	}

	wallets, err := l.lockWallets(ctx, s, b.BuyerID, b.SellerID)
	if err != nil {
		return Transaction{}, err
	}
	buyer, seller := wallets[b.BuyerID], wallets[b.SellerID]
	buyer.Held = buyer.Held.Sub(b.HeldAmount)
	seller.Available = seller.Available.Add(b.HeldAmount)

	if err := s.ResolveBinding(ctx, orderID, BindingReleased, b.SellerID, l.now().UTC()); err != nil {
		return Transaction{}, err
	}
	desc := fmt.Sprintf("Escrow released to seller for order %s", orderID)
	if note != "" {
		desc += ": " + note
	}
	toSave := []*Wallet{buyer}
	if seller != buyer {
		toSave = append(toSave, seller)
	}
	return l.apply(ctx, s, c, entry{
		Type:        TxEscrowRelease,
		Amount:      b.HeldAmount,
		From:        UserAccount(b.BuyerID),
		To:          UserAccount(b.SellerID),
		OrderID:     orderID,
		Description: desc,
	}, toSave...)
}

func (l *WalletLedger) refund(ctx context.Context, s Store, c *changes, orderID OrderID, note string) (Transaction, error) {
	b, err := openBinding(ctx, s, orderID)
	if err != nil {
		return Transaction{}, err
	}
	buyer, err := l.lockWallet(ctx, s, b.BuyerID)
	if err != nil {
		return Transaction{}, err
	}
	buyer.Held = buyer.Held.Sub(b.HeldAmount)
	buyer.Available = buyer.Available.Add(b.HeldAmount)

	if err := s.ResolveBinding(ctx, orderID, BindingRefunded, "", l.now().UTC()); err != nil {
		return Transaction{}, err
	}
	desc := fmt.Sprintf("Escrow refunded to buyer for order %s", orderID)
	if note != "" {
		desc += ": " + note
	}
	return l.apply(ctx, s, c, entry{
		Type:        TxEscrowRefund,
		Amount:      b.HeldAmount,
		From:        EscrowAccount,
		To:          UserAccount(b.BuyerID),
		OrderID:     orderID,
		Description: desc,
	}, buyer)
}

func (l *WalletLedger) setState(ctx context.Context, op string, userID UserID, target WalletState) error {
	return l.atomically(ctx, op, func(s Store, c *changes) error {
		w, err := l.lockWallet(ctx, s, userID)
		if err != nil {
			return err
		}
		if w.State == target {
			return nil
		}
		from := w.State
		w.State = target
		w.UpdatedAt = l.now()
		if err := s.SaveWallet(ctx, *w); err != nil {
			return fmt.Errorf("save wallet %s: %w", userID, err)
		}
		c.states = append(c.states, stateChange{userID: userID, from: from, to: target})
		return nil
	})
}
