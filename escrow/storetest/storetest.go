// Package storetest holds the behaviour every escrow.TxStore must share.
// Driver packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/escrow-engine/escrow"
)

// Factory returns an empty store. It should register its own cleanup.
type Factory func(t *testing.T) escrow.TxStore

var base = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("MissingWalletIsNil", func(t *testing.T) { testMissingWallet(t, newStore(t)) })
	t.Run("WalletRoundTrip", func(t *testing.T) { testWalletRoundTrip(t, newStore(t)) })
	t.Run("TransactionsOrderedByTimestamp", func(t *testing.T) { testTransactionOrdering(t, newStore(t)) })
	t.Run("DuplicateTransactionID", func(t *testing.T) { testDuplicateTransaction(t, newStore(t)) })
	t.Run("TransactionsByAccountNewestFirst", func(t *testing.T) { testByAccount(t, newStore(t)) })
	t.Run("BindingLifecycle", func(t *testing.T) { testBindingLifecycle(t, newStore(t)) })
	t.Run("ResolveFillsMissingSeller", func(t *testing.T) { testResolveFillsSeller(t, newStore(t)) })
	t.Run("OrderRoundTrip", func(t *testing.T) { testOrders(t, newStore(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, newStore(t)) })
}

func amt(s string) escrow.Amount { return escrow.MustParseAmount(s) }

func tx(id string, typ escrow.TransactionType, amount string, from, to escrow.AccountID, order escrow.OrderID, at time.Time) escrow.Transaction {
	return escrow.Transaction{
		ID:          escrow.TransactionID(id),
		Type:        typ,
		Amount:      amt(amount),
		From:        from,
		To:          to,
		OrderID:     order,
		Description: string(typ) + " " + id,
		Timestamp:   at,
	}
}

func write(t *testing.T, s escrow.TxStore, fn func(escrow.Store) error) {
	t.Helper()
	require.NoError(t, s.WithTx(context.Background(), fn))
}

func testMissingWallet(t *testing.T, s escrow.TxStore) {
	w, err := s.GetWallet(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, w)

	wallets, err := s.ListWallets(context.Background())
	require.NoError(t, err)
	assert.Empty(t, wallets)
}

func testWalletRoundTrip(t *testing.T, s escrow.TxStore) {
	ctx := context.Background()
	// GIVEN: a wallet saved inside a transaction
	// (LockWallet may return nil or a zero placeholder for a new user)
	write(t, s, func(st escrow.Store) error {
		locked, err := st.LockWallet(ctx, "alice")
		if err != nil {
			return err
		}
		if locked != nil && !locked.Total().IsZero() {
			return errors.New("new wallet must start empty")
		}
		return st.SaveWallet(ctx, escrow.Wallet{
			UserID: "alice", Available: amt("120.50"), Held: amt("30.00"),
			State: escrow.WalletLimited, UpdatedAt: base,
		})
	})

	// WHEN: it is read back
	w, err := s.GetWallet(ctx, "alice")

	// THEN: every field survives
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, "120.50", w.Available.String())
	assert.Equal(t, "30.00", w.Held.String())
	assert.Equal(t, escrow.WalletLimited, w.State)

	// AND: a second save overwrites in place
	write(t, s, func(st escrow.Store) error {
		locked, err := st.LockWallet(ctx, "alice")
		if err != nil {
			return err
		}
		locked.Available = amt("0.00")
		locked.State = escrow.WalletActive
		return st.SaveWallet(ctx, *locked)
	})
	wallets, err := s.ListWallets(ctx)
	require.NoError(t, err)
	require.Len(t, wallets, 1)
	assert.True(t, wallets[0].Available.IsZero())
	assert.Equal(t, escrow.WalletActive, wallets[0].State)
}

func testTransactionOrdering(t *testing.T, s escrow.TxStore) {
	ctx := context.Background()
	// GIVEN: entries for one order appended out of timestamp order
	write(t, s, func(st escrow.Store) error {
		for _, e := range []escrow.Transaction{
			tx("02", escrow.TxEscrowRelease, "10.00", "bob", "sam", "ORD-9", base.Add(2*time.Minute)),
			tx("01", escrow.TxEscrowHold, "10.00", "bob", escrow.EscrowAccount, "ORD-9", base),
			tx("03", escrow.TxWalletCredit, "5.00", escrow.ExternalAccount, "bob", "", base.Add(time.Minute)),
		} {
			if err := st.AppendTransaction(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})

	// WHEN: read by order
	got, err := s.TransactionsByOrder(ctx, "ORD-9")

	// THEN: only that order's entries, oldest first
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, escrow.TxEscrowHold, got[0].Type)
	assert.Equal(t, escrow.TxEscrowRelease, got[1].Type)
	assert.Equal(t, escrow.EscrowAccount, got[0].To)
	assert.Equal(t, "10.00", got[1].Amount.String())
	assert.True(t, got[0].Timestamp.Equal(base))

	all, err := s.AllTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, escrow.TransactionID("02"), all[0].ID, "AllTransactions keeps append order")

	none, err := s.TransactionsByOrder(ctx, "ORD-404")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testDuplicateTransaction(t *testing.T, s escrow.TxStore) {
	ctx := context.Background()
	write(t, s, func(st escrow.Store) error {
		return st.AppendTransaction(ctx, tx("dup", escrow.TxWalletCredit, "1.00", escrow.ExternalAccount, "u", "", base))
	})

	err := s.WithTx(ctx, func(st escrow.Store) error {
		return st.AppendTransaction(ctx, tx("dup", escrow.TxWalletCredit, "2.00", escrow.ExternalAccount, "u", "", base))
	})

	assert.ErrorIs(t, err, escrow.ErrDuplicateTransaction)
	all, err := s.AllTransactions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testByAccount(t *testing.T, s escrow.TxStore) {
	ctx := context.Background()
	write(t, s, func(st escrow.Store) error {
		for _, e := range []escrow.Transaction{
			tx("a1", escrow.TxWalletCredit, "50.00", escrow.ExternalAccount, "carol", "", base),
			tx("a2", escrow.TxEscrowHold, "20.00", "carol", escrow.EscrowAccount, "ORD-1", base.Add(time.Second)),
			tx("a3", escrow.TxWalletCredit, "9.00", escrow.ExternalAccount, "dave", "", base.Add(2*time.Second)),
			tx("a4", escrow.TxEscrowRefund, "20.00", escrow.EscrowAccount, "carol", "ORD-1", base.Add(3*time.Second)),
		} {
			if err := st.AppendTransaction(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})

	got, err := s.TransactionsByAccount(ctx, "carol", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, escrow.TransactionID("a4"), got[0].ID)
	assert.Equal(t, escrow.TransactionID("a2"), got[1].ID)

	unlimited, err := s.TransactionsByAccount(ctx, "carol", 0)
	require.NoError(t, err)
	assert.Len(t, unlimited, 3)

	escrowSide, err := s.TransactionsByAccount(ctx, escrow.EscrowAccount, 0)
	require.NoError(t, err)
	assert.Len(t, escrowSide, 2)
}

func testBindingLifecycle(t *testing.T, s escrow.TxStore) {
	ctx := context.Background()
	b := escrow.Binding{
		OrderID: "ORD-7", BuyerID: "bob", SellerID: "sam",
		HeldAmount: amt("75.25"), Status: escrow.BindingOpen, CreatedAt: base,
	}

	// GIVEN: no binding
	_, err := s.GetBinding(ctx, "ORD-7")
	assert.ErrorIs(t, err, escrow.ErrOrderNotFound)

	// WHEN: one is created, a second create for the same order fails
	write(t, s, func(st escrow.Store) error { return st.CreateBinding(ctx, b) })
	err = s.WithTx(ctx, func(st escrow.Store) error { return st.CreateBinding(ctx, b) })
	assert.ErrorIs(t, err, escrow.ErrDuplicateAuthorization)

	got, err := s.GetBinding(ctx, "ORD-7")
	require.NoError(t, err)
	assert.Equal(t, escrow.BindingOpen, got.Status)
	assert.Equal(t, "75.25", got.HeldAmount.String())
	assert.Equal(t, escrow.UserID("sam"), got.SellerID)
	assert.Nil(t, got.ResolvedAt)

	// THEN: it resolves exactly once
	resolvedAt := base.Add(time.Hour)
	write(t, s, func(st escrow.Store) error {
		return st.ResolveBinding(ctx, "ORD-7", escrow.BindingRefunded, "", resolvedAt)
	})
	err = s.WithTx(ctx, func(st escrow.Store) error {
		return st.ResolveBinding(ctx, "ORD-7", escrow.BindingReleased, "sam", resolvedAt)
	})
	assert.ErrorIs(t, err, escrow.ErrAlreadyResolved)

	err = s.WithTx(ctx, func(st escrow.Store) error {
		return st.ResolveBinding(ctx, "ORD-404", escrow.BindingReleased, "sam", resolvedAt)
	})
	assert.ErrorIs(t, err, escrow.ErrOrderNotFound)

	got, err = s.GetBinding(ctx, "ORD-7")
	require.NoError(t, err)
	assert.Equal(t, escrow.BindingRefunded, got.Status)
	require.NotNil(t, got.ResolvedAt)
	assert.True(t, got.ResolvedAt.Equal(resolvedAt))
}

func testResolveFillsSeller(t *testing.T, s escrow.TxStore) {
	ctx := context.Background()
	open := func(order escrow.OrderID, seller escrow.UserID) escrow.Binding {
		return escrow.Binding{
			OrderID: order, BuyerID: "bob", SellerID: seller,
			HeldAmount: amt("10.00"), Status: escrow.BindingOpen, CreatedAt: base,
		}
	}

	// GIVEN: one binding authorized without a seller and one with
	write(t, s, func(st escrow.Store) error {
		if err := st.CreateBinding(ctx, open("ORD-N", "")); err != nil {
			return err
		}
		return st.CreateBinding(ctx, open("ORD-S", "sam"))
	})

	// WHEN: both are released naming a seller
	write(t, s, func(st escrow.Store) error {
		if err := st.ResolveBinding(ctx, "ORD-N", escrow.BindingReleased, "sue", base.Add(time.Hour)); err != nil {
			return err
		}
		return st.ResolveBinding(ctx, "ORD-S", escrow.BindingReleased, "sue", base.Add(time.Hour))
	})

	// THEN: the missing seller is stored, the recorded one is kept
	got, err := s.GetBinding(ctx, "ORD-N")
	require.NoError(t, err)
	assert.Equal(t, escrow.UserID("sue"), got.SellerID)
	assert.Equal(t, escrow.BindingReleased, got.Status)

	got, err = s.GetBinding(ctx, "ORD-S")
	require.NoError(t, err)
	assert.Equal(t, escrow.UserID("sam"), got.SellerID)
}

func testOrders(t *testing.T, s escrow.TxStore) {
	ctx := context.Background()
	o := escrow.Order{
		ID: "ORD-5", BuyerID: "bob", SellerID: "sam", Amount: amt("19.99"),
		Description: "Lamp", Status: escrow.OrderPendingPayment, CreatedAt: base, UpdatedAt: base,
	}

	write(t, s, func(st escrow.Store) error { return st.CreateOrder(ctx, o) })
	err := s.WithTx(ctx, func(st escrow.Store) error { return st.CreateOrder(ctx, o) })
	assert.ErrorIs(t, err, escrow.ErrOrderExists)

	o.Status = escrow.OrderDisputed
	o.DisputeReason = "arrived broken"
	o.UpdatedAt = base.Add(time.Hour)
	write(t, s, func(st escrow.Store) error { return st.UpdateOrder(ctx, o) })

	got, err := s.GetOrder(ctx, "ORD-5")
	require.NoError(t, err)
	assert.Equal(t, escrow.OrderDisputed, got.Status)
	assert.Equal(t, "arrived broken", got.DisputeReason)
	assert.Equal(t, "19.99", got.Amount.String())
	assert.True(t, got.CreatedAt.Equal(base))

	err = s.WithTx(ctx, func(st escrow.Store) error {
		missing := o
		missing.ID = "ORD-404"
		return st.UpdateOrder(ctx, missing)
	})
	assert.ErrorIs(t, err, escrow.ErrOrderNotFound)

	_, err = s.GetOrder(ctx, "ORD-404")
	assert.ErrorIs(t, err, escrow.ErrOrderNotFound)
}

func testRollback(t *testing.T, s escrow.TxStore) {
	ctx := context.Background()
	boom := errors.New("boom")

	// GIVEN: a transaction that writes to every table and then fails
	err := s.WithTx(ctx, func(st escrow.Store) error {
		if err := st.SaveWallet(ctx, escrow.Wallet{
			UserID: "erin", Available: amt("10.00"), Held: amt("0"), State: escrow.WalletActive, UpdatedAt: base,
		}); err != nil {
			return err
		}
		if err := st.AppendTransaction(ctx, tx("r1", escrow.TxWalletCredit, "10.00", escrow.ExternalAccount, "erin", "", base)); err != nil {
			return err
		}
		if err := st.CreateBinding(ctx, escrow.Binding{
			OrderID: "ORD-R", BuyerID: "erin", HeldAmount: amt("1.00"), Status: escrow.BindingOpen, CreatedAt: base,
		}); err != nil {
			return err
		}
		return boom
	})

	// THEN: the error is returned and nothing was kept
	assert.ErrorIs(t, err, boom)

	w, err := s.GetWallet(ctx, "erin")
	require.NoError(t, err)
	assert.Nil(t, w)

	all, err := s.AllTransactions(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	_, err = s.GetBinding(ctx, "ORD-R")
	assert.ErrorIs(t, err, escrow.ErrOrderNotFound)
}
