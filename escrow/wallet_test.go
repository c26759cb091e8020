package escrow_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/escrow-engine/escrow"
	"github.com/warp/escrow-engine/escrow/store"
)

// =============================================================================
// HELPERS
// =============================================================================

type recorder struct {
	escrow.NopObserver
	mu     sync.Mutex
	txs    []escrow.Transaction
	states []escrow.WalletState
	failed []string
}

func (r *recorder) TransactionCommitted(_ context.Context, tx escrow.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txs = append(r.txs, tx)
}

func (r *recorder) WalletStateChanged(_ context.Context, _ escrow.UserID, _, to escrow.WalletState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, to)
}

func (r *recorder) OperationFailed(_ context.Context, op string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, op)
}

type fixture struct {
	store  *store.Memory
	ledger *escrow.WalletLedger
	events *recorder
	clock  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.NewMemory(),
		events: &recorder{},
		clock:  time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC),
	}
	f.ledger = escrow.NewWalletLedger(f.store,
		escrow.WithObserver(f.events),
		escrow.WithClock(func() time.Time {
			f.clock = f.clock.Add(time.Second)
			return f.clock
		}),
	)
	t.Cleanup(func() { f.store.Close() })
	return f
}

func amt(s string) escrow.Amount { return escrow.MustParseAmount(s) }

func (f *fixture) credit(t *testing.T, user escrow.UserID, amount string) {
	t.Helper()
	_, err := f.ledger.Credit(context.Background(), user, amt(amount), "")
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, user escrow.UserID) escrow.Balance {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), user)
	require.NoError(t, err)
	return b
}

func (f *fixture) total(t *testing.T) escrow.Amount {
	t.Helper()
	wallets, err := f.store.ListWallets(context.Background())
	require.NoError(t, err)
	sum := escrow.ZeroAmount()
	for _, w := range wallets {
		sum = sum.Add(w.Total())
	}
	return sum
}

func assertBalance(t *testing.T, b escrow.Balance, available, held string) {
	t.Helper()
	assert.Equal(t, available, b.Available.String(), "available balance of %s", b.UserID)
	assert.Equal(t, held, b.Held.String(), "held in escrow of %s", b.UserID)
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestScenario_HappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.credit(t, "buyer", "30000.00")

	// WHEN: the buyer authorizes 25000 for ORD-1
	txID, err := f.ledger.AuthorizePayment(ctx, escrow.AuthorizeRequest{
		UserID: "buyer", Amount: amt("25000"), OrderID: "ORD-1", Description: "Phone",
	})

	// THEN: funds move from available to held
	require.NoError(t, err)
	assert.NotEmpty(t, txID)
	assertBalance(t, f.balance(t, "buyer"), "5000.00", "25000.00")

	// WHEN: the escrow is released to the seller
	_, err = f.ledger.ReleaseEscrowToSeller(ctx, "ORD-1", "seller")
	require.NoError(t, err)

	// THEN: the buyer's hold is gone and the seller is paid
	assertBalance(t, f.balance(t, "buyer"), "5000.00", "0.00")
	assertBalance(t, f.balance(t, "seller"), "25000.00", "0.00")

	b, err := f.ledger.GetBinding(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, escrow.BindingReleased, b.Status)
	assert.Equal(t, escrow.UserID("seller"), b.SellerID)
	assert.NotNil(t, b.ResolvedAt)

	txs, err := f.ledger.GetTransactionsByOrder(ctx, "ORD-1")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, txID, txs[0].ID)
	assert.Equal(t, escrow.TxEscrowHold, txs[0].Type)
	assert.Equal(t, escrow.AccountID("buyer"), txs[0].From)
	assert.Equal(t, escrow.EscrowAccount, txs[0].To)
	assert.Equal(t, "Phone", txs[0].Description)
	assert.Equal(t, escrow.TxEscrowRelease, txs[1].Type)
	assert.Equal(t, escrow.AccountID("buyer"), txs[1].From)
	assert.Equal(t, escrow.AccountID("seller"), txs[1].To)
}

func TestScenario_FrozenRejection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.credit(t, "U1", "5000.00")

	require.NoError(t, f.ledger.FreezeWallet(ctx, "U1"))
	before, err := f.ledger.GetTransactionsByAccount(ctx, "U1", 0)
	require.NoError(t, err)

	_, err = f.ledger.AuthorizePayment(ctx, escrow.AuthorizeRequest{
		UserID: "U1", Amount: amt("1000"), OrderID: "ORD-3",
	})

	assert.ErrorIs(t, err, escrow.ErrWalletFrozen)
	b := f.balance(t, "U1")
	assertBalance(t, b, "5000.00", "0.00")
	assert.Equal(t, escrow.WalletFrozen, b.State)

	after, err := f.ledger.GetTransactionsByAccount(ctx, "U1", 0)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after), "no partial hold was logged")
	_, err = f.ledger.GetBinding(ctx, "ORD-3")
	assert.ErrorIs(t, err, escrow.ErrOrderNotFound)
}

// =============================================================================
// PROPERTIES
// =============================================================================

func TestAuthorizePayment_NoDoubleHold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.credit(t, "buyer", "100.00")
	req := escrow.AuthorizeRequest{UserID: "buyer", Amount: amt("40.00"), OrderID: "ORD-D"}

	_, err := f.ledger.AuthorizePayment(ctx, req)
	require.NoError(t, err)
	_, err = f.ledger.AuthorizePayment(ctx, req)

	assert.ErrorIs(t, err, escrow.ErrDuplicateAuthorization)
	assertBalance(t, f.balance(t, "buyer"), "60.00", "40.00")
}

func TestRelease_NoDoubleResolution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.credit(t, "buyer", "100.00")
	_, err := f.ledger.AuthorizePayment(ctx, escrow.AuthorizeRequest{UserID: "buyer", SellerID: "seller", Amount: amt("80"), OrderID: "ORD-R"})
	require.NoError(t, err)

	_, err = f.ledger.ReleaseEscrowToSeller(ctx, "ORD-R", "seller")
	require.NoError(t, err)
	_, err = f.ledger.ReleaseEscrowToSeller(ctx, "ORD-R", "seller")
	assert.ErrorIs(t, err, escrow.ErrAlreadyResolved)
	_, err = f.ledger.RefundEscrowToBuyer(ctx, "ORD-R")
	assert.ErrorIs(t, err, escrow.ErrAlreadyResolved)

	assertBalance(t, f.balance(t, "buyer"), "20.00", "0.00")
	assertBalance(t, f.balance(t, "seller"), "80.00", "0.00")
}

func TestRefund_NoDoubleResolution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.credit(t, "buyer", "100.00")
	_, err := f.ledger.AuthorizePayment(ctx, escrow.AuthorizeRequest{UserID: "buyer", Amount: amt("30"), OrderID: "ORD-F"})
	require.NoError(t, err)

	_, err = f.ledger.RefundEscrowToBuyer(ctx, "ORD-F")
	require.NoError(t, err)
	_, err = f.ledger.RefundEscrowToBuyer(ctx, "ORD-F")

	assert.ErrorIs(t, err, escrow.ErrAlreadyResolved)
	assertBalance(t, f.balance(t, "buyer"), "100.00", "0.00")

	txs, err := f.ledger.GetTransactionsByOrder(ctx, "ORD-F")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, escrow.TxEscrowRefund, txs[1].Type)
	assert.Equal(t, escrow.EscrowAccount, txs[1].From)
	assert.Equal(t, escrow.AccountID("buyer"), txs[1].To)
}

func TestSettlement_UnknownOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.ledger.ReleaseEscrowToSeller(ctx, "ORD-404", "seller")
	assert.ErrorIs(t, err, escrow.ErrOrderNotFound)
	_, err = f.ledger.RefundEscrowToBuyer(ctx, "ORD-404")
	assert.ErrorIs(t, err, escrow.ErrOrderNotFound)
}

func TestFreeze_UnfreezeRestoresHolds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.credit(t, "u", "10.00")
	require.NoError(t, f.ledger.FreezeWallet(ctx, "u"))

	_, err := f.ledger.AuthorizePayment(ctx, escrow.AuthorizeRequest{UserID: "u", Amount: amt("5"), OrderID: "ORD-Z"})
	require.ErrorIs(t, err, escrow.ErrWalletFrozen)

	require.NoError(t, f.ledger.UnfreezeWallet(ctx, "u"))
	_, err = f.ledger.AuthorizePayment(ctx, escrow.AuthorizeRequest{UserID: "u", Amount: amt("5"), OrderID: "ORD-Z"})

	require.NoError(t, err)
	assert.Equal(t, []escrow.WalletState{escrow.WalletFrozen, escrow.WalletActive}, f.events.states)
}

func TestFrozenWallets_StillReceiveSettlement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.credit(t, "buyer", "100.00")
	_, err := f.ledger.AuthorizePayment(ctx, escrow.AuthorizeRequest{UserID: "buyer", Amount: amt("40"), OrderID: "ORD-1"})
	require.NoError(t, err)
	_, err = f.ledger.AuthorizePayment(ctx, escrow.AuthorizeRequest{UserID: "buyer", Amount: amt("60"), OrderID: "ORD-2"})
	require.NoError(t, err)

	// GIVEN: both parties frozen
	require.NoError(t, f.ledger.FreezeWallet(ctx, "buyer"))
	require.NoError(t, f.ledger.FreezeWallet(ctx, "seller"))

	// THEN: a frozen seller can be paid and a frozen buyer refunded
	_, err = f.ledger.ReleaseEscrowToSeller(ctx, "ORD-1", "seller")
	require.NoError(t, err)
	_, err = f.ledger.RefundEscrowToBuyer(ctx, "ORD-2")
	require.NoError(t, err)

	assertBalance(t, f.balance(t, "buyer"), "60.00", "0.00")
	assertBalance(t, f.balance(t, "seller"), "40.00", "0.00")
	assert.Equal(t, escrow.WalletFrozen, f.balance(t, "seller").State)
}

func TestLimitedWallet_AllowsHoldsBlocksWithdrawals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.credit(t, "u", "50.00")
	require.NoError(t, f.ledger.LimitWallet(ctx, "u"))

	_, err := f.ledger.AuthorizePayment(ctx, escrow.AuthorizeRequest{UserID: "u", Amount: amt("20"), OrderID: "ORD-L"})
	require.NoError(t, err)

	_, err = f.ledger.Debit(ctx, "u", amt("10"), "")
	assert.ErrorIs(t, err, escrow.ErrWalletLimited)

	// AND: credits are accepted in every state
	_, err = f.ledger.Credit(ctx, "u", amt("5"), "")
	require.NoError(t, err)
	assertBalance(t, f.balance(t, "u"), "35.00", "20.00")
}

func TestDebit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.credit(t, "u", "50.00")

	_, err := f.ledger.Debit(ctx, "u", amt("80"), "")
	var insufficient *escrow.InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "50.00", insufficient.Available.String())
	assert.Equal(t, "80.00", insufficient.Requested.String())

	_, err = f.ledger.Debit(ctx, "u", amt("20.50"), "payout")
	require.NoError(t, err)
	assertBalance(t, f.balance(t, "u"), "29.50", "0.00")

	require.NoError(t, f.ledger.FreezeWallet(ctx, "u"))
	_, err = f.ledger.Debit(ctx, "u", amt("1"), "")
	assert.ErrorIs(t, err, escrow.ErrWalletFrozen)
}

func TestAuthorizePayment_InsufficientFundsLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.credit(t, "buyer", "10.00")

	_, err := f.ledger.AuthorizePayment(ctx, escrow.AuthorizeRequest{UserID: "buyer", Amount: amt("10.01"), OrderID: "ORD-X"})

	assert.ErrorIs(t, err, escrow.ErrInsufficientFunds)
	assertBalance(t, f.balance(t, "buyer"), "10.00", "0.00")
	_, err = f.ledger.GetBinding(ctx, "ORD-X")
	assert.ErrorIs(t, err, escrow.ErrOrderNotFound)
	txs, err := f.ledger.GetTransactionsByOrder(ctx, "ORD-X")
	require.NoError(t, err)
	assert.Empty(t, txs)
	assert.Contains(t, f.events.failed, "authorize_payment")
}

func TestAuthorizePayment_RejectsBadAmounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.credit(t, "buyer", "10.00")

	for _, bad := range []string{"0", "-5", "1.001"} {
		_, err := f.ledger.AuthorizePayment(ctx, escrow.AuthorizeRequest{UserID: "buyer", Amount: amt(bad), OrderID: escrow.OrderID("ORD-" + bad)})
		assert.ErrorIs(t, err, escrow.ErrInvalidAmount, bad)
	}
}

func TestAuthorizePayment_RequiresOrderID(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "buyer", "10.00")

	_, err := f.ledger.AuthorizePayment(context.Background(), escrow.AuthorizeRequest{UserID: "buyer", Amount: amt("1")})

	assert.ErrorIs(t, err, escrow.ErrInvalidOrder)
	assertBalance(t, f.balance(t, "buyer"), "10.00", "0.00")
}

func TestRelease_SellerMismatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.credit(t, "buyer", "10.00")
	_, err := f.ledger.AuthorizePayment(ctx, escrow.AuthorizeRequest{UserID: "buyer", SellerID: "sam", Amount: amt("10"), OrderID: "ORD-S"})
	require.NoError(t, err)

	_, err = f.ledger.ReleaseEscrowToSeller(ctx, "ORD-S", "mallory")
	assert.ErrorIs(t, err, escrow.ErrSellerMismatch)

	// Empty seller falls back to the binding's seller.
	_, err = f.ledger.ReleaseEscrowToSeller(ctx, "ORD-S", "")
	require.NoError(t, err)
	assertBalance(t, f.balance(t, "sam"), "10.00", "0.00")
}

func TestGetBalance_UnknownUserIsZeroAndNotCreated(t *testing.T) {
	f := newFixture(t)

	b := f.balance(t, "ghost")

	assertBalance(t, b, "0.00", "0.00")
	assert.Equal(t, escrow.WalletActive, b.State)
	w, err := f.store.GetWallet(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestObservers_OnlySeeCommittedTransactions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.credit(t, "buyer", "10.00")

	_, _ = f.ledger.AuthorizePayment(ctx, escrow.AuthorizeRequest{UserID: "buyer", Amount: amt("50"), OrderID: "ORD-1"})
	_, err := f.ledger.AuthorizePayment(ctx, escrow.AuthorizeRequest{UserID: "buyer", Amount: amt("5"), OrderID: "ORD-2"})
	require.NoError(t, err)

	require.Len(t, f.events.txs, 2)
	assert.Equal(t, escrow.TxWalletCredit, f.events.txs[0].Type)
	assert.Equal(t, escrow.OrderID("ORD-2"), f.events.txs[1].OrderID)
}

func TestConservation_RandomisedSequence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	users := []escrow.UserID{"a", "b", "c", "d"}
	for _, u := range users {
		f.credit(t, u, "1000.00")
	}
	external := amt("4000.00")

	// A deterministic mix of holds, releases, refunds and rejected calls.
	for i := 0; i < 60; i++ {
		buyer := users[i%len(users)]
		seller := users[(i+1)%len(users)]
		order := escrow.OrderID(fmt.Sprintf("ORD-%d", i))
		_, err := f.ledger.AuthorizePayment(ctx, escrow.AuthorizeRequest{
			UserID: buyer, SellerID: seller, Amount: amt(fmt.Sprintf("%d.%02d", 10+i*7, i)), OrderID: order,
		})
		if err != nil {
			require.ErrorIs(t, err, escrow.ErrInsufficientFunds)
			continue
		}
		switch i % 3 {
		case 0:
			_, err = f.ledger.ReleaseEscrowToSeller(ctx, order, seller)
		case 1:
			_, err = f.ledger.RefundEscrowToBuyer(ctx, order)
		}
		require.NoError(t, err)

		// THEN: holds, releases and refunds never change the total
		assert.True(t, f.total(t).Equal(external), "total after step %d is %s", i, f.total(t))
	}

	_, err := f.ledger.Debit(ctx, "a", amt("1.00"), "")
	if err == nil {
		external = external.Sub(amt("1.00"))
	}
	assert.True(t, f.total(t).Equal(external))

	report, err := f.ledger.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, report.Healthy(), "%+v", report)
}

func TestConcurrentHolds_NeverOverdraw(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.credit(t, "buyer", "100.00")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.ledger.AuthorizePayment(ctx, escrow.AuthorizeRequest{
				UserID: "buyer", Amount: amt("30"), OrderID: escrow.OrderID(fmt.Sprintf("ORD-%d", i)),
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, escrow.ErrInsufficientFunds) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	assertBalance(t, f.balance(t, "buyer"), "10.00", "90.00")
}

func TestReleaseEscrow_StoresSellerNamedAtRelease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.credit(t, "buyer", "50.00")

	// GIVEN: a hold authorized without a seller
	_, err := f.ledger.AuthorizePayment(ctx, escrow.AuthorizeRequest{UserID: "buyer", Amount: amt("50.00"), OrderID: "ORD-S"})
	require.NoError(t, err)
	b, err := f.ledger.GetBinding(ctx, "ORD-S")
	require.NoError(t, err)
	require.Empty(t, b.SellerID)

	// WHEN: it is released to a seller named by the caller
	_, err = f.ledger.ReleaseEscrowToSeller(ctx, "ORD-S", "seller")
	require.NoError(t, err)

	// THEN: the stored binding records who was paid
	b, err = f.ledger.GetBinding(ctx, "ORD-S")
	require.NoError(t, err)
	assert.Equal(t, escrow.UserID("seller"), b.SellerID)
	assert.Equal(t, escrow.BindingReleased, b.Status)
	assertBalance(t, f.balance(t, "seller"), "50.00", "0.00")
}
