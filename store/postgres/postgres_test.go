package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/escrow-engine/escrow"
	"github.com/warp/escrow-engine/escrow/storetest"
)

// newTestStore connects to ESCROW_TEST_POSTGRES_DSN and starts from empty tables.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("ESCROW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ESCROW_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	store, err := New(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, store.truncate(ctx))
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPostgres_Suite(t *testing.T) {
	storetest.Run(t, func(t *testing.T) escrow.TxStore { return newTestStore(t) })
}

func TestPostgres_ConcurrentHoldsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ledger := escrow.NewWalletLedger(store)
	_, err := ledger.Credit(ctx, "buyer", escrow.MustParseAmount("100.00"), "")
	require.NoError(t, err)

	// GIVEN: ten concurrent 30.00 holds against a 100.00 wallet
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := ledger.AuthorizePayment(ctx, escrow.AuthorizeRequest{
				UserID:  "buyer",
				Amount:  escrow.MustParseAmount("30.00"),
				OrderID: escrow.OrderID("ORD-C" + string(rune('0'+i))),
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, escrow.ErrInsufficientFunds)
		}(i)
	}
	wg.Wait()

	// THEN: row locks let exactly three through
	assert.Equal(t, 3, succeeded)
	b, err := ledger.GetBalance(ctx, "buyer")
	require.NoError(t, err)
	assert.Equal(t, "10.00", b.Available.String())
	assert.Equal(t, "90.00", b.Held.String())

	report, err := ledger.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, report.Healthy())
}

func TestPostgres_ReadSnapshotIsReadOnlyAndStable(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ledger := escrow.NewWalletLedger(store)
	_, err := ledger.Credit(ctx, "buyer", escrow.MustParseAmount("100.00"), "")
	require.NoError(t, err)

	// GIVEN: a snapshot that has already read the log once
	// WHEN: a credit commits before the snapshot's second read
	err = store.ReadSnapshot(ctx, func(r escrow.Reader) error {
		before, err := r.AllTransactions(ctx)
		if err != nil {
			return err
		}
		if _, err := ledger.Credit(ctx, "buyer", escrow.MustParseAmount("5.00"), ""); err != nil {
			return err
		}
		after, err := r.AllTransactions(ctx)
		if err != nil {
			return err
		}
		// THEN: both reads see the same log
		assert.Len(t, before, 1)
		assert.Len(t, after, 1)
		return nil
	})
	require.NoError(t, err)

	report, err := ledger.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, report.Healthy())
	assert.Equal(t, "105.00", report.TotalCredits.String())
}

func TestPostgres_ReadSnapshotRejectsWrites(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// GIVEN: a snapshot view, WHEN: a write is attempted through it
	err := store.ReadSnapshot(ctx, func(r escrow.Reader) error {
		s, ok := r.(escrow.Store)
		if !ok {
			return errors.New("snapshot view is not writable")
		}
		return s.SaveWallet(ctx, escrow.Wallet{
			UserID:    "buyer",
			Available: escrow.MustParseAmount("1.00"),
			Held:      escrow.ZeroAmount(),
			State:     escrow.WalletActive,
			UpdatedAt: time.Now(),
		})
	})

	// THEN: postgres refuses it
	require.Error(t, err)
	w, err := store.GetWallet(ctx, "buyer")
	require.NoError(t, err)
	assert.Nil(t, w)
}
