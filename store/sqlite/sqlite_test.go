package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/escrow-engine/escrow"
	"github.com/warp/escrow-engine/escrow/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLite_Suite(t *testing.T) {
	storetest.Run(t, func(t *testing.T) escrow.TxStore { return newTestStore(t) })
}

func TestSQLite_LedgerSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "escrow.db")

	// GIVEN: a settled order written to a file-backed database
	store, err := New(path)
	require.NoError(t, err)
	ledger := escrow.NewWalletLedger(store)
	_, err = ledger.Credit(ctx, "buyer", escrow.MustParseAmount("300.00"), "")
	require.NoError(t, err)
	_, err = ledger.AuthorizePayment(ctx, escrow.AuthorizeRequest{
		UserID: "buyer", Amount: escrow.MustParseAmount("250.00"), OrderID: "ORD-1", Description: "Phone",
	})
	require.NoError(t, err)
	_, err = ledger.ReleaseEscrowToSeller(ctx, "ORD-1", "seller")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// WHEN: reopened
	reopened, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })
	ledger = escrow.NewWalletLedger(reopened)

	// THEN: balances and the audit trail are intact
	b, err := ledger.GetBalance(ctx, "seller")
	require.NoError(t, err)
	assert.Equal(t, "250.00", b.Available.String())

	txs, err := ledger.GetTransactionsByOrder(ctx, "ORD-1")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, escrow.TxEscrowHold, txs[0].Type)
	assert.Equal(t, escrow.TxEscrowRelease, txs[1].Type)

	report, err := ledger.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, report.Healthy())
}

func TestSQLite_TimestampsSortChronologically(t *testing.T) {
	early := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	late := early.Add(500 * time.Millisecond)

	assert.Less(t, formatTime(early), formatTime(late))
	assert.True(t, parseTime(formatTime(late)).Equal(late))
}
