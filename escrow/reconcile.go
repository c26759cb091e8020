/*
reconcile.go - Replaying the transaction log against stored wallets

PURPOSE:
  Wallet rows are a cache of the log. Reconcile recomputes every wallet's
  available and held balance from the log alone and reports any row that
  disagrees, plus whether the conservation identity holds:

      sum(available + held) == sum(credits) - sum(debits)

REPLAY RULES:
  WALLET_CREDIT   to.available   += amount
  WALLET_DEBIT    from.available -= amount
  ESCROW_HOLD     from.available -= amount, from.held += amount
  ESCROW_RELEASE  from.held      -= amount, to.available += amount
  ESCROW_REFUND   to.held        -= amount, to.available += amount
*/
package escrow

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
)

// ComputedBalance is a wallet's balance derived from the log.
type ComputedBalance struct {
	Available Amount
	Held      Amount
}

// RecomputeBalances replays txs in order.
func RecomputeBalances(txs []Transaction) map[UserID]ComputedBalance {
	out := make(map[UserID]ComputedBalance)
	adjust := func(acct AccountID, avail, held Amount) {
		if !acct.IsUser() {
			return
		}
		id := UserID(acct)
		b, ok := out[id]
		if !ok {
			b = ComputedBalance{Available: ZeroAmount(), Held: ZeroAmount()}
		}
		b.Available = b.Available.Add(avail)
		b.Held = b.Held.Add(held)
		out[id] = b
	}
	zero := ZeroAmount()
	for _, tx := range txs {
		amt := tx.Amount
		switch tx.Type {
		case TxWalletCredit:
			adjust(tx.To, amt, zero)
		case TxWalletDebit:
			adjust(tx.From, amt.Neg(), zero)
		case TxEscrowHold:
			adjust(tx.From, amt.Neg(), amt)
		case TxEscrowRelease:
			adjust(tx.From, zero, amt.Neg())
			adjust(tx.To, amt, zero)
		case TxEscrowRefund:
			adjust(tx.To, amt, amt.Neg())
		}
	}
	return out
}

// Discrepancy is a wallet whose stored balance disagrees with the log.
type Discrepancy struct {
	UserID            UserID `json:"user_id"`
	StoredAvailable   Amount `json:"stored_available"`
	StoredHeld        Amount `json:"stored_held"`
	ComputedAvailable Amount `json:"computed_available"`
	ComputedHeld      Amount `json:"computed_held"`
}

type ReconciliationReport struct {
	CheckedAt     time.Time     `json:"checked_at"`
	Wallets       int           `json:"wallets"`
	Transactions  int           `json:"transactions"`
	TotalCredits  Amount        `json:"total_credits"`
	TotalDebits   Amount        `json:"total_debits"`
	TotalBalances Amount        `json:"total_balances"`
	Conserved     bool          `json:"conserved"`
	Discrepancies []Discrepancy `json:"discrepancies"`
}

// Healthy reports whether money is conserved and every wallet matches the log.
func (r *ReconciliationReport) Healthy() bool {
	return r.Conserved && len(r.Discrepancies) == 0
}

// Reconcile compares stored wallets with balances recomputed from the log.
func (l *WalletLedger) Reconcile(ctx context.Context) (*ReconciliationReport, error) {
	var (
		txs     []Transaction
		wallets []Wallet
	)
	read := func(r Reader) error {
		var err error
		if txs, err = r.AllTransactions(ctx); err != nil {
			return err
		}
		wallets, err = r.ListWallets(ctx)
		return err
	}
	// Both reads must see the same state or a commit landing between them
	// shows up as a discrepancy.
	var err error
	if sr, ok := l.store.(SnapshotReader); ok {
		err = sr.ReadSnapshot(ctx, read)
	} else {
		err = l.store.WithTx(ctx, func(s Store) error { return read(s) })
	}
	if err != nil {
		return nil, classify("reconcile", err)
	}

	report := &ReconciliationReport{
		CheckedAt:     l.now().UTC(),
		Wallets:       len(wallets),
		Transactions:  len(txs),
		TotalCredits:  ZeroAmount(),
		TotalDebits:   ZeroAmount(),
		TotalBalances: ZeroAmount(),
		Discrepancies: []Discrepancy{},
	}
	for _, tx := range txs {
		switch tx.Type {
		case TxWalletCredit:
			report.TotalCredits = report.TotalCredits.Add(tx.Amount)
		case TxWalletDebit:
			report.TotalDebits = report.TotalDebits.Add(tx.Amount)
		}
	}

	computed := RecomputeBalances(txs)
	stored := make(map[UserID]bool, len(wallets))
	for _, w := range wallets {
		stored[w.UserID] = true
		report.TotalBalances = report.TotalBalances.Add(w.Total())
		c, ok := computed[w.UserID]
		if !ok {
			c = ComputedBalance{Available: ZeroAmount(), Held: ZeroAmount()}
		}
		if !c.Available.Equal(w.Available) || !c.Held.Equal(w.Held) {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				UserID:            w.UserID,
				StoredAvailable:   w.Available,
				StoredHeld:        w.Held,
				ComputedAvailable: c.Available,
				ComputedHeld:      c.Held,
			})
		}
	}
	// A wallet present in the log but missing from storage is also a discrepancy.
	for id, c := range computed {
		if stored[id] || (c.Available.IsZero() && c.Held.IsZero()) {
			continue
		}
		report.Discrepancies = append(report.Discrepancies, Discrepancy{
			UserID:            id,
			StoredAvailable:   ZeroAmount(),
			StoredHeld:        ZeroAmount(),
			ComputedAvailable: c.Available,
			ComputedHeld:      c.Held,
		})
	}
	sort.Slice(report.Discrepancies, func(i, j int) bool {
		return report.Discrepancies[i].UserID < report.Discrepancies[j].UserID
	})

	report.Conserved = report.TotalBalances.Equal(report.TotalCredits.Sub(report.TotalDebits))

	if !report.Healthy() {
		l.logger.Error("ledger reconciliation failed",
			zap.Bool("conserved", report.Conserved),
			zap.Int("discrepancies", len(report.Discrepancies)),
			zap.String("total_balances", report.TotalBalances.String()),
			zap.String("net_external", report.TotalCredits.Sub(report.TotalDebits).String()),
		)
	}
	return report, nil
}
