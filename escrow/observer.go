package escrow

import "context"

// Observer is told about committed ledger activity. Calls happen after the
// store transaction commits and never for rolled-back work. Implementations
// must not block for long; they run on the caller's goroutine.
type Observer interface {
	TransactionCommitted(ctx context.Context, tx Transaction)
	WalletStateChanged(ctx context.Context, userID UserID, from, to WalletState)
	OperationFailed(ctx context.Context, op string, err error)
}

// NopObserver ignores everything. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) TransactionCommitted(context.Context, Transaction)                    {}
func (NopObserver) WalletStateChanged(context.Context, UserID, WalletState, WalletState) {}
func (NopObserver) OperationFailed(context.Context, string, error)                       {}

// Observers fans out to several observers in order.
type Observers []Observer

func (os Observers) TransactionCommitted(ctx context.Context, tx Transaction) {
	for _, o := range os {
		o.TransactionCommitted(ctx, tx)
	}
}

func (os Observers) WalletStateChanged(ctx context.Context, userID UserID, from, to WalletState) {
	for _, o := range os {
		o.WalletStateChanged(ctx, userID, from, to)
	}
}

func (os Observers) OperationFailed(ctx context.Context, op string, err error) {
	for _, o := range os {
		o.OperationFailed(ctx, op, err)
	}
}
