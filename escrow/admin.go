package escrow

import "context"

// AdminControls exposes administrative operations to callers holding the
// admin role claim. It has no state of its own.
type AdminControls struct {
	ledger   *WalletLedger
	disputes *DisputeResolver
}

func NewAdminControls(ledger *WalletLedger, disputes *DisputeResolver) *AdminControls {
	if disputes == nil {
		disputes = NewDisputeResolver(ledger)
	}
	return &AdminControls{ledger: ledger, disputes: disputes}
}

func (a *AdminControls) FreezeWallet(ctx context.Context, claims *Claims, userID UserID) error {
	if err := requireAdmin(claims); err != nil {
		return err
	}
	return a.ledger.FreezeWallet(ctx, userID)
}

func (a *AdminControls) UnfreezeWallet(ctx context.Context, claims *Claims, userID UserID) error {
	if err := requireAdmin(claims); err != nil {
		return err
	}
	return a.ledger.UnfreezeWallet(ctx, userID)
}

func (a *AdminControls) LimitWallet(ctx context.Context, claims *Claims, userID UserID) error {
	if err := requireAdmin(claims); err != nil {
		return err
	}
	return a.ledger.LimitWallet(ctx, userID)
}

// CreditWallet records an external top-up on the user's behalf.
func (a *AdminControls) CreditWallet(ctx context.Context, claims *Claims, userID UserID, amount Amount, description string) (TransactionID, error) {
	if err := requireAdmin(claims); err != nil {
		return "", err
	}
	return a.ledger.Credit(ctx, userID, amount, description)
}

func (a *AdminControls) ResolveDispute(ctx context.Context, claims *Claims, orderID OrderID, approveRefund bool, reason string) (Transaction, error) {
	return a.disputes.ResolveDispute(ctx, claims, orderID, approveRefund, reason)
}

func (a *AdminControls) Reconcile(ctx context.Context, claims *Claims) (*ReconciliationReport, error) {
	if err := requireAdmin(claims); err != nil {
		return nil, err
	}
	return a.ledger.Reconcile(ctx)
}
