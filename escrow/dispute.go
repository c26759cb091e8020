package escrow

import (
	"context"
	"errors"
	"strings"
)

// DisputeResolver settles an order's escrow on an administrator's ruling.
type DisputeResolver struct {
	ledger *WalletLedger
}

func NewDisputeResolver(ledger *WalletLedger) *DisputeResolver {
	return &DisputeResolver{ledger: ledger}
}

// ResolveDispute refunds the buyer when approveRefund is true and pays the
// seller otherwise. The reason is recorded in the terminal transaction.
//
// Orders tracked by OrderService must be DISPUTED and move to RELEASED or
// REFUNDED in the same store transaction. Orders known only to the ledger
// are settled on their binding alone.
func (r *DisputeResolver) ResolveDispute(ctx context.Context, claims *Claims, orderID OrderID, approveRefund bool, reason string) (Transaction, error) {
	var settled Transaction
	err := r.ledger.atomically(ctx, "resolve_dispute", func(s Store, c *changes) error {
		if err := requireAdmin(claims); err != nil {
			return err
		}
		order, err := s.GetOrder(ctx, orderID)
		switch {
		case errors.Is(err, ErrOrderNotFound):
			order = nil
		case err != nil:
			return err
		}

		target := OrderReleased
		if approveRefund {
			target = OrderRefunded
		}
		if order != nil {
			if order.Status.IsTerminal() {
				return ErrAlreadyResolved
			}
			if order.Status != OrderDisputed {
				return &InvalidTransitionError{OrderID: orderID, From: order.Status, To: target}
			}
		}

		note := "dispute resolved by " + string(claims.UserID)
		if reason = strings.TrimSpace(reason); reason != "" {
			note += ": " + reason
		}
		if approveRefund {
			settled, err = r.ledger.refund(ctx, s, c, orderID, note)
		} else {
			sellerID := UserID("")
			if order != nil {
				sellerID = order.SellerID
			}
			settled, err = r.ledger.release(ctx, s, c, orderID, sellerID, note)
		}
		if err != nil {
			return err
		}

		if order == nil {
			return nil
		}
		if err := order.transition(target, r.ledger.now().UTC()); err != nil {
			return err
		}
		order.Resolution = note
		return s.UpdateOrder(ctx, *order)
	})
	if err != nil {
		return Transaction{}, err
	}
	return settled, nil
}
