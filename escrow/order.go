/*
order.go - Storefront order lifecycle driving the escrow

PURPOSE:
  OrderService owns order status and nothing else. Whenever a transition
  has a ledger effect (payment, confirmation) the order update and the
  ledger operation share one store transaction, so an order is PAID if and
  only if its hold exists, and RELEASED if and only if the seller was paid.

STATE MACHINE:
  PENDING_PAYMENT -> PAID -> SHIPPED -> DELIVERED -> VERIFIED -> RELEASED
  PAID | SHIPPED | DELIVERED -> DISPUTED -> RELEASED | REFUNDED

  RELEASED and REFUNDED are terminal.

ACTORS:
  pay, confirm        buyer
  dispute             buyer or admin
  ship, deliver       seller or admin
*/
package escrow

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// TRANSITIONS
// =============================================================================

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPendingPayment: {OrderPaid},
	OrderPaid:           {OrderShipped, OrderDisputed},
	OrderShipped:        {OrderDelivered, OrderDisputed},
	OrderDelivered:      {OrderVerified, OrderDisputed},
	OrderVerified:       {OrderReleased},
	OrderDisputed:       {OrderReleased, OrderRefunded},
}

func (s OrderStatus) CanTransitionTo(to OrderStatus) bool {
	for _, next := range orderTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s OrderStatus) IsTerminal() bool {
	return s == OrderReleased || s == OrderRefunded
}

func (o *Order) transition(to OrderStatus, at time.Time) error {
	if !o.Status.CanTransitionTo(to) {
		return &InvalidTransitionError{OrderID: o.ID, From: o.Status, To: to}
	}
	o.Status = to
	o.UpdatedAt = at
	return nil
}

// =============================================================================
// ORDER SERVICE
// =============================================================================

type OrderService struct {
	ledger *WalletLedger
}

func NewOrderService(ledger *WalletLedger) *OrderService {
	return &OrderService{ledger: ledger}
}

type PlaceOrderRequest struct {
	OrderID     OrderID
	SellerID    UserID
	Amount      Amount
	Description string
}

// PlaceOrder records a new PENDING_PAYMENT order bought by the caller.
func (svc *OrderService) PlaceOrder(ctx context.Context, claims *Claims, req PlaceOrderRequest) (*Order, error) {
	var placed Order
	err := svc.ledger.atomically(ctx, "place_order", func(s Store, _ *changes) error {
		if err := requireUser(claims); err != nil {
			return err
		}
		if err := req.Amount.Validate(); err != nil {
			return err
		}
		if strings.TrimSpace(string(req.OrderID)) == "" || req.SellerID == "" {
			return fmt.Errorf("%w: order id and seller are required", ErrInvalidOrder)
		}
		if req.SellerID == claims.UserID {
			return fmt.Errorf("%w: buyer and seller are the same user", ErrUnauthorized)
		}
		now := svc.ledger.now().UTC()
		placed = Order{
			ID:          req.OrderID,
			BuyerID:     claims.UserID,
			SellerID:    req.SellerID,
			Amount:      req.Amount,
			Description: req.Description,
			Status:      OrderPendingPayment,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return s.CreateOrder(ctx, placed)
	})
	if err != nil {
		return nil, err
	}
	return &placed, nil
}

// PayOrder places the escrow hold and marks the order PAID. On failure the
// order stays PENDING_PAYMENT.
func (svc *OrderService) PayOrder(ctx context.Context, claims *Claims, orderID OrderID) (*Order, error) {
	return svc.mutate(ctx, "pay_order", claims, orderID, func(s Store, c *changes, o *Order) error {
		if claims.UserID != o.BuyerID {
			return ErrUnauthorized
		}
		if err := o.transition(OrderPaid, svc.ledger.now().UTC()); err != nil {
			return err
		}
		_, err := svc.ledger.authorize(ctx, s, c, AuthorizeRequest{
			UserID:      o.BuyerID,
			SellerID:    o.SellerID,
			Amount:      o.Amount,
			OrderID:     o.ID,
			Description: o.Description,
		})
		return err
	})
}

// Checkout places and pays an order. If payment fails the placed order is
// returned alongside the error.
func (svc *OrderService) Checkout(ctx context.Context, claims *Claims, req PlaceOrderRequest) (*Order, error) {
	placed, err := svc.PlaceOrder(ctx, claims, req)
	if err != nil {
		return nil, err
	}
	paid, err := svc.PayOrder(ctx, claims, placed.ID)
	if err != nil {
		return placed, err
	}
	return paid, nil
}

func (svc *OrderService) MarkShipped(ctx context.Context, claims *Claims, orderID OrderID) (*Order, error) {
	return svc.mutate(ctx, "mark_shipped", claims, orderID, func(_ Store, _ *changes, o *Order) error {
		if claims.UserID != o.SellerID && !claims.IsAdmin() {
			return ErrUnauthorized
		}
		return o.transition(OrderShipped, svc.ledger.now().UTC())
	})
}

func (svc *OrderService) MarkDelivered(ctx context.Context, claims *Claims, orderID OrderID) (*Order, error) {
	return svc.mutate(ctx, "mark_delivered", claims, orderID, func(_ Store, _ *changes, o *Order) error {
		if claims.UserID != o.SellerID && !claims.IsAdmin() {
			return ErrUnauthorized
		}
		return o.transition(OrderDelivered, svc.ledger.now().UTC())
	})
}

// RaiseDispute freezes the order's progress until an admin rules on it.
// It has no ledger effect.
func (svc *OrderService) RaiseDispute(ctx context.Context, claims *Claims, orderID OrderID, reason string) (*Order, error) {
	return svc.mutate(ctx, "raise_dispute", claims, orderID, func(_ Store, _ *changes, o *Order) error {
		if claims.UserID != o.BuyerID && !claims.IsAdmin() {
			return ErrUnauthorized
		}
		if err := o.transition(OrderDisputed, svc.ledger.now().UTC()); err != nil {
			return err
		}
		o.DisputeReason = reason
		return nil
	})
}

// ConfirmReceipt verifies a delivered order and releases its escrow to the seller.
func (svc *OrderService) ConfirmReceipt(ctx context.Context, claims *Claims, orderID OrderID) (*Order, error) {
	return svc.mutate(ctx, "confirm_receipt", claims, orderID, func(s Store, c *changes, o *Order) error {
		if claims.UserID != o.BuyerID {
			return ErrUnauthorized
		}
		now := svc.ledger.now().UTC()
		if err := o.transition(OrderVerified, now); err != nil {
			return err
		}
		if _, err := svc.ledger.release(ctx, s, c, o.ID, o.SellerID, "confirmed by buyer"); err != nil {
			return err
		}
		return o.transition(OrderReleased, now)
	})
}

func (svc *OrderService) GetOrder(ctx context.Context, orderID OrderID) (*Order, error) {
	return svc.ledger.GetOrder(ctx, orderID)
}

// mutate loads the order, applies fn and saves it in one store transaction.
func (svc *OrderService) mutate(ctx context.Context, op string, claims *Claims, orderID OrderID, fn func(Store, *changes, *Order) error) (*Order, error) {
	var updated Order
	err := svc.ledger.atomically(ctx, op, func(s Store, c *changes) error {
		if err := requireUser(claims); err != nil {
			return err
		}
		o, err := s.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := fn(s, c, o); err != nil {
			return err
		}
		updated = *o
		return s.UpdateOrder(ctx, *o)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}
