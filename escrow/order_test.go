package escrow_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/escrow-engine/escrow"
)

var (
	buyer  = &escrow.Claims{UserID: "buyer", Role: escrow.RoleBuyer}
	seller = &escrow.Claims{UserID: "seller", Role: escrow.RoleSeller}
	admin  = &escrow.Claims{UserID: "root", Role: escrow.RoleAdmin}
)

func placePaid(t *testing.T, f *fixture, orders *escrow.OrderService, id escrow.OrderID, amount string) *escrow.Order {
	t.Helper()
	o, err := orders.Checkout(context.Background(), buyer, escrow.PlaceOrderRequest{
		OrderID: id, SellerID: "seller", Amount: amt(amount), Description: "Camera",
	})
	require.NoError(t, err)
	require.Equal(t, escrow.OrderPaid, o.Status)
	return o
}

func TestOrderService_FullLifecycleReleases(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	orders := escrow.NewOrderService(f.ledger)
	f.credit(t, "buyer", "500.00")

	// GIVEN: a paid order
	placePaid(t, f, orders, "ORD-100", "120.00")
	assertBalance(t, f.balance(t, "buyer"), "380.00", "120.00")

	// WHEN: it ships, is delivered and the buyer confirms
	_, err := orders.MarkShipped(ctx, seller, "ORD-100")
	require.NoError(t, err)
	_, err = orders.MarkDelivered(ctx, seller, "ORD-100")
	require.NoError(t, err)
	o, err := orders.ConfirmReceipt(ctx, buyer, "ORD-100")
	require.NoError(t, err)

	// THEN: the order is released and the seller paid
	assert.Equal(t, escrow.OrderReleased, o.Status)
	assertBalance(t, f.balance(t, "buyer"), "380.00", "0.00")
	assertBalance(t, f.balance(t, "seller"), "120.00", "0.00")

	b, err := f.ledger.GetBinding(ctx, "ORD-100")
	require.NoError(t, err)
	assert.Equal(t, escrow.BindingReleased, b.Status)
}

func TestOrderService_FailedPaymentKeepsPendingOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	orders := escrow.NewOrderService(f.ledger)
	f.credit(t, "buyer", "10.00")

	o, err := orders.Checkout(ctx, buyer, escrow.PlaceOrderRequest{
		OrderID: "ORD-P", SellerID: "seller", Amount: amt("99.00"),
	})

	assert.ErrorIs(t, err, escrow.ErrInsufficientFunds)
	require.NotNil(t, o)
	stored, err := orders.GetOrder(ctx, "ORD-P")
	require.NoError(t, err)
	assert.Equal(t, escrow.OrderPendingPayment, stored.Status)

	// AND: paying later, after a top-up, works
	f.credit(t, "buyer", "100.00")
	o, err = orders.PayOrder(ctx, buyer, "ORD-P")
	require.NoError(t, err)
	assert.Equal(t, escrow.OrderPaid, o.Status)
}

func TestOrderService_InvalidTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	orders := escrow.NewOrderService(f.ledger)
	f.credit(t, "buyer", "100.00")
	placePaid(t, f, orders, "ORD-T", "10.00")

	// Confirming before delivery is not allowed.
	_, err := orders.ConfirmReceipt(ctx, buyer, "ORD-T")
	var transition *escrow.InvalidTransitionError
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, escrow.OrderPaid, transition.From)
	assert.Equal(t, escrow.OrderVerified, transition.To)

	// Paying twice fails on the order state before reaching the ledger.
	_, err = orders.PayOrder(ctx, buyer, "ORD-T")
	assert.ErrorIs(t, err, escrow.ErrInvalidTransition)

	_, err = orders.MarkDelivered(ctx, seller, "ORD-T")
	assert.ErrorIs(t, err, escrow.ErrInvalidTransition)

	assertBalance(t, f.balance(t, "buyer"), "90.00", "10.00")
}

func TestOrderService_ActorsAreChecked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	orders := escrow.NewOrderService(f.ledger)
	f.credit(t, "buyer", "100.00")
	placePaid(t, f, orders, "ORD-A", "10.00")
	stranger := &escrow.Claims{UserID: "eve", Role: escrow.RoleBuyer}

	_, err := orders.MarkShipped(ctx, buyer, "ORD-A")
	assert.ErrorIs(t, err, escrow.ErrUnauthorized)
	_, err = orders.RaiseDispute(ctx, stranger, "ORD-A", "")
	assert.ErrorIs(t, err, escrow.ErrUnauthorized)
	_, err = orders.MarkShipped(ctx, nil, "ORD-A")
	assert.ErrorIs(t, err, escrow.ErrUnauthorized)

	// Admins may record shipping on the seller's behalf.
	o, err := orders.MarkShipped(ctx, admin, "ORD-A")
	require.NoError(t, err)
	assert.Equal(t, escrow.OrderShipped, o.Status)
}

func TestOrderService_PlaceOrderValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	orders := escrow.NewOrderService(f.ledger)

	_, err := orders.PlaceOrder(ctx, buyer, escrow.PlaceOrderRequest{OrderID: "", SellerID: "seller", Amount: amt("1")})
	assert.ErrorIs(t, err, escrow.ErrInvalidOrder)

	_, err = orders.PlaceOrder(ctx, buyer, escrow.PlaceOrderRequest{OrderID: "ORD-1", SellerID: "seller", Amount: amt("0")})
	assert.ErrorIs(t, err, escrow.ErrInvalidAmount)

	_, err = orders.PlaceOrder(ctx, buyer, escrow.PlaceOrderRequest{OrderID: "ORD-1", SellerID: "buyer", Amount: amt("1")})
	assert.ErrorIs(t, err, escrow.ErrUnauthorized)

	_, err = orders.PlaceOrder(ctx, buyer, escrow.PlaceOrderRequest{OrderID: "ORD-1", SellerID: "seller", Amount: amt("1")})
	require.NoError(t, err)
	_, err = orders.PlaceOrder(ctx, buyer, escrow.PlaceOrderRequest{OrderID: "ORD-1", SellerID: "seller", Amount: amt("1")})
	assert.ErrorIs(t, err, escrow.ErrOrderExists)
}

func TestOrderStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to escrow.OrderStatus
		ok       bool
	}{
		{escrow.OrderPendingPayment, escrow.OrderPaid, true},
		{escrow.OrderPaid, escrow.OrderDisputed, true},
		{escrow.OrderShipped, escrow.OrderDisputed, true},
		{escrow.OrderDelivered, escrow.OrderDisputed, true},
		{escrow.OrderDelivered, escrow.OrderVerified, true},
		{escrow.OrderVerified, escrow.OrderReleased, true},
		{escrow.OrderDisputed, escrow.OrderRefunded, true},
		{escrow.OrderDisputed, escrow.OrderReleased, true},
		{escrow.OrderPendingPayment, escrow.OrderDisputed, false},
		{escrow.OrderPaid, escrow.OrderReleased, false},
		{escrow.OrderReleased, escrow.OrderRefunded, false},
		{escrow.OrderRefunded, escrow.OrderDisputed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to))
		})
	}
	assert.True(t, escrow.OrderReleased.IsTerminal())
	assert.True(t, escrow.OrderRefunded.IsTerminal())
	assert.False(t, escrow.OrderDisputed.IsTerminal())
}

func TestWalletLedger_RefusesRawSettlementOfManagedOrders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	orders := escrow.NewOrderService(f.ledger)
	f.credit(t, "buyer", "500.00")

	// GIVEN: one paid and one unpaid order
	placePaid(t, f, orders, "ORD-200", "120.00")
	_, err := orders.PlaceOrder(ctx, buyer, escrow.PlaceOrderRequest{
		OrderID: "ORD-201", SellerID: "seller", Amount: amt("30.00"), Description: "Mug",
	})
	require.NoError(t, err)

	// WHEN: the raw ledger operations are aimed at them
	_, releaseErr := f.ledger.ReleaseEscrowToSeller(ctx, "ORD-200", "seller")
	_, refundErr := f.ledger.RefundEscrowToBuyer(ctx, "ORD-200")
	_, paidAuthErr := f.ledger.AuthorizePayment(ctx, escrow.AuthorizeRequest{UserID: "buyer", Amount: amt("1.00"), OrderID: "ORD-200"})
	_, unpaidAuthErr := f.ledger.AuthorizePayment(ctx, escrow.AuthorizeRequest{UserID: "buyer", Amount: amt("30.00"), OrderID: "ORD-201"})

	// THEN: each is refused inside the ledger and nothing moves
	var transition *escrow.InvalidTransitionError
	require.ErrorAs(t, releaseErr, &transition)
	assert.Equal(t, escrow.OrderPaid, transition.From)
	assert.Equal(t, escrow.OrderReleased, transition.To)
	require.ErrorAs(t, refundErr, &transition)
	assert.Equal(t, escrow.OrderRefunded, transition.To)
	assert.ErrorIs(t, paidAuthErr, escrow.ErrOrderExists)
	assert.ErrorIs(t, unpaidAuthErr, escrow.ErrOrderExists)

	assertBalance(t, f.balance(t, "buyer"), "380.00", "120.00")
	b, err := f.ledger.GetBinding(ctx, "ORD-200")
	require.NoError(t, err)
	assert.Equal(t, escrow.BindingOpen, b.Status)
	_, err = f.ledger.GetBinding(ctx, "ORD-201")
	assert.ErrorIs(t, err, escrow.ErrOrderNotFound)

	// AND: the lifecycle itself still settles the paid order
	_, err = orders.MarkShipped(ctx, seller, "ORD-200")
	require.NoError(t, err)
	_, err = orders.MarkDelivered(ctx, seller, "ORD-200")
	require.NoError(t, err)
	_, err = orders.ConfirmReceipt(ctx, buyer, "ORD-200")
	require.NoError(t, err)
	assertBalance(t, f.balance(t, "seller"), "120.00", "0.00")
}
