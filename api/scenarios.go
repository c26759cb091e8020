/*
scenarios.go - Demo scenario loaders

PURPOSE:
  Populates the ledger with small, realistic escrow situations for demos and
  manual testing. Every scenario goes through the real ledger and order
  services, so the audit trail is exactly what production would record.

AVAILABLE SCENARIOS:
  happy-path:        buyer holds 25000.00 for ORD-1, ready to release
  dispute-refund:    ORD-2 paid through checkout and disputed, awaiting a ruling
  frozen-rejection:  wallet U1 frozen; paying its ORD-3 is rejected
  marketplace:       several orders at different lifecycle stages

USAGE VIA API:
  GET  /api/scenarios
  POST /api/admin/scenarios/load
  {"scenario_id": "dispute-refund"}

NOTE:
  Scenarios add data; they never reset storage. Loading one twice fails with
  409 before anything is written, because its order ids already exist.
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/warp/escrow-engine/auth"
	"github.com/warp/escrow-engine/escrow"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "happy-path",
		Name:        "Happy Path",
		Description: "demo-buyer holds 25000.00 for ORD-1 (Phone); releasing pays demo-seller",
	},
	{
		ID:          "dispute-refund",
		Name:        "Dispute Refund",
		Description: "demo-buyer paid 15000.00 for ORD-2 and disputed it; an admin ruling settles it",
	},
	{
		ID:          "frozen-rejection",
		Name:        "Frozen Rejection",
		Description: "U1 is frozen, so paying 1000.00 for ORD-3 fails and U1's balance is unchanged",
	},
	{
		ID:          "marketplace",
		Name:        "Marketplace",
		Description: "Orders MKT-1..MKT-4 pending, shipped, delivered and released between two sellers",
	},
}

type scenarioLoader struct {
	// orders are created by the loader; any of them existing means it already ran.
	orders []escrow.OrderID
	load   func(ctx context.Context, h *Handler, admin *escrow.Claims) error
}

var loaders = map[string]scenarioLoader{
	"happy-path":       {orders: []escrow.OrderID{"ORD-1"}, load: loadHappyPath},
	"dispute-refund":   {orders: []escrow.OrderID{"ORD-2"}, load: loadDisputeRefund},
	"frozen-rejection": {orders: []escrow.OrderID{"ORD-3"}, load: loadFrozenRejection},
	"marketplace":      {orders: []escrow.OrderID{"MKT-1", "MKT-2", "MKT-3", "MKT-4"}, load: loadMarketplace},
}

// scenarioMu serialises loads so the already-loaded check and the seed
// credits cannot interleave with another load in this process.
var scenarioMu sync.Mutex

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario seeds the named scenario. Admin only.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}
	loader, ok := loaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("unknown scenario %q", req.ScenarioID), nil)
		return
	}
	ctx := r.Context()
	claims := auth.ClaimsFrom(ctx)
	if !claims.IsAdmin() {
		writeDomainError(w, escrow.ErrUnauthorized)
		return
	}

	scenarioMu.Lock()
	defer scenarioMu.Unlock()
	if err := h.ensureUnused(ctx, loader.orders); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := loader.load(ctx, h, claims); err != nil {
		writeDomainError(w, err)
		return
	}
	for _, s := range scenarios {
		if s.ID == req.ScenarioID {
			writeJSON(w, http.StatusCreated, s)
			return
		}
	}
}

// ensureUnused fails with ErrOrderExists when any order id already has an
// order or an escrow binding.
func (h *Handler) ensureUnused(ctx context.Context, ids []escrow.OrderID) error {
	for _, id := range ids {
		managed, err := h.managedOrder(ctx, id)
		if err != nil {
			return err
		}
		if managed {
			return fmt.Errorf("%w: %s", escrow.ErrOrderExists, id)
		}
		_, err = h.Ledger.GetBinding(ctx, id)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s", escrow.ErrOrderExists, id)
		case !errors.Is(err, escrow.ErrOrderNotFound):
			return err
		}
	}
	return nil
}

// =============================================================================
// LOADERS
// =============================================================================

func buyerClaims(id escrow.UserID) *escrow.Claims {
	return &escrow.Claims{UserID: id, Role: escrow.RoleBuyer}
}

func sellerClaims(id escrow.UserID) *escrow.Claims {
	return &escrow.Claims{UserID: id, Role: escrow.RoleSeller}
}

func loadHappyPath(ctx context.Context, h *Handler, admin *escrow.Claims) error {
	if _, err := h.Admin.CreditWallet(ctx, admin, "demo-buyer", escrow.MustParseAmount("30000.00"), "Demo top-up"); err != nil {
		return err
	}
	_, err := h.Ledger.AuthorizePayment(ctx, escrow.AuthorizeRequest{
		UserID:      "demo-buyer",
		SellerID:    "demo-seller",
		Amount:      escrow.MustParseAmount("25000.00"),
		OrderID:     "ORD-1",
		Description: "Phone",
	})
	return err
}

func loadDisputeRefund(ctx context.Context, h *Handler, admin *escrow.Claims) error {
	if _, err := h.Admin.CreditWallet(ctx, admin, "demo-buyer", escrow.MustParseAmount("20000.00"), "Demo top-up"); err != nil {
		return err
	}
	buyer := buyerClaims("demo-buyer")
	if _, err := h.Orders.Checkout(ctx, buyer, escrow.PlaceOrderRequest{
		OrderID:     "ORD-2",
		SellerID:    "demo-seller",
		Amount:      escrow.MustParseAmount("15000.00"),
		Description: "Laptop",
	}); err != nil {
		return err
	}
	_, err := h.Orders.RaiseDispute(ctx, buyer, "ORD-2", "Item never arrived")
	return err
}

func loadFrozenRejection(ctx context.Context, h *Handler, admin *escrow.Claims) error {
	if _, err := h.Admin.CreditWallet(ctx, admin, "U1", escrow.MustParseAmount("5000.00"), "Demo top-up"); err != nil {
		return err
	}
	if err := h.Admin.FreezeWallet(ctx, admin, "U1"); err != nil {
		return err
	}
	// The order is kept PENDING_PAYMENT so a second load sees ORD-3.
	buyer := buyerClaims("U1")
	if _, err := h.Orders.PlaceOrder(ctx, buyer, escrow.PlaceOrderRequest{
		OrderID:     "ORD-3",
		SellerID:    "demo-seller",
		Amount:      escrow.MustParseAmount("1000.00"),
		Description: "Headphones",
	}); err != nil {
		return err
	}
	_, err := h.Orders.PayOrder(ctx, buyer, "ORD-3")
	if !errors.Is(err, escrow.ErrWalletFrozen) {
		return fmt.Errorf("expected the frozen wallet to be rejected, got %v", err)
	}
	return nil
}

func loadMarketplace(ctx context.Context, h *Handler, admin *escrow.Claims) error {
	if _, err := h.Admin.CreditWallet(ctx, admin, "mkt-buyer", escrow.MustParseAmount("1000.00"), "Demo top-up"); err != nil {
		return err
	}
	buyer := buyerClaims("mkt-buyer")

	orders := []struct {
		id     escrow.OrderID
		seller escrow.UserID
		amount string
		desc   string
		stage  escrow.OrderStatus
	}{
		{"MKT-1", "mkt-seller-a", "49.90", "Vintage lamp", escrow.OrderPendingPayment},
		{"MKT-2", "mkt-seller-a", "120.00", "Road bike helmet", escrow.OrderShipped},
		{"MKT-3", "mkt-seller-b", "15.25", "Paperback bundle", escrow.OrderDelivered},
		{"MKT-4", "mkt-seller-b", "300.00", "Espresso machine", escrow.OrderReleased},
	}
	for _, o := range orders {
		req := escrow.PlaceOrderRequest{
			OrderID:     o.id,
			SellerID:    o.seller,
			Amount:      escrow.MustParseAmount(o.amount),
			Description: o.desc,
		}
		if o.stage == escrow.OrderPendingPayment {
			if _, err := h.Orders.PlaceOrder(ctx, buyer, req); err != nil {
				return err
			}
			continue
		}
		if _, err := h.Orders.Checkout(ctx, buyer, req); err != nil {
			return err
		}
		seller := sellerClaims(o.seller)
		if _, err := h.Orders.MarkShipped(ctx, seller, o.id); err != nil {
			return err
		}
		if o.stage == escrow.OrderShipped {
			continue
		}
		if _, err := h.Orders.MarkDelivered(ctx, seller, o.id); err != nil {
			return err
		}
		if o.stage == escrow.OrderDelivered {
			continue
		}
		if _, err := h.Orders.ConfirmReceipt(ctx, buyer, o.id); err != nil {
			return err
		}
	}
	return nil
}
