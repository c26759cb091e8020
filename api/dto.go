/*
dto.go - Request and response bodies of the HTTP API

NAMING CONVENTION:
  - *Request: bodies sent by clients
  - *DTO / *Response: bodies returned to clients

  Ledger types (escrow.Balance, escrow.Transaction, escrow.Binding,
  escrow.Order, escrow.ReconciliationReport) already carry json tags and are
  returned as they are. Amounts are always strings with two decimals.

VALIDATION:
  Done by the escrow package, not here. DTOs are pure data carriers.
*/
package api

import (
	"time"

	"github.com/warp/escrow-engine/escrow"
)

// =============================================================================
// REQUESTS
// =============================================================================

// AuthorizeRequest holds the buyer's funds for an order. The buyer is the caller.
type AuthorizeRequest struct {
	OrderID     string        `json:"order_id"`
	SellerID    string        `json:"seller_id,omitempty"`
	Amount      escrow.Amount `json:"amount"`
	Description string        `json:"description"`
}

// ReleaseRequest names the seller for bindings created without one.
type ReleaseRequest struct {
	SellerID string `json:"seller_id,omitempty"`
}

type AmountRequest struct {
	Amount      escrow.Amount `json:"amount"`
	Description string        `json:"description,omitempty"`
}

type PlaceOrderRequest struct {
	OrderID     string        `json:"order_id"`
	SellerID    string        `json:"seller_id"`
	Amount      escrow.Amount `json:"amount"`
	Description string        `json:"description"`
	// PayNow places and pays in one call (checkout).
	PayNow bool `json:"pay_now,omitempty"`
}

type DisputeRequest struct {
	Reason string `json:"reason"`
}

type ResolveDisputeRequest struct {
	ApproveRefund bool   `json:"approve_refund"`
	Reason        string `json:"reason"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type TransactionIDResponse struct {
	TransactionID escrow.TransactionID `json:"transaction_id"`
}

type TransactionListResponse struct {
	Transactions []escrow.Transaction `json:"transactions"`
}

// EscrowDTO is a binding together with its audit trail.
type EscrowDTO struct {
	Binding      *escrow.Binding      `json:"binding"`
	Transactions []escrow.Transaction `json:"transactions"`
}

type ResolveDisputeResponse struct {
	Transaction escrow.Transaction `json:"transaction"`
	Order       *escrow.Order      `json:"order,omitempty"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LatestReconcileResponse is the last scheduled report plus when the next
// one is due. NextRunAt is omitted while the scheduler is stopped.
type LatestReconcileResponse struct {
	*escrow.ReconciliationReport
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Storage string `json:"storage"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// nonNil keeps empty lists as [] in JSON.
func nonNil(txs []escrow.Transaction) []escrow.Transaction {
	if txs == nil {
		return []escrow.Transaction{}
	}
	return txs
}
