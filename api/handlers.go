/*
handlers.go - HTTP API handlers for the escrow ledger

PURPOSE:
  Exposes the wallet ledger, the order lifecycle and the admin controls as a
  REST API. Handles HTTP request/response and JSON; every rule lives in the
  escrow package.

ENDPOINTS:
  Wallets:
    GET    /api/wallets/me                         Caller's balance
    GET    /api/wallets/{userID}                   Balance (self or admin)
    GET    /api/wallets/{userID}/transactions      History, newest first (?limit=)
    POST   /api/wallets/me/withdraw                Debit to an external account

  Escrow (ledger-level, for orders not managed by /api/orders):
    POST   /api/escrow/authorize                   Hold the caller's funds
    GET    /api/escrow/{orderID}                   Binding plus audit trail
    GET    /api/escrow/{orderID}/transactions      Audit trail
    POST   /api/escrow/{orderID}/release           Buyer pays the seller
    POST   /api/escrow/{orderID}/refund            Seller returns the funds

  Orders:
    POST   /api/orders                             Place (and optionally pay)
    GET    /api/orders/{orderID}                   Order (parties or admin)
    POST   /api/orders/{orderID}/pay|ship|deliver|confirm|dispute

  Admin:
    POST   /api/admin/wallets/{userID}/credit|freeze|unfreeze|limit
    POST   /api/admin/disputes/{orderID}/resolve
    POST   /api/admin/reconcile
    GET    /api/admin/reconcile/latest

ERROR HANDLING:
  Errors are returned as ErrorResponse with a stable code:
  - 400: invalid amount, order, transition or seller
  - 401: missing or invalid token
  - 403: caller may not do this
  - 404: unknown order
  - 409: duplicate authorization, already resolved, order exists
  - 422: insufficient funds
  - 423: wallet frozen or limited
  - 503: storage unavailable
  - 500: anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/escrow-engine/auth"
	"github.com/warp/escrow-engine/escrow"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
	maxBodyBytes        = 1 << 20
)

// BalanceReader serves balance reads, e.g. the Redis cache or the ledger.
type BalanceReader interface {
	GetBalance(ctx context.Context, userID escrow.UserID) (escrow.Balance, error)
}

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger    *escrow.WalletLedger
	Orders    *escrow.OrderService
	Admin     *escrow.AdminControls
	Balances  BalanceReader
	Scheduler *ReconciliationScheduler
	Logger    *zap.Logger

	// Ping reports storage health for /healthz. Optional.
	Ping func(ctx context.Context) error
}

// NewHandler wires the ledger's services. Balances defaults to the ledger.
func NewHandler(ledger *escrow.WalletLedger, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Ledger:    ledger,
		Orders:    escrow.NewOrderService(ledger),
		Admin:     escrow.NewAdminControls(ledger, escrow.NewDisputeResolver(ledger)),
		Balances:  ledger,
		Scheduler: NewReconciliationScheduler(ledger, logger),
		Logger:    logger,
	}
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "degraded", Storage: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Storage: "ok"})
}

// =============================================================================
// WALLET HANDLERS
// =============================================================================

func (h *Handler) GetMyBalance(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())
	h.writeBalance(w, r, claims.UserID)
}

// GetBalance returns a wallet balance to its owner or an admin.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := escrow.UserID(chi.URLParam(r, "userID"))
	if !selfOrAdmin(r, userID) {
		writeDomainError(w, escrow.ErrUnauthorized)
		return
	}
	h.writeBalance(w, r, userID)
}

func (h *Handler) writeBalance(w http.ResponseWriter, r *http.Request, userID escrow.UserID) {
	b, err := h.Balances.GetBalance(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// GetWalletTransactions returns a wallet's history, newest first.
func (h *Handler) GetWalletTransactions(w http.ResponseWriter, r *http.Request) {
	userID := escrow.UserID(chi.URLParam(r, "userID"))
	if !selfOrAdmin(r, userID) {
		writeDomainError(w, escrow.ErrUnauthorized)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	txs, err := h.Ledger.GetTransactionsByAccount(r.Context(), escrow.UserAccount(userID), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TransactionListResponse{Transactions: nonNil(txs)})
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	claims := auth.ClaimsFrom(r.Context())
	id, err := h.Ledger.Debit(r.Context(), claims.UserID, req.Amount, req.Description)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, TransactionIDResponse{TransactionID: id})
}

// =============================================================================
// ESCROW HANDLERS
// =============================================================================

// AuthorizePayment holds the caller's funds for an order id that the order
// service does not manage.
func (h *Handler) AuthorizePayment(w http.ResponseWriter, r *http.Request) {
	var req AuthorizeRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	claims := auth.ClaimsFrom(ctx)
	id, err := h.Ledger.AuthorizePayment(ctx, escrow.AuthorizeRequest{
		UserID:      claims.UserID,
		SellerID:    escrow.UserID(req.SellerID),
		Amount:      req.Amount,
		OrderID:     escrow.OrderID(req.OrderID),
		Description: req.Description,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, TransactionIDResponse{TransactionID: id})
}

func (h *Handler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID := escrow.OrderID(chi.URLParam(r, "orderID"))
	b, err := h.Ledger.GetBinding(ctx, orderID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !partyOrAdmin(r, b.BuyerID, b.SellerID) {
		writeDomainError(w, escrow.ErrUnauthorized)
		return
	}
	txs, err := h.Ledger.GetTransactionsByOrder(ctx, orderID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, EscrowDTO{Binding: b, Transactions: nonNil(txs)})
}

func (h *Handler) GetEscrowTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID := escrow.OrderID(chi.URLParam(r, "orderID"))
	b, err := h.Ledger.GetBinding(ctx, orderID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !partyOrAdmin(r, b.BuyerID, b.SellerID) {
		writeDomainError(w, escrow.ErrUnauthorized)
		return
	}
	txs, err := h.Ledger.GetTransactionsByOrder(ctx, orderID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TransactionListResponse{Transactions: nonNil(txs)})
}

// ReleaseEscrow pays the held funds to the seller. Only the buyer (or an
// admin) may release.
func (h *Handler) ReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	var req ReleaseRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	orderID := escrow.OrderID(chi.URLParam(r, "orderID"))
	b, err := h.Ledger.GetBinding(ctx, orderID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !partyOrAdmin(r, b.BuyerID) {
		writeDomainError(w, escrow.ErrUnauthorized)
		return
	}
	id, err := h.Ledger.ReleaseEscrowToSeller(ctx, orderID, escrow.UserID(req.SellerID))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TransactionIDResponse{TransactionID: id})
}

// RefundEscrow returns the held funds to the buyer. Only the seller (or an
// admin) may refund; disputes go through the admin resolver instead.
func (h *Handler) RefundEscrow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID := escrow.OrderID(chi.URLParam(r, "orderID"))
	b, err := h.Ledger.GetBinding(ctx, orderID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !partyOrAdmin(r, b.SellerID) {
		writeDomainError(w, escrow.ErrUnauthorized)
		return
	}
	id, err := h.Ledger.RefundEscrowToBuyer(ctx, orderID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TransactionIDResponse{TransactionID: id})
}

func (h *Handler) managedOrder(ctx context.Context, orderID escrow.OrderID) (bool, error) {
	_, err := h.Ledger.GetOrder(ctx, orderID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, escrow.ErrOrderNotFound):
		return false, nil
	default:
		return false, err
	}
}

// =============================================================================
// ORDER HANDLERS
// =============================================================================

func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	claims := auth.ClaimsFrom(ctx)
	place := escrow.PlaceOrderRequest{
		OrderID:     escrow.OrderID(req.OrderID),
		SellerID:    escrow.UserID(req.SellerID),
		Amount:      req.Amount,
		Description: req.Description,
	}

	if !req.PayNow {
		o, err := h.Orders.PlaceOrder(ctx, claims, place)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, o)
		return
	}

	o, err := h.Orders.Checkout(ctx, claims, place)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.GetOrder(r.Context(), escrow.OrderID(chi.URLParam(r, "orderID")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !partyOrAdmin(r, o.BuyerID, o.SellerID) {
		writeDomainError(w, escrow.ErrUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type orderAction func(ctx context.Context, claims *escrow.Claims, orderID escrow.OrderID) (*escrow.Order, error)

// OrderAction adapts a lifecycle step with no body to a handler.
func (h *Handler) OrderAction(action orderAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		o, err := action(ctx, auth.ClaimsFrom(ctx), escrow.OrderID(chi.URLParam(r, "orderID")))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, o)
	}
}

func (h *Handler) RaiseDispute(w http.ResponseWriter, r *http.Request) {
	var req DisputeRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	o, err := h.Orders.RaiseDispute(ctx, auth.ClaimsFrom(ctx), escrow.OrderID(chi.URLParam(r, "orderID")), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

func (h *Handler) CreditWallet(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	id, err := h.Admin.CreditWallet(ctx, auth.ClaimsFrom(ctx), escrow.UserID(chi.URLParam(r, "userID")), req.Amount, req.Description)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, TransactionIDResponse{TransactionID: id})
}

type walletAction func(ctx context.Context, claims *escrow.Claims, userID escrow.UserID) error

// WalletStateAction adapts freeze, unfreeze and limit. Responds with the new balance.
func (h *Handler) WalletStateAction(action walletAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID := escrow.UserID(chi.URLParam(r, "userID"))
		if err := action(ctx, auth.ClaimsFrom(ctx), userID); err != nil {
			writeDomainError(w, err)
			return
		}
		b, err := h.Ledger.GetBalance(ctx, userID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

func (h *Handler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req ResolveDisputeRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	orderID := escrow.OrderID(chi.URLParam(r, "orderID"))
	tx, err := h.Admin.ResolveDispute(ctx, auth.ClaimsFrom(ctx), orderID, req.ApproveRefund, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := ResolveDisputeResponse{Transaction: tx}
	if o, err := h.Orders.GetOrder(ctx, orderID); err == nil {
		resp.Order = o
	}
	writeJSON(w, http.StatusOK, resp)
}

// TriggerReconcile runs a reconciliation now and records it as the latest.
func (h *Handler) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !auth.ClaimsFrom(ctx).IsAdmin() {
		writeDomainError(w, escrow.ErrUnauthorized)
		return
	}
	report, err := h.Scheduler.RunNow(ctx)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) LatestReconcile(w http.ResponseWriter, r *http.Request) {
	report := h.Scheduler.Latest()
	if report == nil {
		writeError(w, http.StatusNotFound, "not_found", "no reconciliation has run yet", nil)
		return
	}
	resp := LatestReconcileResponse{ReconciliationReport: report}
	if next, ok := h.Scheduler.NextRunTime(); ok {
		resp.NextRunAt = &next
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps an escrow error to its HTTP status.
func writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, status, escrow.ErrorCode(err), msg, nil)
}

func statusFor(err error) int {
	switch {
	case escrow.IsStorageError(err):
		return http.StatusServiceUnavailable
	case escrow.IsClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden
	case escrow.IsNotFound(err):
		return http.StatusNotFound
	case escrow.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, escrow.ErrWalletFrozen), errors.Is(err, escrow.ErrWalletLimited):
		return http.StatusLocked
	}
	return http.StatusInternalServerError
}

// decode reads a JSON body into dst, answering 400 itself on failure.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		code := "invalid_request"
		if errors.Is(err, escrow.ErrInvalidAmount) {
			code = escrow.ErrorCode(escrow.ErrInvalidAmount)
		}
		writeError(w, http.StatusBadRequest, code, "invalid request body", err)
		return false
	}
	return true
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxHistoryLimit {
		n = maxHistoryLimit
	}
	return n, nil
}

func selfOrAdmin(r *http.Request, userID escrow.UserID) bool {
	return partyOrAdmin(r, userID)
}

// partyOrAdmin reports whether the caller is one of parties or an admin.
// Empty party ids never match.
func partyOrAdmin(r *http.Request, parties ...escrow.UserID) bool {
	claims := auth.ClaimsFrom(r.Context())
	if claims == nil {
		return false
	}
	if claims.IsAdmin() {
		return true
	}
	for _, p := range parties {
		if p != "" && p == claims.UserID {
			return true
		}
	}
	return false
}
