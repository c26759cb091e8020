/*
Package escrow provides the wallet and escrow ledger engine behind the storefront.

PURPOSE:
  A buyer's payment is held, not handed to the seller, until the buyer
  confirms the item. If a dispute is raised an administrator decides whether
  the held money goes to the seller or back to the buyer. This package owns
  every balance mutation on that path and the audit trail it leaves.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: a single-currency monetary value with two fractional digits
  - Wallet: available vs. held-in-escrow balance plus administrative state
  - Transaction: immutable audit entry written for every balance change
  - Binding: per-order record of an outstanding (or resolved) escrow hold
  - Order: the storefront order whose lifecycle drives the escrow

DESIGN PRINCIPLES:
  1. Money is never created or destroyed except at the credit/debit boundary
  2. Precision: decimal.Decimal, never float64
  3. Type safety: distinct types for user, order, account and transaction ids
  4. No ambient state: every call names the user it acts for

SEE ALSO:
  - wallet.go: WalletLedger, the sole mutator of wallets and bindings
  - ledger.go: TransactionLog
  - store.go: persistence contracts
*/
package escrow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Single-currency money value
// =============================================================================

// MinorUnitPlaces is the number of fractional digits an Amount may carry.
const MinorUnitPlaces = 2

// Amount is a monetary value. The zero value is zero.
type Amount struct {
	Value decimal.Decimal
}

func NewAmount(units int64) Amount {
	return Amount{Value: decimal.NewFromInt(units)}
}

// ParseAmount parses a decimal string such as "250.00".
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return Amount{Value: d}, nil
}

// MustParseAmount is ParseAmount for constants and tests.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func ZeroAmount() Amount { return Amount{Value: decimal.Zero} }

func (a Amount) Add(b Amount) Amount       { return Amount{Value: a.Value.Add(b.Value)} }
func (a Amount) Sub(b Amount) Amount       { return Amount{Value: a.Value.Sub(b.Value)} }
func (a Amount) Neg() Amount               { return Amount{Value: a.Value.Neg()} }
func (a Amount) IsZero() bool              { return a.Value.IsZero() }
func (a Amount) IsNegative() bool          { return a.Value.IsNegative() }
func (a Amount) IsPositive() bool          { return a.Value.IsPositive() }
func (a Amount) Equal(b Amount) bool       { return a.Value.Equal(b.Value) }
func (a Amount) LessThan(b Amount) bool    { return a.Value.LessThan(b.Value) }
func (a Amount) GreaterThan(b Amount) bool { return a.Value.GreaterThan(b.Value) }
func (a Amount) String() string            { return a.Value.StringFixed(MinorUnitPlaces) }
func (a Amount) InexactFloat64() float64   { return a.Value.InexactFloat64() }

// Validate rejects non-positive amounts and amounts finer than a minor unit.
func (a Amount) Validate() error {
	if !a.Value.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, a.Value.String())
	}
	if !a.Value.Equal(a.Value.Truncate(MinorUnitPlaces)) {
		return fmt.Errorf("%w: %s has more than %d fractional digits", ErrInvalidAmount, a.Value.String(), MinorUnitPlaces)
	}
	return nil
}

// MarshalJSON encodes the amount as a fixed two-digit string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts both JSON strings and numbers.
func (a *Amount) UnmarshalJSON(b []byte) error {
	var s string
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	} else {
		s = string(b)
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type OrderID string
type TransactionID string

// AccountID names one side of a Transaction: a user id or a synthetic account.
type AccountID string

const (
	// EscrowAccount is the synthetic counterparty of holds and refunds.
	EscrowAccount AccountID = "ESCROW"
	// ExternalAccount is the world outside the ledger (top-ups, withdrawals).
	ExternalAccount AccountID = "EXTERNAL"
)

func UserAccount(id UserID) AccountID { return AccountID(id) }

// IsUser reports whether the account refers to a user wallet.
func (a AccountID) IsUser() bool {
	return a != "" && a != EscrowAccount && a != ExternalAccount
}

// =============================================================================
// WALLET
// =============================================================================

type WalletState string

const (
	WalletActive  WalletState = "ACTIVE"
	WalletFrozen  WalletState = "FROZEN"
	WalletLimited WalletState = "LIMITED"
)

func (s WalletState) Valid() bool {
	switch s {
	case WalletActive, WalletFrozen, WalletLimited:
		return true
	}
	return false
}

// Wallet is one user's balance state. Created lazily with zero balances.
type Wallet struct {
	UserID    UserID
	Available Amount
	Held      Amount
	State     WalletState
	UpdatedAt time.Time
}

func newWallet(id UserID, at time.Time) *Wallet {
	return &Wallet{
		UserID:    id,
		Available: ZeroAmount(),
		Held:      ZeroAmount(),
		State:     WalletActive,
		UpdatedAt: at,
	}
}

// Total is available plus held.
func (w Wallet) Total() Amount { return w.Available.Add(w.Held) }

// Balance is a read-only wallet snapshot.
type Balance struct {
	UserID    UserID      `json:"user_id"`
	Available Amount      `json:"available_balance"`
	Held      Amount      `json:"held_in_escrow"`
	State     WalletState `json:"wallet_state"`
}

func (w Wallet) Balance() Balance {
	return Balance{UserID: w.UserID, Available: w.Available, Held: w.Held, State: w.State}
}

// =============================================================================
// TRANSACTION - Immutable audit entry
// =============================================================================

type TransactionType string

const (
	TxWalletCredit  TransactionType = "WALLET_CREDIT"
	TxWalletDebit   TransactionType = "WALLET_DEBIT"
	TxEscrowHold    TransactionType = "ESCROW_HOLD"
	TxEscrowRelease TransactionType = "ESCROW_RELEASE"
	TxEscrowRefund  TransactionType = "ESCROW_REFUND"
)

type Transaction struct {
	ID          TransactionID   `json:"id"`
	Type        TransactionType `json:"type"`
	Amount      Amount          `json:"amount"`
	From        AccountID       `json:"from"`
	To          AccountID       `json:"to"`
	OrderID     OrderID         `json:"order_id,omitempty"`
	Description string          `json:"description"`
	Timestamp   time.Time       `json:"timestamp"`
}

// =============================================================================
// ORDER ESCROW BINDING
// =============================================================================

type BindingStatus string

const (
	BindingOpen     BindingStatus = "OPEN"
	BindingReleased BindingStatus = "RELEASED"
	BindingRefunded BindingStatus = "REFUNDED"
)

// Binding tracks the escrow hold of one order. RELEASED and REFUNDED are terminal.
type Binding struct {
	OrderID    OrderID       `json:"order_id"`
	BuyerID    UserID        `json:"buyer_id"`
	SellerID   UserID        `json:"seller_id,omitempty"`
	HeldAmount Amount        `json:"held_amount"`
	Status     BindingStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}

func (b Binding) IsTerminal() bool {
	return b.Status == BindingReleased || b.Status == BindingRefunded
}

// =============================================================================
// ORDER
// =============================================================================

type OrderStatus string

const (
	OrderPendingPayment OrderStatus = "PENDING_PAYMENT"
	OrderPaid           OrderStatus = "PAID"
	OrderShipped        OrderStatus = "SHIPPED"
	OrderDelivered      OrderStatus = "DELIVERED"
	OrderVerified       OrderStatus = "VERIFIED"
	OrderDisputed       OrderStatus = "DISPUTED"
	OrderReleased       OrderStatus = "RELEASED"
	OrderRefunded       OrderStatus = "REFUNDED"
)

type Order struct {
	ID            OrderID     `json:"id"`
	BuyerID       UserID      `json:"buyer_id"`
	SellerID      UserID      `json:"seller_id"`
	Amount        Amount      `json:"amount"`
	Description   string      `json:"description"`
	Status        OrderStatus `json:"status"`
	DisputeReason string      `json:"dispute_reason,omitempty"`
	Resolution    string      `json:"resolution,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}
