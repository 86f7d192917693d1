// Package wallet tracks user balances on the platform.
//
// Each user has exactly one wallet, created lazily on first access and
// never deleted. The wallet row carries two balances: available (spendable
// now) and held (reserved by open escrows). Every balance-affecting
// operation appends an immutable Transaction; the available balance is a
// materialized view over the completed transactions and can always be
// rebuilt by replaying them in commit order.
package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/taskvine/walletd/internal/fees"
	"github.com/taskvine/walletd/internal/money"
	"github.com/taskvine/walletd/internal/pagination"
)

var (
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidState        = errors.New("invalid transaction state for this operation")
	ErrStoreUnavailable    = errors.New("store unavailable")
)

// PlatformAccount is the reserved wallet owner that accumulates fee revenue.
const PlatformAccount = "platform"

// Wallet is a user's balance record.
type Wallet struct {
	ID             string       `json:"id"`
	UserID         string       `json:"userId"`
	Available      money.Amount `json:"available"`
	Held           money.Amount `json:"held"`
	Currency       string       `json:"currency"`
	TotalDeposited money.Amount `json:"totalDeposited"`
	TotalWithdrawn money.Amount `json:"totalWithdrawn"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// TxType classifies a ledger transaction. The set is closed: each type
// has a constructor that populates exactly the fields meaningful to it.
type TxType string

const (
	TxDeposit       TxType = "deposit"
	TxWithdrawal    TxType = "withdrawal"
	TxEscrowHold    TxType = "escrow_hold"
	TxEscrowRelease TxType = "escrow_release"
	TxEscrowRefund  TxType = "escrow_refund"
	TxFee           TxType = "fee"
)

// TxStatus is a transaction's processing state. Status only ever moves
// toward a terminal state; no other field of a transaction is mutated.
type TxStatus string

const (
	StatusPending    TxStatus = "pending"
	StatusProcessing TxStatus = "processing"
	StatusCompleted  TxStatus = "completed"
	StatusFailed     TxStatus = "failed"
	StatusCancelled  TxStatus = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s TxStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Transaction is an immutable ledger entry. Amount is signed in the
// wallet currency: credits positive, debits negative.
type Transaction struct {
	ID          string       `json:"id"`
	UserID      string       `json:"userId"`
	Type        TxType       `json:"type"`
	Amount      money.Amount `json:"amount"`
	Status      TxStatus     `json:"status"`
	Method      fees.Method  `json:"method,omitempty"`
	EscrowID    string       `json:"escrowId,omitempty"` // escrow_* and fee types only
	Description string       `json:"description,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	ExpiresAt   *time.Time   `json:"expiresAt,omitempty"` // pending deposits only
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
	FailedAt    *time.Time   `json:"failedAt,omitempty"`
}

// Filter selects transactions for listing. Cursor and Offset are the
// two pagination modes: a non-nil Cursor restricts the result to rows
// strictly after that keyset position (created_at DESC, id DESC) and
// Offset should be left zero.
type Filter struct {
	UserID    string
	Types     []TxType
	Statuses  []TxStatus
	Method    fees.Method
	From      *time.Time
	To        *time.Time
	MinAmount *money.Amount
	MaxAmount *money.Amount
	Cursor    *pagination.Cursor
	Limit     int
	Offset    int
}

// Summary is the derived view of a wallet returned to presentation layers.
// Held is recomputed from open escrows on every call, never cached.
type Summary struct {
	Available      money.Amount `json:"available"`
	Held           money.Amount `json:"held"`
	Currency       string       `json:"currency"`
	TotalDeposited money.Amount `json:"totalDeposited"`
	TotalWithdrawn money.Amount `json:"totalWithdrawn"`
	ActiveEscrows  int          `json:"activeEscrows"`
}

// AdminStats aggregates platform-wide wallet figures for the admin console.
type AdminStats struct {
	TotalWallets      int          `json:"totalWallets"`
	TotalAvailable    money.Amount `json:"totalAvailable"`
	TotalHeld         money.Amount `json:"totalHeld"`
	TransactionsToday int          `json:"transactionsToday"`
	PlatformRevenue   money.Amount `json:"platformRevenue"`
}

// Store persists wallets and transactions. Every method that moves money
// executes as a single atomic unit: balance update plus transaction row
// land together or not at all.
type Store interface {
	GetWallet(ctx context.Context, userID string) (*Wallet, error)
	CreateWallet(ctx context.Context, w *Wallet) error

	// Hold reserves gross from the payer's available balance into held and
	// records a completed escrow_hold transaction, returning its ID. Fails
	// with ErrInsufficientBalance when available < gross.
	Hold(ctx context.Context, payerID string, gross money.Amount, escrowID string) (string, error)

	// Settle closes out an escrow hold: the payer's held balance decreases
	// by gross, payout goes to the payee, fee to the platform account, and
	// any remainder returns to the payer's available balance. One
	// escrow_release, fee, or escrow_refund transaction is recorded per
	// non-zero leg; the primary transaction ID is returned (release when
	// payout > 0, otherwise refund).
	Settle(ctx context.Context, payerID, payeeID string, gross, payout, fee money.Amount, escrowID string) (string, error)

	CreateDeposit(ctx context.Context, txn *Transaction) error
	// ResolveDeposit moves a pending/processing deposit to completed
	// (crediting the wallet) or failed. Conditional on the current status:
	// resolving an already-terminal deposit returns ErrInvalidState.
	ResolveDeposit(ctx context.Context, txnID string, ok bool) (*Transaction, error)

	// Withdraw debits available and records a completed withdrawal.
	Withdraw(ctx context.Context, txn *Transaction) error

	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	ListTransactions(ctx context.Context, f Filter) ([]*Transaction, int, error)

	// ExpireDeposits claims pending deposits whose payment window lapsed
	// before the given time and marks them cancelled, without touching
	// balances. Returns the IDs claimed by this call; an overlapping
	// sweep sees none of them.
	ExpireDeposits(ctx context.Context, before time.Time, limit int) ([]string, error)

	// SumCompleted returns the signed sum of completed transactions for a
	// user. This is the canonical conservation check: escrow_hold rows
	// are completed debits the moment funds move into held, so the sum
	// equals the available balance alone. Held is accounted for by the
	// open escrow rows (see Summary), not by the ledger sum.
	SumCompleted(ctx context.Context, userID string) (money.Amount, error)

	Stats(ctx context.Context) (*AdminStats, error)
}

// Transaction constructors. Each populates only the fields meaningful to
// its type so invalid field combinations cannot be built.

func newTxn(id, userID string, t TxType, amount money.Amount, status TxStatus) *Transaction {
	return &Transaction{
		ID:        id,
		UserID:    userID,
		Type:      t,
		Amount:    amount,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
}

// NewDeposit builds a pending deposit awaiting the payment provider.
func NewDeposit(id, userID string, amount money.Amount, method fees.Method, expiresAt time.Time) *Transaction {
	txn := newTxn(id, userID, TxDeposit, amount, StatusPending)
	txn.Method = method
	txn.ExpiresAt = &expiresAt
	return txn
}

// NewWithdrawal builds a completed withdrawal (the debit happens at
// creation; payout delivery is the gateway's concern).
func NewWithdrawal(id, userID string, amount money.Amount, method fees.Method) *Transaction {
	txn := newTxn(id, userID, TxWithdrawal, amount.Neg(), StatusCompleted)
	txn.Method = method
	now := txn.CreatedAt
	txn.CompletedAt = &now
	return txn
}

// NewEscrowHold builds the payer-side debit recorded when funds move into
// escrow.
func NewEscrowHold(id, payerID string, gross money.Amount, escrowID string) *Transaction {
	txn := newTxn(id, payerID, TxEscrowHold, gross.Neg(), StatusCompleted)
	txn.EscrowID = escrowID
	now := txn.CreatedAt
	txn.CompletedAt = &now
	return txn
}

// NewEscrowRelease builds the payee-side credit recorded on release.
func NewEscrowRelease(id, payeeID string, net money.Amount, escrowID string) *Transaction {
	txn := newTxn(id, payeeID, TxEscrowRelease, net, StatusCompleted)
	txn.EscrowID = escrowID
	now := txn.CreatedAt
	txn.CompletedAt = &now
	return txn
}

// NewEscrowRefund builds the payer-side credit recorded on refund.
func NewEscrowRefund(id, payerID string, gross money.Amount, escrowID string) *Transaction {
	txn := newTxn(id, payerID, TxEscrowRefund, gross, StatusCompleted)
	txn.EscrowID = escrowID
	now := txn.CreatedAt
	txn.CompletedAt = &now
	return txn
}

// NewFee builds the platform-account credit recorded on release.
func NewFee(id string, amount money.Amount, escrowID string) *Transaction {
	txn := newTxn(id, PlatformAccount, TxFee, amount, StatusCompleted)
	txn.EscrowID = escrowID
	now := txn.CreatedAt
	txn.CompletedAt = &now
	return txn
}
