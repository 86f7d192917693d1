package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/taskvine/walletd/internal/fees"
	"github.com/taskvine/walletd/internal/idgen"
	"github.com/taskvine/walletd/internal/logging"
	"github.com/taskvine/walletd/internal/metrics"
	"github.com/taskvine/walletd/internal/money"
)

// EscrowSummer reports a user's open escrow exposure. Implemented by the
// escrow service; the wallet summary recomputes held from it instead of
// trusting the cached held column.
type EscrowSummer interface {
	SumOpenEscrows(ctx context.Context, payerID string) (money.Amount, int, error)
}

// Service owns wallet lifecycle and the ledger operations other packages
// move money through.
type Service struct {
	store      Store
	escrows    EscrowSummer
	currency   string
	depositTTL time.Duration
}

func NewService(store Store, currency string, depositTTL time.Duration) *Service {
	return &Service{
		store:      store,
		currency:   currency,
		depositTTL: depositTTL,
	}
}

// SetEscrowSummer wires the escrow service in after construction; the two
// services reference each other.
func (s *Service) SetEscrowSummer(es EscrowSummer) {
	s.escrows = es
}

// GetOrCreate returns the user's wallet, creating an empty one on first
// access. Creation is idempotent under concurrent callers.
func (s *Service) GetOrCreate(ctx context.Context, userID string) (*Wallet, error) {
	w, err := s.store.GetWallet(ctx, userID)
	if err == nil {
		return w, nil
	}
	if err != ErrWalletNotFound {
		return nil, err
	}

	now := time.Now().UTC()
	fresh := &Wallet{
		ID:        idgen.WithPrefix("wal"),
		UserID:    userID,
		Currency:  s.currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateWallet(ctx, fresh); err != nil {
		return nil, fmt.Errorf("failed to create wallet for %s: %w", userID, err)
	}
	// Re-read: a concurrent creator may have won the insert.
	return s.store.GetWallet(ctx, userID)
}

// Summary returns the derived wallet view. Held and the active escrow
// count come from the escrow service at call time.
func (s *Service) Summary(ctx context.Context, userID string) (*Summary, error) {
	w, err := s.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	sum := &Summary{
		Available:      w.Available,
		Held:           w.Held,
		Currency:       w.Currency,
		TotalDeposited: w.TotalDeposited,
		TotalWithdrawn: w.TotalWithdrawn,
	}
	if s.escrows != nil {
		held, count, err := s.escrows.SumOpenEscrows(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to sum open escrows: %w", err)
		}
		if held != w.Held {
			logging.L(ctx).Warn("held balance drift detected",
				"user_id", userID,
				"wallet_held", w.Held.String(),
				"escrow_held", held.String())
		}
		sum.Held = held
		sum.ActiveEscrows = count
	}
	return sum, nil
}

// Deposit opens a pending deposit awaiting confirmation from the payment
// provider. No balance changes until the provider confirms.
func (s *Service) Deposit(ctx context.Context, userID string, amount money.Amount, method fees.Method) (*Transaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if _, err := s.GetOrCreate(ctx, userID); err != nil {
		return nil, err
	}

	expires := time.Now().UTC().Add(s.depositTTL)
	txn := NewDeposit(idgen.WithPrefix("txn"), userID, amount, method, expires)
	if err := s.store.CreateDeposit(ctx, txn); err != nil {
		metrics.RecordTransaction(string(TxDeposit), "error")
		return nil, fmt.Errorf("failed to create deposit: %w", err)
	}
	metrics.RecordTransaction(string(TxDeposit), string(StatusPending))
	logging.L(ctx).Info("deposit created",
		"txn_id", txn.ID, "user_id", userID,
		"amount", amount.String(), "method", string(method))
	return txn, nil
}

// ResolveDeposit finalizes a pending deposit from the provider callback.
// Safe to call repeatedly: only the first resolution takes effect.
func (s *Service) ResolveDeposit(ctx context.Context, txnID string, ok bool) (*Transaction, error) {
	txn, err := s.store.ResolveDeposit(ctx, txnID, ok)
	if err != nil {
		return nil, err
	}
	metrics.RecordTransaction(string(TxDeposit), string(txn.Status))
	logging.L(ctx).Info("deposit resolved",
		"txn_id", txnID, "user_id", txn.UserID, "status", string(txn.Status))
	return txn, nil
}

// Withdraw debits the available balance immediately and records a
// completed withdrawal. Payout delivery is handled downstream.
func (s *Service) Withdraw(ctx context.Context, userID string, amount money.Amount, method fees.Method) (*Transaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	txn := NewWithdrawal(idgen.WithPrefix("txn"), userID, amount, method)
	if err := s.store.Withdraw(ctx, txn); err != nil {
		metrics.RecordTransaction(string(TxWithdrawal), "error")
		return nil, err
	}
	metrics.RecordTransaction(string(TxWithdrawal), string(StatusCompleted))
	logging.L(ctx).Info("withdrawal completed",
		"txn_id", txn.ID, "user_id", userID, "amount", amount.String())
	return txn, nil
}

// GetTransaction looks up a single ledger entry.
func (s *Service) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// ListTransactions returns a filtered page of a user's ledger, newest
// first, plus the total match count.
func (s *Service) ListTransactions(ctx context.Context, f Filter) ([]*Transaction, int, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	return s.store.ListTransactions(ctx, f)
}

// ExpireStaleDeposits cancels pending deposits whose payment window
// lapsed before the cutoff. Returns the cancelled transaction IDs.
func (s *Service) ExpireStaleDeposits(ctx context.Context, before time.Time, limit int) ([]string, error) {
	ids, err := s.store.ExpireDeposits(ctx, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to expire deposits: %w", err)
	}
	for range ids {
		metrics.RecordTransaction(string(TxDeposit), string(StatusCancelled))
	}
	if len(ids) > 0 {
		logging.L(ctx).Info("stale deposits expired", "count", len(ids))
	}
	return ids, nil
}

// Reconcile verifies the conservation property for one wallet: available
// must equal the signed sum of completed transactions.
func (s *Service) Reconcile(ctx context.Context, userID string) error {
	w, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		return err
	}
	sum, err := s.store.SumCompleted(ctx, userID)
	if err != nil {
		return err
	}
	if sum != w.Available {
		return fmt.Errorf("wallet %s out of balance: available %s, ledger sum %s",
			userID, w.Available.String(), sum.String())
	}
	return nil
}

// Stats returns platform-wide wallet figures for the admin console.
func (s *Service) Stats(ctx context.Context) (*AdminStats, error) {
	return s.store.Stats(ctx)
}

// Ledger operations used by the escrow engine. They delegate straight to
// the store so the balance update and ledger entry commit together.

func (s *Service) HoldFunds(ctx context.Context, payerID string, gross money.Amount, escrowID string) (string, error) {
	if !gross.IsPositive() {
		return "", ErrInvalidAmount
	}
	txnID, err := s.store.Hold(ctx, payerID, gross, escrowID)
	if err != nil {
		return "", err
	}
	metrics.RecordTransaction(string(TxEscrowHold), string(StatusCompleted))
	return txnID, nil
}

func (s *Service) ReleaseFunds(ctx context.Context, payerID, payeeID string, gross, net, fee money.Amount, escrowID string) (string, error) {
	if gross != net+fee {
		return "", fmt.Errorf("%w: release legs must sum to gross", ErrInvalidAmount)
	}
	txnID, err := s.store.Settle(ctx, payerID, payeeID, gross, net, fee, escrowID)
	if err != nil {
		return "", err
	}
	metrics.RecordTransaction(string(TxEscrowRelease), string(StatusCompleted))
	return txnID, nil
}

func (s *Service) RefundFunds(ctx context.Context, payerID string, gross money.Amount, escrowID string) (string, error) {
	txnID, err := s.store.Settle(ctx, payerID, "", gross, 0, 0, escrowID)
	if err != nil {
		return "", err
	}
	metrics.RecordTransaction(string(TxEscrowRefund), string(StatusCompleted))
	return txnID, nil
}

// SplitFunds settles a disputed escrow part-ways: the payee receives
// payout, the platform keeps fee, and the rest returns to the payer.
func (s *Service) SplitFunds(ctx context.Context, payerID, payeeID string, gross, payout, fee money.Amount, escrowID string) (string, error) {
	if payout < 0 || fee < 0 || payout+fee > gross {
		return "", fmt.Errorf("%w: split legs exceed gross", ErrInvalidAmount)
	}
	txnID, err := s.store.Settle(ctx, payerID, payeeID, gross, payout, fee, escrowID)
	if err != nil {
		return "", err
	}
	metrics.RecordTransaction(string(TxEscrowRelease), string(StatusCompleted))
	return txnID, nil
}
