package wallet

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/taskvine/walletd/internal/idgen"
	"github.com/taskvine/walletd/internal/money"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	wallets map[string]*Wallet      // keyed by user ID
	txns    map[string]*Transaction // keyed by transaction ID
	order   []string                // txn IDs in insertion order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*Wallet),
		txns:    make(map[string]*Transaction),
	}
}

func (s *MemoryStore) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) CreateWallet(ctx context.Context, w *Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wallets[w.UserID]; ok {
		return nil
	}
	cp := *w
	s.wallets[w.UserID] = &cp
	return nil
}

// ensureWallet returns the wallet for userID, creating an empty one if
// needed. Caller must hold the write lock.
func (s *MemoryStore) ensureWallet(userID string) *Wallet {
	w, ok := s.wallets[userID]
	if !ok {
		now := time.Now().UTC()
		w = &Wallet{
			ID:        idgen.WithPrefix("wal"),
			UserID:    userID,
			Currency:  "USD",
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.wallets[userID] = w
	}
	return w
}

func (s *MemoryStore) insert(txn *Transaction) {
	cp := *txn
	s.txns[txn.ID] = &cp
	s.order = append(s.order, txn.ID)
}

func (s *MemoryStore) Hold(ctx context.Context, payerID string, gross money.Amount, escrowID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[payerID]
	if !ok {
		return "", ErrWalletNotFound
	}
	if w.Available < gross {
		return "", ErrInsufficientBalance
	}
	w.Available -= gross
	w.Held += gross
	w.UpdatedAt = time.Now().UTC()
	txn := NewEscrowHold(idgen.WithPrefix("txn"), payerID, gross, escrowID)
	s.insert(txn)
	return txn.ID, nil
}

func (s *MemoryStore) Settle(ctx context.Context, payerID, payeeID string, gross, payout, fee money.Amount, escrowID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payer, ok := s.wallets[payerID]
	if !ok {
		return "", ErrWalletNotFound
	}
	if payer.Held < gross {
		return "", fmt.Errorf("%w: held balance below escrow amount", ErrInvalidState)
	}
	remainder := gross - payout - fee
	if remainder < 0 {
		return "", ErrInvalidAmount
	}
	now := time.Now().UTC()
	payer.Held -= gross
	payer.UpdatedAt = now

	var primaryID string
	if payout > 0 {
		payee := s.ensureWallet(payeeID)
		payee.Available += payout
		payee.UpdatedAt = now
		txn := NewEscrowRelease(idgen.WithPrefix("txn"), payeeID, payout, escrowID)
		s.insert(txn)
		primaryID = txn.ID
	}
	if fee > 0 {
		platform := s.ensureWallet(PlatformAccount)
		platform.Available += fee
		platform.UpdatedAt = now
		s.insert(NewFee(idgen.WithPrefix("txn"), fee, escrowID))
	}
	if remainder > 0 {
		payer.Available += remainder
		txn := NewEscrowRefund(idgen.WithPrefix("txn"), payerID, remainder, escrowID)
		s.insert(txn)
		if primaryID == "" {
			primaryID = txn.ID
		}
	}
	return primaryID, nil
}

func (s *MemoryStore) CreateDeposit(ctx context.Context, txn *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureWallet(txn.UserID)
	s.insert(txn)
	return nil
}

func (s *MemoryStore) ResolveDeposit(ctx context.Context, txnID string, ok bool) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, found := s.txns[txnID]
	if !found || txn.Type != TxDeposit {
		return nil, ErrTransactionNotFound
	}
	if txn.Status != StatusPending && txn.Status != StatusProcessing {
		return nil, fmt.Errorf("%w: deposit is %s", ErrInvalidState, txn.Status)
	}
	now := time.Now().UTC()
	if ok {
		txn.Status = StatusCompleted
		txn.CompletedAt = &now
		w := s.ensureWallet(txn.UserID)
		w.Available += txn.Amount
		w.TotalDeposited += txn.Amount
		w.UpdatedAt = now
	} else {
		txn.Status = StatusFailed
		txn.FailedAt = &now
	}
	cp := *txn
	return &cp, nil
}

func (s *MemoryStore) Withdraw(ctx context.Context, txn *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[txn.UserID]
	if !ok {
		return ErrWalletNotFound
	}
	debit := txn.Amount.Neg()
	if w.Available < debit {
		return ErrInsufficientBalance
	}
	w.Available -= debit
	w.TotalWithdrawn += debit
	w.UpdatedAt = time.Now().UTC()
	s.insert(txn)
	return nil
}

func (s *MemoryStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	txn, ok := s.txns[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *txn
	return &cp, nil
}

func (s *MemoryStore) ListTransactions(ctx context.Context, f Filter) ([]*Transaction, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Transaction
	for _, id := range s.order {
		txn := s.txns[id]
		if !matches(txn, f) {
			continue
		}
		cp := *txn
		matched = append(matched, &cp)
	}
	// Newest first with ID as tie-break, matching the SQL ordering so
	// keyset cursors are stable across both stores.
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if f.Offset >= total {
		return nil, total, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < end {
		end = f.Offset + f.Limit
	}
	return matched[f.Offset:end], total, nil
}

func matches(txn *Transaction, f Filter) bool {
	if f.UserID != "" && txn.UserID != f.UserID {
		return false
	}
	if len(f.Types) > 0 && !containsType(f.Types, txn.Type) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, txn.Status) {
		return false
	}
	if f.Method != "" && !strings.EqualFold(string(txn.Method), string(f.Method)) {
		return false
	}
	if f.From != nil && txn.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && txn.CreatedAt.After(*f.To) {
		return false
	}
	if f.MinAmount != nil && txn.Amount < *f.MinAmount {
		return false
	}
	if f.MaxAmount != nil && txn.Amount > *f.MaxAmount {
		return false
	}
	if f.Cursor != nil {
		if txn.CreatedAt.After(f.Cursor.CreatedAt) {
			return false
		}
		if txn.CreatedAt.Equal(f.Cursor.CreatedAt) && txn.ID >= f.Cursor.ID {
			return false
		}
	}
	return true
}

func containsType(ts []TxType, t TxType) bool {
	for _, v := range ts {
		if v == t {
			return true
		}
	}
	return false
}

func containsStatus(ss []TxStatus, s TxStatus) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func (s *MemoryStore) ExpireDeposits(ctx context.Context, before time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []string
	for _, id := range s.order {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		txn := s.txns[id]
		if txn.Type != TxDeposit || txn.Status != StatusPending {
			continue
		}
		if txn.ExpiresAt == nil || txn.ExpiresAt.After(before) {
			continue
		}
		txn.Status = StatusCancelled
		claimed = append(claimed, id)
	}
	return claimed, nil
}

func (s *MemoryStore) SumCompleted(ctx context.Context, userID string) (money.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum money.Amount
	for _, txn := range s.txns {
		if txn.UserID == userID && txn.Status == StatusCompleted {
			sum += txn.Amount
		}
	}
	return sum, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (*AdminStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &AdminStats{}
	for userID, w := range s.wallets {
		if userID == PlatformAccount {
			stats.PlatformRevenue = w.Available
			continue
		}
		stats.TotalWallets++
		stats.TotalAvailable += w.Available
		stats.TotalHeld += w.Held
	}
	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	for _, txn := range s.txns {
		if !txn.CreatedAt.Before(midnight) {
			stats.TransactionsToday++
		}
	}
	return stats, nil
}
