package fire

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/taskvine/walletd/internal/idgen"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[string]*Balance
	txns     map[string]*Transaction
	order    []string
	boosts   map[string]*Boost
	claims   map[string]bool // userID + "|" + day
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		txns:     make(map[string]*Transaction),
		boosts:   make(map[string]*Boost),
		claims:   make(map[string]bool),
	}
}

func (m *MemoryStore) GetBalance(_ context.Context, userID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bal, ok := m.balances[userID]
	if !ok {
		return nil, ErrBalanceNotFound
	}
	cp := *bal
	return &cp, nil
}

func (m *MemoryStore) ensureBalance(userID string) *Balance {
	bal, ok := m.balances[userID]
	if !ok {
		now := time.Now().UTC()
		bal = &Balance{UserID: userID, CreatedAt: now, UpdatedAt: now}
		m.balances[userID] = bal
	}
	return bal
}

func (m *MemoryStore) appendTxn(userID string, amount int64, t TxType, bal *Balance, boostID, walletTxnID, description string) *Transaction {
	txn := &Transaction{
		ID:          idgen.WithPrefix("ftxn"),
		UserID:      userID,
		Type:        t,
		Amount:      amount,
		Before:      bal.Fire,
		After:       bal.Fire + amount,
		BoostID:     boostID,
		WalletTxnID: walletTxnID,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	bal.Fire += amount
	bal.UpdatedAt = txn.CreatedAt
	m.txns[txn.ID] = txn
	m.order = append(m.order, txn.ID)
	return txn
}

func (m *MemoryStore) Credit(_ context.Context, userID string, amount int64, t TxType, walletTxnID, description string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.ensureBalance(userID)
	txn := m.appendTxn(userID, amount, t, bal, "", walletTxnID, description)
	if t == TxPurchase {
		bal.TotalPurchased += amount
	} else {
		bal.TotalEarned += amount
	}
	cp := *txn
	return &cp, nil
}

func (m *MemoryStore) ClaimDaily(_ context.Context, userID, day string, reward int64) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := userID + "|" + day
	if m.claims[key] {
		return nil, ErrAlreadyClaimedToday
	}
	m.claims[key] = true

	bal := m.ensureBalance(userID)
	txn := m.appendTxn(userID, reward, TxDailyLogin, bal, "", "", "daily login reward")
	bal.TotalEarned += reward
	cp := *txn
	return &cp, nil
}

func (m *MemoryStore) HasClaimed(_ context.Context, userID, day string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.claims[userID+"|"+day], nil
}

func (m *MemoryStore) SpendOnBoost(_ context.Context, userID string, cost int64, boost *Boost) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.ensureBalance(userID)
	if bal.Fire < cost {
		return nil, ErrInsufficientFire
	}
	txn := m.appendTxn(userID, -cost, TxBoost, bal, boost.ID, "",
		fmt.Sprintf("activated %s boost", boost.Type))
	bal.TotalSpent += cost

	cp := *boost
	m.boosts[boost.ID] = &cp
	out := *txn
	return &out, nil
}

func (m *MemoryStore) ExtendBoost(_ context.Context, boostID string, cost int64, newExpiry time.Time) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	boost, ok := m.boosts[boostID]
	if !ok {
		return nil, fmt.Errorf("boost %s not found", boostID)
	}
	bal := m.ensureBalance(boost.UserID)
	if bal.Fire < cost {
		return nil, ErrInsufficientFire
	}
	boost.ExpiresAt = newExpiry
	txn := m.appendTxn(boost.UserID, -cost, TxBoost, bal, boost.ID, "",
		fmt.Sprintf("extended %s boost", boost.Type))
	bal.TotalSpent += cost
	cp := *txn
	return &cp, nil
}

func (m *MemoryStore) ActiveBoost(_ context.Context, userID string, t BoostType, now time.Time) (*Boost, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.boosts {
		if b.UserID == userID && b.Type == t && !b.Expired && b.ExpiresAt.After(now) {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ActiveBoosts(_ context.Context, userID string, now time.Time) ([]*Boost, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Boost
	for _, b := range m.boosts {
		if b.UserID == userID && !b.Expired && b.ExpiresAt.After(now) {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, userID string, limit, offset int) ([]*Transaction, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Transaction
	for i := len(m.order) - 1; i >= 0; i-- {
		txn := m.txns[m.order[i]]
		if txn.UserID == userID {
			matched = append(matched, txn)
		}
	}
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]*Transaction, 0, end-offset)
	for _, txn := range matched[offset:end] {
		cp := *txn
		out = append(out, &cp)
	}
	return out, total, nil
}

func (m *MemoryStore) ExpireBoosts(_ context.Context, before time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for _, b := range m.boosts {
		if !b.Expired && !b.ExpiresAt.After(before) {
			b.Expired = true
			ids = append(ids, b.ID)
			if limit > 0 && len(ids) >= limit {
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}
