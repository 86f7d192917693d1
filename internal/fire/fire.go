// Package fire implements the points economy workers spend on visibility
// boosts. It mirrors the wallet's balance-plus-ledger pattern at smaller
// stakes: every point movement appends a transaction carrying the balance
// before and after, and boosts are time-bounded records a sweep expires.
//
// Fire never holds real money. Purchases debit the buyer's wallet; from
// then on the points live in their own ledger.
package fire

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/taskvine/walletd/internal/fees"
	"github.com/taskvine/walletd/internal/idgen"
	"github.com/taskvine/walletd/internal/logging"
	"github.com/taskvine/walletd/internal/money"
	"github.com/taskvine/walletd/internal/wallet"
)

var (
	ErrInsufficientFire    = errors.New("insufficient fire balance")
	ErrAlreadyClaimedToday = errors.New("daily login reward already claimed today")
	ErrInvalidBoostType    = errors.New("invalid boost type")
	ErrInvalidAmount       = errors.New("invalid fire amount")
	ErrBalanceNotFound     = errors.New("fire balance not found")
)

// Conversion and reward constants.
const (
	FirePerUSD       = 5
	DailyLoginReward = 10
	MinPurchase      = 5
	MaxPurchase      = 10000
)

// BoostType identifies what a boost promotes.
type BoostType string

const (
	BoostRecommendation BoostType = "recommendation" // featured in search results
	BoostProfile        BoostType = "profile"        // highlighted profile card
)

// BoostConfig is the price and duration of one boost type.
type BoostConfig struct {
	Cost     int64
	Duration time.Duration
}

// boostConfigs is the closed price list. Activating an already-active
// boost extends its expiry by the full duration.
var boostConfigs = map[BoostType]BoostConfig{
	BoostRecommendation: {Cost: 50, Duration: 24 * time.Hour},
	BoostProfile:        {Cost: 30, Duration: 12 * time.Hour},
}

// ConfigFor returns the price list entry for a boost type.
func ConfigFor(t BoostType) (BoostConfig, bool) {
	c, ok := boostConfigs[t]
	return c, ok
}

// Balance is a worker's fire account.
type Balance struct {
	UserID         string    `json:"userId"`
	Fire           int64     `json:"fire"`
	TotalEarned    int64     `json:"totalEarned"`
	TotalSpent     int64     `json:"totalSpent"`
	TotalPurchased int64     `json:"totalPurchased"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// TxType classifies a fire transaction.
type TxType string

const (
	TxPurchase   TxType = "purchase"
	TxDailyLogin TxType = "daily_login"
	TxBoost      TxType = "boost_activation"
)

// Transaction is an immutable fire ledger entry. Amount is signed.
type Transaction struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Type        TxType    `json:"type"`
	Amount      int64     `json:"amount"`
	Before      int64     `json:"before"`
	After       int64     `json:"after"`
	BoostID     string    `json:"boostId,omitempty"`
	WalletTxnID string    `json:"walletTxnId,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Boost is one activated visibility boost.
type Boost struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Type        BoostType `json:"type"`
	Cost        int64     `json:"cost"`
	Expired     bool      `json:"expired"`
	ActivatedAt time.Time `json:"activatedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Store persists fire balances, transactions, and boosts. Point movements
// are atomic with their transaction row, same as the wallet store.
type Store interface {
	GetBalance(ctx context.Context, userID string) (*Balance, error)
	// Credit adds points, bumping TotalPurchased for purchases and
	// TotalEarned otherwise. Creates the balance on first touch.
	Credit(ctx context.Context, userID string, amount int64, t TxType, walletTxnID, description string) (*Transaction, error)
	// ClaimDaily credits the daily reward, conditional on no prior claim
	// for the given calendar day. Returns ErrAlreadyClaimedToday.
	ClaimDaily(ctx context.Context, userID, day string, reward int64) (*Transaction, error)
	HasClaimed(ctx context.Context, userID, day string) (bool, error)
	// SpendOnBoost debits cost and records the boost in one unit.
	SpendOnBoost(ctx context.Context, userID string, cost int64, boost *Boost) (*Transaction, error)
	ActiveBoost(ctx context.Context, userID string, t BoostType, now time.Time) (*Boost, error)
	ActiveBoosts(ctx context.Context, userID string, now time.Time) ([]*Boost, error)
	ExtendBoost(ctx context.Context, boostID string, cost int64, newExpiry time.Time) (*Transaction, error)
	ListTransactions(ctx context.Context, userID string, limit, offset int) ([]*Transaction, int, error)
	// ExpireBoosts claims active boosts past their expiry and marks them
	// expired. Overlapping sweeps each claim disjoint rows.
	ExpireBoosts(ctx context.Context, before time.Time, limit int) ([]string, error)
}

// WalletService is the slice of the wallet a fire purchase charges.
type WalletService interface {
	Withdraw(ctx context.Context, userID string, amount money.Amount, method fees.Method) (*wallet.Transaction, error)
}

// BalanceView is the presentation shape for the fire dashboard.
type BalanceView struct {
	Balance       *Balance `json:"balance"`
	ActiveBoosts  []*Boost `json:"activeBoosts"`
	CanClaimDaily bool     `json:"canClaimDaily"`
}

type Service struct {
	store   Store
	wallets WalletService
}

func NewService(store Store, wallets WalletService) *Service {
	return &Service{store: store, wallets: wallets}
}

// GetBalance returns the fire dashboard view: balance, running boosts,
// and whether today's login reward is still claimable.
func (s *Service) GetBalance(ctx context.Context, userID string) (*BalanceView, error) {
	bal, err := s.store.GetBalance(ctx, userID)
	if err == ErrBalanceNotFound {
		bal = &Balance{UserID: userID}
		err = nil
	}
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	boosts, err := s.store.ActiveBoosts(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	claimed, err := s.store.HasClaimed(ctx, userID, day(now))
	if err != nil {
		return nil, err
	}
	return &BalanceView{Balance: bal, ActiveBoosts: boosts, CanClaimDaily: !claimed}, nil
}

// PriceUSD converts a fire amount to its wallet price.
func PriceUSD(fireAmount int64) money.Amount {
	// Fire is sold in multiples that divide evenly by the rate; round the
	// remainder up so fractional purchases never undercharge.
	cents := (fireAmount*100 + FirePerUSD - 1) / FirePerUSD
	return money.FromCents(cents)
}

// Purchase buys fire with wallet funds. The wallet debit happens first;
// the points are credited with a reference to the wallet transaction.
func (s *Service) Purchase(ctx context.Context, userID string, fireAmount int64) (*Transaction, error) {
	if fireAmount < MinPurchase || fireAmount > MaxPurchase {
		return nil, fmt.Errorf("%w: amount must be between %d and %d", ErrInvalidAmount, MinPurchase, MaxPurchase)
	}

	price := PriceUSD(fireAmount)
	walletTxn, err := s.wallets.Withdraw(ctx, userID, price, fees.MethodInternal)
	if err != nil {
		return nil, fmt.Errorf("failed to charge wallet for fire purchase: %w", err)
	}

	txn, err := s.store.Credit(ctx, userID, fireAmount, TxPurchase, walletTxn.ID,
		fmt.Sprintf("purchased %d fire for %s", fireAmount, price))
	if err != nil {
		// Wallet already debited; this needs eyes, not silent retry.
		logging.L(ctx).Error("wallet charged but fire credit failed",
			"user_id", userID, "wallet_txn_id", walletTxn.ID, "error", err)
		return nil, fmt.Errorf("failed to credit fire after wallet charge: %w", err)
	}
	logging.L(ctx).Info("fire purchased",
		"user_id", userID, "fire", fireAmount, "price", price.String())
	return txn, nil
}

// ClaimDailyLogin awards the once-per-day login reward. The per-day
// uniqueness lives in the store so concurrent claims cannot double-award.
func (s *Service) ClaimDailyLogin(ctx context.Context, userID string) (*Transaction, error) {
	txn, err := s.store.ClaimDaily(ctx, userID, day(time.Now().UTC()), DailyLoginReward)
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("daily login reward claimed", "user_id", userID, "fire", DailyLoginReward)
	return txn, nil
}

// ActivateBoost spends fire on a boost. Activating a type that is already
// running extends the current boost by its full duration instead of
// stacking a second one.
func (s *Service) ActivateBoost(ctx context.Context, userID string, t BoostType) (*Boost, error) {
	cfg, ok := ConfigFor(t)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBoostType, t)
	}

	now := time.Now().UTC()
	existing, err := s.store.ActiveBoost(ctx, userID, t, now)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		newExpiry := existing.ExpiresAt.Add(cfg.Duration)
		if _, err := s.store.ExtendBoost(ctx, existing.ID, cfg.Cost, newExpiry); err != nil {
			return nil, err
		}
		existing.ExpiresAt = newExpiry
		logging.L(ctx).Info("boost extended",
			"user_id", userID, "boost_type", string(t), "expires_at", newExpiry)
		return existing, nil
	}

	boost := &Boost{
		ID:          idgen.WithPrefix("bst"),
		UserID:      userID,
		Type:        t,
		Cost:        cfg.Cost,
		ActivatedAt: now,
		ExpiresAt:   now.Add(cfg.Duration),
	}
	if _, err := s.store.SpendOnBoost(ctx, userID, cfg.Cost, boost); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("boost activated",
		"user_id", userID, "boost_type", string(t), "expires_at", boost.ExpiresAt)
	return boost, nil
}

// ActiveBoosts returns the user's currently running boosts.
func (s *Service) ActiveBoosts(ctx context.Context, userID string) ([]*Boost, error) {
	return s.store.ActiveBoosts(ctx, userID, time.Now().UTC())
}

// ListTransactions returns a page of the user's fire ledger, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]*Transaction, int, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.store.ListTransactions(ctx, userID, limit, offset)
}

// ExpireBoosts marks boosts past their expiry as expired. Points are not
// refunded; the record flip is purely informational.
func (s *Service) ExpireBoosts(ctx context.Context, before time.Time, limit int) ([]string, error) {
	ids, err := s.store.ExpireBoosts(ctx, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to expire boosts: %w", err)
	}
	if len(ids) > 0 {
		logging.L(ctx).Info("boosts expired", "count", len(ids))
	}
	return ids, nil
}

func day(t time.Time) string {
	return t.Format("2006-01-02")
}
