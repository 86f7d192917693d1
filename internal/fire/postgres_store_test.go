package fire

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/taskvine/walletd/internal/testutil"
)

// Database-backed tests for the constraint-driven paths: the unique
// daily-claim key, the non-negative fire CHECK, and the boost expiry
// sweep's row claiming.

func newPGFireStore(t *testing.T) *PostgresStore {
	t.Helper()
	return NewPostgresStore(testutil.PGTest(t))
}

func TestPostgresFire_ClaimDailyUnique(t *testing.T) {
	store := newPGFireStore(t)
	ctx := context.Background()
	today := time.Now().UTC().Format("2006-01-02")

	txn, err := store.ClaimDaily(ctx, "pg-fire-1", today, DailyLoginReward)
	if err != nil {
		t.Fatalf("ClaimDaily failed: %v", err)
	}
	if txn.After != DailyLoginReward {
		t.Errorf("balance after claim = %d, want %d", txn.After, DailyLoginReward)
	}

	if _, err := store.ClaimDaily(ctx, "pg-fire-1", today, DailyLoginReward); !errors.Is(err, ErrAlreadyClaimedToday) {
		t.Errorf("second claim error = %v, want ErrAlreadyClaimedToday", err)
	}

	claimed, err := store.HasClaimed(ctx, "pg-fire-1", today)
	if err != nil {
		t.Fatalf("HasClaimed failed: %v", err)
	}
	if !claimed {
		t.Error("HasClaimed = false after a successful claim")
	}
}

func TestPostgresFire_ClaimDailyConcurrent(t *testing.T) {
	store := newPGFireStore(t)
	today := time.Now().UTC().Format("2006-01-02")

	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ClaimDaily(context.Background(), "pg-fire-race", today, DailyLoginReward)
			if err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			} else if !errors.Is(err, ErrAlreadyClaimedToday) {
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()
	if won != 1 {
		t.Errorf("%d claims won, want exactly 1", won)
	}

	b, err := store.GetBalance(context.Background(), "pg-fire-race")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if b.Fire != DailyLoginReward {
		t.Errorf("balance = %d after the race, want %d", b.Fire, DailyLoginReward)
	}
}

func TestPostgresFire_SpendBackstop(t *testing.T) {
	store := newPGFireStore(t)
	ctx := context.Background()

	if _, err := store.Credit(ctx, "pg-fire-2", 40, TxPurchase, "txn-w-1", "purchased 40 fire"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	cfg := boostConfigs[BoostRecommendation]
	boost := &Boost{
		ID:          "pg-boost-1",
		UserID:      "pg-fire-2",
		Type:        BoostRecommendation,
		Cost:        cfg.Cost,
		ActivatedAt: time.Now().UTC(),
		ExpiresAt:   time.Now().UTC().Add(cfg.Duration),
	}
	_, err := store.SpendOnBoost(ctx, "pg-fire-2", cfg.Cost, boost)
	if !errors.Is(err, ErrInsufficientFire) {
		t.Fatalf("SpendOnBoost error = %v, want ErrInsufficientFire", err)
	}

	// The rejected spend must not have created the boost or touched the
	// balance.
	b, err := store.GetBalance(ctx, "pg-fire-2")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if b.Fire != 40 {
		t.Errorf("balance = %d after rejected spend, want 40", b.Fire)
	}
	active, err := store.ActiveBoost(ctx, "pg-fire-2", BoostRecommendation, time.Now().UTC())
	if err != nil {
		t.Fatalf("ActiveBoost failed: %v", err)
	}
	if active != nil {
		t.Errorf("boost %s exists after rejected spend", active.ID)
	}
}

func TestPostgresFire_ExpireBoostsClaims(t *testing.T) {
	store := newPGFireStore(t)
	ctx := context.Background()

	if _, err := store.Credit(ctx, "pg-fire-3", 200, TxPurchase, "txn-w-2", "purchased 200 fire"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	now := time.Now().UTC()
	stale := &Boost{
		ID: "pg-boost-stale", UserID: "pg-fire-3", Type: BoostProfile,
		Cost: 30, ActivatedAt: now.Add(-13 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}
	live := &Boost{
		ID: "pg-boost-live", UserID: "pg-fire-3", Type: BoostRecommendation,
		Cost: 50, ActivatedAt: now, ExpiresAt: now.Add(24 * time.Hour),
	}
	for _, b := range []*Boost{stale, live} {
		if _, err := store.SpendOnBoost(ctx, "pg-fire-3", b.Cost, b); err != nil {
			t.Fatalf("SpendOnBoost failed: %v", err)
		}
	}

	ids, err := store.ExpireBoosts(ctx, now, 10)
	if err != nil {
		t.Fatalf("ExpireBoosts failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "pg-boost-stale" {
		t.Fatalf("expired %v, want [pg-boost-stale]", ids)
	}

	ids, err = store.ExpireBoosts(ctx, now, 10)
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("second sweep expired %v, want none", ids)
	}

	remaining, err := store.ActiveBoosts(ctx, "pg-fire-3", now)
	if err != nil {
		t.Fatalf("ActiveBoosts failed: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != "pg-boost-live" {
		t.Errorf("active boosts = %v, want only pg-boost-live", remaining)
	}
}
