package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/taskvine/walletd/internal/fees"
	"github.com/taskvine/walletd/internal/money"
	"github.com/taskvine/walletd/internal/wallet"
)

// These tests run the state machine against the real wallet service so
// balance conservation is checked end to end, not against a mock.

func newSettlementFixture(t *testing.T, cooling time.Duration) (*Service, *wallet.Service) {
	t.Helper()
	wallets := wallet.NewService(wallet.NewMemoryStore(), "USD", 30*time.Minute)
	escrows := NewService(NewMemoryStore(), wallets, fees.New(5, 2), cooling)
	wallets.SetEscrowSummer(escrows)
	return escrows, wallets
}

func fund(t *testing.T, wallets *wallet.Service, userID, amount string) {
	t.Helper()
	ctx := context.Background()
	txn, err := wallets.Deposit(ctx, userID, money.MustParse(amount), fees.MethodBankTransfer)
	if err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if _, err := wallets.ResolveDeposit(ctx, txn.ID, true); err != nil {
		t.Fatalf("ResolveDeposit failed: %v", err)
	}
}

func TestSettlement_FullCycle(t *testing.T) {
	escrows, wallets := newSettlementFixture(t, 72*time.Hour)
	ctx := context.Background()
	fund(t, wallets, "client-1", "100.00")

	e, err := escrows.Create(ctx, CreateRequest{
		PayerID: "client-1",
		PayeeID: "worker-1",
		Gross:   money.MustParse("100.00"),
		Method:  fees.MethodInternal,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	payer, _ := wallets.GetOrCreate(ctx, "client-1")
	if payer.Available != 0 || payer.Held != money.MustParse("100.00") {
		t.Fatalf("after create: available=%s held=%s", payer.Available, payer.Held)
	}

	if _, err := escrows.Release(ctx, e.ID, Actor{ID: "client-1", Role: RoleClient}); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	payer, _ = wallets.GetOrCreate(ctx, "client-1")
	worker, _ := wallets.GetOrCreate(ctx, "worker-1")
	platform, _ := wallets.GetOrCreate(ctx, wallet.PlatformAccount)
	if payer.Held != 0 {
		t.Errorf("payer held after release: %s", payer.Held)
	}
	if worker.Available != money.MustParse("93.00") {
		t.Errorf("worker should hold net 93.00, got %s", worker.Available)
	}
	if platform.Available != money.MustParse("7.00") {
		t.Errorf("platform should hold fees 7.00, got %s", platform.Available)
	}

	// Ledger replay reconstructs every balance.
	for _, userID := range []string{"client-1", "worker-1", wallet.PlatformAccount} {
		if err := wallets.Reconcile(ctx, userID); err != nil {
			t.Errorf("reconciliation failed: %v", err)
		}
	}
}

func TestSettlement_InsufficientBalance(t *testing.T) {
	escrows, wallets := newSettlementFixture(t, 72*time.Hour)
	ctx := context.Background()
	fund(t, wallets, "client-1", "50.00")

	_, err := escrows.Create(ctx, CreateRequest{
		PayerID: "client-1",
		PayeeID: "worker-1",
		Gross:   money.MustParse("50.01"),
	})
	if !errors.Is(err, wallet.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	// No escrow row, no funds moved.
	w, _ := wallets.GetOrCreate(ctx, "client-1")
	if w.Available != money.MustParse("50.00") || w.Held != 0 {
		t.Errorf("failed create must not move funds: available=%s held=%s", w.Available, w.Held)
	}
}

func TestSettlement_DisputeRefund(t *testing.T) {
	escrows, wallets := newSettlementFixture(t, 72*time.Hour)
	ctx := context.Background()
	fund(t, wallets, "client-1", "100.00")

	e, err := escrows.Create(ctx, CreateRequest{
		PayerID: "client-1", PayeeID: "worker-1", Gross: money.MustParse("100.00"),
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := escrows.FileComplaint(ctx, e.ID, Actor{ID: "client-1", Role: RoleClient}, "no-show"); err != nil {
		t.Fatalf("FileComplaint failed: %v", err)
	}
	if _, err := escrows.Refund(ctx, e.ID, Actor{ID: "admin-1", Role: RoleAdmin}); err != nil {
		t.Fatalf("Refund failed: %v", err)
	}

	payer, _ := wallets.GetOrCreate(ctx, "client-1")
	worker, _ := wallets.GetOrCreate(ctx, "worker-1")
	if payer.Available != money.MustParse("100.00") || payer.Held != 0 {
		t.Errorf("refund must restore payer: available=%s held=%s", payer.Available, payer.Held)
	}
	if worker.Available != 0 {
		t.Errorf("worker must receive nothing on refund, got %s", worker.Available)
	}
	if err := wallets.Reconcile(ctx, "client-1"); err != nil {
		t.Errorf("reconciliation failed: %v", err)
	}
}

func TestSettlement_PartialSplit(t *testing.T) {
	escrows, wallets := newSettlementFixture(t, 72*time.Hour)
	ctx := context.Background()
	fund(t, wallets, "client-1", "100.00")

	e, err := escrows.Create(ctx, CreateRequest{
		PayerID: "client-1", PayeeID: "worker-1", Gross: money.MustParse("100.00"), Method: fees.MethodInternal,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := escrows.FileComplaint(ctx, e.ID, Actor{ID: "worker-1", Role: RoleWorker}, "partial delivery"); err != nil {
		t.Fatalf("FileComplaint failed: %v", err)
	}
	if _, err := escrows.ResolvePartial(ctx, e.ID, Actor{ID: "admin-1", Role: RoleAdmin}, money.MustParse("40.00")); err != nil {
		t.Fatalf("ResolvePartial failed: %v", err)
	}

	payer, _ := wallets.GetOrCreate(ctx, "client-1")
	worker, _ := wallets.GetOrCreate(ctx, "worker-1")
	platform, _ := wallets.GetOrCreate(ctx, wallet.PlatformAccount)
	if worker.Available != money.MustParse("40.00") {
		t.Errorf("worker payout: got %s", worker.Available)
	}
	if platform.Available != money.MustParse("7.00") {
		t.Errorf("platform fee: got %s", platform.Available)
	}
	// 100 - 40 - 7 returns to the payer.
	if payer.Available != money.MustParse("53.00") || payer.Held != 0 {
		t.Errorf("payer remainder: available=%s held=%s", payer.Available, payer.Held)
	}

	for _, userID := range []string{"client-1", "worker-1", wallet.PlatformAccount} {
		if err := wallets.Reconcile(ctx, userID); err != nil {
			t.Errorf("reconciliation failed: %v", err)
		}
	}
}

func TestSettlement_SummaryDuringEscrow(t *testing.T) {
	escrows, wallets := newSettlementFixture(t, 72*time.Hour)
	ctx := context.Background()
	fund(t, wallets, "client-1", "100.00")

	if _, err := escrows.Create(ctx, CreateRequest{
		PayerID: "client-1", PayeeID: "worker-1", Gross: money.MustParse("60.00"),
	}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	sum, err := wallets.Summary(ctx, "client-1")
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if sum.Available != money.MustParse("40.00") {
		t.Errorf("available: got %s", sum.Available)
	}
	if sum.Held != money.MustParse("60.00") || sum.ActiveEscrows != 1 {
		t.Errorf("held recomputation: held=%s active=%d", sum.Held, sum.ActiveEscrows)
	}
}
