package dispute

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/taskvine/walletd/internal/escrow"
	"github.com/taskvine/walletd/internal/fees"
	"github.com/taskvine/walletd/internal/money"
	"github.com/taskvine/walletd/internal/wallet"
)

type fixture struct {
	disputes *Service
	escrows  *escrow.Service
	wallets  *wallet.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	wallets := wallet.NewService(wallet.NewMemoryStore(), "USD", 30*time.Minute)
	escrows := escrow.NewService(escrow.NewMemoryStore(), wallets, fees.New(5, 2), 72*time.Hour)
	wallets.SetEscrowSummer(escrows)
	return &fixture{
		disputes: NewService(NewMemoryStore(), escrows),
		escrows:  escrows,
		wallets:  wallets,
	}
}

func (f *fixture) openEscrow(t *testing.T, gross string) *escrow.Escrow {
	t.Helper()
	ctx := context.Background()
	txn, err := f.wallets.Deposit(ctx, "client-1", money.MustParse(gross), fees.MethodBankTransfer)
	if err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if _, err := f.wallets.ResolveDeposit(ctx, txn.ID, true); err != nil {
		t.Fatalf("ResolveDeposit failed: %v", err)
	}
	e, err := f.escrows.Create(ctx, escrow.CreateRequest{
		PayerID: "client-1", PayeeID: "worker-1",
		Gross: money.MustParse(gross), Method: fees.MethodInternal,
	})
	if err != nil {
		t.Fatalf("Create escrow failed: %v", err)
	}
	return e
}

var (
	client = escrow.Actor{ID: "client-1", Role: escrow.RoleClient}
	worker = escrow.Actor{ID: "worker-1", Role: escrow.RoleWorker}
	admin  = escrow.Actor{ID: "admin-1", Role: escrow.RoleAdmin}
)

func TestFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.openEscrow(t, "100.00")

	c, err := f.disputes.File(ctx, e.ID, worker, "client cancelled at the door")
	if err != nil {
		t.Fatalf("File failed: %v", err)
	}
	if c.FiledBy != "worker-1" || c.FilerRole != "worker" {
		t.Errorf("filer not recorded: %s/%s", c.FiledBy, c.FilerRole)
	}

	// The escrow froze.
	got, _ := f.escrows.Get(ctx, e.ID)
	if got.Status != escrow.StatusDisputed {
		t.Errorf("expected disputed escrow, got %s", got.Status)
	}

	// Record is findable by escrow.
	byEscrow, err := f.disputes.GetByEscrow(ctx, e.ID)
	if err != nil || byEscrow.ID != c.ID {
		t.Errorf("GetByEscrow: got %v, %v", byEscrow, err)
	}

	// A second complaint bounces off the escrow state machine.
	if _, err := f.disputes.File(ctx, e.ID, client, "me too"); !errors.Is(err, escrow.ErrAlreadyDisputed) {
		t.Errorf("expected ErrAlreadyDisputed, got %v", err)
	}
}

func TestFile_EmptyReason(t *testing.T) {
	f := newFixture(t)
	e := f.openEscrow(t, "10.00")

	if _, err := f.disputes.File(context.Background(), e.ID, client, "   "); !errors.Is(err, ErrEmptyReason) {
		t.Errorf("expected ErrEmptyReason, got %v", err)
	}
	// Escrow untouched.
	got, _ := f.escrows.Get(context.Background(), e.ID)
	if got.Status != escrow.StatusHeld {
		t.Errorf("empty reason must not freeze the escrow, got %s", got.Status)
	}
}

func TestResolve_ReleaseToWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.openEscrow(t, "100.00")
	c, err := f.disputes.File(ctx, e.ID, client, "work disputed")
	if err != nil {
		t.Fatalf("File failed: %v", err)
	}

	resolved, err := f.disputes.Resolve(ctx, c.ID, admin, OutcomeReleaseToWorker, 0, "evidence favors worker")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !resolved.Resolved || resolved.Outcome != OutcomeReleaseToWorker {
		t.Errorf("complaint not closed: resolved=%v outcome=%s", resolved.Resolved, resolved.Outcome)
	}

	w, _ := f.wallets.GetOrCreate(ctx, "worker-1")
	if w.Available != money.MustParse("93.00") {
		t.Errorf("worker should receive net 93.00, got %s", w.Available)
	}

	// Resolving twice fails without touching the ledger again.
	if _, err := f.disputes.Resolve(ctx, c.ID, admin, OutcomeRefundToPayer, 0, ""); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestResolve_RefundToPayer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.openEscrow(t, "100.00")
	c, _ := f.disputes.File(ctx, e.ID, client, "no-show")

	if _, err := f.disputes.Resolve(ctx, c.ID, admin, OutcomeRefundToPayer, 0, ""); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	w, _ := f.wallets.GetOrCreate(ctx, "client-1")
	if w.Available != money.MustParse("100.00") {
		t.Errorf("payer should be made whole, got %s", w.Available)
	}
}

func TestResolve_Partial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.openEscrow(t, "100.00")
	c, _ := f.disputes.File(ctx, e.ID, worker, "half the job done")

	resolved, err := f.disputes.Resolve(ctx, c.ID, admin, OutcomePartial, money.MustParse("45.00"), "split per photos")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.Payout != money.MustParse("45.00") {
		t.Errorf("payout not recorded: %s", resolved.Payout)
	}
	w, _ := f.wallets.GetOrCreate(ctx, "worker-1")
	if w.Available != money.MustParse("45.00") {
		t.Errorf("worker payout: got %s", w.Available)
	}
}

func TestResolve_Guards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.openEscrow(t, "100.00")
	c, _ := f.disputes.File(ctx, e.ID, client, "dispute")

	if _, err := f.disputes.Resolve(ctx, c.ID, client, OutcomeRefundToPayer, 0, ""); !errors.Is(err, escrow.ErrForbidden) {
		t.Errorf("non-admin resolve: expected ErrForbidden, got %v", err)
	}
	if _, err := f.disputes.Resolve(ctx, c.ID, admin, Outcome("coin_flip"), 0, ""); !errors.Is(err, ErrInvalidOutcome) {
		t.Errorf("expected ErrInvalidOutcome, got %v", err)
	}
	if _, err := f.disputes.Resolve(ctx, "missing", admin, OutcomeRefundToPayer, 0, ""); !errors.Is(err, ErrComplaintNotFound) {
		t.Errorf("expected ErrComplaintNotFound, got %v", err)
	}
}

func TestList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e1 := f.openEscrow(t, "10.00")
	c1, _ := f.disputes.File(ctx, e1.ID, client, "first")
	e2 := f.openEscrow(t, "20.00")
	if _, err := f.disputes.File(ctx, e2.ID, client, "second"); err != nil {
		t.Fatalf("File failed: %v", err)
	}
	if _, err := f.disputes.Resolve(ctx, c1.ID, admin, OutcomeRefundToPayer, 0, ""); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	open, total, err := f.disputes.List(ctx, true, 10, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if total != 1 || open[0].Reason != "second" {
		t.Errorf("expected only the open complaint, got total=%d", total)
	}

	all, total, err := f.disputes.List(ctx, false, 10, 0)
	if err != nil {
		t.Fatalf("List all failed: %v", err)
	}
	if total != 2 || len(all) != 2 {
		t.Errorf("expected both complaints, got total=%d", total)
	}
}
