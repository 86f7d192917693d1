package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/taskvine/walletd/internal/fees"
	"github.com/taskvine/walletd/internal/money"
)

// mockLedger tracks fund movements without a wallet store behind it.
type mockLedger struct {
	mu          sync.Mutex
	holds       int
	releases    int
	refunds     int
	splits      int
	lastPayout  money.Amount
	lastFee     money.Amount
	holdErr     error
	releaseErr  error
	refundErr   error
}

func (m *mockLedger) HoldFunds(ctx context.Context, payerID string, gross money.Amount, escrowID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holdErr != nil {
		return "", m.holdErr
	}
	m.holds++
	return "txn-hold", nil
}

func (m *mockLedger) ReleaseFunds(ctx context.Context, payerID, payeeID string, gross, net, fee money.Amount, escrowID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.releaseErr != nil {
		return "", m.releaseErr
	}
	m.releases++
	m.lastPayout = net
	m.lastFee = fee
	return "txn-release", nil
}

func (m *mockLedger) RefundFunds(ctx context.Context, payerID string, gross money.Amount, escrowID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refundErr != nil {
		return "", m.refundErr
	}
	m.refunds++
	return "txn-refund", nil
}

func (m *mockLedger) SplitFunds(ctx context.Context, payerID, payeeID string, gross, payout, fee money.Amount, escrowID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.splits++
	m.lastPayout = payout
	m.lastFee = fee
	return "txn-split", nil
}

func newTestService(cooling time.Duration) (*Service, *mockLedger) {
	ledger := &mockLedger{}
	svc := NewService(NewMemoryStore(), ledger, fees.New(5, 2), cooling)
	return svc, ledger
}

func createEscrow(t *testing.T, svc *Service, gross string) *Escrow {
	t.Helper()
	e, err := svc.Create(context.Background(), CreateRequest{
		PayerID: "client-1",
		PayeeID: "worker-1",
		Gross:   money.MustParse(gross),
		Method:  fees.MethodInternal,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return e
}

func TestCreate_FreezesFees(t *testing.T) {
	svc, ledger := newTestService(72 * time.Hour)
	e := createEscrow(t, svc, "100.00")

	if e.Status != StatusHeld {
		t.Errorf("expected held, got %s", e.Status)
	}
	if e.PlatformFee != money.MustParse("5.00") || e.PaymentFee != money.MustParse("2.00") {
		t.Errorf("expected frozen fees 5.00/2.00, got %s/%s", e.PlatformFee, e.PaymentFee)
	}
	if e.Net != money.MustParse("93.00") {
		t.Errorf("expected net 93.00, got %s", e.Net)
	}
	if e.HoldTxnID == "" {
		t.Error("escrow must reference its hold transaction")
	}
	if ledger.holds != 1 {
		t.Errorf("expected exactly one hold, got %d", ledger.holds)
	}
	if e.HoldUntil.Before(time.Now().Add(71 * time.Hour)) {
		t.Errorf("cooling deadline too early: %v", e.HoldUntil)
	}

	// A later rate change must not affect the stored amounts.
	svc.calc.PlatformPct = 50
	got, err := svc.Get(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Net != money.MustParse("93.00") {
		t.Errorf("fee drift after rate change: net %s", got.Net)
	}
}

func TestCreate_Validation(t *testing.T) {
	svc, ledger := newTestService(72 * time.Hour)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateRequest{PayerID: "u1", PayeeID: "u1", Gross: money.MustParse("10.00")})
	if !errors.Is(err, ErrSameParty) {
		t.Errorf("expected ErrSameParty, got %v", err)
	}

	_, err = svc.Create(ctx, CreateRequest{PayerID: "u1", PayeeID: "u2", Gross: 0})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
	if ledger.holds != 0 {
		t.Errorf("invalid requests must not move funds, saw %d holds", ledger.holds)
	}
}

func TestCreate_InsufficientBalancePropagates(t *testing.T) {
	svc, ledger := newTestService(72 * time.Hour)
	sentinel := errors.New("insufficient balance")
	ledger.holdErr = sentinel

	_, err := svc.Create(context.Background(), CreateRequest{
		PayerID: "client-1", PayeeID: "worker-1", Gross: money.MustParse("10.00"),
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("ledger error must propagate, got %v", err)
	}
}

func TestRelease_ByPayer(t *testing.T) {
	svc, ledger := newTestService(72 * time.Hour)
	e := createEscrow(t, svc, "100.00")

	released, err := svc.Release(context.Background(), e.ID, Actor{ID: "client-1", Role: RoleClient})
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if released.Status != StatusReleased {
		t.Errorf("expected released, got %s", released.Status)
	}
	if released.ResolvedAt == nil || released.CloseTxnID == "" {
		t.Error("terminal escrow must carry resolved-at and close transaction")
	}
	if ledger.lastPayout != money.MustParse("93.00") || ledger.lastFee != money.MustParse("7.00") {
		t.Errorf("payout/fee: got %s/%s", ledger.lastPayout, ledger.lastFee)
	}

	// Terminal state is final.
	if _, err := svc.Release(context.Background(), e.ID, Actor{ID: "client-1", Role: RoleClient}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on second release, got %v", err)
	}
	if _, err := svc.Refund(context.Background(), e.ID, Actor{ID: "admin-1", Role: RoleAdmin}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on refund after release, got %v", err)
	}
	if ledger.releases != 1 {
		t.Errorf("funds must move exactly once, saw %d releases", ledger.releases)
	}
}

func TestRelease_Authorization(t *testing.T) {
	svc, _ := newTestService(72 * time.Hour)
	ctx := context.Background()

	cases := []struct {
		name  string
		actor Actor
		want  error
	}{
		{"payee cannot release", Actor{ID: "worker-1", Role: RoleWorker}, ErrForbidden},
		{"stranger cannot release", Actor{ID: "other", Role: RoleClient}, ErrForbidden},
		{"admin can release", Actor{ID: "admin-1", Role: RoleAdmin}, nil},
	}
	for _, tc := range cases {
		e := createEscrow(t, svc, "10.00")
		_, err := svc.Release(ctx, e.ID, tc.actor)
		if tc.want == nil && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	if _, err := svc.Release(ctx, "missing", Actor{ID: "admin-1", Role: RoleAdmin}); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("expected ErrEscrowNotFound, got %v", err)
	}
}

func TestRelease_Concurrent(t *testing.T) {
	svc, ledger := newTestService(72 * time.Hour)
	e := createEscrow(t, svc, "100.00")
	actor := Actor{ID: "client-1", Role: RoleClient}

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Release(context.Background(), e.ID, actor)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, invalid int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInvalidState):
			invalid++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || invalid != 1 {
		t.Errorf("expected exactly one winner, got ok=%d invalid=%d", ok, invalid)
	}
	if ledger.releases != 1 {
		t.Errorf("payee must be credited exactly once, saw %d releases", ledger.releases)
	}
}

func TestRelease_LedgerFailureReverts(t *testing.T) {
	svc, ledger := newTestService(72 * time.Hour)
	e := createEscrow(t, svc, "100.00")
	ledger.releaseErr = errors.New("store down")

	_, err := svc.Release(context.Background(), e.ID, Actor{ID: "client-1", Role: RoleClient})
	if err == nil {
		t.Fatal("expected release to fail")
	}

	// The claim must be rolled back so a retry can succeed.
	got, _ := svc.Get(context.Background(), e.ID)
	if got.Status != StatusHeld {
		t.Fatalf("expected held after failed release, got %s", got.Status)
	}
	ledger.releaseErr = nil
	if _, err := svc.Release(context.Background(), e.ID, Actor{ID: "client-1", Role: RoleClient}); err != nil {
		t.Errorf("retry after transient failure should succeed, got %v", err)
	}
}

func TestFileComplaint(t *testing.T) {
	svc, _ := newTestService(72 * time.Hour)
	ctx := context.Background()
	e := createEscrow(t, svc, "50.00")

	disputed, err := svc.FileComplaint(ctx, e.ID, Actor{ID: "worker-1", Role: RoleWorker}, "client never showed up")
	if err != nil {
		t.Fatalf("FileComplaint failed: %v", err)
	}
	if disputed.Status != StatusDisputed || !disputed.HasComplaint {
		t.Errorf("expected disputed with complaint flag, got %s complaint=%v", disputed.Status, disputed.HasComplaint)
	}
	if disputed.ComplaintBy != "worker-1" {
		t.Errorf("complaint filer not recorded: %q", disputed.ComplaintBy)
	}

	// Second complaint is rejected.
	if _, err := svc.FileComplaint(ctx, e.ID, Actor{ID: "client-1", Role: RoleClient}, "dup"); !errors.Is(err, ErrAlreadyDisputed) {
		t.Errorf("expected ErrAlreadyDisputed, got %v", err)
	}

	// Only parties may file.
	e2 := createEscrow(t, svc, "50.00")
	if _, err := svc.FileComplaint(ctx, e2.ID, Actor{ID: "rando", Role: RoleClient}, "nope"); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}

func TestFileComplaint_WindowClosed(t *testing.T) {
	svc, _ := newTestService(-time.Hour) // deadline already passed at creation
	e := createEscrow(t, svc, "50.00")

	_, err := svc.FileComplaint(context.Background(), e.ID, Actor{ID: "client-1", Role: RoleClient}, "too late")
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState after window, got %v", err)
	}
}

func TestDisputed_OnlyAdminSettles(t *testing.T) {
	svc, ledger := newTestService(72 * time.Hour)
	ctx := context.Background()
	e := createEscrow(t, svc, "100.00")
	if _, err := svc.FileComplaint(ctx, e.ID, Actor{ID: "client-1", Role: RoleClient}, "bad work"); err != nil {
		t.Fatalf("FileComplaint failed: %v", err)
	}

	// Payer, payee, and the sweep are all locked out.
	for _, actor := range []Actor{
		{ID: "client-1", Role: RoleClient},
		{ID: "worker-1", Role: RoleWorker},
		System,
	} {
		if _, err := svc.Release(ctx, e.ID, actor); !errors.Is(err, ErrForbidden) {
			t.Errorf("actor %s: expected ErrForbidden, got %v", actor.ID, err)
		}
	}

	refunded, err := svc.Refund(ctx, e.ID, Actor{ID: "admin-1", Role: RoleAdmin})
	if err != nil {
		t.Fatalf("admin refund failed: %v", err)
	}
	if refunded.Status != StatusRefunded {
		t.Errorf("expected refunded, got %s", refunded.Status)
	}
	if ledger.refunds != 1 {
		t.Errorf("expected one refund, got %d", ledger.refunds)
	}
}

func TestComplaintBeatsAutoRelease(t *testing.T) {
	svc, ledger := newTestService(time.Hour)
	ctx := context.Background()
	e := createEscrow(t, svc, "100.00")

	// Complaint lands while the escrow is still inside its window.
	if _, err := svc.FileComplaint(ctx, e.ID, Actor{ID: "client-1", Role: RoleClient}, "not done"); err != nil {
		t.Fatalf("FileComplaint failed: %v", err)
	}

	// A sweep that had already selected this escrow now tries to release.
	_, err := svc.Release(ctx, e.ID, System)
	if !errors.Is(err, ErrForbidden) && !errors.Is(err, ErrInvalidState) {
		t.Fatalf("sweep release must lose to the complaint, got %v", err)
	}

	got, _ := svc.Get(ctx, e.ID)
	if got.Status != StatusDisputed {
		t.Errorf("escrow must end disputed, got %s", got.Status)
	}
	if ledger.releases != 0 {
		t.Errorf("no funds may move, saw %d releases", ledger.releases)
	}

	// And the selection query no longer returns it.
	ready, err := svc.ListReadyForRelease(ctx, time.Now().Add(2*time.Hour), 100)
	if err != nil {
		t.Fatalf("ListReadyForRelease failed: %v", err)
	}
	if len(ready) != 0 {
		t.Errorf("disputed escrow must not be selected for release, got %d", len(ready))
	}
}

func TestCancel(t *testing.T) {
	svc, ledger := newTestService(72 * time.Hour)
	ctx := context.Background()
	e := createEscrow(t, svc, "60.00")

	cancelled, err := svc.Cancel(ctx, e.ID, Actor{ID: "client-1", Role: RoleClient})
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}
	if ledger.refunds != 1 {
		t.Errorf("cancel must refund the payer, got %d refunds", ledger.refunds)
	}

	// Cancelled is terminal.
	if _, err := svc.Release(ctx, e.ID, Actor{ID: "admin-1", Role: RoleAdmin}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState after cancel, got %v", err)
	}

	// The payee cannot cancel.
	e2 := createEscrow(t, svc, "60.00")
	if _, err := svc.Cancel(ctx, e2.ID, Actor{ID: "worker-1", Role: RoleWorker}); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}

func TestResolvePartial(t *testing.T) {
	svc, ledger := newTestService(72 * time.Hour)
	ctx := context.Background()
	e := createEscrow(t, svc, "100.00")
	if _, err := svc.FileComplaint(ctx, e.ID, Actor{ID: "client-1", Role: RoleClient}, "half done"); err != nil {
		t.Fatalf("FileComplaint failed: %v", err)
	}

	admin := Actor{ID: "admin-1", Role: RoleAdmin}
	if _, err := svc.ResolvePartial(ctx, e.ID, Actor{ID: "client-1", Role: RoleClient}, money.MustParse("40.00")); !errors.Is(err, ErrForbidden) {
		t.Errorf("non-admin partial: expected ErrForbidden, got %v", err)
	}
	if _, err := svc.ResolvePartial(ctx, e.ID, admin, money.MustParse("95.00")); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("payout above net: expected ErrInvalidAmount, got %v", err)
	}

	settled, err := svc.ResolvePartial(ctx, e.ID, admin, money.MustParse("40.00"))
	if err != nil {
		t.Fatalf("ResolvePartial failed: %v", err)
	}
	if settled.Status != StatusReleased || settled.Resolution != "partial_by_admin" {
		t.Errorf("expected released/partial_by_admin, got %s/%s", settled.Status, settled.Resolution)
	}
	if ledger.splits != 1 || ledger.lastPayout != money.MustParse("40.00") {
		t.Errorf("expected one split paying 40.00, got %d paying %s", ledger.splits, ledger.lastPayout)
	}
}

func TestSumOpenEscrows(t *testing.T) {
	svc, _ := newTestService(72 * time.Hour)
	ctx := context.Background()

	createEscrow(t, svc, "10.00")
	e2 := createEscrow(t, svc, "20.00")
	e3 := createEscrow(t, svc, "30.00")
	if _, err := svc.FileComplaint(ctx, e2.ID, Actor{ID: "client-1", Role: RoleClient}, "x"); err != nil {
		t.Fatalf("FileComplaint failed: %v", err)
	}
	if _, err := svc.Release(ctx, e3.ID, Actor{ID: "client-1", Role: RoleClient}); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	// held + disputed count as open; released does not.
	sum, count, err := svc.SumOpenEscrows(ctx, "client-1")
	if err != nil {
		t.Fatalf("SumOpenEscrows failed: %v", err)
	}
	if sum != money.MustParse("30.00") || count != 2 {
		t.Errorf("expected 30.00 across 2 escrows, got %s across %d", sum, count)
	}
}

func TestList_Filters(t *testing.T) {
	svc, _ := newTestService(72 * time.Hour)
	ctx := context.Background()

	createEscrow(t, svc, "10.00")
	e2 := createEscrow(t, svc, "200.00")
	if _, err := svc.Release(ctx, e2.ID, Actor{ID: "client-1", Role: RoleClient}); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	all, total, err := svc.List(ctx, Filter{UserID: "client-1"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if total != 2 || len(all) != 2 {
		t.Fatalf("expected 2 escrows, got total=%d", total)
	}

	held, total, err := svc.List(ctx, Filter{UserID: "worker-1", Statuses: []Status{StatusHeld}})
	if err != nil {
		t.Fatalf("List by status failed: %v", err)
	}
	if total != 1 || held[0].Status != StatusHeld {
		t.Errorf("status filter: expected 1 held escrow, got %d", total)
	}

	min := money.MustParse("100.00")
	big, total, err := svc.List(ctx, Filter{MinAmount: &min})
	if err != nil {
		t.Fatalf("List by amount failed: %v", err)
	}
	if total != 1 || big[0].Gross != money.MustParse("200.00") {
		t.Errorf("amount filter: expected the 200.00 escrow, got %d rows", total)
	}
}
