// Package escrow owns the money lifecycle of a booking payment.
//
// Flow:
//  1. Booking confirmed → funds move: payer available → payer held
//  2. Cooling period passes with no complaint → auto-released to worker
//  3. Payer confirms early → released to worker (net of fees)
//  4. Either party complains before the deadline → disputed, frozen
//  5. Admin adjudicates a dispute → released, refunded, or split
//
// Fees are frozen at creation time. A release always pays out the amounts
// stored on the escrow row, never amounts recomputed against current
// rates.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/taskvine/walletd/internal/fees"
	"github.com/taskvine/walletd/internal/idgen"
	"github.com/taskvine/walletd/internal/logging"
	"github.com/taskvine/walletd/internal/metrics"
	"github.com/taskvine/walletd/internal/money"
	"github.com/taskvine/walletd/internal/syncutil"
	"github.com/taskvine/walletd/internal/traces"
)

var (
	ErrEscrowNotFound  = errors.New("escrow not found")
	ErrInvalidState    = errors.New("invalid escrow state for this operation")
	ErrForbidden       = errors.New("not authorized for this escrow operation")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrAlreadyDisputed = errors.New("escrow already disputed")
	ErrSameParty       = errors.New("payer and payee cannot be the same user")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusHeld      Status = "held"      // Funds reserved, cooling period running
	StatusDisputed  Status = "disputed"  // Complaint filed, frozen for adjudication
	StatusReleasing Status = "releasing" // Claimed by a settlement in flight
	StatusReleased  Status = "released"  // Paid out to the worker
	StatusRefunded  Status = "refunded"  // Returned to the payer
	StatusCancelled Status = "cancelled" // Aborted before the cooling deadline
)

// IsTerminal returns true if the status is final.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// Role identifies what kind of actor is driving a transition.
type Role string

const (
	RoleClient Role = "client"
	RoleWorker Role = "worker"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// Actor is the verified identity performing an operation.
type Actor struct {
	ID   string
	Role Role
}

// System is the actor used by unattended sweeps.
var System = Actor{ID: "system", Role: RoleSystem}

func (a Actor) IsAdmin() bool  { return a.Role == RoleAdmin }
func (a Actor) IsSystem() bool { return a.Role == RoleSystem }

// Escrow is one booking payment held between payer and payee. The fee
// split is computed once at creation and stored; Net is what the payee
// receives on release.
type Escrow struct {
	ID          string       `json:"id"`
	PayerID     string       `json:"payerId"`
	PayeeID     string       `json:"payeeId"`
	BookingID   string       `json:"bookingId,omitempty"`
	Gross       money.Amount `json:"gross"`
	PlatformFee money.Amount `json:"platformFee"`
	PaymentFee  money.Amount `json:"paymentFee"`
	Net         money.Amount `json:"net"`
	Currency    string       `json:"currency"`
	Method      fees.Method  `json:"method,omitempty"`
	Status      Status       `json:"status"`

	HasComplaint    bool       `json:"hasComplaint"`
	ComplaintBy     string     `json:"complaintBy,omitempty"`
	ComplaintReason string     `json:"complaintReason,omitempty"`
	ComplaintAt     *time.Time `json:"complaintAt,omitempty"`

	HoldUntil  time.Time  `json:"holdUntil"`
	Resolution string     `json:"resolution,omitempty"`
	ResolvedBy string     `json:"resolvedBy,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`

	// Ledger references: the hold transaction that opened the escrow and
	// the terminal transaction that closed it.
	HoldTxnID  string `json:"holdTxnId,omitempty"`
	CloseTxnID string `json:"closeTxnId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool { return e.Status.IsTerminal() }

// TotalFee is the platform's take on release.
func (e *Escrow) TotalFee() money.Amount { return e.PlatformFee + e.PaymentFee }

// Filter selects escrows for listing.
type Filter struct {
	UserID    string // matches payer or payee
	Statuses  []Status
	From      *time.Time
	To        *time.Time
	MinAmount *money.Amount
	MaxAmount *money.Amount
	Limit     int
	Offset    int
}

// Store persists escrow rows. Claim, Revert, and MarkDisputed are
// conditional on current status so concurrent writers cannot both win.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)

	// Claim moves the escrow from the given status into the transient
	// releasing state. When requireNoComplaint is set the claim
	// additionally fails if a complaint has been filed, which is how an
	// auto-release loses the race against a last-second complaint. Returns
	// ErrInvalidState when the row is no longer in the expected status.
	Claim(ctx context.Context, id string, from Status, requireNoComplaint bool) (*Escrow, error)

	// Revert returns a claimed escrow to its prior status after a failed
	// settlement attempt.
	Revert(ctx context.Context, id string, to Status) error

	// Update persists terminal fields after a settlement.
	Update(ctx context.Context, e *Escrow) error

	// MarkDisputed files a complaint: conditional on status held and the
	// cooling deadline not having passed. Returns ErrAlreadyDisputed or
	// ErrInvalidState when the condition no longer holds.
	MarkDisputed(ctx context.Context, id, filerID, reason string) (*Escrow, error)

	List(ctx context.Context, f Filter) ([]*Escrow, int, error)

	// ListReadyForRelease returns held escrows with no complaint whose
	// cooling deadline passed before the given time.
	ListReadyForRelease(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)

	// SumOpen returns the total gross and count of non-terminal escrows
	// where the user is the payer.
	SumOpen(ctx context.Context, payerID string) (money.Amount, int, error)
}

// LedgerService abstracts wallet operations so escrow doesn't import the
// wallet package.
type LedgerService interface {
	HoldFunds(ctx context.Context, payerID string, gross money.Amount, escrowID string) (string, error)
	ReleaseFunds(ctx context.Context, payerID, payeeID string, gross, net, fee money.Amount, escrowID string) (string, error)
	RefundFunds(ctx context.Context, payerID string, gross money.Amount, escrowID string) (string, error)
	SplitFunds(ctx context.Context, payerID, payeeID string, gross, payout, fee money.Amount, escrowID string) (string, error)
}

// CreateRequest contains the parameters for opening an escrow.
type CreateRequest struct {
	PayerID   string       `json:"payerId"`
	PayeeID   string       `json:"payeeId" binding:"required"`
	Gross     money.Amount `json:"gross" binding:"required"`
	Currency  string       `json:"currency"`
	Method    fees.Method  `json:"method"`
	BookingID string       `json:"bookingId"`
}

// Service implements the escrow state machine.
type Service struct {
	store   Store
	ledger  LedgerService
	calc    *fees.Calculator
	cooling time.Duration
	locks   *syncutil.ShardedMutex
}

// NewService creates the escrow service. cooling is the complaint window
// after which an undisputed escrow becomes eligible for auto-release.
func NewService(store Store, ledger LedgerService, calc *fees.Calculator, cooling time.Duration) *Service {
	return &Service{
		store:   store,
		ledger:  ledger,
		calc:    calc,
		cooling: cooling,
		locks:   syncutil.NewShardedMutex(),
	}
}

// QuoteFees previews the fee breakdown for a gross amount without moving
// any funds. The quote is informational; the binding split is frozen on
// the escrow row at Create.
func (s *Service) QuoteFees(gross money.Amount, method fees.Method) (fees.Breakdown, error) {
	return s.calc.Calculate(gross, method)
}

// Create opens an escrow: fees are computed and frozen, the gross amount
// moves from the payer's available balance into held.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.create", traces.Actor(req.PayerID))
	defer span.End()

	if req.PayerID == req.PayeeID {
		return nil, ErrSameParty
	}
	breakdown, err := s.calc.Calculate(req.Gross, req.Method)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}
	now := time.Now().UTC()
	e := &Escrow{
		ID:          idgen.WithPrefix("esc"),
		PayerID:     req.PayerID,
		PayeeID:     req.PayeeID,
		BookingID:   req.BookingID,
		Gross:       breakdown.Gross,
		PlatformFee: breakdown.PlatformFee,
		PaymentFee:  breakdown.PaymentFee,
		Net:         breakdown.Net,
		Currency:    currency,
		Method:      req.Method,
		Status:      StatusHeld,
		HoldUntil:   now.Add(s.cooling),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	holdTxnID, err := s.ledger.HoldFunds(ctx, e.PayerID, e.Gross, e.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to hold escrow funds: %w", err)
	}
	e.HoldTxnID = holdTxnID

	if err := s.store.Create(ctx, e); err != nil {
		// Best-effort refund if the record can't be written.
		if _, rerr := s.ledger.RefundFunds(ctx, e.PayerID, e.Gross, e.ID); rerr != nil {
			logging.L(ctx).Error("CRITICAL: escrow funds held but record and refund both failed",
				"escrow_id", e.ID, "payer_id", e.PayerID, "error", rerr)
		}
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	metrics.RecordEscrowTransition(string(StatusHeld))
	logging.L(ctx).Info("escrow created",
		"escrow_id", e.ID, "payer_id", e.PayerID, "payee_id", e.PayeeID,
		"gross", e.Gross.String(), "net", e.Net.String(), "hold_until", e.HoldUntil)
	return e, nil
}

// Release pays the escrow out to the payee. From held the payer, an
// admin, or the auto-release sweep may release; a disputed escrow only an
// admin.
func (s *Service) Release(ctx context.Context, id string, actor Actor) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.release", traces.Escrow(id), traces.Actor(actor.ID))
	defer span.End()

	unlock := s.locks.Lock(id)
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeSettle(e, actor, true); err != nil {
		return nil, err
	}

	prev := e.Status
	claimed, err := s.store.Claim(ctx, id, prev, actor.IsSystem())
	if err != nil {
		return nil, err
	}

	closeTxnID, err := s.ledger.ReleaseFunds(ctx, claimed.PayerID, claimed.PayeeID,
		claimed.Gross, claimed.Net, claimed.TotalFee(), claimed.ID)
	if err != nil {
		if rerr := s.store.Revert(ctx, id, prev); rerr != nil {
			logging.L(ctx).Error("CRITICAL: escrow stuck in releasing after failed settlement",
				"escrow_id", id, "error", rerr)
		}
		return nil, fmt.Errorf("failed to release escrow funds: %w", err)
	}

	return s.finalize(ctx, claimed, StatusReleased, "released_by_"+string(actor.Role), actor.ID, closeTxnID)
}

// Refund returns the full gross amount to the payer. Admin only; clients
// abort an undisputed escrow through Cancel instead.
func (s *Service) Refund(ctx context.Context, id string, actor Actor) (*Escrow, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeSettle(e, actor, false); err != nil {
		return nil, err
	}

	prev := e.Status
	claimed, err := s.store.Claim(ctx, id, prev, false)
	if err != nil {
		return nil, err
	}

	closeTxnID, err := s.ledger.RefundFunds(ctx, claimed.PayerID, claimed.Gross, claimed.ID)
	if err != nil {
		if rerr := s.store.Revert(ctx, id, prev); rerr != nil {
			logging.L(ctx).Error("CRITICAL: escrow stuck in releasing after failed refund",
				"escrow_id", id, "error", rerr)
		}
		return nil, fmt.Errorf("failed to refund escrow funds: %w", err)
	}

	return s.finalize(ctx, claimed, StatusRefunded, "refunded_by_admin", actor.ID, closeTxnID)
}

// Cancel aborts a held escrow before the cooling deadline, returning the
// gross amount to the payer. Allowed for the payer or an admin while no
// complaint is pending.
func (s *Service) Cancel(ctx context.Context, id string, actor Actor) (*Escrow, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.IsTerminal() || e.Status != StatusHeld {
		return nil, ErrInvalidState
	}
	if e.HasComplaint {
		return nil, fmt.Errorf("%w: complaint pending", ErrInvalidState)
	}
	if !actor.IsAdmin() && actor.ID != e.PayerID {
		return nil, ErrForbidden
	}

	claimed, err := s.store.Claim(ctx, id, StatusHeld, true)
	if err != nil {
		return nil, err
	}

	closeTxnID, err := s.ledger.RefundFunds(ctx, claimed.PayerID, claimed.Gross, claimed.ID)
	if err != nil {
		if rerr := s.store.Revert(ctx, id, StatusHeld); rerr != nil {
			logging.L(ctx).Error("CRITICAL: escrow stuck in releasing after failed cancel",
				"escrow_id", id, "error", rerr)
		}
		return nil, fmt.Errorf("failed to refund cancelled escrow: %w", err)
	}

	return s.finalize(ctx, claimed, StatusCancelled, "cancelled_by_"+string(actor.Role), actor.ID, closeTxnID)
}

// ResolvePartial settles a disputed escrow part-ways: the payee receives
// payout, the platform keeps the frozen fee, the rest returns to the
// payer. Admin only. payout must not exceed the escrow's net amount.
func (s *Service) ResolvePartial(ctx context.Context, id string, actor Actor, payout money.Amount) (*Escrow, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	if payout < 0 {
		return nil, ErrInvalidAmount
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusDisputed {
		return nil, ErrInvalidState
	}
	if payout > e.Net {
		return nil, fmt.Errorf("%w: payout exceeds escrow net", ErrInvalidAmount)
	}

	claimed, err := s.store.Claim(ctx, id, StatusDisputed, false)
	if err != nil {
		return nil, err
	}

	closeTxnID, err := s.ledger.SplitFunds(ctx, claimed.PayerID, claimed.PayeeID,
		claimed.Gross, payout, claimed.TotalFee(), claimed.ID)
	if err != nil {
		if rerr := s.store.Revert(ctx, id, StatusDisputed); rerr != nil {
			logging.L(ctx).Error("CRITICAL: escrow stuck in releasing after failed split",
				"escrow_id", id, "error", rerr)
		}
		return nil, fmt.Errorf("failed to split escrow funds: %w", err)
	}

	return s.finalize(ctx, claimed, StatusReleased, "partial_by_admin", actor.ID, closeTxnID)
}

// finalize persists the terminal state after funds have moved. The funds
// are already gone from held, so a persist failure is retried once and
// then escalated for manual resolution rather than compensated blindly.
func (s *Service) finalize(ctx context.Context, e *Escrow, status Status, resolution, resolvedBy, closeTxnID string) (*Escrow, error) {
	now := time.Now().UTC()
	e.Status = status
	e.Resolution = resolution
	e.ResolvedBy = resolvedBy
	e.ResolvedAt = &now
	e.CloseTxnID = closeTxnID
	e.UpdatedAt = now

	if err := s.store.Update(ctx, e); err != nil {
		if retryErr := s.store.Update(ctx, e); retryErr != nil {
			logging.L(ctx).Error("CRITICAL: escrow funds settled but status update failed",
				"escrow_id", e.ID, "status", string(status), "error", retryErr)
			return nil, fmt.Errorf("failed to update escrow after settlement (requires manual resolution): %w", err)
		}
	}

	metrics.RecordEscrowTransition(string(status))
	logging.L(ctx).Info("escrow settled",
		"escrow_id", e.ID, "status", string(status),
		"resolution", resolution, "resolved_by", resolvedBy)
	return e, nil
}

// authorizeSettle checks who may drive a held or disputed escrow to
// release (toRelease) or refund.
func authorizeSettle(e *Escrow, actor Actor, toRelease bool) error {
	if e.IsTerminal() {
		return ErrInvalidState
	}
	switch e.Status {
	case StatusDisputed:
		if !actor.IsAdmin() {
			return ErrForbidden
		}
	case StatusHeld:
		if !toRelease {
			// Direct refund of an undisputed escrow is an admin override.
			if !actor.IsAdmin() {
				return ErrForbidden
			}
			return nil
		}
		if e.HasComplaint && !actor.IsAdmin() {
			return ErrForbidden
		}
		if !actor.IsAdmin() && !actor.IsSystem() && actor.ID != e.PayerID {
			return ErrForbidden
		}
	default:
		// A concurrent settlement holds the claim.
		return ErrInvalidState
	}
	return nil
}

// FileComplaint freezes a held escrow for admin adjudication. Only the
// payer or payee may file, and only before the cooling deadline. The
// status condition lives in the store so a complaint and an auto-release
// racing each other cannot both win.
func (s *Service) FileComplaint(ctx context.Context, id string, filer Actor, reason string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if filer.ID != e.PayerID && filer.ID != e.PayeeID {
		return nil, ErrForbidden
	}
	if e.Status == StatusDisputed {
		return nil, ErrAlreadyDisputed
	}
	if e.IsTerminal() {
		return nil, ErrInvalidState
	}

	updated, err := s.store.MarkDisputed(ctx, id, filer.ID, reason)
	if err != nil {
		return nil, err
	}

	metrics.RecordEscrowTransition(string(StatusDisputed))
	logging.L(ctx).Info("escrow complaint filed",
		"escrow_id", id, "filed_by", filer.ID, "role", string(filer.Role))
	return updated, nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// List returns a filtered page of escrows plus the total match count.
func (s *Service) List(ctx context.Context, f Filter) ([]*Escrow, int, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	return s.store.List(ctx, f)
}

// ListReadyForRelease returns escrows eligible for auto-release: held,
// no complaint, cooling deadline passed. Used by the sweep.
func (s *Service) ListReadyForRelease(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	return s.store.ListReadyForRelease(ctx, before, limit)
}

// SumOpenEscrows reports the payer's total reserved gross and open escrow
// count. The wallet summary recomputes held from this.
func (s *Service) SumOpenEscrows(ctx context.Context, payerID string) (money.Amount, int, error) {
	return s.store.SumOpen(ctx, payerID)
}
