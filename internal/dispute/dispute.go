// Package dispute records complaints against escrows and routes admin
// adjudication back into the escrow state machine. The escrow row carries
// the freeze; this package keeps the paper trail an admin reviews before
// deciding who gets paid.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/taskvine/walletd/internal/escrow"
	"github.com/taskvine/walletd/internal/idgen"
	"github.com/taskvine/walletd/internal/logging"
	"github.com/taskvine/walletd/internal/money"
)

var (
	ErrComplaintNotFound = errors.New("complaint not found")
	ErrAlreadyResolved   = errors.New("complaint already resolved")
	ErrEmptyReason       = errors.New("complaint reason must not be empty")
	ErrInvalidOutcome    = errors.New("invalid resolution outcome")
)

// Outcome is an admin's decision on a disputed escrow.
type Outcome string

const (
	OutcomeReleaseToWorker Outcome = "release_to_worker"
	OutcomeRefundToPayer   Outcome = "refund_to_payer"
	OutcomePartial         Outcome = "partial"
)

// Complaint is the review record behind a disputed escrow.
type Complaint struct {
	ID         string       `json:"id"`
	EscrowID   string       `json:"escrowId"`
	FiledBy    string       `json:"filedBy"`
	FilerRole  string       `json:"filerRole"`
	Reason     string       `json:"reason"`
	Resolved   bool         `json:"resolved"`
	Outcome    Outcome      `json:"outcome,omitempty"`
	Payout     money.Amount `json:"payout,omitempty"` // partial outcome only
	ResolvedBy string       `json:"resolvedBy,omitempty"`
	Note       string       `json:"note,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
	ResolvedAt *time.Time   `json:"resolvedAt,omitempty"`
}

// Store persists complaint records.
type Store interface {
	Create(ctx context.Context, c *Complaint) error
	Get(ctx context.Context, id string) (*Complaint, error)
	GetByEscrow(ctx context.Context, escrowID string) (*Complaint, error)
	// Resolve marks the complaint resolved, conditional on it still being
	// open.
	Resolve(ctx context.Context, id string, outcome Outcome, payout money.Amount, resolvedBy, note string) (*Complaint, error)
	List(ctx context.Context, onlyOpen bool, limit, offset int) ([]*Complaint, int, error)
}

// EscrowService is the slice of the escrow state machine disputes drive.
type EscrowService interface {
	FileComplaint(ctx context.Context, id string, filer escrow.Actor, reason string) (*escrow.Escrow, error)
	Release(ctx context.Context, id string, actor escrow.Actor) (*escrow.Escrow, error)
	Refund(ctx context.Context, id string, actor escrow.Actor) (*escrow.Escrow, error)
	ResolvePartial(ctx context.Context, id string, actor escrow.Actor, payout money.Amount) (*escrow.Escrow, error)
}

type Service struct {
	store   Store
	escrows EscrowService
}

func NewService(store Store, escrows EscrowService) *Service {
	return &Service{store: store, escrows: escrows}
}

// File freezes the escrow and opens a complaint record. The escrow
// transition carries the race semantics; the record is written only after
// the freeze succeeds.
func (s *Service) File(ctx context.Context, escrowID string, filer escrow.Actor, reason string) (*Complaint, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrEmptyReason
	}

	if _, err := s.escrows.FileComplaint(ctx, escrowID, filer, reason); err != nil {
		return nil, err
	}

	c := &Complaint{
		ID:        idgen.WithPrefix("cpl"),
		EscrowID:  escrowID,
		FiledBy:   filer.ID,
		FilerRole: string(filer.Role),
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Create(ctx, c); err != nil {
		// The escrow is already frozen; an admin can still adjudicate it
		// from the escrow row alone.
		logging.L(ctx).Error("escrow disputed but complaint record failed",
			"escrow_id", escrowID, "filed_by", filer.ID, "error", err)
		return nil, fmt.Errorf("failed to record complaint: %w", err)
	}
	return c, nil
}

// Resolve applies an admin decision: pay the worker, refund the payer, or
// split. The escrow transition happens first; the complaint record then
// closes.
func (s *Service) Resolve(ctx context.Context, complaintID string, admin escrow.Actor, outcome Outcome, payout money.Amount, note string) (*Complaint, error) {
	if !admin.IsAdmin() {
		return nil, escrow.ErrForbidden
	}
	c, err := s.store.Get(ctx, complaintID)
	if err != nil {
		return nil, err
	}
	if c.Resolved {
		return nil, ErrAlreadyResolved
	}

	switch outcome {
	case OutcomeReleaseToWorker:
		_, err = s.escrows.Release(ctx, c.EscrowID, admin)
	case OutcomeRefundToPayer:
		_, err = s.escrows.Refund(ctx, c.EscrowID, admin)
	case OutcomePartial:
		_, err = s.escrows.ResolvePartial(ctx, c.EscrowID, admin, payout)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}
	if err != nil {
		return nil, err
	}

	resolved, err := s.store.Resolve(ctx, complaintID, outcome, payout, admin.ID, note)
	if err != nil {
		logging.L(ctx).Error("escrow adjudicated but complaint record not closed",
			"complaint_id", complaintID, "escrow_id", c.EscrowID, "error", err)
		return nil, err
	}
	logging.L(ctx).Info("complaint resolved",
		"complaint_id", complaintID, "escrow_id", c.EscrowID,
		"outcome", string(outcome), "resolved_by", admin.ID)
	return resolved, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Complaint, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) GetByEscrow(ctx context.Context, escrowID string) (*Complaint, error) {
	return s.store.GetByEscrow(ctx, escrowID)
}

// List returns complaints for admin review, open ones first when
// onlyOpen is set.
func (s *Service) List(ctx context.Context, onlyOpen bool, limit, offset int) ([]*Complaint, int, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.store.List(ctx, onlyOpen, limit, offset)
}
