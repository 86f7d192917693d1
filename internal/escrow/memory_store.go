package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/taskvine/walletd/internal/money"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[string]*Escrow
	order   []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{escrows: make(map[string]*Escrow)}
}

func (s *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.escrows[e.ID]; ok {
		return fmt.Errorf("escrow %s already exists", e.ID)
	}
	cp := *e
	s.escrows[e.ID] = &cp
	s.order = append(s.order, e.ID)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) Claim(ctx context.Context, id string, from Status, requireNoComplaint bool) (*Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	if e.Status != from {
		return nil, ErrInvalidState
	}
	if requireNoComplaint && e.HasComplaint {
		return nil, fmt.Errorf("%w: complaint filed", ErrInvalidState)
	}
	e.Status = StatusReleasing
	e.UpdatedAt = time.Now().UTC()
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) Revert(ctx context.Context, id string, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escrows[id]
	if !ok {
		return ErrEscrowNotFound
	}
	if e.Status != StatusReleasing {
		return ErrInvalidState
	}
	e.Status = to
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, e *Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.escrows[e.ID]; !ok {
		return ErrEscrowNotFound
	}
	cp := *e
	s.escrows[e.ID] = &cp
	return nil
}

func (s *MemoryStore) MarkDisputed(ctx context.Context, id, filerID, reason string) (*Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	if e.Status == StatusDisputed {
		return nil, ErrAlreadyDisputed
	}
	if e.Status != StatusHeld {
		return nil, ErrInvalidState
	}
	now := time.Now().UTC()
	if !now.Before(e.HoldUntil) {
		return nil, fmt.Errorf("%w: complaint window closed", ErrInvalidState)
	}
	e.Status = StatusDisputed
	e.HasComplaint = true
	e.ComplaintBy = filerID
	e.ComplaintReason = reason
	e.ComplaintAt = &now
	e.UpdatedAt = now
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*Escrow, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Escrow
	for _, id := range s.order {
		e := s.escrows[id]
		if !matchesEscrow(e, f) {
			continue
		}
		cp := *e
		matched = append(matched, &cp)
	}
	sort.SliceStable(matched, func(i, j int) bool {
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

func matchesEscrow(e *Escrow, f Filter) bool {
	if f.UserID != "" && e.PayerID != f.UserID && e.PayeeID != f.UserID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if e.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && e.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && e.CreatedAt.After(*f.To) {
		return false
	}
	if f.MinAmount != nil && e.Gross < *f.MinAmount {
		return false
	}
	if f.MaxAmount != nil && e.Gross > *f.MaxAmount {
		return false
	}
	return true
}

func (s *MemoryStore) ListReadyForRelease(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ready []*Escrow
	for _, id := range s.order {
		if limit > 0 && len(ready) >= limit {
			break
		}
		e := s.escrows[id]
		if e.Status != StatusHeld || e.HasComplaint {
			continue
		}
		if e.HoldUntil.After(before) {
			continue
		}
		cp := *e
		ready = append(ready, &cp)
	}
	return ready, nil
}

func (s *MemoryStore) SumOpen(ctx context.Context, payerID string) (money.Amount, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum money.Amount
	count := 0
	for _, e := range s.escrows {
		if e.PayerID != payerID || e.IsTerminal() {
			continue
		}
		sum += e.Gross
		count++
	}
	return sum, count, nil
}
