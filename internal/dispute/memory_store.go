package dispute

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/taskvine/walletd/internal/money"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu         sync.RWMutex
	complaints map[string]*Complaint
	order      []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{complaints: make(map[string]*Complaint)}
}

func (s *MemoryStore) Create(ctx context.Context, c *Complaint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.complaints[c.ID] = &cp
	s.order = append(s.order, c.ID)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Complaint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.complaints[id]
	if !ok {
		return nil, ErrComplaintNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) GetByEscrow(ctx context.Context, escrowID string) (*Complaint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.complaints {
		if c.EscrowID == escrowID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrComplaintNotFound
}

func (s *MemoryStore) Resolve(ctx context.Context, id string, outcome Outcome, payout money.Amount, resolvedBy, note string) (*Complaint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.complaints[id]
	if !ok {
		return nil, ErrComplaintNotFound
	}
	if c.Resolved {
		return nil, ErrAlreadyResolved
	}
	now := time.Now().UTC()
	c.Resolved = true
	c.Outcome = outcome
	c.Payout = payout
	c.ResolvedBy = resolvedBy
	c.Note = note
	c.ResolvedAt = &now
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context, onlyOpen bool, limit, offset int) ([]*Complaint, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Complaint
	for _, id := range s.order {
		c := s.complaints[id]
		if onlyOpen && c.Resolved {
			continue
		}
		cp := *c
		matched = append(matched, &cp)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return matched[offset:end], total, nil
}
