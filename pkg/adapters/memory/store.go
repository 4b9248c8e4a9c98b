package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"github.com/istresearch/rapidpro-sub000/pkg/ports"
)

// Store implements ports.RunStore in memory.
// Safe for concurrent use.
type Store struct {
	data map[string]*domain.Run
	seq  map[string]uint64 // insertion order, breaks CreatedOn ties
	next uint64
	mu   sync.RWMutex
}

var _ ports.RunStore = (*Store)(nil)

// NewStore creates a new in-memory run store.
func NewStore() *Store {
	return &Store{
		data: make(map[string]*domain.Run),
		seq:  make(map[string]uint64),
	}
}

// Save persists a copy of the run.
func (s *Store) Save(ctx context.Context, run *domain.Run) error {
	copied := run.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seq[run.UUID]; !ok {
		s.next++
		s.seq[run.UUID] = s.next
	}
	s.data[run.UUID] = copied
	return nil
}

// Get returns a copy so callers can't mutate stored runs through the pointer.
func (s *Store) Get(ctx context.Context, runUUID string) (*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.data[runUUID]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	return run.Clone(), nil
}

// Delete removes the run.
func (s *Store) Delete(ctx context.Context, runUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, runUUID)
	delete(s.seq, runUUID)
	return nil
}

// ActiveForContact returns the contact's active runs, oldest first.
func (s *Store) ActiveForContact(ctx context.Context, contactUUID string) ([]*domain.Run, error) {
	return s.filter(0, func(r *domain.Run) bool {
		return r.IsActive && r.ContactUUID == contactUUID
	}), nil
}

// ListExpired returns waiting runs past their expiry.
func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Run, error) {
	return s.filter(limit, func(r *domain.Run) bool {
		return r.IsActive && r.ExpiresOn != nil && !r.ExpiresOn.After(now)
	}), nil
}

// ListTimedOut returns waiting runs past their wait timeout.
func (s *Store) ListTimedOut(ctx context.Context, now time.Time, limit int) ([]*domain.Run, error) {
	return s.filter(limit, func(r *domain.Run) bool {
		return r.IsActive && r.TimeoutOn != nil && !r.TimeoutOn.After(now)
	}), nil
}

// CountByStatus counts a flow's runs per status.
func (s *Store) CountByStatus(ctx context.Context, flowUUID string) (map[domain.RunStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := map[domain.RunStatus]int{}
	for _, r := range s.data {
		if r.FlowUUID == flowUUID {
			counts[r.Status]++
		}
	}
	return counts, nil
}

// WaitingByNode counts a flow's waiting runs per current node.
func (s *Store) WaitingByNode(ctx context.Context, flowUUID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := map[string]int{}
	for _, r := range s.data {
		if r.FlowUUID == flowUUID {
			if node := r.WaitingAt(); node != "" {
				counts[node]++
			}
		}
	}
	return counts, nil
}

// filter returns copies of matching runs ordered by creation.
func (s *Store) filter(limit int, keep func(*domain.Run) bool) []*domain.Run {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Run
	for _, r := range s.data {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedOn.Equal(out[j].CreatedOn) {
			return s.seq[out[i].UUID] < s.seq[out[j].UUID]
		}
		return out[i].CreatedOn.Before(out[j].CreatedOn)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
