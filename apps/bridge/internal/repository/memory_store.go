package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"bridge/apps/bridge/internal/events"
	"bridge/apps/bridge/internal/model"
)

// MemoryStore is the in-process Store. Records are cloned on the way in and
// out so callers never alias stored state. It also keeps the event stream the
// Postgres outbox would have received.
type MemoryStore struct {
	mu        sync.RWMutex
	transfers map[string]*model.Transfer
	byDedup   map[string]string
	events    []events.TransferEvent
	now       func() time.Time

	// FailPuts makes Put return the error, for exercising store outages.
	FailPuts error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transfers: make(map[string]*model.Transfer),
		byDedup:   make(map[string]string),
		now:       time.Now,
	}
}

// SetClock overrides the time source used for age queries.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Create(_ context.Context, t *model.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.transfers[t.ID]; exists {
		return ErrDuplicate
	}
	key := t.DedupKey()
	if key != "" {
		if _, exists := s.byDedup[key]; exists {
			return ErrDuplicate
		}
		s.byDedup[key] = t.ID
	}
	s.transfers[t.ID] = t.Clone()
	s.events = append(s.events, events.FromTransfer(events.EventTransferCreated, t))
	return nil
}

func (s *MemoryStore) Put(_ context.Context, t *model.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailPuts != nil {
		return s.FailPuts
	}
	existing, ok := s.transfers[t.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.ChainTxHandle != "" && existing.ChainTxHandle != t.ChainTxHandle {
		return ErrHandleOverwrite
	}
	s.transfers[t.ID] = t.Clone()
	s.events = append(s.events, events.FromTransfer(events.EventTransferStatusChanged, t))
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*model.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transfers[id].Clone(), nil
}

func (s *MemoryStore) GetByDedupKey(_ context.Context, key string) (*model.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byDedup[key]
	if !ok {
		return nil, nil
	}
	return s.transfers[id].Clone(), nil
}

func (s *MemoryStore) GetBySourceRef(_ context.Context, sourceRef string) ([]*model.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Transfer
	for _, t := range s.transfers {
		if t.SourceRef == sourceRef {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) QueryByStatus(_ context.Context, status model.Status, maxAge time.Duration, limit int) ([]*model.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	return s.query(limit, func(t *model.Transfer) bool {
		return t.Status == status && (maxAge <= 0 || !t.CreatedAt.Before(now.Add(-maxAge)))
	}, func(a, b *model.Transfer) bool { return a.UpdatedAt.Before(b.UpdatedAt) }), nil
}

func (s *MemoryStore) QueryPage(_ context.Context, status model.Status, maxAge time.Duration, after Cursor, limit int) ([]*model.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	return s.query(limit, func(t *model.Transfer) bool {
		return t.Status == status && (maxAge <= 0 || !t.CreatedAt.Before(now.Add(-maxAge))) && after.Before(t)
	}, func(a, b *model.Transfer) bool { return a.UpdatedAt.Before(b.UpdatedAt) }), nil
}

func (s *MemoryStore) QueryStale(_ context.Context, status model.Status, olderThan time.Duration, limit int) ([]*model.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	return s.query(limit, func(t *model.Transfer) bool {
		return t.Status == status && t.CreatedAt.Before(now.Add(-olderThan))
	}, func(a, b *model.Transfer) bool { return a.CreatedAt.Before(b.CreatedAt) }), nil
}

// Events returns a copy of every event recorded so far.
func (s *MemoryStore) Events() []events.TransferEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]events.TransferEvent(nil), s.events...)
}

func (s *MemoryStore) query(limit int, match func(*model.Transfer) bool, less func(a, b *model.Transfer) bool) []*model.Transfer {
	var out []*model.Transfer
	for _, t := range s.transfers {
		if match(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if less(out[i], out[j]) {
			return true
		}
		if less(out[j], out[i]) {
			return false
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
