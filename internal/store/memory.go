// Package store provides storage backends for cadence.
//
// This file implements an in-memory store used by unit tests and local
// experiments. It honors the same invariants as the SQL backends, including
// the single-pending-slot rule and the exclusive claim.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/lumabot/cadence/internal/models"
	"github.com/lumabot/cadence/internal/util"
)

// InMemoryStore keeps all state in process memory.
type InMemoryStore struct {
	mu         sync.Mutex
	deliveries map[string]*models.ScheduledDelivery
	programs   map[string]*models.ProgramInstance
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		deliveries: make(map[string]*models.ScheduledDelivery),
		programs:   make(map[string]*models.ProgramInstance),
	}
}

func (s *InMemoryStore) EnqueueDelivery(d models.ScheduledDelivery) (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, existing := range s.deliveries {
		if existing.UserID == d.UserID && existing.Kind == d.Kind && existing.Status == models.DeliveryStatusPending {
			existing.Status = models.DeliveryStatusCancelled
			existing.UpdatedAt = now
		}
	}

	d.ID = util.GenerateDeliveryID()
	d.Status = models.DeliveryStatusPending
	d.Failed = false
	d.CreatedAt = now
	d.UpdatedAt = now
	d.SentAt = nil
	s.deliveries[d.ID] = &d
	return d.ID, nil
}

func (s *InMemoryStore) ClaimDueDeliveries(now time.Time, limit int) ([]models.ScheduledDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*models.ScheduledDelivery
	for _, d := range s.deliveries {
		if d.Status == models.DeliveryStatusPending && !d.DueAt.After(now) {
			due = append(due, d)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DueAt.Before(due[j].DueAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]models.ScheduledDelivery, 0, len(due))
	for _, d := range due {
		d.Status = models.DeliveryStatusInFlight
		d.UpdatedAt = now
		claimed = append(claimed, *d)
	}
	return claimed, nil
}

func (s *InMemoryStore) MarkDeliverySent(id string) error {
	return s.retire(id, models.DeliveryStatusSent, false)
}

func (s *InMemoryStore) MarkDeliveryFailed(id string) error {
	return s.retire(id, models.DeliveryStatusSent, true)
}

func (s *InMemoryStore) MarkDeliveryCancelled(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.deliveries[id]; ok {
		d.Status = models.DeliveryStatusCancelled
		d.UpdatedAt = time.Now()
	}
	return nil
}

func (s *InMemoryStore) retire(id string, status models.DeliveryStatus, failed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.deliveries[id]; ok {
		now := time.Now()
		d.Status = status
		d.Failed = failed
		d.SentAt = &now
		d.UpdatedAt = now
	}
	return nil
}

func (s *InMemoryStore) CancelPendingDeliveries(userID string, kind models.DeliveryKind) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	now := time.Now()
	for _, d := range s.deliveries {
		if d.UserID == userID && d.Kind == kind && d.Status == models.DeliveryStatusPending {
			d.Status = models.DeliveryStatusCancelled
			d.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) HasPendingDelivery(userID string, kind models.DeliveryKind) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deliveries {
		if d.UserID == userID && d.Kind == kind && d.Status == models.DeliveryStatusPending {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) GetDelivery(id string) (*models.ScheduledDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, nil
	}
	out := *d
	return &out, nil
}

func (s *InMemoryStore) PurgeDeliveriesOlderThan(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, d := range s.deliveries {
		if d.Status.IsTerminal() && d.UpdatedAt.Before(cutoff) {
			delete(s.deliveries, id)
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) RequeueStaleInFlight(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()

	// Per (user, kind) slot, only the latest stale occurrence is requeued and
	// only when no pending row holds the slot; the rest are cancelled.
	type slotKey struct {
		userID string
		kind   models.DeliveryKind
	}
	newest := make(map[slotKey]*models.ScheduledDelivery)
	occupied := make(map[slotKey]bool)
	for _, d := range s.deliveries {
		key := slotKey{d.UserID, d.Kind}
		switch {
		case d.Status == models.DeliveryStatusPending:
			occupied[key] = true
		case d.Status == models.DeliveryStatusInFlight && d.UpdatedAt.Before(staleBefore):
			if cur := newest[key]; cur == nil || d.DueAt.After(cur.DueAt) {
				newest[key] = d
			}
		}
	}

	count := 0
	for _, d := range s.deliveries {
		if d.Status != models.DeliveryStatusInFlight || !d.UpdatedAt.Before(staleBefore) {
			continue
		}
		key := slotKey{d.UserID, d.Kind}
		if !occupied[key] && newest[key] == d {
			d.Status = models.DeliveryStatusPending
			count++
		} else {
			d.Status = models.DeliveryStatusCancelled
		}
		d.UpdatedAt = now
	}
	return count, nil
}

func (s *InMemoryStore) CreateProgramInstance(p models.ProgramInstance) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Status == models.ProgramStatusActive {
		for _, other := range s.programs {
			if other.UserID == p.UserID && other.ProgramID == p.ProgramID && other.Status == models.ProgramStatusActive {
				return "", models.ErrActiveProgramExists
			}
		}
	}
	p.ID = util.GenerateProgramInstanceID()
	p.UpdatedAt = time.Now()
	cp := p.Snapshot()
	s.programs[p.ID] = &cp
	return p.ID, nil
}

func (s *InMemoryStore) GetProgramInstance(id string) (*models.ProgramInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.programs[id]
	if !ok {
		return nil, nil
	}
	out := p.Snapshot()
	return &out, nil
}

func (s *InMemoryStore) GetActiveProgramInstance(userID, programID string) (*models.ProgramInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.programs {
		if p.UserID == userID && p.ProgramID == programID && p.Status == models.ProgramStatusActive {
			out := p.Snapshot()
			return &out, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) ListProgramInstances(userID string) ([]models.ProgramInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ProgramInstance
	for _, p := range s.programs {
		if p.UserID == userID {
			out = append(out, p.Snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (s *InMemoryStore) ListActiveProgramInstances(limit int) ([]models.ProgramInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ProgramInstance
	for _, p := range s.programs {
		if p.Status == models.ProgramStatusActive {
			out = append(out, p.Snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) UpdateProgramInstance(p models.ProgramInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.programs[p.ID]; !ok {
		return models.ErrProgramNotFound
	}
	p.UpdatedAt = time.Now()
	cp := p.Snapshot()
	s.programs[p.ID] = &cp
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
