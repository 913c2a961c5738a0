// Package memstore keeps the queue in process memory. It is meant for a
// single-node standalone deployment and for tests; nothing survives a restart.
package memstore

import (
	"cequeue/internal/domain"
	"cequeue/internal/ports"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

var _ ports.QueueStore = (*Store)(nil)

type Store struct {
	mu         sync.Mutex
	seq        int64
	live       map[string]*domain.Task
	components map[string]string // component key -> live task uuid
	activity   []domain.Activity
}

func New() *Store {
	return &Store{
		live:       map[string]*domain.Task{},
		components: map[string]string{},
	}
}

func (s *Store) Insert(_ context.Context, t domain.Task) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ComponentKey != "" {
		if existing, ok := s.components[t.ComponentKey]; ok {
			return domain.Task{}, fmt.Errorf("%w: component %s held by %s", domain.ErrDuplicateTask, t.ComponentKey, existing)
		}
	}
	if _, ok := s.live[t.UUID]; ok {
		return domain.Task{}, fmt.Errorf("%w: uuid %s already queued", domain.ErrInvalidTask, t.UUID)
	}

	s.seq++
	t.Seq = s.seq
	t.Status = domain.StatusPending
	t.StartedAt = nil
	t.HeartbeatAt = nil
	t.LeaseOwner = ""
	stored := t
	s.live[t.UUID] = &stored
	if t.ComponentKey != "" {
		s.components[t.ComponentKey] = t.UUID
	}
	return t, nil
}

func (s *Store) ClaimOldestPending(_ context.Context, startedAt time.Time, leaseOwner string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *domain.Task
	for _, t := range s.live {
		if t.Status != domain.StatusPending {
			continue
		}
		if oldest == nil || before(t, oldest) {
			oldest = t
		}
	}
	if oldest == nil {
		return nil, nil
	}

	started := startedAt
	oldest.Status = domain.StatusInProgress
	oldest.StartedAt = &started
	oldest.HeartbeatAt = nil
	oldest.LeaseOwner = leaseOwner
	claimed := clone(oldest)
	return &claimed, nil
}

func (s *Store) Heartbeat(_ context.Context, uuid, leaseOwner string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.live[uuid]
	if !ok || t.Status != domain.StatusInProgress || t.LeaseOwner != leaseOwner {
		return false, nil
	}
	beat := at
	t.HeartbeatAt = &beat
	return true, nil
}

func (s *Store) DeleteAndArchive(_ context.Context, uuid string, c domain.Completion) (domain.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.live[uuid]
	if !ok {
		return domain.Activity{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, uuid)
	}
	if c.LeaseOwner != "" && t.LeaseOwner != c.LeaseOwner {
		return domain.Activity{}, fmt.Errorf("%w: %s", domain.ErrLeaseLost, uuid)
	}
	delete(s.live, uuid)
	if t.ComponentKey != "" && s.components[t.ComponentKey] == uuid {
		delete(s.components, t.ComponentKey)
	}

	a := domain.NewActivity(*t, c)
	s.activity = append(s.activity, a)
	return a, nil
}

func (s *Store) ResetInProgress(_ context.Context, staleBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, t := range s.live {
		if t.Status != domain.StatusInProgress {
			continue
		}
		last := t.StartedAt
		if t.HeartbeatAt != nil {
			last = t.HeartbeatAt
		}
		if last != nil && last.Before(staleBefore) {
			t.Status = domain.StatusPending
			t.StartedAt = nil
			t.HeartbeatAt = nil
			t.LeaseOwner = ""
			n++
		}
	}
	return n, nil
}

func (s *Store) ListQueue(_ context.Context) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Task, 0, len(s.live))
	for _, t := range s.live {
		out = append(out, clone(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Status != out[j].Status {
			return out[i].Status == domain.StatusInProgress
		}
		return before(&out[i], &out[j])
	})
	return out, nil
}

func (s *Store) ListActivity(_ context.Context, q domain.ActivityQuery) ([]domain.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return q.Apply(s.activity), nil
}

func (s *Store) Counts(_ context.Context) (domain.QueueCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c domain.QueueCounts
	for _, t := range s.live {
		switch t.Status {
		case domain.StatusPending:
			c.Pending++
		case domain.StatusInProgress:
			c.InProgress++
		}
	}
	return c, nil
}

func (s *Store) Close() error { return nil }

// clone copies t without sharing its time pointers.
func clone(t *domain.Task) domain.Task {
	c := *t
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.HeartbeatAt != nil {
		beat := *t.HeartbeatAt
		c.HeartbeatAt = &beat
	}
	return c
}

func before(a, b *domain.Task) bool {
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
	return a.Seq < b.Seq
}
