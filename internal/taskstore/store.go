package taskstore

import (
	"context"
	"sync"
)

// Store composes an in-memory read cache, a durable backing store, and
// a FIFO queue per vessel (spec.md §4.F: "Submit = create + persist +
// enqueue on the vessel's dedicated FIFO").
type Store struct {
	durable Durable

	mu    sync.Mutex
	cache map[string]Task
	fifo  map[string][]Task // vesselID -> queued tasks, oldest first
}

func New(durable Durable) *Store {
	return &Store{
		durable: durable,
		cache:   make(map[string]Task),
		fifo:    make(map[string][]Task),
	}
}

// Submit creates, persists, and enqueues a task. The task starts in
// StatusQueued.
func (s *Store) Submit(ctx context.Context, t Task) error {
	t.Status = StatusQueued

	if err := s.durable.Upsert(ctx, t); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache[t.TaskID] = t
	s.fifo[t.VesselID] = append(s.fifo[t.VesselID], t)
	s.mu.Unlock()

	return nil
}

// Dequeue pops the oldest queued task for a vessel, transitioning it
// to StatusSent, or returns false if the queue is empty.
func (s *Store) Dequeue(ctx context.Context, vesselID string) (Task, bool, error) {
	s.mu.Lock()
	q := s.fifo[vesselID]
	if len(q) == 0 {
		s.mu.Unlock()
		return Task{}, false, nil
	}
	t := q[0]
	s.fifo[vesselID] = q[1:]
	t.Status = StatusSent
	s.cache[t.TaskID] = t
	s.mu.Unlock()

	if err := s.durable.Upsert(ctx, t); err != nil {
		return Task{}, false, err
	}
	return t, true, nil
}

// QueueDepth reports how many tasks remain queued for a vessel.
func (s *Store) QueueDepth(vesselID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fifo[vesselID])
}

// Get returns a task by id, preferring the cache and falling back to
// durable storage on a miss (spec.md §4.F).
func (s *Store) Get(ctx context.Context, taskID string) (Task, bool, error) {
	s.mu.Lock()
	t, ok := s.cache[taskID]
	s.mu.Unlock()
	if ok {
		return t, true, nil
	}

	t, ok, err := s.durable.Get(ctx, taskID)
	if err != nil || !ok {
		return Task{}, ok, err
	}

	s.mu.Lock()
	s.cache[taskID] = t
	s.mu.Unlock()
	return t, true, nil
}

// UpdateStatus transitions a task's status (and optional result),
// re-persisting on every transition per spec.md §4.F.
func (s *Store) UpdateStatus(ctx context.Context, taskID string, status Status, result map[string]any) error {
	s.mu.Lock()
	t, ok := s.cache[taskID]
	s.mu.Unlock()

	if !ok {
		var err error
		t, ok, err = s.durable.Get(ctx, taskID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUnknownTask
		}
	}

	t.Status = status
	if result != nil {
		t.Result = result
	}

	if err := s.durable.Upsert(ctx, t); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache[taskID] = t
	s.mu.Unlock()
	return nil
}
