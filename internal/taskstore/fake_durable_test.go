package taskstore

import (
	"context"
	"sync"
)

// fakeDurable is an in-memory stand-in for PostgresStore, used so the
// Store's cache/queue/persist orchestration can be tested without a
// live database.
type fakeDurable struct {
	mu   sync.Mutex
	rows map[string]Task
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{rows: make(map[string]Task)}
}

func (f *fakeDurable) Upsert(_ context.Context, t Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[t.TaskID] = t
	return nil
}

func (f *fakeDurable) Get(_ context.Context, taskID string) (Task, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.rows[taskID]
	return t, ok, nil
}

func (f *fakeDurable) Close() error { return nil }
