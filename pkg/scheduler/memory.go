package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/danvoulez/ledger/pkg/ids"
)

// InMemoryLock is a process-local AdvisoryLock for tests and
// single-process deployments.
type InMemoryLock struct {
	mu     sync.Mutex
	held   map[string]bool
}

func NewInMemoryLock() *InMemoryLock {
	return &InMemoryLock{held: make(map[string]bool)}
}

func (l *InMemoryLock) TryLock(ctx context.Context, name string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] {
		return false, nil
	}
	l.held[name] = true
	return true, nil
}

func (l *InMemoryLock) Unlock(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, name)
	return nil
}

// InMemoryStore is a non-durable Store for tests.
type InMemoryStore struct {
	mu        sync.Mutex
	tasks     map[ids.ID]*Task
	deadlines map[ids.ID]*Deadline
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{tasks: make(map[ids.ID]*Task), deadlines: make(map[ids.ID]*Deadline)}
}

func (s *InMemoryStore) AddTask(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := t
	s.tasks[t.ID] = &cp
}

func (s *InMemoryStore) AddDeadline(d Deadline) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := d
	s.deadlines[d.ID] = &cp
}

func (s *InMemoryStore) DueTasks(ctx context.Context, now time.Time) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, t := range s.tasks {
		if t.Status == RowPending && !t.NextFireAt.After(now) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *InMemoryStore) DueDeadlineStages(ctx context.Context, now time.Time) ([]DeadlineStageRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DeadlineStageRow
	for _, d := range s.deadlines {
		for i, st := range d.Stages {
			if st.Status != RowPending {
				continue
			}
			fireTime := d.DueAt.Add(st.Trigger)
			if !fireTime.After(now) {
				out = append(out, DeadlineStageRow{DeadlineID: d.ID, Subject: d.Subject, DueAt: d.DueAt, StageIndex: i, Stage: st})
			}
		}
	}
	return out, nil
}

func (s *InMemoryStore) MarkTaskProcessed(ctx context.Context, taskID ids.ID, nextFireAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil
	}
	if nextFireAt == nil {
		t.Status = RowProcessed
		return nil
	}
	t.NextFireAt = *nextFireAt
	return nil
}

func (s *InMemoryStore) MarkStageProcessed(ctx context.Context, deadlineID ids.ID, stageIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deadlines[deadlineID]
	if !ok || stageIndex >= len(d.Stages) {
		return nil
	}
	d.Stages[stageIndex].Status = RowProcessed
	return nil
}

// InMemoryIdempotencyLedger is a non-durable idempotency-key check for
// tests, matching the `(task_id|deadline_id, stage_index, fire_time)`
// key scheme from spec §4.10.
type InMemoryIdempotencyLedger struct {
	mu   sync.Mutex
	seen map[string]bool
}

func NewInMemoryIdempotencyLedger() *InMemoryIdempotencyLedger {
	return &InMemoryIdempotencyLedger{seen: make(map[string]bool)}
}

func (l *InMemoryIdempotencyLedger) Seen(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen[key] {
		return true, nil
	}
	l.seen[key] = true
	return false, nil
}
