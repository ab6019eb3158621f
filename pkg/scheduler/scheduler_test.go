package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danvoulez/ledger/pkg/eventstore"
	"github.com/danvoulez/ledger/pkg/ids"
)

func TestTickFiresOneShotTaskExactlyOnce(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	rows := NewInMemoryStore()
	lock := NewInMemoryLock()
	idem := NewInMemoryIdempotencyLedger()

	taskID := ids.New()
	rows.AddTask(Task{
		ID:         taskID,
		Schedule:   Schedule{Kind: ScheduleAt, At: time.Now()},
		Action:     Action{Kind: ActionEmitEvent, EventType: "TaskFired"},
		NextFireAt: time.Now().Add(-time.Second),
		Status:     RowPending,
	})

	sched := New(store, rows, lock, idem.Seen)
	ran, err := sched.Tick(context.Background())
	require.NoError(t, err)
	require.True(t, ran)

	ran, err = sched.Tick(context.Background())
	require.NoError(t, err)
	require.True(t, ran)

	events, err := store.GetBySequence(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 1, "a one-shot task must fire exactly once across multiple ticks")
}

func TestTickSkipsWhenLockUnavailable(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	rows := NewInMemoryStore()
	lock := NewInMemoryLock()
	idem := NewInMemoryIdempotencyLedger()
	ctx := context.Background()

	acquired, err := lock.TryLock(ctx, tickLockName)
	require.NoError(t, err)
	require.True(t, acquired)

	sched := New(store, rows, lock, idem.Seen)
	ran, err := sched.Tick(ctx)
	require.NoError(t, err)
	require.False(t, ran)
}

func TestConcurrentTicksFireDeadlineStageExactlyOnce(t *testing.T) {
	store := eventstore.NewInMemoryStore()
	rows := NewInMemoryStore()
	idem := NewInMemoryIdempotencyLedger()
	ctx := context.Background()

	deadlineID := ids.New()
	rows.AddDeadline(Deadline{
		ID:      deadlineID,
		Subject: "agreement-1",
		DueAt:   time.Now(),
		Stages: []Stage{
			{Trigger: -24 * time.Hour, Action: Action{Kind: ActionEmitEvent, EventType: "DeadlineReminder"}, Label: "reminder", Status: RowPending},
		},
	})

	var wg sync.WaitGroup
	locks := []AdvisoryLock{NewInMemoryLock(), NewInMemoryLock()} // unused; every replica below shares sharedLock
	sharedLock := NewInMemoryLock()
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched := New(store, rows, sharedLock, idem.Seen)
			_, _ = sched.Tick(ctx)
		}()
	}
	wg.Wait()
	_ = locks

	events, err := store.GetBySequence(ctx, 1, 0)
	require.NoError(t, err)
	fired := 0
	for _, e := range events {
		if e.Type == "DeadlineReminder" {
			fired++
		}
	}
	require.Equal(t, 1, fired, "exactly one DeadlineReminder must be emitted regardless of how many replicas ticked concurrently")
}

func TestIdempotencyKeyIsStableForSameInputs(t *testing.T) {
	id := ids.New()
	ft := time.Unix(1000, 0)
	require.Equal(t, IdempotencyKey(id, 0, ft), IdempotencyKey(id, 0, ft))
	require.NotEqual(t, IdempotencyKey(id, 0, ft), IdempotencyKey(id, 1, ft))
}

func TestNextCronComputesFutureFireTime(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next := nextCron("0 * * * *", now)
	require.NotNil(t, next)
	require.True(t, next.After(now))
}
