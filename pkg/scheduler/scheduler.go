// Package scheduler implements the cluster-safe scheduler (spec §4.10):
// scheduled tasks and deadlines driven by a tick loop that is safe to run
// from multiple replicas concurrently.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/danvoulez/ledger/pkg/event"
	"github.com/danvoulez/ledger/pkg/eventstore"
	"github.com/danvoulez/ledger/pkg/ids"
)

// cronParser parses the standard 5-field cron expression grammar, matching
// the r3e/certen example repos' use of robfig/cron/v3.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ScheduleKind discriminates a scheduled task's recurrence.
type ScheduleKind string

const (
	ScheduleAt    ScheduleKind = "At"
	ScheduleEvery ScheduleKind = "Every"
	ScheduleCron  ScheduleKind = "Cron"
)

// Schedule declares when a task fires (spec §4.10).
type Schedule struct {
	Kind   ScheduleKind
	At     time.Time     // At
	Every  time.Duration // Every
	Anchor time.Time     // Every: phase anchor
	Cron   string        // Cron expression
}

// RowStatus is a task or deadline stage's processing state.
type RowStatus string

const (
	RowPending   RowStatus = "Pending"
	RowProcessed RowStatus = "Processed"
)

// Task is a scheduled task row (spec §4.10 "Scheduled task").
type Task struct {
	ID         ids.ID
	Schedule   Schedule
	Action     Action
	NextFireAt time.Time
	Status     RowStatus
}

// Stage is one step of a Deadline (e.g. reminder-at-T-minus-24h, fire-at-T).
type Stage struct {
	Trigger time.Duration // offset from DueAt; negative means before DueAt
	Action  Action
	Label   string
	Status  RowStatus
}

// Deadline is the `{subject, due_at, stages[]}` primitive from spec §4.10.
type Deadline struct {
	ID      ids.ID
	Subject string
	DueAt   time.Time
	Stages  []Stage
}

// ActionKind discriminates what a task/stage does when it fires.
type ActionKind string

const (
	ActionEmitEvent ActionKind = "EmitEvent"
	ActionCustom    ActionKind = "Custom"
)

// Action is what runs when a task or deadline stage fires.
type Action struct {
	Kind      ActionKind
	EventType string
	Payload   map[string]any
	Custom    func(ctx context.Context) error
}

// AdvisoryLock is the distributed lock service from spec §6: "try_lock(name) -> bool, unlock(name)".
type AdvisoryLock interface {
	TryLock(ctx context.Context, name string) (bool, error)
	Unlock(ctx context.Context, name string) error
}

// Store is the scheduler's persistence contract: select due rows under
// SKIP LOCKED semantics and mark them processed.
type Store interface {
	// DueTasks returns Pending tasks whose NextFireAt <= now, locked against
	// concurrent claim by another replica (spec §4.10 step 2: "SELECT ...
	// FOR UPDATE SKIP LOCKED").
	DueTasks(ctx context.Context, now time.Time) ([]Task, error)
	DueDeadlineStages(ctx context.Context, now time.Time) ([]DeadlineStageRow, error)

	MarkTaskProcessed(ctx context.Context, taskID ids.ID, nextFireAt *time.Time) error
	MarkStageProcessed(ctx context.Context, deadlineID ids.ID, stageIndex int) error
}

// DeadlineStageRow flattens one due stage of one deadline for iteration.
type DeadlineStageRow struct {
	DeadlineID ids.ID
	Subject    string
	DueAt      time.Time
	StageIndex int
	Stage      Stage
}

// IdempotencyKey builds the `(task_id|deadline_id, stage_index, fire_time)`
// key spec §4.10 step 3a requires.
func IdempotencyKey(id ids.ID, stageIndex int, fireTime time.Time) string {
	return fmt.Sprintf("%s/%d/%d", id, stageIndex, fireTime.UnixNano())
}

// Scheduler runs the tick algorithm from spec §4.10 against a Store and an
// AdvisoryLock.
type Scheduler struct {
	store eventstore.Store
	rows  Store
	lock  AdvisoryLock
	now   func() time.Time

	seenIdempotencyKeys func(ctx context.Context, key string) (bool, error)
}

const tickLockName = "scheduler_tick"

func New(store eventstore.Store, rows Store, lock AdvisoryLock, seenIdempotencyKeys func(ctx context.Context, key string) (bool, error)) *Scheduler {
	return &Scheduler{store: store, rows: rows, lock: lock, now: time.Now, seenIdempotencyKeys: seenIdempotencyKeys}
}

// Tick runs one pass of spec §4.10's algorithm. It returns (false, nil)
// without doing any work if the advisory lock could not be acquired.
func (s *Scheduler) Tick(ctx context.Context) (ran bool, err error) {
	acquired, err := s.lock.TryLock(ctx, tickLockName)
	if err != nil {
		return false, fmt.Errorf("scheduler: try_lock: %w", err)
	}
	if !acquired {
		return false, nil
	}
	defer func() {
		if uerr := s.lock.Unlock(ctx, tickLockName); uerr != nil && err == nil {
			err = fmt.Errorf("scheduler: unlock: %w", uerr)
		}
	}()

	now := s.now()

	tasks, terr := s.rows.DueTasks(ctx, now)
	if terr != nil {
		return true, fmt.Errorf("scheduler: due tasks: %w", terr)
	}
	for _, t := range tasks {
		if err := s.processTask(ctx, t, now); err != nil {
			return true, err
		}
	}

	stages, serr := s.rows.DueDeadlineStages(ctx, now)
	if serr != nil {
		return true, fmt.Errorf("scheduler: due deadline stages: %w", serr)
	}
	for _, row := range stages {
		if err := s.processStage(ctx, row); err != nil {
			return true, err
		}
	}

	return true, nil
}

func (s *Scheduler) processTask(ctx context.Context, t Task, now time.Time) error {
	key := IdempotencyKey(t.ID, 0, t.NextFireAt)
	seen, err := s.seenIdempotencyKeys(ctx, key)
	if err != nil {
		return fmt.Errorf("scheduler: idempotency check: %w", err)
	}
	if !seen {
		if err := s.execute(ctx, t.Action, key); err != nil {
			return err
		}
	}

	var next *time.Time
	switch t.Schedule.Kind {
	case ScheduleEvery:
		n := nextEvery(t.Schedule, now)
		next = &n
	case ScheduleCron:
		n := nextCron(t.Schedule.Cron, now)
		next = n
	case ScheduleAt:
		next = nil // one-shot, no further fire
	}
	return s.rows.MarkTaskProcessed(ctx, t.ID, next)
}

func (s *Scheduler) processStage(ctx context.Context, row DeadlineStageRow) error {
	fireTime := row.DueAt.Add(row.Stage.Trigger)
	key := IdempotencyKey(row.DeadlineID, row.StageIndex, fireTime)
	seen, err := s.seenIdempotencyKeys(ctx, key)
	if err != nil {
		return fmt.Errorf("scheduler: idempotency check: %w", err)
	}
	if !seen {
		if err := s.execute(ctx, row.Stage.Action, key); err != nil {
			return err
		}
	}
	return s.rows.MarkStageProcessed(ctx, row.DeadlineID, row.StageIndex)
}

func (s *Scheduler) execute(ctx context.Context, a Action, idempotencyKey string) error {
	switch a.Kind {
	case ActionEmitEvent:
		payload := a.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		_, err := s.store.Append(ctx, event.Input{
			Type:             a.EventType,
			AggregateType:    "Scheduler",
			AggregateID:      ids.New(),
			AggregateVersion: 1,
			Payload:          payload,
			Metadata:         map[string]any{"idempotency_key": idempotencyKey},
		})
		if err != nil {
			return fmt.Errorf("scheduler: emit event: %w", err)
		}
		return nil
	case ActionCustom:
		if a.Custom == nil {
			return nil
		}
		return a.Custom(ctx)
	default:
		return fmt.Errorf("scheduler: unknown action kind %q", a.Kind)
	}
}

// nextEvery computes the next fire time strictly after now, on the Every
// schedule's anchor-phase grid.
func nextEvery(sch Schedule, now time.Time) time.Time {
	if sch.Every <= 0 {
		return now
	}
	elapsed := now.Sub(sch.Anchor)
	periods := elapsed/sch.Every + 1
	return sch.Anchor.Add(periods * sch.Every)
}

// nextCron computes the next fire time strictly after now for a standard
// 5-field cron expression. An unparseable expression yields no further
// fire rather than panicking — the task simply stops advancing, which a
// monitoring projection can surface.
func nextCron(expr string, now time.Time) *time.Time {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil
	}
	n := sched.Next(now)
	return &n
}
