// Package scheduler runs the pipeline stages on their cadence and dispatches
// scheduled newsletters.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"nri_digest/internal/delivery"
	"nri_digest/internal/model"
	"nri_digest/internal/storage"
)

// Actor is recorded as sentBy on newsletters the scheduler dispatches.
const Actor = "scheduler"

// Sender delivers a newsletter.
type Sender interface {
	Send(ctx context.Context, newsletterID, actor string) (delivery.Summary, error)
}

// Notifier reports send outcomes to the admins.
type Notifier interface {
	NotifySent(sum delivery.Summary)
	NotifySendFailed(issue int, err error)
}

// Schedule returns the next run time strictly after t.
type Schedule func(t time.Time) time.Time

// Every runs a task at a fixed interval.
func Every(d time.Duration) Schedule {
	return func(t time.Time) time.Time { return t.Add(d) }
}

// Weekly runs a task once a week at the given weekday and hour in loc.
func Weekly(day time.Weekday, hour int, loc *time.Location) Schedule {
	return func(t time.Time) time.Time {
		local := t.In(loc)
		next := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
		next = next.AddDate(0, 0, (int(day)-int(next.Weekday())+7)%7)
		if !next.After(local) {
			next = next.AddDate(0, 0, 7)
		}
		return next
	}
}

type task struct {
	name     string
	schedule Schedule
	run      func(ctx context.Context) error
	next     time.Time
}

// Scheduler periodically runs pipeline tasks and sends due newsletters.
type Scheduler struct {
	store    storage.Storage
	sender   Sender
	notifier Notifier
	log      *slog.Logger
	tick     time.Duration
	tasks    []*task
	now      func() time.Time
}

// New creates a Scheduler. notifier may be nil.
func New(store storage.Storage, sender Sender, notifier Notifier, log *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		sender:   sender,
		notifier: notifier,
		log:      log,
		tick:     1 * time.Minute,
		now:      time.Now,
	}
}

// SetTickInterval overrides the default 1-minute check interval.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	s.tick = d
}

// AddTask registers fn under name. With runNow the first run happens on the
// first check, otherwise at the first time the schedule yields.
func (s *Scheduler) AddTask(name string, schedule Schedule, runNow bool, fn func(ctx context.Context) error) {
	t := &task{name: name, schedule: schedule, run: fn}
	if !runNow {
		t.next = schedule(s.now())
	}
	s.tasks = append(s.tasks, t)
}

// Run starts the scheduler loop, blocking until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.checkAll(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkAll(ctx)
		}
	}
}

func (s *Scheduler) checkAll(ctx context.Context) {
	for _, t := range s.tasks {
		if ctx.Err() != nil {
			return
		}
		now := s.now()
		if now.Before(t.next) {
			continue
		}
		s.log.Debug("running task", "task", t.name)
		if err := t.run(ctx); err != nil {
			s.log.Error("task failed", "task", t.name, "error", err)
		}
		t.next = t.schedule(now)
	}
	s.dispatchDue(ctx)
}

func (s *Scheduler) dispatchDue(ctx context.Context) {
	due, err := s.store.ListDueScheduled(ctx, s.now())
	if err != nil {
		s.log.Error("list due newsletters", "error", err)
		return
	}

	for _, n := range due {
		if ctx.Err() != nil {
			return
		}
		s.dispatch(ctx, n)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, n model.Newsletter) {
	s.log.Info("dispatching scheduled newsletter", "newsletter_id", n.ID, "issue", n.IssueNumber)

	sum, err := s.sender.Send(ctx, n.ID, Actor)
	if err != nil {
		s.log.Error("send scheduled newsletter", "newsletter_id", n.ID, "issue", n.IssueNumber, "error", err)
		if s.notifier != nil {
			s.notifier.NotifySendFailed(n.IssueNumber, err)
		}
		return
	}
	if s.notifier != nil {
		s.notifier.NotifySent(sum)
	}
}
