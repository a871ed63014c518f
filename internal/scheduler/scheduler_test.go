package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"nri_digest/internal/delivery"
	"nri_digest/internal/model"
	"nri_digest/internal/storage"
)

type mockSender struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (m *mockSender) Send(_ context.Context, newsletterID, actor string) (delivery.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, newsletterID+"/"+actor)
	return delivery.Summary{NewsletterID: newsletterID, Issue: 1, Sent: 10}, m.err
}

type mockNotifier struct {
	sent   []delivery.Summary
	failed []int
}

func (m *mockNotifier) NotifySent(sum delivery.Summary) { m.sent = append(m.sent, sum) }
func (m *mockNotifier) NotifySendFailed(issue int, _ error) { m.failed = append(m.failed, issue) }

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestScheduler(t *testing.T, store storage.Storage, sender Sender, n Notifier, c *clock) *Scheduler {
	t.Helper()
	s := New(store, sender, n, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = c.now
	return s
}

func TestTasksRunOnCadence(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)}
	s := newTestScheduler(t, newTestStore(t), &mockSender{}, nil, c)

	var runs []string
	s.AddTask("collect", Every(6*time.Hour), true, func(context.Context) error {
		runs = append(runs, "collect")
		return nil
	})
	s.AddTask("curate", Every(time.Hour), true, func(context.Context) error {
		runs = append(runs, "curate")
		return errors.New("ai unavailable")
	})
	s.AddTask("compile", Weekly(time.Monday, 10, time.UTC), false, func(context.Context) error {
		runs = append(runs, "compile")
		return nil
	})

	s.checkAll(ctx)
	c.advance(30 * time.Minute)
	s.checkAll(ctx)
	c.advance(30 * time.Minute)
	s.checkAll(ctx)
	c.advance(time.Hour)
	s.checkAll(ctx)

	want := []string{"collect", "curate", "curate", "curate", "compile"}
	if diff := cmp.Diff(want, runs); diff != "" {
		t.Errorf("runs mismatch (-want +got):\n%s", diff)
	}
}

func TestWeekly(t *testing.T) {
	ist, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	tests := []struct {
		name string
		at   time.Time
		want time.Time
	}{
		{
			name: "later the same day",
			at:   time.Date(2026, 10, 19, 5, 0, 0, 0, ist),
			want: time.Date(2026, 10, 19, 6, 0, 0, 0, ist),
		},
		{
			name: "exactly on time rolls a week",
			at:   time.Date(2026, 10, 19, 6, 0, 0, 0, ist),
			want: time.Date(2026, 10, 26, 6, 0, 0, 0, ist),
		},
		{
			name: "midweek",
			at:   time.Date(2026, 10, 22, 12, 0, 0, 0, ist),
			want: time.Date(2026, 10, 26, 6, 0, 0, 0, ist),
		},
		{
			name: "utc input",
			at:   time.Date(2026, 10, 19, 1, 0, 0, 0, time.UTC),
			want: time.Date(2026, 10, 26, 6, 0, 0, 0, ist),
		},
	}
	sched := Weekly(time.Monday, 6, ist)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sched(tt.at); !got.Equal(tt.want) {
				t.Errorf("Weekly(%s) = %s, want %s", tt.at, got, tt.want)
			}
		})
	}
}

func seedScheduled(t *testing.T, store storage.Storage, at time.Time) *model.Newsletter {
	t.Helper()
	ctx := context.Background()
	n := &model.Newsletter{Title: "Issue", WeekStart: at.AddDate(0, 0, -7), WeekEnd: at}
	if err := store.CreateNewsletter(ctx, n, nil, "compiler"); err != nil {
		t.Fatalf("create newsletter: %v", err)
	}
	if err := store.TransitionNewsletter(ctx, n.ID, model.NewsletterPendingReview, model.NewsletterApproved,
		storage.StatusUpdate{Actor: "admin"}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := store.TransitionNewsletter(ctx, n.ID, model.NewsletterApproved, model.NewsletterScheduled,
		storage.StatusUpdate{Actor: "admin", ScheduledAt: &at}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	return n
}

func TestDispatchDueNewsletters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	c := &clock{t: time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)}
	n := seedScheduled(t, store, c.t.Add(time.Hour))

	sender := &mockSender{}
	notifier := &mockNotifier{}
	s := newTestScheduler(t, store, sender, notifier, c)

	s.checkAll(ctx)
	if len(sender.calls) != 0 {
		t.Fatalf("sent before due: %v", sender.calls)
	}

	c.advance(time.Hour)
	s.checkAll(ctx)
	if diff := cmp.Diff([]string{n.ID + "/scheduler"}, sender.calls); diff != "" {
		t.Errorf("sender calls mismatch (-want +got):\n%s", diff)
	}
	if len(notifier.sent) != 1 || len(notifier.failed) != 0 {
		t.Errorf("notifications sent=%d failed=%d, want 1 and 0", len(notifier.sent), len(notifier.failed))
	}
}

func TestDispatchFailureNotifies(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	c := &clock{t: time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)}
	seedScheduled(t, store, c.t)

	notifier := &mockNotifier{}
	s := newTestScheduler(t, store, &mockSender{err: delivery.ErrNoSubscribers}, notifier, c)
	s.checkAll(ctx)

	if diff := cmp.Diff([]int{1}, notifier.failed); diff != "" {
		t.Errorf("failed notifications mismatch (-want +got):\n%s", diff)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(newTestStore(t), &mockSender{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.SetTickInterval(10 * time.Millisecond)

	var mu sync.Mutex
	runs := 0
	s.AddTask("collect", Every(time.Millisecond), true, func(context.Context) error {
		mu.Lock()
		runs++
		mu.Unlock()
		return nil
	})

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	if runs < 1 {
		t.Errorf("runs = %d, want at least 1", runs)
	}
}
