package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"nri_digest/internal/mailer"
	"nri_digest/internal/model"
	"nri_digest/internal/storage"
)

type fakeMailer struct {
	mu   sync.Mutex
	fail map[string]bool
	sent []mailer.Message
}

func (f *fakeMailer) Send(_ context.Context, msg mailer.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[msg.To] {
		return "", errors.New("mailbox unavailable")
	}
	f.sent = append(f.sent, msg)
	return "id-" + msg.To, nil
}

func (f *fakeMailer) recipients() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		out = append(out, m.To)
	}
	return out
}

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ptr[T any](v T) *T { return &v }

func addSubscriber(t *testing.T, s storage.Storage, email string, prefs model.Preferences) {
	t.Helper()
	confirmed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := s.CreateSubscriber(context.Background(), &model.Subscriber{
		Email: email, Name: "Reader", Status: model.SubscriberActive, ConfirmedAt: &confirmed, Preferences: prefs,
	}); err != nil {
		t.Fatalf("create subscriber: %v", err)
	}
}

// seedNewsletter stores an issue with one summarized regulatory article and
// moves it to status.
func seedNewsletter(t *testing.T, s storage.Storage, status model.NewsletterStatus) *model.Newsletter {
	t.Helper()
	ctx := context.Background()
	raw := model.RawArticle{ID: "raw-1", SourceID: "desk", Title: "RBI update", URL: "https://news.example.com/rbi"}
	if _, err := s.InsertRawArticles(ctx, []model.RawArticle{raw}); err != nil {
		t.Fatalf("insert raw: %v", err)
	}
	c := &model.CuratedArticle{
		ID: "c1", RawArticleID: raw.ID, Category: model.CategoryRegulatory,
		Original: model.OriginalSnapshot{Title: raw.Title, URL: raw.URL, Source: "NRI Desk"},
	}
	if err := s.AcceptRawArticle(ctx, raw.ID, model.FilterResult{RelevanceScore: 9}, c); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := s.SaveSummary(ctx, "c1", storage.Summary{
		Headline: "NRE caps raised", HTML: "<p>The RBI raised caps.</p>", KeyTakeaway: "Review deposits", GeneratedAt: time.Now(),
	}); err != nil {
		t.Fatalf("save summary: %v", err)
	}

	n := &model.Newsletter{
		Title:       "NRI Wealth Weekly | Oct 12 - Oct 18, 2026",
		SubjectLine: "NRE caps raised",
		Content: model.Content{
			OpeningHTML: "<p>Hello</p>",
			Sections: []model.Section{
				{Category: model.CategoryRegulatory, ArticleIDs: []string{"c1"}},
				{Category: model.CategoryFinancial, ArticleIDs: []string{}},
			},
			ClosingHTML: "<p>Bye</p>",
		},
		WeekStart: time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC),
		WeekEnd:   time.Date(2026, 10, 18, 23, 59, 59, 0, time.UTC),
	}
	if err := s.CreateNewsletter(ctx, n, []string{"c1"}, "compiler"); err != nil {
		t.Fatalf("create newsletter: %v", err)
	}

	path := map[model.NewsletterStatus][]model.NewsletterStatus{
		model.NewsletterPendingReview: nil,
		model.NewsletterApproved:      {model.NewsletterApproved},
		model.NewsletterScheduled:     {model.NewsletterApproved, model.NewsletterScheduled},
	}[status]
	from := model.NewsletterPendingReview
	for _, to := range path {
		upd := storage.StatusUpdate{Actor: "admin", ScheduledAt: ptr(time.Now())}
		if err := s.TransitionNewsletter(ctx, n.ID, from, to, upd); err != nil {
			t.Fatalf("transition %s -> %s: %v", from, to, err)
		}
		from = to
	}
	n.Status = from
	return n
}

func newSender(t *testing.T, s storage.Storage, m Mailer, batchSize int) *Sender {
	t.Helper()
	r, err := NewRenderer("https://t.example.com/", "https://example.com")
	if err != nil {
		t.Fatalf("new renderer: %v", err)
	}
	return New(Deps{
		Store:     s,
		Mailer:    m,
		Renderer:  r,
		Log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		BatchSize: batchSize,
	})
}

func TestSendBatchesWithFailures(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	n := seedNewsletter(t, store, model.NewsletterApproved)
	for i := range 120 {
		addSubscriber(t, store, fmt.Sprintf("sub%03d@example.com", i), model.Preferences{})
	}
	m := &fakeMailer{fail: map[string]bool{"sub001@example.com": true, "sub003@example.com": true}}

	sum, err := newSender(t, store, m, 50).Send(ctx, n.ID, "admin")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	want := Summary{NewsletterID: n.ID, Issue: 1, Recipients: 120, Attempted: 120, Sent: 118, Failed: 2, Batches: 3}
	if diff := cmp.Diff(want, sum, cmpopts.IgnoreFields(Summary{}, "Duration")); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}

	got, err := store.GetNewsletter(ctx, n.ID)
	if err != nil {
		t.Fatalf("get newsletter: %v", err)
	}
	if got.Status != model.NewsletterSent || got.SentAt == nil || got.SentBy != "admin" {
		t.Errorf("newsletter status=%s sentAt=%v sentBy=%q", got.Status, got.SentAt, got.SentBy)
	}
	if got.Stats.Sent != 118 || got.Stats.Recipients != 120 {
		t.Errorf("stats = %+v, want sent 118 of 120", got.Stats)
	}

	for status, want := range map[model.QueueStatus]int{model.QueueSent: 118, model.QueueFailed: 2} {
		n, err := store.CountEntries(ctx, got.ID, status)
		if err != nil {
			t.Fatalf("count entries: %v", err)
		}
		if n != want {
			t.Errorf("%s entries = %d, want %d", status, n, want)
		}
	}

	sub, err := store.GetSubscriber(ctx, "sub000@example.com")
	if err != nil {
		t.Fatalf("get subscriber: %v", err)
	}
	if sub.EmailsSent != 1 || sub.LastEmailAt == nil {
		t.Errorf("subscriber counters = %d / %v", sub.EmailsSent, sub.LastEmailAt)
	}
}

func TestSendRejectsInvalidStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	n := seedNewsletter(t, store, model.NewsletterPendingReview)
	addSubscriber(t, store, "a@example.com", model.Preferences{})
	m := &fakeMailer{}

	_, err := newSender(t, store, m, 50).Send(ctx, n.ID, "admin")
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("error = %v, want ErrInvalidStatus", err)
	}
	got, err := store.GetNewsletter(ctx, n.ID)
	if err != nil {
		t.Fatalf("get newsletter: %v", err)
	}
	if got.Status != model.NewsletterPendingReview || got.LastError != "" {
		t.Errorf("newsletter changed: status=%s error=%q", got.Status, got.LastError)
	}
	if queued, _ := store.CountEntries(ctx, n.ID, model.QueuePending); queued != 0 || len(m.recipients()) != 0 {
		t.Errorf("side effects: queued=%d mailed=%d", queued, len(m.recipients()))
	}
}

func TestSendWithoutSubscribersMarksError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	n := seedNewsletter(t, store, model.NewsletterScheduled)
	addSubscriber(t, store, "opted-out@example.com", model.Preferences{WeeklyDigest: ptr(false), FinancialOnly: true})

	_, err := newSender(t, store, &fakeMailer{}, 50).Send(ctx, n.ID, "scheduler")
	if !errors.Is(err, ErrNoSubscribers) {
		t.Fatalf("error = %v, want ErrNoSubscribers", err)
	}
	got, err := store.GetNewsletter(ctx, n.ID)
	if err != nil {
		t.Fatalf("get newsletter: %v", err)
	}
	if got.Status != model.NewsletterError || got.LastError != ErrNoSubscribers.Error() {
		t.Errorf("status=%s error=%q, want error status with message", got.Status, got.LastError)
	}
}

func TestSendResumesAfterError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	n := seedNewsletter(t, store, model.NewsletterApproved)
	addSubscriber(t, store, "a@example.com", model.Preferences{})
	addSubscriber(t, store, "b@example.com", model.Preferences{})

	// A previous run delivered to a@ before it stopped.
	entries := []model.QueueEntry{{NewsletterID: n.ID, Email: "a@example.com"}}
	if _, err := store.EnqueueEmails(ctx, entries); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.MarkEntrySent(ctx, entries[0].ID, time.Now()); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	m := &fakeMailer{}
	sum, err := newSender(t, store, m, 50).Send(ctx, n.ID, "admin")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if diff := cmp.Diff([]string{"b@example.com"}, m.recipients()); diff != "" {
		t.Errorf("mailed recipients mismatch (-want +got):\n%s", diff)
	}
	if sum.Sent != 2 || sum.Attempted != 1 {
		t.Errorf("sent=%d attempted=%d, want 2 and 1", sum.Sent, sum.Attempted)
	}
}

func TestSendResumeSkipsUnsubscribed(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	n := seedNewsletter(t, store, model.NewsletterApproved)
	addSubscriber(t, store, "a@example.com", model.Preferences{})
	addSubscriber(t, store, "b@example.com", model.Preferences{})

	// A previous run queued both recipients and stopped before mailing.
	entries := []model.QueueEntry{
		{NewsletterID: n.ID, Email: "a@example.com"},
		{NewsletterID: n.ID, Email: "b@example.com"},
	}
	if _, err := store.EnqueueEmails(ctx, entries); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	b, err := store.GetSubscriber(ctx, "b@example.com")
	if err != nil {
		t.Fatalf("get subscriber: %v", err)
	}
	if _, err := store.Unsubscribe(ctx, b.UnsubscribeToken); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	m := &fakeMailer{}
	sum, err := newSender(t, store, m, 50).Send(ctx, n.ID, "admin")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if diff := cmp.Diff([]string{"a@example.com"}, m.recipients()); diff != "" {
		t.Errorf("mailed recipients mismatch (-want +got):\n%s", diff)
	}
	want := Summary{NewsletterID: n.ID, Issue: 1, Recipients: 1, Attempted: 1, Sent: 1, Skipped: 1, Batches: 1}
	if diff := cmp.Diff(want, sum, cmpopts.IgnoreFields(Summary{}, "Duration")); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}

	left, err := store.ListSendable(ctx, n.ID)
	if err != nil {
		t.Fatalf("list sendable: %v", err)
	}
	if len(left) != 1 || left[0].Email != "b@example.com" ||
		left[0].Status != model.QueueFailed || left[0].Error != reasonIneligible {
		t.Errorf("remaining entries = %+v, want b@ failed as ineligible", left)
	}
}

// unrecordedStore accepts every send but cannot mark entries sent.
type unrecordedStore struct {
	storage.Storage
}

func (unrecordedStore) MarkEntrySent(context.Context, string, time.Time) error {
	return errors.New("database is locked")
}

func TestSendCountsUnrecordedDeliveriesAsUnconfirmed(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	n := seedNewsletter(t, store, model.NewsletterApproved)
	addSubscriber(t, store, "a@example.com", model.Preferences{})
	addSubscriber(t, store, "b@example.com", model.Preferences{})

	m := &fakeMailer{}
	sum, err := newSender(t, unrecordedStore{store}, m, 50).Send(ctx, n.ID, "admin")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	want := Summary{NewsletterID: n.ID, Issue: 1, Recipients: 2, Attempted: 2, Unconfirmed: 2, Batches: 1}
	if diff := cmp.Diff(want, sum, cmpopts.IgnoreFields(Summary{}, "Duration")); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
	if len(m.recipients()) != 2 {
		t.Errorf("mailed %v, want both recipients", m.recipients())
	}
}

// blockingMailer holds every send until release is closed.
type blockingMailer struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingMailer) Send(ctx context.Context, msg mailer.Message) (string, error) {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
		return "id-" + msg.To, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestSendRefusesConcurrentRunOfSameIssue(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	n := seedNewsletter(t, store, model.NewsletterApproved)
	addSubscriber(t, store, "a@example.com", model.Preferences{})

	m := &blockingMailer{started: make(chan struct{}), release: make(chan struct{})}
	sender := newSender(t, store, m, 50)

	done := make(chan error, 1)
	go func() {
		_, err := sender.Send(ctx, n.ID, "scheduler")
		done <- err
	}()
	<-m.started

	if _, err := sender.Send(ctx, n.ID, "admin"); !errors.Is(err, ErrInProgress) {
		t.Errorf("concurrent send error = %v, want ErrInProgress", err)
	}

	close(m.release)
	if err := <-done; err != nil {
		t.Fatalf("first send: %v", err)
	}
	got, err := store.GetNewsletter(ctx, n.ID)
	if err != nil {
		t.Fatalf("get newsletter: %v", err)
	}
	if got.Status != model.NewsletterSent {
		t.Errorf("status = %s, want sent", got.Status)
	}
}

func TestEligible(t *testing.T) {
	subs := []model.Subscriber{
		{Email: "default@x"},
		{Email: "weekly@x", Preferences: model.Preferences{WeeklyDigest: ptr(true)}},
		{Email: "off@x", Preferences: model.Preferences{WeeklyDigest: ptr(false)}},
		{Email: "reg@x", Preferences: model.Preferences{WeeklyDigest: ptr(false), RegulatoryOnly: true}},
		{Email: "fin@x", Preferences: model.Preferences{WeeklyDigest: ptr(false), FinancialOnly: true}},
	}
	content := model.Content{Sections: []model.Section{
		{Category: model.CategoryRegulatory, ArticleIDs: []string{"c1"}},
		{Category: model.CategoryFinancial, ArticleIDs: []string{}},
	}}

	var got []string
	for _, s := range Eligible(subs, content) {
		got = append(got, s.Email)
	}
	if diff := cmp.Diff([]string{"default@x", "weekly@x", "reg@x"}, got); diff != "" {
		t.Errorf("Eligible mismatch (-want +got):\n%s", diff)
	}
}
