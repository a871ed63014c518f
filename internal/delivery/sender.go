// Package delivery sends approved newsletters to eligible subscribers.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"nri_digest/internal/batch"
	"nri_digest/internal/mailer"
	"nri_digest/internal/metrics"
	"nri_digest/internal/model"
	"nri_digest/internal/storage"
)

const stage = "send"

// reasonIneligible is recorded on queue entries whose subscriber dropped out
// between the original run and a resume.
const reasonIneligible = "subscriber no longer eligible"

var (
	// ErrInvalidStatus is returned when the newsletter is neither approved nor scheduled.
	ErrInvalidStatus = errors.New("newsletter is not approved or scheduled")
	// ErrNoSubscribers is returned when no subscriber is eligible for the issue.
	ErrNoSubscribers = errors.New("no eligible subscribers")
	// ErrInProgress is returned when this Sender is already delivering the newsletter.
	ErrInProgress = errors.New("send already in progress")
)

// Mailer delivers a single email.
type Mailer interface {
	Send(ctx context.Context, msg mailer.Message) (string, error)
}

// Summary reports the outcome of one send run.
type Summary struct {
	NewsletterID string
	Issue        int
	Recipients   int
	Attempted    int
	Sent         int
	Failed       int
	Skipped      int
	Unconfirmed  int
	Batches      int
	Duration     time.Duration
}

// Deps are the collaborators and limits of a Sender.
type Deps struct {
	Store     storage.Storage
	Mailer    Mailer
	Renderer  *Renderer
	Log       *slog.Logger
	Metrics   *metrics.Metrics
	Limiter   *rate.Limiter
	BatchSize int
}

// Sender delivers one newsletter per call.
type Sender struct {
	Deps
	now    func() time.Time
	active sync.Map // newsletter ID -> struct{}
}

// New creates a Sender.
func New(d Deps) *Sender {
	return &Sender{Deps: d, now: time.Now}
}

// Eligible returns the subscribers who should receive content. A subscriber
// qualifies unless the weekly digest is explicitly disabled, in which case a
// category preference matching a non-empty section still qualifies them.
func Eligible(subs []model.Subscriber, content model.Content) []model.Subscriber {
	hasRegulatory := len(content.SectionFor(model.CategoryRegulatory)) > 0
	hasFinancial := len(content.SectionFor(model.CategoryFinancial)) > 0

	var out []model.Subscriber
	for _, s := range subs {
		p := s.Preferences
		switch {
		case p.WeeklyDigest == nil || *p.WeeklyDigest:
			out = append(out, s)
		case p.RegulatoryOnly && hasRegulatory, p.FinancialOnly && hasFinancial:
			out = append(out, s)
		}
	}
	return out
}

// Send delivers the newsletter to every eligible subscriber. A newsletter in
// any status other than approved or scheduled is rejected without side
// effects. Once the run has started, top-level failures move the newsletter
// to error and are returned. Individual send failures are recorded on their
// queue entries only.
func (s *Sender) Send(ctx context.Context, newsletterID, actor string) (Summary, error) {
	if _, busy := s.active.LoadOrStore(newsletterID, struct{}{}); busy {
		return Summary{NewsletterID: newsletterID}, fmt.Errorf("newsletter %s: %w", newsletterID, ErrInProgress)
	}
	defer s.active.Delete(newsletterID)

	start := s.now()
	sum, err := s.send(ctx, newsletterID, actor)
	sum.Duration = s.now().Sub(start)
	s.Metrics.ObserveRun(stage, sum.Duration, err)
	if err != nil {
		return sum, err
	}
	s.Log.Info("send finished",
		"newsletter_id", newsletterID, "issue", sum.Issue, "recipients", sum.Recipients,
		"sent", sum.Sent, "failed", sum.Failed, "skipped", sum.Skipped, "unconfirmed", sum.Unconfirmed,
		"batches", sum.Batches, "duration", sum.Duration)
	return sum, nil
}

func (s *Sender) send(ctx context.Context, newsletterID, actor string) (Summary, error) {
	sum := Summary{NewsletterID: newsletterID}

	n, err := s.Store.GetNewsletter(ctx, newsletterID)
	if err != nil {
		return sum, fmt.Errorf("load newsletter: %w", err)
	}
	sum.Issue = n.IssueNumber
	if n.Status != model.NewsletterApproved && n.Status != model.NewsletterScheduled {
		return sum, fmt.Errorf("issue %d is %s: %w", n.IssueNumber, n.Status, ErrInvalidStatus)
	}

	subs, err := s.Store.ListConfirmedSubscribers(ctx)
	if err != nil {
		return sum, s.abort(ctx, n, n.Status, fmt.Errorf("list subscribers: %w", err))
	}
	eligible := Eligible(subs, n.Content)
	if len(eligible) == 0 {
		return sum, s.abort(ctx, n, n.Status, ErrNoSubscribers)
	}
	sum.Recipients = len(eligible)

	if err := s.Store.TransitionNewsletter(ctx, n.ID, n.Status, model.NewsletterSending, storage.StatusUpdate{
		At: s.now(), Actor: actor,
	}); err != nil {
		return sum, fmt.Errorf("start sending: %w", err)
	}

	if err := s.deliver(ctx, n, eligible, &sum); err != nil {
		return sum, s.abort(ctx, n, model.NewsletterSending, err)
	}

	sent, err := s.Store.RefreshSentCount(ctx, n.ID)
	if err != nil {
		return sum, s.abort(ctx, n, model.NewsletterSending, fmt.Errorf("refresh sent count: %w", err))
	}
	sum.Sent = sent
	if err := s.Store.TransitionNewsletter(ctx, n.ID, model.NewsletterSending, model.NewsletterSent, storage.StatusUpdate{
		At: s.now(), Actor: actor,
	}); err != nil {
		return sum, fmt.Errorf("finish sending: %w", err)
	}
	return sum, nil
}

func (s *Sender) deliver(ctx context.Context, n *model.Newsletter, eligible []model.Subscriber, sum *Summary) error {
	if err := s.Store.SetRecipients(ctx, n.ID, len(eligible)); err != nil {
		return fmt.Errorf("set recipients: %w", err)
	}

	now := s.now()
	entries := make([]model.QueueEntry, len(eligible))
	for i, sub := range eligible {
		entries[i] = model.QueueEntry{
			NewsletterID:     n.ID,
			Email:            sub.Email,
			Name:             sub.Name,
			Status:           model.QueuePending,
			ScheduledAt:      now,
			UnsubscribeToken: sub.UnsubscribeToken,
		}
	}
	if _, err := s.Store.EnqueueEmails(ctx, entries); err != nil {
		return fmt.Errorf("enqueue emails: %w", err)
	}

	// Only entries that were never delivered are sent, so a re-run after an
	// error resumes instead of mailing everyone twice.
	sendable, err := s.Store.ListSendable(ctx, n.ID)
	if err != nil {
		return fmt.Errorf("list sendable entries: %w", err)
	}
	pending := s.dropIneligible(ctx, sendable, eligible, sum)
	sum.Attempted = len(pending)
	sum.Batches = batch.Batches(len(pending), s.BatchSize)

	var ids []string
	for _, sec := range n.Content.Sections {
		ids = append(ids, sec.ArticleIDs...)
	}
	articles, err := s.Store.GetCuratedMany(ctx, ids)
	if err != nil {
		return fmt.Errorf("load articles: %w", err)
	}

	var mu sync.Mutex
	return batch.Run(ctx, batch.Options{
		Size:    s.BatchSize,
		Limiter: s.Limiter,
		AfterBatch: func(ctx context.Context, index int) {
			sent, err := s.Store.RefreshSentCount(ctx, n.ID)
			if err != nil {
				s.Log.Error("refresh sent count", "newsletter_id", n.ID, "batch", index, "error", err)
				return
			}
			s.Log.Debug("batch sent", "newsletter_id", n.ID, "batch", index, "sent", sent)
		},
	}, pending, func(ctx context.Context, entry model.QueueEntry) {
		res, err := s.sendOne(ctx, n, articles, entry)
		s.Metrics.EmailSent(err)
		mu.Lock()
		defer mu.Unlock()
		switch res {
		case outcomeFailed:
			sum.Failed++
		case outcomeUnconfirmed:
			sum.Unconfirmed++
		}
	})
}

// dropIneligible filters entries down to subscribers who are still eligible.
// The rest are marked failed so the queue shows why they were not mailed.
func (s *Sender) dropIneligible(ctx context.Context, entries []model.QueueEntry, eligible []model.Subscriber, sum *Summary) []model.QueueEntry {
	allowed := make(map[string]bool, len(eligible))
	for _, sub := range eligible {
		allowed[sub.Email] = true
	}
	out := entries[:0]
	for _, e := range entries {
		if allowed[e.Email] {
			out = append(out, e)
			continue
		}
		sum.Skipped++
		s.Log.Info("skipping ineligible recipient", "newsletter_id", e.NewsletterID, "entry_id", e.ID)
		if err := s.Store.MarkEntryFailed(ctx, e.ID, s.now(), reasonIneligible); err != nil {
			s.Log.Error("mark entry failed", "entry_id", e.ID, "error", err)
		}
	}
	return out
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	// outcomeUnconfirmed means the provider accepted the mail but the queue
	// entry could not be marked sent.
	outcomeUnconfirmed
)

func (s *Sender) sendOne(ctx context.Context, n *model.Newsletter, articles map[string]model.CuratedArticle, entry model.QueueEntry) (outcome, error) {
	email, err := s.Renderer.Render(n, articles, entry)
	if err == nil {
		_, err = s.Mailer.Send(ctx, mailer.Message{
			To:      entry.Email,
			ToName:  entry.Name,
			Subject: email.Subject,
			HTML:    email.HTML,
			Text:    email.Text,
			Headers: email.Headers,
		})
	}
	if err != nil {
		s.Log.Warn("send email", "newsletter_id", n.ID, "entry_id", entry.ID, "error", err)
		if merr := s.Store.MarkEntryFailed(ctx, entry.ID, s.now(), err.Error()); merr != nil {
			s.Log.Error("mark entry failed", "entry_id", entry.ID, "error", merr)
		}
		return outcomeFailed, err
	}
	// The mail is out; record it even if the run is being cancelled.
	if err := s.Store.MarkEntrySent(context.WithoutCancel(ctx), entry.ID, s.now()); err != nil {
		s.Log.Error("email sent but not recorded, a resume may mail this recipient again",
			"newsletter_id", n.ID, "entry_id", entry.ID, "error", err)
		return outcomeUnconfirmed, nil
	}
	return outcomeSent, nil
}

// abort moves the newsletter from its current status to error and returns cause.
func (s *Sender) abort(ctx context.Context, n *model.Newsletter, from model.NewsletterStatus, cause error) error {
	s.Log.Error("send aborted", "newsletter_id", n.ID, "issue", n.IssueNumber, "error", cause)
	// The error status must land even when the run was cancelled.
	ctx = context.WithoutCancel(ctx)
	if err := s.Store.TransitionNewsletter(ctx, n.ID, from, model.NewsletterError, storage.StatusUpdate{
		At: s.now(), Error: cause.Error(),
	}); err != nil {
		s.Log.Error("mark newsletter error", "newsletter_id", n.ID, "error", err)
	}
	return cause
}
