package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"nri_digest/internal/model"
	"nri_digest/internal/storage"
)

func TestApprove(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	n := seedNewsletter(t, store, model.NewsletterPendingReview)

	got, err := Approve(ctx, store, n.IssueNumber, "admin")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if got.Status != model.NewsletterApproved {
		t.Errorf("status = %s, want approved", got.Status)
	}
	if _, err := Approve(ctx, store, n.IssueNumber, "admin"); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("second approve error = %v, want ErrInvalidTransition", err)
	}
	if _, err := Approve(ctx, store, 99, "admin"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("approve missing error = %v, want ErrNotFound", err)
	}
}

func TestApproveRecoversInterruptedSend(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	n := seedNewsletter(t, store, model.NewsletterApproved)
	addSubscriber(t, store, "a@example.com", model.Preferences{})
	addSubscriber(t, store, "b@example.com", model.Preferences{})

	// A run that crashed after mailing a@ leaves the issue in sending.
	if err := store.TransitionNewsletter(ctx, n.ID, model.NewsletterApproved, model.NewsletterSending,
		storage.StatusUpdate{Actor: "scheduler"}); err != nil {
		t.Fatalf("start sending: %v", err)
	}
	entries := []model.QueueEntry{
		{NewsletterID: n.ID, Email: "a@example.com"},
		{NewsletterID: n.ID, Email: "b@example.com"},
	}
	if _, err := store.EnqueueEmails(ctx, entries); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.MarkEntrySent(ctx, entries[0].ID, time.Now()); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	m := &fakeMailer{}
	sender := newSender(t, store, m, 50)
	if _, err := sender.Send(ctx, n.ID, "admin"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("send while stuck error = %v, want ErrInvalidStatus", err)
	}

	got, err := Approve(ctx, store, n.IssueNumber, "admin")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if got.Status != model.NewsletterApproved {
		t.Errorf("status = %s, want approved", got.Status)
	}

	sum, err := sender.Send(ctx, n.ID, "admin")
	if err != nil {
		t.Fatalf("send after recovery: %v", err)
	}
	if diff := cmp.Diff([]string{"b@example.com"}, m.recipients()); diff != "" {
		t.Errorf("mailed recipients mismatch (-want +got):\n%s", diff)
	}
	if sum.Sent != 2 || sum.Attempted != 1 {
		t.Errorf("sent=%d attempted=%d, want 2 and 1", sum.Sent, sum.Attempted)
	}
	stored, err := store.GetNewsletter(ctx, n.ID)
	if err != nil {
		t.Fatalf("get newsletter: %v", err)
	}
	if stored.Status != model.NewsletterSent {
		t.Errorf("stored status = %s, want sent", stored.Status)
	}
}

func TestApproveRejectsSentIssue(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	n := seedNewsletter(t, store, model.NewsletterApproved)
	addSubscriber(t, store, "a@example.com", model.Preferences{})

	if _, err := newSender(t, store, &fakeMailer{}, 50).Send(ctx, n.ID, "admin"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := Approve(ctx, store, n.IssueNumber, "admin"); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("approve sent issue error = %v, want ErrInvalidTransition", err)
	}
}
