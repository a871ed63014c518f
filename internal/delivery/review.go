package delivery

import (
	"context"
	"fmt"
	"time"

	"nri_digest/internal/model"
	"nri_digest/internal/storage"
)

// reasonInterrupted is recorded when an issue left in sending is recovered.
const reasonInterrupted = "send interrupted"

// Approve moves the issue to approved. It is the review step for a
// pending_review issue and the re-arm step after a failed send.
//
// An issue still in sending is taken to belong to a run that died: it is
// parked in error and then approved, so the next send resumes its queue.
// Do not use it while a send for the issue is still running.
func Approve(ctx context.Context, store storage.Storage, issue int, actor string) (*model.Newsletter, error) {
	n, err := store.GetNewsletterByIssue(ctx, issue)
	if err != nil {
		return nil, fmt.Errorf("load issue %d: %w", issue, err)
	}
	from := n.Status
	if from == model.NewsletterSending {
		if err := store.TransitionNewsletter(ctx, n.ID, from, model.NewsletterError, storage.StatusUpdate{
			At: time.Now(), Actor: actor, Error: reasonInterrupted,
		}); err != nil {
			return nil, fmt.Errorf("recover issue %d: %w", issue, err)
		}
		from = model.NewsletterError
	}
	if err := store.TransitionNewsletter(ctx, n.ID, from, model.NewsletterApproved, storage.StatusUpdate{
		At: time.Now(), Actor: actor,
	}); err != nil {
		return nil, fmt.Errorf("approve issue %d: %w", issue, err)
	}
	n.Status = model.NewsletterApproved
	return n, nil
}

// Schedule queues an approved issue for dispatch at the given time.
func Schedule(ctx context.Context, store storage.Storage, issue int, at time.Time, actor string) (*model.Newsletter, error) {
	n, err := store.GetNewsletterByIssue(ctx, issue)
	if err != nil {
		return nil, fmt.Errorf("load issue %d: %w", issue, err)
	}
	if err := store.TransitionNewsletter(ctx, n.ID, n.Status, model.NewsletterScheduled, storage.StatusUpdate{
		At: time.Now(), Actor: actor, ScheduledAt: &at,
	}); err != nil {
		return nil, fmt.Errorf("schedule issue %d: %w", issue, err)
	}
	n.Status = model.NewsletterScheduled
	n.ScheduledAt = &at
	return n, nil
}
