// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"nri_digest/internal/model"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("not found")

// StatusUpdate carries the audit fields written alongside a newsletter transition.
type StatusUpdate struct {
	At          time.Time
	Actor       string
	Error       string
	ScheduledAt *time.Time
}

// Storage is the interface for all persistence operations.
type Storage interface {
	UpsertSource(ctx context.Context, src *model.ContentSource) error
	GetSource(ctx context.Context, id string) (*model.ContentSource, error)
	ListSources(ctx context.Context) ([]model.ContentSource, error)
	ListActiveSources(ctx context.Context) ([]model.ContentSource, error)
	SetSourceActive(ctx context.Context, id string, active bool) error
	RecordSourceSuccess(ctx context.Context, id string, at time.Time, added int) error
	RecordSourceFailure(ctx context.Context, id string, at time.Time, msg string) error

	ExistingURLs(ctx context.Context, urls []string) (map[string]bool, error)
	InsertRawArticles(ctx context.Context, articles []model.RawArticle) (int, error)
	GetRawArticle(ctx context.Context, id string) (*model.RawArticle, error)
	ListUnprocessedRaw(ctx context.Context, limit int) ([]model.RawArticle, error)
	RejectRawArticle(ctx context.Context, id string, result model.FilterResult) error
	AcceptRawArticle(ctx context.Context, id string, result model.FilterResult, curated *model.CuratedArticle) error
	RecordRawAttempt(ctx context.Context, id, reason string) error

	GetCurated(ctx context.Context, id string) (*model.CuratedArticle, error)
	GetCuratedByRaw(ctx context.Context, rawID string) (*model.CuratedArticle, error)
	GetCuratedMany(ctx context.Context, ids []string) (map[string]model.CuratedArticle, error)
	ListUnsummarized(ctx context.Context, limit int) ([]model.CuratedArticle, error)
	ListDraftsBetween(ctx context.Context, start, end time.Time) ([]model.CuratedArticle, error)
	SaveSummary(ctx context.Context, id string, s Summary) error
	RejectCurated(ctx context.Context, id, reason string) error
	RecordSummaryAttempt(ctx context.Context, id, reason string) error

	CreateNewsletter(ctx context.Context, n *model.Newsletter, articleIDs []string, actor string) error
	GetNewsletter(ctx context.Context, id string) (*model.Newsletter, error)
	GetNewsletterByIssue(ctx context.Context, issue int) (*model.Newsletter, error)
	ListNewsletters(ctx context.Context, status model.NewsletterStatus) ([]model.Newsletter, error)
	ListDueScheduled(ctx context.Context, now time.Time) ([]model.Newsletter, error)
	TransitionNewsletter(ctx context.Context, id string, from, to model.NewsletterStatus, upd StatusUpdate) error
	SetRecipients(ctx context.Context, id string, n int) error
	RefreshSentCount(ctx context.Context, id string) (int, error)

	CreateSubscriber(ctx context.Context, sub *model.Subscriber) error
	GetSubscriber(ctx context.Context, email string) (*model.Subscriber, error)
	ListConfirmedSubscribers(ctx context.Context) ([]model.Subscriber, error)
	Unsubscribe(ctx context.Context, token string) (*model.Subscriber, error)

	EnqueueEmails(ctx context.Context, entries []model.QueueEntry) (int, error)
	GetQueueEntry(ctx context.Context, id string) (*model.QueueEntry, error)
	ListSendable(ctx context.Context, newsletterID string) ([]model.QueueEntry, error)
	MarkEntrySent(ctx context.Context, id string, at time.Time) error
	MarkEntryFailed(ctx context.Context, id string, at time.Time, msg string) error
	CountEntries(ctx context.Context, newsletterID string, status model.QueueStatus) (int, error)

	RecordOpen(ctx context.Context, newsletterID, email string, at time.Time) (bool, error)
	RecordClick(ctx context.Context, newsletterID, email, url string, at time.Time) (bool, error)
	RecordUnsubscribe(ctx context.Context, newsletterID, email string) error
	GetAnalytics(ctx context.Context, newsletterID, email string) (*model.AnalyticsEntry, error)

	Close() error
}

// Summary is the generated copy written back onto a curated article.
type Summary struct {
	Headline      string
	HTML          string
	KeyTakeaway   string
	Model         string
	PromptVersion string
	GeneratedAt   time.Time
}
