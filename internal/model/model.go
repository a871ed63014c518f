// Package model defines the domain types used across the application.
package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// Category is one of the fixed newsletter sections.
type Category string

// Supported categories. The set is closed.
const (
	CategoryRegulatory Category = "regulatory"
	CategoryFinancial  Category = "financial"
	CategorySuccess    Category = "success"
	CategoryCommunity  Category = "community"
)

// Categories lists every category in newsletter section order.
var Categories = []Category{CategoryRegulatory, CategoryFinancial, CategorySuccess, CategoryCommunity}

// Valid reports whether c belongs to the closed category set.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Title returns the human-readable section heading.
func (c Category) Title() string {
	switch c {
	case CategoryRegulatory:
		return "Regulatory Updates"
	case CategoryFinancial:
		return "Financial Planning"
	case CategorySuccess:
		return "Success Stories"
	case CategoryCommunity:
		return "Community News"
	default:
		return string(c)
	}
}

// SourceType distinguishes syndication feeds from JSON APIs.
type SourceType string

// Supported source types.
const (
	SourceFeed SourceType = "feed"
	SourceAPI  SourceType = "api"
)

// RuleKind defines the type of a keyword pre-screen rule.
type RuleKind string

// Supported rule kinds.
const (
	RuleInclude   RuleKind = "include"
	RuleExclude   RuleKind = "exclude"
	RuleIncludeRe RuleKind = "include_re"
	RuleExcludeRe RuleKind = "exclude_re"
)

// RuleScope defines which part of a feed item a rule matches against.
type RuleScope string

// Supported rule scopes.
const (
	ScopeTitle   RuleScope = "title"
	ScopeContent RuleScope = "content"
	ScopeAll     RuleScope = "all"
)

// Rule is a keyword pre-screen applied by the collector before an item is stored.
type Rule struct {
	Kind  RuleKind  `json:"kind" yaml:"kind"`
	Scope RuleScope `json:"scope" yaml:"scope"`
	Value string    `json:"value" yaml:"value"`
}

// SourceMeta holds fetch bookkeeping updated after every collector attempt.
type SourceMeta struct {
	LastFetchAt   *time.Time
	LastSuccessAt *time.Time
	ArticleCount  int
	ErrorCount    int
	LastError     string
}

// ContentSource is a configured feed the collector polls.
type ContentSource struct {
	ID                  string
	Name                string
	URL                 string
	Type                SourceType
	Category            Category
	Active              bool
	MaxArticlesPerFetch int
	Rules               []Rule
	Meta                SourceMeta
	CreatedAt           time.Time
}

// SourceRef is the source snapshot carried on a raw article.
type SourceRef struct {
	Name     string
	URL      string
	Category Category
}

// FilterResult is the relevance verdict recorded on a raw article.
type FilterResult struct {
	RelevanceScore float64
	Category       Category
	Reasoning      string
	KeyTakeaway    string
	Rejected       bool
}

// RawArticle is a collected feed item awaiting relevance filtering.
type RawArticle struct {
	ID           string
	SourceID     string
	Source       SourceRef
	Title        string
	Description  string
	Content      string
	URL          string
	Author       string
	GUID         string
	Tags         []string // feed categories, context for the relevance prompt
	PublishedAt  *time.Time
	CollectedAt  time.Time
	Processed    bool
	Attempts     int
	FilterResult *FilterResult
}

// ArticleStatus is the lifecycle state of a curated article.
type ArticleStatus string

// Curated article states.
const (
	ArticleDraft     ArticleStatus = "draft"
	ArticleApproved  ArticleStatus = "approved"
	ArticlePublished ArticleStatus = "published"
	ArticleRejected  ArticleStatus = "rejected"
)

var articleTransitions = map[ArticleStatus][]ArticleStatus{
	ArticleDraft:    {ArticleApproved, ArticleRejected},
	ArticleApproved: {ArticlePublished, ArticleRejected},
}

// CanTransition reports whether a curated article may move from s to next.
func (s ArticleStatus) CanTransition(next ArticleStatus) bool {
	for _, allowed := range articleTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CheckArticleTransition returns ErrInvalidTransition when a curated article cannot move from from to to.
func CheckArticleTransition(from, to ArticleStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: article %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// OriginalSnapshot is the denormalized copy of the source article.
type OriginalSnapshot struct {
	Title       string
	URL         string
	Source      string
	PublishedAt *time.Time
}

// AIMetadata records how curated content was generated.
type AIMetadata struct {
	RelevanceScore float64
	Model          string
	GeneratedAt    *time.Time
	PromptVersion  string
}

// CuratedArticle is an accepted article eligible for a newsletter.
type CuratedArticle struct {
	ID           string
	RawArticleID string
	Category     Category
	Headline     *string
	Summary      *string
	KeyTakeaway  string
	Original     OriginalSnapshot
	AI           AIMetadata
	Status       ArticleStatus
	UsedIn       []string
	SummaryError string
	Attempts     int
	CreatedAt    time.Time
	ApprovedBy   string
	ApprovedAt   *time.Time
}

// NewsletterStatus is the lifecycle state of a newsletter issue.
type NewsletterStatus string

// Newsletter states.
const (
	NewsletterDraft         NewsletterStatus = "draft"
	NewsletterPendingReview NewsletterStatus = "pending_review"
	NewsletterApproved      NewsletterStatus = "approved"
	NewsletterScheduled     NewsletterStatus = "scheduled"
	NewsletterSending       NewsletterStatus = "sending"
	NewsletterSent          NewsletterStatus = "sent"
	NewsletterError         NewsletterStatus = "error"
)

var newsletterTransitions = map[NewsletterStatus][]NewsletterStatus{
	NewsletterDraft:         {NewsletterPendingReview},
	NewsletterPendingReview: {NewsletterApproved, NewsletterDraft},
	NewsletterApproved:      {NewsletterScheduled, NewsletterSending, NewsletterError},
	NewsletterScheduled:     {NewsletterApproved, NewsletterSending, NewsletterError},
	NewsletterSending:       {NewsletterSent, NewsletterError},
	NewsletterError:         {NewsletterApproved},
}

// CanTransition reports whether a newsletter may move from s to next.
func (s NewsletterStatus) CanTransition(next NewsletterStatus) bool {
	for _, allowed := range newsletterTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition when from cannot move to to.
func CheckTransition(from, to NewsletterStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Section lists the curated article IDs shown under one category.
type Section struct {
	Category   Category `json:"category"`
	ArticleIDs []string `json:"articleIds"`
}

// Content is the assembled body of a newsletter.
type Content struct {
	OpeningHTML     string    `json:"openingHtml"`
	Sections        []Section `json:"sections"`
	ExpertSection   string    `json:"expertSection,omitempty"`
	ClosingHTML     string    `json:"closingHtml"`
	AdminCommentary string    `json:"adminCommentary,omitempty"`
}

// SectionFor returns the article IDs of the given category section.
func (c Content) SectionFor(cat Category) []string {
	for _, s := range c.Sections {
		if s.Category == cat {
			return s.ArticleIDs
		}
	}
	return nil
}

// DeliveryStats aggregates delivery and engagement counters of an issue.
type DeliveryStats struct {
	Recipients   int
	Sent         int
	Delivered    int
	Opened       int
	Clicked      int
	Bounced      int
	Unsubscribed int
	OpenRate     float64
	ClickRate    float64
}

// Newsletter is one weekly issue.
type Newsletter struct {
	ID                 string
	IssueNumber        int
	Title              string
	Status             NewsletterStatus
	SubjectLine        string
	SubjectSuggestions []string
	PreviewText        string
	Content            Content
	WeekStart          time.Time
	WeekEnd            time.Time
	Stats              DeliveryStats
	AIModel            string
	LastError          string
	CreatedAt          time.Time
	ReviewedBy         string
	ReviewedAt         *time.Time
	ScheduledAt        *time.Time
	SentAt             *time.Time
	SentBy             string
}

// SubscriberStatus is the subscription state of a recipient.
type SubscriberStatus string

// Subscriber states.
const (
	SubscriberActive    SubscriberStatus = "active"
	SubscriberPending   SubscriberStatus = "pending"
	SubscriberSuspended SubscriberStatus = "suspended"
)

// Preferences holds per-category subscription flags.
// A nil WeeklyDigest means the subscriber never opted out.
type Preferences struct {
	WeeklyDigest   *bool
	RegulatoryOnly bool
	FinancialOnly  bool
}

// Subscriber is a newsletter recipient.
type Subscriber struct {
	Email            string
	Name             string
	Status           SubscriberStatus
	ConfirmedAt      *time.Time
	Preferences      Preferences
	UnsubscribeToken string
	EmailsSent       int
	EmailsOpened     int
	LinksClicked     int
	LastEmailAt      *time.Time
	CreatedAt        time.Time
}

// QueueStatus is the delivery state of one outbound email.
type QueueStatus string

// Queue entry states.
const (
	QueuePending QueueStatus = "pending"
	QueueSent    QueueStatus = "sent"
	QueueFailed  QueueStatus = "failed"
)

// QueueEntry is one outbound email. Its ID doubles as the tracking pixel identifier.
type QueueEntry struct {
	ID               string
	NewsletterID     string
	Email            string
	Name             string
	Status           QueueStatus
	Attempts         int
	LastAttemptAt    *time.Time
	Error            string
	ScheduledAt      time.Time
	SentAt           *time.Time
	UnsubscribeToken string
}

// ClickedLink is a single recorded click.
type ClickedLink struct {
	URL       string    `json:"url"`
	ClickedAt time.Time `json:"clickedAt"`
}

// AnalyticsEntry holds engagement of one subscriber with one newsletter.
type AnalyticsEntry struct {
	NewsletterID string
	Email        string
	Delivered    bool
	Opened       bool
	OpenCount    int
	Clicked      bool
	ClickCount   int
	ClickedLinks []ClickedLink
	Bounced      bool
	Unsubscribed bool
	Device       string
	Location     string
	UserAgent    string
	FirstOpenAt  *time.Time
}
