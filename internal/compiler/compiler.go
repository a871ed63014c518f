// Package compiler assembles the weekly newsletter from summarized drafts.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"nri_digest/internal/ai"
	"nri_digest/internal/fetcher"
	"nri_digest/internal/metrics"
	"nri_digest/internal/model"
	"nri_digest/internal/storage"
)

// MaxPerCategory is the number of articles kept per newsletter section.
const MaxPerCategory = 3

// Actor is recorded as the approver of articles selected by the compiler.
const Actor = "compiler"

const (
	stage            = "compile"
	subjectHeadlines = 5
	subjectLength    = 60
	previewLength    = 140
	newsletterName   = "NRI Wealth Weekly"
)

// ErrNoArticles is returned when the target week has no summarized drafts.
var ErrNoArticles = errors.New("no draft articles for the week")

// Result reports the outcome of one compiler run.
type Result struct {
	Newsletter *model.Newsletter
	Articles   int
	Duration   time.Duration
}

// Deps are the collaborators of a Compiler.
type Deps struct {
	Store    storage.Storage
	AI       ai.Completer
	Log      *slog.Logger
	Metrics  *metrics.Metrics
	Location *time.Location
}

// Compiler builds one newsletter per completed week.
type Compiler struct {
	Deps
	now func() time.Time
}

// New creates a Compiler. A nil location means UTC.
func New(d Deps) *Compiler {
	if d.Location == nil {
		d.Location = time.UTC
	}
	return &Compiler{Deps: d, now: time.Now}
}

// Run compiles the most recently completed week relative to now.
func (c *Compiler) Run(ctx context.Context) (Result, error) {
	return c.Compile(ctx, c.now())
}

// Compile builds the newsletter for the last Monday to Sunday week completed
// before at. When the week has no drafts nothing is written and ErrNoArticles
// is returned.
func (c *Compiler) Compile(ctx context.Context, at time.Time) (Result, error) {
	start := c.now()
	res, err := c.compile(ctx, at)
	res.Duration = c.now().Sub(start)
	c.Metrics.ObserveRun(stage, res.Duration, err)
	if err != nil {
		return res, err
	}
	c.Metrics.AddItems(stage, "selected", res.Articles)
	c.Log.Info("compile finished",
		"newsletter_id", res.Newsletter.ID, "issue", res.Newsletter.IssueNumber,
		"articles", res.Articles, "duration", res.Duration)
	return res, nil
}

func (c *Compiler) compile(ctx context.Context, at time.Time) (Result, error) {
	weekStart, weekEnd := WeekBounds(at, c.Location)

	drafts, err := c.Store.ListDraftsBetween(ctx, weekStart, weekEnd)
	if err != nil {
		return Result{}, fmt.Errorf("list drafts: %w", err)
	}
	if len(drafts) == 0 {
		return Result{}, fmt.Errorf("week of %s: %w", weekStart.Format(time.DateOnly), ErrNoArticles)
	}

	selected := Select(drafts)
	sections := make([]model.Section, 0, len(model.Categories))
	headlines := make(map[model.Category][]string)
	var ids, top []string
	for _, cat := range model.Categories {
		sec := model.Section{Category: cat, ArticleIDs: []string{}}
		for _, a := range selected[cat] {
			sec.ArticleIDs = append(sec.ArticleIDs, a.ID)
			ids = append(ids, a.ID)
			headlines[cat] = append(headlines[cat], headline(a))
		}
		sections = append(sections, sec)
	}
	for _, a := range drafts {
		if len(top) == subjectHeadlines {
			break
		}
		if isSelected(selected[a.Category], a.ID) {
			top = append(top, headline(a))
		}
	}

	label := WeekLabel(weekStart, weekEnd)
	subjects := c.subjectLines(ctx, label, top)
	opening, closing := c.introOutro(ctx, headlines)

	n := &model.Newsletter{
		Title:              newsletterName + " | " + label,
		Status:             model.NewsletterPendingReview,
		SubjectLine:        subjects[0],
		SubjectSuggestions: subjects,
		PreviewText:        fetcher.Truncate(fetcher.PlainText(opening), previewLength),
		Content: model.Content{
			OpeningHTML: opening,
			Sections:    sections,
			ClosingHTML: closing,
		},
		WeekStart: weekStart,
		WeekEnd:   weekEnd.Add(-time.Millisecond),
		AIModel:   c.AI.Model(),
		CreatedAt: c.now(),
	}
	if err := c.Store.CreateNewsletter(ctx, n, ids, Actor); err != nil {
		return Result{}, fmt.Errorf("create newsletter: %w", err)
	}
	return Result{Newsletter: n, Articles: len(ids)}, nil
}

func (c *Compiler) subjectLines(ctx context.Context, label string, top []string) []string {
	text, err := c.AI.Complete(ctx, ai.SubjectPrompt(label, top))
	c.Metrics.AICall("subject", err)

	var out ai.SubjectLines
	if err == nil {
		err = ai.DecodeJSON(text, &out)
	}
	var subjects []string
	for _, s := range out.SubjectLines {
		if s = strings.TrimSpace(s); s != "" {
			subjects = append(subjects, fitSubject(s))
		}
	}
	if err != nil || len(subjects) == 0 {
		c.Log.Warn("subject lines fell back to templates", "error", err)
		return fallbackSubjects(label, top)
	}
	return subjects
}

func (c *Compiler) introOutro(ctx context.Context, headlines map[model.Category][]string) (string, string) {
	text, err := c.AI.Complete(ctx, ai.IntroOutroPrompt(headlines))
	c.Metrics.AICall("intro_outro", err)

	var out ai.IntroOutro
	if err == nil {
		err = ai.DecodeJSON(text, &out)
	}
	opening, closing := strings.TrimSpace(out.Opening), strings.TrimSpace(out.Closing)
	if err != nil || opening == "" || closing == "" {
		c.Log.Warn("intro and outro fell back to templates", "error", err)
		return fallbackOpening, fallbackClosing
	}
	return opening, closing
}

// WeekBounds returns the Monday 00:00 start and the exclusive end of the last
// full Monday to Sunday week before at, in loc.
func WeekBounds(at time.Time, loc *time.Location) (time.Time, time.Time) {
	local := at.In(loc)
	sinceMonday := (int(local.Weekday()) + 6) % 7
	thisMonday := time.Date(local.Year(), local.Month(), local.Day()-sinceMonday, 0, 0, 0, 0, loc)
	return thisMonday.AddDate(0, 0, -7), thisMonday
}

// WeekLabel formats a week as "Oct 12 - Oct 18, 2026".
func WeekLabel(start, end time.Time) string {
	last := end.AddDate(0, 0, -1)
	return start.Format("Jan 2") + " - " + last.Format("Jan 2, 2006")
}

// Select groups drafts by category and keeps the first MaxPerCategory of
// each, preserving the input order.
func Select(drafts []model.CuratedArticle) map[model.Category][]model.CuratedArticle {
	out := make(map[model.Category][]model.CuratedArticle)
	for _, a := range drafts {
		if !a.Category.Valid() || len(out[a.Category]) >= MaxPerCategory {
			continue
		}
		out[a.Category] = append(out[a.Category], a)
	}
	return out
}

func isSelected(list []model.CuratedArticle, id string) bool {
	for _, a := range list {
		if a.ID == id {
			return true
		}
	}
	return false
}

func headline(a model.CuratedArticle) string {
	if a.Headline != nil && *a.Headline != "" {
		return *a.Headline
	}
	return a.Original.Title
}

func fitSubject(s string) string {
	if len([]rune(s)) <= subjectLength {
		return s
	}
	return fetcher.Truncate(s, subjectLength-3)
}

const (
	fallbackOpening = "<p>Welcome to this week's NRI Wealth Weekly. Here are the updates that matter most for your money in India.</p>"
	fallbackClosing = "<p>Thank you for reading. Reply to this email if you would like us to cover a topic in a future issue.</p>"
)

func fallbackSubjects(label string, top []string) []string {
	out := []string{
		fitSubject(newsletterName + ": " + label),
		fitSubject("Your NRI money briefing for " + label),
	}
	if len(top) > 0 {
		out = append([]string{fitSubject(newsletterName + ": " + top[0])}, out...)
	}
	return out
}
