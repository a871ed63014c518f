// Package summarizer writes AI-generated headlines and summaries onto curated drafts.
package summarizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"nri_digest/internal/ai"
	"nri_digest/internal/batch"
	"nri_digest/internal/config"
	"nri_digest/internal/metrics"
	"nri_digest/internal/model"
	"nri_digest/internal/storage"
)

// MaxHeadlineLength is the hard limit on stored headlines, in characters.
const MaxHeadlineLength = 60

const stage = "summarize"

// Summary reports the outcome of one summarizer run.
type Summary struct {
	Summarized int
	Failed     int
	Retried    int
	Duration   time.Duration
}

// Deps are the collaborators and limits of a Summarizer.
type Deps struct {
	Store       storage.Storage
	AI          ai.Completer
	Log         *slog.Logger
	Metrics     *metrics.Metrics
	Limiter     *rate.Limiter
	MaxArticles int
	BatchSize   int
	Policy      config.FailurePolicy
	MaxAttempts int
}

// Summarizer fills in summaries of drafts that have none.
type Summarizer struct {
	Deps
	now func() time.Time
}

// New creates a Summarizer.
func New(d Deps) *Summarizer {
	if d.Policy == "" {
		d.Policy = config.PolicyReject
	}
	return &Summarizer{Deps: d, now: time.Now}
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSummarized
	outcomeRejected
	outcomePending
)

// Run summarizes up to MaxArticles drafts. Drafts that already carry a
// summary are never selected, so repeated runs issue no new AI calls.
func (s *Summarizer) Run(ctx context.Context) (Summary, error) {
	start := s.now()
	var sum Summary

	drafts, err := s.Store.ListUnsummarized(ctx, s.MaxArticles)
	if err != nil {
		s.Metrics.ObserveRun(stage, s.now().Sub(start), err)
		return sum, fmt.Errorf("list unsummarized articles: %w", err)
	}

	var mu sync.Mutex
	err = batch.Run(ctx, batch.Options{Size: s.BatchSize, Limiter: s.Limiter}, drafts,
		func(ctx context.Context, c model.CuratedArticle) {
			o := s.summarize(ctx, c)
			mu.Lock()
			defer mu.Unlock()
			switch o {
			case outcomeSummarized:
				sum.Summarized++
			case outcomeRejected:
				sum.Failed++
			case outcomePending:
				sum.Retried++
			}
		})

	sum.Duration = s.now().Sub(start)
	s.Metrics.ObserveRun(stage, sum.Duration, err)
	s.Metrics.AddItems(stage, "summarized", sum.Summarized)
	s.Metrics.AddItems(stage, "failed", sum.Failed)
	s.Metrics.AddItems(stage, "retried", sum.Retried)
	if err != nil {
		return sum, fmt.Errorf("summarize batches: %w", err)
	}

	s.Log.Info("summarize finished",
		"summarized", sum.Summarized, "failed", sum.Failed, "retried", sum.Retried, "duration", sum.Duration)
	return sum, nil
}

func (s *Summarizer) summarize(ctx context.Context, c model.CuratedArticle) outcome {
	raw, err := s.Store.GetRawArticle(ctx, c.RawArticleID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// A missing source article can never succeed, so the policy does not apply.
			return s.reject(ctx, c, fmt.Sprintf("raw article %s not found", c.RawArticleID))
		}
		s.Log.Error("load raw article", "article_id", c.ID, "error", err)
		return outcomeSkipped
	}

	text, err := s.AI.Complete(ctx, ai.SummaryPrompt(ai.ArticleInput{
		Title:       raw.Title,
		Source:      raw.Source.Name,
		Category:    c.Category,
		Description: raw.Description,
		Content:     raw.Content,
	}))
	s.Metrics.AICall("summary", err)

	var out ai.Summary
	if err == nil {
		err = ai.DecodeJSON(text, &out)
	}
	if err == nil && (strings.TrimSpace(out.Headline) == "" || strings.TrimSpace(out.Summary) == "") {
		err = errors.New("empty headline or summary")
	}
	if err != nil {
		return s.fail(ctx, c, err)
	}

	takeaway := strings.TrimSpace(out.KeyTakeaway)
	if takeaway == "" {
		takeaway = c.KeyTakeaway
	}
	err = s.Store.SaveSummary(ctx, c.ID, storage.Summary{
		Headline:      TruncateHeadline(strings.TrimSpace(out.Headline)),
		HTML:          strings.TrimSpace(out.Summary),
		KeyTakeaway:   takeaway,
		Model:         s.AI.Model(),
		PromptVersion: ai.PromptVersion,
		GeneratedAt:   s.now(),
	})
	if err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			s.Log.Debug("article already summarized", "article_id", c.ID)
		} else {
			s.Log.Error("save summary", "article_id", c.ID, "error", err)
		}
		return outcomeSkipped
	}
	return outcomeSummarized
}

// fail applies the failure policy to a draft whose summarization errored.
func (s *Summarizer) fail(ctx context.Context, c model.CuratedArticle, cause error) outcome {
	reason := "summarization failed: " + cause.Error()
	s.Log.Warn("summarize article", "article_id", c.ID, "attempt", c.Attempts+1, "error", cause)

	if s.Policy == config.PolicyRetry && c.Attempts+1 < s.MaxAttempts {
		if err := s.Store.RecordSummaryAttempt(ctx, c.ID, reason); err != nil {
			s.Log.Error("record summary attempt", "article_id", c.ID, "error", err)
			return outcomeSkipped
		}
		return outcomePending
	}
	return s.reject(ctx, c, reason)
}

func (s *Summarizer) reject(ctx context.Context, c model.CuratedArticle, reason string) outcome {
	if err := s.Store.RejectCurated(ctx, c.ID, reason); err != nil {
		s.Log.Error("reject curated article", "article_id", c.ID, "error", err)
		return outcomeSkipped
	}
	return outcomeRejected
}

// TruncateHeadline cuts headlines longer than MaxHeadlineLength to
// MaxHeadlineLength-3 characters followed by "...".
func TruncateHeadline(h string) string {
	if utf8.RuneCountInString(h) <= MaxHeadlineLength {
		return h
	}
	runes := []rune(h)
	return string(runes[:MaxHeadlineLength-3]) + "..."
}
