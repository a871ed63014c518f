// Package relevance scores raw articles with the AI service and promotes
// relevant ones to curated drafts.
package relevance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"nri_digest/internal/ai"
	"nri_digest/internal/batch"
	"nri_digest/internal/config"
	"nri_digest/internal/metrics"
	"nri_digest/internal/model"
	"nri_digest/internal/storage"
)

// Threshold is the minimum relevance score for an article to be accepted.
const Threshold = 7.0

// MaxScore is the top of the relevance scale. Scores outside [0, MaxScore] are evaluation failures.
const MaxScore = 10.0

const stage = "filter"

// Summary reports the outcome of one filter run.
type Summary struct {
	Processed      int
	Accepted       int
	Rejected       int
	Retried        int
	AcceptanceRate float64
	Duration       time.Duration
}

// Deps are the collaborators and limits of a Filter.
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

// Filter evaluates unprocessed raw articles.
type Filter struct {
	Deps
	now func() time.Time
}

// New creates a Filter.
func New(d Deps) *Filter {
	if d.Policy == "" {
		d.Policy = config.PolicyReject
	}
	return &Filter{Deps: d, now: time.Now}
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeAccepted
	outcomeRejected
	outcomeRetried
)

// Run evaluates up to MaxArticles unprocessed raw articles. Per-article
// failures are recorded on the article and never abort the run.
func (f *Filter) Run(ctx context.Context) (Summary, error) {
	start := f.now()
	var sum Summary

	raws, err := f.Store.ListUnprocessedRaw(ctx, f.MaxArticles)
	if err != nil {
		f.Metrics.ObserveRun(stage, f.now().Sub(start), err)
		return sum, fmt.Errorf("list unprocessed raw articles: %w", err)
	}

	var mu sync.Mutex
	err = batch.Run(ctx, batch.Options{Size: f.BatchSize, Limiter: f.Limiter}, raws,
		func(ctx context.Context, raw model.RawArticle) {
			o := f.evaluate(ctx, raw)
			mu.Lock()
			defer mu.Unlock()
			switch o {
			case outcomeAccepted:
				sum.Accepted++
			case outcomeRejected:
				sum.Rejected++
			case outcomeRetried:
				sum.Retried++
			}
		})

	sum.Processed = sum.Accepted + sum.Rejected
	if sum.Processed > 0 {
		sum.AcceptanceRate = float64(sum.Accepted) / float64(sum.Processed)
	}
	sum.Duration = f.now().Sub(start)
	f.Metrics.ObserveRun(stage, sum.Duration, err)
	f.Metrics.AddItems(stage, "accepted", sum.Accepted)
	f.Metrics.AddItems(stage, "rejected", sum.Rejected)
	f.Metrics.AddItems(stage, "retried", sum.Retried)
	if err != nil {
		return sum, fmt.Errorf("filter batches: %w", err)
	}

	f.Log.Info("filter finished",
		"processed", sum.Processed, "accepted", sum.Accepted, "rejected", sum.Rejected,
		"retried", sum.Retried, "acceptance_rate", sum.AcceptanceRate, "duration", sum.Duration)
	return sum, nil
}

func (f *Filter) evaluate(ctx context.Context, raw model.RawArticle) outcome {
	text, err := f.AI.Complete(ctx, ai.RelevancePrompt(ai.ArticleInput{
		Title:       raw.Title,
		Source:      raw.Source.Name,
		Category:    raw.Source.Category,
		Description: raw.Description,
		Content:     raw.Content,
		Tags:        raw.Tags,
	}))
	f.Metrics.AICall("relevance", err)

	var verdict ai.Relevance
	if err == nil {
		err = ai.DecodeJSON(text, &verdict)
	}
	if err == nil && (verdict.RelevanceScore < 0 || verdict.RelevanceScore > MaxScore) {
		err = fmt.Errorf("relevance score %g outside 0-%g", verdict.RelevanceScore, MaxScore)
	}
	if err != nil {
		return f.fail(ctx, raw, err)
	}

	category := verdict.Category
	if !category.Valid() {
		category = raw.Source.Category
	}
	result := model.FilterResult{
		RelevanceScore: verdict.RelevanceScore,
		Category:       category,
		Reasoning:      verdict.Reasoning,
		KeyTakeaway:    verdict.KeyTakeaway,
	}

	if verdict.RelevanceScore < Threshold {
		result.Rejected = true
		return f.reject(ctx, raw, result)
	}

	curated := &model.CuratedArticle{
		RawArticleID: raw.ID,
		Category:     category,
		KeyTakeaway:  verdict.KeyTakeaway,
		Original: model.OriginalSnapshot{
			Title:       raw.Title,
			URL:         raw.URL,
			Source:      raw.Source.Name,
			PublishedAt: raw.PublishedAt,
		},
		AI: model.AIMetadata{
			RelevanceScore: verdict.RelevanceScore,
			Model:          f.AI.Model(),
			PromptVersion:  ai.PromptVersion,
		},
		Status: model.ArticleDraft,
	}
	if err := f.Store.AcceptRawArticle(ctx, raw.ID, result, curated); err != nil {
		return f.storeError(raw, "accept raw article", err)
	}
	f.Log.Debug("article accepted", "article_id", raw.ID, "score", verdict.RelevanceScore, "category", category)
	return outcomeAccepted
}

// fail applies the failure policy to an article whose evaluation errored.
func (f *Filter) fail(ctx context.Context, raw model.RawArticle, cause error) outcome {
	reason := "AI filter failed: " + cause.Error()
	f.Log.Warn("evaluate article", "article_id", raw.ID, "attempt", raw.Attempts+1, "error", cause)

	if f.Policy == config.PolicyRetry && raw.Attempts+1 < f.MaxAttempts {
		if err := f.Store.RecordRawAttempt(ctx, raw.ID, reason); err != nil {
			return f.storeError(raw, "record attempt", err)
		}
		return outcomeRetried
	}
	return f.reject(ctx, raw, model.FilterResult{
		RelevanceScore: 0,
		Category:       raw.Source.Category,
		Reasoning:      reason,
		Rejected:       true,
	})
}

func (f *Filter) reject(ctx context.Context, raw model.RawArticle, result model.FilterResult) outcome {
	if err := f.Store.RejectRawArticle(ctx, raw.ID, result); err != nil {
		return f.storeError(raw, "reject raw article", err)
	}
	return outcomeRejected
}

func (f *Filter) storeError(raw model.RawArticle, op string, err error) outcome {
	if errors.Is(err, model.ErrInvalidTransition) {
		f.Log.Debug("article already processed", "article_id", raw.ID)
		return outcomeSkipped
	}
	f.Log.Error(op, "article_id", raw.ID, "error", err)
	return outcomeSkipped
}
