// Package collector polls content sources and stores new items as raw articles.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"nri_digest/internal/config"
	"nri_digest/internal/fetcher"
	"nri_digest/internal/filter"
	"nri_digest/internal/metrics"
	"nri_digest/internal/model"
	"nri_digest/internal/storage"
)

const stage = "collect"

// Summary reports the outcome of one collector run.
type Summary struct {
	New       int
	Succeeded int
	Failed    int
	Duration  time.Duration
}

// Deps are the collaborators of a Collector.
type Deps struct {
	Store      storage.Storage
	Fetcher    *fetcher.Fetcher
	Log        *slog.Logger
	Metrics    *metrics.Metrics
	WriteBatch int
}

// Collector fetches every active source and persists unseen entries.
type Collector struct {
	store      storage.Storage
	fetcher    *fetcher.Fetcher
	log        *slog.Logger
	metrics    *metrics.Metrics
	writeBatch int
	now        func() time.Time
}

// New creates a Collector. The write batch is clamped to config.MaxCollectWriteBatch.
func New(d Deps) *Collector {
	wb := d.WriteBatch
	if wb <= 0 || wb > config.MaxCollectWriteBatch {
		wb = config.MaxCollectWriteBatch
	}
	return &Collector{
		store:      d.Store,
		fetcher:    d.Fetcher,
		log:        d.Log,
		metrics:    d.Metrics,
		writeBatch: wb,
		now:        time.Now,
	}
}

// Run collects from all active sources. A failing source is recorded on its
// metadata and does not stop the run; only a failure to list sources is returned.
func (c *Collector) Run(ctx context.Context) (Summary, error) {
	start := c.now()
	var sum Summary

	sources, err := c.store.ListActiveSources(ctx)
	if err != nil {
		c.metrics.ObserveRun(stage, c.now().Sub(start), err)
		return sum, fmt.Errorf("list active sources: %w", err)
	}

	for _, src := range sources {
		if ctx.Err() != nil {
			break
		}
		added, err := c.collectSource(ctx, src)
		if err != nil {
			sum.Failed++
			c.log.Warn("collect source", "source_id", src.ID, "url", src.URL, "error", err)
			if rerr := c.store.RecordSourceFailure(ctx, src.ID, c.now(), err.Error()); rerr != nil {
				c.log.Error("record source failure", "source_id", src.ID, "error", rerr)
			}
			continue
		}
		sum.Succeeded++
		sum.New += added
		if err := c.store.RecordSourceSuccess(ctx, src.ID, c.now(), added); err != nil {
			c.log.Error("record source success", "source_id", src.ID, "error", err)
		}
		if added > 0 {
			c.log.Debug("collected articles", "source_id", src.ID, "count", added)
		}
	}

	sum.Duration = c.now().Sub(start)
	c.metrics.ObserveRun(stage, sum.Duration, nil)
	c.metrics.AddItems(stage, "new", sum.New)
	c.metrics.AddItems(stage, "source_failed", sum.Failed)
	c.log.Info("collect finished",
		"new", sum.New, "succeeded", sum.Succeeded, "failed", sum.Failed, "duration", sum.Duration)
	return sum, nil
}

func (c *Collector) collectSource(ctx context.Context, src model.ContentSource) (int, error) {
	rules, err := filter.Compile(src.Rules)
	if err != nil {
		return 0, fmt.Errorf("compile rules: %w", err)
	}

	feed, err := c.fetcher.Fetch(ctx, src.URL)
	if err != nil {
		return 0, err
	}

	var entries []fetcher.Entry
	seen := make(map[string]bool)
	for _, e := range fetcher.Entries(feed, src.MaxArticlesPerFetch) {
		if seen[e.URL] || !rules.Allow(filter.Item{Title: e.Title, Content: e.Description + "\n" + e.Content}) {
			continue
		}
		seen[e.URL] = true
		entries = append(entries, e)
	}

	added := 0
	for i := 0; i < len(entries); i += c.writeBatch {
		n, err := c.persist(ctx, src, entries[i:min(i+c.writeBatch, len(entries))])
		if err != nil {
			return added, err
		}
		added += n
	}
	return added, nil
}

func (c *Collector) persist(ctx context.Context, src model.ContentSource, entries []fetcher.Entry) (int, error) {
	urls := make([]string, len(entries))
	for i, e := range entries {
		urls[i] = e.URL
	}
	existing, err := c.store.ExistingURLs(ctx, urls)
	if err != nil {
		return 0, fmt.Errorf("check existing urls: %w", err)
	}

	now := c.now()
	articles := make([]model.RawArticle, 0, len(entries))
	for _, e := range entries {
		if existing[e.URL] {
			continue
		}
		articles = append(articles, model.RawArticle{
			SourceID:    src.ID,
			Source:      model.SourceRef{Name: src.Name, URL: src.URL, Category: src.Category},
			Title:       e.Title,
			Description: e.Description,
			Content:     e.Content,
			URL:         e.URL,
			Author:      e.Author,
			GUID:        e.GUID,
			Tags:        e.Categories,
			PublishedAt: e.PublishedAt,
			CollectedAt: now,
		})
	}
	if len(articles) == 0 {
		return 0, nil
	}

	n, err := c.store.InsertRawArticles(ctx, articles)
	if err != nil {
		return 0, fmt.Errorf("insert raw articles: %w", err)
	}
	return n, nil
}
