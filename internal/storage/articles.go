package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"nri_digest/internal/model"
)

var rawColumns = []string{
	"id", "source_id", "source_name", "source_url", "source_category", "title", "description", "content",
	"url", "author", "guid", "tags", "published_at", "collected_at", "processed", "attempts",
	"relevance_score", "ai_category", "ai_reasoning", "ai_key_takeaway", "rejected",
}

var curatedColumns = []string{
	"id", "raw_article_id", "category", "headline", "summary", "key_takeaway",
	"original_title", "original_url", "original_source", "original_published_at",
	"relevance_score", "ai_model", "generated_at", "prompt_version",
	"status", "used_in", "summary_error", "attempts", "created_at", "approved_by", "approved_at",
}

// ExistingURLs reports which of the given canonical URLs are already stored.
func (s *SQLite) ExistingURLs(ctx context.Context, urls []string) (map[string]bool, error) {
	found := make(map[string]bool)
	if len(urls) == 0 {
		return found, nil
	}
	rows, err := s.queryBuilder(ctx, sq.Select("url").From("raw_articles").Where(sq.Eq{"url": urls}))
	if err != nil {
		return nil, fmt.Errorf("query urls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan url: %w", err)
		}
		found[u] = true
	}
	return found, rows.Err()
}

// InsertRawArticles writes articles in one transaction, skipping URLs already present.
// It returns the number of rows actually inserted.
func (s *SQLite) InsertRawArticles(ctx context.Context, articles []model.RawArticle) (int, error) {
	inserted := 0
	err := s.transaction(ctx, func(tx *sql.Tx) error {
		for i := range articles {
			a := &articles[i]
			if a.ID == "" {
				a.ID = uuid.NewString()
			}
			if a.CollectedAt.IsZero() {
				a.CollectedAt = time.Now()
			}
			tags, err := encodeJSON(nonNilStrings(a.Tags))
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO raw_articles
				 (id, source_id, source_name, source_url, source_category, title, description, content,
				  url, author, guid, tags, published_at, collected_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				a.ID, a.SourceID, a.Source.Name, a.Source.URL, string(a.Source.Category), a.Title,
				a.Description, a.Content, a.URL, a.Author, a.GUID, tags,
				formatTimePtr(a.PublishedAt), formatTime(a.CollectedAt),
			)
			if err != nil {
				return fmt.Errorf("insert raw article: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// GetRawArticle returns a single raw article by its ID.
func (s *SQLite) GetRawArticle(ctx context.Context, id string) (*model.RawArticle, error) {
	query, args, err := sq.Select(rawColumns...).From("raw_articles").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	a, err := scanRaw(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, notFound(err, "raw article")
	}
	return a, nil
}

// ListUnprocessedRaw returns up to limit raw articles that have not been filtered, oldest first.
func (s *SQLite) ListUnprocessedRaw(ctx context.Context, limit int) ([]model.RawArticle, error) {
	b := sq.Select(rawColumns...).From("raw_articles").
		Where(sq.Eq{"processed": 0}).
		OrderBy("collected_at", "id").
		Limit(uint64(max(limit, 0)))
	rows, err := s.queryBuilder(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("query raw articles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.RawArticle
	for rows.Next() {
		a, err := scanRaw(rows)
		if err != nil {
			return nil, fmt.Errorf("scan raw article: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// RejectRawArticle marks an unprocessed article as filtered out.
func (s *SQLite) RejectRawArticle(ctx context.Context, id string, result model.FilterResult) error {
	result.Rejected = true
	return s.markProcessed(ctx, s.db, id, result)
}

// AcceptRawArticle marks an article processed and creates its curated draft atomically.
func (s *SQLite) AcceptRawArticle(ctx context.Context, id string, result model.FilterResult, curated *model.CuratedArticle) error {
	result.Rejected = false
	return s.transaction(ctx, func(tx *sql.Tx) error {
		if err := s.markProcessed(ctx, tx, id, result); err != nil {
			return err
		}
		return insertCurated(ctx, tx, curated)
	})
}

func (s *SQLite) markProcessed(ctx context.Context, e execer, id string, r model.FilterResult) error {
	res, err := e.ExecContext(ctx,
		`UPDATE raw_articles
		 SET processed = 1, relevance_score = ?, ai_category = ?, ai_reasoning = ?, ai_key_takeaway = ?, rejected = ?
		 WHERE id = ? AND processed = 0`,
		r.RelevanceScore, string(r.Category), r.Reasoning, r.KeyTakeaway, boolToInt(r.Rejected), id,
	)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return expectOne(res, fmt.Errorf("raw article %s already processed: %w", id, model.ErrInvalidTransition))
}

// RecordRawAttempt counts a failed filter attempt while leaving the article pending.
func (s *SQLite) RecordRawAttempt(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE raw_articles SET attempts = attempts + 1, ai_reasoning = ? WHERE id = ? AND processed = 0`,
		reason, id,
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

func insertCurated(ctx context.Context, e execer, c *model.CuratedArticle) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.Status == "" {
		c.Status = model.ArticleDraft
	}
	usedIn, err := encodeJSON(nonNilStrings(c.UsedIn))
	if err != nil {
		return err
	}
	_, err = e.ExecContext(ctx,
		`INSERT INTO curated_articles
		 (id, raw_article_id, category, headline, summary, key_takeaway,
		  original_title, original_url, original_source, original_published_at,
		  relevance_score, ai_model, generated_at, prompt_version, status, used_in, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.RawArticleID, string(c.Category), c.Headline, c.Summary, c.KeyTakeaway,
		c.Original.Title, c.Original.URL, c.Original.Source, formatTimePtr(c.Original.PublishedAt),
		c.AI.RelevanceScore, c.AI.Model, formatTimePtr(c.AI.GeneratedAt), c.AI.PromptVersion,
		string(c.Status), usedIn, formatTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert curated article: %w", err)
	}
	return nil
}

// GetCurated returns a single curated article by its ID.
func (s *SQLite) GetCurated(ctx context.Context, id string) (*model.CuratedArticle, error) {
	return s.getCuratedBy(ctx, sq.Eq{"id": id})
}

// GetCuratedByRaw returns the curated article created from the given raw article.
func (s *SQLite) GetCuratedByRaw(ctx context.Context, rawID string) (*model.CuratedArticle, error) {
	return s.getCuratedBy(ctx, sq.Eq{"raw_article_id": rawID})
}

func (s *SQLite) getCuratedBy(ctx context.Context, pred sq.Eq) (*model.CuratedArticle, error) {
	query, args, err := sq.Select(curatedColumns...).From("curated_articles").Where(pred).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	c, err := scanCurated(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, notFound(err, "curated article")
	}
	return c, nil
}

// GetCuratedMany resolves a set of curated article IDs. Missing IDs are absent from the map.
func (s *SQLite) GetCuratedMany(ctx context.Context, ids []string) (map[string]model.CuratedArticle, error) {
	out := make(map[string]model.CuratedArticle, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	list, err := s.listCurated(ctx, sq.Select(curatedColumns...).From("curated_articles").Where(sq.Eq{"id": ids}))
	if err != nil {
		return nil, err
	}
	for _, c := range list {
		out[c.ID] = c
	}
	return out, nil
}

// ListUnsummarized returns up to limit draft articles that still have no summary.
func (s *SQLite) ListUnsummarized(ctx context.Context, limit int) ([]model.CuratedArticle, error) {
	return s.listCurated(ctx, sq.Select(curatedColumns...).From("curated_articles").
		Where(sq.Eq{"status": string(model.ArticleDraft), "summary": nil}).
		OrderBy("created_at", "id").
		Limit(uint64(max(limit, 0))))
}

// ListDraftsBetween returns summarized drafts created in [start, end),
// newest first and then by relevance score.
func (s *SQLite) ListDraftsBetween(ctx context.Context, start, end time.Time) ([]model.CuratedArticle, error) {
	return s.listCurated(ctx, sq.Select(curatedColumns...).From("curated_articles").
		Where(sq.Eq{"status": string(model.ArticleDraft)}).
		Where(sq.NotEq{"summary": nil}).
		Where(sq.GtOrEq{"created_at": formatTime(start)}).
		Where(sq.Lt{"created_at": formatTime(end)}).
		OrderBy("created_at DESC", "relevance_score DESC", "id"))
}

func (s *SQLite) listCurated(ctx context.Context, b sq.SelectBuilder) ([]model.CuratedArticle, error) {
	rows, err := s.queryBuilder(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("query curated articles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.CuratedArticle
	for rows.Next() {
		c, err := scanCurated(rows)
		if err != nil {
			return nil, fmt.Errorf("scan curated article: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// SaveSummary writes generated copy onto a draft that has not been summarized yet.
func (s *SQLite) SaveSummary(ctx context.Context, id string, sum Summary) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE curated_articles
		 SET headline = ?, summary = ?, key_takeaway = ?, ai_model = ?, prompt_version = ?, generated_at = ?,
		     summary_error = ''
		 WHERE id = ? AND status = ? AND summary IS NULL`,
		sum.Headline, sum.HTML, sum.KeyTakeaway, sum.Model, sum.PromptVersion, formatTime(sum.GeneratedAt),
		id, string(model.ArticleDraft),
	)
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return expectOne(res, fmt.Errorf("curated article %s already summarized: %w", id, model.ErrInvalidTransition))
}

// RejectCurated moves a draft or approved article to rejected and records why.
func (s *SQLite) RejectCurated(ctx context.Context, id, reason string) error {
	return s.transaction(ctx, func(tx *sql.Tx) error {
		from, err := curatedStatus(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := model.CheckArticleTransition(from, model.ArticleRejected); err != nil {
			return fmt.Errorf("reject curated article %s: %w", id, err)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE curated_articles SET status = ?, summary_error = ? WHERE id = ? AND status = ?`,
			string(model.ArticleRejected), reason, id, string(from),
		)
		if err != nil {
			return fmt.Errorf("reject curated article: %w", err)
		}
		return expectOne(res, fmt.Errorf("curated article %s changed status: %w", id, model.ErrInvalidTransition))
	})
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func curatedStatus(ctx context.Context, q rowQuerier, id string) (model.ArticleStatus, error) {
	var status string
	err := q.QueryRowContext(ctx, `SELECT status FROM curated_articles WHERE id = ?`, id).Scan(&status)
	if err != nil {
		return "", notFound(err, "curated article "+id)
	}
	return model.ArticleStatus(status), nil
}

// publishArticles moves the approved articles used in a sent newsletter to published.
func publishArticles(ctx context.Context, tx *sql.Tx, newsletterID string) error {
	if err := model.CheckArticleTransition(model.ArticleApproved, model.ArticlePublished); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE curated_articles SET status = ?
		 WHERE status = ? AND EXISTS (SELECT 1 FROM json_each(curated_articles.used_in) WHERE value = ?)`,
		string(model.ArticlePublished), string(model.ArticleApproved), newsletterID,
	)
	if err != nil {
		return fmt.Errorf("publish articles: %w", err)
	}
	return nil
}

// RecordSummaryAttempt counts a failed summarization while leaving the draft pending.
func (s *SQLite) RecordSummaryAttempt(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE curated_articles SET attempts = attempts + 1, summary_error = ? WHERE id = ? AND status = ?`,
		reason, id, string(model.ArticleDraft),
	)
	if err != nil {
		return fmt.Errorf("record summary attempt: %w", err)
	}
	return nil
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func scanRaw(row scannable) (*model.RawArticle, error) {
	var a model.RawArticle
	var cat, tags, collected string
	var published sql.NullString
	var processed int
	var score sql.NullFloat64
	var aiCat, reasoning, takeaway sql.NullString
	var rejected sql.NullInt64
	err := row.Scan(&a.ID, &a.SourceID, &a.Source.Name, &a.Source.URL, &cat, &a.Title, &a.Description, &a.Content,
		&a.URL, &a.Author, &a.GUID, &tags, &published, &collected, &processed, &a.Attempts,
		&score, &aiCat, &reasoning, &takeaway, &rejected)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &a.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if len(a.Tags) == 0 {
		a.Tags = nil
	}
	a.Source.Category = model.Category(cat)
	a.PublishedAt = parseTimePtr(published)
	a.CollectedAt = parseTime(collected)
	a.Processed = processed == 1
	if a.Processed {
		a.FilterResult = &model.FilterResult{
			RelevanceScore: score.Float64,
			Category:       model.Category(aiCat.String),
			Reasoning:      reasoning.String,
			KeyTakeaway:    takeaway.String,
			Rejected:       rejected.Int64 == 1,
		}
	}
	return &a, nil
}

func scanCurated(row scannable) (*model.CuratedArticle, error) {
	var c model.CuratedArticle
	var cat, status, usedIn, created string
	var headline, summary, origPublished, generated, approvedAt sql.NullString
	err := row.Scan(&c.ID, &c.RawArticleID, &cat, &headline, &summary, &c.KeyTakeaway,
		&c.Original.Title, &c.Original.URL, &c.Original.Source, &origPublished,
		&c.AI.RelevanceScore, &c.AI.Model, &generated, &c.AI.PromptVersion,
		&status, &usedIn, &c.SummaryError, &c.Attempts, &created, &c.ApprovedBy, &approvedAt)
	if err != nil {
		return nil, err
	}
	c.Category = model.Category(cat)
	c.Status = model.ArticleStatus(status)
	c.Headline = stringPtr(headline)
	c.Summary = stringPtr(summary)
	c.Original.PublishedAt = parseTimePtr(origPublished)
	c.AI.GeneratedAt = parseTimePtr(generated)
	c.ApprovedAt = parseTimePtr(approvedAt)
	c.CreatedAt = parseTime(created)
	if err := json.Unmarshal([]byte(usedIn), &c.UsedIn); err != nil {
		return nil, fmt.Errorf("decode used_in: %w", err)
	}
	if len(c.UsedIn) == 0 {
		c.UsedIn = nil
	}
	return &c, nil
}
