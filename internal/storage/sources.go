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

var sourceColumns = []string{
	"id", "name", "url", "type", "category", "active", "max_articles_per_fetch", "rules",
	"last_fetch_at", "last_success_at", "article_count", "error_count", "last_error", "created_at",
}

// UpsertSource inserts a source or updates its configuration, keeping fetch metadata.
func (s *SQLite) UpsertSource(ctx context.Context, src *model.ContentSource) error {
	if src.ID == "" {
		src.ID = uuid.NewString()
	}
	if src.Type == "" {
		src.Type = model.SourceFeed
	}
	rules, err := encodeJSON(nonNilRules(src.Rules))
	if err != nil {
		return err
	}
	now := formatTime(time.Now())
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO content_sources (id, name, url, type, category, active, max_articles_per_fetch, rules, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   name = excluded.name, url = excluded.url, type = excluded.type, category = excluded.category,
		   active = excluded.active, max_articles_per_fetch = excluded.max_articles_per_fetch, rules = excluded.rules`,
		src.ID, src.Name, src.URL, string(src.Type), string(src.Category), boolToInt(src.Active),
		src.MaxArticlesPerFetch, rules, now,
	)
	if err != nil {
		return fmt.Errorf("upsert source: %w", err)
	}
	return nil
}

// GetSource returns a single source by its ID.
func (s *SQLite) GetSource(ctx context.Context, id string) (*model.ContentSource, error) {
	query, args, err := sq.Select(sourceColumns...).From("content_sources").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	src, err := scanSource(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, notFound(err, "source")
	}
	return src, nil
}

// ListSources returns every configured source ordered by name.
func (s *SQLite) ListSources(ctx context.Context) ([]model.ContentSource, error) {
	return s.listSources(ctx, sq.Select(sourceColumns...).From("content_sources").OrderBy("name", "id"))
}

// ListActiveSources returns the sources the collector should poll.
func (s *SQLite) ListActiveSources(ctx context.Context) ([]model.ContentSource, error) {
	return s.listSources(ctx, sq.Select(sourceColumns...).From("content_sources").
		Where(sq.Eq{"active": 1}).OrderBy("name", "id"))
}

func (s *SQLite) listSources(ctx context.Context, b sq.SelectBuilder) ([]model.ContentSource, error) {
	rows, err := s.queryBuilder(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sources []model.ContentSource
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		sources = append(sources, *src)
	}
	return sources, rows.Err()
}

// SetSourceActive pauses or resumes a source.
func (s *SQLite) SetSourceActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE content_sources SET active = ? WHERE id = ?`, boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("update source: %w", err)
	}
	return expectOne(res, fmt.Errorf("source %s: %w", id, ErrNotFound))
}

// RecordSourceSuccess stamps a successful fetch and adds to the article count.
func (s *SQLite) RecordSourceSuccess(ctx context.Context, id string, at time.Time, added int) error {
	ts := formatTime(at)
	_, err := s.db.ExecContext(ctx,
		`UPDATE content_sources
		 SET last_fetch_at = ?, last_success_at = ?, article_count = article_count + ?, last_error = ''
		 WHERE id = ?`,
		ts, ts, added, id,
	)
	if err != nil {
		return fmt.Errorf("record source success: %w", err)
	}
	return nil
}

// RecordSourceFailure stamps a failed fetch and increments the error counter.
func (s *SQLite) RecordSourceFailure(ctx context.Context, id string, at time.Time, msg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE content_sources
		 SET last_fetch_at = ?, error_count = error_count + 1, last_error = ?
		 WHERE id = ?`,
		formatTime(at), msg, id,
	)
	if err != nil {
		return fmt.Errorf("record source failure: %w", err)
	}
	return nil
}

func nonNilRules(rules []model.Rule) []model.Rule {
	if rules == nil {
		return []model.Rule{}
	}
	return rules
}

func scanSource(row scannable) (*model.ContentSource, error) {
	var src model.ContentSource
	var typ, cat, rules, created string
	var active int
	var lastFetch, lastSuccess sql.NullString
	err := row.Scan(&src.ID, &src.Name, &src.URL, &typ, &cat, &active, &src.MaxArticlesPerFetch, &rules,
		&lastFetch, &lastSuccess, &src.Meta.ArticleCount, &src.Meta.ErrorCount, &src.Meta.LastError, &created)
	if err != nil {
		return nil, err
	}
	src.Type = model.SourceType(typ)
	src.Category = model.Category(cat)
	src.Active = active == 1
	src.Meta.LastFetchAt = parseTimePtr(lastFetch)
	src.Meta.LastSuccessAt = parseTimePtr(lastSuccess)
	src.CreatedAt = parseTime(created)
	if err := json.Unmarshal([]byte(rules), &src.Rules); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	if len(src.Rules) == 0 {
		src.Rules = nil
	}
	return &src, nil
}
