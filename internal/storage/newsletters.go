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

const issueCounter = "newsletter_issue"

var newsletterColumns = []string{
	"id", "issue_number", "title", "status", "subject_line", "subject_suggestions", "preview_text", "content",
	"week_start", "week_end",
	"recipients", "sent", "delivered", "opened", "clicked", "bounced", "unsubscribed", "open_rate", "click_rate",
	"ai_model", "last_error", "created_at", "reviewed_by", "reviewed_at", "scheduled_at", "sent_at", "sent_by",
}

// CreateNewsletter assigns the next issue number, stores the newsletter and
// approves the selected articles in a single transaction.
func (s *SQLite) CreateNewsletter(ctx context.Context, n *model.Newsletter, articleIDs []string, actor string) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	if n.Status == "" {
		n.Status = model.NewsletterPendingReview
	}
	content, err := encodeJSON(n.Content)
	if err != nil {
		return err
	}
	suggestions, err := encodeJSON(nonNilStrings(n.SubjectSuggestions))
	if err != nil {
		return err
	}

	return s.transaction(ctx, func(tx *sql.Tx) error {
		var issue int
		err := tx.QueryRowContext(ctx,
			`UPDATE counters SET value = value + 1 WHERE name = ? RETURNING value`, issueCounter,
		).Scan(&issue)
		if err != nil {
			return fmt.Errorf("next issue number: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO newsletters
			 (id, issue_number, title, status, subject_line, subject_suggestions, preview_text, content,
			  week_start, week_end, ai_model, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			n.ID, issue, n.Title, string(n.Status), n.SubjectLine, suggestions, n.PreviewText, content,
			formatTime(n.WeekStart), formatTime(n.WeekEnd), n.AIModel, formatTime(n.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert newsletter: %w", err)
		}

		for _, id := range articleIDs {
			from, err := curatedStatus(ctx, tx, id)
			if err != nil {
				return err
			}
			if err := model.CheckArticleTransition(from, model.ArticleApproved); err != nil {
				return fmt.Errorf("approve article %s: %w", id, err)
			}
			res, err := tx.ExecContext(ctx,
				`UPDATE curated_articles
				 SET status = ?, approved_by = ?, approved_at = ?, used_in = json_insert(used_in, '$[#]', ?)
				 WHERE id = ? AND status = ?`,
				string(model.ArticleApproved), actor, formatTime(n.CreatedAt), n.ID,
				id, string(from),
			)
			if err != nil {
				return fmt.Errorf("approve article %s: %w", id, err)
			}
			if err := expectOne(res, fmt.Errorf("article %s changed status: %w", id, model.ErrInvalidTransition)); err != nil {
				return err
			}
		}

		n.IssueNumber = issue
		return nil
	})
}

// GetNewsletter returns a newsletter by its ID.
func (s *SQLite) GetNewsletter(ctx context.Context, id string) (*model.Newsletter, error) {
	return s.getNewsletterBy(ctx, sq.Eq{"id": id})
}

// GetNewsletterByIssue returns a newsletter by its issue number.
func (s *SQLite) GetNewsletterByIssue(ctx context.Context, issue int) (*model.Newsletter, error) {
	return s.getNewsletterBy(ctx, sq.Eq{"issue_number": issue})
}

func (s *SQLite) getNewsletterBy(ctx context.Context, pred sq.Eq) (*model.Newsletter, error) {
	query, args, err := sq.Select(newsletterColumns...).From("newsletters").Where(pred).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	n, err := scanNewsletter(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, notFound(err, "newsletter")
	}
	return n, nil
}

// ListNewsletters returns newsletters newest issue first. An empty status lists all of them.
func (s *SQLite) ListNewsletters(ctx context.Context, status model.NewsletterStatus) ([]model.Newsletter, error) {
	b := sq.Select(newsletterColumns...).From("newsletters").OrderBy("issue_number DESC")
	if status != "" {
		b = b.Where(sq.Eq{"status": string(status)})
	}
	return s.listNewsletters(ctx, b)
}

// ListDueScheduled returns scheduled newsletters whose send time has passed.
func (s *SQLite) ListDueScheduled(ctx context.Context, now time.Time) ([]model.Newsletter, error) {
	return s.listNewsletters(ctx, sq.Select(newsletterColumns...).From("newsletters").
		Where(sq.Eq{"status": string(model.NewsletterScheduled)}).
		Where(sq.LtOrEq{"scheduled_at": formatTime(now)}).
		OrderBy("scheduled_at", "issue_number"))
}

func (s *SQLite) listNewsletters(ctx context.Context, b sq.SelectBuilder) ([]model.Newsletter, error) {
	rows, err := s.queryBuilder(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("query newsletters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Newsletter
	for rows.Next() {
		n, err := scanNewsletter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan newsletter: %w", err)
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// TransitionNewsletter moves a newsletter from one status to another.
// The write only applies when the stored status still equals from.
func (s *SQLite) TransitionNewsletter(ctx context.Context, id string, from, to model.NewsletterStatus, upd StatusUpdate) error {
	if err := model.CheckTransition(from, to); err != nil {
		return err
	}
	if upd.At.IsZero() {
		upd.At = time.Now()
	}
	at := formatTime(upd.At)

	b := sq.Update("newsletters").
		Set("status", string(to)).
		Where(sq.Eq{"id": id, "status": string(from)})
	switch to {
	case model.NewsletterApproved:
		if from == model.NewsletterPendingReview {
			b = b.Set("reviewed_by", upd.Actor).Set("reviewed_at", at)
		}
		if from == model.NewsletterScheduled {
			b = b.Set("scheduled_at", nil)
		}
		b = b.Set("last_error", "")
	case model.NewsletterScheduled:
		if upd.ScheduledAt == nil {
			return fmt.Errorf("schedule newsletter %s: missing time: %w", id, model.ErrInvalidTransition)
		}
		b = b.Set("scheduled_at", formatTime(*upd.ScheduledAt))
	case model.NewsletterSending:
		b = b.Set("sent_by", upd.Actor)
	case model.NewsletterSent:
		b = b.Set("sent_at", at)
	case model.NewsletterError:
		b = b.Set("last_error", upd.Error)
	}

	var n int64
	err := s.transaction(ctx, func(tx *sql.Tx) error {
		res, err := execBuilder(ctx, tx, b)
		if err != nil {
			return fmt.Errorf("transition newsletter: %w", err)
		}
		if n, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 || to != model.NewsletterSent {
			return nil
		}
		return publishArticles(ctx, tx, id)
	})
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetNewsletter(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("newsletter %s is not %s: %w", id, from, model.ErrInvalidTransition)
	}
	return nil
}

// SetRecipients stores the number of eligible recipients of an issue.
func (s *SQLite) SetRecipients(ctx context.Context, id string, n int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE newsletters SET recipients = ? WHERE id = ?`, n, id)
	if err != nil {
		return fmt.Errorf("set recipients: %w", err)
	}
	return expectOne(res, fmt.Errorf("newsletter %s: %w", id, ErrNotFound))
}

// RefreshSentCount recomputes sent and delivered from the queue and refreshes the rates.
func (s *SQLite) RefreshSentCount(ctx context.Context, id string) (int, error) {
	var sent int
	err := s.db.QueryRowContext(ctx,
		`UPDATE newsletters
		 SET sent = (SELECT COUNT(*) FROM email_queue WHERE newsletter_id = newsletters.id AND status = 'sent'),
		     delivered = (SELECT COUNT(*) FROM email_queue WHERE newsletter_id = newsletters.id AND status = 'sent')
		 WHERE id = ?
		 RETURNING sent`,
		id,
	).Scan(&sent)
	if err != nil {
		return 0, notFound(err, "newsletter")
	}
	if err := refreshRates(ctx, s.db, id); err != nil {
		return 0, err
	}
	return sent, nil
}

func refreshRates(ctx context.Context, e execer, id string) error {
	_, err := e.ExecContext(ctx,
		`UPDATE newsletters
		 SET open_rate = CASE WHEN sent > 0 THEN CAST(opened AS REAL) / sent ELSE 0 END,
		     click_rate = CASE WHEN sent > 0 THEN CAST(clicked AS REAL) / sent ELSE 0 END
		 WHERE id = ?`,
		id,
	)
	if err != nil {
		return fmt.Errorf("refresh rates: %w", err)
	}
	return nil
}

func scanNewsletter(row scannable) (*model.Newsletter, error) {
	var n model.Newsletter
	var status, suggestions, content, weekStart, weekEnd, created string
	var reviewedAt, scheduledAt, sentAt sql.NullString
	st := &n.Stats
	err := row.Scan(&n.ID, &n.IssueNumber, &n.Title, &status, &n.SubjectLine, &suggestions, &n.PreviewText, &content,
		&weekStart, &weekEnd,
		&st.Recipients, &st.Sent, &st.Delivered, &st.Opened, &st.Clicked, &st.Bounced, &st.Unsubscribed,
		&st.OpenRate, &st.ClickRate,
		&n.AIModel, &n.LastError, &created, &n.ReviewedBy, &reviewedAt, &scheduledAt, &sentAt, &n.SentBy)
	if err != nil {
		return nil, err
	}
	n.Status = model.NewsletterStatus(status)
	n.WeekStart = parseTime(weekStart)
	n.WeekEnd = parseTime(weekEnd)
	n.CreatedAt = parseTime(created)
	n.ReviewedAt = parseTimePtr(reviewedAt)
	n.ScheduledAt = parseTimePtr(scheduledAt)
	n.SentAt = parseTimePtr(sentAt)
	if err := json.Unmarshal([]byte(suggestions), &n.SubjectSuggestions); err != nil {
		return nil, fmt.Errorf("decode subject suggestions: %w", err)
	}
	if err := json.Unmarshal([]byte(content), &n.Content); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	return &n, nil
}
