package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"nri_digest/internal/model"
)

var subscriberColumns = []string{
	"email", "name", "status", "confirmed_at", "weekly_digest", "regulatory_only", "financial_only",
	"unsubscribe_token", "emails_sent", "emails_opened", "links_clicked", "last_email_at", "created_at",
}

// CreateSubscriber stores a new subscriber. A missing unsubscribe token is generated.
func (s *SQLite) CreateSubscriber(ctx context.Context, sub *model.Subscriber) error {
	if sub.UnsubscribeToken == "" {
		sub.UnsubscribeToken = uuid.NewString()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	if sub.Status == "" {
		sub.Status = model.SubscriberPending
	}
	var weekly *int
	if sub.Preferences.WeeklyDigest != nil {
		v := boolToInt(*sub.Preferences.WeeklyDigest)
		weekly = &v
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers
		 (email, name, status, confirmed_at, weekly_digest, regulatory_only, financial_only, unsubscribe_token, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.Email, sub.Name, string(sub.Status), formatTimePtr(sub.ConfirmedAt), weekly,
		boolToInt(sub.Preferences.RegulatoryOnly), boolToInt(sub.Preferences.FinancialOnly),
		sub.UnsubscribeToken, formatTime(sub.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert subscriber: %w", err)
	}
	return nil
}

// GetSubscriber returns a subscriber by email.
func (s *SQLite) GetSubscriber(ctx context.Context, email string) (*model.Subscriber, error) {
	query, args, err := sq.Select(subscriberColumns...).From("subscribers").Where(sq.Eq{"email": email}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	sub, err := scanSubscriber(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, notFound(err, "subscriber")
	}
	return sub, nil
}

// ListConfirmedSubscribers returns active subscribers that confirmed their address.
func (s *SQLite) ListConfirmedSubscribers(ctx context.Context) ([]model.Subscriber, error) {
	b := sq.Select(subscriberColumns...).From("subscribers").
		Where(sq.Eq{"status": string(model.SubscriberActive)}).
		Where(sq.NotEq{"confirmed_at": nil}).
		OrderBy("email")
	rows, err := s.queryBuilder(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

// Unsubscribe suspends the subscriber owning token and returns it.
func (s *SQLite) Unsubscribe(ctx context.Context, token string) (*model.Subscriber, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET status = ? WHERE unsubscribe_token = ?`,
		string(model.SubscriberSuspended), token,
	)
	if err != nil {
		return nil, fmt.Errorf("unsubscribe: %w", err)
	}
	if err := expectOne(res, fmt.Errorf("subscriber token: %w", ErrNotFound)); err != nil {
		return nil, err
	}
	query, args, err := sq.Select(subscriberColumns...).From("subscribers").
		Where(sq.Eq{"unsubscribe_token": token}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	sub, err := scanSubscriber(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, notFound(err, "subscriber")
	}
	return sub, nil
}

func scanSubscriber(row scannable) (*model.Subscriber, error) {
	var sub model.Subscriber
	var status, created string
	var confirmed, lastEmail sql.NullString
	var weekly sql.NullInt64
	var regulatory, financial int
	err := row.Scan(&sub.Email, &sub.Name, &status, &confirmed, &weekly, &regulatory, &financial,
		&sub.UnsubscribeToken, &sub.EmailsSent, &sub.EmailsOpened, &sub.LinksClicked, &lastEmail, &created)
	if err != nil {
		return nil, err
	}
	sub.Status = model.SubscriberStatus(status)
	sub.ConfirmedAt = parseTimePtr(confirmed)
	sub.LastEmailAt = parseTimePtr(lastEmail)
	sub.CreatedAt = parseTime(created)
	if weekly.Valid {
		v := weekly.Int64 == 1
		sub.Preferences.WeeklyDigest = &v
	}
	sub.Preferences.RegulatoryOnly = regulatory == 1
	sub.Preferences.FinancialOnly = financial == 1
	return &sub, nil
}
