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

var queueColumns = []string{
	"id", "newsletter_id", "email", "name", "status", "attempts", "last_attempt_at", "error",
	"scheduled_at", "sent_at", "unsubscribe_token",
}

// EnqueueEmails creates queue entries in one transaction. Entries for a
// (newsletter, email) pair that already exists are left untouched.
func (s *SQLite) EnqueueEmails(ctx context.Context, entries []model.QueueEntry) (int, error) {
	created := 0
	err := s.transaction(ctx, func(tx *sql.Tx) error {
		for i := range entries {
			e := &entries[i]
			if e.ID == "" {
				e.ID = uuid.NewString()
			}
			if e.Status == "" {
				e.Status = model.QueuePending
			}
			if e.ScheduledAt.IsZero() {
				e.ScheduledAt = time.Now()
			}
			res, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO email_queue
				 (id, newsletter_id, email, name, status, scheduled_at, unsubscribe_token)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				e.ID, e.NewsletterID, e.Email, e.Name, string(e.Status), formatTime(e.ScheduledAt), e.UnsubscribeToken,
			)
			if err != nil {
				return fmt.Errorf("insert queue entry: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			created += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

// GetQueueEntry returns a queue entry by its ID.
func (s *SQLite) GetQueueEntry(ctx context.Context, id string) (*model.QueueEntry, error) {
	query, args, err := sq.Select(queueColumns...).From("email_queue").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	e, err := scanQueueEntry(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, notFound(err, "queue entry")
	}
	return e, nil
}

// ListSendable returns the entries of a newsletter still pending or failed.
func (s *SQLite) ListSendable(ctx context.Context, newsletterID string) ([]model.QueueEntry, error) {
	b := sq.Select(queueColumns...).From("email_queue").
		Where(sq.Eq{
			"newsletter_id": newsletterID,
			"status":        []string{string(model.QueuePending), string(model.QueueFailed)},
		}).
		OrderBy("email")
	rows, err := s.queryBuilder(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// MarkEntrySent records a successful send and bumps the recipient's counters.
func (s *SQLite) MarkEntrySent(ctx context.Context, id string, at time.Time) error {
	ts := formatTime(at)
	return s.transaction(ctx, func(tx *sql.Tx) error {
		var email string
		err := tx.QueryRowContext(ctx,
			`UPDATE email_queue
			 SET status = 'sent', attempts = attempts + 1, last_attempt_at = ?, sent_at = ?, error = ''
			 WHERE id = ? AND status != 'sent'
			 RETURNING email`,
			ts, ts, id,
		).Scan(&email)
		if err != nil {
			return notFound(err, "sendable queue entry")
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE subscribers SET emails_sent = emails_sent + 1, last_email_at = ? WHERE email = ?`,
			ts, email,
		)
		if err != nil {
			return fmt.Errorf("update subscriber counters: %w", err)
		}
		return nil
	})
}

// MarkEntryFailed records a failed send attempt.
func (s *SQLite) MarkEntryFailed(ctx context.Context, id string, at time.Time, msg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_queue
		 SET status = 'failed', attempts = attempts + 1, last_attempt_at = ?, error = ?
		 WHERE id = ? AND status != 'sent'`,
		formatTime(at), msg, id,
	)
	if err != nil {
		return fmt.Errorf("mark entry failed: %w", err)
	}
	return expectOne(res, fmt.Errorf("sendable queue entry %s: %w", id, ErrNotFound))
}

// CountEntries counts the queue entries of a newsletter in the given status.
func (s *SQLite) CountEntries(ctx context.Context, newsletterID string, status model.QueueStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM email_queue WHERE newsletter_id = ? AND status = ?`,
		newsletterID, string(status),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queue entries: %w", err)
	}
	return n, nil
}

func scanQueueEntry(row scannable) (*model.QueueEntry, error) {
	var e model.QueueEntry
	var status, scheduled string
	var lastAttempt, sent sql.NullString
	err := row.Scan(&e.ID, &e.NewsletterID, &e.Email, &e.Name, &status, &e.Attempts, &lastAttempt, &e.Error,
		&scheduled, &sent, &e.UnsubscribeToken)
	if err != nil {
		return nil, err
	}
	e.Status = model.QueueStatus(status)
	e.LastAttemptAt = parseTimePtr(lastAttempt)
	e.ScheduledAt = parseTime(scheduled)
	e.SentAt = parseTimePtr(sent)
	return &e, nil
}
