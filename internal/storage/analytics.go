package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"nri_digest/internal/model"
)

// analyticsFlags is the part of an analytics row read before an upsert.
type analyticsFlags struct {
	exists       bool
	opened       bool
	clicked      bool
	unsubscribed bool
}

func loadFlags(ctx context.Context, tx *sql.Tx, newsletterID, email string) (analyticsFlags, error) {
	var f analyticsFlags
	var opened, clicked, unsubscribed int
	err := tx.QueryRowContext(ctx,
		`SELECT opened, clicked, unsubscribed FROM newsletter_analytics WHERE newsletter_id = ? AND email = ?`,
		newsletterID, email,
	).Scan(&opened, &clicked, &unsubscribed)
	if errors.Is(err, sql.ErrNoRows) {
		return f, nil
	}
	if err != nil {
		return f, fmt.Errorf("load analytics: %w", err)
	}
	return analyticsFlags{exists: true, opened: opened == 1, clicked: clicked == 1, unsubscribed: unsubscribed == 1}, nil
}

func ensureAnalytics(ctx context.Context, tx *sql.Tx, f analyticsFlags, newsletterID, email string) error {
	if f.exists {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO newsletter_analytics (newsletter_id, email, delivered) VALUES (?, ?, 1)`,
		newsletterID, email,
	)
	if err != nil {
		return fmt.Errorf("insert analytics: %w", err)
	}
	return nil
}

// RecordOpen upserts the analytics entry for an open. It reports whether this
// was the first open of the pair, in which case the subscriber and newsletter
// open counters are incremented as well.
func (s *SQLite) RecordOpen(ctx context.Context, newsletterID, email string, at time.Time) (bool, error) {
	var first bool
	err := s.transaction(ctx, func(tx *sql.Tx) error {
		f, err := loadFlags(ctx, tx, newsletterID, email)
		if err != nil {
			return err
		}
		if err := ensureAnalytics(ctx, tx, f, newsletterID, email); err != nil {
			return err
		}
		first = !f.opened

		_, err = tx.ExecContext(ctx,
			`UPDATE newsletter_analytics
			 SET opened = 1, open_count = open_count + 1, first_open_at = COALESCE(first_open_at, ?)
			 WHERE newsletter_id = ? AND email = ?`,
			formatTime(at), newsletterID, email,
		)
		if err != nil {
			return fmt.Errorf("update analytics: %w", err)
		}
		if !first {
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE subscribers SET emails_opened = emails_opened + 1 WHERE email = ?`, email,
		); err != nil {
			return fmt.Errorf("update subscriber opens: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE newsletters SET opened = opened + 1 WHERE id = ?`, newsletterID,
		); err != nil {
			return fmt.Errorf("update newsletter opens: %w", err)
		}
		return refreshRates(ctx, tx, newsletterID)
	})
	if err != nil {
		return false, err
	}
	return first, nil
}

// RecordClick upserts the analytics entry for a click and appends the link.
// The subscriber click counter always grows; the newsletter counter only on
// the first click of the pair, which is what the returned flag reports.
func (s *SQLite) RecordClick(ctx context.Context, newsletterID, email, url string, at time.Time) (bool, error) {
	var first bool
	link, err := encodeJSON(model.ClickedLink{URL: url, ClickedAt: at.UTC()})
	if err != nil {
		return false, err
	}
	err = s.transaction(ctx, func(tx *sql.Tx) error {
		f, err := loadFlags(ctx, tx, newsletterID, email)
		if err != nil {
			return err
		}
		if err := ensureAnalytics(ctx, tx, f, newsletterID, email); err != nil {
			return err
		}
		first = !f.clicked

		_, err = tx.ExecContext(ctx,
			`UPDATE newsletter_analytics
			 SET clicked = 1, click_count = click_count + 1, clicked_links = json_insert(clicked_links, '$[#]', json(?))
			 WHERE newsletter_id = ? AND email = ?`,
			link, newsletterID, email,
		)
		if err != nil {
			return fmt.Errorf("update analytics: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE subscribers SET links_clicked = links_clicked + 1 WHERE email = ?`, email,
		); err != nil {
			return fmt.Errorf("update subscriber clicks: %w", err)
		}
		if !first {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE newsletters SET clicked = clicked + 1 WHERE id = ?`, newsletterID,
		); err != nil {
			return fmt.Errorf("update newsletter clicks: %w", err)
		}
		return refreshRates(ctx, tx, newsletterID)
	})
	if err != nil {
		return false, err
	}
	return first, nil
}

// RecordUnsubscribe flags the analytics entry as unsubscribed and counts it once per pair.
func (s *SQLite) RecordUnsubscribe(ctx context.Context, newsletterID, email string) error {
	return s.transaction(ctx, func(tx *sql.Tx) error {
		f, err := loadFlags(ctx, tx, newsletterID, email)
		if err != nil {
			return err
		}
		if f.unsubscribed {
			return nil
		}
		if err := ensureAnalytics(ctx, tx, f, newsletterID, email); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE newsletter_analytics SET unsubscribed = 1 WHERE newsletter_id = ? AND email = ?`,
			newsletterID, email,
		); err != nil {
			return fmt.Errorf("update analytics: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE newsletters SET unsubscribed = unsubscribed + 1 WHERE id = ?`, newsletterID,
		); err != nil {
			return fmt.Errorf("update newsletter unsubscribes: %w", err)
		}
		return nil
	})
}

// GetAnalytics returns the analytics entry of one (newsletter, subscriber) pair.
func (s *SQLite) GetAnalytics(ctx context.Context, newsletterID, email string) (*model.AnalyticsEntry, error) {
	var a model.AnalyticsEntry
	var delivered, opened, clicked, bounced, unsubscribed int
	var links string
	var firstOpen sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT newsletter_id, email, delivered, opened, open_count, clicked, click_count, clicked_links,
		        bounced, unsubscribed, device, location, user_agent, first_open_at
		 FROM newsletter_analytics WHERE newsletter_id = ? AND email = ?`,
		newsletterID, email,
	).Scan(&a.NewsletterID, &a.Email, &delivered, &opened, &a.OpenCount, &clicked, &a.ClickCount, &links,
		&bounced, &unsubscribed, &a.Device, &a.Location, &a.UserAgent, &firstOpen)
	if err != nil {
		return nil, notFound(err, "analytics entry")
	}
	a.Delivered = delivered == 1
	a.Opened = opened == 1
	a.Clicked = clicked == 1
	a.Bounced = bounced == 1
	a.Unsubscribed = unsubscribed == 1
	a.FirstOpenAt = parseTimePtr(firstOpen)
	if err := json.Unmarshal([]byte(links), &a.ClickedLinks); err != nil {
		return nil, fmt.Errorf("decode clicked links: %w", err)
	}
	if len(a.ClickedLinks) == 0 {
		a.ClickedLinks = nil
	}
	return &a, nil
}
