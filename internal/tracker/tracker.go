// Package tracker serves the open pixel, click redirects and one-click
// unsubscribe links embedded in newsletter emails.
package tracker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"nri_digest/internal/metrics"
	"nri_digest/internal/storage"
)

// Event types accepted by Track.
const (
	EventOpen        = "open"
	EventClick       = "click"
	EventUnsubscribe = "unsubscribe"
)

var pixel, _ = base64.StdEncoding.DecodeString(
	"iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg==")

// Handler records engagement events.
type Handler struct {
	store   storage.Storage
	log     *slog.Logger
	metrics *metrics.Metrics
	siteURL string
	now     func() time.Time
}

// New creates a Handler. siteURL is the redirect target of clicks without a destination.
func New(store storage.Storage, log *slog.Logger, m *metrics.Metrics, siteURL string) *Handler {
	return &Handler{store: store, log: log, metrics: m, siteURL: siteURL, now: time.Now}
}

// Track handles GET /track?type={open|click}&id={entry}&url={destination}.
// Storage failures are logged and never change the response.
func (h *Handler) Track(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind, id := q.Get("type"), q.Get("id")
	if kind == "" || id == "" {
		http.Error(w, "missing type or id", http.StatusBadRequest)
		return
	}

	switch kind {
	case EventOpen:
		h.record(r.Context(), kind, id, h.recordOpen)
		writePixel(w)
	case EventClick:
		dest := h.destination(q.Get("url"))
		h.record(r.Context(), kind, id, func(ctx context.Context, newsletterID, email string) (bool, error) {
			return h.store.RecordClick(ctx, newsletterID, email, dest, h.now())
		})
		http.Redirect(w, r, dest, http.StatusFound)
	default:
		http.Error(w, "unknown event type", http.StatusBadRequest)
	}
}

func (h *Handler) recordOpen(ctx context.Context, newsletterID, email string) (bool, error) {
	return h.store.RecordOpen(ctx, newsletterID, email, h.now())
}

// record resolves the queue entry and applies fn to its (newsletter, email) pair.
func (h *Handler) record(ctx context.Context, kind, entryID string, fn func(ctx context.Context, newsletterID, email string) (bool, error)) {
	entry, err := h.store.GetQueueEntry(ctx, entryID)
	if err != nil {
		h.metrics.TrackEvent(kind, metrics.Error)
		if errors.Is(err, storage.ErrNotFound) {
			h.log.Warn("track unknown entry", "type", kind, "entry_id", entryID)
			return
		}
		h.log.Error("load queue entry", "type", kind, "entry_id", entryID, "error", err)
		return
	}

	first, err := fn(ctx, entry.NewsletterID, entry.Email)
	if err != nil {
		h.metrics.TrackEvent(kind, metrics.Error)
		h.log.Error("record event", "type", kind, "entry_id", entryID, "newsletter_id", entry.NewsletterID, "error", err)
		return
	}
	h.metrics.TrackEvent(kind, metrics.OK)
	h.log.Debug("event recorded", "type", kind, "entry_id", entryID, "first", first)
}

// destination returns raw when it is an absolute http(s) URL, the site URL otherwise.
func (h *Handler) destination(raw string) string {
	if raw == "" {
		return h.siteURL
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return h.siteURL
	}
	return u.String()
}

func writePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", fmt.Sprint(len(pixel)))
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pixel)
}
