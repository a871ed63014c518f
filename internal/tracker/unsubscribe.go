package tracker

import (
	"errors"
	"fmt"
	"html"
	"net/http"

	"nri_digest/internal/metrics"
	"nri_digest/internal/storage"
)

// Unsubscribe handles GET and POST /unsubscribe?token=..&id=... The token
// suspends its subscriber; a matching queue entry id also marks the issue's
// analytics entry as unsubscribed.
func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	sub, err := h.store.Unsubscribe(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		h.metrics.TrackEvent(EventUnsubscribe, metrics.Error)
		http.Error(w, "unknown unsubscribe link", http.StatusNotFound)
		return
	}
	if err != nil {
		h.metrics.TrackEvent(EventUnsubscribe, metrics.Error)
		h.log.Error("unsubscribe", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	h.metrics.TrackEvent(EventUnsubscribe, metrics.OK)
	h.log.Info("subscriber unsubscribed", "email", sub.Email)

	if id := r.URL.Query().Get("id"); id != "" {
		entry, err := h.store.GetQueueEntry(ctx, id)
		switch {
		case err != nil:
			h.log.Warn("unsubscribe entry lookup", "entry_id", id, "error", err)
		case entry.Email != sub.Email:
			h.log.Warn("unsubscribe entry mismatch", "entry_id", id)
		default:
			if err := h.store.RecordUnsubscribe(ctx, entry.NewsletterID, entry.Email); err != nil {
				h.log.Error("record unsubscribe", "entry_id", id, "newsletter_id", entry.NewsletterID, "error", err)
			}
		}
	}

	if r.Method == http.MethodPost {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, `<!doctype html><html><body style="font-family:Arial,sans-serif;">
<p>%s has been unsubscribed from NRI Wealth Weekly.</p>
<p><a href="%s">Back to the site</a></p>
</body></html>`, html.EscapeString(sub.Email), html.EscapeString(h.siteURL))
}
