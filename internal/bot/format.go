package bot

import (
	"fmt"
	"strings"
	"time"

	"nri_digest/internal/delivery"
	"nri_digest/internal/model"
)

const (
	statusActive = "active"
	statusPaused = "paused"
)

// FormatPendingReview formats the review request posted when an issue is compiled.
func FormatPendingReview(n *model.Newsletter) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Issue #%d is ready for review\n\n", n.IssueNumber)
	fmt.Fprintf(&b, "%s\n", n.Title)
	fmt.Fprintf(&b, "Subject: %s\n", n.SubjectLine)
	for _, alt := range n.SubjectSuggestions {
		if alt != n.SubjectLine {
			fmt.Fprintf(&b, "  alt: %s\n", alt)
		}
	}
	b.WriteString("\n")
	for _, sec := range n.Content.Sections {
		fmt.Fprintf(&b, "%s: %d article(s)\n", sec.Category.Title(), len(sec.ArticleIDs))
	}
	return b.String()
}

// FormatNewsletterList formats newsletters awaiting an admin action.
func FormatNewsletterList(ns []model.Newsletter) string {
	if len(ns) == 0 {
		return "Nothing is waiting for review."
	}
	var b strings.Builder
	b.WriteString("Waiting for action:\n")
	for _, n := range ns {
		fmt.Fprintf(&b, "\n#%d %s [%s]\n", n.IssueNumber, n.Title, n.Status)
		if n.LastError != "" {
			fmt.Fprintf(&b, "   last error: %s\n", n.LastError)
		}
	}
	return b.String()
}

// FormatStats formats the delivery and engagement counters of an issue.
func FormatStats(n *model.Newsletter) string {
	st := n.Stats
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s [%s]\n", n.IssueNumber, n.Title, n.Status)
	if n.SentAt != nil {
		fmt.Fprintf(&b, "Sent: %s by %s\n", n.SentAt.UTC().Format("2006-01-02 15:04 UTC"), n.SentBy)
	}
	fmt.Fprintf(&b, "Recipients: %d\nDelivered: %d\n", st.Recipients, st.Sent)
	fmt.Fprintf(&b, "Opened: %d (%.1f%%)\n", st.Opened, st.OpenRate*100)
	fmt.Fprintf(&b, "Clicked: %d (%.1f%%)\n", st.Clicked, st.ClickRate*100)
	fmt.Fprintf(&b, "Unsubscribed: %d\n", st.Unsubscribed)
	if n.LastError != "" {
		fmt.Fprintf(&b, "Last error: %s\n", n.LastError)
	}
	return b.String()
}

// FormatSourceList formats the content sources with their fetch health.
func FormatSourceList(sources []model.ContentSource) string {
	if len(sources) == 0 {
		return "No sources configured. Run `digest sources sync` to load the catalogue."
	}
	var b strings.Builder
	b.WriteString("Sources:\n")
	for _, s := range sources {
		status := statusActive
		if !s.Active {
			status = statusPaused
		}
		fmt.Fprintf(&b, "\n%s  %s (%s) [%s]\n", s.ID, s.Name, s.Category, status)
		fmt.Fprintf(&b, "   %d articles", s.Meta.ArticleCount)
		if s.Meta.LastSuccessAt != nil {
			fmt.Fprintf(&b, ", last success %s", s.Meta.LastSuccessAt.UTC().Format("2006-01-02 15:04 UTC"))
		}
		b.WriteString("\n")
		if s.Meta.LastError != "" {
			fmt.Fprintf(&b, "   %d errors, last: %s\n", s.Meta.ErrorCount, s.Meta.LastError)
		}
	}
	return b.String()
}

// FormatSendSummary formats the outcome of a finished send.
func FormatSendSummary(sum delivery.Summary) string {
	text := fmt.Sprintf("Issue #%d sent: %d of %d delivered, %d failed, %d batch(es) in %s.",
		sum.Issue, sum.Sent, sum.Recipients, sum.Failed, sum.Batches, sum.Duration.Round(time.Second))
	if sum.Skipped > 0 {
		text += fmt.Sprintf("\n%d queued recipient(s) skipped as no longer eligible.", sum.Skipped)
	}
	if sum.Unconfirmed > 0 {
		text += fmt.Sprintf("\n%d email(s) sent but not recorded; check the logs before resuming.", sum.Unconfirmed)
	}
	return text
}

// FormatSendError formats a send that stopped with an error.
func FormatSendError(issue int, err error) string {
	return fmt.Sprintf("Issue #%d send failed: %v\nFix the cause, then /approve %d and /send %d to resume.", issue, err, issue, issue)
}
