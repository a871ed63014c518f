package delivery

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/url"
	"strconv"
	"strings"
	texttemplate "text/template"

	"nri_digest/internal/fetcher"
	"nri_digest/internal/model"
)

//go:embed templates
var templateFS embed.FS

// Email is a rendered newsletter for one recipient.
type Email struct {
	Subject string
	HTML    string
	Text    string
	Headers map[string]string
}

// Renderer builds personalized newsletter emails.
type Renderer struct {
	html    *template.Template
	text    *texttemplate.Template
	baseURL string
	siteURL string
}

type renderArticle struct {
	Headline    string
	Summary     template.HTML
	SummaryText string
	KeyTakeaway string
	Source      string
	ClickURL    string
}

type renderSection struct {
	Title    string
	Articles []renderArticle
}

type renderData struct {
	Subject        string
	PreviewText    string
	Title          string
	Issue          int
	Name           string
	Opening        template.HTML
	OpeningText    string
	Commentary     string
	Sections       []renderSection
	Expert         string
	Closing        template.HTML
	ClosingText    string
	SiteURL        string
	UnsubscribeURL string
	PixelURL       string
}

// NewRenderer parses the embedded templates. baseURL is where the tracking
// and unsubscribe endpoints are served.
func NewRenderer(baseURL, siteURL string) (*Renderer, error) {
	h, err := template.ParseFS(templateFS, "templates/newsletter.html")
	if err != nil {
		return nil, fmt.Errorf("parse html template: %w", err)
	}
	t, err := texttemplate.ParseFS(templateFS, "templates/newsletter.txt")
	if err != nil {
		return nil, fmt.Errorf("parse text template: %w", err)
	}
	return &Renderer{
		html:    h,
		text:    t,
		baseURL: strings.TrimRight(baseURL, "/"),
		siteURL: siteURL,
	}, nil
}

// Render builds the email of n for the recipient of entry. Article IDs
// missing from articles are skipped.
func (r *Renderer) Render(n *model.Newsletter, articles map[string]model.CuratedArticle, entry model.QueueEntry) (Email, error) {
	unsubscribe := r.UnsubscribeURL(entry)
	data := renderData{
		Subject:        n.SubjectLine,
		PreviewText:    n.PreviewText,
		Title:          n.Title,
		Issue:          n.IssueNumber,
		Name:           entry.Name,
		Opening:        template.HTML(n.Content.OpeningHTML),
		OpeningText:    fetcher.PlainText(n.Content.OpeningHTML),
		Commentary:     n.Content.AdminCommentary,
		Expert:         n.Content.ExpertSection,
		Closing:        template.HTML(n.Content.ClosingHTML),
		ClosingText:    fetcher.PlainText(n.Content.ClosingHTML),
		SiteURL:        r.siteURL,
		UnsubscribeURL: unsubscribe,
		PixelURL:       r.trackURL("open", entry.ID, ""),
	}

	for _, cat := range model.Categories {
		sec := renderSection{Title: cat.Title()}
		for _, id := range n.Content.SectionFor(cat) {
			a, ok := articles[id]
			if !ok {
				continue
			}
			summary := ""
			if a.Summary != nil {
				summary = *a.Summary
			}
			headline := a.Original.Title
			if a.Headline != nil && *a.Headline != "" {
				headline = *a.Headline
			}
			sec.Articles = append(sec.Articles, renderArticle{
				Headline:    headline,
				Summary:     template.HTML(summary),
				SummaryText: fetcher.PlainText(summary),
				KeyTakeaway: a.KeyTakeaway,
				Source:      a.Original.Source,
				ClickURL:    r.trackURL("click", entry.ID, WithUTM(a.Original.URL, n.IssueNumber)),
			})
		}
		if len(sec.Articles) > 0 {
			data.Sections = append(data.Sections, sec)
		}
	}

	var html, text bytes.Buffer
	if err := r.html.ExecuteTemplate(&html, "newsletter.html", data); err != nil {
		return Email{}, fmt.Errorf("render html: %w", err)
	}
	if err := r.text.ExecuteTemplate(&text, "newsletter.txt", data); err != nil {
		return Email{}, fmt.Errorf("render text: %w", err)
	}

	return Email{
		Subject: n.SubjectLine,
		HTML:    html.String(),
		Text:    text.String(),
		Headers: map[string]string{
			"List-Unsubscribe":      "<" + unsubscribe + ">",
			"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
		},
	}, nil
}

// UnsubscribeURL returns the one-click unsubscribe link of a queue entry.
func (r *Renderer) UnsubscribeURL(entry model.QueueEntry) string {
	q := url.Values{}
	q.Set("token", entry.UnsubscribeToken)
	q.Set("id", entry.ID)
	return r.baseURL + "/unsubscribe?" + q.Encode()
}

func (r *Renderer) trackURL(kind, entryID, dest string) string {
	q := url.Values{}
	q.Set("type", kind)
	q.Set("id", entryID)
	if dest != "" {
		q.Set("url", dest)
	}
	return r.baseURL + "/track?" + q.Encode()
}

// WithUTM appends newsletter campaign parameters to an article link.
// Links that do not parse are returned unchanged.
func WithUTM(link string, issue int) string {
	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return link
	}
	q := u.Query()
	q.Set("utm_source", "newsletter")
	q.Set("utm_medium", "email")
	q.Set("utm_campaign", "issue-"+strconv.Itoa(issue))
	u.RawQuery = q.Encode()
	return u.String()
}
