// Package fetcher handles feed downloading, parsing and item normalization.
package fetcher

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// MaxContentLength is the ceiling applied to stored article content, in characters.
const MaxContentLength = 5000

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Entry is a normalized feed item ready to be stored as a raw article.
type Entry struct {
	GUID        string
	Title       string
	Description string
	Content     string
	URL         string
	Author      string
	PublishedAt *time.Time
	Categories  []string
}

// Fetcher downloads and parses RSS, Atom and JSON feeds.
type Fetcher struct {
	client    HTTPClient
	userAgent string
}

// New creates a Fetcher with the given HTTP client.
func New(client HTTPClient) *Fetcher {
	return &Fetcher{
		client:    client,
		userAgent: "NRIDigestCollector/1.0",
	}
}

// Fetch downloads and parses a feed from the given URL.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, */*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	parser := gofeed.NewParser()
	feed, err := parser.ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return feed, nil
}

// ItemGUID returns the GUID for a feed item.
// If the item has no GUID, a SHA-256 hash of title+link is used.
func ItemGUID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	h := sha256.Sum256([]byte(item.Title + "|" + item.Link))
	return fmt.Sprintf("sha256:%x", h[:16])
}

// Entries normalizes the most recent limit items of feed. Items without a
// usable link are dropped. A non-positive limit keeps every item.
func Entries(feed *gofeed.Feed, limit int) []Entry {
	items := make([]*gofeed.Item, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item != nil {
			items = append(items, item)
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return itemTime(items[i]).After(itemTime(items[j]))
	})

	var out []Entry
	for _, item := range items {
		if limit > 0 && len(out) >= limit {
			break
		}
		link, err := CanonicalURL(itemLink(item))
		if err != nil {
			continue
		}

		content := item.Content
		if content == "" {
			content = item.Description
		}
		e := Entry{
			GUID:        ItemGUID(item),
			Title:       PlainText(item.Title),
			Description: PlainText(item.Description),
			Content:     Truncate(PlainText(content), MaxContentLength),
			URL:         link,
			Author:      itemAuthor(item),
			Categories:  item.Categories,
		}
		if t := itemTime(item); !t.IsZero() {
			t = t.UTC()
			e.PublishedAt = &t
		}
		out = append(out, e)
	}
	return out
}

func itemLink(item *gofeed.Item) string {
	if item.Link != "" {
		return item.Link
	}
	if strings.HasPrefix(item.GUID, "http://") || strings.HasPrefix(item.GUID, "https://") {
		return item.GUID
	}
	return ""
}

func itemTime(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return *item.PublishedParsed
	}
	if item.UpdatedParsed != nil {
		return *item.UpdatedParsed
	}
	return time.Time{}
}

func itemAuthor(item *gofeed.Item) string {
	if item.Author != nil && item.Author.Name != "" {
		return item.Author.Name
	}
	if len(item.Authors) > 0 && item.Authors[0] != nil {
		return item.Authors[0].Name
	}
	if item.DublinCoreExt != nil && len(item.DublinCoreExt.Creator) > 0 {
		return item.DublinCoreExt.Creator[0]
	}
	return ""
}
