package collector

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"nri_digest/internal/fetcher"
	"nri_digest/internal/model"
	"nri_digest/internal/storage"
)

type mockHTTP struct {
	mu    sync.Mutex
	feeds map[string]string
	calls int
}

func (m *mockHTTP) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	body, ok := m.feeds[req.URL.String()]
	if !ok {
		return &http.Response{StatusCode: http.StatusBadGateway, Body: io.NopCloser(strings.NewReader(""))}, nil
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewBufferString(body))}, nil
}

func loadFixture(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile("../../testdata/sample.xml")
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return string(data)
}

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func addSource(t *testing.T, s storage.Storage, src model.ContentSource) {
	t.Helper()
	src.Active = true
	if err := s.UpsertSource(context.Background(), &src); err != nil {
		t.Fatalf("upsert source: %v", err)
	}
}

func newCollector(s storage.Storage, h fetcher.HTTPClient, writeBatch int) *Collector {
	return New(Deps{
		Store:      s,
		Fetcher:    fetcher.New(h),
		Log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		WriteBatch: writeBatch,
	})
}

var sampleURLs = []string{
	"https://news.example.com/sg-meetup",
	"https://news.example.com/dtaa-uae",
	"https://news.example.com/rbi-nre-rates",
	"https://news.example.com/mf-kyc",
}

func storedURLs(t *testing.T, s storage.Storage) []string {
	t.Helper()
	existing, err := s.ExistingURLs(context.Background(), sampleURLs)
	if err != nil {
		t.Fatalf("existing urls: %v", err)
	}
	var got []string
	for _, u := range sampleURLs {
		if existing[u] {
			got = append(got, u)
		}
	}
	return got
}

func TestRunDeduplicatesAcrossRuns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	h := &mockHTTP{feeds: map[string]string{"https://feeds.example.com/nri": loadFixture(t)}}
	addSource(t, store, model.ContentSource{
		ID: "money-desk", Name: "NRI Money Desk", URL: "https://feeds.example.com/nri",
		Category: model.CategoryFinancial, MaxArticlesPerFetch: 20,
	})

	// One item is already stored before the first run.
	if _, err := store.InsertRawArticles(ctx, []model.RawArticle{{
		SourceID: "money-desk", Title: "old", URL: "https://news.example.com/mf-kyc",
	}}); err != nil {
		t.Fatalf("seed raw article: %v", err)
	}

	c := newCollector(store, h, 2)
	sum, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if diff := cmp.Diff(Summary{New: 3, Succeeded: 1}, sum, cmpopts.IgnoreFields(Summary{}, "Duration")); diff != "" {
		t.Errorf("first run summary mismatch (-want +got):\n%s", diff)
	}

	sum, err = c.Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if diff := cmp.Diff(Summary{New: 0, Succeeded: 1}, sum, cmpopts.IgnoreFields(Summary{}, "Duration")); diff != "" {
		t.Errorf("second run summary mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(sampleURLs, storedURLs(t, store)); diff != "" {
		t.Errorf("stored urls mismatch (-want +got):\n%s", diff)
	}

	src, err := store.GetSource(ctx, "money-desk")
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if diff := cmp.Diff(3, src.Meta.ArticleCount); diff != "" {
		t.Errorf("article count mismatch (-want +got):\n%s", diff)
	}
	if src.Meta.LastSuccessAt == nil {
		t.Error("last success not recorded")
	}
}

func TestRunStoresNormalizedArticle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	h := &mockHTTP{feeds: map[string]string{"https://feeds.example.com/nri": loadFixture(t)}}
	addSource(t, store, model.ContentSource{
		ID: "money-desk", Name: "NRI Money Desk", URL: "https://feeds.example.com/nri",
		Category: model.CategoryRegulatory, MaxArticlesPerFetch: 20,
	})

	if _, err := newCollector(store, h, 0).Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	raws, err := store.ListUnprocessedRaw(ctx, 10)
	if err != nil {
		t.Fatalf("list raw: %v", err)
	}
	var rbi *model.RawArticle
	for i := range raws {
		if raws[i].URL == "https://news.example.com/rbi-nre-rates" {
			rbi = &raws[i]
		}
	}
	if rbi == nil {
		t.Fatal("rbi article not stored")
	}

	want := model.RawArticle{
		SourceID:    "money-desk",
		Source:      model.SourceRef{Name: "NRI Money Desk", URL: "https://feeds.example.com/nri", Category: model.CategoryRegulatory},
		Title:       "RBI revises NRE deposit rate caps",
		Description: "The central bank & the finance ministry announced new caps.",
		Content:     "The Reserve Bank of India raised the ceiling on NRE term deposits.",
		URL:         "https://news.example.com/rbi-nre-rates",
		Author:      "Anita Rao",
		GUID:        "https://news.example.com/?p=101",
		Tags:        []string{"Regulation"},
	}
	opts := cmpopts.IgnoreFields(model.RawArticle{}, "ID", "PublishedAt", "CollectedAt")
	if diff := cmp.Diff(want, *rbi, opts); diff != "" {
		t.Errorf("raw article mismatch (-want +got):\n%s", diff)
	}
}

func TestRunIsolatesSourceFailures(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	h := &mockHTTP{feeds: map[string]string{"https://feeds.example.com/nri": loadFixture(t)}}
	addSource(t, store, model.ContentSource{
		ID: "broken", Name: "Broken", URL: "https://feeds.example.com/down", Category: model.CategoryCommunity,
	})
	addSource(t, store, model.ContentSource{
		ID: "money-desk", Name: "NRI Money Desk", URL: "https://feeds.example.com/nri",
		Category: model.CategoryFinancial, MaxArticlesPerFetch: 2,
	})

	sum, err := newCollector(store, h, 500).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if diff := cmp.Diff(Summary{New: 2, Succeeded: 1, Failed: 1}, sum, cmpopts.IgnoreFields(Summary{}, "Duration")); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}

	broken, err := store.GetSource(ctx, "broken")
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if broken.Meta.ErrorCount != 1 || !strings.Contains(broken.Meta.LastError, "502") {
		t.Errorf("failure metadata = %+v", broken.Meta)
	}
}

func TestRunAppliesSourceRules(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	h := &mockHTTP{feeds: map[string]string{"https://feeds.example.com/nri": loadFixture(t)}}
	addSource(t, store, model.ContentSource{
		ID: "money-desk", Name: "NRI Money Desk", URL: "https://feeds.example.com/nri",
		Category: model.CategoryFinancial, MaxArticlesPerFetch: 20,
		Rules: []model.Rule{{Kind: model.RuleExclude, Scope: model.ScopeTitle, Value: "meetup"}},
	})

	sum, err := newCollector(store, h, 500).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.New != 3 {
		t.Errorf("new = %d, want 3", sum.New)
	}
	if diff := cmp.Diff(sampleURLs[1:], storedURLs(t, store)); diff != "" {
		t.Errorf("stored urls mismatch (-want +got):\n%s", diff)
	}
}

func TestNewClampsWriteBatch(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{in: 0, want: 500},
		{in: 10, want: 10},
		{in: 5000, want: 500},
	}
	for _, tt := range tests {
		if got := New(Deps{WriteBatch: tt.in}).writeBatch; got != tt.want {
			t.Errorf("New(WriteBatch=%d).writeBatch = %d, want %d", tt.in, got, tt.want)
		}
	}
}
