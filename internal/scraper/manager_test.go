package scraper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"newsriver/internal/model"
	"newsriver/internal/storage"
)

// fakeClient serves canned bodies keyed by full URL; unknown URLs get a 404.
type fakeClient struct {
	mu    sync.Mutex
	pages map[string]string
}

func (c *fakeClient) Do(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	body, ok := c.pages[req.URL.String()]
	if !ok {
		return &http.Response{StatusCode: 404, Body: io.NopCloser(strings.NewReader("not found"))}, nil
	}
	return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader(body))}, nil
}

func feedBody(items ...string) string {
	return `<?xml version="1.0" encoding="UTF-8"?><rss version="2.0"><channel><title>t</title>` +
		strings.Join(items, "") + `</channel></rss>`
}

func feedItem(title, link, desc string) string {
	return fmt.Sprintf("<item><title>%s</title><link>%s</link><description>%s</description></item>",
		title, link, desc)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, client *fakeClient) (*Manager, storage.Storage) {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	m := New(store, testLogger())
	m.SetHTTPClient(client)
	m.SetSleep(func(time.Duration) {})
	return m, store
}

func createFeedSource(t *testing.T, store storage.Storage, name, feedURL string) *model.Source {
	t.Helper()
	src := &model.Source{
		Name:            name,
		BaseURL:         "https://" + name + ".example.com",
		FeedURL:         feedURL,
		MaxArticles:     50,
		UpdateFrequency: 24 * time.Hour,
		IsActive:        true,
	}
	if err := store.CreateSource(context.Background(), src); err != nil {
		t.Fatalf("create source: %v", err)
	}
	return src
}

func TestScrapePersistsAndSchedules(t *testing.T) {
	feedXML, err := os.ReadFile("../../testdata/feed.xml")
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	client := &fakeClient{pages: map[string]string{
		"https://news.example.com/feed": string(feedXML),
	}}
	m, store := newTestManager(t, client)

	now := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	m.SetNow(func() time.Time { return now })

	src := createFeedSource(t, store, "dispatch", "https://news.example.com/feed")
	src.BaseURL = "https://news.example.com"

	got := m.Scrape(context.Background(), src)
	if len(got) != 4 {
		t.Fatalf("got %d articles, want 4", len(got))
	}

	stored, err := store.ListArticlesBySource(context.Background(), src.ID)
	if err != nil {
		t.Fatalf("list articles: %v", err)
	}
	if len(stored) != 4 {
		t.Fatalf("stored %d articles, want 4", len(stored))
	}
	for _, a := range stored {
		if a.ContentHash == "" || a.URLHash == "" {
			t.Errorf("article %q missing hashes", a.URL)
		}
		if a.WordCount == 0 {
			t.Errorf("article %q missing word count", a.URL)
		}
		if a.IsDuplicate {
			t.Errorf("article %q wrongly marked duplicate", a.URL)
		}
	}

	fresh, err := store.GetSource(context.Background(), src.ID)
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if fresh.LastScraped == nil || !fresh.LastScraped.Equal(now) {
		t.Errorf("LastScraped = %v, want %v", fresh.LastScraped, now)
	}
	if fresh.NextScrape == nil || !fresh.NextScrape.Equal(now.Add(24*time.Hour)) {
		t.Errorf("NextScrape = %v, want %v", fresh.NextScrape, now.Add(24*time.Hour))
	}
	if fresh.ErrorCount != 0 {
		t.Errorf("ErrorCount = %d, want 0", fresh.ErrorCount)
	}
}

func TestScrapeIsIdempotentByURL(t *testing.T) {
	feedXML, err := os.ReadFile("../../testdata/feed.xml")
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	client := &fakeClient{pages: map[string]string{
		"https://news.example.com/feed": string(feedXML),
	}}
	m, store := newTestManager(t, client)
	src := createFeedSource(t, store, "dispatch", "https://news.example.com/feed")

	first := m.Scrape(context.Background(), src)
	second := m.Scrape(context.Background(), src)

	if len(second) != len(first) {
		t.Errorf("second pass returned %d articles, want %d", len(second), len(first))
	}
	stored, err := store.ListArticlesBySource(context.Background(), src.ID)
	if err != nil {
		t.Fatalf("list articles: %v", err)
	}
	if len(stored) != len(first) {
		t.Errorf("stored %d articles after two passes, want %d", len(stored), len(first))
	}
}

func TestScrapeMarksContentDuplicates(t *testing.T) {
	sharedBody := "An identical syndicated body republished on a second site without changes."
	client := &fakeClient{pages: map[string]string{
		"https://a.example.com/feed": feedBody(
			feedItem("Original", "https://a.example.com/1", sharedBody)),
		"https://b.example.com/feed": feedBody(
			feedItem("Republished", "https://b.example.com/1", sharedBody)),
	}}
	m, store := newTestManager(t, client)

	srcA := createFeedSource(t, store, "site-a", "https://a.example.com/feed")
	srcB := createFeedSource(t, store, "site-b", "https://b.example.com/feed")

	m.Scrape(context.Background(), srcA)
	gotB := m.Scrape(context.Background(), srcB)

	if len(gotB) != 1 {
		t.Fatalf("got %d articles from second source, want 1", len(gotB))
	}
	if !gotB[0].IsDuplicate {
		t.Error("later arrival with identical body not marked duplicate")
	}

	original, err := store.GetArticleByURL(context.Background(), "https://a.example.com/1")
	if err != nil {
		t.Fatalf("get original: %v", err)
	}
	if original.IsDuplicate {
		t.Error("first write wrongly marked duplicate")
	}
}

func TestScrapeValidationFailureRecordsError(t *testing.T) {
	client := &fakeClient{pages: map[string]string{}}
	m, store := newTestManager(t, client)
	src := createFeedSource(t, store, "broken", "https://broken.example.com/feed")

	got := m.Scrape(context.Background(), src)
	if len(got) != 0 {
		t.Fatalf("got %d articles from failing source, want 0", len(got))
	}

	fresh, err := store.GetSource(context.Background(), src.ID)
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if fresh.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", fresh.ErrorCount)
	}
	if fresh.LastError == "" {
		t.Error("LastError not recorded")
	}
	// A failed pass never advances the schedule.
	if fresh.LastScraped != nil || fresh.NextScrape != nil {
		t.Errorf("schedule touched by failure: last=%v next=%v", fresh.LastScraped, fresh.NextScrape)
	}
}

func TestScrapeUnconfiguredSourceRecordsError(t *testing.T) {
	m, store := newTestManager(t, &fakeClient{})
	src := &model.Source{
		Name:            "bare",
		BaseURL:         "https://bare.example.com",
		UpdateFrequency: time.Hour,
		IsActive:        true,
	}
	if err := store.CreateSource(context.Background(), src); err != nil {
		t.Fatalf("create source: %v", err)
	}

	if got := m.Scrape(context.Background(), src); len(got) != 0 {
		t.Fatalf("got %d articles, want 0", len(got))
	}
	fresh, err := store.GetSource(context.Background(), src.ID)
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if fresh.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", fresh.ErrorCount)
	}
}

// failingStore passes everything through except saves of one poisoned URL.
type failingStore struct {
	storage.Storage
	failURL string
}

func (s *failingStore) SaveArticle(ctx context.Context, article *model.Article, tags []string, metadata map[string]string) error {
	if article.URL == s.failURL {
		return fmt.Errorf("simulated persistence failure")
	}
	return s.Storage.SaveArticle(ctx, article, tags, metadata)
}

func TestScrapePersistFailureIsIsolated(t *testing.T) {
	client := &fakeClient{pages: map[string]string{
		"https://a.example.com/feed": feedBody(
			feedItem("One", "https://a.example.com/1", "body one"),
			feedItem("Two", "https://a.example.com/2", "body two"),
			feedItem("Three", "https://a.example.com/3", "body three"),
			feedItem("Four", "https://a.example.com/4", "body four"),
			feedItem("Five", "https://a.example.com/5", "body five"),
		),
	}}

	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	wrapped := &failingStore{Storage: store, failURL: "https://a.example.com/3"}
	m := New(wrapped, testLogger())
	m.SetHTTPClient(client)
	m.SetSleep(func(time.Duration) {})

	src := createFeedSource(t, store, "site-a", "https://a.example.com/feed")

	got := m.Scrape(context.Background(), src)

	var titles []string
	for _, a := range got {
		titles = append(titles, a.Title)
	}
	if diff := cmp.Diff([]string{"One", "Two", "Four", "Five"}, titles); diff != "" {
		t.Errorf("surviving articles mismatch (-want +got):\n%s", diff)
	}

	// The pass still counts as a success for scheduling.
	fresh, err := store.GetSource(context.Background(), src.ID)
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if fresh.NextScrape == nil {
		t.Error("schedule not advanced after partial failure")
	}
}

func TestScrapeAppliesSourceFilters(t *testing.T) {
	client := &fakeClient{pages: map[string]string{
		"https://a.example.com/feed": feedBody(
			feedItem("Kubernetes Release", "https://a.example.com/1", "release notes"),
			feedItem("Sponsored Post", "https://a.example.com/2", "an advertisement"),
		),
	}}
	m, store := newTestManager(t, client)
	src := createFeedSource(t, store, "site-a", "https://a.example.com/feed")

	f := &model.SourceFilter{
		SourceID: src.ID,
		Kind:     model.FilterExclude,
		Scope:    model.ScopeTitle,
		Value:    "sponsored",
	}
	if err := store.CreateFilter(context.Background(), f); err != nil {
		t.Fatalf("create filter: %v", err)
	}

	got := m.Scrape(context.Background(), src)
	if len(got) != 1 {
		t.Fatalf("got %d articles, want 1", len(got))
	}
	if got[0].Title != "Kubernetes Release" {
		t.Errorf("surviving title = %q", got[0].Title)
	}
}

func TestScrapeBatchHonorsSchedule(t *testing.T) {
	client := &fakeClient{pages: map[string]string{
		"https://due.example.com/feed":  feedBody(feedItem("Due", "https://due.example.com/1", "due body")),
		"https://rest.example.com/feed": feedBody(feedItem("Rest", "https://rest.example.com/1", "rest body")),
	}}
	m, store := newTestManager(t, client)

	now := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	m.SetNow(func() time.Time { return now })

	due := createFeedSource(t, store, "due-source", "https://due.example.com/feed")
	resting := createFeedSource(t, store, "resting-source", "https://rest.example.com/feed")
	future := now.Add(time.Hour)
	resting.NextScrape = &future

	sources := []model.Source{*due, *resting}

	results := m.ScrapeBatch(context.Background(), sources, false)
	if _, ok := results["resting-source"]; ok {
		t.Error("not-yet-due source was scraped")
	}
	if got := results["due-source"]; len(got) != 1 {
		t.Errorf("due source got %d articles, want 1", len(got))
	}

	// Force bypasses the schedule.
	results = m.ScrapeBatch(context.Background(), sources, true)
	if got := results["resting-source"]; len(got) != 1 {
		t.Errorf("forced source got %d articles, want 1", len(got))
	}
}

// countingClient tracks the peak number of simultaneous requests.
type countingClient struct {
	mu   sync.Mutex
	cur  int
	peak int
	body string
}

func (c *countingClient) Do(_ *http.Request) (*http.Response, error) {
	c.mu.Lock()
	c.cur++
	if c.cur > c.peak {
		c.peak = c.cur
	}
	c.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	c.mu.Lock()
	c.cur--
	c.mu.Unlock()
	return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader(c.body))}, nil
}

func TestScrapeBatchBoundsConcurrency(t *testing.T) {
	client := &countingClient{body: feedBody(
		feedItem("Shared", "https://shared.example.com/1", "shared body"))}

	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	m := New(store, testLogger())
	m.SetHTTPClient(client)
	m.SetSleep(func(time.Duration) {})
	m.SetMaxConcurrent(2)

	var sources []model.Source
	for i := 0; i < 6; i++ {
		src := createFeedSource(t, store, fmt.Sprintf("source-%d", i), fmt.Sprintf("https://s%d.example.com/feed", i))
		sources = append(sources, *src)
	}

	m.ScrapeBatch(context.Background(), sources, true)

	if client.peak > 2 {
		t.Errorf("peak concurrent requests = %d, want at most 2", client.peak)
	}
}

func TestScrapeDue(t *testing.T) {
	client := &fakeClient{pages: map[string]string{
		"https://due.example.com/feed": feedBody(feedItem("Due", "https://due.example.com/1", "due body")),
	}}
	m, store := newTestManager(t, client)

	createFeedSource(t, store, "due-source", "https://due.example.com/feed")
	inactive := createFeedSource(t, store, "inactive-source", "https://inactive.example.com/feed")
	inactive.IsActive = false
	if err := store.UpdateSource(context.Background(), inactive); err != nil {
		t.Fatalf("update source: %v", err)
	}

	results, err := m.ScrapeDue(context.Background())
	if err != nil {
		t.Fatalf("scrape due: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("scraped %d sources, want 1", len(results))
	}
	if got := results["due-source"]; len(got) != 1 {
		t.Errorf("due source got %d articles, want 1", len(got))
	}
}

func TestValidateUpdatesHealth(t *testing.T) {
	client := &fakeClient{pages: map[string]string{
		"https://ok.example.com/feed": feedBody(
			feedItem("Healthy", "https://ok.example.com/1", "healthy body")),
	}}
	m, store := newTestManager(t, client)

	ok := createFeedSource(t, store, "ok-source", "https://ok.example.com/feed")
	broken := createFeedSource(t, store, "broken-source", "https://broken.example.com/feed")

	results, err := m.ValidateAll(context.Background())
	if err != nil {
		t.Fatalf("validate all: %v", err)
	}
	want := map[string]bool{"ok-source": true, "broken-source": false}
	if diff := cmp.Diff(want, results); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}

	fresh, err := store.GetSource(context.Background(), broken.ID)
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if fresh.ErrorCount == 0 || fresh.LastError == "" {
		t.Errorf("validation failure not recorded: count=%d last=%q", fresh.ErrorCount, fresh.LastError)
	}

	fresh, err = store.GetSource(context.Background(), ok.ID)
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if fresh.ErrorCount != 0 {
		t.Errorf("healthy source has ErrorCount %d", fresh.ErrorCount)
	}
}

func TestDescribe(t *testing.T) {
	m, store := newTestManager(t, &fakeClient{})
	src := createFeedSource(t, store, "described", "https://described.example.com/feed")

	info, err := m.Describe(src)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if info["type"] != "feed" {
		t.Errorf("type = %v, want feed", info["type"])
	}

	bare := &model.Source{Name: "bare"}
	if _, err := m.Describe(bare); err == nil {
		t.Error("expected error describing unconfigured source")
	}
}
