package reader

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"newsriver/internal/model"
)

const listingURL = "https://site.example.com/news"

func newListingFixtureClient(t *testing.T) *fakeClient {
	t.Helper()
	return &fakeClient{pages: map[string]string{
		listingURL:                          loadFixture(t, "../../testdata/listing.html"),
		"https://site.example.com/page/2":   loadFixture(t, "../../testdata/listing_page2.html"),
		"https://site.example.com/articles/go-1-24": loadFixture(t, "../../testdata/article.html"),
	}}
}

func selectorConfig(client *fakeClient) Config {
	cfg := testConfig(client)
	cfg.BaseURL = listingURL
	cfg.Scraping = &model.ScrapingConfig{
		ArticleListSelector: "article.post",
		FollowPagination:    true,
	}
	return cfg
}

func TestSelectorReaderFetchArticles(t *testing.T) {
	client := newListingFixtureClient(t)
	r, err := New(selectorConfig(client))
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	defer r.Close()

	got, err := r.FetchArticles(context.Background())
	if err != nil {
		t.Fatalf("fetch articles: %v", err)
	}

	// Page one yields two candidates (the headingless block is skipped),
	// page two yields two more; pages three and four 404 and are skipped.
	wantTitles := []string{
		"Go 1.24 Release Notes",
		"Profiling Allocations in Production",
		"Vector Indexes Compared",
		"Incident Review: Cache Stampede",
	}
	var gotTitles []string
	for _, ex := range got {
		gotTitles = append(gotTitles, ex.Title)
	}
	if diff := cmp.Diff(wantTitles, gotTitles); diff != "" {
		t.Fatalf("titles mismatch (-want +got):\n%s", diff)
	}

	first := got[0]
	if first.URL != "https://site.example.com/articles/go-1-24" {
		t.Errorf("relative href not resolved, got %q", first.URL)
	}
	if first.Author != "R. Ibarra" {
		t.Errorf("Author = %q, want %q", first.Author, "R. Ibarra")
	}
	if first.Summary != "The annual winter release." {
		t.Errorf("Summary = %q", first.Summary)
	}
	wantDate := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	if first.PublishedDate == nil || !first.PublishedDate.Equal(wantDate) {
		t.Errorf("PublishedDate = %v, want %v", first.PublishedDate, wantDate)
	}
	if diff := cmp.Diff([]string{"golang", "releases"}, first.Tags); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
	if first.Metadata["scraped_from"] != listingURL {
		t.Errorf("scraped_from = %q, want %q", first.Metadata["scraped_from"], listingURL)
	}
	if first.Metadata["element_id"] != "post-1" {
		t.Errorf("element_id = %q, want post-1", first.Metadata["element_id"])
	}

	// The short snippet was enriched from the article page.
	if !strings.Contains(first.Content, "Runtime changes") {
		t.Errorf("expected enriched content, got %q", first.Content)
	}

	second := got[1]
	if second.URL != "https://blog.example.com/articles/profiling" {
		t.Errorf("absolute href rewritten, got %q", second.URL)
	}
	if second.PublishedDate == nil {
		t.Error("expected relative date text to parse")
	}
	// Long snippet: no enrichment fetch for its article page.
	if client.called("https://blog.example.com/articles/profiling") {
		t.Error("unexpected enrichment fetch for long snippet")
	}
}

func TestSelectorReaderPaginationCap(t *testing.T) {
	client := newListingFixtureClient(t)
	r, err := New(selectorConfig(client))
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	defer r.Close()

	if _, err := r.FetchArticles(context.Background()); err != nil {
		t.Fatalf("fetch articles: %v", err)
	}

	// Five pagination anchors, one a duplicate: only max_pages distinct
	// targets are visited.
	for _, url := range []string{
		"https://site.example.com/page/2",
		"https://site.example.com/page/3",
		"https://site.example.com/page/4",
	} {
		if !client.called(url) {
			t.Errorf("expected fetch of %s", url)
		}
	}
	if client.called("https://site.example.com/page/5") {
		t.Error("pagination exceeded max_pages")
	}
}

func TestSelectorReaderArticleCapStopsPagination(t *testing.T) {
	client := newListingFixtureClient(t)
	cfg := selectorConfig(client)
	cfg.MaxArticles = 3

	r, err := New(cfg)
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	defer r.Close()

	got, err := r.FetchArticles(context.Background())
	if err != nil {
		t.Fatalf("fetch articles: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("got %d articles, want 3", len(got))
	}
	if client.called("https://site.example.com/page/3") {
		t.Error("pagination continued past the article cap")
	}
}

func TestSelectorReaderPolitenessPause(t *testing.T) {
	client := newListingFixtureClient(t)
	cfg := selectorConfig(client)
	cfg.RateLimit = 2 * time.Second

	var sleeps []time.Duration
	cfg.Sleep = func(d time.Duration) { sleeps = append(sleeps, d) }

	r, err := New(cfg)
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	defer r.Close()

	if _, err := r.FetchArticles(context.Background()); err != nil {
		t.Fatalf("fetch articles: %v", err)
	}

	pauses := 0
	for _, d := range sleeps {
		if d == cfg.RateLimit {
			pauses++
		}
	}
	if pauses < 3 {
		t.Errorf("expected a pause before each of 3 pagination pages, got %d", pauses)
	}
}

func TestSelectorReaderValidate(t *testing.T) {
	listing := `<html><body><article class="post"><h2>t</h2></article></body></html>`

	tests := []struct {
		name       string
		pages      map[string]string
		selector   string
		wantErr    bool
		wantReason string
	}{
		{
			name:     "matching candidates",
			pages:    map[string]string{listingURL: listing},
			selector: "article.post",
		},
		{
			name:       "zero candidates is a failure",
			pages:      map[string]string{listingURL: listing},
			selector:   "div.missing",
			wantErr:    true,
			wantReason: "no articles matched",
		},
		{
			name:     "unreachable page",
			pages:    map[string]string{},
			selector: "article.post",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(&fakeClient{pages: tt.pages})
			cfg.BaseURL = listingURL
			cfg.Scraping = &model.ScrapingConfig{ArticleListSelector: tt.selector}

			r, err := New(cfg)
			if err != nil {
				t.Fatalf("new reader: %v", err)
			}
			defer r.Close()

			err = r.Validate(context.Background())
			if tt.wantErr {
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Fatalf("expected *ValidationError, got %v", err)
				}
				if tt.wantReason != "" && !strings.Contains(ve.Reason, tt.wantReason) {
					t.Errorf("Reason = %q, want substring %q", ve.Reason, tt.wantReason)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestSelectorReaderDescribe(t *testing.T) {
	cfg := testConfig(&fakeClient{})
	cfg.BaseURL = listingURL
	cfg.Scraping = &model.ScrapingConfig{FollowPagination: true, MaxPages: 5}

	r, err := New(cfg)
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	defer r.Close()

	info := r.Describe()
	if info["type"] != "web" {
		t.Errorf("type = %v, want web", info["type"])
	}
	if info["max_pages"] != 5 {
		t.Errorf("max_pages = %v, want 5", info["max_pages"])
	}
	if info["article_list_selector"] != defaultListSelector {
		t.Errorf("article_list_selector = %v, want default", info["article_list_selector"])
	}
}
