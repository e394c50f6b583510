package reader

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"newsriver/internal/model"
)

// shortSnippetContent is the length below which a listing-page snippet is
// considered implausibly short, triggering full-content enrichment.
const shortSnippetContent = 200

// Fallback selectors used when the scraping config leaves one unset.
const (
	defaultListSelector       = "article"
	defaultTitleSelector      = "h1, h2, h3"
	defaultContentSelector    = "p"
	defaultURLSelector        = "a"
	defaultDateSelector       = "time"
	defaultAuthorSelector     = ".author"
	defaultSummarySelector    = ".summary"
	defaultPaginationSelector = ".pagination a"
	defaultMaxPages           = 3
)

// SelectorReader extracts articles from HTML pages via configured CSS
// selectors, optionally traversing pagination links.
type SelectorReader struct {
	cfg     Config
	sc      model.ScrapingConfig
	session *session
	log     *slog.Logger
}

func newSelectorReader(cfg Config) *SelectorReader {
	return &SelectorReader{
		cfg:     cfg,
		sc:      normalizeScraping(*cfg.Scraping),
		session: newSession(cfg),
		log:     cfg.Logger.With("reader", "selector", "source", cfg.Name),
	}
}

func normalizeScraping(sc model.ScrapingConfig) model.ScrapingConfig {
	if sc.ArticleListSelector == "" {
		sc.ArticleListSelector = defaultListSelector
	}
	if sc.TitleSelector == "" {
		sc.TitleSelector = defaultTitleSelector
	}
	if sc.ContentSelector == "" {
		sc.ContentSelector = defaultContentSelector
	}
	if sc.URLSelector == "" {
		sc.URLSelector = defaultURLSelector
	}
	if sc.DateSelector == "" {
		sc.DateSelector = defaultDateSelector
	}
	if sc.AuthorSelector == "" {
		sc.AuthorSelector = defaultAuthorSelector
	}
	if sc.SummarySelector == "" {
		sc.SummarySelector = defaultSummarySelector
	}
	if sc.PaginationSelector == "" {
		sc.PaginationSelector = defaultPaginationSelector
	}
	if sc.MaxPages <= 0 {
		sc.MaxPages = defaultMaxPages
	}
	return sc
}

// Close releases the reader's pooled HTTP session.
func (r *SelectorReader) Close() { r.session.close() }

// Validate fetches the base page and checks that the list selector matches
// at least one candidate node. Zero matches is a validation failure, not an
// empty result.
func (r *SelectorReader) Validate(ctx context.Context) error {
	body, err := r.session.fetcher.Fetch(ctx, r.cfg.BaseURL)
	if err != nil {
		return &ValidationError{Source: r.cfg.Name, Reason: "page unreachable", Err: err}
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return &ValidationError{Source: r.cfg.Name, Reason: "page unparseable", Err: err}
	}
	if doc.Find(r.sc.ArticleListSelector).Length() == 0 {
		return &ValidationError{
			Source: r.cfg.Name,
			Reason: fmt.Sprintf("no articles matched selector %q", r.sc.ArticleListSelector),
		}
	}
	return nil
}

// FetchArticles scrapes the base page and, when pagination is enabled, up to
// max_pages additional pages, stopping early once the article cap is hit.
func (r *SelectorReader) FetchArticles(ctx context.Context) ([]Extraction, error) {
	body, err := r.session.fetcher.Fetch(ctx, r.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("fetch page: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}

	results := r.scrapePage(ctx, doc, r.cfg.BaseURL)

	if r.sc.FollowPagination && len(results) < r.cfg.MaxArticles {
		for _, pageURL := range r.paginationLinks(doc) {
			if len(results) >= r.cfg.MaxArticles {
				break
			}
			// Politeness pause between pages.
			if r.cfg.RateLimit > 0 {
				r.session.fetcher.SleepFor(r.cfg.RateLimit)
			}
			results = append(results, r.scrapeURL(ctx, pageURL)...)
		}
	}

	if len(results) > r.cfg.MaxArticles {
		results = results[:r.cfg.MaxArticles]
	}

	r.log.Info("scraped articles", "count", len(results))
	return results, nil
}

// scrapeURL fetches and scrapes one pagination page. Fetch or parse failure
// skips the page; extraction continues with what came before.
func (r *SelectorReader) scrapeURL(ctx context.Context, pageURL string) []Extraction {
	body, err := r.session.fetcher.Fetch(ctx, pageURL)
	if err != nil {
		r.log.Warn("skipping page", "url", pageURL, "error", err)
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		r.log.Warn("skipping unparseable page", "url", pageURL, "error", err)
		return nil
	}
	return r.scrapePage(ctx, doc, pageURL)
}

func (r *SelectorReader) scrapePage(ctx context.Context, doc *goquery.Document, pageURL string) []Extraction {
	var results []Extraction
	doc.Find(r.sc.ArticleListSelector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if len(results) >= r.cfg.MaxArticles {
			return false
		}
		if ex, ok := r.parseCandidate(ctx, sel, pageURL); ok {
			results = append(results, ex)
		}
		return true
	})
	r.log.Debug("scraped page", "url", pageURL, "articles", len(results))
	return results
}

func (r *SelectorReader) parseCandidate(ctx context.Context, sel *goquery.Selection, pageURL string) (Extraction, bool) {
	title := cleanText(sel.Find(r.sc.TitleSelector).First().Text())
	if title == "" {
		r.log.Debug("skipping candidate: no title")
		return Extraction{}, false
	}

	articleURL := r.candidateURL(sel, pageURL)
	if articleURL == "" {
		r.log.Debug("skipping candidate: no url", "title", title)
		return Extraction{}, false
	}

	content := cleanText(sel.Find(r.sc.ContentSelector).Text())
	summary := cleanText(sel.Find(r.sc.SummarySelector).First().Text())
	author := cleanText(sel.Find(r.sc.AuthorSelector).First().Text())

	ex := Extraction{
		Title:         title,
		Content:       content,
		URL:           articleURL,
		Author:        author,
		PublishedDate: r.candidateDate(sel),
		Summary:       summary,
		Tags:          r.candidateTags(sel),
		Metadata:      candidateMetadata(sel, pageURL),
	}

	if ex.Content != "" && len(ex.Content) < shortSnippetContent && articleURL != pageURL {
		if full := r.fullContent(ctx, articleURL); full != "" {
			ex.Content = full
		}
	}

	return ex, true
}

func (r *SelectorReader) candidateURL(sel *goquery.Selection, pageURL string) string {
	link := sel.Find(r.sc.URLSelector).First()
	href, ok := link.Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return ""
	}
	return resolveURL(pageURL, strings.TrimSpace(href))
}

// candidateDate tries the machine-readable datetime attribute first, then
// the element's text through the relative/absolute date parser.
func (r *SelectorReader) candidateDate(sel *goquery.Selection) *time.Time {
	el := sel.Find(r.sc.DateSelector).First()
	if el.Length() == 0 {
		return nil
	}
	raw, ok := el.Attr("datetime")
	if !ok || strings.TrimSpace(raw) == "" {
		raw = el.Text()
	}
	return parseDate(raw, time.Now().UTC())
}

// candidateTags harvests tags from the tag selector's text nodes plus the
// candidate's tag-/category- class prefixes and data attributes.
func (r *SelectorReader) candidateTags(sel *goquery.Selection) []string {
	var tags []string

	if r.sc.TagSelector != "" {
		sel.Find(r.sc.TagSelector).Each(func(_ int, t *goquery.Selection) {
			if text := cleanText(t.Text()); text != "" {
				tags = append(tags, text)
			}
		})
	}

	if class, ok := sel.Attr("class"); ok {
		for _, cls := range strings.Fields(class) {
			switch {
			case strings.HasPrefix(cls, "tag-"):
				tags = append(tags, strings.TrimPrefix(cls, "tag-"))
			case strings.HasPrefix(cls, "category-"):
				tags = append(tags, strings.TrimPrefix(cls, "category-"))
			}
		}
	}

	if len(sel.Nodes) > 0 {
		for _, attr := range sel.Nodes[0].Attr {
			if strings.HasPrefix(attr.Key, "data-tag") || strings.HasPrefix(attr.Key, "data-category") {
				if attr.Val != "" {
					tags = append(tags, attr.Val)
				}
			}
		}
	}

	return tags
}

func candidateMetadata(sel *goquery.Selection, pageURL string) map[string]string {
	meta := map[string]string{"scraped_from": pageURL}
	if class, ok := sel.Attr("class"); ok && class != "" {
		meta["element_class"] = class
	}
	if id, ok := sel.Attr("id"); ok && id != "" {
		meta["element_id"] = id
	}
	return meta
}

// fullContent performs one secondary fetch of the article page, extracting
// body text via the content selector. Failures are silent.
func (r *SelectorReader) fullContent(ctx context.Context, articleURL string) string {
	body, err := r.session.fetcher.Fetch(ctx, articleURL)
	if err != nil {
		r.log.Warn("full content fetch failed", "url", articleURL, "error", err)
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		r.log.Warn("full content parse failed", "url", articleURL, "error", err)
		return ""
	}

	var parts []string
	doc.Find(r.sc.ContentSelector).Each(func(_ int, sel *goquery.Selection) {
		if text := cleanText(sel.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	return strings.Join(parts, " ")
}

// paginationLinks collects distinct pagination targets from the base page,
// capped at max_pages additional pages.
func (r *SelectorReader) paginationLinks(doc *goquery.Document) []string {
	seen := map[string]bool{r.cfg.BaseURL: true}
	var links []string
	doc.Find(r.sc.PaginationSelector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if len(links) >= r.sc.MaxPages {
			return false
		}
		href, ok := sel.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return true
		}
		resolved := resolveURL(r.cfg.BaseURL, strings.TrimSpace(href))
		if resolved == "" || seen[resolved] {
			return true
		}
		seen[resolved] = true
		links = append(links, resolved)
		return true
	})
	return links
}

// Describe returns diagnostic information about the web source.
func (r *SelectorReader) Describe() map[string]any {
	return map[string]any{
		"type":                  "web",
		"base_url":              r.cfg.BaseURL,
		"max_articles":          r.cfg.MaxArticles,
		"article_list_selector": r.sc.ArticleListSelector,
		"follow_pagination":     r.sc.FollowPagination,
		"max_pages":             r.sc.MaxPages,
	}
}

func resolveURL(base, href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return b.ResolveReference(ref).String()
}
