package reader

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
)

// shortFeedContent is the length below which feed-provided content is
// considered implausibly short, triggering full-content enrichment.
const shortFeedContent = 500

// FeedReader extracts articles from an RSS/Atom feed.
type FeedReader struct {
	cfg     Config
	session *session
	parser  *gofeed.Parser
	log     *slog.Logger
}

func newFeedReader(cfg Config) *FeedReader {
	return &FeedReader{
		cfg:     cfg,
		session: newSession(cfg),
		parser:  gofeed.NewParser(),
		log:     cfg.Logger.With("reader", "feed", "source", cfg.Name),
	}
}

// Close releases the reader's pooled HTTP session.
func (r *FeedReader) Close() { r.session.close() }

// Validate checks that the feed URL is reachable, parses as a syndication
// document, and carries at least one entry.
func (r *FeedReader) Validate(ctx context.Context) error {
	body, err := r.session.fetcher.Fetch(ctx, r.cfg.FeedURL)
	if err != nil {
		return &ValidationError{Source: r.cfg.Name, Reason: "feed unreachable", Err: err}
	}
	feed, err := r.parser.ParseString(body)
	if err != nil {
		return &ValidationError{Source: r.cfg.Name, Reason: "feed unparseable", Err: err}
	}
	if len(feed.Items) == 0 {
		return &ValidationError{Source: r.cfg.Name, Reason: "feed is empty"}
	}
	return nil
}

// FetchArticles fetches the feed once and walks its entries up to the
// configured cap. A malformed entry is skipped, never aborting the batch.
func (r *FeedReader) FetchArticles(ctx context.Context) ([]Extraction, error) {
	body, err := r.session.fetcher.Fetch(ctx, r.cfg.FeedURL)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}

	feed, err := r.parser.ParseString(body)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	r.log.Info("parsed feed", "url", r.cfg.FeedURL, "entries", len(feed.Items))

	var results []Extraction
	for _, item := range feed.Items {
		if len(results) >= r.cfg.MaxArticles {
			break
		}
		ex, ok := r.parseEntry(ctx, item)
		if !ok {
			continue
		}
		results = append(results, ex)
	}

	r.log.Info("extracted feed entries", "count", len(results))
	return results, nil
}

func (r *FeedReader) parseEntry(ctx context.Context, item *gofeed.Item) (Extraction, bool) {
	title := cleanText(item.Title)
	link := strings.TrimSpace(item.Link)
	if title == "" || link == "" {
		r.log.Warn("skipping entry with missing title or url", "title", item.Title)
		return Extraction{}, false
	}
	link = r.absoluteURL(link)

	content := r.entryContent(item)
	summary := stripHTML(item.Description)

	ex := Extraction{
		Title:         title,
		Content:       content,
		URL:           link,
		Author:        entryAuthor(item),
		PublishedDate: entryDate(item),
		Summary:       summary,
		Tags:          entryTags(item),
		Metadata:      entryMetadata(item),
	}

	if r.cfg.ExtractFullContent && ex.Content != "" && len(ex.Content) < shortFeedContent {
		if full := r.fetchFullContent(ctx, link); full != "" {
			ex.Content = full
		}
	}

	return ex, true
}

// entryContent resolves the body text from candidate fields in priority
// order: full content block, then description/summary.
func (r *FeedReader) entryContent(item *gofeed.Item) string {
	for _, candidate := range []string{item.Content, item.Description} {
		if text := stripHTML(candidate); text != "" {
			return text
		}
	}
	return ""
}

func entryAuthor(item *gofeed.Item) string {
	if item.Author != nil && item.Author.Name != "" {
		return item.Author.Name
	}
	for _, a := range item.Authors {
		if a != nil && a.Name != "" {
			return a.Name
		}
	}
	if item.DublinCoreExt != nil && len(item.DublinCoreExt.Creator) > 0 {
		return item.DublinCoreExt.Creator[0]
	}
	return ""
}

// entryDate prefers the parser's pre-parsed timestamps and falls back to
// free-text parsing. Unparseable dates yield nil, not a failure.
func entryDate(item *gofeed.Item) *time.Time {
	if item.PublishedParsed != nil {
		return item.PublishedParsed
	}
	if item.UpdatedParsed != nil {
		return item.UpdatedParsed
	}
	for _, raw := range []string{item.Published, item.Updated} {
		if t := parseDate(raw, time.Now().UTC()); t != nil {
			return t
		}
	}
	return nil
}

func entryTags(item *gofeed.Item) []string {
	var tags []string
	for _, c := range item.Categories {
		if c = strings.TrimSpace(c); c != "" {
			tags = append(tags, c)
		}
	}
	return tags
}

func entryMetadata(item *gofeed.Item) map[string]string {
	meta := make(map[string]string)
	if item.GUID != "" {
		meta["feed_guid"] = item.GUID
	}
	var enclosures []string
	for _, enc := range item.Enclosures {
		if enc != nil && enc.URL != "" {
			enclosures = append(enclosures, enc.URL)
		}
	}
	if len(enclosures) > 0 {
		meta["enclosures"] = strings.Join(enclosures, " ")
	}
	return meta
}

// fetchFullContent performs one secondary fetch of the article page and
// re-extracts body text via the configured content selector. Failures are
// silent; the inline content stands.
func (r *FeedReader) fetchFullContent(ctx context.Context, articleURL string) string {
	if r.cfg.Scraping == nil || r.cfg.Scraping.ContentSelector == "" {
		return ""
	}

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
	doc.Find(r.cfg.Scraping.ContentSelector).Each(func(_ int, sel *goquery.Selection) {
		if text := cleanText(sel.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	return strings.Join(parts, " ")
}

// Describe returns diagnostic information about the feed source.
func (r *FeedReader) Describe() map[string]any {
	return map[string]any{
		"type":                 "feed",
		"feed_url":             r.cfg.FeedURL,
		"base_url":             r.cfg.BaseURL,
		"max_articles":         r.cfg.MaxArticles,
		"extract_full_content": r.cfg.ExtractFullContent,
	}
}

func (r *FeedReader) absoluteURL(link string) string {
	if strings.HasPrefix(link, "http://") || strings.HasPrefix(link, "https://") {
		return link
	}
	base, err := url.Parse(r.cfg.BaseURL)
	if err != nil {
		return link
	}
	ref, err := url.Parse(link)
	if err != nil {
		return link
	}
	return base.ResolveReference(ref).String()
}
