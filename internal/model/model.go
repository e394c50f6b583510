// Package model defines the domain types used across the application.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Source represents a configured content origin, either an RSS/Atom feed
// or a web page scraped via CSS selectors.
type Source struct {
	ID          int64
	Name        string
	BaseURL     string
	FeedURL     string
	Description string

	Scraping           *ScrapingConfig
	MaxArticles        int
	ExtractFullContent bool

	UpdateFrequency time.Duration
	RateLimitDelay  time.Duration

	IsActive    bool
	LastScraped *time.Time
	NextScrape  *time.Time
	ErrorCount  int
	LastError   string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsDue reports whether the source should be scraped at the given instant.
// A source with no recorded next_scrape is always due.
func (s *Source) IsDue(now time.Time) bool {
	return s.NextScrape == nil || !s.NextScrape.After(now)
}

// ScrapingConfig holds the CSS selectors driving selector-based extraction.
// Stored as a JSON column on the source.
type ScrapingConfig struct {
	ArticleListSelector string `json:"article_list_selector"`
	TitleSelector       string `json:"title_selector"`
	ContentSelector     string `json:"content_selector"`
	URLSelector         string `json:"url_selector"`
	DateSelector        string `json:"date_selector"`
	AuthorSelector      string `json:"author_selector"`
	SummarySelector     string `json:"summary_selector"`
	TagSelector         string `json:"tag_selector"`

	FollowPagination   bool   `json:"follow_pagination"`
	PaginationSelector string `json:"pagination_selector"`
	MaxPages           int    `json:"max_pages"`
}

// Article is a persisted, deduplicated content item. One row per distinct URL.
type Article struct {
	ID       int64
	SourceID int64

	Title   string
	Content string
	Summary string
	URL     string
	Author  string

	PublishedDate *time.Time
	ScrapedDate   time.Time

	ContentHash string
	URLHash     string

	WordCount   int
	Language    string
	IsDuplicate bool
}

// Tag provenance values.
const (
	TagTypeManual = "manual"
	TagTypeAuto   = "auto"
)

// Tag is a normalized label shared across articles.
type Tag struct {
	ID             int64
	Name           string
	NormalizedName string
	Category       string
	Frequency      int
	TagType        string
	CreatedAt      time.Time
}

// ArticleTag association provenance values.
const (
	TagSourceManual  = "manual"
	TagSourceScraper = "scraper"
)

// ScraperTagConfidence is the confidence assigned to pipeline-derived tags.
const ScraperTagConfidence = 0.8

// ArticleTag links an article to a tag with association metadata.
type ArticleTag struct {
	ArticleID  int64
	TagID      int64
	Confidence float64
	Source     string
	CreatedAt  time.Time
}

// ArticleMetadata is one key/value pair attached to an article.
// Keys are not unique within an article.
type ArticleMetadata struct {
	ID        int64
	ArticleID int64
	Key       string
	Value     string
}

// FilterKind defines the type of source filter rule.
type FilterKind string

// Supported filter kinds.
const (
	FilterInclude   FilterKind = "include"
	FilterExclude   FilterKind = "exclude"
	FilterIncludeRe FilterKind = "include_re"
	FilterExcludeRe FilterKind = "exclude_re"
)

// FilterScope defines which part of an extraction a filter matches against.
type FilterScope string

// Supported filter scopes.
const (
	ScopeTitle   FilterScope = "title"
	ScopeContent FilterScope = "content"
	ScopeAll     FilterScope = "all"
)

// SourceFilter represents a single filtering rule attached to a source.
type SourceFilter struct {
	ID        int64
	SourceID  int64
	Kind      FilterKind
	Scope     FilterScope
	Value     string
	CreatedAt time.Time
}

// ContentHash returns the hex SHA-256 digest of the body text after
// lower-casing and collapsing all runs of whitespace to single spaces.
// Empty or whitespace-only content hashes to the empty string so that
// bodyless articles never collide with each other.
func ContentHash(content string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(content)), " ")
	if normalized == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// URLHash returns the hex SHA-256 digest of the URL with its query string
// and fragment stripped, so tracking parameters do not defeat lookup.
func URLHash(rawURL string) string {
	clean := rawURL
	if i := strings.IndexByte(clean, '?'); i >= 0 {
		clean = clean[:i]
	}
	if i := strings.IndexByte(clean, '#'); i >= 0 {
		clean = clean[:i]
	}
	sum := sha256.Sum256([]byte(clean))
	return hex.EncodeToString(sum[:])
}

// WordCount counts whitespace-separated words in the given text.
func WordCount(text string) int {
	return len(strings.Fields(text))
}
