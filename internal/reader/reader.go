// Package reader implements the per-source extraction strategies: feed-based
// syndication parsing and selector-based HTML scraping.
package reader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"newsriver/internal/fetcher"
	"newsriver/internal/model"
)

// ErrNotConfigured is returned by New when a source has neither a feed URL
// nor a scraping configuration.
var ErrNotConfigured = errors.New("source has no feed url and no scraping config")

// ValidationError reports that a source failed its pre-scrape validation:
// an unreachable or unparseable feed, or a page with no matching articles.
type ValidationError struct {
	Source string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validate %s: %s: %v", e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("validate %s: %s", e.Source, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Extraction is one candidate article produced by a reader, not yet
// persisted. Title and URL are always present; readers discard candidates
// missing either before constructing an Extraction.
type Extraction struct {
	Title         string
	Content       string
	URL           string
	Author        string
	PublishedDate *time.Time
	Summary       string
	Tags          []string
	Metadata      map[string]string
}

// Reader is the extraction strategy for one source.
//
// FetchArticles performs a single finite pass; it is not restartable.
// A reader owns one pooled HTTP session for its lifetime and must be
// released with Close on every exit path.
type Reader interface {
	Validate(ctx context.Context) error
	FetchArticles(ctx context.Context) ([]Extraction, error)
	Describe() map[string]any
	Close()
}

// Config is the construction bundle shared by both reader kinds.
type Config struct {
	Name               string
	BaseURL            string
	FeedURL            string
	Scraping           *model.ScrapingConfig
	MaxArticles        int
	ExtractFullContent bool

	RateLimit  time.Duration
	Timeout    time.Duration
	MaxRetries int

	Logger *slog.Logger

	// Client overrides the pooled HTTP client; used in tests.
	Client fetcher.HTTPClient
	// Sleep overrides the backoff/politeness sleep function; used in tests.
	Sleep func(time.Duration)
}

// Defaults applied when the configuration leaves fields unset.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxRetries  = 3
	DefaultMaxArticles = 50
)

// New builds the appropriate reader for the configuration: a FeedReader when
// a feed URL is present, otherwise a SelectorReader when a scraping config
// exists. Absence of both is a configuration error.
func New(cfg Config) (Reader, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxArticles <= 0 {
		cfg.MaxArticles = DefaultMaxArticles
	}

	switch {
	case cfg.FeedURL != "":
		return newFeedReader(cfg), nil
	case cfg.Scraping != nil:
		return newSelectorReader(cfg), nil
	default:
		return nil, fmt.Errorf("source %q: %w", cfg.Name, ErrNotConfigured)
	}
}

// session bundles the pooled HTTP client and the fetcher built on top of it.
type session struct {
	client  *http.Client
	fetcher *fetcher.Fetcher
}

func newSession(cfg Config) *session {
	s := &session{}
	client := cfg.Client
	if client == nil {
		s.client = fetcher.NewClient(cfg.Timeout)
		client = s.client
	}
	s.fetcher = fetcher.New(client, cfg.RateLimit, cfg.MaxRetries, cfg.Logger)
	if cfg.Sleep != nil {
		s.fetcher.SetSleep(cfg.Sleep)
	}
	return s
}

// close releases pooled connections. Safe to call when the client was
// injected externally.
func (s *session) close() {
	if s.client != nil {
		s.client.CloseIdleConnections()
	}
}
