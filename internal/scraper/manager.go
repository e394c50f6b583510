// Package scraper orchestrates source scrapes: reader construction,
// validation, extraction, deduplicated persistence, and schedule upkeep.
package scraper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"newsriver/internal/fetcher"
	"newsriver/internal/filter"
	"newsriver/internal/model"
	"newsriver/internal/reader"
	"newsriver/internal/storage"
)

const (
	// DefaultMaxConcurrent bounds simultaneous source scrapes in a batch.
	DefaultMaxConcurrent = 3

	// batchPause is the politeness pause between launching batch sources.
	batchPause = 1 * time.Second

	defaultLanguage = "en"
)

// Manager drives the ingestion pipeline for one backing store.
type Manager struct {
	store         storage.Storage
	log           *slog.Logger
	maxConcurrent int
	timeout       time.Duration
	maxRetries    int

	// Test seams: injected HTTP client, sleep, and clock.
	client fetcher.HTTPClient
	sleep  func(time.Duration)
	now    func() time.Time
}

// New creates a Manager with default concurrency and HTTP budgets.
func New(store storage.Storage, log *slog.Logger) *Manager {
	return &Manager{
		store:         store,
		log:           log,
		maxConcurrent: DefaultMaxConcurrent,
		timeout:       reader.DefaultTimeout,
		maxRetries:    reader.DefaultMaxRetries,
		sleep:         time.Sleep,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetMaxConcurrent overrides the batch admission gate size.
func (m *Manager) SetMaxConcurrent(n int) {
	if n > 0 {
		m.maxConcurrent = n
	}
}

// SetHTTPClient injects the HTTP client used by readers (useful for testing).
func (m *Manager) SetHTTPClient(c fetcher.HTTPClient) { m.client = c }

// SetSleep overrides the politeness/backoff sleep function (useful for testing).
func (m *Manager) SetSleep(fn func(time.Duration)) { m.sleep = fn }

// SetNow overrides the clock (useful for testing).
func (m *Manager) SetNow(fn func() time.Time) { m.now = fn }

func (m *Manager) readerConfig(src *model.Source) reader.Config {
	return reader.Config{
		Name:               src.Name,
		BaseURL:            src.BaseURL,
		FeedURL:            src.FeedURL,
		Scraping:           src.Scraping,
		MaxArticles:        src.MaxArticles,
		ExtractFullContent: src.ExtractFullContent,
		RateLimit:          src.RateLimitDelay,
		Timeout:            m.timeout,
		MaxRetries:         m.maxRetries,
		Logger:             m.log,
		Client:             m.client,
		Sleep:              m.sleep,
	}
}

// Scrape runs one full scrape of the source: build reader, validate,
// extract, persist with deduplication, update the schedule. Any stage
// failure is recorded on the source's health fields and yields an empty
// result; it never propagates to the caller.
func (m *Manager) Scrape(ctx context.Context, src *model.Source) []model.Article {
	m.log.Info("starting scrape", "source", src.Name)

	r, err := reader.New(m.readerConfig(src))
	if err != nil {
		m.recordError(ctx, src, err)
		return nil
	}
	defer r.Close()

	if err := r.Validate(ctx); err != nil {
		m.recordError(ctx, src, err)
		return nil
	}

	extractions, err := r.FetchArticles(ctx)
	if err != nil {
		m.recordError(ctx, src, err)
		return nil
	}
	if len(extractions) == 0 {
		m.log.Warn("no articles found", "source", src.Name)
	}

	filters, err := m.store.ListFilters(ctx, src.ID)
	if err != nil {
		m.log.Error("list filters", "source", src.Name, "error", err)
	}

	var articles []model.Article
	for _, ex := range extractions {
		if !filter.Match(filter.Item{Title: ex.Title, Content: ex.Content, Summary: ex.Summary}, filters) {
			m.log.Debug("filtered out extraction", "source", src.Name, "title", ex.Title)
			continue
		}
		if a := m.persist(ctx, src, ex); a != nil {
			articles = append(articles, *a)
		}
	}

	m.recordSuccess(ctx, src)

	m.log.Info("scrape finished", "source", src.Name, "articles", len(articles))
	return articles
}

// persist resolves one extraction into a durable article. Each extraction
// is handled independently so one bad record cannot abort the batch.
func (m *Manager) persist(ctx context.Context, src *model.Source, ex reader.Extraction) *model.Article {
	existing, err := m.store.GetArticleByURL(ctx, ex.URL)
	if err != nil {
		m.log.Error("lookup article by url", "url", ex.URL, "error", err)
		return nil
	}
	if existing != nil {
		m.log.Debug("article already exists", "url", ex.URL)
		return existing
	}

	article := &model.Article{
		SourceID:      src.ID,
		Title:         ex.Title,
		Content:       ex.Content,
		Summary:       ex.Summary,
		URL:           ex.URL,
		Author:        ex.Author,
		PublishedDate: ex.PublishedDate,
		ScrapedDate:   m.now(),
		ContentHash:   model.ContentHash(ex.Content),
		URLHash:       model.URLHash(ex.URL),
		WordCount:     model.WordCount(ex.Content),
		Language:      defaultLanguage,
	}

	// First write wins: a later arrival with the same body is the duplicate.
	dup, err := m.store.GetArticleByContentHash(ctx, article.ContentHash)
	if err != nil {
		m.log.Error("lookup article by content hash", "url", ex.URL, "error", err)
		return nil
	}
	if dup != nil {
		m.log.Debug("duplicate content found", "url", ex.URL, "canonical", dup.URL)
		article.IsDuplicate = true
	}

	if err := m.store.SaveArticle(ctx, article, ex.Tags, ex.Metadata); err != nil {
		m.log.Error("persist article", "url", ex.URL, "error", err)
		return nil
	}
	return article
}

func (m *Manager) recordError(ctx context.Context, src *model.Source, cause error) {
	m.log.Error("scrape failed", "source", src.Name, "error", cause)
	if err := m.store.RecordSourceError(ctx, src.ID, cause.Error()); err != nil {
		m.log.Error("record source error", "source", src.Name, "error", err)
		return
	}
	src.ErrorCount++
	src.LastError = cause.Error()
}

func (m *Manager) recordSuccess(ctx context.Context, src *model.Source) {
	now := m.now()
	next := now.Add(src.UpdateFrequency)
	if err := m.store.RecordSourceSuccess(ctx, src.ID, now, next); err != nil {
		m.log.Error("record source success", "source", src.Name, "error", err)
		return
	}
	src.LastScraped = &now
	src.NextScrape = &next
	src.ErrorCount = 0
	src.LastError = ""
}

// ScrapeBatch scrapes the given sources under the admission gate. Unless
// force is set, sources that are not yet due are skipped. One source's
// failure never cancels or delays its siblings beyond the gate.
func (m *Manager) ScrapeBatch(ctx context.Context, sources []model.Source, force bool) map[string][]model.Article {
	results := make(map[string][]model.Article)
	if len(sources) == 0 {
		return results
	}

	gate := make(chan struct{}, m.maxConcurrent)
	var wg sync.WaitGroup
	var mu sync.Mutex

	now := m.now()
	launched := 0
	for i := range sources {
		src := sources[i]
		if !force && !src.IsDue(now) {
			m.log.Debug("skipping source not yet due", "source", src.Name)
			continue
		}
		if launched > 0 {
			m.sleep(batchPause)
		}
		launched++

		wg.Add(1)
		go func() {
			defer wg.Done()
			gate <- struct{}{}
			defer func() { <-gate }()

			articles := m.Scrape(ctx, &src)
			mu.Lock()
			results[src.Name] = articles
			mu.Unlock()
		}()
	}
	wg.Wait()

	total := 0
	for _, articles := range results {
		total += len(articles)
	}
	m.log.Info("batch scrape finished", "sources", len(results), "articles", total)
	return results
}

// ScrapeAllActive scrapes every active source regardless of schedule.
func (m *Manager) ScrapeAllActive(ctx context.Context) (map[string][]model.Article, error) {
	sources, err := m.store.ListActiveSources(ctx)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		m.log.Warn("no active sources found")
		return map[string][]model.Article{}, nil
	}
	return m.ScrapeBatch(ctx, sources, true), nil
}

// ScrapeDue scrapes the active sources whose next_scrape is unset or has
// passed. A store failure listing sources surfaces to the caller; per-source
// failures do not.
func (m *Manager) ScrapeDue(ctx context.Context) (map[string][]model.Article, error) {
	sources, err := m.store.ListDueSources(ctx, m.now())
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		m.log.Debug("no sources due for scraping")
		return map[string][]model.Article{}, nil
	}
	m.log.Info("scraping due sources", "count", len(sources))
	return m.ScrapeBatch(ctx, sources, true), nil
}

// Validate checks one source's configuration and reachability, recording
// the outcome on its health fields.
func (m *Manager) Validate(ctx context.Context, src *model.Source) bool {
	r, err := reader.New(m.readerConfig(src))
	if err != nil {
		m.recordError(ctx, src, err)
		return false
	}
	defer r.Close()

	if err := r.Validate(ctx); err != nil {
		m.recordError(ctx, src, err)
		return false
	}

	src.ErrorCount = 0
	src.LastError = ""
	if err := m.store.UpdateSource(ctx, src); err != nil {
		m.log.Error("clear source errors", "source", src.Name, "error", err)
	}
	return true
}

// ValidateAll validates every configured source.
func (m *Manager) ValidateAll(ctx context.Context) (map[string]bool, error) {
	sources, err := m.store.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	results := make(map[string]bool, len(sources))
	for i := range sources {
		results[sources[i].Name] = m.Validate(ctx, &sources[i])
	}
	return results, nil
}

// Describe returns the reader's diagnostic view of a source.
func (m *Manager) Describe(src *model.Source) (map[string]any, error) {
	r, err := reader.New(m.readerConfig(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.Describe(), nil
}
