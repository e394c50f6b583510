package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"newsriver/internal/model"
	"newsriver/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// A single connection keeps writes serialized and makes :memory:
	// databases behave under the connection pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

const sourceColumns = `id, name, base_url, feed_url, description, scraping_config,
	max_articles, extract_full_content, update_frequency_seconds, rate_limit_seconds,
	is_active, last_scraped, next_scrape, error_count, last_error, created_at, updated_at`

// CreateSource inserts a new source and populates its ID and CreatedAt.
func (s *SQLite) CreateSource(ctx context.Context, src *model.Source) error {
	scraping, err := marshalScraping(src.Scraping)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sources (name, base_url, feed_url, description, scraping_config,
		   max_articles, extract_full_content, update_frequency_seconds, rate_limit_seconds,
		   is_active, error_count, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?)`,
		src.Name, src.BaseURL, nullIfEmpty(src.FeedURL), nullIfEmpty(src.Description), scraping,
		src.MaxArticles, boolToInt(src.ExtractFullContent),
		int(src.UpdateFrequency.Seconds()), int(src.RateLimitDelay.Seconds()),
		boolToInt(src.IsActive), now, now,
	)
	if err != nil {
		return fmt.Errorf("insert source: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	src.ID = id
	src.CreatedAt, _ = time.Parse(timeLayout, now)
	src.UpdatedAt = src.CreatedAt
	return nil
}

// GetSource returns a single source by its ID.
func (s *SQLite) GetSource(ctx context.Context, id int64) (*model.Source, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id)
	return scanSource(row)
}

// GetSourceByName returns a single source by its unique name.
func (s *SQLite) GetSourceByName(ctx context.Context, name string) (*model.Source, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE name = ?`, name)
	return scanSource(row)
}

// ListSources returns all sources ordered by ID.
func (s *SQLite) ListSources(ctx context.Context) ([]model.Source, error) {
	return s.querySources(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY id`)
}

// ListActiveSources returns all active sources.
func (s *SQLite) ListActiveSources(ctx context.Context) ([]model.Source, error) {
	return s.querySources(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE is_active = 1 ORDER BY id`)
}

// ListDueSources returns active sources whose next_scrape is unset or has
// passed at the given instant.
func (s *SQLite) ListDueSources(ctx context.Context, now time.Time) ([]model.Source, error) {
	return s.querySources(ctx,
		`SELECT `+sourceColumns+` FROM sources
		 WHERE is_active = 1 AND (next_scrape IS NULL OR next_scrape <= ?)
		 ORDER BY id`,
		now.UTC().Format(timeLayout))
}

func (s *SQLite) querySources(ctx context.Context, query string, args ...any) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sources []model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, *src)
	}
	return sources, rows.Err()
}

// UpdateSource persists changes to an existing source.
func (s *SQLite) UpdateSource(ctx context.Context, src *model.Source) error {
	scraping, err := marshalScraping(src.Scraping)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(timeLayout)
	_, err = s.db.ExecContext(ctx,
		`UPDATE sources SET name = ?, base_url = ?, feed_url = ?, description = ?,
		   scraping_config = ?, max_articles = ?, extract_full_content = ?,
		   update_frequency_seconds = ?, rate_limit_seconds = ?, is_active = ?,
		   last_scraped = ?, next_scrape = ?, error_count = ?, last_error = ?, updated_at = ?
		 WHERE id = ?`,
		src.Name, src.BaseURL, nullIfEmpty(src.FeedURL), nullIfEmpty(src.Description),
		scraping, src.MaxArticles, boolToInt(src.ExtractFullContent),
		int(src.UpdateFrequency.Seconds()), int(src.RateLimitDelay.Seconds()),
		boolToInt(src.IsActive), formatTimePtr(src.LastScraped), formatTimePtr(src.NextScrape),
		src.ErrorCount, src.LastError, now, src.ID,
	)
	if err != nil {
		return fmt.Errorf("update source: %w", err)
	}
	return nil
}

// DeleteSource removes a source; its articles, associations, metadata, and
// filters go with it via cascading deletes. Tags are never deleted.
func (s *SQLite) DeleteSource(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	return nil
}

// RecordSourceError increments error_count and stores last_error, leaving
// the scrape schedule untouched.
func (s *SQLite) RecordSourceError(ctx context.Context, id int64, msg string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`UPDATE sources SET error_count = error_count + 1, last_error = ?, updated_at = ?
		 WHERE id = ?`, msg, now, id)
	if err != nil {
		return fmt.Errorf("record source error: %w", err)
	}
	return nil
}

// RecordSourceSuccess stamps the schedule fields and clears error state.
func (s *SQLite) RecordSourceSuccess(ctx context.Context, id int64, lastScraped, nextScrape time.Time) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`UPDATE sources SET last_scraped = ?, next_scrape = ?, error_count = 0,
		   last_error = '', updated_at = ?
		 WHERE id = ?`,
		lastScraped.UTC().Format(timeLayout), nextScrape.UTC().Format(timeLayout), now, id)
	if err != nil {
		return fmt.Errorf("record source success: %w", err)
	}
	return nil
}

const articleColumns = `id, source_id, title, content, summary, url, author,
	published_date, scraped_date, content_hash, url_hash, word_count, language, is_duplicate`

// GetArticleByURL returns the article with the exact URL, or nil when absent.
func (s *SQLite) GetArticleByURL(ctx context.Context, url string) (*model.Article, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+articleColumns+` FROM articles WHERE url = ?`, url)
	a, err := scanArticle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// GetArticleByContentHash returns the earliest article carrying the content
// hash, or nil when absent.
func (s *SQLite) GetArticleByContentHash(ctx context.Context, hash string) (*model.Article, error) {
	if hash == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+articleColumns+` FROM articles WHERE content_hash = ? ORDER BY id LIMIT 1`, hash)
	a, err := scanArticle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// SaveArticle persists the article with its tags and metadata in one
// transaction. Any failure rolls back this article only.
func (s *SQLite) SaveArticle(ctx context.Context, article *model.Article, tags []string, metadata map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO articles (source_id, title, content, summary, url, author,
		   published_date, scraped_date, content_hash, url_hash, word_count, language, is_duplicate)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		article.SourceID, article.Title, article.Content, article.Summary, article.URL,
		article.Author, formatTimePtr(article.PublishedDate),
		article.ScrapedDate.UTC().Format(timeLayout),
		article.ContentHash, article.URLHash, article.WordCount, article.Language,
		boolToInt(article.IsDuplicate),
	)
	if err != nil {
		return fmt.Errorf("insert article: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	article.ID = id

	for _, raw := range tags {
		if err := saveTag(ctx, tx, id, raw); err != nil {
			return err
		}
	}

	for key, value := range metadata {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO article_metadata (article_id, key, value) VALUES (?, ?, ?)`,
			id, key, value,
		); err != nil {
			return fmt.Errorf("insert metadata %q: %w", key, err)
		}
	}

	return tx.Commit()
}

// saveTag resolves or creates the tag by normalized name, creates the
// article association with scraper provenance, and bumps the frequency
// counter only when the association is new.
func saveTag(ctx context.Context, tx *sql.Tx, articleID int64, raw string) error {
	name := cleanTagName(raw)
	if name == "" {
		return nil
	}
	normalized := normalizeTagName(name)

	var tagID int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM tags WHERE normalized_name = ?`, normalized).Scan(&tagID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		now := time.Now().UTC().Format(timeLayout)
		res, err := tx.ExecContext(ctx,
			`INSERT INTO tags (name, normalized_name, category, frequency, tag_type, created_at)
			 VALUES (?, ?, '', 0, ?, ?)`,
			name, normalized, model.TagTypeAuto, now)
		if err != nil {
			return fmt.Errorf("insert tag %q: %w", name, err)
		}
		tagID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
	case err != nil:
		return fmt.Errorf("lookup tag %q: %w", name, err)
	}

	now := time.Now().UTC().Format(timeLayout)
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO article_tags (article_id, tag_id, confidence, source, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		articleID, tagID, model.ScraperTagConfidence, model.TagSourceScraper, now)
	if err != nil {
		return fmt.Errorf("insert article tag: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if inserted > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tags SET frequency = frequency + 1 WHERE id = ?`, tagID); err != nil {
			return fmt.Errorf("increment tag frequency: %w", err)
		}
	}
	return nil
}

// ListArticlesBySource returns all articles belonging to the source.
func (s *SQLite) ListArticlesBySource(ctx context.Context, sourceID int64) ([]model.Article, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+articleColumns+` FROM articles WHERE source_id = ? ORDER BY id`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("query articles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var articles []model.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		articles = append(articles, *a)
	}
	return articles, rows.Err()
}

// GetTagByNormalizedName returns the tag with the given normalized name.
func (s *SQLite) GetTagByNormalizedName(ctx context.Context, name string) (*model.Tag, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, normalized_name, category, frequency, tag_type, created_at
		 FROM tags WHERE normalized_name = ?`, normalizeTagName(name))
	var t model.Tag
	var createdStr string
	err := row.Scan(&t.ID, &t.Name, &t.NormalizedName, &t.Category, &t.Frequency, &t.TagType, &createdStr)
	if err != nil {
		return nil, fmt.Errorf("scan tag: %w", err)
	}
	t.CreatedAt, _ = time.Parse(timeLayout, createdStr)
	return &t, nil
}

// ListArticleTags returns the tag associations of an article.
func (s *SQLite) ListArticleTags(ctx context.Context, articleID int64) ([]model.ArticleTag, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT article_id, tag_id, confidence, source, created_at
		 FROM article_tags WHERE article_id = ? ORDER BY tag_id`, articleID)
	if err != nil {
		return nil, fmt.Errorf("query article tags: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var assocs []model.ArticleTag
	for rows.Next() {
		var at model.ArticleTag
		var createdStr string
		if err := rows.Scan(&at.ArticleID, &at.TagID, &at.Confidence, &at.Source, &createdStr); err != nil {
			return nil, fmt.Errorf("scan article tag: %w", err)
		}
		at.CreatedAt, _ = time.Parse(timeLayout, createdStr)
		assocs = append(assocs, at)
	}
	return assocs, rows.Err()
}

// ListArticleMetadata returns the metadata pairs of an article.
func (s *SQLite) ListArticleMetadata(ctx context.Context, articleID int64) ([]model.ArticleMetadata, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, article_id, key, value FROM article_metadata
		 WHERE article_id = ? ORDER BY id`, articleID)
	if err != nil {
		return nil, fmt.Errorf("query article metadata: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var meta []model.ArticleMetadata
	for rows.Next() {
		var m model.ArticleMetadata
		if err := rows.Scan(&m.ID, &m.ArticleID, &m.Key, &m.Value); err != nil {
			return nil, fmt.Errorf("scan article metadata: %w", err)
		}
		meta = append(meta, m)
	}
	return meta, rows.Err()
}

// CreateFilter inserts a new source filter and populates its ID.
func (s *SQLite) CreateFilter(ctx context.Context, f *model.SourceFilter) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO source_filters (source_id, kind, scope, value, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		f.SourceID, string(f.Kind), string(f.Scope), f.Value, now)
	if err != nil {
		return fmt.Errorf("insert filter: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	f.ID = id
	f.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// ListFilters returns all filters for the given source.
func (s *SQLite) ListFilters(ctx context.Context, sourceID int64) ([]model.SourceFilter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_id, kind, scope, value, created_at
		 FROM source_filters WHERE source_id = ? ORDER BY id`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("query filters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var filters []model.SourceFilter
	for rows.Next() {
		var f model.SourceFilter
		var kindStr, scopeStr, createdStr string
		if err := rows.Scan(&f.ID, &f.SourceID, &kindStr, &scopeStr, &f.Value, &createdStr); err != nil {
			return nil, fmt.Errorf("scan filter: %w", err)
		}
		f.Kind = model.FilterKind(kindStr)
		f.Scope = model.FilterScope(scopeStr)
		f.CreatedAt, _ = time.Parse(timeLayout, createdStr)
		filters = append(filters, f)
	}
	return filters, rows.Err()
}

// DeleteFilter removes a filter by its ID.
func (s *SQLite) DeleteFilter(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM source_filters WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete filter: %w", err)
	}
	return nil
}

// Stats returns aggregate counts for diagnostics.
func (s *SQLite) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	cutoff := time.Now().UTC().Add(-24 * time.Hour).Format(timeLayout)

	queries := []struct {
		dest  *int
		query string
		args  []any
	}{
		{&st.TotalSources, `SELECT COUNT(*) FROM sources`, nil},
		{&st.ActiveSources, `SELECT COUNT(*) FROM sources WHERE is_active = 1`, nil},
		{&st.ErrorSources, `SELECT COUNT(*) FROM sources WHERE error_count > 0`, nil},
		{&st.TotalArticles, `SELECT COUNT(*) FROM articles`, nil},
		{&st.DuplicateArticles, `SELECT COUNT(*) FROM articles WHERE is_duplicate = 1`, nil},
		{&st.TotalTags, `SELECT COUNT(*) FROM tags`, nil},
		{&st.RecentArticles24h, `SELECT COUNT(*) FROM articles WHERE scraped_date >= ?`, []any{cutoff}},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query, q.args...).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("stats query: %w", err)
		}
	}
	return &st, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.UTC().Format(timeLayout)
	return &v
}

func marshalScraping(sc *model.ScrapingConfig) (*string, error) {
	if sc == nil {
		return nil, nil
	}
	data, err := json.Marshal(sc)
	if err != nil {
		return nil, fmt.Errorf("marshal scraping config: %w", err)
	}
	v := string(data)
	return &v, nil
}

func cleanTagName(raw string) string {
	return strings.TrimSpace(raw)
}

func normalizeTagName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSource(row scannable) (*model.Source, error) {
	var src model.Source
	var feedURL, description, scraping, lastScraped, nextScrape sql.NullString
	var extractFull, isActive, updateFreq, rateLimit int
	var createdStr, updatedStr string
	err := row.Scan(&src.ID, &src.Name, &src.BaseURL, &feedURL, &description, &scraping,
		&src.MaxArticles, &extractFull, &updateFreq, &rateLimit,
		&isActive, &lastScraped, &nextScrape, &src.ErrorCount, &src.LastError,
		&createdStr, &updatedStr)
	if err != nil {
		return nil, fmt.Errorf("scan source: %w", err)
	}
	src.FeedURL = feedURL.String
	src.Description = description.String
	if scraping.Valid && scraping.String != "" {
		var sc model.ScrapingConfig
		if err := json.Unmarshal([]byte(scraping.String), &sc); err != nil {
			return nil, fmt.Errorf("unmarshal scraping config: %w", err)
		}
		src.Scraping = &sc
	}
	src.ExtractFullContent = extractFull == 1
	src.IsActive = isActive == 1
	src.UpdateFrequency = time.Duration(updateFreq) * time.Second
	src.RateLimitDelay = time.Duration(rateLimit) * time.Second
	if lastScraped.Valid {
		t, _ := time.Parse(timeLayout, lastScraped.String)
		src.LastScraped = &t
	}
	if nextScrape.Valid {
		t, _ := time.Parse(timeLayout, nextScrape.String)
		src.NextScrape = &t
	}
	src.CreatedAt, _ = time.Parse(timeLayout, createdStr)
	src.UpdatedAt, _ = time.Parse(timeLayout, updatedStr)
	return &src, nil
}

func scanArticle(row scannable) (*model.Article, error) {
	var a model.Article
	var published sql.NullString
	var scrapedStr string
	var isDuplicate int
	err := row.Scan(&a.ID, &a.SourceID, &a.Title, &a.Content, &a.Summary, &a.URL, &a.Author,
		&published, &scrapedStr, &a.ContentHash, &a.URLHash, &a.WordCount, &a.Language,
		&isDuplicate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan article: %w", err)
	}
	if published.Valid {
		t, _ := time.Parse(timeLayout, published.String)
		a.PublishedDate = &t
	}
	a.ScrapedDate, _ = time.Parse(timeLayout, scrapedStr)
	a.IsDuplicate = isDuplicate == 1
	return &a, nil
}
