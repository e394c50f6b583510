// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"time"

	"newsriver/internal/model"
)

// Stats summarizes the state of the store for diagnostics.
type Stats struct {
	TotalSources      int
	ActiveSources     int
	ErrorSources      int
	TotalArticles     int
	DuplicateArticles int
	TotalTags         int
	RecentArticles24h int
}

// Storage is the interface for all persistence operations.
type Storage interface {
	CreateSource(ctx context.Context, src *model.Source) error
	GetSource(ctx context.Context, id int64) (*model.Source, error)
	GetSourceByName(ctx context.Context, name string) (*model.Source, error)
	ListSources(ctx context.Context) ([]model.Source, error)
	ListActiveSources(ctx context.Context) ([]model.Source, error)
	ListDueSources(ctx context.Context, now time.Time) ([]model.Source, error)
	UpdateSource(ctx context.Context, src *model.Source) error
	DeleteSource(ctx context.Context, id int64) error

	// RecordSourceError increments the source's error count and stores the
	// message, leaving the scrape schedule untouched.
	RecordSourceError(ctx context.Context, id int64, msg string) error
	// RecordSourceSuccess stamps the schedule fields and clears error state.
	RecordSourceSuccess(ctx context.Context, id int64, lastScraped, nextScrape time.Time) error

	// GetArticleByURL returns nil without error when no article matches.
	GetArticleByURL(ctx context.Context, url string) (*model.Article, error)
	// GetArticleByContentHash returns nil without error when no article matches.
	GetArticleByContentHash(ctx context.Context, hash string) (*model.Article, error)
	// SaveArticle persists the article together with its tag associations and
	// metadata in a single transaction scoped to this one article.
	SaveArticle(ctx context.Context, article *model.Article, tags []string, metadata map[string]string) error
	ListArticlesBySource(ctx context.Context, sourceID int64) ([]model.Article, error)

	GetTagByNormalizedName(ctx context.Context, name string) (*model.Tag, error)
	ListArticleTags(ctx context.Context, articleID int64) ([]model.ArticleTag, error)
	ListArticleMetadata(ctx context.Context, articleID int64) ([]model.ArticleMetadata, error)

	CreateFilter(ctx context.Context, f *model.SourceFilter) error
	ListFilters(ctx context.Context, sourceID int64) ([]model.SourceFilter, error)
	DeleteFilter(ctx context.Context, id int64) error

	Stats(ctx context.Context) (*Stats, error)

	Close() error
}
