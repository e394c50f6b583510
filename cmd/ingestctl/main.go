// Command ingestctl administers sources, filters, and scrape runs from the shell.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"newsriver/internal/model"
	"newsriver/internal/scraper"
	"newsriver/internal/storage"
)

func main() {
	dbPath := flag.String("db", envOrDefault("DATABASE_PATH", "./data/newsriver.db"), "path to sqlite database")
	logLevel := flag.String("log-level", envOrDefault("LOG_LEVEL", "warn"), "log level (debug, info, warn, error)")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	log := newLogger(*logLevel)

	if dir := filepath.Dir(*dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			fmt.Fprintf(os.Stderr, "create data directory: %v\n", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	mgr := scraper.New(store, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch args[0] {
	case "source":
		err = runSource(ctx, store, args[1:])
	case "filter":
		err = runFilter(ctx, store, args[1:])
	case "scrape":
		err = runScrape(ctx, store, mgr, args[1:])
	case "validate":
		err = runValidate(ctx, store, mgr, args[1:])
	case "describe":
		err = runDescribe(ctx, store, mgr, args[1:])
	case "stats":
		err = runStats(ctx, store)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", args[0], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: ingestctl [-db path] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  source add|list|show|enable|disable|delete   Manage sources")
	fmt.Fprintln(os.Stderr, "  filter add|list|delete                       Manage per-source filters")
	fmt.Fprintln(os.Stderr, "  scrape [-source name] [-all] [-force]        Run scrapes now")
	fmt.Fprintln(os.Stderr, "  validate [name]                              Check source configuration")
	fmt.Fprintln(os.Stderr, "  describe <name>                              Show reader diagnostics")
	fmt.Fprintln(os.Stderr, "  stats                                        Show store statistics")
}

func runSource(ctx context.Context, store storage.Storage, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing subcommand (add, list, show, enable, disable, delete)")
	}
	switch args[0] {
	case "add":
		return sourceAdd(ctx, store, args[1:])
	case "list":
		return sourceList(ctx, store)
	case "show":
		return sourceShow(ctx, store, args[1:])
	case "enable":
		return sourceSetActive(ctx, store, args[1:], true)
	case "disable":
		return sourceSetActive(ctx, store, args[1:], false)
	case "delete":
		return sourceDelete(ctx, store, args[1:])
	default:
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

func sourceAdd(ctx context.Context, store storage.Storage, args []string) error {
	fs := flag.NewFlagSet("source add", flag.ExitOnError)
	name := fs.String("name", "", "unique source name (required)")
	baseURL := fs.String("url", "", "base URL of the site (required)")
	feedURL := fs.String("feed", "", "RSS/Atom feed URL")
	description := fs.String("description", "", "free-text description")
	selectors := fs.String("selectors", "", "scraping config as JSON (or @file)")
	maxArticles := fs.Int("max-articles", 50, "cap on articles per scrape")
	fullContent := fs.Bool("full-content", false, "fetch article pages for full text")
	frequency := fs.Duration("frequency", 24*time.Hour, "how often the source is scraped")
	rateLimit := fs.Duration("rate-limit", 2*time.Second, "pause between requests to this source")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *name == "" || *baseURL == "" {
		return fmt.Errorf("-name and -url are required")
	}

	var scraping *model.ScrapingConfig
	if *selectors != "" {
		raw := []byte(*selectors)
		if strings.HasPrefix(*selectors, "@") {
			data, err := os.ReadFile(strings.TrimPrefix(*selectors, "@"))
			if err != nil {
				return fmt.Errorf("read selectors file: %w", err)
			}
			raw = data
		}
		scraping = &model.ScrapingConfig{}
		if err := json.Unmarshal(raw, scraping); err != nil {
			return fmt.Errorf("parse selectors: %w", err)
		}
	}

	if *feedURL == "" && scraping == nil {
		return fmt.Errorf("source needs -feed or -selectors to be scrapeable")
	}

	src := &model.Source{
		Name:               *name,
		BaseURL:            *baseURL,
		FeedURL:            *feedURL,
		Description:        *description,
		Scraping:           scraping,
		MaxArticles:        *maxArticles,
		ExtractFullContent: *fullContent,
		UpdateFrequency:    *frequency,
		RateLimitDelay:     *rateLimit,
		IsActive:           true,
	}
	if err := store.CreateSource(ctx, src); err != nil {
		return err
	}
	fmt.Printf("created source %q (id %d)\n", src.Name, src.ID)
	return nil
}

func sourceList(ctx context.Context, store storage.Storage) error {
	sources, err := store.ListSources(ctx)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		fmt.Println("no sources configured")
		return nil
	}
	fmt.Printf("%-4s %-24s %-8s %-8s %-6s %s\n", "ID", "NAME", "KIND", "ACTIVE", "ERRORS", "LAST SCRAPED")
	for _, s := range sources {
		kind := "feed"
		if s.FeedURL == "" {
			kind = "selector"
		}
		last := "never"
		if s.LastScraped != nil {
			last = s.LastScraped.Format(time.RFC3339)
		}
		fmt.Printf("%-4d %-24s %-8s %-8t %-6d %s\n", s.ID, s.Name, kind, s.IsActive, s.ErrorCount, last)
	}
	return nil
}

func sourceShow(ctx context.Context, store storage.Storage, args []string) error {
	src, err := sourceByNameArg(ctx, store, args)
	if err != nil {
		return err
	}
	fmt.Printf("Name:          %s\n", src.Name)
	fmt.Printf("Base URL:      %s\n", src.BaseURL)
	if src.FeedURL != "" {
		fmt.Printf("Feed URL:      %s\n", src.FeedURL)
	}
	if src.Description != "" {
		fmt.Printf("Description:   %s\n", src.Description)
	}
	if src.Scraping != nil {
		raw, _ := json.MarshalIndent(src.Scraping, "", "  ")
		fmt.Printf("Selectors:     %s\n", raw)
	}
	fmt.Printf("Active:        %t\n", src.IsActive)
	fmt.Printf("Frequency:     %s\n", src.UpdateFrequency)
	fmt.Printf("Rate limit:    %s\n", src.RateLimitDelay)
	fmt.Printf("Max articles:  %d\n", src.MaxArticles)
	fmt.Printf("Full content:  %t\n", src.ExtractFullContent)
	if src.LastScraped != nil {
		fmt.Printf("Last scraped:  %s\n", src.LastScraped.Format(time.RFC3339))
	}
	if src.NextScrape != nil {
		fmt.Printf("Next scrape:   %s\n", src.NextScrape.Format(time.RFC3339))
	}
	if src.ErrorCount > 0 {
		fmt.Printf("Errors:        %d (last: %s)\n", src.ErrorCount, src.LastError)
	}

	articles, err := store.ListArticlesBySource(ctx, src.ID)
	if err != nil {
		return err
	}
	fmt.Printf("Articles:      %d\n", len(articles))
	return nil
}

func sourceSetActive(ctx context.Context, store storage.Storage, args []string, active bool) error {
	src, err := sourceByNameArg(ctx, store, args)
	if err != nil {
		return err
	}
	src.IsActive = active
	if err := store.UpdateSource(ctx, src); err != nil {
		return err
	}
	state := "disabled"
	if active {
		state = "enabled"
	}
	fmt.Printf("%s source %q\n", state, src.Name)
	return nil
}

func sourceDelete(ctx context.Context, store storage.Storage, args []string) error {
	src, err := sourceByNameArg(ctx, store, args)
	if err != nil {
		return err
	}
	if err := store.DeleteSource(ctx, src.ID); err != nil {
		return err
	}
	fmt.Printf("deleted source %q and its articles\n", src.Name)
	return nil
}

func sourceByNameArg(ctx context.Context, store storage.Storage, args []string) (*model.Source, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("missing source name")
	}
	return store.GetSourceByName(ctx, args[0])
}

func runFilter(ctx context.Context, store storage.Storage, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing subcommand (add, list, delete)")
	}
	switch args[0] {
	case "add":
		return filterAdd(ctx, store, args[1:])
	case "list":
		return filterList(ctx, store, args[1:])
	case "delete":
		return filterDelete(ctx, store, args[1:])
	default:
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

func filterAdd(ctx context.Context, store storage.Storage, args []string) error {
	fs := flag.NewFlagSet("filter add", flag.ExitOnError)
	source := fs.String("source", "", "source name (required)")
	kind := fs.String("kind", "include", "include, exclude, include_re or exclude_re")
	scope := fs.String("scope", "all", "title, content or all")
	value := fs.String("value", "", "text or regular expression to match (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *source == "" || *value == "" {
		return fmt.Errorf("-source and -value are required")
	}

	src, err := store.GetSourceByName(ctx, *source)
	if err != nil {
		return err
	}

	f := &model.SourceFilter{
		SourceID: src.ID,
		Kind:     model.FilterKind(*kind),
		Scope:    model.FilterScope(*scope),
		Value:    *value,
	}
	if err := store.CreateFilter(ctx, f); err != nil {
		return err
	}
	fmt.Printf("created filter %d on %q: %s %s %q\n", f.ID, src.Name, f.Kind, f.Scope, f.Value)
	return nil
}

func filterList(ctx context.Context, store storage.Storage, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: filter list <source>")
	}
	src, err := store.GetSourceByName(ctx, args[0])
	if err != nil {
		return err
	}
	filters, err := store.ListFilters(ctx, src.ID)
	if err != nil {
		return err
	}
	if len(filters) == 0 {
		fmt.Printf("no filters on %q\n", src.Name)
		return nil
	}
	fmt.Printf("%-4s %-12s %-8s %s\n", "ID", "KIND", "SCOPE", "VALUE")
	for _, f := range filters {
		fmt.Printf("%-4d %-12s %-8s %s\n", f.ID, f.Kind, f.Scope, f.Value)
	}
	return nil
}

func filterDelete(ctx context.Context, store storage.Storage, args []string) error {
	fs := flag.NewFlagSet("filter delete", flag.ExitOnError)
	id := fs.Int64("id", 0, "filter ID (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == 0 {
		return fmt.Errorf("-id is required")
	}
	if err := store.DeleteFilter(ctx, *id); err != nil {
		return err
	}
	fmt.Printf("deleted filter %d\n", *id)
	return nil
}

func runScrape(ctx context.Context, store storage.Storage, mgr *scraper.Manager, args []string) error {
	fs := flag.NewFlagSet("scrape", flag.ExitOnError)
	source := fs.String("source", "", "scrape a single source by name")
	all := fs.Bool("all", false, "scrape every active source")
	force := fs.Bool("force", false, "ignore the scrape schedule")
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch {
	case *source != "":
		src, err := store.GetSourceByName(ctx, *source)
		if err != nil {
			return err
		}
		articles := mgr.Scrape(ctx, src)
		fmt.Printf("%s: %d articles\n", src.Name, len(articles))
		if src.LastError != "" {
			fmt.Printf("%s: last error: %s\n", src.Name, src.LastError)
		}
	case *all:
		sources, err := store.ListActiveSources(ctx)
		if err != nil {
			return err
		}
		results := mgr.ScrapeBatch(ctx, sources, *force)
		printResults(results)
	default:
		results, err := mgr.ScrapeDue(ctx)
		if err != nil {
			return err
		}
		printResults(results)
	}
	return nil
}

func printResults(results map[string][]model.Article) {
	if len(results) == 0 {
		fmt.Println("nothing scraped")
		return
	}
	total := 0
	for name, articles := range results {
		fmt.Printf("%s: %d articles\n", name, len(articles))
		total += len(articles)
	}
	fmt.Printf("total: %d articles from %d sources\n", total, len(results))
}

func runValidate(ctx context.Context, store storage.Storage, mgr *scraper.Manager, args []string) error {
	if len(args) > 0 {
		src, err := store.GetSourceByName(ctx, args[0])
		if err != nil {
			return err
		}
		if mgr.Validate(ctx, src) {
			fmt.Printf("%s: ok\n", src.Name)
		} else {
			fmt.Printf("%s: FAILED: %s\n", src.Name, src.LastError)
		}
		return nil
	}

	results, err := mgr.ValidateAll(ctx)
	if err != nil {
		return err
	}
	for name, ok := range results {
		state := "ok"
		if !ok {
			state = "FAILED"
		}
		fmt.Printf("%s: %s\n", name, state)
	}
	return nil
}

func runDescribe(ctx context.Context, store storage.Storage, mgr *scraper.Manager, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: describe <source>")
	}
	src, err := store.GetSourceByName(ctx, args[0])
	if err != nil {
		return err
	}
	info, err := mgr.Describe(src)
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}

func runStats(ctx context.Context, store storage.Storage) error {
	stats, err := store.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Sources:            %d (%d active, %d with errors)\n", stats.TotalSources, stats.ActiveSources, stats.ErrorSources)
	fmt.Printf("Articles:           %d (%d duplicates)\n", stats.TotalArticles, stats.DuplicateArticles)
	fmt.Printf("Tags:               %d\n", stats.TotalTags)
	fmt.Printf("Articles (24h):     %d\n", stats.RecentArticles24h)
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
