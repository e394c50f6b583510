// Package fetcher performs rate-limited, retried HTTP GETs for the readers.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	// maxBodyBytes caps how much of a response body is read.
	maxBodyBytes = 10 * 1024 * 1024

	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

	// Connection pool bounds shared by all requests of one fetcher.
	maxIdleConns    = 10
	maxConnsPerHost = 5
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// TransientError reports that a URL could not be fetched within the retry
// budget. Callers treat it as an absence of content, never as fatal.
type TransientError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch %s failed after %d attempts", e.URL, e.Attempts)
	}
	return fmt.Sprintf("fetch %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Fetcher downloads URLs with retry and per-source rate limiting.
type Fetcher struct {
	client     HTTPClient
	rateLimit  time.Duration
	maxRetries int
	userAgent  string
	log        *slog.Logger

	// sleep is swappable so tests can observe backoff without waiting.
	sleep func(time.Duration)
}

// New creates a Fetcher using the given HTTP client.
func New(client HTTPClient, rateLimit time.Duration, maxRetries int, log *slog.Logger) *Fetcher {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Fetcher{
		client:     client,
		rateLimit:  rateLimit,
		maxRetries: maxRetries,
		userAgent:  defaultUserAgent,
		log:        log,
		sleep:      time.Sleep,
	}
}

// NewClient builds an *http.Client with a bounded connection pool and a
// single whole-request timeout, suitable for one reader's session.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:    maxIdleConns,
			MaxConnsPerHost: maxConnsPerHost,
		},
	}
}

// SetSleep overrides the backoff sleep function (used in tests).
func (f *Fetcher) SetSleep(fn func(time.Duration)) {
	f.sleep = fn
}

// SleepFor pauses through the fetcher's sleep function, so politeness pauses
// between pages share the same injectable clock as retry backoff.
func (f *Fetcher) SleepFor(d time.Duration) {
	f.sleep(d)
}

// Fetch downloads the URL, retrying transient failures up to the configured
// budget. The pre-request delay grows linearly with the attempt number
// (rate_limit_delay * attempt); the first attempt is not delayed.
// After exhausting retries it returns a *TransientError.
func (f *Fetcher) Fetch(ctx context.Context, url string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			f.sleep(f.rateLimit * time.Duration(attempt))
		}
		if err := ctx.Err(); err != nil {
			return "", &TransientError{URL: url, Attempts: attempt, Err: err}
		}

		body, err := f.fetchOnce(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err
		f.log.Warn("fetch attempt failed", "url", url, "attempt", attempt, "error", err)
	}
	return "", &TransientError{URL: url, Attempts: f.maxRetries + 1, Err: lastErr}
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) (string, error) {
	f.log.Info("fetching url", "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	f.log.Debug("fetched url", "url", url, "bytes", len(body))
	return string(body), nil
}
