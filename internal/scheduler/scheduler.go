// Package scheduler runs the periodic ingestion loop.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"newsriver/internal/model"
)

// Coordinator scrapes the sources whose schedule has come due.
type Coordinator interface {
	ScrapeDue(ctx context.Context) (map[string][]model.Article, error)
}

// Scheduler periodically asks the coordinator to scrape due sources.
type Scheduler struct {
	mgr  Coordinator
	log  *slog.Logger
	tick time.Duration
}

// New creates a Scheduler with the default 1-minute tick.
func New(mgr Coordinator, log *slog.Logger) *Scheduler {
	return &Scheduler{
		mgr:  mgr,
		log:  log,
		tick: 1 * time.Minute,
	}
}

// SetTickInterval overrides the default 1-minute check interval.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	s.tick = d
}

// Run starts the scheduler loop, blocking until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.runOnce(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	results, err := s.mgr.ScrapeDue(ctx)
	if err != nil {
		s.log.Error("scrape due sources", "error", err)
		return
	}

	total := 0
	for _, articles := range results {
		total += len(articles)
	}
	if total > 0 {
		s.log.Info("ingestion pass finished", "sources", len(results), "articles", total)
	}
}
