package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"newsriver/internal/model"
)

type fakeCoordinator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeCoordinator) ScrapeDue(_ context.Context) (map[string][]model.Article, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return map[string][]model.Article{"src": {{Title: "a"}}}, nil
}

func (f *fakeCoordinator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunTicksUntilCancelled(t *testing.T) {
	mgr := &fakeCoordinator{}
	s := New(mgr, testLogger())
	s.SetTickInterval(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()

	s.Run(ctx)

	// One immediate pass plus at least a couple of ticks.
	if got := mgr.callCount(); got < 3 {
		t.Errorf("got %d passes, want at least 3", got)
	}
}

func TestRunSurvivesCoordinatorErrors(t *testing.T) {
	mgr := &fakeCoordinator{err: errors.New("store offline")}
	s := New(mgr, testLogger())
	s.SetTickInterval(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()

	s.Run(ctx)

	if got := mgr.callCount(); got < 2 {
		t.Errorf("got %d passes, want the loop to keep running past errors", got)
	}
}
