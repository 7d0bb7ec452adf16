package license

import (
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// testLogger returns a quiet structured logger for tests.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a mutable time source shared between a manager and its
// counter store.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestManager wires a manager, store, and counter store onto a shared
// fake clock inside a temp directory.
func newTestManager(t *testing.T, clk *fakeClock, opts ...Option) (*Manager, *Store, *CounterStore) {
	t.Helper()
	dir := t.TempDir()
	logger := testLogger(t)
	store := NewStore(filepath.Join(dir, "license.json"), logger)
	counters := NewCounterStore(filepath.Join(dir, "usage.json"), logger, WithCounterClock(clk.Now))

	base := []Option{
		WithClock(clk.Now),
		WithSecret(testSecret),
		WithLogger(logger),
	}
	mgr := NewManager(store, counters, append(base, opts...)...)
	return mgr, store, counters
}
