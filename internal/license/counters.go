package license

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	lockRetryInterval = 10 * time.Millisecond
	lockAcquireLimit  = 2 * time.Second
	lockStaleAfter    = 5 * time.Second
)

// WindowCounter is a durable sliding-window quota bucket. Count only grows
// inside [WindowStart, WindowStart+duration); crossing the boundary resets
// the count and advances WindowStart to the epoch-aligned boundary.
type WindowCounter struct {
	WindowStart           time.Time `json:"window_start"`
	WindowDurationSeconds int64     `json:"window_duration_seconds"`
	Count                 int64     `json:"count"`
}

// Duration returns the fixed window length.
func (w WindowCounter) Duration() time.Duration {
	return time.Duration(w.WindowDurationSeconds) * time.Second
}

// CounterStore keeps named window counters in one durable JSON file. The
// load-roll-increment-save sequence runs under both an in-process mutex and
// an exclusive companion lock file, so two CLI invocations cannot read the
// same count and lose an increment.
type CounterStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
	now    func() time.Time
}

// CounterOption configures a CounterStore.
type CounterOption func(*CounterStore)

// WithCounterClock injects a time source for deterministic tests.
func WithCounterClock(now func() time.Time) CounterOption {
	return func(c *CounterStore) { c.now = now }
}

// NewCounterStore creates a counter store backed by the given file path.
func NewCounterStore(path string, logger *slog.Logger, opts ...CounterOption) *CounterStore {
	if logger == nil {
		logger = slog.Default()
	}
	c := &CounterStore{
		path:   path,
		logger: logger.With(slog.String("component", "rate_counters")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Peek returns the counter for a limit name after rolling its window
// forward, without recording usage and without persisting the roll.
func (c *CounterStore) Peek(name string, window time.Duration) (WindowCounter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	counters, err := c.load()
	if err != nil {
		return WindowCounter{}, err
	}
	return c.rolled(counters[name], window), nil
}

// Increment adds amount to the counter for a limit name and persists the
// result with the same atomic-replace discipline as the license store. It is
// called only after the gated operation actually executed, so failed or
// aborted operations do not consume quota.
func (c *CounterStore) Increment(name string, window time.Duration, amount int64) (WindowCounter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	unlock, err := c.acquireFileLock()
	if err != nil {
		return WindowCounter{}, err
	}
	defer unlock()

	counters, err := c.load()
	if err != nil {
		return WindowCounter{}, err
	}

	counter := c.rolled(counters[name], window)
	counter.Count += amount
	counters[name] = counter

	if err := c.save(counters); err != nil {
		return WindowCounter{}, err
	}
	return counter, nil
}

// rolled resets a counter whose window boundary has passed. The new window
// start is the boundary at or before now, not now itself, keeping windows
// aligned to fixed epochs so staggered calls cannot drift them.
func (c *CounterStore) rolled(counter WindowCounter, window time.Duration) WindowCounter {
	now := c.now().UTC()
	boundary := now.Truncate(window)
	if counter.WindowStart.IsZero() ||
		counter.Duration() != window ||
		!now.Before(counter.WindowStart.Add(counter.Duration())) {
		return WindowCounter{
			WindowStart:           boundary,
			WindowDurationSeconds: int64(window / time.Second),
			Count:                 0,
		}
	}
	return counter
}

func (c *CounterStore) load() (map[string]WindowCounter, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]WindowCounter{}, nil
		}
		return nil, fmt.Errorf("read counters: %w", err)
	}

	counters := map[string]WindowCounter{}
	if err := json.Unmarshal(data, &counters); err != nil {
		// An unreadable counter file starts over from the empty default, the
		// same as a missing file. Usage recorded in the current window is
		// forgotten, so the quota is restored until the next increment.
		c.logger.Warn("counter file corrupt, resetting",
			slog.String("path", c.path),
			slog.String("error", err.Error()),
		)
		return map[string]WindowCounter{}, nil
	}
	return counters, nil
}

func (c *CounterStore) save(counters map[string]WindowCounter) error {
	data, err := json.MarshalIndent(counters, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0700); err != nil {
		return fmt.Errorf("create counters directory: %w", err)
	}
	return atomicWriteFile(c.path, data, 0600)
}

// acquireFileLock takes an exclusive advisory lock by creating a companion
// .lock file with O_EXCL. A lock older than lockStaleAfter is assumed to be
// left over from a crashed process and is broken.
func (c *CounterStore) acquireFileLock() (func(), error) {
	lockPath := c.path + ".lock"
	deadline := time.Now().Add(lockAcquireLimit)

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("acquire counter lock: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil &&
			time.Since(info.ModTime()) > lockStaleAfter {
			c.logger.Warn("breaking stale counter lock",
				slog.String("path", lockPath),
				slog.Time("lock_mtime", info.ModTime()),
			)
			os.Remove(lockPath)
			continue
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("acquire counter lock: timed out after %s", lockAcquireLimit)
		}
		time.Sleep(lockRetryInterval)
	}
}
