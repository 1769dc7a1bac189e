package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CacheTarget is one store whose rows are cached on the device.
type CacheTarget struct {
	Name  string
	Flush func(ctx context.Context) error
}

// CacheCoordinator writes changed stores to local state on an interval and
// once more when stopped.
type CacheCoordinator struct {
	targets  []CacheTarget
	interval time.Duration

	mu    sync.Mutex
	dirty map[string]bool
}

// NewCacheCoordinator creates a coordinator over targets. Every target
// starts clean.
func NewCacheCoordinator(targets []CacheTarget, interval time.Duration) *CacheCoordinator {
	return &CacheCoordinator{
		targets:  targets,
		interval: interval,
		dirty:    make(map[string]bool),
	}
}

// MarkDirty schedules name for the next flush. Safe to call from store
// change listeners.
func (c *CacheCoordinator) MarkDirty(name string) {
	c.mu.Lock()
	c.dirty[name] = true
	c.mu.Unlock()
}

// Run flushes dirty targets every interval until ctx is cancelled, then
// performs a final flush with a short detached deadline.
func (c *CacheCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "cache-coordinator",
		"action", "worker_started",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			c.FlushDirty(final)
			cancel()
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "cache-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.FlushDirty(ctx)
		}
	}
}

// FlushDirty writes every dirty target. A target that fails stays dirty
// for the next cycle. It returns the number of targets written.
func (c *CacheCoordinator) FlushDirty(ctx context.Context) int {
	c.mu.Lock()
	pending := c.dirty
	c.dirty = make(map[string]bool)
	c.mu.Unlock()

	var succeeded, failed int
	for _, t := range c.targets {
		if !pending[t.Name] {
			continue
		}
		if err := t.Flush(ctx); err != nil {
			c.MarkDirty(t.Name)
			failed++
			if ctx.Err() != nil {
				continue
			}
			slog.Warn("cache flush failed",
				"component", "worker",
				"worker", "cache-coordinator",
				"action", "flush_failed",
				"store", t.Name,
				"error", err,
			)
			continue
		}
		succeeded++
	}

	if succeeded > 0 || failed > 0 {
		slog.Debug("cache flush cycle completed",
			"component", "worker",
			"worker", "cache-coordinator",
			"action", "cycle_complete",
			"succeeded", succeeded,
			"failed", failed,
		)
	}
	return succeeded
}
