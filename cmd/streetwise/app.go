package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/streetwise/internal/clock"
	"github.com/hyperengineering/streetwise/internal/config"
	"github.com/hyperengineering/streetwise/internal/feed"
	"github.com/hyperengineering/streetwise/internal/feed/remote"
	"github.com/hyperengineering/streetwise/internal/localstate"
	"github.com/hyperengineering/streetwise/internal/profile"
	"github.com/hyperengineering/streetwise/internal/realtime"
	"github.com/hyperengineering/streetwise/internal/store"
	"github.com/hyperengineering/streetwise/internal/types"
	"github.com/hyperengineering/streetwise/internal/worker"
)

// Cache keys in local state.
const (
	cacheProblems = "problems"
	cacheComments = "comments"
	cacheUpvotes  = "upvotes"
)

// app wires the client components together.
type app struct {
	cfg      *config.Config
	client   feed.Client
	local    *localstate.Store
	problems *store.Problems
	comments *store.Comments
	upvotes  *store.Upvotes
	profile  *profile.Aggregate
	rt       *realtime.Orchestrator
	cache    *worker.CacheCoordinator

	unsubscribe []func()
}

func newRemoteClient(cfg *config.Config) *remote.Client {
	token := cfg.Session.AccessToken
	return remote.New(remote.Options{
		BaseURL:     cfg.Backend.URL,
		APIKey:      cfg.Backend.APIKey,
		AccessToken: func() string { return token },
		HTTPClient:  &http.Client{Timeout: cfg.Backend.HTTPTimeout.Std()},
		Heartbeat:   cfg.Backend.Heartbeat.Std(),
		JoinTimeout: cfg.Backend.JoinTimeout.Std(),
	})
}

func newApp(cfg *config.Config, client feed.Client, local *localstate.Store, clk clock.Clock) *app {
	userID := func() string { return cfg.Session.UserID }
	a := &app{
		cfg:      cfg,
		client:   client,
		local:    local,
		problems: store.NewProblems(client, userID),
		comments: store.NewComments(client, userID),
		upvotes:  store.NewUpvotes(client, userID),
	}
	a.profile = profile.New(client, profile.Options{
		Clock:            clk,
		Watermarks:       local,
		CheckInThreshold: cfg.Gamification.CheckInThreshold.Std(),
		OnLevelUp: func(level int, lc *types.LevelConfig) {
			title := ""
			if lc != nil {
				title = lc.Title
			}
			slog.Info("level up announced",
				"component", "profile",
				"level", level,
				"title", title,
			)
		},
	})
	a.rt = realtime.New(a.profile,
		[]realtime.Subscriber{a.problems, a.comments, a.upvotes},
		clk,
		realtime.Config{
			BaseDelay:    cfg.Realtime.BaseDelay.Std(),
			MaxDelay:     cfg.Realtime.MaxDelay.Std(),
			MaxAttempts:  uint64(cfg.Realtime.MaxAttempts),
			SetupTimeout: cfg.Realtime.SetupTimeout.Std(),
		},
	)

	a.cache = worker.NewCacheCoordinator([]worker.CacheTarget{
		{Name: cacheProblems, Flush: func(ctx context.Context) error {
			return localstate.SaveItems(ctx, local, cacheProblems, a.problems.Items(), func(p types.Problem) string { return p.ID })
		}},
		{Name: cacheComments, Flush: func(ctx context.Context) error {
			return localstate.SaveItems(ctx, local, cacheComments, a.comments.Items(), func(c types.Comment) string { return c.ID })
		}},
		{Name: cacheUpvotes, Flush: func(ctx context.Context) error {
			return localstate.SaveItems(ctx, local, cacheUpvotes, a.upvotes.Items(), func(u types.Upvote) string { return u.ID })
		}},
	}, cfg.Worker.CacheFlushInterval.Std())

	a.unsubscribe = append(a.unsubscribe,
		a.problems.OnChange(func() { a.cache.MarkDirty(cacheProblems) }),
		a.comments.OnChange(func() { a.cache.MarkDirty(cacheComments) }),
		a.upvotes.OnChange(func() { a.cache.MarkDirty(cacheUpvotes) }),
	)
	return a
}

// warmStart restores cached rows so reads work before the first fetch.
// A store that was never cached is skipped.
func (a *app) warmStart(ctx context.Context) error {
	if err := restore(ctx, a.local, cacheProblems, a.problems.Restore); err != nil {
		return err
	}
	if err := restore(ctx, a.local, cacheComments, a.comments.Restore); err != nil {
		return err
	}
	return restore(ctx, a.local, cacheUpvotes, a.upvotes.Restore)
}

func restore[T any](ctx context.Context, local *localstate.Store, name string, into func([]T) bool) error {
	items, err := localstate.LoadItems[T](ctx, local, name)
	if errors.Is(err, localstate.ErrNoSnapshot) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore %s: %w", name, err)
	}
	applied := into(items)
	slog.Info("cache restored",
		"component", "app",
		"store", name,
		"count", len(items),
		"applied", applied,
	)
	return nil
}

// initialFetch loads the shared tables. Failures are logged: the stores keep
// their cached rows and record the error.
func (a *app) initialFetch(ctx context.Context) {
	if err := a.problems.Fetch(ctx); err != nil {
		slog.Warn("initial fetch failed", "component", "app", "store", cacheProblems, "error", err)
	}
	if err := a.upvotes.Fetch(ctx); err != nil {
		slog.Warn("initial fetch failed", "component", "app", "store", cacheUpvotes, "error", err)
	}
}

// close stops realtime, flushes the cache and releases listeners. The
// caller closes the transport and local state afterwards.
func (a *app) close(ctx context.Context) {
	a.rt.Close()
	for _, fn := range a.unsubscribe {
		fn()
	}
	if n := a.cache.FlushDirty(ctx); n > 0 {
		slog.Info("cache flushed on close", "component", "app", "stores", n)
	}
}
