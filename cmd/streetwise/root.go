package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/streetwise/internal/api"
	"github.com/hyperengineering/streetwise/internal/clock"
	"github.com/hyperengineering/streetwise/internal/config"
	"github.com/hyperengineering/streetwise/internal/localstate"
	"github.com/hyperengineering/streetwise/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:          "streetwise",
	Short:        "Streetwise - civic issue reporting client",
	Long:         "Mirrors problems, comments, upvotes and the signed-in profile from the Streetwise backend, keeps them live over realtime channels and serves a local inspection API.",
	RunE:         run,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the client and the inspection API (default)",
	RunE:  run,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(os.Stdout, cfg.Log))
	slog.Info("configuration loaded", "level", cfg.Log.Level, "format", cfg.Log.Format)

	local, err := localstate.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("local state opened", "path", cfg.Database.Path)

	client := newRemoteClient(cfg)
	a := newApp(cfg, client, local, clock.Real{})
	if err := a.warmStart(ctx); err != nil {
		slog.Warn("warm start failed", "component", "app", "error", err)
	}
	a.initialFetch(ctx)

	handler := api.NewHandler(api.Deps{
		Problems: a.problems,
		Comments: a.comments,
		Upvotes:  a.upvotes,
		Profile:  a.profile,
		Realtime: a.rt,
		UserID:   func() string { return cfg.Session.UserID },
	}, cfg.Server.AuthToken, Version)
	router := api.NewRouter(handler)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	var wg sync.WaitGroup
	probe := worker.NewConnectivityProbe(client, a.rt,
		cfg.Worker.ProbeInterval.Std(),
		cfg.Worker.ProbeTimeout.Std(),
		cfg.Worker.ProbeFailureThreshold,
	)
	startWorker(ctx, &wg, "connectivity-probe", probe.Run)
	startWorker(ctx, &wg, "cache-coordinator", a.cache.Run)

	// Realtime starts once the probe reports the backend reachable.
	a.rt.SetSession(cfg.Session.UserID)

	go func() {
		slog.Info("server starting", "address", addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	wg.Wait()
	a.close(shutdownCtx)
	if err := client.Close(); err != nil {
		slog.Error("transport close error", "error", err)
	}
	// Local state closes last; the cache flush above writes to it.
	if err := local.Close(); err != nil {
		slog.Error("local state close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
