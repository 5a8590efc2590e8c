// trellis-server runs the delegated task engine behind an HTTP surface:
// REST for task control, SSE and WebSocket for live status streaming.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"trellis/internal/broadcast"
	"trellis/internal/config"
	"trellis/internal/engine"
	"trellis/internal/journal"
	"trellis/internal/llm"
	"trellis/internal/logging"
	"trellis/internal/pricing"
	"trellis/internal/server/app"
	serverHTTP "trellis/internal/server/http"
	"trellis/internal/task"
	"trellis/internal/tools"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "trellis-server",
		Short:        "Delegated task execution and status streaming server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logging.NewComponentLogger("Main")
	logger.Info("Starting trellis server...")
	logger.Info("Model: %s, base URL: %s, listen: %s", cfg.Model, cfg.BaseURL, cfg.ListenAddr)

	if cfg.APIKey == "" {
		logger.Warn("No API key configured; worker model calls will fail")
	}

	client := llm.NewOpenAIClient(cfg.Model, llm.Config{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Timeout: cfg.RequestTimeout,
	})

	registry := task.NewRegistry()
	broadcaster := broadcast.NewBroadcaster(broadcast.Config{
		KeepAliveInterval: cfg.KeepAliveInterval,
		BacklogTTL:        cfg.BacklogTTL,
	})

	// Tool executors are registered by the embedding application; the server
	// itself ships none.
	toolRegistry := tools.NewRegistry()

	deps := engine.Deps{
		Registry:    registry,
		Client:      client,
		Tools:       toolRegistry,
		Broadcaster: broadcaster,
		Price:       pricing.Cost,
	}
	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer j.Close()
		deps.Journal = j
		logger.Info("Journaling interactions to %s", cfg.JournalPath)
	}

	coordinator := app.NewCoordinator(deps, engine.Config{MaxIterations: cfg.MaxIterations}, app.DefaultPolicies())
	router := serverHTTP.NewRouter(coordinator, broadcaster, cfg.Environment)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No timeout for SSE
		IdleTimeout:  120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	logger.Info("Server stopped")
	return nil
}
