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

	"github.com/kdimtricp/framesearch/internal/api"
	"github.com/kdimtricp/framesearch/internal/cli"
	"github.com/kdimtricp/framesearch/internal/retrieval"
)

func main() {
	cmd, env := cli.NewCommand("framesearch-server", "Serve video upload, enrichment and frame search over HTTP", run)
	cmd.Flags().Int("port", 30501, "HTTP listen port")
	cmd.Flags().String("upload-dir", "./uploads", "directory for uploaded videos and thumbnails")
	env.MustBind(cmd, "server.port", "port")
	env.MustBind(cmd, "server.upload_dir", "upload-dir")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string, env *cli.Env) error {
	cfg, log := env.Config, env.Logger

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := cli.Open(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer c.Close()

	enricher, err := c.Enrichment(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize enrichment: %w", err)
	}

	app := &api.App{
		Storage:       c.Storage,
		Videos:        c.Videos,
		Ingester:      c.Pipeline,
		Enricher:      enricher,
		Searcher:      c.Orchestrator(cfg, log),
		Images:        retrieval.NewImageLoader(cfg.Retrieval.ImageFetchTimeout),
		Metrics:       c.Metrics,
		MaxUploadSize: cfg.Server.MaxUploadSize,
		Logger:        log,
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewRouter(app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("server starting",
		"port", cfg.Server.Port,
		"upload_dir", cfg.Server.UploadDir,
		"database", cfg.Database.Type,
		"vector_driver", cfg.Vector.Driver,
		"metric", cfg.Vector.Metric,
		"embedding", c.Backend.Name(),
		"max_upload_size", cfg.Server.MaxUploadSize)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
