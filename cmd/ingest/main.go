package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kdimtricp/framesearch/internal/cli"
	"github.com/kdimtricp/framesearch/internal/ingest"
	"github.com/kdimtricp/framesearch/internal/models"
)

var videoExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".mkv":  true,
	".avi":  true,
	".webm": true,
}

func main() {
	cmd, env := cli.NewCommand("framesearch-ingest", "Index a video file or every video in a directory", run)
	cmd.Flags().String("path", "", "video file, URL or directory (required)")
	cmd.Flags().Bool("reindex", false, "replace the frames of videos that are already indexed")
	cmd.Flags().Int("concurrency", 2, "videos processed in parallel")
	_ = cmd.MarkFlagRequired("path")
	env.MustBind(cmd, "ingest.concurrency", "concurrency")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string, env *cli.Env) error {
	cfg, log := env.Config, env.Logger
	target, _ := cmd.Flags().GetString("path")
	reindex, _ := cmd.Flags().GetBool("reindex")

	paths, err := collectPaths(target)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		fmt.Printf("No videos found in %s\n", target)
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := requirePersistentIndex(cfg.Vector.Driver); err != nil {
		return err
	}

	c, err := cli.Open(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer c.Close()

	log.Info("ingesting videos", "count", len(paths), "reindex", reindex, "concurrency", cfg.Ingest.Concurrency)
	s := summarize(c.Pipeline.IngestAll(ctx, paths, reindex))

	fmt.Printf("Videos: %d  created: %d  existing: %d  reindexed: %d  failed: %d (decode: %d)\n",
		len(paths), s.created, s.existing, s.reindexed, s.failed, s.decodeFailed)
	if s.decodeFailed > 0 {
		return fmt.Errorf("%d video(s) could not be decoded", s.decodeFailed)
	}
	return nil
}

func requirePersistentIndex(driver string) error {
	if driver == "memory" {
		return fmt.Errorf("ingest needs a persistent vector store: the memory driver drops every frame when this command exits")
	}
	return nil
}

// collectPaths expands a directory to the videos directly inside it.
// Files and URLs are returned as given.
func collectPaths(target string) ([]string, error) {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return []string{target}, nil
	}
	info, err := os.Stat(target)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", target, err)
	}
	if !info.IsDir() {
		return []string{target}, nil
	}

	entries, err := os.ReadDir(target)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", target, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !videoExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		paths = append(paths, filepath.Join(target, e.Name()))
	}
	return paths, nil
}

type summary struct {
	created, existing, reindexed, failed, decodeFailed int
}

func summarize(outcomes []ingest.Outcome) summary {
	var s summary
	for _, o := range outcomes {
		switch {
		case o.Err != nil:
			s.failed++
			if models.IsDecodeError(o.Err) {
				s.decodeFailed++
			}
		case o.Result.Created:
			s.created++
		case o.Result.Frames > 0:
			s.reindexed++
		default:
			s.existing++
		}
	}
	return s
}
