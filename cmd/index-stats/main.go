package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kdimtricp/framesearch/internal/cli"
)

func main() {
	cmd, _ := cli.NewCommand("framesearch-index-stats", "Print record counts of the metadata store and frame index", run)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string, env *cli.Env) error {
	cfg := env.Config
	ctx := cmd.Context()

	stores, err := cli.OpenStores(ctx, cfg, env.Logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	videos, err := stores.Videos.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count videos: %w", err)
	}
	frames, err := stores.Index.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count frames: %w", err)
	}

	fmt.Println("Index Statistics")
	fmt.Println("================")
	fmt.Printf("Database:      %s\n", cfg.Database.Type)
	fmt.Printf("Vector store:  %s (%s, %s, %d dims)\n", cfg.Vector.Driver, stores.Index.Collection(), cfg.Vector.Metric, cfg.Vector.Dimensions)
	fmt.Printf("Videos:        %d\n", videos)
	fmt.Printf("Frames:        %d\n", frames)
	if videos > 0 {
		fmt.Printf("Frames/video:  %.1f\n", float64(frames)/float64(videos))
	}
	if cfg.Vector.Driver == "memory" {
		fmt.Println("Note: the memory vector store is empty in a fresh process")
	}
	return nil
}
