package vectorstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kdimtricp/framesearch/internal/config"
)

// Open builds the configured Index. The caller owns it and must Close it.
func Open(ctx context.Context, cfg config.VectorConfig, log *slog.Logger) (Index, error) {
	metric, err := ParseMetric(cfg.Metric)
	if err != nil {
		return nil, err
	}

	switch cfg.Driver {
	case "memory":
		return NewMemory(cfg.Collection, metric, cfg.Dimensions), nil
	case "pgvector":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to vector database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to ping vector database: %w", err)
		}
		idx, err := NewPGVector(pool, PGVectorConfig{
			Schema:     cfg.Database,
			Collection: cfg.Collection,
			Metric:     metric,
			NProbe:     cfg.NProbe,
			Dimensions: cfg.Dimensions,
		}, log)
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := idx.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported vector driver: %s", cfg.Driver)
	}
}
