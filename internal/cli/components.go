package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kdimtricp/framesearch/internal/config"
	"github.com/kdimtricp/framesearch/internal/database"
	"github.com/kdimtricp/framesearch/internal/embedding"
	"github.com/kdimtricp/framesearch/internal/enrichment"
	"github.com/kdimtricp/framesearch/internal/ingest"
	"github.com/kdimtricp/framesearch/internal/keyframe"
	"github.com/kdimtricp/framesearch/internal/metrics"
	"github.com/kdimtricp/framesearch/internal/retrieval"
	"github.com/kdimtricp/framesearch/internal/storage"
	"github.com/kdimtricp/framesearch/internal/vectorstore"
)

// Stores is the persistent state: metadata database and frame index.
type Stores struct {
	DB     *database.DB
	Videos *database.VideoRepository
	Index  vectorstore.Index
}

// OpenStores connects both stores and applies pending migrations.
func OpenStores(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Stores, error) {
	db, err := database.NewDB(database.ConfigFrom(cfg.Database), log)
	if err != nil {
		return nil, err
	}
	if err := db.RunMigrations(cfg.Database.MigrationsPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	index, err := vectorstore.Open(ctx, cfg.Vector, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Stores{DB: db, Videos: database.NewVideoRepository(db), Index: index}, nil
}

func (s *Stores) Close() {
	s.Index.Close()
	s.DB.Close()
}

// Components is everything the ingestion and query paths need.
type Components struct {
	*Stores
	Metrics   *metrics.Metrics
	Backend   embedding.Backend
	FFmpeg    *keyframe.FFmpeg
	Extractor *keyframe.Extractor
	Storage   *storage.LocalStorage
	Pipeline  *ingest.Pipeline
}

func Open(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Components, error) {
	stores, err := OpenStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	c, err := build(stores, cfg, log)
	if err != nil {
		stores.Close()
		return nil, err
	}
	return c, nil
}

func build(stores *Stores, cfg *config.Config, log *slog.Logger) (*Components, error) {
	m := metrics.New()

	backend, err := embedding.New(cfg.Embedding, cfg.Vector.Dimensions, m, log)
	if err != nil {
		return nil, err
	}
	ff, err := keyframe.NewFFmpeg(log)
	if err != nil {
		return nil, err
	}
	ff.SetDecodeWidth(cfg.Extractor.DecodeWidth)
	store, err := storage.NewLocalStorage(cfg.Server.UploadDir)
	if err != nil {
		return nil, err
	}
	extractor := keyframe.NewExtractor(ff, keyframe.OptionsFromConfig(cfg.Extractor), m, log)

	pipeline := ingest.NewPipeline(ingest.Deps{
		Extractor:   extractor,
		Backend:     backend,
		Index:       stores.Index,
		Videos:      stores.Videos,
		Thumbnailer: ff,
		Objects:     store,
		Metrics:     m,
		Logger:      log,
	}, cfg.Vector.BatchSize, cfg.Ingest.Concurrency)

	return &Components{
		Stores:    stores,
		Metrics:   m,
		Backend:   backend,
		FFmpeg:    ff,
		Extractor: extractor,
		Storage:   store,
		Pipeline:  pipeline,
	}, nil
}

func (c *Components) Orchestrator(cfg *config.Config, log *slog.Logger) *retrieval.Orchestrator {
	return retrieval.NewOrchestrator(c.Backend, c.Index, c.Videos, retrieval.OptionsFromConfig(cfg.Retrieval), c.Metrics, log)
}

func (c *Components) Enrichment(cfg *config.Config, log *slog.Logger) (*enrichment.Service, error) {
	analyzer, err := enrichment.NewOpenAIAnalyzer(cfg.Enrichment.BaseURL, cfg.Enrichment.APIKey, cfg.Enrichment.Timeout)
	if err != nil {
		return nil, err
	}
	return enrichment.NewService(enrichment.Deps{
		Analyzer:    analyzer,
		Extractor:   c.Extractor,
		Backend:     c.Backend,
		Videos:      c.Videos,
		Thumbnailer: c.FFmpeg,
		Objects:     c.Storage,
		Metrics:     c.Metrics,
		Logger:      log,
	}, enrichment.OptionsFromConfig(cfg.Enrichment)), nil
}
