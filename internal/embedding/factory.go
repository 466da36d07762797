package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kdimtricp/framesearch/internal/config"
	"github.com/kdimtricp/framesearch/internal/logger"
	"github.com/kdimtricp/framesearch/internal/metrics"
)

// New builds the backend selected by cfg.Provider.
func New(cfg config.EmbeddingConfig, dims int, m *metrics.Metrics, log *slog.Logger) (Backend, error) {
	log = logger.OrDefault(log)

	var (
		b   Backend
		err error
	)
	switch cfg.Provider {
	case "clip":
		b, err = NewCLIP(CLIPConfig{
			BaseURL:    cfg.CLIP.BaseURL,
			Model:      cfg.CLIP.Model,
			Dimensions: dims,
			Timeout:    cfg.Timeout,
		})
	case "multimodal":
		b, err = NewMultimodal(MultimodalConfig{
			BaseURL:    cfg.Multimodal.BaseURL,
			APIKey:     cfg.Multimodal.APIKey,
			Model:      cfg.Multimodal.Model,
			Dimensions: dims,
			Timeout:    cfg.Timeout,
			RatePerSec: cfg.RatePerSec,
		})
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	log.Info("embedding backend enabled", "backend", b.Name(), "dimensions", b.Dimensions())
	return Instrument(b, m), nil
}

type instrumented struct {
	Backend
	metrics *metrics.Metrics
}

// Instrument records call latency and outcome for every embedding call.
func Instrument(b Backend, m *metrics.Metrics) Backend {
	if m == nil {
		return b
	}
	return &instrumented{Backend: b, metrics: m}
}

func (i *instrumented) EmbedImage(ctx context.Context, img []byte) ([]float32, error) {
	start := time.Now()
	vec, err := i.Backend.EmbedImage(ctx, img)
	i.metrics.ObserveEmbedding(i.Name(), ModalityImage, start, err)
	return vec, err
}

func (i *instrumented) EmbedText(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vec, err := i.Backend.EmbedText(ctx, text)
	i.metrics.ObserveEmbedding(i.Name(), ModalityText, start, err)
	return vec, err
}

func (i *instrumented) EmbedPair(ctx context.Context, img []byte, text string) ([]float32, []float32, error) {
	return embedPair(ctx, i, img, text)
}
