package vectorstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/kdimtricp/framesearch/internal/models"
)

type Metric string

const (
	// MetricIP ranks by inner product. Vectors must be L2-normalised.
	MetricIP Metric = "IP"
	MetricL2 Metric = "L2"
)

func ParseMetric(s string) (Metric, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "IP", "":
		return MetricIP, nil
	case "L2":
		return MetricL2, nil
	default:
		return "", fmt.Errorf("invalid metric type %q", s)
	}
}

type SearchRequest struct {
	Vector []float32
	Limit  int
	Offset int
	// VideoID restricts hits to one video when set.
	VideoID string
	// WithEmbedding returns the stored vector on each hit.
	WithEmbedding bool
}

func (r SearchRequest) validate(dims int) error {
	if len(r.Vector) == 0 {
		return fmt.Errorf("empty query vector")
	}
	if dims > 0 && len(r.Vector) != dims {
		return fmt.Errorf("query vector has %d dimensions, index expects %d", len(r.Vector), dims)
	}
	if r.Limit < 1 {
		return fmt.Errorf("limit must be positive, got %d", r.Limit)
	}
	if r.Offset < 0 {
		return fmt.Errorf("offset must not be negative, got %d", r.Offset)
	}
	return nil
}

// Index is a similarity index over frame vectors for one collection.
// Hits are ordered by descending Score under the collection's metric.
type Index interface {
	Collection() string
	InsertBatch(ctx context.Context, records []models.FrameRecord) error
	Search(ctx context.Context, req SearchRequest) ([]models.SearchHit, error)
	QueryByIDs(ctx context.Context, ids []string) ([]models.FrameRecord, error)
	QueryByVideo(ctx context.Context, videoID string) ([]string, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
	Count(ctx context.Context) (int64, error)
	Close()
}

// IndexBuilder is implemented by indexes that build their ANN structure once
// enough vectors exist.
type IndexBuilder interface {
	BuildIndex(ctx context.Context) (bool, error)
}

func validateRecords(records []models.FrameRecord, dims int) error {
	for _, r := range records {
		if r.ID == "" || r.VideoID == "" {
			return fmt.Errorf("frame record missing id or video id")
		}
		if r.AtSeconds < 0 {
			return fmt.Errorf("frame %s has negative at_seconds", r.ID)
		}
		if dims > 0 && len(r.Embedding) != dims {
			return fmt.Errorf("frame %s has %d dimensions, index expects %d", r.ID, len(r.Embedding), dims)
		}
	}
	return nil
}

// score turns a distance into a higher-is-better score. Inner-product
// distance is the negated dot product, as pgvector's <#> returns it.
func score(distance float64) float32 {
	return float32(-distance)
}
