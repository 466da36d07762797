package vectorstore

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kdimtricp/framesearch/internal/logger"
	"github.com/kdimtricp/framesearch/internal/metrics"
	"github.com/kdimtricp/framesearch/internal/models"
)

const DefaultBatchSize = 50

// Batcher buffers frame records and writes them in fixed-size batches.
// A failed batch is logged and counted; later batches are still attempted.
// Not safe for concurrent use; use one per ingestion job.
type Batcher struct {
	index   Index
	size    int
	buf     []models.FrameRecord
	metrics *metrics.Metrics
	logger  *slog.Logger

	written int
	failed  int
	errs    []error
	batches int
}

type BatchResult struct {
	Written int
	Failed  int
	Errors  []error
}

func NewBatcher(index Index, size int, m *metrics.Metrics, log *slog.Logger) *Batcher {
	if size < 1 {
		size = DefaultBatchSize
	}
	return &Batcher{
		index:   index,
		size:    size,
		buf:     make([]models.FrameRecord, 0, size),
		metrics: m,
		logger:  logger.OrDefault(log),
	}
}

func (b *Batcher) Add(ctx context.Context, rec models.FrameRecord) {
	b.buf = append(b.buf, rec)
	if len(b.buf) >= b.size {
		b.flush(ctx)
	}
}

// Flush writes any buffered records and returns the totals so far.
func (b *Batcher) Flush(ctx context.Context) BatchResult {
	if len(b.buf) > 0 {
		b.flush(ctx)
	}
	return BatchResult{Written: b.written, Failed: b.failed, Errors: b.errs}
}

func (b *Batcher) flush(ctx context.Context) {
	b.batches++
	n := len(b.buf)
	err := b.index.InsertBatch(ctx, b.buf)
	b.metrics.BatchFlushed(err)
	if err != nil {
		var swe *models.StoreWriteError
		if !errors.As(err, &swe) {
			err = &models.StoreWriteError{Collection: b.index.Collection(), Count: n, Err: err}
		}
		b.failed += n
		b.errs = append(b.errs, err)
		b.logger.Error("batch insert failed", "collection", b.index.Collection(), "batch", b.batches, "count", n, "error", err)
	} else {
		b.written += n
		b.logger.Debug("batch inserted", "collection", b.index.Collection(), "batch", b.batches, "count", n)
	}
	b.buf = make([]models.FrameRecord, 0, b.size)
}
