package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kdimtricp/framesearch/internal/config"
	"github.com/kdimtricp/framesearch/internal/embedding"
	"github.com/kdimtricp/framesearch/internal/logger"
	"github.com/kdimtricp/framesearch/internal/metrics"
	"github.com/kdimtricp/framesearch/internal/models"
	"github.com/kdimtricp/framesearch/internal/vectorstore"
)

type Mode string

const (
	ModeFrame   Mode = "frame"
	ModeSummary Mode = "summary"
	ModeList    Mode = "list"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeFrame:
		return ModeFrame, nil
	case ModeSummary:
		return ModeSummary, nil
	default:
		return "", fmt.Errorf("unknown search mode %q", s)
	}
}

type Query struct {
	Text     string
	Image    []byte
	Mode     Mode
	Page     int
	PageSize int
}

// VideoStore is the part of the metadata store the query path reads.
type VideoStore interface {
	GetByIDs(ctx context.Context, ids []string) (map[string]*models.VideoRecord, error)
	List(ctx context.Context, offset, limit int) ([]*models.VideoRecord, error)
	SearchSummary(ctx context.Context, vec []float32, offset, limit int) ([]models.ScoredVideo, error)
}

type Options struct {
	DefaultPageSize int
	MaxPageSize     int
	// DedupVideos keeps only the best frame per video in frame mode.
	DedupVideos     bool
	DedupOversample int
}

func OptionsFromConfig(cfg config.RetrievalConfig) Options {
	return Options{
		DefaultPageSize: cfg.DefaultPageSize,
		MaxPageSize:     cfg.MaxPageSize,
		DedupVideos:     cfg.DedupVideos,
		DedupOversample: cfg.DedupOversample,
	}
}

type Orchestrator struct {
	backend embedding.Backend
	index   vectorstore.Index
	videos  VideoStore
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewOrchestrator(backend embedding.Backend, index vectorstore.Index, videos VideoStore, opts Options, m *metrics.Metrics, log *slog.Logger) *Orchestrator {
	if opts.DefaultPageSize < 1 {
		opts.DefaultPageSize = 6
	}
	if opts.MaxPageSize < opts.DefaultPageSize {
		opts.MaxPageSize = opts.DefaultPageSize
	}
	if opts.DedupOversample < 1 {
		opts.DedupOversample = 1
	}
	return &Orchestrator{
		backend: backend,
		index:   index,
		videos:  videos,
		opts:    opts,
		metrics: m,
		logger:  logger.OrDefault(log),
	}
}

func (o *Orchestrator) page(q Query) (page, size, offset int) {
	page, size = q.Page, q.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = o.opts.DefaultPageSize
	}
	if size > o.opts.MaxPageSize {
		size = o.opts.MaxPageSize
	}
	return page, size, (page - 1) * size
}

// resolveMode picks the effective mode. Summary search needs text; an image
// only query always runs against frames.
func resolveMode(q Query) Mode {
	if q.Text == "" && len(q.Image) == 0 {
		return ModeList
	}
	if len(q.Image) > 0 || q.Mode != ModeSummary {
		return ModeFrame
	}
	return ModeSummary
}

// Search never fails: embedding and store errors are logged and produce an
// empty result list.
func (o *Orchestrator) Search(ctx context.Context, q Query) []models.SearchResult {
	mode := resolveMode(q)
	start := time.Now()
	results, err := o.search(ctx, mode, q)
	o.metrics.ObserveSearch(string(mode), start, err)
	if err != nil {
		o.logger.Error("search failed", "mode", mode, "error", err)
		return []models.SearchResult{}
	}
	return results
}

func (o *Orchestrator) search(ctx context.Context, mode Mode, q Query) ([]models.SearchResult, error) {
	switch mode {
	case ModeList:
		return o.list(ctx, q)
	case ModeSummary:
		return o.searchSummary(ctx, q)
	default:
		return o.searchFrames(ctx, q)
	}
}

func (o *Orchestrator) embedQuery(ctx context.Context, q Query) ([]float32, error) {
	if len(q.Image) > 0 {
		return o.backend.EmbedImage(ctx, q.Image)
	}
	return o.backend.EmbedText(ctx, q.Text)
}

// searchFrames ranks frame hits and pages over what survives resolution.
// Hits of unknown videos (and, with dedup, repeat videos) are dropped, so the
// fetch grows until the page is covered or the index runs out of hits.
func (o *Orchestrator) searchFrames(ctx context.Context, q Query) ([]models.SearchResult, error) {
	page, size, offset := o.page(q)

	vec, err := o.embedQuery(ctx, q)
	if err != nil {
		return nil, err
	}

	limit := page * size
	if o.opts.DedupVideos {
		limit *= o.opts.DedupOversample
	}
	for {
		hits, err := o.index.Search(ctx, vectorstore.SearchRequest{Vector: vec, Limit: limit})
		if err != nil {
			return nil, err
		}
		ranked, err := o.rankFrames(ctx, hits)
		if err != nil {
			return nil, err
		}
		if len(ranked) >= offset+size || len(hits) < limit {
			return slicePage(ranked, offset, size), nil
		}
		limit *= 2
	}
}

func (o *Orchestrator) rankFrames(ctx context.Context, hits []models.SearchHit) ([]models.SearchResult, error) {
	ids := make([]string, 0, len(hits))
	seen := make(map[string]bool, len(hits))
	for _, h := range hits {
		if !seen[h.VideoID] {
			seen[h.VideoID] = true
			ids = append(ids, h.VideoID)
		}
	}
	videos, err := o.videos.GetByIDs(ctx, ids)
	if err != nil {
		return nil, &models.StoreReadError{Op: "resolve videos", Err: err}
	}

	ranked := make([]models.SearchResult, 0, len(hits))
	used := make(map[string]bool)
	for _, h := range hits {
		v, ok := videos[h.VideoID]
		if !ok {
			o.logger.Warn("frame hit references unknown video", "video_id", h.VideoID, "frame_id", h.ID)
			continue
		}
		if o.opts.DedupVideos {
			if used[h.VideoID] {
				continue
			}
			used[h.VideoID] = true
		}
		ranked = append(ranked, models.NewSearchResult(v, h.Score, h.AtSeconds))
	}
	return ranked, nil
}

func (o *Orchestrator) searchSummary(ctx context.Context, q Query) ([]models.SearchResult, error) {
	_, size, offset := o.page(q)

	vec, err := o.backend.EmbedText(ctx, q.Text)
	if err != nil {
		return nil, err
	}
	scored, err := o.videos.SearchSummary(ctx, vec, offset, size)
	if err != nil {
		return nil, &models.StoreReadError{Op: "summary search", Err: err}
	}

	results := make([]models.SearchResult, 0, len(scored))
	for _, s := range scored {
		results = append(results, models.NewSearchResult(s.Video, s.Score, 0))
	}
	return results, nil
}

func (o *Orchestrator) list(ctx context.Context, q Query) ([]models.SearchResult, error) {
	_, size, offset := o.page(q)

	videos, err := o.videos.List(ctx, offset, size)
	if err != nil {
		return nil, &models.StoreReadError{Op: "list", Err: err}
	}
	results := make([]models.SearchResult, 0, len(videos))
	for _, v := range videos {
		results = append(results, models.NewSearchResult(v, 0, 0))
	}
	return results, nil
}

func slicePage(rows []models.SearchResult, offset, size int) []models.SearchResult {
	if offset >= len(rows) {
		return []models.SearchResult{}
	}
	end := offset + size
	if end > len(rows) {
		end = len(rows)
	}
	return rows[offset:end]
}
