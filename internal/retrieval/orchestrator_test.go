package retrieval

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	pgvector "github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdimtricp/framesearch/internal/database"
	"github.com/kdimtricp/framesearch/internal/embedding"
	"github.com/kdimtricp/framesearch/internal/models"
	"github.com/kdimtricp/framesearch/internal/vectorstore"
)

type fakeBackend struct {
	text  map[string][]float32
	image []float32
}

func (f *fakeBackend) Name() string    { return "fake" }
func (f *fakeBackend) Dimensions() int { return 3 }

func (f *fakeBackend) EmbedImage(ctx context.Context, img []byte) ([]float32, error) {
	if f.image == nil {
		return nil, &models.EmbeddingError{Backend: "fake", Modality: embedding.ModalityImage, Err: errors.New("unreachable")}
	}
	return f.image, nil
}

func (f *fakeBackend) EmbedText(ctx context.Context, text string) ([]float32, error) {
	v, ok := f.text[text]
	if !ok {
		return nil, &models.EmbeddingError{Backend: "fake", Modality: embedding.ModalityText, Err: errors.New("unreachable")}
	}
	return v, nil
}

func (f *fakeBackend) EmbedPair(ctx context.Context, img []byte, text string) ([]float32, []float32, error) {
	iv, err := f.EmbedImage(ctx, img)
	if err != nil {
		return nil, nil, err
	}
	tv, err := f.EmbedText(ctx, text)
	return iv, tv, err
}

type brokenIndex struct {
	*vectorstore.Memory
}

func (brokenIndex) Search(ctx context.Context, req vectorstore.SearchRequest) ([]models.SearchHit, error) {
	return nil, &models.StoreReadError{Op: "search", Err: errors.New("dial tcp 127.0.0.1:19530: connect: connection refused")}
}

func unit(vals ...float32) []float32 {
	v := append([]float32(nil), vals...)
	embedding.L2NormalizeInPlace(v)
	return v
}

type fixture struct {
	repo  *database.VideoRepository
	index *vectorstore.Memory
	ids   map[string]string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.NewDB(database.Config{Type: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "r.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &fixture{
		repo:  database.NewVideoRepository(db),
		index: vectorstore.NewMemory("frames", vectorstore.MetricIP, 3),
		ids:   map[string]string{},
	}
}

func (f *fixture) addVideo(t *testing.T, path string, frames map[int32][]float32) *models.VideoRecord {
	t.Helper()
	v := models.NewVideoRecord(path, unit(1, 1, 1))
	require.NoError(t, f.repo.Create(context.Background(), v))
	f.ids[path] = v.ID

	var recs []models.FrameRecord
	for at, vec := range frames {
		recs = append(recs, models.FrameRecord{ID: fmt.Sprintf("%s-%d", v.ID, at), Embedding: vec, VideoID: v.ID, AtSeconds: at})
	}
	require.NoError(t, f.index.InsertBatch(context.Background(), recs))
	return v
}

func (f *fixture) orchestrator(backend embedding.Backend, opts Options) *Orchestrator {
	return NewOrchestrator(backend, f.index, f.repo, opts, nil, nil)
}

func defaultOpts() Options {
	return Options{DefaultPageSize: 6, MaxPageSize: 100, DedupOversample: 4}
}

func TestSearch_FrameTimestamp(t *testing.T) {
	f := newFixture(t)
	frames := map[int32][]float32{
		0: unit(1, 0, 0),
		2: unit(1, 0.5, 0),
		4: unit(0, 0, 1),
		6: unit(0, 1, 0),
		8: unit(0.5, 1, 0),
	}
	f.addVideo(t, "a.mp4", frames)

	backend := &fakeBackend{text: map[string][]float32{"a sunset over the sea": unit(0, 0.1, 1)}}
	results := f.orchestrator(backend, defaultOpts()).Search(context.Background(), Query{Text: "a sunset over the sea", Mode: ModeFrame})

	require.NotEmpty(t, results)
	assert.Equal(t, f.ids["a.mp4"], results[0].VideoID)
	assert.Equal(t, "a.mp4", results[0].Path)
	assert.Equal(t, int32(4), results[0].Timestamp)
	assert.Len(t, results, 5, "frame hits from one video are not merged by default")
	assert.Equal(t, []string{}, results[0].Tags)
}

func TestSearch_NoQueryListsInInsertionOrder(t *testing.T) {
	f := newFixture(t)
	var paths []string
	for i := 0; i < 10; i++ {
		p := fmt.Sprintf("clip-%d.mp4", i)
		f.addVideo(t, p, nil)
		paths = append(paths, p)
	}

	results := f.orchestrator(&fakeBackend{}, defaultOpts()).Search(context.Background(), Query{Page: 2, PageSize: 3})
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, paths[3+i], r.Path)
		assert.Zero(t, r.Timestamp)
	}
}

func TestSearch_StoreFailureReturnsEmpty(t *testing.T) {
	f := newFixture(t)
	f.addVideo(t, "a.mp4", map[int32][]float32{0: unit(1, 0, 0)})
	backend := &fakeBackend{text: map[string][]float32{"dog": unit(1, 0, 0)}}

	o := NewOrchestrator(backend, brokenIndex{f.index}, f.repo, defaultOpts(), nil, nil)
	results := o.Search(context.Background(), Query{Text: "dog"})
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestSearch_EmbeddingFailureReturnsEmpty(t *testing.T) {
	f := newFixture(t)
	f.addVideo(t, "a.mp4", map[int32][]float32{0: unit(1, 0, 0)})

	o := f.orchestrator(&fakeBackend{}, defaultOpts())
	assert.Empty(t, o.Search(context.Background(), Query{Text: "unknown"}))
	assert.Empty(t, o.Search(context.Background(), Query{Image: []byte{0xff, 0xd8}}))
	assert.Empty(t, o.Search(context.Background(), Query{Text: "unknown", Mode: ModeSummary}))
}

func TestSearch_PaginationConcatenatesToRankedSequence(t *testing.T) {
	f := newFixture(t)
	for v := 0; v < 4; v++ {
		frames := map[int32][]float32{}
		for k := 0; k < 4; k++ {
			frames[int32(k*3)] = unit(float32(v+1), float32(k+1), float32(v*k))
		}
		f.addVideo(t, fmt.Sprintf("v%d.mp4", v), frames)
	}
	backend := &fakeBackend{text: map[string][]float32{"q": unit(1, 0.3, 0.2)}}
	o := f.orchestrator(backend, defaultOpts())
	ctx := context.Background()

	full := o.Search(ctx, Query{Text: "q", Page: 1, PageSize: 16})
	require.Len(t, full, 16)
	for i := 1; i < len(full); i++ {
		assert.GreaterOrEqual(t, full[i-1].Score, full[i].Score)
	}

	for _, k := range []int{1, 3, 5} {
		var concat []models.SearchResult
		n := 3
		for page := 1; page <= n; page++ {
			concat = append(concat, o.Search(ctx, Query{Text: "q", Page: page, PageSize: k})...)
		}
		assert.Equal(t, full[:n*k], concat, "page size %d", k)
	}

	assert.Empty(t, o.Search(ctx, Query{Text: "q", Page: 50, PageSize: 5}))
}

func TestSearch_DropsHitsForMissingVideos(t *testing.T) {
	f := newFixture(t)
	f.addVideo(t, "kept.mp4", map[int32][]float32{3: unit(0.9, 0.1, 0)})
	require.NoError(t, f.index.InsertBatch(context.Background(), []models.FrameRecord{
		{ID: "orphan", Embedding: unit(1, 0, 0), VideoID: "deleted-video", AtSeconds: 1},
	}))

	backend := &fakeBackend{text: map[string][]float32{"q": unit(1, 0, 0)}}
	results := f.orchestrator(backend, defaultOpts()).Search(context.Background(), Query{Text: "q"})
	require.Len(t, results, 1)
	assert.Equal(t, "kept.mp4", results[0].Path)
	assert.Equal(t, int32(3), results[0].Timestamp)
}

func TestSearch_DedupVideos(t *testing.T) {
	f := newFixture(t)
	f.addVideo(t, "a.mp4", map[int32][]float32{0: unit(1, 0, 0), 5: unit(1, 0.1, 0), 9: unit(1, 0.2, 0)})
	f.addVideo(t, "b.mp4", map[int32][]float32{1: unit(1, 0.5, 0), 7: unit(0, 1, 0)})

	backend := &fakeBackend{text: map[string][]float32{"q": unit(1, 0, 0)}}
	opts := defaultOpts()
	opts.DedupVideos = true
	results := f.orchestrator(backend, opts).Search(context.Background(), Query{Text: "q", PageSize: 5})

	require.Len(t, results, 2)
	assert.Equal(t, "a.mp4", results[0].Path)
	assert.Equal(t, int32(0), results[0].Timestamp)
	assert.Equal(t, "b.mp4", results[1].Path)
	assert.Equal(t, int32(1), results[1].Timestamp)
}

func TestSearch_DedupPaginationConcatenatesToRankedSequence(t *testing.T) {
	f := newFixture(t)
	crowd := map[int32][]float32{}
	for k := 0; k < 10; k++ {
		crowd[int32(k)] = unit(1, 0.01*float32(k), 0)
	}
	f.addVideo(t, "a.mp4", crowd)
	f.addVideo(t, "b.mp4", map[int32][]float32{0: unit(1, 0.5, 0)})
	f.addVideo(t, "c.mp4", map[int32][]float32{0: unit(1, 0.9, 0)})

	backend := &fakeBackend{text: map[string][]float32{"q": unit(1, 0, 0)}}
	opts := defaultOpts()
	opts.DedupVideos = true
	opts.DedupOversample = 1
	o := f.orchestrator(backend, opts)
	ctx := context.Background()

	full := o.Search(ctx, Query{Text: "q", PageSize: 10})
	require.Len(t, full, 3)

	var concat []models.SearchResult
	for page := 1; page <= 2; page++ {
		concat = append(concat, o.Search(ctx, Query{Text: "q", Page: page, PageSize: 2})...)
	}
	assert.Equal(t, full, concat)

	paths := make([]string, len(concat))
	for i, r := range concat {
		paths[i] = r.Path
	}
	assert.Equal(t, []string{"a.mp4", "b.mp4", "c.mp4"}, paths)
}

func TestSearch_RefetchesPastMissingVideos(t *testing.T) {
	f := newFixture(t)
	var orphans []models.FrameRecord
	for k := 0; k < 6; k++ {
		orphans = append(orphans, models.FrameRecord{ID: fmt.Sprintf("orphan-%d", k), Embedding: unit(1, 0.01*float32(k), 0), VideoID: "deleted-video"})
	}
	require.NoError(t, f.index.InsertBatch(context.Background(), orphans))
	f.addVideo(t, "kept.mp4", map[int32][]float32{4: unit(0.5, 1, 0)})

	backend := &fakeBackend{text: map[string][]float32{"q": unit(1, 0, 0)}}
	results := f.orchestrator(backend, defaultOpts()).Search(context.Background(), Query{Text: "q", PageSize: 2})
	require.Len(t, results, 1)
	assert.Equal(t, "kept.mp4", results[0].Path)
}

func TestSearch_SummaryMode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for path, vec := range map[string][]float32{"cook.mp4": unit(1, 0, 0), "run.mp4": unit(0, 1, 0)} {
		v := f.addVideo(t, path, map[int32][]float32{7: vec})
		sv := pgvector.NewVector(vec)
		v.SummaryEmbedding = &sv
		v.SummaryText = models.StringPtr("summary of " + path)
		require.NoError(t, f.repo.Update(ctx, v))
	}

	backend := &fakeBackend{text: map[string][]float32{"someone running": unit(0.1, 1, 0)}}
	o := f.orchestrator(backend, defaultOpts())

	results := o.Search(ctx, Query{Text: "someone running", Mode: ModeSummary, Page: 1, PageSize: 1})
	require.Len(t, results, 1)
	assert.Equal(t, "run.mp4", results[0].Path)
	assert.Zero(t, results[0].Timestamp)
	assert.Equal(t, "summary of run.mp4", *results[0].SummaryText)

	second := o.Search(ctx, Query{Text: "someone running", Mode: ModeSummary, Page: 2, PageSize: 1})
	require.Len(t, second, 1)
	assert.Equal(t, "cook.mp4", second[0].Path)
}

func TestSearch_ImageQueryUsesFrames(t *testing.T) {
	f := newFixture(t)
	f.addVideo(t, "a.mp4", map[int32][]float32{12: unit(0, 1, 0)})

	backend := &fakeBackend{image: unit(0, 1, 0)}
	results := f.orchestrator(backend, defaultOpts()).Search(context.Background(), Query{Image: []byte("jpeg"), Mode: ModeSummary})
	require.Len(t, results, 1)
	assert.Equal(t, int32(12), results[0].Timestamp)
}

func TestOrchestrator_PageBounds(t *testing.T) {
	o := NewOrchestrator(nil, nil, nil, Options{DefaultPageSize: 6, MaxPageSize: 10}, nil, nil)
	tests := []struct {
		q                  Query
		page, size, offset int
	}{
		{Query{}, 1, 6, 0},
		{Query{Page: 3, PageSize: 4}, 3, 4, 8},
		{Query{Page: -1, PageSize: 500}, 1, 10, 0},
	}
	for _, tt := range tests {
		page, size, offset := o.page(tt.q)
		assert.Equal(t, tt.page, page)
		assert.Equal(t, tt.size, size)
		assert.Equal(t, tt.offset, offset)
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeFrame, m)
	m, err = ParseMode("summary")
	require.NoError(t, err)
	assert.Equal(t, ModeSummary, m)
	_, err = ParseMode("fuzzy")
	assert.Error(t, err)
}
