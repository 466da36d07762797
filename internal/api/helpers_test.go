package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kdimtricp/framesearch/internal/database"
	"github.com/kdimtricp/framesearch/internal/enrichment"
	"github.com/kdimtricp/framesearch/internal/ingest"
	"github.com/kdimtricp/framesearch/internal/keyframe"
	"github.com/kdimtricp/framesearch/internal/metrics"
	"github.com/kdimtricp/framesearch/internal/models"
	"github.com/kdimtricp/framesearch/internal/retrieval"
	"github.com/kdimtricp/framesearch/internal/storage"
	"github.com/kdimtricp/framesearch/internal/vectorstore"
)

// fileExtractor treats any file starting with "corrupt" as undecodable and
// yields three frames for everything else.
type fileExtractor struct{}

func (fileExtractor) Extract(ctx context.Context, src string) ([]keyframe.KeyFrame, error) {
	data, err := os.ReadFile(src)
	if err != nil || bytes.HasPrefix(data, []byte("corrupt")) {
		return nil, &models.DecodeError{Source: src, Err: errors.New("invalid data found when processing input")}
	}
	out := make([]keyframe.KeyFrame, 3)
	for i := range out {
		img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
		img.Set(0, 0, color.NRGBA{R: uint8(i * 80), A: 255})
		out[i] = keyframe.KeyFrame{Index: i * 30, AtSeconds: int32(i), Image: img}
	}
	return out, nil
}

// axisBackend maps images to x and text mentioning "beach" to x, everything
// else to y.
type axisBackend struct{}

func (axisBackend) Name() string    { return "axis" }
func (axisBackend) Dimensions() int { return 2 }
func (axisBackend) EmbedImage(ctx context.Context, img []byte) ([]float32, error) {
	return []float32{1, 0}, nil
}
func (axisBackend) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if strings.Contains(text, "beach") {
		return []float32{1, 0}, nil
	}
	return []float32{0, 1}, nil
}
func (b axisBackend) EmbedPair(ctx context.Context, img []byte, text string) ([]float32, []float32, error) {
	iv, _ := b.EmbedImage(ctx, img)
	tv, _ := b.EmbedText(ctx, text)
	return iv, tv, nil
}

type stubEnricher struct {
	added []string
}

func (s *stubEnricher) Add(ctx context.Context, path string, action enrichment.Action) (*enrichment.AddResult, error) {
	if path == "missing.mp4" {
		return nil, &models.NotFoundError{Path: path}
	}
	s.added = append(s.added, path)
	return &enrichment.AddResult{Video: &models.VideoRecord{ID: "v1", Path: path, Tags: []string{"Walking"}}}, nil
}

func (s *stubEnricher) Mining(ctx context.Context, path string) ([]enrichment.MiningItem, error) {
	return []enrichment.MiningItem{{Behaviour: enrichment.Behaviour{ID: "1", Name: "Walking", TimeRange: "0:00:01-0:00:03"}, StartSeconds: 1}}, nil
}

func (s *stubEnricher) Summary(ctx context.Context, path string) (string, error) {
	return "summary of " + filepath.Base(path), nil
}

type TestServer struct {
	Server   *httptest.Server
	App      *App
	Repo     *database.VideoRepository
	Index    *vectorstore.Memory
	Enricher *stubEnricher
	Dir      string
}

func setupTestServer(t *testing.T) *TestServer {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewLocalStorage(filepath.Join(dir, "uploads"))
	require.NoError(t, err)

	db, err := database.NewDB(database.Config{Type: "sqlite", SQLitePath: filepath.Join(dir, "test.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := database.NewVideoRepository(db)
	index := vectorstore.NewMemory("frames", vectorstore.MetricIP, 2)
	m := metrics.New()

	pipeline := ingest.NewPipeline(ingest.Deps{
		Extractor: fileExtractor{},
		Backend:   axisBackend{},
		Index:     index,
		Videos:    repo,
		Objects:   store,
		Metrics:   m,
	}, 50, 1)
	orchestrator := retrieval.NewOrchestrator(axisBackend{}, index, repo, retrieval.Options{DefaultPageSize: 6, MaxPageSize: 100}, m, nil)

	enricher := &stubEnricher{}
	app := &App{
		Storage:       store,
		Videos:        repo,
		Ingester:      pipeline,
		Enricher:      enricher,
		Searcher:      orchestrator,
		Images:        retrieval.NewImageLoader(0),
		Metrics:       m,
		MaxUploadSize: 10 << 20,
	}

	server := httptest.NewServer(NewRouter(app))
	t.Cleanup(server.Close)

	return &TestServer{Server: server, App: app, Repo: repo, Index: index, Enricher: enricher, Dir: dir}
}

func createMultipartUpload(field, filename string, content []byte, fields map[string]string) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile(field, filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, bytes.NewReader(content)); err != nil {
		return nil, "", err
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}

func (ts *TestServer) upload(t *testing.T, filename string, content []byte) (*http.Response, Envelope) {
	t.Helper()
	body, contentType, err := createMultipartUpload("video", filename, content, nil)
	require.NoError(t, err)
	return ts.post(t, "/api/videos/upload", contentType, body)
}

func (ts *TestServer) post(t *testing.T, path, contentType string, body io.Reader) (*http.Response, Envelope) {
	t.Helper()
	resp, err := http.Post(ts.Server.URL+path, contentType, body)
	require.NoError(t, err)
	return resp, decode(t, resp)
}

func (ts *TestServer) get(t *testing.T, path string) (*http.Response, Envelope) {
	t.Helper()
	resp, err := http.Get(ts.Server.URL + path)
	require.NoError(t, err)
	return resp, decode(t, resp)
}

func decode(t *testing.T, resp *http.Response) Envelope {
	t.Helper()
	defer resp.Body.Close()
	var env Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env
}

// dataAs re-decodes the envelope payload into out.
func dataAs(t *testing.T, env Envelope, out any) {
	t.Helper()
	raw, err := json.Marshal(env.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out))
}
