package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kdimtricp/framesearch/internal/enrichment"
	"github.com/kdimtricp/framesearch/internal/ingest"
	"github.com/kdimtricp/framesearch/internal/logger"
	"github.com/kdimtricp/framesearch/internal/metrics"
	"github.com/kdimtricp/framesearch/internal/models"
	"github.com/kdimtricp/framesearch/internal/retrieval"
	"github.com/kdimtricp/framesearch/internal/storage"
)

const maxQueryImageSize = 20 << 20

var videoExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".mkv":  true,
	".avi":  true,
	".webm": true,
}

type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (*ingest.Result, error)
}

type Enricher interface {
	Add(ctx context.Context, path string, action enrichment.Action) (*enrichment.AddResult, error)
	Mining(ctx context.Context, path string) ([]enrichment.MiningItem, error)
	Summary(ctx context.Context, path string) (string, error)
}

type Searcher interface {
	Search(ctx context.Context, q retrieval.Query) []models.SearchResult
}

type ImageLoader interface {
	Load(ctx context.Context, ref string) ([]byte, error)
}

type VideoLookup interface {
	GetByPath(ctx context.Context, path string) (*models.VideoRecord, error)
}

type App struct {
	Storage       storage.Storage
	Videos        VideoLookup
	Ingester      Ingester
	Enricher      Enricher
	Searcher      Searcher
	Images        ImageLoader
	Metrics       *metrics.Metrics
	MaxUploadSize int64
	Logger        *slog.Logger
}

func (app *App) logger() *slog.Logger {
	return logger.OrDefault(app.Logger)
}

func PingHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("pong"))
}

type ingestResponse struct {
	Video   *models.VideoRecord `json:"video"`
	Created bool                `json:"created"`
	Frames  int                 `json:"frames"`
	Written int                 `json:"written"`
	Failed  int                 `json:"failed"`
}

func newIngestResponse(res *ingest.Result) ingestResponse {
	return ingestResponse{
		Video:   res.Video,
		Created: res.Created,
		Frames:  res.Frames,
		Written: res.Written,
		Failed:  res.Failed,
	}
}

func (app *App) UploadHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, app.MaxUploadSize)

	if err := r.ParseMultipartForm(app.MaxUploadSize); err != nil {
		renderError(w, http.StatusBadRequest, "File too large")
		return
	}

	file, header, err := r.FormFile("video")
	if err != nil {
		renderError(w, http.StatusBadRequest, "Failed to get file")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !videoExtensions[ext] {
		renderError(w, http.StatusBadRequest, "Unsupported video format")
		return
	}

	title := r.FormValue("title")
	if title == "" {
		title = header.Filename
	}

	filename, err := app.Storage.SaveFile(file, storage.FileInfo{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
	})
	if err != nil {
		app.fail(w, r, fmt.Errorf("failed to save file: %w", err))
		return
	}
	path, err := app.Storage.LocalPath(filename)
	if err != nil {
		app.fail(w, r, err)
		return
	}

	res, err := app.Ingester.Ingest(r.Context(), ingest.Request{Path: path, Title: title})
	if err != nil {
		app.discardUpload(r.Context(), filename, path)
		app.fail(w, r, err)
		return
	}
	renderSuccess(w, newIngestResponse(res))
}

// discardUpload removes a stored upload after a failed ingest, unless a record
// already points at it. Names are content-addressed, so a re-upload of an
// indexed video shares the file with the existing record.
func (app *App) discardUpload(ctx context.Context, filename, path string) {
	_, err := app.Videos.GetByPath(context.WithoutCancel(ctx), path)
	if !models.IsNotFound(err) {
		if err != nil {
			app.logger().Warn("keeping upload, record lookup failed", "file", filename, "error", err)
		}
		return
	}
	if err := app.Storage.DeleteFile(filename); err != nil {
		app.logger().Warn("failed to remove rejected upload", "file", filename, "error", err)
	}
}

func (app *App) IngestHandler(w http.ResponseWriter, r *http.Request) {
	if err := parseParams(r, app.MaxUploadSize); err != nil {
		renderError(w, http.StatusBadRequest, err.Error())
		return
	}
	path := strings.TrimSpace(r.FormValue("path"))
	if path == "" {
		renderError(w, http.StatusBadRequest, "path is required")
		return
	}

	res, err := app.Ingester.Ingest(r.Context(), ingest.Request{Path: path, Title: r.FormValue("title")})
	if err != nil {
		app.fail(w, r, err)
		return
	}
	renderSuccess(w, newIngestResponse(res))
}

func (app *App) AddHandler(w http.ResponseWriter, r *http.Request) {
	if err := parseParams(r, app.MaxUploadSize); err != nil {
		renderError(w, http.StatusBadRequest, err.Error())
		return
	}
	videoURL := strings.TrimSpace(r.FormValue("video_url"))
	if videoURL == "" {
		renderError(w, http.StatusBadRequest, "video_url is required")
		return
	}
	n, err := strconv.Atoi(r.FormValue("action_type"))
	if err != nil {
		renderError(w, http.StatusBadRequest, enrichment.ErrInvalidAction.Error())
		return
	}
	action, err := enrichment.ParseAction(n)
	if err != nil {
		app.fail(w, r, err)
		return
	}

	res, err := app.Enricher.Add(r.Context(), videoURL, action)
	if err != nil {
		app.fail(w, r, err)
		return
	}
	renderSuccess(w, res)
}

func (app *App) MiningHandler(w http.ResponseWriter, r *http.Request) {
	src, ok := app.analysisSource(w, r)
	if !ok {
		return
	}
	items, err := app.Enricher.Mining(r.Context(), src)
	if err != nil {
		app.fail(w, r, err)
		return
	}
	renderSuccess(w, items)
}

func (app *App) SummaryHandler(w http.ResponseWriter, r *http.Request) {
	src, ok := app.analysisSource(w, r)
	if !ok {
		return
	}
	summary, err := app.Enricher.Summary(r.Context(), src)
	if err != nil {
		app.fail(w, r, err)
		return
	}
	renderSuccess(w, map[string]string{"summary": summary})
}

// analysisSource resolves file_name to something ffmpeg can open: URLs and
// absolute paths pass through, anything else is a storage name.
func (app *App) analysisSource(w http.ResponseWriter, r *http.Request) (string, bool) {
	if err := parseParams(r, app.MaxUploadSize); err != nil {
		renderError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	name := strings.TrimSpace(r.FormValue("file_name"))
	if name == "" {
		renderError(w, http.StatusBadRequest, "file_name is required")
		return "", false
	}
	if isURL(name) || filepath.IsAbs(name) {
		return name, true
	}
	path, err := app.Storage.LocalPath(name)
	if err != nil {
		renderError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return path, true
}

func (app *App) VideoSearchHandler(w http.ResponseWriter, r *http.Request) {
	mode := retrieval.ModeSummary
	if m := r.URL.Query().Get("mode"); m != "" {
		parsed, err := retrieval.ParseMode(m)
		if err != nil {
			renderError(w, http.StatusBadRequest, err.Error())
			return
		}
		mode = parsed
	}

	q := retrieval.Query{
		Text:     strings.TrimSpace(r.URL.Query().Get("txt")),
		Mode:     mode,
		Page:     intParam(r.URL.Query().Get("page"), 1),
		PageSize: intParam(r.URL.Query().Get("page_size"), 0),
	}
	renderSuccess(w, app.Searcher.Search(r.Context(), q))
}

func (app *App) FrameSearchHandler(w http.ResponseWriter, r *http.Request) {
	if err := parseParams(r, maxQueryImageSize); err != nil {
		renderError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := retrieval.Query{
		Text:     strings.TrimSpace(r.FormValue("txt")),
		Mode:     retrieval.ModeFrame,
		Page:     intParam(r.FormValue("page"), 1),
		PageSize: intParam(r.FormValue("page_size"), 0),
	}

	img, err := app.queryImage(r)
	if err != nil {
		renderError(w, http.StatusBadRequest, err.Error())
		return
	}
	q.Image = img

	renderSuccess(w, app.Searcher.Search(r.Context(), q))
}

// queryImage returns the uploaded image, or the one behind image_url, or nil.
func (app *App) queryImage(r *http.Request) ([]byte, error) {
	if r.MultipartForm != nil {
		if file, _, err := r.FormFile("image"); err == nil {
			defer file.Close()
			raw, err := io.ReadAll(io.LimitReader(file, maxQueryImageSize))
			if err != nil {
				return nil, fmt.Errorf("failed to read image: %w", err)
			}
			return retrieval.Normalize(raw)
		}
	}
	if ref := strings.TrimSpace(r.FormValue("image_url")); ref != "" {
		return app.Images.Load(r.Context(), ref)
	}
	return nil, nil
}

func (app *App) LookupHandler(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		renderError(w, http.StatusBadRequest, "path is required")
		return
	}
	video, err := app.Videos.GetByPath(r.Context(), path)
	if err != nil {
		app.fail(w, r, err)
		return
	}
	renderSuccess(w, models.NewSearchResult(video, 0, 0))
}

func (app *App) ThumbnailHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	if name == "" {
		http.NotFound(w, r)
		return
	}

	file, err := app.Storage.OpenFile(filepath.Join("thumbnails", name))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer file.Close()

	modTime := time.Time{}
	if f, ok := file.(interface{ Stat() (os.FileInfo, error) }); ok {
		if stat, err := f.Stat(); err == nil {
			modTime = stat.ModTime()
		}
	}

	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeContent(w, r, name, modTime, file)
}

// parseParams fills r.Form from a query string, a form body or a flat JSON
// object.
func parseParams(r *http.Request, maxMemory int64) error {
	ct := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(ct, "application/json"):
		if err := r.ParseForm(); err != nil {
			return err
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
			return fmt.Errorf("invalid JSON body: %w", err)
		}
		for k, v := range body {
			if v != nil {
				r.Form.Set(k, fmt.Sprint(v))
			}
		}
		return nil
	case strings.HasPrefix(ct, "multipart/form-data"):
		return r.ParseMultipartForm(maxMemory)
	default:
		return r.ParseForm()
	}
}

func intParam(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return n
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
