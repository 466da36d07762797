package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(app *App) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/ping", PingHandler)
	r.Handle("/metrics", app.Metrics.Handler())
	r.Get("/thumbnails/*", app.ThumbnailHandler)

	r.Route("/api", func(r chi.Router) {
		r.Route("/videos", func(r chi.Router) {
			r.Post("/upload", app.UploadHandler)
			r.Post("/ingest", app.IngestHandler)
			r.Post("/add", app.AddHandler)
			r.Post("/mining", app.MiningHandler)
			r.Post("/summary", app.SummaryHandler)
			r.Get("/search", app.VideoSearchHandler)
			r.Get("/lookup", app.LookupHandler)
		})
		r.Post("/frames/search", app.FrameSearchHandler)
	})

	return r
}
