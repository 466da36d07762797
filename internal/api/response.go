package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kdimtricp/framesearch/internal/enrichment"
	"github.com/kdimtricp/framesearch/internal/ingest"
	"github.com/kdimtricp/framesearch/internal/models"
)

// Envelope wraps every JSON response. Code is 0 on success and the HTTP
// status otherwise.
type Envelope struct {
	Msg  string `json:"msg"`
	Code int    `json:"code"`
	Data any    `json:"data"`
}

func writeJSON(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func renderSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Envelope{Msg: "success", Code: 0, Data: data})
}

func renderError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Envelope{Msg: message, Code: status})
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case models.IsNotFound(err):
		return http.StatusNotFound
	case models.IsDecodeError(err), errors.Is(err, ingest.ErrNoFrames):
		return http.StatusUnprocessableEntity
	case errors.Is(err, enrichment.ErrInvalidAction):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (app *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusNotFound:
		msg = "Video not found"
	case http.StatusInternalServerError:
		app.logger().Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	renderError(w, status, msg)
}
