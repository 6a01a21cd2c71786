package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/lehigh-university-libraries/maskdraft/internal/archive"
	"github.com/lehigh-university-libraries/maskdraft/internal/drafts"
	"github.com/lehigh-university-libraries/maskdraft/internal/errs"
	"github.com/lehigh-university-libraries/maskdraft/internal/storage"
	"github.com/lehigh-university-libraries/maskdraft/internal/volume"
)

type Handler struct {
	store   *storage.DraftStore
	service *drafts.Service
	scans   *archive.Store
	opts    Options
}

type Options struct {
	// DefaultAlpha is the overlay opacity used when a request gives none.
	DefaultAlpha float64
	// MaxUploadBytes caps request bodies that carry files.
	MaxUploadBytes int64
}

func New(service *drafts.Service, scans *archive.Store, opts Options) *Handler {
	return &Handler{
		store:   service.Store(),
		service: service,
		scans:   scans,
		opts:    opts,
	}
}

// Response helpers
func (h *Handler) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Unable to encode JSON response", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *Handler) writePNG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(data); err != nil {
		slog.Error("Unable to write png response", "err", err)
	}
}

type errorResponse struct {
	Error string    `json:"error"`
	Code  errs.Code `json:"code"`
}

// statusFor maps a failure code to the HTTP status reported to clients.
func statusFor(err error) int {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return http.StatusRequestEntityTooLarge
	}
	switch errs.CodeOf(err) {
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeIndexRange, errs.CodeEmptyDraft, errs.CodeInvalidInput:
		return http.StatusBadRequest
	case errs.CodeSegmentation:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	attrs := []any{"method", r.Method, "path", r.URL.Path, "status", status, "err", err}
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", attrs...)
	} else {
		slog.Warn("Request rejected", attrs...)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorResponse{Error: err.Error(), Code: errs.CodeOf(err)}); err != nil {
		slog.Error("Unable to encode error response", "err", err)
	}
}

// sliceParams reads the plane and index query parameters, both required.
func sliceParams(r *http.Request) (volume.Plane, int, error) {
	q := r.URL.Query()
	plane, err := volume.ParsePlane(q.Get("plane"))
	if err != nil {
		return 0, 0, err
	}
	raw := q.Get("index")
	if raw == "" {
		return 0, 0, &errs.InvalidInputError{Field: "index", Reason: "required"}
	}
	index, err := strconv.Atoi(raw)
	if err != nil {
		return 0, 0, &errs.InvalidInputError{Field: "index", Reason: "must be an integer"}
	}
	return plane, index, nil
}

// alphaParam returns the alpha query parameter, or the default when absent.
func (h *Handler) alphaParam(r *http.Request) (float64, error) {
	raw := r.URL.Query().Get("alpha")
	if raw == "" {
		return h.opts.DefaultAlpha, nil
	}
	alpha, err := strconv.ParseFloat(raw, 64)
	if err != nil || !(alpha >= 0 && alpha <= 1) {
		return 0, &errs.InvalidInputError{Field: "alpha", Reason: "must be a number within [0,1]"}
	}
	return alpha, nil
}
