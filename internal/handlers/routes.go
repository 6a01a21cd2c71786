package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-Id"

// Routes registers every endpoint on a new mux wrapped in request logging.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/uploads", h.HandleUpload)
	mux.HandleFunc("GET /api/drafts", h.HandleListDrafts)
	mux.HandleFunc("GET /api/drafts/{id}", h.HandleDraftDetail)
	mux.HandleFunc("DELETE /api/drafts/{id}", h.HandleDeleteDraft)
	mux.HandleFunc("POST /api/drafts/{id}/delete", h.HandleDeleteDraft)
	mux.HandleFunc("GET /api/drafts/{id}/item-shape", h.HandleItemShape)
	mux.HandleFunc("GET /api/drafts/{id}/slice.png", h.HandleScanSlice)
	mux.HandleFunc("GET /api/drafts/{id}/mask/slice.png", h.HandleMaskSlice)
	mux.HandleFunc("PUT /api/drafts/{id}/mask/slice", h.HandleWriteMaskSlice)
	mux.HandleFunc("POST /api/drafts/{id}/segment", h.HandleSegment)
	mux.HandleFunc("POST /api/drafts/{id}/save", h.HandleSave)
	mux.HandleFunc("POST /api/drafts/{id}/save_all", h.HandleSaveAll)
	mux.HandleFunc("GET /api/scans", h.HandleListScans)
	mux.HandleFunc("GET /healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			slog.Error("Unable to write healthcheck", "err", err)
		}
	})
	return logRequests(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// logRequests tags every request with an id, echoed in the response
// headers, and logs its outcome.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		if r.URL.Path == "/healthcheck" {
			level = slog.LevelDebug
		}
		slog.Log(r.Context(), level, "Request handled",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).Round(time.Microsecond),
		)
	})
}
