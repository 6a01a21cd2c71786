package handlers

import (
	"log/slog"
	"net/http"

	"github.com/lehigh-university-libraries/maskdraft/internal/models"
)

// committedScan tells the client where a committed item now lives.
type committedScan struct {
	ScanID   int64  `json:"scan_id"`
	Path     string `json:"path"`
	MaskPath string `json:"mask_path,omitempty"`
}

func newCommittedScan(rec *models.ScanRecord) committedScan {
	return committedScan{ScanID: rec.ScanID, Path: rec.Path, MaskPath: rec.MaskPath}
}

func (h *Handler) HandleSave(w http.ResponseWriter, r *http.Request) {
	rec, err := h.scans.Commit(r.PathValue("id"), r.URL.Query().Get("item"))
	if err != nil && rec == nil {
		h.writeError(w, r, err)
		return
	}
	if err != nil {
		// The scan is in the permanent store; only the draft rewrite failed.
		slog.Error("Draft not updated after commit", "draft_id", rec.DraftID, "scan_id", rec.ScanID, "err", err)
	}
	h.writeJSON(w, struct {
		Message string `json:"message"`
		committedScan
	}{"saved", newCommittedScan(rec)})
}

func (h *Handler) HandleSaveAll(w http.ResponseWriter, r *http.Request) {
	records, err := h.scans.CommitAll(r.PathValue("id"))
	if err != nil && len(records) == 0 {
		h.writeError(w, r, err)
		return
	}
	if err != nil {
		slog.Error("Commit of draft stopped early", "draft_id", r.PathValue("id"), "committed", len(records), "err", err)
	}

	ids := make([]int64, 0, len(records))
	scans := make([]committedScan, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ScanID)
		scans = append(scans, newCommittedScan(rec))
	}
	resp := map[string]any{"message": "saved", "count": len(ids), "scan_ids": ids, "scans": scans}
	if err != nil {
		resp["error"] = err.Error()
	}
	h.writeJSON(w, resp)
}

func (h *Handler) HandleListScans(w http.ResponseWriter, r *http.Request) {
	records, err := h.scans.List()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, records)
}
