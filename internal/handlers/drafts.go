package handlers

import (
	"log/slog"
	"net/http"

	"github.com/lehigh-university-libraries/maskdraft/internal/errs"
)

func (h *Handler) HandleListDrafts(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.List()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, list)
}

func (h *Handler) HandleDraftDetail(w http.ResponseWriter, r *http.Request) {
	d, err := h.store.Load(r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, d)
}

func (h *Handler) HandleDeleteDraft(w http.ResponseWriter, r *http.Request) {
	draftID := r.PathValue("id")
	unlock := h.store.Lock(draftID)
	defer unlock()

	if err := h.store.Delete(draftID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, map[string]string{"message": "deleted"})
}

func (h *Handler) HandleItemShape(w http.ResponseWriter, r *http.Request) {
	shape, err := h.service.Shape(r.PathValue("id"), r.URL.Query().Get("item"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, map[string]any{"shape": shape})
}

func (h *Handler) HandleScanSlice(w http.ResponseWriter, r *http.Request) {
	plane, index, err := sliceParams(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	data, err := h.service.ScanSlice(r.PathValue("id"), r.URL.Query().Get("item"), plane, index)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writePNG(w, data)
}

func (h *Handler) HandleMaskSlice(w http.ResponseWriter, r *http.Request) {
	plane, index, err := sliceParams(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	alpha, err := h.alphaParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	data, err := h.service.MaskSlice(r.PathValue("id"), r.URL.Query().Get("item"), plane, index, alpha)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writePNG(w, data)
}

func (h *Handler) HandleWriteMaskSlice(w http.ResponseWriter, r *http.Request) {
	plane, index, err := sliceParams(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	file, _, err := r.FormFile("png")
	if err != nil {
		if statusFor(err) == http.StatusRequestEntityTooLarge {
			h.writeError(w, r, err)
			return
		}
		h.writeError(w, r, &errs.InvalidInputError{Field: "png", Reason: err.Error()})
		return
	}
	defer file.Close()
	defer func() {
		if r.MultipartForm != nil {
			if err := r.MultipartForm.RemoveAll(); err != nil {
				slog.Warn("Unable to remove multipart temp files", "err", err)
			}
		}
	}()

	maskPath, err := h.service.WriteMaskSlice(r.PathValue("id"), r.URL.Query().Get("item"), plane, index, file)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, map[string]string{"message": "slice saved", "mask_path": maskPath})
}

func (h *Handler) HandleSegment(w http.ResponseWriter, r *http.Request) {
	it, err := h.service.Segment(r.Context(), r.PathValue("id"), r.URL.Query().Get("item"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, map[string]any{
		"message":   "ok",
		"item_id":   it.ID,
		"segmented": it.Segmented,
		"mask_path": it.MaskPath,
	})
}
