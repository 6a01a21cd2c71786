package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/lehigh-university-libraries/maskdraft/internal/errs"
	"github.com/lehigh-university-libraries/maskdraft/internal/segment"
	"github.com/lehigh-university-libraries/maskdraft/internal/storage"
)

// multipartMemory is how much of a multipart body is buffered in memory
// before parts spill to temporary files.
const multipartMemory = 32 << 20

func (h *Handler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > h.opts.MaxUploadBytes {
		h.writeError(w, r, &http.MaxBytesError{Limit: h.opts.MaxUploadBytes})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		h.writeError(w, r, uploadError(err))
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			slog.Warn("Unable to remove multipart temp files", "err", err)
		}
	}()

	modality, err := segment.ParseModality(r.FormValue("scan_type"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		headers = r.MultipartForm.File["file"]
	}
	uploads, closeAll, err := openUploads(headers)
	defer closeAll()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	d, err := h.store.Create(r.FormValue("title"), string(modality), uploads)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, map[string]any{
		"message":  "Uploaded",
		"draft_id": d.ID,
		"items":    len(d.Items),
	})
}

func openUploads(headers []*multipart.FileHeader) ([]storage.Upload, func(), error) {
	files := make([]multipart.File, 0, len(headers))
	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}

	uploads := make([]storage.Upload, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, closeAll, fmt.Errorf("failed to open upload %s: %w", fh.Filename, err)
		}
		files = append(files, f)
		uploads = append(uploads, storage.Upload{Filename: fh.Filename, Body: f})
	}
	return uploads, closeAll, nil
}

// uploadError keeps size limit failures distinguishable and reports any other
// malformed multipart body as invalid input.
func uploadError(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return err
	}
	return &errs.InvalidInputError{Field: "body", Reason: err.Error()}
}
