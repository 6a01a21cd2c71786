// Package drafts implements the read, edit and segmentation operations on the
// items of a draft: slice rendering, the lazily created mask volume and
// single-slice mask writes.
package drafts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/lehigh-university-libraries/maskdraft/internal/errs"
	"github.com/lehigh-university-libraries/maskdraft/internal/fsutil"
	"github.com/lehigh-university-libraries/maskdraft/internal/models"
	"github.com/lehigh-university-libraries/maskdraft/internal/segment"
	"github.com/lehigh-university-libraries/maskdraft/internal/slicecodec"
	"github.com/lehigh-university-libraries/maskdraft/internal/storage"
	"github.com/lehigh-university-libraries/maskdraft/internal/volume"
)

const maskSuffix = "_mask.nii.gz"

// Service performs item level operations against a DraftStore.
type Service struct {
	store     *storage.DraftStore
	segmenter segment.Segmenter
	color     slicecodec.Color
}

func NewService(store *storage.DraftStore, segmenter segment.Segmenter, color slicecodec.Color) *Service {
	return &Service{store: store, segmenter: segmenter, color: color}
}

func (s *Service) Store() *storage.DraftStore {
	return s.store
}

func (s *Service) resolve(draftID, itemID string) (*models.Draft, *models.Item, error) {
	d, err := s.store.Load(draftID)
	if err != nil {
		return nil, nil, err
	}
	it, err := storage.ResolveItem(d, itemID)
	if err != nil {
		return nil, nil, err
	}
	return d, it, nil
}

// withContext fills in the draft and item ids on failures raised below the
// draft layer.
func withContext(err error, draftID, itemID string) error {
	var ir *errs.IndexRangeError
	if errors.As(err, &ir) {
		ir.DraftID, ir.ItemID = draftID, itemID
	}
	var nf *errs.NotFoundError
	if errors.As(err, &nf) && nf.DraftID == "" {
		nf.DraftID, nf.ItemID = draftID, itemID
	}
	return err
}

// MaskPathFor is the canonical location of an item's mask: next to the scan,
// named after its stem.
func MaskPathFor(it *models.Item) string {
	return filepath.Join(filepath.Dir(it.Path), storage.CleanStem(it.Path)+maskSuffix)
}

// Shape returns the (x, y, z) extent of an item's scan.
func (s *Service) Shape(draftID, itemID string) (volume.Shape, error) {
	d, it, err := s.resolve(draftID, itemID)
	if err != nil {
		return volume.Shape{}, err
	}
	v, err := volume.Open(it.Path)
	if err != nil {
		return volume.Shape{}, withContext(err, d.ID, it.ID)
	}
	return v.Shape(), nil
}

// ScanSlice renders one cross-section of an item's scan as a grayscale PNG
// in display orientation.
func (s *Service) ScanSlice(draftID, itemID string, p volume.Plane, index int) ([]byte, error) {
	d, it, err := s.resolve(draftID, itemID)
	if err != nil {
		return nil, err
	}
	v, err := volume.Open(it.Path)
	if err != nil {
		return nil, withContext(err, d.ID, it.ID)
	}
	plane, err := v.ReadPlane(p, index)
	if err != nil {
		return nil, withContext(err, d.ID, it.ID)
	}
	return slicecodec.EncodeGrayscale(volume.Forward(plane))
}

// EnsureMask returns the path of the item's mask, creating an all-zero mask
// with the scan's geometry on first use. Repeated calls return the same path
// and never rewrite an existing mask.
func (s *Service) EnsureMask(draftID, itemID string) (string, error) {
	d, it, err := s.resolve(draftID, itemID)
	if err != nil {
		return "", err
	}
	if it.MaskPath != "" && fsutil.Exists(it.MaskPath) {
		return it.MaskPath, nil
	}

	unlock := s.store.LockItem(d.ID, it.ID)
	defer unlock()
	return s.ensureMaskLocked(d.ID, it.ID)
}

// ensureMaskLocked expects the item lock to be held.
func (s *Service) ensureMaskLocked(draftID, itemID string) (string, error) {
	d, it, err := s.resolve(draftID, itemID)
	if err != nil {
		return "", err
	}
	if it.MaskPath != "" && fsutil.Exists(it.MaskPath) {
		return it.MaskPath, nil
	}

	maskPath := MaskPathFor(it)
	if fsutil.Exists(maskPath) {
		slog.Info("Adopting existing mask", "draft_id", d.ID, "item_id", it.ID, "path", maskPath)
	} else {
		scan, err := volume.Open(it.Path)
		if err != nil {
			return "", withContext(err, d.ID, it.ID)
		}
		n, err := volume.NewEmptyLabels(scan).Save(maskPath)
		if err != nil {
			return "", err
		}
		slog.Info("Mask created", "draft_id", d.ID, "item_id", it.ID, "path", maskPath, "size", humanize.Bytes(uint64(n)))
	}

	if err := s.updateItem(d.ID, it.ID, func(it *models.Item) {
		it.MaskPath = maskPath
	}); err != nil {
		return "", err
	}
	return maskPath, nil
}

// updateItem applies fn to a freshly loaded copy of the item and persists
// the draft, holding the draft lock for the whole cycle.
func (s *Service) updateItem(draftID, itemID string, fn func(*models.Item)) error {
	unlock := s.store.Lock(draftID)
	defer unlock()

	d, err := s.store.Load(draftID)
	if err != nil {
		return err
	}
	it, err := storage.ResolveItem(d, itemID)
	if err != nil {
		return err
	}
	fn(it)
	return s.store.Save(d)
}

// MaskSlice renders one cross-section of an item's mask as a colored overlay
// PNG in display orientation. The mask is created if it does not exist yet.
func (s *Service) MaskSlice(draftID, itemID string, p volume.Plane, index int, alpha float64) ([]byte, error) {
	maskPath, err := s.EnsureMask(draftID, itemID)
	if err != nil {
		return nil, err
	}
	d, it, err := s.resolve(draftID, itemID)
	if err != nil {
		return nil, err
	}

	v, err := volume.Open(maskPath)
	if err != nil {
		return nil, withContext(err, d.ID, it.ID)
	}
	plane, err := v.ReadPlane(p, index)
	if err != nil {
		return nil, withContext(err, d.ID, it.ID)
	}
	on := volume.Map(plane, func(v float64) bool { return v > 0 })
	return slicecodec.EncodeOverlay(volume.Forward(on), s.color, alpha)
}

// WriteMaskSlice replaces one cross-section of an item's mask with the
// decoded image, which is expected in display orientation. Every other voxel
// of the mask is left unchanged. It returns the mask path.
func (s *Service) WriteMaskSlice(draftID, itemID string, p volume.Plane, index int, img io.Reader) (string, error) {
	maskPath, err := s.EnsureMask(draftID, itemID)
	if err != nil {
		return "", err
	}
	d, it, err := s.resolve(draftID, itemID)
	if err != nil {
		return "", err
	}

	drawn, err := slicecodec.DecodeToBool(img)
	if err != nil {
		return "", err
	}
	raw := volume.Inverse(drawn)

	unlock := s.store.LockItem(d.ID, it.ID)
	defer unlock()

	labels, err := volume.LoadLabels(maskPath)
	if err != nil {
		return "", withContext(err, d.ID, it.ID)
	}
	if err := labels.Shape().CheckIndex(p, index); err != nil {
		return "", withContext(err, d.ID, it.ID)
	}
	if err := labels.SetPlane(p, index, raw); err != nil {
		return "", withContext(err, d.ID, it.ID)
	}
	if _, err := labels.Save(maskPath); err != nil {
		return "", err
	}

	slog.Info("Mask slice written", "draft_id", d.ID, "item_id", it.ID, "plane", p, "index", index)
	return maskPath, nil
}

// Segment runs the segmentation collaborator on an item's scan and installs
// its output as the item's mask, replacing any edits made so far.
func (s *Service) Segment(ctx context.Context, draftID, itemID string) (*models.Item, error) {
	d, it, err := s.resolve(draftID, itemID)
	if err != nil {
		return nil, err
	}
	modality, err := segment.ParseModality(d.ScanType)
	if err != nil {
		return nil, err
	}

	res, err := s.segmenter.Segment(ctx, it.Path, modality)
	if err != nil {
		return nil, &errs.SegmentationError{DraftID: d.ID, ItemID: it.ID, Err: err}
	}
	if res.Cleanup != nil {
		defer res.Cleanup()
	}

	labels, err := volume.LoadLabels(res.MaskPath)
	if err != nil {
		return nil, &errs.SegmentationError{DraftID: d.ID, ItemID: it.ID, Err: fmt.Errorf("unreadable output: %w", err)}
	}
	scan, err := volume.Open(it.Path)
	if err != nil {
		return nil, withContext(err, d.ID, it.ID)
	}
	if scan.Shape() != labels.Shape() {
		return nil, &errs.SegmentationError{
			DraftID: d.ID,
			ItemID:  it.ID,
			Err:     fmt.Errorf("output shape %v does not match scan shape %v", labels.Shape(), scan.Shape()),
		}
	}

	unlock := s.store.LockItem(d.ID, it.ID)
	defer unlock()

	maskPath := MaskPathFor(it)
	if _, err := labels.Save(maskPath); err != nil {
		return nil, err
	}

	var updated models.Item
	if err := s.updateItem(d.ID, it.ID, func(it *models.Item) {
		it.Segmented = true
		it.MaskPath = maskPath
		updated = *it
	}); err != nil {
		return nil, err
	}

	slog.Info("Segmentation stored", "draft_id", d.ID, "item_id", it.ID, "modality", modality, "path", maskPath)
	return &updated, nil
}
