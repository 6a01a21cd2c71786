// Package archive promotes draft items into the permanent scan store.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/lehigh-university-libraries/maskdraft/internal/errs"
	"github.com/lehigh-university-libraries/maskdraft/internal/fsutil"
	"github.com/lehigh-university-libraries/maskdraft/internal/models"
	"github.com/lehigh-university-libraries/maskdraft/internal/storage"
)

const (
	metaFile        = "meta.json"
	scanCounterFile = ".scan_id_counter"
)

// Store is the permanent scan store: one numbered directory per committed
// item holding a copy of the scan, its mask and a meta.json record.
type Store struct {
	root   string
	ids    *storage.Counter
	drafts *storage.DraftStore
}

func New(root string, drafts *storage.DraftStore) *Store {
	return &Store{
		root:   root,
		ids:    storage.NewCounter(filepath.Join(root, scanCounterFile)),
		drafts: drafts,
	}
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) slot(id int64) string {
	return filepath.Join(s.root, strconv.FormatInt(id, 10))
}

// Commit copies one item into a new permanent slot, then removes it from its
// draft. The draft directory is deleted once its last item is committed.
//
// A failure after the copy succeeded (cleanup of originals, rewriting the
// draft) does not undo the commit: cleanup failures are logged and a failed
// draft rewrite is returned together with the record.
func (s *Store) Commit(draftID, itemID string) (*models.ScanRecord, error) {
	d, err := s.drafts.Load(draftID)
	if err != nil {
		return nil, err
	}
	it, err := storage.ResolveItem(d, itemID)
	if err != nil {
		return nil, err
	}

	unlockItem := s.drafts.LockItem(d.ID, it.ID)
	defer unlockItem()
	unlock := s.drafts.Lock(d.ID)
	defer unlock()

	// Reload under the lock so the rewrite below starts from current state.
	if d, err = s.drafts.Load(draftID); err != nil {
		return nil, err
	}
	if it, err = storage.ResolveItem(d, it.ID); err != nil {
		return nil, err
	}

	rec, err := s.copyItem(d, it)
	if err != nil {
		return nil, err
	}
	slog.Info("Item committed", "draft_id", d.ID, "item_id", it.ID, "scan_id", rec.ScanID)

	removeQuietly(it.Path, d.ID, it.ID)
	if it.MaskPath != "" {
		removeQuietly(it.MaskPath, d.ID, it.ID)
	}

	d.RemoveItem(it.ID)
	if len(d.Items) == 0 {
		if err := os.RemoveAll(s.drafts.Dir(d.ID)); err != nil {
			slog.Warn("Unable to remove empty draft", "draft_id", d.ID, "err", err)
		} else {
			slog.Info("Draft emptied and removed", "draft_id", d.ID)
		}
		return rec, nil
	}
	if err := s.drafts.Save(d); err != nil {
		return rec, err
	}
	return rec, nil
}

func (s *Store) copyItem(d *models.Draft, it *models.Item) (*models.ScanRecord, error) {
	if !fsutil.Exists(it.Path) {
		return nil, &errs.NotFoundError{Kind: errs.KindScan, DraftID: d.ID, ItemID: it.ID, Path: it.Path}
	}

	id, err := s.ids.Next()
	if err != nil {
		return nil, err
	}
	dir := s.slot(id)
	if err := os.Mkdir(dir, 0755); err != nil {
		// An existing slot belongs to an earlier commit.
		return nil, &errs.PersistenceError{Op: "create scan dir", Path: dir, Err: err}
	}
	fail := func(op, path string, err error) (*models.ScanRecord, error) {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			slog.Warn("Unable to remove partial scan", "scan_id", id, "err", rmErr)
		}
		return nil, &errs.PersistenceError{Op: op, Path: path, Err: err}
	}

	filename := filepath.Base(it.Path)
	scanDest := filepath.Join(dir, filename)
	n, err := fsutil.CopyFile(it.Path, scanDest)
	if err != nil {
		return fail("copy scan", scanDest, err)
	}
	copied := n

	rec := &models.ScanRecord{
		ScanID:    id,
		DraftID:   d.ID,
		ItemID:    it.ID,
		Title:     d.Title,
		Filename:  filename,
		Path:      scanDest,
		ScanType:  d.ScanType,
		Segmented: it.Segmented,
		CreatedAt: time.Now().UTC(),
	}

	if it.MaskPath != "" && fsutil.Exists(it.MaskPath) {
		maskDest := filepath.Join(dir, filepath.Base(it.MaskPath))
		n, err := fsutil.CopyFile(it.MaskPath, maskDest)
		if err != nil {
			return fail("copy mask", maskDest, err)
		}
		copied += n
		rec.MaskPath = maskDest
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fail("encode scan record", dir, err)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(dir, metaFile), data, 0644); err != nil {
		return fail("write scan record", filepath.Join(dir, metaFile), err)
	}

	slog.Debug("Scan copied", "scan_id", id, "size", humanize.Bytes(uint64(copied)))
	return rec, nil
}

func removeQuietly(path, draftID, itemID string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Unable to remove committed file", "draft_id", draftID, "item_id", itemID, "path", path, "err", err)
	}
}

// CommitAll commits every item of the draft that has a mask file. Items
// without a mask stay in the draft. On failure the records committed so far
// are returned with the error.
func (s *Store) CommitAll(draftID string) ([]*models.ScanRecord, error) {
	d, err := s.drafts.Load(draftID)
	if err != nil {
		return nil, err
	}

	var ready []string
	for _, it := range d.Items {
		if it.MaskPath != "" && fsutil.Exists(it.MaskPath) {
			ready = append(ready, it.ID)
		}
	}

	records := make([]*models.ScanRecord, 0, len(ready))
	for _, itemID := range ready {
		rec, err := s.Commit(d.ID, itemID)
		if rec != nil {
			records = append(records, rec)
		}
		if err != nil {
			return records, fmt.Errorf("commit of item %s failed: %w", itemID, err)
		}
	}
	return records, nil
}

// List returns every permanent record, ordered by scan id.
func (s *Store) List() ([]*models.ScanRecord, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return []*models.ScanRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list scans: %w", err)
	}

	records := make([]*models.ScanRecord, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := strconv.ParseInt(e.Name(), 10, 64); err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, e.Name(), metaFile))
		if err != nil {
			slog.Warn("Skipping scan without record", "scan_dir", e.Name(), "err", err)
			continue
		}
		var rec models.ScanRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			slog.Warn("Skipping unreadable scan record", "scan_dir", e.Name(), "err", err)
			continue
		}
		records = append(records, &rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].ScanID < records[j].ScanID
	})
	return records, nil
}
