package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/lehigh-university-libraries/maskdraft/internal/errs"
	"github.com/lehigh-university-libraries/maskdraft/internal/fsutil"
	"github.com/lehigh-university-libraries/maskdraft/internal/models"
	"github.com/lehigh-university-libraries/maskdraft/internal/volume"
)

const (
	metaFile         = "meta.json"
	draftCounterFile = ".draft_id_counter"
	draftIDWidth     = 8
)

// DraftStore owns the on-disk state of drafts: one directory per draft under
// root holding the uploaded scans, their masks and a meta.json record.
type DraftStore struct {
	root  string
	ids   *Counter
	locks *KeyedMutex
}

// Upload is one file of an upload batch.
type Upload struct {
	Filename string
	Body     io.Reader
}

func New(root string) *DraftStore {
	return &DraftStore{
		root:  root,
		ids:   NewCounter(filepath.Join(root, draftCounterFile)),
		locks: NewKeyedMutex(),
	}
}

func (s *DraftStore) Root() string {
	return s.root
}

// Dir is the working directory of a draft.
func (s *DraftStore) Dir(draftID string) string {
	return filepath.Join(s.root, draftID)
}

func (s *DraftStore) metaPath(draftID string) string {
	return filepath.Join(s.Dir(draftID), metaFile)
}

// Lock serializes read-modify-write cycles on one draft within the process.
// The returned function releases the lock.
func (s *DraftStore) Lock(draftID string) func() {
	return s.locks.Lock("draft:" + draftID)
}

// LockItem serializes mask creation and mask writes for one item.
func (s *DraftStore) LockItem(draftID, itemID string) func() {
	return s.locks.Lock("item:" + draftID + "/" + itemID)
}

// Load reads the persisted state of a draft.
func (s *DraftStore) Load(draftID string) (*models.Draft, error) {
	if !validID(draftID) {
		return nil, &errs.NotFoundError{Kind: errs.KindDraft, DraftID: draftID}
	}
	data, err := os.ReadFile(s.metaPath(draftID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &errs.NotFoundError{Kind: errs.KindDraft, DraftID: draftID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read draft %s: %w", draftID, err)
	}

	var d models.Draft
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse draft %s: %w", draftID, err)
	}
	if d.ID == "" {
		d.ID = draftID
	}
	return &d, nil
}

// Save rewrites the whole state of a draft. Readers see either the previous
// or the new file, never a partial one.
func (s *DraftStore) Save(d *models.Draft) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return &errs.PersistenceError{Op: "encode draft", Path: s.metaPath(d.ID), Err: err}
	}
	if err := fsutil.WriteFileAtomic(s.metaPath(d.ID), data, 0644); err != nil {
		return &errs.PersistenceError{Op: "write draft", Path: s.metaPath(d.ID), Err: err}
	}
	return nil
}

// List returns every draft with a readable meta.json, oldest first.
func (s *DraftStore) List() ([]*models.Draft, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return []*models.Draft{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list drafts: %w", err)
	}

	drafts := make([]*models.Draft, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		d, err := s.Load(e.Name())
		if err != nil {
			if !errors.Is(err, errs.ErrNotFound) {
				slog.Warn("Skipping unreadable draft", "draft_id", e.Name(), "err", err)
			}
			continue
		}
		drafts = append(drafts, d)
	}
	sort.Slice(drafts, func(i, j int) bool {
		return drafts[i].ID < drafts[j].ID
	})
	return drafts, nil
}

// Delete removes a draft's working directory and everything in it.
func (s *DraftStore) Delete(draftID string) error {
	if _, err := s.Load(draftID); err != nil {
		return err
	}
	if err := os.RemoveAll(s.Dir(draftID)); err != nil {
		return &errs.PersistenceError{Op: "delete draft", Path: s.Dir(draftID), Err: err}
	}
	slog.Info("Draft deleted", "draft_id", draftID)
	return nil
}

// Create stores an upload batch as a new draft. Every file must parse as a
// volume; otherwise nothing is kept.
func (s *DraftStore) Create(title, scanType string, uploads []Upload) (*models.Draft, error) {
	if len(uploads) == 0 {
		return nil, &errs.InvalidInputError{Field: "files", Reason: "at least one file is required"}
	}

	n, err := s.ids.Next()
	if err != nil {
		return nil, err
	}
	d := &models.Draft{
		ID:        formatDraftID(n),
		Title:     title,
		ScanType:  scanType,
		CreatedAt: time.Now().UTC(),
		Items:     make([]*models.Item, 0, len(uploads)),
	}

	// Fails when a reused id names an existing draft.
	dir := s.Dir(d.ID)
	if err := os.Mkdir(dir, 0755); err != nil {
		return nil, &errs.PersistenceError{Op: "create draft dir", Path: dir, Err: err}
	}

	for i, u := range uploads {
		item, err := s.storeUpload(dir, i, u)
		if err != nil {
			if rmErr := os.RemoveAll(dir); rmErr != nil {
				slog.Warn("Unable to clean up rejected draft", "draft_id", d.ID, "err", rmErr)
			}
			return nil, err
		}
		d.Items = append(d.Items, item)
	}

	if err := s.Save(d); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	slog.Info("Draft created", "draft_id", d.ID, "items", len(d.Items), "scan_type", scanType)
	return d, nil
}

func (s *DraftStore) storeUpload(dir string, i int, u Upload) (*models.Item, error) {
	name := filepath.Base(filepath.Clean("/" + u.Filename))
	if name == "/" || name == "." {
		return nil, &errs.InvalidInputError{Field: "files", Reason: fmt.Sprintf("file %d has no name", i+1)}
	}

	dest := UniqueDest(dir, name)
	f, err := os.Create(dest)
	if err != nil {
		return nil, &errs.PersistenceError{Op: "create upload", Path: dest, Err: err}
	}
	written, err := io.Copy(f, u.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, &errs.PersistenceError{Op: "write upload", Path: dest, Err: err}
	}

	v, err := volume.Open(dest)
	if err == nil {
		err = v.Verify()
	}
	if err != nil {
		slog.Warn("Rejected upload", "file", name, "err", err)
		return nil, &errs.InvalidInputError{Field: "files", Reason: fmt.Sprintf("%s is not a readable NIfTI volume", name)}
	}

	abs, err := filepath.Abs(dest)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", dest, err)
	}
	slog.Info("Upload stored", "file", name, "stored", filepath.Base(dest), "size", humanize.Bytes(uint64(written)))

	return &models.Item{
		ID:               fmt.Sprintf("I%03d", i+1),
		OriginalFilename: name,
		StoredFilename:   filepath.Base(dest),
		Path:             abs,
	}, nil
}

// ResolveItem picks the item named by itemID, or the first item when itemID
// is empty.
func ResolveItem(d *models.Draft, itemID string) (*models.Item, error) {
	if len(d.Items) == 0 {
		return nil, &errs.EmptyDraftError{DraftID: d.ID}
	}
	if itemID == "" {
		return d.Items[0], nil
	}
	for _, it := range d.Items {
		if it.ID == itemID {
			return it, nil
		}
	}
	return nil, &errs.ItemNotFoundError{DraftID: d.ID, ItemID: itemID}
}

// CleanStem strips the directory and the volume extension from a file name,
// treating ".nii.gz" as one extension.
func CleanStem(name string) string {
	base := filepath.Base(name)
	if strings.HasSuffix(strings.ToLower(base), ".nii.gz") {
		return base[:len(base)-len(".nii.gz")]
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// UniqueDest returns a path in dir for name that does not exist yet,
// appending _1, _2, ... to the stem as needed.
func UniqueDest(dir, name string) string {
	stem := CleanStem(name)
	suffix := name[len(stem):]
	candidate := filepath.Join(dir, name)
	for i := 1; fileExists(candidate); i++ {
		candidate = filepath.Join(dir, stem+"_"+strconv.Itoa(i)+suffix)
	}
	return candidate
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func formatDraftID(n int64) string {
	id := strings.ToUpper(strconv.FormatInt(n, 36))
	if len(id) < draftIDWidth {
		id = strings.Repeat("0", draftIDWidth-len(id)) + id
	}
	return id
}

// validID rejects ids that could escape the workspace.
func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && id != "." && id != ".." && !strings.HasPrefix(id, ".")
}
