package archive

import (
	"bytes"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lehigh-university-libraries/maskdraft/internal/errs"
	"github.com/lehigh-university-libraries/maskdraft/internal/models"
	"github.com/lehigh-university-libraries/maskdraft/internal/storage"
	"github.com/lehigh-university-libraries/maskdraft/internal/volume"
)

// setup creates a draft with n items and returns the stores.
func setup(t *testing.T, n int) (*Store, *storage.DraftStore, *models.Draft) {
	t.Helper()
	src := filepath.Join(t.TempDir(), "src.nii.gz")
	_, err := volume.NewLabels(volume.Shape{3, 3, 3}, [3]float32{1, 1, 1}).Save(src)
	require.NoError(t, err)
	data, err := os.ReadFile(src)
	require.NoError(t, err)

	uploads := make([]storage.Upload, n)
	for i := range uploads {
		uploads[i] = storage.Upload{Filename: "ct.nii.gz", Body: bytes.NewReader(data)}
	}

	drafts := storage.New(t.TempDir())
	d, err := drafts.Create("abdomen", "CT", uploads)
	require.NoError(t, err)
	return New(filepath.Join(t.TempDir(), "scans"), drafts), drafts, d
}

// addMask gives an item a mask file and records it in the draft.
func addMask(t *testing.T, drafts *storage.DraftStore, draftID, itemID string) string {
	t.Helper()
	d, err := drafts.Load(draftID)
	require.NoError(t, err)
	it, err := storage.ResolveItem(d, itemID)
	require.NoError(t, err)

	maskPath := filepath.Join(drafts.Dir(draftID), storage.CleanStem(it.Path)+"_mask.nii.gz")
	_, err = volume.NewLabels(volume.Shape{3, 3, 3}, [3]float32{1, 1, 1}).Save(maskPath)
	require.NoError(t, err)
	it.MaskPath = maskPath
	it.Segmented = true
	require.NoError(t, drafts.Save(d))
	return maskPath
}

func TestCommitOneOfTwoLeavesOne(t *testing.T) {
	store, drafts, d := setup(t, 2)
	maskPath := addMask(t, drafts, d.ID, "I001")

	old := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(d.Items[0].Path, old, old))

	rec, err := store.Commit(d.ID, "I001")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.ScanID)
	assert.Equal(t, d.ID, rec.DraftID)
	assert.Equal(t, "abdomen", rec.Title)
	assert.Equal(t, "CT", rec.ScanType)
	assert.True(t, rec.Segmented)
	assert.Equal(t, "ct.nii.gz", rec.Filename)

	info, err := os.Stat(rec.Path)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(old), "expected modification time to be preserved, got %v", info.ModTime())
	assert.FileExists(t, rec.MaskPath)
	assert.FileExists(t, filepath.Join(store.Root(), "1", metaFile))

	assert.NoFileExists(t, d.Items[0].Path)
	assert.NoFileExists(t, maskPath)

	left, err := drafts.Load(d.ID)
	require.NoError(t, err)
	require.Len(t, left.Items, 1)
	assert.Equal(t, "I002", left.Items[0].ID)
}

func TestCommitLastItemRemovesDraft(t *testing.T) {
	store, drafts, d := setup(t, 1)

	rec, err := store.Commit(d.ID, "")
	require.NoError(t, err)
	assert.Empty(t, rec.MaskPath)
	assert.False(t, rec.Segmented)

	_, err = os.Stat(drafts.Dir(d.ID))
	assert.True(t, os.IsNotExist(err), "expected draft dir removed, got %v", err)

	_, err = drafts.Load(d.ID)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestCommitRecordOnDisk(t *testing.T) {
	store, drafts, d := setup(t, 1)
	addMask(t, drafts, d.ID, "I001")

	rec, err := store.Commit(d.ID, "I001")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(store.Root(), "1", metaFile))
	require.NoError(t, err)
	var onDisk map[string]any
	require.NoError(t, json.Unmarshal(data, &onDisk))
	for _, key := range []string{"scan_id", "draft_id", "title", "filename", "path", "scan_type", "segmented", "mask_path", "created_at"} {
		assert.Contains(t, onDisk, key)
	}
	assert.Equal(t, rec.MaskPath, onDisk["mask_path"])
}

func TestCommitErrors(t *testing.T) {
	store, _, d := setup(t, 1)

	_, err := store.Commit("MISSING1", "")
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	_, err = store.Commit(d.ID, "I777")
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	require.NoError(t, os.Remove(d.Items[0].Path))
	_, err = store.Commit(d.ID, "I001")
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	records, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestCommitNeverOverwritesSlot(t *testing.T) {
	store, _, d := setup(t, 2)

	first, err := store.Commit(d.ID, "I001")
	require.NoError(t, err)
	before, err := os.ReadFile(filepath.Join(store.Root(), "1", metaFile))
	require.NoError(t, err)

	// A second counter starting over hands out 1 again.
	require.NoError(t, os.Remove(filepath.Join(store.Root(), scanCounterFile)))
	_, err = store.Commit(d.ID, "I002")
	assert.True(t, errors.Is(err, errs.ErrPersistence), "got %v", err)
	assert.True(t, errors.Is(err, fs.ErrExist), "got %v", err)

	after, err := os.ReadFile(filepath.Join(store.Root(), "1", metaFile))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.FileExists(t, first.Path)
	assert.FileExists(t, d.Items[1].Path)
}

func TestCommitAllOnlyMaskedItems(t *testing.T) {
	store, drafts, d := setup(t, 3)
	addMask(t, drafts, d.ID, "I001")
	addMask(t, drafts, d.ID, "I003")

	records, err := store.CommitAll(d.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "I001", records[0].ItemID)
	assert.Equal(t, "I003", records[1].ItemID)

	left, err := drafts.Load(d.ID)
	require.NoError(t, err)
	require.Len(t, left.Items, 1)
	assert.Equal(t, "I002", left.Items[0].ID)

	listed, err := store.List()
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, int64(1), listed[0].ScanID)
	assert.Equal(t, int64(2), listed[1].ScanID)
}
