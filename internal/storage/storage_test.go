package storage

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/lehigh-university-libraries/maskdraft/internal/errs"
	"github.com/lehigh-university-libraries/maskdraft/internal/models"
	"github.com/lehigh-university-libraries/maskdraft/internal/volume"
)

func volumeBytes(t *testing.T, shape volume.Shape) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "v.nii.gz")
	if _, err := volume.NewLabels(shape, [3]float32{1, 1, 1}).Save(path); err != nil {
		t.Fatalf("Failed to write volume: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestCounterIsMonotonicUnderConcurrency(t *testing.T) {
	c := NewCounter(filepath.Join(t.TempDir(), "ids", "counter.txt"))

	const workers, per = 8, 25
	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := int64(0)
			for i := 0; i < per; i++ {
				n, err := c.Next()
				if err != nil {
					t.Errorf("Next failed: %v", err)
					return
				}
				if n <= last {
					t.Errorf("Expected increasing ids, got %d after %d", n, last)
				}
				last = n
				mu.Lock()
				if seen[n] {
					t.Errorf("Duplicate id %d", n)
				}
				seen[n] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*per {
		t.Errorf("Expected %d ids, got %d", workers*per, len(seen))
	}
	cur, err := c.Current()
	if err != nil {
		t.Fatal(err)
	}
	if cur != workers*per {
		t.Errorf("Expected counter at %d, got %d", workers*per, cur)
	}
}

func TestCounterPersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counter.txt")
	first := NewCounter(path)
	for i := 0; i < 3; i++ {
		if _, err := first.Next(); err != nil {
			t.Fatal(err)
		}
	}

	n, err := NewCounter(path).Next()
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("Expected 4, got %d", n)
	}
}

func TestResolveItem(t *testing.T) {
	d := &models.Draft{ID: "D1", Items: []*models.Item{{ID: "I001"}, {ID: "I002"}}}

	tests := []struct {
		name    string
		draft   *models.Draft
		itemID  string
		want    string
		wantErr error
	}{
		{name: "defaults to first", draft: d, want: "I001"},
		{name: "selects by id", draft: d, itemID: "I002", want: "I002"},
		{name: "unknown id", draft: d, itemID: "I009", wantErr: errs.ErrNotFound},
		{name: "empty draft", draft: &models.Draft{ID: "D2"}, wantErr: errs.ErrEmptyDraft},
		{name: "empty draft with id", draft: &models.Draft{ID: "D2"}, itemID: "I001", wantErr: errs.ErrEmptyDraft},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it, err := ResolveItem(tt.draft, tt.itemID)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if it.ID != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, it.ID)
			}
		})
	}

	_, err := ResolveItem(d, "I009")
	var itemErr *errs.ItemNotFoundError
	if !errors.As(err, &itemErr) || itemErr.DraftID != "D1" || itemErr.ItemID != "I009" {
		t.Errorf("Expected ItemNotFoundError with context, got %v", err)
	}
}

func TestCreateLoadSave(t *testing.T) {
	store := New(t.TempDir())
	data := volumeBytes(t, volume.Shape{4, 4, 4})

	d, err := store.Create("liver study", "MRI", []Upload{
		{Filename: "patient.nii.gz", Body: bytes.NewReader(data)},
		{Filename: "../../patient.nii.gz", Body: bytes.NewReader(data)},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if len(d.ID) != draftIDWidth {
		t.Errorf("Expected %d character draft id, got %q", draftIDWidth, d.ID)
	}
	if len(d.Items) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(d.Items))
	}
	if d.Items[0].ID != "I001" || d.Items[1].ID != "I002" {
		t.Errorf("Unexpected item ids %s, %s", d.Items[0].ID, d.Items[1].ID)
	}
	if d.Items[1].StoredFilename != "patient_1.nii.gz" {
		t.Errorf("Expected patient_1.nii.gz, got %s", d.Items[1].StoredFilename)
	}
	for _, it := range d.Items {
		if !filepath.IsAbs(it.Path) || filepath.Dir(it.Path) != mustAbs(t, store.Dir(d.ID)) {
			t.Errorf("Expected absolute path inside draft dir, got %s", it.Path)
		}
	}

	loaded, err := store.Load(d.ID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Title != "liver study" || loaded.ScanType != "MRI" || len(loaded.Items) != 2 {
		t.Errorf("Unexpected loaded draft %+v", loaded)
	}

	loaded.Items[0].Segmented = true
	loaded.Items[0].MaskPath = "/tmp/mask.nii.gz"
	if err := store.Save(loaded); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	again, err := store.Load(d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !again.Items[0].Segmented || again.Items[0].MaskPath != "/tmp/mask.nii.gz" {
		t.Errorf("Expected saved fields to persist, got %+v", again.Items[0])
	}

	second, err := store.Create("", "CT", []Upload{{Filename: "b.nii.gz", Body: bytes.NewReader(data)}})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID <= d.ID {
		t.Errorf("Expected increasing draft ids, got %s after %s", second.ID, d.ID)
	}

	drafts, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(drafts) != 2 || drafts[0].ID != d.ID {
		t.Errorf("Expected two drafts oldest first, got %d", len(drafts))
	}

	if err := store.Delete(d.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := os.Stat(store.Dir(d.ID)); !os.IsNotExist(err) {
		t.Errorf("Expected draft dir removed, stat err %v", err)
	}
}

func TestCreateRejectsInvalidVolume(t *testing.T) {
	root := t.TempDir()
	store := New(root)

	_, err := store.Create("bad", "CT", []Upload{{Filename: "notes.txt", Body: strings.NewReader("hello")}})
	if !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("Expected invalid input, got %v", err)
	}

	drafts, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(drafts) != 0 {
		t.Errorf("Expected rejected draft to be cleaned up, got %d drafts", len(drafts))
	}
}

func TestCreateRejectsTruncatedVolume(t *testing.T) {
	dir := t.TempDir()
	full := filepath.Join(dir, "full.nii")
	if _, err := volume.NewLabels(volume.Shape{16, 16, 16}, [3]float32{1, 1, 1}).Save(full); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		t.Fatal(err)
	}
	gz := volumeBytes(t, volume.Shape{16, 16, 16})

	tests := map[string][]byte{
		"short.nii":    data[:352],
		"short.nii.gz": gz[:len(gz)/2],
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			store := New(t.TempDir())
			_, err := store.Create("short", "CT", []Upload{{Filename: name, Body: bytes.NewReader(body)}})
			if !errors.Is(err, errs.ErrInvalidInput) {
				t.Fatalf("Expected invalid input, got %v", err)
			}
		})
	}
}

func TestCreateNeverReusesDraftDir(t *testing.T) {
	root := t.TempDir()
	store := New(root)
	first, err := store.Create("first", "CT", []Upload{{Filename: "a.nii.gz", Body: bytes.NewReader(volumeBytes(t, volume.Shape{2, 2, 2}))}})
	if err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(filepath.Join(root, draftCounterFile)); err != nil {
		t.Fatal(err)
	}
	_, err = store.Create("second", "CT", []Upload{{Filename: "b.nii.gz", Body: bytes.NewReader(volumeBytes(t, volume.Shape{2, 2, 2}))}})
	if !errors.Is(err, errs.ErrPersistence) || !errors.Is(err, fs.ErrExist) {
		t.Fatalf("Expected persistence error for existing dir, got %v", err)
	}

	d, err := store.Load(first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Title != "first" || len(d.Items) != 1 || d.Items[0].OriginalFilename != "a.nii.gz" {
		t.Errorf("Existing draft was modified: %+v", d)
	}
	if _, err := os.Stat(filepath.Join(store.Dir(first.ID), "b.nii.gz")); !os.IsNotExist(err) {
		t.Errorf("Expected no upload in existing draft dir, stat err %v", err)
	}
}

func TestLoadMissing(t *testing.T) {
	store := New(t.TempDir())
	for _, id := range []string{"NOPE0001", "../etc", ""} {
		_, err := store.Load(id)
		var nf *errs.NotFoundError
		if !errors.As(err, &nf) || nf.Kind != errs.KindDraft {
			t.Errorf("Load(%q): expected draft NotFoundError, got %v", id, err)
		}
	}
}

func TestCleanStem(t *testing.T) {
	tests := map[string]string{
		"scan.nii.gz":         "scan",
		"scan.NII.GZ":         "scan",
		"scan.nii":            "scan",
		"/data/a.b/ct.nii.gz": "ct",
		"volume":              "volume",
		"patient_1.nii.gz":    "patient_1",
	}
	for in, want := range tests {
		if got := CleanStem(in); got != want {
			t.Errorf("CleanStem(%q) = %q, want %q", in, got, want)
		}
	}
}

func mustAbs(t *testing.T, p string) string {
	t.Helper()
	abs, err := filepath.Abs(p)
	if err != nil {
		t.Fatal(err)
	}
	return abs
}
