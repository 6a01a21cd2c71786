package models

import "time"

// Draft is a working, not yet committed batch of uploaded scans.
type Draft struct {
	ID        string    `json:"draft_id"`
	Title     string    `json:"title"`
	ScanType  string    `json:"scan_type"`
	CreatedAt time.Time `json:"created_at"`
	Items     []*Item   `json:"items"`
}

// Item is one uploaded scan of a draft. Only Segmented and MaskPath change
// after upload.
type Item struct {
	ID               string `json:"item_id"`
	OriginalFilename string `json:"original_filename"`
	StoredFilename   string `json:"stored_filename"`
	Path             string `json:"path"`
	Segmented        bool   `json:"segmented"`
	MaskPath         string `json:"mask_path,omitempty"`
}

// RemoveItem drops the item with the given id and reports whether one was
// found.
func (d *Draft) RemoveItem(itemID string) bool {
	for i, it := range d.Items {
		if it.ID == itemID {
			d.Items = append(d.Items[:i], d.Items[i+1:]...)
			return true
		}
	}
	return false
}

// ScanRecord describes a scan promoted to the permanent store.
type ScanRecord struct {
	ScanID    int64     `json:"scan_id"`
	DraftID   string    `json:"draft_id"`
	ItemID    string    `json:"item_id"`
	Title     string    `json:"title,omitempty"`
	Filename  string    `json:"filename"`
	Path      string    `json:"path"`
	ScanType  string    `json:"scan_type"`
	Segmented bool      `json:"segmented"`
	MaskPath  string    `json:"mask_path,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
