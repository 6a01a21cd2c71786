// Package errs defines the typed failures surfaced by the draft and mask
// subsystem. Every failure carries a stable code and the identifiers a caller
// needs to act on it (draft, item, plane, index, path).
package errs

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure. Codes are strings so they read well in
// logs and serialize naturally to JSON.
type Code string

const (
	CodeNotFound      Code = "NOT_FOUND"
	CodeIndexRange    Code = "INDEX_OUT_OF_RANGE"
	CodeEmptyDraft    Code = "EMPTY_DRAFT"
	CodeSegmentation  Code = "SEGMENTATION_FAILED"
	CodePersistence   Code = "PERSISTENCE_ERROR"
	CodeInvalidInput  Code = "INVALID_INPUT"
	CodeInternalError Code = "INTERNAL_ERROR"
)

// Sentinels for errors.Is checks.
var (
	ErrNotFound     = errors.New("not found")
	ErrIndexRange   = errors.New("index out of range")
	ErrEmptyDraft   = errors.New("draft has no items")
	ErrSegmentation = errors.New("segmentation failed")
	ErrPersistence  = errors.New("persistence failed")
	ErrInvalidInput = errors.New("invalid input")
)

// Coded is implemented by every error type in this package.
type Coded interface {
	error
	Code() Code
}

// CodeOf returns the code of the first Coded error in err's chain, or
// CodeInternalError when there is none.
func CodeOf(err error) Code {
	var c Coded
	if errors.As(err, &c) {
		return c.Code()
	}
	return CodeInternalError
}

// Kinds of missing resources.
const (
	KindDraft  = "draft"
	KindItem   = "item"
	KindMask   = "mask"
	KindVolume = "volume"
	KindScan   = "scan"
)

// NotFoundError reports a missing draft, mask, volume file or a file that is
// not a recognized volume.
type NotFoundError struct {
	Kind    string
	DraftID string
	ItemID  string
	Path    string
	Err     error
}

func (e *NotFoundError) Error() string {
	msg := e.Kind + " not found"
	if e.DraftID != "" {
		msg += " draft=" + e.DraftID
	}
	if e.ItemID != "" {
		msg += " item=" + e.ItemID
	}
	if e.Path != "" {
		msg += " path=" + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NotFoundError) Code() Code { return CodeNotFound }
func (e *NotFoundError) Unwrap() error { return e.Err }
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ItemNotFoundError reports an item selector that matches no item of a draft.
type ItemNotFoundError struct {
	DraftID string
	ItemID  string
}

func (e *ItemNotFoundError) Error() string {
	return fmt.Sprintf("item %q not found in draft %s", e.ItemID, e.DraftID)
}

func (e *ItemNotFoundError) Code() Code { return CodeNotFound }
func (e *ItemNotFoundError) Is(target error) bool { return target == ErrNotFound }

// IndexRangeError reports a slice index outside the extent of a volume axis.
type IndexRangeError struct {
	Plane   string
	Index   int
	Extent  int
	DraftID string
	ItemID  string
}

func (e *IndexRangeError) Error() string {
	msg := fmt.Sprintf("%s index %d out of range [0,%d)", e.Plane, e.Index, e.Extent)
	if e.DraftID != "" {
		msg += " draft=" + e.DraftID
	}
	if e.ItemID != "" {
		msg += " item=" + e.ItemID
	}
	return msg
}

func (e *IndexRangeError) Code() Code { return CodeIndexRange }
func (e *IndexRangeError) Is(target error) bool { return target == ErrIndexRange }

// EmptyDraftError reports a draft with no items to default to.
type EmptyDraftError struct {
	DraftID string
}

func (e *EmptyDraftError) Error() string {
	return "draft " + e.DraftID + " has no items"
}

func (e *EmptyDraftError) Code() Code { return CodeEmptyDraft }
func (e *EmptyDraftError) Is(target error) bool { return target == ErrEmptyDraft }

// SegmentationError wraps a failure of the external segmentation command.
type SegmentationError struct {
	DraftID string
	ItemID  string
	Err     error
}

func (e *SegmentationError) Error() string {
	return fmt.Sprintf("segmentation of draft=%s item=%s failed: %v", e.DraftID, e.ItemID, e.Err)
}

func (e *SegmentationError) Code() Code { return CodeSegmentation }
func (e *SegmentationError) Unwrap() error { return e.Err }
func (e *SegmentationError) Is(target error) bool { return target == ErrSegmentation }

// PersistenceError wraps a failed write of state or volume data.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Code() Code { return CodePersistence }
func (e *PersistenceError) Unwrap() error { return e.Err }
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// InvalidInputError reports a malformed request parameter or payload.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return "invalid " + e.Field + ": " + e.Reason
}

func (e *InvalidInputError) Code() Code { return CodeInvalidInput }
func (e *InvalidInputError) Is(target error) bool { return target == ErrInvalidInput }
