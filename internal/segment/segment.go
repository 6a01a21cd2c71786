// Package segment runs the external organ segmentation command.
package segment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/lehigh-university-libraries/maskdraft/internal/errs"
)

// Modality is the scan type a draft was uploaded as.
type Modality string

const (
	CT  Modality = "CT"
	MRI Modality = "MRI"
)

// ParseModality accepts "CT" or "MRI" in any case; empty means CT.
func ParseModality(s string) (Modality, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "CT":
		return CT, nil
	case "MRI", "MR":
		return MRI, nil
	default:
		return "", &errs.InvalidInputError{Field: "scan_type", Reason: fmt.Sprintf("%q is not CT or MRI", s)}
	}
}

// Task is the segmentation profile used for a modality.
func (m Modality) Task() string {
	if m == MRI {
		return "total_mr"
	}
	return "total"
}

// Result is the output of one segmentation run. Cleanup removes any
// temporary files the run produced and must be called once the mask has been
// copied elsewhere.
type Result struct {
	MaskPath string
	Cleanup  func()
}

// Segmenter produces a label volume of the target organ for a scan.
type Segmenter interface {
	Segment(ctx context.Context, scanPath string, modality Modality) (*Result, error)
}

// TotalSegmentator runs the TotalSegmentator command line tool.
type TotalSegmentator struct {
	Binary string
	Organ  string
	Fast   bool
	// TempDir is where per-run output directories are created; empty means
	// the system default.
	TempDir string
}

func NewTotalSegmentator(binary, organ string, fast bool) *TotalSegmentator {
	return &TotalSegmentator{Binary: binary, Organ: organ, Fast: fast}
}

func (s *TotalSegmentator) args(scanPath, outDir string, modality Modality) []string {
	args := []string{
		"-i", scanPath,
		"-o", outDir,
		"--task", modality.Task(),
		"--roi_subset", s.Organ,
	}
	if s.Fast {
		args = append(args, "--fast")
	}
	return args
}

// Segment runs the tool for scanPath and returns the path of the organ mask
// it wrote.
func (s *TotalSegmentator) Segment(ctx context.Context, scanPath string, modality Modality) (*Result, error) {
	if _, err := os.Stat(scanPath); err != nil {
		return nil, fmt.Errorf("scan file not found: %w", err)
	}

	outDir, err := os.MkdirTemp(s.TempDir, "segment-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	cleanup := func() {
		if err := os.RemoveAll(outDir); err != nil {
			slog.Warn("Unable to remove segmentation output", "dir", outDir, "err", err)
		}
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.Binary, s.args(scanPath, outDir, modality)...)
	cmd.Stderr = &stderr

	start := time.Now()
	slog.Info("Running segmentation", "binary", s.Binary, "scan", scanPath, "task", modality.Task(), "organ", s.Organ)
	if err := cmd.Run(); err != nil {
		cleanup()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s exited with code %d: %s", s.Binary, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("failed to run %s: %w", s.Binary, err)
	}
	slog.Info("Segmentation finished", "scan", scanPath, "duration", time.Since(start).Round(time.Millisecond))

	maskPath := filepath.Join(outDir, s.Organ+".nii.gz")
	if _, err := os.Stat(maskPath); err != nil {
		cleanup()
		return nil, fmt.Errorf("%s mask was not produced", s.Organ)
	}
	return &Result{MaskPath: maskPath, Cleanup: cleanup}, nil
}
