package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/lehigh-university-libraries/maskdraft/internal/errs"
	"github.com/lehigh-university-libraries/maskdraft/internal/fsutil"
)

// Counter hands out monotonically increasing identifiers backed by a file.
// Increments are serialized by a mutex, and each new value is written
// atomically before it is returned, so a restarted process continues where
// the previous one stopped.
type Counter struct {
	mu   sync.Mutex
	path string
}

func NewCounter(path string) *Counter {
	return &Counter{path: path}
}

// Next returns the next identifier, starting at 1.
func (c *Counter) Next() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.read()
	if err != nil {
		return 0, err
	}
	next := current + 1

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return 0, &errs.PersistenceError{Op: "create counter dir", Path: c.path, Err: err}
	}
	if err := fsutil.WriteFileAtomic(c.path, []byte(strconv.FormatInt(next, 10)), 0644); err != nil {
		return 0, &errs.PersistenceError{Op: "write counter", Path: c.path, Err: err}
	}
	return next, nil
}

// Current returns the last identifier handed out, 0 if none.
func (c *Counter) Current() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.read()
}

func (c *Counter) read() (int64, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, &errs.PersistenceError{Op: "read counter", Path: c.path, Err: err}
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, &errs.PersistenceError{Op: "parse counter", Path: c.path, Err: fmt.Errorf("invalid value %q", text)}
	}
	return n, nil
}
