// Package staging writes on-disk copies of chunk payloads before
// upload. The staged file is the multipart upload body, and it is kept
// after ingestion so verify can run without re-downloading.
package staging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// ErrEmptyPayload is returned when a caller tries to stage a zero-length
// payload. An empty staged blob must never be uploaded.
var ErrEmptyPayload = errors.New("refusing to stage empty chunk payload")

// Dir is the staging area rooted at a base directory, laid out as
// <base>/<file_id>/<idx>.chunk.
type Dir struct {
	base string
}

// New returns a staging area rooted at base.
func New(base string) *Dir {
	return &Dir{base: base}
}

// Path returns the staging path of one chunk.
func (d *Dir) Path(fileID int64, index int) string {
	return filepath.Join(d.base, strconv.FormatInt(fileID, 10), fmt.Sprintf("%d.chunk", index))
}

// Write stages one chunk payload, creating the file's directory as
// needed.
func (d *Dir) Write(fileID int64, index int, data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyPayload
	}

	dir := filepath.Join(d.base, strconv.FormatInt(fileID, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}

	path := d.Path(fileID, index)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to stage chunk %d: %w", index, err)
	}
	return path, nil
}

// Read returns the staged payload of one chunk, or os.ErrNotExist if it
// was never staged or has been discarded.
func (d *Dir) Read(fileID int64, index int) ([]byte, error) {
	return os.ReadFile(d.Path(fileID, index))
}

// Open opens the staged payload of one chunk for reading. The staged
// file is used as the upload body, so retries can reopen it.
func (d *Dir) Open(fileID int64, index int) (*os.File, error) {
	return os.Open(d.Path(fileID, index))
}

// Discard removes every staged payload of a file.
func (d *Dir) Discard(fileID int64) error {
	return os.RemoveAll(filepath.Join(d.base, strconv.FormatInt(fileID, 10)))
}
