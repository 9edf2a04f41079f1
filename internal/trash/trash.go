// Package trash implements recoverable, manifest-tracked deletion: instead
// of unlinking, a delete renames the victim into a timestamped snapshot
// directory under the destination root and records it in a JSON manifest.
package trash

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bamsammich/kopy/internal/syncerr"
)

// DirName is the reserved directory under a destination root that holds
// every snapshot for that root.
const DirName = ".kopy_trash"

const manifestName = "MANIFEST.json"

// snapshotTimeFormat produces the YYYY-MM-DD_HHMMSS snapshot directory name.
const snapshotTimeFormat = "2006-01-02_150405"

// ManifestEntry records one trashed path.
type ManifestEntry struct {
	OriginalRelativePath string    `json:"original_relative_path"`
	TrashRelativePath    string    `json:"trash_relative_path"`
	DeletedAt            time.Time `json:"deleted_at"`
	Size                 int64     `json:"size"`
	Reason               string    `json:"reason"`
}

// Manifest is the JSON document stored at <snapshot>/MANIFEST.json.
type Manifest struct {
	Entries []ManifestEntry `json:"entries"`
}

// Snapshot represents one run's trash directory, created lazily on first
// delete. Safe for concurrent use by executor workers.
type Snapshot struct {
	destRoot string
	dir      string // absolute path, empty until first use
	mu       sync.Mutex
	manifest Manifest
}

// NewSnapshot returns a Snapshot bound to destRoot. No directory is created
// until the first call to Delete.
func NewSnapshot(destRoot string) *Snapshot {
	return &Snapshot{destRoot: destRoot}
}

// ensureDir lazily creates the timestamped snapshot directory.
func (s *Snapshot) ensureDir() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dir != "" {
		return s.dir, nil
	}
	name := time.Now().Format(snapshotTimeFormat)
	dir := filepath.Join(s.destRoot, DirName, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", syncerr.Wrap(dir, err)
	}
	s.dir = dir
	return dir, nil
}

// Dir returns the snapshot directory path, or "" if nothing has been
// trashed yet this run.
func (s *Snapshot) Dir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

// Delete moves the destination entry at relPath (absolute path absPath)
// into the snapshot and appends a manifest entry. Cross-device renames
// fall back to copy-then-unlink.
func (s *Snapshot) Delete(absPath, relPath string, size int64, reason string) error {
	dir, err := s.ensureDir()
	if err != nil {
		return err
	}

	trashPath := filepath.Join(dir, relPath)
	if err := os.MkdirAll(filepath.Dir(trashPath), 0755); err != nil {
		return syncerr.Wrap(trashPath, err)
	}

	if err := os.Rename(absPath, trashPath); err != nil {
		if !isCrossDevice(err) {
			return syncerr.Wrap(absPath, err)
		}
		if err := copyThenRemove(absPath, trashPath); err != nil {
			return syncerr.Wrap(absPath, err)
		}
	}

	entry := ManifestEntry{
		OriginalRelativePath: relPath,
		TrashRelativePath:    relPath,
		DeletedAt:            time.Now(),
		Size:                 size,
		Reason:               reason,
	}

	s.mu.Lock()
	s.manifest.Entries = append(s.manifest.Entries, entry)
	manifestCopy := s.manifest
	s.mu.Unlock()

	return writeManifest(dir, manifestCopy)
}

// writeManifest atomically replaces MANIFEST.json: write to a .tmp sibling,
// fsync, then rename over the final name.
func writeManifest(dir string, m Manifest) error {
	path := filepath.Join(dir, manifestName)
	tmp := path + ".tmp"

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return syncerr.Wrap(tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return syncerr.Wrap(tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return syncerr.Wrap(tmp, err)
	}
	if err := f.Close(); err != nil {
		return syncerr.Wrap(tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return syncerr.Wrap(path, err)
	}
	return nil
}

func copyThenRemove(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

func isCrossDevice(err error) bool {
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) {
		return errors.Is(linkErr.Err, unix.EXDEV)
	}
	return errors.Is(err, unix.EXDEV)
}

// PermanentDelete unlinks absPath directly. A NotFound between planning and
// execution is treated as success (TOCTOU policy).
func PermanentDelete(absPath string) error {
	err := os.RemoveAll(absPath)
	if err != nil && !os.IsNotExist(err) {
		return syncerr.Wrap(absPath, err)
	}
	return nil
}
