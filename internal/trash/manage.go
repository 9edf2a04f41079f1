package trash

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bamsammich/kopy/internal/syncerr"
)

// SnapshotInfo summarizes one on-disk snapshot directory for listing.
type SnapshotInfo struct {
	Name     string
	Path     string
	Manifest Manifest
}

// List returns every snapshot under destRoot's trash directory, sorted
// oldest first (snapshot names are lexically sortable timestamps).
func List(destRoot string) ([]SnapshotInfo, error) {
	root := filepath.Join(destRoot, DirName)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, syncerr.Wrap(root, err)
	}

	var infos []SnapshotInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		m, err := readManifest(dir)
		if err != nil {
			return nil, err
		}
		infos = append(infos, SnapshotInfo{Name: e.Name(), Path: dir, Manifest: m})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func readManifest(dir string) (Manifest, error) {
	path := filepath.Join(dir, manifestName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, nil
		}
		return Manifest{}, syncerr.Wrap(path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return m, nil
}

// Restore moves every entry in the named snapshot back to its original
// location under destRoot. Entries whose original location now has a
// conflicting file are skipped and reported, not overwritten.
func Restore(destRoot, snapshotName string) (restored []string, skipped []string, err error) {
	dir := filepath.Join(destRoot, DirName, snapshotName)
	m, err := readManifest(dir)
	if err != nil {
		return nil, nil, err
	}

	for _, e := range m.Entries {
		trashPath := filepath.Join(dir, e.TrashRelativePath)
		origPath := filepath.Join(destRoot, e.OriginalRelativePath)

		if _, statErr := os.Lstat(origPath); statErr == nil {
			skipped = append(skipped, e.OriginalRelativePath)
			continue
		}

		if err := os.MkdirAll(filepath.Dir(origPath), 0755); err != nil {
			return restored, skipped, syncerr.Wrap(origPath, err)
		}
		if err := os.Rename(trashPath, origPath); err != nil {
			return restored, skipped, syncerr.Wrap(trashPath, err)
		}
		restored = append(restored, e.OriginalRelativePath)
	}
	return restored, skipped, nil
}

// Clean permanently removes snapshot directories older than keepNewest most
// recent snapshots. Pass keepNewest=0 to remove every snapshot.
func Clean(destRoot string, keepNewest int) ([]string, error) {
	infos, err := List(destRoot)
	if err != nil {
		return nil, err
	}
	if keepNewest >= len(infos) {
		return nil, nil
	}

	toRemove := infos[:len(infos)-keepNewest]
	var removed []string
	for _, info := range toRemove {
		if err := os.RemoveAll(info.Path); err != nil {
			return removed, syncerr.Wrap(info.Path, err)
		}
		removed = append(removed, info.Name)
	}
	return removed, nil
}

// CleanOlderThan permanently removes every snapshot whose timestamp (parsed
// from its directory name) is older than cutoff.
func CleanOlderThan(destRoot string, cutoff time.Time) ([]string, error) {
	infos, err := List(destRoot)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, info := range infos {
		ts, err := time.ParseInLocation(snapshotTimeFormat, info.Name, time.Local)
		if err != nil {
			continue // not a snapshot dir we recognize, leave alone
		}
		if ts.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(info.Path); err != nil {
			return removed, syncerr.Wrap(info.Path, err)
		}
		removed = append(removed, info.Name)
	}
	return removed, nil
}
