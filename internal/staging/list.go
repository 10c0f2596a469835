package staging

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// EntryInfo describes one staged file.
type EntryInfo struct {
	Label   string
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
}

// List returns every file currently in the staging directory, grouped by
// label. Leftovers only exist after an interrupted run.
func List(stagingDir string) ([]EntryInfo, error) {
	stagingDir = strings.TrimSpace(stagingDir)
	if stagingDir == "" {
		return nil, nil
	}

	var entries []EntryInfo
	err := filepath.WalkDir(stagingDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == stagingDir && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return nil // best effort
		}
		if d.IsDir() {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		rel, relErr := filepath.Rel(stagingDir, path)
		if relErr != nil {
			return nil
		}
		label := ""
		if dir := filepath.Dir(rel); dir != "." {
			label = strings.Split(filepath.ToSlash(dir), "/")[0]
		}
		entries = append(entries, EntryInfo{
			Label:   label,
			Name:    d.Name(),
			Path:    path,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// TotalSize sums entry sizes.
func TotalSize(entries []EntryInfo) int64 {
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	return total
}
