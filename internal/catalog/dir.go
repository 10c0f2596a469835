package catalog

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"peharvest/internal/fileutil"
	"peharvest/internal/services"
)

// Dir serves a local mirror of the bucket: one subdirectory per label.
type Dir struct {
	root   string
	bucket string
}

// NewDir returns a catalog rooted at root. When bucket is set, remote
// identifiers use the s3://<bucket>/ form so a mirror deduplicates against
// records harvested from the bucket itself.
func NewDir(root, bucket string) *Dir {
	return &Dir{root: root, bucket: bucket}
}

func (d *Dir) RemoteID(loc Locator) string {
	if d.bucket != "" {
		return s3URI(d.bucket, loc.Key)
	}
	return "file://" + filepath.ToSlash(filepath.Join(d.root, filepath.FromSlash(loc.Key)))
}

// List returns the regular files directly under <root>/<label>, sorted by name.
func (d *Dir) List(ctx context.Context, label string) ([]Locator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := filepath.Join(d.root, label)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, services.Wrap(services.ErrNotFound, "catalog", "list", dir, err)
		}
		return nil, services.Wrap(services.ErrUnavailable, "catalog", "list", dir, err)
	}

	locators := make([]Locator, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		var size int64
		if info, infoErr := entry.Info(); infoErr == nil {
			size = info.Size()
		}
		locators = append(locators, Locator{Label: label, Key: label + "/" + entry.Name(), Size: size})
	}
	sort.Slice(locators, func(i, j int) bool { return locators[i].Key < locators[j].Key })
	return locators, nil
}

// Download copies the mirrored object with integrity verification.
func (d *Dir) Download(ctx context.Context, loc Locator, dest string) error {
	src := filepath.Join(d.root, filepath.FromSlash(loc.Key))
	if _, err := fileutil.CopyVerified(ctx, src, dest); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return services.Wrap(services.ErrNotFound, "catalog", "download", loc.Key, err)
		}
		return services.Wrap(services.ErrTransient, "catalog", "download", loc.Key, err)
	}
	return nil
}
