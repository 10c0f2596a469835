// Package catalog lists and downloads artifacts from the labeled object
// catalog and draws the balanced per-run sample.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"peharvest/internal/config"
)

// Locator addresses one object in the catalog. Key is catalog-relative and
// includes the label prefix ("0/abcd.exe").
type Locator struct {
	Label string
	Key   string
	// Size is the listed object size in bytes, zero when unknown.
	Size int64
}

// Name returns the final key segment.
func (l Locator) Name() string {
	return path.Base(l.Key)
}

func (l Locator) String() string { return l.Key }

// Catalog is the remote object capability used by the pipeline.
type Catalog interface {
	// List returns every object under label.
	List(ctx context.Context, label string) ([]Locator, error)
	// Download copies the object to dest, which must not be left partially
	// written when an error is returned.
	Download(ctx context.Context, loc Locator, dest string) error
	// RemoteID returns the fully qualified identifier used for deduplication.
	RemoteID(loc Locator) string
}

// ErrCatalogUnavailable reports that no catalog could be listed.
var ErrCatalogUnavailable = errors.New("catalog unavailable")

// ListError records a failed listing for one label.
type ListError struct {
	Label string
	Err   error
}

func (e *ListError) Error() string {
	return fmt.Sprintf("list catalog %q: %v", e.Label, e.Err)
}

func (e *ListError) Unwrap() error { return e.Err }

// New builds the catalog backend selected by cfg.
func New(cfg *config.Config, opts ...Option) (Catalog, error) {
	switch cfg.Catalog.Backend {
	case config.BackendS3:
		return NewAWSCLI(cfg, opts...)
	case config.BackendDir:
		return NewDir(cfg.Catalog.Root, cfg.Catalog.Bucket), nil
	default:
		return nil, fmt.Errorf("unsupported catalog backend %q", cfg.Catalog.Backend)
	}
}

// ParseKey turns "label/name" into a Locator.
func ParseKey(key string) (Locator, error) {
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	label, name, ok := strings.Cut(key, "/")
	if !ok || label == "" || name == "" || strings.HasSuffix(name, "/") {
		return Locator{}, fmt.Errorf("catalog key %q must look like <label>/<name>", key)
	}
	return Locator{Label: label, Key: key}, nil
}

func s3URI(bucket, key string) string {
	return "s3://" + bucket + "/" + strings.TrimPrefix(key, "/")
}
