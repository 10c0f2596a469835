package staging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"peharvest/internal/catalog"
	"peharvest/internal/fileutil"
	"peharvest/internal/logging"
	"peharvest/internal/services"
	"peharvest/internal/workpool"
)

// Artifact is a downloaded object awaiting processing.
type Artifact struct {
	LocalPath string
	RemoteID  string
	Locator   catalog.Locator
}

// FetchError records one failed or skipped download.
type FetchError struct {
	Locator  catalog.Locator
	RemoteID string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.RemoteID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// FetchResult is the outcome of FetchAll. Every input locator is accounted
// for exactly once: staged, failed, or counted as a duplicate.
type FetchResult struct {
	Staged     []Artifact
	Errors     []*FetchError
	Duplicates int
	// PeakConcurrency is the highest number of simultaneous downloads.
	PeakConcurrency int
}

// Fetcher downloads locators into the staging directory with bounded concurrency.
type Fetcher struct {
	catalog    catalog.Catalog
	stagingDir string
	workers    int
	logger     *slog.Logger
}

// NewFetcher returns a fetcher that runs at most workers downloads at once.
func NewFetcher(cat catalog.Catalog, stagingDir string, workers int, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		catalog:    cat,
		stagingDir: stagingDir,
		workers:    workers,
		logger:     logging.NewComponentLogger(logger, "fetcher"),
	}
}

// EnsureDir creates the staging directory if needed.
func EnsureDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return services.Wrap(services.ErrConfiguration, "staging", "ensure dir", "staging directory not set", nil)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return services.Wrap(services.ErrUnavailable, "staging", "ensure dir", dir, err)
	}
	return nil
}

type fetchJob struct {
	locator  catalog.Locator
	remoteID string
	local    string
}

// FetchAll downloads every distinct locator and returns once all submitted
// downloads have finished. A failed download never cancels the others.
// After ctx is cancelled no new downloads start; downloads already running
// complete. The returned error is non-nil only when the staging directory
// cannot be prepared, in which case nothing was downloaded.
func (f *Fetcher) FetchAll(ctx context.Context, locators []catalog.Locator) (FetchResult, error) {
	var result FetchResult
	logger := logging.WithContext(ctx, f.logger)
	if err := EnsureDir(f.stagingDir); err != nil {
		return result, err
	}

	jobs, duplicates := f.plan(locators)
	result.Duplicates = duplicates
	if duplicates > 0 {
		logger.Info("duplicate locators collapsed", logging.Int("duplicates", duplicates))
	}

	staged := make([]*Artifact, len(jobs))
	failures := make([]error, len(jobs))

	pool := workpool.New(f.workers)
	skipped := pool.Run(ctx, len(jobs), func(ctx context.Context, i int) {
		job := jobs[i]
		itemCtx := services.WithRemoteID(context.WithoutCancel(ctx), job.remoteID)
		if err := f.fetchOne(itemCtx, job); err != nil {
			failures[i] = err
			return
		}
		staged[i] = &Artifact{LocalPath: job.local, RemoteID: job.remoteID, Locator: job.locator}
	})
	for _, i := range skipped {
		failures[i] = ctx.Err()
	}

	for i, job := range jobs {
		switch {
		case staged[i] != nil:
			result.Staged = append(result.Staged, *staged[i])
		case failures[i] != nil:
			result.Errors = append(result.Errors, &FetchError{Locator: job.locator, RemoteID: job.remoteID, Err: failures[i]})
		}
	}
	result.PeakConcurrency = pool.Peak()

	logger.Info("fetch stage finished",
		logging.Int("requested", len(locators)),
		logging.Int("staged", len(result.Staged)),
		logging.Int("failed", len(result.Errors)),
		logging.Int("skipped", len(skipped)),
		logging.Int("peak_concurrency", result.PeakConcurrency),
	)
	return result, nil
}

// plan collapses duplicate remote identifiers and assigns unique local paths.
func (f *Fetcher) plan(locators []catalog.Locator) ([]fetchJob, int) {
	seen := make(map[string]struct{}, len(locators))
	used := make(map[string]struct{}, len(locators))
	jobs := make([]fetchJob, 0, len(locators))
	duplicates := 0
	for _, loc := range locators {
		remoteID := f.catalog.RemoteID(loc)
		if _, ok := seen[remoteID]; ok {
			duplicates++
			continue
		}
		seen[remoteID] = struct{}{}

		local := LocalPath(f.stagingDir, loc)
		for n := 2; ; n++ {
			if _, taken := used[local]; !taken {
				break
			}
			local = LocalPath(f.stagingDir, loc) + "~" + strconv.Itoa(n)
		}
		used[local] = struct{}{}
		jobs = append(jobs, fetchJob{locator: loc, remoteID: remoteID, local: local})
	}
	return jobs, duplicates
}

func (f *Fetcher) fetchOne(ctx context.Context, job fetchJob) error {
	logger := logging.WithContext(ctx, f.logger)
	if err := os.MkdirAll(filepath.Dir(job.local), 0o755); err != nil {
		return services.Wrap(services.ErrUnavailable, "staging", "prepare", filepath.Dir(job.local), err)
	}

	start := time.Now()
	if err := f.catalog.Download(ctx, job.locator, job.local); err != nil {
		if rmErr := fileutil.RemoveIfExists(job.local); rmErr != nil {
			err = errors.Join(err, fmt.Errorf("remove partial download: %w", rmErr))
		}
		logging.WarnWithContext(logger, "download failed", "fetch_failed",
			logging.String("key", job.locator.Key),
			logging.Error(err),
			logging.Bool("retryable", services.Retryable(err)),
			logging.String(logging.FieldErrorHint, "rerun with --key to retry this artifact"),
		)
		return err
	}
	logger.Debug("artifact staged",
		logging.String("path", job.local),
		logging.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// LocalPath returns <stagingDir>/<label>/<base(key)>. Segments that would
// escape the staging directory are replaced.
func LocalPath(stagingDir string, loc catalog.Locator) string {
	return filepath.Join(stagingDir, safeSegment(loc.Label), safeSegment(loc.Name()))
}

func safeSegment(s string) string {
	s = strings.ReplaceAll(s, string(filepath.Separator), "_")
	switch s {
	case "", ".", "..", "/":
		return "_"
	}
	return s
}
