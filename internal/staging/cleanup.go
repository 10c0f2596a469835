package staging

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"peharvest/internal/logging"
	"peharvest/internal/workpool"
)

// CleanResult contains the outcome of a staging cleanup.
type CleanResult struct {
	Removed []string
	Errors  []CleanupError
	// PeakConcurrency is the highest number of simultaneous removals.
	PeakConcurrency int
}

// CleanupError pairs a path with its removal error.
type CleanupError struct {
	Path string
	Err  error
}

func (e CleanupError) Error() string { return "remove " + e.Path + ": " + e.Err.Error() }

func (e CleanupError) Unwrap() error { return e.Err }

// Clean removes every file beneath stagingDir using up to workers concurrent
// removals, then prunes the emptied subdirectories. The staging directory
// itself is kept. Cleanup is not cancellable: it always visits every entry.
func Clean(ctx context.Context, stagingDir string, workers int, logger *slog.Logger) CleanResult {
	var result CleanResult
	logger = logging.WithContext(ctx, logging.NewComponentLogger(logger, "cleanup"))

	stagingDir = strings.TrimSpace(stagingDir)
	if stagingDir == "" {
		return result
	}

	files, dirs, walkErrs := collect(stagingDir)
	result.Errors = append(result.Errors, walkErrs...)

	removeErrs := make([]error, len(files))
	pool := workpool.New(workers)
	pool.Run(context.WithoutCancel(ctx), len(files), func(_ context.Context, i int) {
		if err := os.Remove(files[i]); err != nil && !errors.Is(err, fs.ErrNotExist) {
			removeErrs[i] = err
		}
	})
	result.PeakConcurrency = pool.Peak()

	for i, path := range files {
		if removeErrs[i] != nil {
			result.Errors = append(result.Errors, CleanupError{Path: path, Err: removeErrs[i]})
			continue
		}
		result.Removed = append(result.Removed, path)
	}

	// Deepest directories first so parents are empty when reached.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, dir := range dirs {
		if err := os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
			result.Errors = append(result.Errors, CleanupError{Path: dir, Err: err})
			continue
		}
		result.Removed = append(result.Removed, dir)
	}

	for _, cleanupErr := range result.Errors {
		logging.WarnWithContext(logger, "failed to remove staged path", "staging_cleanup_failed",
			logging.String("path", cleanupErr.Path),
			logging.Error(cleanupErr.Err),
			logging.String(logging.FieldErrorHint, "check staging_dir permissions or run 'peharvest staging clean'"),
			logging.String(logging.FieldImpact, "disk space not reclaimed"),
		)
	}
	logger.Info("staging cleaned",
		logging.String("path", stagingDir),
		logging.Int("removed", len(result.Removed)),
		logging.Int("errors", len(result.Errors)),
		logging.String(logging.FieldEventType, "staging_cleanup"),
	)
	return result
}

// collect lists the regular files (and other non-directories) and the
// subdirectories under root. A missing root yields nothing.
func collect(root string) (files, dirs []string, errs []CleanupError) {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			errs = append(errs, CleanupError{Path: path, Err: err})
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path == root {
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, path)
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, CleanupError{Path: root, Err: err})
	}
	return files, dirs, errs
}
