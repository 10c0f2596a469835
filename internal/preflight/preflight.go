package preflight

import (
	"context"
	"fmt"
	"strings"

	"peharvest/internal/config"
	"peharvest/internal/deps"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes every check applicable to cfg.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result
	for _, res := range deps.Resolve(deps.Required(cfg)...) {
		results = append(results, Result{Name: res.Name, Passed: res.Available(), Detail: res.Detail()})
	}

	switch cfg.Catalog.Backend {
	case config.BackendS3:
		results = append(results, checkBucket(cfg.Catalog.Bucket))
	case config.BackendDir:
		results = append(results, CheckReadableDirectory("Catalog root", cfg.Catalog.Root))
	}

	// The staging directory is created per run, so only its nearest
	// existing ancestor has to be writable.
	results = append(results, CheckCreatableDirectory("Staging directory", cfg.Paths.StagingDir))
	results = append(results, CheckCreatableDirectory("Data directory", cfg.Paths.DataDir))
	results = append(results, CheckStore(ctx, cfg.DatabasePath()))
	return results
}

// Failed filters results down to failures.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}

// Summary joins failed check names and details into one line.
func Summary(failed []Result) string {
	parts := make([]string, 0, len(failed))
	for _, r := range failed {
		parts = append(parts, fmt.Sprintf("%s: %s", r.Name, r.Detail))
	}
	return strings.Join(parts, "; ")
}

func checkBucket(bucket string) Result {
	const name = "Bucket"
	if strings.TrimSpace(bucket) == "" {
		return Result{Name: name, Detail: "not configured (set catalog.bucket or PEHARVEST_BUCKET)"}
	}
	return Result{Name: name, Passed: true, Detail: "s3://" + bucket}
}
