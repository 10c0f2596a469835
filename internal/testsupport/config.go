package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"peharvest/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// The catalog points at an empty "dir" mirror under the temp root.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StagingDir = filepath.Join(base, "staging")
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Catalog.Backend = config.BackendDir
	cfgVal.Catalog.Bucket = "test-bucket"
	cfgVal.Catalog.Root = filepath.Join(base, "catalog")
	cfgVal.Workers = config.Workers{Fetch: 4, Process: 4, Cleanup: 4}

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithWorkers sets every stage pool to n workers.
func WithWorkers(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Workers = config.Workers{Fetch: n, Process: n, Cleanup: n}
	}
}

// WithTargetCount overrides the sample size.
func WithTargetCount(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Sampling.TargetCount = n
	}
}

// WithMeasureUnit selects the size unit.
func WithMeasureUnit(unit string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Measure.Unit = unit
	}
}

// WithS3Catalog switches the config to the AWS CLI backend for the bucket.
func WithS3Catalog(bucket string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Catalog.Backend = config.BackendS3
		b.cfg.Catalog.Bucket = bucket
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. If names is empty, the aws binary is stubbed.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{"aws"}
		}
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		script := []byte("#!/bin/sh\nexit 0\n")
		for _, name := range names {
			target := filepath.Join(binDir, name)
			if err := os.WriteFile(target, script, 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}

		oldPath := os.Getenv("PATH")
		if err := os.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath); err != nil {
			b.t.Fatalf("set PATH: %v", err)
		}
		b.t.Cleanup(func() {
			_ = os.Setenv("PATH", oldPath)
		})
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StagingDir)
}
