package preflight_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"peharvest/internal/preflight"
	"peharvest/internal/testsupport"
)

func TestCheckDirectoryAccess(t *testing.T) {
	dir := t.TempDir()
	if result := preflight.CheckDirectoryAccess("test", dir); !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}

	missing := preflight.CheckDirectoryAccess("test", filepath.Join(dir, "nope"))
	if missing.Passed || missing.Detail == "" {
		t.Fatalf("expected failure with detail for missing dir, got %+v", missing)
	}

	file := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if result := preflight.CheckDirectoryAccess("test", file); result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckCreatableDirectory(t *testing.T) {
	base := t.TempDir()
	result := preflight.CheckCreatableDirectory("staging", filepath.Join(base, "a", "b", "staging"))
	if !result.Passed {
		t.Fatalf("expected creatable path to pass, got %s", result.Detail)
	}
	if result := preflight.CheckCreatableDirectory("staging", ""); result.Passed {
		t.Fatal("expected failure for empty path")
	}
}

func TestCheckStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "metadata.db")
	result := preflight.CheckStore(context.Background(), path)
	if !result.Passed {
		t.Fatalf("expected store check to pass, got %s", result.Detail)
	}
}

func TestRunAllDirBackend(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := os.MkdirAll(cfg.Catalog.Root, 0o755); err != nil {
		t.Fatal(err)
	}

	results := preflight.RunAll(context.Background(), cfg)
	if failed := preflight.Failed(results); len(failed) != 0 {
		t.Fatalf("unexpected failures: %s", preflight.Summary(failed))
	}
	if len(results) != 4 {
		t.Fatalf("expected catalog root, staging, data, and store checks, got %+v", results)
	}
}

func TestRunAllS3BackendReportsMissingBinary(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithS3Catalog("bucket"))
	cfg.Catalog.AWSBinary = filepath.Join(t.TempDir(), "no-aws-here")

	failed := preflight.Failed(preflight.RunAll(context.Background(), cfg))
	if len(failed) != 1 || failed[0].Name != "AWS CLI" {
		t.Fatalf("expected only the AWS CLI check to fail, got %+v", failed)
	}

	cfg = testsupport.NewConfig(t, testsupport.WithS3Catalog(""), testsupport.WithStubbedBinaries())
	failed = preflight.Failed(preflight.RunAll(context.Background(), cfg))
	if len(failed) != 1 || failed[0].Name != "Bucket" {
		t.Fatalf("expected only the bucket check to fail, got %+v", failed)
	}
}

func TestRunAllNilConfig(t *testing.T) {
	if results := preflight.RunAll(context.Background(), nil); results != nil {
		t.Fatal("expected nil results for nil config")
	}
}
