package catalog_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"peharvest/internal/catalog"
	"peharvest/internal/services"
	"peharvest/internal/testsupport"
)

func TestDirListAndDownload(t *testing.T) {
	root := t.TempDir()
	testsupport.WriteFile(t, filepath.Join(root, "0", "b.exe"), []byte("bb"))
	testsupport.WriteFile(t, filepath.Join(root, "0", "a.exe"), []byte("a"))
	testsupport.WriteFile(t, filepath.Join(root, "0", ".hidden"), []byte("x"))
	if err := os.MkdirAll(filepath.Join(root, "0", "subdir"), 0o755); err != nil {
		t.Fatal(err)
	}

	cat := catalog.NewDir(root, "mirror")
	locators, err := cat.List(context.Background(), "0")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []catalog.Locator{
		{Label: "0", Key: "0/a.exe", Size: 1},
		{Label: "0", Key: "0/b.exe", Size: 2},
	}
	if diff := cmp.Diff(want, locators); diff != "" {
		t.Fatalf("unexpected locators (-want +got):\n%s", diff)
	}

	dest := filepath.Join(t.TempDir(), "b.exe")
	if err := cat.Download(context.Background(), locators[1], dest); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if data, _ := os.ReadFile(dest); string(data) != "bb" {
		t.Fatalf("unexpected content %q", data)
	}
	if got := cat.RemoteID(locators[1]); got != "s3://mirror/0/b.exe" {
		t.Fatalf("RemoteID = %q", got)
	}
}

func TestDirMissingLabelAndObject(t *testing.T) {
	cat := catalog.NewDir(t.TempDir(), "")
	if _, err := cat.List(context.Background(), "1"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound listing, got %v", err)
	}
	err := cat.Download(context.Background(), catalog.Locator{Label: "1", Key: "1/nope"}, filepath.Join(t.TempDir(), "nope"))
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound download, got %v", err)
	}
}

func TestParseKey(t *testing.T) {
	loc, err := catalog.ParseKey("/1/sample.exe")
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if loc.Label != "1" || loc.Key != "1/sample.exe" || loc.Name() != "sample.exe" {
		t.Fatalf("unexpected locator %+v", loc)
	}
	for _, bad := range []string{"", "noslash", "0/", "/x"} {
		if _, err := catalog.ParseKey(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestNewSelectsBackend(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cat, err := catalog.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := cat.(*catalog.Dir); !ok {
		t.Fatalf("expected *catalog.Dir, got %T", cat)
	}
}
