package metadata_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"peharvest/internal/metadata"
	"peharvest/internal/peheader"
	"peharvest/internal/testsupport"
)

func sampleRecord(id string) metadata.Record {
	return metadata.Record{
		RemoteID:     id,
		Size:         42,
		FileType:     peheader.FileTypeEXE,
		Architecture: peheader.ArchX64,
		Imports:      3,
		Exports:      1,
		CreatedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestInsertThenGetAndExists(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	rec := sampleRecord("s3://bucket/0/a.exe")
	if err := store.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	exists, err := store.Exists(ctx, rec.RemoteID)
	if err != nil || !exists {
		t.Fatalf("Exists = %v, %v; want true", exists, err)
	}
	missing, err := store.Exists(ctx, "s3://bucket/0/other.exe")
	if err != nil || missing {
		t.Fatalf("Exists(missing) = %v, %v; want false", missing, err)
	}

	got, err := store.Get(ctx, rec.RemoteID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if diff := cmp.Diff(&rec, got); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}

	none, err := store.Get(ctx, "nope")
	if err != nil || none != nil {
		t.Fatalf("Get(missing) = %v, %v; want nil, nil", none, err)
	}
}

func TestInsertDuplicateReturnsErrDuplicate(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	rec := sampleRecord("s3://bucket/1/dup.dll")
	if err := store.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	second := rec
	second.Size = 999
	err := store.Insert(ctx, second)
	if !errors.Is(err, metadata.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	var storeErr *metadata.StoreError
	if !errors.As(err, &storeErr) || storeErr.RemoteID != rec.RemoteID {
		t.Fatalf("expected StoreError for %s, got %#v", rec.RemoteID, err)
	}

	got, err := store.Get(ctx, rec.RemoteID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Size != rec.Size {
		t.Fatalf("original record overwritten: size %d", got.Size)
	}
}

func TestConcurrentInsertsKeepOneRecord(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	rec := sampleRecord("s3://bucket/0/race.exe")

	const writers = 8
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		successes  int
		duplicates int
	)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Insert(ctx, rec)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, metadata.ErrDuplicate):
				duplicates++
			default:
				t.Errorf("unexpected insert error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 || duplicates != writers-1 {
		t.Fatalf("successes=%d duplicates=%d", successes, duplicates)
	}
	count, err := store.Count(ctx)
	if err != nil || count != 1 {
		t.Fatalf("Count = %d, %v; want 1", count, err)
	}
}

func TestInsertRejectsInvalidRecord(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	rec := sampleRecord("")
	if err := store.Insert(context.Background(), rec); err == nil {
		t.Fatal("expected error for empty remote id")
	}
	rec = sampleRecord("s3://bucket/0/neg.exe")
	rec.Size = -1
	if err := store.Insert(context.Background(), rec); err == nil {
		t.Fatal("expected error for negative size")
	}
}

func TestInsertNormalizesUnknownEnums(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	rec := sampleRecord("s3://bucket/0/odd.bin")
	rec.FileType = ""
	rec.Architecture = "arm64"
	if err := store.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, err := store.Get(ctx, rec.RemoteID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.FileType != peheader.FileTypeUnknown || got.Architecture != peheader.ArchUnknown {
		t.Fatalf("expected unknown enums, got %q/%q", got.FileType, got.Architecture)
	}
}

func TestListFiltersAndStats(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range 4 {
		rec := sampleRecord(fmt.Sprintf("s3://bucket/%d/f%d", i%2, i))
		rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if i%2 == 1 {
			rec.FileType = peheader.FileTypeDLL
			rec.Architecture = peheader.ArchX32
		}
		if err := store.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}

	all, err := store.List(ctx, metadata.ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var ids []string
	for _, rec := range all {
		ids = append(ids, rec.RemoteID)
	}
	want := []string{"s3://bucket/1/f3", "s3://bucket/0/f2", "s3://bucket/1/f1", "s3://bucket/0/f0"}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}

	dlls, err := store.List(ctx, metadata.ListOptions{FileType: peheader.FileTypeDLL, Limit: 1})
	if err != nil {
		t.Fatalf("List dll: %v", err)
	}
	if len(dlls) != 1 || dlls[0].RemoteID != "s3://bucket/1/f3" {
		t.Fatalf("unexpected dll listing: %+v", dlls)
	}

	prefixed, err := store.List(ctx, metadata.ListOptions{Prefix: "s3://bucket/0/"})
	if err != nil {
		t.Fatalf("List prefix: %v", err)
	}
	if len(prefixed) != 2 {
		t.Fatalf("expected 2 records under prefix, got %d", len(prefixed))
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 4 || stats.ByFileType[peheader.FileTypeDLL] != 2 || stats.ByArchitecture[peheader.ArchX64] != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestReopenPreservesRecords(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	first, err := metadata.Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := first.Insert(context.Background(), sampleRecord("s3://bucket/0/keep")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	_ = first.Close()

	second, err := metadata.OpenPath(filepath.Join(cfg.Paths.DataDir, "metadata.db"))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	if err := second.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	exists, err := second.Exists(context.Background(), "s3://bucket/0/keep")
	if err != nil || !exists {
		t.Fatalf("Exists after reopen = %v, %v", exists, err)
	}
}

func TestPingFailsAfterClose(t *testing.T) {
	store, err := metadata.Open(testsupport.NewConfig(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = store.Close()
	if err := store.Ping(context.Background()); err == nil {
		t.Fatal("expected ping to fail on closed store")
	}
}
