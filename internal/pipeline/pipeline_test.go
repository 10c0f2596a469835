package pipeline_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/go-cmp/cmp"

	"peharvest/internal/catalog"
	"peharvest/internal/config"
	"peharvest/internal/extract"
	"peharvest/internal/logging"
	"peharvest/internal/metadata"
	"peharvest/internal/peheader"
	"peharvest/internal/pipeline"
	"peharvest/internal/testsupport"
)

type harness struct {
	cfg     *config.Config
	catalog *testsupport.FakeCatalog
	store   *metadata.Store
	orch    *pipeline.Orchestrator
	states  []pipeline.State
}

func newHarness(t *testing.T, storeOverride pipeline.MetadataStore, ex pipeline.Extractor, opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	h := &harness{
		cfg:     testsupport.NewConfig(t, opts...),
		catalog: testsupport.NewFakeCatalog("bucket"),
	}
	h.store = testsupport.MustOpenStore(t, h.cfg)

	var store pipeline.MetadataStore = h.store
	if storeOverride != nil {
		store = storeOverride
	}
	if ex == nil {
		ex = extract.New(peheader.PEParser{}, extract.LineCounter{})
	}
	var mu sync.Mutex
	orch, err := pipeline.New(h.cfg, pipeline.Dependencies{
		Catalog:   h.catalog,
		Extractor: ex,
		Store:     store,
		Logger:    logging.NewNop(),
	}, pipeline.WithStateObserver(func(_ string, s pipeline.State) {
		mu.Lock()
		h.states = append(h.states, s)
		mu.Unlock()
	}))
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	h.orch = orch
	return h
}

func assertStagingEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("read staging dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty staging dir, found %d entries", len(entries))
	}
}

func TestRunStoresSampleAndCleansUp(t *testing.T) {
	h := newHarness(t, nil, nil, testsupport.WithTargetCount(4))
	h.catalog.Add("0/a.dll", testsupport.PE64DLL.Bytes())
	h.catalog.Add("0/b.exe", testsupport.PE32Exe.Bytes())
	h.catalog.Add("0/c.exe", testsupport.PE32Exe.Bytes())
	h.catalog.Add("1/d.txt", []byte("one\ntwo\n"))

	report, err := h.orch.Run(context.Background(), 4)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Sampled != 3 || report.Stored != 3 || report.Failed != 0 {
		t.Fatalf("unexpected counts: sampled=%d stored=%d failed=%d", report.Sampled, report.Stored, report.Failed)
	}
	if report.RunID == "" {
		t.Fatal("expected run id")
	}
	want := []pipeline.State{pipeline.StateSampling, pipeline.StateFetching, pipeline.StateProcessing, pipeline.StateCleaningUp, pipeline.StateDone}
	if diff := cmp.Diff(want, report.States); diff != "" {
		t.Fatalf("unexpected states (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, h.states); diff != "" {
		t.Fatalf("observer saw different states (-want +got):\n%s", diff)
	}

	dll, err := h.store.Get(context.Background(), "s3://bucket/0/a.dll")
	if err != nil || dll == nil {
		t.Fatalf("expected stored dll record, got %v, %v", dll, err)
	}
	if dll.FileType != peheader.FileTypeDLL || dll.Architecture != peheader.ArchX64 || dll.Exports != 3 {
		t.Fatalf("unexpected dll record: %+v", dll)
	}
	text, err := h.store.Get(context.Background(), "s3://bucket/1/d.txt")
	if err != nil || text == nil {
		t.Fatalf("expected stored text record, got %v, %v", text, err)
	}
	if text.Size != 2 || text.FileType != peheader.FileTypeUnknown || text.Architecture != peheader.ArchUnknown || text.Imports != 0 {
		t.Fatalf("malformed artifact should get defaults: %+v", text)
	}
	assertStagingEmpty(t, h.cfg.Paths.StagingDir)
}

func TestSecondRunIsIdempotent(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.catalog.AddN("0", 3, testsupport.PE32Exe.Bytes())
	h.catalog.AddN("1", 3, testsupport.PE64DLL.Bytes())

	first, err := h.orch.Run(context.Background(), 6)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	second, err := h.orch.Run(context.Background(), 6)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if first.Stored != 6 || second.Stored != 0 || second.Existing != 6 {
		t.Fatalf("first stored=%d, second stored=%d existing=%d", first.Stored, second.Stored, second.Existing)
	}
	count, err := h.store.Count(context.Background())
	if err != nil || count != 6 {
		t.Fatalf("Count = %d, %v; want 6", count, err)
	}
	if first.RunID == second.RunID {
		t.Fatal("expected distinct run ids")
	}
}

func TestFaultIsolation(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.catalog.Add("0/a.exe", testsupport.PE32Exe.Bytes())
	h.catalog.Add("1/c.exe", testsupport.PE32Exe.Bytes())

	locators := []catalog.Locator{
		{Label: "0", Key: "0/a.exe"},
		{Label: "0", Key: "0/missing.exe"},
		{Label: "1", Key: "1/c.exe"},
	}
	report, err := h.orch.RunLocators(context.Background(), locators)
	if err != nil {
		t.Fatalf("RunLocators: %v", err)
	}
	if report.Stored != 2 || report.Failed != 1 {
		t.Fatalf("stored=%d failed=%d", report.Stored, report.Failed)
	}
	if diff := cmp.Diff([]string{"s3://bucket/0/missing.exe"}, report.FailedRemoteIDs()); diff != "" {
		t.Fatalf("unexpected failures (-want +got):\n%s", diff)
	}
	failure := report.Failures()[0]
	if failure.Stage != pipeline.StateFetching || failure.Err == nil {
		t.Fatalf("unexpected failure detail: %+v", failure)
	}
	if report.Final() != pipeline.StateDone {
		t.Fatalf("expected Done, got %s", report.Final())
	}
	assertStagingEmpty(t, h.cfg.Paths.StagingDir)
}

func TestDuplicateLocatorsInOneRun(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.catalog.Add("0/a.exe", testsupport.PE32Exe.Bytes())
	loc := catalog.Locator{Label: "0", Key: "0/a.exe"}

	report, err := h.orch.RunLocators(context.Background(), []catalog.Locator{loc, loc})
	if err != nil {
		t.Fatalf("RunLocators: %v", err)
	}
	if report.Stored != 1 || report.Duplicates != 1 || report.Failed != 0 {
		t.Fatalf("stored=%d duplicates=%d failed=%d", report.Stored, report.Duplicates, report.Failed)
	}
	if h.catalog.Downloads("0/a.exe") != 1 {
		t.Fatalf("expected one download, got %d", h.catalog.Downloads("0/a.exe"))
	}
	count, _ := h.store.Count(context.Background())
	if count != 1 {
		t.Fatalf("expected one record, got %d", count)
	}
}

type instrumentedExtractor struct {
	inner    pipeline.Extractor
	delay    time.Duration
	mu       sync.Mutex
	inFlight int
	peak     int
	fail     map[string]error
}

func (e *instrumentedExtractor) Extract(ctx context.Context, path, remoteID string) (metadata.Record, error) {
	e.mu.Lock()
	e.inFlight++
	e.peak = max(e.peak, e.inFlight)
	failure := e.fail[remoteID]
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.inFlight--
		e.mu.Unlock()
	}()
	time.Sleep(e.delay)
	if failure != nil {
		return metadata.Record{}, failure
	}
	return e.inner.Extract(ctx, path, remoteID)
}

func TestConcurrencyBounds(t *testing.T) {
	ex := &instrumentedExtractor{inner: extract.New(nil, nil), delay: 5 * time.Millisecond}
	h := newHarness(t, nil, ex, testsupport.WithWorkers(2))
	h.catalog.Delay = 5 * time.Millisecond
	h.catalog.AddN("0", 8, testsupport.PE32Exe.Bytes())
	h.catalog.AddN("1", 8, testsupport.PE64DLL.Bytes())

	report, err := h.orch.Run(context.Background(), 16)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Stored != 16 {
		t.Fatalf("expected 16 stored, got %d", report.Stored)
	}
	if peak := h.catalog.PeakDownloads(); peak > 2 {
		t.Fatalf("download peak %d exceeds 2", peak)
	}
	if ex.peak > 2 {
		t.Fatalf("extraction peak %d exceeds 2", ex.peak)
	}
	if report.FetchPeak > 2 || report.ProcessPeak > 2 || report.CleanupPeak > 2 {
		t.Fatalf("pool peaks exceed limit: %d/%d/%d", report.FetchPeak, report.ProcessPeak, report.CleanupPeak)
	}
}

func TestExtractionFailureIsIsolated(t *testing.T) {
	ex := &instrumentedExtractor{
		inner: extract.New(nil, nil),
		fail:  map[string]error{"s3://bucket/0/f001.bin": &extract.ExtractionError{Err: os.ErrPermission}},
	}
	h := newHarness(t, nil, ex)
	h.catalog.AddN("0", 3, []byte("x"))

	report, err := h.orch.RunLocators(context.Background(), []catalog.Locator{
		{Label: "0", Key: "0/f000.bin"}, {Label: "0", Key: "0/f001.bin"}, {Label: "0", Key: "0/f002.bin"},
	})
	if err != nil {
		t.Fatalf("RunLocators: %v", err)
	}
	if report.Stored != 2 || report.Failed != 1 {
		t.Fatalf("stored=%d failed=%d", report.Stored, report.Failed)
	}
	var extractionErr *extract.ExtractionError
	if !errors.As(report.Failures()[0].Err, &extractionErr) {
		t.Fatalf("expected ExtractionError, got %v", report.Failures()[0].Err)
	}
	exists, _ := h.store.Exists(context.Background(), "s3://bucket/0/f001.bin")
	if exists {
		t.Fatal("failed artifact must not be recorded")
	}
}

type racingStore struct {
	*metadata.Store
}

// Exists always misses so Insert hits the primary key.
func (racingStore) Exists(context.Context, string) (bool, error) { return false, nil }

func TestConcurrentInsertReportedAsExisting(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	shared := testsupport.MustOpenStore(t, cfg)
	if err := shared.Insert(context.Background(), metadata.Record{RemoteID: "s3://bucket/0/a.exe", FileType: peheader.FileTypeEXE}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	h := newHarness(t, racingStore{shared}, nil)
	h.catalog.Add("0/a.exe", testsupport.PE32Exe.Bytes())

	report, err := h.orch.RunLocators(context.Background(), []catalog.Locator{{Label: "0", Key: "0/a.exe"}})
	if err != nil {
		t.Fatalf("RunLocators: %v", err)
	}
	if report.Existing != 1 || report.Failed != 0 || report.Stored != 0 {
		t.Fatalf("stored=%d existing=%d failed=%d", report.Stored, report.Existing, report.Failed)
	}
}

type downStore struct{ pipeline.MetadataStore }

func (downStore) Ping(context.Context) error { return errors.New("database is gone") }

func TestStoreUnavailableAbortsButCleansUp(t *testing.T) {
	h := newHarness(t, nil, nil)
	h2 := newHarness(t, downStore{h.store}, nil)
	h2.catalog.Add("0/a.exe", testsupport.PE32Exe.Bytes())

	report, err := h2.orch.RunLocators(context.Background(), []catalog.Locator{{Label: "0", Key: "0/a.exe"}})
	if !errors.Is(err, pipeline.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if report == nil || report.Final() != pipeline.StateFailed {
		t.Fatalf("expected Failed report, got %+v", report)
	}
	if report.Cleaned == 0 {
		t.Fatal("expected cleanup to remove the staged file")
	}
	if report.Failed != 1 {
		t.Fatalf("expected the staged artifact reported failed, got %d", report.Failed)
	}
	assertStagingEmpty(t, h2.cfg.Paths.StagingDir)
}

func TestCatalogUnavailableFails(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.catalog.FailList("0", errors.New("down"))
	h.catalog.FailList("1", errors.New("down"))

	report, err := h.orch.Run(context.Background(), 4)
	if !errors.Is(err, catalog.ErrCatalogUnavailable) {
		t.Fatalf("expected ErrCatalogUnavailable, got %v", err)
	}
	want := []pipeline.State{pipeline.StateSampling, pipeline.StateCleaningUp, pipeline.StateFailed}
	if diff := cmp.Diff(want, report.States); diff != "" {
		t.Fatalf("unexpected states (-want +got):\n%s", diff)
	}
}

func TestPartialSamplePolicy(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.catalog.AddN("0", 2, testsupport.PE32Exe.Bytes())
	h.catalog.FailList("1", errors.New("forbidden"))

	report, err := h.orch.Run(context.Background(), 4)
	if err != nil {
		t.Fatalf("partial sample should proceed by default: %v", err)
	}
	if report.Stored != 2 || len(report.ListErrors) != 1 {
		t.Fatalf("stored=%d listErrors=%d", report.Stored, len(report.ListErrors))
	}

	strict := newHarness(t, nil, nil)
	strict.cfg.Sampling.AllowPartial = false
	orch, err := pipeline.New(strict.cfg, pipeline.Dependencies{Catalog: h.catalog, Extractor: extract.New(nil, nil), Store: strict.store})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	if _, err := orch.Run(context.Background(), 4); !errors.Is(err, pipeline.ErrPartialSample) {
		t.Fatalf("expected ErrPartialSample, got %v", err)
	}
}

func TestRunRejectedWhileLocked(t *testing.T) {
	h := newHarness(t, nil, nil)
	if err := os.MkdirAll(testsupport.BaseDir(h.cfg), 0o755); err != nil {
		t.Fatal(err)
	}
	held := flock.New(h.cfg.RunLockPath())
	ok, err := held.TryLock()
	if err != nil || !ok {
		t.Fatalf("TryLock = %v, %v", ok, err)
	}
	defer held.Unlock()

	report, err := h.orch.Run(context.Background(), 2)
	if !errors.Is(err, pipeline.ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
	if report != nil {
		t.Fatalf("expected no report, got %+v", report)
	}
}

func TestCancelledRunStillCleansUp(t *testing.T) {
	h := newHarness(t, nil, nil, testsupport.WithWorkers(1))
	h.catalog.AddN("0", 4, testsupport.PE32Exe.Bytes())
	ctx, cancel := context.WithCancel(context.Background())

	ex := &cancelAfterFirst{inner: extract.New(nil, nil), cancel: cancel}
	orch, err := pipeline.New(h.cfg, pipeline.Dependencies{Catalog: h.catalog, Extractor: ex, Store: h.store})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	locators, _ := h.catalog.List(context.Background(), "0")
	report, err := orch.RunLocators(ctx, locators)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if report.Stored != 1 || report.Failed != 3 {
		t.Fatalf("stored=%d failed=%d", report.Stored, report.Failed)
	}
	assertStagingEmpty(t, h.cfg.Paths.StagingDir)
}

func TestCancelDuringFetchIsNotAStoreOutage(t *testing.T) {
	h := newHarness(t, nil, nil, testsupport.WithWorkers(1))
	h.catalog.AddN("0", 3, testsupport.PE32Exe.Bytes())
	ctx, cancel := context.WithCancel(context.Background())

	cat := &cancelOnDownload{FakeCatalog: h.catalog, cancel: cancel}
	orch, err := pipeline.New(h.cfg, pipeline.Dependencies{Catalog: cat, Extractor: extract.New(nil, nil), Store: h.store})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	locators, _ := h.catalog.List(context.Background(), "0")
	report, err := orch.RunLocators(ctx, locators)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, pipeline.ErrStoreUnavailable) {
		t.Fatalf("cancellation reported as store outage: %v", err)
	}
	if report.Final() != pipeline.StateFailed {
		t.Fatalf("final state = %s", report.Final())
	}
	if report.Stored != 0 || report.Failed != 3 {
		t.Fatalf("stored=%d failed=%d", report.Stored, report.Failed)
	}
	for _, item := range report.Failures() {
		if !errors.Is(item.Err, context.Canceled) {
			t.Fatalf("%s failed in %s with %v, want context.Canceled", item.Locator, item.Stage, item.Err)
		}
	}
	if h.catalog.Downloads(locators[0].Key) != 1 {
		t.Fatalf("first download did not complete")
	}
	assertStagingEmpty(t, h.cfg.Paths.StagingDir)
}

// cancelOnDownload cancels the run as soon as the first download starts.
type cancelOnDownload struct {
	*testsupport.FakeCatalog
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancelOnDownload) Download(ctx context.Context, loc catalog.Locator, dest string) error {
	c.once.Do(c.cancel)
	return c.FakeCatalog.Download(ctx, loc, dest)
}

type cancelAfterFirst struct {
	inner  pipeline.Extractor
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancelAfterFirst) Extract(ctx context.Context, path, remoteID string) (metadata.Record, error) {
	c.once.Do(c.cancel)
	return c.inner.Extract(ctx, path, remoteID)
}
