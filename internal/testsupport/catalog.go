package testsupport

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"peharvest/internal/catalog"
	"peharvest/internal/services"
)

// FakeCatalog is an in-memory catalog that records download concurrency.
type FakeCatalog struct {
	Bucket string
	// Delay is applied inside every Download to widen concurrency windows.
	Delay time.Duration

	mu          sync.Mutex
	objects     map[string][]byte
	listErr     map[string]error
	downloadErr map[string]error
	downloads   map[string]int
	inFlight    int
	peak        int
}

var _ catalog.Catalog = (*FakeCatalog)(nil)

// NewFakeCatalog returns an empty catalog for bucket.
func NewFakeCatalog(bucket string) *FakeCatalog {
	return &FakeCatalog{
		Bucket:      bucket,
		objects:     map[string][]byte{},
		listErr:     map[string]error{},
		downloadErr: map[string]error{},
		downloads:   map[string]int{},
	}
}

// Add registers an object under key ("label/name").
func (f *FakeCatalog) Add(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
}

// AddN registers n objects named <label>/f<i>.bin with the given content.
func (f *FakeCatalog) AddN(label string, n int, data []byte) {
	for i := range n {
		f.Add(fmt.Sprintf("%s/f%03d.bin", label, i), data)
	}
}

// FailList makes List fail for label.
func (f *FakeCatalog) FailList(label string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr[label] = err
}

// FailDownload makes Download fail for key.
func (f *FakeCatalog) FailDownload(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloadErr[key] = err
}

// Downloads returns how many times key was downloaded.
func (f *FakeCatalog) Downloads(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads[key]
}

// PeakDownloads returns the highest number of simultaneous downloads.
func (f *FakeCatalog) PeakDownloads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

func (f *FakeCatalog) RemoteID(loc catalog.Locator) string {
	return "s3://" + f.Bucket + "/" + loc.Key
}

func (f *FakeCatalog) List(ctx context.Context, label string) ([]catalog.Locator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.listErr[label]; err != nil {
		return nil, err
	}
	var locators []catalog.Locator
	for key, data := range f.objects {
		if strings.HasPrefix(key, label+"/") {
			locators = append(locators, catalog.Locator{Label: label, Key: key, Size: int64(len(data))})
		}
	}
	sort.Slice(locators, func(i, j int) bool { return locators[i].Key < locators[j].Key })
	return locators, nil
}

func (f *FakeCatalog) Download(ctx context.Context, loc catalog.Locator, dest string) error {
	f.mu.Lock()
	f.downloads[loc.Key]++
	f.inFlight++
	f.peak = max(f.peak, f.inFlight)
	data, ok := f.objects[loc.Key]
	failure := f.downloadErr[loc.Key]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if failure != nil {
		return failure
	}
	if !ok {
		return services.Wrap(services.ErrNotFound, "catalog", "download", loc.Key, os.ErrNotExist)
	}
	return os.WriteFile(dest, data, 0o644)
}
