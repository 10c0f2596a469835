package logs_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"peharvest/internal/logs"
)

func writeLog(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "peharvest.log")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	return path
}

func TestLastReturnsTail(t *testing.T) {
	path := writeLog(t, "one", "two", "three", "four")

	lines, offset, err := logs.Last(path, 2, logs.Filter{})
	if err != nil {
		t.Fatalf("Last: %v", err)
	}
	if diff := cmp.Diff([]string{"three", "four"}, lines); diff != "" {
		t.Fatalf("unexpected lines (-want +got):\n%s", diff)
	}
	info, _ := os.Stat(path)
	if offset != info.Size() {
		t.Fatalf("offset = %d, want %d", offset, info.Size())
	}

	all, _, err := logs.Last(path, 0, logs.Filter{})
	if err != nil || len(all) != 4 {
		t.Fatalf("limit 0 should return every line, got %v, %v", all, err)
	}
}

func TestLastFiltersByRunID(t *testing.T) {
	path := writeLog(t,
		`2026-01-01T00:00:00Z INFO pipeline: run started run_id=aaa`,
		`{"level":"info","msg":"run started","run_id":"bbb"}`,
		`2026-01-01T00:00:01Z INFO fetcher: staged run_id=aaa remote_id=s3://b/0/x`,
		`{"level":"info","msg":"stored","run_id":"bbb"}`,
	)

	lines, _, err := logs.Last(path, 10, logs.Filter{RunID: "bbb"})
	if err != nil {
		t.Fatalf("Last: %v", err)
	}
	if len(lines) != 2 || !strings.Contains(lines[1], "stored") {
		t.Fatalf("unexpected json lines: %v", lines)
	}

	lines, _, _ = logs.Last(path, 10, logs.Filter{RunID: "aaa", Contains: "staged"})
	if len(lines) != 1 {
		t.Fatalf("unexpected console lines: %v", lines)
	}
}

func TestLastMissingFile(t *testing.T) {
	lines, offset, err := logs.Last(filepath.Join(t.TempDir(), "absent.log"), 5, logs.Filter{})
	if err != nil || lines != nil || offset != 0 {
		t.Fatalf("expected empty result, got %v, %d, %v", lines, offset, err)
	}
}

func TestFollowEmitsAppendedLines(t *testing.T) {
	path := writeLog(t, "old")
	_, offset, err := logs.Last(path, 1, logs.Filter{})
	if err != nil {
		t.Fatalf("Last: %v", err)
	}

	var (
		mu  sync.Mutex
		got []string
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- logs.Follow(ctx, path, offset, logs.Filter{}, 10*time.Millisecond, func(line string) {
			mu.Lock()
			got = append(got, line)
			mu.Unlock()
		})
	}()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("new ")
	time.Sleep(30 * time.Millisecond)
	_, _ = f.WriteString("line\n")
	_ = f.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Follow: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{"new line"}, got); diff != "" {
		t.Fatalf("unexpected follow output (-want +got):\n%s", diff)
	}
}
