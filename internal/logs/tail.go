package logs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const maxLineSize = 1024 * 1024

// Filter narrows log lines. Empty fields match everything.
type Filter struct {
	// RunID keeps lines carrying run_id=<RunID> (console) or
	// "run_id":"<RunID>" (JSON).
	RunID string
	// Contains keeps lines containing the substring.
	Contains string
}

func (f Filter) match(line string) bool {
	if f.RunID != "" &&
		!strings.Contains(line, "run_id="+f.RunID) &&
		!strings.Contains(line, `"run_id":"`+f.RunID+`"`) {
		return false
	}
	return f.Contains == "" || strings.Contains(line, f.Contains)
}

// Last returns up to limit matching lines from the end of path and the byte
// offset just past the file's current end. A missing file yields no lines.
func Last(path string, limit int, filter Filter) ([]string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	if info, err := file.Stat(); err != nil {
		return nil, 0, fmt.Errorf("stat log file: %w", err)
	} else if info.IsDir() {
		return nil, 0, fmt.Errorf("log path %q is a directory", path)
	}

	var (
		ring  []string
		start int
	)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		if !filter.match(line) {
			continue
		}
		if limit <= 0 || len(ring) < limit {
			ring = append(ring, line)
			continue
		}
		ring[start] = line
		start = (start + 1) % limit
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("read log file: %w", err)
	}
	offset, err := file.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, 0, fmt.Errorf("determine log offset: %w", err)
	}
	return append(ring[start:], ring[:start]...), offset, nil
}

// Follow polls path from offset and hands each new matching line to emit
// until ctx is done. A truncated file is re-read from the start.
func Follow(ctx context.Context, path string, offset int64, filter Filter, interval time.Duration, emit func(string)) error {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var partial string
	for {
		next, rest, err := readFrom(path, offset, partial, filter, emit)
		if err != nil {
			return err
		}
		offset, partial = next, rest

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// readFrom emits complete lines after offset. An unterminated final line is
// carried over so a line being written is never split.
func readFrom(path string, offset int64, partial string, filter Filter, emit func(string)) (int64, string, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, "", nil
		}
		return offset, partial, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return offset, partial, fmt.Errorf("stat log file: %w", err)
	}
	if info.Size() < offset {
		offset, partial = 0, ""
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return offset, partial, fmt.Errorf("seek log file: %w", err)
	}

	reader := bufio.NewReaderSize(file, 64*1024)
	for {
		chunk, err := reader.ReadString('\n')
		offset += int64(len(chunk))
		if err != nil {
			if errors.Is(err, io.EOF) {
				return offset, partial + chunk, nil
			}
			return offset, partial, fmt.Errorf("read log file: %w", err)
		}
		line := strings.TrimRight(partial+chunk, "\r\n")
		partial = ""
		if filter.match(line) {
			emit(line)
		}
	}
}
