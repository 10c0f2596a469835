package extract

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"peharvest/internal/config"
)

// Measurer returns a non-negative size for a local file.
type Measurer interface {
	Measure(ctx context.Context, path string) (int64, error)
	Unit() string
}

// NewMeasurer returns the measurer for a configured unit.
func NewMeasurer(unit string) (Measurer, error) {
	switch unit {
	case "", config.UnitLines:
		return LineCounter{}, nil
	case config.UnitBytes:
		return ByteCounter{}, nil
	default:
		return nil, fmt.Errorf("unsupported measure unit %q", unit)
	}
}

// ByteCounter reports the file size in bytes.
type ByteCounter struct{}

func (ByteCounter) Unit() string { return config.UnitBytes }

func (ByteCounter) Measure(_ context.Context, path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%s is not a regular file", path)
	}
	return info.Size(), nil
}

// LineCounter counts text records the way line-oriented readers split them:
// "\n", "\r\n" and a lone "\r" each end one record, and trailing bytes after
// the last terminator form a final record.
type LineCounter struct{}

func (LineCounter) Unit() string { return config.UnitLines }

const lineChunkSize = 64 * 1024

func (LineCounter) Measure(ctx context.Context, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var (
		reader  = bufio.NewReaderSize(f, lineChunkSize)
		buf     = make([]byte, lineChunkSize)
		count   int64
		afterCR bool
		pending bool
	)
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n, readErr := reader.Read(buf)
		for _, b := range buf[:n] {
			switch b {
			case '\n':
				if !afterCR {
					count++
				}
				afterCR, pending = false, false
			case '\r':
				count++
				afterCR, pending = true, false
			default:
				afterCR, pending = false, true
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return 0, fmt.Errorf("read %s: %w", path, readErr)
		}
	}
	if pending {
		count++
	}
	return count, nil
}
