// Package extract turns a staged artifact into a metadata record.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"peharvest/internal/logging"
	"peharvest/internal/metadata"
	"peharvest/internal/peheader"
)

// ExtractionError reports an artifact that could not be opened or measured.
// Header parse problems never produce one.
type ExtractionError struct {
	Path     string
	RemoteID string
	Err      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s (%s): %v", e.RemoteID, e.Path, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Extractor combines size measurement with header inspection.
type Extractor struct {
	parser   peheader.Parser
	measurer Measurer
	logger   *slog.Logger
	now      func() time.Time
}

// Option customizes an Extractor.
type Option func(*Extractor)

// WithLogger attaches a logger for per-artifact debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extractor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the timestamp source for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(e *Extractor) {
		if now != nil {
			e.now = now
		}
	}
}

// New builds an Extractor. Nil collaborators fall back to PEParser and LineCounter.
func New(parser peheader.Parser, measurer Measurer, opts ...Option) *Extractor {
	if parser == nil {
		parser = peheader.PEParser{}
	}
	if measurer == nil {
		measurer = LineCounter{}
	}
	e := &Extractor{
		parser:   parser,
		measurer: measurer,
		logger:   logging.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract measures localPath and inspects its headers. Only a measurement
// failure is returned as an error; malformed headers yield default fields.
func (e *Extractor) Extract(ctx context.Context, localPath, remoteID string) (metadata.Record, error) {
	size, err := e.measurer.Measure(ctx, localPath)
	if err != nil {
		return metadata.Record{}, &ExtractionError{Path: localPath, RemoteID: remoteID, Err: err}
	}
	if size < 0 {
		return metadata.Record{}, &ExtractionError{Path: localPath, RemoteID: remoteID, Err: fmt.Errorf("negative size %d", size)}
	}

	imports, exports := e.parser.ImportsExports(localPath)
	rec := metadata.Record{
		RemoteID:     remoteID,
		Size:         size,
		FileType:     e.parser.FileType(localPath),
		Architecture: e.parser.Architecture(localPath),
		Imports:      imports,
		Exports:      exports,
		CreatedAt:    e.now(),
	}

	e.logger.Debug("artifact extracted",
		logging.String(logging.FieldRemoteID, remoteID),
		logging.Int64("size", size),
		logging.String("size_unit", e.measurer.Unit()),
		logging.String("file_type", string(rec.FileType)),
		logging.String("architecture", string(rec.Architecture)),
		logging.Int("imports", imports),
		logging.Int("exports", exports),
	)
	return rec, nil
}
