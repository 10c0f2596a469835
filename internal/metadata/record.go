package metadata

import (
	"errors"
	"strings"
	"time"

	"peharvest/internal/peheader"
)

// Record is the persisted header summary of one artifact.
type Record struct {
	RemoteID     string
	Size         int64
	FileType     peheader.FileType
	Architecture peheader.Architecture
	Imports      int
	Exports      int
	CreatedAt    time.Time
}

func (r Record) validate() error {
	switch {
	case strings.TrimSpace(r.RemoteID) == "":
		return errors.New("remote id is required")
	case r.Size < 0:
		return errors.New("size must be non-negative")
	case r.Imports < 0 || r.Exports < 0:
		return errors.New("import and export counts must be non-negative")
	}
	return nil
}

func fileTypeOrUnknown(v peheader.FileType) peheader.FileType {
	switch v {
	case peheader.FileTypeDLL, peheader.FileTypeEXE:
		return v
	default:
		return peheader.FileTypeUnknown
	}
}

func architectureOrUnknown(v peheader.Architecture) peheader.Architecture {
	switch v {
	case peheader.ArchX32, peheader.ArchX64:
		return v
	default:
		return peheader.ArchUnknown
	}
}
