package metadata

import (
	"errors"
	"fmt"
	"strings"

	sqlite3 "modernc.org/sqlite/lib"
)

// ErrDuplicate reports an insert for a remote identifier that already has a record.
var ErrDuplicate = errors.New("metadata record already exists")

// StoreError describes a failed store operation for one remote identifier.
type StoreError struct {
	Op       string
	RemoteID string
	Err      error
}

func (e *StoreError) Error() string {
	if e.RemoteID == "" {
		return fmt.Sprintf("metadata %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("metadata %s %s: %v", e.Op, e.RemoteID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

type sqliteCoder interface{ Code() int }

func primaryCode(err error) (int, bool) {
	var coder sqliteCoder
	if errors.As(err, &coder) {
		return coder.Code() & 0xff, true
	}
	return 0, false
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	if code, ok := primaryCode(err); ok && code == sqlite3.SQLITE_BUSY {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	if code, ok := primaryCode(err); ok && code == sqlite3.SQLITE_CONSTRAINT {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}
