// Package metadata persists one header record per remote artifact in SQLite.
//
// The artifacts table is keyed by remote_id, so uniqueness is enforced by the
// database rather than by callers: a second Insert for the same identifier
// fails with ErrDuplicate, which the pipeline reports as "already recorded".
// Records are write-once; nothing in this package updates or deletes them.
package metadata
