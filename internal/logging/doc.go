// Package logging assembles structured slog loggers and formatting helpers used
// across peharvest.
//
// It owns the console/JSON handlers, centralizes level and output plumbing,
// and exposes context-aware helpers so stage code can tag log lines with the
// run ID, stage, and remote artifact identifier. The package also provides a
// no-op logger for tests and wiring code that cannot fail.
package logging
