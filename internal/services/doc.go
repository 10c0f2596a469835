// Package services defines shared utilities consumed by the pipeline stages
// and the catalog, staging, and metadata collaborators.
//
// Key responsibilities:
//   - Context helpers that stamp run IDs, stage names, and remote artifact
//     identifiers for logging.
//   - Structured error markers plus the Wrap helper so callers can classify
//     failures (not found, unavailable, external tool) with errors.Is.
//
// Use these helpers when wiring new stage logic so operational behaviour
// (error classification, observability) stays uniform across the pipeline.
package services
