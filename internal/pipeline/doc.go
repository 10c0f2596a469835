// Package pipeline runs one harvest: sample the catalogs, stage the
// selected artifacts, record their header metadata once, and clean the
// staging directory.
//
// Stages run strictly in order (Sampling, Fetching, Processing,
// CleaningUp) with a barrier between them. Each stage uses its own bounded
// worker pool and isolates failures per artifact. Only three conditions
// abort a run: no catalog could be listed, a partial sample was refused by
// configuration, or the metadata store is unreachable. Cleanup runs in every
// case once the run lock is held.
package pipeline
