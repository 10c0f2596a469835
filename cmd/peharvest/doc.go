// Package main hosts the peharvest CLI entrypoint and command graph.
//
// The Cobra command tree resolves configuration once, wires the catalog,
// extractor, and metadata store into a pipeline run, and exposes read-only
// views over the metadata database and the staging directory. Heavy lifting
// lives in the internal packages; commands here only translate flags and
// render results.
package main
