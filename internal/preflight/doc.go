// Package preflight provides readiness checks for the executables,
// directories, and metadata store a harvest run depends on.
//
// The CLI "peharvest check" command prints every result, and "peharvest run"
// calls RunAll before acquiring the run lock so a doomed run fails before
// anything is downloaded.
package preflight
