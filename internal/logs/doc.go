// Package logs reads the peharvest log file for the CLI: the last lines of
// a file, optionally narrowed to one run, and a polling follower for new
// output.
package logs
