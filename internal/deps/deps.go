// Package deps resolves the external executables peharvest shells out to.
package deps

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"peharvest/internal/config"
)

// Binary names an external executable and what it is used for.
type Binary struct {
	Name     string
	Command  string
	Purpose  string
	Optional bool
}

// Resolution is the lookup result for one Binary.
type Resolution struct {
	Binary
	// Path is the absolute executable path when found.
	Path string
	Err  error
}

// Available reports whether the executable was found.
func (r Resolution) Available() bool { return r.Err == nil && r.Path != "" }

// Detail is a short human-readable status.
func (r Resolution) Detail() string {
	switch {
	case r.Available():
		return r.Path
	case errors.Is(r.Err, errNotConfigured):
		return "command not configured"
	default:
		return fmt.Sprintf("binary %q not found", r.Command)
	}
}

var errNotConfigured = errors.New("command not configured")

// Required lists the executables the configured catalog backend needs.
// The local directory backend needs none.
func Required(cfg *config.Config) []Binary {
	if cfg == nil || cfg.Catalog.Backend != config.BackendS3 {
		return nil
	}
	return []Binary{{
		Name:    "AWS CLI",
		Command: cfg.Catalog.AWSBinary,
		Purpose: "lists and downloads catalog objects",
	}}
}

// Resolve looks up every binary on PATH (or as given, when the command
// contains a path separator).
func Resolve(binaries ...Binary) []Resolution {
	results := make([]Resolution, 0, len(binaries))
	for _, bin := range binaries {
		bin.Command = strings.TrimSpace(bin.Command)
		res := Resolution{Binary: bin}
		if bin.Command == "" {
			res.Err = errNotConfigured
			results = append(results, res)
			continue
		}
		path, err := exec.LookPath(bin.Command)
		if err != nil {
			res.Err = err
		} else {
			res.Path = path
		}
		results = append(results, res)
	}
	return results
}

// Missing returns the non-optional resolutions that failed.
func Missing(results []Resolution) []Resolution {
	var missing []Resolution
	for _, res := range results {
		if !res.Available() && !res.Optional {
			missing = append(missing, res)
		}
	}
	return missing
}
