// Package config loads, normalizes, and validates peharvest configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours the PEHARVEST_BUCKET environment
// fallback. The Config type centralizes every knob the pipeline and CLI need:
// staging/data/log directories, the catalog backend, sampling policy, worker
// pool sizes, and the size measurement unit.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
