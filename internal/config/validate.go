package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateCatalog(); err != nil {
		return err
	}
	if err := c.validateSampling(); err != nil {
		return err
	}
	if err := c.validateMeasure(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.StagingDir) == "" {
		return errors.New("paths.staging_dir must be set")
	}
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir must be set")
	}
	return nil
}

func (c *Config) validateCatalog() error {
	switch c.Catalog.Backend {
	case BackendS3:
		if c.Catalog.Bucket == "" {
			defaultPath, err := DefaultConfigPath()
			if err != nil {
				defaultPath = defaultConfigPath
			}
			return fmt.Errorf("catalog.bucket is required. Set PEHARVEST_BUCKET env var or edit %s (create with 'peharvest config init')", defaultPath)
		}
	case BackendDir:
		if c.Catalog.Root == "" {
			return errors.New("catalog.root must be set when catalog.backend is \"dir\"")
		}
	default:
		return fmt.Errorf("catalog.backend: unsupported value %q (want %q or %q)", c.Catalog.Backend, BackendS3, BackendDir)
	}

	if len(c.Catalog.Labels) != 2 {
		return fmt.Errorf("catalog.labels must name exactly two catalogs, got %d", len(c.Catalog.Labels))
	}
	if c.Catalog.Labels[0] == c.Catalog.Labels[1] {
		return fmt.Errorf("catalog.labels must be distinct, got %q twice", c.Catalog.Labels[0])
	}
	for _, label := range c.Catalog.Labels {
		if strings.ContainsAny(label, `/\`) {
			return fmt.Errorf("catalog.labels: %q must be a single path segment", label)
		}
	}
	if c.Catalog.ListTimeout < 0 {
		return errors.New("catalog.list_timeout must be >= 0")
	}
	if c.Catalog.DownloadTimeout < 0 {
		return errors.New("catalog.download_timeout must be >= 0")
	}
	return nil
}

func (c *Config) validateSampling() error {
	if c.Sampling.TargetCount < 0 {
		return errors.New("sampling.target_count must be >= 0")
	}
	return nil
}

func (c *Config) validateMeasure() error {
	switch c.Measure.Unit {
	case UnitLines, UnitBytes:
		return nil
	default:
		return fmt.Errorf("measure.unit: unsupported value %q (want %q or %q)", c.Measure.Unit, UnitLines, UnitBytes)
	}
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
