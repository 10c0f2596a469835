package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeCatalog(); err != nil {
		return err
	}
	c.normalizeWorkers()
	c.normalizeMeasure()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StagingDir) == "" {
		c.Paths.StagingDir = defaultStagingDir
	}
	if c.Paths.StagingDir, err = expandPath(c.Paths.StagingDir); err != nil {
		return fmt.Errorf("paths.staging_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeCatalog() error {
	c.Catalog.Backend = strings.ToLower(strings.TrimSpace(c.Catalog.Backend))
	if c.Catalog.Backend == "" {
		c.Catalog.Backend = defaultCatalogBackend
	}

	c.Catalog.Bucket = strings.TrimSpace(c.Catalog.Bucket)
	if c.Catalog.Bucket == "" {
		if value, ok := os.LookupEnv("PEHARVEST_BUCKET"); ok {
			c.Catalog.Bucket = strings.TrimSpace(value)
		}
	}
	c.Catalog.Bucket = strings.TrimPrefix(c.Catalog.Bucket, "s3://")
	c.Catalog.Bucket = strings.TrimRight(c.Catalog.Bucket, "/")

	if strings.TrimSpace(c.Catalog.Root) != "" {
		root, err := expandPath(c.Catalog.Root)
		if err != nil {
			return fmt.Errorf("catalog.root: %w", err)
		}
		c.Catalog.Root = root
	}

	labels := make([]string, 0, len(c.Catalog.Labels))
	for _, label := range c.Catalog.Labels {
		label = strings.Trim(strings.TrimSpace(label), "/")
		if label != "" {
			labels = append(labels, label)
		}
	}
	if len(labels) == 0 {
		labels = append(labels, DefaultLabels...)
	}
	c.Catalog.Labels = labels

	c.Catalog.AWSBinary = strings.TrimSpace(c.Catalog.AWSBinary)
	if c.Catalog.AWSBinary == "" {
		c.Catalog.AWSBinary = defaultAWSBinary
	}
	c.Catalog.Region = strings.TrimSpace(c.Catalog.Region)
	c.Catalog.EndpointURL = strings.TrimSpace(c.Catalog.EndpointURL)
	return nil
}

func (c *Config) normalizeWorkers() {
	fallback := defaultWorkerCount()
	if c.Workers.Fetch <= 0 {
		c.Workers.Fetch = fallback
	}
	if c.Workers.Process <= 0 {
		c.Workers.Process = fallback
	}
	if c.Workers.Cleanup <= 0 {
		c.Workers.Cleanup = fallback
	}
}

func (c *Config) normalizeMeasure() {
	c.Measure.Unit = strings.ToLower(strings.TrimSpace(c.Measure.Unit))
	if c.Measure.Unit == "" {
		c.Measure.Unit = defaultMeasureUnit
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
