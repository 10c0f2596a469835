package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains local directory configuration.
type Paths struct {
	StagingDir string `toml:"staging_dir"`
	DataDir    string `toml:"data_dir"`
	LogDir     string `toml:"log_dir"`
}

// Catalog describes where artifacts are listed and downloaded from.
//
// The "s3" backend shells out to the AWS CLI; the "dir" backend reads a local
// directory laid out like the bucket (one subdirectory per label).
type Catalog struct {
	Backend         string   `toml:"backend"`
	Bucket          string   `toml:"bucket"`
	Root            string   `toml:"root"`
	Labels          []string `toml:"labels"`
	AWSBinary       string   `toml:"aws_binary"`
	NoSignRequest   bool     `toml:"no_sign_request"`
	Region          string   `toml:"region"`
	EndpointURL     string   `toml:"endpoint_url"`
	ListTimeout     int      `toml:"list_timeout"`
	DownloadTimeout int      `toml:"download_timeout"`
}

// Sampling controls how many artifacts a run selects.
type Sampling struct {
	TargetCount  int  `toml:"target_count"`
	AllowPartial bool `toml:"allow_partial"`
}

// Workers sizes the per-stage worker pools.
type Workers struct {
	Fetch   int `toml:"fetch"`
	Process int `toml:"process"`
	Cleanup int `toml:"cleanup"`
}

// Measure selects the size measurement unit recorded for each artifact.
type Measure struct {
	Unit string `toml:"unit"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for peharvest.
//
// Configuration sections by subsystem:
//   - Paths: staging, metadata database, and log directories
//   - Catalog: backend selection, bucket, labels, AWS CLI flags and timeouts
//   - Sampling: target artifact count and partial-sample policy
//   - Workers: fetch/process/cleanup pool sizes
//   - Measure: size unit ("lines" or "bytes")
//   - Logging: log format and level
type Config struct {
	Paths    Paths    `toml:"paths"`
	Catalog  Catalog  `toml:"catalog"`
	Sampling Sampling `toml:"sampling"`
	Workers  Workers  `toml:"workers"`
	Measure  Measure  `toml:"measure"`
	Logging  Logging  `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("peharvest.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the data and log directories. The staging
// directory is created per run by the fetcher and removed by cleanup.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the metadata database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "metadata.db")
}

// RunLockPath returns the lock file guarding the staging directory.
func (c *Config) RunLockPath() string {
	return filepath.Clean(c.Paths.StagingDir) + ".lock"
}

// ListTimeout returns the catalog listing timeout. Zero disables the timeout.
func (c *Config) ListTimeout() time.Duration {
	return time.Duration(c.Catalog.ListTimeout) * time.Second
}

// DownloadTimeout returns the per-artifact download timeout. Zero disables the timeout.
func (c *Config) DownloadTimeout() time.Duration {
	return time.Duration(c.Catalog.DownloadTimeout) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
