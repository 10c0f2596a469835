package config

import "runtime"

const (
	defaultConfigPath      = "~/.config/peharvest/config.toml"
	defaultStagingDir      = "~/.local/share/peharvest/staging"
	defaultDataDir         = "~/.local/share/peharvest"
	defaultLogDir          = "~/.local/share/peharvest/logs"
	defaultCatalogBackend  = BackendS3
	defaultAWSBinary       = "aws"
	defaultListTimeout     = 120
	defaultDownloadTimeout = 600
	defaultTargetCount     = 10
	defaultMeasureUnit     = UnitLines
	defaultLogFormat       = "console"
	defaultLogLevel        = "info"
	maxDefaultWorkers      = 32
)

// Catalog backends.
const (
	BackendS3  = "s3"
	BackendDir = "dir"
)

// Size measurement units.
const (
	UnitLines = "lines"
	UnitBytes = "bytes"
)

// DefaultLabels are the benign and malicious catalog partitions.
var DefaultLabels = []string{"0", "1"}

// Default returns a Config populated with repository defaults.
func Default() Config {
	workers := defaultWorkerCount()
	return Config{
		Paths: Paths{
			StagingDir: defaultStagingDir,
			DataDir:    defaultDataDir,
			LogDir:     defaultLogDir,
		},
		Catalog: Catalog{
			Backend:         defaultCatalogBackend,
			Labels:          append([]string(nil), DefaultLabels...),
			AWSBinary:       defaultAWSBinary,
			NoSignRequest:   true,
			ListTimeout:     defaultListTimeout,
			DownloadTimeout: defaultDownloadTimeout,
		},
		Sampling: Sampling{
			TargetCount:  defaultTargetCount,
			AllowPartial: true,
		},
		Workers: Workers{
			Fetch:   workers,
			Process: workers,
			Cleanup: workers,
		},
		Measure: Measure{
			Unit: defaultMeasureUnit,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}

// defaultWorkerCount mirrors the usual thread pool sizing for I/O bound work.
func defaultWorkerCount() int {
	return min(maxDefaultWorkers, runtime.NumCPU()+4)
}
