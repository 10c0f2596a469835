package catalog

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"peharvest/internal/config"
	"peharvest/internal/fileutil"
	"peharvest/internal/services"
)

// Executor abstracts command execution for testability.
type Executor interface {
	Run(ctx context.Context, binary string, args []string, onStdout func(string)) error
}

// Option configures the AWS CLI catalog.
type Option func(*AWSCLI)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(c *AWSCLI) {
		if exec != nil {
			c.exec = exec
		}
	}
}

// AWSCLI lists and downloads objects by shelling out to `aws s3`.
type AWSCLI struct {
	binary          string
	bucket          string
	noSign          bool
	region          string
	endpoint        string
	downloadTimeout time.Duration
	exec            Executor
}

// NewAWSCLI constructs the S3 catalog from configuration.
func NewAWSCLI(cfg *config.Config, opts ...Option) (*AWSCLI, error) {
	bucket := strings.TrimSpace(cfg.Catalog.Bucket)
	if bucket == "" {
		return nil, services.Wrap(services.ErrConfiguration, "catalog", "init", "bucket required", nil)
	}
	binary := strings.TrimSpace(cfg.Catalog.AWSBinary)
	if binary == "" {
		binary = "aws"
	}
	c := &AWSCLI{
		binary:          binary,
		bucket:          bucket,
		noSign:          cfg.Catalog.NoSignRequest,
		region:          cfg.Catalog.Region,
		endpoint:        cfg.Catalog.EndpointURL,
		downloadTimeout: cfg.DownloadTimeout(),
		exec:            commandExecutor{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// RemoteID returns s3://<bucket>/<key>.
func (c *AWSCLI) RemoteID(loc Locator) string {
	return s3URI(c.bucket, loc.Key)
}

// listingLine matches `aws s3 ls` object rows: date, time, size, name.
var listingLine = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})\s+(\d{2}:\d{2}:\d{2})\s+(\d+)\s+(.+)$`)

// List runs `aws s3 ls s3://<bucket>/<label>/`. Common-prefix rows are skipped.
func (c *AWSCLI) List(ctx context.Context, label string) ([]Locator, error) {
	prefix := strings.Trim(label, "/") + "/"
	args := append(c.globalArgs(), "ls", s3URI(c.bucket, prefix))

	var locators []Locator
	err := c.exec.Run(ctx, c.binary, args, func(line string) {
		match := listingLine.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if match == nil {
			return
		}
		name := match[4]
		if strings.HasSuffix(name, "/") {
			return
		}
		size, _ := strconv.ParseInt(match[3], 10, 64)
		locators = append(locators, Locator{Label: label, Key: prefix + name, Size: size})
	})
	if err != nil {
		return nil, classify("list", s3URI(c.bucket, prefix), err)
	}
	return locators, nil
}

// Download runs `aws s3 cp` into a temporary sibling of dest and renames it
// into place on success.
func (c *AWSCLI) Download(ctx context.Context, loc Locator, dest string) error {
	if c.downloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.downloadTimeout)
		defer cancel()
	}

	partial := filepath.Join(filepath.Dir(dest), "."+filepath.Base(dest)+".part")
	args := append(c.globalArgs(), "cp", "--only-show-errors", c.RemoteID(loc), partial)
	if err := c.exec.Run(ctx, c.binary, args, nil); err != nil {
		_ = fileutil.RemoveIfExists(partial)
		return classify("download", c.RemoteID(loc), err)
	}
	if _, err := os.Stat(partial); err != nil {
		return services.Wrap(services.ErrExternalTool, "catalog", "download", "aws reported success but wrote no file", err)
	}
	if err := os.Rename(partial, dest); err != nil {
		_ = fileutil.RemoveIfExists(partial)
		return fmt.Errorf("finalize download: %w", err)
	}
	return nil
}

func (c *AWSCLI) globalArgs() []string {
	args := []string{"s3"}
	if c.noSign {
		args = append(args, "--no-sign-request")
	}
	if c.region != "" {
		args = append(args, "--region", c.region)
	}
	if c.endpoint != "" {
		args = append(args, "--endpoint-url", c.endpoint)
	}
	return args
}

// CommandError carries the exit status and stderr tail of a failed CLI call.
type CommandError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("exit %d: %v", e.ExitCode, e.Err)
	}
	return fmt.Sprintf("exit %d: %s", e.ExitCode, e.Stderr)
}

func (e *CommandError) Unwrap() error { return e.Err }

var notFoundMarkers = []string{"NoSuchKey", "NoSuchBucket", "404", "does not exist", "Not Found"}

func classify(operation, target string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return services.Wrap(services.ErrTransient, "catalog", operation, target, err)
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return services.Wrap(services.ErrExternalTool, "catalog", operation, "aws cli not found", err)
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		for _, marker := range notFoundMarkers {
			if strings.Contains(cmdErr.Stderr, marker) {
				return services.Wrap(services.ErrNotFound, "catalog", operation, target, err)
			}
		}
		return services.Wrap(services.ErrExternalTool, "catalog", operation, target, err)
	}
	return services.Wrap(services.ErrTransient, "catalog", operation, target, err)
}

const stderrTailLimit = 2048

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, binary string, args []string, onStdout func(string)) error {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start command: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if onStdout != nil {
			onStdout(scanner.Text())
		}
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		_, _ = io.Copy(io.Discard, stdout)
	}

	waitErr := cmd.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if waitErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		tail := strings.TrimSpace(stderr.String())
		if len(tail) > stderrTailLimit {
			tail = tail[len(tail)-stderrTailLimit:]
		}
		return &CommandError{ExitCode: exitCode, Stderr: tail, Err: waitErr}
	}
	if scanErr != nil {
		return fmt.Errorf("read output: %w", scanErr)
	}
	return nil
}
