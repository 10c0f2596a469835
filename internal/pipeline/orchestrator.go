package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"peharvest/internal/catalog"
	"peharvest/internal/config"
	"peharvest/internal/logging"
	"peharvest/internal/metadata"
	"peharvest/internal/services"
	"peharvest/internal/staging"
	"peharvest/internal/workpool"
)

// MetadataStore is the dedup store capability the pipeline needs.
type MetadataStore interface {
	Ping(ctx context.Context) error
	Exists(ctx context.Context, remoteID string) (bool, error)
	Insert(ctx context.Context, rec metadata.Record) error
}

// Extractor produces a metadata record for a staged file.
type Extractor interface {
	Extract(ctx context.Context, localPath, remoteID string) (metadata.Record, error)
}

// Dependencies are the collaborators a run wires together.
type Dependencies struct {
	Catalog   catalog.Catalog
	Extractor Extractor
	Store     MetadataStore
	Logger    *slog.Logger
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithStateObserver registers a callback invoked on every state change.
func WithStateObserver(fn func(runID string, state State)) Option {
	return func(o *Orchestrator) {
		o.observer = fn
	}
}

// Orchestrator runs harvests. Each call to Run builds fresh worker pools;
// concurrent runs sharing a staging directory are rejected by a file lock.
type Orchestrator struct {
	catalog      catalog.Catalog
	extractor    Extractor
	store        MetadataStore
	base         *slog.Logger
	logger       *slog.Logger
	labels       [2]string
	listTimeout  time.Duration
	allowPartial bool
	stagingDir   string
	lockPath     string
	workers      config.Workers
	observer     func(string, State)
}

// New validates dependencies and captures run settings from cfg.
func New(cfg *config.Config, deps Dependencies, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "init", "config is nil", nil)
	}
	if deps.Catalog == nil || deps.Extractor == nil || deps.Store == nil {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "init", "catalog, extractor, and store are required", nil)
	}
	if len(cfg.Catalog.Labels) != 2 {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "init",
			fmt.Sprintf("exactly two catalog labels required, got %d", len(cfg.Catalog.Labels)), nil)
	}
	o := &Orchestrator{
		catalog:      deps.Catalog,
		extractor:    deps.Extractor,
		store:        deps.Store,
		base:         deps.Logger,
		logger:       logging.NewComponentLogger(deps.Logger, "pipeline"),
		labels:       [2]string{cfg.Catalog.Labels[0], cfg.Catalog.Labels[1]},
		listTimeout:  cfg.ListTimeout(),
		allowPartial: cfg.Sampling.AllowPartial,
		stagingDir:   cfg.Paths.StagingDir,
		lockPath:     cfg.RunLockPath(),
		workers:      cfg.Workers,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// run carries per-run state through the stages.
type run struct {
	id     string
	ctx    context.Context
	logger *slog.Logger
	report *Report
	state  State
}

// Run samples target artifacts and harvests them. The report is always
// returned once the run lock is held; err is non-nil when a stage aborted
// the run or the context was cancelled.
func (o *Orchestrator) Run(ctx context.Context, target int) (*Report, error) {
	return o.execute(ctx, target, func(r *run) ([]catalog.Locator, error) {
		return o.sample(r, target)
	})
}

// RunLocators harvests an explicit locator list, skipping sampling.
func (o *Orchestrator) RunLocators(ctx context.Context, locators []catalog.Locator) (*Report, error) {
	return o.execute(ctx, len(locators), func(r *run) ([]catalog.Locator, error) {
		r.report.Sampled = len(locators)
		return locators, nil
	})
}

func (o *Orchestrator) execute(ctx context.Context, target int, source func(*run) ([]catalog.Locator, error)) (*Report, error) {
	lock, err := o.acquireLock()
	if err != nil {
		return nil, err
	}
	defer func() {
		if unlockErr := lock.Unlock(); unlockErr != nil {
			o.logger.Warn("failed to release run lock", logging.String("lock", o.lockPath), logging.Error(unlockErr))
		}
	}()

	id := uuid.NewString()
	ctx = services.WithRunID(ctx, id)
	r := &run{
		id:     id,
		ctx:    ctx,
		logger: logging.WithContext(ctx, o.logger),
		report: &Report{RunID: id, Target: target, StartedAt: time.Now().UTC()},
		state:  StateIdle,
	}
	r.logger.Info("run started",
		logging.Int("target", target),
		logging.String("staging_dir", o.stagingDir),
		logging.Int("fetch_workers", o.workers.Fetch),
		logging.Int("process_workers", o.workers.Process),
		logging.Int("cleanup_workers", o.workers.Cleanup),
	)

	abortErr := o.stages(r, source)

	o.transition(r, StateCleaningUp)
	o.cleanup(r)

	if abortErr == nil {
		abortErr = ctx.Err()
	}
	r.report.Err = abortErr
	r.report.FinishedAt = time.Now().UTC()
	if abortErr != nil {
		o.transition(r, StateFailed)
		logging.ErrorWithContext(r.logger, "run failed", "run_failed",
			logging.Error(abortErr),
			logging.String(logging.FieldErrorHint, hintFor(abortErr)),
		)
		return r.report, abortErr
	}
	o.transition(r, StateDone)
	r.logger.Info("run finished",
		logging.Int("sampled", r.report.Sampled),
		logging.Int("stored", r.report.Stored),
		logging.Int("existing", r.report.Existing),
		logging.Int("failed", r.report.Failed),
		logging.Int("cleaned", r.report.Cleaned),
		logging.Duration("duration", r.report.Duration()),
	)
	return r.report, nil
}

// stages runs everything before cleanup and returns the abort cause, if any.
func (o *Orchestrator) stages(r *run, source func(*run) ([]catalog.Locator, error)) error {
	locators, err := source(r)
	if err != nil {
		return err
	}

	o.transition(r, StateFetching)
	artifacts, err := o.fetch(r, locators)
	if err != nil {
		return err
	}

	o.transition(r, StateProcessing)
	if err := r.ctx.Err(); err != nil {
		failStaged(r, artifacts, err)
		return err
	}
	if err := o.store.Ping(context.WithoutCancel(r.ctx)); err != nil {
		failStaged(r, artifacts, err)
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	o.process(r, artifacts)
	return nil
}

// failStaged records every staged artifact as failed in Processing.
func failStaged(r *run, artifacts []staging.Artifact, err error) {
	for _, artifact := range artifacts {
		r.report.record(ItemResult{
			Locator:   artifact.Locator,
			RemoteID:  artifact.RemoteID,
			LocalPath: artifact.LocalPath,
			Outcome:   OutcomeFailed,
			Stage:     StateProcessing,
			Err:       err,
		})
	}
}

func (o *Orchestrator) sample(r *run, target int) ([]catalog.Locator, error) {
	o.transition(r, StateSampling)
	ctx := services.WithStage(r.ctx, string(StateSampling))
	sampler := catalog.NewSampler(o.catalog, o.labels[0], o.labels[1], o.listTimeout, o.base)
	sample, err := sampler.Sample(ctx, target)
	r.report.ListErrors = sample.Errors
	r.report.Sampled = len(sample.Locators)
	if err != nil {
		return nil, err
	}
	if sample.Partial() && !o.allowPartial {
		return nil, fmt.Errorf("%w: %w", ErrPartialSample, sample.Errors[0])
	}
	return sample.Locators, nil
}

func (o *Orchestrator) fetch(r *run, locators []catalog.Locator) ([]staging.Artifact, error) {
	ctx := services.WithStage(r.ctx, string(StateFetching))
	fetcher := staging.NewFetcher(o.catalog, o.stagingDir, o.workers.Fetch, o.base)
	result, err := fetcher.FetchAll(ctx, locators)
	if err != nil {
		return nil, err
	}
	r.report.Fetched = len(result.Staged)
	r.report.Duplicates = result.Duplicates
	r.report.FetchPeak = result.PeakConcurrency
	for _, fetchErr := range result.Errors {
		r.report.record(ItemResult{
			Locator:  fetchErr.Locator,
			RemoteID: fetchErr.RemoteID,
			Outcome:  OutcomeFailed,
			Stage:    StateFetching,
			Err:      fetchErr.Err,
		})
	}
	return result.Staged, nil
}

func (o *Orchestrator) process(r *run, artifacts []staging.Artifact) {
	ctx := services.WithStage(r.ctx, string(StateProcessing))
	results := make([]ItemResult, len(artifacts))

	pool := workpool.New(o.workers.Process)
	skipped := pool.Run(ctx, len(artifacts), func(ctx context.Context, i int) {
		results[i] = o.processOne(context.WithoutCancel(ctx), artifacts[i])
	})
	for _, i := range skipped {
		results[i] = ItemResult{
			Locator:   artifacts[i].Locator,
			RemoteID:  artifacts[i].RemoteID,
			LocalPath: artifacts[i].LocalPath,
			Outcome:   OutcomeFailed,
			Stage:     StateProcessing,
			Err:       ctx.Err(),
		}
	}
	r.report.ProcessPeak = pool.Peak()
	for _, result := range results {
		r.report.record(result)
	}
}

// processOne runs exists? -> extract -> insert for one artifact.
func (o *Orchestrator) processOne(ctx context.Context, artifact staging.Artifact) ItemResult {
	ctx = services.WithRemoteID(ctx, artifact.RemoteID)
	logger := logging.WithContext(ctx, o.logger)
	result := ItemResult{
		Locator:   artifact.Locator,
		RemoteID:  artifact.RemoteID,
		LocalPath: artifact.LocalPath,
		Stage:     StateProcessing,
	}
	fail := func(msg string, err error) ItemResult {
		result.Outcome = OutcomeFailed
		result.Err = err
		logging.WarnWithContext(logger, msg, "process_failed",
			logging.Error(err),
			logging.Bool("retryable", services.Retryable(err)),
		)
		return result
	}

	exists, err := o.store.Exists(ctx, artifact.RemoteID)
	if err != nil {
		return fail("existence check failed", err)
	}
	if exists {
		logger.Info("metadata already recorded, skipping")
		result.Outcome = OutcomeExisting
		return result
	}

	rec, err := o.extractor.Extract(ctx, artifact.LocalPath, artifact.RemoteID)
	if err != nil {
		return fail("metadata extraction failed", err)
	}
	if err := o.store.Insert(ctx, rec); err != nil {
		if errors.Is(err, metadata.ErrDuplicate) {
			logger.Info("metadata recorded concurrently, skipping")
			result.Outcome = OutcomeExisting
			return result
		}
		return fail("metadata insert failed", err)
	}
	logger.Info("metadata stored",
		logging.String("file_type", string(rec.FileType)),
		logging.String("architecture", string(rec.Architecture)),
	)
	result.Outcome = OutcomeStored
	return result
}

func (o *Orchestrator) cleanup(r *run) {
	ctx := services.WithStage(r.ctx, string(StateCleaningUp))
	result := staging.Clean(ctx, o.stagingDir, o.workers.Cleanup, o.base)
	r.report.Cleaned = len(result.Removed)
	r.report.CleanupErrors = result.Errors
	r.report.CleanupPeak = result.PeakConcurrency
}

func (o *Orchestrator) acquireLock() (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(o.lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("prepare run lock: %w", err)
	}
	lock := flock.New(o.lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (lock %s)", ErrRunInProgress, o.lockPath)
	}
	return lock, nil
}

func (o *Orchestrator) transition(r *run, next State) {
	if !canTransition(r.state, next) {
		// Programming error; cleanup must still run.
		r.logger.Error("illegal state transition", logging.String("from", string(r.state)), logging.String("to", string(next)))
	}
	r.state = next
	r.report.States = append(r.report.States, next)
	r.logger.Debug("state changed", logging.String("state", string(next)))
	if o.observer != nil {
		o.observer(r.id, next)
	}
}

func hintFor(err error) string {
	switch {
	case errors.Is(err, catalog.ErrCatalogUnavailable):
		return "check bucket name, network access, and the aws binary"
	case errors.Is(err, ErrPartialSample):
		return "set sampling.allow_partial = true or fix the failing catalog"
	case errors.Is(err, ErrStoreUnavailable):
		return "check paths.data_dir and the metadata database file"
	case errors.Is(err, context.Canceled):
		return "run was interrupted; rerun to harvest the remaining artifacts"
	default:
		return "check logs for details"
	}
}
