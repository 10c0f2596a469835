package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"peharvest/internal/catalog"
	"peharvest/internal/config"
	"peharvest/internal/extract"
	"peharvest/internal/metadata"
	"peharvest/internal/peheader"
	"peharvest/internal/pipeline"
	"peharvest/internal/preflight"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var count int
	var keys []string
	var skipCheck bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sample, fetch, and record artifact metadata",
		Long: `Sample artifacts from both catalogs, stage them locally, extract header
metadata, and record it once per remote identifier. The staging directory is
emptied before the command returns, whether or not the run succeeded.

Use --key to harvest specific catalog keys (label/name) instead of sampling,
for example to retry the failures reported by a previous run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			locators, err := parseKeys(keys)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("count") {
				count = cfg.Sampling.TargetCount
			}
			if count < 0 {
				return fmt.Errorf("--count must be non-negative, got %d", count)
			}

			if !skipCheck {
				if failed := preflight.Failed(preflight.RunAll(cmd.Context(), cfg)); len(failed) > 0 {
					return fmt.Errorf("preflight failed: %s", preflight.Summary(failed))
				}
			}

			logger, err := ctx.logger()
			if err != nil {
				return err
			}
			cat, err := catalog.New(cfg)
			if err != nil {
				return fmt.Errorf("init catalog: %w", err)
			}
			measurer, err := extract.NewMeasurer(cfg.Measure.Unit)
			if err != nil {
				return err
			}

			return ctx.withStore(func(store *metadata.Store) error {
				progress := cmd.ErrOrStderr()
				colorize := shouldColorize(progress)
				opts := []pipeline.Option{}
				if !ctx.JSONMode() {
					opts = append(opts, pipeline.WithStateObserver(func(_ string, state pipeline.State) {
						fmt.Fprintln(progress, renderStatusLine("Stage", stateKind(state), stageLabel(state), colorize))
					}))
				}
				orch, err := pipeline.New(cfg, pipeline.Dependencies{
					Catalog:   cat,
					Extractor: extract.New(peheader.PEParser{}, measurer, extract.WithLogger(logger)),
					Store:     store,
					Logger:    logger,
				}, opts...)
				if err != nil {
					return err
				}

				var report *pipeline.Report
				var runErr error
				if len(locators) > 0 {
					report, runErr = orch.RunLocators(cmd.Context(), locators)
				} else {
					report, runErr = orch.Run(cmd.Context(), count)
				}
				if report == nil {
					return runErr
				}
				if ctx.JSONMode() {
					if err := writeJSON(cmd, newReportJSON(report)); err != nil {
						return err
					}
				} else {
					printReport(cmd.OutOrStdout(), report, cfg, shouldColorize(cmd.OutOrStdout()))
				}
				return runErr
			})
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 0, "Number of artifacts to sample (default sampling.target_count)")
	cmd.Flags().StringArrayVar(&keys, "key", nil, "Harvest this catalog key (label/name) instead of sampling; repeatable")
	cmd.Flags().BoolVar(&skipCheck, "skip-check", false, "Skip preflight checks")
	cmd.MarkFlagsMutuallyExclusive("count", "key")
	return cmd
}

func parseKeys(keys []string) ([]catalog.Locator, error) {
	locators := make([]catalog.Locator, 0, len(keys))
	var errs []error
	for _, key := range keys {
		loc, err := catalog.ParseKey(key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		locators = append(locators, loc)
	}
	return locators, errors.Join(errs...)
}

func printReport(out io.Writer, report *pipeline.Report, cfg *config.Config, colorize bool) {
	fmt.Fprintln(out)
	for _, line := range renderSectionHeader("Run "+report.RunID, colorize) {
		fmt.Fprintln(out, line)
	}
	final := report.Final()
	fmt.Fprintln(out, renderStatusLine("Result", stateKind(final), stageLabel(final), colorize))
	fmt.Fprintln(out, renderStatusLine("Duration", statusInfo, report.Duration().Round(time.Millisecond).String(), colorize))

	rows := [][]string{
		{"Sampled", humanize.Comma(int64(report.Sampled))},
		{"Fetched", humanize.Comma(int64(report.Fetched))},
		{"Duplicates", humanize.Comma(int64(report.Duplicates))},
		{"Stored", humanize.Comma(int64(report.Stored))},
		{"Existing", humanize.Comma(int64(report.Existing))},
		{"Failed", humanize.Comma(int64(report.Failed))},
		{"Cleaned", humanize.Comma(int64(report.Cleaned))},
	}
	fmt.Fprintln(out, renderTable([]string{"Count", "Value"}, rows, []columnAlignment{alignLeft, alignRight}))
	fmt.Fprintf(out, "Peak concurrency: fetch %d/%d, process %d/%d, cleanup %d/%d\n",
		report.FetchPeak, cfg.Workers.Fetch,
		report.ProcessPeak, cfg.Workers.Process,
		report.CleanupPeak, cfg.Workers.Cleanup)

	for _, listErr := range report.ListErrors {
		fmt.Fprintln(out, renderStatusLine("Catalog "+listErr.Label, statusWarn, listErr.Err.Error(), colorize))
	}

	if failures := report.Failures(); len(failures) > 0 {
		fmt.Fprintln(out)
		rows := make([][]string, 0, len(failures))
		for _, item := range failures {
			rows = append(rows, []string{item.RemoteID, stageLabel(item.Stage), errString(item.Err)})
		}
		fmt.Fprintln(out, renderTable([]string{"Remote ID", "Stage", "Error"}, rows, nil))
		fmt.Fprintf(out, "Retry with: peharvest run %s\n", retryArgs(report))
	}

	for _, cleanupErr := range report.CleanupErrors {
		fmt.Fprintln(out, renderStatusLine("Cleanup", statusWarn, cleanupErr.Error(), colorize))
	}
	if report.Err != nil {
		fmt.Fprintln(out, renderStatusLine("Aborted", statusError, report.Err.Error(), colorize))
	}
}

func retryArgs(report *pipeline.Report) string {
	locators := report.FailedLocators()
	args := make([]string, 0, len(locators))
	for _, loc := range locators {
		args = append(args, "--key "+shellQuote(loc.Key))
	}
	return strings.Join(args, " ")
}

// shellQuote single-quotes s for POSIX shells unless it only holds
// characters that never need quoting.
func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	case strings.ContainsRune("-_./:@%+=,", r):
		return false
	}
	return true
}

type reportItemJSON struct {
	RemoteID string `json:"remote_id"`
	Key      string `json:"key"`
	Outcome  string `json:"outcome"`
	Stage    string `json:"stage,omitempty"`
	Error    string `json:"error,omitempty"`
}

type reportJSON struct {
	RunID         string           `json:"run_id"`
	State         string           `json:"state"`
	States        []string         `json:"states"`
	Target        int              `json:"target"`
	Sampled       int              `json:"sampled"`
	Fetched       int              `json:"fetched"`
	Duplicates    int              `json:"duplicates"`
	Stored        int              `json:"stored"`
	Existing      int              `json:"existing"`
	Failed        int              `json:"failed"`
	Cleaned       int              `json:"cleaned"`
	DurationMS    int64            `json:"duration_ms"`
	ListErrors    []string         `json:"list_errors"`
	CleanupErrors []string         `json:"cleanup_errors"`
	Items         []reportItemJSON `json:"items"`
	Error         string           `json:"error,omitempty"`
}

func newReportJSON(report *pipeline.Report) reportJSON {
	out := reportJSON{
		RunID:         report.RunID,
		State:         string(report.Final()),
		Target:        report.Target,
		Sampled:       report.Sampled,
		Fetched:       report.Fetched,
		Duplicates:    report.Duplicates,
		Stored:        report.Stored,
		Existing:      report.Existing,
		Failed:        report.Failed,
		Cleaned:       report.Cleaned,
		DurationMS:    report.Duration().Milliseconds(),
		States:        []string{},
		ListErrors:    []string{},
		CleanupErrors: []string{},
		Items:         []reportItemJSON{},
		Error:         errString(report.Err),
	}
	for _, state := range report.States {
		out.States = append(out.States, string(state))
	}
	for _, listErr := range report.ListErrors {
		out.ListErrors = append(out.ListErrors, listErr.Error())
	}
	for _, cleanupErr := range report.CleanupErrors {
		out.CleanupErrors = append(out.CleanupErrors, cleanupErr.Error())
	}
	for _, item := range report.Items {
		entry := reportItemJSON{
			RemoteID: item.RemoteID,
			Key:      item.Locator.Key,
			Outcome:  string(item.Outcome),
			Error:    errString(item.Err),
		}
		if item.Outcome == pipeline.OutcomeFailed {
			entry.Stage = string(item.Stage)
		}
		out.Items = append(out.Items, entry)
	}
	return out
}
