package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"peharvest/internal/staging"
)

func newStagingCommand(ctx *commandContext) *cobra.Command {
	stagingCmd := &cobra.Command{
		Use:   "staging",
		Short: "Inspect or empty the staging directory",
	}
	stagingCmd.AddCommand(newStagingListCommand(ctx))
	stagingCmd.AddCommand(newStagingCleanCommand(ctx))
	return stagingCmd
}

func newStagingListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List files left in the staging directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			stagingDir := strings.TrimSpace(cfg.Paths.StagingDir)
			entries, err := staging.List(stagingDir)
			if err != nil {
				return fmt.Errorf("list staging directory: %w", err)
			}

			if ctx.JSONMode() {
				if entries == nil {
					entries = []staging.EntryInfo{}
				}
				return writeJSON(cmd, map[string]any{
					"staging_dir":      stagingDir,
					"files":            entries,
					"total_size_bytes": staging.TotalSize(entries),
				})
			}

			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "Staging directory is empty")
				return nil
			}
			fmt.Fprintf(out, "Staging directory: %s\n\n", stagingDir)
			rows := make([][]string, 0, len(entries))
			for _, entry := range entries {
				rows = append(rows, []string{
					entry.Label,
					entry.Name,
					humanize.Time(entry.ModTime),
					humanize.IBytes(uint64(max(entry.Size, 0))),
				})
			}
			fmt.Fprint(out, renderTable(
				[]string{"Label", "File", "Age", "Size"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight},
			))
			fmt.Fprintf(out, "\nTotal: %d files, %s\n", len(entries), humanize.IBytes(uint64(max(staging.TotalSize(entries), 0))))
			return nil
		},
	}
}

func newStagingCleanCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove files left behind by an interrupted run",
		Long: `Remove every file and subdirectory under the staging directory.

Refuses to run while a harvest holds the run lock, since that run owns the
staging directory and empties it itself when it finishes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			lock := flock.New(cfg.RunLockPath())
			locked, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire run lock: %w", err)
			}
			if !locked {
				return fmt.Errorf("a run is in progress (lock %s); its cleanup will empty the staging directory", cfg.RunLockPath())
			}
			defer lock.Unlock()

			logger, err := ctx.logger()
			if err != nil {
				return err
			}
			result := staging.Clean(cmd.Context(), cfg.Paths.StagingDir, cfg.Workers.Cleanup, logger)

			errs := make([]string, 0, len(result.Errors))
			for _, e := range result.Errors {
				errs = append(errs, e.Error())
			}
			if ctx.JSONMode() {
				return writeJSON(cmd, map[string]any{
					"removed": len(result.Removed),
					"errors":  errs,
				})
			}
			out := cmd.OutOrStdout()
			switch {
			case len(result.Removed) == 0 && len(errs) == 0:
				fmt.Fprintln(out, "Nothing to clean")
			case len(errs) > 0:
				fmt.Fprintf(out, "Removed %d paths, %d errors\n", len(result.Removed), len(errs))
				for _, e := range errs {
					fmt.Fprintf(out, "  Error: %s\n", e)
				}
			default:
				fmt.Fprintf(out, "Removed %d paths\n", len(result.Removed))
			}
			return nil
		},
	}
}
