package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"peharvest/internal/catalog"
	"peharvest/internal/config"
	"peharvest/internal/metadata"
	"peharvest/internal/peheader"
)

func newRecordsCommand(ctx *commandContext) *cobra.Command {
	recordsCmd := &cobra.Command{
		Use:     "records",
		Aliases: []string{"rec"},
		Short:   "Inspect recorded artifact metadata",
	}
	recordsCmd.AddCommand(newRecordsListCommand(ctx))
	recordsCmd.AddCommand(newRecordsShowCommand(ctx))
	recordsCmd.AddCommand(newRecordsStatsCommand(ctx))
	return recordsCmd
}

func newRecordsListCommand(ctx *commandContext) *cobra.Command {
	var fileType, arch, prefix string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded artifacts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			opts := metadata.ListOptions{
				FileType:     peheader.FileType(strings.ToLower(strings.TrimSpace(fileType))),
				Architecture: peheader.Architecture(strings.ToLower(strings.TrimSpace(arch))),
				Prefix:       strings.TrimSpace(prefix),
				Limit:        limit,
			}
			return ctx.withStore(func(store *metadata.Store) error {
				records, err := store.List(cmd.Context(), opts)
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					out := make([]recordJSON, 0, len(records))
					for _, rec := range records {
						out = append(out, newRecordJSON(rec))
					}
					return writeJSON(cmd, out)
				}
				if len(records) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No records found")
					return nil
				}
				rows := make([][]string, 0, len(records))
				for _, rec := range records {
					rows = append(rows, []string{
						rec.RemoteID,
						string(rec.FileType),
						string(rec.Architecture),
						formatSize(rec.Size, cfg.Measure.Unit),
						humanize.Comma(int64(rec.Imports)),
						humanize.Comma(int64(rec.Exports)),
						humanize.Time(rec.CreatedAt),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Remote ID", "Type", "Arch", "Size", "Imports", "Exports", "Recorded"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight},
				))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&fileType, "type", "", "Filter by file type (dll, exe, unknown)")
	cmd.Flags().StringVar(&arch, "arch", "", "Filter by architecture (x32, x64, unknown)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "Filter by remote id prefix (e.g. s3://bucket/1/)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows to show (0 for all)")
	return cmd
}

func newRecordsShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <remote-id | label/name>",
		Short: "Show one recorded artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			remoteID, err := resolveRemoteID(cfg, args[0])
			if err != nil {
				return err
			}
			return ctx.withStore(func(store *metadata.Store) error {
				rec, err := store.Get(cmd.Context(), remoteID)
				if err != nil {
					return err
				}
				if rec == nil {
					return fmt.Errorf("no record for %s", remoteID)
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, newRecordJSON(*rec))
				}
				printRecord(cmd.OutOrStdout(), *rec, cfg.Measure.Unit, shouldColorize(cmd.OutOrStdout()))
				return nil
			})
		},
	}
}

func newRecordsStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize recorded artifacts by type and architecture",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *metadata.Store) error {
				stats, err := store.Stats(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, map[string]any{
						"total":           stats.Total,
						"by_file_type":    stats.ByFileType,
						"by_architecture": stats.ByArchitecture,
					})
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Total records: %s\n\n", humanize.Comma(int64(stats.Total)))
				fmt.Fprintln(out, renderTable([]string{"File type", "Records"}, countRows(stats.ByFileType), []columnAlignment{alignLeft, alignRight}))
				fmt.Fprintln(out, renderTable([]string{"Architecture", "Records"}, countRows(stats.ByArchitecture), []columnAlignment{alignLeft, alignRight}))
				return nil
			})
		},
	}
}

// resolveRemoteID accepts a full remote id or a catalog key.
func resolveRemoteID(cfg *config.Config, arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "", errors.New("remote id or catalog key is required")
	}
	if strings.Contains(arg, "://") {
		return arg, nil
	}
	loc, err := catalog.ParseKey(arg)
	if err != nil {
		return "", err
	}
	cat, err := catalog.New(cfg)
	if err != nil {
		return "", fmt.Errorf("init catalog: %w", err)
	}
	return cat.RemoteID(loc), nil
}

func printRecord(out io.Writer, rec metadata.Record, unit string, colorize bool) {
	for _, line := range renderSectionHeader(rec.RemoteID, colorize) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out, renderStatusLine("File type", statusInfo, string(rec.FileType), colorize))
	fmt.Fprintln(out, renderStatusLine("Architecture", statusInfo, string(rec.Architecture), colorize))
	fmt.Fprintln(out, renderStatusLine("Size", statusInfo, formatSize(rec.Size, unit), colorize))
	fmt.Fprintln(out, renderStatusLine("Imports", statusInfo, humanize.Comma(int64(rec.Imports)), colorize))
	fmt.Fprintln(out, renderStatusLine("Exports", statusInfo, humanize.Comma(int64(rec.Exports)), colorize))
	fmt.Fprintln(out, renderStatusLine("Recorded", statusInfo, rec.CreatedAt.Local().Format(time.RFC3339), colorize))
}

func formatSize(size int64, unit string) string {
	if unit == config.UnitBytes {
		return humanize.IBytes(uint64(max(size, 0)))
	}
	return humanize.Comma(size) + " lines"
}

func countRows[K ~string](counts map[K]int) [][]string {
	keys := make([]K, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{string(k), humanize.Comma(int64(counts[k]))})
	}
	return rows
}

type recordJSON struct {
	RemoteID     string    `json:"remote_id"`
	Size         int64     `json:"size"`
	FileType     string    `json:"file_type"`
	Architecture string    `json:"architecture"`
	Imports      int       `json:"imports"`
	Exports      int       `json:"exports"`
	CreatedAt    time.Time `json:"created_at"`
}

func newRecordJSON(rec metadata.Record) recordJSON {
	return recordJSON{
		RemoteID:     rec.RemoteID,
		Size:         rec.Size,
		FileType:     string(rec.FileType),
		Architecture: string(rec.Architecture),
		Imports:      rec.Imports,
		Exports:      rec.Exports,
		CreatedAt:    rec.CreatedAt,
	}
}
