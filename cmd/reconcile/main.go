package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/snapflowio/reconcile"
	"github.com/snapflowio/reconcile/config"
	"github.com/snapflowio/reconcile/diff"
	"github.com/snapflowio/reconcile/logger"
)

var flags struct {
	bucket         string
	prefix         string
	database       string
	schema         string
	sourceURL      string
	targetURL      string
	includeTables  []string
	excludeTables  []string
	mode           string
	absoluteKeys   []string
	startDate      string
	stopDate       string
	chunkSize      int64
	batchSize      int64
	maxConnections int
	startPosition  int64
	snapshotOnly   bool
	diffOnly       bool
	sourceInsecure bool
	targetInsecure bool
	logLevel       string
}

func main() {
	root := &cobra.Command{
		Use:   "reconcile",
		Short: "Replay CDC exports from object storage and validate them against a live database",
	}
	root.AddCommand(validateCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func validateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Reconstruct table state from CDC exports and diff it against the source database",
		RunE:  runValidate,
	}

	cmd.Flags().StringVar(&flags.bucket, "bucket", "", "object storage bucket holding the CDC exports")
	cmd.Flags().StringVar(&flags.prefix, "prefix", "", "key prefix of the exports, e.g. data/landing/rds")
	cmd.Flags().StringVar(&flags.database, "database", "", "exported database name in the key layout")
	cmd.Flags().StringVar(&flags.schema, "schema", "public", "database schema to validate")
	cmd.Flags().StringVar(&flags.sourceURL, "source-url", "", "DSN of the authoritative database")
	cmd.Flags().StringVar(&flags.targetURL, "target-url", "", "DSN of the reconstruction target database")
	cmd.Flags().StringSliceVar(&flags.includeTables, "include-tables", nil, "tables to include (default: all)")
	cmd.Flags().StringSliceVar(&flags.excludeTables, "exclude-tables", nil, "tables to exclude")
	cmd.Flags().StringVar(&flags.mode, "mode", string(config.ModeDateAware), "file selection mode: date-aware, absolute-path, full-load-only")
	cmd.Flags().StringSliceVar(&flags.absoluteKeys, "key", nil, "exact object keys (absolute-path mode)")
	cmd.Flags().StringVar(&flags.startDate, "start-date", "", "start of the partition date range, e.g. 2024-02-14T00:00:00Z")
	cmd.Flags().StringVar(&flags.stopDate, "stop-date", "", "end of the partition date range (optional)")
	cmd.Flags().Int64Var(&flags.chunkSize, "chunk-size", 1000, "rows per comparison window")
	cmd.Flags().Int64Var(&flags.batchSize, "batch-size", 0, "rows per replay batch (default: chunk size)")
	cmd.Flags().IntVar(&flags.maxConnections, "max-connections", 5, "connections per database pool")
	cmd.Flags().Int64Var(&flags.startPosition, "start-position", 0, "offset to resume replay and diffing from")
	cmd.Flags().BoolVar(&flags.snapshotOnly, "snapshot-only", false, "replay only, skip the comparison")
	cmd.Flags().BoolVar(&flags.diffOnly, "diff-only", false, "compare only, skip locating and replaying exports")
	cmd.Flags().BoolVar(&flags.sourceInsecure, "accept-invalid-certs-source", false, "skip certificate verification for the source database")
	cmd.Flags().BoolVar(&flags.targetInsecure, "accept-invalid-certs-target", false, "skip certificate verification for the target database")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "info", "log level")

	return cmd
}

func runValidate(cmd *cobra.Command, _ []string) error {
	opts := []config.Option{
		config.WithBucket(flags.bucket),
		config.WithPrefix(flags.prefix),
		config.WithDatabase(flags.database),
		config.WithSchema(flags.schema),
		config.WithSourceDSN(flags.sourceURL),
		config.WithTargetDSN(flags.targetURL),
		config.WithIncludedTables(flags.includeTables),
		config.WithExcludedTables(flags.excludeTables),
		config.WithMode(config.Mode(flags.mode)),
		config.WithAbsoluteKeys(flags.absoluteKeys),
		config.WithChunkSize(flags.chunkSize),
		config.WithBatchSize(flags.batchSize),
		config.WithMaxConnections(flags.maxConnections),
		config.WithStartPosition(flags.startPosition),
		config.WithSnapshotOnly(flags.snapshotOnly),
		config.WithDiffOnly(flags.diffOnly),
		config.WithSourceTrust(flags.sourceInsecure),
		config.WithTargetTrust(flags.targetInsecure),
		config.WithLogLevel(logger.ParseLevel(flags.logLevel)),
	}

	if flags.startDate != "" || flags.stopDate != "" {
		start, stop, err := parseDateRange(flags.startDate, flags.stopDate)
		if err != nil {
			return err
		}
		opts = append(opts, config.WithDateRange(start, stop))
	}

	cfg := config.NewConfig(opts...)
	cfg.Print()

	ctx := cmd.Context()

	runner, err := reconcile.NewRunner(ctx, *cfg)
	if err != nil {
		return err
	}
	defer runner.Close(ctx)

	summary, err := runner.Run(ctx)
	if err != nil {
		return err
	}

	printSummary(summary)

	if summary.Fatal() {
		os.Exit(1)
	}
	return nil
}

func parseDateRange(start, stop string) (time.Time, time.Time, error) {
	var startDate, stopDate time.Time
	var err error

	if start != "" {
		startDate, err = time.Parse(time.RFC3339, start)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse start date: %w", err)
		}
	}

	if stop != "" {
		stopDate, err = time.Parse(time.RFC3339, stop)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse stop date: %w", err)
		}
	}

	return startDate, stopDate, nil
}

func printSummary(summary *reconcile.Summary) {
	fmt.Printf("run %s\n", summary.RunID)

	for _, report := range summary.Reports {
		status := "OK"
		if !report.Clean() {
			status = "DIFFERS"
		}

		fmt.Printf("table %s.%s: %s (source=%d target=%d matched=%d)\n",
			report.Schema, report.Table, status,
			report.SourceRows, report.TargetRows, report.MatchedRows())

		for _, d := range report.Discrepancies() {
			printDiscrepancy(d)
		}

		for _, w := range report.Unverified() {
			fmt.Printf("  unverified window offset=%d limit=%d: %s\n", w.Window.Offset, w.Window.Limit, w.Error)
		}
	}

	for _, failure := range summary.Failures {
		fmt.Printf("table %s: FAILED: %s (last offset=%d", failure.Table, failure.Err, failure.LastOffset)
		if failure.File != "" {
			fmt.Printf(", file=%s", failure.File)
		}
		fmt.Println(")")
	}
}

func printDiscrepancy(d diff.Discrepancy) {
	switch d.Kind {
	case diff.ValueMismatch:
		fmt.Printf("  mismatch key=%s", d.Key)
		for _, c := range d.Columns {
			fmt.Printf(" %s(source=%v target=%v)", c.Column, c.Source, c.Target)
		}
		fmt.Println()
	default:
		fmt.Printf("  %s key=%s\n", d.Kind, d.Key)
	}
}
