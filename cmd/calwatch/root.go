package main

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"calwatch/internal/orchestrator"
)

func newRootCmd() *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:           "calwatch",
		Short:         "Collect future market events and track their daily changes",
		Long:          "calwatch collects the event calendars of several platforms, keeps dated snapshots, archives past days and reports what changed since the previous run.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMode(cmd, f, "run")
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "./config.yaml", "path to config file (created with defaults when missing)")
	pf.StringVar(&f.dataDir, "data-dir", "", "data directory (overrides config)")
	pf.StringVar(&f.exportDir, "export-dir", "", "export directory (overrides config)")
	pf.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	pf.BoolVar(&f.export, "export", false, "write the web export after a successful run")

	root.AddCommand(
		modeCmd(f, "run", nil, "Run the first run when no data exists, the daily run otherwise; exports afterwards"),
		modeCmd(f, "first-run", nil, "Collect every platform and store the baseline without change detection"),
		modeCmd(f, "daily", nil, "Archive yesterday, rotate the baseline, collect, detect changes and store"),
		modeCmd(f, "collect-only", []string{"collect"}, "Collect and overwrite the current snapshots"),
		modeCmd(f, "detect-only", []string{"detect"}, "Collect and report changes against the baseline without storing snapshots"),
		exportCmd(f),
		statusCmd(f),
		serveCmd(f),
		snapshotCmd(f),
	)
	return root
}

func modeCmd(f *flags, use string, aliases []string, short string) *cobra.Command {
	return &cobra.Command{
		Use:     use,
		Aliases: aliases,
		Short:   short,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMode(cmd, f, use)
		},
	}
}

func runMode(cmd *cobra.Command, f *flags, mode string) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	var run func(context.Context) (*orchestrator.Result, error)
	exportAfter := f.export
	switch mode {
	case "run":
		run = a.runner.Auto
		exportAfter = true
	case "first-run":
		run = a.runner.FirstRun
	case "daily":
		run = a.runner.Daily
	case "collect-only":
		run = a.runner.CollectOnly
	case "detect-only":
		run = a.runner.DetectOnly
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}

	res, err := run(ctx)
	if err != nil {
		return err
	}
	printResult(cmd.OutOrStdout(), res)
	a.exportAfter(exportAfter)
	return nil
}

func printResult(w io.Writer, res *orchestrator.Result) {
	fmt.Fprintf(w, "%s %s (run %s)\n", res.Mode, res.RunDate, res.RunID)
	platforms := make([]string, 0, len(res.Events))
	for p := range res.Events {
		platforms = append(platforms, p)
	}
	sort.Strings(platforms)
	for _, p := range platforms {
		fmt.Fprintf(w, "  %-16s %6d events\n", p, res.Events[p])
	}
	if res.Archive != nil {
		fmt.Fprintf(w, "  archived %d events of %s (%d already archived)\n", res.Archive.Archived, res.Archive.Date, res.Archive.Skipped)
	}
	if res.Rotate != nil {
		fmt.Fprintf(w, "  baseline after %s: %d events\n", res.Rotate.Boundary, res.Rotate.Events)
	}
	if res.Report != nil {
		s := res.Report.Summary
		fmt.Fprintf(w, "  changes: %d new, %d updated, %d cancelled\n", s.TotalNew, s.TotalUpdated, s.TotalCancelled)
	}
}
