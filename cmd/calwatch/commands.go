package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"calwatch/internal/capture"
	"calwatch/internal/config"
	"calwatch/internal/errs"
	"calwatch/internal/export"
	appLog "calwatch/internal/log"
	"calwatch/internal/orchestrator"
	"calwatch/internal/web"
)

const previewFile = "calendar.png"

func exportCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Write the read-only JSON views for the web page",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			st, loc, err := openStore(cfg)
			if err != nil {
				return err
			}
			x := export.New(st, cfg.ExportDir,
				export.WithNames(export.NamesFromConfig(cfg.EnabledPlatforms())),
				export.WithCalendarDays(cfg.CalendarDays),
				export.WithClock(time.Now, loc),
			)
			res, err := x.Export()
			if err != nil {
				return err
			}
			for _, name := range res.Files {
				fmt.Fprintln(cmd.OutOrStdout(), filepath.Join(res.Dir, name))
			}
			return nil
		},
	}
}

func statusCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show what every tier of the data directory holds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			data, _, err := openStore(cfg)
			if err != nil {
				return err
			}
			st, err := orchestrator.ReadStatus(data)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st, export.NamesFromConfig(cfg.Platforms))
			return nil
		},
	}
}

func printStatus(w io.Writer, st orchestrator.Status, names map[string]string) {
	fmt.Fprintln(w, "current:")
	if len(st.Platforms) == 0 {
		fmt.Fprintln(w, "  no data; run first-run")
	}
	for _, p := range st.Platforms {
		name := names[p.Platform]
		if name == "" {
			name = p.Platform
		}
		fmt.Fprintf(w, "  %-16s %-10s %6d events (%d new)\n", p.Platform, name, p.Events, p.NewEvents)
	}
	fmt.Fprintf(w, "  total %d events, %d new\n", st.CurrentEvents, st.NewEvents)
	if st.DateRange.Start != nil && st.DateRange.End != nil {
		fmt.Fprintf(w, "  range %s .. %s\n", *st.DateRange.Start, *st.DateRange.End)
	}
	fmt.Fprintf(w, "previous: %d platforms, %d events\n", st.PreviousPlatforms, st.PreviousEvents)
	fmt.Fprintf(w, "archived: %d months, %d files, %d events\n", st.ArchivedMonths, st.ArchivedFiles, st.ArchivedEvents)
	if st.FirstRun != nil {
		fmt.Fprintf(w, "first run: %s (%s)\n", st.FirstRun.FirstRunDate, st.FirstRun.Status)
	}
	if st.LatestReport != "" {
		fmt.Fprintf(w, "latest report: %s\n", st.LatestReport)
	}
}

func serveCmd(f *flags) *cobra.Command {
	var (
		listen   string
		snapshot bool
		runNow   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the API and run on the configured cron schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, snapshot)
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(ctx, a, runNow, snapshot)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config)")
	cmd.Flags().BoolVar(&snapshot, "snapshot", false, "capture /calendar as PNG after every scheduled run")
	cmd.Flags().BoolVar(&runNow, "run-now", false, "run once at startup before waiting for the schedule")
	return cmd
}

// serve runs the HTTP server and the scheduler until ctx is cancelled.
func serve(ctx context.Context, a *app, runNow, snapshot bool) error {
	preview := filepath.Join(a.cfg.ExportDir, previewFile)
	srv := web.NewServer(a.cfg, web.Options{
		Store:       a.store,
		Exporter:    a.exporter,
		Metrics:     a.metrics.Handler(),
		PreviewPath: preview,
	})

	job := func() {
		if _, err := a.runner.Auto(ctx); err != nil {
			appLog.Error("scheduled run failed", err)
			return
		}
		a.exportAfter(true)
		if snapshot && a.browser != nil {
			if err := snapshotOnce(ctx, a, capture.SnapshotOptions{OutputPath: preview}, 0); err != nil {
				appLog.Error("snapshot failed", err, "path", preview)
			}
		}
	}

	c, wrapped, err := newScheduler(a.cfg.Schedule, a.loc, job)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		c.Start()
		appLog.Info("scheduler started", "schedule", a.cfg.Schedule, "timezone", a.cfg.Timezone)
		var startup sync.WaitGroup
		if runNow {
			startup.Add(1)
			go func() {
				defer startup.Done()
				wrapped.Run()
			}()
		}
		<-gctx.Done()
		// wait for a running job to finish
		<-c.Stop().Done()
		startup.Wait()
		appLog.Info("scheduler stopped")
		return nil
	})
	return g.Wait()
}

// newScheduler registers job on schedule. The returned job shares the
// scheduled entry's chain, so an out-of-schedule run and a tick never overlap.
func newScheduler(schedule string, loc *time.Location, job func()) (*cron.Cron, cron.Job, error) {
	wrapped := cron.NewChain(
		cron.Recover(cronLogger{}),
		cron.SkipIfStillRunning(cronLogger{}),
	).Then(cron.FuncJob(job))
	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddJob(schedule, wrapped); err != nil {
		return nil, nil, errs.Wrap(fmt.Errorf("schedule %q: %w", schedule, err), errs.KindConfig, "serve")
	}
	return c, wrapped, nil
}

// cronLogger adapts the application logger to cron.Logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...any) {
	appLog.Error("cron: "+msg, err, kv...)
}

func snapshotCmd(f *flags) *cobra.Command {
	var (
		output string
		width  int
		height int
		days   int
	)
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Render the calendar page in headless Chromium and save it as PNG",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			if output == "" {
				output = filepath.Join(cfg.ExportDir, previewFile)
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()
			return snapshotOnce(ctx, a, capture.SnapshotOptions{OutputPath: output, Width: width, Height: height}, days)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "PNG path (default <export_dir>/calendar.png)")
	cmd.Flags().IntVar(&width, "width", capture.DefaultWidth, "viewport width in pixels")
	cmd.Flags().IntVar(&height, "height", capture.DefaultHeight, "viewport height in pixels")
	cmd.Flags().IntVar(&days, "days", 0, "calendar window in days (default calendar_days)")
	return cmd
}

// snapshotOnce serves /calendar on a loopback port just long enough for the
// browser to capture it.
func snapshotOnce(ctx context.Context, a *app, opts capture.SnapshotOptions, days int) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           web.NewServer(localConfig(a.cfg), web.Options{Store: a.store, Exporter: a.exporter}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Error("snapshot server failed", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	opts.URL = "http://" + ln.Addr().String() + "/calendar"
	if days > 0 {
		opts.URL += fmt.Sprintf("?days=%d", days)
	}
	return a.browser.Snapshot(ctx, opts)
}

// localConfig is cfg without basic auth, for the loopback snapshot server.
func localConfig(cfg *config.Config) *config.Config {
	c := *cfg
	c.BasicAuth = nil
	return &c
}
