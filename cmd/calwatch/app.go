package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"calwatch/internal/capture"
	"calwatch/internal/config"
	"calwatch/internal/export"
	appLog "calwatch/internal/log"
	"calwatch/internal/metrics"
	"calwatch/internal/orchestrator"
	"calwatch/internal/source"
	"calwatch/internal/store"
	"calwatch/internal/worker"
)

// flags holds the persistent CLI flags.
type flags struct {
	configPath string
	dataDir    string
	exportDir  string
	logLevel   string
	export     bool
}

// app is the wired process: config, store, collection and outputs.
type app struct {
	cfg      *config.Config
	loc      *time.Location
	store    *store.Store
	exporter *export.Exporter
	metrics  *metrics.Metrics
	browser  *capture.Browser
	pool     *worker.Pool
	runner   *orchestrator.Runner
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(f *flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", f.configPath, err)
	}
	if f.dataDir != "" {
		cfg.DataDir = f.dataDir
		cfg.CacheDir = filepath.Join(f.dataDir, "cache")
	}
	if f.exportDir != "" {
		cfg.ExportDir = f.exportDir
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if err := appLog.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openStore opens the data directory in the configured timezone.
func openStore(cfg *config.Config) (*store.Store, *time.Location, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, err
	}
	return store.New(cfg.DataDir, store.WithLocation(loc)), loc, nil
}

// needsBrowser reports whether any enabled platform fetches through Chromium.
func needsBrowser(cfg *config.Config) bool {
	for _, p := range cfg.EnabledPlatforms() {
		if p.Transport == "browser" {
			return true
		}
	}
	return false
}

// newApp wires everything. The browser is started when a platform needs it
// or when withBrowser is set.
func newApp(ctx context.Context, cfg *config.Config, withBrowser bool) (*app, error) {
	st, loc, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, loc: loc, store: st, metrics: metrics.New()}

	a.exporter = export.New(a.store, cfg.ExportDir,
		export.WithNames(export.NamesFromConfig(cfg.EnabledPlatforms())),
		export.WithCalendarDays(cfg.CalendarDays),
		export.WithClock(time.Now, loc),
	)

	if withBrowser || needsBrowser(cfg) {
		a.browser, err = capture.New(ctx, capture.Options{ExecPath: cfg.Browser.ExecPath, Timeout: cfg.Browser.Timeout})
		if err != nil {
			return nil, err
		}
	}

	env := source.Env{Location: loc, Now: time.Now, CacheDir: cfg.CacheDir}
	if a.browser != nil {
		env.Browser = a.browser
	}
	reg, err := source.BuildRegistry(cfg.Platforms, env)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.pool, err = worker.New("collect", cfg.Workers.PoolSize)
	if err != nil {
		a.Close()
		return nil, err
	}
	collector := source.NewCollector(reg, a.pool,
		source.WithRecorder(a.metrics),
		source.WithCollectorClock(time.Now, loc),
	)
	a.runner = orchestrator.New(a.store, collector,
		orchestrator.WithClock(time.Now, loc),
		orchestrator.WithObserver(a.metrics),
	)

	appLog.Info("calwatch configured",
		"data_dir", cfg.DataDir,
		"export_dir", cfg.ExportDir,
		"timezone", cfg.Timezone,
		"platforms", reg.Platforms(),
		"pool_size", cfg.Workers.PoolSize,
		"browser", a.browser != nil,
	)
	return a, nil
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Release(10 * time.Second)
	}
	if a.browser != nil {
		a.browser.Close()
	}
}

// exportAfter runs the export when asked to and logs, never fails, because
// the run itself already succeeded.
func (a *app) exportAfter(enabled bool) {
	if !enabled {
		return
	}
	if _, err := a.exporter.Export(); err != nil {
		appLog.Error("export after run failed", err)
	}
}
