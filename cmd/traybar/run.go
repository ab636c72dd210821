package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/godbus/dbus/v5"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/traybar/traybar"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the capture and cache daemon",
		Long: `Run connects to the session bus, registers as a tray host, and keeps
the image cache fresh: item registrations trigger debounced recaptures,
a periodic pass validates the cache against the live item list, and a
snapshot is persisted to disk for a warm start on the next launch.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

func runDaemon(ctx context.Context) error {
	logger := traybar.LoggerFromContext(ctx)

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	defer conn.Close()

	ws := traybar.NewBusWindowServer(conn, os.Getpid())
	if err := ws.Listen(); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	defer ws.Close()

	procs := traybar.NewProcDirectory(conn)
	caps := traybar.DetectCapabilities(ctx, ws)
	resolver := traybar.SelectResolver(caps, procs, ws)
	if caps.ShellFrontsItems {
		logger.Debugf("run: proxy fronts items, using concurrent source resolution")
	}

	enum := traybar.NewEnumerator(ws, resolver, traybar.WithEnumeratorLogger(logger))
	source := traybar.NewEnumeratorSource(enum, func() *traybar.Display { return nil })

	pipeline := traybar.NewPipeline(ws, cfg.PipelineOptions())
	pipeline.SetLogger(logger)

	cache := traybar.NewImageCache(pipeline, cfg.CacheOptions())
	cache.SetLogger(logger)

	state := &traybar.AppState{
		Items:      source,
		UI:         daemonUIState{},
		Permission: ws,
	}
	cache.SetAppState(func() *traybar.AppState { return state })

	cachePath, err := resolveCachePath()
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	if err := cache.LoadFromDisk(cachePath, cfg.DiskCacheMaxAge.Std()); err != nil {
		logger.Debugf("run: loading disk cache: %v", err)
	}

	scheduler := traybar.NewScheduler(cache, cfg.Debounce.Std())
	scheduler.SetLogger(logger)

	ws.OnItemsChanged(func() {
		procs.Invalidate()
		scheduler.Notify(traybar.SignalItemsChanged)
	})

	if sysConn, err := dbus.ConnectSystemBus(); err == nil {
		defer sysConn.Close()
		stop, err := traybar.WatchMemoryPressure(sysConn, cache.HandleMemoryPressure)
		if err != nil {
			logger.Debugf("run: memory pressure watch unavailable: %v", err)
		} else {
			defer stop()
		}
	}

	jobs := cron.New()
	if _, err := jobs.AddFunc("@every 30s", func() {
		cache.Validate(ctx)
		if err := cache.SaveToDisk(cachePath); err != nil {
			logger.Debugf("run: saving disk cache: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	jobs.Start()
	defer jobs.Stop()

	// Warm the cache before the first signal arrives.
	if err := cache.UpdateCacheWithoutChecks(ctx, traybar.Sections()...); err != nil {
		logger.Debugf("run: initial update: %v", err)
	}

	logger.Printf("traybar: watching tray items (cache cap %d)", cfg.MaxCacheSize)
	scheduler.Run(ctx)

	if err := cache.SaveToDisk(cachePath); err != nil {
		logger.Debugf("run: final save: %v", err)
	}
	return nil
}

// daemonUIState reports the auxiliary bar as always presented: the daemon
// exists to feed bar surfaces, so guarded updates are never skipped for
// visibility reasons.
type daemonUIState struct{}

func (daemonUIState) BarVisible() bool      { return true }
func (daemonUIState) SearchVisible() bool   { return false }
func (daemonUIState) AppFrontmost() bool    { return false }
func (daemonUIState) ItemsPaneActive() bool { return false }
func (daemonUIState) LayoutResetting() bool { return false }

// resolveCachePath picks the disk snapshot location and ensures its
// directory exists.
func resolveCachePath() (string, error) {
	path := cfg.CachePath
	if path == "" {
		var err error
		path, err = traybar.DefaultCachePath()
		if err != nil {
			return "", err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", err
	}
	return path, nil
}
