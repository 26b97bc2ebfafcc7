// Command beamd is the engine's service entrypoint: it loads configuration,
// wires the fetch pipeline, mix engine, stem cache, recorder and telemetry
// together, and serves the HTTP control plane until signalled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/riffbeam/engine/internal/audiodevice"
	"github.com/riffbeam/engine/internal/config"
	"github.com/riffbeam/engine/internal/controlplane"
	"github.com/riffbeam/engine/internal/eventbus"
	"github.com/riffbeam/engine/internal/exchange"
	"github.com/riffbeam/engine/internal/metrics"
	"github.com/riffbeam/engine/internal/mixer"
	"github.com/riffbeam/engine/internal/pipeline"
	"github.com/riffbeam/engine/internal/recorder"
	"github.com/riffbeam/engine/internal/stemcache"
	"github.com/riffbeam/engine/internal/telemetry"
)

const (
	appName = "common"

	cmdQueueCapacity  = 256
	riffQueueCapacity = 16

	stemFetchRatePerSecond = 8.0

	busDispatchInterval = 20 * time.Millisecond
	prunePollInterval   = 30 * time.Second

	shutdownTimeout = 15 * time.Second
)

func main() {
	cdnBase := flag.String("cdn-base", "https://cdn.endlesss.fm/stems", "base URL the fetch pipeline downloads stems from")
	sentryDSN := flag.String("sentry-dsn", os.Getenv("BEAMD_SENTRY_DSN"), "Sentry DSN for non-audio-thread error reporting (blank disables it)")
	release := flag.String("release", "dev", "release identifier reported to Sentry")
	withDevice := flag.Bool("audio-device", true, "open a real audio output device (disable for headless/test runs)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "beamd: loading config:", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)
	logger.Info("beamd starting", "http_port", cfg.HTTPPort, "storage_root", cfg.Data.StorageRoot)

	reporter, err := telemetry.Init(*sentryDSN, "production", *release)
	if err != nil {
		logger.Error("beamd: sentry init failed, continuing without telemetry", "err", err)
		reporter, _ = telemetry.Init("", "", "")
	}
	defer reporter.Flush()

	if err := os.MkdirAll(cfg.StemCacheDir(), 0o755); err != nil {
		logger.Error("beamd: creating stem cache dir", "err", err)
		os.Exit(1)
	}
	appCacheDir := cfg.AppCacheDir(appName)
	if err := os.MkdirAll(appCacheDir, 0o755); err != nil {
		logger.Error("beamd: creating app cache dir", "err", err)
		os.Exit(1)
	}

	localStore, err := pipeline.OpenLocalStore(filepath.Join(appCacheDir, "riff_meta.db"))
	if err != nil {
		logger.Error("beamd: opening local metadata store", "err", err)
		reporter.CaptureError(telemetry.KindStorage, err, nil)
		os.Exit(1)
	}
	defer localStore.Close()

	// No network resolver is wired in this process: every jam this instance
	// plays must already be in the local metadata cache (spec §4.2's
	// "Resolver contract (pluggable)" leaves the remote authority and its
	// wire protocol unspecified).
	resolver := pipeline.NewCachingResolver(localStore, nil, func() bool { return false })

	stemCache := stemcache.New()
	fetcher := pipeline.NewCDNFetcher(cfg.StemCacheDir(), *cdnBase, stemFetchRatePerSecond, int(cfg.Audio.SampleRate))

	bufferFrames := int(cfg.Audio.BufferSize)
	if bufferFrames == 0 {
		bufferFrames = 1024
	}

	bus := eventbus.New()
	engine := mixer.New(cmdQueueCapacity, riffQueueCapacity, bufferFrames, bus)

	// recorder.New appends appName itself, so it gets the output root.
	rec := recorder.New(recorder.ModeStereoMix, cfg.OutputDir(""), appName, int(cfg.Audio.SampleRate), logger)
	engine.SetRecorder(rec)

	onComplete := func(r pipeline.Result) {
		if r.Riff == nil {
			bus.Publish(eventbus.AddToastNotification{
				Kind:     eventbus.ToastError,
				Title:    "Riff unavailable",
				Body:     fmt.Sprintf("could not resolve riff %s", r.ID.String()),
				Duration: 4,
			})
			return
		}
		engine.EnqueueRiff(r.Riff)
		if r.Perm != nil {
			engine.EnqueuePermutation(*r.Perm)
		}
	}
	onClear := func() {
		logger.Info("beamd: fetch pipeline queue cleared")
	}
	pl := pipeline.New(resolver, stemCache, fetcher, int(cfg.Audio.SampleRate), onComplete, onClear, logger)
	pl.Start()
	defer pl.Stop()

	snapshot := exchange.NewPublisher(appName)
	broadcaster := exchange.NewBroadcaster(logger)
	snapshot.SetListener(broadcaster.Publish)

	bus.SetHandler(func(e eventbus.Event) {
		logger.Debug("beamd: event dispatched", "event", fmt.Sprintf("%T", e))
	})

	collector := metrics.NewCollector(stemCache, pl, metrics.EngineAdapter{Engine: engine}, time.Now())
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)

	server := controlplane.NewServer(engine, pl, localStore, snapshot, broadcaster, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/", server)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	pruneTargetBytes := uint64(cfg.Performance.StemCacheAutoPruneAtMemoryUsageMb) * 1024 * 1024

	stopTicking := make(chan struct{})
	go runMainThreadLoop(bus, snapshot, engine, stemCache, pruneTargetBytes, stopTicking)

	var sink *audiodevice.Sink
	if *withDevice {
		sink, err = audiodevice.Open(int(cfg.Audio.SampleRate), bufferFrames)
		if err != nil {
			logger.Warn("beamd: audio device unavailable, running headless", "err", err)
			reporter.CaptureError(telemetry.KindDevice, err, nil)
			sink = nil
		} else {
			go sink.Run(engine)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Error("http server error", "err", err)
	}

	close(stopTicking)
	if sink != nil {
		sink.Stop()
		sink.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}

	logger.Info("beamd stopped")
}

// runMainThreadLoop periodically dispatches the event bus and derives a
// fresh Exchange Snapshot, mirroring spec §3's "cleared at the start of each
// main-thread update" cadence without an actual UI frame loop to piggyback
// on.
func runMainThreadLoop(bus *eventbus.Bus, snapshot *exchange.Publisher, engine *mixer.Engine, cache *stemcache.Cache, pruneTargetBytes uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(busDispatchInterval)
	defer ticker.Stop()
	pruneTicker := time.NewTicker(prunePollInterval)
	defer pruneTicker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			bus.Dispatch()
			snapshot.Tick(engine)
		case <-pruneTicker.C:
			cache.Prune(pruneTargetBytes)
		}
	}
}

