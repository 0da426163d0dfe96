package main

import (
	"context"
	"flag"
	"image"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/signalsfoundry/star-tracker/attitude"
	"github.com/signalsfoundry/star-tracker/catalog"
	"github.com/signalsfoundry/star-tracker/centroid"
	"github.com/signalsfoundry/star-tracker/internal/api"
	"github.com/signalsfoundry/star-tracker/internal/imagestore"
	"github.com/signalsfoundry/star-tracker/internal/logging"
	"github.com/signalsfoundry/star-tracker/internal/observability"
	"github.com/signalsfoundry/star-tracker/tracker"
)

func main() {
	configPath := flag.String("config", "configs/tracker.json", "path to the tracker configuration")
	listenAddr := flag.String("listen", ":8080", "HTTP address for the command and telemetry API")
	frameDir := flag.String("frame-dir", "", "replay frames from this directory instead of a live camera")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx := context.Background()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Error(ctx, "failed to load configuration", logging.Err(err))
		os.Exit(1)
	}

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(ctx, shutdownTracing, log)

	collector, err := observability.NewTrackerCollector(nil)
	if err != nil {
		log.Error(ctx, "failed to initialise metrics collector", logging.Err(err))
		os.Exit(1)
	}

	store := imagestore.New(cfg.Retention.Capacity, cfg.Retention.Dir, log)

	camera, err := buildCamera(cfg, *frameDir)
	if err != nil {
		log.Error(ctx, "failed to initialise camera", logging.Err(err))
		os.Exit(1)
	}

	background, err := loadBackground(cfg.Extraction.BackgroundPath)
	if err != nil {
		log.Error(ctx, "failed to load background frame", logging.Err(err))
		os.Exit(1)
	}

	tr, err := tracker.New(tracker.Options{
		Camera:      camera,
		LoadCatalog: catalogLoader(cfg),
		Extractor: &centroid.Extractor{
			Camera:     cfg.CameraModel(),
			Params:     cfg.ExtractionParams(),
			Background: background,
		},
		Estimator:      &attitude.Estimator{Params: cfg.EstimatorParams()},
		Store:          store,
		Logger:         log,
		Metrics:        collector,
		PairTolerance:  cfg.PairTolerance(),
		MinMatches:     cfg.Matching.MinMatches,
		Settings:       cfg.CaptureSettings(),
		Filter:         cfg.FrameFilter(),
		RetryBudget:    cfg.Capture.RetryBudget,
		CaptureTimeout: cfg.CaptureTimeout(),
	})
	if err != nil {
		log.Error(ctx, "failed to build tracker", logging.Err(err))
		os.Exit(1)
	}

	runCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	go func() {
		if err := tr.Run(runCtx); err != nil && runCtx.Err() == nil {
			log.Error(ctx, "tracker worker exited", logging.Err(err))
		}
	}()

	srv := api.NewServer(*listenAddr, tr, store, collector, log)
	go func() {
		log.Info(ctx, "serving tracker API", logging.String("addr", *listenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(ctx, "HTTP server exited", logging.Err(err))
		}
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	<-stopCtx.Done()

	log.Info(ctx, "shutting down star tracker")
	stopWorker()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.HTTPServer().Shutdown(shutdownCtx)
}

func loadConfig(path string) (*tracker.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return tracker.LoadConfig(f)
}

// catalogLoader defers opening the catalog file until BOOT, so a
// missing catalog surfaces as an ERROR-state reason instead of a
// startup crash.
func catalogLoader(cfg *tracker.Config) func(context.Context) (*catalog.Catalog, error) {
	return func(context.Context) (*catalog.Catalog, error) {
		f, err := os.Open(cfg.Catalog.Path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return catalog.Load(f, cfg.CatalogOptions())
	}
}

func loadBackground(path string) (*image.Gray, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return centroid.DecodeFrame(data)
}

func buildCamera(cfg *tracker.Config, frameDir string) (tracker.Camera, error) {
	if frameDir != "" {
		return &tracker.FileCamera{Dir: frameDir}, nil
	}
	// No kernel capture driver is wired in yet; replaying archived
	// frames is the supported mode off the flight hardware.
	return &tracker.FileCamera{Dir: "captures"}, nil
}
