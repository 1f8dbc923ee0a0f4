// Copyright The Edgewatch Authors
// SPDX-License-Identifier: Apache-2.0

// Command edgewatch runs the device telemetry agent: it samples the host's
// own metrics on a fixed cadence, checks them against thresholds and a
// locally trained outlier model, persists them, and forwards them to the
// cloud with an offline queue.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/edgewatch/edgewatch/internal/cloud"
	"github.com/edgewatch/edgewatch/internal/config"
	"github.com/edgewatch/edgewatch/internal/detector"
	"github.com/edgewatch/edgewatch/internal/dispatch"
	"github.com/edgewatch/edgewatch/internal/mlmodel"
	"github.com/edgewatch/edgewatch/internal/monitor"
	"github.com/edgewatch/edgewatch/internal/sensor"
	"github.com/edgewatch/edgewatch/internal/storage"
)

func main() {
	configPath := flag.String("config", "/etc/edgewatch/config.yaml", "path to the agent configuration file")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	if err := run(*configPath, *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "edgewatch: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, verbose bool) (err error) {
	logger, err := buildLogger(verbose)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.Info("configuration loaded",
		zap.String("path", configPath),
		zap.String("device_id", cfg.DeviceID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.OpenTimeSeries(logger, cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, store.Close()) }()

	var durable monitor.DurableSink
	if cfg.Redis.Enabled {
		ds, derr := storage.OpenDurable(ctx, logger, cfg.Redis.Addr, cfg.Redis.Password,
			cfg.Redis.DB, cfg.RedisTTL(), cfg.RedisWriteTimeout())
		if derr != nil {
			// The secondary sink is optional; the agent runs without it.
			logger.Warn("durable store unavailable", zap.Error(derr))
		} else {
			defer func() { err = multierr.Append(err, ds.Close()) }()
			durable = ds
		}
	}

	thresholdDet := detector.NewThresholdDetector(logger, cfg.Thresholds)

	var mlDet *detector.MLDetector
	if cfg.ML.Enabled {
		mlDet = detector.NewMLDetector(logger, cfg.ML.ModelDir, mlmodel.TrainOptions{
			Trees:         cfg.ML.Trees,
			SubsampleSize: cfg.ML.SubsampleSize,
			Contamination: cfg.ML.Contamination,
			Seed:          cfg.ML.Seed,
		})
	}

	var analyzer monitor.Analyzer
	if cfg.Cloud.Analysis.Enabled {
		analyzer = cloud.NewAnalysisClient(logger, cfg.Cloud.Analysis.Endpoint,
			cfg.Cloud.Analysis.APIKey, cfg.AnalysisTimeout())
	}

	var transport *dispatch.HTTPTransport
	var dispatcher monitor.Dispatcher
	if cfg.Cloud.IngestURL != "" {
		transport = dispatch.NewHTTPTransport(logger, cfg.Cloud.IngestURL,
			cfg.Cloud.APIKey, cfg.SendTimeout())
		dispatcher = dispatch.NewManager(logger, transport,
			cfg.Dispatch.QueueCapacity, cfg.FlushPacing())
	} else {
		logger.Info("no ingest endpoint configured, running local-only")
	}

	mon := monitor.New(logger, cfg, monitor.Options{
		Source:     sensor.NewCollector(logger, cfg.DeviceID, cfg.Sensors, cfg.Storage.DiskPath),
		Threshold:  thresholdDet,
		ML:         mlDet,
		Store:      store,
		Durable:    durable,
		Analysis:   analyzer,
		Dispatcher: dispatcher,
	})

	var wg sync.WaitGroup

	if transport != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			transport.RunProber(ctx, cfg.ProbeInterval())
		}()
	}

	if cfg.Cloud.Twin.Enabled {
		twin := cloud.NewTwinChannel(logger, cfg.Cloud.Twin.URL, mon, cfg.ReportInterval())
		wg.Add(1)
		go func() {
			defer wg.Done()
			twin.Run(ctx)
		}()
	}

	srv := newHTTPServer(cfg.ListenAddr, mon, store)
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("http server listening", zap.String("addr", cfg.ListenAddr))
		if serr := srv.ListenAndServe(); serr != nil && serr != http.ErrServerClosed {
			logger.Error("http server failed", zap.Error(serr))
		}
	}()

	mon.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = multierr.Append(err, srv.Shutdown(shutdownCtx))

	wg.Wait()
	logger.Info("agent stopped")
	return err
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if verbose {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return zc.Build()
}

// newHTTPServer exposes Prometheus metrics, a liveness probe, the agent
// status snapshot and local store statistics.
func newHTTPServer(addr string, mon *monitor.Monitor, store *storage.TimeSeriesStore) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mon.Status())
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := store.Statistics(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	})

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
